package bus

import (
	"os"
	"strings"
	"sync"
)

var (
	hostOnce sync.Once
	hostName string
)

// LocalMachineName returns the lower-cased host name of this process.
func LocalMachineName() string {
	hostOnce.Do(func() {
		h, err := os.Hostname()
		if err != nil {
			h = "localhost"
		}
		hostName = strings.ToLower(h)
	})

	return hostName
}

// EndpointAddress identifies a logical queue, optionally on a specific machine.
// The zero MachineName means the local machine. Comparison is case-insensitive.
type EndpointAddress struct {
	QueueName   string `json:"queueName"`
	MachineName string `json:"machineName,omitempty"`
}

// NewEndpointAddress builds a local address for queue.
func NewEndpointAddress(queue string) EndpointAddress {
	return EndpointAddress{QueueName: queue}
}

// ParseEndpointAddress parses "queue" or "queue@machine".
func ParseEndpointAddress(s string) EndpointAddress {
	queue, machine, _ := strings.Cut(strings.TrimSpace(s), "@")
	return EndpointAddress{QueueName: queue, MachineName: machine}
}

// IsZero reports whether no queue is set.
func (a EndpointAddress) IsZero() bool { return a.QueueName == "" }

// IsLocal reports whether the address points at this machine.
func (a EndpointAddress) IsLocal() bool {
	return a.MachineName == "" ||
		a.MachineName == "." ||
		strings.EqualFold(a.MachineName, "localhost") ||
		strings.EqualFold(a.MachineName, LocalMachineName())
}

// Equal compares queue and machine case-insensitively; local spellings compare equal.
func (a EndpointAddress) Equal(b EndpointAddress) bool {
	return a.Key() == b.Key()
}

// Key is a normalized form usable as a map key.
func (a EndpointAddress) Key() string {
	machine := strings.ToLower(a.MachineName)
	if a.IsLocal() {
		machine = LocalMachineName()
	}

	return strings.ToLower(a.QueueName) + "@" + machine
}

func (a EndpointAddress) String() string {
	if a.MachineName == "" {
		return a.QueueName
	}

	return a.QueueName + "@" + a.MachineName
}
