package bus

import (
	"maps"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Well-known envelope headers.
const (
	HeaderSender            = "Sender"
	HeaderRecipient         = "Recipient"
	HeaderOriginalRecipient = "OriginalRecipient"
	HeaderCorrelationID     = "CorrelationId"
	HeaderMessageID         = "MessageId"
	HeaderMessageType       = "MessageType"
	HeaderTimeSent          = "TimeSent"
	HeaderTimeProcessed     = "TimeProcessed"
	HeaderExceptionName     = "ExceptionName"
	HeaderExceptionMessage  = "ExceptionMessage"
	HeaderExceptionString   = "ExceptionString"
	HeaderRetryCount        = "RetryCount"
)

// Envelope is a message plus routing and tracing headers, the unit a transport moves.
//
// Envelope is immutable: AddHeader and ReplaceHeader return a new Envelope with a copied header
// map, so one envelope can be fanned out to several recipients concurrently.
type Envelope struct {
	headers map[string]string
	body    Message
}

// NewEnvelope creates an envelope owning a copy of headers.
func NewEnvelope(headers map[string]string, body Message) Envelope {
	h := make(map[string]string, len(headers))
	maps.Copy(h, headers)

	return Envelope{headers: h, body: body}
}

// Body returns the wrapped message.
func (e Envelope) Body() Message { return e.body }

// Header returns the value of key.
func (e Envelope) Header(key string) (string, bool) {
	v, ok := e.headers[key]
	return v, ok
}

// Headers returns a snapshot of all headers.
func (e Envelope) Headers() map[string]string { return maps.Clone(e.headers) }

// AddHeader returns a copy of the envelope with key set to value.
func (e Envelope) AddHeader(key, value string) Envelope {
	h := make(map[string]string, len(e.headers)+1)
	maps.Copy(h, e.headers)
	h[key] = value

	return Envelope{headers: h, body: e.body}
}

// ReplaceHeader returns a copy with key set to value when key is present; otherwise e is returned as is.
func (e Envelope) ReplaceHeader(key, value string) Envelope {
	if _, ok := e.headers[key]; !ok {
		return e
	}

	return e.AddHeader(key, value)
}

// WithHeaders returns a copy with every entry of patch applied.
func (e Envelope) WithHeaders(patch map[string]string) Envelope {
	h := make(map[string]string, len(e.headers)+len(patch))
	maps.Copy(h, e.headers)
	maps.Copy(h, patch)

	return Envelope{headers: h, body: e.body}
}

// Sender is the address of the endpoint that sent the envelope.
func (e Envelope) Sender() EndpointAddress { return ParseEndpointAddress(e.headers[HeaderSender]) }

// Recipient is the address the envelope is delivered to.
func (e Envelope) Recipient() EndpointAddress {
	return ParseEndpointAddress(e.headers[HeaderRecipient])
}

// CorrelationID returns the correlation id, or uuid.Nil when absent or malformed.
func (e Envelope) CorrelationID() uuid.UUID {
	id, err := uuid.Parse(e.headers[HeaderCorrelationID])
	if err != nil {
		return uuid.Nil
	}

	return id
}

// MessageType returns the full type name of the body.
func (e Envelope) MessageType() string { return e.headers[HeaderMessageType] }

// TimeSent returns the send timestamp.
func (e Envelope) TimeSent() time.Time { return e.timeHeader(HeaderTimeSent) }

// TimeProcessed returns the processing timestamp, set when an envelope is audited.
func (e Envelope) TimeProcessed() time.Time { return e.timeHeader(HeaderTimeProcessed) }

// RetryCount returns the retry counter, zero when absent.
func (e Envelope) RetryCount() int {
	n, _ := strconv.Atoi(e.headers[HeaderRetryCount])
	return n
}

func (e Envelope) timeHeader(key string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, e.headers[key])
	if err != nil {
		return time.Time{}
	}

	return t
}

// FormatTime formats t the way envelope time headers are stored.
func FormatTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }
