package bus

import (
	"fmt"

	berr "github.com/next-trace/jitney/contract/errors"
)

// Message is anything that travels through the bus. Its intent is derived from the
// capability it implements: Command, Event, or being a SubscriptionMessage.
type Message interface{}

// Command is a marker interface for commands (intent to change state).
// A command has exactly one handler, owned by the endpoint the command is routed to.
type Command interface {
	IsCommand()
}

// Event is a marker interface for events (something that happened).
// An event may have zero, one or many handlers across bounded contexts.
type Event interface {
	IsEvent()
}

// Intent classifies a message.
type Intent int

const (
	IntentUnknown Intent = iota
	IntentCommand
	IntentEvent
	IntentSubscription
)

func (i Intent) String() string {
	switch i {
	case IntentCommand:
		return "command"
	case IntentEvent:
		return "event"
	case IntentSubscription:
		return "subscription"
	default:
		return "unknown"
	}
}

// IntentOf resolves the intent of msg. A message that is both a command and an event,
// or neither, is a configuration error.
func IntentOf(msg Message) (Intent, error) {
	switch msg.(type) {
	case SubscriptionMessage, *SubscriptionMessage:
		return IntentSubscription, nil
	}

	_, isCmd := msg.(Command)
	_, isEvt := msg.(Event)

	switch {
	case isCmd && !isEvt:
		return IntentCommand, nil
	case isEvt && !isCmd:
		return IntentEvent, nil
	default:
		return IntentUnknown, fmt.Errorf("intent of %T: %w", msg, berr.ErrUnknownIntent)
	}
}
