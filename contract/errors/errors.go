package errors

import (
	"context"
	stderrors "errors"
	"fmt"
)

// Error codes for the bus contracts. Keep stable; used across adapters, pipelines and the event store.
const (
	ErrCodeHandlerExists        = "jitney.handler_exists"
	ErrCodeHandlerNotFound      = "jitney.handler_not_found"
	ErrCodeHandlerTypeMismatch  = "jitney.handler_type_mismatch"
	ErrCodeLocalAddressMissing  = "jitney.local_address_missing"
	ErrCodeRouteNotFound        = "jitney.route_not_found"
	ErrCodeUnknownIntent        = "jitney.unknown_intent"
	ErrCodeInvalidStep          = "jitney.invalid_step"
	ErrCodeNotConnected         = "jitney.not_connected"
	ErrCodeTransportFailed      = "jitney.transport_failed"
	ErrCodeSerializationFailed  = "jitney.serialization_failed"
	ErrCodeUnknownMessageType   = "jitney.unknown_message_type"
	ErrCodeAggregateNotFound    = "jitney.aggregate_not_found"
	ErrCodeConcurrencyConflict  = "jitney.concurrency_conflict"
	ErrCodeNoApplyHandler       = "jitney.no_apply_handler"
	ErrCodeSnapshotNotSupported = "jitney.snapshot_not_supported"
)

// Code returns an error value that carries only a code string.
// It implements error by returning the code string in Error().
func Code(code string) error { return codedError(code) }

type codedError string

func (e codedError) Error() string { return string(e) }

var (
	ErrHandlerExists        = Code(ErrCodeHandlerExists)
	ErrHandlerNotFound      = Code(ErrCodeHandlerNotFound)
	ErrHandlerTypeMismatch  = Code(ErrCodeHandlerTypeMismatch)
	ErrLocalAddressMissing  = Code(ErrCodeLocalAddressMissing)
	ErrRouteNotFound        = Code(ErrCodeRouteNotFound)
	ErrUnknownIntent        = Code(ErrCodeUnknownIntent)
	ErrInvalidStep          = Code(ErrCodeInvalidStep)
	ErrNotConnected         = Code(ErrCodeNotConnected)
	ErrTransportFailed      = Code(ErrCodeTransportFailed)
	ErrSerializationFailed  = Code(ErrCodeSerializationFailed)
	ErrUnknownMessageType   = Code(ErrCodeUnknownMessageType)
	ErrAggregateNotFound    = Code(ErrCodeAggregateNotFound)
	ErrConcurrencyConflict  = Code(ErrCodeConcurrencyConflict)
	ErrNoApplyHandler       = Code(ErrCodeNoApplyHandler)
	ErrSnapshotNotSupported = Code(ErrCodeSnapshotNotSupported)
)

// configuration lists the codes that describe a misconfigured bus rather than a runtime failure.
var configuration = []error{
	ErrHandlerExists,
	ErrHandlerNotFound,
	ErrHandlerTypeMismatch,
	ErrLocalAddressMissing,
	ErrRouteNotFound,
	ErrUnknownIntent,
	ErrInvalidStep,
	ErrUnknownMessageType,
}

// IsConfiguration reports whether err is a configuration error. Configuration errors are
// raised before any I/O and are never worth retrying.
func IsConfiguration(err error) bool {
	for _, c := range configuration {
		if stderrors.Is(err, c) {
			return true
		}
	}

	return false
}

// TransportError wraps a failure raised by a transport library. It carries the original cause
// and matches ErrTransportFailed via errors.Is.
type TransportError struct {
	Medium string
	Op     string
	Err    error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s %s: %s: %v", e.Medium, e.Op, ErrCodeTransportFailed, e.Err)
}

func (e *TransportError) Unwrap() []error { return []error{ErrTransportFailed, e.Err} }

// Transport wraps err into a *TransportError. Context cancellation is returned unchanged.
func Transport(medium, op string, err error) error {
	if err == nil {
		return nil
	}

	if stderrors.Is(err, context.Canceled) || stderrors.Is(err, context.DeadlineExceeded) {
		return err
	}

	return &TransportError{Medium: medium, Op: op, Err: err}
}

// ConcurrencyError reports an optimistic version mismatch on append.
type ConcurrencyError struct {
	AggregateType string
	AggregateID   string
	Expected      int
	Actual        int
}

func (e *ConcurrencyError) Error() string {
	return fmt.Sprintf("%s %s: expected version %d, actual %d: %s",
		e.AggregateType, e.AggregateID, e.Expected, e.Actual, ErrCodeConcurrencyConflict)
}

func (e *ConcurrencyError) Is(target error) bool { return target == ErrConcurrencyConflict }
