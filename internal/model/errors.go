package model

import (
	"errors"
	"fmt"
)

// Reason is the user-visible error taxonomy carried in the IPC error frame
// (spec §7). It is distinct from Go's error type so that the IPC layer can
// map any internal error to exactly one wire reason with a single switch.
type Reason string

const (
	ReasonDeviceNotFound   Reason = "DeviceNotFound"
	ReasonConnectionFailed Reason = "ConnectionFailed"
	ReasonOperationFailed  Reason = "OperationFailed"
	ReasonTimeout          Reason = "Timeout"
	ReasonSkippedDueToAge  Reason = "SkippedDueToAge"
	ReasonQueueFull        Reason = "QueueFull"
	ReasonInvalidRequest   Reason = "InvalidRequest"
	ReasonUnavailable      Reason = "Unavailable"
)

// RequestError is a terminal failure attached to a Request's FAILED/TIMEOUT
// status. It always carries one of the Reason constants so the IPC layer
// never has to guess how to render an internal error to a client.
type RequestError struct {
	Reason  Reason
	Wrapped error
}

func NewRequestError(reason Reason, wrapped error) *RequestError {
	return &RequestError{Reason: reason, Wrapped: wrapped}
}

func (e *RequestError) Error() string {
	if e.Wrapped == nil {
		return string(e.Reason)
	}
	return fmt.Sprintf("%s: %v", e.Reason, e.Wrapped)
}

func (e *RequestError) Unwrap() error {
	return e.Wrapped
}

// Is allows errors.Is(err, &RequestError{Reason: X}) to match by reason only.
func (e *RequestError) Is(target error) bool {
	t, ok := target.(*RequestError)
	if !ok {
		return false
	}
	return e.Reason == t.Reason
}

// ReasonOf extracts the wire Reason for any error, defaulting to
// OperationFailed for errors the orchestrator didn't classify itself -
// those are operational faults, never silently swallowed as success.
func ReasonOf(err error) Reason {
	var re *RequestError
	if errors.As(err, &re) {
		return re.Reason
	}
	return ReasonOperationFailed
}

// NotFoundError reports a missing service/characteristic on a connected
// device, mirroring the teacher's device.NotFoundError shape.
type NotFoundError struct {
	Resource string
	UUIDs    []string
}

func (e *NotFoundError) Error() string {
	if len(e.UUIDs) == 0 {
		return fmt.Sprintf("%s not found", e.Resource)
	}
	if len(e.UUIDs) == 1 {
		return fmt.Sprintf("%s %q not found", e.Resource, e.UUIDs[0])
	}
	return fmt.Sprintf("%s %q not found in service %q", e.Resource, e.UUIDs[len(e.UUIDs)-1], e.UUIDs[0])
}

// ConnectionState names a specific connection-lifecycle failure.
type ConnectionState string

const (
	NotConnected     ConnectionState = "not_connected"
	AlreadyConnected ConnectionState = "already_connected"
	BluetoothOff     ConnectionState = "bluetooth_off"
)

type ConnectionError struct {
	State ConnectionState
	Msg   string
}

func (e *ConnectionError) Error() string {
	if e.Msg == "" {
		return string(e.State)
	}
	return fmt.Sprintf("%s: %s", e.State, e.Msg)
}

func (e *ConnectionError) Is(target error) bool {
	t, ok := target.(*ConnectionError)
	if !ok {
		return false
	}
	return e.State == t.State
}

var (
	ErrNotConnected     = &ConnectionError{State: NotConnected}
	ErrAlreadyConnected = &ConnectionError{State: AlreadyConnected}
	ErrBluetoothOff     = &ConnectionError{State: BluetoothOff}
)

// Programmer errors: invariant violations that must never be silently
// translated into a client-facing Reason. Callers check for this type and
// panic or log at Error level rather than routing it through ReasonOf.
type InvariantViolation struct {
	What string
}

func (e *InvariantViolation) Error() string {
	return "invariant violation: " + e.What
}
