// Package gateway defines the outbound integration contracts the action
// executor dispatches to, a typed error hierarchy shared by all of them,
// and the concrete Home Assistant, MQTT, Zigbee2MQTT, Z-Wave JS, and
// notification implementations.
package gateway

import "fmt"

// ErrorKind classifies gateway failures for the audit log and circuit
// breaker. Kinds are ordered roughly by declining recoverability.
type ErrorKind string

const (
	KindNotConfigured ErrorKind = "not_configured"
	KindNotReachable  ErrorKind = "not_reachable"
	KindUnauthorized  ErrorKind = "unauthorized"
	KindValidation    ErrorKind = "validation"
	KindTimeout       ErrorKind = "timeout"
	KindOther         ErrorKind = "other"
)

// Error is the error type returned by every gateway call.
type Error struct {
	Kind ErrorKind
	Op   string // e.g. "ha.call_service", "mqtt.publish"
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError builds a gateway error.
func NewError(kind ErrorKind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}
