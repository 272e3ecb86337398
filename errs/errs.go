// Package errs provides structured error types and helpers for the connector data plane.
package errs

import (
	"strconv"
	"strings"
)

// Code identifies an error category within the connector pipeline.
type Code string

const (
	// CodeProtocol indicates a protocol inconsistency reported by the upstream adapter
	// (unexpected book state transition, missing transaction mapping).
	CodeProtocol Code = "protocol"
	// CodeSubscriptionNotFound indicates an operation referencing an unknown subscription id.
	CodeSubscriptionNotFound Code = "subscription_not_found"
	// CodeQueueExceeded indicates the pending message queue grew past its configured cap.
	CodeQueueExceeded Code = "queue_exceeded"
	// CodeConsistency indicates an arithmetic or index consistency failure in book math.
	CodeConsistency Code = "consistency"
	// CodeConnection indicates a transport-level connection failure.
	CodeConnection Code = "connection"
	// CodeInvalid indicates invalid input provided by the caller.
	CodeInvalid Code = "invalid_request"
	// CodeTimeout indicates an operation exceeded its deadline.
	CodeTimeout Code = "timeout"
)

// E captures structured error information produced across the connector stack.
type E struct {
	Component   string
	Code        Code
	Message     string
	TransID     int64
	SecurityID  string
	Remediation string

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the component and error code.
func New(component string, code Code, opts ...Option) *E {
	e := &E{
		Component: strings.TrimSpace(component),
		Code:      code,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// WithMessage attaches a human-readable message to the error.
func WithMessage(message string) Option {
	trimmed := strings.TrimSpace(message)
	return func(e *E) {
		e.Message = trimmed
	}
}

// WithTransID records the transaction id the error relates to.
func WithTransID(id int64) Option {
	return func(e *E) {
		e.TransID = id
	}
}

// WithSecurityID records the security the error relates to.
func WithSecurityID(id string) Option {
	trimmed := strings.TrimSpace(id)
	return func(e *E) {
		e.SecurityID = trimmed
	}
}

// WithRemediation attaches remediation guidance to the error.
func WithRemediation(remediation string) Option {
	trimmed := strings.TrimSpace(remediation)
	return func(e *E) {
		e.Remediation = trimmed
	}
}

// WithCause sets the underlying cause error.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	var parts []string

	component := strings.TrimSpace(e.Component)
	if component == "" {
		component = "unknown"
	}
	parts = append(parts, "component="+component)

	code := strings.TrimSpace(string(e.Code))
	if code == "" {
		code = "unknown"
	}
	parts = append(parts, "code="+code)

	if e.TransID != 0 {
		parts = append(parts, "trans_id="+strconv.FormatInt(e.TransID, 10))
	}
	if e.SecurityID != "" {
		parts = append(parts, "security="+e.SecurityID)
	}
	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if e.Remediation != "" {
		parts = append(parts, "remediation="+strconv.Quote(e.Remediation))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}

	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// SubscriptionNotFound returns a standardized error for operations on unknown subscription ids.
func SubscriptionNotFound(component string, transID int64) *E {
	return New(component, CodeSubscriptionNotFound,
		WithTransID(transID),
		WithMessage("subscription does not exist"))
}

// QueueExceeded returns a standardized error for an overflowing pending queue.
func QueueExceeded(component string, limit int) *E {
	return New(component, CodeQueueExceeded,
		WithMessage("pending queue exceeded "+strconv.Itoa(limit)+" messages"),
		WithRemediation("increase the pending queue cap or reconnect sooner"))
}
