// Package pipeline composes message-transforming stages into a chain between
// the client-facing surface and the physical upstream adapter.
package pipeline

import "github.com/tradewire/connector/internal/schema"

// Stage transforms messages travelling in both directions. Returning no
// replacement for the primary message suppresses it (the stage consumed it).
// Stages own only their own state, guard it with their own lock, and never
// forward messages while holding that lock.
type Stage interface {
	Name() string
	// ProcessIn handles a message travelling toward the upstream adapter.
	// toInner continue downward, toOut are emitted upward from this stage.
	ProcessIn(msg schema.Message) (toInner []schema.Message, toOut []schema.Message, err error)
	// ProcessOut handles a message travelling from the upstream adapter toward
	// the client. forward continues upward (nil suppresses), extraOut are
	// additional upward messages emitted by this stage.
	ProcessOut(msg schema.Message) (forward schema.Message, extraOut []schema.Message, err error)
}

// Sink is the downstream boundary of a chain: the physical adapter send side.
type Sink interface {
	SendDown(msg schema.Message) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(msg schema.Message) error

// SendDown implements Sink.
func (f SinkFunc) SendDown(msg schema.Message) error { return f(msg) }

// PassThroughIn is a helper for stages that do not touch a given inbound message.
func PassThroughIn(msg schema.Message) ([]schema.Message, []schema.Message, error) {
	return []schema.Message{msg}, nil, nil
}

// PassThroughOut is a helper for stages that do not touch a given outbound message.
func PassThroughOut(msg schema.Message) (schema.Message, []schema.Message, error) {
	return msg, nil, nil
}
