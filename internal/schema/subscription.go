package schema

import (
	"time"

	"github.com/tradewire/connector/internal/observability"
)

// SubscriptionState tracks the lifecycle of one logical subscription.
type SubscriptionState string

const (
	// SubscriptionStopped is the initial state and the state after unsubscribe.
	SubscriptionStopped SubscriptionState = "Stopped"
	// SubscriptionActive means the request was acknowledged and history replay may be running.
	SubscriptionActive SubscriptionState = "Active"
	// SubscriptionOnline means the subscription reached live streaming.
	SubscriptionOnline SubscriptionState = "Online"
	// SubscriptionFinished is terminal: all requested data was delivered.
	SubscriptionFinished SubscriptionState = "Finished"
	// SubscriptionError is terminal: the request failed.
	SubscriptionError SubscriptionState = "Error"
)

// IsActive reports whether the subscription still produces data.
func (s SubscriptionState) IsActive() bool {
	return s == SubscriptionStopped || s == SubscriptionActive || s == SubscriptionOnline
}

// CanTransition reports whether moving to next is a legal forward transition.
// Transitions are monotonic except for the explicit return to Stopped on
// unsubscribe.
func (s SubscriptionState) CanTransition(next SubscriptionState) bool {
	switch s {
	case SubscriptionStopped:
		return next == SubscriptionActive || next == SubscriptionError || next == SubscriptionFinished
	case SubscriptionActive:
		return next != SubscriptionActive
	case SubscriptionOnline:
		return next == SubscriptionStopped || next == SubscriptionFinished || next == SubscriptionError
	case SubscriptionFinished, SubscriptionError:
		return false
	}
	return false
}

// ChangeSubscriptionState applies the transition when legal and logs protocol
// violations without failing, keeping data flowing on the rare misbehaving feed.
func ChangeSubscriptionState(current, next SubscriptionState, transID int64, log observability.Logger) SubscriptionState {
	if current == next {
		return current
	}
	if !current.CanTransition(next) {
		log.Warn("illegal subscription state transition",
			observability.Field{Key: "trans_id", Value: transID},
			observability.Field{Key: "from", Value: string(current)},
			observability.Field{Key: "to", Value: string(next)})
	}
	return next
}

// SubscribeRequest is a client subscribe or unsubscribe request. The same
// shape is forwarded downstream as the physical request.
type SubscribeRequest struct {
	Header
	TransactionID int64      `json:"transaction_id"`
	OriginalID    int64      `json:"original_id,omitempty"`
	Subscribe     bool       `json:"subscribe"`
	DataType      DataType   `json:"data_type"`
	SecurityID    SecurityID `json:"security_id,omitzero"`
	From          time.Time  `json:"from,omitzero"`
	To            time.Time  `json:"to,omitzero"`
	Count         int64      `json:"count,omitempty"`
	// SpecificItem requests a single known item (e.g. one order lookup) and
	// bypasses dedup entirely.
	SpecificItem bool `json:"specific_item,omitempty"`
	// BuildFromOrderLog asks for depth reconstructed from the order log stream.
	BuildFromOrderLog bool `json:"build_from_order_log,omitempty"`
	// RawIncrements opts out of incremental book building, passing deltas through.
	RawIncrements bool `json:"raw_increments,omitempty"`
}

// Type implements Message.
func (m *SubscribeRequest) Type() MessageType { return MessageTypeSubscribe }

// Clone returns a deep copy, so later caller mutation cannot corrupt replay state.
func (m *SubscribeRequest) Clone() Message { return m.CloneRequest() }

// CloneRequest returns a typed deep copy of the request.
func (m *SubscribeRequest) CloneRequest() *SubscribeRequest {
	out := *m
	return &out
}

// HistoryOnly reports whether the request has a bounded time range and no live part.
func (m *SubscribeRequest) HistoryOnly() bool { return !m.To.IsZero() }

// Response builds the lifecycle response answering this request.
func (m *SubscribeRequest) Response(err error) *SubscriptionResponse {
	return &SubscriptionResponse{OriginalID: m.TransactionID, Err: err}
}

// Finished builds the terminal completion message for this request.
func (m *SubscribeRequest) Finished() *SubscriptionFinishedMessage {
	return &SubscriptionFinishedMessage{OriginalID: m.TransactionID}
}

// SubscriptionResponse acknowledges or rejects a request.
type SubscriptionResponse struct {
	Header
	OriginalID int64 `json:"original_id"`
	Err        error `json:"-"`
}

// Type implements Message.
func (m *SubscriptionResponse) Type() MessageType { return MessageTypeSubscriptionResponse }

// Clone implements Message.
func (m *SubscriptionResponse) Clone() Message {
	out := *m
	return &out
}

// IsOK reports whether the response is a success acknowledgement.
func (m *SubscriptionResponse) IsOK() bool { return m.Err == nil }

// SubscriptionOnlineMessage marks a subscription as live-streaming.
type SubscriptionOnlineMessage struct {
	Header
	OriginalID int64 `json:"original_id"`
}

// Type implements Message.
func (m *SubscriptionOnlineMessage) Type() MessageType { return MessageTypeSubscriptionOnline }

// Clone implements Message.
func (m *SubscriptionOnlineMessage) Clone() Message {
	out := *m
	return &out
}

// SubscriptionFinishedMessage marks a subscription as complete. NextFrom, when
// set, is where a follow-up request should resume.
type SubscriptionFinishedMessage struct {
	Header
	OriginalID int64     `json:"original_id"`
	NextFrom   time.Time `json:"next_from,omitzero"`
}

// Type implements Message.
func (m *SubscriptionFinishedMessage) Type() MessageType { return MessageTypeSubscriptionFinished }

// Clone implements Message.
func (m *SubscriptionFinishedMessage) Clone() Message {
	out := *m
	return &out
}

// ResponseError builds a failed response for a bare transaction id, used when
// the referenced subscription does not exist.
func ResponseError(originID int64, err error) *SubscriptionResponse {
	return &SubscriptionResponse{OriginalID: originID, Err: err}
}
