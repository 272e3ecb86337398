// Package schema defines the decoded internal message model flowing through the
// connector pipeline: control messages, subscription lifecycle messages, and
// market data messages. The model is transport-agnostic; wire encodings live in
// the transport adapters.
package schema

import "time"

// MessageType identifies a message category.
type MessageType string

const (
	// MessageTypeReset clears all pipeline state.
	MessageTypeReset MessageType = "Reset"
	// MessageTypeConnect opens (or acknowledges) the upstream connection.
	MessageTypeConnect MessageType = "Connect"
	// MessageTypeDisconnect closes (or acknowledges closing) the upstream connection.
	MessageTypeDisconnect MessageType = "Disconnect"
	// MessageTypeConnectionRestored signals a successful reconnect after a connection loss.
	MessageTypeConnectionRestored MessageType = "ConnectionRestored"
	// MessageTypeConnectionLost signals that the upstream connection dropped.
	MessageTypeConnectionLost MessageType = "ConnectionLost"
	// MessageTypeTime is the heartbeat liveness probe and keep-alive signal.
	MessageTypeTime MessageType = "Time"
	// MessageTypeReconnect is the self-addressed retry emitted by the reconnect state machine.
	MessageTypeReconnect MessageType = "Reconnect"
	// MessageTypeProcessSuspended resumes processing of queued re-mapped subscriptions.
	MessageTypeProcessSuspended MessageType = "ProcessSuspended"
	// MessageTypeError carries an out-of-band failure notification.
	MessageTypeError MessageType = "Error"

	// MessageTypeSubscribe is a client subscribe or unsubscribe request.
	MessageTypeSubscribe MessageType = "Subscribe"
	// MessageTypeSubscriptionResponse acknowledges (or rejects) a subscription request.
	MessageTypeSubscriptionResponse MessageType = "SubscriptionResponse"
	// MessageTypeSubscriptionOnline marks a subscription as live-streaming.
	MessageTypeSubscriptionOnline MessageType = "SubscriptionOnline"
	// MessageTypeSubscriptionFinished marks a subscription as complete.
	MessageTypeSubscriptionFinished MessageType = "SubscriptionFinished"

	// MessageTypeOrderRegister submits a new order upstream.
	MessageTypeOrderRegister MessageType = "OrderRegister"
	// MessageTypeOrderCancel cancels a previously registered order.
	MessageTypeOrderCancel MessageType = "OrderCancel"

	// MessageTypeQuoteChange carries an order book snapshot or delta.
	MessageTypeQuoteChange MessageType = "QuoteChange"
	// MessageTypeOrderLog carries a single order log row.
	MessageTypeOrderLog MessageType = "OrderLog"
	// MessageTypeExecution carries a trade or an order state change.
	MessageTypeExecution MessageType = "Execution"
	// MessageTypeTick carries a single anonymous trade.
	MessageTypeTick MessageType = "Tick"
	// MessageTypeCandle carries a time-frame candle update.
	MessageTypeCandle MessageType = "Candle"
	// MessageTypeLevel1 carries level1 field changes.
	MessageTypeLevel1 MessageType = "Level1"
	// MessageTypeSecurity carries an instrument definition.
	MessageTypeSecurity MessageType = "Security"
)

// Message is implemented by every value flowing through the pipeline.
type Message interface {
	Type() MessageType
	// IsLoopBack reports whether the message must re-enter the inbound path
	// instead of continuing in its current direction.
	IsLoopBack() bool
	SetLoopBack(bool)
	Clone() Message
}

// DataMessage is implemented by market data messages that are fanned out to
// logical subscribers. The subscription id set is mutated in place by the
// online manager during routing.
type DataMessage interface {
	Message
	SubscriptionIDs() []int64
	SetSubscriptionIDs(ids []int64)
	// OriginID returns the transaction id of the request this message answers,
	// or zero for unsolicited data.
	OriginID() int64
	SetOriginID(id int64)
	DataType() DataType
	Security() SecurityID
	ServerTimestamp() time.Time
}

// Header carries the loop-back flag shared by all messages.
type Header struct {
	Back bool
}

// IsLoopBack reports whether the message re-enters the inbound path.
func (h *Header) IsLoopBack() bool { return h.Back }

// SetLoopBack toggles the loop-back flag.
func (h *Header) SetLoopBack(v bool) { h.Back = v }

// DataHeader carries routing metadata shared by all data messages.
type DataHeader struct {
	Header
	SubIDs []int64
	Origin int64
}

// SubscriptionIDs returns the subscriber ids the message is routed to.
func (h *DataHeader) SubscriptionIDs() []int64 { return h.SubIDs }

// SetSubscriptionIDs replaces the routed subscriber id set.
func (h *DataHeader) SetSubscriptionIDs(ids []int64) { h.SubIDs = ids }

// OriginID returns the originating request transaction id, or zero.
func (h *DataHeader) OriginID() int64 { return h.Origin }

// SetOriginID sets the originating request transaction id.
func (h *DataHeader) SetOriginID(id int64) { h.Origin = id }

func (h *DataHeader) cloneData() DataHeader {
	out := DataHeader{Header: h.Header, Origin: h.Origin}
	if len(h.SubIDs) > 0 {
		out.SubIDs = append([]int64(nil), h.SubIDs...)
	}
	return out
}
