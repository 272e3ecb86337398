package schema

import (
	"time"

	"github.com/shopspring/decimal"
)

// QuoteState mirrors the upstream book protocol phase carried on each delta.
type QuoteState string

const (
	// QuoteStateNone marks a plain full snapshot with no incremental protocol.
	QuoteStateNone QuoteState = ""
	// QuoteStateSnapshotStarted opens a multi-part snapshot.
	QuoteStateSnapshotStarted QuoteState = "SnapshotStarted"
	// QuoteStateSnapshotBuilding continues a multi-part snapshot.
	QuoteStateSnapshotBuilding QuoteState = "SnapshotBuilding"
	// QuoteStateSnapshotComplete closes the snapshot; the book is consistent.
	QuoteStateSnapshotComplete QuoteState = "SnapshotComplete"
	// QuoteStateIncrement is a delta on top of a completed snapshot.
	QuoteStateIncrement QuoteState = "Increment"
)

// QuoteAction describes a position-addressed book operation.
type QuoteAction string

const (
	// QuoteActionNew inserts a level at the given position.
	QuoteActionNew QuoteAction = "New"
	// QuoteActionUpdate replaces the level at the given position.
	QuoteActionUpdate QuoteAction = "Update"
	// QuoteActionDelete removes the level (or inclusive range) at the given position.
	QuoteActionDelete QuoteAction = "Delete"
)

// Quote is a single book level or a position-addressed operation on one.
type Quote struct {
	Price       decimal.Decimal `json:"price"`
	Volume      decimal.Decimal `json:"volume"`
	OrdersCount int             `json:"orders_count,omitempty"`
	Condition   int             `json:"condition,omitempty"`

	// Position-addressed protocols only.
	Action        QuoteAction `json:"action,omitempty"`
	StartPosition *int        `json:"start_position,omitempty"`
	EndPosition   *int        `json:"end_position,omitempty"`
}

// QuoteChangeMessage carries an order book snapshot or delta for one security.
type QuoteChangeMessage struct {
	DataHeader
	SecurityID   SecurityID `json:"security_id"`
	State        QuoteState `json:"state,omitempty"`
	HasPositions bool       `json:"has_positions,omitempty"`
	Bids         []Quote    `json:"bids"`
	Asks         []Quote    `json:"asks"`
	ServerTime   time.Time  `json:"server_time"`
	// BuiltFrom names the stream the book was reconstructed from, when it was.
	BuiltFrom DataType `json:"built_from,omitempty"`
}

// Type implements Message.
func (m *QuoteChangeMessage) Type() MessageType { return MessageTypeQuoteChange }

// Clone implements Message.
func (m *QuoteChangeMessage) Clone() Message {
	out := *m
	out.DataHeader = m.cloneData()
	out.Bids = append([]Quote(nil), m.Bids...)
	out.Asks = append([]Quote(nil), m.Asks...)
	return &out
}

// DataType implements DataMessage.
func (m *QuoteChangeMessage) DataType() DataType { return DataTypeMarketDepth }

// Security implements DataMessage.
func (m *QuoteChangeMessage) Security() SecurityID { return m.SecurityID }

// ServerTimestamp implements DataMessage.
func (m *QuoteChangeMessage) ServerTimestamp() time.Time { return m.ServerTime }

// Side is an order or trade direction.
type Side string

const (
	// SideBuy is the bid side.
	SideBuy Side = "Buy"
	// SideSell is the ask side.
	SideSell Side = "Sell"
)

// TimeInForce describes how an order's unmatched balance is handled.
type TimeInForce string

const (
	// TimeInForcePutInQueue rests the unmatched balance in the book.
	TimeInForcePutInQueue TimeInForce = "PutInQueue"
	// TimeInForceMatchOrCancel cancels the order unless fully matched.
	TimeInForceMatchOrCancel TimeInForce = "MatchOrCancel"
	// TimeInForceCancelBalance cancels whatever is left after matching.
	TimeInForceCancelBalance TimeInForce = "CancelBalance"
)

// OrderLogAction is the kind of order log row.
type OrderLogAction string

const (
	// OrderLogRegistered means the order was accepted into the book.
	OrderLogRegistered OrderLogAction = "Registered"
	// OrderLogCanceled means the order left the book (canceled or matched).
	OrderLogCanceled OrderLogAction = "Canceled"
)

// CancelReason qualifies an OrderLogCanceled row.
type CancelReason string

const (
	// CancelReasonCanceled is a plain cancellation.
	CancelReasonCanceled CancelReason = "Canceled"
	// CancelReasonMatched means the order traded.
	CancelReasonMatched CancelReason = "Matched"
	// CancelReasonCrossTrade is an exchange-side cross trade artifact; the
	// resting level is not touched by it.
	CancelReasonCrossTrade CancelReason = "CrossTrade"
)

// OrderLogMessage is a single order log row.
type OrderLogMessage struct {
	DataHeader
	SecurityID   SecurityID      `json:"security_id"`
	OrderID      int64           `json:"order_id,omitempty"`
	Side         Side            `json:"side"`
	Price        decimal.Decimal `json:"price"`
	Volume       decimal.Decimal `json:"volume"`
	TradePrice   decimal.Decimal `json:"trade_price,omitempty"`
	Action       OrderLogAction  `json:"action"`
	CancelReason CancelReason    `json:"cancel_reason,omitempty"`
	TimeInForce  TimeInForce     `json:"time_in_force,omitempty"`
	IsSystem     bool            `json:"is_system,omitempty"`
	ServerTime   time.Time       `json:"server_time"`
}

// Type implements Message.
func (m *OrderLogMessage) Type() MessageType { return MessageTypeOrderLog }

// Clone implements Message.
func (m *OrderLogMessage) Clone() Message {
	out := *m
	out.DataHeader = m.cloneData()
	return &out
}

// DataType implements DataMessage.
func (m *OrderLogMessage) DataType() DataType { return DataTypeOrderLog }

// Security implements DataMessage.
func (m *OrderLogMessage) Security() SecurityID { return m.SecurityID }

// ServerTimestamp implements DataMessage.
func (m *OrderLogMessage) ServerTimestamp() time.Time { return m.ServerTime }

// ExecutionMessage carries an own-order state change or trade. It routes
// through transactions subscriptions, including linked ids for unsolicited
// pushes.
type ExecutionMessage struct {
	DataHeader
	SecurityID    SecurityID      `json:"security_id,omitzero"`
	TransactionID int64           `json:"transaction_id,omitempty"`
	OrderID       int64           `json:"order_id,omitempty"`
	Balance       decimal.Decimal `json:"balance,omitempty"`
	TradePrice    decimal.Decimal `json:"trade_price,omitempty"`
	TradeVolume   decimal.Decimal `json:"trade_volume,omitempty"`
	Err           error           `json:"-"`
	ServerTime    time.Time       `json:"server_time"`
}

// Type implements Message.
func (m *ExecutionMessage) Type() MessageType { return MessageTypeExecution }

// Clone implements Message.
func (m *ExecutionMessage) Clone() Message {
	out := *m
	out.DataHeader = m.cloneData()
	return &out
}

// DataType implements DataMessage.
func (m *ExecutionMessage) DataType() DataType { return DataTypeTransactions }

// Security implements DataMessage.
func (m *ExecutionMessage) Security() SecurityID { return m.SecurityID }

// ServerTimestamp implements DataMessage.
func (m *ExecutionMessage) ServerTimestamp() time.Time { return m.ServerTime }

// TickMessage is a single anonymous trade.
type TickMessage struct {
	DataHeader
	SecurityID SecurityID      `json:"security_id"`
	TradeID    int64           `json:"trade_id,omitempty"`
	Side       Side            `json:"side,omitempty"`
	Price      decimal.Decimal `json:"price"`
	Volume     decimal.Decimal `json:"volume"`
	ServerTime time.Time       `json:"server_time"`
}

// Type implements Message.
func (m *TickMessage) Type() MessageType { return MessageTypeTick }

// Clone implements Message.
func (m *TickMessage) Clone() Message {
	out := *m
	out.DataHeader = m.cloneData()
	return &out
}

// DataType implements DataMessage.
func (m *TickMessage) DataType() DataType { return DataTypeTicks }

// Security implements DataMessage.
func (m *TickMessage) Security() SecurityID { return m.SecurityID }

// ServerTimestamp implements DataMessage.
func (m *TickMessage) ServerTimestamp() time.Time { return m.ServerTime }

// CandleMessage is a time-frame candle update. Repeated pushes for the same
// open time update the in-progress candle.
type CandleMessage struct {
	DataHeader
	SecurityID SecurityID      `json:"security_id"`
	Frame      time.Duration   `json:"frame"`
	OpenTime   time.Time       `json:"open_time"`
	Open       decimal.Decimal `json:"open"`
	High       decimal.Decimal `json:"high"`
	Low        decimal.Decimal `json:"low"`
	Close      decimal.Decimal `json:"close"`
	Volume     decimal.Decimal `json:"volume"`
	Finished   bool            `json:"finished,omitempty"`
	// Update marks a repeated push for an already-delivered open time, an
	// in-progress candle revision rather than a new candle.
	Update     bool      `json:"update,omitempty"`
	ServerTime time.Time `json:"server_time"`
}

// Type implements Message.
func (m *CandleMessage) Type() MessageType { return MessageTypeCandle }

// Clone implements Message.
func (m *CandleMessage) Clone() Message {
	out := *m
	out.DataHeader = m.cloneData()
	return &out
}

// DataType implements DataMessage.
func (m *CandleMessage) DataType() DataType { return CandleDataType(m.Frame) }

// Security implements DataMessage.
func (m *CandleMessage) Security() SecurityID { return m.SecurityID }

// ServerTimestamp implements DataMessage.
func (m *CandleMessage) ServerTimestamp() time.Time { return m.ServerTime }

// Level1Field names a level1 change entry.
type Level1Field string

const (
	// Level1LastTradePrice is the most recent trade price.
	Level1LastTradePrice Level1Field = "last_trade_price"
	// Level1BestBidPrice is the best bid price.
	Level1BestBidPrice Level1Field = "best_bid_price"
	// Level1BestAskPrice is the best ask price.
	Level1BestAskPrice Level1Field = "best_ask_price"
	// Level1Volume is the session traded volume.
	Level1Volume Level1Field = "volume"
)

// Level1Message carries level1 field changes for one security.
type Level1Message struct {
	DataHeader
	SecurityID SecurityID                      `json:"security_id"`
	Changes    map[Level1Field]decimal.Decimal `json:"changes"`
	ServerTime time.Time                       `json:"server_time"`
}

// Type implements Message.
func (m *Level1Message) Type() MessageType { return MessageTypeLevel1 }

// Clone implements Message.
func (m *Level1Message) Clone() Message {
	out := *m
	out.DataHeader = m.cloneData()
	if m.Changes != nil {
		out.Changes = make(map[Level1Field]decimal.Decimal, len(m.Changes))
		for k, v := range m.Changes {
			out.Changes[k] = v
		}
	}
	return &out
}

// DataType implements DataMessage.
func (m *Level1Message) DataType() DataType { return DataTypeLevel1 }

// Security implements DataMessage.
func (m *Level1Message) Security() SecurityID { return m.SecurityID }

// ServerTimestamp implements DataMessage.
func (m *Level1Message) ServerTimestamp() time.Time { return m.ServerTime }

// SecurityMessage carries an instrument definition pushed by the upstream
// securities stream.
type SecurityMessage struct {
	DataHeader
	SecurityID SecurityID `json:"security_id"`
	// NativeID is the venue's numeric instrument id, zero when the venue
	// keys instruments by code alone.
	NativeID   int64           `json:"native_id,omitempty"`
	Name       string          `json:"name,omitempty"`
	PriceStep  decimal.Decimal `json:"price_step,omitempty"`
	VolumeStep decimal.Decimal `json:"volume_step,omitempty"`
	Decimals   int             `json:"decimals,omitempty"`
	ServerTime time.Time       `json:"server_time"`
}

// Type implements Message.
func (m *SecurityMessage) Type() MessageType { return MessageTypeSecurity }

// Clone implements Message.
func (m *SecurityMessage) Clone() Message {
	out := *m
	out.DataHeader = m.cloneData()
	return &out
}

// DataType implements DataMessage.
func (m *SecurityMessage) DataType() DataType { return DataTypeSecurities }

// Security implements DataMessage.
func (m *SecurityMessage) Security() SecurityID { return m.SecurityID }

// ServerTimestamp implements DataMessage.
func (m *SecurityMessage) ServerTimestamp() time.Time { return m.ServerTime }

// OrderRegisterMessage submits a new order. The online manager links its
// transaction id to the transactions subscription so unsolicited status
// pushes route correctly.
type OrderRegisterMessage struct {
	Header
	TransactionID int64           `json:"transaction_id"`
	SecurityID    SecurityID      `json:"security_id"`
	Side          Side            `json:"side"`
	Price         decimal.Decimal `json:"price"`
	Volume        decimal.Decimal `json:"volume"`
}

// Type implements Message.
func (m *OrderRegisterMessage) Type() MessageType { return MessageTypeOrderRegister }

// Clone implements Message.
func (m *OrderRegisterMessage) Clone() Message {
	out := *m
	return &out
}

// OrderCancelMessage cancels a previously registered order.
type OrderCancelMessage struct {
	Header
	TransactionID int64 `json:"transaction_id"`
	OrderTransID  int64 `json:"order_trans_id"`
	OrderID       int64 `json:"order_id,omitempty"`
}

// Type implements Message.
func (m *OrderCancelMessage) Type() MessageType { return MessageTypeOrderCancel }

// Clone implements Message.
func (m *OrderCancelMessage) Clone() Message {
	out := *m
	return &out
}
