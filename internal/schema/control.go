package schema

import "time"

// ResetMessage clears all pipeline state.
type ResetMessage struct {
	Header
}

// Type implements Message.
func (m *ResetMessage) Type() MessageType { return MessageTypeReset }

// Clone implements Message.
func (m *ResetMessage) Clone() Message {
	out := *m
	return &out
}

// ConnectMessage opens the upstream connection. Flowing upstream it is the
// connect acknowledgement; Err carries the failure when the attempt did not
// succeed.
type ConnectMessage struct {
	Header
	Err error `json:"-"`
}

// Type implements Message.
func (m *ConnectMessage) Type() MessageType { return MessageTypeConnect }

// Clone implements Message.
func (m *ConnectMessage) Clone() Message {
	out := *m
	return &out
}

// DisconnectMessage closes the upstream connection, or acknowledges closing.
type DisconnectMessage struct {
	Header
	Err error `json:"-"`
}

// Type implements Message.
func (m *DisconnectMessage) Type() MessageType { return MessageTypeDisconnect }

// Clone implements Message.
func (m *DisconnectMessage) Clone() Message {
	out := *m
	return &out
}

// ConnectionRestoredMessage is emitted instead of a plain connect
// acknowledgement when the connection recovers after a loss. ResetState asks
// upper stages to re-map their active subscriptions.
type ConnectionRestoredMessage struct {
	Header
	ResetState bool `json:"reset_state"`
}

// Type implements Message.
func (m *ConnectionRestoredMessage) Type() MessageType { return MessageTypeConnectionRestored }

// Clone implements Message.
func (m *ConnectionRestoredMessage) Clone() Message {
	out := *m
	return &out
}

// ConnectionLostMessage surfaces a dropped upstream connection.
type ConnectionLostMessage struct {
	Header
}

// Type implements Message.
func (m *ConnectionLostMessage) Type() MessageType { return MessageTypeConnectionLost }

// Clone implements Message.
func (m *ConnectionLostMessage) Clone() Message {
	out := *m
	return &out
}

// TimeMessage is the heartbeat probe (inbound, with a transaction id) and the
// periodic keep-alive signal (upstream, without one).
type TimeMessage struct {
	Header
	TransactionID int64     `json:"transaction_id,omitempty"`
	ServerTime    time.Time `json:"server_time,omitzero"`
}

// Type implements Message.
func (m *TimeMessage) Type() MessageType { return MessageTypeTime }

// Clone implements Message.
func (m *TimeMessage) Clone() Message {
	out := *m
	return &out
}

// ReconnectMessage is the self-addressed retry the reconnect state machine
// loops back into the inbound path.
type ReconnectMessage struct {
	Header
}

// Type implements Message.
func (m *ReconnectMessage) Type() MessageType { return MessageTypeReconnect }

// Clone implements Message.
func (m *ReconnectMessage) Clone() Message {
	out := *m
	return &out
}

// ProcessSuspendedMessage resumes processing of work queued during a
// reconnect (re-mapped subscriptions).
type ProcessSuspendedMessage struct {
	Header
}

// Type implements Message.
func (m *ProcessSuspendedMessage) Type() MessageType { return MessageTypeProcessSuspended }

// Clone implements Message.
func (m *ProcessSuspendedMessage) Clone() Message {
	out := *m
	return &out
}

// ErrorMessage carries an out-of-band failure notification upstream.
type ErrorMessage struct {
	Header
	Err error `json:"-"`
}

// Type implements Message.
func (m *ErrorMessage) Type() MessageType { return MessageTypeError }

// Clone implements Message.
func (m *ErrorMessage) Clone() Message {
	out := *m
	return &out
}
