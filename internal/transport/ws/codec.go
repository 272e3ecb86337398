package ws

import (
	"fmt"

	json "github.com/goccy/go-json"

	"github.com/tradewire/connector/errs"
	"github.com/tradewire/connector/internal/schema"
)

// envelope frames one message on the wire: a type tag plus the JSON-encoded
// message body.
type envelope struct {
	Type    schema.MessageType `json:"type"`
	Payload json.RawMessage    `json:"payload"`
}

// messageFactories builds an empty message value per wire type tag.
var messageFactories = map[schema.MessageType]func() schema.Message{
	schema.MessageTypeReset:                func() schema.Message { return &schema.ResetMessage{} },
	schema.MessageTypeConnect:              func() schema.Message { return &schema.ConnectMessage{} },
	schema.MessageTypeDisconnect:           func() schema.Message { return &schema.DisconnectMessage{} },
	schema.MessageTypeConnectionRestored:   func() schema.Message { return &schema.ConnectionRestoredMessage{} },
	schema.MessageTypeConnectionLost:       func() schema.Message { return &schema.ConnectionLostMessage{} },
	schema.MessageTypeTime:                 func() schema.Message { return &schema.TimeMessage{} },
	schema.MessageTypeReconnect:            func() schema.Message { return &schema.ReconnectMessage{} },
	schema.MessageTypeProcessSuspended:     func() schema.Message { return &schema.ProcessSuspendedMessage{} },
	schema.MessageTypeError:                func() schema.Message { return &schema.ErrorMessage{} },
	schema.MessageTypeSubscribe:            func() schema.Message { return &schema.SubscribeRequest{} },
	schema.MessageTypeSubscriptionResponse: func() schema.Message { return &schema.SubscriptionResponse{} },
	schema.MessageTypeSubscriptionOnline:   func() schema.Message { return &schema.SubscriptionOnlineMessage{} },
	schema.MessageTypeSubscriptionFinished: func() schema.Message { return &schema.SubscriptionFinishedMessage{} },
	schema.MessageTypeOrderRegister:        func() schema.Message { return &schema.OrderRegisterMessage{} },
	schema.MessageTypeOrderCancel:          func() schema.Message { return &schema.OrderCancelMessage{} },
	schema.MessageTypeQuoteChange:          func() schema.Message { return &schema.QuoteChangeMessage{} },
	schema.MessageTypeOrderLog:             func() schema.Message { return &schema.OrderLogMessage{} },
	schema.MessageTypeExecution:            func() schema.Message { return &schema.ExecutionMessage{} },
	schema.MessageTypeTick:                 func() schema.Message { return &schema.TickMessage{} },
	schema.MessageTypeCandle:               func() schema.Message { return &schema.CandleMessage{} },
	schema.MessageTypeLevel1:               func() schema.Message { return &schema.Level1Message{} },
	schema.MessageTypeSecurity:             func() schema.Message { return &schema.SecurityMessage{} },
}

// Encode frames a message for the wire.
func Encode(msg schema.Message) ([]byte, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", msg.Type(), err)
	}
	raw, err := json.Marshal(envelope{Type: msg.Type(), Payload: payload})
	if err != nil {
		return nil, fmt.Errorf("marshal %s envelope: %w", msg.Type(), err)
	}
	return raw, nil
}

// Decode parses one wire frame back into a message.
func Decode(data []byte) (schema.Message, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, errs.New("transport.ws", errs.CodeProtocol,
			errs.WithMessage("malformed frame"), errs.WithCause(err))
	}
	factory, ok := messageFactories[env.Type]
	if !ok {
		return nil, errs.New("transport.ws", errs.CodeProtocol,
			errs.WithMessage(fmt.Sprintf("unknown message type %q", env.Type)))
	}
	msg := factory()
	if err := json.Unmarshal(env.Payload, msg); err != nil {
		return nil, errs.New("transport.ws", errs.CodeProtocol,
			errs.WithMessage(fmt.Sprintf("malformed %s payload", env.Type)), errs.WithCause(err))
	}
	return msg, nil
}
