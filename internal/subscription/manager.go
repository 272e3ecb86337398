// Package subscription implements the subscription bookkeeping stages of the
// connector pipeline: the per-connection manager (request validation, time
// bookmarking, reconnect re-mapping) and the online manager (physical
// subscription dedup and fan-out).
package subscription

import (
	"sync"
	"time"

	"github.com/tradewire/connector/errs"
	"github.com/tradewire/connector/internal/observability"
	"github.com/tradewire/connector/internal/pipeline"
	"github.com/tradewire/connector/internal/schema"
)

// managerEntry tracks one client-visible subscription.
type managerEntry struct {
	request    *schema.SubscribeRequest
	state      schema.SubscriptionState
	lastSeen   time.Time
	candleOpen time.Time
}

// Manager is the per-connection subscription registry. It sits above the
// online manager: every client request passes through it first, and every
// lifecycle reply is translated back to the client-visible transaction id.
type Manager struct {
	log   observability.Logger
	clock schema.Clock
	idGen *schema.TransactionIDGenerator

	mu            sync.Mutex
	subscriptions map[int64]*managerEntry
	historical    map[int64]*schema.SubscribeRequest
	// replaceIDs maps re-issued (new) transaction ids back to the original
	// client-visible ids after a reset-reconnect.
	replaceIDs map[int64]int64
	newIDs     map[int64]int64
	remapQueue []schema.Message
}

var _ pipeline.Stage = (*Manager)(nil)

// NewManager constructs a subscription manager.
func NewManager(log observability.Logger, clock schema.Clock, idGen *schema.TransactionIDGenerator) *Manager {
	if log == nil {
		log = observability.Log()
	}
	if clock == nil {
		clock = schema.SystemClock()
	}
	if idGen == nil {
		idGen = schema.NewTransactionIDGenerator()
	}
	m := &Manager{
		log:   log,
		clock: clock,
		idGen: idGen,
	}
	m.resetLocked()
	return m
}

// Name implements pipeline.Stage.
func (m *Manager) Name() string { return "subscription-manager" }

func (m *Manager) resetLocked() {
	m.subscriptions = make(map[int64]*managerEntry)
	m.historical = make(map[int64]*schema.SubscribeRequest)
	m.replaceIDs = make(map[int64]int64)
	m.newIDs = make(map[int64]int64)
	m.remapQueue = nil
}

// ProcessIn implements pipeline.Stage.
func (m *Manager) ProcessIn(msg schema.Message) ([]schema.Message, []schema.Message, error) {
	switch typed := msg.(type) {
	case *schema.ResetMessage:
		m.mu.Lock()
		m.resetLocked()
		m.mu.Unlock()
		return pipeline.PassThroughIn(msg)

	case *schema.ProcessSuspendedMessage:
		m.mu.Lock()
		remapped := m.remapQueue
		m.remapQueue = nil
		m.mu.Unlock()
		return remapped, nil, nil

	case *schema.SubscribeRequest:
		if typed.Subscribe {
			return m.processSubscribe(typed)
		}
		return m.processUnsubscribe(typed)

	default:
		return pipeline.PassThroughIn(msg)
	}
}

func (m *Manager) processSubscribe(msg *schema.SubscribeRequest) ([]schema.Message, []schema.Message, error) {
	if msg.SpecificItem {
		return pipeline.PassThroughIn(msg)
	}

	now := m.clock.Now()

	if !msg.From.IsZero() && msg.From.After(now) {
		msg = msg.CloneRequest()
		msg.From = now
	}

	// Empty range: answer terminally without touching the wire.
	if !msg.To.IsZero() && !msg.From.IsZero() && !msg.From.Before(msg.To) {
		return nil, []schema.Message{msg.Finished()}, nil
	}

	m.mu.Lock()
	_, remapped := m.replaceIDs[msg.TransactionID]
	if !remapped {
		clone := msg.CloneRequest()
		if msg.HistoryOnly() {
			m.historical[msg.TransactionID] = clone
		} else {
			m.subscriptions[msg.TransactionID] = &managerEntry{
				request: clone,
				state:   schema.SubscriptionStopped,
			}
		}
	}
	m.mu.Unlock()

	m.log.Debug("subscribe forwarded",
		observability.Field{Key: "trans_id", Value: msg.TransactionID},
		observability.Field{Key: "data_type", Value: string(msg.DataType)},
		observability.Field{Key: "security", Value: msg.SecurityID.String()})

	return []schema.Message{msg}, nil, nil
}

func (m *Manager) processUnsubscribe(msg *schema.SubscribeRequest) ([]schema.Message, []schema.Message, error) {
	originID := msg.OriginalID

	m.mu.Lock()
	defer m.mu.Unlock()

	makeUnsubscribe := func(original *schema.SubscribeRequest) *schema.SubscribeRequest {
		// The unsubscribe carries the original subscription's full
		// parameters; some physical protocols need the template to cancel.
		out := original.CloneRequest()
		out.Subscribe = false
		out.OriginalID = out.TransactionID
		out.TransactionID = msg.TransactionID
		if newID, ok := m.newIDs[out.OriginalID]; ok {
			out.OriginalID = newID
		}
		return out
	}

	if hist, ok := m.historical[originID]; ok {
		delete(m.historical, originID)
		return []schema.Message{makeUnsubscribe(hist)}, nil, nil
	}

	if entry, ok := m.subscriptions[originID]; ok {
		if !entry.state.IsActive() {
			m.log.Warn("unsubscribe ignored, subscription not active",
				observability.Field{Key: "trans_id", Value: originID},
				observability.Field{Key: "state", Value: string(entry.state)})
			return nil, nil, nil
		}
		entry.state = schema.ChangeSubscriptionState(entry.state, schema.SubscriptionStopped, originID, m.log)
		return []schema.Message{makeUnsubscribe(entry.request)}, nil, nil
	}

	return nil, []schema.Message{
		schema.ResponseError(originID, errs.SubscriptionNotFound("subscription-manager", originID)),
	}, nil
}

// ProcessOut implements pipeline.Stage.
func (m *Manager) ProcessOut(msg schema.Message) (schema.Message, []schema.Message, error) {
	newOriginID, prevOriginID := m.translateOriginID(msg)

	switch typed := msg.(type) {
	case *schema.SubscriptionResponse:
		if suppress := m.onResponse(typed, prevOriginID, newOriginID); suppress {
			return nil, nil, nil
		}

	case *schema.SubscriptionOnlineMessage:
		if suppress := m.onOnline(prevOriginID, newOriginID); suppress {
			return nil, nil, nil
		}

	case *schema.SubscriptionFinishedMessage:
		if suppress := m.onFinished(prevOriginID, newOriginID); suppress {
			return nil, nil, nil
		}

	case *schema.ConnectionRestoredMessage:
		extra := m.onConnectionRestored(typed)
		return msg, extra, nil

	default:
		if data, ok := msg.(schema.DataMessage); ok {
			if suppress := m.onData(data); suppress {
				return nil, nil, nil
			}
		}
	}

	return msg, nil, nil
}

// translateOriginID rewrites the message's re-issued transaction id back to
// the client-visible one. Returns the id as received and the translated id.
func (m *Manager) translateOriginID(msg schema.Message) (newID, prevID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	translate := func(id int64) int64 {
		if id == 0 {
			return 0
		}
		if orig, ok := m.replaceIDs[id]; ok {
			return orig
		}
		return id
	}

	switch typed := msg.(type) {
	case *schema.SubscriptionResponse:
		newID = typed.OriginalID
		typed.OriginalID = translate(newID)
		return newID, typed.OriginalID
	case *schema.SubscriptionOnlineMessage:
		newID = typed.OriginalID
		typed.OriginalID = translate(newID)
		return newID, typed.OriginalID
	case *schema.SubscriptionFinishedMessage:
		newID = typed.OriginalID
		typed.OriginalID = translate(newID)
		return newID, typed.OriginalID
	default:
		if data, ok := msg.(schema.DataMessage); ok {
			newID = data.OriginID()
			data.SetOriginID(translate(newID))
			return newID, data.OriginID()
		}
	}
	return 0, 0
}

func (m *Manager) onResponse(msg *schema.SubscriptionResponse, prevOriginID, newOriginID int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if msg.IsOK() {
		entry, ok := m.subscriptions[prevOriginID]
		if !ok {
			return false
		}
		if _, replaced := m.replaceIDs[newOriginID]; replaced {
			// Response was already delivered before the reconnect.
			if entry.state != schema.SubscriptionStopped {
				return true
			}
			return false
		}
		entry.state = schema.ChangeSubscriptionState(entry.state, schema.SubscriptionActive, prevOriginID, m.log)
		return false
	}

	if _, ok := m.historical[prevOriginID]; ok {
		delete(m.historical, prevOriginID)
		return false
	}
	if entry, ok := m.subscriptions[prevOriginID]; ok {
		entry.state = schema.ChangeSubscriptionState(entry.state, schema.SubscriptionError, prevOriginID, m.log)
		delete(m.subscriptions, prevOriginID)
		delete(m.replaceIDs, newOriginID)
	}
	return false
}

func (m *Manager) onOnline(prevOriginID, newOriginID int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.subscriptions[prevOriginID]
	if !ok {
		return false
	}
	if _, replaced := m.replaceIDs[newOriginID]; replaced {
		if entry.state == schema.SubscriptionOnline {
			return true
		}
	}
	entry.state = schema.ChangeSubscriptionState(entry.state, schema.SubscriptionOnline, prevOriginID, m.log)
	return false
}

func (m *Manager) onFinished(prevOriginID, newOriginID int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, replaced := m.replaceIDs[newOriginID]; replaced {
		return true
	}
	delete(m.historical, prevOriginID)
	if entry, ok := m.subscriptions[prevOriginID]; ok {
		entry.state = schema.ChangeSubscriptionState(entry.state, schema.SubscriptionFinished, prevOriginID, m.log)
	}
	return false
}

// onData validates routed subscriber ids and advances watermarks. Returns
// true when the message has no remaining valid subscriber.
func (m *Manager) onData(data schema.DataMessage) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := data.SubscriptionIDs()
	if len(ids) == 0 {
		if origin := data.OriginID(); origin != 0 {
			if _, ok := m.historical[origin]; ok {
				data.SetSubscriptionIDs([]int64{origin})
			}
		}
	} else {
		valid := make([]int64, 0, len(ids))
		for _, id := range ids {
			orig := id
			if mapped, ok := m.replaceIDs[id]; ok {
				orig = mapped
			}
			if entry, ok := m.subscriptions[orig]; ok && entry.state.IsActive() {
				valid = append(valid, orig)
			} else if _, ok := m.historical[orig]; ok {
				valid = append(valid, orig)
			}
		}
		if len(valid) == 0 {
			return true
		}
		if len(valid) != len(ids) || len(m.replaceIDs) > 0 {
			data.SetSubscriptionIDs(valid)
		}
	}

	serverTime := data.ServerTimestamp()
	for _, id := range data.SubscriptionIDs() {
		if entry, ok := m.subscriptions[id]; ok {
			updateLastTimeLocked(entry, serverTime)
			if candle, ok := data.(*schema.CandleMessage); ok {
				trackCandleLocked(entry, candle)
			}
		}
	}
	return false
}

// updateLastTimeLocked advances the watermark only forward.
func updateLastTimeLocked(entry *managerEntry, t time.Time) {
	if t.IsZero() || !t.After(entry.lastSeen) {
		return
	}
	entry.lastSeen = t
}

// trackCandleLocked remembers the in-progress candle open time so a repeated
// push for the same open time is delivered as an update, not a new candle.
func trackCandleLocked(entry *managerEntry, candle *schema.CandleMessage) {
	if candle.OpenTime.After(entry.candleOpen) {
		entry.candleOpen = candle.OpenTime
		return
	}
	if candle.OpenTime.Equal(entry.candleOpen) {
		candle.Update = true
	}
}

func (m *Manager) onConnectionRestored(msg *schema.ConnectionRestoredMessage) []schema.Message {
	if !msg.ResetState {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.replaceIDs = make(map[int64]int64)
	m.newIDs = make(map[int64]int64)
	m.remapQueue = nil

	for transID, entry := range m.subscriptions {
		if !entry.state.IsActive() {
			continue
		}
		clone := entry.request.CloneRequest()
		clone.TransactionID = m.idGen.Next()
		if !entry.lastSeen.IsZero() && !clone.From.IsZero() && clone.From.Before(entry.lastSeen) {
			// Resume from the watermark instead of re-fetching delivered history.
			clone.From = entry.lastSeen
		}

		m.replaceIDs[clone.TransactionID] = transID
		m.newIDs[transID] = clone.TransactionID

		m.log.Info("re-mapping subscription after reconnect",
			observability.Field{Key: "original_id", Value: transID},
			observability.Field{Key: "new_id", Value: clone.TransactionID},
			observability.Field{Key: "data_type", Value: string(clone.DataType)})

		m.remapQueue = append(m.remapQueue, clone)
	}

	if len(m.remapQueue) == 0 {
		return nil
	}

	suspended := &schema.ProcessSuspendedMessage{}
	suspended.SetLoopBack(true)
	return []schema.Message{suspended}
}

// SubscriptionState reports the tracked state for a transaction id, used by
// callers inspecting lifecycle progress.
func (m *Manager) SubscriptionState(transID int64) (schema.SubscriptionState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.subscriptions[transID]
	if !ok {
		return "", false
	}
	return entry.state, true
}

// LastSeen reports the data watermark for a transaction id.
func (m *Manager) LastSeen(transID int64) (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.subscriptions[transID]
	if !ok {
		return time.Time{}, false
	}
	return entry.lastSeen, true
}

// CurrentCandleOpen reports the tracked in-progress candle open time.
func (m *Manager) CurrentCandleOpen(transID int64) (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.subscriptions[transID]
	if !ok {
		return time.Time{}, false
	}
	return entry.candleOpen, true
}
