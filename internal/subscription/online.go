package subscription

import (
	"sync"

	"github.com/tradewire/connector/errs"
	"github.com/tradewire/connector/internal/observability"
	"github.com/tradewire/connector/internal/pipeline"
	"github.com/tradewire/connector/internal/schema"
)

// groupKey identifies one physical subscription slot.
type groupKey struct {
	dataType schema.DataType
	security schema.SecurityID
}

// group is the shared state of all subscribers multiplexed onto one physical
// subscription.
type group struct {
	key    groupKey
	origin *schema.SubscribeRequest
	state  schema.SubscriptionState

	subscribers map[int64]*schema.SubscribeRequest
	online      map[int64]struct{}
	// histLive holds subscribers whose bounded history replay runs beside the
	// shared live stream. Their terminal signals never drive the group state.
	histLive map[int64]struct{}
	// extraFilters holds subscribers that asked for a narrower scope than the
	// physical subscription delivers and need per-message matching.
	extraFilters map[int64]struct{}
	linked       map[int64]struct{}
}

func newGroup(key groupKey, origin *schema.SubscribeRequest) *group {
	return &group{
		key:          key,
		origin:       origin,
		state:        schema.SubscriptionStopped,
		subscribers:  make(map[int64]*schema.SubscribeRequest),
		online:       make(map[int64]struct{}),
		histLive:     make(map[int64]struct{}),
		extraFilters: make(map[int64]struct{}),
		linked:       make(map[int64]struct{}),
	}
}

// OnlineManager deduplicates overlapping live subscriptions into single
// physical subscriptions and fans incoming data out to every interested
// subscriber. It sits between the subscription manager and the physical
// adapter.
type OnlineManager struct {
	log   observability.Logger
	clock schema.Clock

	mu    sync.Mutex
	byKey map[groupKey]*group
	byID  map[int64]*group
	// pendingUnsubscribe holds transaction ids of unsubscribes we issued
	// downstream for emptied groups, so their responses map back to Stopped.
	pendingUnsubscribe map[int64]struct{}
	// skipped holds ids of requests forwarded without dedup (history-only,
	// specific-item) whose replies and data pass through untouched.
	skipped map[int64]struct{}
}

var _ pipeline.Stage = (*OnlineManager)(nil)

// NewOnlineManager constructs an online manager.
func NewOnlineManager(log observability.Logger, clock schema.Clock) *OnlineManager {
	if log == nil {
		log = observability.Log()
	}
	if clock == nil {
		clock = schema.SystemClock()
	}
	m := &OnlineManager{log: log, clock: clock}
	m.resetLocked()
	return m
}

// Name implements pipeline.Stage.
func (m *OnlineManager) Name() string { return "online-manager" }

func (m *OnlineManager) resetLocked() {
	m.byKey = make(map[groupKey]*group)
	m.byID = make(map[int64]*group)
	m.pendingUnsubscribe = make(map[int64]struct{})
	m.skipped = make(map[int64]struct{})
}

// ProcessIn implements pipeline.Stage.
func (m *OnlineManager) ProcessIn(msg schema.Message) ([]schema.Message, []schema.Message, error) {
	switch typed := msg.(type) {
	case *schema.ResetMessage:
		m.mu.Lock()
		m.resetLocked()
		m.mu.Unlock()
		return pipeline.PassThroughIn(msg)

	case *schema.OrderRegisterMessage:
		m.linkOrderTransaction(typed.TransactionID)
		return pipeline.PassThroughIn(msg)

	case *schema.OrderCancelMessage:
		m.linkOrderTransaction(typed.TransactionID)
		return pipeline.PassThroughIn(msg)

	case *schema.SubscribeRequest:
		if typed.Subscribe {
			return m.processSubscribe(typed)
		}
		return m.processUnsubscribe(typed)

	default:
		return pipeline.PassThroughIn(msg)
	}
}

// linkOrderTransaction attaches an order's own transaction id to the shared
// transactions group so its execution reports route to the group subscribers.
func (m *OnlineManager) linkOrderTransaction(transID int64) {
	if transID == 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.byKey[groupKey{dataType: schema.DataTypeTransactions}]
	if !ok {
		return
	}
	m.linkLocked(g, transID)
}

func (m *OnlineManager) linkLocked(g *group, transID int64) {
	if _, exists := m.byID[transID]; exists {
		return
	}
	m.byID[transID] = g
	g.linked[transID] = struct{}{}
}

func (m *OnlineManager) processSubscribe(msg *schema.SubscribeRequest) ([]schema.Message, []schema.Message, error) {
	skip := msg.SpecificItem || msg.HistoryOnly()
	if msg.DataType == schema.DataTypeTransactions {
		skip = false
	}
	if skip {
		m.mu.Lock()
		m.skipped[msg.TransactionID] = struct{}{}
		m.mu.Unlock()
		return pipeline.PassThroughIn(msg)
	}

	secID := msg.SecurityID
	extraFilter := false
	if secID.IsZero() {
		if msg.DataType.RequiresSecurity() {
			m.log.Warn("subscription without security id for security-scoped data type",
				observability.Field{Key: "trans_id", Value: msg.TransactionID},
				observability.Field{Key: "data_type", Value: string(msg.DataType)})
		}
	} else if !msg.DataType.RequiresSecurity() {
		// Physical slot is security-agnostic; remember the narrower ask.
		secID = schema.SecurityID{}
		extraFilter = true
	}

	key := groupKey{dataType: msg.DataType, security: secID}

	m.mu.Lock()
	defer m.mu.Unlock()

	g, exists := m.byKey[key]
	if !exists {
		g = newGroup(key, msg.CloneRequest())
		m.byKey[key] = g
	}

	g.subscribers[msg.TransactionID] = msg.CloneRequest()
	m.byID[msg.TransactionID] = g
	if extraFilter {
		g.extraFilters[msg.TransactionID] = struct{}{}
	}

	if !exists {
		m.log.Debug("physical subscription opened",
			observability.Field{Key: "trans_id", Value: msg.TransactionID},
			observability.Field{Key: "data_type", Value: string(msg.DataType)},
			observability.Field{Key: "security", Value: key.security.String()})
		return []schema.Message{msg}, nil, nil
	}

	if !msg.From.IsZero() {
		// History part still needs the wire; bound it so only the replay runs
		// downstream while live data comes from the shared stream.
		bounded := msg.CloneRequest()
		bounded.To = m.clock.Now()
		g.histLive[msg.TransactionID] = struct{}{}
		m.log.Debug("joining subscriber with bounded history replay",
			observability.Field{Key: "trans_id", Value: msg.TransactionID},
			observability.Field{Key: "data_type", Value: string(msg.DataType)})
		return []schema.Message{bounded}, nil, nil
	}

	// Pure live join: answer immediately from the shared subscription.
	g.online[msg.TransactionID] = struct{}{}
	m.log.Debug("subscriber joined existing physical subscription",
		observability.Field{Key: "trans_id", Value: msg.TransactionID},
		observability.Field{Key: "origin_id", Value: g.origin.TransactionID})
	return nil, []schema.Message{
		msg.Response(nil),
		&schema.SubscriptionOnlineMessage{OriginalID: msg.TransactionID},
	}, nil
}

func (m *OnlineManager) processUnsubscribe(msg *schema.SubscribeRequest) ([]schema.Message, []schema.Message, error) {
	originID := msg.OriginalID

	m.mu.Lock()
	defer m.mu.Unlock()

	g, ok := m.byID[originID]
	if !ok {
		if _, skipped := m.skipped[originID]; skipped {
			delete(m.skipped, originID)
			return []schema.Message{msg}, nil, nil
		}
		return nil, []schema.Message{
			schema.ResponseError(originID, errs.SubscriptionNotFound("online-manager", originID)),
		}, nil
	}

	if _, member := g.subscribers[originID]; !member {
		return nil, []schema.Message{
			schema.ResponseError(originID, errs.SubscriptionNotFound("online-manager", originID)),
		}, nil
	}

	delete(g.subscribers, originID)
	delete(g.online, originID)
	delete(g.histLive, originID)
	delete(g.extraFilters, originID)
	delete(m.byID, originID)

	if len(g.subscribers) > 0 {
		return nil, []schema.Message{
			&schema.SubscriptionResponse{OriginalID: msg.TransactionID},
		}, nil
	}

	// Last subscriber left: tear down the physical subscription.
	delete(m.byKey, g.key)
	for linked := range g.linked {
		delete(m.byID, linked)
	}

	if !g.state.IsActive() {
		m.log.Warn("physical subscription already inactive on teardown",
			observability.Field{Key: "origin_id", Value: g.origin.TransactionID},
			observability.Field{Key: "state", Value: string(g.state)})
		return nil, []schema.Message{
			&schema.SubscriptionResponse{OriginalID: msg.TransactionID},
		}, nil
	}

	down := g.origin.CloneRequest()
	down.Subscribe = false
	down.OriginalID = g.origin.TransactionID
	down.TransactionID = msg.TransactionID
	m.pendingUnsubscribe[msg.TransactionID] = struct{}{}
	m.log.Debug("physical subscription closed",
		observability.Field{Key: "origin_id", Value: g.origin.TransactionID},
		observability.Field{Key: "data_type", Value: string(g.key.dataType)})
	return []schema.Message{down}, nil, nil
}

// ProcessOut implements pipeline.Stage.
func (m *OnlineManager) ProcessOut(msg schema.Message) (schema.Message, []schema.Message, error) {
	switch typed := msg.(type) {
	case *schema.DisconnectMessage:
		m.mu.Lock()
		m.resetLocked()
		m.mu.Unlock()
		return msg, nil, nil

	case *schema.ConnectionRestoredMessage:
		if typed.ResetState {
			m.mu.Lock()
			m.resetLocked()
			m.mu.Unlock()
		}
		return msg, nil, nil

	case *schema.SubscriptionResponse:
		return m.onResponse(typed)

	case *schema.SubscriptionOnlineMessage:
		return m.onOnline(typed)

	case *schema.SubscriptionFinishedMessage:
		return m.onFinished(typed)

	default:
		if data, ok := msg.(schema.DataMessage); ok {
			if suppress := m.onData(data); suppress {
				return nil, nil, nil
			}
		}
		return msg, nil, nil
	}
}

// changeStateLocked applies a group state change driven by the subscriber
// transID. Returns false when the subscriber is a histLive member, whose
// signals never drive the shared state.
func (m *OnlineManager) changeStateLocked(g *group, transID int64, next schema.SubscriptionState) bool {
	if _, hist := g.histLive[transID]; hist {
		return false
	}
	g.state = schema.ChangeSubscriptionState(g.state, next, g.origin.TransactionID, m.log)
	if !g.state.IsActive() {
		delete(m.byKey, g.key)
	}
	return true
}

func (m *OnlineManager) onResponse(msg *schema.SubscriptionResponse) (schema.Message, []schema.Message, error) {
	originID := msg.OriginalID

	m.mu.Lock()
	defer m.mu.Unlock()

	if msg.IsOK() {
		if g, ok := m.byID[originID]; ok {
			next := schema.SubscriptionActive
			if _, pending := m.pendingUnsubscribe[originID]; pending {
				delete(m.pendingUnsubscribe, originID)
				next = schema.SubscriptionStopped
			}
			if !m.changeStateLocked(g, originID, next) {
				return nil, nil, nil
			}
		} else {
			delete(m.pendingUnsubscribe, originID)
			delete(m.skipped, originID)
		}
		return msg, nil, nil
	}

	delete(m.pendingUnsubscribe, originID)
	delete(m.skipped, originID)

	g, ok := m.byID[originID]
	if !ok {
		return msg, nil, nil
	}

	// Physical request failed: the whole group is dead. Every other
	// subscriber gets its own error response.
	delete(m.byID, originID)
	delete(g.subscribers, originID)
	delete(g.online, originID)
	delete(g.histLive, originID)

	var extra []schema.Message
	for subID := range g.subscribers {
		delete(m.byID, subID)
		extra = append(extra, schema.ResponseError(subID, msg.Err))
	}
	for linked := range g.linked {
		delete(m.byID, linked)
	}
	m.changeStateLocked(g, originID, schema.SubscriptionError)
	return msg, extra, nil
}

func (m *OnlineManager) onOnline(msg *schema.SubscriptionOnlineMessage) (schema.Message, []schema.Message, error) {
	originID := msg.OriginalID

	m.mu.Lock()
	defer m.mu.Unlock()

	g, ok := m.byID[originID]
	if !ok {
		return msg, nil, nil
	}

	g.online[originID] = struct{}{}
	if !m.changeStateLocked(g, originID, schema.SubscriptionOnline) {
		return nil, nil, nil
	}

	// Promote every live joiner that is still waiting on the shared stream.
	var extra []schema.Message
	for subID := range g.subscribers {
		if subID == originID {
			continue
		}
		if _, hist := g.histLive[subID]; hist {
			continue
		}
		if _, already := g.online[subID]; already {
			continue
		}
		g.online[subID] = struct{}{}
		extra = append(extra, &schema.SubscriptionOnlineMessage{OriginalID: subID})
	}
	return msg, extra, nil
}

func (m *OnlineManager) onFinished(msg *schema.SubscriptionFinishedMessage) (schema.Message, []schema.Message, error) {
	originID := msg.OriginalID

	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.skipped, originID)

	g, ok := m.byID[originID]
	if !ok {
		return msg, nil, nil
	}

	if m.changeStateLocked(g, originID, schema.SubscriptionFinished) {
		return msg, nil, nil
	}

	// Bounded history replay of a joiner finished. Convert the terminal
	// signal into an online promotion when the shared stream already is.
	delete(g.histLive, originID)
	var extra []schema.Message
	if g.state == schema.SubscriptionOnline {
		g.online[originID] = struct{}{}
		extra = append(extra, &schema.SubscriptionOnlineMessage{OriginalID: originID})
	}
	return nil, extra, nil
}

// onData stamps the full fan-out id set onto a data message. Returns true
// when no subscriber is interested and the message should be dropped.
func (m *OnlineManager) onData(data schema.DataMessage) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	origin := data.OriginID()

	var g *group
	if origin != 0 {
		g = m.byID[origin]
	}
	if g == nil {
		key := groupKey{dataType: data.DataType(), security: data.Security()}
		g = m.byKey[key]
		if g == nil && !key.security.IsZero() {
			key.security = schema.SecurityID{}
			g = m.byKey[key]
		}
	}

	if g == nil {
		if data.DataType() == schema.DataTypeTransactions {
			return false
		}
		if origin != 0 {
			if _, skipped := m.skipped[origin]; skipped {
				return false
			}
		}
		return true
	}

	if exec, ok := data.(*schema.ExecutionMessage); ok && exec.TransactionID != 0 &&
		g.key.dataType == schema.DataTypeTransactions {
		m.linkLocked(g, exec.TransactionID)
	}

	var ids []int64
	if g.state == schema.SubscriptionOnline && data.DataType().IsMarketData() {
		ids = make([]int64, 0, len(g.online))
		for id := range g.online {
			ids = append(ids, id)
		}
	} else {
		ids = make([]int64, 0, len(g.subscribers))
		for id := range g.subscribers {
			ids = append(ids, id)
		}
	}

	if len(g.extraFilters) > 0 {
		filtered := ids[:0]
		for _, id := range ids {
			if _, narrow := g.extraFilters[id]; narrow {
				if req, ok := g.subscribers[id]; ok && !requestMatches(req, data) {
					continue
				}
			}
			filtered = append(filtered, id)
		}
		ids = filtered
	}

	if len(ids) == 0 {
		return true
	}
	data.SetSubscriptionIDs(ids)
	return false
}

// requestMatches reports whether a message falls inside a subscriber's own
// narrower request scope.
func requestMatches(req *schema.SubscribeRequest, data schema.DataMessage) bool {
	if req.SecurityID.IsZero() {
		return true
	}
	return req.SecurityID == data.Security()
}
