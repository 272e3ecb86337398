package book

import (
	"sync"

	"github.com/tradewire/connector/internal/observability"
	"github.com/tradewire/connector/internal/pipeline"
	"github.com/tradewire/connector/internal/schedule"
	"github.com/tradewire/connector/internal/schema"
)

// Builder is the pipeline stage that turns raw depth deltas and order log
// rows into full book snapshots, per physical subscription. Subscriptions
// asking for raw increments pass through untouched, and depth subscriptions
// flagged build-from-order-log are rewritten to order log requests downstream
// with their rows converted back into depth upstream.
type Builder struct {
	log   observability.Logger
	sched *schedule.Schedule
	depth int

	mu         sync.Mutex
	raw        map[int64]bool
	increments map[int64]*IncrementBuilder
	orderLog   map[int64]*OrderLogDepthBuilder
}

var _ pipeline.Stage = (*Builder)(nil)

// NewBuilder constructs the book building stage. The schedule and depth cap
// apply to order-log built books.
func NewBuilder(log observability.Logger, sched *schedule.Schedule, depth int) *Builder {
	if log == nil {
		log = observability.Log()
	}
	b := &Builder{log: log, sched: sched, depth: depth}
	b.resetLocked()
	return b
}

// Name implements pipeline.Stage.
func (b *Builder) Name() string { return "book-builder" }

func (b *Builder) resetLocked() {
	b.raw = make(map[int64]bool)
	b.increments = make(map[int64]*IncrementBuilder)
	b.orderLog = make(map[int64]*OrderLogDepthBuilder)
}

// ProcessIn implements pipeline.Stage.
func (b *Builder) ProcessIn(msg schema.Message) ([]schema.Message, []schema.Message, error) {
	switch typed := msg.(type) {
	case *schema.ResetMessage:
		b.mu.Lock()
		b.resetLocked()
		b.mu.Unlock()
		return pipeline.PassThroughIn(msg)

	case *schema.SubscribeRequest:
		if typed.DataType != schema.DataTypeMarketDepth {
			return pipeline.PassThroughIn(msg)
		}
		if typed.Subscribe {
			return b.processSubscribe(typed)
		}
		return b.processUnsubscribe(typed)

	default:
		return pipeline.PassThroughIn(msg)
	}
}

func (b *Builder) processSubscribe(msg *schema.SubscribeRequest) ([]schema.Message, []schema.Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if msg.BuildFromOrderLog {
		b.orderLog[msg.TransactionID] = NewOrderLogDepthBuilder(msg.SecurityID, b.sched, b.depth, b.log)
		down := msg.CloneRequest()
		down.DataType = schema.DataTypeOrderLog
		b.log.Debug("depth subscription rewritten to order log",
			observability.Field{Key: "trans_id", Value: msg.TransactionID},
			observability.Field{Key: "security", Value: msg.SecurityID.String()})
		return []schema.Message{down}, nil, nil
	}

	b.raw[msg.TransactionID] = msg.RawIncrements
	return []schema.Message{msg}, nil, nil
}

func (b *Builder) processUnsubscribe(msg *schema.SubscribeRequest) ([]schema.Message, []schema.Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	originID := msg.OriginalID
	delete(b.raw, originID)
	delete(b.increments, originID)

	if _, converted := b.orderLog[originID]; converted {
		delete(b.orderLog, originID)
		down := msg.CloneRequest()
		down.DataType = schema.DataTypeOrderLog
		return []schema.Message{down}, nil, nil
	}
	return []schema.Message{msg}, nil, nil
}

// ProcessOut implements pipeline.Stage.
func (b *Builder) ProcessOut(msg schema.Message) (schema.Message, []schema.Message, error) {
	switch typed := msg.(type) {
	case *schema.QuoteChangeMessage:
		return b.processQuoteChange(typed)
	case *schema.OrderLogMessage:
		return b.processOrderLog(typed)
	case *schema.ConnectionRestoredMessage:
		// Re-mapped subscriptions arrive with fresh ids; books built for
		// the dropped session are stale.
		if typed.ResetState {
			b.mu.Lock()
			b.resetLocked()
			b.mu.Unlock()
		}
		return msg, nil, nil
	default:
		return msg, nil, nil
	}
}

func (b *Builder) processQuoteChange(msg *schema.QuoteChangeMessage) (schema.Message, []schema.Message, error) {
	if msg.State == schema.QuoteStateNone {
		return msg, nil, nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	originID := msg.OriginID()
	wantsRaw, tracked := b.raw[originID]
	if !tracked || wantsRaw {
		return msg, nil, nil
	}

	builder, ok := b.increments[originID]
	if !ok {
		builder = NewIncrementBuilder(msg.SecurityID, b.log)
		b.increments[originID] = builder
	}
	out := builder.Apply(msg)
	if out == nil {
		return nil, nil, nil
	}
	return out, nil, nil
}

func (b *Builder) processOrderLog(msg *schema.OrderLogMessage) (schema.Message, []schema.Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	builder, ok := b.orderLog[msg.OriginID()]
	if !ok {
		return msg, nil, nil
	}

	out, err := builder.Apply(msg)
	if err != nil {
		b.log.Warn("order log row rejected",
			observability.Field{Key: "security", Value: msg.SecurityID.String()},
			observability.Field{Key: "error", Value: err.Error()})
		return nil, nil, nil
	}
	if out == nil {
		return nil, nil, nil
	}
	return out, nil, nil
}
