package pipeline

import (
	"sync"
	"time"

	"github.com/tradewire/connector/errs"
	"github.com/tradewire/connector/internal/observability"
	"github.com/tradewire/connector/internal/schema"
)

// DefaultPendingCap bounds the loop-back queue when no cap is configured.
const DefaultPendingCap = 10000

// OutFunc receives messages that reached the client-facing end of the chain.
type OutFunc func(msg schema.Message)

// Chain is an ordered stage slice. Stage zero is the outermost (client-facing)
// stage; the sink is the physical adapter. Loop-back messages re-enter the
// inbound queue rather than recursing, preserving ordering and lock
// discipline.
type Chain struct {
	stages []Stage
	sink   Sink
	out    OutFunc
	log    observability.Logger

	mu         sync.Mutex
	pending    []schema.Message
	draining   bool
	pendingCap int

	metrics *observability.RuntimeMetrics
}

// NewChain assembles a chain over the given stages.
func NewChain(stages []Stage, sink Sink, out OutFunc, log observability.Logger) *Chain {
	if log == nil {
		log = observability.Log()
	}
	if out == nil {
		out = func(schema.Message) {}
	}
	return &Chain{
		stages:     stages,
		sink:       sink,
		out:        out,
		log:        log,
		pendingCap: DefaultPendingCap,
	}
}

// SetPendingCap overrides the loop-back queue cap. Zero or negative keeps the default.
func (c *Chain) SetPendingCap(limit int) {
	if limit <= 0 {
		return
	}
	c.mu.Lock()
	c.pendingCap = limit
	c.mu.Unlock()
}

// SetRuntimeMetrics attaches an accumulator for queue depth and suppression
// counters.
func (c *Chain) SetRuntimeMetrics(metrics *observability.RuntimeMetrics) {
	c.metrics = metrics
}

// SendIn delivers a client message into the chain. It fails fast when the
// pending queue is over its cap; dropping instructions silently is not
// acceptable.
func (c *Chain) SendIn(msg schema.Message) error {
	if msg == nil {
		return nil
	}
	if err := c.enqueue(msg); err != nil {
		return err
	}
	c.drain()
	return nil
}

// OnUp delivers an upstream adapter message into the outbound path.
func (c *Chain) OnUp(msg schema.Message) {
	if msg == nil {
		return
	}
	c.processOutbound(msg, len(c.stages)-1)
	c.drain()
}

// EmitOut pushes a message into the outbound path from the innermost stage.
// Used by timer-driven stages for keep-alive signals.
func (c *Chain) EmitOut(msg schema.Message) {
	c.OnUp(msg)
}

func (c *Chain) enqueue(msg schema.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.pending) >= c.pendingCap {
		return errs.QueueExceeded("pipeline", c.pendingCap)
	}
	c.pending = append(c.pending, msg)
	if c.metrics != nil {
		c.metrics.RecordQueueDepth("pipeline", len(c.pending))
	}
	return nil
}

// drain processes queued inbound messages one at a time. Only one goroutine
// drains; concurrent callers enqueue and return, which keeps per-message
// processing single-file without holding any lock across stage calls.
func (c *Chain) drain() {
	c.mu.Lock()
	if c.draining {
		c.mu.Unlock()
		return
	}
	c.draining = true
	c.mu.Unlock()

	for {
		c.mu.Lock()
		if len(c.pending) == 0 {
			c.draining = false
			c.mu.Unlock()
			return
		}
		msg := c.pending[0]
		c.pending = c.pending[1:]
		c.mu.Unlock()

		c.processInbound(msg)
	}
}

type inboundItem struct {
	idx int
	msg schema.Message
}

func (c *Chain) processInbound(msg schema.Message) {
	queue := []inboundItem{{idx: 0, msg: msg}}
	for len(queue) > 0 {
		it := queue[0]
		queue = queue[1:]
		if it.msg == nil {
			continue
		}
		if it.idx >= len(c.stages) {
			if c.sink == nil {
				continue
			}
			if err := c.sink.SendDown(it.msg); err != nil {
				c.log.Error("sink send failed",
					observability.Field{Key: "message_type", Value: string(it.msg.Type())},
					observability.Field{Key: "error", Value: err.Error()})
				c.processOutbound(&schema.ErrorMessage{Err: err}, len(c.stages)-1)
			}
			continue
		}

		stage := c.stages[it.idx]
		toInner, toOut, err := stage.ProcessIn(it.msg)
		if err != nil {
			c.log.Error("stage inbound processing failed",
				observability.Field{Key: "stage", Value: stage.Name()},
				observability.Field{Key: "message_type", Value: string(it.msg.Type())},
				observability.Field{Key: "error", Value: err.Error()})
			continue
		}
		for _, m := range toInner {
			if m == nil {
				continue
			}
			if m.IsLoopBack() {
				m.SetLoopBack(false)
				c.requeue(m)
				continue
			}
			queue = append(queue, inboundItem{idx: it.idx + 1, msg: m})
		}
		for _, m := range toOut {
			if m == nil {
				continue
			}
			c.processOutbound(m, it.idx-1)
		}
	}
}

func (c *Chain) processOutbound(msg schema.Message, from int) {
	for i := from; i >= 0; i-- {
		if msg == nil {
			return
		}
		if msg.IsLoopBack() {
			msg.SetLoopBack(false)
			c.requeue(msg)
			return
		}
		stage := c.stages[i]
		forward, extraOut, err := stage.ProcessOut(msg)
		if err != nil {
			c.log.Error("stage outbound processing failed",
				observability.Field{Key: "stage", Value: stage.Name()},
				observability.Field{Key: "message_type", Value: string(msg.Type())},
				observability.Field{Key: "error", Value: err.Error()})
		}
		for _, ex := range extraOut {
			if ex == nil {
				continue
			}
			if ex.IsLoopBack() {
				ex.SetLoopBack(false)
				c.requeue(ex)
				continue
			}
			c.processOutbound(ex, i-1)
		}
		if forward == nil && c.metrics != nil {
			c.metrics.IncrementSuppressed(stage.Name())
		}
		msg = forward
	}
	if msg == nil {
		return
	}
	if msg.IsLoopBack() {
		msg.SetLoopBack(false)
		c.requeue(msg)
		return
	}
	if data, ok := msg.(schema.DataMessage); ok && c.metrics != nil {
		start := time.Now()
		c.out(msg)
		c.metrics.AddFanoutMicroseconds(string(data.DataType()), time.Since(start).Microseconds())
		return
	}
	c.out(msg)
}

// requeue appends a loop-back message; overflow here is logged rather than
// returned because the producing stage has already finished its call.
func (c *Chain) requeue(msg schema.Message) {
	if err := c.enqueue(msg); err != nil {
		c.log.Error("loop-back queue overflow, message dropped",
			observability.Field{Key: "message_type", Value: string(msg.Type())},
			observability.Field{Key: "error", Value: err.Error()})
	}
}
