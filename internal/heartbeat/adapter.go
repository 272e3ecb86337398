// Package heartbeat maintains the upstream connection: keep-alive probes,
// bounded reconnect attempts, and the trading-hours gate deciding whether a
// dropped connection is worth re-dialing.
package heartbeat

import (
	"sync"
	"time"

	"github.com/tradewire/connector/errs"
	"github.com/tradewire/connector/internal/observability"
	"github.com/tradewire/connector/internal/pipeline"
	"github.com/tradewire/connector/internal/schedule"
	"github.com/tradewire/connector/internal/schema"
)

// ConnectionState is the adapter's connection lifecycle phase.
type ConnectionState string

const (
	// StateNone is the initial state before any connect request.
	StateNone ConnectionState = "None"
	// StateConnecting means a connect request is in flight.
	StateConnecting ConnectionState = "Connecting"
	// StateConnected means the transport acknowledged the connection.
	StateConnected ConnectionState = "Connected"
	// StateReconnecting means the connection dropped and a retry is pending.
	StateReconnecting ConnectionState = "Reconnecting"
	// StateDisconnecting means a disconnect request is in flight.
	StateDisconnecting ConnectionState = "Disconnecting"
	// StateDisconnected means the transport acknowledged the disconnect.
	StateDisconnected ConnectionState = "Disconnected"
	// StateFailed means the retry budget is exhausted.
	StateFailed ConnectionState = "Failed"
)

// UnlimitedAttempts disables the reconnect attempt budget.
const UnlimitedAttempts = -1

// Config sets the adapter's timing and retry policy.
type Config struct {
	// Interval between periodic ticks driving keep-alive signals and time
	// probes. Zero disables both.
	Interval time.Duration
	// ReconnectInterval is the pause between reconnect attempts. It also
	// seeds the connect countdown on reattempts.
	ReconnectInterval time.Duration
	// ConnectTimeout bounds the wait for a connect reply on a fresh connect.
	// Zero disables the countdown.
	ConnectTimeout time.Duration
	// MaxAttempts bounds consecutive failed reconnects. UnlimitedAttempts
	// retries forever, zero disables reconnecting entirely.
	MaxAttempts int
}

// timer is the stoppable handle returned by the adapter's timer source.
type timer interface {
	Stop() bool
}

// Adapter is the innermost pipeline stage, sitting right above the physical
// transport. Retries are self-addressed reconnect messages looped back into
// the inbound path, so they serialize with everything else in the chain.
type Adapter struct {
	log   observability.Logger
	clock schema.Clock
	sched *schedule.Schedule
	cfg   Config
	idGen *schema.TransactionIDGenerator

	afterFunc func(time.Duration, func()) timer
	enqueue   func(schema.Message) error
	emit      func(schema.Message)

	mu            sync.Mutex
	state         ConnectionState
	attemptsLeft  int
	reconnecting  bool
	replyPending  bool
	suppressReply bool
	tickActive    bool
	tickTimer     timer
	retryTimer    timer
	connectTimer  timer
}

var _ pipeline.Stage = (*Adapter)(nil)

// NewAdapter constructs a heartbeat adapter. The schedule gates reconnect
// attempts to trading hours and may be nil to always retry.
func NewAdapter(cfg Config, sched *schedule.Schedule, clock schema.Clock, log observability.Logger) *Adapter {
	if log == nil {
		log = observability.Log()
	}
	if clock == nil {
		clock = schema.SystemClock()
	}
	return &Adapter{
		log:   log,
		clock: clock,
		sched: sched,
		cfg:   cfg,
		idGen: schema.NewTransactionIDGenerator(),
		afterFunc: func(d time.Duration, f func()) timer {
			return time.AfterFunc(d, f)
		},
		state: StateNone,
	}
}

// Name implements pipeline.Stage.
func (a *Adapter) Name() string { return "heartbeat" }

// Bind wires the chain entry point the adapter uses for self-addressed
// messages (keep-alive probes and reconnect retries). Must be called before
// the first connect.
func (a *Adapter) Bind(enqueue func(schema.Message) error) {
	a.mu.Lock()
	a.enqueue = enqueue
	a.mu.Unlock()
}

// BindOut wires the upstream emit hook used for periodic liveness signals and
// connect-timeout errors. An unbound adapter keeps its state transitions but
// stays silent upstream.
func (a *Adapter) BindOut(emit func(schema.Message)) {
	a.mu.Lock()
	a.emit = emit
	a.mu.Unlock()
}

// State returns the current connection state.
func (a *Adapter) State() ConnectionState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// ProcessIn implements pipeline.Stage.
func (a *Adapter) ProcessIn(msg schema.Message) ([]schema.Message, []schema.Message, error) {
	switch msg.(type) {
	case *schema.ResetMessage:
		a.mu.Lock()
		a.stopTimersLocked()
		a.state = StateNone
		a.reconnecting = false
		a.replyPending = false
		a.suppressReply = false
		a.mu.Unlock()
		return pipeline.PassThroughIn(msg)

	case *schema.ConnectMessage:
		a.mu.Lock()
		a.state = StateConnecting
		a.attemptsLeft = a.cfg.MaxAttempts
		a.armConnectTimeoutLocked(a.cfg.ConnectTimeout)
		a.startTickLocked()
		a.mu.Unlock()
		return pipeline.PassThroughIn(msg)

	case *schema.DisconnectMessage:
		a.mu.Lock()
		a.stopTimersLocked()
		a.state = StateDisconnecting
		a.reconnecting = false
		// A probe already in flight may still be answered. Swallow that
		// reply instead of treating it as venue traffic after the disconnect.
		a.suppressReply = a.replyPending
		a.replyPending = false
		a.mu.Unlock()
		return pipeline.PassThroughIn(msg)

	case *schema.ReconnectMessage:
		// Self-addressed retry arriving through the loop-back queue.
		a.mu.Lock()
		a.state = StateConnecting
		a.armConnectTimeoutLocked(a.cfg.ReconnectInterval)
		a.mu.Unlock()
		return []schema.Message{&schema.ConnectMessage{}}, nil, nil

	default:
		return pipeline.PassThroughIn(msg)
	}
}

// ProcessOut implements pipeline.Stage.
func (a *Adapter) ProcessOut(msg schema.Message) (schema.Message, []schema.Message, error) {
	switch typed := msg.(type) {
	case *schema.ConnectMessage:
		return a.onConnectResult(typed)
	case *schema.DisconnectMessage:
		a.mu.Lock()
		a.stopTimersLocked()
		a.state = StateDisconnected
		a.mu.Unlock()
		return msg, nil, nil
	case *schema.ConnectionLostMessage:
		return a.onConnectionLost(typed)
	case *schema.TimeMessage:
		return a.onTimeReply(typed)
	default:
		return msg, nil, nil
	}
}

// onTimeReply re-opens the probe gate when the venue answers a time probe.
// Liveness signals without a transaction id pass through untouched.
func (a *Adapter) onTimeReply(msg *schema.TimeMessage) (schema.Message, []schema.Message, error) {
	if msg.TransactionID == 0 {
		return msg, nil, nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.suppressReply {
		a.suppressReply = false
		return nil, nil, nil
	}
	a.replyPending = false
	return msg, nil, nil
}

func (a *Adapter) onConnectResult(msg *schema.ConnectMessage) (schema.Message, []schema.Message, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.stopConnectTimeoutLocked()

	if msg.Err == nil {
		wasReconnect := a.reconnecting
		a.state = StateConnected
		a.reconnecting = false
		a.attemptsLeft = a.cfg.MaxAttempts
		a.replyPending = false
		a.startTickLocked()
		if wasReconnect {
			// The client never saw the drop handshake as a plain connect;
			// surface the distinguished restore signal instead.
			a.log.Info("connection restored")
			return &schema.ConnectionRestoredMessage{ResetState: true}, nil, nil
		}
		return msg, nil, nil
	}

	a.log.Warn("connect failed",
		observability.Field{Key: "error", Value: msg.Err.Error()},
		observability.Field{Key: "attempts_left", Value: a.attemptsLeft})

	if a.scheduleRetryLocked() {
		return nil, nil, nil
	}

	a.state = StateFailed
	if a.reconnecting {
		a.reconnecting = false
		return msg, []schema.Message{&schema.ErrorMessage{
			Err: errs.New("heartbeat", errs.CodeConnection,
				errs.WithMessage("reconnect attempts exhausted"),
				errs.WithCause(msg.Err),
				errs.WithRemediation("check upstream availability and reconnect manually")),
		}}, nil
	}
	return msg, nil, nil
}

func (a *Adapter) onConnectionLost(msg *schema.ConnectionLostMessage) (schema.Message, []schema.Message, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.replyPending = false
	if a.state == StateDisconnecting || a.state == StateDisconnected {
		return msg, nil, nil
	}

	a.log.Warn("connection lost", observability.Field{Key: "state", Value: string(a.state)})
	if !a.scheduleRetryLocked() {
		a.state = StateFailed
	}
	return msg, nil, nil
}

// scheduleRetryLocked arms the next reconnect attempt. Attempts outside
// trading hours wait without consuming the budget. Returns false when the
// budget is exhausted or reconnecting is disabled.
func (a *Adapter) scheduleRetryLocked() bool {
	if a.cfg.MaxAttempts == 0 || a.enqueue == nil {
		return false
	}

	inHours := a.sched == nil || a.sched.IsOpen(a.clock.Now())
	if inHours {
		if a.attemptsLeft == 0 {
			return false
		}
		if a.attemptsLeft > 0 {
			a.attemptsLeft--
		}
	}

	a.state = StateReconnecting
	a.reconnecting = true
	if a.retryTimer != nil {
		a.retryTimer.Stop()
	}
	a.retryTimer = a.afterFunc(a.cfg.ReconnectInterval, func() {
		if err := a.enqueue(&schema.ReconnectMessage{}); err != nil {
			a.log.Error("failed to enqueue reconnect",
				observability.Field{Key: "error", Value: err.Error()})
		}
	})
	return true
}

func (a *Adapter) startTickLocked() {
	if a.cfg.Interval <= 0 || a.tickActive {
		return
	}
	a.tickActive = true
	a.tickTimer = a.afterFunc(a.cfg.Interval, a.tick)
}

// tick runs every Interval from the first connect until disconnect or reset.
// It emits the upstream liveness signal whatever the connection state, and a
// time probe when connected and the previous probe was answered.
func (a *Adapter) tick() {
	a.mu.Lock()
	if !a.tickActive {
		a.mu.Unlock()
		return
	}
	a.tickTimer = a.afterFunc(a.cfg.Interval, a.tick)

	var probe *schema.TimeMessage
	if a.state == StateConnected && !a.replyPending && a.enqueue != nil {
		a.replyPending = true
		probe = &schema.TimeMessage{
			TransactionID: a.idGen.Next(),
			ServerTime:    a.clock.Now(),
		}
	}
	enqueue := a.enqueue
	emit := a.emit
	now := a.clock.Now()
	a.mu.Unlock()

	if emit != nil {
		emit(&schema.TimeMessage{ServerTime: now})
	}
	if probe == nil {
		return
	}
	if err := enqueue(probe); err != nil {
		a.log.Warn("failed to enqueue keep-alive probe",
			observability.Field{Key: "error", Value: err.Error()})
		a.mu.Lock()
		a.replyPending = false
		a.mu.Unlock()
	}
}

func (a *Adapter) stopTickLocked() {
	a.tickActive = false
	if a.tickTimer != nil {
		a.tickTimer.Stop()
		a.tickTimer = nil
	}
}

// armConnectTimeoutLocked starts the countdown bounding an unanswered connect
// attempt. Fresh connects count down from ConnectTimeout, reattempts from
// ReconnectInterval.
func (a *Adapter) armConnectTimeoutLocked(d time.Duration) {
	a.stopConnectTimeoutLocked()
	if d <= 0 {
		return
	}
	a.connectTimer = a.afterFunc(d, a.onConnectTimeout)
}

func (a *Adapter) stopConnectTimeoutLocked() {
	if a.connectTimer != nil {
		a.connectTimer.Stop()
		a.connectTimer = nil
	}
}

// onConnectTimeout treats a connect attempt without a reply as a failed
// connect: retry while budget remains, otherwise Failed.
func (a *Adapter) onConnectTimeout() {
	a.mu.Lock()
	if a.state != StateConnecting {
		a.mu.Unlock()
		return
	}
	a.log.Warn("connect attempt timed out",
		observability.Field{Key: "attempts_left", Value: a.attemptsLeft})
	if !a.scheduleRetryLocked() {
		a.state = StateFailed
	}
	emit := a.emit
	a.mu.Unlock()

	if emit != nil {
		emit(&schema.ErrorMessage{Err: errs.New("heartbeat", errs.CodeTimeout,
			errs.WithMessage("connect attempt timed out"),
			errs.WithRemediation("check upstream availability and connectivity"))})
	}
}

func (a *Adapter) stopTimersLocked() {
	a.stopTickLocked()
	a.stopConnectTimeoutLocked()
	if a.retryTimer != nil {
		a.retryTimer.Stop()
		a.retryTimer = nil
	}
}
