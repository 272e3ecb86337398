package heartbeat

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/tradewire/connector/internal/schedule"
	"github.com/tradewire/connector/internal/schema"
	"github.com/tradewire/connector/internal/testutil"
)

// timerCapture records armed timers instead of running them, so tests fire
// them deterministically. Stopped timers are skipped, matching real timers.
type timerCapture struct {
	mu    sync.Mutex
	armed []*fakeTimer
}

type fakeTimer struct {
	fn      func()
	stopped bool
}

func (ft *fakeTimer) Stop() bool {
	wasLive := !ft.stopped
	ft.stopped = true
	return wasLive
}

func (c *timerCapture) afterFunc(_ time.Duration, f func()) timer {
	c.mu.Lock()
	ft := &fakeTimer{fn: f}
	c.armed = append(c.armed, ft)
	c.mu.Unlock()
	return ft
}

func (c *timerCapture) fire(t *testing.T) {
	t.Helper()
	c.mu.Lock()
	var fn func()
	for i, ft := range c.armed {
		if ft.stopped {
			continue
		}
		fn = ft.fn
		c.armed = append(c.armed[:i:i], c.armed[i+1:]...)
		break
	}
	c.mu.Unlock()
	if fn == nil {
		t.Fatal("no timer armed")
	}
	fn()
}

func (c *timerCapture) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	live := 0
	for _, ft := range c.armed {
		if !ft.stopped {
			live++
		}
	}
	return live
}

type captureQueue struct {
	mu   sync.Mutex
	msgs []schema.Message
}

func (q *captureQueue) enqueue(msg schema.Message) error {
	q.mu.Lock()
	q.msgs = append(q.msgs, msg)
	q.mu.Unlock()
	return nil
}

func (q *captureQueue) pop(t *testing.T) schema.Message {
	t.Helper()
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.msgs) == 0 {
		t.Fatal("no message enqueued")
	}
	msg := q.msgs[0]
	q.msgs = q.msgs[1:]
	return msg
}

func newTestAdapter(t *testing.T, cfg Config, sched *schedule.Schedule) (*Adapter, *timerCapture, *captureQueue, *testutil.FakeClock) {
	t.Helper()
	clock := testutil.NewFakeClock(time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC))
	a := NewAdapter(cfg, sched, clock, nil)
	timers := &timerCapture{}
	a.afterFunc = timers.afterFunc
	queue := &captureQueue{}
	a.Bind(queue.enqueue)
	return a, timers, queue, clock
}

func connectAdapter(t *testing.T, a *Adapter) {
	t.Helper()
	if _, _, err := a.ProcessIn(&schema.ConnectMessage{}); err != nil {
		t.Fatalf("connect in: %v", err)
	}
	fwd, _, err := a.ProcessOut(&schema.ConnectMessage{})
	if err != nil {
		t.Fatalf("connect ack: %v", err)
	}
	if _, ok := fwd.(*schema.ConnectMessage); !ok {
		t.Fatalf("first connect ack rewritten: %#v", fwd)
	}
	if a.State() != StateConnected {
		t.Fatalf("state = %v", a.State())
	}
}

func TestAdapterReconnectEmitsRestore(t *testing.T) {
	a, timers, queue, _ := newTestAdapter(t, Config{ReconnectInterval: time.Second, MaxAttempts: 3}, nil)
	connectAdapter(t, a)

	fwd, _, err := a.ProcessOut(&schema.ConnectionLostMessage{})
	if err != nil {
		t.Fatalf("lost: %v", err)
	}
	if fwd == nil {
		t.Fatal("connection lost must surface to the client")
	}
	if a.State() != StateReconnecting {
		t.Fatalf("state = %v", a.State())
	}

	timers.fire(t)
	retry := queue.pop(t)
	if _, ok := retry.(*schema.ReconnectMessage); !ok {
		t.Fatalf("expected reconnect, got %#v", retry)
	}

	toInner, _, err := a.ProcessIn(retry)
	if err != nil {
		t.Fatalf("retry in: %v", err)
	}
	if len(toInner) != 1 {
		t.Fatalf("expected re-dial, got %d messages", len(toInner))
	}
	if _, ok := toInner[0].(*schema.ConnectMessage); !ok {
		t.Fatalf("expected connect, got %#v", toInner[0])
	}

	fwd, _, err = a.ProcessOut(&schema.ConnectMessage{})
	if err != nil {
		t.Fatalf("re-ack: %v", err)
	}
	restored, ok := fwd.(*schema.ConnectionRestoredMessage)
	if !ok {
		t.Fatalf("expected restore signal, got %#v", fwd)
	}
	if !restored.ResetState {
		t.Fatal("restore must request state reset")
	}
	if a.State() != StateConnected {
		t.Fatalf("state = %v", a.State())
	}
}

func TestAdapterExhaustsAttemptBudget(t *testing.T) {
	a, timers, queue, _ := newTestAdapter(t, Config{ReconnectInterval: time.Second, MaxAttempts: 2}, nil)
	connectAdapter(t, a)
	a.ProcessOut(&schema.ConnectionLostMessage{})

	for i := 0; i < 2; i++ {
		if a.State() != StateReconnecting {
			t.Fatalf("attempt %d state = %v", i, a.State())
		}
		timers.fire(t)
		a.ProcessIn(queue.pop(t))
		fwd, extra, err := a.ProcessOut(&schema.ConnectMessage{Err: errors.New("refused")})
		if err != nil {
			t.Fatalf("attempt %d: %v", i, err)
		}
		if i == 0 {
			if fwd != nil || len(extra) != 0 {
				t.Fatalf("intermediate failure leaked: %v %v", fwd, extra)
			}
		} else {
			if fwd == nil {
				t.Fatal("final failure suppressed")
			}
			if len(extra) != 1 {
				t.Fatalf("expected exhaustion error, got %d messages", len(extra))
			}
			if _, ok := extra[0].(*schema.ErrorMessage); !ok {
				t.Fatalf("expected error message, got %#v", extra[0])
			}
		}
	}
	if a.State() != StateFailed {
		t.Fatalf("state = %v", a.State())
	}
}

func TestAdapterUnlimitedAttempts(t *testing.T) {
	a, timers, queue, _ := newTestAdapter(t, Config{ReconnectInterval: time.Second, MaxAttempts: UnlimitedAttempts}, nil)
	connectAdapter(t, a)
	a.ProcessOut(&schema.ConnectionLostMessage{})

	for i := 0; i < 10; i++ {
		timers.fire(t)
		a.ProcessIn(queue.pop(t))
		fwd, _, _ := a.ProcessOut(&schema.ConnectMessage{Err: errors.New("refused")})
		if fwd != nil {
			t.Fatalf("attempt %d surfaced a failure", i)
		}
		if a.State() != StateReconnecting {
			t.Fatalf("attempt %d state = %v", i, a.State())
		}
	}
}

func TestAdapterWaitsForTradingHours(t *testing.T) {
	// Monday-Friday fallback calendar, 10:00-18:45 session.
	sched := schedule.New("none", 19*time.Hour)
	a, timers, queue, clock := newTestAdapter(t, Config{ReconnectInterval: time.Second, MaxAttempts: 1}, sched)
	connectAdapter(t, a)

	// Saturday: the drop schedules waiting retries without spending the
	// single budgeted attempt.
	clock.Set(time.Date(2026, 3, 7, 12, 0, 0, 0, time.UTC))
	a.ProcessOut(&schema.ConnectionLostMessage{})
	for i := 0; i < 3; i++ {
		if a.State() != StateReconnecting {
			t.Fatalf("state = %v", a.State())
		}
		timers.fire(t)
		a.ProcessIn(queue.pop(t))
		if fwd, _, _ := a.ProcessOut(&schema.ConnectMessage{Err: errors.New("closed")}); fwd != nil {
			t.Fatal("off-hours failure leaked")
		}
	}

	// Monday open: the budgeted attempt runs and succeeds.
	clock.Set(time.Date(2026, 3, 9, 11, 0, 0, 0, time.UTC))
	timers.fire(t)
	a.ProcessIn(queue.pop(t))
	fwd, _, _ := a.ProcessOut(&schema.ConnectMessage{})
	if _, ok := fwd.(*schema.ConnectionRestoredMessage); !ok {
		t.Fatalf("expected restore after trading resumes, got %#v", fwd)
	}
}

func TestAdapterKeepAliveProbes(t *testing.T) {
	a, timers, queue, _ := newTestAdapter(t, Config{Interval: time.Second, MaxAttempts: 0}, nil)
	connectAdapter(t, a)

	if timers.count() == 0 {
		t.Fatal("no probe timer armed after connect")
	}
	timers.fire(t)
	probe := queue.pop(t)
	tm, ok := probe.(*schema.TimeMessage)
	if !ok {
		t.Fatalf("expected time probe, got %#v", probe)
	}
	if tm.TransactionID == 0 {
		t.Fatal("probe without transaction id")
	}
	if timers.count() == 0 {
		t.Fatal("probe timer not re-armed")
	}

	// Probes stop once the adapter disconnects.
	a.ProcessIn(&schema.DisconnectMessage{})
	a.ProcessOut(&schema.DisconnectMessage{})
	if timers.count() != 0 {
		t.Fatalf("%d timers still armed after disconnect", timers.count())
	}
	if len(queue.msgs) != 0 {
		t.Fatalf("probe sent while disconnected: %v", queue.msgs)
	}
}

func TestAdapterProbeAwaitsReply(t *testing.T) {
	a, timers, queue, _ := newTestAdapter(t, Config{Interval: time.Second, MaxAttempts: 0}, nil)
	connectAdapter(t, a)

	timers.fire(t)
	first := queue.pop(t).(*schema.TimeMessage)

	// The first probe is unanswered; the next ticks must not pipeline a
	// second one behind it.
	timers.fire(t)
	timers.fire(t)
	if len(queue.msgs) != 0 {
		t.Fatalf("probe sent before previous reply: %v", queue.msgs)
	}

	fwd, _, err := a.ProcessOut(&schema.TimeMessage{TransactionID: first.TransactionID})
	if err != nil {
		t.Fatalf("reply: %v", err)
	}
	if fwd == nil {
		t.Fatal("probe reply swallowed")
	}

	timers.fire(t)
	next := queue.pop(t)
	if _, ok := next.(*schema.TimeMessage); !ok {
		t.Fatalf("expected probe after reply, got %#v", next)
	}
}

func TestAdapterDisconnectSuppressesPendingReply(t *testing.T) {
	a, timers, queue, _ := newTestAdapter(t, Config{Interval: time.Second, MaxAttempts: 0}, nil)
	connectAdapter(t, a)

	timers.fire(t)
	probe := queue.pop(t).(*schema.TimeMessage)

	a.ProcessIn(&schema.DisconnectMessage{})

	// The late reply to the in-flight probe is dropped, not surfaced.
	fwd, _, err := a.ProcessOut(&schema.TimeMessage{TransactionID: probe.TransactionID})
	if err != nil {
		t.Fatalf("late reply: %v", err)
	}
	if fwd != nil {
		t.Fatalf("late probe reply leaked after disconnect: %#v", fwd)
	}

	// Only that one expected reply is suppressed.
	fwd, _, err = a.ProcessOut(&schema.TimeMessage{TransactionID: 99})
	if err != nil {
		t.Fatalf("follow-up: %v", err)
	}
	if fwd == nil {
		t.Fatal("unrelated time message swallowed")
	}
}

func TestAdapterConnectTimeoutSchedulesRetry(t *testing.T) {
	a, timers, queue, _ := newTestAdapter(t, Config{
		ConnectTimeout:    5 * time.Second,
		ReconnectInterval: time.Second,
		MaxAttempts:       1,
	}, nil)
	var emitted []schema.Message
	a.BindOut(func(m schema.Message) { emitted = append(emitted, m) })

	if _, _, err := a.ProcessIn(&schema.ConnectMessage{}); err != nil {
		t.Fatalf("connect in: %v", err)
	}
	if a.State() != StateConnecting {
		t.Fatalf("state = %v", a.State())
	}

	// No connect reply arrives before the countdown expires.
	timers.fire(t)
	if a.State() != StateReconnecting {
		t.Fatalf("state after timeout = %v", a.State())
	}
	if len(emitted) != 1 {
		t.Fatalf("expected one timeout error upstream, got %d", len(emitted))
	}
	if _, ok := emitted[0].(*schema.ErrorMessage); !ok {
		t.Fatalf("expected error message, got %#v", emitted[0])
	}

	timers.fire(t)
	retry := queue.pop(t)
	if _, ok := retry.(*schema.ReconnectMessage); !ok {
		t.Fatalf("expected reconnect, got %#v", retry)
	}
	a.ProcessIn(retry)
	fwd, _, err := a.ProcessOut(&schema.ConnectMessage{})
	if err != nil {
		t.Fatalf("re-ack: %v", err)
	}
	if _, ok := fwd.(*schema.ConnectionRestoredMessage); !ok {
		t.Fatalf("expected restore after timed-out first attempt, got %#v", fwd)
	}
}

func TestAdapterEmitsLivenessSignalWhileReconnecting(t *testing.T) {
	a, timers, _, _ := newTestAdapter(t, Config{
		Interval:          time.Second,
		ReconnectInterval: time.Minute,
		MaxAttempts:       UnlimitedAttempts,
	}, nil)
	var emitted []schema.Message
	a.BindOut(func(m schema.Message) { emitted = append(emitted, m) })
	connectAdapter(t, a)

	a.ProcessOut(&schema.ConnectionLostMessage{})
	if a.State() != StateReconnecting {
		t.Fatalf("state = %v", a.State())
	}

	// The periodic tick keeps signalling upstream while disconnected.
	timers.fire(t)
	if len(emitted) != 1 {
		t.Fatalf("expected liveness signal, got %d messages", len(emitted))
	}
	tm, ok := emitted[0].(*schema.TimeMessage)
	if !ok {
		t.Fatalf("expected time message, got %#v", emitted[0])
	}
	if tm.TransactionID != 0 {
		t.Fatal("liveness signal must not look like a probe reply")
	}
}
