package subscription

import (
	"testing"
	"time"

	"github.com/tradewire/connector/internal/schema"
	"github.com/tradewire/connector/internal/testutil"
)

var sber = schema.SecurityID{Code: "SBER", Board: "TQBR"}

func newTestManager(t *testing.T) (*Manager, *testutil.FakeClock) {
	t.Helper()
	clock := testutil.NewFakeClock(time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC))
	return NewManager(nil, clock, schema.NewTransactionIDGenerator()), clock
}

func liveTicks(transID int64) *schema.SubscribeRequest {
	return &schema.SubscribeRequest{
		TransactionID: transID,
		Subscribe:     true,
		DataType:      schema.DataTypeTicks,
		SecurityID:    sber,
	}
}

func TestManagerClampsFutureFrom(t *testing.T) {
	mgr, clock := newTestManager(t)

	req := liveTicks(1)
	req.From = clock.Now().Add(time.Hour)

	toInner, toOut, err := mgr.ProcessIn(req)
	if err != nil {
		t.Fatalf("ProcessIn: %v", err)
	}
	if len(toOut) != 0 {
		t.Fatalf("unexpected outbound messages: %v", toOut)
	}
	if len(toInner) != 1 {
		t.Fatalf("expected forwarded request, got %d messages", len(toInner))
	}
	forwarded := toInner[0].(*schema.SubscribeRequest)
	if !forwarded.From.Equal(clock.Now()) {
		t.Fatalf("from not clamped to now: %v", forwarded.From)
	}
	if req.From.Equal(clock.Now()) {
		t.Fatal("caller request mutated instead of cloned")
	}
}

func TestManagerEmptyRangeFinishesImmediately(t *testing.T) {
	mgr, clock := newTestManager(t)

	req := liveTicks(1)
	req.From = clock.Now().Add(-time.Hour)
	req.To = req.From.Add(-time.Minute)

	toInner, toOut, err := mgr.ProcessIn(req)
	if err != nil {
		t.Fatalf("ProcessIn: %v", err)
	}
	if len(toInner) != 0 {
		t.Fatalf("empty range must not reach the wire, got %v", toInner)
	}
	if len(toOut) != 1 {
		t.Fatalf("expected one terminal message, got %d", len(toOut))
	}
	fin, ok := toOut[0].(*schema.SubscriptionFinishedMessage)
	if !ok || fin.OriginalID != 1 {
		t.Fatalf("expected finished for trans 1, got %#v", toOut[0])
	}
}

func TestManagerLifecycle(t *testing.T) {
	mgr, _ := newTestManager(t)

	if _, _, err := mgr.ProcessIn(liveTicks(1)); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if state, ok := mgr.SubscriptionState(1); !ok || state != schema.SubscriptionStopped {
		t.Fatalf("state after subscribe = %v, %v", state, ok)
	}

	fwd, _, err := mgr.ProcessOut(&schema.SubscriptionResponse{OriginalID: 1})
	if err != nil {
		t.Fatalf("response: %v", err)
	}
	if fwd == nil {
		t.Fatal("response suppressed")
	}
	if state, _ := mgr.SubscriptionState(1); state != schema.SubscriptionActive {
		t.Fatalf("state after response = %v", state)
	}

	if _, _, err := mgr.ProcessOut(&schema.SubscriptionOnlineMessage{OriginalID: 1}); err != nil {
		t.Fatalf("online: %v", err)
	}
	if state, _ := mgr.SubscriptionState(1); state != schema.SubscriptionOnline {
		t.Fatalf("state after online = %v", state)
	}
}

func TestManagerUnsubscribeCarriesOriginalParameters(t *testing.T) {
	mgr, clock := newTestManager(t)

	req := liveTicks(1)
	req.From = clock.Now().Add(-time.Hour)
	if _, _, err := mgr.ProcessIn(req); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if _, _, err := mgr.ProcessOut(&schema.SubscriptionResponse{OriginalID: 1}); err != nil {
		t.Fatalf("response: %v", err)
	}

	unsub := &schema.SubscribeRequest{TransactionID: 2, OriginalID: 1}
	toInner, toOut, err := mgr.ProcessIn(unsub)
	if err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	if len(toOut) != 0 || len(toInner) != 1 {
		t.Fatalf("unexpected routing: inner=%d out=%d", len(toInner), len(toOut))
	}
	down := toInner[0].(*schema.SubscribeRequest)
	if down.Subscribe {
		t.Fatal("forwarded message still subscribes")
	}
	if down.TransactionID != 2 || down.OriginalID != 1 {
		t.Fatalf("ids = %d/%d", down.TransactionID, down.OriginalID)
	}
	if down.DataType != schema.DataTypeTicks || down.SecurityID != sber || !down.From.Equal(req.From) {
		t.Fatalf("original parameters lost: %+v", down)
	}
}

func TestManagerUnknownUnsubscribeAnswersError(t *testing.T) {
	mgr, _ := newTestManager(t)

	toInner, toOut, err := mgr.ProcessIn(&schema.SubscribeRequest{TransactionID: 5, OriginalID: 99})
	if err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	if len(toInner) != 0 {
		t.Fatal("unknown unsubscribe must not reach the wire")
	}
	if len(toOut) != 1 {
		t.Fatalf("expected one response, got %d", len(toOut))
	}
	resp := toOut[0].(*schema.SubscriptionResponse)
	if resp.OriginalID != 99 || resp.IsOK() {
		t.Fatalf("expected error response for 99, got %+v", resp)
	}
}

func TestManagerDataAdvancesWatermark(t *testing.T) {
	mgr, clock := newTestManager(t)

	if _, _, err := mgr.ProcessIn(liveTicks(1)); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if _, _, err := mgr.ProcessOut(&schema.SubscriptionResponse{OriginalID: 1}); err != nil {
		t.Fatalf("response: %v", err)
	}

	first := clock.Now().Add(time.Second)
	tick := &schema.TickMessage{SecurityID: sber, ServerTime: first}
	tick.SetSubscriptionIDs([]int64{1})
	if fwd, _, _ := mgr.ProcessOut(tick); fwd == nil {
		t.Fatal("tick suppressed")
	}
	if last, _ := mgr.LastSeen(1); !last.Equal(first) {
		t.Fatalf("watermark = %v, want %v", last, first)
	}

	// Out of order data must not move the watermark backwards.
	stale := &schema.TickMessage{SecurityID: sber, ServerTime: first.Add(-time.Minute)}
	stale.SetSubscriptionIDs([]int64{1})
	mgr.ProcessOut(stale)
	if last, _ := mgr.LastSeen(1); !last.Equal(first) {
		t.Fatalf("watermark regressed to %v", last)
	}
}

func TestManagerDropsDataForUnknownSubscribers(t *testing.T) {
	mgr, _ := newTestManager(t)

	tick := &schema.TickMessage{SecurityID: sber, ServerTime: time.Now()}
	tick.SetSubscriptionIDs([]int64{42})
	fwd, _, err := mgr.ProcessOut(tick)
	if err != nil {
		t.Fatalf("ProcessOut: %v", err)
	}
	if fwd != nil {
		t.Fatal("data for unknown subscriber must be dropped")
	}
}

func TestManagerReconnectRemap(t *testing.T) {
	mgr, clock := newTestManager(t)

	req := liveTicks(1)
	req.From = clock.Now().Add(-time.Hour)
	if _, _, err := mgr.ProcessIn(req); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if _, _, err := mgr.ProcessOut(&schema.SubscriptionResponse{OriginalID: 1}); err != nil {
		t.Fatalf("response: %v", err)
	}

	watermark := clock.Now().Add(-time.Minute)
	tick := &schema.TickMessage{SecurityID: sber, ServerTime: watermark}
	tick.SetSubscriptionIDs([]int64{1})
	mgr.ProcessOut(tick)

	fwd, extra, err := mgr.ProcessOut(&schema.ConnectionRestoredMessage{ResetState: true})
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if fwd == nil {
		t.Fatal("restore message suppressed")
	}
	if len(extra) != 1 {
		t.Fatalf("expected loop-back trigger, got %d extra", len(extra))
	}
	suspended, ok := extra[0].(*schema.ProcessSuspendedMessage)
	if !ok || !suspended.IsLoopBack() {
		t.Fatalf("expected loop-back suspended message, got %#v", extra[0])
	}

	toInner, _, err := mgr.ProcessIn(suspended)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if len(toInner) != 1 {
		t.Fatalf("expected one re-issued request, got %d", len(toInner))
	}
	reissued := toInner[0].(*schema.SubscribeRequest)
	if reissued.TransactionID == 1 {
		t.Fatal("re-issued request kept the old transaction id")
	}
	if !reissued.From.Equal(watermark) {
		t.Fatalf("resume from = %v, want watermark %v", reissued.From, watermark)
	}

	// The duplicate ack for the re-issued id is suppressed, the client
	// already holds an acknowledged subscription.
	fwd, _, err = mgr.ProcessOut(&schema.SubscriptionResponse{OriginalID: reissued.TransactionID})
	if err != nil {
		t.Fatalf("re-ack: %v", err)
	}
	if fwd != nil {
		t.Fatalf("duplicate ack not suppressed: %#v", fwd)
	}

	// Data under the new id surfaces under the original id.
	tick2 := &schema.TickMessage{SecurityID: sber, ServerTime: clock.Now()}
	tick2.SetSubscriptionIDs([]int64{reissued.TransactionID})
	fwd, _, err = mgr.ProcessOut(tick2)
	if err != nil {
		t.Fatalf("data: %v", err)
	}
	if fwd == nil {
		t.Fatal("remapped data suppressed")
	}
	ids := fwd.(*schema.TickMessage).SubscriptionIDs()
	if len(ids) != 1 || ids[0] != 1 {
		t.Fatalf("remapped ids = %v, want [1]", ids)
	}
}

func TestManagerCandleOpenTracking(t *testing.T) {
	mgr, clock := newTestManager(t)

	frame := time.Minute
	req := &schema.SubscribeRequest{
		TransactionID: 1,
		Subscribe:     true,
		DataType:      schema.CandleDataType(frame),
		SecurityID:    sber,
	}
	if _, _, err := mgr.ProcessIn(req); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if _, _, err := mgr.ProcessOut(&schema.SubscriptionResponse{OriginalID: 1}); err != nil {
		t.Fatalf("response: %v", err)
	}

	open := clock.Now().Truncate(frame)
	for i := 0; i < 3; i++ {
		candle := &schema.CandleMessage{SecurityID: sber, Frame: frame, OpenTime: open, ServerTime: clock.Now()}
		candle.SetSubscriptionIDs([]int64{1})
		mgr.ProcessOut(candle)
		// The first push opens the candle; repeats for the same open time
		// are delivered as in-progress updates.
		if i == 0 && candle.Update {
			t.Fatal("first push marked as update")
		}
		if i > 0 && !candle.Update {
			t.Fatalf("push %d not marked as update", i)
		}
	}
	if got, _ := mgr.CurrentCandleOpen(1); !got.Equal(open) {
		t.Fatalf("candle open = %v, want %v", got, open)
	}

	next := &schema.CandleMessage{SecurityID: sber, Frame: frame, OpenTime: open.Add(frame), ServerTime: clock.Now()}
	next.SetSubscriptionIDs([]int64{1})
	mgr.ProcessOut(next)
	if next.Update {
		t.Fatal("new open time marked as update")
	}
	if got, _ := mgr.CurrentCandleOpen(1); !got.Equal(open.Add(frame)) {
		t.Fatalf("candle open not advanced: %v", got)
	}
}
