package book

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tradewire/connector/internal/schema"
)

var sber = schema.SecurityID{Code: "SBER", Board: "TQBR"}

func dec(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

func quote(price, volume int64) schema.Quote {
	return schema.Quote{Price: dec(price), Volume: dec(volume)}
}

func delta(state schema.QuoteState, bids, asks []schema.Quote) *schema.QuoteChangeMessage {
	return &schema.QuoteChangeMessage{
		SecurityID: sber,
		State:      state,
		Bids:       bids,
		Asks:       asks,
		ServerTime: time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC),
	}
}

func requireLevels(t *testing.T, got []schema.Quote, want ...schema.Quote) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("levels = %v, want %v", got, want)
	}
	for i := range want {
		if !got[i].Price.Equal(want[i].Price) || !got[i].Volume.Equal(want[i].Volume) {
			t.Fatalf("level %d = %s@%s, want %s@%s",
				i, got[i].Volume, got[i].Price, want[i].Volume, want[i].Price)
		}
	}
}

func TestIncrementBuilderSnapshotAtomicity(t *testing.T) {
	b := NewIncrementBuilder(sber, nil)

	if out := b.Apply(delta(schema.QuoteStateSnapshotStarted, []schema.Quote{quote(100, 5)}, nil)); out != nil {
		t.Fatalf("output during snapshot start: %v", out)
	}
	if out := b.Apply(delta(schema.QuoteStateSnapshotBuilding, nil, []schema.Quote{quote(101, 3)})); out != nil {
		t.Fatalf("output during snapshot building: %v", out)
	}

	out := b.Apply(delta(schema.QuoteStateSnapshotComplete, []schema.Quote{quote(99, 2)}, nil))
	if out == nil {
		t.Fatal("no output on snapshot complete")
	}
	requireLevels(t, out.Bids, quote(100, 5), quote(99, 2))
	requireLevels(t, out.Asks, quote(101, 3))
}

func TestIncrementBuilderRemovesLevelOnZeroVolume(t *testing.T) {
	b := NewIncrementBuilder(sber, nil)

	b.Apply(delta(schema.QuoteStateSnapshotComplete,
		[]schema.Quote{quote(100, 5)},
		[]schema.Quote{quote(101, 3)}))

	if out := b.Apply(delta(schema.QuoteStateIncrement, []schema.Quote{quote(100, 5)}, nil)); out == nil {
		t.Fatal("no output for increment")
	}

	out := b.Apply(delta(schema.QuoteStateIncrement, []schema.Quote{quote(100, 0)}, nil))
	if out == nil {
		t.Fatal("no output for removal increment")
	}
	requireLevels(t, out.Bids)
	requireLevels(t, out.Asks, quote(101, 3))
}

func TestIncrementBuilderReplayIsIdempotent(t *testing.T) {
	seq := []*schema.QuoteChangeMessage{
		delta(schema.QuoteStateSnapshotStarted, []schema.Quote{quote(100, 5), quote(99, 1)}, nil),
		delta(schema.QuoteStateSnapshotComplete, nil, []schema.Quote{quote(101, 3), quote(102, 7)}),
		delta(schema.QuoteStateIncrement, []schema.Quote{quote(100, 2)}, nil),
		delta(schema.QuoteStateIncrement, nil, []schema.Quote{quote(102, 0)}),
	}

	run := func() *schema.QuoteChangeMessage {
		b := NewIncrementBuilder(sber, nil)
		var last *schema.QuoteChangeMessage
		for _, msg := range seq {
			if out := b.Apply(msg); out != nil {
				last = out
			}
		}
		return last
	}

	first, second := run(), run()
	requireLevels(t, second.Bids, first.Bids...)
	requireLevels(t, second.Asks, first.Asks...)
	requireLevels(t, first.Bids, quote(100, 2), quote(99, 1))
	requireLevels(t, first.Asks, quote(101, 3))
}

func TestIncrementBuilderFreshSnapshotSupersedesBook(t *testing.T) {
	b := NewIncrementBuilder(sber, nil)

	b.Apply(delta(schema.QuoteStateSnapshotComplete, []schema.Quote{quote(100, 5)}, nil))
	b.Apply(delta(schema.QuoteStateIncrement, []schema.Quote{quote(99, 4)}, nil))

	out := b.Apply(delta(schema.QuoteStateSnapshotComplete, []schema.Quote{quote(98, 1)}, nil))
	if out == nil {
		t.Fatal("no output for fresh snapshot")
	}
	requireLevels(t, out.Bids, quote(98, 1))
}

func TestIncrementBuilderDropsIncrementWithoutSnapshot(t *testing.T) {
	b := NewIncrementBuilder(sber, nil)

	if out := b.Apply(delta(schema.QuoteStateIncrement, []schema.Quote{quote(100, 5)}, nil)); out != nil {
		t.Fatalf("increment without snapshot produced output: %v", out)
	}
	if b.State() != schema.QuoteStateNone {
		t.Fatalf("state advanced without snapshot: %v", b.State())
	}
}

func intp(v int) *int { return &v }

func positional(action schema.QuoteAction, start int, end *int, price, volume int64) schema.Quote {
	return schema.Quote{
		Price:         dec(price),
		Volume:        dec(volume),
		Action:        action,
		StartPosition: intp(start),
		EndPosition:   end,
	}
}

func TestIncrementBuilderByPositionEncoding(t *testing.T) {
	b := NewIncrementBuilder(sber, nil)

	snap := delta(schema.QuoteStateSnapshotComplete, []schema.Quote{
		positional(schema.QuoteActionNew, 0, nil, 100, 5),
		positional(schema.QuoteActionNew, 1, nil, 99, 4),
		positional(schema.QuoteActionNew, 2, nil, 98, 3),
	}, nil)
	snap.HasPositions = true

	out := b.Apply(snap)
	if out == nil {
		t.Fatal("no output for positional snapshot")
	}
	requireLevels(t, out.Bids, quote(100, 5), quote(99, 4), quote(98, 3))

	upd := delta(schema.QuoteStateIncrement, []schema.Quote{
		positional(schema.QuoteActionUpdate, 1, nil, 99, 7),
	}, nil)
	upd.HasPositions = true
	out = b.Apply(upd)
	requireLevels(t, out.Bids, quote(100, 5), quote(99, 7), quote(98, 3))

	ins := delta(schema.QuoteStateIncrement, []schema.Quote{
		positional(schema.QuoteActionNew, 0, nil, 101, 1),
	}, nil)
	ins.HasPositions = true
	out = b.Apply(ins)
	requireLevels(t, out.Bids, quote(101, 1), quote(100, 5), quote(99, 7), quote(98, 3))

	// Range delete removes an inclusive span.
	del := delta(schema.QuoteStateIncrement, []schema.Quote{
		positional(schema.QuoteActionDelete, 1, intp(2), 0, 0),
	}, nil)
	del.HasPositions = true
	out = b.Apply(del)
	requireLevels(t, out.Bids, quote(101, 1), quote(98, 3))

	// Delete without an end position removes exactly one slot.
	del1 := delta(schema.QuoteStateIncrement, []schema.Quote{
		positional(schema.QuoteActionDelete, 0, nil, 0, 0),
	}, nil)
	del1.HasPositions = true
	out = b.Apply(del1)
	requireLevels(t, out.Bids, quote(98, 3))
}
