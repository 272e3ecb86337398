package book

import (
	"github.com/tradewire/connector/internal/observability"
	"github.com/tradewire/connector/internal/schema"
)

// IncrementBuilder converts one security's stream of state-tagged book deltas
// into full sorted snapshots. It supports the by-price encoding (zero volume
// removes a level) and the by-position encoding (index-addressed operations);
// a stream uses one encoding consistently.
type IncrementBuilder struct {
	securityID schema.SecurityID
	log        observability.Logger

	state      schema.QuoteState
	bids       *priceSide
	asks       *priceSide
	posBids    []schema.Quote
	posAsks    []schema.Quote
	positional bool
}

// NewIncrementBuilder constructs a builder for one security.
func NewIncrementBuilder(securityID schema.SecurityID, log observability.Logger) *IncrementBuilder {
	if log == nil {
		log = observability.Log()
	}
	return &IncrementBuilder{
		securityID: securityID,
		log:        log,
		bids:       newPriceSide(true),
		asks:       newPriceSide(false),
	}
}

// State returns the current protocol phase.
func (b *IncrementBuilder) State() schema.QuoteState { return b.state }

// Apply folds a delta into the working book. It returns a full snapshot when
// the book is consistent after the delta, and nil while a multi-part snapshot
// is still building or the delta had to be dropped.
func (b *IncrementBuilder) Apply(msg *schema.QuoteChangeMessage) *schema.QuoteChangeMessage {
	next := msg.State

	if !b.validTransition(next) {
		b.log.Warn("unexpected book state transition",
			observability.Field{Key: "security", Value: b.securityID.String()},
			observability.Field{Key: "from", Value: string(b.state)},
			observability.Field{Key: "to", Value: string(next)})
		if next == schema.QuoteStateIncrement && b.state != schema.QuoteStateSnapshotComplete && b.state != schema.QuoteStateIncrement {
			// No snapshot base to apply the delta onto.
			return nil
		}
	}

	switch next {
	case schema.QuoteStateSnapshotStarted:
		b.reset(msg.HasPositions)
	case schema.QuoteStateSnapshotComplete:
		// A standalone complete snapshot supersedes the current book. Leaving
		// a multi-part build keeps the accumulated parts.
		if b.state != schema.QuoteStateSnapshotStarted && b.state != schema.QuoteStateSnapshotBuilding {
			b.reset(msg.HasPositions)
		}
	}
	b.state = next

	if b.positional {
		b.posBids = applyPositional(b.posBids, msg.Bids, b.log)
		b.posAsks = applyPositional(b.posAsks, msg.Asks, b.log)
	} else {
		for _, q := range msg.Bids {
			b.bids.upsert(q)
		}
		for _, q := range msg.Asks {
			b.asks.upsert(q)
		}
	}

	if b.state != schema.QuoteStateSnapshotComplete && b.state != schema.QuoteStateIncrement {
		return nil
	}
	return b.Snapshot(msg)
}

// Snapshot materializes the current book as a full snapshot message, copying
// routing metadata from the triggering delta.
func (b *IncrementBuilder) Snapshot(from *schema.QuoteChangeMessage) *schema.QuoteChangeMessage {
	out := &schema.QuoteChangeMessage{
		SecurityID: b.securityID,
		ServerTime: from.ServerTime,
		BuiltFrom:  from.BuiltFrom,
	}
	out.SetOriginID(from.OriginID())
	out.SetSubscriptionIDs(from.SubscriptionIDs())
	if b.positional {
		out.Bids = append([]schema.Quote(nil), b.posBids...)
		out.Asks = append([]schema.Quote(nil), b.posAsks...)
	} else {
		out.Bids = b.bids.snapshot(0)
		out.Asks = b.asks.snapshot(0)
	}
	return out
}

func (b *IncrementBuilder) reset(positional bool) {
	b.bids.clear()
	b.asks.clear()
	b.posBids = nil
	b.posAsks = nil
	b.positional = positional
}

func (b *IncrementBuilder) validTransition(next schema.QuoteState) bool {
	switch b.state {
	case schema.QuoteStateNone:
		return next == schema.QuoteStateSnapshotStarted || next == schema.QuoteStateSnapshotComplete
	case schema.QuoteStateSnapshotStarted, schema.QuoteStateSnapshotBuilding:
		return next == schema.QuoteStateSnapshotBuilding || next == schema.QuoteStateSnapshotComplete
	case schema.QuoteStateSnapshotComplete, schema.QuoteStateIncrement:
		return next != schema.QuoteStateSnapshotBuilding
	}
	return false
}

// applyPositional folds index-addressed operations into a best-first sequence.
func applyPositional(side []schema.Quote, ops []schema.Quote, log observability.Logger) []schema.Quote {
	for _, op := range ops {
		if op.StartPosition == nil {
			log.Warn("positional book operation without position",
				observability.Field{Key: "action", Value: string(op.Action)})
			continue
		}
		pos := *op.StartPosition

		switch op.Action {
		case schema.QuoteActionNew:
			if pos < 0 || pos > len(side) {
				log.Warn("positional insert out of range",
					observability.Field{Key: "position", Value: pos},
					observability.Field{Key: "depth", Value: len(side)})
				continue
			}
			level := op
			level.Action = ""
			level.StartPosition = nil
			level.EndPosition = nil
			side = append(side, schema.Quote{})
			copy(side[pos+1:], side[pos:])
			side[pos] = level

		case schema.QuoteActionUpdate:
			if pos < 0 || pos >= len(side) {
				log.Warn("positional update out of range",
					observability.Field{Key: "position", Value: pos},
					observability.Field{Key: "depth", Value: len(side)})
				continue
			}
			level := op
			level.Action = ""
			level.StartPosition = nil
			level.EndPosition = nil
			side[pos] = level

		case schema.QuoteActionDelete:
			end := pos
			if op.EndPosition != nil {
				end = *op.EndPosition
			}
			if pos < 0 || end >= len(side) || end < pos {
				log.Warn("positional delete out of range",
					observability.Field{Key: "start", Value: pos},
					observability.Field{Key: "end", Value: end},
					observability.Field{Key: "depth", Value: len(side)})
				continue
			}
			side = append(side[:pos], side[end+1:]...)
		}
	}
	return side
}
