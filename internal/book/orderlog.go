package book

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/tradewire/connector/errs"
	"github.com/tradewire/connector/internal/observability"
	"github.com/tradewire/connector/internal/schedule"
	"github.com/tradewire/connector/internal/schema"
)

// OrderLogDepthBuilder replays order log rows into a working depth book for
// one security. At most one accepted order can sit unresolved as the matching
// order: an order whose price crosses the opposite side matches, but the
// matched volume is only revealed by the cancel and trade rows that follow.
type OrderLogDepthBuilder struct {
	securityID schema.SecurityID
	log        observability.Logger
	sched      *schedule.Schedule
	depth      int

	bids     *priceSide
	asks     *priceSide
	matching *schema.OrderLogMessage
	lastRow  time.Time
}

// NewOrderLogDepthBuilder constructs a builder for one security. The schedule
// drives the daily clearing flush and may be nil to disable it. A positive
// depth caps each snapshot side.
func NewOrderLogDepthBuilder(securityID schema.SecurityID, sched *schedule.Schedule, depth int, log observability.Logger) *OrderLogDepthBuilder {
	if log == nil {
		log = observability.Log()
	}
	return &OrderLogDepthBuilder{
		securityID: securityID,
		log:        log,
		sched:      sched,
		depth:      depth,
		bids:       newPriceSide(true),
		asks:       newPriceSide(false),
	}
}

// Apply replays one row. It returns the rebuilt snapshot when the book
// changed, nil for rows that leave it untouched.
func (b *OrderLogDepthBuilder) Apply(row *schema.OrderLogMessage) (*schema.QuoteChangeMessage, error) {
	if b.sched != nil && b.sched.CrossedClearing(b.lastRow, row.ServerTime) {
		b.clear()
		b.log.Info("order log book cleared on daily boundary",
			observability.Field{Key: "security", Value: b.securityID.String()},
			observability.Field{Key: "server_time", Value: row.ServerTime})
	}
	if row.ServerTime.After(b.lastRow) {
		b.lastRow = row.ServerTime
	}

	if !row.IsSystem {
		return nil, nil
	}
	if !row.TradePrice.IsZero() || row.Price.IsZero() {
		// Trade rows and zero-price rows carry no resting depth.
		return nil, nil
	}

	changed := false
	switch row.Action {
	case schema.OrderLogRegistered:
		changed = b.applyRegistered(row)
	case schema.OrderLogCanceled:
		changed = b.applyCanceled(row)
	default:
		return nil, errs.New("orderlog-builder", errs.CodeProtocol,
			errs.WithSecurityID(b.securityID.String()),
			errs.WithMessage("unknown order log action "+string(row.Action)))
	}

	if !changed {
		return nil, nil
	}
	return b.snapshot(row), nil
}

func (b *OrderLogDepthBuilder) applyRegistered(row *schema.OrderLogMessage) bool {
	if b.crosses(row) {
		if b.matching != nil {
			// The previous matching order was never settled. Drop it rather
			// than guessing which levels it consumed.
			b.log.Warn("unsettled matching order replaced",
				observability.Field{Key: "security", Value: b.securityID.String()},
				observability.Field{Key: "order_id", Value: b.matching.OrderID})
		}
		b.matching = row.Clone().(*schema.OrderLogMessage)
		return false
	}

	if !rests(row.TimeInForce) {
		// Non-crossing immediate-or-cancel order dies without resting.
		return false
	}
	b.side(row.Side).add(row.Price, row.Volume)
	return true
}

func (b *OrderLogDepthBuilder) applyCanceled(row *schema.OrderLogMessage) bool {
	changed := b.settleMatching()

	if row.CancelReason == schema.CancelReasonCrossTrade {
		// Exchange-side artifact, the resting level was never real.
		return changed
	}
	removed := b.side(row.Side).remove(row.Price, row.Volume)
	return changed || removed.IsPositive()
}

// settleMatching resolves the pending matching order: its volume consumes the
// crossed part of the opposite side, and any remainder rests when the order
// was queued rather than immediate.
func (b *OrderLogDepthBuilder) settleMatching() bool {
	if b.matching == nil {
		return false
	}
	order := b.matching
	b.matching = nil

	opposite := b.side(oppositeSide(order.Side))
	crosses := func(levelPrice, limit decimal.Decimal) bool {
		if order.Side == schema.SideBuy {
			return levelPrice.LessThanOrEqual(limit)
		}
		return levelPrice.GreaterThanOrEqual(limit)
	}
	consumed := opposite.consume(order.Volume, order.Price, crosses)

	remainder := order.Volume.Sub(consumed)
	if remainder.IsPositive() && rests(order.TimeInForce) {
		b.side(order.Side).add(order.Price, remainder)
	}
	return consumed.IsPositive() || (remainder.IsPositive() && rests(order.TimeInForce))
}

// crosses reports whether an accepted order would trade against the current
// opposite side.
func (b *OrderLogDepthBuilder) crosses(row *schema.OrderLogMessage) bool {
	best, ok := b.side(oppositeSide(row.Side)).best()
	if !ok {
		return false
	}
	if row.Side == schema.SideBuy {
		return row.Price.GreaterThanOrEqual(best.Price)
	}
	return row.Price.LessThanOrEqual(best.Price)
}

func (b *OrderLogDepthBuilder) side(s schema.Side) *priceSide {
	if s == schema.SideBuy {
		return b.bids
	}
	return b.asks
}

func oppositeSide(s schema.Side) schema.Side {
	if s == schema.SideBuy {
		return schema.SideSell
	}
	return schema.SideBuy
}

// rests reports whether an unmatched balance stays in the book.
func rests(tif schema.TimeInForce) bool {
	return tif == "" || tif == schema.TimeInForcePutInQueue
}

func (b *OrderLogDepthBuilder) clear() {
	b.bids.clear()
	b.asks.clear()
	b.matching = nil
}

func (b *OrderLogDepthBuilder) snapshot(row *schema.OrderLogMessage) *schema.QuoteChangeMessage {
	out := &schema.QuoteChangeMessage{
		SecurityID: b.securityID,
		Bids:       b.bids.snapshot(b.depth),
		Asks:       b.asks.snapshot(b.depth),
		ServerTime: row.ServerTime,
		BuiltFrom:  schema.DataTypeOrderLog,
	}
	out.SetOriginID(row.OriginID())
	return out
}
