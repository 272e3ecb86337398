package schema

import (
	"sync/atomic"
	"time"
)

// TransactionIDGenerator produces process-unique monotonic transaction ids.
// The counter is seeded from the wall clock so ids stay unique across restarts.
type TransactionIDGenerator struct {
	counter atomic.Int64
}

// NewTransactionIDGenerator constructs a generator seeded from the current time.
func NewTransactionIDGenerator() *TransactionIDGenerator {
	gen := new(TransactionIDGenerator)
	gen.counter.Store(time.Now().UnixMicro())
	return gen
}

// Next returns the next transaction id.
func (g *TransactionIDGenerator) Next() int64 {
	return g.counter.Add(1)
}

// Clock supplies the current time; injected so state machines are testable.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// SystemClock returns the wall clock.
func SystemClock() Clock { return systemClock{} }
