package schema

import (
	"strings"
	"time"
)

// DataType identifies the kind of market data a subscription requests.
type DataType string

const (
	// DataTypeLevel1 subscribes to level1 field changes.
	DataTypeLevel1 DataType = "level1"
	// DataTypeMarketDepth subscribes to order book updates.
	DataTypeMarketDepth DataType = "depth"
	// DataTypeTicks subscribes to tick trades.
	DataTypeTicks DataType = "ticks"
	// DataTypeOrderLog subscribes to the raw order log.
	DataTypeOrderLog DataType = "orderlog"
	// DataTypeTransactions subscribes to own order and trade state changes.
	DataTypeTransactions DataType = "transactions"
	// DataTypeSecurities subscribes to instrument definitions.
	DataTypeSecurities DataType = "securities"
	// DataTypeNews subscribes to news items.
	DataTypeNews DataType = "news"
	// DataTypeBoard subscribes to board session state changes.
	DataTypeBoard DataType = "board"
	// DataTypePositions subscribes to position changes.
	DataTypePositions DataType = "positions"
)

const candlePrefix = "candles:"

// CandleDataType returns the data type for time-frame candles of the given frame.
func CandleDataType(frame time.Duration) DataType {
	return DataType(candlePrefix + frame.String())
}

// IsCandles reports whether the data type is a candle kind.
func (dt DataType) IsCandles() bool {
	return strings.HasPrefix(string(dt), candlePrefix)
}

// CandleFrame returns the candle time frame, or zero when the type is not a candle kind.
func (dt DataType) CandleFrame() time.Duration {
	if !dt.IsCandles() {
		return 0
	}
	frame, err := time.ParseDuration(strings.TrimPrefix(string(dt), candlePrefix))
	if err != nil {
		return 0
	}
	return frame
}

// IsMarketData reports whether the data type carries market data, as opposed
// to own transactions and position changes.
func (dt DataType) IsMarketData() bool {
	switch dt {
	case DataTypeTransactions, DataTypePositions:
		return false
	}
	return true
}

// RequiresSecurity reports whether subscriptions of this data type must name
// a security. Types that do not (news, board, securities, transactions,
// positions) treat a supplied security id as an extra filter.
func (dt DataType) RequiresSecurity() bool {
	switch dt {
	case DataTypeLevel1, DataTypeMarketDepth, DataTypeTicks, DataTypeOrderLog:
		return true
	}
	return dt.IsCandles()
}

// SecurityID identifies an instrument. The zero value addresses all
// securities for data types that allow it. Native (numeric) identifiers are
// deliberately not part of the key; they are resolved through the native id
// store.
type SecurityID struct {
	Code  string `json:"code"`
	Board string `json:"board"`
}

// IsZero reports whether the id is the all-securities sentinel.
func (s SecurityID) IsZero() bool { return s.Code == "" && s.Board == "" }

func (s SecurityID) String() string {
	if s.IsZero() {
		return "<all>"
	}
	if s.Board == "" {
		return s.Code
	}
	return s.Code + "@" + s.Board
}
