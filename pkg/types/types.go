// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the engine — minute bars, quotes,
// strategy signals, and the product specification table for the four CFFEX
// stock-index futures products. It has no dependencies on internal packages,
// so it can be imported by any layer.
package types

import (
	"fmt"
	"strings"
	"time"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// SignalType enumerates the four signals the strategy can emit.
type SignalType string

const (
	SignalBuyL1     SignalType = "BUY_L1"     // first long entry at threshold1
	SignalBuyL2     SignalType = "BUY_L2"     // add-on long entry at threshold2
	SignalAlert     SignalType = "ALERT"      // early warning before threshold1
	SignalSellClose SignalType = "SELL_CLOSE" // flatten at next day's open
)

// Direction of a position. The strategy only opens longs.
type Direction string

const (
	Long Direction = "LONG"
)

// PositionStatus tracks a position's lifecycle.
type PositionStatus string

const (
	StatusOpen   PositionStatus = "OPEN"
	StatusClosed PositionStatus = "CLOSED"
)

// ————————————————————————————————————————————————————————————————————————
// Market data
// ————————————————————————————————————————————————————————————————————————

// MinuteBar is one minute of OHLCV data for a single contract.
// Produced by the data handler, consumed by the strategy and the VWAP
// calculator, and persisted in daily snapshot files. Immutable once built.
type MinuteBar struct {
	Symbol    string    `json:"symbol"`
	Timestamp time.Time `json:"timestamp"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
	Amount    float64   `json:"amount"` // turnover in currency units, 0 if the vendor omits it
}

// Date returns the bar's trading date as YYYY-MM-DD in the bar's own location.
func (b MinuteBar) Date() string {
	return b.Timestamp.Format("2006-01-02")
}

// MinuteOfDay returns the bar's time of day in minutes since midnight.
func (b MinuteBar) MinuteOfDay() int {
	return b.Timestamp.Hour()*60 + b.Timestamp.Minute()
}

// Quote is a real-time snapshot for a single contract.
type Quote struct {
	Symbol    string    `json:"symbol"`
	Last      float64   `json:"last"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	PreClose  float64   `json:"pre_close"`
	Bid       float64   `json:"bid"`
	Ask       float64   `json:"ask"`
	Volume    float64   `json:"volume"`
	Amount    float64   `json:"amount"`
	Timestamp time.Time `json:"timestamp"`
}

// ————————————————————————————————————————————————————————————————————————
// Signals
// ————————————————————————————————————————————————————————————————————————

// Signal is an immutable trading instruction produced by the strategy.
// BUY_L1/BUY_L2 carry Level 1/2 and the lots to open; SELL_CLOSE carries the
// total lots to flatten. DropPct is signed ((close-base)/base, negative on a
// drop). VWAP is the current settlement-style VWAP estimate, 0 if unknown.
type Signal struct {
	Type      SignalType `json:"type"`
	Symbol    string     `json:"symbol"`
	Price     float64    `json:"price"`
	BasePrice float64    `json:"base_price"`
	DropPct   float64    `json:"drop_pct"`
	VWAP      float64    `json:"vwap,omitempty"`
	Level     int        `json:"level,omitempty"`    // 1 or 2, entries only
	Quantity  int        `json:"quantity"`           // lots
	Timestamp time.Time  `json:"timestamp"`
}

// ————————————————————————————————————————————————————————————————————————
// Product specifications
// ————————————————————————————————————————————————————————————————————————

// ProductSpec holds the exchange parameters for one index-futures product.
// These are contract specifications, not runtime configuration.
type ProductSpec struct {
	Code          string  // IC, IM, IF, IH
	Name          string  // underlying index name
	Multiplier    float64 // currency units per index point
	MarginRatio   float64 // exchange margin requirement
	FeeOpen       float64 // fee rate on the opening leg
	FeeClose      float64 // fee rate on an overnight closing leg
	FeeCloseToday float64 // fee rate when closing a position opened the same day
	Tick          float64 // minimum price increment
}

var productSpecs = map[string]ProductSpec{
	"IC": {Code: "IC", Name: "中证500", Multiplier: 200, MarginRatio: 0.12, FeeOpen: 0.000023, FeeClose: 0.000023, FeeCloseToday: 0.000345, Tick: 0.2},
	"IM": {Code: "IM", Name: "中证1000", Multiplier: 200, MarginRatio: 0.12, FeeOpen: 0.000023, FeeClose: 0.000023, FeeCloseToday: 0.000345, Tick: 0.2},
	"IF": {Code: "IF", Name: "沪深300", Multiplier: 300, MarginRatio: 0.10, FeeOpen: 0.000023, FeeClose: 0.000023, FeeCloseToday: 0.000345, Tick: 0.2},
	"IH": {Code: "IH", Name: "上证50", Multiplier: 300, MarginRatio: 0.10, FeeOpen: 0.000023, FeeClose: 0.000023, FeeCloseToday: 0.000345, Tick: 0.2},
}

// SpecFor resolves the product specification for a symbol, accepting both
// main-contract shorthand (IM0) and concrete month codes (IC2503).
func SpecFor(symbol string) (ProductSpec, error) {
	product, err := ParseProduct(symbol)
	if err != nil {
		return ProductSpec{}, err
	}
	return productSpecs[product], nil
}

// ParseProduct extracts the two-letter product code from a symbol.
func ParseProduct(symbol string) (string, error) {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	if len(s) < 2 {
		return "", fmt.Errorf("invalid symbol %q", symbol)
	}
	product := s[:2]
	if _, ok := productSpecs[product]; !ok {
		return "", fmt.Errorf("unknown product %q in symbol %q", product, symbol)
	}
	return product, nil
}

// NormalizeSymbol canonicalizes user-supplied symbols. A bare product code
// (IM) becomes the main-contract shorthand (IM0); everything else is upper-cased
// and validated against the product table.
func NormalizeSymbol(symbol string) (string, error) {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	if _, ok := productSpecs[s]; ok {
		return s + "0", nil
	}
	if _, err := ParseProduct(s); err != nil {
		return "", err
	}
	return s, nil
}

// IsMainContract reports whether a symbol is main-contract shorthand
// (length 3, ending in '0'), e.g. IM0, as opposed to a concrete month code.
func IsMainContract(symbol string) bool {
	return len(symbol) == 3 && symbol[2] == '0'
}
