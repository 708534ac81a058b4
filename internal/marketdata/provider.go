// Package marketdata owns everything between the market-data vendor and the
// strategy layer: the Provider abstraction, the Sina adapter behind it, the
// minute-bar polling handler with its in-memory cache, and the parquet daily
// snapshot store.
package marketdata

import (
	"context"
	"time"

	"cnfutures-arb/pkg/types"
)

// Provider is the capability abstraction over a market-data vendor.
// All calls are best-effort: a provider may return fewer rows than requested
// or none at all. Implementations must bound every call with a timeout.
type Provider interface {
	// GetMinuteBars returns up to count recent minute bars for a symbol.
	// period is in minutes (1, 5, 15, 30, 60). If startDate (YYYY-MM-DD) is
	// non-empty, bars are restricted to that trading date.
	GetMinuteBars(ctx context.Context, symbol string, period, count int, startDate string) ([]types.MinuteBar, error)

	// GetRealtimeQuote returns the current quote, or nil if unavailable.
	GetRealtimeQuote(ctx context.Context, symbol string) (*types.Quote, error)

	// GetSettlementPrice returns the official settlement price for a date
	// (today if empty), or 0 if the vendor has not published one.
	GetSettlementPrice(ctx context.Context, symbol, date string) (float64, error)

	// GetKline returns historical bars for a timeframe in {1m,5m,15m,30m,1H,1D},
	// newest last, at most limit rows (limit <= 1000).
	GetKline(ctx context.Context, symbol, timeframe string, limit int) ([]types.MinuteBar, error)

	// Trading-calendar predicates, evaluated against the exchange clock.
	IsTradingTime() bool
	IsWatchPeriod() bool
	IsTradingDay(date time.Time) bool
}

// BarCallback receives each newly observed minute bar exactly once,
// in timestamp order per symbol.
type BarCallback func(bar types.MinuteBar)

// Exchange session boundaries, minutes since midnight, Asia/Shanghai.
const (
	morningOpen    = 9*60 + 30
	morningClose   = 11*60 + 30
	afternoonOpen  = 13 * 60
	afternoonClose = 15 * 60
	watchStart     = 14*60 + 30
)

// inSession reports whether t falls inside the day session
// (09:30-11:30 or 13:00-15:00).
func inSession(t time.Time) bool {
	m := t.Hour()*60 + t.Minute()
	return (m >= morningOpen && m <= morningClose) || (m >= afternoonOpen && m <= afternoonClose)
}

// inWatchPeriod reports whether t falls inside the 14:30-15:00 watch window.
func inWatchPeriod(t time.Time) bool {
	m := t.Hour()*60 + t.Minute()
	return m >= watchStart && m <= afternoonClose
}

// isWeekday is the calendar predicate used when no holiday calendar is
// available from the vendor.
func isWeekday(t time.Time) bool {
	wd := t.Weekday()
	return wd != time.Saturday && wd != time.Sunday
}
