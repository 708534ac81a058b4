// Package vwap computes settlement-style volume-weighted average prices over
// minute bars, both in batch over a time window and incrementally in real time.
// CFFEX settles index futures at the last-hour VWAP, so the 14:00-15:00 window
// is the default and the computed VWAP doubles as a settlement-price fallback
// when the exchange has not published one yet.
package vwap

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"

	"cnfutures-arb/internal/marketdata"
	"cnfutures-arb/pkg/types"
)

// Default settlement window, minutes since midnight.
const (
	DefaultWindowStart = 14 * 60
	DefaultWindowEnd   = 15 * 60
)

// accumulator is the incremental per-symbol VWAP state.
type accumulator struct {
	sumPV    float64
	sumV     float64
	barCount int
}

// Stats is a snapshot of one symbol's real-time accumulator.
type Stats struct {
	VWAP     float64
	SumPV    float64
	SumV     float64
	BarCount int
}

// Calculator computes batch and real-time VWAPs and memoizes settlement
// prices by (symbol, date). Safe for concurrent use.
type Calculator struct {
	provider marketdata.Provider
	logger   *slog.Logger

	mu          sync.Mutex
	realtime    map[string]*accumulator
	settleCache map[string]float64 // "symbol|date" -> price
}

// New builds a calculator. provider may be nil when only batch and real-time
// calculations are needed (e.g. in backtests).
func New(provider marketdata.Provider, logger *slog.Logger) *Calculator {
	return &Calculator{
		provider:    provider,
		logger:      logger.With("component", "vwap"),
		realtime:    make(map[string]*accumulator),
		settleCache: make(map[string]float64),
	}
}

// Calculate returns the close-price VWAP of bars whose time of day falls in
// [startMin, endMin]. Zero total volume falls back to the simple mean of the
// closes. The second return is false when no bars fall inside the window.
func Calculate(bars []types.MinuteBar, startMin, endMin int) (float64, bool) {
	return calculate(bars, startMin, endMin, func(b types.MinuteBar) float64 { return b.Close })
}

// CalculateTypical is Calculate with the typical price (H+L+C)/3.
func CalculateTypical(bars []types.MinuteBar, startMin, endMin int) (float64, bool) {
	return calculate(bars, startMin, endMin, func(b types.MinuteBar) float64 {
		return (b.High + b.Low + b.Close) / 3
	})
}

func calculate(bars []types.MinuteBar, startMin, endMin int, price func(types.MinuteBar) float64) (float64, bool) {
	var sumPV, sumV, sumP float64
	n := 0
	for _, b := range bars {
		m := b.MinuteOfDay()
		if m < startMin || m > endMin {
			continue
		}
		p := price(b)
		sumPV += p * b.Volume
		sumV += b.Volume
		sumP += p
		n++
	}
	if n == 0 {
		return 0, false
	}
	if sumV == 0 {
		return Round2(sumP / float64(n)), true
	}
	return Round2(sumPV / sumV), true
}

// UpdateRealtime folds one (price, volume) observation into a symbol's
// accumulator and returns the current VWAP.
func (c *Calculator) UpdateRealtime(symbol string, price, volume float64) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	acc := c.realtime[symbol]
	if acc == nil {
		acc = &accumulator{}
		c.realtime[symbol] = acc
	}
	acc.sumPV += price * volume
	acc.sumV += volume
	acc.barCount++
	return Round2(acc.vwap())
}

func (a *accumulator) vwap() float64 {
	if a.sumV == 0 {
		if a.barCount == 0 {
			return 0
		}
		return a.sumPV / float64(a.barCount)
	}
	return a.sumPV / a.sumV
}

// RealtimeVWAP returns the current VWAP for a symbol, false if no updates yet.
func (c *Calculator) RealtimeVWAP(symbol string) (float64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	acc := c.realtime[symbol]
	if acc == nil || acc.barCount == 0 {
		return 0, false
	}
	return Round2(acc.vwap()), true
}

// RealtimeStats returns the raw accumulator state for a symbol.
func (c *Calculator) RealtimeStats(symbol string) (Stats, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	acc := c.realtime[symbol]
	if acc == nil {
		return Stats{}, false
	}
	return Stats{VWAP: Round2(acc.vwap()), SumPV: acc.sumPV, SumV: acc.sumV, BarCount: acc.barCount}, true
}

// ResetRealtime clears one symbol's accumulator.
func (c *Calculator) ResetRealtime(symbol string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.realtime, symbol)
}

// ResetAllRealtime clears every accumulator.
func (c *Calculator) ResetAllRealtime() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.realtime = make(map[string]*accumulator)
}

// SettlementPrice returns the settlement price for a date (today if empty).
// It tries the official vendor figure first and falls back to computing the
// last-hour VWAP from that day's minute bars. Results are memoized by
// (symbol, date) unless useCache is false.
func (c *Calculator) SettlementPrice(ctx context.Context, symbol, date string, useCache bool) (float64, error) {
	if c.provider == nil {
		return 0, fmt.Errorf("no provider configured")
	}
	key := symbol + "|" + date

	if useCache {
		c.mu.Lock()
		if p, ok := c.settleCache[key]; ok {
			c.mu.Unlock()
			return p, nil
		}
		c.mu.Unlock()
	}

	price, err := c.provider.GetSettlementPrice(ctx, symbol, date)
	if err != nil || price <= 0 {
		if err != nil {
			c.logger.Warn("official settlement unavailable, falling back to VWAP",
				"symbol", symbol, "date", date, "error", err)
		}
		bars, berr := c.provider.GetMinuteBars(ctx, symbol, 1, 0, date)
		if berr != nil {
			return 0, fmt.Errorf("settlement fallback for %s %s: %w", symbol, date, berr)
		}
		v, ok := Calculate(bars, DefaultWindowStart, DefaultWindowEnd)
		if !ok {
			return 0, fmt.Errorf("settlement fallback for %s %s: no bars in window", symbol, date)
		}
		price = v
	}
	price = Round2(price)

	c.mu.Lock()
	c.settleCache[key] = price
	c.mu.Unlock()
	return price, nil
}

// ClearCache drops memoized settlement prices and all real-time state.
func (c *Calculator) ClearCache() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.settleCache = make(map[string]float64)
	c.realtime = make(map[string]*accumulator)
}

// Deviation is the result of comparing a live price against settlement.
type Deviation struct {
	Deviation    float64 // current - settlement
	DeviationPct float64 // fraction of settlement, 0 when settlement is 0
}

// PriceVsSettlement compares a current price to a settlement price. Zero-safe.
func PriceVsSettlement(current, settlement float64) Deviation {
	d := Deviation{Deviation: Round2(current - settlement)}
	if settlement != 0 {
		d.DeviationPct = Round6((current - settlement) / settlement)
	}
	return d
}

// Round2 rounds to 2 decimal places (prices).
func Round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// Round6 rounds to 6 decimal places (percentages).
func Round6(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}
