// Package backtest replays the settlement-arbitrage rules over historical
// daily bars. The simulation is day-granular: a drop detected at a day's
// close opens at that close, and the position exits at the next day's open.
// Minute data, when provided, only refines the base price to the actual
// 14:30 bar instead of the previous close.
package backtest

import (
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"cnfutures-arb/internal/config"
	"cnfutures-arb/pkg/types"
)

const (
	riskFreeRate   = 0.03
	tradingDays    = 252
	dateLayout     = "2006-01-02"
	watchStartMins = 14*60 + 30
)

// Trade is one simulated round trip.
type Trade struct {
	Symbol     string  `json:"symbol"`
	EntryDate  string  `json:"entry_date"`
	ExitDate   string  `json:"exit_date"`
	Level      int     `json:"level"`
	Quantity   int     `json:"quantity"`
	EntryPrice float64 `json:"entry_price"`
	ExitPrice  float64 `json:"exit_price"`
	GrossPnl   float64 `json:"gross_pnl"`
	Fee        float64 `json:"fee"`
	NetPnl     float64 `json:"net_pnl"`
}

// EquityPoint is one day on the equity curve.
type EquityPoint struct {
	Date   string  `json:"date"`
	Equity float64 `json:"equity"`
}

// SymbolStats aggregates per-symbol results.
type SymbolStats struct {
	Trades  int     `json:"trades"`
	Wins    int     `json:"wins"`
	WinRate float64 `json:"win_rate"`
	NetPnl  float64 `json:"net_pnl"`
}

// Report is the full backtest result.
type Report struct {
	InitialCapital  float64                `json:"initial_capital"`
	FinalEquity     float64                `json:"final_equity"`
	TotalReturn     float64                `json:"total_return"`
	AnnualReturn    float64                `json:"annual_return"`
	SharpeRatio     float64                `json:"sharpe_ratio"`
	SortinoRatio    float64                `json:"sortino_ratio"`
	CalmarRatio     float64                `json:"calmar_ratio"`
	MaxDrawdown     float64                `json:"max_drawdown"`
	MaxDrawdownDays int                    `json:"max_drawdown_days"`
	TotalTrades     int                    `json:"total_trades"`
	Wins            int                    `json:"wins"`
	Losses          int                    `json:"losses"`
	WinRate         float64                `json:"win_rate"`
	AvgWin          float64                `json:"avg_win"`
	AvgLoss         float64                `json:"avg_loss"`
	ProfitFactor    float64                `json:"profit_factor"`
	TotalFees       float64                `json:"total_fees"`
	MonthlyReturns  map[string]float64     `json:"monthly_returns"`
	SymbolStats     map[string]SymbolStats `json:"symbol_stats"`
	EquityCurve     []EquityPoint          `json:"equity_curve"`
	Trades          []Trade                `json:"trades"`
}

// Engine runs the simulation.
type Engine struct {
	cfg    config.BacktestConfig
	strat  config.StrategyConfig
	logger *slog.Logger
}

func New(cfg config.BacktestConfig, strat config.StrategyConfig, logger *slog.Logger) *Engine {
	return &Engine{cfg: cfg, strat: strat, logger: logger.With("component", "backtest")}
}

// Run replays the rules over daily bars per symbol (ascending by timestamp).
// minuteBars is optional; it is only consulted when UseMinuteData is set.
func (e *Engine) Run(dailyBars, minuteBars map[string][]types.MinuteBar) (*Report, error) {
	if len(dailyBars) == 0 {
		return nil, fmt.Errorf("backtest: no data")
	}

	var trades []Trade
	for symbol, bars := range dailyBars {
		if len(bars) < 2 {
			continue
		}
		spec, err := types.SpecFor(symbol)
		if err != nil {
			return nil, fmt.Errorf("backtest: %w", err)
		}
		trades = append(trades, e.runSymbol(symbol, spec, bars, minuteBars[symbol])...)
	}
	sort.Slice(trades, func(i, j int) bool {
		if trades[i].ExitDate != trades[j].ExitDate {
			return trades[i].ExitDate < trades[j].ExitDate
		}
		return trades[i].Symbol < trades[j].Symbol
	})

	report := e.buildReport(trades, allDates(dailyBars))
	e.logger.Info("backtest complete",
		"trades", report.TotalTrades, "total_return", report.TotalReturn,
		"max_drawdown", report.MaxDrawdown)
	return report, nil
}

// runSymbol walks one symbol's daily bars. holding carries an open position
// from the signal day's close to the next day's open.
func (e *Engine) runSymbol(symbol string, spec types.ProductSpec, bars []types.MinuteBar, minutes []types.MinuteBar) []Trade {
	slip := e.cfg.SlippagePoints
	var trades []Trade
	var holding *Trade

	for i := 1; i < len(bars); i++ {
		bar := bars[i]
		date := bar.Date()

		if holding != nil {
			exit := bar.Open - slip
			trades = append(trades, e.close(spec, *holding, exit, date))
			holding = nil
		}

		base := bars[i-1].Close
		if e.cfg.UseMinuteData {
			if p, ok := basePriceFromMinutes(minutes, date); ok {
				base = p
			}
		}
		if base <= 0 {
			continue
		}

		dropPct := (bar.Close - base) / base
		var qty, level int
		switch {
		case dropPct <= -e.strat.Threshold2:
			qty, level = e.strat.PositionSize1+e.strat.PositionSize2, 2
		case dropPct <= -e.strat.Threshold1:
			qty, level = e.strat.PositionSize1, 1
		default:
			continue
		}
		holding = &Trade{
			Symbol:     symbol,
			EntryDate:  date,
			Level:      level,
			Quantity:   qty,
			EntryPrice: bar.Close + slip,
		}
	}

	// Data ends while holding: flatten at the last close.
	if holding != nil {
		last := bars[len(bars)-1]
		trades = append(trades, e.close(spec, *holding, last.Close-slip, last.Date()))
	}
	return trades
}

func (e *Engine) close(spec types.ProductSpec, t Trade, exitPrice float64, exitDate string) Trade {
	t.ExitPrice = exitPrice
	t.ExitDate = exitDate
	qty := float64(t.Quantity)
	t.GrossPnl = (t.ExitPrice - t.EntryPrice) * spec.Multiplier * qty
	if e.cfg.Commission {
		closeRate := spec.FeeClose
		if t.ExitDate == t.EntryDate {
			closeRate = spec.FeeCloseToday
		}
		t.Fee = t.EntryPrice*spec.Multiplier*qty*spec.FeeOpen +
			t.ExitPrice*spec.Multiplier*qty*closeRate
	}
	t.NetPnl = t.GrossPnl - t.Fee
	return t
}

// basePriceFromMinutes returns the close of the first minute bar at or after
// 14:30 on the given date.
func basePriceFromMinutes(minutes []types.MinuteBar, date string) (float64, bool) {
	for _, b := range minutes {
		if b.Date() == date && b.MinuteOfDay() >= watchStartMins {
			return b.Close, true
		}
	}
	return 0, false
}

func allDates(dailyBars map[string][]types.MinuteBar) []string {
	seen := make(map[string]struct{})
	for _, bars := range dailyBars {
		for _, b := range bars {
			seen[b.Date()] = struct{}{}
		}
	}
	dates := make([]string, 0, len(seen))
	for d := range seen {
		dates = append(dates, d)
	}
	sort.Strings(dates)
	return dates
}

func (e *Engine) buildReport(trades []Trade, dates []string) *Report {
	r := &Report{
		InitialCapital: e.cfg.InitialCapital,
		MonthlyReturns: make(map[string]float64),
		SymbolStats:    make(map[string]SymbolStats),
		Trades:         trades,
	}

	// Cumulative realized P&L indexed by exit date drives the curve.
	pnlByDate := make(map[string]float64)
	for _, t := range trades {
		pnlByDate[t.ExitDate] += t.NetPnl
		r.TotalFees += t.Fee

		r.TotalTrades++
		if t.NetPnl > 0 {
			r.Wins++
			r.AvgWin += t.NetPnl
		} else {
			r.Losses++
			r.AvgLoss += t.NetPnl
		}

		ss := r.SymbolStats[t.Symbol]
		ss.Trades++
		if t.NetPnl > 0 {
			ss.Wins++
		}
		ss.NetPnl += t.NetPnl
		r.SymbolStats[t.Symbol] = ss

		month := t.ExitDate[:7]
		r.MonthlyReturns[month] += t.NetPnl
	}
	if r.Wins > 0 {
		r.AvgWin /= float64(r.Wins)
	}
	if r.Losses > 0 {
		r.AvgLoss /= float64(r.Losses)
	}
	if r.TotalTrades > 0 {
		r.WinRate = float64(r.Wins) / float64(r.TotalTrades)
	}
	if r.AvgLoss < 0 && r.Losses > 0 && r.Wins > 0 {
		grossWin := r.AvgWin * float64(r.Wins)
		grossLoss := -r.AvgLoss * float64(r.Losses)
		if grossLoss > 0 {
			r.ProfitFactor = grossWin / grossLoss
		}
	}
	for sym, ss := range r.SymbolStats {
		if ss.Trades > 0 {
			ss.WinRate = float64(ss.Wins) / float64(ss.Trades)
		}
		r.SymbolStats[sym] = ss
	}
	// Monthly P&L expressed as a return on initial capital.
	if e.cfg.InitialCapital > 0 {
		for m, pnl := range r.MonthlyReturns {
			r.MonthlyReturns[m] = pnl / e.cfg.InitialCapital
		}
	}

	equity := e.cfg.InitialCapital
	r.EquityCurve = make([]EquityPoint, 0, len(dates))
	for _, d := range dates {
		equity += pnlByDate[d]
		r.EquityCurve = append(r.EquityCurve, EquityPoint{Date: d, Equity: equity})
	}
	r.FinalEquity = equity
	if e.cfg.InitialCapital > 0 {
		r.TotalReturn = (equity - e.cfg.InitialCapital) / e.cfg.InitialCapital
	}

	e.computeRiskMetrics(r)
	return r
}

func (e *Engine) computeRiskMetrics(r *Report) {
	curve := r.EquityCurve
	if len(curve) < 2 || r.InitialCapital <= 0 {
		return
	}

	// Daily simple returns off the curve.
	returns := make([]float64, 0, len(curve)-1)
	prev := r.InitialCapital
	for _, p := range curve {
		if prev > 0 {
			returns = append(returns, (p.Equity-prev)/prev)
		}
		prev = p.Equity
	}

	years := float64(len(curve)) / tradingDays
	if years > 0 && r.FinalEquity > 0 {
		r.AnnualReturn = math.Pow(r.FinalEquity/r.InitialCapital, 1/years) - 1
	}

	rfDaily := riskFreeRate / tradingDays
	var sum, sumSq, downSq float64
	for _, ret := range returns {
		ex := ret - rfDaily
		sum += ex
		sumSq += ex * ex
		if ex < 0 {
			downSq += ex * ex
		}
	}
	n := float64(len(returns))
	mean := sum / n
	variance := sumSq/n - mean*mean
	if variance > 0 {
		r.SharpeRatio = mean / math.Sqrt(variance) * math.Sqrt(tradingDays)
	}
	if downSq > 0 {
		r.SortinoRatio = mean / math.Sqrt(downSq/n) * math.Sqrt(tradingDays)
	}

	peak := curve[0].Equity
	peakIdx := 0
	for i, p := range curve {
		if p.Equity > peak {
			peak = p.Equity
			peakIdx = i
			continue
		}
		if peak > 0 {
			dd := (peak - p.Equity) / peak
			if dd > r.MaxDrawdown {
				r.MaxDrawdown = dd
				r.MaxDrawdownDays = i - peakIdx
			}
		}
	}
	if r.MaxDrawdown > 0 {
		r.CalmarRatio = r.AnnualReturn / r.MaxDrawdown
	}
}

// DateRange is a convenience for callers loading data: it parses the
// inclusive [start, end] strings used on the command line.
func DateRange(start, end string) (time.Time, time.Time, error) {
	s, err := time.Parse(dateLayout, start)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("backtest: start date: %w", err)
	}
	t, err := time.Parse(dateLayout, end)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("backtest: end date: %w", err)
	}
	if t.Before(s) {
		return time.Time{}, time.Time{}, fmt.Errorf("backtest: end before start")
	}
	return s, t, nil
}
