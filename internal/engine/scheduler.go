// Package engine wires the components together and drives the trading day:
//
//	09:15  pre-market reset (strategy daily reset, realtime VWAP reset)
//	09:30  close yesterday's positions at the day-open price
//	14:30  watch window opens; minute bars flow through the strategy
//	15:05  post-market snapshot save and cleanup
//
// The scheduler owns a single goroutine ticking every 10 seconds plus the
// market-data handler's polling loop. Everything else is callback-driven.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"cnfutures-arb/internal/config"
	"cnfutures-arb/internal/marketdata"
	"cnfutures-arb/internal/notify"
	"cnfutures-arb/internal/position"
	"cnfutures-arb/internal/risk"
	"cnfutures-arb/internal/strategy"
	"cnfutures-arb/internal/vwap"
	"cnfutures-arb/pkg/types"
)

const tickInterval = 10 * time.Second

// Daily schedule boundaries, minutes since midnight.
const (
	preMarketStart  = 9*60 + 15 // 09:15
	preMarketEnd    = 9*60 + 25
	dayOpenStart    = 9*60 + 30 // 09:30
	dayOpenEnd      = 9*60 + 35
	postMarketStart = 15*60 + 5 // 15:05
	postMarketEnd   = 15*60 + 15
)

// Store is the persistence surface the scheduler needs. Satisfied by
// *store.Store; nil disables persistence.
type Store interface {
	SaveOpenPosition(p *position.Position) error
	LoadOpenPositions() ([]position.Position, error)
	RecordTrade(tr position.TradeRecord) error
	RecordSignal(sig types.Signal) error
}

// Status is a point-in-time snapshot for status queries.
type Status struct {
	Running       bool                              `json:"running"`
	StartedAt     time.Time                         `json:"started_at"`
	LastHeartbeat time.Time                         `json:"last_heartbeat"`
	IsTradingTime bool                              `json:"is_trading_time"`
	IsWatchPeriod bool                              `json:"is_watch_period"`
	Symbols       []string                          `json:"symbols"`
	Strategy      config.StrategyConfig             `json:"strategy"`
	Monitor       map[string]strategy.SymbolMonitor `json:"monitor"`
	Positions     []position.Position               `json:"positions"`
	TotalMargin   float64                           `json:"total_margin"`
	Pnl           position.Summary                  `json:"pnl"`
	Risk          risk.Status                       `json:"risk"`
}

// Scheduler orchestrates the trading day across all components.
type Scheduler struct {
	provider marketdata.Provider
	handler  *marketdata.Handler
	vwap     *vwap.Calculator
	strat    *strategy.Strategy
	pm       *position.Manager
	rm       *risk.Manager
	store    Store
	notifier *notify.Dispatcher
	logger   *slog.Logger
	loc      *time.Location
	now      func() time.Time

	mu               sync.Mutex
	cfg              *config.Config
	running          bool
	startedAt        time.Time
	heartbeat        time.Time
	preMarketDone    bool
	postMarketDone   bool
	dayOpenProcessed map[string]bool

	cancel    context.CancelFunc
	wg        sync.WaitGroup
	onBarOnce sync.Once
}

// New builds a scheduler from validated config and constructed components.
// store may be nil to run without persistence.
func New(cfg *config.Config, provider marketdata.Provider, handler *marketdata.Handler,
	calc *vwap.Calculator, strat *strategy.Strategy, pm *position.Manager,
	rm *risk.Manager, st Store, notifier *notify.Dispatcher, logger *slog.Logger) (*Scheduler, error) {

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("engine: invalid config: %w", err)
	}
	loc, err := time.LoadLocation("Asia/Shanghai")
	if err != nil {
		loc = time.FixedZone("CST", 8*3600)
	}
	return &Scheduler{
		provider:         provider,
		handler:          handler,
		vwap:             calc,
		strat:            strat,
		pm:               pm,
		rm:               rm,
		store:            st,
		notifier:         notifier,
		logger:           logger.With("component", "scheduler"),
		loc:              loc,
		now:              time.Now,
		cfg:              cfg,
		dayOpenProcessed: make(map[string]bool),
	}, nil
}

// Start recovers persisted positions, subscribes market data, and launches
// the scheduling loop. Calling Start on a running scheduler is a no-op.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	s.startedAt = s.now()
	s.heartbeat = s.startedAt
	cfg := s.cfg
	s.mu.Unlock()

	s.rm.Initialize(cfg.Risk.InitialEquity)
	s.rm.ResetDaily()

	if s.store != nil {
		open, err := s.store.LoadOpenPositions()
		if err != nil {
			s.logger.Error("position recovery failed", "error", err)
		} else if len(open) > 0 {
			s.pm.Restore(open)
			s.logger.Info("positions recovered", "count", len(open))
		}
	}

	s.handler.Subscribe(cfg.Strategy.Symbols)
	// Registrations are not deduplicated; a stop/start cycle must not
	// double-deliver bars.
	s.onBarOnce.Do(func() { s.handler.OnBar(s.onBar) })
	s.handler.StartPolling(cfg.Data.PollInterval)

	ctx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go s.loop(ctx)

	s.logger.Info("engine started",
		"symbols", cfg.Strategy.Symbols, "poll_interval", cfg.Data.PollInterval)
	return nil
}

// Stop halts polling and the loop, then saves snapshots. Bounded at 10s.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.handler.Stop()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		s.logger.Warn("scheduler loop did not stop in time")
	}

	s.handler.SaveAllAndCleanup()
	s.logger.Info("engine stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	s.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick runs the time-gated daily jobs. Each job latches a done flag so it
// fires once per day even though the loop revisits its window.
func (s *Scheduler) tick(ctx context.Context) {
	now := s.now().In(s.loc)
	m := now.Hour()*60 + now.Minute()

	s.mu.Lock()
	s.heartbeat = now
	// New day: release the latches before anything can run.
	if m < 1 {
		s.preMarketDone = false
		s.postMarketDone = false
		s.dayOpenProcessed = make(map[string]bool)
	}
	preDue := !s.preMarketDone && m >= preMarketStart && m < preMarketEnd
	openDue := m >= dayOpenStart && m < dayOpenEnd
	postDue := !s.postMarketDone && m >= postMarketStart && m < postMarketEnd
	s.mu.Unlock()

	if !s.provider.IsTradingDay(now) {
		return
	}
	if preDue {
		s.preMarket()
	}
	if openDue {
		s.checkDayOpenClose(ctx, now)
	}
	if postDue {
		s.postMarket()
	}
}

// preMarket resets the per-day strategy and risk state. Open positions
// survive: the day-open close at 09:30 needs them.
func (s *Scheduler) preMarket() {
	s.strat.ResetDaily()
	s.rm.ResetDaily()
	s.vwap.ResetAllRealtime()

	s.mu.Lock()
	s.preMarketDone = true
	s.mu.Unlock()

	s.logger.Info("pre-market reset complete")
}

// checkDayOpenClose flattens yesterday's positions at the day-open price.
// A symbol whose quote fails is retried on the next tick inside the window.
func (s *Scheduler) checkDayOpenClose(ctx context.Context, now time.Time) {
	s.mu.Lock()
	symbols := append([]string(nil), s.cfg.Strategy.Symbols...)
	s.mu.Unlock()

	for _, symbol := range symbols {
		s.mu.Lock()
		done := s.dayOpenProcessed[symbol]
		s.mu.Unlock()
		if done || !s.pm.HasOpenPositions(symbol) {
			s.mu.Lock()
			s.dayOpenProcessed[symbol] = true
			s.mu.Unlock()
			continue
		}

		quote, err := s.provider.GetRealtimeQuote(ctx, symbol)
		if err != nil || quote == nil || quote.Last <= 0 {
			s.logger.Warn("day-open quote unavailable, will retry", "symbol", symbol, "error", err)
			continue
		}

		if sig := s.strat.OnDayOpen(symbol, quote.Last, now); sig != nil {
			s.processSignal(ctx, *sig)
		}
		s.mu.Lock()
		s.dayOpenProcessed[symbol] = true
		s.mu.Unlock()
	}
}

// postMarket persists today's bars and prunes old snapshot files. On the
// month's last trading day it also sends the monthly P&L report.
func (s *Scheduler) postMarket() {
	s.handler.SaveAllAndCleanup()

	now := s.now().In(s.loc)
	if isMonthEnd(now) {
		s.sendMonthlyReport(context.Background(), now)
	}

	s.mu.Lock()
	s.postMarketDone = true
	s.mu.Unlock()

	s.logger.Info("post-market save complete")
}

// isMonthEnd reports whether the next weekday falls in a different month.
func isMonthEnd(t time.Time) bool {
	next := t.AddDate(0, 0, 1)
	for next.Weekday() == time.Saturday || next.Weekday() == time.Sunday {
		next = next.AddDate(0, 0, 1)
	}
	return next.Month() != t.Month()
}

// sendMonthlyReport aggregates this month's closed trades from the ledger.
func (s *Scheduler) sendMonthlyReport(ctx context.Context, now time.Time) {
	start := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, s.loc)
	trades := s.pm.TradeHistory("", start, now.AddDate(0, 0, 1), 0)
	if len(trades) == 0 {
		return
	}

	row := notify.MonthlyPnl{Month: now.Format("2006-01")}
	var wins int
	for _, tr := range trades {
		row.Trades++
		row.GrossPnl += tr.GrossPnl
		row.NetPnl += tr.NetPnl
		if tr.NetPnl > 0 {
			wins++
		}
	}
	row.WinRate = float64(wins) / float64(row.Trades)
	s.dispatch(ctx, notify.RenderPnlReport([]notify.MonthlyPnl{row}))
}

// onBar is the market-data callback: feed the realtime VWAP, run the
// strategy, then re-evaluate risk while positions are open.
func (s *Scheduler) onBar(bar types.MinuteBar) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("bar handler panic", "symbol", bar.Symbol, "panic", r,
				"stack", string(debug.Stack()))
		}
	}()

	ctx := context.Background()

	// Realtime VWAP accumulates over the last trading hour.
	if m := bar.MinuteOfDay(); m >= 14*60 && m <= 15*60 {
		s.vwap.UpdateRealtime(bar.Symbol, bar.Close, bar.Volume)
	}

	for _, sig := range s.strat.OnBar(bar) {
		s.processSignal(ctx, sig)
	}

	if s.pm.HasOpenPositions("") {
		if ev := s.rm.CheckAllRisks(s.pm); ev != nil {
			s.handleRiskEvent(ctx, ev)
		}
	}
}

// processSignal routes one strategy signal to positions, risk, persistence,
// and notifications.
func (s *Scheduler) processSignal(ctx context.Context, sig types.Signal) {
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	if s.store != nil {
		if err := s.store.RecordSignal(sig); err != nil {
			s.logger.Error("signal persistence failed", "error", err)
		}
	}

	switch sig.Type {
	case types.SignalBuyL1, types.SignalBuyL2:
		if ev := s.rm.CheckPositionLimit(sig.Symbol, s.pm); ev != nil {
			s.logger.Warn("entry blocked by position limit",
				"symbol", sig.Symbol, "type", sig.Type, "message", ev.Message)
			return
		}
		pos, err := s.pm.Open(sig.Symbol, sig.Price, sig.Quantity, sig.Level,
			sig.BasePrice, sig.DropPct, sig.VWAP, sig.Timestamp)
		if err != nil {
			s.logger.Error("open failed", "symbol", sig.Symbol, "error", err)
			return
		}
		if s.store != nil {
			if err := s.store.SaveOpenPosition(pos); err != nil {
				s.logger.Error("position persistence failed", "id", pos.ID, "error", err)
			}
		}
		if cfg.Strategy.NotifyOnEntry {
			s.dispatch(ctx, notify.RenderBuy(s.signalData(sig, pos)))
		}

	case types.SignalSellClose:
		trades := s.pm.CloseAll(sig.Price, sig.Symbol, sig.Timestamp)
		if len(trades) == 0 {
			return
		}
		var gross, net, fee, weighted float64
		var qty int
		for _, tr := range trades {
			s.rm.OnTrade(tr)
			if s.store != nil {
				if err := s.store.RecordTrade(tr); err != nil {
					s.logger.Error("trade persistence failed", "id", tr.Position.ID, "error", err)
				}
			}
			gross += tr.GrossPnl
			net += tr.NetPnl
			fee += tr.Position.Fee
			weighted += tr.Position.EntryPrice * float64(tr.Position.Quantity)
			qty += tr.Position.Quantity
		}
		if cfg.Strategy.NotifyOnExit {
			d := s.signalData(sig, nil)
			d.Quantity = qty
			d.GrossPnl = gross
			d.NetPnl = net
			d.Fee = fee
			if qty > 0 {
				d.EntryPrice = weighted / float64(qty)
			}
			s.dispatch(ctx, notify.RenderSell(d))
		}

	case types.SignalAlert:
		if cfg.Strategy.NotifyOnAlert {
			s.dispatch(ctx, notify.RenderAlert(s.signalData(sig, nil)))
		}
	}
}

// handleRiskEvent force-closes everything when configured to. Symbols
// without a fresh price stay open and are logged.
func (s *Scheduler) handleRiskEvent(ctx context.Context, ev *risk.Event) {
	s.mu.Lock()
	force := s.cfg.Risk.ForceCloseOnLimit
	s.mu.Unlock()
	if !force {
		return
	}

	prices := make(map[string]float64)
	for _, p := range s.pm.CurrentPositions("") {
		if _, ok := prices[p.Symbol]; ok {
			continue
		}
		if last, ok := s.handler.GetLatestPrice(p.Symbol); ok && last > 0 {
			prices[p.Symbol] = last
		} else {
			s.logger.Warn("no price for force close, leaving open", "symbol", p.Symbol)
		}
	}
	trades := s.rm.ForceCloseAll(s.pm, prices, string(ev.Type)+": "+ev.Message)
	if s.store != nil {
		for _, tr := range trades {
			if err := s.store.RecordTrade(tr); err != nil {
				s.logger.Error("trade persistence failed", "id", tr.Position.ID, "error", err)
			}
		}
	}
}

func (s *Scheduler) signalData(sig types.Signal, pos *position.Position) notify.SignalData {
	d := notify.SignalData{
		Symbol:    sig.Symbol,
		Level:     sig.Level,
		Price:     sig.Price,
		BasePrice: sig.BasePrice,
		DropPct:   sig.DropPct,
		VWAP:      sig.VWAP,
		Quantity:  sig.Quantity,
		Timestamp: sig.Timestamp,
	}
	if spec, err := types.SpecFor(sig.Symbol); err == nil {
		d.Name = spec.Name
	}
	if pos != nil {
		d.Margin = pos.Margin
	}
	return d
}

func (s *Scheduler) dispatch(ctx context.Context, msg notify.Message) {
	if s.notifier == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := s.notifier.Dispatch(ctx, msg); err != nil {
		s.logger.Error("notification dispatch failed", "title", msg.Title, "error", err)
	}
}

// UpdateConfig validates and swaps the configuration at runtime. Symbol
// changes re-subscribe market data; overlapping strategy state survives.
func (s *Scheduler) UpdateConfig(cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("engine: invalid config: %w", err)
	}
	if err := s.strat.UpdateConfig(cfg.Strategy); err != nil {
		return err
	}
	s.rm.UpdateConfig(cfg.Risk, cfg.Strategy.MaxPositionPerSymbol)

	s.mu.Lock()
	old := s.cfg
	s.cfg = cfg
	running := s.running
	s.mu.Unlock()

	if running && !equalSymbols(old.Strategy.Symbols, cfg.Strategy.Symbols) {
		s.handler.Subscribe(cfg.Strategy.Symbols)
	}
	s.logger.Info("config updated", "symbols", cfg.Strategy.Symbols)
	return nil
}

func equalSymbols(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	seen := make(map[string]bool, len(a))
	for _, s := range a {
		seen[s] = true
	}
	for _, s := range b {
		if !seen[s] {
			return false
		}
	}
	return true
}

// Status returns a snapshot across all components.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	st := Status{
		Running:       s.running,
		StartedAt:     s.startedAt,
		LastHeartbeat: s.heartbeat,
		Symbols:       append([]string(nil), s.cfg.Strategy.Symbols...),
		Strategy:      s.cfg.Strategy,
	}
	s.mu.Unlock()

	st.IsTradingTime = s.provider.IsTradingTime()
	st.IsWatchPeriod = s.provider.IsWatchPeriod()
	st.Monitor = s.strat.MonitorData()
	st.Positions = s.pm.CurrentPositions("")
	st.TotalMargin = s.pm.TotalMarginUsed()
	st.Pnl = s.pm.PnlSummary()
	st.Risk = s.rm.Status()
	return st
}
