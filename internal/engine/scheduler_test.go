package engine

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"os"
	"strings"
	"sync"
	"testing"
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

var cst = time.FixedZone("CST", 8*3600)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testConfig() *config.Config {
	return &config.Config{
		Strategy: config.StrategyConfig{
			Symbols:              []string{"IM0"},
			WatchStart:           "14:30",
			WatchEnd:             "15:00",
			Threshold1:           0.01,
			Threshold2:           0.02,
			AlertThreshold:       0.008,
			PositionSize1:        1,
			PositionSize2:        1,
			MaxPositionPerSymbol: 2,
			NotifyOnEntry:        true,
			NotifyOnExit:         true,
			NotifyOnAlert:        true,
		},
		Risk: config.RiskConfig{
			InitialEquity:     500000,
			MaxDailyLoss:      10000,
			MaxDrawdown:       0.05,
			ForceCloseOnLimit: true,
			MaxTotalPosition:  4,
		},
		Data: config.DataConfig{PollInterval: time.Minute},
	}
}

// quoteProvider serves canned quotes and calendar answers.
type quoteProvider struct {
	mu          sync.Mutex
	quotes      map[string]float64
	quoteErr    error
	tradingDay  bool
	tradingTime bool
	watchPeriod bool
}

func (p *quoteProvider) setQuote(symbol string, last float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.quotes == nil {
		p.quotes = make(map[string]float64)
	}
	p.quotes[symbol] = last
	p.quoteErr = nil
}

func (p *quoteProvider) GetMinuteBars(context.Context, string, int, int, string) ([]types.MinuteBar, error) {
	return nil, nil
}

func (p *quoteProvider) GetRealtimeQuote(_ context.Context, symbol string) (*types.Quote, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.quoteErr != nil {
		return nil, p.quoteErr
	}
	last, ok := p.quotes[symbol]
	if !ok {
		return nil, nil
	}
	return &types.Quote{Symbol: symbol, Last: last, Timestamp: time.Now()}, nil
}

func (p *quoteProvider) GetSettlementPrice(context.Context, string, string) (float64, error) {
	return 0, nil
}

func (p *quoteProvider) GetKline(context.Context, string, string, int) ([]types.MinuteBar, error) {
	return nil, nil
}

func (p *quoteProvider) IsTradingTime() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tradingTime
}

func (p *quoteProvider) IsWatchPeriod() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.watchPeriod
}

func (p *quoteProvider) IsTradingDay(time.Time) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tradingDay
}

// memStore is an in-memory Store for asserting persistence calls.
type memStore struct {
	mu      sync.Mutex
	open    []position.Position
	saved   []position.Position
	trades  []position.TradeRecord
	signals []types.Signal
}

func (s *memStore) SaveOpenPosition(p *position.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved = append(s.saved, *p)
	return nil
}

func (s *memStore) LoadOpenPositions() ([]position.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]position.Position(nil), s.open...), nil
}

func (s *memStore) RecordTrade(tr position.TradeRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trades = append(s.trades, tr)
	return nil
}

func (s *memStore) RecordSignal(sig types.Signal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.signals = append(s.signals, sig)
	return nil
}

func (s *memStore) counts() (saved, trades, signals int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.saved), len(s.trades), len(s.signals)
}

// captureSink records dispatched messages.
type captureSink struct {
	mu  sync.Mutex
	got []notify.Message
}

func (s *captureSink) Name() string { return "capture" }

func (s *captureSink) Dispatch(_ context.Context, msg notify.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got = append(s.got, msg)
	return nil
}

func (s *captureSink) titles() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.got))
	for i, m := range s.got {
		out[i] = m.Title
	}
	return out
}

type fixture struct {
	sched    *Scheduler
	provider *quoteProvider
	store    *memStore
	sink     *captureSink
	pm       *position.Manager
	rm       *risk.Manager
	strat    *strategy.Strategy
}

func newFixture(t *testing.T, cfg *config.Config) *fixture {
	t.Helper()
	logger := testLogger()
	provider := &quoteProvider{tradingDay: true}
	handler := marketdata.NewHandler(provider, nil, logger)
	calc := vwap.New(provider, logger)
	strat, err := strategy.New(cfg.Strategy, calc.RealtimeVWAP, logger)
	if err != nil {
		t.Fatalf("strategy.New: %v", err)
	}
	pm := position.NewManager(logger)
	rm := risk.NewManager(cfg.Risk, cfg.Strategy.MaxPositionPerSymbol, logger)
	rm.Initialize(cfg.Risk.InitialEquity)
	st := &memStore{}
	sink := &captureSink{}
	sched, err := New(cfg, provider, handler, calc, strat, pm, rm, st,
		notify.NewDispatcher(logger, sink), logger)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return &fixture{sched: sched, provider: provider, store: st, sink: sink, pm: pm, rm: rm, strat: strat}
}

func bar(day, hour, min int, close float64) types.MinuteBar {
	return types.MinuteBar{
		Symbol:    "IM0",
		Timestamp: time.Date(2026, 2, day, hour, min, 0, 0, cst),
		Open:      close, High: close, Low: close, Close: close,
		Volume: 100,
	}
}

func TestBuySignalOpensPositionPersistsAndNotifies(t *testing.T) {
	t.Parallel()

	f := newFixture(t, testConfig())
	ts := time.Date(2026, 2, 9, 14, 35, 0, 0, cst)
	f.sched.processSignal(context.Background(), types.Signal{
		Type: types.SignalBuyL1, Symbol: "IM0", Price: 5840, BasePrice: 5900,
		DropPct: -0.0102, Level: 1, Quantity: 1, Timestamp: ts,
	})

	if f.pm.PositionCount("IM0") != 1 {
		t.Fatalf("position count = %d, want 1", f.pm.PositionCount("IM0"))
	}
	saved, _, signals := f.store.counts()
	if saved != 1 || signals != 1 {
		t.Errorf("persisted saved=%d signals=%d, want 1/1", saved, signals)
	}
	titles := f.sink.titles()
	if len(titles) != 1 || !strings.Contains(titles[0], "开仓信号 L1") {
		t.Errorf("notifications = %v, want one L1 entry", titles)
	}
}

func TestBuySignalBlockedByPositionLimit(t *testing.T) {
	t.Parallel()

	f := newFixture(t, testConfig())
	ts := time.Date(2026, 2, 9, 14, 35, 0, 0, cst)
	f.pm.Open("IM0", 5840, 2, 1, 5900, 0, 0, ts)

	f.sched.processSignal(context.Background(), types.Signal{
		Type: types.SignalBuyL1, Symbol: "IM0", Price: 5830, BasePrice: 5900,
		Level: 1, Quantity: 1, Timestamp: ts,
	})

	if got := f.pm.PositionCount("IM0"); got != 2 {
		t.Errorf("position count = %d, want 2 (entry blocked)", got)
	}
	if len(f.sink.titles()) != 0 {
		t.Errorf("blocked entry should not notify, got %v", f.sink.titles())
	}
	// The signal itself is still recorded for the audit trail.
	if _, _, signals := f.store.counts(); signals != 1 {
		t.Errorf("signals persisted = %d, want 1", signals)
	}
}

func TestSellCloseAggregatesBothLegs(t *testing.T) {
	t.Parallel()

	f := newFixture(t, testConfig())
	entry := time.Date(2026, 2, 9, 14, 35, 0, 0, cst)
	f.pm.Open("IM0", 5840, 1, 1, 5900, 0, 0, entry)
	f.pm.Open("IM0", 5750, 1, 2, 5900, 0, 0, entry.Add(10*time.Minute))

	exit := time.Date(2026, 2, 10, 9, 31, 0, 0, cst)
	f.sched.processSignal(context.Background(), types.Signal{
		Type: types.SignalSellClose, Symbol: "IM0", Price: 5880,
		Quantity: 2, Timestamp: exit,
	})

	if f.pm.HasOpenPositions("IM0") {
		t.Fatal("positions should be flat after SELL_CLOSE")
	}
	_, trades, _ := f.store.counts()
	if trades != 2 {
		t.Errorf("trades persisted = %d, want 2", trades)
	}
	st := f.rm.Status()
	wantGross := (5880.0-5840.0)*200 + (5880.0-5750.0)*200
	if st.DailyTrades != 2 {
		t.Errorf("DailyTrades = %d, want 2", st.DailyTrades)
	}
	if st.DailyPnl >= wantGross || st.DailyPnl <= wantGross-200 {
		t.Errorf("DailyPnl = %v, want slightly under gross %v", st.DailyPnl, wantGross)
	}

	titles := f.sink.titles()
	if len(titles) != 1 || !strings.Contains(titles[0], "平仓") {
		t.Fatalf("notifications = %v, want one close message", titles)
	}
	// Weighted average entry of the two legs.
	var plain string
	f.sink.mu.Lock()
	plain = f.sink.got[0].Plain
	f.sink.mu.Unlock()
	wantAvg := fmt.Sprintf("%.2f", (5840.0+5750.0)/2)
	if !strings.Contains(plain, wantAvg) {
		t.Errorf("close message missing avg entry %s:\n%s", wantAvg, plain)
	}
}

func TestAlertSignalOnlyNotifies(t *testing.T) {
	t.Parallel()

	f := newFixture(t, testConfig())
	f.sched.processSignal(context.Background(), types.Signal{
		Type: types.SignalAlert, Symbol: "IM0", Price: 5853, BasePrice: 5900,
		DropPct: -0.008, Timestamp: time.Date(2026, 2, 9, 14, 33, 0, 0, cst),
	})

	if f.pm.PositionCount("") != 0 {
		t.Error("alert must not open a position")
	}
	titles := f.sink.titles()
	if len(titles) != 1 || !strings.Contains(titles[0], "预警") {
		t.Errorf("notifications = %v, want one alert", titles)
	}
}

func TestOnBarDrivesStrategyToEntry(t *testing.T) {
	t.Parallel()

	f := newFixture(t, testConfig())
	f.sched.onBar(bar(9, 14, 30, 5900)) // anchors the base price
	f.sched.onBar(bar(9, 14, 35, 5840)) // -1.017%

	if f.pm.PositionCount("IM0") != 1 {
		t.Fatalf("position count = %d, want 1 after threshold breach", f.pm.PositionCount("IM0"))
	}
	pos := f.pm.CurrentPositions("IM0")
	if pos[0].EntryPrice != 5840 || pos[0].BasePrice != 5900 {
		t.Errorf("entry = %+v, want price 5840 base 5900", pos[0])
	}
	if math.Abs(pos[0].DropPct-(5840.0-5900.0)/5900.0) > 1e-12 {
		t.Errorf("DropPct = %v", pos[0].DropPct)
	}
}

func TestDayOpenCloseRetriesUntilQuoteAvailable(t *testing.T) {
	t.Parallel()

	f := newFixture(t, testConfig())
	// Get the strategy and ledger into POSITION_L1 via the bar path.
	f.sched.onBar(bar(9, 14, 30, 5900))
	f.sched.onBar(bar(9, 14, 35, 5840))

	ctx := context.Background()
	next := time.Date(2026, 2, 10, 9, 31, 0, 0, cst)

	// No quote yet: nothing closes and the symbol stays pending.
	f.sched.checkDayOpenClose(ctx, next)
	if !f.pm.HasOpenPositions("IM0") {
		t.Fatal("position closed without a valid quote")
	}

	f.provider.setQuote("IM0", 5880)
	f.sched.checkDayOpenClose(ctx, next)
	if f.pm.HasOpenPositions("IM0") {
		t.Fatal("position should close once the quote arrives")
	}
	_, trades, _ := f.store.counts()
	if trades != 1 {
		t.Errorf("trades persisted = %d, want 1", trades)
	}

	// Already processed: a third call inside the window is a no-op.
	f.sched.checkDayOpenClose(ctx, next)
	if _, trades2, _ := f.store.counts(); trades2 != 1 {
		t.Errorf("repeat call closed again: trades = %d", trades2)
	}
}

func TestTickLatchesDailyJobs(t *testing.T) {
	t.Parallel()

	f := newFixture(t, testConfig())
	ctx := context.Background()
	clock := time.Date(2026, 2, 9, 9, 16, 0, 0, cst)
	f.sched.now = func() time.Time { return clock }

	f.sched.tick(ctx)
	if !f.sched.preMarketDone {
		t.Fatal("pre-market job should have run at 09:16")
	}

	clock = time.Date(2026, 2, 9, 15, 6, 0, 0, cst)
	f.sched.tick(ctx)
	if !f.sched.postMarketDone {
		t.Fatal("post-market job should have run at 15:06")
	}

	// Midnight releases the latches for the next day.
	clock = time.Date(2026, 2, 10, 0, 0, 30, 0, cst)
	f.sched.tick(ctx)
	if f.sched.preMarketDone || f.sched.postMarketDone {
		t.Error("latches should reset after midnight")
	}
}

func TestTickSkipsNonTradingDay(t *testing.T) {
	t.Parallel()

	f := newFixture(t, testConfig())
	f.provider.mu.Lock()
	f.provider.tradingDay = false
	f.provider.mu.Unlock()

	f.sched.now = func() time.Time { return time.Date(2026, 2, 9, 9, 16, 0, 0, cst) }
	f.sched.tick(context.Background())
	if f.sched.preMarketDone {
		t.Error("pre-market must not run on a non-trading day")
	}
}

func TestRiskBreachWithoutPricesLeavesPositionsOpen(t *testing.T) {
	t.Parallel()

	f := newFixture(t, testConfig())
	ts := time.Date(2026, 2, 9, 14, 35, 0, 0, cst)
	f.pm.Open("IM0", 5840, 1, 1, 5900, 0, 0, ts)
	f.rm.OnTrade(position.TradeRecord{NetPnl: -10001})

	// The handler cache has no price for IM0, so the force close skips it.
	f.sched.onBar(bar(9, 14, 40, 5845))

	if !f.pm.HasOpenPositions("IM0") {
		t.Error("position must stay open without a force-close price")
	}
	if evs := f.rm.Events(risk.EventForceClose, 0); len(evs) == 0 {
		t.Error("force close should still be recorded as attempted")
	}
}

func TestStartRecoversPositionsAndStopIsClean(t *testing.T) {
	t.Parallel()

	f := newFixture(t, testConfig())
	f.provider.mu.Lock()
	f.provider.tradingDay = false
	f.provider.mu.Unlock()
	f.store.open = []position.Position{{
		ID: "IM0-x", Symbol: "IM0", Direction: types.Long, Quantity: 1,
		EntryPrice: 5840, EntryTime: time.Date(2026, 2, 9, 14, 35, 0, 0, cst),
		Level: 1, Status: types.StatusOpen,
	}}

	if err := f.sched.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := f.sched.Start(); err != nil {
		t.Fatalf("second Start: %v", err)
	}
	if f.pm.PositionCount("IM0") != 1 {
		t.Errorf("recovered positions = %d, want 1", f.pm.PositionCount("IM0"))
	}

	st := f.sched.Status()
	if !st.Running || len(st.Symbols) != 1 {
		t.Errorf("Status = %+v, want running with one symbol", st)
	}
	if _, ok := st.Monitor["IM0"]; !ok {
		t.Error("Status.Monitor missing IM0")
	}

	f.sched.Stop()
	f.sched.Stop()
	if f.sched.Status().Running {
		t.Error("scheduler still running after Stop")
	}
}

func TestIsMonthEnd(t *testing.T) {
	t.Parallel()

	cases := []struct {
		day  time.Time
		want bool
	}{
		{time.Date(2026, 2, 27, 15, 6, 0, 0, cst), true},  // Friday, last trading day
		{time.Date(2026, 2, 26, 15, 6, 0, 0, cst), false}, // Thursday
		{time.Date(2026, 1, 30, 15, 6, 0, 0, cst), true},  // Friday before a Feb Monday
		{time.Date(2026, 2, 9, 15, 6, 0, 0, cst), false},
	}
	for _, c := range cases {
		if got := isMonthEnd(c.day); got != c.want {
			t.Errorf("isMonthEnd(%s) = %v, want %v", c.day.Format("2006-01-02"), got, c.want)
		}
	}
}

func TestPostMarketSendsMonthlyReportOnMonthEnd(t *testing.T) {
	t.Parallel()

	f := newFixture(t, testConfig())
	entry := time.Date(2026, 2, 26, 14, 35, 0, 0, cst)
	exit := time.Date(2026, 2, 27, 9, 31, 0, 0, cst)
	f.pm.Open("IM0", 5840, 1, 1, 5900, 0, 0, entry)
	f.pm.CloseAll(5880, "IM0", exit)

	f.sched.now = func() time.Time { return time.Date(2026, 2, 27, 15, 6, 0, 0, cst) }
	f.sched.postMarket()

	titles := f.sink.titles()
	if len(titles) != 1 || !strings.Contains(titles[0], "月度盈亏报告") {
		t.Fatalf("notifications = %v, want the monthly report", titles)
	}
	var plain string
	f.sink.mu.Lock()
	plain = f.sink.got[0].Plain
	f.sink.mu.Unlock()
	if !strings.Contains(plain, "2026-02") || !strings.Contains(plain, "交易 1") {
		t.Errorf("report body incomplete:\n%s", plain)
	}

	// Mid-month post-market stays silent.
	f2 := newFixture(t, testConfig())
	f2.sched.now = func() time.Time { return time.Date(2026, 2, 9, 15, 6, 0, 0, cst) }
	f2.sched.postMarket()
	if len(f2.sink.titles()) != 0 {
		t.Errorf("mid-month report sent: %v", f2.sink.titles())
	}
}

func TestGlobalSchedulerAccessor(t *testing.T) {
	f := newFixture(t, testConfig())
	SetScheduler(f.sched)
	if GetScheduler() != f.sched {
		t.Error("GetScheduler should return the installed instance")
	}
	SetScheduler(nil)
	if GetScheduler() != nil {
		t.Error("clearing the global should yield nil")
	}
}

func TestShorthandConfigSymbolClosesAtDayOpen(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Strategy.Symbols = []string{"IM"} // bare product code in the file
	f := newFixture(t, cfg)

	f.sched.onBar(bar(9, 14, 30, 5900))
	f.sched.onBar(bar(9, 14, 35, 5840))
	if f.pm.PositionCount("IM0") != 1 {
		t.Fatalf("position count = %d, want 1 under the canonical symbol", f.pm.PositionCount("IM0"))
	}

	f.provider.setQuote("IM0", 5880)
	f.sched.checkDayOpenClose(context.Background(), time.Date(2026, 2, 10, 9, 31, 0, 0, cst))
	if f.pm.HasOpenPositions("IM0") {
		t.Fatal("overnight IM0 position must close at day open")
	}

	if syms := f.sched.Status().Symbols; len(syms) != 1 || syms[0] != "IM0" {
		t.Errorf("Status symbols = %v, want [IM0]", syms)
	}
}

func TestUpdateConfigTightensRiskLimits(t *testing.T) {
	t.Parallel()

	f := newFixture(t, testConfig())
	f.provider.mu.Lock()
	f.provider.tradingDay = false
	f.provider.mu.Unlock()
	if err := f.sched.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer f.sched.Stop()

	next := testConfig()
	next.Risk.MaxDailyLoss = 1000
	if err := f.sched.UpdateConfig(next); err != nil {
		t.Fatalf("UpdateConfig: %v", err)
	}

	// A loss that was fine under the original 10000 cap now breaches.
	f.rm.OnTrade(position.TradeRecord{NetPnl: -6000})
	ev := f.rm.CheckAllRisks(f.pm)
	if ev == nil {
		t.Fatal("loss past the updated cap should fire")
	}
	if ev.Type != risk.EventDailyLossLimit {
		t.Errorf("Type = %s, want DAILY_LOSS_LIMIT", ev.Type)
	}
	if ev.Limit != 1000 {
		t.Errorf("Limit = %v, want the updated 1000", ev.Limit)
	}
}

func TestStatusReportsMarginPnlAndSessionFlags(t *testing.T) {
	t.Parallel()

	f := newFixture(t, testConfig())
	f.provider.mu.Lock()
	f.provider.tradingTime = true
	f.provider.watchPeriod = true
	f.provider.mu.Unlock()

	entry := time.Date(2026, 2, 9, 14, 35, 0, 0, cst)
	f.pm.Open("IM0", 5750, 1, 1, 5900, 0, 0, entry)
	f.pm.CloseAll(5880, "IM0", time.Date(2026, 2, 10, 9, 31, 0, 0, cst))
	f.pm.Open("IM0", 5840, 1, 1, 5900, 0, 0, entry.Add(24*time.Hour))

	st := f.sched.Status()
	if !st.IsTradingTime || !st.IsWatchPeriod {
		t.Errorf("session flags = %v/%v, want true/true from the provider",
			st.IsTradingTime, st.IsWatchPeriod)
	}
	wantMargin := 5840.0 * 200 * 0.12
	if math.Abs(st.TotalMargin-wantMargin) > 1e-6 {
		t.Errorf("TotalMargin = %v, want %v", st.TotalMargin, wantMargin)
	}
	if st.Pnl.TotalTrades != 1 || st.Pnl.TotalNet <= 0 {
		t.Errorf("Pnl = %+v, want one winning closed trade", st.Pnl)
	}
	if st.Strategy.Threshold1 != 0.01 || st.Strategy.MaxPositionPerSymbol != 2 {
		t.Errorf("Strategy snapshot = %+v, want the active config", st.Strategy)
	}
	if len(st.Positions) != 1 {
		t.Errorf("Positions = %d, want the single open lot", len(st.Positions))
	}
}

func TestUpdateConfigResubscribes(t *testing.T) {
	t.Parallel()

	f := newFixture(t, testConfig())
	f.provider.mu.Lock()
	f.provider.tradingDay = false
	f.provider.mu.Unlock()
	if err := f.sched.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer f.sched.Stop()

	next := testConfig()
	next.Strategy.Symbols = []string{"IC0"}
	if err := f.sched.UpdateConfig(next); err != nil {
		t.Fatalf("UpdateConfig: %v", err)
	}
	syms := f.sched.handler.Symbols()
	if len(syms) != 1 || syms[0] != "IC0" {
		t.Errorf("handler symbols = %v, want [IC0]", syms)
	}

	bad := testConfig()
	bad.Strategy.Symbols = nil
	if err := f.sched.UpdateConfig(bad); err == nil {
		t.Error("invalid config should be rejected")
	}
}
