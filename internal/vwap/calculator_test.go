package vwap

import (
	"context"
	"log/slog"
	"math"
	"os"
	"testing"
	"time"

	"cnfutures-arb/pkg/types"
)

var cst = time.FixedZone("CST", 8*3600)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func bar(hour, min int, close, volume float64) types.MinuteBar {
	return types.MinuteBar{
		Symbol:    "IM0",
		Timestamp: time.Date(2026, 2, 9, hour, min, 0, 0, cst),
		Open:      close, High: close + 2, Low: close - 2, Close: close,
		Volume: volume,
	}
}

func TestCalculate(t *testing.T) {
	t.Parallel()

	bars := []types.MinuteBar{
		bar(14, 10, 5900, 100),
		bar(14, 20, 5910, 300),
		bar(13, 0, 4000, 1000), // outside window, ignored
	}
	got, ok := Calculate(bars, DefaultWindowStart, DefaultWindowEnd)
	if !ok {
		t.Fatal("Calculate reported no result")
	}
	want := Round2((5900*100 + 5910*300) / 400.0)
	if got != want {
		t.Errorf("Calculate = %v, want %v", got, want)
	}
}

func TestCalculateZeroVolumeFallsBackToMean(t *testing.T) {
	t.Parallel()

	bars := []types.MinuteBar{
		bar(14, 10, 5900, 0),
		bar(14, 20, 5910, 0),
	}
	got, ok := Calculate(bars, DefaultWindowStart, DefaultWindowEnd)
	if !ok {
		t.Fatal("Calculate reported no result")
	}
	if got != 5905 {
		t.Errorf("Calculate = %v, want simple mean 5905", got)
	}
}

func TestCalculateEmptyWindow(t *testing.T) {
	t.Parallel()

	if _, ok := Calculate(nil, DefaultWindowStart, DefaultWindowEnd); ok {
		t.Error("empty input should report no result")
	}
	bars := []types.MinuteBar{bar(9, 30, 5900, 100)}
	if _, ok := Calculate(bars, DefaultWindowStart, DefaultWindowEnd); ok {
		t.Error("bars entirely outside the window should report no result")
	}
}

func TestCalculateTypical(t *testing.T) {
	t.Parallel()

	bars := []types.MinuteBar{bar(14, 10, 5900, 100)}
	got, ok := CalculateTypical(bars, DefaultWindowStart, DefaultWindowEnd)
	if !ok {
		t.Fatal("CalculateTypical reported no result")
	}
	// typical = (5902 + 5898 + 5900) / 3 = 5900
	if got != 5900 {
		t.Errorf("CalculateTypical = %v, want 5900", got)
	}
}

func TestRealtimeMatchesBatch(t *testing.T) {
	t.Parallel()

	bars := []types.MinuteBar{
		bar(14, 5, 5900, 120),
		bar(14, 15, 5895, 80),
		bar(14, 25, 5910, 200),
		bar(14, 35, 5905, 150),
	}
	batch, ok := Calculate(bars, DefaultWindowStart, DefaultWindowEnd)
	if !ok {
		t.Fatal("batch failed")
	}

	c := New(nil, testLogger())
	var serial float64
	for _, b := range bars {
		serial = c.UpdateRealtime("IM0", b.Close, b.Volume)
	}
	if serial != batch {
		t.Errorf("serial accumulation = %v, batch = %v; they must agree", serial, batch)
	}
}

func TestRealtimeZeroVolumeUsesBarCount(t *testing.T) {
	t.Parallel()

	c := New(nil, testLogger())
	c.UpdateRealtime("IM0", 10, 0)
	got := c.UpdateRealtime("IM0", 20, 0)
	if got != 15 {
		t.Errorf("zero-volume realtime VWAP = %v, want mean 15", got)
	}
}

func TestRealtimeResetAndStats(t *testing.T) {
	t.Parallel()

	c := New(nil, testLogger())
	if _, ok := c.RealtimeVWAP("IM0"); ok {
		t.Error("fresh symbol should have no VWAP")
	}
	c.UpdateRealtime("IM0", 5900, 100)
	c.UpdateRealtime("IC0", 8000, 50)

	st, ok := c.RealtimeStats("IM0")
	if !ok || st.BarCount != 1 || st.SumV != 100 {
		t.Errorf("RealtimeStats = %+v,%v, want barCount 1, sumV 100", st, ok)
	}

	c.ResetRealtime("IM0")
	if _, ok := c.RealtimeVWAP("IM0"); ok {
		t.Error("reset symbol should have no VWAP")
	}
	if _, ok := c.RealtimeVWAP("IC0"); !ok {
		t.Error("other symbols must survive a single-symbol reset")
	}

	c.ResetAllRealtime()
	if _, ok := c.RealtimeVWAP("IC0"); ok {
		t.Error("ResetAllRealtime should clear every symbol")
	}
}

// settleProvider fakes the settlement lookup path.
type settleProvider struct {
	official float64
	err      error
	bars     []types.MinuteBar
	calls    int
}

func (s *settleProvider) GetMinuteBars(context.Context, string, int, int, string) ([]types.MinuteBar, error) {
	return s.bars, nil
}
func (s *settleProvider) GetRealtimeQuote(context.Context, string) (*types.Quote, error) {
	return nil, nil
}
func (s *settleProvider) GetSettlementPrice(context.Context, string, string) (float64, error) {
	s.calls++
	return s.official, s.err
}
func (s *settleProvider) GetKline(context.Context, string, string, int) ([]types.MinuteBar, error) {
	return nil, nil
}
func (s *settleProvider) IsTradingTime() bool          { return true }
func (s *settleProvider) IsWatchPeriod() bool          { return true }
func (s *settleProvider) IsTradingDay(time.Time) bool  { return true }

func TestSettlementPriceOfficial(t *testing.T) {
	t.Parallel()

	p := &settleProvider{official: 5902.456}
	c := New(p, testLogger())

	got, err := c.SettlementPrice(context.Background(), "IM0", "2026-02-09", true)
	if err != nil {
		t.Fatalf("SettlementPrice: %v", err)
	}
	if got != 5902.46 {
		t.Errorf("SettlementPrice = %v, want rounded 5902.46", got)
	}

	// Memoized: second call must not hit the provider again.
	if _, err := c.SettlementPrice(context.Background(), "IM0", "2026-02-09", true); err != nil {
		t.Fatal(err)
	}
	if p.calls != 1 {
		t.Errorf("provider called %d times, want 1 (memoized)", p.calls)
	}
}

func TestSettlementPriceFallsBackToVWAP(t *testing.T) {
	t.Parallel()

	p := &settleProvider{official: 0, bars: []types.MinuteBar{bar(14, 10, 5900, 100), bar(14, 20, 5910, 100)}}
	c := New(p, testLogger())

	got, err := c.SettlementPrice(context.Background(), "IM0", "2026-02-09", false)
	if err != nil {
		t.Fatalf("SettlementPrice: %v", err)
	}
	if got != 5905 {
		t.Errorf("SettlementPrice fallback = %v, want VWAP 5905", got)
	}
}

func TestPriceVsSettlement(t *testing.T) {
	t.Parallel()

	d := PriceVsSettlement(5910, 5900)
	if d.Deviation != 10 {
		t.Errorf("Deviation = %v, want 10", d.Deviation)
	}
	if math.Abs(d.DeviationPct-0.001695) > 1e-9 {
		t.Errorf("DeviationPct = %v, want 0.001695", d.DeviationPct)
	}

	z := PriceVsSettlement(5910, 0)
	if z.DeviationPct != 0 {
		t.Errorf("zero settlement must give DeviationPct 0, got %v", z.DeviationPct)
	}
}

func TestRounding(t *testing.T) {
	t.Parallel()

	if got := Round2(5901.005); got != 5901.01 && got != 5901.0 {
		// 5901.005 is not exactly representable; accept either neighbor.
		t.Errorf("Round2(5901.005) = %v", got)
	}
	if got := Round6(0.0016949152); got != 0.001695 {
		t.Errorf("Round6 = %v, want 0.001695", got)
	}
}
