package notify

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func sampleSignal() SignalData {
	return SignalData{
		Symbol:    "IM0",
		Name:      "中证1000",
		Level:     1,
		Price:     5840,
		BasePrice: 5900,
		DropPct:   -0.0102,
		VWAP:      5855.5,
		Quantity:  1,
		Margin:    140160,
		Timestamp: time.Date(2026, 2, 9, 14, 35, 0, 0, time.FixedZone("CST", 8*3600)),
	}
}

func TestRenderBuy(t *testing.T) {
	t.Parallel()

	msg := RenderBuy(sampleSignal())
	for _, want := range []string{"开仓信号 L1", "IM0", "中证1000", "5840.00", "5900.00", "-1.02%", "140160.00"} {
		if !strings.Contains(msg.Plain, want) {
			t.Errorf("Plain missing %q:\n%s", want, msg.Plain)
		}
	}
	if !strings.HasPrefix(msg.HTML, "<b>") {
		t.Error("HTML should bold the title")
	}
}

func TestRenderSell(t *testing.T) {
	t.Parallel()

	d := sampleSignal()
	d.EntryPrice = 5840
	d.Price = 5880
	d.Quantity = 1
	d.GrossPnl = 8000
	d.Fee = 53.912
	d.NetPnl = 7946.088
	msg := RenderSell(d)
	for _, want := range []string{"平仓", "8000.00", "53.91", "7946.09"} {
		if !strings.Contains(msg.Plain, want) {
			t.Errorf("Plain missing %q:\n%s", want, msg.Plain)
		}
	}
}

func TestRenderAlert(t *testing.T) {
	t.Parallel()

	msg := RenderAlert(sampleSignal())
	if !strings.Contains(msg.Plain, "预警") || !strings.Contains(msg.Plain, "IM0") {
		t.Errorf("alert text incomplete:\n%s", msg.Plain)
	}
}

func TestRenderPnlReport(t *testing.T) {
	t.Parallel()

	msg := RenderPnlReport([]MonthlyPnl{
		{Month: "2026-01", Trades: 4, WinRate: 0.75, NetPnl: 12000},
		{Month: "2026-02", Trades: 2, WinRate: 0.5, NetPnl: -1500},
	})
	for _, want := range []string{"2026-01", "2026-02", "合计净利: 10500.00"} {
		if !strings.Contains(msg.Plain, want) {
			t.Errorf("report missing %q:\n%s", want, msg.Plain)
		}
	}
}

// recordSink captures messages and optionally fails.
type recordSink struct {
	name string
	fail bool
	got  []Message
}

func (s *recordSink) Name() string { return s.name }

func (s *recordSink) Dispatch(_ context.Context, msg Message) error {
	if s.fail {
		return errors.New("down")
	}
	s.got = append(s.got, msg)
	return nil
}

func TestDispatcherFanOutSurvivesFailingSink(t *testing.T) {
	t.Parallel()

	bad := &recordSink{name: "bad", fail: true}
	good := &recordSink{name: "good"}
	d := NewDispatcher(testLogger(), bad, good)

	err := d.Dispatch(context.Background(), Message{Title: "t", Plain: "p"})
	if err == nil {
		t.Error("Dispatch should surface the sink failure")
	}
	if len(good.got) != 1 {
		t.Errorf("good sink received %d messages, want 1", len(good.got))
	}
}

func TestDispatcherAddSink(t *testing.T) {
	t.Parallel()

	d := NewDispatcher(testLogger())
	s := &recordSink{name: "late"}
	d.AddSink(s)
	if err := d.Dispatch(context.Background(), Message{Title: "t"}); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if len(s.got) != 1 {
		t.Errorf("late sink received %d messages, want 1", len(s.got))
	}
}
