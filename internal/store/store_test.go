package store

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"cnfutures-arb/internal/position"
	"cnfutures-arb/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "engine.db"), testLogger())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func samplePosition(id string, entry time.Time) *position.Position {
	return &position.Position{
		ID:         id,
		Symbol:     "IM0",
		Direction:  types.Long,
		Quantity:   1,
		EntryPrice: 5840,
		EntryTime:  entry,
		Level:      1,
		BasePrice:  5900,
		DropPct:    -0.0102,
		VWAP:       5855.5,
		Status:     types.StatusOpen,
		Margin:     140160,
	}
}

func TestSaveAndLoadOpenPositions(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	loc := time.FixedZone("CST", 8*3600)
	first := time.Date(2026, 2, 9, 14, 35, 0, 0, loc)
	second := first.Add(10 * time.Minute)

	if err := s.SaveOpenPosition(samplePosition("IM0-a", second)); err != nil {
		t.Fatalf("SaveOpenPosition: %v", err)
	}
	if err := s.SaveOpenPosition(samplePosition("IM0-b", first)); err != nil {
		t.Fatalf("SaveOpenPosition: %v", err)
	}

	got, err := s.LoadOpenPositions()
	if err != nil {
		t.Fatalf("LoadOpenPositions: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("loaded %d positions, want 2", len(got))
	}
	if got[0].ID != "IM0-b" || got[1].ID != "IM0-a" {
		t.Errorf("order = %s, %s, want entry-time ascending", got[0].ID, got[1].ID)
	}
	if got[0].EntryPrice != 5840 || got[0].Margin != 140160 {
		t.Errorf("round trip lost fields: %+v", got[0])
	}
	if got[0].Status != types.StatusOpen || got[0].Direction != types.Long {
		t.Errorf("restored status/direction wrong: %+v", got[0])
	}
}

func TestRecordTradeClosesPosition(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	loc := time.FixedZone("CST", 8*3600)
	entry := time.Date(2026, 2, 9, 14, 35, 0, 0, loc)
	exit := time.Date(2026, 2, 10, 9, 31, 0, 0, loc)

	p := samplePosition("IM0-a", entry)
	if err := s.SaveOpenPosition(p); err != nil {
		t.Fatalf("SaveOpenPosition: %v", err)
	}

	closed := *p
	closed.Status = types.StatusClosed
	closed.ExitPrice = 5880
	closed.ExitTime = exit
	closed.Fee = 53.912
	err := s.RecordTrade(position.TradeRecord{
		Position:     closed,
		GrossPnl:     8000,
		NetPnl:       7946.088,
		HoldingHours: exit.Sub(entry).Hours(),
	})
	if err != nil {
		t.Fatalf("RecordTrade: %v", err)
	}

	open, err := s.LoadOpenPositions()
	if err != nil {
		t.Fatalf("LoadOpenPositions: %v", err)
	}
	if len(open) != 0 {
		t.Errorf("position still open after RecordTrade: %v", open)
	}

	trades, err := s.RecentTrades(0)
	if err != nil {
		t.Fatalf("RecentTrades: %v", err)
	}
	if len(trades) != 1 {
		t.Fatalf("trades = %d, want 1", len(trades))
	}
	if trades[0].NetPnl != 7946.088 || trades[0].GrossPnl != 8000 {
		t.Errorf("trade P&L round trip wrong: %+v", trades[0])
	}

	window, err := s.TradesBetween(exit.Add(-time.Hour), exit.Add(time.Hour))
	if err != nil {
		t.Fatalf("TradesBetween: %v", err)
	}
	if len(window) != 1 {
		t.Errorf("window trades = %d, want 1", len(window))
	}
}

func TestRecordAndQuerySignals(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	loc := time.FixedZone("CST", 8*3600)
	base := time.Date(2026, 2, 9, 14, 35, 0, 0, loc)

	for i, typ := range []types.SignalType{types.SignalAlert, types.SignalBuyL1} {
		err := s.RecordSignal(types.Signal{
			Type:      typ,
			Symbol:    "IM0",
			Price:     5840,
			BasePrice: 5900,
			Timestamp: base.Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatalf("RecordSignal: %v", err)
		}
	}

	sigs, err := s.RecentSignals(0)
	if err != nil {
		t.Fatalf("RecentSignals: %v", err)
	}
	if len(sigs) != 2 {
		t.Fatalf("signals = %d, want 2", len(sigs))
	}
	if sigs[0].Type != string(types.SignalBuyL1) {
		t.Errorf("newest signal = %s, want BUY_L1 first", sigs[0].Type)
	}
}
