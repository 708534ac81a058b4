package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func validConfig() Config {
	return Config{
		Strategy: StrategyConfig{
			Symbols:              []string{"IM0"},
			WatchStart:           "14:30",
			WatchEnd:             "15:00",
			Threshold1:           0.01,
			Threshold2:           0.02,
			AlertThreshold:       0.008,
			PositionSize1:        1,
			PositionSize2:        1,
			MaxPositionPerSymbol: 2,
		},
		Risk: RiskConfig{
			InitialEquity:    500000,
			MaxDailyLoss:     10000,
			MaxDrawdown:      0.05,
			MaxTotalPosition: 4,
		},
		Data: DataConfig{PollInterval: time.Minute},
	}
}

func TestValidateOK(t *testing.T) {
	t.Parallel()

	cfg := validConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() = %v, want nil", err)
	}
}

func TestValidateCanonicalizesSymbols(t *testing.T) {
	t.Parallel()

	cfg := validConfig()
	cfg.Strategy.Symbols = []string{"IM", "ic0", " IF "}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() = %v, want nil", err)
	}
	want := []string{"IM0", "IC0", "IF0"}
	for i, sym := range cfg.Strategy.Symbols {
		if sym != want[i] {
			t.Errorf("Symbols[%d] = %q, want %q", i, sym, want[i])
		}
	}
}

func TestValidateRejects(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"no symbols", func(c *Config) { c.Strategy.Symbols = nil }, "symbols"},
		{"unknown product", func(c *Config) { c.Strategy.Symbols = []string{"XX"} }, "symbols"},
		{"bad watch start", func(c *Config) { c.Strategy.WatchStart = "1430" }, "watch_start"},
		{"threshold2 below threshold1", func(c *Config) { c.Strategy.Threshold2 = 0.005 }, "threshold2"},
		{"alert above threshold1", func(c *Config) { c.Strategy.AlertThreshold = 0.02 }, "alert_threshold"},
		{"zero position size", func(c *Config) { c.Strategy.PositionSize1 = 0 }, "position_size"},
		{"zero daily loss", func(c *Config) { c.Risk.MaxDailyLoss = 0 }, "max_daily_loss"},
		{"drawdown above 1", func(c *Config) { c.Risk.MaxDrawdown = 1.5 }, "max_drawdown"},
		{"zero poll interval", func(c *Config) { c.Data.PollInterval = 0 }, "poll_interval"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("Validate() = nil, want error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Validate() = %q, want mention of %q", err, tt.want)
			}
		})
	}
}

func TestLoadFromYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := `
strategy:
  symbols: [IM0, IC0]
  threshold1: 0.012
risk:
  max_daily_loss: 20000
data:
  poll_interval: 30s
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.Strategy.Symbols) != 2 {
		t.Errorf("Symbols = %v, want [IM0 IC0]", cfg.Strategy.Symbols)
	}
	if cfg.Strategy.Threshold1 != 0.012 {
		t.Errorf("Threshold1 = %v, want 0.012", cfg.Strategy.Threshold1)
	}
	// Defaults fill in everything the file omits.
	if cfg.Strategy.WatchStart != "14:30" || cfg.Strategy.WatchEnd != "15:00" {
		t.Errorf("watch window = %s-%s, want 14:30-15:00", cfg.Strategy.WatchStart, cfg.Strategy.WatchEnd)
	}
	if cfg.Strategy.Threshold2 != 0.02 {
		t.Errorf("Threshold2 = %v, want default 0.02", cfg.Strategy.Threshold2)
	}
	if cfg.Risk.MaxDailyLoss != 20000 {
		t.Errorf("MaxDailyLoss = %v, want 20000", cfg.Risk.MaxDailyLoss)
	}
	if cfg.Risk.InitialEquity != 500000 {
		t.Errorf("InitialEquity = %v, want default 500000", cfg.Risk.InitialEquity)
	}
	if cfg.Data.PollInterval != 30*time.Second {
		t.Errorf("PollInterval = %v, want 30s", cfg.Data.PollInterval)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("loaded config should validate: %v", err)
	}
}

func TestParseClock(t *testing.T) {
	t.Parallel()

	got, err := ParseClock("14:30")
	if err != nil {
		t.Fatalf("ParseClock: %v", err)
	}
	if got != 14*60+30 {
		t.Errorf("ParseClock(14:30) = %d, want %d", got, 14*60+30)
	}
	if _, err := ParseClock("25:00"); err == nil {
		t.Error("ParseClock(25:00) should fail")
	}
}
