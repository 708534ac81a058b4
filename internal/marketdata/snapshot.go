package marketdata

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/parquet-go/parquet-go"

	"cnfutures-arb/pkg/types"
)

// SnapshotStore persists one parquet file of minute bars per (product, date):
// <dataDir>/<product>/<YYYY-MM-DD>.parquet. Writes are atomic (write to .tmp,
// then rename) so a crash mid-save never leaves a torn file behind.
type SnapshotStore struct {
	dir string
	mu  sync.Mutex
}

// barRow is the parquet schema. Timestamps are stored as unix milliseconds.
type barRow struct {
	Datetime int64   `parquet:"datetime"`
	Open     float64 `parquet:"open"`
	High     float64 `parquet:"high"`
	Low      float64 `parquet:"low"`
	Close    float64 `parquet:"close"`
	Volume   float64 `parquet:"volume"`
	Amount   float64 `parquet:"amount"`
}

// retentionDays is how long daily snapshots are kept before Cleanup prunes them.
const retentionDays = 30

// OpenSnapshots creates the snapshot store rooted at dir.
func OpenSnapshots(dir string) (*SnapshotStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create snapshot dir: %w", err)
	}
	return &SnapshotStore{dir: dir}, nil
}

func (s *SnapshotStore) path(product, date string) string {
	return filepath.Join(s.dir, product, date+".parquet")
}

// Save writes the bars for one (symbol, date). The product directory comes
// from the symbol; bars outside the date are the caller's responsibility.
func (s *SnapshotStore) Save(symbol, date string, bars []types.MinuteBar) error {
	if len(bars) == 0 {
		return nil
	}
	product, err := types.ParseProduct(symbol)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Join(s.dir, product), 0o755); err != nil {
		return fmt.Errorf("create product dir: %w", err)
	}

	rows := make([]barRow, len(bars))
	for i, b := range bars {
		rows[i] = barRow{
			Datetime: b.Timestamp.UnixMilli(),
			Open:     b.Open, High: b.High, Low: b.Low, Close: b.Close,
			Volume: b.Volume, Amount: b.Amount,
		}
	}

	path := s.path(product, date)
	tmp := path + ".tmp"
	if err := parquet.WriteFile(tmp, rows); err != nil {
		return fmt.Errorf("write snapshot %s: %w", path, err)
	}
	return os.Rename(tmp, path)
}

// Load reads the snapshot for one (symbol, date). Returns nil, nil when no
// snapshot exists for that day.
func (s *SnapshotStore) Load(symbol, date string, loc *time.Location) ([]types.MinuteBar, error) {
	product, err := types.ParseProduct(symbol)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.path(product, date)
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("stat snapshot %s: %w", path, err)
	}

	rows, err := parquet.ReadFile[barRow](path)
	if err != nil {
		return nil, fmt.Errorf("read snapshot %s: %w", path, err)
	}

	bars := make([]types.MinuteBar, len(rows))
	for i, r := range rows {
		bars[i] = types.MinuteBar{
			Symbol:    symbol,
			Timestamp: time.UnixMilli(r.Datetime).In(loc),
			Open:      r.Open, High: r.High, Low: r.Low, Close: r.Close,
			Volume: r.Volume, Amount: r.Amount,
		}
	}
	sort.Slice(bars, func(i, j int) bool { return bars[i].Timestamp.Before(bars[j].Timestamp) })
	return bars, nil
}

// Cleanup removes snapshot files older than the retention window.
// Returns the number of files removed.
func (s *SnapshotStore) Cleanup(now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := now.AddDate(0, 0, -retentionDays).Format("2006-01-02")
	removed := 0

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, fmt.Errorf("read snapshot dir: %w", err)
	}
	for _, product := range entries {
		if !product.IsDir() {
			continue
		}
		files, err := os.ReadDir(filepath.Join(s.dir, product.Name()))
		if err != nil {
			continue
		}
		for _, f := range files {
			name := f.Name()
			if !strings.HasSuffix(name, ".parquet") {
				continue
			}
			date := strings.TrimSuffix(name, ".parquet")
			if date < cutoff {
				if err := os.Remove(filepath.Join(s.dir, product.Name(), name)); err == nil {
					removed++
				}
			}
		}
	}
	return removed, nil
}
