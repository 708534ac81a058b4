package marketdata

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"cnfutures-arb/pkg/types"
)

// barsPerPoll is how many recent bars are requested per symbol on each tick.
// Wide enough to cover a missed poll or two without re-fetching the day.
const barsPerPoll = 10

// Handler owns the minute-bar pipeline: subscription set, cooperative polling
// of the provider during market hours, per-symbol dedup and in-memory cache,
// daily parquet snapshots, and fan-out of new bars to registered callbacks.
//
// All public methods are safe for concurrent use. Callbacks are invoked
// outside the handler lock and must not call back into Subscribe/Unsubscribe/
// Stop from the callback goroutine.
type Handler struct {
	provider  Provider
	snapshots *SnapshotStore
	logger    *slog.Logger
	loc       *time.Location

	mu        sync.RWMutex
	symbols   map[string]struct{}
	cache     map[string][]types.MinuteBar
	lastSeen  map[string]time.Time
	callbacks []BarCallback

	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewHandler builds the handler. snapshots may be nil to disable persistence.
func NewHandler(provider Provider, snapshots *SnapshotStore, logger *slog.Logger) *Handler {
	loc, err := time.LoadLocation("Asia/Shanghai")
	if err != nil {
		loc = time.FixedZone("CST", 8*3600)
	}
	return &Handler{
		provider:  provider,
		snapshots: snapshots,
		logger:    logger.With("component", "data_handler"),
		loc:       loc,
		symbols:   make(map[string]struct{}),
		cache:     make(map[string][]types.MinuteBar),
		lastSeen:  make(map[string]time.Time),
	}
}

// Subscribe replaces the subscription set. New symbols get an empty cache,
// warm-loaded from today's snapshot when one exists. Symbols dropped from the
// set lose their cache entirely.
func (h *Handler) Subscribe(symbols []string) {
	today := time.Now().In(h.loc).Format("2006-01-02")

	h.mu.Lock()
	defer h.mu.Unlock()

	next := make(map[string]struct{}, len(symbols))
	for _, raw := range symbols {
		sym, err := types.NormalizeSymbol(raw)
		if err != nil {
			h.logger.Warn("skipping invalid symbol", "symbol", raw, "error", err)
			continue
		}
		next[sym] = struct{}{}
		if _, ok := h.symbols[sym]; ok {
			continue
		}
		h.cache[sym] = nil
		if h.snapshots != nil {
			if bars, err := h.snapshots.Load(sym, today, h.loc); err != nil {
				h.logger.Warn("snapshot warm-load failed", "symbol", sym, "error", err)
			} else if len(bars) > 0 {
				h.cache[sym] = bars
				h.lastSeen[sym] = bars[len(bars)-1].Timestamp
				h.logger.Info("warm-loaded snapshot", "symbol", sym, "bars", len(bars))
			}
		}
	}

	for sym := range h.symbols {
		if _, ok := next[sym]; !ok {
			delete(h.cache, sym)
			delete(h.lastSeen, sym)
		}
	}
	h.symbols = next
}

// Unsubscribe removes the named symbols, or everything when symbols is nil.
func (h *Handler) Unsubscribe(symbols []string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if symbols == nil {
		h.symbols = make(map[string]struct{})
		h.cache = make(map[string][]types.MinuteBar)
		h.lastSeen = make(map[string]time.Time)
		return
	}
	for _, raw := range symbols {
		sym, err := types.NormalizeSymbol(raw)
		if err != nil {
			continue
		}
		delete(h.symbols, sym)
		delete(h.cache, sym)
		delete(h.lastSeen, sym)
	}
}

// Symbols returns the current subscription set.
func (h *Handler) Symbols() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.symbols))
	for sym := range h.symbols {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}

// OnBar registers a callback for newly observed bars. Every registration
// receives every bar; register once per consumer.
func (h *Handler) OnBar(cb BarCallback) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.callbacks = append(h.callbacks, cb)
}

// StartPolling begins the background polling worker. No-op if already running.
func (h *Handler) StartPolling(interval time.Duration) {
	h.mu.Lock()
	if h.running {
		h.mu.Unlock()
		return
	}
	h.running = true
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	h.mu.Unlock()

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		h.pollLoop(ctx, interval)
	}()
	h.logger.Info("polling started", "interval", interval)
}

// Stop signals the polling worker and waits for it to exit.
func (h *Handler) Stop() {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return
	}
	h.running = false
	cancel := h.cancel
	h.mu.Unlock()

	cancel()
	h.wg.Wait()
	h.logger.Info("polling stopped")
}

func (h *Handler) pollLoop(ctx context.Context, interval time.Duration) {
	// Poll immediately, then on the ticker.
	h.pollOnce(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.pollOnce(ctx)
		}
	}
}

// pollOnce fetches recent bars for every subscribed symbol, merges anything
// new into the cache, and fires callbacks for the new bars in timestamp order.
func (h *Handler) pollOnce(ctx context.Context) {
	if !h.provider.IsTradingTime() {
		return
	}

	for _, sym := range h.Symbols() {
		bars, err := h.provider.GetMinuteBars(ctx, sym, 1, barsPerPoll, "")
		if err != nil {
			h.logger.Warn("poll failed", "symbol", sym, "error", err)
			continue
		}
		fresh := h.merge(sym, bars)
		h.fire(fresh)
	}
}

// merge inserts bars newer than lastSeen into the cache, deduplicating on
// timestamp (last write wins) and keeping ascending order. Returns the newly
// observed bars sorted by timestamp.
func (h *Handler) merge(symbol string, bars []types.MinuteBar) []types.MinuteBar {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.symbols[symbol]; !ok {
		return nil
	}

	last := h.lastSeen[symbol]
	var fresh []types.MinuteBar
	for _, b := range bars {
		if b.Timestamp.After(last) {
			fresh = append(fresh, b)
		}
	}
	if len(fresh) == 0 {
		return nil
	}
	sort.Slice(fresh, func(i, j int) bool { return fresh[i].Timestamp.Before(fresh[j].Timestamp) })
	h.lastSeen[symbol] = fresh[len(fresh)-1].Timestamp

	merged := h.cache[symbol]
	for _, b := range fresh {
		idx := sort.Search(len(merged), func(i int) bool {
			return !merged[i].Timestamp.Before(b.Timestamp)
		})
		if idx < len(merged) && merged[idx].Timestamp.Equal(b.Timestamp) {
			merged[idx] = b
		} else {
			merged = append(merged, types.MinuteBar{})
			copy(merged[idx+1:], merged[idx:])
			merged[idx] = b
		}
	}
	h.cache[symbol] = merged
	return fresh
}

// fire invokes every callback once per bar, oldest bar first. A panicking
// callback is logged and never suppresses later callbacks or later bars.
func (h *Handler) fire(bars []types.MinuteBar) {
	if len(bars) == 0 {
		return
	}
	h.mu.RLock()
	cbs := make([]BarCallback, len(h.callbacks))
	copy(cbs, h.callbacks)
	h.mu.RUnlock()

	for _, bar := range bars {
		for _, cb := range cbs {
			h.safeInvoke(cb, bar)
		}
	}
}

func (h *Handler) safeInvoke(fn BarCallback, bar types.MinuteBar) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("bar callback panicked",
				"symbol", bar.Symbol,
				"bar_time", bar.Timestamp,
				"panic", r,
			)
		}
	}()
	fn(bar)
}

// GetCachedBars returns a copy of the cached bars for a symbol, optionally
// bounded to [start, end] inclusive. Nil bounds are open.
func (h *Handler) GetCachedBars(symbol string, start, end *time.Time) []types.MinuteBar {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var out []types.MinuteBar
	for _, b := range h.cache[symbol] {
		if start != nil && b.Timestamp.Before(*start) {
			continue
		}
		if end != nil && b.Timestamp.After(*end) {
			continue
		}
		out = append(out, b)
	}
	return out
}

// GetLatestPrice returns the close of the most recent cached bar.
func (h *Handler) GetLatestPrice(symbol string) (float64, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	bars := h.cache[symbol]
	if len(bars) == 0 {
		return 0, false
	}
	return bars[len(bars)-1].Close, true
}

// GetPriceAtTime returns the close of the last cached bar at or before t.
func (h *Handler) GetPriceAtTime(symbol string, t time.Time) (float64, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	bars := h.cache[symbol]
	for i := len(bars) - 1; i >= 0; i-- {
		if !bars[i].Timestamp.After(t) {
			return bars[i].Close, true
		}
	}
	return 0, false
}

// SaveAllAndCleanup persists today's cache per symbol and prunes snapshots
// past the retention window. Persistence failures are logged, never returned;
// the in-memory cache stays authoritative.
func (h *Handler) SaveAllAndCleanup() {
	if h.snapshots == nil {
		return
	}
	today := time.Now().In(h.loc).Format("2006-01-02")

	for _, sym := range h.Symbols() {
		var todays []types.MinuteBar
		h.mu.RLock()
		for _, b := range h.cache[sym] {
			if b.Date() == today {
				todays = append(todays, b)
			}
		}
		h.mu.RUnlock()

		if err := h.snapshots.Save(sym, today, todays); err != nil {
			h.logger.Warn("snapshot save failed", "symbol", sym, "error", err)
		}
	}

	if removed, err := h.snapshots.Cleanup(time.Now().In(h.loc)); err != nil {
		h.logger.Warn("snapshot cleanup failed", "error", err)
	} else if removed > 0 {
		h.logger.Info("pruned old snapshots", "removed", removed)
	}
}

// FetchHistoricalBars returns minute bars for a date range, preferring local
// snapshots and falling back to the provider, writing fetched days through to
// local storage. Dates are YYYY-MM-DD inclusive.
func (h *Handler) FetchHistoricalBars(ctx context.Context, symbol, startDate, endDate string, period int) ([]types.MinuteBar, error) {
	sym, err := types.NormalizeSymbol(symbol)
	if err != nil {
		return nil, err
	}
	start, err := time.ParseInLocation("2006-01-02", startDate, h.loc)
	if err != nil {
		return nil, err
	}
	end, err := time.ParseInLocation("2006-01-02", endDate, h.loc)
	if err != nil {
		return nil, err
	}

	var out []types.MinuteBar
	for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
		if !h.provider.IsTradingDay(d) {
			continue
		}
		date := d.Format("2006-01-02")

		if h.snapshots != nil && period == 1 {
			if bars, err := h.snapshots.Load(sym, date, h.loc); err == nil && len(bars) > 0 {
				out = append(out, bars...)
				continue
			}
		}

		bars, err := h.provider.GetMinuteBars(ctx, sym, period, 0, date)
		if err != nil {
			h.logger.Warn("historical fetch failed", "symbol", sym, "date", date, "error", err)
			continue
		}
		if len(bars) == 0 {
			continue
		}
		out = append(out, bars...)
		if h.snapshots != nil && period == 1 {
			if err := h.snapshots.Save(sym, date, bars); err != nil {
				h.logger.Warn("snapshot write-through failed", "symbol", sym, "date", date, "error", err)
			}
		}
	}
	return out, nil
}
