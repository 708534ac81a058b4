package marketdata

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"

	"cnfutures-arb/internal/config"
	"cnfutures-arb/pkg/types"
)

// SinaProvider implements Provider against the free Sina futures endpoints.
//
// Endpoints used:
//
//	hq.sinajs.cn/list=nf_<code>                       realtime quote (CSV-in-JS)
//	stock2.finance.sina.com.cn/.../getFewMinLine      intraday minute bars
//	stock2.finance.sina.com.cn/.../getDailyKLine      daily bars incl. settlement
//
// Main-contract shorthand (IM0) is resolved to a concrete month code (IM2602)
// by deriving YYMM from the current date: the front month, rolling to the next
// month after the 15th. Resolutions are cached for an hour.
type SinaProvider struct {
	client *resty.Client
	logger *slog.Logger
	loc    *time.Location
	now    func() time.Time

	mu            sync.Mutex
	contractCache map[string]cachedContract
}

type cachedContract struct {
	code    string
	expires time.Time
}

const contractCacheTTL = time.Hour

// NewSinaProvider builds the adapter. BaseURL overrides the quote host for
// tests; empty means the production Sina hosts.
func NewSinaProvider(cfg config.DataConfig, logger *slog.Logger) *SinaProvider {
	loc, err := time.LoadLocation("Asia/Shanghai")
	if err != nil {
		loc = time.FixedZone("CST", 8*3600)
	}

	client := resty.New().
		SetTimeout(cfg.Timeout).
		SetRetryCount(cfg.RetryCount).
		SetRetryWaitTime(time.Second).
		SetHeader("Referer", "https://finance.sina.com.cn")
	if cfg.BaseURL != "" {
		client.SetBaseURL(cfg.BaseURL)
	}

	return &SinaProvider{
		client:        client,
		logger:        logger.With("component", "sina_provider"),
		loc:           loc,
		now:           time.Now,
		contractCache: make(map[string]cachedContract),
	}
}

// resolveContract maps main-contract shorthand to a concrete month code.
// Concrete codes pass through unchanged.
func (p *SinaProvider) resolveContract(symbol string) (string, error) {
	sym, err := types.NormalizeSymbol(symbol)
	if err != nil {
		return "", err
	}
	if !types.IsMainContract(sym) {
		return sym, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now().In(p.loc)
	if c, ok := p.contractCache[sym]; ok && now.Before(c.expires) {
		return c.code, nil
	}

	product, err := types.ParseProduct(sym)
	if err != nil {
		return "", err
	}
	code := deriveMainCode(product, now)
	p.contractCache[sym] = cachedContract{code: code, expires: now.Add(contractCacheTTL)}
	return code, nil
}

// deriveMainCode builds <product>YYMM for the front month. Index futures
// expire on the third Friday; past mid-month liquidity has usually rolled,
// so after the 15th the next month is used.
func deriveMainCode(product string, now time.Time) string {
	y, m := now.Year(), int(now.Month())
	if now.Day() > 15 {
		m++
		if m > 12 {
			m = 1
			y++
		}
	}
	return fmt.Sprintf("%s%02d%02d", product, y%100, m)
}

// GetMinuteBars fetches recent minute bars via getFewMinLine.
func (p *SinaProvider) GetMinuteBars(ctx context.Context, symbol string, period, count int, startDate string) ([]types.MinuteBar, error) {
	code, err := p.resolveContract(symbol)
	if err != nil {
		return nil, err
	}
	if period <= 0 {
		period = 1
	}

	url := "https://stock2.finance.sina.com.cn/futures/api/jsonp.php/=/InnerFuturesNewService.getFewMinLine"
	resp, err := p.client.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"symbol": code,
			"type":   strconv.Itoa(period),
		}).
		Get(url)
	if err != nil {
		return nil, fmt.Errorf("fetch minute bars %s: %w", code, err)
	}

	sym, _ := types.NormalizeSymbol(symbol)
	bars, err := parseMinuteBody(resp.String(), sym, p.loc)
	if err != nil {
		return nil, fmt.Errorf("parse minute bars %s: %w", code, err)
	}
	if startDate != "" {
		filtered := bars[:0]
		for _, b := range bars {
			if b.Date() == startDate {
				filtered = append(filtered, b)
			}
		}
		bars = filtered
	}
	if count > 0 && len(bars) > count {
		bars = bars[len(bars)-count:]
	}
	return bars, nil
}

// GetRealtimeQuote fetches the current quote from hq.sinajs.cn.
func (p *SinaProvider) GetRealtimeQuote(ctx context.Context, symbol string) (*types.Quote, error) {
	code, err := p.resolveContract(symbol)
	if err != nil {
		return nil, err
	}

	resp, err := p.client.R().
		SetContext(ctx).
		Get("https://hq.sinajs.cn/list=nf_" + code)
	if err != nil {
		return nil, fmt.Errorf("fetch quote %s: %w", code, err)
	}

	sym, _ := types.NormalizeSymbol(symbol)
	q, err := parseQuoteLine(resp.String(), sym, p.now().In(p.loc))
	if err != nil {
		return nil, fmt.Errorf("parse quote %s: %w", code, err)
	}
	return q, nil
}

// GetSettlementPrice reads the settlement column of the daily kline.
// Returns 0 when the vendor has not published one for the date.
func (p *SinaProvider) GetSettlementPrice(ctx context.Context, symbol, date string) (float64, error) {
	rows, err := p.fetchDaily(ctx, symbol, 20)
	if err != nil {
		return 0, err
	}
	if date == "" {
		date = p.now().In(p.loc).Format("2006-01-02")
	}
	for _, r := range rows {
		if r.date == date {
			return r.settle, nil
		}
	}
	return 0, nil
}

// GetKline serves both intraday and daily timeframes for the backtest path.
func (p *SinaProvider) GetKline(ctx context.Context, symbol, timeframe string, limit int) ([]types.MinuteBar, error) {
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}
	switch timeframe {
	case "1m", "5m", "15m", "30m":
		period, _ := strconv.Atoi(strings.TrimSuffix(timeframe, "m"))
		return p.GetMinuteBars(ctx, symbol, period, limit, "")
	case "1H":
		return p.GetMinuteBars(ctx, symbol, 60, limit, "")
	case "1D":
		rows, err := p.fetchDaily(ctx, symbol, limit)
		if err != nil {
			return nil, err
		}
		sym, _ := types.NormalizeSymbol(symbol)
		bars := make([]types.MinuteBar, 0, len(rows))
		for _, r := range rows {
			ts, err := time.ParseInLocation("2006-01-02", r.date, p.loc)
			if err != nil {
				continue
			}
			bars = append(bars, types.MinuteBar{
				Symbol: sym, Timestamp: ts,
				Open: r.open, High: r.high, Low: r.low, Close: r.close,
				Volume: r.volume,
			})
		}
		return bars, nil
	default:
		return nil, fmt.Errorf("unsupported timeframe %q", timeframe)
	}
}

type dailyRow struct {
	date                           string
	open, high, low, close, volume float64
	settle                         float64
}

func (p *SinaProvider) fetchDaily(ctx context.Context, symbol string, limit int) ([]dailyRow, error) {
	code, err := p.resolveContract(symbol)
	if err != nil {
		return nil, err
	}

	url := "https://stock2.finance.sina.com.cn/futures/api/jsonp.php/=/InnerFuturesNewService.getDailyKLine"
	resp, err := p.client.R().
		SetContext(ctx).
		SetQueryParam("symbol", code).
		Get(url)
	if err != nil {
		return nil, fmt.Errorf("fetch daily kline %s: %w", code, err)
	}
	rows, err := parseDailyBody(resp.String())
	if err != nil {
		return nil, fmt.Errorf("parse daily kline %s: %w", code, err)
	}
	if len(rows) > limit {
		rows = rows[len(rows)-limit:]
	}
	return rows, nil
}

// IsTradingTime reports whether the exchange day session is open right now.
func (p *SinaProvider) IsTradingTime() bool {
	now := p.now().In(p.loc)
	return isWeekday(now) && inSession(now)
}

// IsWatchPeriod reports whether the 14:30-15:00 window is active right now.
func (p *SinaProvider) IsWatchPeriod() bool {
	now := p.now().In(p.loc)
	return isWeekday(now) && inWatchPeriod(now)
}

// IsTradingDay is a weekday check. Exchange holidays are not modeled; on a
// holiday the session simply produces no bars.
func (p *SinaProvider) IsTradingDay(date time.Time) bool {
	return isWeekday(date.In(p.loc))
}

// ————————————————————————————————————————————————————————————————————————
// Response parsing
// ————————————————————————————————————————————————————————————————————————

// parseQuoteLine parses the hq.sinajs.cn CFFEX quote format:
//
//	var hq_str_nf_IM2602="中证1000期指2602,150000,5900.0,5950.0,5880.0,5910.0,5909.8,5910.2,5905.0,5900.0,...";
//
// Fields: 0 name, 1 time(HHMMSS), 2 open, 3 high, 4 low, 5 last, 6 bid,
// 7 ask, 8 preClose, 9 preSettle, 10 volume, 11 amount.
func parseQuoteLine(body, symbol string, now time.Time) (*types.Quote, error) {
	start := strings.Index(body, `"`)
	end := strings.LastIndex(body, `"`)
	if start < 0 || end <= start {
		return nil, fmt.Errorf("malformed quote body")
	}
	fields := strings.Split(body[start+1:end], ",")
	if len(fields) < 11 {
		return nil, fmt.Errorf("quote has %d fields, want >= 11", len(fields))
	}

	f := func(i int) float64 {
		v, _ := strconv.ParseFloat(strings.TrimSpace(fields[i]), 64)
		return v
	}
	q := &types.Quote{
		Symbol:    symbol,
		Open:      f(2),
		High:      f(3),
		Low:       f(4),
		Last:      f(5),
		Bid:       f(6),
		Ask:       f(7),
		PreClose:  f(8),
		Volume:    f(10),
		Timestamp: now,
	}
	if len(fields) > 11 {
		q.Amount = f(11)
	}
	return q, nil
}

// parseMinuteBody parses the getFewMinLine JSONP payload. Each row is a
// bracketed tuple: ["HH:MM:SS", open, high, low, close, volume]; a leading
// date row carries the trading date.
func parseMinuteBody(body, symbol string, loc *time.Location) ([]types.MinuteBar, error) {
	rows, date, err := splitJSONPRows(body)
	if err != nil {
		return nil, err
	}

	bars := make([]types.MinuteBar, 0, len(rows))
	for _, fields := range rows {
		if len(fields) < 6 {
			continue
		}
		ts, err := time.ParseInLocation("2006-01-02 15:04:05", date+" "+fields[0], loc)
		if err != nil {
			continue
		}
		f := func(i int) float64 {
			v, _ := strconv.ParseFloat(fields[i], 64)
			return v
		}
		bar := types.MinuteBar{
			Symbol: symbol, Timestamp: ts,
			Open: f(1), High: f(2), Low: f(3), Close: f(4), Volume: f(5),
		}
		if len(fields) > 6 {
			bar.Amount = f(6)
		}
		bars = append(bars, bar)
	}
	return bars, nil
}

// parseDailyBody parses the getDailyKLine JSONP payload. Each row:
// ["YYYY-MM-DD", open, high, low, close, volume, settle].
func parseDailyBody(body string) ([]dailyRow, error) {
	rows, _, err := splitJSONPRows(body)
	if err != nil {
		return nil, err
	}

	out := make([]dailyRow, 0, len(rows))
	for _, fields := range rows {
		if len(fields) < 6 {
			continue
		}
		f := func(i int) float64 {
			v, _ := strconv.ParseFloat(fields[i], 64)
			return v
		}
		r := dailyRow{
			date: fields[0],
			open: f(1), high: f(2), low: f(3), close: f(4), volume: f(5),
		}
		if len(fields) > 6 {
			r.settle = f(6)
		}
		out = append(out, r)
	}
	return out, nil
}

// splitJSONPRows strips the JSONP wrapper and returns each bracketed row as a
// slice of unquoted fields. The first row whose first field looks like a date
// (YYYY-MM-DD) sets the date for time-only rows; intraday payloads default to
// today when no date row is present.
func splitJSONPRows(body string) ([][]string, string, error) {
	open := strings.Index(body, "[")
	closeIdx := strings.LastIndex(body, "]")
	if open < 0 || closeIdx <= open {
		return nil, "", fmt.Errorf("no rows in payload")
	}
	inner := body[open+1 : closeIdx]

	date := time.Now().Format("2006-01-02")
	var rows [][]string
	for {
		s := strings.Index(inner, "[")
		if s < 0 {
			break
		}
		e := strings.Index(inner[s:], "]")
		if e < 0 {
			break
		}
		raw := inner[s+1 : s+e]
		inner = inner[s+e+1:]

		fields := strings.Split(raw, ",")
		for i := range fields {
			fields[i] = strings.Trim(strings.TrimSpace(fields[i]), `"`)
		}
		if len(fields) > 0 && len(fields[0]) == 10 && strings.Count(fields[0], "-") == 2 {
			date = fields[0][:10]
		}
		rows = append(rows, fields)
	}
	return rows, date, nil
}
