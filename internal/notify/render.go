// Package notify renders trading notifications and fans them out to sinks.
// Rendering is pure (templates in, Message out); delivery lives behind the
// Sink interface so the scheduler never blocks on a slow channel.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Message is a rendered notification in the formats sinks may want.
// RichText is markdown for sinks that prefer it over HTML.
type Message struct {
	Title    string
	Plain    string
	HTML     string
	RichText string
}

// SignalData carries everything the entry/exit/alert templates need.
type SignalData struct {
	Symbol     string
	Name       string
	Level      int
	Price      float64
	BasePrice  float64
	DropPct    float64
	VWAP       float64
	Quantity   int
	Margin     float64
	GrossPnl   float64
	NetPnl     float64
	Fee        float64
	EntryPrice float64
	Timestamp  time.Time
}

// MonthlyPnl is one row of the periodic P&L report.
type MonthlyPnl struct {
	Month    string
	Trades   int
	WinRate  float64
	GrossPnl float64
	NetPnl   float64
}

const timeLayout = "2006-01-02 15:04:05"

// RenderBuy renders a level-1 or level-2 entry notification.
func RenderBuy(d SignalData) Message {
	title := fmt.Sprintf("开仓信号 L%d: %s", d.Level, d.Symbol)
	body := fmt.Sprintf(
		"合约: %s %s\n级别: L%d\n价格: %.2f\n基准价: %.2f\n跌幅: %.2f%%\nVWAP: %.2f\n手数: %d\n保证金: %.2f\n时间: %s",
		d.Symbol, d.Name, d.Level, d.Price, d.BasePrice, d.DropPct*100, d.VWAP,
		d.Quantity, d.Margin, d.Timestamp.Format(timeLayout))
	return Message{
		Title:    title,
		Plain:    title + "\n" + body,
		HTML:     fmt.Sprintf("<b>%s</b>\n%s", title, body),
		RichText: fmt.Sprintf("**%s**\n%s", title, body),
	}
}

// RenderSell renders the day-open close notification with aggregate P&L.
func RenderSell(d SignalData) Message {
	title := fmt.Sprintf("平仓: %s", d.Symbol)
	body := fmt.Sprintf(
		"合约: %s %s\n开仓均价: %.2f\n平仓价: %.2f\n手数: %d\n毛利: %.2f\n手续费: %.2f\n净利: %.2f\n时间: %s",
		d.Symbol, d.Name, d.EntryPrice, d.Price, d.Quantity,
		d.GrossPnl, d.Fee, d.NetPnl, d.Timestamp.Format(timeLayout))
	return Message{
		Title:    title,
		Plain:    title + "\n" + body,
		HTML:     fmt.Sprintf("<b>%s</b>\n%s", title, body),
		RichText: fmt.Sprintf("**%s**\n%s", title, body),
	}
}

// RenderAlert renders the once-per-day approach warning.
func RenderAlert(d SignalData) Message {
	title := fmt.Sprintf("预警: %s 接近开仓阈值", d.Symbol)
	body := fmt.Sprintf(
		"合约: %s %s\n当前价: %.2f\n基准价: %.2f\n跌幅: %.2f%%\n时间: %s",
		d.Symbol, d.Name, d.Price, d.BasePrice, d.DropPct*100,
		d.Timestamp.Format(timeLayout))
	return Message{
		Title:    title,
		Plain:    title + "\n" + body,
		HTML:     fmt.Sprintf("<b>%s</b>\n%s", title, body),
		RichText: fmt.Sprintf("**%s**\n%s", title, body),
	}
}

// RenderPnlReport renders the monthly P&L summary table.
func RenderPnlReport(rows []MonthlyPnl) Message {
	title := "月度盈亏报告"
	var b strings.Builder
	var totalNet float64
	for _, r := range rows {
		fmt.Fprintf(&b, "%s  交易 %d  胜率 %.1f%%  净利 %.2f\n",
			r.Month, r.Trades, r.WinRate*100, r.NetPnl)
		totalNet += r.NetPnl
	}
	fmt.Fprintf(&b, "合计净利: %.2f", totalNet)
	body := b.String()
	return Message{
		Title:    title,
		Plain:    title + "\n" + body,
		HTML:     fmt.Sprintf("<b>%s</b>\n<pre>%s</pre>", title, body),
		RichText: fmt.Sprintf("**%s**\n```\n%s\n```", title, body),
	}
}

// Sink delivers a rendered message to one channel.
type Sink interface {
	Name() string
	Dispatch(ctx context.Context, msg Message) error
}

// Dispatcher fans a message out to every registered sink.
// A failing sink is logged and never blocks the others.
type Dispatcher struct {
	mu     sync.Mutex
	sinks  []Sink
	logger *slog.Logger
}

func NewDispatcher(logger *slog.Logger, sinks ...Sink) *Dispatcher {
	return &Dispatcher{
		sinks:  sinks,
		logger: logger.With("component", "notifier"),
	}
}

// AddSink registers an additional delivery channel.
func (d *Dispatcher) AddSink(s Sink) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sinks = append(d.sinks, s)
}

// Dispatch sends msg to all sinks, returning the last error if any failed.
func (d *Dispatcher) Dispatch(ctx context.Context, msg Message) error {
	d.mu.Lock()
	sinks := make([]Sink, len(d.sinks))
	copy(sinks, d.sinks)
	d.mu.Unlock()

	var lastErr error
	for _, s := range sinks {
		if err := s.Dispatch(ctx, msg); err != nil {
			d.logger.Error("notification failed", "sink", s.Name(), "title", msg.Title, "error", err)
			lastErr = err
		}
	}
	return lastErr
}
