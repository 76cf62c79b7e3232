// Package notify posts periodic health snapshots to a ServerChan-style
// webhook so an operator sees the bot's state without shell access.
//
// The notifier is strictly best-effort: a failed post, a non-2xx
// response, or an error code in the response body is logged and never
// affects trading. A final snapshot is sent on shutdown.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"aster-grid-bot/internal/exchange"
)

const minInterval = 10 * time.Second

// Snapshot is one health report. Pointer fields distinguish "not measured"
// from zero.
type Snapshot struct {
	Status     string
	Issues     []string
	OpenOrders int
	BuyOrders  int
	SellOrders int

	ExposureLong  int
	ExposureShort int

	LastMid    *float64
	GridCenter *float64
	BestBid    *float64
	BestAsk    *float64

	AvailableBalance *float64
	AccountEquity    *float64

	MarketAge       *time.Duration
	UserAge         *time.Duration
	LastRecenterAge *time.Duration

	TradesLastHour *int
	LastTradeAge   *time.Duration

	TradeError   string
	BalanceError string
	EquityError  string
}

// Notifier posts snapshots to https://sctapi.ftqq.com/<sendKey>.send as a
// form body {title, desp}.
type Notifier struct {
	url           string
	interval      time.Duration
	priceDecimals int
	http          *resty.Client
	logger        *slog.Logger
}

// New creates a notifier. intervalSec below 10 is clamped up.
func New(sendKey string, intervalSec int, priceDecimals int, logger *slog.Logger) *Notifier {
	interval := time.Duration(intervalSec) * time.Second
	if interval < minInterval {
		interval = minInterval
	}
	return &Notifier{
		url:           fmt.Sprintf("https://sctapi.ftqq.com/%s.send", sendKey),
		interval:      interval,
		priceDecimals: priceDecimals,
		http:          resty.New().SetTimeout(10 * time.Second),
		logger:        logger.With("component", "notifier"),
	}
}

// Run posts a snapshot every interval until ctx is cancelled, then posts a
// final one. gather assembles the snapshot and reports its own failures as
// issues inside it.
func (n *Notifier) Run(ctx context.Context, gather func(context.Context) Snapshot) {
	ticker := time.NewTicker(n.interval)
	defer ticker.Stop()

	n.post(ctx, gather(ctx), false)
	for {
		select {
		case <-ctx.Done():
			finalCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			n.post(finalCtx, gather(finalCtx), true)
			cancel()
			return
		case <-ticker.C:
			n.post(ctx, gather(ctx), false)
		}
	}
}

func (n *Notifier) post(ctx context.Context, snap Snapshot, final bool) {
	status := snap.Status
	if final {
		status = "stopped"
	}
	resp, err := n.http.R().
		SetContext(ctx).
		SetFormData(map[string]string{
			"title": "Aster Bot " + status,
			"desp":  n.renderBody(snap, status, final),
		}).
		Post(n.url)
	if err != nil {
		n.logger.Error("status notification failed", "error", err)
		return
	}
	if resp.StatusCode() >= 300 {
		n.logger.Warn("status notification rejected", "status", resp.StatusCode(), "body", resp.String())
		return
	}
	var result struct {
		Code int `json:"code"`
	}
	if json.Unmarshal(resp.Body(), &result) == nil && result.Code != 0 {
		n.logger.Warn("status notification returned error code", "code", result.Code, "body", resp.String())
	}
}

func (n *Notifier) renderBody(snap Snapshot, status string, final bool) string {
	fmtPrice := func(v *float64) string {
		if v == nil {
			return "n/a"
		}
		return exchange.FormatDecimal(*v, n.priceDecimals)
	}
	fmtSeconds := func(d *time.Duration) string {
		if d == nil {
			return "n/a"
		}
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}

	lines := []string{
		"status: " + status,
		"time: " + time.Now().Format("2006-01-02 15:04:05"),
		fmt.Sprintf("orders: total %d (buy %d / sell %d)", snap.OpenOrders, snap.BuyOrders, snap.SellOrders),
		fmt.Sprintf("exposure: long %d / short %d", snap.ExposureLong, snap.ExposureShort),
		"last_mid: " + fmtPrice(snap.LastMid),
		"grid_center: " + fmtPrice(snap.GridCenter),
		"best_bid/best_ask: " + fmtPrice(snap.BestBid) + " / " + fmtPrice(snap.BestAsk),
		"market_age: " + fmtSeconds(snap.MarketAge),
	}

	if snap.AvailableBalance != nil {
		lines = append(lines, fmt.Sprintf("available_balance: %.2f USDT", *snap.AvailableBalance))
	} else {
		lines = append(lines, "available_balance: n/a")
	}
	if snap.AccountEquity != nil {
		lines = append(lines, fmt.Sprintf("account_equity: %.2f USDT", *snap.AccountEquity))
	} else {
		lines = append(lines, "account_equity: n/a")
	}

	if snap.UserAge != nil {
		lines = append(lines, "user_age: "+fmtSeconds(snap.UserAge))
	}
	if snap.TradesLastHour != nil {
		lines = append(lines, fmt.Sprintf("trades_last_hour: %d", *snap.TradesLastHour))
	}
	if snap.LastTradeAge != nil {
		lines = append(lines, "last_trade_age: "+fmtSeconds(snap.LastTradeAge))
	}
	lines = append(lines, "last_recenter_age: "+fmtSeconds(snap.LastRecenterAge))

	if len(snap.Issues) > 0 {
		lines = append(lines, "issues:")
		for _, issue := range snap.Issues {
			lines = append(lines, "- "+issue)
		}
	}
	if snap.TradeError != "" {
		lines = append(lines, "trade_error: "+snap.TradeError)
	}
	if snap.BalanceError != "" {
		lines = append(lines, "balance_error: "+snap.BalanceError)
	}
	if snap.EquityError != "" {
		lines = append(lines, "equity_error: "+snap.EquityError)
	}
	if final {
		lines = append(lines, "event: shutdown")
	}

	return strings.Join(lines, "\n")
}
