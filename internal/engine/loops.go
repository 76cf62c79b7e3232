// loops.go holds the controller's background watchdogs: the kill switch on
// stream staleness, the maintenance sweep that rebuilds a degenerate grid,
// the listen-key keepalive, and the health-snapshot gatherer the notifier
// polls.
package engine

import (
	"context"
	"fmt"
	"time"

	"aster-grid-bot/internal/notify"
	"aster-grid-bot/pkg/types"
)

// killSwitchLoop watches both stream timestamps. A stale stream first gets
// a soft recovery attempt (REST fallback for market data, listen-key
// refresh for the user stream); only when that fails is the grid rebuilt.
func (e *Engine) killSwitchLoop(ctx context.Context) {
	timeout := time.Duration(e.cfg.KillSwitchMs) * time.Millisecond
	interval := max(5*time.Second, timeout/4)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		_, st := e.current()
		if st == nil {
			continue
		}
		switch {
		case st.MarketAge() > timeout:
			e.handleStall(ctx, "market data stalled")
		case !e.cfg.DryRun && st.UserAge() > timeout:
			e.handleStall(ctx, "user data stalled")
		}
	}
}

func (e *Engine) handleStall(ctx context.Context, reason string) {
	if ctx.Err() != nil {
		return
	}
	e.logger.Warn("connectivity stall detected", "reason", reason)
	if e.attemptSoftRecovery(ctx, reason) {
		e.logger.Info("soft recovery succeeded", "reason", reason)
		return
	}
	if err := e.restartGrid(ctx, reason, nil); err != nil {
		e.fatal(err)
	}
}

// attemptSoftRecovery tries to refresh the stalled source without touching
// the grid.
func (e *Engine) attemptSoftRecovery(ctx context.Context, reason string) bool {
	switch reason {
	case "market data stalled":
		bid, ask, err := e.client.GetBookTicker(ctx, e.cfg.Symbol)
		if err != nil {
			e.logger.Warn("soft recovery failed", "reason", reason, "error", err)
			return false
		}
		if bid > 0 && ask > 0 {
			e.onBookTicker(bid, ask)
			e.logger.Info("recovered market data via REST fallback", "bid", bid, "ask", ask)
			return true
		}
	case "user data stalled":
		if e.cfg.DryRun {
			return false
		}
		_, st := e.current()
		if st == nil {
			return false
		}
		if key := e.currentListenKey(); key != "" {
			err := e.client.WithRetry(ctx, "listen key keepalive", func() error {
				return e.client.KeepAliveListenKey(ctx, key)
			})
			if err != nil {
				e.logger.Warn("soft recovery failed", "reason", reason, "error", err)
				return false
			}
		} else {
			var key string
			err := e.client.WithRetry(ctx, "listen key", func() error {
				var err error
				key, err = e.client.NewListenKey(ctx)
				return err
			})
			if err != nil {
				e.logger.Warn("soft recovery failed", "reason", reason, "error", err)
				return false
			}
			e.setListenKey(key)
			e.logger.Info("obtained listen key during recovery")
		}
		st.TouchUser()
		return true
	}
	return false
}

// maintenanceLoop logs the order panel every 10 seconds and rebuilds the
// grid when it degenerates: no resting orders at all, or one side empty.
func (e *Engine) maintenanceLoop(ctx context.Context) {
	checkInterval := max(60*time.Second, time.Duration(e.cfg.KillSwitchMs)*time.Millisecond)
	panelTicker := time.NewTicker(orderPanelInterval)
	checkTicker := time.NewTicker(checkInterval)
	defer panelTicker.Stop()
	defer checkTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-panelTicker.C:
			e.logOrderPanel("10s-update")
		case <-checkTicker.C:
			layout, st := e.current()
			if layout == nil || st == nil {
				continue
			}
			e.reconcileOpenOrders(ctx)
			var reason string
			switch {
			case st.OpenOrderCount() == 0:
				reason = "maintenance-empty"
			case st.CountSide(types.SELL) == 0:
				reason = "maintenance-missing-sells"
			case st.CountSide(types.BUY) == 0:
				reason = "maintenance-missing-buys"
			default:
				continue
			}
			e.logger.Warn("maintenance check failed, restarting grid", "reason", reason)
			if err := e.restartGrid(ctx, reason, nil); err != nil {
				e.fatal(err)
				return
			}
		}
	}
}

// reconcileOpenOrders drops local records the exchange no longer knows
// about — typically cancellations whose user-stream events were lost during
// a disconnect. A table emptied this way is then caught by the maintenance
// degeneracy checks, whose answer is a rebuild.
func (e *Engine) reconcileOpenOrders(ctx context.Context) {
	if e.cfg.DryRun {
		return
	}
	_, st := e.current()
	if st == nil {
		return
	}
	orders, err := e.client.GetOpenOrders(ctx, e.cfg.Symbol)
	if err != nil {
		e.logger.Warn("open-order reconcile failed", "error", err)
		return
	}
	live := make(map[int64]bool, len(orders))
	for _, order := range orders {
		live[order.OrderID] = true
	}
	for orderID, record := range st.SnapshotIDs() {
		if !live[orderID] {
			e.logger.Warn("dropping order unknown to exchange",
				"order_id", orderID, "side", record.Side, "price", e.formatPrice(record.Price))
			st.DropOrder(orderID)
		}
	}
}

// keepaliveLoop refreshes the user-stream session every 30 minutes.
// Failures are logged; the kill switch handles a genuinely dead session.
func (e *Engine) keepaliveLoop(ctx context.Context) {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		key := e.currentListenKey()
		if key == "" {
			continue
		}
		err := e.client.WithRetry(ctx, "listen key keepalive", func() error {
			return e.client.KeepAliveListenKey(ctx, key)
		})
		if err != nil {
			e.logger.Error("listen key keepalive failed", "error", err)
		}
	}
}

// gatherHealthSnapshot assembles the notifier's view of the bot. Auxiliary
// REST failures become issues in the snapshot, never errors.
func (e *Engine) gatherHealthSnapshot(ctx context.Context) notify.Snapshot {
	snap := notify.Snapshot{Status: "running"}
	select {
	case <-e.stopCh:
		snap.Status = "stopped"
	default:
	}

	if age, ok := e.sinceRecenter(); ok {
		snap.LastRecenterAge = &age
	}

	_, st := e.current()
	if st == nil {
		snap.Status = "stalled"
		snap.Issues = append(snap.Issues, "runtime state not initialized")
		return snap
	}

	killSwitchTimeout := max(30*time.Second, time.Duration(e.cfg.KillSwitchMs)*time.Millisecond)

	snap.OpenOrders = st.OpenOrderCount()
	snap.BuyOrders = st.CountSide(types.BUY)
	snap.SellOrders = st.CountSide(types.SELL)
	exposure := st.Exposure()
	snap.ExposureLong = exposure.Long
	snap.ExposureShort = exposure.Short

	lastMid := st.LastMid()
	snap.LastMid = &lastMid
	center := st.GridCenter
	snap.GridCenter = &center
	bid, ask := e.topOfBook()
	snap.BestBid, snap.BestAsk = &bid, &ask

	marketAge := st.MarketAge()
	snap.MarketAge = &marketAge
	if marketAge > killSwitchTimeout {
		snap.Issues = append(snap.Issues, "market data stale "+itoaSeconds(marketAge))
	}
	if !e.cfg.DryRun {
		userAge := st.UserAge()
		snap.UserAge = &userAge
		if userAge > killSwitchTimeout {
			snap.Issues = append(snap.Issues, "user stream stale "+itoaSeconds(userAge))
		}
	}
	if snap.OpenOrders == 0 {
		snap.Issues = append(snap.Issues, "no resting orders")
	}

	if balance, err := e.client.GetAvailableBalance(ctx, "USDT"); err != nil {
		snap.Issues = append(snap.Issues, "balance unavailable")
		snap.BalanceError = err.Error()
	} else {
		snap.AvailableBalance = &balance
	}
	if equity, err := e.client.GetAccountEquity(ctx); err != nil {
		snap.Issues = append(snap.Issues, "equity unavailable")
		snap.EquityError = err.Error()
	} else {
		snap.AccountEquity = &equity
	}

	if !e.cfg.DryRun {
		startMs := time.Now().Add(-time.Hour).UnixMilli()
		trades, err := e.client.GetUserTrades(ctx, e.cfg.Symbol, startMs)
		if err != nil {
			snap.TradeError = err.Error()
			snap.Issues = append(snap.Issues, "trade history unavailable")
		} else {
			count := len(trades)
			snap.TradesLastHour = &count
			var lastTradeMs int64
			for _, trade := range trades {
				if trade.Time > lastTradeMs {
					lastTradeMs = trade.Time
				}
			}
			if lastTradeMs > 0 {
				age := time.Since(time.UnixMilli(lastTradeMs))
				if age < 0 {
					age = 0
				}
				snap.LastTradeAge = &age
			}
			if count == 0 {
				snap.Issues = append(snap.Issues, "no trades in last hour")
			}
		}
	}

	if snap.Status != "stopped" && len(snap.Issues) > 0 {
		snap.Status = "stalled"
	}
	return snap
}

func itoaSeconds(d time.Duration) string {
	return fmt.Sprintf("%ds", int(d.Seconds()))
}
