// Package engine is the order lifecycle controller — the central
// orchestrator of the grid bot.
//
// It wires together all subsystems:
//
//  1. Bootstrap loads exchange filters, configures margin/leverage, sizes
//     the grid from available balance, acquires the base position, and
//     deploys the initial orders.
//  2. Two WebSocket readers (market book ticker + user order events) push
//     events into the controller.
//  3. Background loops watch stream liveness (kill switch), grid health
//     (maintenance), the listen-key session (keepalive), and post health
//     snapshots (notifier).
//
// The controller is the only component that issues REST order mutations.
// All order-table access goes through the RuntimeState lock; grid rebuilds
// are serialized by a dedicated restart lock so concurrent triggers
// converge to a single rebuild.
//
// Lifecycle: New() → Run(ctx) → [runs until RequestStop or ctx cancel]
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"aster-grid-bot/internal/config"
	"aster-grid-bot/internal/exchange"
	"aster-grid-bot/internal/grid"
	"aster-grid-bot/internal/notify"
	"aster-grid-bot/internal/state"
	"aster-grid-bot/pkg/types"
)

const (
	recenterDebounce    = 5 * time.Minute
	flattenPollInterval = 500 * time.Millisecond
	flattenMaxAttempts  = 10
	keepaliveInterval   = 30 * time.Minute
	orderPanelInterval  = 10 * time.Second
	guardMaxSteps       = 50
)

// Engine coordinates the REST gateway, the stream readers, and the runtime
// state for a single symbol.
type Engine struct {
	cfg    *config.Config
	client *exchange.Client
	logger *slog.Logger

	filters       exchange.SymbolFilters
	priceDecimals int
	qtyDecimals   int

	// mu guards the replaceable references and top-of-book scalars.
	// The order table has its own lock inside RuntimeState.
	mu           sync.RWMutex
	layout       *grid.Layout
	st           *state.RuntimeState
	bestBid      float64
	bestAsk      float64
	listenKey    string
	lastRecenter time.Time

	// restartMu serializes recenter and rebuild bodies.
	restartMu sync.Mutex

	ctx      context.Context
	cancel   context.CancelFunc
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	fatalMu  sync.Mutex
	fatalErr error
}

// New creates a controller. The client must already be configured for the
// same dry-run mode as cfg.
func New(cfg *config.Config, client *exchange.Client, logger *slog.Logger) *Engine {
	return &Engine{
		cfg:    cfg,
		client: client,
		logger: logger.With("component", "engine"),
		stopCh: make(chan struct{}),
	}
}

// RequestStop asks the controller to shut down. Safe to call from any
// goroutine, any number of times.
func (e *Engine) RequestStop() {
	e.stopOnce.Do(func() { close(e.stopCh) })
}

// Run bootstraps the grid and blocks until RequestStop or ctx cancellation,
// then shuts down cleanly. It returns a non-nil error when bootstrap fails
// or when an operational incident (position not flat during rebuild) forced
// the stop.
func (e *Engine) Run(ctx context.Context) error {
	e.ctx, e.cancel = context.WithCancel(ctx)
	defer e.cancel()

	e.logger.Info("starting grid bot", "symbol", e.cfg.Symbol, "dry_run", e.cfg.DryRun)
	if err := e.bootstrap(e.ctx); err != nil {
		e.client.Close()
		return fmt.Errorf("bootstrap: %w", err)
	}

	e.spawn("market-stream", func() {
		stream := exchange.NewMarketStream(e.cfg.WSMarket, e.cfg.Symbol, e.onBookTicker, e.logger)
		if err := stream.Run(e.ctx); err != nil && e.ctx.Err() == nil {
			e.logger.Error("market stream stopped", "error", err)
		}
	})
	e.spawn("kill-switch", func() { e.killSwitchLoop(e.ctx) })
	e.spawn("maintenance", func() { e.maintenanceLoop(e.ctx) })

	if !e.cfg.DryRun {
		e.spawn("user-stream", func() {
			stream := exchange.NewUserStream(e.cfg.WSUser, e.currentListenKey, e.onUserEvent, e.logger)
			if err := stream.Run(e.ctx); err != nil && e.ctx.Err() == nil {
				e.logger.Error("user stream stopped", "error", err)
			}
		})
		e.spawn("listenKey-keepalive", func() { e.keepaliveLoop(e.ctx) })
	}
	if e.cfg.StatusNotifySendKey != "" {
		notifier := notify.New(e.cfg.StatusNotifySendKey, e.cfg.StatusNotifyInterval, e.priceDecimals, e.logger)
		e.spawn("status-notifier", func() { notifier.Run(e.ctx, e.gatherHealthSnapshot) })
	}

	select {
	case <-e.stopCh:
	case <-e.ctx.Done():
	}
	e.shutdown()

	e.fatalMu.Lock()
	defer e.fatalMu.Unlock()
	return e.fatalErr
}

func (e *Engine) spawn(name string, fn func()) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		fn()
		e.logger.Debug("task finished", "task", name)
	}()
}

// fatal records an operational incident that requires an operator restart
// and stops the bot.
func (e *Engine) fatal(err error) {
	e.fatalMu.Lock()
	if e.fatalErr == nil {
		e.fatalErr = err
	}
	e.fatalMu.Unlock()
	e.logger.Error("non-recoverable incident, stopping", "error", err)
	e.RequestStop()
}

func (e *Engine) shutdown() {
	e.cancel()
	e.wg.Wait()

	if !e.cfg.DryRun {
		if key := e.currentListenKey(); key != "" {
			closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := e.client.CloseListenKey(closeCtx, key); err != nil {
				e.logger.Warn("failed to close listen key", "error", err)
			}
			cancel()
		}
	}
	e.client.Close()
	e.logger.Info("shutdown complete")
}

// ————————————————————————————————————————————————————————————————————————
// Bootstrap
// ————————————————————————————————————————————————————————————————————————

func (e *Engine) bootstrap(ctx context.Context) error {
	filters, _, err := e.client.GetExchangeInfo(ctx, e.cfg.Symbol)
	if err != nil {
		return err
	}
	e.filters = filters
	e.priceDecimals = filters.PriceDecimals()
	e.qtyDecimals = filters.QuantityDecimals()
	e.logger.Info("loaded exchange info",
		"tick", filters.TickSize, "step", filters.StepSize,
		"min_qty", filters.MinQty, "min_notional", filters.MinNotional)

	if e.cfg.Mode != "ONE_WAY" {
		e.logger.Warn("configured mode differs from enforced ONE_WAY", "mode", e.cfg.Mode)
	}

	if err := e.setupMarginAndLeverage(ctx); err != nil {
		return err
	}

	bid, ask, err := e.client.GetBookTicker(ctx, e.cfg.Symbol)
	if err != nil {
		return err
	}
	e.setTopOfBook(bid, ask)
	mid := (bid + ask) / 2
	e.logger.Info("initial mid price", "mid", mid, "bid", bid, "ask", ask)

	levels, err := e.determineLevelsPerSide(ctx, mid)
	if err != nil {
		return err
	}
	layout, err := grid.Build(mid, e.cfg, e.filters, levels)
	if err != nil {
		return err
	}
	e.installGrid(layout, state.New(mid))
	e.logger.Info("grid ready",
		"center", layout.CenterPrice, "spacing", layout.Spacing,
		"levels_per_side", layout.LevelsPerSide, "total", len(layout.Levels),
		"lower", layout.LowerPrice, "upper", layout.UpperPrice)

	if err := e.establishBasePosition(ctx); err != nil {
		return err
	}
	if err := e.deployInitialOrders(ctx); err != nil {
		return err
	}
	e.stampRecenter()

	if !e.cfg.DryRun {
		var key string
		err := e.client.WithRetry(ctx, "listen key", func() error {
			var err error
			key, err = e.client.NewListenKey(ctx)
			return err
		})
		if err != nil {
			return err
		}
		e.setListenKey(key)
		e.logger.Info("obtained listen key")
	}
	return nil
}

func (e *Engine) setupMarginAndLeverage(ctx context.Context) error {
	if e.cfg.DryRun {
		return nil
	}
	err := e.client.WithRetry(ctx, "set margin type", func() error {
		return e.client.SetMarginType(ctx, e.cfg.Symbol, e.cfg.MarginType)
	})
	if err != nil && !exchange.IsAlreadySet(err) {
		return err
	}
	if exchange.IsAlreadySet(err) {
		e.logger.Info("margin type already set", "margin_type", e.cfg.MarginType)
	}

	err = e.client.WithRetry(ctx, "set leverage", func() error {
		return e.client.SetLeverage(ctx, e.cfg.Symbol, e.cfg.Leverage)
	})
	if err != nil && !exchange.IsAlreadySet(err) {
		return err
	}
	if exchange.IsAlreadySet(err) {
		e.logger.Info("leverage already set", "leverage", e.cfg.Leverage)
	}
	return nil
}

// determineLevelsPerSide sizes the grid from the available margin: the
// budget after the configured reserve is divided by the margin a buy/sell
// pair consumes. Clamped below by min_levels_per_side and above by
// max_resting_orders_per_side when that is set.
func (e *Engine) determineLevelsPerSide(ctx context.Context, mid float64) (int, error) {
	reserve := math.Max(0, math.Min(1, e.cfg.MarginReservePct))
	leverage := max(1, e.cfg.Leverage)

	available, err := e.client.GetAvailableBalance(ctx, "USDT")
	if err != nil {
		return 0, err
	}
	marginBudget := math.Max(0, available*(1-reserve))

	perOrderNotional := e.cfg.PerOrderQuoteUSD
	if baseQty := grid.PreferredBaseQty(e.cfg); baseQty > 0 {
		perOrderNotional = mid * baseQty
	}
	pairMargin := perOrderNotional / float64(leverage) * 2
	if pairMargin <= 0 {
		e.logger.Warn("pair margin computed as non-positive, using min levels", "pair_margin", pairMargin)
		return max(1, e.cfg.MinLevelsPerSide), nil
	}

	rawLevels := int(marginBudget / pairMargin)
	levels := max(e.cfg.MinLevelsPerSide, rawLevels)
	if levels <= 0 {
		levels = max(1, e.cfg.MinLevelsPerSide)
		e.logger.Warn("available margin insufficient, forcing min levels", "available", available, "levels", levels)
	}
	if e.cfg.MaxRestingOrdersPerSide > 0 && levels > e.cfg.MaxRestingOrdersPerSide {
		levels = e.cfg.MaxRestingOrdersPerSide
	}
	e.logger.Info("grid sizing",
		"available", available, "reserve_pct", reserve*100,
		"per_order_notional", perOrderNotional, "pair_margin", pairMargin,
		"leverage", leverage, "levels_per_side", levels)
	return levels, nil
}

// establishBasePosition market-buys the aggregate sell-side quantity so the
// reduce-only sells have inventory to close.
func (e *Engine) establishBasePosition(ctx context.Context) error {
	layout, _ := e.current()
	var baseQty float64
	for _, lvl := range e.levelsSnapshot() {
		if lvl.Side == types.SELL {
			baseQty += lvl.Quantity
		}
	}
	if baseQty == 0 {
		return nil
	}
	step := e.filters.StepSize
	baseQty = math.Max(step, exchange.CeilToTick(baseQty, step))
	if baseQty <= 0 {
		return nil
	}
	notionalEst := baseQty * layout.CenterPrice
	e.logger.Info("acquiring base position",
		"qty", e.formatQuantity(baseQty), "notional_est", notionalEst)

	req := exchange.OrderRequest{
		Symbol:   e.cfg.Symbol,
		Side:     types.BUY,
		Type:     "MARKET",
		Quantity: e.formatQuantity(baseQty),
	}
	err := e.client.WithRetry(ctx, "base position", func() error {
		_, err := e.client.NewOrder(ctx, req)
		return err
	})
	if err != nil {
		e.logger.Error("failed to acquire base position", "error", err)
		if amt, posErr := e.client.GetPositionAmount(ctx, e.cfg.Symbol); posErr == nil {
			e.logger.Error("current position after failed base position attempt", "position", amt)
		}
		return err
	}
	e.logger.Info("base position acquired")
	return nil
}

// flattenPosition closes any open inventory with a reduce-only market
// order, then polls until the exchange confirms the position is flat.
// A position that refuses to flatten is an invariant violation: the
// rebuild must not proceed on top of it.
func (e *Engine) flattenPosition(ctx context.Context) error {
	amt, err := e.client.GetPositionAmount(ctx, e.cfg.Symbol)
	if err != nil {
		return err
	}
	step := e.filters.StepSize
	if math.Abs(amt) < step {
		e.logger.Debug("no position to flatten", "position", amt)
		return nil
	}

	side := types.SELL
	if amt < 0 {
		side = types.BUY
	}
	qty := math.Max(step, exchange.FloorToTick(math.Abs(amt), step))
	req := exchange.OrderRequest{
		Symbol:     e.cfg.Symbol,
		Side:       side,
		Type:       "MARKET",
		Quantity:   e.formatQuantity(qty),
		ReduceOnly: true,
	}
	e.logger.Info("flattening position", "side", side, "qty", req.Quantity)
	err = e.client.WithRetry(ctx, "flatten position", func() error {
		_, err := e.client.NewOrder(ctx, req)
		return err
	})
	if err != nil {
		return err
	}
	return e.waitForPositionFlat(ctx, step)
}

func (e *Engine) waitForPositionFlat(ctx context.Context, step float64) error {
	var amt float64
	for attempt := 1; attempt <= flattenMaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(flattenPollInterval):
		}
		var err error
		amt, err = e.client.GetPositionAmount(ctx, e.cfg.Symbol)
		if err != nil {
			return err
		}
		if math.Abs(amt) < step {
			e.logger.Debug("position fully flattened", "attempts", attempt)
			return nil
		}
		e.logger.Warn("position not fully flattened",
			"attempt", attempt, "max_attempts", flattenMaxAttempts, "position", amt, "threshold", step)
	}
	return fmt.Errorf("position not flat after %d attempts (remaining %v)", flattenMaxAttempts, amt)
}

// ————————————————————————————————————————————————————————————————————————
// Recenter / rebuild
// ————————————————————————————————————————————————————————————————————————

// recenter rebuilds the grid around a fresh mid after drift exceeded the
// threshold.
func (e *Engine) recenter(ctx context.Context, newMid float64) error {
	return e.restartGrid(ctx, "recenter", &newMid)
}

// restartGrid performs the full rebuild: cancel everything, flatten, size
// and build a fresh layout, re-acquire the base position, redeploy. The
// body runs under the restart lock so concurrent triggers converge to one
// rebuild.
func (e *Engine) restartGrid(ctx context.Context, reason string, mid *float64) error {
	e.restartMu.Lock()
	defer e.restartMu.Unlock()

	newMid := 0.0
	switch {
	case mid != nil:
		newMid = *mid
	default:
		bid, ask, err := e.client.GetBookTicker(ctx, e.cfg.Symbol)
		if err != nil {
			e.logger.Error("unable to fetch ticker during restart", "reason", reason, "error", err)
		} else if bid > 0 && ask > 0 {
			newMid = (bid + ask) / 2
		}
		if newMid == 0 {
			if _, st := e.current(); st != nil {
				newMid = st.LastMid()
			}
		}
	}
	if newMid <= 0 {
		e.logger.Warn("unable to determine mid for restart", "reason", reason)
		return nil
	}

	e.logger.Warn("rebuilding grid", "reason", reason, "mid", newMid)
	if err := e.cancelAllOrders(ctx, true); err != nil {
		return err
	}
	if err := e.flattenPosition(ctx); err != nil {
		return fmt.Errorf("flatten during %s: %w", reason, err)
	}

	levels, err := e.determineLevelsPerSide(ctx, newMid)
	if err != nil {
		return err
	}
	layout, err := grid.Build(newMid, e.cfg, e.filters, levels)
	if err != nil {
		return err
	}
	e.installGrid(layout, state.New(newMid))
	e.logger.Info("rebuild complete",
		"center", layout.CenterPrice, "spacing", layout.Spacing,
		"levels_per_side", layout.LevelsPerSide, "total", len(layout.Levels),
		"lower", layout.LowerPrice, "upper", layout.UpperPrice)

	if err := e.establishBasePosition(ctx); err != nil {
		return err
	}
	if err := e.deployInitialOrders(ctx); err != nil {
		return err
	}
	e.stampRecenter()
	e.logOrderPanel("restart:" + reason)
	return nil
}

// cancelAllOrders issues the exchange-wide cancel and clears the local
// table. With ignoreErrors the REST failure is logged and the local clear
// still happens (the rebuild will redeploy from scratch anyway).
func (e *Engine) cancelAllOrders(ctx context.Context, ignoreErrors bool) error {
	err := e.client.WithRetry(ctx, "cancel all orders", func() error {
		return e.client.CancelAllOrders(ctx, e.cfg.Symbol)
	})
	if err != nil {
		if !ignoreErrors {
			return err
		}
		e.logger.Warn("cancel all orders failed, continuing", "error", err)
	}
	if _, st := e.current(); st != nil {
		st.Clear()
	}
	return nil
}

// ————————————————————————————————————————————————————————————————————————
// Guarded accessors
// ————————————————————————————————————————————————————————————————————————

func (e *Engine) current() (*grid.Layout, *state.RuntimeState) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.layout, e.st
}

// levelsSnapshot copies the current layout's levels. Layout.Levels is the
// one structure mutated in place after construction (the refill slot
// overwrite), so every reader takes a copy under the engine lock instead of
// holding the live slice.
func (e *Engine) levelsSnapshot() []grid.Level {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.layout == nil {
		return nil
	}
	out := make([]grid.Level, len(e.layout.Levels))
	copy(out, e.layout.Levels)
	return out
}

// levelAt returns the level currently stored at index.
func (e *Engine) levelAt(index int) (grid.Level, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.layout == nil || index < 0 || index >= len(e.layout.Levels) {
		return grid.Level{}, false
	}
	return e.layout.Levels[index], true
}

// storeRefillLevel writes a refill level into the vacated slot, or appends
// when the index ran off the end of the current layout, and returns the
// level as stored. This is the single in-place layout mutation; it shares
// the engine lock with every layout read.
func (e *Engine) storeRefillLevel(index int, side types.Side, price, quantity float64) grid.Level {
	e.mu.Lock()
	defer e.mu.Unlock()
	if index < 0 || index > len(e.layout.Levels) {
		index = len(e.layout.Levels)
	}
	level := grid.Level{Index: index, Side: side, Price: price, Quantity: quantity}
	if index < len(e.layout.Levels) {
		e.layout.Levels[index] = level
	} else {
		e.layout.Levels = append(e.layout.Levels, level)
	}
	return level
}

func (e *Engine) installGrid(layout *grid.Layout, st *state.RuntimeState) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.layout = layout
	e.st = st
}

func (e *Engine) topOfBook() (bid, ask float64) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.bestBid, e.bestAsk
}

func (e *Engine) setTopOfBook(bid, ask float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.bestBid, e.bestAsk = bid, ask
}

func (e *Engine) currentListenKey() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.listenKey
}

func (e *Engine) setListenKey(key string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listenKey = key
}

func (e *Engine) stampRecenter() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastRecenter = time.Now()
}

func (e *Engine) sinceRecenter() (time.Duration, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.lastRecenter.IsZero() {
		return 0, false
	}
	return time.Since(e.lastRecenter), true
}

func (e *Engine) formatPrice(v float64) string {
	return exchange.FormatDecimal(v, e.priceDecimals)
}

func (e *Engine) formatQuantity(v float64) string {
	return exchange.FormatDecimal(v, e.qtyDecimals)
}
