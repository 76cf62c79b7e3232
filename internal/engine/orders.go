// orders.go covers the per-order half of the controller: submission with
// the maker guard, repositioning when the book crosses a resting order,
// the recenter trigger, user-stream dispatch, and the fill-refill cycle.
package engine

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"aster-grid-bot/internal/exchange"
	"aster-grid-bot/internal/grid"
	"aster-grid-bot/internal/state"
	"aster-grid-bot/pkg/types"
)

// ————————————————————————————————————————————————————————————————————————
// Submission
// ————————————————————————————————————————————————————————————————————————

// ensureLevelHasOrder places a limit order for the level unless one already
// rests at the same (side, formatted price). The existence check repeats
// inside submission, so two concurrent calls for the same level collapse
// to a single exchange order.
func (e *Engine) ensureLevelHasOrder(ctx context.Context, level grid.Level) error {
	_, st := e.current()
	if st == nil {
		return nil
	}
	if st.OrderExists(level.Side, level.Price, e.formatPrice) {
		e.logger.Debug("order already exists, skip",
			"side", level.Side, "price", e.formatPrice(level.Price))
		return nil
	}
	return e.submitLevelOrder(ctx, level)
}

func (e *Engine) submitLevelOrder(ctx context.Context, level grid.Level) error {
	_, st := e.current()
	if st == nil {
		return nil
	}
	// Final check before the REST call.
	if st.OrderExists(level.Side, level.Price, e.formatPrice) {
		e.logger.Debug("order already exists at submission, skip",
			"side", level.Side, "price", e.formatPrice(level.Price))
		return nil
	}
	if e.cfg.MaxOpenOrders > 0 && st.OpenOrderCount() >= e.cfg.MaxOpenOrders {
		e.logger.Warn("max_open_orders reached, skip submission",
			"max", e.cfg.MaxOpenOrders, "side", level.Side, "price", e.formatPrice(level.Price))
		return nil
	}
	exposure := st.Exposure()
	if limit := e.cfg.MaxConcurrentPositionsPerSide; limit > 0 && exposure.ForSide(level.Side) >= limit {
		e.logger.Warn("max_concurrent_positions_per_side reached, skip submission",
			"max", limit, "side", level.Side, "price", e.formatPrice(level.Price))
		return nil
	}

	price := e.adjustPriceForGuard(level)
	quantity := level.Quantity
	clientID := e.makeClientID(level)
	req := exchange.OrderRequest{
		Symbol:        e.cfg.Symbol,
		Side:          level.Side,
		Type:          "LIMIT",
		TimeInForce:   "GTC",
		Price:         e.formatPrice(price),
		Quantity:      e.formatQuantity(quantity),
		ClientOrderID: clientID,
		ReduceOnly:    level.Side == types.SELL,
	}

	var ack types.OrderAck
	err := e.client.WithRetry(ctx, fmt.Sprintf("new order %s", level.Side), func() error {
		var err error
		ack, err = e.client.NewOrder(ctx, req)
		return err
	})
	if err != nil {
		if exchange.IsDuplicateOrder(err) {
			e.logger.Warn("duplicate order detected",
				"side", level.Side, "price", req.Price)
			return nil
		}
		return err
	}

	record := &state.OrderRecord{
		LevelIndex:    level.Index,
		Side:          level.Side,
		Price:         price,
		Quantity:      quantity,
		ClientOrderID: clientID,
		OrderID:       ack.OrderID,
		Status:        ack.Status,
	}
	if record.Status == "" {
		record.Status = types.StatusNew
	}
	st.TrackOrder(ack.OrderID, record)
	e.logger.Info("placed order",
		"side", level.Side, "order_id", ack.OrderID, "level", level.Index,
		"price", req.Price, "qty", req.Quantity)
	return nil
}

// adjustPriceForGuard moves the level price away from the opposite top of
// book until the maker-guard distance holds, one tick at a time, at most
// guardMaxSteps times. The returned price is tick-aligned and positive.
func (e *Engine) adjustPriceForGuard(level grid.Level) float64 {
	tick := e.filters.TickSize
	guardDistance := float64(max(0, e.cfg.MakerGuardTicks)) * tick
	bestBid, bestAsk := e.topOfBook()
	price := level.Price

	switch {
	case level.Side == types.BUY && bestAsk > 0:
		price = math.Min(price, bestAsk-tick)
		price = exchange.FloorToTick(price, tick)
		for i := 0; bestAsk-price <= guardDistance && price > tick; i++ {
			if i >= guardMaxSteps {
				break
			}
			price = math.Max(tick, price-tick)
		}
	case level.Side == types.SELL && bestBid > 0:
		price = math.Max(price, bestBid+tick)
		price = exchange.CeilToTick(price, tick)
		for i := 0; price-bestBid <= guardDistance; i++ {
			if i >= guardMaxSteps {
				break
			}
			price += tick
		}
	}
	return math.Max(tick, price)
}

func (e *Engine) makeClientID(level grid.Level) string {
	return fmt.Sprintf("MVP21_%s_%d_%d", e.cfg.Symbol, level.Index, time.Now().UnixMilli()%1_000_000)
}

// ————————————————————————————————————————————————————————————————————————
// Market events
// ————————————————————————————————————————————————————————————————————————

// onBookTicker is the market-stream callback: refresh top of book and
// liveness, then run the maker guard and the recenter check.
func (e *Engine) onBookTicker(bid, ask float64) {
	_, st := e.current()
	if st == nil {
		return
	}
	e.setTopOfBook(bid, ask)
	st.TouchMarket()
	mid := (bid + ask) / 2
	st.SetLastMid(mid)

	e.enforceMakerGuard(e.ctx)
	e.checkRecenter(e.ctx, mid)
}

// enforceMakerGuard repositions every resting order the book has moved
// into: too close to the opposite side means the next taker would make the
// order aggressive.
func (e *Engine) enforceMakerGuard(ctx context.Context) {
	_, st := e.current()
	if st == nil {
		return
	}
	guardDistance := float64(max(0, e.cfg.MakerGuardTicks)) * e.filters.TickSize
	bestBid, bestAsk := e.topOfBook()

	for orderID, record := range st.SnapshotIDs() {
		violated := false
		switch {
		case record.Side == types.BUY && bestAsk > 0:
			violated = bestAsk-record.Price <= guardDistance
		case record.Side == types.SELL && bestBid > 0:
			violated = record.Price-bestBid <= guardDistance
		}
		if violated {
			if err := e.moveOrder(ctx, orderID, record.Side); err != nil {
				e.logger.Error("reposition failed", "order_id", orderID, "error", err)
			}
		}
	}
}

// moveOrder cancels a guard-violating order and resubmits it at its grid
// level; the guard adjustment inside submission walks the price back
// outside the top of book.
func (e *Engine) moveOrder(ctx context.Context, orderID int64, side types.Side) error {
	_, st := e.current()
	if st == nil {
		return nil
	}
	record, ok := st.Get(orderID)
	if !ok {
		return nil
	}
	level, ok := e.levelAt(record.LevelIndex)
	if !ok {
		return nil
	}

	err := e.client.WithRetry(ctx, fmt.Sprintf("cancel order %d", orderID), func() error {
		return e.client.CancelOrder(ctx, e.cfg.Symbol, orderID)
	})
	if err != nil {
		if exchange.IsUnknownOrder(err) {
			e.logger.Debug("order already closed while repositioning", "order_id", orderID)
			st.DropOrder(orderID)
			return nil
		}
		return err
	}
	st.DropOrder(orderID)
	e.logger.Debug("repositioning order", "order_id", orderID, "side", side)
	return e.ensureLevelHasOrder(ctx, grid.Level{
		Index:    level.Index,
		Side:     side,
		Price:    level.Price,
		Quantity: level.Quantity,
	})
}

// checkRecenter triggers a rebuild when the mid has drifted beyond the
// threshold and the debounce window has elapsed.
func (e *Engine) checkRecenter(ctx context.Context, mid float64) {
	layout, st := e.current()
	if layout == nil || st == nil {
		return
	}
	span := layout.Spacing * float64(max(1, layout.LevelsPerSide))
	threshold := math.Max(e.cfg.RecenterThreshold*span, 2*layout.Spacing)
	if math.Abs(mid-st.GridCenter) < threshold {
		return
	}
	if age, ok := e.sinceRecenter(); ok && age < recenterDebounce {
		e.logger.Debug("recenter skipped by debounce", "age", age)
		return
	}
	e.logger.Warn("mid deviated from center, recentering",
		"mid", mid, "center", st.GridCenter, "threshold", threshold)
	if err := e.recenter(ctx, mid); err != nil {
		e.fatal(err)
	}
}

// ————————————————————————————————————————————————————————————————————————
// User events
// ————————————————————————————————————————————————————————————————————————

// onUserEvent is the user-stream callback, dispatched by event type.
func (e *Engine) onUserEvent(event types.UserEvent) {
	_, st := e.current()
	if st == nil {
		return
	}
	st.TouchUser()

	switch event.Type() {
	case types.EventListenKeyExpired:
		e.logger.Error("listen key expired, requesting a new one")
		var key string
		err := e.client.WithRetry(e.ctx, "listen key", func() error {
			var err error
			key, err = e.client.NewListenKey(e.ctx)
			return err
		})
		if err != nil {
			e.logger.Error("listen key renewal failed", "error", err)
			return
		}
		e.setListenKey(key)
	case types.EventOrderTradeUpdate:
		e.handleOrderTrade(e.ctx, event.Order)
	default:
		e.logger.Debug("unhandled user event", "type", event.Type())
	}
}

// handleOrderTrade resolves an order update against the local table
// (client id first, exchange id as fallback), drops terminal orders, and
// computes the refill for full fills.
func (e *Engine) handleOrderTrade(ctx context.Context, update types.OrderUpdate) {
	layout, st := e.current()
	if layout == nil || st == nil {
		return
	}
	if update.ClientOrderID == "" || update.Status == "" || update.Side == "" {
		e.logger.Warn("invalid order trade data, missing client_id/status/side")
		return
	}
	side := types.Side(update.Side)
	if side != types.BUY && side != types.SELL {
		return
	}

	// The critical section resolves the record and decides the refill; the
	// layout slot itself is written afterwards under the engine lock, which
	// guards all layout access.
	var refill *grid.Level
	st.Update(func(orders map[int64]*state.OrderRecord, byClientID map[string]int64, exposure *state.ExposureCounter) {
		record := orders[byClientID[update.ClientOrderID]]
		if record == nil && update.OrderID != 0 {
			record = orders[update.OrderID]
		}
		if record == nil {
			return
		}
		if update.OrderID != 0 {
			record.OrderID = update.OrderID
		}
		record.Status = update.Status

		drop := func() {
			delete(orders, record.OrderID)
			delete(byClientID, record.ClientOrderID)
		}

		if types.TerminalNonFill(update.Status) {
			drop()
			return
		}
		if update.ExecType != types.ExecTypeTrade {
			return
		}
		switch update.Status {
		case types.StatusPartiallyFilled:
			e.logger.Info("partial fill",
				"client_id", record.ClientOrderID, "side", side,
				"last_filled", parseFloat(update.LastFilledQty))
		case types.StatusFilled:
			e.logger.Info("order filled",
				"client_id", record.ClientOrderID, "side", side,
				"price", e.formatPrice(record.Price), "qty", e.formatQuantity(record.Quantity))
			drop()
			exposure.RecordFill(side)

			opposite := side.Opposite()
			target := e.computeRelaunchPrice(layout, opposite, record.Price)
			if target == nil {
				e.logger.Warn("no refill price available",
					"side", opposite, "after_fill_at", e.formatPrice(record.Price))
				return
			}
			refill = &grid.Level{
				Index:    record.LevelIndex,
				Side:     opposite,
				Price:    *target,
				Quantity: record.Quantity,
			}
		}
	})

	if refill != nil {
		respawn := e.storeRefillLevel(refill.Index, refill.Side, refill.Price, refill.Quantity)
		if st.OrderExists(respawn.Side, respawn.Price, e.formatPrice) {
			e.logger.Warn("order already exists, skip respawn",
				"side", respawn.Side, "price", e.formatPrice(respawn.Price))
		} else {
			e.logger.Info("refilling level",
				"side", respawn.Side, "price", e.formatPrice(respawn.Price), "after", side)
			if err := e.ensureLevelHasOrder(ctx, respawn); err != nil {
				e.logger.Error("refill failed", "error", err)
			}
		}
		e.logOrderPanel(string(side) + " fill")
	}
}

// computeRelaunchPrice derives the opposite-side refill price one spacing
// away from the fill, capped at the grid bounds. Nil means the target would
// leave the grid or land within a tick of the fill price.
func (e *Engine) computeRelaunchPrice(layout *grid.Layout, side types.Side, referencePrice float64) *float64 {
	spacing := layout.Spacing
	tick := e.filters.TickSize
	if side == types.SELL {
		raw := math.Max(referencePrice+spacing, referencePrice+tick)
		capped := math.Min(raw, layout.UpperPrice)
		if capped <= referencePrice {
			return nil
		}
		aligned := exchange.CeilToTick(capped, tick)
		return &aligned
	}
	raw := math.Min(referencePrice-spacing, referencePrice-tick)
	capped := math.Max(raw, layout.LowerPrice)
	// The lower bound may sit just under the fill price; a refill that
	// close would only churn.
	if math.Abs(capped-referencePrice) < tick {
		return nil
	}
	aligned := math.Max(tick, exchange.FloorToTick(capped, tick))
	return &aligned
}

// ————————————————————————————————————————————————————————————————————————
// Deployment and observability
// ————————————————————————————————————————————————————————————————————————

func (e *Engine) deployInitialOrders(ctx context.Context) error {
	for _, level := range e.levelsSnapshot() {
		if err := e.ensureLevelHasOrder(ctx, level); err != nil {
			return err
		}
	}
	e.logOrderPanel("deployment")
	return nil
}

// logOrderPanel logs a compact view of the resting orders: buys closest
// first, sells closest first, top 8 each.
func (e *Engine) logOrderPanel(context string) {
	_, st := e.current()
	if st == nil {
		return
	}
	snapshot := st.Snapshot()
	if len(snapshot) == 0 {
		e.logger.Info("order panel: no resting orders", "context", context)
		return
	}

	var buys, sells []*state.OrderRecord
	for _, record := range snapshot {
		if record.Side == types.BUY {
			buys = append(buys, record)
		} else {
			sells = append(sells, record)
		}
	}
	sort.Slice(buys, func(i, j int) bool { return buys[i].Price > buys[j].Price })
	sort.Slice(sells, func(i, j int) bool { return sells[i].Price < sells[j].Price })

	bestBid, bestAsk := e.topOfBook()
	var b strings.Builder
	fmt.Fprintf(&b, "Order panel [%s] mid~%s bid=%s ask=%s",
		context, e.formatPrice(st.LastMid()), e.formatPrice(bestBid), e.formatPrice(bestAsk))
	writeSide := func(label string, records []*state.OrderRecord) {
		if len(records) == 0 {
			b.WriteString("\n  " + label + ": none")
			return
		}
		b.WriteString("\n  " + label + " (closest first):")
		for i, record := range records {
			if i == 8 {
				fmt.Fprintf(&b, "\n    ... %d more", len(records)-8)
				break
			}
			fmt.Fprintf(&b, "\n    %s qty=%s", e.formatPrice(record.Price), e.formatQuantity(record.Quantity))
		}
	}
	writeSide("Buys", buys)
	writeSide("Sells", sells)
	e.logger.Info(b.String())
}

// parseFloat tolerates the empty string the exchange sends for unset
// numeric fields.
func parseFloat(s string) float64 {
	v, _ := strconv.ParseFloat(s, 64)
	return v
}
