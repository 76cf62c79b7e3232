// ws.go implements the two WebSocket feeds for real-time exchange data.
//
// Two independent readers run concurrently:
//
//   - Market stream (public): long-lived subscription to the symbol's
//     bookTicker stream; decodes best-bid/best-ask updates and hands them
//     to the controller.
//
//   - User stream (authenticated): connects with a listen key and hands
//     raw user events (order/trade updates, listen-key expiry) to the
//     controller.
//
// Both readers reconnect forever with a fixed delay (3s market, 5s user);
// silent server failures are detected by a read deadline that the ping
// cycle keeps extending.
package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"aster-grid-bot/pkg/types"
)

const (
	wsPingInterval       = 20 * time.Second
	wsPongTimeout        = 20 * time.Second
	wsCloseTimeout       = 10 * time.Second
	marketReconnectDelay = 3 * time.Second
	userReconnectDelay   = 5 * time.Second
)

// MarketStream reads best-bid/best-ask updates for a single symbol.
type MarketStream struct {
	url      string
	symbol   string
	onTicker func(bid, ask float64)
	logger   *slog.Logger
}

// NewMarketStream creates a reader for <symbol>@bookTicker. onTicker is
// invoked on the reader goroutine for every decoded update.
func NewMarketStream(wsBase, symbol string, onTicker func(bid, ask float64), logger *slog.Logger) *MarketStream {
	streamURL := fmt.Sprintf("%s/stream?streams=%s@bookTicker",
		strings.TrimRight(wsBase, "/"), strings.ToLower(symbol))
	return &MarketStream{
		url:      streamURL,
		symbol:   symbol,
		onTicker: onTicker,
		logger:   logger.With("component", "ws_market"),
	}
}

// Run connects and maintains the market stream with auto-reconnect.
// Blocks until ctx is cancelled.
func (s *MarketStream) Run(ctx context.Context) error {
	s.logger.Info("connecting market stream", "url", s.url)
	for {
		err := readLoop(ctx, s.url, s.handleMessage)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.logger.Warn("market stream disconnected, reconnecting", "error", err, "delay", marketReconnectDelay)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(marketReconnectDelay):
		}
	}
}

func (s *MarketStream) handleMessage(data []byte) {
	var envelope types.StreamEnvelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		s.logger.Debug("ignoring non-json market message", "data", string(data))
		return
	}
	ticker := envelope.Data
	if ticker == nil {
		var flat types.BookTicker
		if err := json.Unmarshal(data, &flat); err != nil {
			return
		}
		ticker = &flat
	}
	if ticker.SymbolName() != s.symbol {
		return
	}
	bid, errB := strconv.ParseFloat(ticker.Bid(), 64)
	ask, errA := strconv.ParseFloat(ticker.Ask(), 64)
	if errB != nil || errA != nil {
		s.logger.Debug("ignoring unparseable book ticker", "bid", ticker.Bid(), "ask", ticker.Ask())
		return
	}
	s.onTicker(bid, ask)
}

// UserStream reads authenticated account events. The listen key is
// re-resolved on every connection attempt so a key refreshed after expiry
// is picked up automatically.
type UserStream struct {
	base      string
	listenKey func() string
	onEvent   func(types.UserEvent)
	logger    *slog.Logger
}

// NewUserStream creates a reader for {ws_user}/ws/<listenKey>.
func NewUserStream(wsBase string, listenKey func() string, onEvent func(types.UserEvent), logger *slog.Logger) *UserStream {
	return &UserStream{
		base:      strings.TrimRight(wsBase, "/"),
		listenKey: listenKey,
		onEvent:   onEvent,
		logger:    logger.With("component", "ws_user"),
	}
}

// Run connects and maintains the user stream with auto-reconnect.
// Blocks until ctx is cancelled.
func (s *UserStream) Run(ctx context.Context) error {
	for {
		key := s.listenKey()
		if key == "" {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(userReconnectDelay):
			}
			continue
		}
		url := s.base + "/ws/" + key
		s.logger.Info("connecting user stream")
		err := readLoop(ctx, url, s.handleMessage)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.logger.Warn("user stream disconnected, reconnecting", "error", err, "delay", userReconnectDelay)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(userReconnectDelay):
		}
	}
}

func (s *UserStream) handleMessage(data []byte) {
	var event types.UserEvent
	if err := json.Unmarshal(data, &event); err != nil {
		s.logger.Debug("ignoring non-json user message", "data", string(data))
		return
	}
	if event.Type() == "" {
		return
	}
	s.onEvent(event)
}

// readLoop dials url and pumps messages into handle until the connection
// drops or ctx is cancelled. A ping every wsPingInterval keeps the read
// deadline moving; a server that stops answering pongs times the read out.
func readLoop(ctx context.Context, url string, handle func([]byte)) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	deadline := func() time.Time { return time.Now().Add(wsPingInterval + wsPongTimeout) }
	conn.SetReadDeadline(deadline())
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(deadline())
	})

	pingCtx, cancelPing := context.WithCancel(ctx)
	defer cancelPing()
	go func() {
		ticker := time.NewTicker(wsPingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-pingCtx.Done():
				// Nudge the reader out of its blocking read on shutdown.
				conn.SetReadDeadline(time.Now().Add(wsCloseTimeout))
				return
			case <-ticker.C:
				conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsPingInterval))
			}
		}
	}()

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		handle(msg)
	}
}
