// Package exchange implements the Aster futures REST gateway and the two
// WebSocket stream readers.
//
// The REST client (Client) is the only path to the exchange control plane:
//   - GetExchangeInfo:      GET  /fapi/v1/exchangeInfo      — symbol filters
//   - GetBookTicker:        GET  /fapi/v1/ticker/bookTicker — top of book
//   - SetLeverage:          POST /fapi/v1/leverage          (signed)
//   - SetMarginType:        POST /fapi/v1/marginType        (signed)
//   - NewOrder:             POST /fapi/v1/order             (signed)
//   - CancelOrder:          DELETE /fapi/v1/order           (signed)
//   - CancelAllOrders:      DELETE /fapi/v1/allOpenOrders   (signed)
//   - GetOpenOrders:        GET  /fapi/v1/openOrders        (signed)
//   - GetAvailableBalance:  GET  /fapi/v2/balance           (signed)
//   - GetPositionAmount:    GET  /fapi/v2/positionRisk      (signed)
//   - GetAccountEquity:     GET  /fapi/v2/account           (signed)
//   - GetUserTrades:        GET  /fapi/v1/userTrades        (signed)
//   - listen-key lifecycle: POST/PUT/DELETE /fapi/v1/listenKey (signed)
//
// Signed requests carry timestamp and recvWindow and are serialized through
// a single mutex so that two in-flight requests can never sign with
// out-of-order timestamps. Every request passes a per-category rate limiter
// first. In dry-run mode all state-mutating endpoints short-circuit and
// return synthetic acknowledgements.
package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"aster-grid-bot/internal/config"
	"aster-grid-bot/pkg/types"
)

const maxRetryDelay = 32 * time.Second

// Client is the Aster futures REST API client.
type Client struct {
	http       *resty.Client
	rl         *RateLimiter
	apiKey     string
	apiSecret  string
	recvWindow int
	dryRun     bool
	virtualBal float64
	signMu     sync.Mutex // serializes signed requests (timestamp ordering)
	logger     *slog.Logger
}

// NewClient creates a REST client with rate limiting and dry-run support.
// Credentials are required when cfg.DryRun is false.
func NewClient(cfg *config.Config, apiKey, apiSecret string, logger *slog.Logger) (*Client, error) {
	if !cfg.DryRun && (apiKey == "" || apiSecret == "") {
		return nil, fmt.Errorf("API key/secret required when dry_run is false")
	}

	transport := &http.Transport{
		DialContext:           (&net.Dialer{Timeout: 10 * time.Second}).DialContext,
		ResponseHeaderTimeout: 15 * time.Second,
		MaxConnsPerHost:       20,
		MaxIdleConnsPerHost:   5,
		IdleConnTimeout:       90 * time.Second,
	}
	httpClient := resty.New().
		SetBaseURL(cfg.RestBase).
		SetTransport(transport).
		SetTimeout(30 * time.Second).
		SetHeader("User-Agent", "aster-grid-bot/2.1")

	return &Client{
		http:       httpClient,
		rl:         NewRateLimiter(),
		apiKey:     apiKey,
		apiSecret:  apiSecret,
		recvWindow: cfg.RecvWindow,
		dryRun:     cfg.DryRun,
		virtualBal: cfg.DryRunVirtualBalance,
		logger:     logger.With("component", "rest"),
	}, nil
}

// Close releases idle transport connections.
func (c *Client) Close() {
	c.http.GetClient().CloseIdleConnections()
}

// GetExchangeInfo loads the filters and rate limits for one symbol.
func (c *Client) GetExchangeInfo(ctx context.Context, symbol string) (SymbolFilters, []types.RateLimit, error) {
	var info types.ExchangeInfoResponse
	if err := c.publicGet(ctx, "/fapi/v1/exchangeInfo", nil, &info); err != nil {
		return SymbolFilters{}, nil, err
	}
	for _, s := range info.Symbols {
		if s.Symbol == symbol {
			filters, err := ParseFilters(s.Filters)
			if err != nil {
				return SymbolFilters{}, nil, err
			}
			return filters, info.RateLimits, nil
		}
	}
	return SymbolFilters{}, nil, &APIError{Status: 404, Message: fmt.Sprintf("symbol %s not found", symbol)}
}

// GetBookTicker fetches the current best bid and ask.
func (c *Client) GetBookTicker(ctx context.Context, symbol string) (bid, ask float64, err error) {
	var ticker types.BookTicker
	params := url.Values{"symbol": {symbol}}
	if err := c.publicGet(ctx, "/fapi/v1/ticker/bookTicker", params, &ticker); err != nil {
		return 0, 0, err
	}
	bid, err = strconv.ParseFloat(ticker.Bid(), 64)
	if err != nil {
		return 0, 0, fmt.Errorf("parse bid %q: %w", ticker.Bid(), err)
	}
	ask, err = strconv.ParseFloat(ticker.Ask(), 64)
	if err != nil {
		return 0, 0, fmt.Errorf("parse ask %q: %w", ticker.Ask(), err)
	}
	return bid, ask, nil
}

// SetMarginType configures CROSSED or ISOLATED margin. Callers swallow
// already-set responses via IsAlreadySet.
func (c *Client) SetMarginType(ctx context.Context, symbol, marginType string) error {
	if c.dryRun {
		c.logger.Info("DRY-RUN: would set margin type", "symbol", symbol, "margin_type", marginType)
		return nil
	}
	params := url.Values{"symbol": {symbol}, "marginType": {marginType}}
	return c.signedRequest(ctx, http.MethodPost, "/fapi/v1/marginType", params, c.rl.Order, nil)
}

// SetLeverage configures the symbol leverage. Callers swallow already-set
// responses via IsAlreadySet.
func (c *Client) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	if c.dryRun {
		c.logger.Info("DRY-RUN: would set leverage", "symbol", symbol, "leverage", leverage)
		return nil
	}
	params := url.Values{"symbol": {symbol}, "leverage": {strconv.Itoa(leverage)}}
	return c.signedRequest(ctx, http.MethodPost, "/fapi/v1/leverage", params, c.rl.Order, nil)
}

// OrderRequest describes a single order submission. Price and Quantity are
// pre-formatted strings so the caller controls decimal places.
type OrderRequest struct {
	Symbol        string
	Side          types.Side
	Type          string // LIMIT or MARKET
	TimeInForce   string // GTC for limit orders, empty for market
	Price         string // empty for market orders
	Quantity      string
	ClientOrderID string
	ReduceOnly    bool
}

func (r OrderRequest) values() url.Values {
	params := url.Values{
		"symbol":   {r.Symbol},
		"side":     {string(r.Side)},
		"type":     {r.Type},
		"quantity": {r.Quantity},
	}
	if r.TimeInForce != "" {
		params.Set("timeInForce", r.TimeInForce)
	}
	if r.Price != "" {
		params.Set("price", r.Price)
	}
	if r.ClientOrderID != "" {
		params.Set("newClientOrderId", r.ClientOrderID)
	}
	if r.ReduceOnly {
		params.Set("reduceOnly", "true")
	}
	return params
}

// NewOrder submits an order. A duplicate client id surfaces as an APIError
// matching IsDuplicateOrder.
func (c *Client) NewOrder(ctx context.Context, req OrderRequest) (types.OrderAck, error) {
	if c.dryRun {
		ack := types.OrderAck{
			Symbol:        req.Symbol,
			OrderID:       rand.Int64N(1_000_000_000),
			ClientOrderID: req.ClientOrderID,
			Price:         req.Price,
			OrigQty:       req.Quantity,
			Status:        types.StatusNew,
			Type:          req.Type,
			Side:          string(req.Side),
		}
		c.logger.Info("DRY-RUN: would place order",
			"side", req.Side, "type", req.Type, "price", req.Price, "qty", req.Quantity,
			"client_id", req.ClientOrderID, "reduce_only", req.ReduceOnly)
		return ack, nil
	}
	var ack types.OrderAck
	err := c.signedRequest(ctx, http.MethodPost, "/fapi/v1/order", req.values(), c.rl.Order, &ack)
	return ack, err
}

// CancelOrder cancels one order by exchange id.
func (c *Client) CancelOrder(ctx context.Context, symbol string, orderID int64) error {
	if c.dryRun {
		c.logger.Info("DRY-RUN: would cancel order", "order_id", orderID)
		return nil
	}
	params := url.Values{"symbol": {symbol}, "orderId": {strconv.FormatInt(orderID, 10)}}
	return c.signedRequest(ctx, http.MethodDelete, "/fapi/v1/order", params, c.rl.Cancel, nil)
}

// CancelAllOrders cancels every open order on the symbol.
func (c *Client) CancelAllOrders(ctx context.Context, symbol string) error {
	if c.dryRun {
		c.logger.Info("DRY-RUN: would cancel all orders", "symbol", symbol)
		return nil
	}
	params := url.Values{"symbol": {symbol}}
	return c.signedRequest(ctx, http.MethodDelete, "/fapi/v1/allOpenOrders", params, c.rl.Cancel, nil)
}

// GetOpenOrders lists resting orders on the symbol.
func (c *Client) GetOpenOrders(ctx context.Context, symbol string) ([]types.OpenOrder, error) {
	if c.dryRun {
		return nil, nil
	}
	var orders []types.OpenOrder
	params := url.Values{"symbol": {symbol}}
	if err := c.signedRequest(ctx, http.MethodGet, "/fapi/v1/openOrders", params, c.rl.Read, &orders); err != nil {
		return nil, err
	}
	return orders, nil
}

// GetAvailableBalance returns the free balance for one asset, 0 when the
// asset is absent or the payload does not parse.
func (c *Client) GetAvailableBalance(ctx context.Context, asset string) (float64, error) {
	if c.dryRun {
		return c.virtualBal, nil
	}
	var raw json.RawMessage
	if err := c.signedRequest(ctx, http.MethodGet, "/fapi/v2/balance", url.Values{}, c.rl.Read, &raw); err != nil {
		return 0, err
	}
	for _, entry := range decodeRecords[types.BalanceEntry](raw) {
		if entry.Asset == asset {
			return parseFloatOrZero(entry.AvailableBalance), nil
		}
	}
	return 0, nil
}

// GetPositionAmount returns the signed position size for the symbol, 0 when
// flat or when the payload does not parse.
func (c *Client) GetPositionAmount(ctx context.Context, symbol string) (float64, error) {
	if c.dryRun {
		return 0, nil
	}
	var raw json.RawMessage
	if err := c.signedRequest(ctx, http.MethodGet, "/fapi/v2/positionRisk", url.Values{}, c.rl.Read, &raw); err != nil {
		return 0, err
	}
	for _, entry := range decodeRecords[types.PositionEntry](raw) {
		if entry.Symbol == symbol {
			return parseFloatOrZero(entry.PositionAmt), nil
		}
	}
	return 0, nil
}

// GetAccountEquity returns the total margin balance of the account.
func (c *Client) GetAccountEquity(ctx context.Context) (float64, error) {
	if c.dryRun {
		return c.virtualBal, nil
	}
	var snap types.AccountSnapshot
	if err := c.signedRequest(ctx, http.MethodGet, "/fapi/v2/account", url.Values{}, c.rl.Read, &snap); err != nil {
		return 0, err
	}
	if snap.TotalMarginBalance != "" {
		return parseFloatOrZero(snap.TotalMarginBalance), nil
	}
	return parseFloatOrZero(snap.TotalWalletBalance), nil
}

// GetUserTrades lists account trades for the symbol since startTime (ms).
func (c *Client) GetUserTrades(ctx context.Context, symbol string, startTime int64) ([]types.UserTrade, error) {
	if c.dryRun {
		return nil, nil
	}
	params := url.Values{"symbol": {symbol}}
	if startTime > 0 {
		params.Set("startTime", strconv.FormatInt(startTime, 10))
	}
	var trades []types.UserTrade
	if err := c.signedRequest(ctx, http.MethodGet, "/fapi/v1/userTrades", params, c.rl.Read, &trades); err != nil {
		return nil, err
	}
	return trades, nil
}

// NewListenKey opens a user-stream session and returns its token.
func (c *Client) NewListenKey(ctx context.Context) (string, error) {
	if c.dryRun {
		key := "dry-" + uuid.NewString()
		c.logger.Info("DRY-RUN: would open listen key", "listen_key", key)
		return key, nil
	}
	var resp types.ListenKeyResponse
	if err := c.signedRequest(ctx, http.MethodPost, "/fapi/v1/listenKey", url.Values{}, c.rl.Read, &resp); err != nil {
		return "", err
	}
	return resp.ListenKey, nil
}

// KeepAliveListenKey extends the user-stream session.
func (c *Client) KeepAliveListenKey(ctx context.Context, listenKey string) error {
	if c.dryRun {
		c.logger.Debug("DRY-RUN: would keepalive listen key")
		return nil
	}
	params := url.Values{"listenKey": {listenKey}}
	return c.signedRequest(ctx, http.MethodPut, "/fapi/v1/listenKey", params, c.rl.Read, nil)
}

// CloseListenKey terminates the user-stream session.
func (c *Client) CloseListenKey(ctx context.Context, listenKey string) error {
	if c.dryRun {
		c.logger.Info("DRY-RUN: would close listen key")
		return nil
	}
	params := url.Values{"listenKey": {listenKey}}
	return c.signedRequest(ctx, http.MethodDelete, "/fapi/v1/listenKey", params, c.rl.Read, nil)
}

// WithRetry runs op, retrying rate-limit-family failures with exponential
// backoff: 1s, 2s, 4s, ... capped at 32s, at most 5 attempts. Any other
// failure surfaces immediately.
func (c *Client) WithRetry(ctx context.Context, label string, op func() error) error {
	const maxAttempts = 5
	delay := time.Second
	for attempt := 1; ; attempt++ {
		err := op()
		if err == nil {
			return nil
		}
		if attempt >= maxAttempts || !IsRetryable(err) {
			return err
		}
		c.logger.Warn("retrying after rate limit",
			"label", label, "error", err, "delay", delay, "attempt", attempt, "max_attempts", maxAttempts)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > maxRetryDelay {
			delay = maxRetryDelay
		}
	}
}

func (c *Client) publicGet(ctx context.Context, path string, params url.Values, out any) error {
	if err := c.rl.Read.Wait(ctx); err != nil {
		return err
	}
	req := c.http.R().SetContext(ctx)
	if len(params) > 0 {
		req.SetQueryParamsFromValues(params)
	}
	resp, err := req.Get(path)
	if err != nil {
		return fmt.Errorf("GET %s: %w", path, err)
	}
	return decodeResponse(resp, out)
}

func (c *Client) signedRequest(ctx context.Context, method, path string, params url.Values, limiter *rate.Limiter, out any) error {
	if c.apiKey == "" || c.apiSecret == "" {
		return fmt.Errorf("API credentials missing for signed request")
	}
	if err := limiter.Wait(ctx); err != nil {
		return err
	}

	// The timestamp must be signed and sent under the same lock so that a
	// concurrent request cannot reach the exchange with an older one.
	c.signMu.Lock()
	defer c.signMu.Unlock()

	params.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
	params.Set("recvWindow", strconv.Itoa(c.recvWindow))
	query := params.Encode()
	signed := path + "?" + query + "&signature=" + Sign(query, c.apiSecret)

	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("X-MBX-APIKEY", c.apiKey).
		Execute(method, signed)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	return decodeResponse(resp, out)
}

func decodeResponse(resp *resty.Response, out any) error {
	body := resp.Body()
	if resp.StatusCode() >= 400 {
		return parseAPIError(resp.StatusCode(), body)
	}
	// Some success payloads still carry an error envelope.
	var probe struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
	}
	if json.Unmarshal(body, &probe) == nil && probe.Code < 0 {
		return &APIError{Status: resp.StatusCode(), Code: probe.Code, Message: probe.Msg}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func parseAPIError(status int, body []byte) error {
	var payload struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return &APIError{Status: status, Message: string(body)}
	}
	return &APIError{Status: status, Code: payload.Code, Message: payload.Msg}
}

// decodeRecords extracts a record list that some gateways return bare and
// others wrap in a {data|positions|rows: [...]} envelope.
func decodeRecords[T any](raw json.RawMessage) []T {
	var records []T
	if err := json.Unmarshal(raw, &records); err == nil {
		return records
	}
	var wrapper struct {
		Data      []T `json:"data"`
		Positions []T `json:"positions"`
		Rows      []T `json:"rows"`
	}
	if err := json.Unmarshal(raw, &wrapper); err != nil {
		return nil
	}
	switch {
	case len(wrapper.Data) > 0:
		return wrapper.Data
	case len(wrapper.Positions) > 0:
		return wrapper.Positions
	default:
		return wrapper.Rows
	}
}

func parseFloatOrZero(s string) float64 {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}
