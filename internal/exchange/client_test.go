package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"strings"
	"testing"
	"time"

	"aster-grid-bot/internal/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testClientConfig(baseURL string, dryRun bool) *config.Config {
	return &config.Config{
		Symbol:               "BTCUSDT",
		RestBase:             baseURL,
		RecvWindow:           5000,
		DryRun:               dryRun,
		DryRunVirtualBalance: 10_000,
	}
}

func newTestClient(t *testing.T, baseURL string, dryRun bool) *Client {
	t.Helper()
	c, err := NewClient(testClientConfig(baseURL, dryRun), "test-key", "test-secret", testLogger())
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return c
}

func TestNewClientRequiresCredentialsWhenLive(t *testing.T) {
	t.Parallel()
	_, err := NewClient(testClientConfig("http://localhost", false), "", "", testLogger())
	if err == nil {
		t.Fatal("expected error for live mode without credentials")
	}
}

func TestSignedRequestShape(t *testing.T) {
	t.Parallel()
	var gotPath, gotQuery, gotAPIKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		gotAPIKey = r.Header.Get("X-MBX-APIKEY")
		w.Write([]byte(`{"symbol":"BTCUSDT","leverage":20}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, false)
	if err := c.SetLeverage(context.Background(), "BTCUSDT", 20); err != nil {
		t.Fatalf("SetLeverage: %v", err)
	}

	if gotPath != "/fapi/v1/leverage" {
		t.Errorf("path = %q, want /fapi/v1/leverage", gotPath)
	}
	if gotAPIKey != "test-key" {
		t.Errorf("X-MBX-APIKEY = %q, want test-key", gotAPIKey)
	}

	values, err := url.ParseQuery(gotQuery)
	if err != nil {
		t.Fatalf("parse query: %v", err)
	}
	for _, key := range []string{"symbol", "leverage", "timestamp", "recvWindow", "signature"} {
		if values.Get(key) == "" {
			t.Errorf("query missing %s", key)
		}
	}

	// The signature must cover exactly the query string minus the trailing
	// signature parameter.
	idx := strings.LastIndex(gotQuery, "&signature=")
	if idx < 0 {
		t.Fatal("signature not appended last")
	}
	unsigned := gotQuery[:idx]
	if want := Sign(unsigned, "test-secret"); values.Get("signature") != want {
		t.Errorf("signature = %q, want %q", values.Get("signature"), want)
	}
}

func TestSignDeterministicHexDigest(t *testing.T) {
	t.Parallel()
	// A 64-char hex digest that is stable for a query and changes with it.
	got := Sign("symbol=BTCUSDT&timestamp=1", "secret")
	if len(got) != 64 {
		t.Fatalf("digest length = %d, want 64 hex chars", len(got))
	}
	if got != Sign("symbol=BTCUSDT&timestamp=1", "secret") {
		t.Error("digest not deterministic")
	}
	if got == Sign("symbol=BTCUSDT&timestamp=2", "secret") {
		t.Error("digest ignores the query")
	}
}

func TestErrorPayloadMapping(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"code":-2011,"msg":"Unknown order sent."}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, false)
	err := c.CancelOrder(context.Background(), "BTCUSDT", 12345)
	if err == nil {
		t.Fatal("expected error")
	}
	var api *APIError
	if !errors.As(err, &api) {
		t.Fatalf("error type = %T, want *APIError", err)
	}
	if api.Status != 400 || api.Code != -2011 {
		t.Errorf("APIError = %+v, want status 400 code -2011", api)
	}
	if !IsUnknownOrder(err) {
		t.Error("IsUnknownOrder = false, want true")
	}
}

func TestErrorEnvelopeInOKResponse(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"code":-1021,"msg":"Timestamp outside recvWindow."}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, false)
	err := c.SetLeverage(context.Background(), "BTCUSDT", 20)
	var api *APIError
	if !errors.As(err, &api) || api.Code != -1021 {
		t.Fatalf("err = %v, want APIError code -1021", err)
	}
	if !IsRetryable(err) {
		t.Error("IsRetryable(-1021) = false, want true")
	}
}

func TestWithRetryRecoversFromRateLimit(t *testing.T) {
	t.Parallel()
	c := newTestClient(t, "http://localhost", true)

	attempts := 0
	start := time.Now()
	err := c.WithRetry(context.Background(), "test", func() error {
		attempts++
		if attempts == 1 {
			return &APIError{Status: 429, Message: "rate limited"}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("WithRetry: %v", err)
	}
	if attempts != 2 {
		t.Errorf("attempts = %d, want 2", attempts)
	}
	if elapsed := time.Since(start); elapsed < time.Second {
		t.Errorf("backoff elapsed = %v, want >= 1s", elapsed)
	}
}

func TestWithRetrySurfacesFatalImmediately(t *testing.T) {
	t.Parallel()
	c := newTestClient(t, "http://localhost", true)

	attempts := 0
	err := c.WithRetry(context.Background(), "test", func() error {
		attempts++
		return &APIError{Status: 400, Code: -1102, Message: "mandatory parameter"}
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1 (no retry on fatal)", attempts)
	}
}

func TestWithRetryGivesUpAfterMaxAttempts(t *testing.T) {
	// Not parallel: this test sleeps through the full backoff ladder.
	if testing.Short() {
		t.Skip("skipping backoff ladder in -short mode")
	}
	c := newTestClient(t, "http://localhost", true)

	attempts := 0
	err := c.WithRetry(context.Background(), "test", func() error {
		attempts++
		return &APIError{Status: 503}
	})
	if err == nil {
		t.Fatal("expected error after exhausting attempts")
	}
	if attempts != 5 {
		t.Errorf("attempts = %d, want 5", attempts)
	}
}

func TestGetExchangeInfo(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/fapi/v1/exchangeInfo" {
			t.Errorf("path = %q", r.URL.Path)
		}
		w.Write([]byte(`{
			"symbols":[{"symbol":"BTCUSDT","filters":[
				{"filterType":"PRICE_FILTER","tickSize":"0.01"},
				{"filterType":"LOT_SIZE","stepSize":"0.001","minQty":"0.001"},
				{"filterType":"MIN_NOTIONAL","notional":"5"}
			]}],
			"rateLimits":[{"rateLimitType":"REQUEST_WEIGHT","interval":"MINUTE","intervalNum":1,"limit":2400}]
		}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, false)
	filters, limits, err := c.GetExchangeInfo(context.Background(), "BTCUSDT")
	if err != nil {
		t.Fatalf("GetExchangeInfo: %v", err)
	}
	if filters.TickSize != 0.01 || filters.StepSize != 0.001 || filters.MinNotional != 5 {
		t.Errorf("filters = %+v", filters)
	}
	if len(limits) != 1 || limits[0].Limit != 2400 {
		t.Errorf("rate limits = %+v", limits)
	}
}

func TestGetExchangeInfoUnknownSymbol(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"symbols":[]}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, false)
	_, _, err := c.GetExchangeInfo(context.Background(), "NOPEUSDT")
	var api *APIError
	if !errors.As(err, &api) || api.Status != 404 {
		t.Fatalf("err = %v, want APIError 404", err)
	}
}

func TestGetBookTickerBothShapes(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		body string
	}{
		{"long fields", `{"symbol":"BTCUSDT","bidPrice":"60000.00","askPrice":"60001.00"}`},
		{"short fields", `{"s":"BTCUSDT","b":"60000.00","a":"60001.00"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if got := r.URL.Query().Get("symbol"); got != "BTCUSDT" {
					t.Errorf("symbol param = %q", got)
				}
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			c := newTestClient(t, srv.URL, false)
			bid, ask, err := c.GetBookTicker(context.Background(), "BTCUSDT")
			if err != nil {
				t.Fatalf("GetBookTicker: %v", err)
			}
			if bid != 60000 || ask != 60001 {
				t.Errorf("bid/ask = %v/%v, want 60000/60001", bid, ask)
			}
		})
	}
}

func TestGetAvailableBalanceShapes(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		body string
		want float64
	}{
		{"bare list", `[{"asset":"USDT","availableBalance":"1234.56"}]`, 1234.56},
		{"data wrapper", `{"data":[{"asset":"USDT","availableBalance":"99.5"}]}`, 99.5},
		{"asset absent", `[{"asset":"BTC","availableBalance":"1"}]`, 0},
		{"unparseable number", `[{"asset":"USDT","availableBalance":"oops"}]`, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			c := newTestClient(t, srv.URL, false)
			got, err := c.GetAvailableBalance(context.Background(), "USDT")
			if err != nil {
				t.Fatalf("GetAvailableBalance: %v", err)
			}
			if got != tt.want {
				t.Errorf("balance = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestGetPositionAmountShapes(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		body string
		want float64
	}{
		{"bare list", `[{"symbol":"BTCUSDT","positionAmt":"0.004"}]`, 0.004},
		{"positions wrapper", `{"positions":[{"symbol":"BTCUSDT","positionAmt":"-0.002"}]}`, -0.002},
		{"rows wrapper", `{"rows":[{"symbol":"BTCUSDT","positionAmt":"1.5"}]}`, 1.5},
		{"symbol absent", `[{"symbol":"ETHUSDT","positionAmt":"9"}]`, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			c := newTestClient(t, srv.URL, false)
			got, err := c.GetPositionAmount(context.Background(), "BTCUSDT")
			if err != nil {
				t.Fatalf("GetPositionAmount: %v", err)
			}
			if got != tt.want {
				t.Errorf("position = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNewOrderRequestValues(t *testing.T) {
	t.Parallel()
	var got url.Values
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = url.ParseQuery(r.URL.RawQuery)
		json.NewEncoder(w).Encode(map[string]any{
			"orderId": 777, "clientOrderId": "MVP21_BTCUSDT_0_1", "status": "NEW",
		})
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, false)
	ack, err := c.NewOrder(context.Background(), OrderRequest{
		Symbol:        "BTCUSDT",
		Side:          "SELL",
		Type:          "LIMIT",
		TimeInForce:   "GTC",
		Price:         "60020.00",
		Quantity:      "0.001",
		ClientOrderID: "MVP21_BTCUSDT_0_1",
		ReduceOnly:    true,
	})
	if err != nil {
		t.Fatalf("NewOrder: %v", err)
	}
	if ack.OrderID != 777 {
		t.Errorf("OrderID = %d, want 777", ack.OrderID)
	}

	want := map[string]string{
		"symbol":           "BTCUSDT",
		"side":             "SELL",
		"type":             "LIMIT",
		"timeInForce":      "GTC",
		"price":            "60020.00",
		"quantity":         "0.001",
		"newClientOrderId": "MVP21_BTCUSDT_0_1",
		"reduceOnly":       "true",
	}
	for key, value := range want {
		if got.Get(key) != value {
			t.Errorf("param %s = %q, want %q", key, got.Get(key), value)
		}
	}
}

func TestMarketOrderOmitsPriceAndTIF(t *testing.T) {
	t.Parallel()
	values := OrderRequest{
		Symbol:   "BTCUSDT",
		Side:     "BUY",
		Type:     "MARKET",
		Quantity: "0.004",
	}.values()
	if values.Has("price") {
		t.Error("market order carries price")
	}
	if values.Has("timeInForce") {
		t.Error("market order carries timeInForce")
	}
	if values.Has("reduceOnly") {
		t.Error("reduceOnly false should be omitted")
	}
}

func TestDryRunShortCircuits(t *testing.T) {
	t.Parallel()
	// No server: every call below must succeed without touching the network.
	c := newTestClient(t, "http://127.0.0.1:0", true)
	ctx := context.Background()

	ack, err := c.NewOrder(ctx, OrderRequest{Symbol: "BTCUSDT", Side: "BUY", Type: "LIMIT", Price: "1", Quantity: "1"})
	if err != nil {
		t.Fatalf("NewOrder: %v", err)
	}
	if ack.OrderID == 0 {
		t.Error("dry-run ack missing synthetic order id")
	}
	if ack.Status != "NEW" {
		t.Errorf("dry-run ack status = %q, want NEW", ack.Status)
	}

	if err := c.CancelOrder(ctx, "BTCUSDT", 1); err != nil {
		t.Errorf("CancelOrder: %v", err)
	}
	if err := c.CancelAllOrders(ctx, "BTCUSDT"); err != nil {
		t.Errorf("CancelAllOrders: %v", err)
	}
	if err := c.SetLeverage(ctx, "BTCUSDT", 20); err != nil {
		t.Errorf("SetLeverage: %v", err)
	}
	if err := c.SetMarginType(ctx, "BTCUSDT", "CROSSED"); err != nil {
		t.Errorf("SetMarginType: %v", err)
	}

	balance, err := c.GetAvailableBalance(ctx, "USDT")
	if err != nil || balance != 10_000 {
		t.Errorf("balance = %v err=%v, want virtual 10000", balance, err)
	}
	position, err := c.GetPositionAmount(ctx, "BTCUSDT")
	if err != nil || position != 0 {
		t.Errorf("position = %v err=%v, want 0", position, err)
	}

	key, err := c.NewListenKey(ctx)
	if err != nil {
		t.Fatalf("NewListenKey: %v", err)
	}
	if !strings.HasPrefix(key, "dry-") {
		t.Errorf("listen key = %q, want dry- prefix", key)
	}
	if err := c.KeepAliveListenKey(ctx, key); err != nil {
		t.Errorf("KeepAliveListenKey: %v", err)
	}
	if err := c.CloseListenKey(ctx, key); err != nil {
		t.Errorf("CloseListenKey: %v", err)
	}
}
