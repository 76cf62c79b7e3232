// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the bot — order sides, REST
// response payloads, and WebSocket event payloads for the Aster futures
// API (Binance-futures compatible). It has no dependencies on internal
// packages, so it can be imported by any layer.
//
// The exchange returns every numeric field as a string to preserve decimal
// precision; payload structs keep them as strings and parsing happens at
// the gateway boundary.
package types

// Side represents the direction of an order: BUY or SELL.
type Side string

const (
	BUY  Side = "BUY"
	SELL Side = "SELL"
)

// Opposite returns the other side of the book.
func (s Side) Opposite() Side {
	if s == BUY {
		return SELL
	}
	return BUY
}

// Order statuses reported by the exchange.
const (
	StatusNew             = "NEW"
	StatusPartiallyFilled = "PARTIALLY_FILLED"
	StatusFilled          = "FILLED"
	StatusCanceled        = "CANCELED"
	StatusExpired         = "EXPIRED"
	StatusRejected        = "REJECTED"
)

// TerminalNonFill reports whether a status ends an order's life without a
// full fill.
func TerminalNonFill(status string) bool {
	switch status {
	case StatusCanceled, StatusExpired, StatusRejected:
		return true
	}
	return false
}

// ————————————————————————————————————————————————————————————————————————
// REST payloads
// ————————————————————————————————————————————————————————————————————————

// SymbolFilter is one entry of symbols[].filters in /fapi/v1/exchangeInfo.
// Only the fields the bot consumes are mapped; FilterType selects which of
// them are meaningful.
type SymbolFilter struct {
	FilterType  string `json:"filterType"`
	TickSize    string `json:"tickSize"`    // PRICE_FILTER
	StepSize    string `json:"stepSize"`    // LOT_SIZE
	MinQty      string `json:"minQty"`      // LOT_SIZE
	Notional    string `json:"notional"`    // MIN_NOTIONAL (newer schema)
	MinNotional string `json:"minNotional"` // MIN_NOTIONAL (older schema)
}

// SymbolInfo is one entry of symbols[] in /fapi/v1/exchangeInfo.
type SymbolInfo struct {
	Symbol  string         `json:"symbol"`
	Filters []SymbolFilter `json:"filters"`
}

// RateLimit is one entry of rateLimits[] in /fapi/v1/exchangeInfo.
type RateLimit struct {
	RateLimitType string `json:"rateLimitType"`
	Interval      string `json:"interval"`
	IntervalNum   int    `json:"intervalNum"`
	Limit         int    `json:"limit"`
}

// ExchangeInfoResponse is the body of GET /fapi/v1/exchangeInfo.
type ExchangeInfoResponse struct {
	Symbols    []SymbolInfo `json:"symbols"`
	RateLimits []RateLimit  `json:"rateLimits"`
}

// BookTicker is the top-of-book snapshot from GET /fapi/v1/ticker/bookTicker
// and from the <symbol>@bookTicker stream. The REST endpoint uses the long
// field names, the stream the short ones; the accessors pick whichever is
// present.
type BookTicker struct {
	Symbol   string `json:"symbol"`
	S        string `json:"s"`
	BidPrice string `json:"bidPrice"`
	B        string `json:"b"`
	AskPrice string `json:"askPrice"`
	A        string `json:"a"`
}

// SymbolName returns the symbol regardless of payload shape.
func (t BookTicker) SymbolName() string {
	if t.Symbol != "" {
		return t.Symbol
	}
	return t.S
}

// Bid returns the raw best-bid string regardless of payload shape.
func (t BookTicker) Bid() string {
	if t.BidPrice != "" {
		return t.BidPrice
	}
	return t.B
}

// Ask returns the raw best-ask string regardless of payload shape.
func (t BookTicker) Ask() string {
	if t.AskPrice != "" {
		return t.AskPrice
	}
	return t.A
}

// OrderAck is the acknowledgement returned by POST /fapi/v1/order and by the
// cancel endpoints.
type OrderAck struct {
	Symbol        string `json:"symbol"`
	OrderID       int64  `json:"orderId"`
	ClientOrderID string `json:"clientOrderId"`
	Price         string `json:"price"`
	OrigQty       string `json:"origQty"`
	Status        string `json:"status"`
	Type          string `json:"type"`
	Side          string `json:"side"`
}

// OpenOrder is one entry of GET /fapi/v1/openOrders.
type OpenOrder struct {
	Symbol        string `json:"symbol"`
	OrderID       int64  `json:"orderId"`
	ClientOrderID string `json:"clientOrderId"`
	Price         string `json:"price"`
	OrigQty       string `json:"origQty"`
	ExecutedQty   string `json:"executedQty"`
	Status        string `json:"status"`
	Side          string `json:"side"`
	ReduceOnly    bool   `json:"reduceOnly"`
}

// BalanceEntry is one entry of GET /fapi/v2/balance.
type BalanceEntry struct {
	Asset            string `json:"asset"`
	Balance          string `json:"balance"`
	AvailableBalance string `json:"availableBalance"`
}

// PositionEntry is one entry of GET /fapi/v2/positionRisk.
type PositionEntry struct {
	Symbol      string `json:"symbol"`
	PositionAmt string `json:"positionAmt"`
}

// AccountSnapshot is the subset of GET /fapi/v2/account the bot reads.
type AccountSnapshot struct {
	TotalWalletBalance string `json:"totalWalletBalance"`
	TotalMarginBalance string `json:"totalMarginBalance"`
}

// UserTrade is one entry of GET /fapi/v1/userTrades.
type UserTrade struct {
	Symbol  string `json:"symbol"`
	ID      int64  `json:"id"`
	OrderID int64  `json:"orderId"`
	Side    string `json:"side"`
	Price   string `json:"price"`
	Qty     string `json:"qty"`
	Time    int64  `json:"time"`
}

// ListenKeyResponse is the body of POST /fapi/v1/listenKey.
type ListenKeyResponse struct {
	ListenKey string `json:"listenKey"`
}

// ————————————————————————————————————————————————————————————————————————
// WebSocket events
// ————————————————————————————————————————————————————————————————————————

// StreamEnvelope wraps combined-stream payloads:
// {"stream":"btcusdt@bookTicker","data":{...}}. Single-stream connections
// deliver the inner object directly; the reader handles both shapes.
type StreamEnvelope struct {
	Stream string      `json:"stream"`
	Data   *BookTicker `json:"data"`
}

// OrderUpdate is the "o" object inside an ORDER_TRADE_UPDATE user event.
// Field names follow the wire format: single letters assigned by the
// exchange.
type OrderUpdate struct {
	Symbol        string `json:"s"`
	ClientOrderID string `json:"c"`
	Side          string `json:"S"`
	OrderType     string `json:"o"`
	OrigQty       string `json:"q"`
	Price         string `json:"p"`
	ExecType      string `json:"x"` // e.g. NEW, TRADE, CANCELED
	Status        string `json:"X"` // order status
	OrderID       int64  `json:"i"`
	LastFilledQty string `json:"l"`
	FilledQty     string `json:"z"`
	LastFillPrice string `json:"L"`
}

// UserEvent is a message from the authenticated user stream, dispatched by
// the "e" event-type discriminator.
type UserEvent struct {
	EventType string      `json:"e"`
	EventAlt  string      `json:"eventType"`
	EventTime int64       `json:"E"`
	Order     OrderUpdate `json:"o"`
}

// Type returns the event discriminator regardless of payload shape.
func (e UserEvent) Type() string {
	if e.EventType != "" {
		return e.EventType
	}
	return e.EventAlt
}

// User event types the bot reacts to.
const (
	EventOrderTradeUpdate = "ORDER_TRADE_UPDATE"
	EventListenKeyExpired = "listenKeyExpired"
	ExecTypeTrade         = "TRADE"
)
