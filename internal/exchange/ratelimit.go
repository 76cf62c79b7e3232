// ratelimit.go applies client-side rate limiting to the REST gateway.
//
// The exchange enforces request-weight and order-count limits per minute;
// the gateway stays comfortably below them with per-category token buckets
// so that a burst of repositioning can never trip the server-side limiter
// (which would cost a 429/-1003 ban window). Three categories are used:
// order placement and account setup, cancels, and everything else (reads
// and listen-key calls).
package exchange

import (
	"golang.org/x/time/rate"
)

// RateLimiter groups token buckets by endpoint category. Each call site
// waits on the appropriate bucket before issuing the HTTP request.
type RateLimiter struct {
	Order  *rate.Limiter // POST /fapi/v1/order, /fapi/v1/leverage, /fapi/v1/marginType
	Cancel *rate.Limiter // DELETE /fapi/v1/order, /fapi/v1/allOpenOrders
	Read   *rate.Limiter // public + signed GETs, /fapi/v1/listenKey
}

// NewRateLimiter creates limiters with conservative defaults well under
// the published per-minute allowances.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		Order:  rate.NewLimiter(rate.Limit(5), 10),
		Cancel: rate.NewLimiter(rate.Limit(5), 10),
		Read:   rate.NewLimiter(rate.Limit(10), 20),
	}
}
