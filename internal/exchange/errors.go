// errors.go defines the typed REST error and the classifiers the
// controller matches on. The exchange multiplexes very different
// conditions onto numeric codes; rather than branching on raw ints at
// every call site, callers ask the intent-level question
// (IsAlreadySet, IsUnknownOrder, ...).
package exchange

import (
	"errors"
	"fmt"
)

// APIError is returned whenever the REST API answers with a non-2xx status
// or an error payload. Status is the HTTP status; Code the exchange error
// code from the body (0 when absent).
type APIError struct {
	Status  int
	Code    int
	Message string
}

func (e *APIError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("rest error %d (code %d): %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("rest error %d: %s", e.Status, e.Message)
}

// retryableStatus is the HTTP rate-limit / transient family.
var retryableStatus = map[int]bool{418: true, 429: true, 500: true, 503: true}

// retryableCode is the exchange rate-limit code family.
var retryableCode = map[int]bool{418: true, 429: true, -1003: true, -1015: true, -1021: true, -1099: true}

// alreadySetCode covers "margin type already set" / "leverage unchanged"
// responses that the caller treats as success.
var alreadySetCode = map[int]bool{-4046: true, -4098: true, -4100: true, -4003: true, -4056: true}

// Retryable reports whether the error belongs to the rate-limit family and
// should be retried with backoff.
func (e *APIError) Retryable() bool {
	return retryableStatus[e.Status] || retryableCode[e.Code]
}

// IsAlreadySet reports whether err is an "already configured" response from
// the margin-type or leverage endpoints.
func IsAlreadySet(err error) bool {
	var api *APIError
	return errors.As(err, &api) && alreadySetCode[api.Code]
}

// IsUnknownOrder reports whether err means the order no longer exists on
// the exchange. During repositioning a cancel that races a fill lands here
// and is treated as success.
func IsUnknownOrder(err error) bool {
	var api *APIError
	return errors.As(err, &api) && (api.Code == -2011 || api.Code == -2013)
}

// IsDuplicateOrder reports whether a submission was rejected because an
// order with the same client id already rests.
func IsDuplicateOrder(err error) bool {
	var api *APIError
	return errors.As(err, &api) && api.Code == -2011
}

// IsRetryable reports whether err is a retryable APIError.
func IsRetryable(err error) bool {
	var api *APIError
	return errors.As(err, &api) && api.Retryable()
}
