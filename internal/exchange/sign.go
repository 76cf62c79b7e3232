// sign.go implements request authentication for the Aster futures REST API:
// an HMAC-SHA256 hex digest over the URL-encoded query string, appended as
// signature=<digest>, with the API key carried in the X-MBX-APIKEY header.
package exchange

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// Sign computes the hex HMAC-SHA256 digest of query under secret.
func Sign(query, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(query))
	return hex.EncodeToString(mac.Sum(nil))
}
