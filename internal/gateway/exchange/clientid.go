package exchange

import (
	"crypto/sha256"
	"encoding/hex"
)

const clientOrderIDPrefix = "gptbot-"

// ClientOrderID derives the venue client order id from an idempotency key, so
// the venue itself refuses a second submission of the same intent.
func ClientOrderID(idempotencyKey string) string {
	sum := sha256.Sum256([]byte(idempotencyKey))
	return clientOrderIDPrefix + hex.EncodeToString(sum[:])[:24]
}
