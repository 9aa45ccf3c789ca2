// Package idgen hands out prefixed identifiers for streams, reports,
// requests and webhook deliveries. Ids are UUIDv7, so they sort by
// creation time.
package idgen

import (
	"encoding/hex"

	"github.com/google/uuid"
)

// Prefixes for the ids fraudwatch hands out.
const (
	PrefixStream  = "str_"
	PrefixReport  = "rpt_"
	PrefixRequest = "req_"
	PrefixWebhook = "wh_"
	PrefixEvent   = "evt_"
)

// WithPrefix returns prefix followed by 32 hex chars.
func WithPrefix(prefix string) string {
	id, err := uuid.NewV7()
	if err != nil {
		// Only fails when the system random source does.
		id = uuid.New()
	}
	return prefix + hex.EncodeToString(id[:])
}
