// Package xid mints prefixed identifiers for ledger records. The prefix
// makes IDs self-describing in logs ("sess-", "line-") and the random
// suffix guards against collisions when two terminals mint in the same
// nanosecond.
package xid

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

const randomBytes = 8

// New returns "<prefix>-<unixnano>-<random hex>". If the random source
// fails the timestamp alone still yields a usable, loggable ID.
func New(prefix string) string {
	now := time.Now().UnixNano()
	suffix := make([]byte, randomBytes)
	if _, err := rand.Read(suffix); err != nil {
		return fmt.Sprintf("%s-%d", prefix, now)
	}
	return fmt.Sprintf("%s-%d-%s", prefix, now, hex.EncodeToString(suffix))
}
