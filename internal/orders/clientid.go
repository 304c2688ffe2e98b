package orders

import (
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// MaxClientOrderIDLen matches the broker's order-ref limit.
const MaxClientOrderIDLen = 40

// ManualClientOrderID derives a per-order id from a batch base token and a
// sequence number: base + base36(seq). The base is truncated so the result
// never exceeds MaxClientOrderIDLen.
func ManualClientOrderID(base string, seq int64) string {
	if seq < 0 {
		seq = -seq
	}
	suffix := strconv.FormatInt(seq, 36)
	base = strings.TrimSpace(base)
	if room := MaxClientOrderIDLen - len(suffix); len(base) > room {
		base = base[:room]
	}
	return base + suffix
}

// NewBatchBase returns a fresh random base token for ManualClientOrderID.
func NewBatchBase(prefix string) string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		return id[:16]
	}
	return prefix + "-" + id[:12] + "-"
}
