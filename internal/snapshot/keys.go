package snapshot

import (
	"fmt"
	"time"

	"github.com/sawpanic/fusiond/internal/period"
)

// keyPrefix namespaces every key this service writes to the shared store.
const keyPrefix = "fusion"

func lastSeenKey() string { return fmt.Sprintf("%s:meta.last_seen", keyPrefix) }

func barsHashKey(p period.Period, symbol string) string {
	return fmt.Sprintf("%s:hc:%s:%s", keyPrefix, p, symbol)
}

func unclosedKey(p period.Period, symbol string) string {
	return fmt.Sprintf("%s:unclosed:%s:%s", keyPrefix, p, symbol)
}

func metricsHashKey(p period.Period, symbol string) string {
	return fmt.Sprintf("%s:metrics:%s:%s", keyPrefix, p, symbol)
}

func klineChannel(symbol string, p period.Period) string {
	return fmt.Sprintf("kline:%s:%s", symbol, p)
}

func metricsChannel(symbol string, p period.Period) string {
	return fmt.Sprintf("metrics:%s:%s", symbol, p)
}

// ttlFor returns the snapshot TTL for a period, per §4.C's TTL table,
// carried over verbatim from the original implementation's _ttl_for_period.
func ttlFor(p period.Period) time.Duration {
	switch p {
	case period.P1m:
		return 24 * time.Hour
	case period.P5m:
		return 3 * 24 * time.Hour
	case period.P15m:
		return 7 * 24 * time.Hour
	case period.P1h:
		return 30 * 24 * time.Hour
	case period.P4h:
		return 60 * 24 * time.Hour
	case period.P1d, period.P1w:
		return 365 * 24 * time.Hour
	default:
		return 24 * time.Hour
	}
}
