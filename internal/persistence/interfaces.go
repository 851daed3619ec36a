// Package persistence defines the upstream time-series store contract
// (§4.D/§6.1): the schema-facing row shapes and the read patterns the
// fusion engine and the parallel catch-up engine issue against it.
package persistence

import (
	"context"
	"time"
)

// TimeRange represents a half-open or closed time window for a query; the
// exact bound semantics (inclusive/exclusive) are documented per method.
type TimeRange struct {
	From time.Time
	To   time.Time
}

// CandleRow mirrors one row of candles_{period}, per §6.1.
type CandleRow struct {
	Symbol              string    `db:"symbol"`
	Exchange            string    `db:"exchange"`
	BucketTS            time.Time `db:"bucket_ts"`
	Open                float64   `db:"open"`
	High                float64   `db:"high"`
	Low                 float64   `db:"low"`
	Close               float64   `db:"close"`
	Volume              float64   `db:"volume"`
	QuoteVolume         float64   `db:"quote_volume"`
	TradeCount          int64     `db:"trade_count"`
	TakerBuyVolume      float64   `db:"taker_buy_volume"`
	TakerBuyQuoteVolume float64   `db:"taker_buy_quote_volume"`
	IsClosed            bool      `db:"is_closed"`
}

// MetricsRow mirrors one row of binance_futures_metrics_{period}, per §6.1.
// Higher-period tables are materialised views keyed by `bucket` rather than
// `create_time`; CreateTime is populated from whichever column the query
// selected under that alias.
type MetricsRow struct {
	Symbol                        string    `db:"symbol"`
	Exchange                      string    `db:"exchange"`
	CreateTime                    time.Time `db:"create_time"`
	SumOpenInterest               float64   `db:"sum_open_interest"`
	SumOpenInterestValue          float64   `db:"sum_open_interest_value"`
	CountToptraderLongShortRatio  float64   `db:"count_toptrader_long_short_ratio"`
	SumToptraderLongShortRatio    float64   `db:"sum_toptrader_long_short_ratio"`
	CountLongShortRatio           float64   `db:"count_long_short_ratio"`
	SumTakerLongShortVolRatio     float64   `db:"sum_taker_long_short_vol_ratio"`
	IsClosed                      bool      `db:"is_closed"`
}

// NotifyPayload is the decoded shape of a LISTEN/NOTIFY message on
// candle_1m_update / metrics_5m_update, per §4.G/§6.1. The payload
// identifies a row to fetch; it never carries the row itself.
type NotifyPayload struct {
	Symbol   string  `json:"symbol"`
	BucketTS float64 `json:"bucket_ts"`
	IsClosed bool    `json:"is_closed"`
}

// UpstreamReader is the read-only contract against the time-series store.
// All read patterns are described in §4.D; SQL shape is an implementation
// detail, not part of the contract.
type UpstreamReader interface {
	// LoadWindow returns the latest N closed bars per symbol for period,
	// using a time-range lower bound rather than ROW_NUMBER (§4.D).
	LoadWindow(ctx context.Context, period string, symbols []string, lowerBound time.Time) ([]CandleRow, error)

	// LoadBaseBackload returns every closed base-period bar since since,
	// for the given symbols — used to back-load from the current week
	// start during warm-up.
	LoadBaseBackload(ctx context.Context, symbols []string, since time.Time) ([]CandleRow, error)

	// StreamCatchup streams every closed base-period row with
	// bucket_ts > lastSeen, ascending by (bucket_ts, symbol), invoking fn
	// per row. Implementations use a server-side cursor so the full
	// result set never needs to fit in memory.
	StreamCatchup(ctx context.Context, lastSeen time.Time, fn func(CandleRow) error) error

	// FetchSingleBar fetches one closed row by (symbol, bucket_ts); used
	// by the event loop's notify-then-fetch pattern (§4.G/§9).
	FetchSingleBar(ctx context.Context, symbol string, bucketTS time.Time) (CandleRow, bool, error)

	// BulkExport streams closed base-period rows in (from, to] for the
	// given symbols, ordered by (bucket_ts, symbol), via a COPY TO STDOUT
	// export (§4.F/§6.1). Used exclusively by the parallel catch-up
	// engine's per-task workers.
	BulkExport(ctx context.Context, from, to time.Time, symbols []string) ([]CandleRow, error)

	// LoadMetricsWindow and FetchSingleMetrics are the metrics-table
	// analogues of LoadWindow/FetchSingleBar.
	LoadMetricsWindow(ctx context.Context, period string, symbols []string, lowerBound time.Time) ([]MetricsRow, error)
	FetchSingleMetrics(ctx context.Context, symbol string, createTime time.Time) (MetricsRow, bool, error)

	// StreamCatchupMetrics is the metrics-table analogue of StreamCatchup,
	// used by the event loop's poll-fallback path to keep metrics derivation
	// running symmetric to bars (§4.E/§4.G).
	StreamCatchupMetrics(ctx context.Context, lastSeen time.Time, fn func(MetricsRow) error) error

	// DistinctSymbols enumerates the tracked symbol universe when none is
	// configured explicitly, by reading distinct symbols off the
	// base-period table.
	DistinctSymbols(ctx context.Context) ([]string, error)
}

// NotifyListener abstracts the dedicated LISTEN/NOTIFY connection (§4.D/§4.G).
type NotifyListener interface {
	Listen(ctx context.Context, channel string) (<-chan NotifyPayload, error)
	Close() error
}

// HealthCheck represents repository health status.
type HealthCheck struct {
	Healthy        bool
	Errors         []string
	ConnectionPool map[string]int
	LastCheck      time.Time
	ResponseTimeMS int64
}

// RepositoryHealth provides health monitoring for the persistence layer.
type RepositoryHealth interface {
	Health(ctx context.Context) HealthCheck
	Ping(ctx context.Context) error
	Stats(ctx context.Context) map[string]interface{}
}
