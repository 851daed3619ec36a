package cache

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"

	"github.com/sawpanic/fusiond/internal/model"
	"github.com/sawpanic/fusiond/internal/period"
)

// UpstreamFallback is implemented by the upstream reader for the optional
// cold-cache fallback described in §4.H.
type UpstreamFallback interface {
	FetchRecentBars(ctx context.Context, symbol string, p period.Period, limit int, onlyClosed bool) ([]model.Bar, error)
}

// Reader is the read-only API downstream strategy workers consume. It never
// mutates the WindowCache; the fusion engine is the only writer.
type Reader struct {
	bars     *WindowCache
	metrics  *MetricsWindowCache
	fallback UpstreamFallback // optional; nil disables fallback
}

func NewReader(bars *WindowCache, metrics *MetricsWindowCache, fallback UpstreamFallback) *Reader {
	return &Reader{bars: bars, metrics: metrics, fallback: fallback}
}

// GetBars returns the last limit bars for (symbol, period) in ascending
// time, optionally filtering to closed bars only. Falls back to the
// upstream store only when the cache has nothing for this key and a
// fallback reader was configured, per §4.H.
func (r *Reader) GetBars(ctx context.Context, symbol string, p period.Period, limit int, onlyClosed bool) ([]model.Bar, error) {
	all := r.bars.Get(p, symbol)
	if len(all) == 0 && r.fallback != nil {
		return r.fallback.FetchRecentBars(ctx, symbol, p, limit, onlyClosed)
	}
	return tailBars(all, limit, onlyClosed), nil
}

// GetLatest returns the single most recent bar for (symbol, period), or
// false if none is cached.
func (r *Reader) GetLatest(ctx context.Context, symbol string, p period.Period, onlyClosed bool) (model.Bar, bool, error) {
	bars, err := r.GetBars(ctx, symbol, p, 1, onlyClosed)
	if err != nil || len(bars) == 0 {
		return model.Bar{}, false, err
	}
	return bars[len(bars)-1], true, nil
}

// GetMetrics returns the last limit metrics records for (symbol, period).
func (r *Reader) GetMetrics(symbol string, p period.Period, limit int, onlyClosed bool) []model.Metrics {
	all := r.metrics.Get(p, symbol)
	return tailMetrics(all, limit, onlyClosed)
}

// GetLatestMetrics returns the single most recent metrics record.
func (r *Reader) GetLatestMetrics(symbol string, p period.Period, onlyClosed bool) (model.Metrics, bool) {
	m := r.GetMetrics(symbol, p, 1, onlyClosed)
	if len(m) == 0 {
		return model.Metrics{}, false
	}
	return m[len(m)-1], true
}

// ExportCSV writes the in-memory window for (period, symbol) to w, columns
// matching the upstream bulk-export order (§6.1) plus is_closed.
func (r *Reader) ExportCSV(w io.Writer, symbol string, p period.Period) error {
	cw := csv.NewWriter(w)
	defer cw.Flush()
	header := []string{"symbol", "bucket_ts", "open", "high", "low", "close", "volume", "quote_volume", "trade_count", "taker_buy_volume", "taker_buy_quote_volume", "is_closed"}
	if err := cw.Write(header); err != nil {
		return err
	}
	for _, b := range r.bars.Get(p, symbol) {
		row := []string{
			b.Symbol,
			strconv.FormatInt(b.Datetime.UTC().Unix(), 10),
			strconv.FormatFloat(b.Open, 'f', -1, 64),
			strconv.FormatFloat(b.High, 'f', -1, 64),
			strconv.FormatFloat(b.Low, 'f', -1, 64),
			strconv.FormatFloat(b.Close, 'f', -1, 64),
			strconv.FormatFloat(b.Volume, 'f', -1, 64),
			strconv.FormatFloat(b.QuoteVolume, 'f', -1, 64),
			strconv.FormatInt(b.TradeCount, 10),
			strconv.FormatFloat(b.TakerBuyVolume, 'f', -1, 64),
			strconv.FormatFloat(b.TakerBuyQuoteVolume, 'f', -1, 64),
			strconv.FormatBool(b.IsClosed),
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("export csv: %w", err)
		}
	}
	return nil
}

func tailBars(all []model.Bar, limit int, onlyClosed bool) []model.Bar {
	filtered := all
	if onlyClosed {
		filtered = make([]model.Bar, 0, len(all))
		for _, b := range all {
			if b.IsClosed {
				filtered = append(filtered, b)
			}
		}
	}
	if limit > 0 && len(filtered) > limit {
		filtered = filtered[len(filtered)-limit:]
	}
	return filtered
}

func tailMetrics(all []model.Metrics, limit int, onlyClosed bool) []model.Metrics {
	filtered := all
	if onlyClosed {
		filtered = make([]model.Metrics, 0, len(all))
		for _, m := range all {
			if m.IsClosed {
				filtered = append(filtered, m)
			}
		}
	}
	if limit > 0 && len(filtered) > limit {
		filtered = filtered[len(filtered)-limit:]
	}
	return filtered
}
