package fusion

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/fusiond/internal/config"
	"github.com/sawpanic/fusiond/internal/period"
	"github.com/sawpanic/fusiond/internal/persistence"
	"github.com/sawpanic/fusiond/internal/snapshot"
)

type fakeReader struct {
	rows []persistence.CandleRow
}

func (f *fakeReader) LoadWindow(context.Context, string, []string, time.Time) ([]persistence.CandleRow, error) {
	return nil, nil
}
func (f *fakeReader) LoadBaseBackload(context.Context, []string, time.Time) ([]persistence.CandleRow, error) {
	return nil, nil
}
func (f *fakeReader) StreamCatchup(context.Context, time.Time, func(persistence.CandleRow) error) error {
	return nil
}
func (f *fakeReader) FetchSingleBar(context.Context, string, time.Time) (persistence.CandleRow, bool, error) {
	return persistence.CandleRow{}, false, nil
}
func (f *fakeReader) BulkExport(_ context.Context, from, to time.Time, symbols []string) ([]persistence.CandleRow, error) {
	wanted := make(map[string]bool, len(symbols))
	for _, s := range symbols {
		wanted[s] = true
	}
	var out []persistence.CandleRow
	for _, r := range f.rows {
		if wanted[r.Symbol] && r.BucketTS.After(from) && !r.BucketTS.After(to) {
			out = append(out, r)
		}
	}
	return out, nil
}
func (f *fakeReader) LoadMetricsWindow(context.Context, string, []string, time.Time) ([]persistence.MetricsRow, error) {
	return nil, nil
}
func (f *fakeReader) FetchSingleMetrics(context.Context, string, time.Time) (persistence.MetricsRow, bool, error) {
	return persistence.MetricsRow{}, false, nil
}
func (f *fakeReader) StreamCatchupMetrics(context.Context, time.Time, func(persistence.MetricsRow) error) error {
	return nil
}
func (f *fakeReader) DistinctSymbols(context.Context) ([]string, error) { return nil, nil }

func genRows(symbol string, start time.Time, n int) []persistence.CandleRow {
	rows := make([]persistence.CandleRow, 0, n)
	for i := 0; i < n; i++ {
		ts := start.Add(time.Duration(i) * time.Minute)
		rows = append(rows, persistence.CandleRow{
			Symbol: symbol, BucketTS: ts,
			Open: 100 + float64(i), High: 101 + float64(i), Low: 99 + float64(i), Close: 100.5 + float64(i),
			Volume: 10, QuoteVolume: 1000, TradeCount: 5, TakerBuyVolume: 4, TakerBuyQuoteVolume: 400,
			IsClosed: true,
		})
	}
	return rows
}

// Scenario 4: replaying the same stream of base bars through the parallel
// catch-up path must produce the same closed bars and unclosed states as
// the serial per-bar path.
func TestParallelCatchupParity(t *testing.T) {
	start := time.Date(2025, 1, 6, 0, 0, 0, 0, time.UTC)
	rows := genRows("BTCUSDT", start, 12) // spans two 5m buckets fully, rest unclosed

	cfg := config.Default()
	cfg.UpstreamURL = "postgres://test"
	reg := testMetrics

	serial := New(&cfg, &fakeReader{}, snapshot.NewStore("", "", 0), reg)
	ctx := context.Background()
	for _, row := range rows {
		serial.ApplyBaseBar(ctx, rowToBar(row, serial.basePeriod, true))
	}

	parallel := New(&cfg, &fakeReader{rows: rows}, snapshot.NewStore("", "", 0), reg)
	// catch-up covers (lastSeen, now]; start it just before the first row so
	// the replay covers exactly the generated stream.
	parallel.lastSeen = start.Add(-time.Minute)
	now := start.Add(12 * time.Minute)
	require.NoError(t, parallel.ParallelCatchup(ctx, []string{"BTCUSDT"}, now))

	serialFive := serial.Bars().Get(period.P5m, "BTCUSDT")
	parallelFive := parallel.Bars().Get(period.P5m, "BTCUSDT")
	require.Equal(t, len(serialFive), len(parallelFive))
	for i := range serialFive {
		assert.Equal(t, serialFive[i].Datetime, parallelFive[i].Datetime)
		assert.Equal(t, serialFive[i].Open, parallelFive[i].Open)
		assert.Equal(t, serialFive[i].High, parallelFive[i].High)
		assert.Equal(t, serialFive[i].Low, parallelFive[i].Low)
		assert.Equal(t, serialFive[i].Close, parallelFive[i].Close)
		assert.Equal(t, serialFive[i].Volume, parallelFive[i].Volume)
		assert.Equal(t, serialFive[i].IsClosed, parallelFive[i].IsClosed)
	}
}
