package fusion

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/fusiond/internal/config"
	"github.com/sawpanic/fusiond/internal/model"
	"github.com/sawpanic/fusiond/internal/obsmetrics"
	"github.com/sawpanic/fusiond/internal/period"
	"github.com/sawpanic/fusiond/internal/snapshot"
)

// testMetrics is shared by every test engine: NewRegistry registers its
// collectors on the global Prometheus registry, so it can only run once.
var testMetrics = obsmetrics.NewRegistry()

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	cfg := config.Default()
	cfg.UpstreamURL = "postgres://test"
	store := snapshot.NewStore("", "", 0) // disabled: pure in-memory
	return New(&cfg, nil, store, testMetrics)
}

func bar(symbol string, ts time.Time, o, h, l, c, v float64) model.Bar {
	return model.Bar{
		Symbol: symbol, Period: period.P1m, Datetime: ts, PeriodStart: ts,
		Open: o, High: h, Low: l, Close: c, Volume: v, IsClosed: true,
	}
}

// Scenario 1: single-bar warm-up seeds every derived period's unclosed
// state from the first base bar observed.
func TestSingleBarWarmup(t *testing.T) {
	e := newTestEngine(t)
	ts := time.Date(2025, 1, 6, 0, 0, 0, 0, time.UTC) // a Monday
	e.ApplyBaseBar(context.Background(), bar("BTCUSDT", ts, 100, 101, 99, 100.5, 10))

	base := e.Bars().Get(period.P1m, "BTCUSDT")
	require.Len(t, base, 1)
	assert.Equal(t, 100.5, base[0].Close)

	for _, p := range e.derivedPeriods {
		st, ok := e.unclosed[p]["BTCUSDT"]
		require.True(t, ok, "expected unclosed state for %s", p)
		assert.Equal(t, period.Floor(p, ts), st.PeriodStart)
		assert.Equal(t, 100.0, st.Open)
		assert.Equal(t, 101.0, st.High)
		assert.Equal(t, 99.0, st.Low)
		assert.Equal(t, 100.5, st.Close)
		assert.Equal(t, 10.0, st.Volume)
	}
}

// Scenario 2: a bar crossing into the next 5m bucket closes the prior
// bucket and starts a fresh 5m unclosed state, while higher periods keep
// accumulating into their own still-open bucket.
func TestBucketClose(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	t0 := time.Date(2025, 1, 6, 0, 0, 0, 0, time.UTC)
	e.ApplyBaseBar(ctx, bar("BTCUSDT", t0, 100, 101, 99, 100.5, 10))
	e.ApplyBaseBar(ctx, bar("BTCUSDT", t0.Add(5*time.Minute), 105, 106, 104, 105.5, 20))

	fiveMin := e.Bars().Get(period.P5m, "BTCUSDT")
	require.Len(t, fiveMin, 2) // closed 00:00 bar, then the flushed 00:05 unclosed bar
	closed := fiveMin[0]
	assert.True(t, closed.IsClosed)
	assert.Equal(t, t0, closed.Datetime)
	assert.Equal(t, 100.0, closed.Open)
	assert.Equal(t, 101.0, closed.High)
	assert.Equal(t, 99.0, closed.Low)
	assert.Equal(t, 100.5, closed.Close)
	assert.Equal(t, 10.0, closed.Volume)

	newUnclosed := e.unclosed[period.P5m]["BTCUSDT"]
	assert.Equal(t, t0.Add(5*time.Minute), newUnclosed.PeriodStart)
	assert.Equal(t, 105.0, newUnclosed.Open)
	assert.Equal(t, 20.0, newUnclosed.Volume)

	hourUnclosed := e.unclosed[period.P1h]["BTCUSDT"]
	assert.Equal(t, 100.0, hourUnclosed.Open)
	assert.Equal(t, 106.0, hourUnclosed.High)
	assert.Equal(t, 99.0, hourUnclosed.Low)
	assert.Equal(t, 105.5, hourUnclosed.Close)
	assert.Equal(t, 30.0, hourUnclosed.Volume)
}

// Scenario 3: a late-arriving row for a past bucket corrects the base
// cache but must not retro-adjust any higher-period roll-up.
func TestReorderedLateBarNoRetroAdjust(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	t0 := time.Date(2025, 1, 6, 0, 0, 0, 0, time.UTC)
	e.ApplyBaseBar(ctx, bar("BTCUSDT", t0, 100, 101, 99, 100.5, 10))
	e.ApplyBaseBar(ctx, bar("BTCUSDT", t0.Add(5*time.Minute), 105, 106, 104, 105.5, 20))

	hourBefore := e.unclosed[period.P1h]["BTCUSDT"]

	late := bar("BTCUSDT", t0.Add(2*time.Minute), 98, 99, 90, 98.5, 5)
	e.ApplyBaseBar(ctx, late)

	hourAfter := e.unclosed[period.P1h]["BTCUSDT"]
	assert.Equal(t, hourBefore, hourAfter, "higher-period unclosed state must not change on a late base bar")

	base := e.Bars().Get(period.P1m, "BTCUSDT")
	var found bool
	for _, b := range base {
		if b.Datetime.Equal(late.Datetime) {
			found = true
			assert.Equal(t, 90.0, b.Low)
		}
	}
	assert.True(t, found, "late bar must still be visible in the base cache")
}

// Scenario: exact duplicate (symbol, bucket_ts) is dropped entirely,
// first write wins.
func TestDuplicateBaseBarFirstWins(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	t0 := time.Date(2025, 1, 6, 0, 0, 0, 0, time.UTC)
	e.ApplyBaseBar(ctx, bar("BTCUSDT", t0, 100, 101, 99, 100.5, 10))
	before := e.unclosed[period.P5m]["BTCUSDT"]

	dup := bar("BTCUSDT", t0, 1, 2, 0.5, 1.5, 999)
	e.ApplyBaseBar(ctx, dup)

	after := e.unclosed[period.P5m]["BTCUSDT"]
	assert.Equal(t, before, after)
}

// Scenario 5: metrics roll-up is last-writer-wins, never a sum.
func TestMetricsLastWriterWins(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	t0 := time.Date(2025, 1, 6, 0, 0, 0, 0, time.UTC)

	m := func(ts time.Time, oi float64) model.Metrics {
		return model.Metrics{Symbol: "BTCUSDT", Period: period.P5m, Datetime: ts, PeriodStart: ts, OpenInterest: oi, IsClosed: true}
	}
	e.ApplyBaseMetrics(ctx, m(t0, 1000))
	e.ApplyBaseMetrics(ctx, m(t0.Add(5*time.Minute), 1010))
	e.ApplyBaseMetrics(ctx, m(t0.Add(10*time.Minute), 1020))

	st := e.metricsUnclosed[period.P15m]["BTCUSDT"]
	assert.Equal(t, 1020.0, st.OpenInterest)
}
