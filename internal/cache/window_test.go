package cache

import (
	"testing"
	"time"

	"github.com/sawpanic/fusiond/internal/model"
	"github.com/sawpanic/fusiond/internal/period"
	"github.com/stretchr/testify/require"
)

func bar(t time.Time, closed bool) model.Bar {
	return model.Bar{Symbol: "BTCUSDT", Period: period.P5m, Datetime: t, PeriodStart: t, IsClosed: closed, Open: 1, High: 1, Low: 1, Close: 1}
}

func TestWindowCacheAtMostOneUnclosed(t *testing.T) {
	c := NewWindowCache(period.P1m, 500)
	base := time.Date(2025, 1, 6, 0, 0, 0, 0, time.UTC)

	c.Append(period.P5m, bar(base, false))
	c.Append(period.P5m, bar(base.Add(5*time.Minute), false))

	got := c.Get(period.P5m, "BTCUSDT")
	require.Len(t, got, 1)
	require.Equal(t, base.Add(5*time.Minute), got[0].Datetime)
}

func TestWindowCacheClosedReplacesUnclosedSamePeriodStart(t *testing.T) {
	c := NewWindowCache(period.P1m, 500)
	base := time.Date(2025, 1, 6, 0, 0, 0, 0, time.UTC)

	c.Append(period.P5m, bar(base, false))
	closed := bar(base, true)
	c.Append(period.P5m, closed)

	got := c.Get(period.P5m, "BTCUSDT")
	require.Len(t, got, 1)
	require.True(t, got[0].IsClosed)
}

func TestWindowCacheTrimsNonBasePeriod(t *testing.T) {
	c := NewWindowCache(period.P1m, 3)
	base := time.Date(2025, 1, 6, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 10; i++ {
		c.Append(period.P5m, bar(base.Add(time.Duration(i)*5*time.Minute), true))
	}
	got := c.Get(period.P5m, "BTCUSDT")
	require.Len(t, got, 3)
	require.Equal(t, base.Add(9*5*time.Minute), got[2].Datetime)
}

func TestWindowCacheBasePeriodUnbounded(t *testing.T) {
	c := NewWindowCache(period.P1m, 3)
	base := time.Date(2025, 1, 6, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 10; i++ {
		c.Append(period.P1m, bar(base.Add(time.Duration(i)*time.Minute), true))
	}
	got := c.Get(period.P1m, "BTCUSDT")
	require.Len(t, got, 10)
}
