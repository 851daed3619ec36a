package snapshot

import (
	"testing"
	"time"

	"github.com/sawpanic/fusiond/internal/model"
	"github.com/sawpanic/fusiond/internal/period"
	"github.com/stretchr/testify/require"
)

func TestPackUnpackBarRoundTrip(t *testing.T) {
	ts := time.Date(2025, 1, 6, 0, 5, 0, 0, time.UTC)
	ps := time.Date(2025, 1, 6, 0, 0, 0, 0, time.UTC)
	b := model.Bar{
		Symbol: "BTCUSDT", Period: period.P5m, Datetime: ts, PeriodStart: ps,
		Open: 100, High: 106, Low: 99, Close: 105.5,
		Volume: 30, QuoteVolume: 3000, TradeCount: 8,
		TakerBuyVolume: 12, TakerBuyQuoteVolume: 1200, IsClosed: true,
	}
	raw, err := packBar(b)
	require.NoError(t, err)
	got, err := unpackBar(b.Symbol, b.Period, raw)
	require.NoError(t, err)
	require.Equal(t, b, got)
}

func TestPackUnpackMetricsRoundTrip(t *testing.T) {
	ts := time.Date(2025, 1, 6, 0, 10, 0, 0, time.UTC)
	m := model.Metrics{
		Symbol: "BTCUSDT", Period: period.P15m, Datetime: ts, PeriodStart: ts,
		OpenInterest: 1020, OpenInterestValue: 5000, CountToptraderLongShortRatio: 1.2,
		ToptraderLongShortRatio: 1.3, LongShortRatio: 1.1, TakerLongShortVolRatio: 0.9,
		IsClosed: false,
	}
	raw, err := packMetrics(m)
	require.NoError(t, err)
	got, err := unpackMetrics(m.Symbol, m.Period, raw)
	require.NoError(t, err)
	require.Equal(t, m, got)
}
