package model

import (
	"testing"
	"time"

	"github.com/sawpanic/fusiond/internal/period"
	"github.com/stretchr/testify/require"
)

func TestBarValidate(t *testing.T) {
	ok := Bar{Symbol: "BTCUSDT", Period: period.P1m, Open: 100, High: 101, Low: 99, Close: 100.5, Volume: 10, TakerBuyVolume: 4}
	require.NoError(t, ok.Validate())

	bad := ok
	bad.Low = 102
	require.Error(t, bad.Validate())

	badTaker := ok
	badTaker.TakerBuyVolume = 20
	require.Error(t, badTaker.Validate())
}

func TestUnclosedStateApplyBaseAccumulates(t *testing.T) {
	now := time.Date(2025, 1, 6, 0, 0, 0, 0, time.UTC)
	b1 := Bar{Open: 100, High: 101, Low: 99, Close: 100.5, Volume: 10, QuoteVolume: 1000, TradeCount: 3, TakerBuyVolume: 4, TakerBuyQuoteVolume: 400}
	u := NewUnclosedFromBase("BTCUSDT", period.P5m, now, b1)
	require.Equal(t, 100.0, u.Open)
	require.Equal(t, 10.0, u.Volume)

	b2 := Bar{Open: 105, High: 106, Low: 104, Close: 105.5, Volume: 20, QuoteVolume: 2000, TradeCount: 5, TakerBuyVolume: 8, TakerBuyQuoteVolume: 800}
	u.ApplyBase(b2)
	require.Equal(t, 106.0, u.High)
	require.Equal(t, 99.0, u.Low)
	require.Equal(t, 105.5, u.Close)
	require.Equal(t, 30.0, u.Volume)
	require.Equal(t, int64(8), u.TradeCount)
}
