// Package model defines the value types the fusion engine synthesises:
// closed/in-progress OHLCV bars and futures-sentiment metrics snapshots.
package model

import (
	"fmt"
	"time"

	"github.com/sawpanic/fusiond/internal/period"
)

// Bar is a closed or in-progress OHLCV candle for one (symbol, period).
type Bar struct {
	Symbol     string       `json:"symbol" msgpack:"-"`
	Period     period.Period `json:"period" msgpack:"-"`
	Datetime   time.Time    `json:"datetime" msgpack:"-"`
	PeriodStart time.Time   `json:"period_start" msgpack:"-"`

	Open  float64 `json:"open" msgpack:"o"`
	High  float64 `json:"high" msgpack:"h"`
	Low   float64 `json:"low" msgpack:"l"`
	Close float64 `json:"close" msgpack:"c"`

	Volume              float64 `json:"volume" msgpack:"v"`
	QuoteVolume         float64 `json:"quote_volume" msgpack:"qv"`
	TradeCount          int64   `json:"trade_count" msgpack:"tc"`
	TakerBuyVolume      float64 `json:"taker_buy_volume" msgpack:"tbv"`
	TakerBuyQuoteVolume float64 `json:"taker_buy_quote_volume" msgpack:"tbqv"`

	IsClosed bool `json:"is_closed" msgpack:"x"`
}

// Validate checks the OHLC ordering and non-negativity invariants from §3.
func (b Bar) Validate() error {
	lo := min(b.Open, b.Close)
	hi := max(b.Open, b.Close)
	if b.Low > lo || hi > b.High {
		return fmt.Errorf("bar %s/%s@%s: low=%v high=%v open=%v close=%v violate low<=min<=max<=high",
			b.Symbol, b.Period, b.Datetime, b.Low, b.High, b.Open, b.Close)
	}
	if b.Volume < 0 || b.TakerBuyVolume < 0 || b.TakerBuyVolume > b.Volume {
		return fmt.Errorf("bar %s/%s@%s: volume=%v taker_buy_volume=%v violate 0<=tbv<=volume",
			b.Symbol, b.Period, b.Datetime, b.Volume, b.TakerBuyVolume)
	}
	if b.QuoteVolume < 0 || b.TakerBuyQuoteVolume < 0 || b.TakerBuyQuoteVolume > b.QuoteVolume {
		return fmt.Errorf("bar %s/%s@%s: quote_volume=%v taker_buy_quote_volume=%v violate 0<=tbqv<=qv",
			b.Symbol, b.Period, b.Datetime, b.QuoteVolume, b.TakerBuyQuoteVolume)
	}
	return nil
}

// UnclosedState is the single currently-forming bucket for (symbol, period).
// It carries the same OHLCV fields as Bar but has no Datetime of its own
// until it is flushed (Datetime is set to the latest base timestamp seen).
type UnclosedState struct {
	Symbol      string
	Period      period.Period
	PeriodStart time.Time

	Open  float64
	High  float64
	Low   float64
	Close float64

	Volume              float64
	QuoteVolume         float64
	TradeCount          int64
	TakerBuyVolume      float64
	TakerBuyQuoteVolume float64
}

// ToBar materialises the unclosed state as a closed or in-progress Bar.
func (u UnclosedState) ToBar(datetime time.Time, isClosed bool) Bar {
	return Bar{
		Symbol:              u.Symbol,
		Period:              u.Period,
		Datetime:            datetime,
		PeriodStart:         u.PeriodStart,
		Open:                u.Open,
		High:                u.High,
		Low:                 u.Low,
		Close:               u.Close,
		Volume:              u.Volume,
		QuoteVolume:         u.QuoteVolume,
		TradeCount:          u.TradeCount,
		TakerBuyVolume:      u.TakerBuyVolume,
		TakerBuyQuoteVolume: u.TakerBuyQuoteVolume,
		IsClosed:            isClosed,
	}
}

// ApplyBase folds a closed base-period bar into the accumulator: high/low
// extend, close tracks latest, the five volume-shaped fields sum.
func (u *UnclosedState) ApplyBase(b Bar) {
	if b.High > u.High {
		u.High = b.High
	}
	if b.Low < u.Low {
		u.Low = b.Low
	}
	u.Close = b.Close
	u.Volume += b.Volume
	u.QuoteVolume += b.QuoteVolume
	u.TradeCount += b.TradeCount
	u.TakerBuyVolume += b.TakerBuyVolume
	u.TakerBuyQuoteVolume += b.TakerBuyQuoteVolume
}

// NewUnclosedFromBase initialises a fresh accumulator from the first base
// bar observed in a new bucket.
func NewUnclosedFromBase(symbol string, p period.Period, periodStart time.Time, b Bar) UnclosedState {
	return UnclosedState{
		Symbol:              symbol,
		Period:              p,
		PeriodStart:         periodStart,
		Open:                b.Open,
		High:                b.High,
		Low:                 b.Low,
		Close:               b.Close,
		Volume:              b.Volume,
		QuoteVolume:         b.QuoteVolume,
		TradeCount:          b.TradeCount,
		TakerBuyVolume:      b.TakerBuyVolume,
		TakerBuyQuoteVolume: b.TakerBuyQuoteVolume,
	}
}

func min(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

func max(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
