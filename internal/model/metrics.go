package model

import (
	"time"

	"github.com/sawpanic/fusiond/internal/period"
)

// Metrics is a futures-sentiment snapshot sampled at a 5m boundary. Unlike
// Bar, metrics are snapshot-typed: roll-up to higher periods keeps the
// latest base sample rather than summing.
type Metrics struct {
	Symbol      string        `json:"symbol" msgpack:"-"`
	Period      period.Period `json:"period" msgpack:"-"`
	Datetime    time.Time     `json:"datetime" msgpack:"-"`
	PeriodStart time.Time     `json:"period_start" msgpack:"-"`

	OpenInterest                 float64 `json:"open_interest" msgpack:"oi"`
	OpenInterestValue            float64 `json:"open_interest_value" msgpack:"oiv"`
	CountToptraderLongShortRatio float64 `json:"count_toptrader_long_short_ratio" msgpack:"ctlsr"`
	ToptraderLongShortRatio      float64 `json:"toptrader_long_short_ratio" msgpack:"tlsr"`
	LongShortRatio               float64 `json:"long_short_ratio" msgpack:"lsr"`
	TakerLongShortVolRatio       float64 `json:"taker_long_short_vol_ratio" msgpack:"tlsvr"`

	IsClosed bool `json:"is_closed" msgpack:"x"`
}

// MetricsState is the current (symbol, period) snapshot awaiting the next
// base sample. Because roll-up is last-writer-wins, the state is simply the
// most recent base Metrics record reassigned to the derived period's bucket.
type MetricsState struct {
	Symbol      string
	Period      period.Period
	PeriodStart time.Time

	OpenInterest                 float64
	OpenInterestValue            float64
	CountToptraderLongShortRatio float64
	ToptraderLongShortRatio      float64
	LongShortRatio               float64
	TakerLongShortVolRatio       float64
}

// ApplyBase overwrites all six numeric fields with the latest base sample;
// there is no accumulation for metrics.
func (s *MetricsState) ApplyBase(m Metrics) {
	s.OpenInterest = m.OpenInterest
	s.OpenInterestValue = m.OpenInterestValue
	s.CountToptraderLongShortRatio = m.CountToptraderLongShortRatio
	s.ToptraderLongShortRatio = m.ToptraderLongShortRatio
	s.LongShortRatio = m.LongShortRatio
	s.TakerLongShortVolRatio = m.TakerLongShortVolRatio
}

// NewMetricsStateFromBase creates a fresh snapshot state from a base sample.
func NewMetricsStateFromBase(symbol string, p period.Period, periodStart time.Time, m Metrics) MetricsState {
	s := MetricsState{Symbol: symbol, Period: p, PeriodStart: periodStart}
	s.ApplyBase(m)
	return s
}

// ToMetrics materialises the state as a closed or in-progress Metrics record.
// Higher-period metrics loaded at warm-up are always treated as closed (the
// source's materialised-view tiers carry no reliable open/closed flag).
func (s MetricsState) ToMetrics(datetime time.Time, isClosed bool) Metrics {
	return Metrics{
		Symbol:                        s.Symbol,
		Period:                        s.Period,
		Datetime:                      datetime,
		PeriodStart:                   s.PeriodStart,
		OpenInterest:                  s.OpenInterest,
		OpenInterestValue:             s.OpenInterestValue,
		CountToptraderLongShortRatio:  s.CountToptraderLongShortRatio,
		ToptraderLongShortRatio:       s.ToptraderLongShortRatio,
		LongShortRatio:                s.LongShortRatio,
		TakerLongShortVolRatio:        s.TakerLongShortVolRatio,
		IsClosed:                      isClosed,
	}
}
