package snapshot

import (
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/sawpanic/fusiond/internal/model"
	"github.com/sawpanic/fusiond/internal/period"
)

func unixTime(sec int64) time.Time {
	return time.Unix(sec, 0).UTC()
}

// packedBar is the wire shape for §6.2's binary bar encoding: field order
// t,o,h,l,c,v,qv,tc,tbv,tbqv,x,ps is part of the contract, grounded on the
// original implementation's _pack_bar/_unpack_bar.
type packedBar struct {
	T    int64    `msgpack:"t"`
	O    float64  `msgpack:"o"`
	H    float64  `msgpack:"h"`
	L    float64  `msgpack:"l"`
	C    float64  `msgpack:"c"`
	V    float64  `msgpack:"v"`
	QV   float64  `msgpack:"qv"`
	TC   int64    `msgpack:"tc"`
	TBV  float64  `msgpack:"tbv"`
	TBQV float64  `msgpack:"tbqv"`
	X    bool     `msgpack:"x"`
	PS   *int64   `msgpack:"ps"`
}

func packBar(b model.Bar) ([]byte, error) {
	var ps *int64
	if !b.PeriodStart.IsZero() {
		v := b.PeriodStart.UTC().Unix()
		ps = &v
	}
	p := packedBar{
		T: b.Datetime.UTC().Unix(), O: b.Open, H: b.High, L: b.Low, C: b.Close,
		V: b.Volume, QV: b.QuoteVolume, TC: b.TradeCount,
		TBV: b.TakerBuyVolume, TBQV: b.TakerBuyQuoteVolume, X: b.IsClosed, PS: ps,
	}
	return msgpack.Marshal(&p)
}

func unpackBar(symbol string, per period.Period, data []byte) (model.Bar, error) {
	var p packedBar
	if err := msgpack.Unmarshal(data, &p); err != nil {
		return model.Bar{}, err
	}
	b := model.Bar{
		Symbol: symbol, Period: per, Datetime: unixTime(p.T),
		Open: p.O, High: p.H, Low: p.L, Close: p.C,
		Volume: p.V, QuoteVolume: p.QV, TradeCount: p.TC,
		TakerBuyVolume: p.TBV, TakerBuyQuoteVolume: p.TBQV, IsClosed: p.X,
	}
	if p.PS != nil {
		b.PeriodStart = unixTime(*p.PS)
	} else {
		b.PeriodStart = b.Datetime
	}
	return b, nil
}

// packedMetrics is the wire shape for metrics: t,oi,oiv,ctlsr,tlsr,lsr,tlsvr,x,ps.
type packedMetrics struct {
	T     int64   `msgpack:"t"`
	OI    float64 `msgpack:"oi"`
	OIV   float64 `msgpack:"oiv"`
	CTLSR float64 `msgpack:"ctlsr"`
	TLSR  float64 `msgpack:"tlsr"`
	LSR   float64 `msgpack:"lsr"`
	TLSVR float64 `msgpack:"tlsvr"`
	X     bool    `msgpack:"x"`
	PS    *int64  `msgpack:"ps"`
}

func packMetrics(m model.Metrics) ([]byte, error) {
	var ps *int64
	if !m.PeriodStart.IsZero() {
		v := m.PeriodStart.UTC().Unix()
		ps = &v
	}
	p := packedMetrics{
		T: m.Datetime.UTC().Unix(), OI: m.OpenInterest, OIV: m.OpenInterestValue,
		CTLSR: m.CountToptraderLongShortRatio, TLSR: m.ToptraderLongShortRatio,
		LSR: m.LongShortRatio, TLSVR: m.TakerLongShortVolRatio, X: m.IsClosed, PS: ps,
	}
	return msgpack.Marshal(&p)
}

func unpackMetrics(symbol string, per period.Period, data []byte) (model.Metrics, error) {
	var p packedMetrics
	if err := msgpack.Unmarshal(data, &p); err != nil {
		return model.Metrics{}, err
	}
	m := model.Metrics{
		Symbol: symbol, Period: per, Datetime: unixTime(p.T),
		OpenInterest: p.OI, OpenInterestValue: p.OIV,
		CountToptraderLongShortRatio: p.CTLSR, ToptraderLongShortRatio: p.TLSR,
		LongShortRatio: p.LSR, TakerLongShortVolRatio: p.TLSVR, IsClosed: p.X,
	}
	if p.PS != nil {
		m.PeriodStart = unixTime(*p.PS)
	} else {
		m.PeriodStart = m.Datetime
	}
	return m, nil
}
