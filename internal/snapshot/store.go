// Package snapshot mirrors the in-memory WindowCache into Redis and fans
// out updates over pub/sub, per spec §4.C/§6.2. Every individual call is
// best-effort: failures are logged and swallowed, never returned to the
// fusion engine's hot path, because the in-memory cache remains
// authoritative even if the store is unreachable.
package snapshot

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/sawpanic/fusiond/internal/infra/breakers"
	"github.com/sawpanic/fusiond/internal/model"
	"github.com/sawpanic/fusiond/internal/period"
)

// Store is the durable mirror described in §4.C. It holds two separate
// Redis connections — one for data operations, one dedicated to pub/sub —
// so that a slow subscriber never blocks the data path, per §5's
// shared-resource policy.
type Store struct {
	data   *redis.Client
	pubsub *redis.Client
	cb     *breakers.Breaker
	// Enabled is false when the store could not be constructed (e.g. an
	// empty addr, or Redis unreachable); every method is then a silent no-op and the
	// engine runs in pure-memory mode per §7.
	Enabled bool
}

// NewStore connects to addr for both the data and pub/sub roles (separate
// client instances, matching the original's dual-connection design). An
// empty addr disables the store entirely; the engine passes redis.addr
// here, not snapshot_url.
func NewStore(addr, password string, db int) *Store {
	if addr == "" {
		return &Store{Enabled: false}
	}
	opts := &redis.Options{Addr: addr, Password: password, DB: db}
	s := &Store{
		data:    redis.NewClient(opts),
		pubsub:  redis.NewClient(opts),
		cb:      breakers.NewDefault("snapshot-store"),
		Enabled: true,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.data.Ping(ctx).Err(); err != nil {
		log.Warn().Err(err).Str("addr", addr).Msg("snapshot store unreachable at startup, running in pure-memory mode")
		s.Enabled = false
	}
	return s
}

func (s *Store) call(ctx context.Context, name string, fn func() error) {
	if !s.Enabled {
		return
	}
	_, err := s.cb.Execute(func() (any, error) { return nil, fn() })
	if err != nil {
		log.Debug().Err(err).Str("op", name).Msg("snapshot store call failed, dropped (best-effort)")
	}
}

// GetLastSeen reads the high-water mark of applied base-period bucket_ts.
func (s *Store) GetLastSeen(ctx context.Context) (time.Time, bool) {
	if !s.Enabled {
		return time.Time{}, false
	}
	v, err := s.data.Get(ctx, lastSeenKey()).Result()
	if err != nil {
		return time.Time{}, false
	}
	secs, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.Unix(int64(secs), 0).UTC(), true
}

// SetLastSeen writes the high-water mark; best-effort per §4.C.
func (s *Store) SetLastSeen(ctx context.Context, t time.Time) {
	s.call(ctx, "set_last_seen", func() error {
		return s.data.Set(ctx, lastSeenKey(), float64(t.UTC().Unix()), 0).Err()
	})
}

// SaveBars replaces the hash for (period, symbol) with the last maxLen bars
// by key and resets the TTL, per §4.C's save_bars.
func (s *Store) SaveBars(ctx context.Context, p period.Period, symbol string, bars []model.Bar, maxLen int) {
	if maxLen > 0 && len(bars) > maxLen {
		bars = bars[len(bars)-maxLen:]
	}
	s.call(ctx, "save_bars", func() error {
		key := barsHashKey(p, symbol)
		pipe := s.data.TxPipeline()
		pipe.Del(ctx, key)
		for _, b := range bars {
			raw, err := packBar(b)
			if err != nil {
				return err
			}
			pipe.HSet(ctx, key, strconv.FormatInt(b.Datetime.UTC().Unix(), 10), raw)
		}
		pipe.Expire(ctx, key, ttlFor(p))
		_, err := pipe.Exec(ctx)
		return err
	})
}

// AppendBars upserts bars into the hash without replacing existing entries,
// resetting the TTL, per §4.C's append_bars.
func (s *Store) AppendBars(ctx context.Context, p period.Period, symbol string, bars []model.Bar) {
	s.call(ctx, "append_bars", func() error {
		key := barsHashKey(p, symbol)
		pipe := s.data.TxPipeline()
		for _, b := range bars {
			raw, err := packBar(b)
			if err != nil {
				return err
			}
			pipe.HSet(ctx, key, strconv.FormatInt(b.Datetime.UTC().Unix(), 10), raw)
		}
		pipe.Expire(ctx, key, ttlFor(p))
		_, err := pipe.Exec(ctx)
		return err
	})
}

// LoadBars reads every entry in the (period, symbol) hash, sorted ascending
// by key. Used by RestoreAll.
func (s *Store) LoadBars(ctx context.Context, p period.Period, symbol string) ([]model.Bar, error) {
	if !s.Enabled {
		return nil, nil
	}
	raw, err := s.data.HGetAll(ctx, barsHashKey(p, symbol)).Result()
	if err != nil {
		return nil, err
	}
	out := make([]model.Bar, 0, len(raw))
	for _, v := range raw {
		b, err := unpackBar(symbol, p, []byte(v))
		if err != nil {
			log.Warn().Err(err).Str("symbol", symbol).Str("period", string(p)).Msg("discarding malformed cached bar")
			continue
		}
		out = append(out, b)
	}
	return out, nil
}

// SaveUnclosed mirrors the current UnclosedState as a hash of named fields
// (period_start, o, h, l, c, v, qv, tc, tbv, tbqv) per §4.C/§6.2, so any
// other consumer of this Redis instance can HGETALL it directly rather than
// needing the msgpack codec. Best-effort.
func (s *Store) SaveUnclosed(ctx context.Context, u model.UnclosedState) {
	s.call(ctx, "save_unclosed", func() error {
		key := unclosedKey(u.Period, u.Symbol)
		pipe := s.data.TxPipeline()
		pipe.HSet(ctx, key, map[string]any{
			"period_start": float64(u.PeriodStart.UTC().Unix()),
			"o":            u.Open,
			"h":            u.High,
			"l":            u.Low,
			"c":            u.Close,
			"v":            u.Volume,
			"qv":           u.QuoteVolume,
			"tc":           u.TradeCount,
			"tbv":          u.TakerBuyVolume,
			"tbqv":         u.TakerBuyQuoteVolume,
		})
		pipe.Expire(ctx, key, ttlFor(u.Period))
		_, err := pipe.Exec(ctx)
		return err
	})
}

// LoadUnclosed reads back the current UnclosedState for (period, symbol)
// from its named-field hash.
func (s *Store) LoadUnclosed(ctx context.Context, p period.Period, symbol string) (model.UnclosedState, bool) {
	if !s.Enabled {
		return model.UnclosedState{}, false
	}
	raw, err := s.data.HGetAll(ctx, unclosedKey(p, symbol)).Result()
	if err != nil || len(raw) == 0 {
		return model.UnclosedState{}, false
	}
	f := func(field string) float64 {
		v, _ := strconv.ParseFloat(raw[field], 64)
		return v
	}
	return model.UnclosedState{
		Symbol:              symbol,
		Period:              p,
		PeriodStart:         time.Unix(int64(f("period_start")), 0).UTC(),
		Open:                f("o"),
		High:                f("h"),
		Low:                 f("l"),
		Close:               f("c"),
		Volume:              f("v"),
		QuoteVolume:         f("qv"),
		TradeCount:          int64(f("tc")),
		TakerBuyVolume:      f("tbv"),
		TakerBuyQuoteVolume: f("tbqv"),
	}, true
}

// SaveMetrics is the metrics counterpart of SaveBars: unlike SaveBars it
// does not replace the hash, it upserts each record keyed by its timestamp
// and refreshes the TTL. The hash is not trimmed; maxLen is not applied.
func (s *Store) SaveMetrics(ctx context.Context, p period.Period, symbol string, m []model.Metrics, maxLen int) {
	s.call(ctx, "save_metrics", func() error {
		key := metricsHashKey(p, symbol)
		pipe := s.data.TxPipeline()
		for _, rec := range m {
			raw, err := packMetrics(rec)
			if err != nil {
				return err
			}
			pipe.HSet(ctx, key, strconv.FormatInt(rec.Datetime.UTC().Unix(), 10), raw)
		}
		pipe.Expire(ctx, key, ttlFor(p))
		_, err := pipe.Exec(ctx)
		return err
	})
}

// LoadMetrics reads every entry in the (period, symbol) metrics hash.
func (s *Store) LoadMetrics(ctx context.Context, p period.Period, symbol string) ([]model.Metrics, error) {
	if !s.Enabled {
		return nil, nil
	}
	raw, err := s.data.HGetAll(ctx, metricsHashKey(p, symbol)).Result()
	if err != nil {
		return nil, err
	}
	out := make([]model.Metrics, 0, len(raw))
	for _, v := range raw {
		m, err := unpackMetrics(symbol, p, []byte(v))
		if err != nil {
			log.Warn().Err(err).Msg("discarding malformed cached metrics")
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

// barUpdatePayload is the JSON shape published on kline:{symbol}:{period}.
type barUpdatePayload struct {
	Symbol              string  `json:"symbol"`
	Period              string  `json:"period"`
	Datetime            string  `json:"datetime"`
	Open                float64 `json:"open"`
	High                float64 `json:"high"`
	Low                 float64 `json:"low"`
	Close               float64 `json:"close"`
	Volume              float64 `json:"volume"`
	QuoteVolume         float64 `json:"quote_volume"`
	TradeCount          int64   `json:"trade_count"`
	TakerBuyVolume      float64 `json:"taker_buy_volume"`
	TakerBuyQuoteVolume float64 `json:"taker_buy_quote_volume"`
	IsClosed            bool    `json:"is_closed"`
	TS                  int64   `json:"ts"`
}

func barPayload(b model.Bar) barUpdatePayload {
	return barUpdatePayload{
		Symbol: b.Symbol, Period: string(b.Period), Datetime: b.Datetime.UTC().Format(time.RFC3339),
		Open: b.Open, High: b.High, Low: b.Low, Close: b.Close,
		Volume: b.Volume, QuoteVolume: b.QuoteVolume, TradeCount: b.TradeCount,
		TakerBuyVolume: b.TakerBuyVolume, TakerBuyQuoteVolume: b.TakerBuyQuoteVolume,
		IsClosed: b.IsClosed, TS: b.Datetime.UTC().Unix(),
	}
}

// PublishBarUpdate pushes a single bar update on kline:{symbol}:{period}.
func (s *Store) PublishBarUpdate(ctx context.Context, b model.Bar) {
	s.call(ctx, "publish_bar_update", func() error {
		raw, err := json.Marshal(barPayload(b))
		if err != nil {
			return err
		}
		return s.pubsub.Publish(ctx, klineChannel(b.Symbol, b.Period), raw).Err()
	})
}

// PublishBatch publishes each bar in bars on its own channel.
func (s *Store) PublishBatch(ctx context.Context, bars []model.Bar) {
	if !s.Enabled || len(bars) == 0 {
		return
	}
	s.call(ctx, "publish_batch", func() error {
		pipe := s.pubsub.Pipeline()
		for _, b := range bars {
			raw, err := json.Marshal(barPayload(b))
			if err != nil {
				return err
			}
			pipe.Publish(ctx, klineChannel(b.Symbol, b.Period), raw)
		}
		_, err := pipe.Exec(ctx)
		return err
	})
}

type metricsUpdatePayload struct {
	Symbol                        string  `json:"symbol"`
	Period                        string  `json:"period"`
	Datetime                      string  `json:"datetime"`
	OpenInterest                  float64 `json:"open_interest"`
	OpenInterestValue             float64 `json:"open_interest_value"`
	CountToptraderLongShortRatio  float64 `json:"count_toptrader_long_short_ratio"`
	ToptraderLongShortRatio       float64 `json:"toptrader_long_short_ratio"`
	LongShortRatio                float64 `json:"long_short_ratio"`
	TakerLongShortVolRatio        float64 `json:"taker_long_short_vol_ratio"`
	IsClosed                      bool    `json:"is_closed"`
	TS                            int64   `json:"ts"`
}

func metricsPayload(m model.Metrics) metricsUpdatePayload {
	return metricsUpdatePayload{
		Symbol: m.Symbol, Period: string(m.Period), Datetime: m.Datetime.UTC().Format(time.RFC3339),
		OpenInterest: m.OpenInterest, OpenInterestValue: m.OpenInterestValue,
		CountToptraderLongShortRatio: m.CountToptraderLongShortRatio,
		ToptraderLongShortRatio:      m.ToptraderLongShortRatio,
		LongShortRatio:               m.LongShortRatio,
		TakerLongShortVolRatio:       m.TakerLongShortVolRatio,
		IsClosed:                     m.IsClosed, TS: m.Datetime.UTC().Unix(),
	}
}

// PublishMetricsUpdate pushes a single metrics update on metrics:{symbol}:{period}.
func (s *Store) PublishMetricsUpdate(ctx context.Context, m model.Metrics) {
	s.call(ctx, "publish_metrics_update", func() error {
		raw, err := json.Marshal(metricsPayload(m))
		if err != nil {
			return err
		}
		return s.pubsub.Publish(ctx, metricsChannel(m.Symbol, m.Period), raw).Err()
	})
}

// PublishMetricsBatch publishes each metrics record on its own channel.
func (s *Store) PublishMetricsBatch(ctx context.Context, recs []model.Metrics) {
	if !s.Enabled || len(recs) == 0 {
		return
	}
	s.call(ctx, "publish_metrics_batch", func() error {
		pipe := s.pubsub.Pipeline()
		for _, m := range recs {
			raw, err := json.Marshal(metricsPayload(m))
			if err != nil {
				return err
			}
			pipe.Publish(ctx, metricsChannel(m.Symbol, m.Period), raw)
		}
		_, err := pipe.Exec(ctx)
		return err
	})
}

// Close releases both underlying Redis connections.
func (s *Store) Close() error {
	if !s.Enabled {
		return nil
	}
	if err := s.data.Close(); err != nil {
		return err
	}
	return s.pubsub.Close()
}
