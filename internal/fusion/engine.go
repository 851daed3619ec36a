// Package fusion implements the engine that folds closed base-period bars
// and metrics samples into every derived period's WindowCache, mirrors the
// result to the snapshot store, and keeps the two in sync across warm-up,
// catch-up and steady-state event processing (§4.E).
package fusion

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/sawpanic/fusiond/internal/cache"
	"github.com/sawpanic/fusiond/internal/config"
	"github.com/sawpanic/fusiond/internal/model"
	"github.com/sawpanic/fusiond/internal/obsmetrics"
	"github.com/sawpanic/fusiond/internal/period"
	"github.com/sawpanic/fusiond/internal/persistence"
	"github.com/sawpanic/fusiond/internal/snapshot"
)

const metricsBasePeriod = period.P5m

var metricsDerivedPeriods = []period.Period{period.P15m, period.P1h, period.P4h, period.P1d, period.P1w}

// Engine owns every piece of mutable state the main task touches: the two
// window caches, the per-(period,symbol) in-progress accumulators, and the
// high-water marks used to decide what catch-up still owes. Engine is not
// safe for concurrent use by more than one goroutine driving derivation —
// by design there is exactly one, per §5's "one main engine task" rule.
type Engine struct {
	cfg     *config.EngineConfig
	reader  persistence.UpstreamReader
	store   *snapshot.Store
	metrics *obsmetrics.Registry

	bars        *cache.WindowCache
	metricsWin  *cache.MetricsWindowCache

	unclosed        map[period.Period]map[string]model.UnclosedState
	metricsUnclosed map[period.Period]map[string]model.MetricsState

	lastSeen        time.Time
	lastMetricsSeen time.Time
	lastBaseTS      map[string]time.Time
	lastMetricsTS   map[string]time.Time

	basePeriod    period.Period
	derivedPeriods []period.Period

	// catchupLimiter throttles BulkExport task dispatch during parallel
	// catch-up (§4.F). Nil (unlimited) when queries_per_second is zero.
	catchupLimiter *rate.Limiter
}

func New(cfg *config.EngineConfig, reader persistence.UpstreamReader, store *snapshot.Store, metrics *obsmetrics.Registry) *Engine {
	base := period.Period(cfg.BasePeriod)
	derived := make([]period.Period, 0, len(cfg.Periods)-1)
	for _, p := range cfg.DerivedPeriods() {
		derived = append(derived, period.Period(p))
	}
	var limiter *rate.Limiter
	if cfg.Parallel.QueriesPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.Parallel.QueriesPerSecond), 1)
	}
	return &Engine{
		cfg:             cfg,
		reader:          reader,
		store:           store,
		metrics:         metrics,
		bars:            cache.NewWindowCache(base, cfg.CacheWindow),
		metricsWin:      cache.NewMetricsWindowCache(cfg.MetricsWindow),
		unclosed:        make(map[period.Period]map[string]model.UnclosedState),
		metricsUnclosed: make(map[period.Period]map[string]model.MetricsState),
		lastBaseTS:      make(map[string]time.Time),
		lastMetricsTS:   make(map[string]time.Time),
		basePeriod:      base,
		derivedPeriods:  derived,
		catchupLimiter:  limiter,
	}
}

// Bars exposes the base+derived bar cache for the consumer-side reader.
func (e *Engine) Bars() *cache.WindowCache { return e.bars }

// Metrics exposes the metrics cache for the consumer-side reader.
func (e *Engine) Metrics() *cache.MetricsWindowCache { return e.metricsWin }

// LastSeen returns the current high-water mark of applied base bucket_ts.
func (e *Engine) LastSeen() time.Time { return e.lastSeen }

// Warmup performs restore-then-validate, falling back to a full parallel
// warm-up when the snapshot is missing, stale, or under-covered (§4.E
// steps 1-7, §7's restore-coverage gate).
func (e *Engine) Warmup(ctx context.Context, symbols []string) error {
	timer := e.metrics.StartPhaseTimer("warmup")
	defer timer.Stop()

	allPeriods := append([]period.Period{e.basePeriod}, e.derivedPeriods...)
	if e.tryRestore(ctx, allPeriods, symbols) {
		log.Info().Time("last_seen", e.lastSeen).Msg("warm-up: restored from snapshot store")
		return e.catchupSerial(ctx, symbols)
	}

	log.Info().Msg("warm-up: performing full parallel load")
	if err := e.fullWarmup(ctx, symbols); err != nil {
		return fmt.Errorf("full warm-up: %w", err)
	}
	e.store.SaveAll(ctx, allPeriods, symbols, e.bars, e.unclosed, e.cfg.CacheWindow, e.lastSeen)
	return nil
}

// tryRestore attempts to reload from the snapshot store and validates
// coverage; on success it populates the in-memory caches and returns true.
// A restore that fails the age or coverage gate is discarded entirely (§7).
func (e *Engine) tryRestore(ctx context.Context, periods []period.Period, symbols []string) bool {
	barsByPeriod, unclosedByPeriod, lastSeen, ok := e.store.RestoreAll(ctx, periods, symbols)
	if !ok {
		return false
	}
	if time.Since(lastSeen) >= e.cfg.RestoreMaxAge() {
		log.Warn().Time("last_seen", lastSeen).Msg("warm-up: snapshot too old, discarding restore")
		return false
	}
	baseCount := 0
	for _, series := range barsByPeriod[e.basePeriod] {
		baseCount += len(series)
	}
	minNeeded := period.MinutesSinceWeekStart(time.Now())
	if baseCount < minNeeded {
		log.Warn().Int("restored", baseCount).Int("needed", minNeeded).Msg("warm-up: insufficient 1m coverage, discarding restore")
		return false
	}

	for p, bySymbol := range barsByPeriod {
		for _, series := range bySymbol {
			for _, b := range series {
				e.bars.Append(p, b)
			}
		}
		e.unclosed[p] = unclosedByPeriod[p]
	}
	for sym, st := range unclosedByPeriod[e.basePeriod] {
		e.lastBaseTS[sym] = st.PeriodStart
	}
	e.lastSeen = lastSeen
	return true
}

// fullWarmup loads every period's history in parallel (bounded at #periods
// concurrent workers, each with its own read-query path), then synthesises
// unclosed state from the loaded base bars (§4.E steps 3-6).
func (e *Engine) fullWarmup(ctx context.Context, symbols []string) error {
	weekStart := period.WeekStart(time.Now())

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(1 + len(e.derivedPeriods))
	baseRows := make([]persistence.CandleRow, 0)
	var baseErr error
	g.Go(func() error {
		rows, err := e.reader.LoadBaseBackload(gctx, symbols, weekStart)
		if err != nil {
			baseErr = err
			return err
		}
		baseRows = rows
		return nil
	})

	for _, p := range e.derivedPeriods {
		p := p
		g.Go(func() error {
			lookback := period.BarLookback[p]
			lowerBound := time.Now().Add(-period.Duration(p) * time.Duration(lookback))
			rows, err := e.reader.LoadWindow(gctx, string(p), symbols, lowerBound)
			if err != nil {
				return fmt.Errorf("load window %s: %w", p, err)
			}
			for _, row := range rows {
				e.bars.Append(p, rowToBar(row, p, true))
			}
			return nil
		})
	}

	metricsLowerBound := time.Now().Add(-period.Duration(metricsBasePeriod) * time.Duration(e.cfg.MetricsWindow))
	var metricsRows []persistence.MetricsRow
	g.Go(func() error {
		rows, err := e.reader.LoadMetricsWindow(gctx, string(metricsBasePeriod), symbols, metricsLowerBound)
		if err != nil {
			return fmt.Errorf("load metrics base window: %w", err)
		}
		metricsRows = rows
		return nil
	})
	for _, p := range metricsDerivedPeriods {
		p := p
		g.Go(func() error {
			lowerBound := time.Now().Add(-period.Duration(p) * time.Duration(e.cfg.MetricsWindow))
			rows, err := e.reader.LoadMetricsWindow(gctx, string(p), symbols, lowerBound)
			if err != nil {
				return fmt.Errorf("load metrics window %s: %w", p, err)
			}
			for _, row := range rows {
				e.metricsWin.Append(p, rowToMetrics(row, p, true))
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	if baseErr != nil {
		return baseErr
	}

	for _, row := range baseRows {
		b := rowToBar(row, e.basePeriod, true)
		e.bars.Append(e.basePeriod, b)
		e.applyBaseBarLocked(b)
	}
	for _, row := range metricsRows {
		e.applyBaseMetricsLocked(rowToMetrics(row, metricsBasePeriod, true))
	}
	e.flushAllUnclosed(ctx)
	e.flushAllMetricsUnclosed(ctx)
	return nil
}

// catchupSerial pulls every closed base row since lastSeen via a streaming
// cursor and applies ordinary per-bar derivation to each (§4.E "Catch-up
// (event-driven path)").
func (e *Engine) catchupSerial(ctx context.Context, symbols []string) error {
	return e.reader.StreamCatchup(ctx, e.lastSeen, func(row persistence.CandleRow) error {
		e.ApplyBaseBar(ctx, rowToBar(row, e.basePeriod, true))
		return nil
	})
}

// ApplyBaseBar is the single entry point for folding one closed base-period
// bar into every cache, unclosed accumulator and publish channel (§4.E
// step (b)-(d)). It is called from both the event loop and serial catch-up.
//
// A row for a (symbol, bucket_ts) already seen as the latest is a duplicate
// — (symbol, bucket_ts) is unique by construction upstream, so this only
// happens on redelivery — and the first copy wins; the duplicate is logged
// and dropped entirely. A row whose bucket_ts is older than the latest seen
// for that symbol is a late arrival: it corrects the base-period cache only,
// with no retroactive adjustment of any derived-period roll-up.
func (e *Engine) ApplyBaseBar(ctx context.Context, b model.Bar) {
	if prior, ok := e.lastBaseTS[b.Symbol]; ok {
		if b.Datetime.Equal(prior) {
			log.Warn().Str("symbol", b.Symbol).Time("bucket_ts", b.Datetime).Msg("duplicate base bar, first write wins, dropped")
			return
		}
		if b.Datetime.Before(prior) {
			log.Warn().Str("symbol", b.Symbol).Time("bucket_ts", b.Datetime).Msg("late base bar, applied to base cache only")
			e.bars.Append(e.basePeriod, b)
			e.store.AppendBars(ctx, e.basePeriod, b.Symbol, []model.Bar{b})
			return
		}
	}

	e.applyBaseBarLocked(b)
	e.bars.Append(e.basePeriod, b)
	e.store.AppendBars(ctx, e.basePeriod, b.Symbol, []model.Bar{b})
	e.store.PublishBarUpdate(ctx, b)
	e.flushUnclosedForSymbol(ctx, b.Symbol)
	e.metrics.DerivationEvents.WithLabelValues("bar").Inc()
}

// applyBaseBarLocked updates last_seen/last_base_ts and rolls b up into
// every derived period's accumulator, without touching the base cache or
// the store — callers that need the full side-effect set use ApplyBaseBar.
func (e *Engine) applyBaseBarLocked(b model.Bar) {
	if b.Datetime.After(e.lastSeen) {
		e.lastSeen = b.Datetime
	}
	e.lastBaseTS[b.Symbol] = b.Datetime

	for _, p := range e.derivedPeriods {
		ps := period.Floor(p, b.Datetime)
		bySymbol, ok := e.unclosed[p]
		if !ok {
			bySymbol = make(map[string]model.UnclosedState)
			e.unclosed[p] = bySymbol
		}
		cur, exists := bySymbol[b.Symbol]
		if !exists || !cur.PeriodStart.Equal(ps) {
			if exists {
				e.closeUnclosed(p, cur)
			}
			bySymbol[b.Symbol] = model.NewUnclosedFromBase(b.Symbol, p, ps, b)
			continue
		}
		cur.ApplyBase(b)
		bySymbol[b.Symbol] = cur
	}
}

// closeUnclosed materialises a finished accumulator as a closed Bar and
// publishes it, used when a new bucket for the same (symbol, period) opens.
func (e *Engine) closeUnclosed(p period.Period, st model.UnclosedState) {
	closed := st.ToBar(st.PeriodStart, true)
	e.bars.Append(p, closed)
	e.store.PublishBarUpdate(context.Background(), closed)
}

// flushUnclosedForSymbol pushes every derived period's current accumulator
// for symbol into the cache and store as an in-progress Bar, per §4.E step
// (d)'s flush_unclosed_to_cache.
func (e *Engine) flushUnclosedForSymbol(ctx context.Context, symbol string) {
	datetime := e.lastBaseTS[symbol]
	var toPublish []model.Bar
	for _, p := range e.derivedPeriods {
		st, ok := e.unclosed[p][symbol]
		if !ok {
			continue
		}
		b := st.ToBar(datetime, false)
		e.bars.Append(p, b)
		toPublish = append(toPublish, b)
	}
	if len(toPublish) == 0 {
		return
	}
	for _, b := range toPublish {
		e.store.SaveUnclosed(ctx, model.UnclosedState{
			Symbol: b.Symbol, Period: b.Period, PeriodStart: b.PeriodStart,
			Open: b.Open, High: b.High, Low: b.Low, Close: b.Close,
			Volume: b.Volume, QuoteVolume: b.QuoteVolume, TradeCount: b.TradeCount,
			TakerBuyVolume: b.TakerBuyVolume, TakerBuyQuoteVolume: b.TakerBuyQuoteVolume,
		})
	}
	e.store.PublishBatch(ctx, toPublish)
}

// flushAllUnclosed flushes every symbol's current unclosed accumulators,
// used once at the end of full warm-up (§4.E step 5).
func (e *Engine) flushAllUnclosed(ctx context.Context) {
	for sym := range e.lastBaseTS {
		e.flushUnclosedForSymbol(ctx, sym)
	}
}

// ApplyBaseMetrics is the metrics analogue of ApplyBaseBar: last-writer-wins
// roll-up with no accumulation (§4.E "Metrics derivation").
func (e *Engine) ApplyBaseMetrics(ctx context.Context, m model.Metrics) {
	e.applyBaseMetricsLocked(m)
	e.metricsWin.Append(metricsBasePeriod, m)
	e.store.PublishMetricsUpdate(ctx, m)
	e.flushMetricsUnclosedForSymbol(ctx, m.Symbol)
	e.metrics.DerivationEvents.WithLabelValues("metrics").Inc()
}

func (e *Engine) applyBaseMetricsLocked(m model.Metrics) {
	if prior, ok := e.lastMetricsTS[m.Symbol]; !ok || m.Datetime.After(prior) {
		e.lastMetricsTS[m.Symbol] = m.Datetime
	}
	if m.Datetime.After(e.lastMetricsSeen) {
		e.lastMetricsSeen = m.Datetime
	}
	for _, p := range metricsDerivedPeriods {
		ps := period.Floor(p, m.Datetime)
		bySymbol, ok := e.metricsUnclosed[p]
		if !ok {
			bySymbol = make(map[string]model.MetricsState)
			e.metricsUnclosed[p] = bySymbol
		}
		cur, exists := bySymbol[m.Symbol]
		if !exists || !cur.PeriodStart.Equal(ps) {
			if exists {
				e.metricsWin.Append(p, cur.ToMetrics(cur.PeriodStart, true))
			}
			bySymbol[m.Symbol] = model.NewMetricsStateFromBase(m.Symbol, p, ps, m)
			continue
		}
		cur.ApplyBase(m)
		bySymbol[m.Symbol] = cur
	}
}

func (e *Engine) flushMetricsUnclosedForSymbol(ctx context.Context, symbol string) {
	datetime := e.lastMetricsTS[symbol]
	var toPublish []model.Metrics
	for _, p := range metricsDerivedPeriods {
		st, ok := e.metricsUnclosed[p][symbol]
		if !ok {
			continue
		}
		m := st.ToMetrics(datetime, false)
		e.metricsWin.Append(p, m)
		toPublish = append(toPublish, m)
	}
	if len(toPublish) > 0 {
		e.store.PublishMetricsBatch(ctx, toPublish)
	}
}

func (e *Engine) flushAllMetricsUnclosed(ctx context.Context) {
	for sym := range e.lastMetricsTS {
		e.flushMetricsUnclosedForSymbol(ctx, sym)
	}
}

func rowToBar(row persistence.CandleRow, p period.Period, isClosed bool) model.Bar {
	return model.Bar{
		Symbol: row.Symbol, Period: p, Datetime: row.BucketTS.UTC(),
		PeriodStart: period.Floor(p, row.BucketTS),
		Open: row.Open, High: row.High, Low: row.Low, Close: row.Close,
		Volume: row.Volume, QuoteVolume: row.QuoteVolume, TradeCount: row.TradeCount,
		TakerBuyVolume: row.TakerBuyVolume, TakerBuyQuoteVolume: row.TakerBuyQuoteVolume,
		IsClosed: isClosed,
	}
}

func rowToMetrics(row persistence.MetricsRow, p period.Period, isClosed bool) model.Metrics {
	return model.Metrics{
		Symbol: row.Symbol, Period: p, Datetime: row.CreateTime.UTC(),
		PeriodStart:                  period.Floor(p, row.CreateTime),
		OpenInterest:                 row.SumOpenInterest,
		OpenInterestValue:            row.SumOpenInterestValue,
		CountToptraderLongShortRatio: row.CountToptraderLongShortRatio,
		ToptraderLongShortRatio:      row.SumToptraderLongShortRatio,
		LongShortRatio:               row.CountLongShortRatio,
		TakerLongShortVolRatio:       row.SumTakerLongShortVolRatio,
		IsClosed:                     isClosed,
	}
}
