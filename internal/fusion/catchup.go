package fusion

import (
	"context"
	"fmt"
	"runtime"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/sawpanic/fusiond/internal/model"
	"github.com/sawpanic/fusiond/internal/period"
	"github.com/sawpanic/fusiond/internal/persistence"
)

// catchupTask is one (time-segment, symbol-batch) unit of work, per §4.F
// step 3. Each is independent: its own predicate, its own result slice.
type catchupTask struct {
	id      string
	from    time.Time
	to      time.Time
	symbols []string
}

// ParallelCatchup partitions (lastSeen, now] into time segments × symbol
// batches and pulls each via BulkExport on a bounded worker pool, then
// reduces the combined result into every cache on the main goroutine
// (§4.F). Used when the serial catch-up path would be too slow — large
// gaps across many symbols.
func (e *Engine) ParallelCatchup(ctx context.Context, symbols []string, now time.Time) error {
	timer := e.metrics.StartPhaseTimer("parallel_catchup")
	defer timer.Stop()

	tasks := partitionTasks(e.lastSeen, now, symbols, e.cfg.Parallel.TimeSegmentHours, e.cfg.Parallel.SymbolBatchSize)
	if len(tasks) == 0 {
		return nil
	}

	workers := e.cfg.Parallel.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	if workers > 8 {
		workers = 8
	}
	if workers < 1 {
		workers = 1
	}

	results := make([][]persistence.CandleRow, len(tasks))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, task := range tasks {
		i, task := i, task
		g.Go(func() error {
			if e.catchupLimiter != nil {
				if err := e.catchupLimiter.Wait(gctx); err != nil {
					return nil
				}
			}
			rows, err := e.reader.BulkExport(gctx, task.from, task.to, task.symbols)
			if err != nil {
				// a failed task returns an empty result and logs; the rest
				// of the job proceeds, since roll-up from base rows is
				// deterministic and retrying the same task is idempotent.
				log.Warn().Err(err).Str("task", task.id).Time("from", task.from).Time("to", task.to).Msg("catch-up task failed, skipped")
				e.metrics.CatchupTaskErrors.Inc()
				return nil
			}
			results[i] = rows
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("parallel catch-up: %w", err)
	}

	var all []persistence.CandleRow
	for _, rows := range results {
		all = append(all, rows...)
	}
	if len(all) == 0 {
		return nil
	}
	sort.Slice(all, func(i, j int) bool {
		if !all[i].BucketTS.Equal(all[j].BucketTS) {
			return all[i].BucketTS.Before(all[j].BucketTS)
		}
		return all[i].Symbol < all[j].Symbol
	})

	e.reduceCatchupRows(all, now)
	e.metrics.CatchupLagSeconds.Set(now.Sub(e.lastSeen).Seconds())
	return nil
}

func partitionTasks(lastSeen, now time.Time, symbols []string, segmentHours, batchSize int) []catchupTask {
	if !now.After(lastSeen) {
		return nil
	}
	if segmentHours <= 0 {
		segmentHours = 6
	}
	if batchSize <= 0 {
		batchSize = 70
	}
	segment := time.Duration(segmentHours) * time.Hour

	var tasks []catchupTask
	for from := lastSeen; from.Before(now); from = from.Add(segment) {
		to := from.Add(segment)
		if to.After(now) {
			to = now
		}
		for start := 0; start < len(symbols); start += batchSize {
			end := start + batchSize
			if end > len(symbols) {
				end = len(symbols)
			}
			tasks = append(tasks, catchupTask{
				id:      uuid.NewString(),
				from:    from,
				to:      to,
				symbols: symbols[start:end],
			})
		}
	}
	return tasks
}

// reduceCatchupRows applies the combined, sorted result set to the base
// cache and every derived period's aggregate, per §4.F step 4. Unlike the
// event-driven path, derived buckets are computed by groupby-aggregate over
// the whole batch rather than incremental accumulation, and a bucket that
// already exists in the cache is replaced outright — not accumulated —
// since the aggregate already reflects every base row in the batch.
func (e *Engine) reduceCatchupRows(rows []persistence.CandleRow, now time.Time) {
	for _, row := range rows {
		b := rowToBar(row, e.basePeriod, true)
		e.bars.Append(e.basePeriod, b)
		if b.Datetime.After(e.lastSeen) {
			e.lastSeen = b.Datetime
		}
		if prior, ok := e.lastBaseTS[b.Symbol]; !ok || b.Datetime.After(prior) {
			e.lastBaseTS[b.Symbol] = b.Datetime
		}
	}

	for _, p := range e.derivedPeriods {
		for _, agg := range aggregateByBucket(rows, p) {
			closed := period.IsClosed(p, agg.bucketStart, now)
			bar := agg.toBar(p, closed)
			if !closed {
				// an in-progress bar carries the latest base ts, as on the serial path
				bar.Datetime = e.lastBaseTS[agg.symbol]
			}
			e.bars.Append(p, bar)
			if !closed {
				bySymbol, ok := e.unclosed[p]
				if !ok {
					bySymbol = make(map[string]model.UnclosedState)
					e.unclosed[p] = bySymbol
				}
				bySymbol[agg.symbol] = model.UnclosedState{
					Symbol: agg.symbol, Period: p, PeriodStart: agg.bucketStart,
					Open: agg.open, High: agg.high, Low: agg.low, Close: agg.close,
					Volume: agg.volume, QuoteVolume: agg.quoteVolume, TradeCount: agg.tradeCount,
					TakerBuyVolume: agg.takerBuyVolume, TakerBuyQuoteVolume: agg.takerBuyQuoteVolume,
				}
			}
		}
	}
}

type bucketAggregate struct {
	symbol      string
	bucketStart time.Time

	open, high, low, close                      float64
	volume, quoteVolume                         float64
	tradeCount                                   int64
	takerBuyVolume, takerBuyQuoteVolume         float64
	seen                                         bool
}

func (a *bucketAggregate) fold(row persistence.CandleRow) {
	if !a.seen {
		a.open = row.Open
		a.high = row.High
		a.low = row.Low
		a.seen = true
	} else {
		if row.High > a.high {
			a.high = row.High
		}
		if row.Low < a.low {
			a.low = row.Low
		}
	}
	a.close = row.Close
	a.volume += row.Volume
	a.quoteVolume += row.QuoteVolume
	a.tradeCount += row.TradeCount
	a.takerBuyVolume += row.TakerBuyVolume
	a.takerBuyQuoteVolume += row.TakerBuyQuoteVolume
}

func (a bucketAggregate) toBar(p period.Period, closed bool) model.Bar {
	return model.Bar{
		Symbol: a.symbol, Period: p, Datetime: a.bucketStart, PeriodStart: a.bucketStart,
		Open: a.open, High: a.high, Low: a.low, Close: a.close,
		Volume: a.volume, QuoteVolume: a.quoteVolume, TradeCount: a.tradeCount,
		TakerBuyVolume: a.takerBuyVolume, TakerBuyQuoteVolume: a.takerBuyQuoteVolume,
		IsClosed: closed,
	}
}

// aggregateByBucket groups rows (already sorted by bucket_ts, symbol) into
// per-(symbol, floor(P, bucket_ts)) OHLCV aggregates: open=first, high=max,
// low=min, close=last, sum for the five accumulator fields.
func aggregateByBucket(rows []persistence.CandleRow, p period.Period) []bucketAggregate {
	byKey := make(map[string]*bucketAggregate)
	var order []string
	for _, row := range rows {
		ps := period.Floor(p, row.BucketTS)
		key := row.Symbol + "|" + ps.Format(time.RFC3339)
		agg, ok := byKey[key]
		if !ok {
			agg = &bucketAggregate{symbol: row.Symbol, bucketStart: ps}
			byKey[key] = agg
			order = append(order, key)
		}
		agg.fold(row)
	}
	out := make([]bucketAggregate, 0, len(order))
	for _, key := range order {
		out = append(out, *byKey[key])
	}
	return out
}
