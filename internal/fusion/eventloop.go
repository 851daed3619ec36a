package fusion

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/fusiond/internal/persistence"
)

// Run drives the steady-state event loop: listen-preferred with a poll
// fallback, per §4.G. Two named channels are subscribed on the dedicated
// listener connection — base candles and base metrics — so bar derivation
// and metrics derivation both stay live for the life of the process, per
// §4.E's "Metrics derivation" running symmetric to bars. It blocks until ctx
// is cancelled; in-flight batches are allowed to finish before returning,
// since the cache and store are both last-writer-wins and there is no
// partial-commit artefact to clean up.
func (e *Engine) Run(ctx context.Context, listener persistence.NotifyListener, symbols []string) error {
	if e.cfg.PollFallback || listener == nil {
		return e.runPoll(ctx, symbols)
	}

	candles, err := listener.Listen(ctx, e.cfg.NotifyChannelCandles)
	if err != nil {
		log.Warn().Err(err).Msg("event loop: listen failed, falling back to poll mode")
		return e.runPoll(ctx, symbols)
	}
	metricsNotify, err := listener.Listen(ctx, e.cfg.NotifyChannelMetrics)
	if err != nil {
		log.Warn().Err(err).Msg("event loop: metrics listen failed, falling back to poll mode")
		listener.Close()
		return e.runPoll(ctx, symbols)
	}
	defer listener.Close()

	log.Info().Str("candles_channel", e.cfg.NotifyChannelCandles).Str("metrics_channel", e.cfg.NotifyChannelMetrics).
		Msg("event loop: listening for base candle and metrics notifications")
	for {
		select {
		case <-ctx.Done():
			return nil
		case payload, ok := <-candles:
			if !ok {
				log.Warn().Msg("event loop: candle notification channel closed, falling back to poll mode")
				return e.runPoll(ctx, symbols)
			}
			e.handleNotification(ctx, payload)
		case payload, ok := <-metricsNotify:
			if !ok {
				log.Warn().Msg("event loop: metrics notification channel closed, falling back to poll mode")
				return e.runPoll(ctx, symbols)
			}
			e.handleMetricsNotification(ctx, payload)
		}
	}
}

// handleNotification resolves a notification to its row via a point fetch
// and applies ordinary per-bar derivation (§4.D/§4.G/§9). Notifications
// identify a row; they never carry it.
func (e *Engine) handleNotification(ctx context.Context, payload persistence.NotifyPayload) {
	bucketTS := time.Unix(int64(payload.BucketTS), 0).UTC()
	row, found, err := e.reader.FetchSingleBar(ctx, payload.Symbol, bucketTS)
	if err != nil {
		log.Warn().Err(err).Str("symbol", payload.Symbol).Time("bucket_ts", bucketTS).Msg("event loop: point fetch failed, notification dropped")
		return
	}
	if !found {
		log.Debug().Str("symbol", payload.Symbol).Time("bucket_ts", bucketTS).Msg("event loop: notified row not yet visible, dropped")
		return
	}
	e.ApplyBaseBar(ctx, rowToBar(row, e.basePeriod, true))
}

// handleMetricsNotification is the metrics analogue of handleNotification
// (§4.E/§4.G/§9): a notification on the metrics channel identifies a row in
// the base metrics table, fetched and applied the same way.
func (e *Engine) handleMetricsNotification(ctx context.Context, payload persistence.NotifyPayload) {
	createTime := time.Unix(int64(payload.BucketTS), 0).UTC()
	row, found, err := e.reader.FetchSingleMetrics(ctx, payload.Symbol, createTime)
	if err != nil {
		log.Warn().Err(err).Str("symbol", payload.Symbol).Time("create_time", createTime).Msg("event loop: metrics point fetch failed, notification dropped")
		return
	}
	if !found {
		log.Debug().Str("symbol", payload.Symbol).Time("create_time", createTime).Msg("event loop: notified metrics row not yet visible, dropped")
		return
	}
	e.ApplyBaseMetrics(ctx, rowToMetrics(row, metricsBasePeriod, true))
}

// runPoll is the fallback mode: every poll_interval, ask for up to 5000
// closed base rows (and closed base metrics rows) with a timestamp past the
// respective high-water mark, apply as a batch, sleep if nothing came back
// (§4.G "Fallback mode").
func (e *Engine) runPoll(ctx context.Context, symbols []string) error {
	const maxBatch = 5000
	interval := e.cfg.PollInterval()
	if interval <= 0 {
		interval = time.Second
	}
	log.Info().Dur("interval", interval).Msg("event loop: running in poll fallback mode")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := e.pollOnce(ctx, symbols, maxBatch)
			if err != nil {
				log.Warn().Err(err).Msg("event loop: poll batch failed, retried next tick")
			} else if n > 0 {
				log.Debug().Int("applied", n).Msg("event loop: poll batch applied")
			}

			mn, err := e.pollMetricsOnce(ctx, symbols, maxBatch)
			if err != nil {
				log.Warn().Err(err).Msg("event loop: metrics poll batch failed, retried next tick")
			} else if mn > 0 {
				log.Debug().Int("applied", mn).Msg("event loop: metrics poll batch applied")
			}
		}
	}
}

func (e *Engine) pollOnce(ctx context.Context, symbols []string, maxBatch int) (int, error) {
	var applied int
	err := e.reader.StreamCatchup(ctx, e.lastSeen, func(row persistence.CandleRow) error {
		if applied >= maxBatch {
			return nil
		}
		e.ApplyBaseBar(ctx, rowToBar(row, e.basePeriod, true))
		applied++
		return nil
	})
	return applied, err
}

func (e *Engine) pollMetricsOnce(ctx context.Context, symbols []string, maxBatch int) (int, error) {
	var applied int
	err := e.reader.StreamCatchupMetrics(ctx, e.lastMetricsSeen, func(row persistence.MetricsRow) error {
		if applied >= maxBatch {
			return nil
		}
		e.ApplyBaseMetrics(ctx, rowToMetrics(row, metricsBasePeriod, true))
		applied++
		return nil
	})
	return applied, err
}
