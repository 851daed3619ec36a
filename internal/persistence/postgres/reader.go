// Package postgres implements the persistence.UpstreamReader contract
// against the time-series store described in §4.D/§6.1, using sqlx and the
// lib/pq driver (including its COPY TO STDOUT and LISTEN/NOTIFY support).
package postgres

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/csv"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/sawpanic/fusiond/internal/persistence"
)

var sqlTxReadOnly = sql.TxOptions{ReadOnly: true}

// Reader implements persistence.UpstreamReader.
type Reader struct {
	db           *sqlx.DB
	exchangeTag  string
	queryTimeout time.Duration
}

func NewReader(db *sqlx.DB, exchangeTag string, queryTimeout time.Duration) *Reader {
	return &Reader{db: db, exchangeTag: exchangeTag, queryTimeout: queryTimeout}
}

func candleTable(period string) string {
	return fmt.Sprintf("candles_%s", period)
}

func metricsTable(period string) string {
	return fmt.Sprintf("binance_futures_metrics_%s", period)
}

const candleColumns = `symbol, exchange, bucket_ts, open, high, low, close, volume, quote_volume, trade_count, taker_buy_volume, taker_buy_quote_volume, is_closed`

// LoadWindow implements the "window load for a period" read pattern:
// WHERE symbol = ANY(list) AND is_closed AND bucket_ts >= lower_bound,
// deliberately a time-range predicate rather than ROW_NUMBER (§4.D).
func (r *Reader) LoadWindow(ctx context.Context, period string, symbols []string, lowerBound time.Time) ([]persistence.CandleRow, error) {
	ctx, cancel := context.WithTimeout(ctx, r.queryTimeout)
	defer cancel()
	q := fmt.Sprintf(`SELECT %s FROM %s WHERE symbol = ANY($1) AND is_closed AND bucket_ts >= $2 ORDER BY bucket_ts ASC, symbol ASC`,
		candleColumns, candleTable(period))
	var rows []persistence.CandleRow
	if err := r.db.SelectContext(ctx, &rows, q, pq.Array(symbols), lowerBound.UTC()); err != nil {
		return nil, fmt.Errorf("load window %s: %w", period, err)
	}
	return rows, nil
}

// LoadBaseBackload returns every closed base-period bar since the given
// timestamp, used to back-load from the current week start.
func (r *Reader) LoadBaseBackload(ctx context.Context, symbols []string, since time.Time) ([]persistence.CandleRow, error) {
	return r.LoadWindow(ctx, "1m", symbols, since)
}

// StreamCatchup streams every closed base-period row with bucket_ts >
// lastSeen via a server-side cursor in ascending (bucket_ts, symbol) order,
// invoking fn per row so the full result set never needs to be materialised
// client-side, per §4.D/§4.E's catch-up read.
func (r *Reader) StreamCatchup(ctx context.Context, lastSeen time.Time, fn func(persistence.CandleRow) error) error {
	tx, err := r.db.BeginTxx(ctx, &sqlTxReadOnly)
	if err != nil {
		return fmt.Errorf("catchup cursor begin: %w", err)
	}
	defer tx.Rollback()

	const cursorName = "fusion_catchup_cursor"
	declare := fmt.Sprintf(`DECLARE %s CURSOR FOR SELECT %s FROM %s WHERE is_closed AND bucket_ts > $1 ORDER BY bucket_ts ASC, symbol ASC`,
		cursorName, candleColumns, candleTable("1m"))
	if _, err := tx.ExecContext(ctx, declare, lastSeen.UTC()); err != nil {
		return fmt.Errorf("catchup cursor declare: %w", err)
	}

	const batchSize = 1000
	for {
		var batch []persistence.CandleRow
		fetchQ := fmt.Sprintf("FETCH %d FROM %s", batchSize, cursorName)
		if err := tx.SelectContext(ctx, &batch, fetchQ); err != nil {
			return fmt.Errorf("catchup cursor fetch: %w", err)
		}
		if len(batch) == 0 {
			break
		}
		for _, row := range batch {
			if err := fn(row); err != nil {
				return err
			}
		}
		if len(batch) < batchSize {
			break
		}
	}
	return tx.Commit()
}

// StreamCatchupMetrics streams every closed base metrics row with
// create_time > lastSeen via a server-side cursor, mirroring StreamCatchup
// for the metrics table (§4.D/§4.E/§4.G).
func (r *Reader) StreamCatchupMetrics(ctx context.Context, lastSeen time.Time, fn func(persistence.MetricsRow) error) error {
	tx, err := r.db.BeginTxx(ctx, &sqlTxReadOnly)
	if err != nil {
		return fmt.Errorf("metrics catchup cursor begin: %w", err)
	}
	defer tx.Rollback()

	const cursorName = "fusion_metrics_catchup_cursor"
	declare := fmt.Sprintf(`DECLARE %s CURSOR FOR SELECT %s FROM %s WHERE is_closed AND create_time > $1 ORDER BY create_time ASC, symbol ASC`,
		cursorName, metricsColumns, metricsTable("5m"))
	if _, err := tx.ExecContext(ctx, declare, lastSeen.UTC()); err != nil {
		return fmt.Errorf("metrics catchup cursor declare: %w", err)
	}

	const batchSize = 1000
	for {
		var batch []persistence.MetricsRow
		fetchQ := fmt.Sprintf("FETCH %d FROM %s", batchSize, cursorName)
		if err := tx.SelectContext(ctx, &batch, fetchQ); err != nil {
			return fmt.Errorf("metrics catchup cursor fetch: %w", err)
		}
		if len(batch) == 0 {
			break
		}
		for _, row := range batch {
			if err := fn(row); err != nil {
				return err
			}
		}
		if len(batch) < batchSize {
			break
		}
	}
	return tx.Commit()
}

// FetchSingleBar implements the notification-driven single-row fetch
// (§4.D/§9): notifications are wake signals, never the payload.
func (r *Reader) FetchSingleBar(ctx context.Context, symbol string, bucketTS time.Time) (persistence.CandleRow, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, r.queryTimeout)
	defer cancel()
	q := fmt.Sprintf(`SELECT %s FROM %s WHERE symbol = $1 AND bucket_ts = $2 AND is_closed LIMIT 1`, candleColumns, candleTable("1m"))
	var row persistence.CandleRow
	if err := r.db.GetContext(ctx, &row, q, symbol, bucketTS.UTC()); err != nil {
		if err.Error() == "sql: no rows in result set" {
			return persistence.CandleRow{}, false, nil
		}
		return persistence.CandleRow{}, false, fmt.Errorf("fetch single bar: %w", err)
	}
	return row, true, nil
}

// BulkExport issues a streaming binary-safe CSV export via COPY TO STDOUT,
// per §4.F/§6.1, for the parallel catch-up engine's per-task workers.
func (r *Reader) BulkExport(ctx context.Context, from, to time.Time, symbols []string) ([]persistence.CandleRow, error) {
	copySQL := fmt.Sprintf(
		`COPY (SELECT symbol, bucket_ts, open, high, low, close, volume, quote_volume, trade_count, taker_buy_volume, taker_buy_quote_volume
			FROM %s
			WHERE is_closed AND bucket_ts > $1 AND bucket_ts <= $2 AND symbol = ANY($3)
			ORDER BY bucket_ts ASC, symbol ASC) TO STDOUT WITH (FORMAT csv, HEADER false)`,
		candleTable("1m"))

	rows, err := r.db.QueryContext(ctx, copySQL, from.UTC(), to.UTC(), pq.Array(symbols))
	if err != nil {
		return nil, fmt.Errorf("bulk export copy: %w", err)
	}
	defer rows.Close()

	var out []persistence.CandleRow
	for rows.Next() {
		var line string
		if err := rows.Scan(&line); err != nil {
			return nil, fmt.Errorf("bulk export scan: %w", err)
		}
		row, err := parseCopyLine(line)
		if err != nil {
			return nil, fmt.Errorf("bulk export parse: %w", err)
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func parseCopyLine(line string) (persistence.CandleRow, error) {
	cr := csv.NewReader(bufio.NewReader(strings.NewReader(line)))
	fields, err := cr.Read()
	if err != nil {
		return persistence.CandleRow{}, err
	}
	if len(fields) != 11 {
		return persistence.CandleRow{}, fmt.Errorf("expected 11 columns, got %d", len(fields))
	}
	bucketTS, err := time.Parse(time.RFC3339, fields[1])
	if err != nil {
		bucketTS, err = time.Parse("2006-01-02 15:04:05", fields[1])
		if err != nil {
			return persistence.CandleRow{}, fmt.Errorf("parse bucket_ts %q: %w", fields[1], err)
		}
	}
	f := func(i int) float64 { v, _ := strconv.ParseFloat(fields[i], 64); return v }
	ic := func(i int) int64 { v, _ := strconv.ParseInt(fields[i], 10, 64); return v }
	return persistence.CandleRow{
		Symbol: fields[0], BucketTS: bucketTS.UTC(),
		Open: f(2), High: f(3), Low: f(4), Close: f(5),
		Volume: f(6), QuoteVolume: f(7), TradeCount: ic(8),
		TakerBuyVolume: f(9), TakerBuyQuoteVolume: f(10), IsClosed: true,
	}, nil
}

const metricsColumns = `symbol, exchange, create_time, sum_open_interest, sum_open_interest_value, count_toptrader_long_short_ratio, sum_toptrader_long_short_ratio, count_long_short_ratio, sum_taker_long_short_vol_ratio, is_closed`

// LoadMetricsWindow mirrors LoadWindow for the metrics tables.
func (r *Reader) LoadMetricsWindow(ctx context.Context, period string, symbols []string, lowerBound time.Time) ([]persistence.MetricsRow, error) {
	ctx, cancel := context.WithTimeout(ctx, r.queryTimeout)
	defer cancel()
	q := fmt.Sprintf(`SELECT %s FROM %s WHERE symbol = ANY($1) AND is_closed AND create_time >= $2 ORDER BY create_time ASC, symbol ASC`,
		metricsColumns, metricsTable(period))
	var rows []persistence.MetricsRow
	if err := r.db.SelectContext(ctx, &rows, q, pq.Array(symbols), lowerBound.UTC()); err != nil {
		return nil, fmt.Errorf("load metrics window %s: %w", period, err)
	}
	return rows, nil
}

// DistinctSymbols enumerates the tracked symbol universe from the
// base-period table when none is configured explicitly.
func (r *Reader) DistinctSymbols(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.queryTimeout)
	defer cancel()
	q := fmt.Sprintf(`SELECT DISTINCT symbol FROM %s ORDER BY symbol`, candleTable("1m"))
	var symbols []string
	if err := r.db.SelectContext(ctx, &symbols, q); err != nil {
		return nil, fmt.Errorf("distinct symbols: %w", err)
	}
	return symbols, nil
}

// FetchSingleMetrics mirrors FetchSingleBar for the base metrics table.
func (r *Reader) FetchSingleMetrics(ctx context.Context, symbol string, createTime time.Time) (persistence.MetricsRow, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, r.queryTimeout)
	defer cancel()
	q := fmt.Sprintf(`SELECT %s FROM %s WHERE symbol = $1 AND create_time = $2 AND is_closed LIMIT 1`, metricsColumns, metricsTable("5m"))
	var row persistence.MetricsRow
	if err := r.db.GetContext(ctx, &row, q, symbol, createTime.UTC()); err != nil {
		if err.Error() == "sql: no rows in result set" {
			return persistence.MetricsRow{}, false, nil
		}
		return persistence.MetricsRow{}, false, fmt.Errorf("fetch single metrics: %w", err)
	}
	return row, true, nil
}
