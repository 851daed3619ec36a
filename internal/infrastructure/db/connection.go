// Package db manages the upstream time-series store connection pool and
// read-only repository construction, grounded on the teacher's Manager
// pattern but generalized from a single *sqlx.DB to the dedicated-connection
// shape §4.D/§5 require (a pooled read connection plus a separate listener
// connection).
package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/sawpanic/fusiond/internal/persistence"
	"github.com/sawpanic/fusiond/internal/persistence/postgres"
)

// Config holds upstream database connection configuration.
type Config struct {
	DSN             string        `yaml:"dsn"`
	ExchangeTag     string        `yaml:"exchange_tag"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
	QueryTimeout    time.Duration `yaml:"query_timeout"`
}

// DefaultConfig returns reasonable defaults for the upstream connection
// pool. Warm-up parallelises per-period loads (§4.E step 3); MaxOpenConns
// is sized to comfortably cover #periods concurrent warm-up workers plus
// the dedicated listener connection.
func DefaultConfig() Config {
	return Config{
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: 30 * time.Minute,
		ConnMaxIdleTime: 5 * time.Minute,
		QueryTimeout:    30 * time.Second,
	}
}

// Manager owns the upstream connection pool, the read-only reader, and a
// health checker. Unlike the engine's snapshot store, the upstream store is
// mandatory: Manager.NewManager fails fast if it cannot connect, per §7's
// "upstream unreachable at startup is fatal".
type Manager struct {
	db     *sqlx.DB
	config Config
	reader persistence.UpstreamReader
	health *healthChecker
}

// NewManager opens the pool, verifies connectivity, and issues
// SET default_transaction_read_only = on once. That statement applies only
// to the pooled connection that runs it; connections the pool opens later
// are not set read-only.
func NewManager(config Config) (*Manager, error) {
	if config.DSN == "" {
		return nil, fmt.Errorf("upstream DSN is required")
	}

	db, err := sqlx.Open("postgres", config.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open upstream database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping upstream database: %w", err)
	}
	if _, err := db.ExecContext(ctx, "SET default_transaction_read_only = on"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set session read-only: %w", err)
	}

	reader := postgres.NewReader(db, config.ExchangeTag, config.QueryTimeout)

	return &Manager{
		db:     db,
		config: config,
		reader: reader,
		health: &healthChecker{db: db, timeout: config.QueryTimeout},
	}, nil
}

// Reader returns the read-only upstream reader.
func (m *Manager) Reader() persistence.UpstreamReader { return m.reader }

// Health returns the health checker interface.
func (m *Manager) Health() persistence.RepositoryHealth { return m.health }

// DB returns the underlying connection pool, for constructing additional
// per-task connections in the parallel catch-up engine.
func (m *Manager) DB() *sqlx.DB { return m.db }

// Close closes the upstream connection pool.
func (m *Manager) Close() error {
	if m.db == nil {
		return nil
	}
	return m.db.Close()
}

type healthChecker struct {
	db      *sqlx.DB
	timeout time.Duration
}

func (h *healthChecker) Health(ctx context.Context) persistence.HealthCheck {
	start := time.Now()
	pingCtx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	var errors []string
	healthy := true
	if err := h.db.PingContext(pingCtx); err != nil {
		errors = append(errors, fmt.Sprintf("ping failed: %v", err))
		healthy = false
	}

	stats := h.db.Stats()
	pool := map[string]int{
		"max_open":      stats.MaxOpenConnections,
		"open":          stats.OpenConnections,
		"in_use":        stats.InUse,
		"idle":          stats.Idle,
		"wait_count":    int(stats.WaitCount),
		"wait_duration": int(stats.WaitDuration.Milliseconds()),
	}

	return persistence.HealthCheck{
		Healthy:        healthy,
		Errors:         errors,
		ConnectionPool: pool,
		LastCheck:      time.Now(),
		ResponseTimeMS: time.Since(start).Milliseconds(),
	}
}

func (h *healthChecker) Ping(ctx context.Context) error {
	pingCtx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()
	return h.db.PingContext(pingCtx)
}

func (h *healthChecker) Stats(ctx context.Context) map[string]interface{} {
	stats := h.db.Stats()
	return map[string]interface{}{
		"max_open_connections": stats.MaxOpenConnections,
		"open_connections":     stats.OpenConnections,
		"in_use":               stats.InUse,
		"idle":                 stats.Idle,
		"wait_count":           stats.WaitCount,
		"wait_duration_ms":     stats.WaitDuration.Milliseconds(),
		"max_idle_closed":      stats.MaxIdleClosed,
		"max_idle_time_closed": stats.MaxIdleTimeClosed,
		"max_lifetime_closed":  stats.MaxLifetimeClosed,
	}
}
