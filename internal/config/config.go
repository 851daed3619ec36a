// Package config loads the engine's YAML configuration, following the
// teacher's LoadXConfig(path) (*Config, error) idiom.
package config

import (
	"fmt"
	"os"
	"runtime"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sawpanic/fusiond/internal/period"
)

// EngineConfig is the full set of recognised options from §6.3.
type EngineConfig struct {
	UpstreamURL  string   `yaml:"upstream_url"`
	// SnapshotURL is read (and filled from SNAPSHOT_URL) but is not used to
	// build the snapshot store: the store connects to Redis.Addr, and an
	// empty Redis.Addr disables snapshotting and pub/sub.
	SnapshotURL  string   `yaml:"snapshot_url"`
	ExchangeTag  string   `yaml:"exchange_tag"`
	BasePeriod   string   `yaml:"base_period"`
	Periods      []string `yaml:"periods"`
	// Symbols is the tracked symbol universe. Empty means "discover from
	// the upstream store at warm-up" (distinct symbols in candles_1m).
	Symbols []string `yaml:"symbols"`

	CacheWindow   int `yaml:"cache_window"`
	MetricsWindow int `yaml:"metrics_window"`

	PollIntervalSeconds float64 `yaml:"poll_interval"`
	PollFallback        bool    `yaml:"poll_fallback"`

	SnapshotRestoreMaxAgeHours int `yaml:"snapshot_restore_max_age_hours"`

	Parallel ParallelConfig `yaml:"parallel"`

	NotifyChannelCandles string `yaml:"notify_channel_candles"`
	NotifyChannelMetrics string `yaml:"notify_channel_metrics"`

	Redis RedisConfig `yaml:"redis"`
}

// ParallelConfig tunes the parallel catch-up engine, per §4.F. Defaults are
// carried over verbatim from the original implementation.
type ParallelConfig struct {
	Workers          int `yaml:"workers"`
	TimeSegmentHours int `yaml:"time_segment_hours"`
	SymbolBatchSize  int `yaml:"symbol_batch_size"`
	// QueriesPerSecond throttles BulkExport task dispatch so a wide backfill
	// across many workers doesn't saturate the upstream connection pool.
	// Zero disables throttling.
	QueriesPerSecond float64 `yaml:"queries_per_second"`
}

// RedisConfig configures the snapshot store connection.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// Default returns the documented defaults for every optional field.
func Default() EngineConfig {
	return EngineConfig{
		BasePeriod:                 "1m",
		Periods:                    []string{"1m", "5m", "15m", "1h", "4h", "1d", "1w"},
		CacheWindow:                500,
		MetricsWindow:              240,
		PollIntervalSeconds:        1.0,
		SnapshotRestoreMaxAgeHours: 168,
		Parallel: ParallelConfig{
			Workers:          min(runtime.NumCPU(), 8),
			TimeSegmentHours: 6,
			SymbolBatchSize:  70,
			QueriesPerSecond: 20,
		},
		NotifyChannelCandles: "candle_1m_update",
		NotifyChannelMetrics: "metrics_5m_update",
	}
}

// Load reads and parses path over the documented defaults.
func Load(path string) (*EngineConfig, error) {
	c := Default()
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if env := os.Getenv("UPSTREAM_URL"); env != "" && c.UpstreamURL == "" {
		c.UpstreamURL = env
	}
	if env := os.Getenv("SNAPSHOT_URL"); env != "" && c.SnapshotURL == "" {
		c.SnapshotURL = env
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &c, nil
}

// Validate checks the invariants §6.3 implies: base_period must be the
// smallest supported period and must be a member of periods.
func (c *EngineConfig) Validate() error {
	if c.UpstreamURL == "" {
		return fmt.Errorf("upstream_url is required")
	}
	if c.BasePeriod == "" {
		return fmt.Errorf("base_period is required")
	}
	found := false
	for _, p := range c.Periods {
		if p == c.BasePeriod {
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("base_period %q must be a member of periods", c.BasePeriod)
	}
	base := period.Period(c.BasePeriod)
	if !period.Valid(base) {
		return fmt.Errorf("base_period %q is not a supported period", c.BasePeriod)
	}
	for _, p := range c.Periods {
		if pp := period.Period(p); period.Valid(pp) && period.Duration(pp) < period.Duration(base) {
			return fmt.Errorf("base_period %q must be the smallest of periods, %q is smaller", c.BasePeriod, p)
		}
	}
	if c.CacheWindow <= 0 {
		return fmt.Errorf("cache_window must be positive")
	}
	return nil
}

// PollInterval converts PollIntervalSeconds to a time.Duration.
func (c *EngineConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds * float64(time.Second))
}

// RestoreMaxAge converts SnapshotRestoreMaxAgeHours to a time.Duration.
func (c *EngineConfig) RestoreMaxAge() time.Duration {
	return time.Duration(c.SnapshotRestoreMaxAgeHours) * time.Hour
}

// DerivedPeriods returns Periods minus BasePeriod, in the configured order.
func (c *EngineConfig) DerivedPeriods() []string {
	out := make([]string, 0, len(c.Periods))
	for _, p := range c.Periods {
		if p != c.BasePeriod {
			out = append(out, p)
		}
	}
	return out
}
