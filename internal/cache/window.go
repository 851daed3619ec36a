// Package cache implements the in-memory WindowCache: the per-(period,
// symbol) ordered map from timestamp to Bar/Metrics that the fusion engine
// mutates on every event, plus the read-only consumer-side accessors.
package cache

import (
	"sort"
	"sync"
	"time"

	"github.com/sawpanic/fusiond/internal/model"
	"github.com/sawpanic/fusiond/internal/period"
)

// keyOf returns the cache key for a bar: Datetime for closed bars,
// PeriodStart for unclosed bars, per spec §4.B.
func keyOf(b model.Bar) time.Time {
	if b.IsClosed {
		return b.Datetime
	}
	return b.PeriodStart
}

type symbolSeries struct {
	keys []time.Time // sorted ascending
	bars map[int64]model.Bar
}

func newSymbolSeries() *symbolSeries {
	return &symbolSeries{bars: make(map[int64]model.Bar)}
}

func idx(t time.Time) int64 { return t.UTC().Unix() }

func (s *symbolSeries) upsert(b model.Bar, unboundedWindow bool, limit int) {
	k := idx(keyOf(b))

	if !b.IsClosed {
		// at most one unclosed entry: drop any other unclosed entry first.
		for i, kt := range s.keys {
			if existing, ok := s.bars[idx(kt)]; ok && !existing.IsClosed && idx(kt) != k {
				s.keys = append(s.keys[:i], s.keys[i+1:]...)
				delete(s.bars, idx(kt))
				break
			}
		}
	}

	if _, exists := s.bars[k]; !exists {
		s.keys = append(s.keys, keyOf(b))
		sort.Slice(s.keys, func(i, j int) bool { return s.keys[i].Before(s.keys[j]) })
	}
	s.bars[k] = b

	if !unboundedWindow && limit > 0 {
		for len(s.keys) > limit {
			oldest := s.keys[0]
			s.keys = s.keys[1:]
			delete(s.bars, idx(oldest))
		}
	}
}

func (s *symbolSeries) sorted() []model.Bar {
	out := make([]model.Bar, 0, len(s.keys))
	for _, k := range s.keys {
		out = append(out, s.bars[idx(k)])
	}
	return out
}

// WindowCache holds every period's per-symbol bar series in memory. It is
// the sole owner of engine state mutated by the fusion engine's main task;
// per §4.B, writers must serialize access per (period, symbol), which this
// implementation achieves with a single coarse mutex (contention is low:
// the engine is single-writer by design, the mutex exists for safe
// concurrent reads from the consumer-side API).
type WindowCache struct {
	mu           sync.RWMutex
	basePeriod   period.Period
	windowLimit  int // applied to non-base periods
	series       map[period.Period]map[string]*symbolSeries
}

// NewWindowCache creates an empty cache. windowLimit bounds every non-base
// period's per-symbol history (default 500 per §6.3's cache_window).
func NewWindowCache(basePeriod period.Period, windowLimit int) *WindowCache {
	return &WindowCache{
		basePeriod:  basePeriod,
		windowLimit: windowLimit,
		series:      make(map[period.Period]map[string]*symbolSeries),
	}
}

func (c *WindowCache) seriesFor(p period.Period, symbol string) *symbolSeries {
	bySymbol, ok := c.series[p]
	if !ok {
		bySymbol = make(map[string]*symbolSeries)
		c.series[p] = bySymbol
	}
	s, ok := bySymbol[symbol]
	if !ok {
		s = newSymbolSeries()
		bySymbol[symbol] = s
	}
	return s
}

// Append upserts a bar by its key (Datetime if closed, PeriodStart if not),
// then trims to the window limit for non-base periods. The base period has
// an unbounded window during the trading week, per spec §3/§4.B.
func (c *WindowCache) Append(p period.Period, b model.Bar) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.seriesFor(p, b.Symbol)
	s.upsert(b, p == c.basePeriod, c.windowLimit)
}

// Get returns the ascending-time series for (period, symbol). The slice is
// a fresh copy so callers may hold it across further cache mutations.
func (c *WindowCache) Get(p period.Period, symbol string) []model.Bar {
	c.mu.RLock()
	defer c.mu.RUnlock()
	bySymbol, ok := c.series[p]
	if !ok {
		return nil
	}
	s, ok := bySymbol[symbol]
	if !ok {
		return nil
	}
	return s.sorted()
}

// Count sums the per-symbol series lengths for a period.
func (c *WindowCache) Count(p period.Period) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n := 0
	for _, s := range c.series[p] {
		n += len(s.keys)
	}
	return n
}

// Symbols lists every symbol with at least one entry for a period.
func (c *WindowCache) Symbols(p period.Period) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.series[p]))
	for sym := range c.series[p] {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}
