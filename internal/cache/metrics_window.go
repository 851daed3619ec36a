package cache

import (
	"sort"
	"sync"

	"github.com/sawpanic/fusiond/internal/model"
	"github.com/sawpanic/fusiond/internal/period"
)

func metricsKeyOf(m model.Metrics) int64 {
	if m.IsClosed {
		return idx(m.Datetime)
	}
	return idx(m.PeriodStart)
}

type metricsSymbolSeries struct {
	keys    []int64
	entries map[int64]model.Metrics
}

func newMetricsSymbolSeries() *metricsSymbolSeries {
	return &metricsSymbolSeries{entries: make(map[int64]model.Metrics)}
}

func (s *metricsSymbolSeries) upsert(m model.Metrics, limit int) {
	k := metricsKeyOf(m)
	if !m.IsClosed {
		for i, kt := range s.keys {
			if existing, ok := s.entries[kt]; ok && !existing.IsClosed && kt != k {
				s.keys = append(s.keys[:i], s.keys[i+1:]...)
				delete(s.entries, kt)
				break
			}
		}
	}
	if _, exists := s.entries[k]; !exists {
		s.keys = append(s.keys, k)
		sort.Slice(s.keys, func(i, j int) bool { return s.keys[i] < s.keys[j] })
	}
	s.entries[k] = m
	if limit > 0 {
		for len(s.keys) > limit {
			oldest := s.keys[0]
			s.keys = s.keys[1:]
			delete(s.entries, oldest)
		}
	}
}

func (s *metricsSymbolSeries) sorted() []model.Metrics {
	out := make([]model.Metrics, 0, len(s.keys))
	for _, k := range s.keys {
		out = append(out, s.entries[k])
	}
	return out
}

// MetricsWindowCache mirrors WindowCache for futures-sentiment metrics.
// Metrics are snapshot-typed (§3): every window, including the base period,
// is bounded by metrics_window (default 240 per §6.3) — there is no
// unbounded-during-the-week exception because metrics have no notion of
// accumulation that would make an unbounded base window meaningful.
type MetricsWindowCache struct {
	mu          sync.RWMutex
	windowLimit int
	series      map[period.Period]map[string]*metricsSymbolSeries
}

func NewMetricsWindowCache(windowLimit int) *MetricsWindowCache {
	return &MetricsWindowCache{windowLimit: windowLimit, series: make(map[period.Period]map[string]*metricsSymbolSeries)}
}

func (c *MetricsWindowCache) seriesFor(p period.Period, symbol string) *metricsSymbolSeries {
	bySymbol, ok := c.series[p]
	if !ok {
		bySymbol = make(map[string]*metricsSymbolSeries)
		c.series[p] = bySymbol
	}
	s, ok := bySymbol[symbol]
	if !ok {
		s = newMetricsSymbolSeries()
		bySymbol[symbol] = s
	}
	return s
}

func (c *MetricsWindowCache) Append(p period.Period, m model.Metrics) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seriesFor(p, m.Symbol).upsert(m, c.windowLimit)
}

func (c *MetricsWindowCache) Get(p period.Period, symbol string) []model.Metrics {
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

func (c *MetricsWindowCache) Count(p period.Period) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n := 0
	for _, s := range c.series[p] {
		n += len(s.keys)
	}
	return n
}
