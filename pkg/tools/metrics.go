package tools

import (
	"math"
	"sort"
	"sync"
	"time"
)

const (
	// DefaultMetricsWindow is how far back aggregation looks.
	DefaultMetricsWindow = time.Hour
	// DefaultMetricsCapacity bounds records kept per tool.
	DefaultMetricsCapacity = 1000
)

type metricRecord struct {
	at       time.Time
	success  bool
	duration time.Duration
	errMsg   string
}

// ToolStats is the aggregated view of one tool's executions inside the
// rolling window. Durations are reported in milliseconds.
type ToolStats struct {
	Tool              string     `json:"tool"`
	Total             int        `json:"total"`
	Success           int        `json:"success"`
	Failure           int        `json:"failure"`
	SuccessRate       float64    `json:"successRate"`
	MinMs             float64    `json:"minMs"`
	MaxMs             float64    `json:"maxMs"`
	AvgMs             float64    `json:"avgMs"`
	P50Ms             float64    `json:"p50Ms"`
	P95Ms             float64    `json:"p95Ms"`
	P99Ms             float64    `json:"p99Ms"`
	RecentFailures60s int        `json:"recentFailures60s"`
	LastCalledAt      *time.Time `json:"lastCalledAt,omitempty"`
}

// MetricsCollector keeps a bounded rolling window of execution records per
// tool and aggregates them on demand.
type MetricsCollector struct {
	mu       sync.RWMutex
	window   time.Duration
	capacity int
	byTool   map[string][]metricRecord
	now      func() time.Time
}

func NewMetricsCollector(window time.Duration, capacity int) *MetricsCollector {
	if window <= 0 {
		window = DefaultMetricsWindow
	}
	if capacity <= 0 {
		capacity = DefaultMetricsCapacity
	}
	return &MetricsCollector{
		window:   window,
		capacity: capacity,
		byTool:   make(map[string][]metricRecord),
		now:      time.Now,
	}
}

// Record appends one execution and evicts entries that fell out of the
// window or past the capacity.
func (c *MetricsCollector) Record(tool string, success bool, duration time.Duration, err error) {
	rec := metricRecord{at: c.now(), success: success, duration: duration}
	if err != nil {
		rec.errMsg = err.Error()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	entries := append(c.byTool[tool], rec)
	entries = c.evict(entries)
	c.byTool[tool] = entries
}

func (c *MetricsCollector) evict(entries []metricRecord) []metricRecord {
	cutoff := c.now().Add(-c.window)
	start := 0
	for start < len(entries) && !entries[start].at.After(cutoff) {
		start++
	}
	entries = entries[start:]
	if len(entries) > c.capacity {
		entries = entries[len(entries)-c.capacity:]
	}
	return entries
}

// Stats aggregates the tool's in-window records. A tool with no records
// yields a zero-valued ToolStats carrying only the name.
func (c *MetricsCollector) Stats(tool string) ToolStats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.statsLocked(tool)
}

func (c *MetricsCollector) statsLocked(tool string) ToolStats {
	stats := ToolStats{Tool: tool}
	cutoff := c.now().Add(-c.window)
	failureCutoff := c.now().Add(-60 * time.Second)

	var durations []float64
	var sum float64
	for _, rec := range c.byTool[tool] {
		if !rec.at.After(cutoff) {
			continue
		}
		stats.Total++
		if rec.success {
			stats.Success++
		} else {
			stats.Failure++
			if rec.at.After(failureCutoff) {
				stats.RecentFailures60s++
			}
		}
		ms := float64(rec.duration) / float64(time.Millisecond)
		durations = append(durations, ms)
		sum += ms
		at := rec.at
		stats.LastCalledAt = &at
	}
	if stats.Total == 0 {
		return stats
	}

	stats.SuccessRate = float64(stats.Success) / float64(stats.Total)
	sort.Float64s(durations)
	stats.MinMs = durations[0]
	stats.MaxMs = durations[len(durations)-1]
	stats.AvgMs = sum / float64(stats.Total)
	stats.P50Ms = percentile(durations, 50)
	stats.P95Ms = percentile(durations, 95)
	stats.P99Ms = percentile(durations, 99)
	return stats
}

// AllStats aggregates every tool that has at least one in-window record,
// sorted by tool name.
func (c *MetricsCollector) AllStats() []ToolStats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.byTool))
	for name := range c.byTool {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]ToolStats, 0, len(names))
	for _, name := range names {
		stats := c.statsLocked(name)
		if stats.Total > 0 {
			out = append(out, stats)
		}
	}
	return out
}

// percentile indexes the sorted array at ceil(p/100*n)-1.
func percentile(sorted []float64, p float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	idx := int(math.Ceil(p/100*float64(n))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= n {
		idx = n - 1
	}
	return sorted[idx]
}
