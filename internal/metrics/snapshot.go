package metrics

import (
	"context"
	"maps"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cam3ron2/ghactivity/internal/domain"
	"github.com/cam3ron2/ghactivity/internal/store"
	"github.com/prometheus/client_golang/prometheus"
)

// Point is one store-derived gauge sample.
type Point struct {
	Name   string
	Labels map[string]string
	Value  float64
}

// SnapshotReader reads gauge samples.
type SnapshotReader interface {
	Snapshot() []Point
}

type snapshotCollector struct {
	reader SnapshotReader
}

func (c *snapshotCollector) Describe(_ chan<- *prometheus.Desc) {}

func (c *snapshotCollector) Collect(ch chan<- prometheus.Metric) {
	if c == nil || c.reader == nil {
		return
	}

	for _, point := range c.reader.Snapshot() {
		if point.Name == "" {
			continue
		}

		labelKeys := make([]string, 0, len(point.Labels))
		for key := range point.Labels {
			labelKeys = append(labelKeys, key)
		}
		sort.Strings(labelKeys)

		labelValues := make([]string, 0, len(labelKeys))
		for _, key := range labelKeys {
			labelValues = append(labelValues, point.Labels[key])
		}

		desc := prometheus.NewDesc(point.Name, point.Name, labelKeys, nil)
		metric, err := prometheus.NewConstMetric(desc, prometheus.GaugeValue, point.Value, labelValues...)
		if err != nil {
			continue
		}
		ch <- metric
	}
}

// SnapshotData is the storage read by StoreSnapshot.
type SnapshotData interface {
	store.EventStore
	store.CheckpointStore
}

// StoreSnapshot derives activity gauges over a trailing window from the store.
type StoreSnapshot struct {
	data    SnapshotData
	window  time.Duration
	timeout time.Duration
	now     func() time.Time
}

// NewStoreSnapshot creates a store snapshot reader. window defaults to 24h.
func NewStoreSnapshot(data SnapshotData, window time.Duration, now func() time.Time) *StoreSnapshot {
	if window <= 0 {
		window = 24 * time.Hour
	}
	if now == nil {
		now = time.Now
	}
	return &StoreSnapshot{data: data, window: window, timeout: 10 * time.Second, now: now}
}

// Snapshot returns events per category and commits in the window, and checkpoint states.
// Store failures yield an empty snapshot.
func (s *StoreSnapshot) Snapshot() []Point {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	now := s.now()
	counts, err := s.data.CountEvents(ctx, store.EventFilter{Since: now.Add(-s.window), Until: now})
	if err != nil {
		return nil
	}

	points := make([]Point, 0, len(counts.ByCategory)+2)
	for category, count := range counts.ByCategory {
		points = append(points, Point{
			Name:   namespace + "_events_window",
			Labels: map[string]string{"category": string(category)},
			Value:  float64(count),
		})
	}
	points = append(points, Point{Name: namespace + "_commits_window", Value: float64(counts.Commits)})

	checkpoints, err := s.data.ListCheckpoints(ctx)
	if err != nil {
		return points
	}
	for _, checkpoint := range checkpoints {
		value := 0.0
		if checkpoint.Status == domain.SyncDone {
			value = 1
		}
		points = append(points, Point{
			Name:   namespace + "_full_sync_done",
			Labels: map[string]string{"repo": checkpoint.Repo},
			Value:  value,
		})
	}
	return points
}

// CacheConfig configures the snapshot cache used by /metrics rendering.
type CacheConfig struct {
	RefreshInterval time.Duration
	Now             func() time.Time
}

type cachedSnapshotReader struct {
	source          SnapshotReader
	refreshInterval time.Duration
	now             func() time.Time

	mu          sync.RWMutex
	initialized bool
	lastRefresh time.Time
	points      []Point
}

// NewCachedSnapshotReader wraps a snapshot reader so the source is read at most once per interval.
func NewCachedSnapshotReader(source SnapshotReader, cfg CacheConfig) SnapshotReader {
	if _, alreadyCached := source.(*cachedSnapshotReader); alreadyCached {
		return source
	}
	nowFn := cfg.Now
	if nowFn == nil {
		nowFn = time.Now
	}
	refreshInterval := cfg.RefreshInterval
	if refreshInterval <= 0 {
		refreshInterval = 30 * time.Second
	}
	return &cachedSnapshotReader{
		source:          source,
		refreshInterval: refreshInterval,
		now:             nowFn,
	}
}

func (c *cachedSnapshotReader) Snapshot() []Point {
	if c == nil || c.source == nil {
		return nil
	}
	now := c.now()

	c.mu.RLock()
	if c.initialized && now.Sub(c.lastRefresh) < c.refreshInterval {
		defer c.mu.RUnlock()
		return clonePoints(c.points)
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.initialized || now.Sub(c.lastRefresh) >= c.refreshInterval {
		c.points = sortPoints(clonePoints(c.source.Snapshot()))
		c.lastRefresh = now
		c.initialized = true
	}
	return clonePoints(c.points)
}

func sortPoints(points []Point) []Point {
	sort.Slice(points, func(i, j int) bool {
		return seriesKey(points[i]) < seriesKey(points[j])
	})
	return points
}

func clonePoints(points []Point) []Point {
	if len(points) == 0 {
		return nil
	}
	copied := make([]Point, 0, len(points))
	for _, point := range points {
		point.Labels = maps.Clone(point.Labels)
		copied = append(copied, point)
	}
	return copied
}

func seriesKey(point Point) string {
	labelKeys := make([]string, 0, len(point.Labels))
	for key := range point.Labels {
		labelKeys = append(labelKeys, key)
	}
	sort.Strings(labelKeys)

	builder := strings.Builder{}
	builder.WriteString(point.Name)
	builder.WriteString("|")
	for _, key := range labelKeys {
		builder.WriteString(key)
		builder.WriteString("=")
		builder.WriteString(point.Labels[key])
		builder.WriteString(";")
	}
	return builder.String()
}
