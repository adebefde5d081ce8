// Package profiler - Times pipeline stages and reports them to prometheus and the log.
package profiler

import (
	"context"
	"net/http"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Stage names used by the pipeline.
const (
	StageDecode      = "decode"
	StageGraph       = "graph"
	StagePostProcess = "postprocess"
	StagePersist     = "persist"
	StageRequest     = "request"
)

// RuntimeProfiler records operation timings and custom values.
//
// Every observation feeds a prometheus histogram and a bounded in-memory window used for the
// periodic log report. It is safe for concurrent use.
type RuntimeProfiler struct {
	// Configuration
	reportInterval time.Duration
	maxSamples     int
	logger         *zap.Logger

	// State management
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	mu        sync.RWMutex
	startTime time.Time
	running   bool

	// Custom metrics
	customMetrics map[string]*MetricTracker

	// Performance tracking
	operationTimes map[string]*TimeTracker

	registry  *prometheus.Registry
	durations *prometheus.HistogramVec
	values    *prometheus.HistogramVec
}

// MetricTracker tracks statistics for a custom metric.
type MetricTracker struct {
	name     string
	values   []float64
	sum      float64
	min      float64
	max      float64
	count    int64
	lastTime time.Time
}

// TimeTracker tracks operation timing statistics.
type TimeTracker struct {
	name      string
	durations []time.Duration
	totalTime time.Duration
	minTime   time.Duration
	maxTime   time.Duration
	count     int64
}

// ProfilingOptions configures the runtime profiler.
type ProfilingOptions struct {
	// ReportInterval specifies how often to log a status report (default: 30s)
	ReportInterval time.Duration
	// MaxSamples specifies how many recent samples each tracker keeps (default: 600)
	MaxSamples int
	// Namespace prefixes the prometheus metric names (default: neckhead)
	Namespace string
	// Logger receives the status reports. Nil disables them.
	Logger *zap.Logger
}

// NewRuntimeProfiler creates a new runtime profiler with its own prometheus registry.
//
// Arguments:
//   - opts: Configuration options for the profiler
//
// Returns:
//   - A configured RuntimeProfiler instance
func NewRuntimeProfiler(opts ProfilingOptions) *RuntimeProfiler {
	// Set defaults
	if opts.ReportInterval == 0 {
		opts.ReportInterval = 30 * time.Second
	}
	if opts.MaxSamples == 0 {
		opts.MaxSamples = 600
	}
	if opts.Namespace == "" {
		opts.Namespace = "neckhead"
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	registry := prometheus.NewRegistry()
	durations := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: opts.Namespace,
		Name:      "operation_duration_seconds",
		Help:      "Duration of pipeline operations.",
		Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 16),
	}, []string{"operation"})
	values := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: opts.Namespace,
		Name:      "observed_value",
		Help:      "Per-request values such as candidate and detection counts.",
		Buckets:   prometheus.ExponentialBuckets(1, 2, 14),
	}, []string{"metric"})
	registry.MustRegister(
		durations,
		values,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	ctx, cancel := context.WithCancel(context.Background())

	return &RuntimeProfiler{
		reportInterval: opts.ReportInterval,
		maxSamples:     opts.MaxSamples,
		logger:         opts.Logger,
		ctx:            ctx,
		cancel:         cancel,
		startTime:      time.Now(),
		customMetrics:  make(map[string]*MetricTracker),
		operationTimes: make(map[string]*TimeTracker),
		registry:       registry,
		durations:      durations,
		values:         values,
	}
}

// Start begins the periodic status report. Calling it twice is a no-op.
func (rp *RuntimeProfiler) Start() {
	rp.mu.Lock()
	defer rp.mu.Unlock()

	if rp.running {
		return
	}

	rp.running = true
	rp.startTime = time.Now()

	rp.wg.Add(1)
	go func() {
		defer rp.wg.Done()

		ticker := time.NewTicker(rp.reportInterval)
		defer ticker.Stop()

		for {
			select {
			case <-rp.ctx.Done():
				return
			case <-ticker.C:
				rp.emitStatusReport()
			}
		}
	}()
}

// Stop gracefully stops the profiler and waits for the report loop to exit.
func (rp *RuntimeProfiler) Stop() {
	rp.mu.Lock()
	if !rp.running {
		rp.mu.Unlock()
		return
	}
	rp.running = false
	rp.mu.Unlock()

	rp.cancel()
	rp.wg.Wait()
}

// Registry returns the prometheus registry holding the profiler's metrics.
func (rp *RuntimeProfiler) Registry() *prometheus.Registry {
	return rp.registry
}

// Handler serves the registry in the prometheus exposition format.
func (rp *RuntimeProfiler) Handler() http.Handler {
	return promhttp.HandlerFor(rp.registry, promhttp.HandlerOpts{})
}

// RecordMetric records a custom metric value.
//
// Arguments:
//   - name: The name of the metric
//   - value: The metric value to record
func (rp *RuntimeProfiler) RecordMetric(name string, value float64) {
	rp.values.WithLabelValues(name).Observe(value)

	rp.mu.Lock()
	defer rp.mu.Unlock()

	tracker, exists := rp.customMetrics[name]
	if !exists {
		tracker = &MetricTracker{
			name:   name,
			values: make([]float64, 0, rp.maxSamples),
			min:    value,
			max:    value,
		}
		rp.customMetrics[name] = tracker
	}

	tracker.values = append(tracker.values, value)
	if len(tracker.values) > rp.maxSamples {
		// Remove oldest sample
		tracker.sum -= tracker.values[0]
		tracker.values = tracker.values[1:]
	}

	tracker.sum += value
	tracker.count++
	tracker.lastTime = time.Now()

	if value < tracker.min {
		tracker.min = value
	}
	if value > tracker.max {
		tracker.max = value
	}
}

// StartOperation begins timing an operation.
//
// Arguments:
//   - name: The name of the operation to track
//
// Returns:
//   - A function to call when the operation completes
//
// ```go
// done := prof.StartOperation(profiler.StageGraph)
// out, err := g.Execute(backbone)
// done()
// ```
func (rp *RuntimeProfiler) StartOperation(name string) func() {
	start := time.Now()
	return func() {
		rp.recordOperationTime(name, time.Since(start))
	}
}

// recordOperationTime records the completion time of an operation.
func (rp *RuntimeProfiler) recordOperationTime(name string, duration time.Duration) {
	rp.durations.WithLabelValues(name).Observe(duration.Seconds())

	rp.mu.Lock()
	defer rp.mu.Unlock()

	tracker, exists := rp.operationTimes[name]
	if !exists {
		tracker = &TimeTracker{
			name:    name,
			minTime: duration,
			maxTime: duration,
		}
		rp.operationTimes[name] = tracker
	}

	tracker.durations = append(tracker.durations, duration)
	if len(tracker.durations) > rp.maxSamples {
		// Remove oldest sample
		tracker.totalTime -= tracker.durations[0]
		tracker.durations = tracker.durations[1:]
	}

	tracker.totalTime += duration
	tracker.count++

	if duration < tracker.minTime {
		tracker.minTime = duration
	}
	if duration > tracker.maxTime {
		tracker.maxTime = duration
	}
}

// OperationStats summarizes the recent window of one operation.
type OperationStats struct {
	Name    string
	Count   int64
	Samples int
	Avg     time.Duration
	Min     time.Duration
	Max     time.Duration
}

// MetricStats summarizes the recent window of one custom metric.
type MetricStats struct {
	Name    string
	Count   int64
	Samples int
	Avg     float64
	Min     float64
	Max     float64
}

// Snapshot is a point-in-time copy of the profiler state.
type Snapshot struct {
	Uptime     time.Duration
	Goroutines int
	HeapAlloc  uint64
	NumGC      uint32
	Operations []OperationStats
	Metrics    []MetricStats
}

// Snapshot returns the current statistics, sorted by name.
func (rp *RuntimeProfiler) Snapshot() Snapshot {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	rp.mu.RLock()
	defer rp.mu.RUnlock()

	s := Snapshot{
		Uptime:     time.Since(rp.startTime),
		Goroutines: runtime.NumGoroutine(),
		HeapAlloc:  mem.HeapAlloc,
		NumGC:      mem.NumGC,
	}

	for name, tracker := range rp.operationTimes {
		if len(tracker.durations) == 0 {
			continue
		}
		s.Operations = append(s.Operations, OperationStats{
			Name:    name,
			Count:   tracker.count,
			Samples: len(tracker.durations),
			Avg:     tracker.totalTime / time.Duration(len(tracker.durations)),
			Min:     tracker.minTime,
			Max:     tracker.maxTime,
		})
	}
	sort.Slice(s.Operations, func(i, j int) bool { return s.Operations[i].Name < s.Operations[j].Name })

	for name, tracker := range rp.customMetrics {
		if len(tracker.values) == 0 {
			continue
		}
		s.Metrics = append(s.Metrics, MetricStats{
			Name:    name,
			Count:   tracker.count,
			Samples: len(tracker.values),
			Avg:     tracker.sum / float64(len(tracker.values)),
			Min:     tracker.min,
			Max:     tracker.max,
		})
	}
	sort.Slice(s.Metrics, func(i, j int) bool { return s.Metrics[i].Name < s.Metrics[j].Name })

	return s
}

// emitStatusReport logs one line per tracked operation and metric.
func (rp *RuntimeProfiler) emitStatusReport() {
	s := rp.Snapshot()

	rp.logger.Info("profiler status",
		zap.Duration("uptime", s.Uptime.Truncate(time.Millisecond)),
		zap.Int("goroutines", s.Goroutines),
		zap.Uint64("heap_alloc", s.HeapAlloc),
		zap.Uint32("gc_cycles", s.NumGC))

	for _, op := range s.Operations {
		rp.logger.Info("operation timing",
			zap.String("operation", op.Name),
			zap.Duration("avg", op.Avg.Truncate(time.Microsecond)),
			zap.Duration("min", op.Min.Truncate(time.Microsecond)),
			zap.Duration("max", op.Max.Truncate(time.Microsecond)),
			zap.Int64("count", op.Count))
	}
	for _, m := range s.Metrics {
		rp.logger.Info("metric",
			zap.String("metric", m.Name),
			zap.Float64("avg", m.Avg),
			zap.Float64("min", m.Min),
			zap.Float64("max", m.Max),
			zap.Int("samples", m.Samples))
	}
}
