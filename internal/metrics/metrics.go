package metrics

import (
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Namespace for all metrics
const namespace = "killfeed"

// Collector provides a central place for all application metrics
type Collector struct {
	// Ingestion metrics
	PassesTotal     *prometheus.CounterVec
	PassDuration    *prometheus.HistogramVec
	EventsExtracted *prometheus.CounterVec
	BytesRead       *prometheus.CounterVec
	LinesSkipped    *prometheus.CounterVec
	CASConflicts    *prometheus.CounterVec
	Duplicates      *prometheus.CounterVec
	CommittedOffset *prometheus.GaugeVec

	// Game metrics derived from extracted events
	KillsByWeapon   *prometheus.CounterVec
	KillDistance    *prometheus.HistogramVec
	Suicides        *prometheus.CounterVec
	PlayerSessions  *prometheus.CounterVec
	MissionsSpawned *prometheus.CounterVec

	// Backfill progress
	BackfillPercent *prometheus.GaugeVec

	// Aggregation metrics
	QueriesTotal  *prometheus.CounterVec
	QueryFailures *prometheus.CounterVec
	QueryDuration *prometheus.HistogramVec

	// Scheduler metrics
	SchedulerWorkers  prometheus.Gauge
	SchedulerTriggers *prometheus.CounterVec
	SchedulerSkipped  *prometheus.CounterVec

	// Publish metrics
	PublishEventsSent   *prometheus.CounterVec
	PublishEventsFailed *prometheus.CounterVec
	PublishBytesSent    *prometheus.CounterVec
	PublishDuration     *prometheus.HistogramVec

	// System metrics
	SystemGoroutines prometheus.Gauge
	SystemMemAlloc   prometheus.Gauge
	SystemMemSys     prometheus.Gauge
	SystemGCPauses   prometheus.Histogram

	// Dead letter queue metrics
	DLQEventsWritten prometheus.Counter
	DLQSize          prometheus.Gauge

	// Circuit breaker metrics
	CircuitBreakerState       *prometheus.GaugeVec
	CircuitBreakerConsecutive *prometheus.GaugeVec

	// Health metrics
	HealthStatus *prometheus.GaugeVec

	registry *prometheus.Registry
	mu       sync.Mutex
	started  bool
	stopCh   chan struct{}
}

// NewCollector creates a new metrics collector on a private registry
func NewCollector() *Collector {
	registry := prometheus.NewRegistry()

	c := &Collector{
		registry: registry,
	}

	c.initIngestMetrics()
	c.initGameMetrics()
	c.initAggregateMetrics()
	c.initSchedulerMetrics()
	c.initPublishMetrics()
	c.initSystemMetrics()
	c.initDLQMetrics()
	c.initCircuitBreakerMetrics()
	c.initHealthMetrics()

	return c
}

func (c *Collector) initIngestMetrics() {
	c.PassesTotal = promauto.With(c.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "passes_total",
			Help:      "Total number of ingestion passes by outcome",
		},
		[]string{"source", "kind", "mode", "status"},
	)

	c.PassDuration = promauto.With(c.registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "pass_duration_seconds",
			Help:      "Time taken by one ingestion pass",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 15), // 1ms to ~16s
		},
		[]string{"kind", "mode"},
	)

	c.EventsExtracted = promauto.With(c.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "events_extracted_total",
			Help:      "Total number of events extracted by event kind",
		},
		[]string{"source", "event"},
	)

	c.BytesRead = promauto.With(c.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "bytes_read_total",
			Help:      "Total bytes read from sources",
		},
		[]string{"source", "kind"},
	)

	c.LinesSkipped = promauto.With(c.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "lines_skipped_total",
			Help:      "Total number of complete lines that matched no grammar or were malformed",
		},
		[]string{"source", "kind", "reason"},
	)

	c.CASConflicts = promauto.With(c.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "cas_conflicts_total",
			Help:      "Total number of offset commits lost to a concurrent pass",
		},
		[]string{"source", "kind", "mode"},
	)

	c.Duplicates = promauto.With(c.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "duplicates_total",
			Help:      "Total number of kill records skipped as already stored",
		},
		[]string{"source"},
	)

	c.CommittedOffset = promauto.With(c.registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "committed_offset_bytes",
			Help:      "Last committed byte offset",
		},
		[]string{"source", "kind", "mode"},
	)

	c.BackfillPercent = promauto.With(c.registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "backfill_percent",
			Help:      "Percent complete of the running historical backfill",
		},
		[]string{"source", "kind"},
	)
}

func (c *Collector) initGameMetrics() {
	c.KillsByWeapon = promauto.With(c.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "game",
			Name:      "kills_total",
			Help:      "Total number of non-suicide kills by weapon",
		},
		[]string{"source", "weapon"},
	)

	c.KillDistance = promauto.With(c.registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "game",
			Name:      "kill_distance_meters",
			Help:      "Distance of non-suicide kills",
			Buckets:   []float64{5, 10, 25, 50, 100, 200, 300, 500, 800, 1200},
		},
		[]string{"source"},
	)

	c.Suicides = promauto.With(c.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "game",
			Name:      "suicides_total",
			Help:      "Total number of suicides by cause",
		},
		[]string{"source", "cause"},
	)

	c.PlayerSessions = promauto.With(c.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "game",
			Name:      "connection_events_total",
			Help:      "Total number of connect, disconnect and kick lines",
		},
		[]string{"source", "event"},
	)

	c.MissionsSpawned = promauto.With(c.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "game",
			Name:      "missions_total",
			Help:      "Total number of missions spawned by level",
		},
		[]string{"source", "level"},
	)
}

func (c *Collector) initAggregateMetrics() {
	c.QueriesTotal = promauto.With(c.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "aggregate",
			Name:      "queries_total",
			Help:      "Total number of aggregation queries",
		},
		[]string{"query"},
	)

	c.QueryFailures = promauto.With(c.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "aggregate",
			Name:      "query_failures_total",
			Help:      "Total number of aggregation queries degraded to empty results",
		},
		[]string{"query"},
	)

	c.QueryDuration = promauto.With(c.registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "aggregate",
			Name:      "query_duration_seconds",
			Help:      "Time taken by an aggregation query",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 15), // 100µs to ~1.6s
		},
		[]string{"query"},
	)
}

func (c *Collector) initSchedulerMetrics() {
	c.SchedulerWorkers = promauto.With(c.registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "workers_total",
			Help:      "Current number of pass workers",
		},
	)

	c.SchedulerTriggers = promauto.With(c.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "triggers_total",
			Help:      "Total number of pass triggers by cause",
		},
		[]string{"kind", "cause"},
	)

	c.SchedulerSkipped = promauto.With(c.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "skipped_total",
			Help:      "Total number of triggers dropped because a pass was already running",
		},
		[]string{"kind"},
	)
}

func (c *Collector) initPublishMetrics() {
	c.PublishEventsSent = promauto.With(c.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "publish",
			Name:      "events_sent_total",
			Help:      "Total number of events successfully sent to a sink",
		},
		[]string{"sink"},
	)

	c.PublishEventsFailed = promauto.With(c.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "publish",
			Name:      "events_failed_total",
			Help:      "Total number of events that failed to send",
		},
		[]string{"sink", "reason"},
	)

	c.PublishBytesSent = promauto.With(c.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "publish",
			Name:      "bytes_sent_total",
			Help:      "Total bytes sent to a sink",
		},
		[]string{"sink"},
	)

	c.PublishDuration = promauto.With(c.registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "publish",
			Name:      "duration_seconds",
			Help:      "Time taken to send a batch to a sink",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
		},
		[]string{"sink"},
	)
}

func (c *Collector) initSystemMetrics() {
	c.SystemGoroutines = promauto.With(c.registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "system",
			Name:      "goroutines_total",
			Help:      "Current number of goroutines",
		},
	)

	c.SystemMemAlloc = promauto.With(c.registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "system",
			Name:      "memory_allocated_bytes",
			Help:      "Bytes of allocated heap objects",
		},
	)

	c.SystemMemSys = promauto.With(c.registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "system",
			Name:      "memory_system_bytes",
			Help:      "Total bytes of memory obtained from the OS",
		},
	)

	c.SystemGCPauses = promauto.With(c.registry).NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "system",
			Name:      "gc_pause_seconds",
			Help:      "GC pause duration",
			Buckets:   prometheus.ExponentialBuckets(0.00001, 2, 15), // 10µs to ~300ms
		},
	)
}

func (c *Collector) initDLQMetrics() {
	c.DLQEventsWritten = promauto.With(c.registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dlq",
			Name:      "events_written_total",
			Help:      "Total number of events written to dead letter queue",
		},
	)

	c.DLQSize = promauto.With(c.registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "dlq",
			Name:      "queued_events",
			Help:      "Current number of events held in the dead letter queue",
		},
	)
}

func (c *Collector) initCircuitBreakerMetrics() {
	c.CircuitBreakerState = promauto.With(c.registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "circuit_breaker",
			Name:      "state",
			Help:      "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		},
		[]string{"name"},
	)

	c.CircuitBreakerConsecutive = promauto.With(c.registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "circuit_breaker",
			Name:      "consecutive_failures",
			Help:      "Current number of consecutive failures",
		},
		[]string{"name"},
	)
}

func (c *Collector) initHealthMetrics() {
	c.HealthStatus = promauto.With(c.registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "status",
			Help:      "Health status of components (1=healthy, 0=unhealthy)",
		},
		[]string{"component"},
	)
}

// ObservePass records the outcome of one ingestion pass.
func (c *Collector) ObservePass(source, kind, mode, status string, d time.Duration) {
	c.PassesTotal.WithLabelValues(source, kind, mode, status).Inc()
	c.PassDuration.WithLabelValues(kind, mode).Observe(d.Seconds())
}

// ObserveQuery records an aggregation query and whether it degraded.
func (c *Collector) ObserveQuery(query string, d time.Duration, failed bool) {
	c.QueriesTotal.WithLabelValues(query).Inc()
	c.QueryDuration.WithLabelValues(query).Observe(d.Seconds())
	if failed {
		c.QueryFailures.WithLabelValues(query).Inc()
	}
}

// Start begins collecting system metrics periodically
func (c *Collector) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.started {
		return
	}

	c.started = true
	c.stopCh = make(chan struct{})
	stopCh := c.stopCh

	// Collect system metrics every 15 seconds
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				c.collectSystemMetrics()
			case <-stopCh:
				return
			}
		}
	}()
}

// Stop stops the metrics collector
func (c *Collector) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.started {
		return
	}
	close(c.stopCh)
	c.started = false
}

// collectSystemMetrics gathers runtime metrics
func (c *Collector) collectSystemMetrics() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	c.SystemGoroutines.Set(float64(runtime.NumGoroutine()))
	c.SystemMemAlloc.Set(float64(m.Alloc))
	c.SystemMemSys.Set(float64(m.Sys))

	if m.NumGC > 0 {
		lastPause := m.PauseNs[(m.NumGC+255)%256]
		c.SystemGCPauses.Observe(float64(lastPause) / 1e9)
	}
}

// Registry returns the Prometheus registry
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Global metrics collector
var (
	globalCollector *Collector
	once            sync.Once
)

// GetGlobalCollector returns the global metrics collector
func GetGlobalCollector() *Collector {
	once.Do(func() {
		globalCollector = NewCollector()
		globalCollector.Start()
	})
	return globalCollector
}
