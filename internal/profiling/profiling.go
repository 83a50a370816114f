// Package profiling serves pprof and runtime statistics on a separate
// listener and warns when the goroutine count runs away.
package profiling

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/abakedjoetato/killfeed/internal/config"
	"github.com/abakedjoetato/killfeed/internal/logging"
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
)

const (
	DefaultGoroutineThreshold = 10000
	monitorInterval           = 30 * time.Second
)

// Profiler manages the pprof listener
type Profiler struct {
	config   config.ProfilingConfig
	logger   *logging.Logger
	server   *http.Server
	interval time.Duration

	mu     sync.Mutex
	addr   string
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a profiler. Nothing listens until Start.
func New(cfg config.ProfilingConfig, logger *logging.Logger) *Profiler {
	if logger == nil {
		logger = logging.Nop()
	}
	if cfg.Address == "" {
		cfg.Address = config.DefaultProfilingAddress
	}
	if cfg.GoroutineThreshold == 0 {
		cfg.GoroutineThreshold = DefaultGoroutineThreshold
	}

	p := &Profiler{
		config:   cfg,
		logger:   logger.WithComponent("profiling"),
		interval: monitorInterval,
	}
	p.server = &http.Server{Handler: p.Handler()}
	return p
}

// Handler serves /debug/pprof/* and /debug/stats.
func (p *Profiler) Handler() http.Handler {
	r := chi.NewRouter()
	r.Get("/debug/stats", p.statsHandler)
	r.Mount("/debug", chimiddleware.Profiler())
	return r
}

// Start enables the configured runtime profiles, listens and starts the
// goroutine monitor.
func (p *Profiler) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cancel != nil {
		return fmt.Errorf("profiler already started")
	}

	if p.config.BlockProfile {
		runtime.SetBlockProfileRate(1)
	}
	if p.config.MutexProfile {
		runtime.SetMutexProfileFraction(1)
	}

	ln, err := net.Listen("tcp", p.config.Address)
	if err != nil {
		return fmt.Errorf("profiling listener: %w", err)
	}
	p.addr = ln.Addr().String()

	go func() {
		if err := p.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			p.logger.Error().Err(err).Msg("Profiling server error")
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.done = make(chan struct{})
	go p.monitorGoroutines(ctx)

	p.logger.Info().
		Str("address", p.addr).
		Bool("block_profile", p.config.BlockProfile).
		Bool("mutex_profile", p.config.MutexProfile).
		Msg("Profiling started")
	return nil
}

// Addr returns the bound listener address, or "" before Start.
func (p *Profiler) Addr() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.addr
}

// Name identifies the profiler during shutdown.
func (p *Profiler) Name() string {
	return "profiling"
}

// Stop shuts the listener down and resets the runtime profile rates.
func (p *Profiler) Stop(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cancel == nil {
		return nil
	}
	p.cancel()
	<-p.done
	p.cancel = nil

	if p.config.BlockProfile {
		runtime.SetBlockProfileRate(0)
	}
	if p.config.MutexProfile {
		runtime.SetMutexProfileFraction(0)
	}

	if err := p.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown profiling server: %w", err)
	}
	p.logger.Info().Msg("Profiling stopped")
	return nil
}

func (p *Profiler) monitorGoroutines(ctx context.Context) {
	defer close(p.done)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.checkGoroutines(runtime.NumGoroutine())
		}
	}
}

// checkGoroutines reports whether count exceeds the threshold.
func (p *Profiler) checkGoroutines(count int) bool {
	if count > p.config.GoroutineThreshold {
		p.logger.Warn().
			Int("goroutines", count).
			Int("threshold", p.config.GoroutineThreshold).
			Msg("High goroutine count detected")
		return true
	}
	p.logger.Debug().Int("goroutines", count).Msg("Goroutine count")
	return false
}

// RuntimeStats is the /debug/stats payload.
type RuntimeStats struct {
	Goroutines   int       `json:"goroutines"`
	CPUs         int       `json:"cpus"`
	GOMAXPROCS   int       `json:"gomaxprocs"`
	HeapAlloc    uint64    `json:"heap_alloc_bytes"`
	HeapInuse    uint64    `json:"heap_inuse_bytes"`
	HeapObjects  uint64    `json:"heap_objects"`
	Sys          uint64    `json:"sys_bytes"`
	NumGC        uint32    `json:"num_gc"`
	PauseTotalNs uint64    `json:"gc_pause_total_ns"`
	LastGC       time.Time `json:"last_gc,omitempty"`
}

// ReadRuntimeStats samples the runtime.
func ReadRuntimeStats() RuntimeStats {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	stats := RuntimeStats{
		Goroutines:   runtime.NumGoroutine(),
		CPUs:         runtime.NumCPU(),
		GOMAXPROCS:   runtime.GOMAXPROCS(0),
		HeapAlloc:    m.HeapAlloc,
		HeapInuse:    m.HeapInuse,
		HeapObjects:  m.HeapObjects,
		Sys:          m.Sys,
		NumGC:        m.NumGC,
		PauseTotalNs: m.PauseTotalNs,
	}
	if m.NumGC > 0 {
		stats.LastGC = time.Unix(0, int64(m.LastGC)).UTC()
	}
	return stats
}

func (p *Profiler) statsHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(ReadRuntimeStats())
}
