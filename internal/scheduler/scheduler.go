package scheduler

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/abakedjoetato/killfeed/internal/config"
	"github.com/abakedjoetato/killfeed/internal/ingest"
	"github.com/abakedjoetato/killfeed/internal/logging"
	"github.com/abakedjoetato/killfeed/internal/metrics"
	"github.com/abakedjoetato/killfeed/internal/source"
	"github.com/abakedjoetato/killfeed/pkg/types"
	"golang.org/x/time/rate"
)

// Trigger causes.
const (
	CauseInterval = "interval"
	CauseWatch    = "watch"
	CauseManual   = "manual"
)

// ErrUnknownTask is returned when no task matches a source and kind.
var ErrUnknownTask = errors.New("unknown task")

// Runner runs one ingestion pass.
type Runner interface {
	Parse(ctx context.Context, src types.Source, kind types.ParserKind, mode types.Mode) (ingest.Summary, error)
}

// Sink receives the events of passes that stored something.
type Sink interface {
	Publish(ctx context.Context, events []types.Event) error
}

// Options configures a Scheduler.
type Options struct {
	Sink    Sink
	Metrics *metrics.Collector
	Logger  *logging.Logger
}

// Task is one scheduled (source, kind, mode) ingestion job. A task never
// runs two passes at once.
type Task struct {
	Source   types.Source
	Kind     types.ParserKind
	Mode     types.Mode
	Interval time.Duration

	limiter *rate.Limiter
	busy    atomic.Bool

	mu       sync.Mutex
	runs     uint64
	failures uint64
	lastRun  time.Time
	lastErr  string
	last     ingest.Summary
}

// TaskStatus is a snapshot of a task.
type TaskStatus struct {
	SourceID  string           `json:"source_id"`
	Kind      types.ParserKind `json:"kind"`
	Mode      types.Mode       `json:"mode"`
	Interval  time.Duration    `json:"interval"`
	Running   bool             `json:"running"`
	Runs      uint64           `json:"runs"`
	Failures  uint64           `json:"failures"`
	LastRun   time.Time        `json:"last_run,omitempty"`
	LastError string           `json:"last_error,omitempty"`
	LastTotal int              `json:"last_total"`
}

// watchPath is the path whose changes trigger the task.
func (t *Task) watchPath() string {
	if t.Kind == types.KindCSV {
		return filepath.Clean(t.Source.CSVDir)
	}
	return filepath.Clean(t.Source.LogPath)
}

// matches reports whether a change to path concerns the task.
func (t *Task) matches(path string) bool {
	if t.Kind == types.KindCSV {
		return filepath.Dir(path) == t.watchPath()
	}
	return path == t.watchPath()
}

// acquire marks the task busy, reporting false when a pass is already
// queued or running.
func (t *Task) acquire() bool {
	return t.busy.CompareAndSwap(false, true)
}

func (t *Task) release() {
	t.busy.Store(false)
}

func (t *Task) record(sum ingest.Summary, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.runs++
	t.lastRun = time.Now()
	t.lastErr = ""
	if err != nil {
		t.failures++
		t.lastErr = err.Error()
		return
	}
	t.last = sum
}

// Status returns a snapshot of the task.
func (t *Task) Status() TaskStatus {
	t.mu.Lock()
	defer t.mu.Unlock()

	return TaskStatus{
		SourceID:  t.Source.ID,
		Kind:      t.Kind,
		Mode:      t.Mode,
		Interval:  t.Interval,
		Running:   t.busy.Load(),
		Runs:      t.runs,
		Failures:  t.failures,
		LastRun:   t.lastRun,
		LastError: t.lastErr,
		LastTotal: t.last.Total(),
	}
}

// Scheduler triggers incremental passes for every enabled source on an
// interval and, optionally, on filesystem changes.
type Scheduler struct {
	cfg     config.SchedulerConfig
	runner  Runner
	sink    Sink
	metrics *metrics.Collector
	logger  *logging.Logger

	tasks   []*Task
	pool    *Pool
	watcher *source.Watcher

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

// New builds one incremental task per enabled (source, kind).
func New(cfg config.SchedulerConfig, sources []types.Source, runner Runner, opts Options) *Scheduler {
	logger := opts.Logger
	if logger == nil {
		logger = logging.Nop()
	}
	if cfg.LogInterval <= 0 {
		cfg.LogInterval = config.DefaultLogInterval
	}
	if cfg.CSVInterval <= 0 {
		cfg.CSVInterval = config.DefaultCSVInterval
	}
	if cfg.TriggerRate <= 0 {
		cfg.TriggerRate = config.DefaultTriggerRate
	}

	s := &Scheduler{
		cfg:     cfg,
		runner:  runner,
		sink:    opts.Sink,
		metrics: opts.Metrics,
		logger:  logger.WithComponent("scheduler"),
	}

	for _, src := range sources {
		if src.LogEnabled && src.LogPath != "" {
			s.tasks = append(s.tasks, s.newTask(src, types.KindLog, cfg.LogInterval))
		}
		if src.CSVEnabled && src.CSVDir != "" {
			s.tasks = append(s.tasks, s.newTask(src, types.KindCSV, cfg.CSVInterval))
		}
	}

	s.pool = NewPool(PoolConfig{NumWorkers: cfg.Workers, QueueSize: len(s.tasks) + 1}, s.execute)
	return s
}

func (s *Scheduler) newTask(src types.Source, kind types.ParserKind, interval time.Duration) *Task {
	return &Task{
		Source:   src,
		Kind:     kind,
		Mode:     types.ModeIncremental,
		Interval: interval,
		limiter:  rate.NewLimiter(rate.Limit(s.cfg.TriggerRate), 1),
	}
}

// Start starts the workers, one ticker per task and the watcher. Every task
// runs once immediately.
func (s *Scheduler) Start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.pool.Start()
	if s.metrics != nil {
		s.metrics.SchedulerWorkers.Set(float64(s.pool.Size()))
	}

	if s.cfg.Watch {
		w, err := source.NewWatcher(s.logger)
		if err != nil {
			s.cancel()
			s.pool.Stop()
			return err
		}
		for _, t := range s.tasks {
			if err := w.Add(t.watchPath()); err != nil {
				// The interval still drives the task.
				s.logger.Warn().Err(err).Str("source", t.Source.ID).Str("kind", string(t.Kind)).Msg("Failed to watch path")
			}
		}
		w.Start()
		s.watcher = w

		s.wg.Add(1)
		go s.watchLoop()
	}

	for _, t := range s.tasks {
		s.wg.Add(1)
		go s.tickLoop(t)
	}

	s.logger.Info().
		Int("tasks", len(s.tasks)).
		Int("workers", s.pool.Size()).
		Bool("watch", s.cfg.Watch).
		Msg("Scheduler started")
	return nil
}

// Stop stops triggering, cancels running passes and waits for them.
func (s *Scheduler) Stop() {
	s.once.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		if s.watcher != nil {
			s.watcher.Stop()
		}
		s.wg.Wait()
		s.pool.Stop()
		s.logger.Info().Msg("Scheduler stopped")
	})
}

// Tasks returns a snapshot of every task.
func (s *Scheduler) Tasks() []TaskStatus {
	out := make([]TaskStatus, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, t.Status())
	}
	return out
}

// Pool returns the worker pool statistics.
func (s *Scheduler) Pool() PoolMetrics {
	return s.pool.Metrics()
}

// RunNow queues a pass for the task of sourceID and kind. It reports false
// when that task is already busy.
func (s *Scheduler) RunNow(sourceID string, kind types.ParserKind) (bool, error) {
	for _, t := range s.tasks {
		if t.Source.ID == sourceID && t.Kind == kind {
			return s.trigger(t, CauseManual), nil
		}
	}
	return false, fmt.Errorf("%w: %s/%s", ErrUnknownTask, sourceID, kind)
}

func (s *Scheduler) tickLoop(t *Task) {
	defer s.wg.Done()

	s.trigger(t, CauseInterval)

	ticker := time.NewTicker(t.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.trigger(t, CauseInterval)
		}
	}
}

func (s *Scheduler) watchLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return
		case change, ok := <-s.watcher.Changes():
			if !ok {
				return
			}
			for _, t := range s.tasks {
				if t.matches(change.Path) && t.limiter.Allow() {
					s.trigger(t, CauseWatch)
				}
			}
		}
	}
}

// trigger queues a pass unless one is already queued or running.
func (s *Scheduler) trigger(t *Task, cause string) bool {
	if s.metrics != nil {
		s.metrics.SchedulerTriggers.WithLabelValues(string(t.Kind), cause).Inc()
	}

	if !t.acquire() {
		if s.metrics != nil {
			s.metrics.SchedulerSkipped.WithLabelValues(string(t.Kind)).Inc()
		}
		s.logger.Debug().Str("source", t.Source.ID).Str("kind", string(t.Kind)).Str("cause", cause).Msg("Pass already running, trigger dropped")
		return false
	}

	if err := s.pool.SubmitAsync(t); err != nil {
		t.release()
		if !errors.Is(err, ErrPoolClosed) {
			s.logger.Warn().Err(err).Str("source", t.Source.ID).Str("kind", string(t.Kind)).Msg("Failed to queue pass")
		}
		return false
	}
	return true
}

// execute runs one pass on a worker and hands stored events to the sink.
func (s *Scheduler) execute(ctx context.Context, t *Task) error {
	defer t.release()

	sum, err := s.runner.Parse(ctx, t.Source, t.Kind, t.Mode)
	t.record(sum, err)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Error().Err(err).Str("source", t.Source.ID).Str("kind", string(t.Kind)).Msg("Pass failed, retrying on next trigger")
		}
		return err
	}

	if s.sink != nil && len(sum.Events) > 0 {
		if err := s.sink.Publish(ctx, sum.Events); err != nil {
			s.logger.Warn().Err(err).Str("source", t.Source.ID).Int("events", len(sum.Events)).Msg("Failed to publish events")
		}
	}
	return nil
}
