package scheduler

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/abakedjoetato/killfeed/internal/checkpoint"
	"github.com/abakedjoetato/killfeed/internal/config"
	"github.com/abakedjoetato/killfeed/internal/ingest"
	"github.com/abakedjoetato/killfeed/internal/metrics"
	"github.com/abakedjoetato/killfeed/internal/source"
	"github.com/abakedjoetato/killfeed/internal/store"
	"github.com/abakedjoetato/killfeed/pkg/types"
)

type fakeRunner struct {
	calls   int64
	block   chan struct{}
	err     error
	summary ingest.Summary
}

func (r *fakeRunner) Parse(ctx context.Context, src types.Source, kind types.ParserKind, mode types.Mode) (ingest.Summary, error) {
	atomic.AddInt64(&r.calls, 1)
	if r.block != nil {
		select {
		case <-r.block:
		case <-ctx.Done():
			return ingest.Summary{}, ctx.Err()
		}
	}
	return r.summary, r.err
}

func (r *fakeRunner) count() int64 {
	return atomic.LoadInt64(&r.calls)
}

type captureSink struct {
	mu     sync.Mutex
	events []types.Event
}

func (s *captureSink) Publish(ctx context.Context, events []types.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, events...)
	return nil
}

func (s *captureSink) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("Timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func testSources(dir string) []types.Source {
	return []types.Source{
		{ID: "a", LogPath: filepath.Join(dir, "a.log"), LogEnabled: true, CSVDir: filepath.Join(dir, "a"), CSVEnabled: true},
		{ID: "b", LogPath: filepath.Join(dir, "b.log"), LogEnabled: true},
		{ID: "c", LogPath: filepath.Join(dir, "c.log")},
	}
}

func TestNew_BuildsTasksPerEnabledKind(t *testing.T) {
	s := New(config.SchedulerConfig{}, testSources(t.TempDir()), &fakeRunner{}, Options{})

	tasks := s.Tasks()
	if len(tasks) != 3 {
		t.Fatalf("Expected 3 tasks, got %d", len(tasks))
	}

	want := []struct {
		source   string
		kind     types.ParserKind
		interval time.Duration
	}{
		{"a", types.KindLog, config.DefaultLogInterval},
		{"a", types.KindCSV, config.DefaultCSVInterval},
		{"b", types.KindLog, config.DefaultLogInterval},
	}
	for i, w := range want {
		got := tasks[i]
		if got.SourceID != w.source || got.Kind != w.kind || got.Interval != w.interval {
			t.Errorf("Task %d: expected %s/%s every %v, got %+v", i, w.source, w.kind, w.interval, got)
		}
		if got.Mode != types.ModeIncremental {
			t.Errorf("Expected incremental mode, got %s", got.Mode)
		}
	}
}

func TestScheduler_RunsImmediatelyAndOnInterval(t *testing.T) {
	runner := &fakeRunner{}
	srcs := []types.Source{{ID: "a", LogPath: "/tmp/a.log", LogEnabled: true}}
	s := New(config.SchedulerConfig{Workers: 1, LogInterval: 20 * time.Millisecond}, srcs, runner, Options{Metrics: metrics.NewCollector()})

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer s.Stop()

	waitFor(t, "three passes", func() bool { return runner.count() >= 3 })

	st := s.Tasks()[0]
	if st.Runs < 2 {
		t.Errorf("Expected recorded runs, got %+v", st)
	}
}

func TestScheduler_BusyTaskDropsTriggers(t *testing.T) {
	runner := &fakeRunner{block: make(chan struct{})}
	srcs := []types.Source{{ID: "a", LogPath: "/tmp/a.log", LogEnabled: true}}
	s := New(config.SchedulerConfig{Workers: 2, LogInterval: time.Hour}, srcs, runner, Options{})

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer s.Stop()

	waitFor(t, "first pass to start", func() bool { return runner.count() == 1 })

	queued, err := s.RunNow("a", types.KindLog)
	if err != nil {
		t.Fatalf("RunNow() error = %v", err)
	}
	if queued {
		t.Error("Expected trigger to be dropped while a pass is running")
	}
	if !s.Tasks()[0].Running {
		t.Error("Expected task to report running")
	}

	close(runner.block)
	waitFor(t, "task to go idle", func() bool { return !s.Tasks()[0].Running })

	queued, _ = s.RunNow("a", types.KindLog)
	if !queued {
		t.Error("Expected trigger to be accepted once idle")
	}
	waitFor(t, "second pass", func() bool { return runner.count() == 2 })
}

func TestScheduler_RunNowUnknownTask(t *testing.T) {
	s := New(config.SchedulerConfig{}, nil, &fakeRunner{}, Options{})
	if _, err := s.RunNow("missing", types.KindLog); !errors.Is(err, ErrUnknownTask) {
		t.Errorf("Expected ErrUnknownTask, got %v", err)
	}
}

func TestScheduler_FailuresAreRecorded(t *testing.T) {
	runner := &fakeRunner{err: errors.New("source unreadable")}
	srcs := []types.Source{{ID: "a", LogPath: "/tmp/a.log", LogEnabled: true}}
	s := New(config.SchedulerConfig{Workers: 1, LogInterval: time.Hour}, srcs, runner, Options{})

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer s.Stop()

	waitFor(t, "failed pass", func() bool { return s.Tasks()[0].Failures == 1 })
	st := s.Tasks()[0]
	if st.LastError != "source unreadable" {
		t.Errorf("Expected last error to be recorded, got %q", st.LastError)
	}
	if s.Pool().JobsFailed != 1 {
		t.Errorf("Expected 1 failed job, got %d", s.Pool().JobsFailed)
	}
}

func TestScheduler_PublishesStoredEvents(t *testing.T) {
	runner := &fakeRunner{summary: ingest.Summary{Events: []types.Event{
		&types.MissionEvent{Name: "Cargo"},
		&types.MissionEvent{Name: "Bunker"},
	}}}
	sink := &captureSink{}
	srcs := []types.Source{{ID: "a", LogPath: "/tmp/a.log", LogEnabled: true}}
	s := New(config.SchedulerConfig{Workers: 1, LogInterval: time.Hour}, srcs, runner, Options{Sink: sink})

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer s.Stop()

	waitFor(t, "published events", func() bool { return sink.len() == 2 })
}

func TestScheduler_WatchTriggersPass(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.log")
	if err := os.WriteFile(path, []byte("start\n"), 0644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	runner := &fakeRunner{}
	srcs := []types.Source{{ID: "a", LogPath: path, LogEnabled: true}}
	s := New(config.SchedulerConfig{Workers: 1, LogInterval: time.Hour, Watch: true, TriggerRate: 100}, srcs, runner, Options{})

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer s.Stop()

	waitFor(t, "initial pass", func() bool { return runner.count() == 1 && !s.Tasks()[0].Running })

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		t.Fatalf("OpenFile() error = %v", err)
	}
	if _, err := f.WriteString("more\n"); err != nil {
		t.Fatalf("WriteString() error = %v", err)
	}
	f.Close()

	waitFor(t, "watch-triggered pass", func() bool { return runner.count() >= 2 })
}

func TestScheduler_IngestsIntoStore(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "Deadside.log")
	content := "[2023.05.20-15.30.45] Mission spawned: Cargo (Level 3)\n[2023.05.20-15.31.00] Server started\n"
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	states, err := checkpoint.NewStateStore("", nil)
	if err != nil {
		t.Fatalf("NewStateStore() error = %v", err)
	}
	events := store.NewMemoryStore()
	ing, err := ingest.New(ingest.Options{States: states, Events: events, Players: events, Reader: source.NewFileReader(0)})
	if err != nil {
		t.Fatalf("ingest.New() error = %v", err)
	}

	sink := &captureSink{}
	srcs := []types.Source{{ID: "srv", LogPath: path, LogEnabled: true}}
	s := New(config.SchedulerConfig{Workers: 1, LogInterval: 20 * time.Millisecond}, srcs, ing, Options{Sink: sink})
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	waitFor(t, "events to be published", func() bool { return sink.len() == 2 })
	waitFor(t, "a few more passes", func() bool { return s.Tasks()[0].Runs >= 3 })
	s.Stop()

	stored, err := events.Find(context.Background(), store.Query{Collection: types.CollectionServerEvents})
	if err != nil {
		t.Fatalf("Find() error = %v", err)
	}
	if len(stored) != 2 {
		t.Errorf("Expected 2 stored events after repeated passes, got %d", len(stored))
	}
	if sink.len() != 2 {
		t.Errorf("Expected repeated passes to publish nothing new, got %d events", sink.len())
	}
}

func TestPool_SubmitAfterStop(t *testing.T) {
	p := NewPool(PoolConfig{NumWorkers: 1}, func(ctx context.Context, t *Task) error { return nil })
	p.Start()
	p.Stop()
	p.Stop()

	if err := p.SubmitAsync(&Task{}); !errors.Is(err, ErrPoolClosed) {
		t.Errorf("Expected ErrPoolClosed, got %v", err)
	}
}

func TestPool_QueueFull(t *testing.T) {
	p := NewPool(PoolConfig{NumWorkers: 1, QueueSize: 1}, func(ctx context.Context, t *Task) error { return nil })
	// Not started, so nothing drains the queue.
	if err := p.SubmitAsync(&Task{}); err != nil {
		t.Fatalf("SubmitAsync() error = %v", err)
	}
	if err := p.SubmitAsync(&Task{}); !errors.Is(err, ErrQueueFull) {
		t.Errorf("Expected ErrQueueFull, got %v", err)
	}
	p.Stop()
}

func TestPoolMetrics(t *testing.T) {
	m := PoolMetrics{JobsProcessed: 4, JobsFailed: 1, QueueSize: 1, QueueCapacity: 4}
	if m.SuccessRate() != 75 {
		t.Errorf("Expected 75%% success, got %v", m.SuccessRate())
	}
	if m.Utilization() != 25 {
		t.Errorf("Expected 25%% utilization, got %v", m.Utilization())
	}
	if (PoolMetrics{}).SuccessRate() != 100 {
		t.Error("Expected 100% success with no jobs")
	}
}
