package shutdown

import (
	"context"
	"errors"
	"sync"
	"syscall"
	"testing"
	"time"
)

func TestNew(t *testing.T) {
	m := New(Config{Timeout: 10 * time.Second})
	if m.timeout != 10*time.Second {
		t.Errorf("Expected timeout 10s, got %v", m.timeout)
	}

	if d := New(Config{}); d.timeout != DefaultTimeout {
		t.Errorf("Expected default timeout %v, got %v", DefaultTimeout, d.timeout)
	}
}

func TestShutdown_ReverseOrder(t *testing.T) {
	m := New(Config{Timeout: time.Second})

	var order []string
	for _, name := range []string{"store", "publish", "scheduler"} {
		name := name
		m.RegisterFunc(name, func(ctx context.Context) error {
			order = append(order, name)
			return nil
		})
	}

	if err := m.Shutdown(); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}

	want := []string{"scheduler", "publish", "store"}
	if len(order) != len(want) {
		t.Fatalf("Expected %v, got %v", want, order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("Expected %v, got %v", want, order)
			break
		}
	}
}

func TestShutdown_CollectsErrors(t *testing.T) {
	m := New(Config{Timeout: time.Second})
	flushFailed := errors.New("flush failed")

	ran := 0
	m.RegisterFunc("store", func(ctx context.Context) error { ran++; return nil })
	m.RegisterCloser("dlq", func() error { ran++; return flushFailed })

	err := m.Shutdown()
	if !errors.Is(err, flushFailed) {
		t.Errorf("Expected flush error, got %v", err)
	}
	if ran != 2 {
		t.Errorf("Expected both steps to run, got %d", ran)
	}
}

func TestShutdown_Timeout(t *testing.T) {
	m := New(Config{Timeout: 50 * time.Millisecond})

	storeRan := false
	m.RegisterFunc("store", func(ctx context.Context) error { storeRan = true; return nil })
	m.RegisterFunc("stuck", func(ctx context.Context) error {
		time.Sleep(time.Second)
		return nil
	})

	start := time.Now()
	err := m.Shutdown()
	if !errors.Is(err, ErrTimeout) {
		t.Errorf("Expected ErrTimeout, got %v", err)
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Error("Shutdown was not bounded by its timeout")
	}
	if storeRan {
		t.Error("Expected steps after the deadline to be skipped")
	}
}

func TestShutdown_Once(t *testing.T) {
	m := New(Config{Timeout: time.Second})

	var mu sync.Mutex
	calls := 0
	m.RegisterFunc("api", func(ctx context.Context) error {
		mu.Lock()
		calls++
		mu.Unlock()
		return nil
	})

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Shutdown()
		}()
	}
	wg.Wait()

	if calls != 1 {
		t.Errorf("Expected 1 call, got %d", calls)
	}
	select {
	case <-m.Done():
	default:
		t.Error("Expected Done to be closed")
	}
}

type component struct{ stopped bool }

func (c *component) Stop(ctx context.Context) error { c.stopped = true; return nil }
func (c *component) Name() string { return "api" }

func TestRegisterComponent(t *testing.T) {
	m := New(Config{})
	c := &component{}
	m.RegisterComponent(c)

	m.Shutdown()
	if !c.stopped {
		t.Error("Expected component to be stopped")
	}
}

func TestWaitForSignal(t *testing.T) {
	m := New(Config{Timeout: time.Second})
	stopped := make(chan struct{})
	m.RegisterFunc("scheduler", func(ctx context.Context) error { close(stopped); return nil })

	errCh := make(chan error, 1)
	go func() { errCh <- m.WaitForSignal(context.Background(), syscall.SIGUSR1) }()

	time.Sleep(50 * time.Millisecond)
	syscall.Kill(syscall.Getpid(), syscall.SIGUSR1)

	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("WaitForSignal() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Shutdown did not follow the signal")
	}
	select {
	case <-stopped:
	default:
		t.Error("Expected scheduler step to run")
	}
}

func TestWaitForSignal_ContextDone(t *testing.T) {
	m := New(Config{Timeout: time.Second})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := m.WaitForSignal(ctx); err != nil {
		t.Errorf("WaitForSignal() error = %v", err)
	}
	select {
	case <-m.ShutdownChannel():
	default:
		t.Error("Expected shutdown to have begun")
	}
}

func TestHandlePanic(t *testing.T) {
	m := New(Config{Timeout: time.Second})

	defer func() {
		if r := recover(); r == nil {
			t.Error("Expected panic to be re-raised")
		}
		select {
		case <-m.Done():
		default:
			t.Error("Expected shutdown to have completed")
		}
	}()

	func() {
		defer m.HandlePanic()
		panic("boom")
	}()
}
