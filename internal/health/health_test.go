package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/abakedjoetato/killfeed/internal/metrics"
	"github.com/abakedjoetato/killfeed/internal/publish"
	"github.com/abakedjoetato/killfeed/internal/reliability"
	"github.com/abakedjoetato/killfeed/internal/scheduler"
	dto "github.com/prometheus/client_model/go"
)

func fixed(status Status) HealthCheck {
	return func(ctx context.Context) ComponentHealth {
		return ComponentHealth{Status: status}
	}
}

func TestNewChecker(t *testing.T) {
	c := NewChecker(2*time.Second, nil)
	if c.timeout != 2*time.Second {
		t.Errorf("Expected timeout 2s, got %v", c.timeout)
	}

	c2 := NewChecker(0, nil)
	if c2.timeout != DefaultTimeout {
		t.Errorf("Expected default timeout %v, got %v", DefaultTimeout, c2.timeout)
	}
}

func TestRegisterUnregister(t *testing.T) {
	c := NewChecker(time.Second, nil)
	c.Register("store", AlwaysHealthy())
	c.Check(context.Background())

	if len(c.components) != 1 || len(c.GetLastStatus()) != 1 {
		t.Errorf("Expected 1 component, got %d", len(c.components))
	}

	c.Unregister("store")
	if len(c.components) != 0 || len(c.GetLastStatus()) != 0 {
		t.Errorf("Expected 0 components, got %d", len(c.components))
	}
}

func TestCheck(t *testing.T) {
	c := NewChecker(time.Second, nil)
	c.Register("store", fixed(StatusHealthy))
	c.Register("publish", fixed(StatusDegraded))

	results := c.Check(context.Background())
	if len(results) != 2 {
		t.Fatalf("Expected 2 results, got %d", len(results))
	}
	if results["publish"].Status != StatusDegraded {
		t.Errorf("Expected publish degraded, got %s", results["publish"].Status)
	}
	if results["store"].LastChecked.IsZero() {
		t.Error("Expected LastChecked to be set")
	}
}

func TestCheckComponent(t *testing.T) {
	c := NewChecker(time.Second, nil)
	c.Register("store", fixed(StatusUnhealthy))

	h, ok := c.CheckComponent(context.Background(), "store")
	if !ok || h.Status != StatusUnhealthy {
		t.Errorf("Expected unhealthy store, got %v %v", h.Status, ok)
	}
	if _, ok := c.CheckComponent(context.Background(), "missing"); ok {
		t.Error("Expected missing component not to be found")
	}
	if c.GetLastStatus()["store"].Status != StatusUnhealthy {
		t.Error("Expected last status to be recorded")
	}
}

func TestOverallStatus(t *testing.T) {
	tests := []struct {
		name     string
		statuses []Status
		want     Status
	}{
		{"no components", nil, StatusHealthy},
		{"all healthy", []Status{StatusHealthy, StatusHealthy}, StatusHealthy},
		{"one degraded", []Status{StatusHealthy, StatusDegraded}, StatusDegraded},
		{"one unhealthy", []Status{StatusDegraded, StatusUnhealthy}, StatusUnhealthy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewChecker(time.Second, nil)
			for i, s := range tt.statuses {
				c.Register(string(rune('a'+i)), fixed(s))
			}
			if got := c.OverallStatus(context.Background()); got != tt.want {
				t.Errorf("Expected %s, got %s", tt.want, got)
			}
		})
	}
}

func TestCheckTimeout(t *testing.T) {
	c := NewChecker(20*time.Millisecond, nil)
	c.Register("slow", func(ctx context.Context) ComponentHealth {
		select {
		case <-ctx.Done():
			return ComponentHealth{Status: StatusUnhealthy, Message: "timed out"}
		case <-time.After(time.Second):
			return ComponentHealth{Status: StatusHealthy}
		}
	})

	start := time.Now()
	h, _ := c.CheckComponent(context.Background(), "slow")
	if h.Status != StatusUnhealthy {
		t.Errorf("Expected unhealthy after timeout, got %s", h.Status)
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Errorf("Check was not bounded by the timeout")
	}
}

func TestCheckerMetrics(t *testing.T) {
	m := metrics.NewCollector()
	c := NewChecker(time.Second, m)
	c.Register("store", fixed(StatusHealthy))
	c.Register("publish", fixed(StatusUnhealthy))
	c.Check(context.Background())

	gauge := func(name string) float64 {
		var out dto.Metric
		if err := m.HealthStatus.WithLabelValues(name).Write(&out); err != nil {
			t.Fatalf("Write() error = %v", err)
		}
		return out.GetGauge().GetValue()
	}
	if gauge("store") != 1 || gauge("publish") != 0 {
		t.Errorf("Expected store=1 publish=0, got %v %v", gauge("store"), gauge("publish"))
	}
}

func TestHTTPHandler(t *testing.T) {
	tests := []struct {
		name   string
		status Status
		code   int
	}{
		{"healthy", StatusHealthy, http.StatusOK},
		{"degraded", StatusDegraded, http.StatusOK},
		{"unhealthy", StatusUnhealthy, http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewChecker(time.Second, nil)
			c.Register("store", fixed(tt.status))

			rec := httptest.NewRecorder()
			c.HTTPHandler()(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

			if rec.Code != tt.code {
				t.Errorf("Expected status %d, got %d", tt.code, rec.Code)
			}
			var resp HealthResponse
			if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
				t.Fatalf("Decode() error = %v", err)
			}
			if resp.Status != tt.status || resp.Components["store"].Status != tt.status {
				t.Errorf("Expected %s, got %+v", tt.status, resp)
			}
		})
	}
}

func TestLivenessHandler(t *testing.T) {
	c := NewChecker(time.Second, nil)
	c.Register("store", fixed(StatusUnhealthy))

	rec := httptest.NewRecorder()
	c.LivenessHandler()(rec, httptest.NewRequest(http.MethodGet, "/health/live", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("Expected liveness to ignore components, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "alive") {
		t.Errorf("Expected alive body, got %s", rec.Body.String())
	}
}

func TestReadinessHandler(t *testing.T) {
	c := NewChecker(time.Second, nil)
	c.Register("store", fixed(StatusHealthy))

	rec := httptest.NewRecorder()
	c.ReadinessHandler()(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", rec.Code)
	}

	c.Register("store", fixed(StatusUnhealthy))
	rec = httptest.NewRecorder()
	c.ReadinessHandler()(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503, got %d", rec.Code)
	}
}

func TestCheckFunc(t *testing.T) {
	up := CheckFunc(func() (bool, string) { return true, "ok" })(context.Background())
	down := CheckFunc(func() (bool, string) { return false, "down" })(context.Background())

	if up.Status != StatusHealthy || down.Status != StatusUnhealthy || down.Message != "down" {
		t.Errorf("Unexpected results %+v %+v", up, down)
	}
}

func TestCheckWithMetadata(t *testing.T) {
	h := CheckWithMetadata(func() (Status, string, map[string]interface{}) {
		return StatusDegraded, "behind", map[string]interface{}{"lag": 3}
	})(context.Background())

	if h.Status != StatusDegraded || h.Metadata["lag"] != 3 {
		t.Errorf("Unexpected result %+v", h)
	}
}

func TestPingCheck(t *testing.T) {
	ok := PingCheck(func(context.Context) error { return nil })(context.Background())
	bad := PingCheck(func(context.Context) error { return errors.New("database is locked") })(context.Background())

	if ok.Status != StatusHealthy {
		t.Errorf("Expected healthy, got %s", ok.Status)
	}
	if bad.Status != StatusUnhealthy || bad.Message != "database is locked" {
		t.Errorf("Expected unhealthy with message, got %+v", bad)
	}
}

func TestTaskCheck(t *testing.T) {
	tasks := []scheduler.TaskStatus{
		{SourceID: "srv1", Kind: "log", Mode: "incremental", Running: true},
		{SourceID: "srv2", Kind: "csv", Mode: "incremental"},
	}
	check := TaskCheck(func() []scheduler.TaskStatus { return tasks })

	h := check(context.Background())
	if h.Status != StatusHealthy || h.Metadata["tasks"] != 2 || h.Metadata["running"] != 1 {
		t.Errorf("Expected healthy with 2 tasks, got %+v", h)
	}

	tasks[1].LastError = "permission denied"
	h = check(context.Background())
	if h.Status != StatusDegraded {
		t.Fatalf("Expected degraded, got %s", h.Status)
	}
	if !strings.Contains(h.Message, "srv2/csv/incremental") {
		t.Errorf("Expected failing task in message, got %q", h.Message)
	}
}

type fakeSinks struct {
	stats []publish.SinkStats
	dead  int
	pings map[string]error
}

func (f fakeSinks) Stats() []publish.SinkStats { return f.stats }
func (f fakeSinks) DeadLetterSize() int { return f.dead }
func (f fakeSinks) Ping(ctx context.Context) map[string]error { return f.pings }

func TestPublishCheck(t *testing.T) {
	closed := reliability.Metrics{State: reliability.StateClosed.String()}
	open := reliability.Metrics{State: reliability.StateOpen.String()}

	tests := []struct {
		name    string
		sinks   fakeSinks
		want    Status
		message string
	}{
		{
			name:  "all closed",
			sinks: fakeSinks{stats: []publish.SinkStats{{Name: "kafka", Breaker: closed}}},
			want:  StatusHealthy,
		},
		{
			name:    "open circuit",
			sinks:   fakeSinks{stats: []publish.SinkStats{{Name: "kafka", Breaker: open}}},
			want:    StatusDegraded,
			message: "kafka circuit open",
		},
		{
			name:    "ping failure",
			sinks:   fakeSinks{stats: []publish.SinkStats{{Name: "elasticsearch", Breaker: closed}}, pings: map[string]error{"elasticsearch": errors.New("refused")}},
			want:    StatusDegraded,
			message: "elasticsearch unreachable",
		},
		{
			name:    "dead letters",
			sinks:   fakeSinks{stats: []publish.SinkStats{{Name: "s3", Breaker: closed}}, dead: 4},
			want:    StatusDegraded,
			message: "4 events dead-lettered",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := PublishCheck(tt.sinks)(context.Background())
			if h.Status != tt.want {
				t.Errorf("Expected %s, got %s", tt.want, h.Status)
			}
			if !strings.Contains(h.Message, tt.message) {
				t.Errorf("Expected message containing %q, got %q", tt.message, h.Message)
			}
		})
	}
}
