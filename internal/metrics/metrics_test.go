package metrics

import (
	"testing"
	"time"

	"github.com/abakedjoetato/killfeed/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	metric := &dto.Metric{}
	if err := c.Write(metric); err != nil {
		t.Fatalf("Failed to write metric: %v", err)
	}
	return metric.Counter.GetValue()
}

func TestNewCollector(t *testing.T) {
	c := NewCollector()
	if c == nil {
		t.Fatal("NewCollector returned nil")
	}

	if c.registry == nil {
		t.Error("registry is nil")
	}

	if c.PassesTotal == nil {
		t.Error("PassesTotal is nil")
	}

	if c.QueryDuration == nil {
		t.Error("QueryDuration is nil")
	}

	if c.PublishEventsSent == nil {
		t.Error("PublishEventsSent is nil")
	}
}

func TestObservePass(t *testing.T) {
	c := NewCollector()

	c.ObservePass("srv", "log", "incremental", "committed", 20*time.Millisecond)
	c.ObservePass("srv", "log", "incremental", "committed", 30*time.Millisecond)
	c.ObservePass("srv", "log", "incremental", "conflict", time.Millisecond)

	if v := counterValue(t, c.PassesTotal.WithLabelValues("srv", "log", "incremental", "committed")); v != 2 {
		t.Errorf("Expected 2, got %f", v)
	}
	if v := counterValue(t, c.PassesTotal.WithLabelValues("srv", "log", "incremental", "conflict")); v != 1 {
		t.Errorf("Expected 1, got %f", v)
	}
}

func TestObserveQuery(t *testing.T) {
	c := NewCollector()

	c.ObserveQuery("player_stats", time.Millisecond, false)
	c.ObserveQuery("player_stats", time.Millisecond, true)

	if v := counterValue(t, c.QueriesTotal.WithLabelValues("player_stats")); v != 2 {
		t.Errorf("Expected 2 queries, got %f", v)
	}
	if v := counterValue(t, c.QueryFailures.WithLabelValues("player_stats")); v != 1 {
		t.Errorf("Expected 1 failure, got %f", v)
	}
}

func TestObserveEvents(t *testing.T) {
	c := NewCollector()

	c.ObserveEvents("srv", []types.Event{
		&types.KillEvent{Weapon: "AK", Distance: 120},
		&types.KillEvent{Weapon: "AK", Distance: 40},
		&types.KillEvent{Weapon: types.WeaponFalling, IsSuicide: true, IsFallDeath: true},
		&types.ConnectionEvent{Type: types.EventConnect, PlayerName: "Ivan"},
		&types.MissionEvent{Name: "Cargo", Level: 3},
	})

	if v := counterValue(t, c.KillsByWeapon.WithLabelValues("srv", "AK")); v != 2 {
		t.Errorf("Expected 2 AK kills, got %f", v)
	}
	if v := counterValue(t, c.Suicides.WithLabelValues("srv", "fall")); v != 1 {
		t.Errorf("Expected 1 fall suicide, got %f", v)
	}
	if v := counterValue(t, c.EventsExtracted.WithLabelValues("srv", string(types.EventKill))); v != 3 {
		t.Errorf("Expected 3 kill events, got %f", v)
	}
	if v := counterValue(t, c.PlayerSessions.WithLabelValues("srv", string(types.EventConnect))); v != 1 {
		t.Errorf("Expected 1 connect, got %f", v)
	}
	if v := counterValue(t, c.MissionsSpawned.WithLabelValues("srv", "3")); v != 1 {
		t.Errorf("Expected 1 level 3 mission, got %f", v)
	}

	metric := &dto.Metric{}
	if err := c.KillDistance.WithLabelValues("srv").(prometheus.Histogram).Write(metric); err != nil {
		t.Fatalf("Failed to write metric: %v", err)
	}
	if metric.Histogram.GetSampleCount() != 2 || metric.Histogram.GetSampleSum() != 160 {
		t.Errorf("Expected 2 samples summing to 160, got %d / %f",
			metric.Histogram.GetSampleCount(), metric.Histogram.GetSampleSum())
	}
}

func TestSystemMetrics(t *testing.T) {
	c := NewCollector()

	c.collectSystemMetrics()

	metric := &dto.Metric{}
	if err := c.SystemGoroutines.Write(metric); err != nil {
		t.Fatalf("Failed to write metric: %v", err)
	}
	if metric.Gauge.GetValue() <= 0 {
		t.Errorf("Expected positive goroutine count, got %f", metric.Gauge.GetValue())
	}

	if err := c.SystemMemAlloc.Write(metric); err != nil {
		t.Fatalf("Failed to write metric: %v", err)
	}
	if metric.Gauge.GetValue() <= 0 {
		t.Errorf("Expected positive memory allocation, got %f", metric.Gauge.GetValue())
	}
}

func TestStartStop(t *testing.T) {
	c := NewCollector()

	if c.started {
		t.Error("Collector should not be started initially")
	}

	c.Start()
	c.Start()

	if !c.started {
		t.Error("Collector should be started after Start()")
	}

	c.Stop()
	c.Stop()

	if c.started {
		t.Error("Collector should not be started after Stop()")
	}
}

func TestGetGlobalCollector(t *testing.T) {
	c1 := GetGlobalCollector()
	if c1 == nil {
		t.Fatal("GetGlobalCollector returned nil")
	}

	c2 := GetGlobalCollector()
	if c1 != c2 {
		t.Error("GetGlobalCollector should return the same instance")
	}
}

func TestCircuitBreakerMetrics(t *testing.T) {
	c := NewCollector()

	c.CircuitBreakerState.WithLabelValues("kafka").Set(1)

	metric := &dto.Metric{}
	if err := c.CircuitBreakerState.WithLabelValues("kafka").(prometheus.Gauge).Write(metric); err != nil {
		t.Fatalf("Failed to write metric: %v", err)
	}

	if metric.Gauge.GetValue() != 1 {
		t.Errorf("Expected 1, got %f", metric.Gauge.GetValue())
	}
}
