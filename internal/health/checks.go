package health

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/abakedjoetato/killfeed/internal/publish"
	"github.com/abakedjoetato/killfeed/internal/reliability"
	"github.com/abakedjoetato/killfeed/internal/scheduler"
)

// PingCheck is unhealthy while ping fails.
func PingCheck(ping func(context.Context) error) HealthCheck {
	return func(ctx context.Context) ComponentHealth {
		if err := ping(ctx); err != nil {
			return ComponentHealth{Status: StatusUnhealthy, Message: err.Error()}
		}
		return ComponentHealth{Status: StatusHealthy}
	}
}

// TaskCheck is degraded while any ingestion task's last pass failed. A
// failed pass is retried on the next tick, so failures never make the
// process unready.
func TaskCheck(tasks func() []scheduler.TaskStatus) HealthCheck {
	return func(ctx context.Context) ComponentHealth {
		all := tasks()
		var failing []string
		running := 0
		for _, t := range all {
			if t.Running {
				running++
			}
			if t.LastError != "" {
				failing = append(failing, fmt.Sprintf("%s/%s/%s", t.SourceID, t.Kind, t.Mode))
			}
		}

		h := ComponentHealth{
			Status: StatusHealthy,
			Metadata: map[string]interface{}{
				"tasks":   len(all),
				"running": running,
			},
		}
		if len(failing) > 0 {
			sort.Strings(failing)
			h.Status = StatusDegraded
			h.Message = "last pass failed: " + strings.Join(failing, ", ")
			h.Metadata["failing"] = len(failing)
		}
		return h
	}
}

// SinkReporter is the view of a publish router a check needs.
type SinkReporter interface {
	Stats() []publish.SinkStats
	DeadLetterSize() int
	Ping(ctx context.Context) map[string]error
}

// PublishCheck is degraded while a sink's breaker is not closed, a sink
// fails its ping, or dead-lettered events wait for redrive. Sinks are best
// effort and never make the process unready.
func PublishCheck(r SinkReporter) HealthCheck {
	return func(ctx context.Context) ComponentHealth {
		stats := r.Stats()
		pings := r.Ping(ctx)
		dead := r.DeadLetterSize()

		var problems []string
		sinks := make(map[string]interface{}, len(stats))
		for _, st := range stats {
			sinks[st.Name] = st.Breaker.State
			if st.Breaker.State != reliability.StateClosed.String() {
				problems = append(problems, fmt.Sprintf("%s circuit %s", st.Name, st.Breaker.State))
			}
			if err := pings[st.Name]; err != nil {
				problems = append(problems, fmt.Sprintf("%s unreachable: %v", st.Name, err))
			}
		}
		if dead > 0 {
			problems = append(problems, fmt.Sprintf("%d events dead-lettered", dead))
		}

		h := ComponentHealth{
			Status: StatusHealthy,
			Metadata: map[string]interface{}{
				"sinks":        sinks,
				"dead_letters": dead,
			},
		}
		if len(problems) > 0 {
			h.Status = StatusDegraded
			h.Message = strings.Join(problems, "; ")
		}
		return h
	}
}
