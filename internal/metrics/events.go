package metrics

import (
	"strconv"

	"github.com/abakedjoetato/killfeed/pkg/types"
)

// ObserveEvents derives game metrics from the events stored by one pass.
func (c *Collector) ObserveEvents(sourceID string, events []types.Event) {
	for _, ev := range events {
		c.EventsExtracted.WithLabelValues(sourceID, string(ev.Kind())).Inc()

		switch e := ev.(type) {
		case *types.KillEvent:
			if e.IsSuicide {
				c.Suicides.WithLabelValues(sourceID, suicideCause(e)).Inc()
				continue
			}
			c.KillsByWeapon.WithLabelValues(sourceID, e.Weapon).Inc()
			c.KillDistance.WithLabelValues(sourceID).Observe(e.Distance)
		case *types.ConnectionEvent:
			c.PlayerSessions.WithLabelValues(sourceID, string(e.Type)).Inc()
		case *types.MissionEvent:
			c.MissionsSpawned.WithLabelValues(sourceID, strconv.Itoa(e.Level)).Inc()
		}
	}
}

func suicideCause(k *types.KillEvent) string {
	switch {
	case k.IsMenuSuicide:
		return "menu"
	case k.IsFallDeath:
		return "fall"
	default:
		return "other"
	}
}
