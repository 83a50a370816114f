package store

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/abakedjoetato/killfeed/pkg/types"
)

// Field names an attribute that queries may filter, sort or group on.
type Field string

const (
	FieldID            Field = "id"
	FieldSourceID      Field = "source_id"
	FieldKind          Field = "kind"
	FieldTimestamp     Field = "timestamp"
	FieldKillerID      Field = "killer_id"
	FieldKillerName    Field = "killer_name"
	FieldVictimID      Field = "victim_id"
	FieldVictimName    Field = "victim_name"
	FieldWeapon        Field = "weapon"
	FieldDistance      Field = "distance"
	FieldIsSuicide     Field = "is_suicide"
	FieldIsMenuSuicide Field = "is_menu_suicide"
	FieldIsFallDeath   Field = "is_fall_death"
	FieldName          Field = "name"
	FieldLevel         Field = "level"
	FieldLocation      Field = "location"
	FieldPlayerName    Field = "player_name"
	FieldReason        Field = "reason"
	// FieldParticipant is the killer id, or the victim id when the killer id
	// is empty.
	FieldParticipant Field = "participant"
	// FieldHour is the UTC hour of day of the event timestamp.
	FieldHour Field = "hour"
)

var knownFields = map[Field]bool{
	FieldID: true, FieldSourceID: true, FieldKind: true, FieldTimestamp: true,
	FieldKillerID: true, FieldKillerName: true, FieldVictimID: true, FieldVictimName: true,
	FieldWeapon: true, FieldDistance: true, FieldIsSuicide: true, FieldIsMenuSuicide: true,
	FieldIsFallDeath: true, FieldName: true, FieldLevel: true, FieldLocation: true,
	FieldPlayerName: true, FieldReason: true, FieldParticipant: true, FieldHour: true,
}

// Valid reports whether f is a known field.
func (f Field) Valid() bool { return knownFields[f] }

// Value extracts f from ev. The second result is false when the event
// variant has no such field.
func Value(ev types.Event, f Field) (interface{}, bool) {
	meta := ev.Metadata()
	switch f {
	case FieldID:
		return meta.ID, true
	case FieldSourceID:
		return meta.SourceID, true
	case FieldKind:
		return string(ev.Kind()), true
	case FieldTimestamp:
		return ev.Time(), true
	case FieldHour:
		return int64(ev.Time().UTC().Hour()), true
	}

	switch e := ev.(type) {
	case *types.KillEvent:
		switch f {
		case FieldKillerID:
			return e.KillerID, true
		case FieldKillerName:
			return e.KillerName, true
		case FieldVictimID:
			return e.VictimID, true
		case FieldVictimName:
			return e.VictimName, true
		case FieldWeapon:
			return e.Weapon, true
		case FieldDistance:
			return e.Distance, true
		case FieldIsSuicide:
			return e.IsSuicide, true
		case FieldIsMenuSuicide:
			return e.IsMenuSuicide, true
		case FieldIsFallDeath:
			return e.IsFallDeath, true
		case FieldParticipant:
			if e.KillerID != "" {
				return e.KillerID, true
			}
			return e.VictimID, true
		}
	case *types.MissionEvent:
		switch f {
		case FieldName:
			return e.Name, true
		case FieldLevel:
			return int64(e.Level), true
		}
	case *types.LocationEvent:
		if f == FieldLocation {
			return e.Location, true
		}
	case *types.ConnectionEvent:
		switch f {
		case FieldPlayerName:
			return e.PlayerName, true
		case FieldReason:
			return e.Reason, true
		}
	}
	return nil, false
}

// Matches reports whether ev satisfies the condition. A field the event does
// not have only satisfies OpNe.
func (c Cond) Matches(ev types.Event) bool {
	v, ok := Value(ev, c.Field)
	if !ok {
		return c.Op == OpNe
	}

	if c.Op == OpIn {
		for _, want := range inValues(c.Value) {
			if cmp, ok := compareValues(v, want); ok && cmp == 0 {
				return true
			}
		}
		return false
	}

	cmp, ok := compareValues(v, c.Value)
	if !ok {
		return c.Op == OpNe
	}
	switch c.Op {
	case OpEq:
		return cmp == 0
	case OpNe:
		return cmp != 0
	case OpGt:
		return cmp > 0
	case OpGte:
		return cmp >= 0
	case OpLt:
		return cmp < 0
	case OpLte:
		return cmp <= 0
	}
	return false
}

func inValues(v interface{}) []interface{} {
	switch vs := v.(type) {
	case []string:
		out := make([]interface{}, len(vs))
		for i, s := range vs {
			out[i] = s
		}
		return out
	case []interface{}:
		return vs
	}
	return nil
}

// compareValues orders two scalar values of compatible type.
func compareValues(a, b interface{}) (int, bool) {
	if af, ok := toFloat(a); ok {
		bf, ok := toFloat(b)
		if !ok {
			return 0, false
		}
		switch {
		case af < bf:
			return -1, true
		case af > bf:
			return 1, true
		}
		return 0, true
	}

	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		if !ok {
			return 0, false
		}
		return strings.Compare(av, bv), true
	case bool:
		bv, ok := b.(bool)
		if !ok {
			return 0, false
		}
		switch {
		case av == bv:
			return 0, true
		case !av:
			return -1, true
		}
		return 1, true
	case time.Time:
		bv, ok := b.(time.Time)
		if !ok {
			return 0, false
		}
		return av.Compare(bv), true
	}
	return 0, false
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	}
	return 0, false
}

// keyString renders a group key.
func keyString(v interface{}) string {
	switch k := v.(type) {
	case nil:
		return ""
	case string:
		return k
	case time.Time:
		return k.UTC().Format(time.RFC3339)
	}
	return fmt.Sprint(v)
}

// SortEvents stable-sorts events by keys. Events without a key field sort
// first in ascending order and last in descending order.
func SortEvents(events []types.Event, keys []SortKey) {
	if len(keys) == 0 {
		return
	}
	sort.SliceStable(events, func(i, j int) bool {
		for _, k := range keys {
			a, aok := Value(events[i], k.Field)
			b, bok := Value(events[j], k.Field)
			if !aok || !bok {
				if aok == bok {
					continue
				}
				return bok != k.Desc
			}
			cmp, ok := compareValues(a, b)
			if !ok || cmp == 0 {
				continue
			}
			if k.Desc {
				return cmp > 0
			}
			return cmp < 0
		}
		return false
	})
}

// Select applies q's filter, sort and limit to events already in ID order.
func Select(events []types.Event, q Query) []types.Event {
	out := make([]types.Event, 0, len(events))
	for _, ev := range events {
		if q.Filter.Matches(ev) {
			out = append(out, ev)
		}
	}
	SortEvents(out, q.Sort)
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out
}
