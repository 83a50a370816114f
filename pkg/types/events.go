package types

import "time"

// EventKind names the grammar that produced an event.
type EventKind string

const (
	EventMission     EventKind = "mission"
	EventHelicrash   EventKind = "helicrash"
	EventAirdrop     EventKind = "airdrop"
	EventTrader      EventKind = "trader"
	EventConnect     EventKind = "connect"
	EventDisconnect  EventKind = "disconnect"
	EventKick        EventKind = "kick"
	EventServerStart EventKind = "server_start"
	EventServerStop  EventKind = "server_stop"
	EventKill        EventKind = "kill"
)

// Collection names where each event variant is stored.
type Collection string

const (
	CollectionKills        Collection = "kills"
	CollectionServerEvents Collection = "server_events"
	CollectionConnections  Collection = "connections"
)

// Meta is the bookkeeping every stored event carries.
type Meta struct {
	ID       int64  `json:"id"`
	SourceID string `json:"source_id"`
	// DedupKey is set for events whose insert must be idempotent.
	DedupKey string `json:"-"`
}

// Event is the closed set of facts extracted from a source.
type Event interface {
	Kind() EventKind
	Collection() Collection
	Time() time.Time
	Metadata() *Meta
	sealed()
}

// MissionEvent records a mission spawn.
type MissionEvent struct {
	Meta
	Timestamp time.Time `json:"timestamp"`
	Name      string    `json:"name"`
	Level     int       `json:"level"`
}

func (e *MissionEvent) Kind() EventKind { return EventMission }
func (e *MissionEvent) Collection() Collection { return CollectionServerEvents }
func (e *MissionEvent) Time() time.Time { return e.Timestamp }
func (e *MissionEvent) Metadata() *Meta { return &e.Meta }
func (*MissionEvent) sealed() {}

// LocationEvent records a world event at a named location.
type LocationEvent struct {
	Meta
	Timestamp time.Time `json:"timestamp"`
	Type      EventKind `json:"type"`
	Location  string    `json:"location"`
}

func (e *LocationEvent) Kind() EventKind { return e.Type }
func (e *LocationEvent) Collection() Collection { return CollectionServerEvents }
func (e *LocationEvent) Time() time.Time { return e.Timestamp }
func (e *LocationEvent) Metadata() *Meta { return &e.Meta }
func (*LocationEvent) sealed() {}

// ConnectionEvent records a player joining, leaving or being kicked.
type ConnectionEvent struct {
	Meta
	Timestamp  time.Time `json:"timestamp"`
	Type       EventKind `json:"type"`
	PlayerName string    `json:"player_name"`
	PlayerID   string    `json:"player_id,omitempty"`
	Reason     string    `json:"reason,omitempty"`
}

func (e *ConnectionEvent) Kind() EventKind { return e.Type }
func (e *ConnectionEvent) Collection() Collection { return CollectionConnections }
func (e *ConnectionEvent) Time() time.Time { return e.Timestamp }
func (e *ConnectionEvent) Metadata() *Meta { return &e.Meta }
func (*ConnectionEvent) sealed() {}

// ServerLifecycleEvent records a server start or stop.
type ServerLifecycleEvent struct {
	Meta
	Timestamp time.Time `json:"timestamp"`
	Type      EventKind `json:"type"`
}

func (e *ServerLifecycleEvent) Kind() EventKind { return e.Type }
func (e *ServerLifecycleEvent) Collection() Collection { return CollectionServerEvents }
func (e *ServerLifecycleEvent) Time() time.Time { return e.Timestamp }
func (e *ServerLifecycleEvent) Metadata() *Meta { return &e.Meta }
func (*ServerLifecycleEvent) sealed() {}

// KillEvent is one kill record.
type KillEvent struct {
	Meta
	Timestamp     time.Time `json:"timestamp"`
	KillerID      string    `json:"killer_id,omitempty"`
	KillerName    string    `json:"killer_name"`
	VictimID      string    `json:"victim_id,omitempty"`
	VictimName    string    `json:"victim_name"`
	Weapon        string    `json:"weapon"`
	Distance      float64   `json:"distance"`
	IsSuicide     bool      `json:"is_suicide"`
	IsMenuSuicide bool      `json:"is_menu_suicide"`
	IsFallDeath   bool      `json:"is_fall_death"`
}

func (e *KillEvent) Kind() EventKind { return EventKill }
func (e *KillEvent) Collection() Collection { return CollectionKills }
func (e *KillEvent) Time() time.Time { return e.Timestamp }
func (e *KillEvent) Metadata() *Meta { return &e.Meta }
func (*KillEvent) sealed() {}

// Weapon names that are themselves a cause of self-inflicted death.
const (
	WeaponMenuSuicide = "suicide_by_relocation"
	WeaponFalling     = "falling"
)

// SelfInflictedCause reports whether the weapon field names a suicide cause
// rather than a firearm.
func (e *KillEvent) SelfInflictedCause() bool {
	return e.IsMenuSuicide || e.IsFallDeath || e.Weapon == WeaponMenuSuicide || e.Weapon == WeaponFalling
}

// NewEvent returns an empty event of the variant that carries kind, ready
// to be decoded into.
func NewEvent(kind EventKind) (Event, bool) {
	switch kind {
	case EventMission:
		return &MissionEvent{}, true
	case EventHelicrash, EventAirdrop, EventTrader:
		return &LocationEvent{Type: kind}, true
	case EventConnect, EventDisconnect, EventKick:
		return &ConnectionEvent{Type: kind}, true
	case EventServerStart, EventServerStop:
		return &ServerLifecycleEvent{Type: kind}, true
	case EventKill:
		return &KillEvent{}, true
	}
	return nil, false
}
