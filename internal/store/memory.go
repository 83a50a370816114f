package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/abakedjoetato/killfeed/pkg/types"
)

// MemoryStore keeps events and players in process memory. It backs tests
// and the one-shot CLI when no database is configured.
type MemoryStore struct {
	mu      sync.RWMutex
	nextID  int64
	events  map[types.Collection][]types.Event
	dedup   map[string]int64
	players []*types.Player
	byID    map[string]*types.Player
	now     func() time.Time
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		events: make(map[types.Collection][]types.Event),
		dedup:  make(map[string]int64),
		byID:   make(map[string]*types.Player),
		now:    time.Now,
	}
}

// Insert implements EventStore.
func (m *MemoryStore) Insert(ctx context.Context, ev types.Event) (int64, bool, error) {
	if err := ctx.Err(); err != nil {
		return 0, false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	meta := ev.Metadata()
	if meta.DedupKey != "" {
		if id, ok := m.dedup[meta.DedupKey]; ok {
			return id, false, nil
		}
	}

	m.nextID++
	meta.ID = m.nextID
	if meta.DedupKey != "" {
		m.dedup[meta.DedupKey] = meta.ID
	}
	m.events[ev.Collection()] = append(m.events[ev.Collection()], ev)
	return meta.ID, true, nil
}

// Find implements EventStore.
func (m *MemoryStore) Find(ctx context.Context, q Query) ([]types.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := q.Filter.Validate(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	return Select(m.events[q.Collection], q), nil
}

// Aggregate implements EventStore.
func (m *MemoryStore) Aggregate(ctx context.Context, c types.Collection, p Pipeline) ([]Row, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	events := m.events[c]
	m.mu.RUnlock()

	// Stored slices are append-only, so evaluating outside the lock is safe.
	return Evaluate(events[:len(events):len(events)], p)
}

// Since implements EventStore.
func (m *MemoryStore) Since(ctx context.Context, c types.Collection, sourceID string, afterID int64, limit int) ([]types.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	events := m.events[c]
	start := sort.Search(len(events), func(i int) bool { return events[i].Metadata().ID > afterID })

	var out []types.Event
	for _, ev := range events[start:] {
		if sourceID != "" && ev.Metadata().SourceID != sourceID {
			continue
		}
		out = append(out, ev)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// UpsertByName implements PlayerStore.
func (m *MemoryStore) UpsertByName(ctx context.Context, sourceID, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if p := m.findByNameLocked(name); p != nil {
		p.LastSeen = now
		p.LastSourceID = sourceID
		return false, nil
	}
	m.players = append(m.players, &types.Player{
		PlayerName:   name,
		LastSourceID: sourceID,
		FirstSeen:    now,
		LastSeen:     now,
	})
	return true, nil
}

// RecordKill implements PlayerStore.
func (m *MemoryStore) RecordKill(ctx context.Context, k *types.KillEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if killer := m.resolveLocked(k.KillerID, k.KillerName, k.SourceID); killer != nil && !k.IsSuicide {
		killer.TotalKills++
	}
	if victim := m.resolveLocked(k.VictimID, k.VictimName, k.SourceID); victim != nil {
		victim.TotalDeaths++
	}
	return nil
}

// resolveLocked finds or creates the player with id, adopting a name-only
// record of the same name when one exists.
func (m *MemoryStore) resolveLocked(id, name, sourceID string) *types.Player {
	if id == "" {
		return nil
	}
	now := m.now()

	p, ok := m.byID[id]
	if !ok {
		if named := m.findByNameLocked(name); named != nil && named.PlayerID == "" {
			p = named
		} else {
			p = &types.Player{FirstSeen: now}
			m.players = append(m.players, p)
		}
		p.PlayerID = id
		m.byID[id] = p
	}
	if name != "" {
		p.PlayerName = name
	}
	p.LastSourceID = sourceID
	p.LastSeen = now
	return p
}

func (m *MemoryStore) findByNameLocked(name string) *types.Player {
	for _, p := range m.players {
		if strings.EqualFold(p.PlayerName, name) {
			return p
		}
	}
	return nil
}

// GetPlayer implements PlayerStore.
func (m *MemoryStore) GetPlayer(ctx context.Context, playerID string) (types.Player, error) {
	if err := ctx.Err(); err != nil {
		return types.Player{}, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.byID[playerID]
	if !ok {
		return types.Player{}, ErrNotFound
	}
	return *p, nil
}

// ListPlayers implements PlayerStore.
func (m *MemoryStore) ListPlayers(ctx context.Context) ([]types.Player, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]types.Player, len(m.players))
	for i, p := range m.players {
		out[i] = *p
	}
	return out, nil
}

// Close implements Store.
func (m *MemoryStore) Close() error { return nil }
