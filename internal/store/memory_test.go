package store

import (
	"context"
	"errors"
	"testing"

	"github.com/abakedjoetato/killfeed/pkg/types"
)

func TestMemoryStore_InsertAssignsIncreasingIDs(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()

	var last int64
	for _, ev := range []types.Event{
		&types.MissionEvent{Meta: types.Meta{SourceID: "srv"}, Name: "Cargo"},
		&types.KillEvent{Meta: types.Meta{SourceID: "srv"}, KillerID: "a"},
		&types.ConnectionEvent{Meta: types.Meta{SourceID: "srv"}, Type: types.EventConnect, PlayerName: "p"},
	} {
		id, inserted, err := m.Insert(ctx, ev)
		if err != nil || !inserted {
			t.Fatalf("Insert() = %d, %v, %v", id, inserted, err)
		}
		if id <= last {
			t.Errorf("Expected id greater than %d, got %d", last, id)
		}
		if ev.Metadata().ID != id {
			t.Errorf("Expected event id to be set to %d, got %d", id, ev.Metadata().ID)
		}
		last = id
	}
}

func TestMemoryStore_Dedup(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()

	first := &types.KillEvent{Meta: types.Meta{SourceID: "srv", DedupKey: "srv|a.csv|0|kill"}}
	id1, ok, _ := m.Insert(ctx, first)
	if !ok {
		t.Fatal("Expected first insert to store the event")
	}

	again := &types.KillEvent{Meta: types.Meta{SourceID: "srv", DedupKey: "srv|a.csv|0|kill"}}
	id2, ok, err := m.Insert(ctx, again)
	if err != nil {
		t.Fatalf("Insert() error = %v", err)
	}
	if ok {
		t.Error("Expected duplicate insert to be skipped")
	}
	if id1 != id2 {
		t.Errorf("Expected existing id %d, got %d", id1, id2)
	}

	events, _ := m.Find(ctx, Query{Collection: types.CollectionKills})
	if len(events) != 1 {
		t.Errorf("Expected 1 stored kill, got %d", len(events))
	}
}

func TestMemoryStore_FindSortLimit(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	for _, ev := range sampleKills() {
		k := *ev.(*types.KillEvent)
		k.ID = 0
		m.Insert(ctx, &k)
	}

	events, err := m.Find(ctx, Query{
		Collection: types.CollectionKills,
		Filter:     Filter{Eq(FieldIsSuicide, false)},
		Sort:       []SortKey{{Field: FieldDistance, Desc: true}},
		Limit:      2,
	})
	if err != nil {
		t.Fatalf("Find() error = %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("Expected 2 events, got %d", len(events))
	}
	if events[0].(*types.KillEvent).Distance != 300 || events[1].(*types.KillEvent).Distance != 100 {
		t.Errorf("Expected distances 300, 100; got %v, %v",
			events[0].(*types.KillEvent).Distance, events[1].(*types.KillEvent).Distance)
	}

	if _, err := m.Find(ctx, Query{Collection: types.CollectionKills, Filter: Filter{Eq("colour", "red")}}); !errors.Is(err, ErrUnknownField) {
		t.Errorf("Expected ErrUnknownField, got %v", err)
	}
}

func TestMemoryStore_Since(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()

	for i, src := range []string{"a", "b", "a", "a"} {
		m.Insert(ctx, &types.KillEvent{Meta: types.Meta{SourceID: src}, Distance: float64(i)})
	}
	m.Insert(ctx, &types.MissionEvent{Meta: types.Meta{SourceID: "a"}})

	events, err := m.Since(ctx, types.CollectionKills, "a", 1, 10)
	if err != nil {
		t.Fatalf("Since() error = %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("Expected 2 events after id 1, got %d", len(events))
	}
	if events[0].Metadata().ID != 3 || events[1].Metadata().ID != 4 {
		t.Errorf("Expected ids 3 and 4, got %d and %d", events[0].Metadata().ID, events[1].Metadata().ID)
	}

	events, _ = m.Since(ctx, types.CollectionKills, "", 0, 2)
	if len(events) != 2 {
		t.Errorf("Expected limit of 2, got %d", len(events))
	}
}

func TestMemoryStore_Players(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()

	created, _ := m.UpsertByName(ctx, "srv", "Ivan")
	if !created {
		t.Error("Expected player to be created")
	}
	created, _ = m.UpsertByName(ctx, "srv", "Ivan")
	if created {
		t.Error("Expected second upsert to find the existing player")
	}

	m.RecordKill(ctx, &types.KillEvent{KillerID: "1", KillerName: "Ivan", VictimID: "2", VictimName: "Olga"})
	m.RecordKill(ctx, &types.KillEvent{KillerID: "2", KillerName: "Olga", VictimID: "2", VictimName: "Olga", IsSuicide: true})

	ivan, err := m.GetPlayer(ctx, "1")
	if err != nil {
		t.Fatalf("GetPlayer() error = %v", err)
	}
	if ivan.TotalKills != 1 || ivan.TotalDeaths != 0 {
		t.Errorf("Expected Ivan 1/0, got %d/%d", ivan.TotalKills, ivan.TotalDeaths)
	}

	olga, _ := m.GetPlayer(ctx, "2")
	if olga.TotalKills != 0 || olga.TotalDeaths != 2 {
		t.Errorf("Expected Olga 0/2, got %d/%d", olga.TotalKills, olga.TotalDeaths)
	}

	players, _ := m.ListPlayers(ctx)
	if len(players) != 2 {
		t.Errorf("Expected the name-only record to be adopted, got %d players", len(players))
	}

	if _, err := m.GetPlayer(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}
