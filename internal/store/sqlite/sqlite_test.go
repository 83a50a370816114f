package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/abakedjoetato/killfeed/internal/checkpoint"
	"github.com/abakedjoetato/killfeed/internal/store"
	"github.com/abakedjoetato/killfeed/pkg/types"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Config{})
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testKill(killer, victim, weapon string, distance float64, sec int) *types.KillEvent {
	return &types.KillEvent{
		Meta:       types.Meta{SourceID: "srv"},
		Timestamp:  time.Date(2023, 5, 20, 12, 0, sec, 0, time.UTC),
		KillerID:   killer,
		KillerName: "name-" + killer,
		VictimID:   victim,
		VictimName: "name-" + victim,
		Weapon:     weapon,
		Distance:   distance,
		IsSuicide:  killer == victim,
	}
}

func TestStore_InsertAndFind(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	events := []types.Event{
		testKill("a", "b", "AK", 100, 1),
		&types.MissionEvent{Meta: types.Meta{SourceID: "srv"}, Timestamp: time.Date(2023, 5, 20, 12, 0, 2, 0, time.UTC), Name: "Cargo Plane", Level: 3},
		testKill("b", "a", "Sniper", 300, 3),
		testKill("c", "c", "falling", 0, 4),
	}
	for _, ev := range events {
		if _, ok, err := s.Insert(ctx, ev); err != nil || !ok {
			t.Fatalf("Insert() = %v, %v", ok, err)
		}
	}

	kills, err := s.Find(ctx, store.Query{
		Collection: types.CollectionKills,
		Filter:     store.Filter{store.Eq(store.FieldIsSuicide, false)},
		Sort:       []store.SortKey{{Field: store.FieldDistance, Desc: true}},
	})
	if err != nil {
		t.Fatalf("Find() error = %v", err)
	}
	if len(kills) != 2 {
		t.Fatalf("Expected 2 non-suicide kills, got %d", len(kills))
	}
	top := kills[0].(*types.KillEvent)
	if top.Weapon != "Sniper" || top.Distance != 300 || top.ID == 0 {
		t.Errorf("Expected Sniper 300 with id, got %+v", top)
	}
	if !top.Timestamp.Equal(time.Date(2023, 5, 20, 12, 0, 3, 0, time.UTC)) {
		t.Errorf("Expected timestamp to round trip, got %v", top.Timestamp)
	}

	missions, _ := s.Find(ctx, store.Query{Collection: types.CollectionServerEvents})
	if len(missions) != 1 {
		t.Fatalf("Expected 1 server event, got %d", len(missions))
	}
	m, ok := missions[0].(*types.MissionEvent)
	if !ok || m.Name != "Cargo Plane" || m.Level != 3 {
		t.Errorf("Expected mission Cargo Plane level 3, got %#v", missions[0])
	}
}

func TestStore_Dedup(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	k1 := testKill("a", "b", "AK", 100, 1)
	k1.DedupKey = "srv|a.csv|0|kill"
	id1, ok, err := s.Insert(ctx, k1)
	if err != nil || !ok {
		t.Fatalf("Insert() = %v, %v", ok, err)
	}

	k2 := testKill("a", "b", "AK", 100, 1)
	k2.DedupKey = "srv|a.csv|0|kill"
	id2, ok, err := s.Insert(ctx, k2)
	if err != nil {
		t.Fatalf("Insert() error = %v", err)
	}
	if ok || id1 != id2 {
		t.Errorf("Expected duplicate to resolve to id %d without insert, got %d inserted=%v", id1, id2, ok)
	}
}

func TestStore_AggregateMatchesMemoryStore(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	mem := store.NewMemoryStore()

	for _, k := range []*types.KillEvent{
		testKill("a", "b", "AK", 100, 1),
		testKill("a", "c", "AK", 50, 2),
		testKill("b", "a", "Sniper", 300, 3),
		testKill("c", "c", "falling", 0, 4),
		testKill("", "b", "Zombie", 0, 5),
	} {
		c := *k
		s.Insert(ctx, k)
		mem.Insert(ctx, &c)
	}

	pipelines := map[string]store.Pipeline{
		"weapons": {
			store.Match(store.Eq(store.FieldIsSuicide, false)),
			store.GroupBy(store.FieldWeapon, store.Count("count"), store.Max("max", store.FieldDistance)),
			store.SortRows(store.RowSortKey{Name: "count", Desc: true}),
			store.Limit(5),
		},
		"participants": {
			store.GroupBy(store.FieldParticipant, store.Count("n")),
		},
		"victims of a": {
			store.Match(store.Eq(store.FieldKillerID, "a"), store.Cond{Field: store.FieldVictimID, Op: store.OpNe, Value: "a"}),
			store.GroupBy(store.FieldVictimID, store.Count("n"), store.Last("name", store.FieldVictimName)),
		},
		"hours": {
			store.Match(store.Cond{Field: store.FieldHour, Op: store.OpGte, Value: int64(0)}),
			store.GroupBy(store.FieldHour, store.Count("n")),
		},
		"members": {
			store.Match(store.In(store.FieldKillerID, []string{"a", "b"})),
			store.CountAll("kills"),
		},
	}

	for name, p := range pipelines {
		t.Run(name, func(t *testing.T) {
			got, err := s.Aggregate(ctx, types.CollectionKills, p)
			if err != nil {
				t.Fatalf("Aggregate() error = %v", err)
			}
			want, _ := mem.Aggregate(ctx, types.CollectionKills, p)
			if len(got) != len(want) {
				t.Fatalf("Expected %d rows, got %d", len(want), len(got))
			}
			for i := range want {
				if got[i].Key != want[i].Key {
					t.Errorf("Row %d: expected key %q, got %q", i, want[i].Key, got[i].Key)
				}
				for k, v := range want[i].Values {
					if got[i].Values[k] != v {
						t.Errorf("Row %d %s: expected %v, got %v", i, k, v, got[i].Values[k])
					}
				}
			}
		})
	}
}

func TestStore_Since(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	for i := 0; i < 5; i++ {
		k := testKill("a", "b", "AK", float64(i), i)
		if i%2 == 1 {
			k.SourceID = "other"
		}
		s.Insert(ctx, k)
	}

	events, err := s.Since(ctx, types.CollectionKills, "srv", 1, 0)
	if err != nil {
		t.Fatalf("Since() error = %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("Expected 2 events, got %d", len(events))
	}
	if events[0].Metadata().ID != 3 || events[1].Metadata().ID != 5 {
		t.Errorf("Expected ids 3, 5; got %d, %d", events[0].Metadata().ID, events[1].Metadata().ID)
	}
}

func TestStore_Players(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	if created, err := s.UpsertByName(ctx, "srv", "Ivan"); err != nil || !created {
		t.Fatalf("UpsertByName() = %v, %v", created, err)
	}
	if created, _ := s.UpsertByName(ctx, "srv", "ivan"); created {
		t.Error("Expected case-insensitive match on second upsert")
	}

	if err := s.RecordKill(ctx, &types.KillEvent{KillerID: "1", KillerName: "Ivan", VictimID: "2", VictimName: "Olga"}); err != nil {
		t.Fatalf("RecordKill() error = %v", err)
	}
	s.RecordKill(ctx, &types.KillEvent{KillerID: "2", KillerName: "Olga", VictimID: "2", VictimName: "Olga", IsSuicide: true})

	ivan, err := s.GetPlayer(ctx, "1")
	if err != nil {
		t.Fatalf("GetPlayer() error = %v", err)
	}
	if ivan.TotalKills != 1 || ivan.TotalDeaths != 0 {
		t.Errorf("Expected Ivan 1/0, got %d/%d", ivan.TotalKills, ivan.TotalDeaths)
	}
	olga, _ := s.GetPlayer(ctx, "2")
	if olga.TotalKills != 0 || olga.TotalDeaths != 2 {
		t.Errorf("Expected Olga 0/2, got %d/%d", olga.TotalKills, olga.TotalDeaths)
	}

	players, _ := s.ListPlayers(ctx)
	if len(players) != 2 {
		t.Errorf("Expected 2 players, got %d", len(players))
	}

	if _, err := s.GetPlayer(ctx, "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestStore_ParserState(t *testing.T) {
	ctx := context.Background()
	s, err := Open(Config{Path: filepath.Join(t.TempDir(), "killfeed.db")})
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	defer s.Close()

	key := types.StateKey{SourceID: "srv", Kind: types.KindLog, Mode: types.ModeIncremental}
	st, err := s.GetOrCreate(ctx, key)
	if err != nil || st.LastOffset != 0 || !st.Enabled {
		t.Fatalf("GetOrCreate() = %+v, %v", st, err)
	}

	const racers = 8
	var wins int32
	var wg sync.WaitGroup
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ok, err := s.CompareAndSet(ctx, key, 0, checkpoint.Commit{Offset: int64(100 + i), SourceName: "Deadside.log"})
			if err != nil {
				t.Errorf("CompareAndSet() error = %v", err)
			}
			if ok {
				atomic.AddInt32(&wins, 1)
			}
		}(i)
	}
	wg.Wait()
	if wins != 1 {
		t.Errorf("Expected exactly 1 winner, got %d", wins)
	}

	if err := s.Reset(ctx, "srv"); err != nil {
		t.Fatalf("Reset() error = %v", err)
	}
	if err := s.Reset(ctx, "never-seen"); err != nil {
		t.Fatalf("Reset() of unknown source error = %v", err)
	}
	st, _ = s.GetOrCreate(ctx, key)
	if st.LastOffset != 0 || st.LastSourceName != "" {
		t.Errorf("Expected reset state, got %+v", st)
	}

	list, _ := s.List(ctx, "srv")
	if len(list) != 1 {
		t.Errorf("Expected 1 state, got %d", len(list))
	}
}
