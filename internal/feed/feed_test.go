package feed

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/abakedjoetato/killfeed/internal/store"
	"github.com/abakedjoetato/killfeed/pkg/types"
)

func seed(t *testing.T, m *store.MemoryStore, events ...types.Event) {
	t.Helper()
	for _, ev := range events {
		if _, _, err := m.Insert(context.Background(), ev); err != nil {
			t.Fatalf("Insert() error = %v", err)
		}
	}
}

func killFrom(src, killer string) *types.KillEvent {
	return &types.KillEvent{Meta: types.Meta{SourceID: src}, KillerID: killer, VictimID: "v", Weapon: "AK"}
}

func TestPoll_AdvancesCursor(t *testing.T) {
	m := store.NewMemoryStore()
	seed(t, m,
		killFrom("srv", "a"),
		&types.MissionEvent{Meta: types.Meta{SourceID: "srv"}, Name: "Cargo"},
		killFrom("srv", "b"),
		killFrom("srv", "c"),
	)
	f := New(m, nil)
	ctx := context.Background()

	cursor := Cursor{Collection: types.CollectionKills}
	events, next := f.Poll(ctx, cursor, 2)
	if len(events) != 2 {
		t.Fatalf("Expected 2 events, got %d", len(events))
	}
	if next.LastID != events[1].Metadata().ID {
		t.Errorf("Expected cursor at %d, got %d", events[1].Metadata().ID, next.LastID)
	}
	if cursor.LastID != 0 {
		t.Errorf("Expected the caller's cursor to be unchanged, got %d", cursor.LastID)
	}

	events, next = f.Poll(ctx, next, 2)
	if len(events) != 1 || events[0].(*types.KillEvent).KillerID != "c" {
		t.Fatalf("Expected the remaining kill by c, got %+v", events)
	}

	events, same := f.Poll(ctx, next, 2)
	if len(events) != 0 || same != next {
		t.Errorf("Expected no events and an unchanged cursor, got %d events and %+v", len(events), same)
	}
}

func TestPoll_SourceScope(t *testing.T) {
	m := store.NewMemoryStore()
	seed(t, m, killFrom("srv", "a"), killFrom("other", "b"), killFrom("srv", "c"))
	f := New(m, nil)

	events, _ := f.Poll(context.Background(), Cursor{Collection: types.CollectionKills, SourceID: "other"}, 10)
	if len(events) != 1 || events[0].Metadata().SourceID != "other" {
		t.Errorf("Expected only the other source's kill, got %+v", events)
	}
}

type failingEvents struct {
	*store.MemoryStore
}

func (failingEvents) Since(context.Context, types.Collection, string, int64, int) ([]types.Event, error) {
	return nil, errors.New("store unavailable")
}

func TestPoll_ErrorKeepsCursor(t *testing.T) {
	f := New(failingEvents{store.NewMemoryStore()}, nil)
	cursor := Cursor{Collection: types.CollectionKills, LastID: 7}

	events, next := f.Poll(context.Background(), cursor, 10)
	if events == nil || len(events) != 0 {
		t.Errorf("Expected an empty slice, got %v", events)
	}
	if next != cursor {
		t.Errorf("Expected unchanged cursor, got %+v", next)
	}
}

func TestParseCollection(t *testing.T) {
	tests := []struct {
		name    string
		wantErr bool
	}{
		{"kills", false},
		{"server_events", false},
		{"connections", false},
		{"players", true},
		{"", true},
	}
	for _, tt := range tests {
		_, err := ParseCollection(tt.name)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseCollection(%q): expected error %v, got %v", tt.name, tt.wantErr, err)
		}
		if err != nil && !errors.Is(err, ErrUnknownCollection) {
			t.Errorf("Expected ErrUnknownCollection, got %v", err)
		}
	}
}

func TestFollower_DeliversNewEvents(t *testing.T) {
	m := store.NewMemoryStore()
	seed(t, m, killFrom("srv", "a"), killFrom("srv", "b"), killFrom("srv", "c"))
	f := New(m, nil)

	fl := f.Follow(Cursor{Collection: types.CollectionKills}, 10*time.Millisecond, 2)
	fl.Start()
	defer fl.Stop()

	receive := func(want string) {
		t.Helper()
		select {
		case ev := <-fl.Events():
			if got := ev.(*types.KillEvent).KillerID; got != want {
				t.Errorf("Expected kill by %s, got %s", want, got)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("Timed out waiting for kill by %s", want)
		}
	}

	receive("a")
	receive("b")
	receive("c")

	seed(t, m, killFrom("srv", "d"))
	receive("d")

	deadline := time.Now().Add(2 * time.Second)
	for fl.Cursor().LastID != 4 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := fl.Cursor().LastID; got != 4 {
		t.Errorf("Expected cursor at 4, got %d", got)
	}
}

func TestFollower_StopClosesChannel(t *testing.T) {
	f := New(store.NewMemoryStore(), nil)
	fl := f.Follow(Cursor{Collection: types.CollectionKills}, time.Millisecond, 0)
	fl.Start()
	fl.Stop()
	fl.Stop()

	if _, ok := <-fl.Events(); ok {
		t.Error("Expected events channel to be closed")
	}
}
