package main

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/abakedjoetato/killfeed/internal/parser"
	"github.com/abakedjoetato/killfeed/pkg/types"
)

var when = time.Date(2023, 5, 20, 15, 30, 45, 0, time.UTC)

func TestGenerator_LogLinesParse(t *testing.T) {
	g := newGenerator(42, 8)
	p := parser.NewLogParser()

	seen := make(map[types.EventKind]bool)
	for i := 0; i < 500; i++ {
		line := g.logLine(when)
		ev, err := p.Parse(line, "gen")
		if err != nil || ev == nil {
			t.Fatalf("Expected %q to parse, got %v, %v", line, ev, err)
		}
		seen[ev.Kind()] = true
	}

	for _, kind := range []types.EventKind{types.EventMission, types.EventAirdrop, types.EventConnect, types.EventDisconnect} {
		if !seen[kind] {
			t.Errorf("Expected at least one %s line", kind)
		}
	}

	for _, kind := range []types.EventKind{types.EventServerStart, types.EventServerStop} {
		ev, err := p.Parse(g.lifecycleLine(when, kind), "gen")
		if err != nil || ev == nil || ev.Kind() != kind {
			t.Errorf("Expected a %s line, got %v, %v", kind, ev, err)
		}
	}
}

func TestGenerator_KillRecordsParse(t *testing.T) {
	g := newGenerator(7, 4)
	p := parser.NewCSVParser()

	var kills, suicides int
	for i := 0; i < 400; i++ {
		line := g.killRecord(when)
		ev, err := p.Parse(line, "gen")
		if err != nil || ev == nil {
			t.Fatalf("Expected %q to parse, got %v, %v", line, ev, err)
		}
		k := ev.(*types.KillEvent)
		if !k.Timestamp.Equal(when) {
			t.Errorf("Expected timestamp %v, got %v", when, k.Timestamp)
		}
		if k.IsSuicide {
			suicides++
			if !k.SelfInflictedCause() {
				t.Errorf("Expected a generated suicide to use a self-inflicted weapon, got %s", k.Weapon)
			}
		} else {
			kills++
		}
	}
	if kills == 0 || suicides == 0 {
		t.Errorf("Expected kills and suicides, got %d and %d", kills, suicides)
	}
}

func TestGenerator_Deterministic(t *testing.T) {
	a, b := newGenerator(3, 10), newGenerator(3, 10)
	for i := 0; i < 50; i++ {
		if la, lb := a.logLine(when), b.logLine(when); la != lb {
			t.Fatalf("Expected equal lines for equal seeds, got %q and %q", la, lb)
		}
	}
}

func TestLogWriter_Rotates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "Deadside.log")
	stats := &Stats{startTime: time.Now()}
	w := &logWriter{path: path, gen: newGenerator(1, 4), rotateEvery: 5, stats: stats}

	if err := w.open(); err != nil {
		t.Fatalf("open() error = %v", err)
	}
	for i := 0; i < 7; i++ {
		if err := w.write(when); err != nil {
			t.Fatalf("write() error = %v", err)
		}
	}
	if err := w.close(); err != nil {
		t.Fatalf("close() error = %v", err)
	}

	if stats.rotations.Load() != 1 {
		t.Errorf("Expected 1 rotation, got %d", stats.rotations.Load())
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if !strings.HasSuffix(lines[0], "Server started") {
		t.Errorf("Expected the rotated log to start with a server start, got %q", lines[0])
	}
	// The truncated file holds the new start line and three more.
	if len(lines) != 4 {
		t.Errorf("Expected 4 lines after rotation, got %d", len(lines))
	}
}

func TestPace_DisabledAndCancelled(t *testing.T) {
	calls := 0
	noop := func() error { return nil }
	write := func(time.Time) error { calls++; return nil }

	if err := pace(context.Background(), 0, noop, write, noop); err != nil || calls != 0 {
		t.Errorf("Expected a disabled writer to do nothing, got %d calls, %v", calls, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := pace(ctx, 1000, noop, write, noop); err != nil {
		t.Errorf("Expected nil on cancellation, got %v", err)
	}
	if calls == 0 {
		t.Error("Expected at least one write before cancellation")
	}
}
