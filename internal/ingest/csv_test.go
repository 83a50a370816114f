package ingest

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/abakedjoetato/killfeed/internal/checkpoint"
	"github.com/abakedjoetato/killfeed/internal/source"
	"github.com/abakedjoetato/killfeed/pkg/types"
)

const sampleCSV = `2023.05.20-15.30.45;Ivan;76561;Olga;76562;AK;100
2023.05.20-15.31.45;Ivan;76561;Boris;76563;AK;50
2023.05.20-15.32.45;Olga;76562;Ivan;76561;Sniper;300
2023.05.20-15.33.45;Boris;76563;Boris;76563;falling;0
`

func TestParseCSV_StoresKillsAndCounters(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	src := env.csvSource()
	writeFile(t, filepath.Join(src.CSVDir, "2023.05.20-00.00.00.csv"), sampleCSV)

	sum, err := env.ing.ParseCSV(ctx, src, types.ModeIncremental)
	if err != nil {
		t.Fatalf("ParseCSV() error = %v", err)
	}
	if sum.Counts[types.EventKill] != 4 || !sum.Committed {
		t.Fatalf("Expected 4 committed kills, got %+v", sum)
	}

	tests := []struct {
		id     string
		kills  int64
		deaths int64
	}{
		{"76561", 2, 1},
		{"76562", 1, 1},
		{"76563", 0, 2},
	}
	for _, tt := range tests {
		p, err := env.events.GetPlayer(ctx, tt.id)
		if err != nil {
			t.Fatalf("GetPlayer(%s) error = %v", tt.id, err)
		}
		if p.TotalKills != tt.kills || p.TotalDeaths != tt.deaths {
			t.Errorf("Player %s: expected %d/%d, got %d/%d", tt.id, tt.kills, tt.deaths, p.TotalKills, p.TotalDeaths)
		}
	}

	fall := sum.Events[3].(*types.KillEvent)
	if !fall.IsSuicide || !fall.IsFallDeath {
		t.Errorf("Expected fall suicide flags, got %+v", fall)
	}
}

func TestParseCSV_DuplicatesAreNotCountedTwice(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	src := env.csvSource()
	writeFile(t, filepath.Join(src.CSVDir, "a.csv"), sampleCSV)

	if _, err := env.ing.ParseCSV(ctx, src, types.ModeIncremental); err != nil {
		t.Fatalf("ParseCSV() error = %v", err)
	}
	if err := env.ing.Reset(ctx, "srv"); err != nil {
		t.Fatalf("Reset() error = %v", err)
	}

	sum, err := env.ing.ParseCSV(ctx, src, types.ModeIncremental)
	if err != nil {
		t.Fatalf("ParseCSV() error = %v", err)
	}
	if sum.Duplicates != 4 || sum.Total() != 0 {
		t.Errorf("Expected 4 duplicates and no new kills, got %+v", sum)
	}
	if !sum.Committed {
		t.Error("Expected the offset to be committed even when all records were duplicates")
	}

	ivan, _ := env.events.GetPlayer(ctx, "76561")
	if ivan.TotalKills != 2 {
		t.Errorf("Expected Ivan's kills to stay at 2, got %d", ivan.TotalKills)
	}
}

func TestParseCSV_NewFileRestartsAtZero(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	src := env.csvSource()

	first := filepath.Join(src.CSVDir, "2023.05.20-00.00.00.csv")
	writeFile(t, first, sampleCSV)
	if _, err := env.ing.ParseCSV(ctx, src, types.ModeIncremental); err != nil {
		t.Fatalf("ParseCSV() error = %v", err)
	}

	second := filepath.Join(src.CSVDir, "2023.05.21-00.00.00.csv")
	writeFile(t, second, "2023.05.21-10.00.00,Ivan,76561,Olga,76562,M4,42\n")
	later := time.Now().Add(time.Minute)
	if err := os.Chtimes(second, later, later); err != nil {
		t.Fatalf("Chtimes() error = %v", err)
	}

	sum, err := env.ing.ParseCSV(ctx, src, types.ModeIncremental)
	if err != nil {
		t.Fatalf("ParseCSV() error = %v", err)
	}
	if !sum.Rotated || sum.SourceName != "2023.05.21-00.00.00.csv" {
		t.Errorf("Expected switch to the newer file, got %+v", sum)
	}
	if sum.Counts[types.EventKill] != 1 {
		t.Fatalf("Expected 1 kill from the new file, got %v", sum.Counts)
	}
	if k := sum.Events[0].(*types.KillEvent); k.Weapon != "M4" || k.Distance != 42 {
		t.Errorf("Unexpected kill from comma separated record: %+v", k)
	}
}

func TestParseCSV_EmptyDirectory(t *testing.T) {
	env := newTestEnv(t)
	src := env.csvSource()
	if err := os.MkdirAll(src.CSVDir, 0755); err != nil {
		t.Fatalf("MkdirAll() error = %v", err)
	}

	_, err := env.ing.ParseCSV(context.Background(), src, types.ModeIncremental)
	if !errors.Is(err, source.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestBackfill_ReportsProgress(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	src := env.csvSource()

	writeFile(t, filepath.Join(src.CSVDir, "a.csv"), sampleCSV)
	writeFile(t, filepath.Join(src.CSVDir, "b.csv"), "2023.05.21-10.00.00;Ivan;76561;Olga;76562;M4;42\nnot;a;kill\n")

	sum, err := env.ing.Backfill(ctx, src)
	if err != nil {
		t.Fatalf("Backfill() error = %v", err)
	}
	if sum.Files != 2 || sum.Counts[types.EventKill] != 5 {
		t.Errorf("Expected 5 kills from 2 files, got files=%d counts=%v", sum.Files, sum.Counts)
	}

	rec, err := env.progress.GetOrCreate(ctx, types.ProgressKey{SourceID: "srv", Kind: types.KindCSV})
	if err != nil {
		t.Fatalf("GetOrCreate() error = %v", err)
	}
	if rec.Status != checkpoint.StatusCompleted || rec.IsRunning {
		t.Errorf("Expected completed progress, got %+v", rec)
	}
	if rec.TotalFiles != 2 || rec.ProcessedFiles != 2 || rec.TotalLines != 6 {
		t.Errorf("Unexpected totals: %+v", rec)
	}
	if rec.PercentComplete != 100 {
		t.Errorf("Expected 100 percent, got %v", rec.PercentComplete)
	}

	again, err := env.ing.Backfill(ctx, src)
	if err != nil {
		t.Fatalf("Backfill() error = %v", err)
	}
	if again.Total() != 0 || again.Duplicates != 5 {
		t.Errorf("Expected repeat backfill to store nothing new, got %+v", again)
	}
}

func TestBackfill_CancelledMarksFailed(t *testing.T) {
	env := newTestEnv(t)
	src := env.csvSource()
	writeFile(t, filepath.Join(src.CSVDir, "a.csv"), sampleCSV)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// Start fails on the cancelled context before any file is read.
	if _, err := env.ing.Backfill(ctx, src); err == nil {
		t.Fatal("Expected cancelled backfill to fail")
	}

	rec, _ := env.progress.GetOrCreate(context.Background(), types.ProgressKey{SourceID: "srv", Kind: types.KindCSV})
	if rec.IsRunning {
		t.Errorf("Expected progress not to be left running, got %+v", rec)
	}
}

func TestDedupKey(t *testing.T) {
	got := DedupKey("srv", "a.csv", 120, types.EventKill)
	if got != "srv|a.csv|120|kill" {
		t.Errorf("Expected srv|a.csv|120|kill, got %s", got)
	}
}
