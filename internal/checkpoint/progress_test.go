package checkpoint

import (
	"context"
	"errors"
	"testing"

	"github.com/abakedjoetato/killfeed/pkg/types"
)

func TestProgressStore_Lifecycle(t *testing.T) {
	ctx := context.Background()
	p, err := NewProgressStore(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("Failed to create progress store: %v", err)
	}
	key := types.ProgressKey{SourceID: "srv", Kind: types.KindCSV}

	r, err := p.GetOrCreate(ctx, key)
	if err != nil {
		t.Fatalf("GetOrCreate() error = %v", err)
	}
	if r.Status != StatusIdle || r.IsRunning {
		t.Errorf("Expected idle record, got %+v", r)
	}

	r, _ = p.Start(ctx, key, 2, 200)
	if !r.IsRunning || r.StartTime == nil {
		t.Errorf("Expected running record with start time, got %+v", r)
	}

	r, err = p.Advance(ctx, key, 1, 50, "a.csv")
	if err != nil {
		t.Fatalf("Advance() error = %v", err)
	}
	if r.PercentComplete != 25 {
		t.Errorf("Expected 25%%, got %.2f", r.PercentComplete)
	}
	if r.CurrentFile != "a.csv" {
		t.Errorf("Expected current file a.csv, got %s", r.CurrentFile)
	}

	if _, err := p.Advance(ctx, key, 0, -1, ""); !errors.Is(err, ErrNegativeDelta) {
		t.Errorf("Expected ErrNegativeDelta, got %v", err)
	}

	r, _ = p.Advance(ctx, key, 1, 500, "b.csv")
	if r.PercentComplete != 100 {
		t.Errorf("Expected percent capped at 100, got %.2f", r.PercentComplete)
	}

	r, _ = p.Complete(ctx, key)
	if r.IsRunning || r.PercentComplete != 100 || r.Status != StatusCompleted {
		t.Errorf("Expected completed record, got %+v", r)
	}
}

func TestProgressStore_PercentWithoutTotals(t *testing.T) {
	ctx := context.Background()
	p, _ := NewProgressStore("", nil)
	key := types.ProgressKey{SourceID: "srv", Kind: types.KindCSV}

	r, _ := p.Advance(ctx, key, 0, 10, "")
	if r.PercentComplete != 0 {
		t.Errorf("Expected 0%% with no totals, got %.2f", r.PercentComplete)
	}
}

func TestProgressStore_ResetAll(t *testing.T) {
	ctx := context.Background()
	p, _ := NewProgressStore("", nil)

	for _, k := range []types.ProgressKey{
		{SourceID: "srv", Kind: types.KindCSV},
		{SourceID: "srv", Kind: types.KindLog},
		{SourceID: "other", Kind: types.KindCSV},
	} {
		p.Start(ctx, k, 1, 10)
		p.Advance(ctx, k, 1, 10, "x")
	}

	if err := p.ResetAll(ctx, "srv"); err != nil {
		t.Fatalf("ResetAll() error = %v", err)
	}

	list, _ := p.List(ctx, "srv")
	if len(list) != 2 {
		t.Fatalf("Expected 2 records, got %d", len(list))
	}
	for _, r := range list {
		if r.ProcessedLines != 0 || r.TotalFiles != 0 || r.IsRunning || r.StartTime != nil || r.PercentComplete != 0 {
			t.Errorf("Expected zeroed record, got %+v", r)
		}
	}

	other, _ := p.GetOrCreate(ctx, types.ProgressKey{SourceID: "other", Kind: types.KindCSV})
	if other.ProcessedLines != 10 {
		t.Errorf("Expected other source untouched, got %d lines", other.ProcessedLines)
	}
}

func TestProgressStore_LoadClearsRunning(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	key := types.ProgressKey{SourceID: "srv", Kind: types.KindCSV}

	p1, _ := NewProgressStore(dir, nil)
	p1.Start(ctx, key, 1, 1)

	p2, _ := NewProgressStore(dir, nil)
	if err := p2.Load(); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	r, _ := p2.GetOrCreate(ctx, key)
	if r.IsRunning {
		t.Error("Expected loaded record to not be running")
	}
	if r.TotalLines != 1 {
		t.Errorf("Expected total lines 1, got %d", r.TotalLines)
	}
}
