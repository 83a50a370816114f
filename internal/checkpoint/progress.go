package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/abakedjoetato/killfeed/internal/logging"
	"github.com/abakedjoetato/killfeed/pkg/types"
)

const progressFile = "progress.json"

// Progress statuses written by the backfill.
const (
	StatusIdle      = "idle"
	StatusCounting  = "counting"
	StatusParsing   = "parsing"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// ErrNegativeDelta is returned when Advance would move progress backwards.
var ErrNegativeDelta = errors.New("progress can only advance")

// ProgressStore keeps one ProgressRecord per (source, kind). Progress is
// advisory: writes are saved asynchronously and may be lost on crash.
type ProgressStore struct {
	mu      sync.Mutex
	dir     string
	records map[string]*types.ProgressRecord
	logger  *logging.Logger
	now     func() time.Time
}

// NewProgressStore creates a progress store rooted at dir. An empty dir
// keeps records in memory only.
func NewProgressStore(dir string, logger *logging.Logger) (*ProgressStore, error) {
	if dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create progress directory: %w", err)
		}
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &ProgressStore{
		dir:     dir,
		records: make(map[string]*types.ProgressRecord),
		logger:  logger.WithComponent("progress"),
		now:     time.Now,
	}, nil
}

// Load reads progress from disk.
func (p *ProgressStore) Load() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var list []*types.ProgressRecord
	if err := readJSON(p.dir, progressFile, &list); err != nil {
		return err
	}
	for _, r := range list {
		// A pass cannot survive a restart.
		r.IsRunning = false
		p.records[r.Key.String()] = r
	}
	return nil
}

// Save writes progress to disk.
func (p *ProgressStore) Save() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.saveLocked()
}

func (p *ProgressStore) saveLocked() error {
	list := make([]*types.ProgressRecord, 0, len(p.records))
	for _, r := range p.records {
		list = append(list, r)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Key.String() < list[j].Key.String() })
	return writeJSON(p.dir, progressFile, list)
}

// GetOrCreate returns the record for key, creating an idle one if absent.
func (p *ProgressStore) GetOrCreate(ctx context.Context, key types.ProgressKey) (types.ProgressRecord, error) {
	if err := ctx.Err(); err != nil {
		return types.ProgressRecord{}, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	return *p.getLocked(key), nil
}

func (p *ProgressStore) getLocked(key types.ProgressKey) *types.ProgressRecord {
	r, ok := p.records[key.String()]
	if !ok {
		r = &types.ProgressRecord{Key: key, Status: StatusIdle, UpdatedAt: p.now()}
		p.records[key.String()] = r
	}
	return r
}

// Start begins a new run with the given totals.
func (p *ProgressStore) Start(ctx context.Context, key types.ProgressKey, totalFiles, totalLines int64) (types.ProgressRecord, error) {
	if err := ctx.Err(); err != nil {
		return types.ProgressRecord{}, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	r := p.getLocked(key)
	*r = types.ProgressRecord{
		Key:        key,
		Status:     StatusParsing,
		TotalFiles: totalFiles,
		TotalLines: totalLines,
		IsRunning:  true,
		StartTime:  &now,
		UpdatedAt:  now,
	}
	p.persist()
	return *r, nil
}

// Advance adds processed files and lines. Deltas must not be negative.
func (p *ProgressStore) Advance(ctx context.Context, key types.ProgressKey, deltaFiles, deltaLines int64, currentFile string) (types.ProgressRecord, error) {
	if err := ctx.Err(); err != nil {
		return types.ProgressRecord{}, err
	}
	if deltaFiles < 0 || deltaLines < 0 {
		return types.ProgressRecord{}, fmt.Errorf("%w: files %d lines %d", ErrNegativeDelta, deltaFiles, deltaLines)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	r := p.getLocked(key)
	r.ProcessedFiles += deltaFiles
	r.ProcessedLines += deltaLines
	if currentFile != "" {
		r.CurrentFile = currentFile
	}
	r.Recompute()
	r.UpdatedAt = p.now()
	p.persist()
	return *r, nil
}

// Complete marks the run finished at 100 percent.
func (p *ProgressStore) Complete(ctx context.Context, key types.ProgressKey) (types.ProgressRecord, error) {
	return p.finish(ctx, key, StatusCompleted, 100)
}

// Fail marks the run stopped without completing it.
func (p *ProgressStore) Fail(ctx context.Context, key types.ProgressKey) (types.ProgressRecord, error) {
	return p.finish(ctx, key, StatusFailed, -1)
}

func (p *ProgressStore) finish(ctx context.Context, key types.ProgressKey, status string, percent float64) (types.ProgressRecord, error) {
	if err := ctx.Err(); err != nil {
		return types.ProgressRecord{}, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	r := p.getLocked(key)
	r.Status = status
	r.IsRunning = false
	if percent >= 0 {
		r.PercentComplete = percent
	}
	r.UpdatedAt = p.now()
	p.persist()
	return *r, nil
}

// ResetAll zeroes every progress record of sourceID.
func (p *ProgressStore) ResetAll(ctx context.Context, sourceID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	for _, r := range p.records {
		if r.Key.SourceID != sourceID {
			continue
		}
		*r = types.ProgressRecord{Key: r.Key, Status: StatusIdle, UpdatedAt: p.now()}
	}
	p.persist()
	return nil
}

// List returns every record of sourceID, or of all sources if empty.
func (p *ProgressStore) List(ctx context.Context, sourceID string) ([]types.ProgressRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	var out []types.ProgressRecord
	for _, r := range p.records {
		if sourceID == "" || r.Key.SourceID == sourceID {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key.String() < out[j].Key.String() })
	return out, nil
}

// persist saves while holding the lock; failures are logged, not returned.
func (p *ProgressStore) persist() {
	if err := p.saveLocked(); err != nil {
		p.logger.Warn().Err(err).Msg("Failed to save progress")
	}
}
