package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/abakedjoetato/killfeed/internal/logging"
	"github.com/abakedjoetato/killfeed/pkg/types"
)

const (
	stateFile     = "parser_state.json"
	stateLockFile = "parser_state.lock"
)

// Commit is the new position recorded by a successful pass.
type Commit struct {
	Offset     int64
	SourceName string
	Identity   uint64
}

// StateStore keeps one ParserState per (source, kind, mode) and persists
// them as JSON. Offsets only move through CompareAndSet and Reset.
//
// Every operation re-reads the state file under an exclusive file lock and
// writes its change before releasing it, so a daemon and a CLI may share
// one state directory.
type StateStore struct {
	mu     sync.Mutex
	dir    string
	states map[string]*types.ParserState
	logger *logging.Logger
	now    func() time.Time
}

// NewStateStore creates a state store rooted at dir. An empty dir keeps
// state in memory only.
func NewStateStore(dir string, logger *logging.Logger) (*StateStore, error) {
	if dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create state directory: %w", err)
		}
	}
	if logger == nil {
		logger = logging.Nop()
	}

	return &StateStore{
		dir:    dir,
		states: make(map[string]*types.ParserState),
		logger: logger.WithComponent("state"),
		now:    time.Now,
	}, nil
}

// Load reads state from disk.
func (s *StateStore) Load() error {
	return s.update(context.Background(), func() (bool, error) { return false, nil })
}

// update runs fn against the state on disk. fn reports whether it changed
// anything; changes are written before the file lock is released.
func (s *StateStore) update(ctx context.Context, fn func() (bool, error)) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.dir == "" {
		_, err := fn()
		return err
	}

	unlock, err := lockFile(filepath.Join(s.dir, stateLockFile))
	if err != nil {
		return err
	}
	defer unlock()

	var list []*types.ParserState
	if err := readJSON(s.dir, stateFile, &list); err != nil {
		return err
	}
	s.states = make(map[string]*types.ParserState, len(list))
	for _, st := range list {
		s.states[st.Key.String()] = st
	}

	changed, err := fn()
	if err != nil || !changed {
		return err
	}
	return s.saveLocked()
}

func (s *StateStore) saveLocked() error {
	list := make([]*types.ParserState, 0, len(s.states))
	for _, st := range s.states {
		list = append(list, st)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Key.String() < list[j].Key.String() })
	return writeJSON(s.dir, stateFile, list)
}

// GetOrCreate returns the state for key, creating it at offset 0 if absent.
func (s *StateStore) GetOrCreate(ctx context.Context, key types.StateKey) (types.ParserState, error) {
	var out types.ParserState
	err := s.update(ctx, func() (bool, error) {
		st, ok := s.states[key.String()]
		if !ok {
			st = &types.ParserState{Key: key, Enabled: true, UpdatedAt: s.now()}
			s.states[key.String()] = st
		}
		out = *st
		return !ok, nil
	})
	if err != nil {
		return types.ParserState{}, err
	}
	return out, nil
}

// CompareAndSet moves the offset for key from expected to next.Offset. It
// returns false without changing anything when the stored offset is no
// longer expected. A successful commit is on disk before returning.
func (s *StateStore) CompareAndSet(ctx context.Context, key types.StateKey, expected int64, next Commit) (bool, error) {
	won := false
	err := s.update(ctx, func() (bool, error) {
		st, ok := s.states[key.String()]
		if !ok {
			if expected != 0 {
				return false, nil
			}
			st = &types.ParserState{Key: key, Enabled: true}
			s.states[key.String()] = st
		}
		if st.LastOffset != expected {
			s.logger.Debug().
				Str("key", key.String()).
				Int64("expected", expected).
				Int64("offset", st.LastOffset).
				Msg("Stale commit rejected")
			return false, nil
		}

		st.LastOffset = next.Offset
		if next.SourceName != "" {
			st.LastSourceName = next.SourceName
		}
		if next.Identity != 0 {
			st.SourceIdentity = next.Identity
		}
		st.UpdatedAt = s.now()
		won = true
		return true, nil
	})
	if err != nil {
		return false, fmt.Errorf("failed to persist commit: %w", err)
	}
	return won, nil
}

// Reset zeroes the offset of every state belonging to sourceID. Missing
// state is not an error.
func (s *StateStore) Reset(ctx context.Context, sourceID string) error {
	return s.update(ctx, func() (bool, error) {
		changed := false
		for _, st := range s.states {
			if st.Key.SourceID != sourceID {
				continue
			}
			st.LastOffset = 0
			st.LastSourceName = ""
			st.SourceIdentity = 0
			st.UpdatedAt = s.now()
			changed = true
		}
		return changed, nil
	})
}

// SetEnabled toggles automatic parsing for key.
func (s *StateStore) SetEnabled(ctx context.Context, key types.StateKey, enabled bool) error {
	return s.update(ctx, func() (bool, error) {
		st, ok := s.states[key.String()]
		if !ok {
			st = &types.ParserState{Key: key}
			s.states[key.String()] = st
		}
		st.Enabled = enabled
		st.UpdatedAt = s.now()
		return true, nil
	})
}

// List returns every state of sourceID, or of all sources if sourceID is empty.
func (s *StateStore) List(ctx context.Context, sourceID string) ([]types.ParserState, error) {
	var out []types.ParserState
	err := s.update(ctx, func() (bool, error) {
		for _, st := range s.states {
			if sourceID == "" || st.Key.SourceID == sourceID {
				out = append(out, *st)
			}
		}
		return false, nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key.String() < out[j].Key.String() })
	return out, nil
}

// readJSON decodes dir/name into v. A missing file or an empty dir is not an error.
func readJSON(dir, name string, v interface{}) error {
	if dir == "" {
		return nil
	}
	data, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read %s: %w", name, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to unmarshal %s: %w", name, err)
	}
	return nil
}

// writeJSON writes v to dir/name through a temporary file and rename.
func writeJSON(dir, name string, v interface{}) error {
	if dir == "" {
		return nil
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", name, err)
	}

	path := filepath.Join(dir, name)
	tmpFile := path + ".tmp"
	if err := os.WriteFile(tmpFile, data, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", name, err)
	}
	if err := os.Rename(tmpFile, path); err != nil {
		return fmt.Errorf("failed to rename %s: %w", name, err)
	}
	return nil
}
