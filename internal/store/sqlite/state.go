package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/abakedjoetato/killfeed/internal/checkpoint"
	"github.com/abakedjoetato/killfeed/pkg/types"
)

// GetOrCreate returns the parser state for key, creating it at offset 0.
func (s *Store) GetOrCreate(ctx context.Context, key types.StateKey) (types.ParserState, error) {
	if _, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO parser_state (source_id, kind, mode, updated_at) VALUES (?, ?, ?, ?)`,
		key.SourceID, string(key.Kind), string(key.Mode), s.now().UnixNano()); err != nil {
		return types.ParserState{}, fmt.Errorf("create parser state: %w", err)
	}

	var (
		st       = types.ParserState{Key: key}
		identity int64
		enabled  int
		updated  int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT last_offset, last_source_name, source_identity, enabled, updated_at
		FROM parser_state WHERE source_id = ? AND kind = ? AND mode = ?`,
		key.SourceID, string(key.Kind), string(key.Mode)).
		Scan(&st.LastOffset, &st.LastSourceName, &identity, &enabled, &updated)
	if err != nil {
		return types.ParserState{}, fmt.Errorf("load parser state: %w", err)
	}
	st.SourceIdentity = uint64(identity)
	st.Enabled = enabled != 0
	st.UpdatedAt = time.Unix(0, updated).UTC()
	return st, nil
}

// CompareAndSet moves the offset for key from expected to next.Offset with
// a single conditional update.
func (s *Store) CompareAndSet(ctx context.Context, key types.StateKey, expected int64, next checkpoint.Commit) (bool, error) {
	if _, err := s.GetOrCreate(ctx, key); err != nil {
		return false, err
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE parser_state SET
			last_offset = ?,
			last_source_name = CASE WHEN ? <> '' THEN ? ELSE last_source_name END,
			source_identity = CASE WHEN ? <> 0 THEN ? ELSE source_identity END,
			updated_at = ?
		WHERE source_id = ? AND kind = ? AND mode = ? AND last_offset = ?`,
		next.Offset,
		next.SourceName, next.SourceName,
		int64(next.Identity), int64(next.Identity),
		s.now().UnixNano(),
		key.SourceID, string(key.Kind), string(key.Mode), expected)
	if err != nil {
		return false, fmt.Errorf("commit offset: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("commit offset: %w", err)
	}
	return n == 1, nil
}

// Reset zeroes every parser state of sourceID.
func (s *Store) Reset(ctx context.Context, sourceID string) error {
	if _, err := s.db.ExecContext(ctx, `
		UPDATE parser_state SET last_offset = 0, last_source_name = '', source_identity = 0, updated_at = ?
		WHERE source_id = ?`, s.now().UnixNano(), sourceID); err != nil {
		return fmt.Errorf("reset parser state: %w", err)
	}
	return nil
}

// SetEnabled toggles automatic parsing for key.
func (s *Store) SetEnabled(ctx context.Context, key types.StateKey, enabled bool) error {
	if _, err := s.GetOrCreate(ctx, key); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `
		UPDATE parser_state SET enabled = ?, updated_at = ? WHERE source_id = ? AND kind = ? AND mode = ?`,
		boolInt(enabled), s.now().UnixNano(), key.SourceID, string(key.Kind), string(key.Mode)); err != nil {
		return fmt.Errorf("update parser state: %w", err)
	}
	return nil
}

// List returns every parser state of sourceID, or of all sources if empty.
func (s *Store) List(ctx context.Context, sourceID string) ([]types.ParserState, error) {
	query := `SELECT source_id, kind, mode, last_offset, last_source_name, source_identity, enabled, updated_at
		FROM parser_state`
	var args []interface{}
	if sourceID != "" {
		query += ` WHERE source_id = ?`
		args = append(args, sourceID)
	}
	query += ` ORDER BY source_id, kind, mode`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list parser state: %w", err)
	}
	defer rows.Close()

	var out []types.ParserState
	for rows.Next() {
		var (
			st         types.ParserState
			kind, mode string
			identity   int64
			enabled    int
			updated    int64
		)
		if err := rows.Scan(&st.Key.SourceID, &kind, &mode, &st.LastOffset, &st.LastSourceName, &identity, &enabled, &updated); err != nil {
			return nil, fmt.Errorf("scan parser state: %w", err)
		}
		st.Key.Kind = types.ParserKind(kind)
		st.Key.Mode = types.Mode(mode)
		st.SourceIdentity = uint64(identity)
		st.Enabled = enabled != 0
		st.UpdatedAt = time.Unix(0, updated).UTC()
		out = append(out, st)
	}
	return out, rows.Err()
}
