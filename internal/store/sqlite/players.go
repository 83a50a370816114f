package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/abakedjoetato/killfeed/internal/store"
	"github.com/abakedjoetato/killfeed/pkg/types"
)

// UpsertByName implements store.PlayerStore.
func (s *Store) UpsertByName(ctx context.Context, sourceID, name string) (bool, error) {
	now := s.now().UnixNano()

	res, err := s.db.ExecContext(ctx, `
		UPDATE players SET last_seen = ?, last_source_id = ?
		WHERE seq = (SELECT seq FROM players WHERE player_name = ? COLLATE NOCASE ORDER BY seq LIMIT 1)`,
		now, sourceID, name)
	if err != nil {
		return false, fmt.Errorf("touch player: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return false, nil
	}

	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO players (player_name, last_source_id, first_seen, last_seen) VALUES (?, ?, ?, ?)`,
		name, sourceID, now, now); err != nil {
		return false, fmt.Errorf("insert player: %w", err)
	}
	return true, nil
}

// RecordKill implements store.PlayerStore.
func (s *Store) RecordKill(ctx context.Context, k *types.KillEvent) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	now := s.now().UnixNano()
	if k.KillerID != "" && !k.IsSuicide {
		seq, err := resolvePlayer(ctx, tx, k.KillerID, k.KillerName, k.SourceID, now)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `UPDATE players SET total_kills = total_kills + 1 WHERE seq = ?`, seq); err != nil {
			return fmt.Errorf("count kill: %w", err)
		}
	}
	if k.VictimID != "" {
		seq, err := resolvePlayer(ctx, tx, k.VictimID, k.VictimName, k.SourceID, now)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `UPDATE players SET total_deaths = total_deaths + 1 WHERE seq = ?`, seq); err != nil {
			return fmt.Errorf("count death: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// resolvePlayer returns the row of the player with id, adopting a name-only
// row of the same name or creating one.
func resolvePlayer(ctx context.Context, tx *sql.Tx, id, name, sourceID string, now int64) (int64, error) {
	var seq int64
	err := tx.QueryRowContext(ctx, `SELECT seq FROM players WHERE player_id = ?`, id).Scan(&seq)
	switch {
	case err == nil:
	case errors.Is(err, sql.ErrNoRows):
		err = tx.QueryRowContext(ctx, `
			SELECT seq FROM players WHERE player_id IS NULL AND player_name = ? COLLATE NOCASE
			ORDER BY seq LIMIT 1`, name).Scan(&seq)
		if errors.Is(err, sql.ErrNoRows) {
			res, err := tx.ExecContext(ctx, `
				INSERT INTO players (player_id, player_name, last_source_id, first_seen, last_seen)
				VALUES (?, ?, ?, ?, ?)`, id, name, sourceID, now, now)
			if err != nil {
				return 0, fmt.Errorf("insert player: %w", err)
			}
			return res.LastInsertId()
		}
		if err != nil {
			return 0, fmt.Errorf("lookup player by name: %w", err)
		}
	default:
		return 0, fmt.Errorf("lookup player: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE players SET player_id = ?, player_name = CASE WHEN ? <> '' THEN ? ELSE player_name END,
			last_source_id = ?, last_seen = ?
		WHERE seq = ?`, id, name, name, sourceID, now, seq); err != nil {
		return 0, fmt.Errorf("update player: %w", err)
	}
	return seq, nil
}

// GetPlayer implements store.PlayerStore.
func (s *Store) GetPlayer(ctx context.Context, playerID string) (types.Player, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT player_id, player_name, last_source_id, total_kills, total_deaths, first_seen, last_seen
		FROM players WHERE player_id = ?`, playerID)
	p, err := scanPlayer(row)
	if errors.Is(err, sql.ErrNoRows) {
		return types.Player{}, store.ErrNotFound
	}
	return p, err
}

// ListPlayers implements store.PlayerStore.
func (s *Store) ListPlayers(ctx context.Context) ([]types.Player, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT player_id, player_name, last_source_id, total_kills, total_deaths, first_seen, last_seen
		FROM players ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("list players: %w", err)
	}
	defer rows.Close()

	var out []types.Player
	for rows.Next() {
		p, err := scanPlayer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanPlayer(sc scanner) (types.Player, error) {
	var (
		p           types.Player
		id          sql.NullString
		first, last int64
	)
	if err := sc.Scan(&id, &p.PlayerName, &p.LastSourceID, &p.TotalKills, &p.TotalDeaths, &first, &last); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return p, err
		}
		return p, fmt.Errorf("scan player: %w", err)
	}
	p.PlayerID = id.String
	p.FirstSeen = time.Unix(0, first).UTC()
	p.LastSeen = time.Unix(0, last).UTC()
	return p, nil
}
