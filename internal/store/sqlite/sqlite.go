package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/abakedjoetato/killfeed/internal/store"
	"github.com/abakedjoetato/killfeed/pkg/types"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

// Store is a SQLite-backed event, player and parser state store.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Config holds configuration for opening a Store.
type Config struct {
	// Path is the database file. If empty, a private in-memory database is used.
	Path string
	// BusyTimeout bounds how long a writer waits for a lock.
	BusyTimeout time.Duration
}

// Open opens (creating if needed) the database and applies the schema.
func Open(cfg Config) (*Store, error) {
	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}

	var dsn string
	if cfg.Path == "" {
		// Each in-memory store gets its own named database.
		dsn = fmt.Sprintf("file:%s?mode=memory&cache=shared&_pragma=busy_timeout(%d)", uuid.NewString(), busy.Milliseconds())
	} else {
		// Apply PRAGMA's per-connection via DSN so the pool always has them.
		dsn = fmt.Sprintf(
			"file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(%d)",
			cfg.Path, busy.Milliseconds(),
		)
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// A single writer connection serializes commits and keeps the in-memory
	// database alive for the lifetime of the store.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("exec schema: %w", err)
	}

	return &Store{db: db, now: time.Now}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Ping checks that the database answers.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Insert implements store.EventStore.
func (s *Store) Insert(ctx context.Context, ev types.Event) (int64, bool, error) {
	meta := ev.Metadata()
	payload, err := json.Marshal(ev)
	if err != nil {
		return 0, false, fmt.Errorf("marshal event: %w", err)
	}

	cols := columnsOf(ev)
	var dedup interface{}
	if meta.DedupKey != "" {
		dedup = meta.DedupKey
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO events (collection, kind, source_id, ts, dedup_key,
			killer_id, killer_name, victim_id, victim_name, weapon, distance,
			is_suicide, is_menu_suicide, is_fall_death,
			name, level, location, player_name, reason, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (dedup_key) DO NOTHING`,
		string(ev.Collection()), string(ev.Kind()), meta.SourceID, ev.Time().UnixNano(), dedup,
		cols.killerID, cols.killerName, cols.victimID, cols.victimName, cols.weapon, cols.distance,
		cols.isSuicide, cols.isMenuSuicide, cols.isFallDeath,
		cols.name, cols.level, cols.location, cols.playerName, cols.reason, string(payload),
	)
	if err != nil {
		return 0, false, fmt.Errorf("insert event: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, false, fmt.Errorf("insert event: %w", err)
	}
	if n == 0 {
		var id int64
		err := s.db.QueryRowContext(ctx, `SELECT id FROM events WHERE dedup_key = ?`, meta.DedupKey).Scan(&id)
		if err != nil {
			return 0, false, fmt.Errorf("lookup duplicate: %w", err)
		}
		return id, false, nil
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, false, fmt.Errorf("insert event: %w", err)
	}
	meta.ID = id
	return id, true, nil
}

// Find implements store.EventStore. Filter, sort and limit run in SQL.
func (s *Store) Find(ctx context.Context, q store.Query) ([]types.Event, error) {
	where, args, err := buildWhere(q.Collection, q.Filter)
	if err != nil {
		return nil, err
	}
	order, err := buildOrder(q.Sort)
	if err != nil {
		return nil, err
	}

	query := `SELECT id, kind, source_id, payload FROM events WHERE ` + where + ` ORDER BY ` + order
	if q.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", q.Limit)
	}
	return s.queryEvents(ctx, query, args...)
}

// Aggregate implements store.EventStore. Leading match stages are pushed
// into SQL; the remaining stages are evaluated over the selected rows.
func (s *Store) Aggregate(ctx context.Context, c types.Collection, p store.Pipeline) ([]store.Row, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	filter, rest := store.SplitMatch(p)

	events, err := s.Find(ctx, store.Query{Collection: c, Filter: filter})
	if err != nil {
		return nil, err
	}
	return store.Evaluate(events, rest)
}

// Since implements store.EventStore.
func (s *Store) Since(ctx context.Context, c types.Collection, sourceID string, afterID int64, limit int) ([]types.Event, error) {
	query := `SELECT id, kind, source_id, payload FROM events WHERE collection = ? AND id > ?`
	args := []interface{}{string(c), afterID}
	if sourceID != "" {
		query += ` AND source_id = ?`
		args = append(args, sourceID)
	}
	query += ` ORDER BY id ASC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	return s.queryEvents(ctx, query, args...)
}

func (s *Store) queryEvents(ctx context.Context, query string, args ...interface{}) ([]types.Event, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []types.Event
	for rows.Next() {
		var (
			id       int64
			kind     string
			sourceID string
			payload  string
		)
		if err := rows.Scan(&id, &kind, &sourceID, &payload); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev, ok := types.NewEvent(types.EventKind(kind))
		if !ok {
			return nil, fmt.Errorf("unknown event kind %q in row %d", kind, id)
		}
		if err := json.Unmarshal([]byte(payload), ev); err != nil {
			return nil, fmt.Errorf("decode event %d: %w", id, err)
		}
		meta := ev.Metadata()
		meta.ID = id
		meta.SourceID = sourceID
		out = append(out, ev)
	}
	return out, rows.Err()
}

type eventColumns struct {
	killerID, killerName, victimID, victimName, weapon interface{}
	distance                                           interface{}
	isSuicide, isMenuSuicide, isFallDeath              interface{}
	name, level, location, playerName, reason          interface{}
}

func columnsOf(ev types.Event) eventColumns {
	var c eventColumns
	switch e := ev.(type) {
	case *types.KillEvent:
		c.killerID, c.killerName = e.KillerID, e.KillerName
		c.victimID, c.victimName = e.VictimID, e.VictimName
		c.weapon, c.distance = e.Weapon, e.Distance
		c.isSuicide, c.isMenuSuicide, c.isFallDeath = boolInt(e.IsSuicide), boolInt(e.IsMenuSuicide), boolInt(e.IsFallDeath)
	case *types.MissionEvent:
		c.name, c.level = e.Name, e.Level
	case *types.LocationEvent:
		c.location = e.Location
	case *types.ConnectionEvent:
		c.playerName, c.reason = e.PlayerName, e.Reason
	}
	return c
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

var fieldColumns = map[store.Field]string{
	store.FieldID:            "id",
	store.FieldSourceID:      "source_id",
	store.FieldKind:          "kind",
	store.FieldTimestamp:     "ts",
	store.FieldKillerID:      "killer_id",
	store.FieldKillerName:    "killer_name",
	store.FieldVictimID:      "victim_id",
	store.FieldVictimName:    "victim_name",
	store.FieldWeapon:        "weapon",
	store.FieldDistance:      "distance",
	store.FieldIsSuicide:     "is_suicide",
	store.FieldIsMenuSuicide: "is_menu_suicide",
	store.FieldIsFallDeath:   "is_fall_death",
	store.FieldName:          "name",
	store.FieldLevel:         "level",
	store.FieldLocation:      "location",
	store.FieldPlayerName:    "player_name",
	store.FieldReason:        "reason",
	store.FieldParticipant:   "(CASE WHEN killer_id <> '' THEN killer_id ELSE victim_id END)",
	store.FieldHour:          "(((ts / 1000000000) % 86400) / 3600)",
}

var opSQL = map[store.Op]string{
	store.OpEq: "=", store.OpNe: "<>", store.OpGt: ">", store.OpGte: ">=", store.OpLt: "<", store.OpLte: "<=",
}

// buildWhere translates a filter into a SQL predicate. Columns a variant
// does not have are NULL, which only satisfies OpNe, matching store.Filter.
func buildWhere(c types.Collection, f store.Filter) (string, []interface{}, error) {
	parts := []string{"collection = ?"}
	args := []interface{}{string(c)}

	for _, cond := range f {
		col, ok := fieldColumns[cond.Field]
		if !ok {
			return "", nil, store.ErrUnknownField
		}

		if cond.Op == store.OpIn {
			values, ok := cond.Value.([]string)
			if !ok {
				return "", nil, fmt.Errorf("in condition on %s needs []string, got %T", cond.Field, cond.Value)
			}
			if len(values) == 0 {
				parts = append(parts, "0")
				continue
			}
			parts = append(parts, col+" IN ("+strings.TrimSuffix(strings.Repeat("?,", len(values)), ",")+")")
			for _, v := range values {
				args = append(args, v)
			}
			continue
		}

		op, ok := opSQL[cond.Op]
		if !ok {
			return "", nil, fmt.Errorf("unsupported operator %q", cond.Op)
		}
		if cond.Op == store.OpNe {
			parts = append(parts, "("+col+" IS NULL OR "+col+" <> ?)")
		} else {
			parts = append(parts, col+" "+op+" ?")
		}
		args = append(args, sqlValue(cond.Value))
	}
	return strings.Join(parts, " AND "), args, nil
}

func buildOrder(keys []store.SortKey) (string, error) {
	var parts []string
	for _, k := range keys {
		col, ok := fieldColumns[k.Field]
		if !ok {
			return "", store.ErrUnknownField
		}
		dir := "ASC"
		if k.Desc {
			dir = "DESC"
		}
		parts = append(parts, col+" "+dir)
	}
	// id keeps the ordering stable on ties.
	parts = append(parts, "id ASC")
	return strings.Join(parts, ", "), nil
}

func sqlValue(v interface{}) interface{} {
	switch x := v.(type) {
	case bool:
		return boolInt(x)
	case time.Time:
		return x.UnixNano()
	}
	return v
}
