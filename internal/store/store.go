package store

import (
	"context"
	"errors"

	"github.com/abakedjoetato/killfeed/pkg/types"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrInvalidPipeline is returned for pipelines that cannot be evaluated.
	ErrInvalidPipeline = errors.New("invalid pipeline")
	// ErrUnknownField is returned when a query references an unsupported field.
	ErrUnknownField = errors.New("unknown field")
)

// EventStore is an append-only store of typed events. Each inserted event
// gets a monotonically increasing ID.
type EventStore interface {
	// Insert stores ev and assigns its ID. When ev carries a dedup key that
	// is already stored, nothing is written and inserted is false.
	Insert(ctx context.Context, ev types.Event) (id int64, inserted bool, err error)
	// Find returns the events of one collection that match q.
	Find(ctx context.Context, q Query) ([]types.Event, error)
	// Aggregate evaluates a pipeline over one collection.
	Aggregate(ctx context.Context, c types.Collection, p Pipeline) ([]Row, error)
	// Since returns up to limit events of c with ID greater than afterID in
	// ID order. An empty sourceID matches all sources.
	Since(ctx context.Context, c types.Collection, sourceID string, afterID int64, limit int) ([]types.Event, error)
}

// PlayerStore holds the player counter cache.
type PlayerStore interface {
	// UpsertByName creates a name-only player unless one with that name exists.
	UpsertByName(ctx context.Context, sourceID, name string) (created bool, err error)
	// RecordKill applies one stored kill to killer and victim counters.
	RecordKill(ctx context.Context, k *types.KillEvent) error
	// GetPlayer returns a player by id, or ErrNotFound.
	GetPlayer(ctx context.Context, playerID string) (types.Player, error)
	// ListPlayers returns every known player in creation order.
	ListPlayers(ctx context.Context) ([]types.Player, error)
}

// Store is a complete backend.
type Store interface {
	EventStore
	PlayerStore
	Close() error
}

// Query selects events from one collection.
type Query struct {
	Collection types.Collection
	Filter     Filter
	Sort       []SortKey
	// Limit caps the result; 0 means no limit.
	Limit int
}

// Op is a filter comparison operator.
type Op string

const (
	OpEq  Op = "eq"
	OpNe  Op = "ne"
	OpGt  Op = "gt"
	OpGte Op = "gte"
	OpLt  Op = "lt"
	OpLte Op = "lte"
	OpIn  Op = "in"
)

// Cond is a single field comparison.
type Cond struct {
	Field Field
	Op    Op
	Value interface{}
}

// Filter is a conjunction of conditions.
type Filter []Cond

// Eq is shorthand for an equality condition.
func Eq(f Field, v interface{}) Cond { return Cond{Field: f, Op: OpEq, Value: v} }

// In is shorthand for a set membership condition.
func In(f Field, values []string) Cond { return Cond{Field: f, Op: OpIn, Value: values} }

// SortKey orders events by one field.
type SortKey struct {
	Field Field
	Desc  bool
}

// Matches reports whether ev satisfies every condition.
func (f Filter) Matches(ev types.Event) bool {
	for _, c := range f {
		if !c.Matches(ev) {
			return false
		}
	}
	return true
}

// Validate checks that every condition references a known field.
func (f Filter) Validate() error {
	for _, c := range f {
		if !c.Field.Valid() {
			return ErrUnknownField
		}
	}
	return nil
}
