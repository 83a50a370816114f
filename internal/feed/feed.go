package feed

import (
	"context"
	"errors"
	"fmt"

	"github.com/abakedjoetato/killfeed/internal/logging"
	"github.com/abakedjoetato/killfeed/internal/store"
	"github.com/abakedjoetato/killfeed/pkg/types"
)

// DefaultLimit caps a poll when the caller passes a non-positive limit.
const DefaultLimit = 100

// ErrUnknownCollection is returned for collection names that hold no events.
var ErrUnknownCollection = errors.New("unknown collection")

// Cursor is a caller-owned position in one collection, optionally narrowed
// to a single source. The zero LastID starts from the first event.
type Cursor struct {
	Collection types.Collection `json:"collection"`
	SourceID   string           `json:"source_id,omitempty"`
	LastID     int64            `json:"last_id"`
}

// ParseCollection validates a collection name.
func ParseCollection(name string) (types.Collection, error) {
	switch c := types.Collection(name); c {
	case types.CollectionKills, types.CollectionServerEvents, types.CollectionConnections:
		return c, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownCollection, name)
}

// Feed returns events stored after a cursor.
type Feed struct {
	events store.EventStore
	logger *logging.Logger
}

// New creates a Feed over an event store.
func New(events store.EventStore, logger *logging.Logger) *Feed {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Feed{events: events, logger: logger.WithComponent("feed")}
}

// Poll returns up to limit events with an ID greater than c.LastID in ID
// order, and the cursor advanced past the last of them. On error it logs,
// returns no events and the unchanged cursor.
func (f *Feed) Poll(ctx context.Context, c Cursor, limit int) ([]types.Event, Cursor) {
	if limit <= 0 {
		limit = DefaultLimit
	}

	events, err := f.events.Since(ctx, c.Collection, c.SourceID, c.LastID, limit)
	if err != nil {
		f.logger.Warn().
			Err(err).
			Str("collection", string(c.Collection)).
			Str("source", c.SourceID).
			Int64("after", c.LastID).
			Msg("Feed poll failed")
		return []types.Event{}, c
	}

	next := c
	if n := len(events); n > 0 {
		next.LastID = events[n-1].Metadata().ID
	}
	return events, next
}
