// Package publish forwards the events stored by ingestion passes to
// optional downstream systems. Publishing is best effort: a failed sink
// never blocks ingestion or holds back an offset.
package publish

import (
	"context"
	"errors"

	"github.com/abakedjoetato/killfeed/pkg/types"
)

// ErrClosed is returned by a publisher after Close.
var ErrClosed = errors.New("publisher is closed")

// Publisher delivers a batch of stored events to one downstream system.
type Publisher interface {
	Publish(ctx context.Context, events []types.Event) error
	Name() string
	Close() error
}

// Pinger is implemented by publishers that can check their backend.
type Pinger interface {
	Ping(ctx context.Context) error
}

// groupBySource splits a batch by source, keeping first-seen source order
// and event order within each source.
func groupBySource(events []types.Event) ([]string, map[string][]types.Event) {
	var order []string
	groups := make(map[string][]types.Event)
	for _, ev := range events {
		id := ev.Metadata().SourceID
		if _, ok := groups[id]; !ok {
			order = append(order, id)
		}
		groups[id] = append(groups[id], ev)
	}
	return order, groups
}
