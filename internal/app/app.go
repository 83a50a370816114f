// Package app assembles the storage, ingestion and query components from a
// configuration. The daemon and the command line tool share it.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/abakedjoetato/killfeed/internal/aggregate"
	"github.com/abakedjoetato/killfeed/internal/checkpoint"
	"github.com/abakedjoetato/killfeed/internal/config"
	"github.com/abakedjoetato/killfeed/internal/feed"
	"github.com/abakedjoetato/killfeed/internal/ingest"
	"github.com/abakedjoetato/killfeed/internal/logging"
	"github.com/abakedjoetato/killfeed/internal/metrics"
	"github.com/abakedjoetato/killfeed/internal/source"
	"github.com/abakedjoetato/killfeed/internal/store"
	"github.com/abakedjoetato/killfeed/internal/store/sqlite"
	"github.com/abakedjoetato/killfeed/pkg/types"
	"go.opentelemetry.io/otel/trace"
)

// ErrUnknownSource is returned for source ids missing from the configuration.
var ErrUnknownSource = errors.New("unknown source")

// StateStore is the parser state backend.
type StateStore interface {
	ingest.StateStore
	List(ctx context.Context, sourceID string) ([]types.ParserState, error)
	SetEnabled(ctx context.Context, key types.StateKey, enabled bool) error
}

// Options carries the ambient components. All fields are optional.
type Options struct {
	Logger  *logging.Logger
	Metrics *metrics.Collector
	Tracer  trace.Tracer
}

// App holds the assembled components.
type App struct {
	Config   *config.Config
	Logger   *logging.Logger
	Events   store.EventStore
	Players  store.PlayerStore
	States   StateStore
	Progress *checkpoint.ProgressStore
	Ingestor *ingest.Ingestor
	Engine   *aggregate.Engine
	Feed     *feed.Feed

	// ping checks the event store when it supports it.
	ping    func(context.Context) error
	closers []func() error
}

// Open builds every component cfg describes. On error, whatever was opened
// is closed again.
func Open(cfg *config.Config, opts Options) (a *App, err error) {
	logger := opts.Logger
	if logger == nil {
		logger = logging.Nop()
	}

	a = &App{Config: cfg, Logger: logger}
	defer func() {
		if err != nil {
			a.Close()
			a = nil
		}
	}()

	var db *sqlite.Store
	switch cfg.Store.Driver {
	case "sqlite":
		if err := os.MkdirAll(filepath.Dir(cfg.Store.Path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create store directory: %w", err)
		}
		db, err = sqlite.Open(sqlite.Config{Path: cfg.Store.Path, BusyTimeout: cfg.Store.BusyTimeout})
		if err != nil {
			return nil, fmt.Errorf("failed to open event store: %w", err)
		}
		a.closers = append(a.closers, db.Close)
		a.Events, a.Players, a.ping = db, db, db.Ping
	default:
		mem := store.NewMemoryStore()
		a.Events, a.Players = mem, mem
		a.ping = func(context.Context) error { return nil }
	}

	// The memory backend keeps offsets exactly as long as the memory store
	// keeps the events they cover.
	stateDir := cfg.State.Dir
	if cfg.State.Backend == "memory" {
		stateDir = ""
	}

	if cfg.State.Backend == "sqlite" {
		a.States = db
	} else {
		states, err := checkpoint.NewStateStore(stateDir, logger)
		if err != nil {
			return nil, err
		}
		if err := states.Load(); err != nil {
			return nil, fmt.Errorf("failed to load parser state: %w", err)
		}
		a.States = states
	}

	a.Progress, err = checkpoint.NewProgressStore(stateDir, logger)
	if err != nil {
		return nil, err
	}
	if err := a.Progress.Load(); err != nil {
		return nil, fmt.Errorf("failed to load progress: %w", err)
	}
	a.closers = append(a.closers, a.Progress.Save)

	a.Ingestor, err = ingest.New(ingest.Options{
		States:   a.States,
		Progress: a.Progress,
		Events:   a.Events,
		Players:  a.Players,
		Reader:   source.NewFileReader(cfg.Scheduler.MaxReadBytes),
		Metrics:  opts.Metrics,
		Tracer:   opts.Tracer,
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}

	a.Engine = aggregate.New(a.Events, a.Players, aggregate.Options{
		Metrics: opts.Metrics,
		Tracer:  opts.Tracer,
		Logger:  logger,
	})
	a.Feed = feed.New(a.Events, logger)
	return a, nil
}

// Source returns the configured source with the given id.
func (a *App) Source(id string) (types.Source, error) {
	for _, src := range a.Config.Sources {
		if src.ID == id {
			return src, nil
		}
	}
	return types.Source{}, fmt.Errorf("%w: %s", ErrUnknownSource, id)
}

// Ping checks the event store.
func (a *App) Ping(ctx context.Context) error {
	return a.ping(ctx)
}

// Close releases the stores in reverse open order.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
