package aggregate

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/abakedjoetato/killfeed/internal/logging"
	"github.com/abakedjoetato/killfeed/internal/metrics"
	"github.com/abakedjoetato/killfeed/internal/store"
	"github.com/abakedjoetato/killfeed/internal/tracing"
	"github.com/abakedjoetato/killfeed/pkg/types"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// DefaultConcurrency bounds the member and faction fan-out.
const DefaultConcurrency = 8

// Options configures an Engine.
type Options struct {
	Metrics     *metrics.Collector
	Tracer      trace.Tracer
	Logger      *logging.Logger
	Concurrency int
}

// Engine answers statistics queries over stored events. Every query is
// read-only and degrades to an empty result when the store fails.
type Engine struct {
	events      store.EventStore
	players     store.PlayerStore
	metrics     *metrics.Collector
	tracer      trace.Tracer
	logger      *logging.Logger
	concurrency int
}

// New creates an Engine.
func New(events store.EventStore, players store.PlayerStore, opts Options) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = logging.Nop()
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = otel.Tracer("killfeed/aggregate")
	}
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	return &Engine{
		events:      events,
		players:     players,
		metrics:     opts.Metrics,
		tracer:      tracer,
		logger:      logger.WithComponent("aggregate"),
		concurrency: concurrency,
	}
}

// observe starts a traced, timed query. The returned func records the
// outcome and logs a failure at warn.
func (e *Engine) observe(ctx context.Context, name string) (context.Context, func(error)) {
	ctx, span := tracing.TraceQuery(ctx, e.tracer, name)
	start := time.Now()
	return ctx, func(err error) {
		if err != nil {
			tracing.RecordError(ctx, err)
			e.logger.Warn().Err(err).Str("query", name).Msg("Query failed, returning empty result")
		}
		if e.metrics != nil {
			e.metrics.ObserveQuery(name, time.Since(start), err != nil)
		}
		span.End()
	}
}

// KDRatio returns kills divided by deaths, treating zero deaths as one.
func KDRatio(kills, deaths int) float64 {
	if deaths < 1 {
		deaths = 1
	}
	return float64(kills) / float64(deaths)
}

// Scope narrows a query to one source and an optional time window. Zero
// values mean unbounded.
type Scope struct {
	SourceID string
	Since    time.Time
	Until    time.Time
}

// Filter returns the store conditions for the scope.
func (s Scope) Filter() store.Filter {
	var f store.Filter
	if s.SourceID != "" {
		f = append(f, store.Eq(store.FieldSourceID, s.SourceID))
	}
	if !s.Since.IsZero() {
		f = append(f, store.Cond{Field: store.FieldTimestamp, Op: store.OpGte, Value: s.Since})
	}
	if !s.Until.IsZero() {
		f = append(f, store.Cond{Field: store.FieldTimestamp, Op: store.OpLt, Value: s.Until})
	}
	return f
}

// window returns the scope bounds for reporting, nil when unbounded.
func (s Scope) window() (since, until *time.Time) {
	if !s.Since.IsZero() {
		t := s.Since
		since = &t
	}
	if !s.Until.IsZero() {
		t := s.Until
		until = &t
	}
	return since, until
}

// with returns a copy of f extended by conds.
func with(f store.Filter, conds ...store.Cond) store.Filter {
	out := make(store.Filter, 0, len(f)+len(conds))
	out = append(out, f...)
	return append(out, conds...)
}

var notSuicide = store.Eq(store.FieldIsSuicide, false)

// count returns the number of kills matching f.
func (e *Engine) count(ctx context.Context, f store.Filter) (int, error) {
	return e.countIn(ctx, types.CollectionKills, f)
}

// countIn returns the number of events in c matching f.
func (e *Engine) countIn(ctx context.Context, c types.Collection, f store.Filter) (int, error) {
	p := store.Pipeline{}
	if len(f) > 0 {
		p = append(p, store.Match(f...))
	}
	p = append(p, store.CountAll("n"))

	rows, err := e.events.Aggregate(ctx, c, p)
	if err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, nil
	}
	return int(rows[0].Int("n")), nil
}

// findKills returns kills matching f in ID order.
func (e *Engine) findKills(ctx context.Context, f store.Filter, sort []store.SortKey, limit int) ([]*types.KillEvent, error) {
	events, err := e.events.Find(ctx, store.Query{
		Collection: types.CollectionKills,
		Filter:     f,
		Sort:       sort,
		Limit:      limit,
	})
	if err != nil {
		return nil, err
	}
	kills := make([]*types.KillEvent, 0, len(events))
	for _, ev := range events {
		if k, ok := ev.(*types.KillEvent); ok {
			kills = append(kills, k)
		}
	}
	return kills, nil
}

// totals returns a player's counters from the cache, falling back to
// counting stored kills when the player has no record.
func (e *Engine) totals(ctx context.Context, playerID string) (name string, kills, deaths int, err error) {
	p, err := e.players.GetPlayer(ctx, playerID)
	if err == nil {
		return p.PlayerName, int(p.TotalKills), int(p.TotalDeaths), nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return "", 0, 0, err
	}

	kills, err = e.count(ctx, store.Filter{store.Eq(store.FieldKillerID, playerID), notSuicide})
	if err != nil {
		return "", 0, 0, err
	}
	deaths, err = e.count(ctx, store.Filter{store.Eq(store.FieldVictimID, playerID)})
	if err != nil {
		return "", 0, 0, err
	}
	name, err = e.lastName(ctx, playerID)
	return name, kills, deaths, err
}

// lastName returns the most recent name a player id appeared under.
func (e *Engine) lastName(ctx context.Context, playerID string) (string, error) {
	kills, err := e.findKills(ctx, store.Filter{store.Eq(store.FieldParticipant, playerID)}, nil, 0)
	if err != nil {
		return "", err
	}
	// Participant only covers the killer side when both ids are set.
	victims, err := e.findKills(ctx, store.Filter{store.Eq(store.FieldVictimID, playerID)}, nil, 0)
	if err != nil {
		return "", err
	}
	kills = append(kills, victims...)
	sort.SliceStable(kills, func(i, j int) bool { return kills[i].ID < kills[j].ID })

	name := ""
	for _, k := range kills {
		switch {
		case k.KillerID == playerID && k.KillerName != "":
			name = k.KillerName
		case k.VictimID == playerID && k.VictimName != "":
			name = k.VictimName
		}
	}
	return name, nil
}
