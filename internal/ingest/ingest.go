package ingest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/abakedjoetato/killfeed/internal/checkpoint"
	"github.com/abakedjoetato/killfeed/internal/logging"
	"github.com/abakedjoetato/killfeed/internal/metrics"
	"github.com/abakedjoetato/killfeed/internal/parser"
	"github.com/abakedjoetato/killfeed/internal/source"
	"github.com/abakedjoetato/killfeed/internal/store"
	"github.com/abakedjoetato/killfeed/internal/tracing"
	"github.com/abakedjoetato/killfeed/pkg/types"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var (
	// ErrNoLocator is returned when a source has no path for the requested kind.
	ErrNoLocator = errors.New("source has no locator for parser kind")
	// ErrMissingDependency is returned by New when a required collaborator is nil.
	ErrMissingDependency = errors.New("missing ingest dependency")
)

// StateStore is the offset store a pass commits through.
type StateStore interface {
	GetOrCreate(ctx context.Context, key types.StateKey) (types.ParserState, error)
	CompareAndSet(ctx context.Context, key types.StateKey, expected int64, next checkpoint.Commit) (bool, error)
	Reset(ctx context.Context, sourceID string) error
}

// ProgressStore records backfill progress.
type ProgressStore interface {
	Start(ctx context.Context, key types.ProgressKey, totalFiles, totalLines int64) (types.ProgressRecord, error)
	Advance(ctx context.Context, key types.ProgressKey, deltaFiles, deltaLines int64, currentFile string) (types.ProgressRecord, error)
	Complete(ctx context.Context, key types.ProgressKey) (types.ProgressRecord, error)
	Fail(ctx context.Context, key types.ProgressKey) (types.ProgressRecord, error)
	ResetAll(ctx context.Context, sourceID string) error
}

// Options wires an Ingestor.
type Options struct {
	States   StateStore
	Progress ProgressStore
	Events   store.EventStore
	Players  store.PlayerStore
	Reader   source.Reader
	Metrics  *metrics.Collector
	Tracer   trace.Tracer
	Logger   *logging.Logger
}

// Ingestor runs read-parse-store-commit passes over sources.
type Ingestor struct {
	states   StateStore
	progress ProgressStore
	events   store.EventStore
	players  store.PlayerStore
	reader   source.Reader
	metrics  *metrics.Collector
	tracer   trace.Tracer
	logger   *logging.Logger

	logParser parser.Parser
	csvParser parser.Parser
}

// Summary describes one pass. A pass that read nothing has zero counts and
// Committed false.
type Summary struct {
	PassID      string                  `json:"pass_id"`
	SourceID    string                  `json:"source_id"`
	Kind        types.ParserKind        `json:"kind"`
	Mode        types.Mode              `json:"mode"`
	SourceName  string                  `json:"source_name,omitempty"`
	Counts      map[types.EventKind]int `json:"counts"`
	Files       int                     `json:"files"`
	Lines       int                     `json:"lines"`
	Skipped     int                     `json:"skipped"`
	Duplicates  int                     `json:"duplicates"`
	BytesRead   int64                   `json:"bytes_read"`
	StartOffset int64                   `json:"start_offset"`
	EndOffset   int64                   `json:"end_offset"`
	Committed   bool                    `json:"committed"`
	Rotated     bool                    `json:"rotated,omitempty"`

	// Events holds the events stored by the pass, in line order.
	Events []types.Event `json:"-"`
}

// Total returns the number of events stored.
func (s Summary) Total() int {
	n := 0
	for _, c := range s.Counts {
		n += c
	}
	return n
}

func (s *Summary) merge(o Summary) {
	for k, c := range o.Counts {
		s.Counts[k] += c
	}
	s.Files += o.Files
	s.Lines += o.Lines
	s.Skipped += o.Skipped
	s.Duplicates += o.Duplicates
	s.BytesRead += o.BytesRead
	s.Events = append(s.Events, o.Events...)
}

// New creates an Ingestor. States, Events, Players and Reader are required.
func New(opts Options) (*Ingestor, error) {
	switch {
	case opts.States == nil:
		return nil, fmt.Errorf("%w: state store", ErrMissingDependency)
	case opts.Events == nil:
		return nil, fmt.Errorf("%w: event store", ErrMissingDependency)
	case opts.Players == nil:
		return nil, fmt.Errorf("%w: player store", ErrMissingDependency)
	case opts.Reader == nil:
		return nil, fmt.Errorf("%w: source reader", ErrMissingDependency)
	}

	logger := opts.Logger
	if logger == nil {
		logger = logging.Nop()
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = otel.Tracer("killfeed/ingest")
	}

	return &Ingestor{
		states:    opts.States,
		progress:  opts.Progress,
		events:    opts.Events,
		players:   opts.Players,
		reader:    opts.Reader,
		metrics:   opts.Metrics,
		tracer:    tracer,
		logger:    logger.WithComponent("ingest"),
		logParser: parser.NewLogParser(),
		csvParser: parser.NewCSVParser(),
	}, nil
}

// ParseLog runs one pass over the source's server log.
func (i *Ingestor) ParseLog(ctx context.Context, src types.Source, mode types.Mode) (Summary, error) {
	if src.LogPath == "" {
		return Summary{}, fmt.Errorf("%w: %s has no log path", ErrNoLocator, src.ID)
	}
	return i.runPass(ctx, src, types.KindLog, mode, src.LogPath)
}

// ParseCSV runs one pass over the newest kill record file of the source.
// A new file name restarts reading at offset 0.
func (i *Ingestor) ParseCSV(ctx context.Context, src types.Source, mode types.Mode) (Summary, error) {
	if src.CSVDir == "" {
		return Summary{}, fmt.Errorf("%w: %s has no csv directory", ErrNoLocator, src.ID)
	}
	newest, err := source.NewestCSV(src.CSVDir)
	if err != nil {
		return Summary{}, err
	}
	return i.runPass(ctx, src, types.KindCSV, mode, newest.Path)
}

// Parse dispatches to ParseLog or ParseCSV.
func (i *Ingestor) Parse(ctx context.Context, src types.Source, kind types.ParserKind, mode types.Mode) (Summary, error) {
	switch kind {
	case types.KindLog:
		return i.ParseLog(ctx, src, mode)
	case types.KindCSV:
		return i.ParseCSV(ctx, src, mode)
	default:
		return Summary{}, fmt.Errorf("unknown parser kind: %s", kind)
	}
}

// Reset zeroes all parser state and progress of sourceID. Stored events are
// kept. Resetting a source with no state is not an error.
func (i *Ingestor) Reset(ctx context.Context, sourceID string) error {
	if err := i.states.Reset(ctx, sourceID); err != nil {
		return fmt.Errorf("failed to reset parser state: %w", err)
	}
	if i.progress != nil {
		if err := i.progress.ResetAll(ctx, sourceID); err != nil {
			return fmt.Errorf("failed to reset progress: %w", err)
		}
	}
	i.logger.Info().Str("source", sourceID).Msg("Parser state reset")
	return nil
}

func (i *Ingestor) parserFor(kind types.ParserKind) parser.Parser {
	if kind == types.KindCSV {
		return i.csvParser
	}
	return i.logParser
}

// runPass implements one read-parse-store-commit cycle. The offset moves
// only after every event of the pass is stored.
func (i *Ingestor) runPass(ctx context.Context, src types.Source, kind types.ParserKind, mode types.Mode, locator string) (Summary, error) {
	passID := uuid.NewString()
	started := time.Now()

	ctx, span := tracing.TracePass(ctx, i.tracer, src.ID, string(kind), string(mode), passID)
	defer span.End()

	log := i.logger.WithSource(src.ID, string(kind)).
		WithField("mode", string(mode)).
		WithField("pass_id", passID)

	sum, status, err := i.pass(ctx, src, kind, mode, locator, passID, log)
	if i.metrics != nil {
		i.metrics.ObservePass(src.ID, string(kind), string(mode), status, time.Since(started))
	}
	if err != nil {
		tracing.RecordError(ctx, err)
		log.Warn().Err(err).Msg("Pass aborted")
		return Summary{}, err
	}
	tracing.SetAttributes(ctx,
		attribute.Int("pass.events", sum.Total()),
		attribute.Int64("pass.offset.end", sum.EndOffset),
		attribute.Bool("pass.committed", sum.Committed),
	)
	return sum, nil
}

func (i *Ingestor) pass(ctx context.Context, src types.Source, kind types.ParserKind, mode types.Mode, locator, passID string, log *logging.Logger) (Summary, string, error) {
	key := types.StateKey{SourceID: src.ID, Kind: kind, Mode: mode}
	sum := Summary{
		PassID:   passID,
		SourceID: src.ID,
		Kind:     kind,
		Mode:     mode,
		Counts:   make(map[types.EventKind]int),
	}

	st, err := i.states.GetOrCreate(ctx, key)
	if err != nil {
		return sum, "error", fmt.Errorf("failed to load parser state: %w", err)
	}
	if !st.Enabled && mode == types.ModeIncremental {
		log.Debug().Msg("Parser disabled, skipping pass")
		return sum, "disabled", nil
	}

	stream, err := i.reader.Open(ctx, locator)
	if err != nil {
		return sum, "error", err
	}
	defer stream.Close()
	sum.SourceName = stream.Name()

	start := st.LastOffset
	if mode == types.ModeHistorical {
		start = 0
	}
	if start > 0 {
		size, err := stream.Size()
		if err != nil {
			return sum, "error", err
		}
		if size < start || rotated(st, stream) {
			log.Info().
				Int64("offset", start).
				Int64("size", size).
				Str("previous", st.LastSourceName).
				Str("current", stream.Name()).
				Msg("Source rotated or truncated, reading from start")
			start = 0
			sum.Rotated = true
		}
	}
	sum.StartOffset = start
	sum.EndOffset = start

	if err := stream.Seek(start); err != nil {
		return sum, "error", err
	}
	data, _, err := stream.ReadToEnd()
	if err != nil {
		return sum, "error", err
	}
	if i.metrics != nil {
		i.metrics.BytesRead.WithLabelValues(src.ID, string(kind)).Add(float64(len(data)))
	}

	// Only complete lines are consumed; a trailing partial line is read
	// again by the next pass.
	complete := bytes.LastIndexByte(data, '\n') + 1
	if complete == 0 {
		log.Debug().Int("bytes", len(data)).Msg("No complete lines")
		return sum, "empty", nil
	}
	sum.BytesRead = int64(complete)
	sum.EndOffset = start + int64(complete)

	p := i.parserFor(kind)
	for pos := 0; pos < complete; {
		nl := bytes.IndexByte(data[pos:complete], '\n')
		line := string(data[pos : pos+nl])
		lineOffset := start + int64(pos)
		pos += nl + 1

		if err := ctx.Err(); err != nil {
			return sum, "cancelled", err
		}

		ev, err := p.Parse(line, src.ID)
		switch {
		case errors.Is(err, parser.ErrEmptyLine):
			continue
		case err != nil:
			sum.Lines++
			sum.Skipped++
			i.countSkip(src.ID, kind, "malformed")
			log.Debug().Err(err).Int64("offset", lineOffset).Msg("Skipping malformed line")
			continue
		case ev == nil:
			sum.Lines++
			sum.Skipped++
			i.countSkip(src.ID, kind, "unmatched")
			continue
		}
		sum.Lines++

		if err := i.store(ctx, &sum, ev, stream.Name(), lineOffset); err != nil {
			return sum, "error", err
		}
	}

	next := checkpoint.Commit{Offset: sum.EndOffset, SourceName: stream.Name(), Identity: stream.Identity()}
	ok, err := i.states.CompareAndSet(ctx, key, st.LastOffset, next)
	if err != nil {
		return sum, "error", fmt.Errorf("failed to commit offset: %w", err)
	}
	if !ok {
		tracing.AddEvent(ctx, "commit.conflict", attribute.Int64("offset.expected", st.LastOffset))
		if i.metrics != nil {
			i.metrics.CASConflicts.WithLabelValues(src.ID, string(kind), string(mode)).Inc()
		}
		log.Warn().
			Int64("expected", st.LastOffset).
			Int64("offset", sum.EndOffset).
			Msg("Offset changed by a concurrent pass, commit dropped")
		return sum, "conflict", nil
	}
	sum.Committed = true

	if i.metrics != nil {
		i.metrics.CommittedOffset.WithLabelValues(src.ID, string(kind), string(mode)).Set(float64(sum.EndOffset))
		i.metrics.ObserveEvents(src.ID, sum.Events)
		if sum.Duplicates > 0 {
			i.metrics.Duplicates.WithLabelValues(src.ID).Add(float64(sum.Duplicates))
		}
	}

	entry := log.Debug()
	if sum.Total() > 0 {
		entry = log.Info()
	}
	entry.
		Int64("offset", sum.EndOffset).
		Int("lines", sum.Lines).
		Int("events", sum.Total()).
		Int("duplicates", sum.Duplicates).
		Msg("Pass committed")

	sum.Files = 1
	return sum, "committed", nil
}

// store persists one event and applies its side effects on players.
func (i *Ingestor) store(ctx context.Context, sum *Summary, ev types.Event, sourceName string, lineOffset int64) error {
	if conn, ok := ev.(*types.ConnectionEvent); ok && conn.Type == types.EventConnect {
		if _, err := i.players.UpsertByName(ctx, sum.SourceID, conn.PlayerName); err != nil {
			return fmt.Errorf("failed to upsert player: %w", err)
		}
	}

	kill, isKill := ev.(*types.KillEvent)
	if isKill {
		kill.DedupKey = DedupKey(sum.SourceID, sourceName, lineOffset, types.EventKill)
	}

	_, inserted, err := i.events.Insert(ctx, ev)
	if err != nil {
		return fmt.Errorf("failed to store event: %w", err)
	}
	if !inserted {
		sum.Duplicates++
		return nil
	}

	if isKill {
		if err := i.players.RecordKill(ctx, kill); err != nil {
			return fmt.Errorf("failed to update player counters: %w", err)
		}
	}
	sum.Counts[ev.Kind()]++
	sum.Events = append(sum.Events, ev)
	return nil
}

func (i *Ingestor) countSkip(sourceID string, kind types.ParserKind, reason string) {
	if i.metrics != nil {
		i.metrics.LinesSkipped.WithLabelValues(sourceID, string(kind), reason).Inc()
	}
}

// DedupKey identifies the record at one byte offset of one source file.
func DedupKey(sourceID, sourceName string, offset int64, kind types.EventKind) string {
	return fmt.Sprintf("%s|%s|%d|%s", sourceID, sourceName, offset, kind)
}

// rotated reports whether the stream is a different file than the one the
// stored offset refers to.
func rotated(st types.ParserState, s source.Stream) bool {
	if st.LastSourceName != "" && st.LastSourceName != s.Name() {
		return true
	}
	return st.SourceIdentity != 0 && s.Identity() != 0 && st.SourceIdentity != s.Identity()
}
