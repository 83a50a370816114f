package publish

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/abakedjoetato/killfeed/internal/config"
	"github.com/abakedjoetato/killfeed/internal/dlq"
	"github.com/abakedjoetato/killfeed/internal/logging"
	"github.com/abakedjoetato/killfeed/internal/metrics"
	"github.com/abakedjoetato/killfeed/internal/reliability"
	"github.com/abakedjoetato/killfeed/internal/tracing"
	"github.com/abakedjoetato/killfeed/pkg/types"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// Failure reasons used in metrics labels.
const (
	ReasonCircuitOpen = "circuit_open"
	ReasonRejected    = "rejected"
	ReasonExhausted   = "retries_exhausted"
	ReasonCanceled    = "canceled"
)

// Options configures a Router.
type Options struct {
	Retry   reliability.RetryConfig
	Breaker reliability.CircuitBreakerConfig
	// DeadLetter receives batches a sink still rejects after retries. The
	// router closes it.
	DeadLetter *dlq.DeadLetterQueue
	Metrics    *metrics.Collector
	Tracer     trace.Tracer
	Logger     *logging.Logger
}

// SinkStats is a snapshot of one sink.
type SinkStats struct {
	Name         string              `json:"name"`
	EventsSent   uint64              `json:"events_sent"`
	EventsFailed uint64              `json:"events_failed"`
	Batches      uint64              `json:"batches"`
	LastError    string              `json:"last_error,omitempty"`
	LastSend     time.Time           `json:"last_send,omitempty"`
	Breaker      reliability.Metrics `json:"breaker"`
}

type sink struct {
	Publisher
	breaker *reliability.CircuitBreaker

	mu    sync.Mutex
	stats SinkStats
}

func (s *sink) record(n int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stats.Batches++
	if err != nil {
		s.stats.EventsFailed += uint64(n)
		s.stats.LastError = err.Error()
		return
	}
	s.stats.EventsSent += uint64(n)
	s.stats.LastSend = time.Now()
}

func (s *sink) snapshot() SinkStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.stats
	st.Name = s.Name()
	st.Breaker = s.breaker.Metrics()
	return st
}

// Router fans every batch out to all sinks in parallel. Each sink sits
// behind retry with backoff and its own circuit breaker; a batch that
// still fails is dead-lettered.
type Router struct {
	sinks   []*sink
	retry   reliability.RetryConfig
	dlq     *dlq.DeadLetterQueue
	metrics *metrics.Collector
	tracer  trace.Tracer
	logger  *logging.Logger

	closeOnce sync.Once
}

// NewRouter wraps publishers.
func NewRouter(publishers []Publisher, opts Options) *Router {
	logger := opts.Logger
	if logger == nil {
		logger = logging.Nop()
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = otel.Tracer("killfeed/publish")
	}

	r := &Router{
		retry:   opts.Retry,
		dlq:     opts.DeadLetter,
		metrics: opts.Metrics,
		tracer:  tracer,
		logger:  logger.WithComponent("publish"),
	}

	for _, p := range publishers {
		bc := opts.Breaker
		bc.Name = p.Name()
		bc.OnStateChange = r.onStateChange
		r.sinks = append(r.sinks, &sink{
			Publisher: p,
			breaker:   reliability.NewCircuitBreaker(bc),
		})
		if r.metrics != nil {
			r.metrics.CircuitBreakerState.WithLabelValues(p.Name()).Set(float64(reliability.StateClosed))
		}
	}
	return r
}

// New builds the publishers enabled in cfg. A nil cfg yields a router with
// no sinks.
func New(ctx context.Context, cfg *config.PublishConfig, opts Options) (*Router, error) {
	if cfg == nil {
		return NewRouter(nil, opts), nil
	}

	var publishers []Publisher
	closeAll := func() {
		for _, p := range publishers {
			_ = p.Close()
		}
	}

	if cfg.Kafka != nil {
		p, err := NewKafka(*cfg.Kafka)
		if err != nil {
			return nil, err
		}
		publishers = append(publishers, p)
	}
	if cfg.Elasticsearch != nil {
		p, err := NewElasticsearch(*cfg.Elasticsearch)
		if err != nil {
			closeAll()
			return nil, err
		}
		publishers = append(publishers, p)
	}
	if cfg.S3 != nil {
		p, err := NewS3(ctx, *cfg.S3)
		if err != nil {
			closeAll()
			return nil, err
		}
		publishers = append(publishers, p)
	}

	if rc := cfg.Retry; rc != nil {
		opts.Retry = reliability.RetryConfig{
			MaxRetries:     rc.MaxRetries,
			InitialBackoff: rc.InitialBackoff,
			MaxBackoff:     rc.MaxBackoff,
			Multiplier:     rc.Multiplier,
			Jitter:         rc.Jitter,
		}
	}
	if cb := cfg.CircuitBreaker; cb != nil {
		opts.Breaker = reliability.CircuitBreakerConfig{
			MaxRequests:      cb.MaxRequests,
			Interval:         cb.Interval,
			Timeout:          cb.Timeout,
			FailureThreshold: cb.FailureThreshold,
		}
	}
	if dl := cfg.DeadLetter; dl != nil && dl.Enabled && opts.DeadLetter == nil {
		q, err := dlq.NewDeadLetterQueue(dlq.DLQConfig{
			Dir:           dl.Dir,
			MaxSize:       dl.MaxSize,
			MaxAge:        dl.MaxAge,
			FlushInterval: dl.FlushInterval,
		})
		if err != nil {
			closeAll()
			return nil, err
		}
		opts.DeadLetter = q
	}

	return NewRouter(publishers, opts), nil
}

func (r *Router) onStateChange(name string, from, to reliability.State) {
	r.logger.Warn().Str("sink", name).Str("from", from.String()).Str("to", to.String()).Msg("Circuit breaker state changed")
	if r.metrics != nil {
		r.metrics.CircuitBreakerState.WithLabelValues(name).Set(float64(to))
	}
}

// Len returns the number of sinks.
func (r *Router) Len() int {
	return len(r.sinks)
}

// Publish sends events to every sink and waits for all of them. The
// returned error joins the failures of individual sinks.
func (r *Router) Publish(ctx context.Context, events []types.Event) error {
	if len(r.sinks) == 0 || len(events) == 0 {
		return nil
	}

	size := payloadSize(events)
	errs := make([]error, len(r.sinks))
	var wg sync.WaitGroup
	for i, s := range r.sinks {
		wg.Add(1)
		go func(i int, s *sink) {
			defer wg.Done()
			errs[i] = r.send(ctx, s, events, size)
		}(i, s)
	}
	wg.Wait()

	return errors.Join(errs...)
}

// send delivers one batch to one sink and dead-letters it on failure.
func (r *Router) send(ctx context.Context, s *sink, events []types.Event, size int) error {
	ctx, span := tracing.TracePublish(ctx, r.tracer, s.Name(), len(events))
	defer span.End()

	start := time.Now()
	err := reliability.Retry(ctx, r.retry, func(ctx context.Context) error {
		return s.breaker.Execute(ctx, func() error {
			return s.Publish(ctx, events)
		})
	})
	s.record(len(events), err)

	if r.metrics != nil {
		r.metrics.PublishDuration.WithLabelValues(s.Name()).Observe(time.Since(start).Seconds())
		r.metrics.CircuitBreakerConsecutive.WithLabelValues(s.Name()).Set(float64(s.breaker.Counts().ConsecutiveFailures))
	}

	if err == nil {
		if r.metrics != nil {
			r.metrics.PublishEventsSent.WithLabelValues(s.Name()).Add(float64(len(events)))
			r.metrics.PublishBytesSent.WithLabelValues(s.Name()).Add(float64(size))
		}
		return nil
	}

	tracing.RecordError(ctx, err)
	reason := failureReason(err)
	if r.metrics != nil {
		r.metrics.PublishEventsFailed.WithLabelValues(s.Name(), reason).Add(float64(len(events)))
	}

	r.deadLetter(s.Name(), events, err)
	r.logger.Warn().Err(err).Str("sink", s.Name()).Str("reason", reason).Int("events", len(events)).Msg("Failed to publish batch")
	return fmt.Errorf("%s: %w", s.Name(), err)
}

func (r *Router) deadLetter(name string, events []types.Event, cause error) {
	if r.dlq == nil {
		return
	}
	if err := r.dlq.Enqueue(name, events, cause); err != nil {
		r.logger.Error().Err(err).Str("sink", name).Int("events", len(events)).Msg("Failed to dead-letter batch, events dropped")
		return
	}
	if r.metrics != nil {
		r.metrics.DLQEventsWritten.Add(float64(len(events)))
		r.metrics.DLQSize.Set(float64(r.dlq.Size()))
	}
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, reliability.ErrCircuitOpen), errors.Is(err, reliability.ErrTooManyRequests):
		return ReasonCircuitOpen
	case reliability.IsPermanent(err):
		return ReasonRejected
	case errors.Is(err, reliability.ErrRetryAborted), errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return ReasonCanceled
	default:
		return ReasonExhausted
	}
}

// payloadSize is the encoded size of the batch, used for byte counters.
func payloadSize(events []types.Event) int {
	n := 0
	for _, ev := range events {
		b, err := json.Marshal(ev)
		if err == nil {
			n += len(b)
		}
	}
	return n
}

// Redrive takes every dead-lettered batch once and offers it again to the
// sink that rejected it. Batches that fail again go back to the queue.
// It returns the number of events delivered.
func (r *Router) Redrive(ctx context.Context) (int, error) {
	if r.dlq == nil {
		return 0, nil
	}

	byName := make(map[string]*sink, len(r.sinks))
	for _, s := range r.sinks {
		byName[s.Name()] = s
	}

	pending := r.dlq.Size()
	delivered := 0
	for seen := 0; seen < pending && ctx.Err() == nil; {
		entry, err := r.dlq.Dequeue()
		if err != nil {
			return delivered, err
		}
		if entry == nil {
			break
		}
		seen += len(entry.Events)

		s, ok := byName[entry.Sink]
		if !ok {
			r.logger.Warn().Str("sink", entry.Sink).Int("events", len(entry.Events)).Msg("Dropping dead-lettered batch for unconfigured sink")
			continue
		}

		events, err := entry.Decode()
		if err != nil {
			r.logger.Error().Err(err).Str("sink", entry.Sink).Msg("Dropping undecodable dead-lettered batch")
			continue
		}

		err = s.breaker.Execute(ctx, func() error { return s.Publish(ctx, events) })
		if err != nil {
			if rerr := r.dlq.Requeue(entry, err); rerr != nil {
				return delivered, rerr
			}
			continue
		}
		delivered += len(events)
		s.record(len(events), nil)
		if r.metrics != nil {
			r.metrics.PublishEventsSent.WithLabelValues(s.Name()).Add(float64(len(events)))
		}
	}

	if r.metrics != nil {
		r.metrics.DLQSize.Set(float64(r.dlq.Size()))
	}
	if delivered > 0 {
		r.logger.Info().Int("events", delivered).Msg("Redrove dead-lettered events")
	}
	return delivered, ctx.Err()
}

// DeadLetterSize returns the number of dead-lettered events.
func (r *Router) DeadLetterSize() int {
	if r.dlq == nil {
		return 0
	}
	return r.dlq.Size()
}

// Stats returns a snapshot per sink.
func (r *Router) Stats() []SinkStats {
	out := make([]SinkStats, 0, len(r.sinks))
	for _, s := range r.sinks {
		out = append(out, s.snapshot())
	}
	return out
}

// Breakers returns the breaker of every sink keyed by sink name.
func (r *Router) Breakers() map[string]*reliability.CircuitBreaker {
	out := make(map[string]*reliability.CircuitBreaker, len(r.sinks))
	for _, s := range r.sinks {
		out[s.Name()] = s.breaker
	}
	return out
}

// Ping checks every sink that supports it, keyed by sink name. Sinks
// without a ping are absent from the result.
func (r *Router) Ping(ctx context.Context) map[string]error {
	out := make(map[string]error)
	for _, s := range r.sinks {
		if p, ok := s.Publisher.(Pinger); ok {
			out[s.Name()] = p.Ping(ctx)
		}
	}
	return out
}

// Close closes every sink and the dead-letter queue.
func (r *Router) Close() error {
	var errs []error
	r.closeOnce.Do(func() {
		for _, s := range r.sinks {
			if err := s.Close(); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
			}
		}
		if r.dlq != nil {
			if err := r.dlq.Close(); err != nil {
				errs = append(errs, fmt.Errorf("dead letter queue: %w", err))
			}
		}
	})
	return errors.Join(errs...)
}
