// Package server exposes statistics, feeds and administrative actions over
// HTTP next to the metrics and health endpoints.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/abakedjoetato/killfeed/internal/aggregate"
	"github.com/abakedjoetato/killfeed/internal/config"
	"github.com/abakedjoetato/killfeed/internal/feed"
	"github.com/abakedjoetato/killfeed/internal/health"
	"github.com/abakedjoetato/killfeed/internal/logging"
	"github.com/abakedjoetato/killfeed/internal/metrics"
	"github.com/abakedjoetato/killfeed/internal/security"
	"github.com/abakedjoetato/killfeed/pkg/types"
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Default server timeouts.
const (
	DefaultReadTimeout  = 10 * time.Second
	DefaultWriteTimeout = 30 * time.Second
)

// Stats answers the statistics routes.
type Stats interface {
	PlayerStats(ctx context.Context, playerID string, scope aggregate.Scope) aggregate.PlayerStats
	ServerStats(ctx context.Context, scope aggregate.Scope) aggregate.ServerStats
	ActivityStats(ctx context.Context, scope aggregate.Scope) aggregate.ActivityStats
	Leaderboard(ctx context.Context, scope aggregate.Scope, stat string, n int) []aggregate.LeaderboardEntry
	WeaponStats(ctx context.Context, scope aggregate.Scope) []aggregate.WeaponStat
	FactionLeaderboard(ctx context.Context, factions []types.Faction) aggregate.FactionBoard
}

// Progress lists backfill progress of a source.
type Progress interface {
	List(ctx context.Context, sourceID string) ([]types.ProgressRecord, error)
}

// Resetter zeroes the parser state of a source.
type Resetter interface {
	Reset(ctx context.Context, sourceID string) error
}

// Poller reads a feed from a cursor.
type Poller interface {
	Poll(ctx context.Context, c feed.Cursor, limit int) ([]types.Event, feed.Cursor)
}

// Options wires the handlers. Nil Metrics or Health disable their routes.
type Options struct {
	Sources  []types.Source
	Stats    Stats
	Progress Progress
	Resetter Resetter
	Feed     Poller

	Metrics      *metrics.Collector
	MetricsPath  string
	Health       *health.Checker
	HealthConfig *config.HealthConfig
	Logger       *logging.Logger
}

// Server is the HTTP listener.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	tls        *security.TLSConfig
	logger     *logging.Logger
}

// New builds the router and the listener for cfg.
func New(cfg config.APIConfig, opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = logging.Nop()
	}
	logger = logger.WithComponent("server")

	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}

	h := &handlers{
		sources:  make(map[string]types.Source, len(opts.Sources)),
		stats:    opts.Stats,
		progress: opts.Progress,
		resetter: opts.Resetter,
		feed:     opts.Feed,
		logger:   logger,
	}
	for _, src := range opts.Sources {
		h.sources[src.ID] = src
	}

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(requestLogger(logger))

	if opts.Metrics != nil {
		path := opts.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		r.Method(http.MethodGet, path, promhttp.HandlerFor(opts.Metrics.Registry(), promhttp.HandlerOpts{}))
	}

	if opts.Health != nil {
		live, ready := "/health/live", "/health/ready"
		if hc := opts.HealthConfig; hc != nil {
			if hc.LivenessPath != "" {
				live = hc.LivenessPath
			}
			if hc.ReadinessPath != "" {
				ready = hc.ReadinessPath
			}
		}
		r.Get("/health", opts.Health.HTTPHandler())
		r.Get(live, opts.Health.LivenessHandler())
		r.Get(ready, opts.Health.ReadinessHandler())
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(rateLimit(cfg.RateLimit, cfg.RateBurst))

		r.Get("/players/{id}/stats", h.playerStats)
		r.Route("/sources/{id}", func(r chi.Router) {
			r.Use(h.knownSource)
			r.Get("/stats", h.serverStats)
			r.Get("/leaderboard", h.leaderboard)
			r.Get("/activity", h.activityStats)
			r.Get("/weapons", h.weaponStats)
			r.Get("/progress", h.sourceProgress)
			r.With(requireToken(cfg.AdminToken)).Post("/reset", h.reset)
		})
		r.Get("/feed/{collection}", h.pollFeed)
		r.Post("/factions/leaderboard", h.factionLeaderboard)
	})

	return &Server{
		handler: r,
		tls:     cfg.TLS,
		logger:  logger,
		httpServer: &http.Server{
			Addr:         cfg.Address,
			Handler:      r,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
	}
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Name identifies the server during shutdown.
func (s *Server) Name() string {
	return "api"
}

// Start listens in the background and reports errors surfacing during
// startup. With TLS configured it serves HTTPS only.
func (s *Server) Start() error {
	tlsConfig, err := security.LoadTLSConfig(s.tls)
	if err != nil {
		return fmt.Errorf("api tls: %w", err)
	}
	if tlsConfig != nil && len(tlsConfig.Certificates) == 0 {
		return fmt.Errorf("api tls: cert_file and key_file are required")
	}
	s.httpServer.TLSConfig = tlsConfig

	errCh := make(chan error, 1)

	go func() {
		s.logger.Info().
			Str("address", s.httpServer.Addr).
			Bool("tls", tlsConfig != nil).
			Msg("Starting API server")

		var err error
		if tlsConfig != nil {
			err = s.httpServer.ListenAndServeTLS("", "")
		} else {
			err = s.httpServer.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("api server error: %w", err)
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-time.After(100 * time.Millisecond):
		return nil
	}
}

// Stop gracefully shuts down the listener.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info().Msg("Shutting down API server")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Error().Err(err).Msg("Error shutting down API server")
		return err
	}
	return nil
}
