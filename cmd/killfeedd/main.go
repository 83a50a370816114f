package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/abakedjoetato/killfeed/internal/app"
	"github.com/abakedjoetato/killfeed/internal/config"
	"github.com/abakedjoetato/killfeed/internal/health"
	"github.com/abakedjoetato/killfeed/internal/logging"
	"github.com/abakedjoetato/killfeed/internal/metrics"
	"github.com/abakedjoetato/killfeed/internal/profiling"
	"github.com/abakedjoetato/killfeed/internal/publish"
	"github.com/abakedjoetato/killfeed/internal/scheduler"
	"github.com/abakedjoetato/killfeed/internal/server"
	"github.com/abakedjoetato/killfeed/internal/shutdown"
	"github.com/abakedjoetato/killfeed/internal/tracing"
	"go.opentelemetry.io/otel/trace"
)

var (
	configFile = flag.String("config", "config.yaml", "Path to configuration file")
	version    = "0.1.0"
)

// redriveInterval is how often dead-lettered batches are offered to their
// sinks again.
const redriveInterval = time.Minute

func main() {
	flag.Parse()

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(*configFile)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger := logging.New(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	logging.SetGlobal(logger)
	logger.Info().Str("version", version).Int("sources", len(cfg.Sources)).Msg("Starting killfeed")

	ctx := context.Background()
	mgr := shutdown.New(shutdown.Config{Logger: logger})
	defer mgr.HandlePanic()

	collector := metrics.GetGlobalCollector()
	if cfg.Metrics != nil && cfg.Metrics.Enabled {
		collector.Start()
		mgr.RegisterFunc("metrics", func(context.Context) error {
			collector.Stop()
			return nil
		})
	}

	if cfg.Profiling != nil && cfg.Profiling.Enabled {
		prof := profiling.New(*cfg.Profiling, logger)
		if err := prof.Start(); err != nil {
			mgr.Shutdown()
			return err
		}
		mgr.RegisterComponent(prof)
	}

	var tracer trace.Tracer
	if cfg.Tracing != nil && cfg.Tracing.Enabled {
		provider, err := tracing.Start(ctx, cfg.Tracing.Endpoint, cfg.Tracing.SampleRate, version)
		if err != nil {
			return fmt.Errorf("failed to start tracing: %w", err)
		}
		tracer = provider.Tracer()
		mgr.RegisterFunc("tracing", provider.Shutdown)
	}

	a, err := app.Open(cfg, app.Options{Logger: logger, Metrics: collector, Tracer: tracer})
	if err != nil {
		mgr.Shutdown()
		return err
	}
	mgr.RegisterCloser("store", a.Close)

	router, err := publish.New(ctx, cfg.Publish, publish.Options{
		Metrics: collector,
		Tracer:  tracer,
		Logger:  logger,
	})
	if err != nil {
		mgr.Shutdown()
		return fmt.Errorf("failed to create publishers: %w", err)
	}
	mgr.RegisterCloser("publish", router.Close)

	var sink scheduler.Sink
	if router.Len() > 0 {
		sink = router
		redriveCtx, stopRedrive := context.WithCancel(ctx)
		done := make(chan struct{})
		go func() {
			defer close(done)
			redriveLoop(redriveCtx, router, logger)
		}()
		mgr.RegisterFunc("redrive", func(context.Context) error {
			stopRedrive()
			<-done
			return nil
		})
	}

	sched := scheduler.New(cfg.Scheduler, cfg.Sources, a.Ingestor, scheduler.Options{
		Sink:    sink,
		Metrics: collector,
		Logger:  logger,
	})
	if err := sched.Start(ctx); err != nil {
		mgr.Shutdown()
		return fmt.Errorf("failed to start scheduler: %w", err)
	}
	mgr.RegisterFunc("scheduler", func(context.Context) error {
		sched.Stop()
		return nil
	})

	if cfg.API != nil {
		opts := server.Options{
			Sources:  cfg.Sources,
			Stats:    a.Engine,
			Progress: a.Progress,
			Resetter: a.Ingestor,
			Feed:     a.Feed,
			Logger:   logger,
		}
		if cfg.Metrics != nil && cfg.Metrics.Enabled {
			opts.Metrics = collector
			opts.MetricsPath = cfg.Metrics.Path
		}
		if cfg.Health != nil && cfg.Health.Enabled {
			checker := health.NewChecker(cfg.Health.Timeout, collector)
			checker.Register("store", health.PingCheck(a.Ping))
			checker.Register("scheduler", health.TaskCheck(sched.Tasks))
			if router.Len() > 0 {
				checker.Register("publish", health.PublishCheck(router))
			}
			opts.Health = checker
			opts.HealthConfig = cfg.Health
		}

		srv := server.New(*cfg.API, opts)
		if err := srv.Start(); err != nil {
			mgr.Shutdown()
			return err
		}
		mgr.RegisterComponent(srv)
	}

	logger.Info().Msg("killfeed started")
	return mgr.WaitForSignal(ctx)
}

// redriveLoop periodically offers dead-lettered batches to their sinks.
func redriveLoop(ctx context.Context, router *publish.Router, logger *logging.Logger) {
	ticker := time.NewTicker(redriveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if router.DeadLetterSize() == 0 {
				continue
			}
			if _, err := router.Redrive(ctx); err != nil && ctx.Err() == nil {
				logger.Warn().Err(err).Msg("Redrive failed")
			}
		}
	}
}
