// Command killfeedgen writes synthetic game server logs and kill records
// for load testing the daemon.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/abakedjoetato/killfeed/internal/logging"
	"github.com/abakedjoetato/killfeed/pkg/types"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

var (
	outDir         = flag.String("dir", "./killfeedgen", "Output directory")
	logRate        = flag.Float64("log-rate", 50, "Server log lines per second")
	killRate       = flag.Float64("kill-rate", 20, "Kill records per second")
	duration       = flag.Duration("duration", time.Minute, "Run time")
	players        = flag.Int("players", 64, "Number of simulated players")
	seed           = flag.Int64("seed", 1, "Random seed")
	rotateEvery    = flag.Int("rotate-every", 0, "Truncate the log after this many lines, 0 never")
	reportInterval = flag.Duration("interval", 5*time.Second, "Report interval")
)

// Stats tracks generated output
type Stats struct {
	logLines  atomic.Uint64
	kills     atomic.Uint64
	rotations atomic.Uint64
	startTime time.Time
}

func (s *Stats) Report(logger *logging.Logger) {
	elapsed := time.Since(s.startTime).Seconds()
	lines, kills := s.logLines.Load(), s.kills.Load()
	logger.Info().
		Uint64("log_lines", lines).
		Float64("log_lines_per_sec", float64(lines)/elapsed).
		Uint64("kills", kills).
		Float64("kills_per_sec", float64(kills)/elapsed).
		Uint64("rotations", s.rotations.Load()).
		Msg("Generator progress")
}

func main() {
	flag.Parse()

	logger := logging.New(logging.Config{
		Level:  "info",
		Format: "console",
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *logging.Logger) error {
	ctx, cancel := context.WithTimeout(ctx, *duration)
	defer cancel()

	killDir := filepath.Join(*outDir, "kills")
	if err := os.MkdirAll(killDir, 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}
	logPath := filepath.Join(*outDir, "Deadside.log")
	csvPath := filepath.Join(killDir, time.Now().UTC().Format("2006.01.02-15.04.05")+".csv")

	logger.Info().
		Str("log", logPath).
		Str("csv", csvPath).
		Float64("log_rate", *logRate).
		Float64("kill_rate", *killRate).
		Dur("duration", *duration).
		Msg("Starting generator")

	stats := &Stats{startTime: time.Now()}
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		w := &logWriter{path: logPath, gen: newGenerator(*seed, *players), rotateEvery: *rotateEvery, stats: stats}
		return pace(gctx, *logRate, w.open, w.write, w.close)
	})
	g.Go(func() error {
		w := &csvWriter{path: csvPath, gen: newGenerator(*seed+1, *players), stats: stats}
		return pace(gctx, *killRate, w.open, w.write, w.close)
	})
	g.Go(func() error {
		ticker := time.NewTicker(*reportInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				stats.Report(logger)
			}
		}
	})

	err := g.Wait()
	stats.Report(logger)
	if err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

// pace calls write at most perSecond times a second until ctx ends. A
// non-positive rate disables the writer.
func pace(ctx context.Context, perSecond float64, open func() error, write func(time.Time) error, closeFn func() error) error {
	if perSecond <= 0 {
		return nil
	}
	if err := open(); err != nil {
		return err
	}
	defer closeFn()

	limiter := rate.NewLimiter(rate.Limit(perSecond), 1)
	for {
		if err := limiter.Wait(ctx); err != nil {
			return nil
		}
		if err := write(time.Now()); err != nil {
			return err
		}
	}
}

// logWriter appends server log lines and truncates the file every
// rotateEvery lines, the way a server restart does.
type logWriter struct {
	path        string
	gen         *generator
	rotateEvery int
	stats       *Stats

	file    *os.File
	w       *bufio.Writer
	written int
}

func (l *logWriter) open() error {
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log: %w", err)
	}
	l.file, l.w, l.written = f, bufio.NewWriter(f), 0
	return l.emit(l.gen.lifecycleLine(time.Now(), types.EventServerStart))
}

func (l *logWriter) write(ts time.Time) error {
	if l.rotateEvery > 0 && l.written >= l.rotateEvery {
		if err := l.rotate(ts); err != nil {
			return err
		}
	}
	return l.emit(l.gen.logLine(ts))
}

func (l *logWriter) rotate(ts time.Time) error {
	if err := l.emit(l.gen.lifecycleLine(ts, types.EventServerStop)); err != nil {
		return err
	}
	if err := l.close(); err != nil {
		return err
	}
	if err := os.Truncate(l.path, 0); err != nil {
		return fmt.Errorf("failed to truncate log: %w", err)
	}
	l.stats.rotations.Add(1)
	return l.open()
}

func (l *logWriter) emit(line string) error {
	if _, err := l.w.WriteString(line + "\n"); err != nil {
		return err
	}
	l.written++
	l.stats.logLines.Add(1)
	return l.w.Flush()
}

func (l *logWriter) close() error {
	if l.file == nil {
		return nil
	}
	err := l.w.Flush()
	if cerr := l.file.Close(); err == nil {
		err = cerr
	}
	l.file = nil
	return err
}

// csvWriter appends kill records to one file.
type csvWriter struct {
	path  string
	gen   *generator
	stats *Stats

	file *os.File
	w    *bufio.Writer
}

func (c *csvWriter) open() error {
	f, err := os.OpenFile(c.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open kill records: %w", err)
	}
	c.file, c.w = f, bufio.NewWriter(f)
	return nil
}

func (c *csvWriter) write(ts time.Time) error {
	if _, err := c.w.WriteString(c.gen.killRecord(ts) + "\n"); err != nil {
		return err
	}
	c.stats.kills.Add(1)
	return c.w.Flush()
}

func (c *csvWriter) close() error {
	if c.file == nil {
		return nil
	}
	err := c.w.Flush()
	if cerr := c.file.Close(); err == nil {
		err = cerr
	}
	c.file = nil
	return err
}
