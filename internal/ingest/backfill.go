package ingest

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"

	"github.com/abakedjoetato/killfeed/internal/source"
	"github.com/abakedjoetato/killfeed/pkg/types"
)

// Backfill parses every kill record file of the source from the start, in
// name order, reporting progress per file. Kill records already stored are
// skipped through their dedup key, so a backfill can be repeated safely.
func (i *Ingestor) Backfill(ctx context.Context, src types.Source) (Summary, error) {
	if src.CSVDir == "" {
		return Summary{}, fmt.Errorf("%w: %s has no csv directory", ErrNoLocator, src.ID)
	}

	files, err := source.ListCSV(src.CSVDir)
	if err != nil {
		return Summary{}, err
	}

	log := i.logger.WithSource(src.ID, string(types.KindCSV)).WithField("mode", string(types.ModeHistorical))
	key := types.ProgressKey{SourceID: src.ID, Kind: types.KindCSV}

	var totalLines int64
	for _, f := range files {
		n, err := countLines(f.Path)
		if err != nil {
			return Summary{}, err
		}
		totalLines += n
	}

	if err := i.startProgress(ctx, key, int64(len(files)), totalLines); err != nil {
		return Summary{}, err
	}
	log.Info().Int("files", len(files)).Int64("lines", totalLines).Msg("Backfill started")

	total := Summary{
		SourceID: src.ID,
		Kind:     types.KindCSV,
		Mode:     types.ModeHistorical,
		Counts:   make(map[types.EventKind]int),
	}

	for _, f := range files {
		if err := ctx.Err(); err != nil {
			i.failProgress(key)
			return total, err
		}

		sum, err := i.runPass(ctx, src, types.KindCSV, types.ModeHistorical, f.Path)
		if err != nil {
			i.failProgress(key)
			return total, fmt.Errorf("backfill of %s failed: %w", f.Name, err)
		}
		total.merge(sum)
		total.SourceName = f.Name

		if i.progress != nil {
			rec, err := i.progress.Advance(ctx, key, 1, int64(sum.Lines), f.Name)
			if err != nil {
				log.Warn().Err(err).Msg("Failed to record progress")
			} else if i.metrics != nil {
				i.metrics.BackfillPercent.WithLabelValues(src.ID, string(types.KindCSV)).Set(rec.PercentComplete)
			}
		}
	}

	if i.progress != nil {
		if _, err := i.progress.Complete(ctx, key); err != nil {
			log.Warn().Err(err).Msg("Failed to complete progress")
		}
		if i.metrics != nil {
			i.metrics.BackfillPercent.WithLabelValues(src.ID, string(types.KindCSV)).Set(100)
		}
	}
	total.Committed = true

	log.Info().
		Int("files", total.Files).
		Int("events", total.Total()).
		Int("duplicates", total.Duplicates).
		Msg("Backfill completed")
	return total, nil
}

func (i *Ingestor) startProgress(ctx context.Context, key types.ProgressKey, files, lines int64) error {
	if i.progress == nil {
		return nil
	}
	if _, err := i.progress.Start(ctx, key, files, lines); err != nil {
		return fmt.Errorf("failed to start progress: %w", err)
	}
	return nil
}

// failProgress marks the run failed even when ctx is already cancelled.
func (i *Ingestor) failProgress(key types.ProgressKey) {
	if i.progress == nil {
		return
	}
	if _, err := i.progress.Fail(context.Background(), key); err != nil {
		i.logger.Warn().Err(err).Str("source", key.SourceID).Msg("Failed to mark progress failed")
	}
}

// countLines counts complete lines in a file.
func countLines(path string) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	r := bufio.NewReaderSize(f, 64*1024)
	buf := make([]byte, 64*1024)
	var n int64
	for {
		c, err := r.Read(buf)
		n += int64(bytes.Count(buf[:c], []byte{'\n'}))
		if err == io.EOF {
			return n, nil
		}
		if err != nil {
			return n, fmt.Errorf("failed to count lines in %s: %w", path, err)
		}
	}
}
