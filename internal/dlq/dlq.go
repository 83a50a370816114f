package dlq

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/abakedjoetato/killfeed/pkg/types"
)

var (
	ErrDLQClosed = errors.New("DLQ is closed")
	ErrDLQFull   = errors.New("DLQ is full")
)

const fileName = "dlq.json"

// DLQConfig holds configuration for the Dead Letter Queue
type DLQConfig struct {
	Dir string
	// MaxSize bounds the number of queued events across all entries.
	MaxSize       int64
	MaxAge        time.Duration
	FlushInterval time.Duration
}

// DeadLetterQueue keeps event batches a sink could not accept so they can
// be inspected or redriven later. Entries survive restarts in Dir.
type DeadLetterQueue struct {
	config DLQConfig

	mu      sync.RWMutex
	entries []*Entry
	events  int64
	closed  bool
	closeCh chan struct{}
	wg      sync.WaitGroup

	enqueued uint64
	dequeued uint64
	dropped  uint64
}

// Entry is one rejected batch.
type Entry struct {
	Sink      string           `json:"sink"`
	Events    []types.Envelope `json:"events"`
	Error     string           `json:"error"`
	Timestamp time.Time        `json:"timestamp"`
	Retries   int              `json:"retries"`
}

// Decode returns the batch carried by the entry.
func (e *Entry) Decode() ([]types.Event, error) {
	out := make([]types.Event, 0, len(e.Events))
	for _, env := range e.Events {
		ev, err := env.Decode()
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, nil
}

// NewDeadLetterQueue creates a new dead letter queue
func NewDeadLetterQueue(config DLQConfig) (*DeadLetterQueue, error) {
	if config.Dir == "" {
		return nil, fmt.Errorf("DLQ directory is required")
	}
	if config.MaxSize == 0 {
		config.MaxSize = 10000
	}
	if config.MaxAge == 0 {
		config.MaxAge = 24 * time.Hour
	}
	if config.FlushInterval == 0 {
		config.FlushInterval = 5 * time.Second
	}

	if err := os.MkdirAll(config.Dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create DLQ directory: %w", err)
	}

	dlq := &DeadLetterQueue{
		config:  config,
		closeCh: make(chan struct{}),
	}

	if err := dlq.load(); err != nil {
		return nil, fmt.Errorf("failed to load DLQ: %w", err)
	}

	dlq.wg.Add(1)
	go dlq.maintain()

	return dlq, nil
}

// Enqueue stores a batch that sink rejected with cause.
func (dlq *DeadLetterQueue) Enqueue(sink string, events []types.Event, cause error) error {
	envs, err := types.WrapAll(events)
	if err != nil {
		return err
	}

	dlq.mu.Lock()
	defer dlq.mu.Unlock()

	if dlq.closed {
		return ErrDLQClosed
	}

	if dlq.events+int64(len(envs)) > dlq.config.MaxSize {
		atomic.AddUint64(&dlq.dropped, uint64(len(envs)))
		return ErrDLQFull
	}

	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	dlq.push(&Entry{
		Sink:      sink,
		Events:    envs,
		Error:     msg,
		Timestamp: time.Now(),
	})
	atomic.AddUint64(&dlq.enqueued, uint64(len(envs)))
	return nil
}

func (dlq *DeadLetterQueue) push(e *Entry) {
	dlq.entries = append(dlq.entries, e)
	dlq.events += int64(len(e.Events))
}

// Dequeue removes and returns the oldest entry, or nil when empty.
func (dlq *DeadLetterQueue) Dequeue() (*Entry, error) {
	dlq.mu.Lock()
	defer dlq.mu.Unlock()

	if dlq.closed {
		return nil, ErrDLQClosed
	}
	if len(dlq.entries) == 0 {
		return nil, nil
	}

	entry := dlq.entries[0]
	dlq.entries = dlq.entries[1:]
	dlq.events -= int64(len(entry.Events))
	atomic.AddUint64(&dlq.dequeued, uint64(len(entry.Events)))
	return entry, nil
}

// Peek returns the oldest entry without removing it
func (dlq *DeadLetterQueue) Peek() (*Entry, error) {
	dlq.mu.RLock()
	defer dlq.mu.RUnlock()

	if dlq.closed {
		return nil, ErrDLQClosed
	}
	if len(dlq.entries) == 0 {
		return nil, nil
	}
	return dlq.entries[0], nil
}

// Entries returns a copy of the queued entries, oldest first.
func (dlq *DeadLetterQueue) Entries() ([]*Entry, error) {
	dlq.mu.RLock()
	defer dlq.mu.RUnlock()

	if dlq.closed {
		return nil, ErrDLQClosed
	}

	entries := make([]*Entry, len(dlq.entries))
	copy(entries, dlq.entries)
	return entries, nil
}

// Requeue puts an entry that failed again back at the end of the queue.
func (dlq *DeadLetterQueue) Requeue(entry *Entry, cause error) error {
	dlq.mu.Lock()
	defer dlq.mu.Unlock()

	if dlq.closed {
		return ErrDLQClosed
	}

	entry.Retries++
	entry.Timestamp = time.Now()
	if cause != nil {
		entry.Error = cause.Error()
	}
	dlq.push(entry)
	return nil
}

// Size returns the number of queued events.
func (dlq *DeadLetterQueue) Size() int {
	dlq.mu.RLock()
	defer dlq.mu.RUnlock()

	return int(dlq.events)
}

// Clear removes all entries from the DLQ
func (dlq *DeadLetterQueue) Clear() error {
	dlq.mu.Lock()
	defer dlq.mu.Unlock()

	if dlq.closed {
		return ErrDLQClosed
	}

	dlq.entries = nil
	dlq.events = 0
	return dlq.flush()
}

// Flush persists all entries to disk
func (dlq *DeadLetterQueue) Flush() error {
	dlq.mu.Lock()
	defer dlq.mu.Unlock()

	return dlq.flush()
}

// Close stops the background loop and flushes remaining entries.
func (dlq *DeadLetterQueue) Close() error {
	dlq.mu.Lock()
	if dlq.closed {
		dlq.mu.Unlock()
		return ErrDLQClosed
	}
	dlq.closed = true
	close(dlq.closeCh)
	dlq.mu.Unlock()

	dlq.wg.Wait()

	dlq.mu.Lock()
	defer dlq.mu.Unlock()
	return dlq.flush()
}

// Metrics returns DLQ statistics
func (dlq *DeadLetterQueue) Metrics() DLQMetrics {
	dlq.mu.RLock()
	defer dlq.mu.RUnlock()

	return DLQMetrics{
		Enqueued:    atomic.LoadUint64(&dlq.enqueued),
		Dequeued:    atomic.LoadUint64(&dlq.dequeued),
		Dropped:     atomic.LoadUint64(&dlq.dropped),
		Entries:     len(dlq.entries),
		CurrentSize: dlq.events,
		MaxSize:     dlq.config.MaxSize,
	}
}

// flush writes the entries as JSON lines through a temp file and rename.
// Must hold mu.
func (dlq *DeadLetterQueue) flush() error {
	filename := filepath.Join(dlq.config.Dir, fileName)
	tempFile := filename + ".tmp"

	file, err := os.Create(tempFile)
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}

	encoder := json.NewEncoder(file)
	for _, entry := range dlq.entries {
		if err := encoder.Encode(entry); err != nil {
			file.Close()
			os.Remove(tempFile)
			return fmt.Errorf("failed to encode entry: %w", err)
		}
	}

	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(tempFile)
		return fmt.Errorf("failed to sync file: %w", err)
	}
	file.Close()

	if err := os.Rename(tempFile, filename); err != nil {
		os.Remove(tempFile)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}

func (dlq *DeadLetterQueue) load() error {
	file, err := os.Open(filepath.Join(dlq.config.Dir, fileName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to open DLQ file: %w", err)
	}
	defer file.Close()

	decoder := json.NewDecoder(file)
	for {
		var entry Entry
		if err := decoder.Decode(&entry); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return fmt.Errorf("failed to decode entry: %w", err)
		}
		dlq.push(&entry)
	}
	return nil
}

// maintain flushes on FlushInterval and drops entries older than MaxAge.
func (dlq *DeadLetterQueue) maintain() {
	defer dlq.wg.Done()

	flush := time.NewTicker(dlq.config.FlushInterval)
	defer flush.Stop()
	cleanup := time.NewTicker(time.Hour)
	defer cleanup.Stop()

	for {
		select {
		case <-flush.C:
			dlq.mu.Lock()
			_ = dlq.flush()
			dlq.mu.Unlock()
		case <-cleanup.C:
			dlq.cleanup(time.Now())
		case <-dlq.closeCh:
			return
		}
	}
}

// cleanup removes entries older than MaxAge and returns how many went.
func (dlq *DeadLetterQueue) cleanup(now time.Time) int {
	dlq.mu.Lock()
	defer dlq.mu.Unlock()

	if dlq.closed {
		return 0
	}

	cutoff := now.Add(-dlq.config.MaxAge)
	kept := dlq.entries[:0]
	var events int64
	for _, entry := range dlq.entries {
		if entry.Timestamp.After(cutoff) {
			kept = append(kept, entry)
			events += int64(len(entry.Events))
		}
	}
	removed := len(dlq.entries) - len(kept)
	dlq.entries = kept
	dlq.events = events
	return removed
}

// DLQMetrics holds DLQ statistics
type DLQMetrics struct {
	Enqueued    uint64 `json:"enqueued"`
	Dequeued    uint64 `json:"dequeued"`
	Dropped     uint64 `json:"dropped"`
	Entries     int    `json:"entries"`
	CurrentSize int64  `json:"current_size"`
	MaxSize     int64  `json:"max_size"`
}

// Utilization returns the DLQ utilization percentage (0-100)
func (m DLQMetrics) Utilization() float64 {
	if m.MaxSize == 0 {
		return 0
	}
	return (float64(m.CurrentSize) / float64(m.MaxSize)) * 100.0
}
