package feed

import (
	"context"
	"sync"
	"time"

	"github.com/abakedjoetato/killfeed/pkg/types"
)

// DefaultInterval is the follow poll interval.
const DefaultInterval = time.Second

// Follower polls a feed in the background and delivers new events on a
// channel, advancing its own cursor.
type Follower struct {
	feed     *Feed
	interval time.Duration
	limit    int

	mu     sync.RWMutex
	cursor Cursor

	eventCh chan types.Event
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	once    sync.Once
}

// Follow creates a Follower starting after cursor. It does not poll until
// Start is called.
func (f *Feed) Follow(cursor Cursor, interval time.Duration, limit int) *Follower {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if limit <= 0 {
		limit = DefaultLimit
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Follower{
		feed:     f,
		interval: interval,
		limit:    limit,
		cursor:   cursor,
		eventCh:  make(chan types.Event, limit),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start begins polling.
func (fl *Follower) Start() {
	fl.wg.Add(1)
	go fl.pollLoop()
}

// Stop stops polling and closes the events channel. The cursor keeps the
// position of the last delivered event.
func (fl *Follower) Stop() {
	fl.once.Do(func() {
		fl.cancel()
		fl.wg.Wait()
		close(fl.eventCh)
	})
}

// Events returns the channel new events are delivered on.
func (fl *Follower) Events() <-chan types.Event {
	return fl.eventCh
}

// Cursor returns the position after the last delivered event.
func (fl *Follower) Cursor() Cursor {
	fl.mu.RLock()
	defer fl.mu.RUnlock()
	return fl.cursor
}

func (fl *Follower) pollLoop() {
	defer fl.wg.Done()

	ticker := time.NewTicker(fl.interval)
	defer ticker.Stop()

	for {
		// Drain everything already stored before waiting for the next tick.
		n := fl.poll()
		for n == fl.limit && fl.ctx.Err() == nil {
			n = fl.poll()
		}

		select {
		case <-fl.ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// poll delivers one batch and returns its size.
func (fl *Follower) poll() int {
	cursor := fl.Cursor()
	events, _ := fl.feed.Poll(fl.ctx, cursor, fl.limit)

	for i, ev := range events {
		select {
		case fl.eventCh <- ev:
		case <-fl.ctx.Done():
			// Keep the cursor at the last event actually delivered.
			if i > 0 {
				fl.setCursor(cursor, events[i-1].Metadata().ID)
			}
			return 0
		}
	}
	if n := len(events); n > 0 {
		fl.setCursor(cursor, events[n-1].Metadata().ID)
	}
	return len(events)
}

func (fl *Follower) setCursor(c Cursor, lastID int64) {
	c.LastID = lastID
	fl.mu.Lock()
	fl.cursor = c
	fl.mu.Unlock()
}
