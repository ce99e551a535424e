package block

import (
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// Status reports the outcome of a Buffer lookup.
type Status int

const (
	// StatusFound means a committed block at or above the requested height exists.
	StatusFound Status = iota
	// StatusPending means nothing at or above the requested height is committed yet.
	StatusPending
	// StatusGone means the requested height was reclaimed.
	StatusGone
)

func (s Status) String() string {
	switch s {
	case StatusFound:
		return "found"
	case StatusPending:
		return "pending"
	case StatusGone:
		return "gone"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// CursorFloor yields the lowest cursor over all active subscribers.
type CursorFloor interface {
	ActiveFloor() (uint64, bool)
}

// Buffer is the ordered, height-keyed store of committed blocks shared by
// every delivery loop. Commits are exclusive, reads are concurrent.
type Buffer struct {
	mu      sync.RWMutex
	heights []uint64
	blocks  map[uint64][]Event
	last    uint64
	hasLast bool
	// heights below floor have been reclaimed
	floor  uint64
	notify chan struct{}

	metrics Metrics
	logger  *zap.Logger
}

// NewBuffer creates an empty Buffer.
func NewBuffer(metrics Metrics, logger *zap.Logger) *Buffer {
	return &Buffer{
		blocks:  make(map[uint64][]Event),
		notify:  make(chan struct{}),
		metrics: metrics,
		logger:  logger,
	}
}

// Compile-time interface verification
var _ Committer = (*Buffer)(nil)

// Commit appends the frozen events for height. Heights must be strictly
// increasing.
func (b *Buffer) Commit(height uint64, events []Event) error {
	b.mu.Lock()
	if b.hasLast && height <= b.last {
		last := b.last
		b.mu.Unlock()
		return fmt.Errorf("%w: height %d, last committed %d", ErrNonMonotonicCommit, height, last)
	}

	b.heights = append(b.heights, height)
	b.blocks[height] = events
	b.last = height
	b.hasLast = true
	depth := len(b.heights)

	close(b.notify)
	b.notify = make(chan struct{})
	b.mu.Unlock()

	b.metrics.BufferDepth(depth)
	return nil
}

// Read returns the events committed for exactly height.
func (b *Buffer) Read(height uint64) ([]Event, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	events, ok := b.blocks[height]
	return events, ok
}

// Next returns the lowest committed block at or above height. Heights the
// window never saw are skipped over.
func (b *Buffer) Next(height uint64) (uint64, []Event, Status) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if height < b.floor {
		return 0, nil, StatusGone
	}

	idx := sort.Search(len(b.heights), func(i int) bool { return b.heights[i] >= height })
	if idx == len(b.heights) {
		return 0, nil, StatusPending
	}
	h := b.heights[idx]
	return h, b.blocks[h], StatusFound
}

// Changed returns a channel closed on the next commit.
// Take the channel before calling Next to avoid missing a wakeup.
func (b *Buffer) Changed() <-chan struct{} {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.notify
}

// Oldest returns the lowest retained height.
func (b *Buffer) Oldest() (uint64, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if len(b.heights) == 0 {
		return 0, false
	}
	return b.heights[0], true
}

// Newest returns the highest committed height.
func (b *Buffer) Newest() (uint64, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.last, b.hasLast
}

// Floor returns the height below which blocks have been reclaimed.
func (b *Buffer) Floor() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.floor
}

// Len returns the number of retained blocks.
func (b *Buffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.heights)
}

// Reclaim drops every block below the lowest active cursor. With no active
// subscribers nothing is dropped.
func (b *Buffer) Reclaim(cursors CursorFloor) int {
	floor, ok := cursors.ActiveFloor()
	if !ok {
		return 0
	}

	b.mu.Lock()
	n := sort.Search(len(b.heights), func(i int) bool { return b.heights[i] >= floor })
	if n == 0 {
		b.mu.Unlock()
		return 0
	}
	for _, h := range b.heights[:n] {
		delete(b.blocks, h)
	}
	if top := b.heights[n-1] + 1; top > b.floor {
		b.floor = top
	}
	b.heights = append(b.heights[:0:0], b.heights[n:]...)
	depth := len(b.heights)
	b.mu.Unlock()

	b.metrics.BufferDepth(depth)
	b.logger.Debug("reclaimed blocks",
		zap.Int("count", n),
		zap.Uint64("floor", floor),
		zap.Int("retained", depth),
	)
	return n
}
