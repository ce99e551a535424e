package block

import (
	"go.uber.org/zap"
)

// Committer receives frozen block snapshots.
type Committer interface {
	Commit(height uint64, events []Event) error
}

// Metrics is the subset of collectors the block package reports to.
type Metrics interface {
	BlockCommitted(height uint64, events int)
	WindowRewound(from, to uint64)
	StaleEventDropped(height uint64)
	BufferDepth(n int)
}

// Window infers block boundaries from a stream of height-tagged events.
// Block N is only known to be complete when the first event of a higher
// height arrives. Window is not safe for concurrent use; it is driven by the
// single ingestion worker.
type Window struct {
	committer Committer
	metrics   Metrics
	logger    *zap.Logger

	started      bool
	nextHeight   uint64
	committed    uint64
	hasCommitted bool
	current      *Snapshot
}

// NewWindow creates a Window that commits completed blocks to committer.
func NewWindow(committer Committer, metrics Metrics, logger *zap.Logger) *Window {
	return &Window{
		committer: committer,
		metrics:   metrics,
		logger:    logger,
	}
}

// Observe merges ev into the block at height, committing or discarding the
// in-flight block first when height moves the window. A late event for a
// height that is already committed, but not below it, is dropped.
func (w *Window) Observe(height uint64, compositeKey string, ev Event) {
	if w.advance(height) {
		w.current.Put(compositeKey, ev)
	}
}

// Mark applies the boundary rules for height without merging an event.
// Used when an event at height could not be decoded: its height still
// signals that earlier blocks are complete.
func (w *Window) Mark(height uint64) {
	w.advance(height)
}

// advance reports whether an event at height belongs to the in-flight block.
func (w *Window) advance(height uint64) bool {
	if !w.started {
		w.started = true
		w.reset(height)
		return true
	}

	switch {
	case height == w.nextHeight:
		return true
	case w.hasCommitted && height < w.committed:
		w.logger.Info("height rewound, discarding in-flight block",
			zap.Uint64("inFlight", w.nextHeight),
			zap.Uint64("committed", w.committed),
			zap.Uint64("height", height),
			zap.Int("discardedEvents", w.current.Len()),
		)
		w.metrics.WindowRewound(w.nextHeight, height)
		w.reset(height)
		return true
	case height < w.nextHeight:
		w.logger.Warn("late event for completed height, dropping",
			zap.Uint64("height", height),
			zap.Uint64("inFlight", w.nextHeight),
		)
		w.metrics.StaleEventDropped(height)
		return false
	default:
		w.commit()
		w.reset(height)
		return true
	}
}

// NextHeight returns the height currently accumulating.
func (w *Window) NextHeight() uint64 {
	return w.nextHeight
}

// CommittedHeight returns the last height handed to the committer.
func (w *Window) CommittedHeight() (uint64, bool) {
	return w.committed, w.hasCommitted
}

// Pending returns the number of distinct keys in the in-flight block.
func (w *Window) Pending() int {
	if w.current == nil {
		return 0
	}
	return w.current.Len()
}

func (w *Window) reset(height uint64) {
	w.nextHeight = height
	w.current = NewSnapshot(height)
}

func (w *Window) commit() {
	height := w.nextHeight

	// Replays after a rewind re-emit heights the buffer already holds.
	if w.hasCommitted && height <= w.committed {
		w.logger.Debug("height committed already, skipping",
			zap.Uint64("height", height),
			zap.Uint64("committed", w.committed),
		)
		return
	}

	events := w.current.Events()
	if err := w.committer.Commit(height, events); err != nil {
		w.logger.Error("failed to commit block",
			zap.Uint64("height", height),
			zap.Error(err),
		)
		return
	}

	w.committed = height
	w.hasCommitted = true
	w.metrics.BlockCommitted(height, len(events))
	w.logger.Debug("block committed",
		zap.Uint64("height", height),
		zap.Int("events", len(events)),
	)
}
