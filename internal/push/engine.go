package push

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/dgnsrekt/storage-relay/internal/block"
	"github.com/dgnsrekt/storage-relay/internal/registry"
)

// GapPolicy selects what a delivery loop does when its cursor points below
// the retained window.
type GapPolicy string

const (
	// GapClamp moves the cursor up to the oldest retained height.
	GapClamp GapPolicy = "clamp"
	// GapFail deactivates the subscriber.
	GapFail GapPolicy = "fail"
)

// Config controls delivery behavior.
type Config struct {
	ChunkSize     int
	RetryCount    int
	RetryInterval time.Duration
	RatePerSecond float64
	GapPolicy     GapPolicy
}

// Metrics receives delivery events.
type Metrics interface {
	PushAttempted(ok bool)
	PushRetried()
}

// Alerter is told when a subscriber is deactivated by the engine.
type Alerter interface {
	SubscriberDeactivated(ctx context.Context, url, reason string, cause error) error
}

// Source is the read side of the block buffer.
type Source interface {
	Next(height uint64) (uint64, []block.Event, block.Status)
	Changed() <-chan struct{}
	Oldest() (uint64, bool)
	Floor() uint64
	Reclaim(cursors block.CursorFloor) int
}

// Subscribers is the registry surface the engine drives.
type Subscribers interface {
	block.CursorFloor
	Start(l registry.Launcher)
	Current(s registry.Session) (registry.Subscriber, bool)
	AdvanceCursor(s registry.Session, from, to uint64) bool
	Fail(s registry.Session, reason string) bool
}

// Engine runs one delivery loop per active subscriber session. Each loop
// paces its pushes with its own limiter.
type Engine struct {
	buffer      Source
	subscribers Subscribers
	pusher      Pusher
	cfg         Config
	limit       rate.Limit
	alerter     Alerter
	metrics     Metrics
	logger      *zap.Logger

	mu      sync.Mutex
	ctx     context.Context
	stopped bool
	wg      sync.WaitGroup
}

// Compile-time interface verification
var _ registry.Launcher = (*Engine)(nil)

// NewEngine creates an Engine. Zero config values fall back to defaults.
func NewEngine(buffer Source, subscribers Subscribers, pusher Pusher, cfg Config, alerter Alerter, metrics Metrics, logger *zap.Logger) *Engine {
	if cfg.ChunkSize < 1 {
		cfg.ChunkSize = DefaultChunkSize
	}
	if cfg.RetryCount < 1 {
		cfg.RetryCount = 1
	}
	if cfg.GapPolicy == "" {
		cfg.GapPolicy = GapClamp
	}

	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}

	return &Engine{
		buffer:      buffer,
		subscribers: subscribers,
		pusher:      pusher,
		cfg:         cfg,
		limit:       limit,
		alerter:     alerter,
		metrics:     metrics,
		logger:      logger,
	}
}

// Run launches loops for every active subscriber and blocks until ctx is
// done and all loops have returned.
func (e *Engine) Run(ctx context.Context) error {
	e.mu.Lock()
	e.ctx = ctx
	e.mu.Unlock()

	e.subscribers.Start(e)
	e.logger.Info("push engine started",
		zap.Int("chunkSize", e.cfg.ChunkSize),
		zap.Int("retryCount", e.cfg.RetryCount),
		zap.Duration("retryInterval", e.cfg.RetryInterval),
		zap.String("gapPolicy", string(e.cfg.GapPolicy)),
	)

	<-ctx.Done()
	e.mu.Lock()
	e.stopped = true
	e.mu.Unlock()
	e.wg.Wait()
	e.logger.Info("push engine stopped")
	return nil
}

// Launch starts the delivery loop for s. It does nothing once Run is
// stopping.
func (e *Engine) Launch(s registry.Session) {
	e.mu.Lock()
	ctx := e.ctx
	switch {
	case ctx == nil:
		e.mu.Unlock()
		e.logger.Warn("launch before engine start", zap.String("url", s.URL))
		return
	case e.stopped || ctx.Err() != nil:
		e.mu.Unlock()
		e.logger.Debug("launch after engine stop", zap.String("url", s.URL))
		return
	}
	e.wg.Add(1)
	e.mu.Unlock()

	go func() {
		defer e.wg.Done()
		e.deliver(ctx, s)
	}()
}

func (e *Engine) deliver(ctx context.Context, s registry.Session) {
	log := e.logger.With(zap.String("url", s.URL), zap.String("session", s.ID))
	log.Debug("delivery loop started")
	defer log.Debug("delivery loop stopped")

	limiter := rate.NewLimiter(e.limit, 1)

	for {
		if ctx.Err() != nil {
			return
		}
		sub, ok := e.subscribers.Current(s)
		if !ok {
			return
		}

		changed := e.buffer.Changed()
		height, events, status := e.buffer.Next(sub.Cursor)

		switch status {
		case block.StatusPending:
			select {
			case <-changed:
			case <-s.Done:
				return
			case <-ctx.Done():
				return
			}
			continue

		case block.StatusGone:
			if !e.handleGap(ctx, s, sub, log) {
				return
			}
			continue
		}

		matched := Filter(events, sub.Prefixes)
		if len(matched) > 0 {
			err := e.pushBlock(ctx, s, limiter, height, matched, log)
			if errors.Is(err, errStopped) {
				return
			}
			if err != nil {
				e.deactivate(ctx, s, registry.ReasonRetriesExhausted, err, log)
				return
			}
		}

		if e.subscribers.AdvanceCursor(s, sub.Cursor, height+1) {
			e.buffer.Reclaim(e.subscribers)
		}
	}
}

// pushBlock delivers every chunk of one block in order.
func (e *Engine) pushBlock(ctx context.Context, s registry.Session, limiter *rate.Limiter, height uint64, events []block.Event, log *zap.Logger) error {
	for i, chunk := range Chunk(events, e.cfg.ChunkSize) {
		msg := Message{Height: height, Data: chunk}
		if err := e.pushWithRetry(ctx, s, limiter, msg); err != nil {
			if errors.Is(err, errStopped) {
				return err
			}
			log.Error("push failed",
				zap.Uint64("height", height),
				zap.Int("chunk", i),
				zap.Int("attempts", e.cfg.RetryCount),
				zap.Error(err),
			)
			return err
		}
	}
	log.Debug("block delivered",
		zap.Uint64("height", height),
		zap.Int("events", len(events)),
	)
	return nil
}

// pushWithRetry makes up to RetryCount attempts spaced by RetryInterval.
func (e *Engine) pushWithRetry(ctx context.Context, s registry.Session, limiter *rate.Limiter, msg Message) error {
	var lastErr error
	for attempt := 1; attempt <= e.cfg.RetryCount; attempt++ {
		if attempt > 1 {
			e.metrics.PushRetried()
			if !sleep(ctx, s.Done, e.cfg.RetryInterval) {
				return errStopped
			}
		}
		if err := limiter.Wait(ctx); err != nil {
			return errStopped
		}

		err := e.pusher.Push(ctx, s.URL, msg)
		e.metrics.PushAttempted(err == nil)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return errStopped
		}
		lastErr = err
	}
	return fmt.Errorf("%w after %d attempts: %v", ErrRetriesExhausted, e.cfg.RetryCount, lastErr)
}

// handleGap applies the gap policy. It reports whether the loop should keep
// running.
func (e *Engine) handleGap(ctx context.Context, s registry.Session, sub registry.Subscriber, log *zap.Logger) bool {
	floor := e.buffer.Floor()
	if e.cfg.GapPolicy == GapFail {
		err := fmt.Errorf("%w: cursor %d, floor %d", ErrGap, sub.Cursor, floor)
		log.Error("subscriber fell behind retained window", zap.Error(err))
		e.deactivate(ctx, s, registry.ReasonGap, err, log)
		return false
	}

	target := floor
	if oldest, ok := e.buffer.Oldest(); ok && oldest > target {
		target = oldest
	}
	if !e.subscribers.AdvanceCursor(s, sub.Cursor, target) {
		_, ok := e.subscribers.Current(s)
		return ok
	}
	log.Warn("cursor clamped to retained window",
		zap.Uint64("from", sub.Cursor),
		zap.Uint64("to", target),
	)
	return true
}

func (e *Engine) deactivate(ctx context.Context, s registry.Session, reason string, cause error, log *zap.Logger) {
	if !e.subscribers.Fail(s, reason) {
		return
	}
	log.Warn("subscriber deactivated", zap.String("reason", reason))

	if e.alerter != nil {
		if err := e.alerter.SubscriberDeactivated(ctx, s.URL, reason, cause); err != nil {
			log.Warn("failed to send deactivation alert", zap.Error(err))
		}
	}
	e.buffer.Reclaim(e.subscribers)
}

func sleep(ctx context.Context, done <-chan struct{}, d time.Duration) bool {
	if d <= 0 {
		select {
		case <-ctx.Done():
			return false
		case <-done:
			return false
		default:
			return true
		}
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	case <-done:
		return false
	}
}
