// Package ingest runs the single worker that turns raw storage changes into
// committed blocks.
package ingest

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/dgnsrekt/storage-relay/internal/block"
	"github.com/dgnsrekt/storage-relay/internal/source"
)

// Classifier decodes a raw change into an event.
type Classifier interface {
	Classify(key, value []byte) (block.Event, error)
}

// Window receives decoded events in arrival order.
type Window interface {
	Observe(height uint64, compositeKey string, ev block.Event)
	Mark(height uint64)
}

// Metrics receives ingestion events.
type Metrics interface {
	DecodeFailed()
	ChangeDropped()
}

// Ingester reads the source until it fails or ctx is done.
type Ingester struct {
	src        source.Source
	classifier Classifier
	window     Window
	metrics    Metrics
	logger     *zap.Logger

	observed uint64
}

func New(src source.Source, classifier Classifier, window Window, metrics Metrics, logger *zap.Logger) *Ingester {
	return &Ingester{
		src:        src,
		classifier: classifier,
		window:     window,
		metrics:    metrics,
		logger:     logger,
	}
}

// Run returns nil once ctx is done. Any source failure is fatal and returned.
func (i *Ingester) Run(ctx context.Context) error {
	i.logger.Info("ingestion started")
	defer func() {
		i.logger.Info("ingestion stopped", zap.Uint64("changes", i.observed))
	}()

	for {
		c, err := i.src.Next(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, source.ErrClosed) {
				return nil
			}
			return fmt.Errorf("reading source: %w", err)
		}
		i.handle(c)
	}
}

func (i *Ingester) handle(c source.Change) {
	if c.Height == 0 && !c.Genesis {
		i.metrics.ChangeDropped()
		i.logger.Warn("dropping zero-height change outside genesis",
			zap.String("key", block.HexBytes(c.Key).String()),
		)
		return
	}

	ev, err := i.classifier.Classify(c.Key, c.Value)
	if err != nil {
		i.metrics.DecodeFailed()
		i.logger.Warn("dropping undecodable change",
			zap.Uint64("height", c.Height),
			zap.String("key", block.HexBytes(c.Key).String()),
			zap.Error(err),
		)
		i.window.Mark(c.Height)
		return
	}

	i.observed++
	i.window.Observe(c.Height, block.CompositeKey(ev.Prefix, c.Key), ev)
}
