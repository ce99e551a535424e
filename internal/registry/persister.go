package registry

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Persister saves the registry after registration changes and periodically
// for cursor progress.
type Persister struct {
	registry *Registry
	store    Store
	interval time.Duration
	logger   *zap.Logger
}

func NewPersister(registry *Registry, store Store, interval time.Duration, logger *zap.Logger) *Persister {
	return &Persister{
		registry: registry,
		store:    store,
		interval: interval,
		logger:   logger,
	}
}

// Run saves until ctx is cancelled, then performs a final save.
func (p *Persister) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.registry.takeDirty()
			return p.Save()
		case <-p.registry.Changes():
			p.flush()
		case <-ticker.C:
			p.flush()
		}
	}
}

// Save writes the current snapshot unconditionally.
func (p *Persister) Save() error {
	snap := p.registry.Snapshot()
	if err := p.store.Save(snap); err != nil {
		return err
	}
	p.logger.Debug("registry saved", zap.Int("subscribers", len(snap)))
	return nil
}

func (p *Persister) flush() {
	if !p.registry.takeDirty() {
		return
	}
	if err := p.Save(); err != nil {
		p.logger.Error("failed to save registry", zap.Error(err))
		// retry on the next tick
		p.registry.mu.Lock()
		p.registry.dirty = true
		p.registry.mu.Unlock()
	}
}
