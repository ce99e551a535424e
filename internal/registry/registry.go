package registry

import (
	"fmt"
	"sort"
	"sync"

	"github.com/coreos/go-semver/semver"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type entry struct {
	sub     Subscriber
	version *semver.Version
	session Session
	done    chan struct{}
}

// Registry maps subscriber URL to its context and supervises one delivery
// session per active subscriber.
type Registry struct {
	mu       sync.RWMutex
	entries  map[string]*entry
	launcher Launcher
	upgrade  UpgradePolicy
	dirty    bool
	kick     chan struct{}

	metrics Metrics
	logger  *zap.Logger
}

// New creates an empty Registry.
func New(upgrade UpgradePolicy, metrics Metrics, logger *zap.Logger) *Registry {
	if upgrade == "" {
		upgrade = UpgradeKeepCursor
	}
	return &Registry{
		entries: make(map[string]*entry),
		upgrade: upgrade,
		kick:    make(chan struct{}, 1),
		metrics: metrics,
		logger:  logger,
	}
}

// Restore loads persisted contexts. It must be called before Start.
func (r *Registry) Restore(subs map[string]Subscriber) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for url, sub := range subs {
		if sub.URL == "" {
			sub.URL = url
		}
		v, err := ParseVersion(sub.Version)
		if err != nil {
			return fmt.Errorf("restoring %s: %w", url, err)
		}
		if len(sub.Prefixes) == 0 {
			return fmt.Errorf("restoring %s: %w", url, ErrNoPrefixes)
		}
		sub.Prefixes = append([]string(nil), sub.Prefixes...)
		r.entries[sub.URL] = &entry{sub: sub, version: v}
	}
	return nil
}

// Start installs the launcher and starts a session for every active context.
func (r *Registry) Start(l Launcher) {
	r.mu.Lock()
	r.launcher = l
	var sessions []Session
	for _, e := range r.entries {
		if e.sub.Active {
			sessions = append(sessions, r.openSession(e))
		}
	}
	active := r.activeCountLocked()
	r.mu.Unlock()

	r.metrics.ActiveSubscribers(active)
	for _, s := range sessions {
		l.Launch(s)
	}
}

// Upsert registers url or reconciles an existing registration with the
// incoming prefixes and version.
func (r *Registry) Upsert(url string, prefixes []string, version string) (Subscriber, error) {
	if url == "" {
		return Subscriber{}, ErrEmptyURL
	}
	incoming := dedupe(prefixes)
	if len(incoming) == 0 {
		return Subscriber{}, ErrNoPrefixes
	}
	v, err := ParseVersion(version)
	if err != nil {
		return Subscriber{}, err
	}

	r.mu.Lock()
	e, exists := r.entries[url]
	var launch *Session
	changed := true

	switch {
	case !exists:
		e = &entry{
			sub: Subscriber{
				URL:      url,
				Prefixes: incoming,
				Version:  version,
				Active:   true,
			},
			version: v,
		}
		r.entries[url] = e
		launch = r.activate(e)
		r.logger.Info("subscriber registered",
			zap.String("url", url),
			zap.Strings("prefixes", incoming),
			zap.String("version", version),
		)

	case e.version.LessThan(*v):
		previous := e.sub.Version
		e.sub.Prefixes = incoming
		e.sub.Version = version
		e.version = v
		if r.upgrade == UpgradeResetCursor {
			e.sub.Cursor = 0
		}
		launch = r.activate(e)
		r.logger.Info("subscriber upgraded",
			zap.String("url", url),
			zap.String("from", previous),
			zap.String("to", version),
			zap.Strings("prefixes", incoming),
			zap.Uint64("cursor", e.sub.Cursor),
		)

	default:
		added := missing(e.sub.Prefixes, incoming)
		switch {
		case len(added) > 0:
			e.sub.Prefixes = append(e.sub.Prefixes, added...)
			launch = r.activate(e)
			r.logger.Info("subscriber prefixes added",
				zap.String("url", url),
				zap.Strings("added", added),
			)
		case !e.sub.Active:
			launch = r.activate(e)
			r.logger.Info("subscriber resumed",
				zap.String("url", url),
				zap.Uint64("cursor", e.sub.Cursor),
			)
		default:
			changed = false
		}
	}

	sub := e.sub.clone()
	active := r.activeCountLocked()
	launcher := r.launcher
	if changed {
		r.markDirtyLocked()
	}
	r.mu.Unlock()

	r.metrics.ActiveSubscribers(active)
	if launch != nil && launcher != nil {
		launcher.Launch(*launch)
	}
	return sub, nil
}

// Deactivate stops delivery to url. Deactivating an inactive subscriber is a
// no-op.
func (r *Registry) Deactivate(url string) error {
	r.mu.Lock()
	e, ok := r.entries[url]
	if !ok {
		r.mu.Unlock()
		return ErrNotFound
	}
	wasActive := e.sub.Active
	if wasActive {
		r.deactivate(e)
		r.markDirtyLocked()
	}
	active := r.activeCountLocked()
	r.mu.Unlock()

	if wasActive {
		r.metrics.SubscriberDeactivated(ReasonDeregistered)
		r.metrics.ActiveSubscribers(active)
		r.logger.Info("subscriber deregistered", zap.String("url", url))
	}
	return nil
}

// Fail deactivates the subscriber owning s. It reports false when s is no
// longer the subscriber's current session.
func (r *Registry) Fail(s Session, reason string) bool {
	r.mu.Lock()
	e, ok := r.current(s)
	if !ok {
		r.mu.Unlock()
		return false
	}
	r.deactivate(e)
	r.markDirtyLocked()
	active := r.activeCountLocked()
	r.mu.Unlock()

	r.metrics.SubscriberDeactivated(reason)
	r.metrics.ActiveSubscribers(active)
	return true
}

// Current returns the subscriber owning s while s is its active session.
func (r *Registry) Current(s Session) (Subscriber, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.current(s)
	if !ok {
		return Subscriber{}, false
	}
	return e.sub.clone(), true
}

// AdvanceCursor moves the cursor of the subscriber owning s from from to to.
// It is a no-op when s was deactivated mid-flight or the cursor moved
// meanwhile.
func (r *Registry) AdvanceCursor(s Session, from, to uint64) bool {
	if to <= from {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.current(s)
	if !ok || e.sub.Cursor != from {
		return false
	}
	e.sub.Cursor = to
	r.dirty = true
	return true
}

// Lookup returns the context for url regardless of its state.
func (r *Registry) Lookup(url string) (Subscriber, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[url]
	if !ok {
		return Subscriber{}, false
	}
	return e.sub.clone(), true
}

// Snapshot returns a copy of every context keyed by URL.
func (r *Registry) Snapshot() map[string]Subscriber {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]Subscriber, len(r.entries))
	for url, e := range r.entries {
		out[url] = e.sub.clone()
	}
	return out
}

// List returns every context sorted by URL.
func (r *Registry) List() []Subscriber {
	snap := r.Snapshot()
	out := make([]Subscriber, 0, len(snap))
	for _, sub := range snap {
		out = append(out, sub)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].URL < out[j].URL })
	return out
}

// ActiveFloor returns the lowest cursor over all active subscribers.
func (r *Registry) ActiveFloor() (uint64, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var floor uint64
	found := false
	for _, e := range r.entries {
		if !e.sub.Active {
			continue
		}
		if !found || e.sub.Cursor < floor {
			floor = e.sub.Cursor
			found = true
		}
	}
	return floor, found
}

// ActiveCount returns the number of active subscribers.
func (r *Registry) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.activeCountLocked()
}

// Changes is signalled after every registration-level mutation.
func (r *Registry) Changes() <-chan struct{} {
	return r.kick
}

// takeDirty reports and clears whether anything changed since the last call.
func (r *Registry) takeDirty() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	d := r.dirty
	r.dirty = false
	return d
}

func (r *Registry) markDirtyLocked() {
	r.dirty = true
	select {
	case r.kick <- struct{}{}:
	default:
	}
}

func (r *Registry) current(s Session) (*entry, bool) {
	e, ok := r.entries[s.URL]
	if !ok || !e.sub.Active || e.session.ID != s.ID {
		return nil, false
	}
	return e, true
}

// activate marks e active and opens a session when none is running.
func (r *Registry) activate(e *entry) *Session {
	e.sub.Active = true
	if e.done != nil {
		return nil
	}
	s := r.openSession(e)
	return &s
}

func (r *Registry) openSession(e *entry) Session {
	done := make(chan struct{})
	e.done = done
	e.session = Session{URL: e.sub.URL, ID: uuid.NewString(), Done: done}
	return e.session
}

func (r *Registry) deactivate(e *entry) {
	e.sub.Active = false
	if e.done != nil {
		close(e.done)
		e.done = nil
	}
	e.session = Session{}
}

func (r *Registry) activeCountLocked() int {
	n := 0
	for _, e := range r.entries {
		if e.sub.Active {
			n++
		}
	}
	return n
}

func (s Subscriber) clone() Subscriber {
	s.Prefixes = append([]string(nil), s.Prefixes...)
	return s
}

func dedupe(prefixes []string) []string {
	seen := make(map[string]bool, len(prefixes))
	out := make([]string, 0, len(prefixes))
	for _, p := range prefixes {
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	return out
}

func missing(have, incoming []string) []string {
	set := make(map[string]bool, len(have))
	for _, p := range have {
		set[p] = true
	}
	var out []string
	for _, p := range incoming {
		if !set[p] {
			out = append(out, p)
		}
	}
	return out
}
