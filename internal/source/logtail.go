package source

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/klauspost/compress/zstd"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const defaultPollInterval = time.Second

// LogTailConfig locates the change-log segments.
type LogTailConfig struct {
	Dir          string
	Pattern      string
	PollInterval time.Duration
}

type logLine struct {
	Height Height      `json:"height"`
	Key    nullableHex `json:"key"`
	Value  nullableHex `json:"value"`
}

type segment struct {
	name     string
	file     *os.File
	zr       *zstd.Decoder
	reader   *bufio.Reader
	partial  []byte
	draining bool
}

func (s *segment) compressed() bool {
	return s.zr != nil
}

func (s *segment) close() error {
	if s.zr != nil {
		s.zr.Close()
	}
	return s.file.Close()
}

// LogTail reads a directory of newline-delimited change segments in name
// order and follows the newest one as it grows.
type LogTail struct {
	cfg     LogTailConfig
	watcher *fsnotify.Watcher
	wakeup  chan struct{}

	mu   sync.Mutex
	cur  *segment
	last string

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	genesis genesisTracker
	logger  *zap.Logger
}

// Compile-time interface verification
var _ Source = (*LogTail)(nil)

// OpenLogTail starts watching cfg.Dir, creating it if needed.
func OpenLogTail(cfg LogTailConfig, logger *zap.Logger) (*LogTail, error) {
	if cfg.Pattern == "" {
		cfg.Pattern = "*"
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if _, err := filepath.Match(cfg.Pattern, ""); err != nil {
		return nil, fmt.Errorf("invalid segment pattern %q: %w", cfg.Pattern, err)
	}
	if err := os.MkdirAll(cfg.Dir, 0750); err != nil {
		return nil, fmt.Errorf("creating log dir: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating watcher: %w", err)
	}
	if err := watcher.Add(cfg.Dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watching %s: %w", cfg.Dir, err)
	}

	t := &LogTail{
		cfg:     cfg,
		watcher: watcher,
		wakeup:  make(chan struct{}, 1),
		done:    make(chan struct{}),
		logger:  logger,
	}
	t.wg.Add(1)
	go t.watch()

	logger.Info("following change log",
		zap.String("dir", cfg.Dir),
		zap.String("pattern", cfg.Pattern),
	)
	return t, nil
}

// Next returns the next change, waiting for segments to grow or appear.
func (t *LogTail) Next(ctx context.Context) (Change, error) {
	for {
		select {
		case <-t.done:
			return Change{}, ErrClosed
		default:
		}

		t.mu.Lock()
		seg := t.cur
		t.mu.Unlock()

		if seg == nil {
			opened, err := t.openNext()
			if err != nil {
				return Change{}, err
			}
			if !opened {
				if err := t.wait(ctx); err != nil {
					return Change{}, err
				}
			}
			continue
		}

		line, err := seg.reader.ReadBytes('\n')
		switch {
		case err == nil:
			if len(seg.partial) > 0 {
				line = append(seg.partial, line...)
				seg.partial = nil
			}
			c, ok := t.parse(seg.name, line)
			if !ok {
				continue
			}
			return c, nil

		case errors.Is(err, io.EOF):
			seg.partial = append(seg.partial, line...)
			if seg.compressed() || seg.draining {
				if c, ok := t.finish(seg); ok {
					return c, nil
				}
				continue
			}
			newer, err := t.hasNewer(seg.name)
			if err != nil {
				return Change{}, err
			}
			if newer {
				// drain whatever was appended before the next segment appeared
				seg.draining = true
				continue
			}
			if err := t.wait(ctx); err != nil {
				return Change{}, err
			}

		default:
			select {
			case <-t.done:
				return Change{}, ErrClosed
			default:
			}
			return Change{}, fmt.Errorf("reading segment %s: %w", seg.name, err)
		}
	}
}

// Close stops the watcher and closes the open segment.
func (t *LogTail) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.done)
		err = multierr.Append(err, t.watcher.Close())
		t.wg.Wait()

		t.mu.Lock()
		if t.cur != nil {
			err = multierr.Append(err, t.cur.close())
			t.cur = nil
		}
		t.mu.Unlock()
	})
	return err
}

func (t *LogTail) parse(name string, line []byte) (Change, bool) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return Change{}, false
	}

	var l logLine
	if err := json.Unmarshal(line, &l); err != nil {
		t.logger.Warn("skipping malformed change line",
			zap.String("segment", name),
			zap.Error(err),
		)
		return Change{}, false
	}
	if l.Key == nil {
		t.logger.Warn("skipping change line without key", zap.String("segment", name))
		return Change{}, false
	}

	height := uint64(l.Height)
	return Change{
		Height:  height,
		Key:     l.Key,
		Value:   l.Value,
		Genesis: t.genesis.flag(height),
	}, true
}

// segments lists matching files in name order.
func (t *LogTail) segments() ([]string, error) {
	entries, err := os.ReadDir(t.cfg.Dir)
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", t.cfg.Dir, err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if ok, _ := filepath.Match(t.cfg.Pattern, e.Name()); ok {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

func (t *LogTail) hasNewer(name string) (bool, error) {
	names, err := t.segments()
	if err != nil {
		return false, err
	}
	return len(names) > 0 && names[len(names)-1] > name, nil
}

// openNext opens the first segment named after the last one consumed.
func (t *LogTail) openNext() (bool, error) {
	names, err := t.segments()
	if err != nil {
		return false, err
	}

	t.mu.Lock()
	last := t.last
	t.mu.Unlock()

	idx := sort.SearchStrings(names, last)
	for idx < len(names) && names[idx] <= last {
		idx++
	}
	if idx == len(names) {
		return false, nil
	}
	name := names[idx]

	file, err := os.Open(filepath.Join(t.cfg.Dir, name))
	if err != nil {
		return false, fmt.Errorf("opening segment %s: %w", name, err)
	}
	seg := &segment{name: name, file: file}
	if strings.HasSuffix(name, ".zst") {
		zr, err := zstd.NewReader(file)
		if err != nil {
			file.Close()
			return false, fmt.Errorf("opening compressed segment %s: %w", name, err)
		}
		seg.zr = zr
		seg.reader = bufio.NewReader(zr)
	} else {
		seg.reader = bufio.NewReader(file)
	}

	t.mu.Lock()
	t.cur = seg
	t.last = name
	t.mu.Unlock()

	t.logger.Debug("segment opened",
		zap.String("segment", name),
		zap.Bool("compressed", seg.compressed()),
	)
	return true, nil
}

// finish closes seg. A final line without a trailing newline is returned.
func (t *LogTail) finish(seg *segment) (Change, bool) {
	c, ok := t.parse(seg.name, seg.partial)
	seg.partial = nil

	t.mu.Lock()
	if t.cur == seg {
		t.cur = nil
	}
	t.mu.Unlock()

	if err := seg.close(); err != nil {
		t.logger.Warn("closing segment", zap.String("segment", seg.name), zap.Error(err))
	}
	t.logger.Debug("segment finished", zap.String("segment", seg.name))
	return c, ok
}

func (t *LogTail) wait(ctx context.Context) error {
	timer := time.NewTimer(t.cfg.PollInterval)
	defer timer.Stop()
	select {
	case <-t.wakeup:
		return nil
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-t.done:
		return ErrClosed
	}
}

func (t *LogTail) watch() {
	defer t.wg.Done()
	for {
		select {
		case ev, ok := <-t.watcher.Events:
			if !ok {
				return
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) {
				select {
				case t.wakeup <- struct{}{}:
				default:
				}
			}
		case err, ok := <-t.watcher.Errors:
			if !ok {
				return
			}
			t.logger.Warn("change log watcher error", zap.Error(err))
		case <-t.done:
			return
		}
	}
}
