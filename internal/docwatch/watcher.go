// Package docwatch resyncs sessions when their backing files change on disk.
package docwatch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"pkt.systems/coqsync/internal/logx"
	"pkt.systems/coqsync/schema"
	"pkt.systems/pslog"
)

// DefaultDebounce is how long a file must be quiet before it is reloaded.
const DefaultDebounce = 200 * time.Millisecond

// Resyncer applies new document text to a session.
type Resyncer interface {
	Resync(ctx context.Context, id schema.DocumentID, text string) error
}

// Config tunes the watcher.
type Config struct {
	Debounce time.Duration
	Logger   pslog.Logger
}

// Stats counts watcher activity.
type Stats struct {
	Events  int
	Reloads int
	Errors  int
}

type watched struct {
	id   schema.DocumentID
	text string
}

// Watcher maps files to sessions and reloads them after writes settle.
type Watcher struct {
	target   Resyncer
	debounce time.Duration
	log      pslog.Logger
	fs       *fsnotify.Watcher

	mu      sync.Mutex
	files   map[string]*watched
	dirs    map[string]int
	pending map[string]time.Time
	stats   Stats
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// New constructs a watcher that reloads into target.
func New(target Resyncer, cfg Config) (*Watcher, error) {
	if target == nil {
		return nil, errors.New("resync target required")
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}
	logger := cfg.Logger
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	return &Watcher{
		target:   target,
		debounce: cfg.Debounce,
		log:      logger,
		fs:       fs,
		files:    make(map[string]*watched),
		dirs:     make(map[string]int),
		pending:  make(map[string]time.Time),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}, nil
}

// Add watches path for the session id. The current file content becomes the
// baseline; only later changes are reloaded. The parent directory is watched
// so editors that replace files on save are still seen.
func (w *Watcher) Add(path string, id schema.DocumentID) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", path, err)
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return fmt.Errorf("read %s: %w", abs, err)
	}
	dir := filepath.Dir(abs)
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.files[abs]; ok {
		w.files[abs] = &watched{id: id, text: string(data)}
		return nil
	}
	if w.dirs[dir] == 0 {
		if err := w.fs.Add(dir); err != nil {
			return fmt.Errorf("watch %s: %w", dir, err)
		}
	}
	w.dirs[dir]++
	w.files[abs] = &watched{id: id, text: string(data)}
	w.log.Info("docwatch add", "path", abs, "document", id)
	return nil
}

// Remove stops watching path.
func (w *Watcher) Remove(path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", path, err)
	}
	dir := filepath.Dir(abs)
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.files[abs]; !ok {
		return nil
	}
	delete(w.files, abs)
	delete(w.pending, abs)
	w.dirs[dir]--
	if w.dirs[dir] > 0 {
		return nil
	}
	delete(w.dirs, dir)
	if err := w.fs.Remove(dir); err != nil && !errors.Is(err, fsnotify.ErrNonExistentWatch) {
		return fmt.Errorf("unwatch %s: %w", dir, err)
	}
	return nil
}

// Start runs the event loop in a goroutine.
func (w *Watcher) Start(ctx context.Context) {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return
	}
	w.running = true
	w.mu.Unlock()
	go w.run(ctx)
}

// Stop ends the event loop and releases the underlying watcher.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	running := w.running
	w.running = false
	w.mu.Unlock()
	if running {
		close(w.stopCh)
		<-w.doneCh
	}
	return w.fs.Close()
}

// Stats reports activity counters.
func (w *Watcher) Stats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stats
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.doneCh)
	tick := max(w.debounce/4, 10*time.Millisecond)
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case event, ok := <-w.fs.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.log.Warn("docwatch error", "err", err)
			w.mu.Lock()
			w.stats.Errors++
			w.mu.Unlock()
		case <-ticker.C:
			w.reloadSettled(ctx)
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
		return
	}
	name := filepath.Clean(event.Name)
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.files[name]; !ok {
		return
	}
	w.stats.Events++
	w.pending[name] = time.Now()
}

func (w *Watcher) reloadSettled(ctx context.Context) {
	now := time.Now()
	var ready []string
	w.mu.Lock()
	for path, at := range w.pending {
		if now.Sub(at) >= w.debounce {
			ready = append(ready, path)
			delete(w.pending, path)
		}
	}
	w.mu.Unlock()
	for _, path := range ready {
		w.reload(ctx, path)
	}
}

func (w *Watcher) reload(ctx context.Context, path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			w.log.Warn("docwatch read failed", "path", path, "err", err)
			w.countError()
		}
		return
	}
	text := string(data)
	w.mu.Lock()
	file, ok := w.files[path]
	if !ok || file.text == text {
		w.mu.Unlock()
		return
	}
	id := file.id
	w.mu.Unlock()

	log := logx.WithDocument(ctx, id)
	if err := w.target.Resync(logx.ContextWithDocumentLogger(ctx, log, id), id, text); err != nil {
		log.Warn("docwatch resync failed", "path", path, "err", err)
		w.countError()
		return
	}
	log.Info("docwatch reloaded", "path", path)
	w.mu.Lock()
	if file, ok := w.files[path]; ok {
		file.text = text
	}
	w.stats.Reloads++
	w.mu.Unlock()
}

func (w *Watcher) countError() {
	w.mu.Lock()
	w.stats.Errors++
	w.mu.Unlock()
}
