package core

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"pkt.systems/coqsync/internal/docbuf"
	"pkt.systems/coqsync/internal/logx"
	"pkt.systems/coqsync/internal/persist"
	"pkt.systems/coqsync/schema"
	"pkt.systems/pslog"
)

// Registry owns the sessions of all open documents.
type Registry struct {
	cfg       schema.ServiceConfig
	launcher  Launcher
	segmenter Segmenter
	annotator Annotator
	states    StateSink
	store     *persist.Store
	logger    pslog.Logger

	mu      sync.Mutex
	console Console
	entries map[schema.DocumentID]*entry
}

type entry struct {
	driver *Driver
	buffer *docbuf.Buffer
	req    schema.StartRequest
	cancel context.CancelFunc
	done   chan struct{}
}

// NewRegistry constructs a registry. A store is opened under cfg.StateDir
// unless deps carries one.
func NewRegistry(cfg schema.ServiceConfig, deps RegistryDeps) (*Registry, error) {
	normalized, err := schema.NormalizeServiceConfig(cfg)
	if err != nil {
		return nil, err
	}
	if deps.Launcher == nil {
		return nil, fmt.Errorf("launcher is required: %w", schema.ErrInvalidRequest)
	}
	logger := deps.Logger
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	store := deps.Store
	if store == nil && normalized.StateDir != "" {
		store, err = persist.NewStoreWithLogger(normalized.StateDir, logger)
		if err != nil {
			return nil, err
		}
	}
	return &Registry{
		cfg:       normalized,
		launcher:  deps.Launcher,
		segmenter: deps.Segmenter,
		annotator: deps.Annotator,
		states:    deps.States,
		store:     store,
		logger:    logger,
		console:   deps.Console,
		entries:   make(map[schema.DocumentID]*entry),
	}, nil
}

// Start launches a REPL for a document and returns its initial snapshot.
func (r *Registry) Start(ctx context.Context, req schema.StartRequest) (schema.SessionSnapshot, error) {
	if ctx == nil {
		return schema.SessionSnapshot{}, errors.New("missing context")
	}
	if err := schema.ValidateDocumentID(req.DocumentID); err != nil {
		return schema.SessionSnapshot{}, err
	}
	log := logx.WithPath(logx.WithDocument(ctx, req.DocumentID), req.Path)
	if req.Text == "" && req.Path != "" {
		data, err := os.ReadFile(req.Path)
		if err != nil {
			return schema.SessionSnapshot{}, fmt.Errorf("read document: %w", err)
		}
		req.Text = string(data)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[req.DocumentID]; ok {
		return schema.SessionSnapshot{}, schema.ErrSessionExists
	}

	launch, err := r.launchRequest(req)
	if err != nil {
		return schema.SessionSnapshot{}, err
	}
	log.Info("coqtop start", "args", launch.Args)
	channel, err := r.launcher.Launch(ctx, launch)
	if err != nil {
		var launchErr *LaunchError
		if !errors.As(err, &launchErr) {
			err = NewLaunchError(launch.Path, err)
		}
		log.Warn("coqtop start failed", "err", err)
		return schema.SessionSnapshot{}, err
	}

	buffer := docbuf.New(req.Text)
	e := &entry{buffer: buffer, req: req, done: make(chan struct{})}
	driver, err := NewDriver(req.DocumentID, r.cfg, DriverDeps{
		Channel:     channel,
		Document:    buffer,
		Highlighter: buffer,
		Segmenter:   r.segmenter,
		Annotator:   r.annotator,
		Console:     r.console,
		States:      r.stateSink(req.DocumentID, req.Path, buffer),
		Logger:      r.logger,
		Path:        req.Path,
	})
	if err != nil {
		_ = channel.Terminate()
		return schema.SessionSnapshot{}, err
	}
	e.driver = driver

	if req.Resume {
		r.scheduleResume(log, e)
	}

	runCtx, cancel := context.WithCancel(logx.ContextWithDocumentLogger(context.Background(), log, req.DocumentID))
	e.cancel = cancel
	r.entries[req.DocumentID] = e
	go r.run(runCtx, e)
	return driver.Snapshot(), nil
}

func (r *Registry) launchRequest(req schema.StartRequest) (LaunchRequest, error) {
	args := append([]string{}, r.cfg.CoqtopArgs...)
	var dir string
	if req.Path != "" {
		abs, err := filepath.Abs(req.Path)
		if err != nil {
			return LaunchRequest{}, fmt.Errorf("resolve document path: %w", err)
		}
		dir = filepath.Dir(abs)
		if r.cfg.BindProjectRoot {
			args = append(args, "-R", dir, "")
		}
	}
	return LaunchRequest{Path: r.cfg.CoqtopPath, Args: args, Dir: dir, Debug: r.cfg.DebugCoqtop}, nil
}

func (r *Registry) scheduleResume(log pslog.Logger, e *entry) {
	if r.store == nil {
		return
	}
	snapshot, ok, err := r.store.Load(e.req.DocumentID)
	if err != nil || !ok {
		return
	}
	if snapshot.Position == 0 || !snapshot.Matches(e.req.Text) {
		log.Info("session resume skipped", "position", snapshot.Position)
		return
	}
	log.Info("session resume", "position", snapshot.Position)
	e.driver.scheduleGoTo(snapshot.Position)
}

func (r *Registry) stateSink(id schema.DocumentID, path string, buffer *docbuf.Buffer) StateSink {
	return StateSinkFunc(func(event schema.StateEvent) {
		if r.store != nil && !event.Snapshot.Closed {
			err := r.store.Save(persist.DocumentSnapshot{
				ID:         id,
				Path:       path,
				Position:   event.Snapshot.Position,
				ProvenHash: persist.HashPrefix(buffer.Text(), event.Snapshot.Position),
				Steps:      event.Snapshot.Steps,
			})
			if err != nil {
				r.logger.With("document", id).Warn("session snapshot save failed", "err", err)
			}
		}
		if r.states != nil {
			r.states.OnState(event)
		}
	})
}

func (r *Registry) run(ctx context.Context, e *entry) {
	defer close(e.done)
	err := e.driver.Run(ctx)
	if errors.Is(err, schema.ErrChannelClosed) {
		pslog.Ctx(ctx).Warn("session torn down", "err", err)
		r.mu.Lock()
		if r.entries[e.req.DocumentID] == e {
			delete(r.entries, e.req.DocumentID)
		}
		r.mu.Unlock()
	}
}

// Driver returns the driver of a document.
func (r *Registry) Driver(id schema.DocumentID) (*Driver, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return nil, schema.ErrSessionNotFound
	}
	return e.driver, nil
}

// Buffer returns the document buffer of a session.
func (r *Registry) Buffer(id schema.DocumentID) (*docbuf.Buffer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return nil, schema.ErrSessionNotFound
	}
	return e.buffer, nil
}

// Get returns the snapshot of a document session.
func (r *Registry) Get(id schema.DocumentID) (schema.SessionSnapshot, error) {
	driver, err := r.Driver(id)
	if err != nil {
		return schema.SessionSnapshot{}, err
	}
	return driver.Snapshot(), nil
}

// List returns snapshots of all sessions ordered by document id.
func (r *Registry) List() []schema.SessionSnapshot {
	r.mu.Lock()
	drivers := make([]*Driver, 0, len(r.entries))
	for _, e := range r.entries {
		drivers = append(drivers, e.driver)
	}
	r.mu.Unlock()
	sort.Slice(drivers, func(i, j int) bool { return drivers[i].ID() < drivers[j].ID() })
	out := make([]schema.SessionSnapshot, 0, len(drivers))
	for _, driver := range drivers {
		out = append(out, driver.Snapshot())
	}
	return out
}

// Stop closes a session and removes it from the registry.
func (r *Registry) Stop(ctx context.Context, id schema.DocumentID) error {
	r.mu.Lock()
	e, ok := r.entries[id]
	if ok {
		delete(r.entries, id)
	}
	r.mu.Unlock()
	if !ok {
		return schema.ErrSessionNotFound
	}
	return r.stopEntry(ctx, e)
}

func (r *Registry) stopEntry(ctx context.Context, e *entry) error {
	err := e.driver.Close(ctx)
	e.cancel()
	select {
	case <-e.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	logx.WithDocument(ctx, e.req.DocumentID).Info("session stopped")
	return err
}

// Restart stops a session and starts a fresh REPL over its current text.
func (r *Registry) Restart(ctx context.Context, id schema.DocumentID) (schema.SessionSnapshot, error) {
	r.mu.Lock()
	e, ok := r.entries[id]
	r.mu.Unlock()
	if !ok {
		return schema.SessionSnapshot{}, schema.ErrSessionNotFound
	}
	req := e.req
	req.Text = e.buffer.Text()
	req.Resume = false
	if err := r.Stop(ctx, id); err != nil && !errors.Is(err, schema.ErrSessionNotFound) {
		logx.WithDocument(ctx, id).Warn("session restart stop failed", "err", err)
	}
	return r.Start(ctx, req)
}

// StopAll closes every session.
func (r *Registry) StopAll(ctx context.Context) error {
	r.mu.Lock()
	entries := make([]*entry, 0, len(r.entries))
	for id, e := range r.entries {
		entries = append(entries, e)
		delete(r.entries, id)
	}
	r.mu.Unlock()
	var errs []error
	for _, e := range entries {
		if err := r.stopEntry(ctx, e); err != nil {
			errs = append(errs, fmt.Errorf("stop %s: %w", e.req.DocumentID, err))
		}
	}
	return errors.Join(errs...)
}

// UpdateText replaces the document text. Edits inside the proven prefix, or
// the statement awaiting its reply, are rejected.
func (r *Registry) UpdateText(ctx context.Context, id schema.DocumentID, text string) error {
	r.mu.Lock()
	e, ok := r.entries[id]
	r.mu.Unlock()
	if !ok {
		return schema.ErrSessionNotFound
	}
	return e.driver.Edit(func(boundary int) error {
		return e.buffer.Replace(text, boundary)
	})
}

// Resync applies text that may change the proven prefix. The session first
// runs back to the first changed offset, then forward again to where it was,
// shifted by the change in length.
func (r *Registry) Resync(ctx context.Context, id schema.DocumentID, text string) error {
	err := r.UpdateText(ctx, id, text)
	if !errors.Is(err, schema.ErrProvenRegionModified) {
		return err
	}
	driver, err := r.Driver(id)
	if err != nil {
		return err
	}
	buffer, err := r.Buffer(id)
	if err != nil {
		return err
	}
	if err := driver.WaitIdle(ctx); err != nil {
		return err
	}
	old := []rune(buffer.Text())
	next := []rune(text)
	divergence := docbuf.CommonPrefix(old, next)
	previous := driver.Position()
	log := logx.WithDocument(ctx, id)
	log.Info("session resync", "divergence", divergence, "position", previous)

	if err := driver.GoTo(ctx, divergence); err != nil {
		return err
	}
	if err := driver.WaitIdle(ctx); err != nil {
		return err
	}
	if err := r.UpdateText(ctx, id, text); err != nil {
		return err
	}
	target := max(divergence, previous+len(next)-len(old))
	if target <= driver.Position() {
		return nil
	}
	return driver.GoTo(ctx, target)
}

// SetConsole replaces the console of every current and future session.
func (r *Registry) SetConsole(console Console) {
	r.mu.Lock()
	r.console = console
	drivers := make([]*Driver, 0, len(r.entries))
	for _, e := range r.entries {
		drivers = append(drivers, e.driver)
	}
	r.mu.Unlock()
	for _, driver := range drivers {
		driver.SetConsole(console)
	}
}

// StateSinkFunc adapts a function to StateSink.
type StateSinkFunc func(schema.StateEvent)

// OnState calls f.
func (f StateSinkFunc) OnState(event schema.StateEvent) { f(event) }

// ConsoleFunc adapts a function to Console.
type ConsoleFunc func(schema.OutputEvent)

// OnOutput calls f.
func (f ConsoleFunc) OnOutput(event schema.OutputEvent) { f(event) }
