package coqsync

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"pkt.systems/coqsync/core"
	"pkt.systems/coqsync/httpapi"
	"pkt.systems/coqsync/internal/coqtext"
	"pkt.systems/coqsync/internal/docwatch"
	"pkt.systems/coqsync/internal/eventbus"
	"pkt.systems/coqsync/internal/segment"
	"pkt.systems/coqsync/schema"
	"pkt.systems/coqsync/sshserver"
	"pkt.systems/pslog"
)

// Server composes the session registry with the HTTP API, the SSH shell and
// the file watcher.
type Server interface {
	Start(ctx context.Context) error
	Wait() error
	Stop(ctx context.Context) error
	// Registry returns the sessions owned by the server.
	Registry() *core.Registry
	// Events returns the bus every session publishes to.
	Events() *eventbus.Bus
}

// ServerConfig configures the compositor.
type ServerConfig struct {
	Service schema.ServiceConfig
	HTTP    httpapi.Config
	SSH     sshserver.Config
	Watch   WatchConfig
}

// WatchConfig lists the files opened and reloaded on change.
type WatchConfig struct {
	Debounce time.Duration
	Files    []WatchFile
}

// WatchFile is a document backed by a file on disk. An empty ID is derived
// from the file name.
type WatchFile struct {
	Path string
	ID   schema.DocumentID
}

// ServerDeps captures dependencies required to build the server.
type ServerDeps struct {
	Launcher core.Launcher
	// Console and States receive every session event next to the bus.
	Console core.Console
	States  core.StateSink
	Logger  pslog.Logger
}

// ServerOption toggles compositor components.
type ServerOption func(*serverOptions)

type serverOptions struct {
	enableHTTP  bool
	enableSSH   bool
	enableWatch bool
}

// WithHTTP enables the HTTP API server.
func WithHTTP() ServerOption {
	return func(o *serverOptions) { o.enableHTTP = true }
}

// WithSSH enables the SSH shell.
func WithSSH() ServerOption {
	return func(o *serverOptions) { o.enableSSH = true }
}

// WithWatch opens the configured watch files and resyncs them on change.
func WithWatch() ServerOption {
	return func(o *serverOptions) { o.enableWatch = true }
}

// New constructs a composable coqsync server.
func New(cfg ServerConfig, deps ServerDeps, opts ...ServerOption) (Server, error) {
	options := serverOptions{}
	for _, opt := range opts {
		opt(&options)
	}
	if deps.Launcher == nil {
		return nil, errors.New("launcher dependency is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}

	bus := eventbus.New(logger)
	var hub *httpapi.Hub
	if options.enableHTTP {
		hub = httpapi.NewHub(cfg.HTTP.HubHistory)
	}
	fanout := eventFanout{}
	fanout.add(bus)
	if hub != nil {
		fanout.add(hub)
	}
	if deps.Console != nil {
		fanout.consoles = append(fanout.consoles, deps.Console)
	}
	if deps.States != nil {
		fanout.states = append(fanout.states, deps.States)
	}

	registry, err := core.NewRegistry(cfg.Service, core.RegistryDeps{
		Launcher:  deps.Launcher,
		Segmenter: segment.New(),
		Annotator: coqtext.Annotator{},
		Console:   fanout,
		States:    fanout,
		Logger:    logger,
	})
	if err != nil {
		return nil, err
	}

	var files []WatchFile
	if options.enableWatch {
		files, err = normalizeWatchFiles(cfg.Watch.Files)
		if err != nil {
			return nil, err
		}
		cfg.Watch.Files = files
	}

	srv := &compositeServer{
		cfg:      cfg,
		options:  options,
		registry: registry,
		bus:      bus,
		logger:   logger,
	}
	if options.enableHTTP {
		srv.httpSrv = httpapi.NewServer(cfg.HTTP, httpapi.FromRegistry(registry), hub)
	}
	if options.enableSSH {
		keys, err := sshserver.LoadAuthorizedKeys(cfg.SSH.AuthorizedKeysPath)
		if err != nil {
			return nil, err
		}
		srv.sshSrv = &sshserver.Server{
			Addr:                cfg.SSH.Addr,
			HostKeyPath:         cfg.SSH.HostKeyPath,
			Sessions:            httpapi.FromRegistry(registry),
			Keys:                keys,
			EventBus:            bus,
			Prompt:              cfg.SSH.Prompt,
			DisableAuditLogging: cfg.SSH.DisableAuditLogging,
		}
	}
	if options.enableWatch {
		watcher, err := docwatch.New(registry, docwatch.Config{Debounce: cfg.Watch.Debounce, Logger: logger})
		if err != nil {
			return nil, err
		}
		srv.watcher = watcher
	}
	return srv, nil
}

// DocumentIDForPath derives a document id from a file name, replacing
// characters a document id may not carry.
func DocumentIDForPath(path string) schema.DocumentID {
	base := filepath.Base(path)
	var b strings.Builder
	for _, r := range base {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	if b.Len() == 0 || base == "." || base == string(filepath.Separator) {
		return "document"
	}
	return schema.DocumentID(b.String())
}

func normalizeWatchFiles(files []WatchFile) ([]WatchFile, error) {
	out := make([]WatchFile, 0, len(files))
	seen := make(map[schema.DocumentID]string, len(files))
	for _, file := range files {
		if strings.TrimSpace(file.Path) == "" {
			return nil, fmt.Errorf("watch file path is required: %w", schema.ErrInvalidRequest)
		}
		if file.ID == "" {
			file.ID = DocumentIDForPath(file.Path)
		}
		if err := schema.ValidateDocumentID(file.ID); err != nil {
			return nil, fmt.Errorf("watch file %s: %w", file.Path, err)
		}
		if other, ok := seen[file.ID]; ok {
			return nil, fmt.Errorf("watch files %s and %s share document id %q: %w", other, file.Path, file.ID, schema.ErrSessionExists)
		}
		seen[file.ID] = file.Path
		out = append(out, file)
	}
	return out, nil
}

type compositeServer struct {
	cfg      ServerConfig
	options  serverOptions
	registry *core.Registry
	bus      *eventbus.Bus
	httpSrv  *httpapi.Server
	sshSrv   *sshserver.Server
	watcher  *docwatch.Watcher
	logger   pslog.Logger

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	errCh   chan error
	started bool
}

func (s *compositeServer) Registry() *core.Registry {
	return s.registry
}

func (s *compositeServer) Events() *eventbus.Bus {
	return s.bus
}

func (s *compositeServer) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		pslog.Ctx(ctx).Warn("server start rejected", "reason", "already started")
		return errors.New("server already started")
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.errCh = make(chan error, 3)
	s.started = true
	s.logger = pslog.Ctx(s.ctx)
	s.mu.Unlock()

	log := s.logger
	log.Info(
		"server start",
		"http", s.options.enableHTTP,
		"ssh", s.options.enableSSH,
		"watch", s.options.enableWatch,
		"http_addr", s.cfg.HTTP.Addr,
		"http_base_path", s.cfg.HTTP.BasePath,
		"ssh_addr", s.cfg.SSH.Addr,
		"watch_files", len(s.cfg.Watch.Files),
	)
	if s.options.enableWatch && s.watcher != nil {
		if err := s.openWatched(s.ctx); err != nil {
			s.cancel()
			return err
		}
		s.watcher.Start(s.ctx)
	}
	if s.options.enableHTTP && s.httpSrv != nil {
		go func() {
			if err := httpapi.ListenAndServe(s.ctx, s.cfg.HTTP.Addr, s.httpSrv.Handler()); err != nil {
				log.Error("http server failed", "err", err)
				s.errCh <- err
			}
		}()
	}
	if s.options.enableSSH && s.sshSrv != nil {
		go func() {
			if err := s.sshSrv.ListenAndServe(s.ctx); err != nil {
				log.Error("ssh server failed", "err", err)
				s.errCh <- err
			}
		}()
	}
	return nil
}

// openWatched starts a resumable session for every watch file and registers
// it with the watcher.
func (s *compositeServer) openWatched(ctx context.Context) error {
	for _, file := range s.cfg.Watch.Files {
		if _, err := s.registry.Start(ctx, schema.StartRequest{DocumentID: file.ID, Path: file.Path, Resume: true}); err != nil {
			return fmt.Errorf("open %s: %w", file.Path, err)
		}
		if err := s.watcher.Add(file.Path, file.ID); err != nil {
			return fmt.Errorf("watch %s: %w", file.Path, err)
		}
		s.logger.Info("server watch file", "document", file.ID, "path", file.Path)
	}
	return nil
}

func (s *compositeServer) Wait() error {
	s.mu.Lock()
	ctx := s.ctx
	errCh := s.errCh
	started := s.started
	s.mu.Unlock()
	if !started {
		return errors.New("server not started")
	}

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		if err != nil {
			pslog.Ctx(ctx).Error("server stopped", "err", err)
			_ = s.Stop(context.Background())
			return err
		}
		return nil
	}
}

func (s *compositeServer) Stop(ctx context.Context) error {
	s.mu.Lock()
	cancel := s.cancel
	started := s.started
	log := s.logger
	serverCtx := s.ctx
	s.mu.Unlock()
	if !started {
		return nil
	}
	if log == nil {
		log = pslog.Ctx(context.Background())
	}
	log.Info("server stop requested")
	if s.watcher != nil {
		if err := s.watcher.Stop(); err != nil {
			log.Warn("server watcher stop failed", "err", err)
		}
	}
	if s.registry != nil {
		if err := s.registry.StopAll(context.Background()); err != nil {
			log.Warn("server session close failed", "err", err)
		} else {
			log.Info("server session close ok")
		}
	}
	if cancel != nil {
		cancel()
	}
	if ctx == nil {
		log.Info("server stop completed")
		return nil
	}
	select {
	case <-ctx.Done():
		log.Warn("server stop timed out", "err", ctx.Err())
		return ctx.Err()
	case <-serverCtx.Done():
		log.Info("server stopped")
		return nil
	}
}
