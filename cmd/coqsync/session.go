package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"pkt.systems/coqsync"
	"pkt.systems/coqsync/core"
	"pkt.systems/coqsync/httpapi"
	"pkt.systems/coqsync/internal/appconfig"
	"pkt.systems/coqsync/internal/coqtop"
	"pkt.systems/coqsync/internal/eventbus"
	"pkt.systems/coqsync/internal/format"
	"pkt.systems/coqsync/schema"
	"pkt.systems/pslog"
)

// sessionFlags are shared by every command that opens documents.
type sessionFlags struct {
	cfgPath string
	mock    bool
	coqtop  string
}

func (f *sessionFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.cfgPath, "config", "c", "", "path to config file")
	cmd.Flags().BoolVar(&f.mock, "mock", false, "run the built-in coqtop-mock instead of coqtop")
	cmd.Flags().StringVar(&f.coqtop, "coqtop", "", "coqtop executable (overrides coqtop.path)")
}

func (f *sessionFlags) load() (appconfig.Config, error) {
	cfg, err := appconfig.Load(f.cfgPath)
	if err != nil {
		return appconfig.Config{}, err
	}
	if f.coqtop != "" {
		cfg.Coqtop.Path = f.coqtop
	}
	if f.mock {
		exe, err := os.Executable()
		if err != nil {
			return appconfig.Config{}, fmt.Errorf("resolve executable for mock: %w", err)
		}
		cfg.Coqtop.Path = exe
	}
	return cfg, nil
}

func newServer(cfg appconfig.Config, logger pslog.Logger, watch []coqsync.WatchFile, opts ...coqsync.ServerOption) (coqsync.Server, error) {
	launcher := coqtop.NewLauncher(coqtop.Config{Env: cfg.CoqtopEnv()})
	return coqsync.New(coqsync.ServerConfig{
		Service: cfg.ServiceConfig(),
		HTTP: httpapi.Config{
			Addr:       cfg.HTTP.Addr,
			BasePath:   cfg.HTTP.BasePath,
			HubHistory: cfg.HTTP.HubHistory,
		},
		SSH: cfg.SSHServerConfig(),
		Watch: coqsync.WatchConfig{
			Debounce: cfg.WatchDebounce(),
			Files:    watch,
		},
	}, coqsync.ServerDeps{Launcher: launcher, Logger: logger}, opts...)
}

// openFile starts a session for path and waits until the REPL is ready.
func openFile(ctx context.Context, srv coqsync.Server, path string, resume bool) (*core.Driver, error) {
	id := coqsync.DocumentIDForPath(path)
	if _, err := srv.Registry().Start(ctx, schema.StartRequest{DocumentID: id, Path: path, Resume: resume}); err != nil {
		return nil, err
	}
	driver, err := srv.Registry().Driver(id)
	if err != nil {
		return nil, err
	}
	if err := driver.WaitIdle(ctx); err != nil {
		return nil, err
	}
	return driver, nil
}

// syncWriter serializes writes from the event printer and the command loop.
type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) printLines(lines []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, line := range lines {
		_, _ = fmt.Fprintln(s.w, line)
	}
}

func (s *syncWriter) print(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, _ = fmt.Fprint(s.w, text)
}

// printEvents renders output events of a document until stop is called.
// Progress notices are shown only when quiet is false.
func printEvents(bus *eventbus.Bus, id schema.DocumentID, out *syncWriter, quiet bool) (stop func()) {
	events, unsubscribe := bus.Subscribe(id)
	renderer := format.NewPlainRenderer()
	done := make(chan struct{})
	go func() {
		defer close(done)
		for event := range events {
			if event.Type != eventbus.EventOutput {
				continue
			}
			if event.Output.Progress && quiet {
				continue
			}
			if event.Output.Text == "" {
				continue
			}
			out.printLines(renderer.FormatOutput(event.Output))
		}
	}()
	var once sync.Once
	return func() {
		once.Do(func() {
			unsubscribe()
			<-done
		})
	}
}

func stopServer(srv coqsync.Server, logger pslog.Logger) {
	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Stop(stopCtx); err != nil {
		logger.Warn("server stop failed", "err", err)
	}
}
