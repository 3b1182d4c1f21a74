package core

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"pkt.systems/coqsync/internal/persist"
	"pkt.systems/coqsync/schema"
	"pkt.systems/pslog"
)

const twoDefinitions = "Definition a := 1.\nDefinition b := 2.\n"

func newTestRegistry(t *testing.T, cfg schema.ServiceConfig, deps RegistryDeps) (*Registry, *fakeLauncher) {
	t.Helper()
	launcher := &fakeLauncher{respond: scriptedReplies}
	if deps.Launcher == nil {
		deps.Launcher = launcher
	}
	if cfg.ProgressDelay == 0 {
		cfg.ProgressDelay = time.Hour
	}
	registry, err := NewRegistry(cfg, deps)
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	t.Cleanup(func() {
		_ = registry.StopAll(context.Background())
	})
	return registry, launcher
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestRegistryStartAndAdvance(t *testing.T) {
	states := &recordingStates{}
	registry, _ := newTestRegistry(t, schema.ServiceConfig{}, RegistryDeps{States: states})
	ctx := testContext(t)

	if _, err := registry.Start(ctx, schema.StartRequest{DocumentID: "demo", Text: twoDefinitions}); err != nil {
		t.Fatalf("start: %v", err)
	}
	driver, err := registry.Driver("demo")
	if err != nil {
		t.Fatalf("driver: %v", err)
	}
	if err := driver.WaitIdle(ctx); err != nil {
		t.Fatalf("wait banner: %v", err)
	}
	if err := driver.GoTo(ctx, len(twoDefinitions)); err != nil {
		t.Fatalf("goto: %v", err)
	}
	if err := driver.WaitIdle(ctx); err != nil {
		t.Fatalf("wait run: %v", err)
	}
	snap, err := registry.Get("demo")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if snap.Position != 37 || len(snap.Steps) != 2 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
	if !reflect.DeepEqual(snap.Steps[1].Defined, []schema.Name{"b"}) {
		t.Fatalf("unexpected defined names: %+v", snap.Steps)
	}
	if last, ok := states.Last(); !ok || last.DocumentID != "demo" {
		t.Fatalf("expected state events, got %+v", last)
	}
	if list := registry.List(); len(list) != 1 || list[0].DocumentID != "demo" {
		t.Fatalf("unexpected list: %+v", list)
	}
}

func TestRegistryStartDuplicate(t *testing.T) {
	registry, _ := newTestRegistry(t, schema.ServiceConfig{}, RegistryDeps{})
	ctx := testContext(t)
	if _, err := registry.Start(ctx, schema.StartRequest{DocumentID: "demo"}); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := registry.Start(ctx, schema.StartRequest{DocumentID: "demo"}); !errors.Is(err, schema.ErrSessionExists) {
		t.Fatalf("expected session exists, got %v", err)
	}
	if _, err := registry.Start(ctx, schema.StartRequest{DocumentID: "bad id"}); !errors.Is(err, schema.ErrInvalidDocument) {
		t.Fatalf("expected invalid document, got %v", err)
	}
}

func TestRegistryLaunchError(t *testing.T) {
	launcher := &fakeLauncher{err: errors.New("executable file not found")}
	registry, _ := newTestRegistry(t, schema.ServiceConfig{CoqtopPath: "/opt/coq/bin/coqtop"}, RegistryDeps{Launcher: launcher})
	_, err := registry.Start(testContext(t), schema.StartRequest{DocumentID: "demo"})
	if !errors.Is(err, schema.ErrLaunch) {
		t.Fatalf("expected launch error, got %v", err)
	}
	var launchErr *LaunchError
	if !errors.As(err, &launchErr) || launchErr.Path != "/opt/coq/bin/coqtop" {
		t.Fatalf("expected classified launch error, got %#v", err)
	}
	if _, err := registry.Get("demo"); !errors.Is(err, schema.ErrSessionNotFound) {
		t.Fatalf("expected no session, got %v", err)
	}
}

func TestRegistryLaunchArgs(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "demo.v")
	if err := os.WriteFile(path, []byte(twoDefinitions), 0o600); err != nil {
		t.Fatalf("write document: %v", err)
	}
	registry, launcher := newTestRegistry(t, schema.ServiceConfig{
		CoqtopArgs:      []string{"-Q", "theories", "Demo"},
		BindProjectRoot: true,
	}, RegistryDeps{})
	if _, err := registry.Start(testContext(t), schema.StartRequest{DocumentID: "demo", Path: path}); err != nil {
		t.Fatalf("start: %v", err)
	}
	req := launcher.request(0)
	want := []string{"-Q", "theories", "Demo", "-R", dir, ""}
	if !reflect.DeepEqual(req.Args, want) || req.Dir != dir {
		t.Fatalf("unexpected launch request: %+v", req)
	}
	buffer, err := registry.Buffer("demo")
	if err != nil {
		t.Fatalf("buffer: %v", err)
	}
	if buffer.Text() != twoDefinitions {
		t.Fatalf("expected document text read from path, got %q", buffer.Text())
	}
}

func TestRegistryStop(t *testing.T) {
	states := &recordingStates{}
	registry, launcher := newTestRegistry(t, schema.ServiceConfig{}, RegistryDeps{States: states})
	ctx := testContext(t)
	if _, err := registry.Start(ctx, schema.StartRequest{DocumentID: "demo", Text: twoDefinitions}); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := registry.Stop(ctx, "demo"); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if !launcher.channel(0).isTerminated() {
		t.Fatalf("expected repl terminated")
	}
	last, ok := states.Last()
	if !ok || !last.Snapshot.Closed {
		t.Fatalf("expected closed state event, got %+v", last)
	}
	if _, err := registry.Get("demo"); !errors.Is(err, schema.ErrSessionNotFound) {
		t.Fatalf("expected session removed, got %v", err)
	}
	if err := registry.Stop(ctx, "demo"); !errors.Is(err, schema.ErrSessionNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestRegistryTearsDownExitedSession(t *testing.T) {
	registry, launcher := newTestRegistry(t, schema.ServiceConfig{}, RegistryDeps{})
	ctx := testContext(t)
	if _, err := registry.Start(ctx, schema.StartRequest{DocumentID: "demo"}); err != nil {
		t.Fatalf("start: %v", err)
	}
	_ = launcher.channel(0).Terminate()
	for {
		if _, err := registry.Get("demo"); errors.Is(err, schema.ErrSessionNotFound) {
			return
		}
		select {
		case <-ctx.Done():
			t.Fatalf("timed out waiting for teardown")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestRegistryUpdateText(t *testing.T) {
	registry, _ := newTestRegistry(t, schema.ServiceConfig{}, RegistryDeps{})
	ctx := testContext(t)
	if _, err := registry.Start(ctx, schema.StartRequest{DocumentID: "demo", Text: twoDefinitions}); err != nil {
		t.Fatalf("start: %v", err)
	}
	driver, _ := registry.Driver("demo")
	if err := driver.WaitIdle(ctx); err != nil {
		t.Fatalf("wait banner: %v", err)
	}
	if err := driver.Next(ctx); err != nil {
		t.Fatalf("next: %v", err)
	}
	if err := driver.WaitIdle(ctx); err != nil {
		t.Fatalf("wait next: %v", err)
	}
	if err := registry.UpdateText(ctx, "demo", "Definition a := 5.\n"); !errors.Is(err, schema.ErrProvenRegionModified) {
		t.Fatalf("expected proven region modified, got %v", err)
	}
	if err := registry.UpdateText(ctx, "demo", "Definition a := 1.\nDefinition c := 3.\n"); err != nil {
		t.Fatalf("update after proven prefix: %v", err)
	}
	if err := registry.UpdateText(ctx, "missing", ""); !errors.Is(err, schema.ErrSessionNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestRegistryResync(t *testing.T) {
	registry, launcher := newTestRegistry(t, schema.ServiceConfig{}, RegistryDeps{})
	ctx := testContext(t)
	if _, err := registry.Start(ctx, schema.StartRequest{DocumentID: "demo", Text: twoDefinitions}); err != nil {
		t.Fatalf("start: %v", err)
	}
	driver, _ := registry.Driver("demo")
	if err := driver.WaitIdle(ctx); err != nil {
		t.Fatalf("wait banner: %v", err)
	}
	if err := driver.GoTo(ctx, len(twoDefinitions)); err != nil {
		t.Fatalf("goto: %v", err)
	}
	if err := driver.WaitIdle(ctx); err != nil {
		t.Fatalf("wait run: %v", err)
	}

	edited := "Definition a := 1.\nDefinition bb := 2.\n"
	if err := registry.Resync(ctx, "demo", edited); err != nil {
		t.Fatalf("resync: %v", err)
	}
	if err := driver.WaitIdle(ctx); err != nil {
		t.Fatalf("wait resync: %v", err)
	}
	buffer, _ := registry.Buffer("demo")
	if buffer.Text() != edited {
		t.Fatalf("expected edited text, got %q", buffer.Text())
	}
	snap := driver.Snapshot()
	if snap.Position != 38 || len(snap.Steps) != 2 {
		t.Fatalf("expected re-advanced session, got %+v", snap)
	}
	sent := launcher.channel(0).Sent()
	want := []string{"Definition a := 1.", "Definition b := 2.", "Reset b.", "Definition bb := 2."}
	if !reflect.DeepEqual(sent, want) {
		t.Fatalf("unexpected commands:\nwant: %q\ngot:  %q", want, sent)
	}
}

func TestRegistryResume(t *testing.T) {
	store, err := persist.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	if err := store.Save(persist.DocumentSnapshot{ID: "demo", Position: 18, ProvenHash: persist.HashPrefix(twoDefinitions, 18)}); err != nil {
		t.Fatalf("save: %v", err)
	}
	registry, launcher := newTestRegistry(t, schema.ServiceConfig{}, RegistryDeps{Store: store})
	ctx := testContext(t)
	if _, err := registry.Start(ctx, schema.StartRequest{DocumentID: "demo", Text: twoDefinitions, Resume: true}); err != nil {
		t.Fatalf("start: %v", err)
	}
	driver, _ := registry.Driver("demo")
	if err := driver.WaitIdle(ctx); err != nil {
		t.Fatalf("wait resume: %v", err)
	}
	if got := driver.Position(); got != 18 {
		t.Fatalf("expected resumed position 18, got %d", got)
	}
	if sent := launcher.channel(0).Sent(); !reflect.DeepEqual(sent, []string{"Definition a := 1."}) {
		t.Fatalf("unexpected commands %q", sent)
	}
	saved, ok, err := store.Load("demo")
	if err != nil || !ok || saved.Position != 18 || !saved.Matches(twoDefinitions) {
		t.Fatalf("expected persisted snapshot, got %+v %v %v", saved, ok, err)
	}
}

func TestRegistryResumeSkipsEditedPrefix(t *testing.T) {
	store, err := persist.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	if err := store.Save(persist.DocumentSnapshot{ID: "demo", Position: 18, ProvenHash: persist.HashPrefix("Definition z := 9.\n", 18)}); err != nil {
		t.Fatalf("save: %v", err)
	}
	registry, launcher := newTestRegistry(t, schema.ServiceConfig{}, RegistryDeps{Store: store})
	ctx := testContext(t)
	if _, err := registry.Start(ctx, schema.StartRequest{DocumentID: "demo", Text: twoDefinitions, Resume: true}); err != nil {
		t.Fatalf("start: %v", err)
	}
	driver, _ := registry.Driver("demo")
	if err := driver.WaitIdle(ctx); err != nil {
		t.Fatalf("wait banner: %v", err)
	}
	if driver.Position() != 0 || len(launcher.channel(0).Sent()) != 0 {
		t.Fatalf("expected no resume for edited prefix")
	}
}

func TestRegistryRestart(t *testing.T) {
	registry, launcher := newTestRegistry(t, schema.ServiceConfig{}, RegistryDeps{})
	ctx := testContext(t)
	if _, err := registry.Start(ctx, schema.StartRequest{DocumentID: "demo", Text: twoDefinitions}); err != nil {
		t.Fatalf("start: %v", err)
	}
	snap, err := registry.Restart(ctx, "demo")
	if err != nil {
		t.Fatalf("restart: %v", err)
	}
	if snap.DocumentID != "demo" || snap.Position != 0 {
		t.Fatalf("unexpected restart snapshot: %+v", snap)
	}
	if !launcher.channel(0).isTerminated() || launcher.channel(1).isTerminated() {
		t.Fatalf("expected the old repl stopped and a new one running")
	}
	if _, err := registry.Restart(ctx, "missing"); !errors.Is(err, schema.ErrSessionNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestRegistrySetConsole(t *testing.T) {
	first := &recordingConsole{}
	registry, _ := newTestRegistry(t, schema.ServiceConfig{}, RegistryDeps{Console: first})
	ctx := testContext(t)
	if _, err := registry.Start(ctx, schema.StartRequest{DocumentID: "demo", Text: twoDefinitions}); err != nil {
		t.Fatalf("start: %v", err)
	}
	driver, _ := registry.Driver("demo")
	if err := driver.WaitIdle(ctx); err != nil {
		t.Fatalf("wait banner: %v", err)
	}
	second := &recordingConsole{}
	registry.SetConsole(second)
	if err := driver.ClearError(ctx); err != nil {
		t.Fatalf("clear error: %v", err)
	}
	if last, ok := second.Last(); !ok || last.Text != "Welcome to Coq" {
		t.Fatalf("expected output on the new console, got %+v", last)
	}
	if len(first.Events()) != 1 {
		t.Fatalf("expected only the banner on the first console, got %+v", first.Events())
	}
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestRegistryLogsSnapshotSaveFailure(t *testing.T) {
	logs := &lockedBuffer{}
	logger := pslog.NewWithOptions(logs, pslog.Options{Mode: pslog.ModeStructured, NoColor: true, MinLevel: pslog.InfoLevel})
	stateDir := filepath.Join(t.TempDir(), "state")
	registry, _ := newTestRegistry(t, schema.ServiceConfig{StateDir: stateDir}, RegistryDeps{Logger: logger})
	// A regular file where the state directory was makes every save fail.
	if err := os.RemoveAll(stateDir); err != nil {
		t.Fatalf("remove state dir: %v", err)
	}
	if err := os.WriteFile(stateDir, []byte("not a dir"), 0o600); err != nil {
		t.Fatalf("write blocker: %v", err)
	}
	ctx := testContext(t)

	if _, err := registry.Start(ctx, schema.StartRequest{DocumentID: "demo", Text: twoDefinitions}); err != nil {
		t.Fatalf("start: %v", err)
	}
	driver, err := registry.Driver("demo")
	if err != nil {
		t.Fatalf("driver: %v", err)
	}
	if err := driver.WaitIdle(ctx); err != nil {
		t.Fatalf("wait banner: %v", err)
	}
	if err := driver.Next(ctx); err != nil {
		t.Fatalf("next: %v", err)
	}
	if err := driver.WaitIdle(ctx); err != nil {
		t.Fatalf("wait next: %v", err)
	}
	if out := logs.String(); !strings.Contains(out, "session snapshot save failed") || !strings.Contains(out, "demo") {
		t.Fatalf("expected save failure logged, got:\n%s", out)
	}
}
