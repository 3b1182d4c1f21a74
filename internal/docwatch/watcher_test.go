package docwatch

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"
	"pkt.systems/coqsync/schema"
)

func TestMain(m *testing.M) {
	// segment matchers set a timeout, which starts regexp2's shared clock.
	goleak.VerifyTestMain(m, goleak.IgnoreTopFunction("github.com/dlclark/regexp2.runClock"))
}

type resyncCall struct {
	id   schema.DocumentID
	text string
}

type recordingResyncer struct {
	mu    sync.Mutex
	calls []resyncCall
	err   error
}

func (r *recordingResyncer) Resync(_ context.Context, id schema.DocumentID, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, resyncCall{id: id, text: text})
	return r.err
}

func (r *recordingResyncer) snapshot() []resyncCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]resyncCall(nil), r.calls...)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met before deadline")
}

func newWatcher(t *testing.T, target Resyncer) *Watcher {
	t.Helper()
	w, err := New(target, Config{Debounce: 20 * time.Millisecond})
	if err != nil {
		t.Fatalf("new watcher: %v", err)
	}
	return w
}

func TestWatcherReloadsChangedFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "proof.v")
	if err := os.WriteFile(path, []byte("Definition a := 1.\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	target := &recordingResyncer{}
	w := newWatcher(t, target)
	if err := w.Add(path, "doc"); err != nil {
		t.Fatalf("add: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)
	defer func() {
		if err := w.Stop(); err != nil {
			t.Fatalf("stop: %v", err)
		}
	}()

	want := "Definition a := 2.\n"
	if err := os.WriteFile(path, []byte(want), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	waitFor(t, func() bool { return len(target.snapshot()) > 0 })
	calls := target.snapshot()
	if calls[0].id != "doc" || calls[0].text != want {
		t.Fatalf("unexpected resync %+v", calls[0])
	}
	waitFor(t, func() bool { return w.Stats().Reloads == 1 })
}

func TestWatcherIgnoresOtherFilesAndSameText(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "proof.v")
	text := []byte("Definition a := 1.\n")
	if err := os.WriteFile(path, text, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	target := &recordingResyncer{}
	w := newWatcher(t, target)
	if err := w.Add(path, "doc"); err != nil {
		t.Fatalf("add: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)

	if err := os.WriteFile(filepath.Join(dir, "other.v"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write other: %v", err)
	}
	if err := os.WriteFile(path, text, 0o644); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	waitFor(t, func() bool { return w.Stats().Events > 0 })
	time.Sleep(100 * time.Millisecond)
	if err := w.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if calls := target.snapshot(); len(calls) != 0 {
		t.Fatalf("expected no resync, got %+v", calls)
	}
}

func TestWatcherCountsResyncErrors(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "proof.v")
	if err := os.WriteFile(path, []byte("a"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	target := &recordingResyncer{err: errors.New("boom")}
	w := newWatcher(t, target)
	if err := w.Add(path, "doc"); err != nil {
		t.Fatalf("add: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)
	if err := os.WriteFile(path, []byte("b"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	waitFor(t, func() bool { return w.Stats().Errors == 1 })
	if err := w.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if w.Stats().Reloads != 0 {
		t.Fatalf("failed resync counted as reload")
	}
}

func TestWatcherAddMissingFile(t *testing.T) {
	w := newWatcher(t, &recordingResyncer{})
	defer w.Stop()
	if err := w.Add(filepath.Join(t.TempDir(), "missing.v"), "doc"); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected not exist, got %v", err)
	}
}

func TestWatcherRemove(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.v")
	b := filepath.Join(dir, "b.v")
	for _, path := range []string{a, b} {
		if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	w := newWatcher(t, &recordingResyncer{})
	defer w.Stop()
	if err := w.Add(a, "a"); err != nil {
		t.Fatalf("add a: %v", err)
	}
	if err := w.Add(b, "b"); err != nil {
		t.Fatalf("add b: %v", err)
	}
	if err := w.Remove(a); err != nil {
		t.Fatalf("remove a: %v", err)
	}
	if w.dirs[dir] != 1 {
		t.Fatalf("expected directory still watched once, got %d", w.dirs[dir])
	}
	if err := w.Remove(b); err != nil {
		t.Fatalf("remove b: %v", err)
	}
	if _, ok := w.dirs[dir]; ok {
		t.Fatalf("expected directory unwatched")
	}
}

func TestNewRequiresTarget(t *testing.T) {
	if _, err := New(nil, Config{}); err == nil {
		t.Fatalf("expected error")
	}
}
