package httpapi

import (
	"context"
	"sync"

	"pkt.systems/coqsync/schema"
)

type fakeSession struct {
	mu      sync.Mutex
	snap    schema.SessionSnapshot
	calls   []string
	queries []schema.QueryRequest
	err     error
	waited  int
}

func (f *fakeSession) record(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, name)
	if f.err == nil && name == "next" {
		f.snap.Position += 10
	}
	return f.err
}

func (f *fakeSession) Next(context.Context) error        { return f.record("next") }
func (f *fakeSession) Undo(context.Context) error        { return f.record("undo") }
func (f *fakeSession) Abort(context.Context) error       { return f.record("abort") }
func (f *fakeSession) RewindProof(context.Context) error { return f.record("rewind") }
func (f *fakeSession) ClearError(context.Context) error  { return f.record("clear") }

func (f *fakeSession) GoTo(_ context.Context, target int) error {
	if err := f.record("goto"); err != nil {
		return err
	}
	f.mu.Lock()
	f.snap.Position = target
	f.mu.Unlock()
	return nil
}

func (f *fakeSession) Query(_ context.Context, req schema.QueryRequest) error {
	f.mu.Lock()
	f.queries = append(f.queries, req)
	f.mu.Unlock()
	return f.record("query")
}

func (f *fakeSession) WaitIdle(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.waited++
	return nil
}

func (f *fakeSession) Snapshot() schema.SessionSnapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snap
}

func (f *fakeSession) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type fakeSessions struct {
	mu       sync.Mutex
	sessions map[schema.DocumentID]*fakeSession
	texts    map[schema.DocumentID]string
	startErr error
	textErr  error
	resynced []string
	started  []schema.StartRequest
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{
		sessions: make(map[schema.DocumentID]*fakeSession),
		texts:    make(map[schema.DocumentID]string),
	}
}

func (f *fakeSessions) Start(_ context.Context, req schema.StartRequest) (schema.SessionSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return schema.SessionSnapshot{}, f.startErr
	}
	if _, ok := f.sessions[req.DocumentID]; ok {
		return schema.SessionSnapshot{}, schema.ErrSessionExists
	}
	f.started = append(f.started, req)
	snap := schema.SessionSnapshot{DocumentID: req.DocumentID, Path: req.Path, Scope: schema.ScopeToplevel, Ready: true}
	f.sessions[req.DocumentID] = &fakeSession{snap: snap}
	f.texts[req.DocumentID] = req.Text
	return snap, nil
}

func (f *fakeSessions) lookup(id schema.DocumentID) (*fakeSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok {
		return nil, schema.ErrSessionNotFound
	}
	return s, nil
}

func (f *fakeSessions) Get(id schema.DocumentID) (schema.SessionSnapshot, error) {
	s, err := f.lookup(id)
	if err != nil {
		return schema.SessionSnapshot{}, err
	}
	return s.Snapshot(), nil
}

func (f *fakeSessions) List() []schema.SessionSnapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]schema.SessionSnapshot, 0, len(f.sessions))
	for _, s := range f.sessions {
		out = append(out, s.Snapshot())
	}
	return out
}

func (f *fakeSessions) Stop(_ context.Context, id schema.DocumentID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.sessions[id]; !ok {
		return schema.ErrSessionNotFound
	}
	delete(f.sessions, id)
	return nil
}

func (f *fakeSessions) Restart(_ context.Context, id schema.DocumentID) (schema.SessionSnapshot, error) {
	s, err := f.lookup(id)
	if err != nil {
		return schema.SessionSnapshot{}, err
	}
	s.mu.Lock()
	s.snap.Position = 0
	snap := s.snap
	s.mu.Unlock()
	return snap, nil
}

func (f *fakeSessions) UpdateText(_ context.Context, id schema.DocumentID, text string) error {
	if _, err := f.lookup(id); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.textErr != nil {
		return f.textErr
	}
	f.texts[id] = text
	return nil
}

func (f *fakeSessions) Resync(_ context.Context, id schema.DocumentID, text string) error {
	if _, err := f.lookup(id); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resynced = append(f.resynced, text)
	f.texts[id] = text
	return nil
}

func (f *fakeSessions) Text(id schema.DocumentID) (DocumentText, error) {
	if _, err := f.lookup(id); err != nil {
		return DocumentText{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return DocumentText{Text: f.texts[id]}, nil
}

func (f *fakeSessions) Session(id schema.DocumentID) (Session, error) {
	s, err := f.lookup(id)
	if err != nil {
		return nil, err
	}
	return s, nil
}
