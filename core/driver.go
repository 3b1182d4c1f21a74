package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"pkt.systems/coqsync/internal/coqtext"
	"pkt.systems/coqsync/internal/segment"
	"pkt.systems/coqsync/schema"
	"pkt.systems/pslog"
)

// StoppedNotice is shown when a session is closed.
const StoppedNotice = "Coq has been stopped."

// Driver advances and undoes a document against its REPL session. It owns
// the session and serializes every operation with the reply loop in Run.
type Driver struct {
	mu        sync.Mutex
	id        schema.DocumentID
	path      string
	cfg       schema.ServiceConfig
	session   *Session
	channel   Channel
	doc       Document
	highlight Highlighter
	segmenter Segmenter
	annotator Annotator
	states    StateSink
	log       pslog.Logger

	// pending is the statement awaiting its reply.
	pending *segment.Unit
	// followUps are commands to send after the current reply, one at a time.
	followUps []string
	closed    bool
	err       error
	idle      chan struct{}
}

// NewDriver constructs a driver for document id.
func NewDriver(id schema.DocumentID, cfg schema.ServiceConfig, deps DriverDeps) (*Driver, error) {
	if err := schema.ValidateDocumentID(id); err != nil {
		return nil, err
	}
	if deps.Channel == nil || deps.Document == nil {
		return nil, fmt.Errorf("channel and document are required: %w", schema.ErrInvalidRequest)
	}
	normalized, err := schema.NormalizeServiceConfig(cfg)
	if err != nil {
		return nil, err
	}
	if deps.Segmenter == nil {
		deps.Segmenter = segment.New()
	}
	if deps.Annotator == nil {
		deps.Annotator = coqtext.Annotator{}
	}
	if deps.Highlighter == nil {
		deps.Highlighter = noHighlighter{}
	}
	logger := deps.Logger
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	d := &Driver{
		id:        id,
		path:      deps.Path,
		cfg:       normalized,
		channel:   deps.Channel,
		doc:       deps.Document,
		highlight: deps.Highlighter,
		segmenter: deps.Segmenter,
		annotator: deps.Annotator,
		states:    deps.States,
		log:       logger.With("document", id),
		idle:      make(chan struct{}),
	}
	session, err := NewSession(id, normalized, deps.Channel, deps.Console, &d.mu, logger)
	if err != nil {
		return nil, err
	}
	d.session = session
	return d, nil
}

// ID returns the document id.
func (d *Driver) ID() schema.DocumentID {
	return d.id
}

// Run consumes replies until the channel closes or ctx is done. It returns
// schema.ErrChannelClosed when the REPL output ended without Close.
func (d *Driver) Run(ctx context.Context) error {
	frames := d.channel.Frames()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case frame, ok := <-frames:
			if !ok {
				return d.channelClosed()
			}
			d.handleFrame(frame)
		}
	}
}

// Next advances over the next comment or statement.
func (d *Driver) Next(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.checkLocked(); err != nil {
		return err
	}
	_, err := d.advanceLocked()
	d.publishLocked()
	return err
}

// Undo undoes the most recent step. Undoing a closed proof also unwinds its
// tactic steps.
func (d *Driver) Undo(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.checkLocked(); err != nil {
		return err
	}
	if d.session.Depth() == 0 {
		return schema.ErrNothingToUndo
	}
	_, err := d.undoLocked()
	d.publishLocked()
	return err
}

// Abort abandons the open proof.
func (d *Driver) Abort(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.checkLocked(); err != nil {
		return err
	}
	s := d.session
	if s.Depth() == 0 || s.Scope() != schema.ScopeTactic {
		return schema.ErrNotInProof
	}
	if err := d.sendLocked(SendRequest{Statement: "Abort."}); err != nil {
		return err
	}
	for s.Depth() > 0 && (s.Scope() == schema.ScopeTactic || s.Scope() == schema.ScopeTheorem) {
		popped, _ := s.Pop()
		d.highlight.ClearProven(popped.ID)
	}
	d.publishLocked()
	return nil
}

// GoTo runs forward or backward until the proven prefix reaches target.
// While a run is in progress only a nearer target in the same direction
// replaces the current one.
func (d *Driver) GoTo(ctx context.Context, target int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return schema.ErrSessionClosed
	}
	s := d.session
	current, active := s.Autorun()
	if !s.Ready() && !(active && current.Enabled) {
		return schema.ErrNotReady
	}
	target = max(0, min(target, len([]rune(d.doc.Text()))))
	if !active || !current.Enabled ||
		(current.Forward && target < current.Target) ||
		(!current.Forward && target > current.Target) {
		s.SetAutorun(target, target > s.Position())
	}
	d.log.Debug("session goto", "target", target, "position", s.Position())
	d.autorunLocked()
	d.publishLocked()
	return nil
}

// RewindProof runs backward to where the open theorem started.
func (d *Driver) RewindProof(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.checkLocked(); err != nil {
		return err
	}
	s := d.session
	var target int
	switch s.Scope() {
	case schema.ScopeTactic:
		pos, ok := s.RevFind(schema.ScopeTheorem)
		if !ok {
			return schema.ErrNotInProof
		}
		target = pos
	case schema.ScopeTheorem:
		target = s.stack[len(s.stack)-1].Position
	default:
		return schema.ErrNotInProof
	}
	s.SetAutorun(target, false)
	d.autorunLocked()
	d.publishLocked()
	return nil
}

// Query sends a search or evaluation command whose reply goes to a pane.
func (d *Driver) Query(ctx context.Context, req schema.QueryRequest) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.checkLocked(); err != nil {
		return err
	}
	send, err := buildQuery(req)
	if errors.Is(err, schema.ErrEmptyQuery) {
		d.session.Show(send.Redirect, emptyQueryNotice(send.Redirect))
	}
	if err != nil {
		return err
	}
	d.log.Debug("session query", "kind", req.Kind, "pane", send.Redirect)
	if err := d.sendLocked(send); err != nil {
		return err
	}
	d.publishLocked()
	return nil
}

func buildQuery(req schema.QueryRequest) (SendRequest, error) {
	kind := strings.TrimSpace(req.Kind)
	if kind == "" {
		return SendRequest{}, fmt.Errorf("query kind is required: %w", schema.ErrInvalidRequest)
	}
	pane, err := schema.NormalizePane(req.Pane)
	if err != nil {
		return SendRequest{}, err
	}
	if pane == schema.PaneConsole {
		pane = defaultQueryPane(kind, req.Quote)
	}
	value := strings.TrimSpace(req.Value)
	if req.Quote {
		value = strings.ReplaceAll(value, `"`, "")
	} else {
		value = strings.TrimSpace(coqtext.SanitizeQuery(value))
	}
	if value == "" {
		return SendRequest{Redirect: pane}, schema.ErrEmptyQuery
	}
	send := SendRequest{Redirect: pane, OutputWidth: req.Width}
	switch {
	case req.Quote:
		send.Statement = fmt.Sprintf(`%s "%s".`, kind, value)
	case pane == schema.PaneSearch:
		// Search answers an exact match with no output; print the match instead.
		send.Statement = fmt.Sprintf("%s (%s).", kind, value)
		send.RetryOnEmpty = fmt.Sprintf("Print %s.", value)
	default:
		send.Statement = fmt.Sprintf("%s %s.", kind, value)
	}
	return send, nil
}

func emptyQueryNotice(pane schema.Pane) string {
	if pane == schema.PaneSearch {
		return "Enter search query."
	}
	return "Enter an expression."
}

func defaultQueryPane(kind string, quoted bool) schema.Pane {
	if quoted || strings.HasPrefix(kind, "Search") || kind == "Locate" {
		return schema.PaneSearch
	}
	return schema.PaneEvaluate
}

// ClearError shows the last successful output again.
func (d *Driver) ClearError(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return schema.ErrSessionClosed
	}
	d.session.Show(schema.PaneConsole, d.session.LastOutput())
	return nil
}

// SetConsole swaps the console the session writes to.
func (d *Driver) SetConsole(console Console) {
	d.mu.Lock()
	d.session.SetConsole(console)
	d.mu.Unlock()
}

// Position returns the end of the proven prefix.
func (d *Driver) Position() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.session.Position()
}

// Boundary returns the first offset that may be edited: the proven prefix,
// extended over a statement still awaiting its reply.
func (d *Driver) Boundary() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.boundaryLocked()
}

func (d *Driver) boundaryLocked() int {
	boundary := d.session.Position()
	if d.pending != nil && d.pending.Region.End > boundary {
		boundary = d.pending.Region.End
	}
	return boundary
}

// Edit runs fn with the editable boundary while no step can start or finish.
func (d *Driver) Edit(fn func(boundary int) error) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return fn(d.boundaryLocked())
}

// Snapshot returns the read model of the session.
func (d *Driver) Snapshot() schema.SessionSnapshot {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.snapshotLocked()
}

// Err returns the error that ended the session, if any.
func (d *Driver) Err() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.err
}

// WaitIdle blocks until no command is in flight and autorun has finished,
// the session closed, or ctx is done.
func (d *Driver) WaitIdle(ctx context.Context) error {
	d.mu.Lock()
	idle := d.idle
	d.mu.Unlock()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-idle:
		d.mu.Lock()
		defer d.mu.Unlock()
		if d.closed {
			if d.err != nil {
				return d.err
			}
			return schema.ErrSessionClosed
		}
		return nil
	}
}

// Close pops every step, clearing highlights, and terminates the REPL.
func (d *Driver) Close(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.session.Show(schema.PaneConsole, StoppedNotice)
	d.closed = true
	d.session.close()
	d.pending = nil
	d.followUps = nil
	for {
		popped, ok := d.session.Pop()
		if !ok {
			break
		}
		d.highlight.ClearProven(popped.ID)
	}
	err := d.channel.Terminate()
	d.log.Info("session closed")
	d.publishLocked()
	return err
}

func (d *Driver) checkLocked() error {
	if d.closed {
		return schema.ErrSessionClosed
	}
	if !d.session.Ready() || len(d.followUps) > 0 {
		return schema.ErrNotReady
	}
	return nil
}

func (d *Driver) handleFrame(frame Frame) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	if frame.Err != nil {
		d.readFailedLocked(frame)
		d.publishLocked()
		return
	}
	reply := d.session.Receive(frame)
	d.log.Trace("session reply", "kind", reply.Kind, "output_len", len(reply.Output))
	switch reply.Kind {
	case ReplyIgnored:
	case ReplyRetried:
		if reply.Err != nil {
			d.failLocked(reply.Err)
		}
	case ReplyRedirected:
	case ReplyFailure:
		d.pending = nil
		d.followUps = nil
		d.log.Debug("session advance failed", "position", d.session.Position())
	case ReplySuccess:
		d.succeedLocked(reply)
		d.autorunLocked()
	case ReplyOutput:
		if len(d.followUps) > 0 {
			next := d.followUps[0]
			d.followUps = d.followUps[1:]
			if err := d.session.Send(SendRequest{Statement: next}); err != nil {
				d.failLocked(err)
			}
			break
		}
		d.autorunLocked()
	}
	d.publishLocked()
}

func (d *Driver) succeedLocked(reply Reply) {
	if d.pending == nil {
		d.log.Warn("session success without pending statement")
		return
	}
	unit := *d.pending
	d.pending = nil
	s := d.session

	kind, closes := coqtext.Classify(unit.Text)
	scope := s.Scope()
	var defined []schema.Name
	switch {
	case kind == schema.StepComment:
	case closes:
		defined = d.annotator.DefinedNames(reply.Output)
		scope = schema.ScopeToplevel
	default:
		defined = d.annotator.DefinedNames(reply.Output)
		if theorem := s.Theorem(); theorem != "" {
			switch scope {
			case schema.ScopeToplevel:
				defined = append(defined, schema.Name(theorem))
				scope = schema.ScopeTheorem
			case schema.ScopeTheorem:
				scope = schema.ScopeTactic
			}
		}
	}
	id := s.Push(kind, unit.Region, scope, defined)
	d.highlight.MarkProven(id, unit.Region)
}

// advanceLocked reports whether a command was sent.
func (d *Driver) advanceLocked() (bool, error) {
	s := d.session
	unit, err := d.segmenter.Next(d.doc, s.Position())
	if err != nil {
		return false, err
	}
	if unit.Kind == segment.KindComment {
		id := s.Push(schema.StepComment, unit.Region, s.Scope(), nil)
		d.highlight.MarkProven(id, unit.Region)
		return false, nil
	}
	d.pending = &unit
	if err := d.sendLocked(SendRequest{Statement: unit.Text, ExpectSuccess: true, OutputWidth: d.cfg.OutputWidth}); err != nil {
		d.pending = nil
		return false, err
	}
	return true, nil
}

// undoLocked reports whether a command was sent.
func (d *Driver) undoLocked() (bool, error) {
	s := d.session
	popped, sent, err := d.undoOneLocked()
	if err != nil || popped.Kind != schema.StepProofClose {
		return sent, err
	}
	// The closing step stays undone only together with its proof.
	for s.Depth() > 0 && s.Scope() == schema.ScopeTactic {
		step, _ := s.Pop()
		d.highlight.ClearProven(step.ID)
	}
	if s.Depth() == 0 {
		return sent, nil
	}
	_, sent, err = d.undoOneLocked()
	return sent, err
}

func (d *Driver) undoOneLocked() (Popped, bool, error) {
	s := d.session
	popped, ok := s.Pop()
	if !ok {
		return Popped{}, false, schema.ErrNothingToUndo
	}
	d.highlight.ClearProven(popped.ID)
	var commands []string
	switch popped.Kind {
	case schema.StepStatement:
		switch {
		case popped.OldScope == schema.ScopeTactic:
			commands = []string{"Undo."}
		case s.Theorem() != "" && popped.OldScope == schema.ScopeTheorem:
			commands = []string{"Abort."}
		default:
			for _, name := range popped.Defined {
				commands = append(commands, fmt.Sprintf("Reset %s.", name))
			}
		}
	case schema.StepComment:
		s.Show(schema.PaneConsole, "")
	}
	if len(commands) == 0 {
		return popped, false, nil
	}
	d.followUps = commands[1:]
	if err := d.sendLocked(SendRequest{Statement: commands[0]}); err != nil {
		d.followUps = nil
		return popped, false, err
	}
	return popped, true, nil
}

// autorunLocked steps toward the autorun target until a command is in
// flight or the target is reached.
func (d *Driver) autorunLocked() {
	s := d.session
	for {
		run, ok := s.Autorun()
		if !ok || !run.Enabled || d.closed || !s.Ready() || len(d.followUps) > 0 {
			return
		}
		var sent bool
		var err error
		switch {
		case run.Forward && s.Position() < run.Target:
			sent, err = d.advanceLocked()
		case !run.Forward && s.Position() > run.Target:
			sent, err = d.undoLocked()
		default:
			d.log.Debug("session autorun done", "position", s.Position())
			s.ClearAutorun()
			return
		}
		if err != nil {
			if !errors.Is(err, schema.ErrEndOfDocument) {
				d.log.Warn("session autorun stopped", "err", err)
			}
			s.ClearAutorun()
			return
		}
		if sent {
			return
		}
	}
}

func (d *Driver) sendLocked(req SendRequest) error {
	if err := d.session.Send(req); err != nil {
		d.failLocked(err)
		return err
	}
	return nil
}

// readFailedLocked shows the partial reply of a failed read without treating
// it as an answer to the pending statement. The channel closes next.
func (d *Driver) readFailedLocked(frame Frame) {
	d.log.Warn("coqtop read failed", "err", frame.Err, "partial_len", len(frame.Output))
	s := d.session
	s.stopProgress()
	s.ready = true
	if partial := strings.TrimSpace(frame.Output); partial != "" {
		s.show(schema.PaneConsole, partial, true)
	}
	s.Show(schema.PaneConsole, "coqtop read failed: "+frame.Err.Error())
	d.failLocked(fmt.Errorf("read reply: %w", frame.Err))
}

func (d *Driver) failLocked(err error) {
	d.log.Error("session failed", "err", err)
	d.err = err
	d.pending = nil
	d.followUps = nil
	d.session.ClearAutorun()
}

func (d *Driver) channelClosed() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	d.session.close()
	if d.err == nil {
		d.err = schema.ErrChannelClosed
	} else {
		d.err = errors.Join(schema.ErrChannelClosed, d.err)
	}
	for {
		popped, ok := d.session.Pop()
		if !ok {
			break
		}
		d.highlight.ClearProven(popped.ID)
	}
	d.log.Warn("coqtop exited")
	d.publishLocked()
	return d.err
}

func (d *Driver) publishLocked() {
	s := d.session
	run, active := s.Autorun()
	idle := d.closed || (s.Ready() && len(d.followUps) == 0 && !(active && run.Enabled))
	select {
	case <-d.idle:
		if !idle {
			d.idle = make(chan struct{})
		}
	default:
		if idle {
			close(d.idle)
		}
	}
	if d.states != nil {
		d.states.OnState(schema.StateEvent{DocumentID: d.id, Snapshot: d.snapshotLocked()})
	}
}

func (d *Driver) snapshotLocked() schema.SessionSnapshot {
	s := d.session
	steps := make([]schema.StepSnapshot, 0, len(s.stack))
	for _, step := range s.stack {
		steps = append(steps, schema.StepSnapshot{
			ID:       StepID(step.Position),
			Kind:     step.Kind,
			Position: step.Position,
			Scope:    step.Scope,
			Defined:  append([]schema.Name(nil), step.Defined...),
		})
	}
	snapshot := schema.SessionSnapshot{
		DocumentID: d.id,
		Path:       d.path,
		Position:   s.Position(),
		Scope:      s.Scope(),
		Ready:      s.Ready(),
		Theorem:    s.Theorem(),
		LastOutput: s.LastOutput(),
		Steps:      steps,
		Closed:     d.closed,
	}
	if run, ok := s.Autorun(); ok {
		snapshot.Autorun = &schema.AutorunSnapshot{Target: run.Target, Forward: run.Forward, Enabled: run.Enabled}
	}
	if d.err != nil {
		snapshot.Err = d.err.Error()
	}
	return snapshot
}

// scheduleGoTo arms a forward run that starts with the first reply.
func (d *Driver) scheduleGoTo(target int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.session.SetAutorun(target, true)
}

type noHighlighter struct{}

func (noHighlighter) MarkProven(string, schema.Region) {}
func (noHighlighter) ClearProven(string)               {}
