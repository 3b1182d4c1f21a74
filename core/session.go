package core

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"pkt.systems/coqsync/internal/coqtext"
	"pkt.systems/coqsync/schema"
	"pkt.systems/pslog"
)

// ProgressNotice is shown when a command has not been answered in time.
const ProgressNotice = "Running..."

// Autorun is the target of an automatic advance or undo run.
type Autorun struct {
	Target  int
	Forward bool
	Enabled bool
}

// SendRequest describes one command for the REPL.
type SendRequest struct {
	Statement     string
	ExpectSuccess bool
	// RetryOnEmpty is sent instead when the reply has no output.
	RetryOnEmpty string
	// Redirect routes the reply to a pane other than the console.
	Redirect schema.Pane
	// OutputWidth prefixes a printing width directive when it differs from the current width.
	OutputWidth int
}

// ReplyKind classifies how a reply was handled.
type ReplyKind int

const (
	// ReplyIgnored is the empty echo of a width directive.
	ReplyIgnored ReplyKind = iota + 1
	// ReplyRetried means the retry command was sent in place of an empty reply.
	ReplyRetried
	// ReplyRedirected means the output went to an auxiliary pane.
	ReplyRedirected
	// ReplySuccess answers a command sent with ExpectSuccess.
	ReplySuccess
	// ReplyFailure answers a command sent with ExpectSuccess with an error.
	ReplyFailure
	// ReplyOutput answers any other command.
	ReplyOutput
)

func (k ReplyKind) String() string {
	switch k {
	case ReplyIgnored:
		return "ignored"
	case ReplyRetried:
		return "retried"
	case ReplyRedirected:
		return "redirected"
	case ReplySuccess:
		return "success"
	case ReplyFailure:
		return "failure"
	case ReplyOutput:
		return "output"
	default:
		return "unknown"
	}
}

// Reply is the outcome of Receive.
type Reply struct {
	Kind   ReplyKind
	Output string
	Prompt string
	// Err reports a failed retry send.
	Err error
}

// Session is the REPL-facing state of one document: the step stack, the
// active scope, flow control and the autorun target.
//
// Session is not safe for concurrent use. Callers serialize access with the
// locker passed to NewSession, which progress timers also acquire.
type Session struct {
	id      schema.DocumentID
	channel Channel
	console Console
	cfg     schema.ServiceConfig
	log     pslog.Logger
	locker  sync.Locker

	position int
	scope    schema.Scope
	stack    []Step

	ready         bool
	closed        bool
	seq           uint64
	lastOutput    string
	theorem       string
	outputWidth   int
	ignoreReplies int
	expectSuccess bool
	retryOnEmpty  string
	redirect      schema.Pane
	autorun       *Autorun
	progress      *time.Timer
}

// NewSession constructs a session over channel. A nil locker gets a private mutex.
func NewSession(id schema.DocumentID, cfg schema.ServiceConfig, channel Channel, console Console, locker sync.Locker, logger pslog.Logger) (*Session, error) {
	if channel == nil {
		return nil, fmt.Errorf("channel is required: %w", schema.ErrInvalidRequest)
	}
	normalized, err := schema.NormalizeServiceConfig(cfg)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	if locker == nil {
		locker = &sync.Mutex{}
	}
	return &Session{
		id:          id,
		channel:     channel,
		console:     console,
		cfg:         normalized,
		log:         logger.With("document", id),
		locker:      locker,
		scope:       schema.ScopeToplevel,
		outputWidth: schema.DefaultOutputWidth,
		redirect:    schema.PaneConsole,
	}, nil
}

// Send hands one command to the REPL. Only one command may be in flight;
// callers wait for Ready before sending again.
func (s *Session) Send(req SendRequest) error {
	s.ready = false
	s.redirect = req.Redirect
	if s.redirect == "" {
		s.redirect = schema.PaneConsole
	}
	statement := req.Statement
	if req.OutputWidth > 0 && req.OutputWidth != s.outputWidth {
		s.outputWidth = req.OutputWidth
		s.ignoreReplies++
		statement = fmt.Sprintf("Set Printing Width %d. %s", s.outputWidth, statement)
	}
	s.expectSuccess = req.ExpectSuccess
	s.retryOnEmpty = req.RetryOnEmpty
	s.scheduleProgress()
	if s.cfg.DebugCoqtop {
		s.log.Debug("coqtop send", "command", statement)
	}
	if err := s.channel.Send(statement); err != nil {
		s.stopProgress()
		return err
	}
	return nil
}

// Receive handles one reply frame.
func (s *Session) Receive(frame Frame) Reply {
	s.ready = true
	s.seq++
	s.stopProgress()
	if s.cfg.DebugCoqtop {
		s.log.Debug("coqtop reply", "output", strings.TrimSpace(frame.Output), "prompt", strings.TrimSpace(frame.Prompt))
	}

	if frame.Skipped > 0 && s.ignoreReplies > 0 {
		// Width echoes merged into this read.
		s.ignoreReplies -= min(frame.Skipped, s.ignoreReplies)
	}
	output := strings.TrimSpace(frame.Output)
	if output == "" {
		if s.ignoreReplies > 0 {
			s.ignoreReplies--
			// The prefixed statement has not been answered yet.
			s.ready = false
			return Reply{Kind: ReplyIgnored, Prompt: frame.Prompt}
		}
		if s.retryOnEmpty != "" {
			retry := s.retryOnEmpty
			err := s.Send(SendRequest{Statement: retry, Redirect: s.redirect})
			return Reply{Kind: ReplyRetried, Prompt: frame.Prompt, Err: err}
		}
		output = s.lastOutput
	}

	output = coqtext.Clean(output)
	if s.redirect != schema.PaneConsole {
		s.show(s.redirect, output, false)
		return Reply{Kind: ReplyRedirected, Output: output, Prompt: frame.Prompt}
	}

	s.theorem = coqtext.TheoremName(frame.Prompt)
	if s.expectSuccess {
		s.expectSuccess = false
		if coqtext.IsError(output) {
			s.show(schema.PaneConsole, output, true)
			if s.autorun != nil {
				s.autorun.Enabled = false
			}
			return Reply{Kind: ReplyFailure, Output: output, Prompt: frame.Prompt}
		}
		s.show(schema.PaneConsole, output, false)
		s.lastOutput = output
		return Reply{Kind: ReplySuccess, Output: output, Prompt: frame.Prompt}
	}
	s.show(schema.PaneConsole, output, false)
	s.lastOutput = output
	return Reply{Kind: ReplyOutput, Output: output, Prompt: frame.Prompt}
}

// SetConsole swaps the output target.
func (s *Session) SetConsole(console Console) {
	s.console = console
}

// Show writes text to a pane of the console.
func (s *Session) Show(pane schema.Pane, text string) {
	s.show(pane, text, false)
}

func (s *Session) show(pane schema.Pane, text string, failure bool) {
	if s.console == nil {
		return
	}
	s.console.OnOutput(schema.OutputEvent{DocumentID: s.id, Pane: pane, Text: text, Failure: failure})
}

func (s *Session) scheduleProgress() {
	s.stopProgress()
	generation := s.seq
	pane := s.redirect
	s.progress = time.AfterFunc(s.cfg.ProgressDelay, func() {
		s.locker.Lock()
		defer s.locker.Unlock()
		if s.ready || s.closed || s.seq != generation || s.console == nil {
			return
		}
		s.console.OnOutput(schema.OutputEvent{DocumentID: s.id, Pane: pane, Text: ProgressNotice, Progress: true})
	})
}

func (s *Session) stopProgress() {
	if s.progress != nil {
		s.progress.Stop()
		s.progress = nil
	}
}

// close marks the session closed and stops pending timers.
func (s *Session) close() {
	s.closed = true
	s.ready = false
	s.stopProgress()
}

func (s *Session) trace(msg string, kv ...any) {
	if s.cfg.DebugManager {
		s.log.Info(msg, kv...)
		return
	}
	s.log.Trace(msg, kv...)
}

// Position returns the end of the proven prefix.
func (s *Session) Position() int { return s.position }

// Scope returns the active scope.
func (s *Session) Scope() schema.Scope { return s.scope }

// Ready reports whether no command is in flight.
func (s *Session) Ready() bool { return s.ready }

// Seq returns the number of replies received.
func (s *Session) Seq() uint64 { return s.seq }

// LastOutput returns the last console output of a non-failing reply.
func (s *Session) LastOutput() string { return s.lastOutput }

// Theorem returns the theorem name derived from the last prompt.
func (s *Session) Theorem() string { return s.theorem }

// IgnoredReplies returns the number of empty replies still to be dropped.
func (s *Session) IgnoredReplies() int { return s.ignoreReplies }

// OutputWidth returns the printing width last requested.
func (s *Session) OutputWidth() int { return s.outputWidth }

// Autorun returns a copy of the autorun target, if any.
func (s *Session) Autorun() (Autorun, bool) {
	if s.autorun == nil {
		return Autorun{}, false
	}
	return *s.autorun, true
}

// SetAutorun replaces the autorun target.
func (s *Session) SetAutorun(target int, forward bool) {
	s.autorun = &Autorun{Target: target, Forward: forward, Enabled: true}
}

// ClearAutorun drops the autorun target.
func (s *Session) ClearAutorun() {
	s.autorun = nil
}
