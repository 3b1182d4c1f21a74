// Package sshserver attaches SSH clients to running document sessions. The
// command argument names the document; slash commands drive it and session
// output streams back.
package sshserver

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"

	gliderssh "github.com/gliderlabs/ssh"
	"golang.org/x/crypto/ssh"
	"golang.org/x/term"

	"pkt.systems/coqsync/httpapi"
	"pkt.systems/coqsync/internal/command"
	"pkt.systems/coqsync/internal/eventbus"
	"pkt.systems/coqsync/internal/format"
	"pkt.systems/coqsync/internal/logx"
	"pkt.systems/coqsync/schema"
	"pkt.systems/pslog"
)

// Sessions looks up running sessions. httpapi.FromRegistry satisfies it.
type Sessions interface {
	List() []schema.SessionSnapshot
	Session(id schema.DocumentID) (httpapi.Session, error)
}

// Server exposes sessions over SSH.
type Server struct {
	Addr        string
	HostKeyPath string
	Listener    net.Listener
	Sessions    Sessions
	Keys        *AuthorizedKeys
	EventBus    *eventbus.Bus
	Prompt      string
	// DisableAuditLogging turns off the per-command audit trail.
	DisableAuditLogging bool
	logger              pslog.Logger
}

// ListenAndServe starts the SSH server and shuts down on context cancellation.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if s.Prompt == "" {
		s.Prompt = "coqsync> "
	}
	if s.logger == nil {
		s.logger = pslog.Ctx(ctx)
	}
	if s.Sessions == nil {
		return errors.New("sessions are required for SSH")
	}
	if s.Keys == nil {
		return errors.New("authorized keys are required for SSH")
	}

	signer, err := EnsureHostKey(s.HostKeyPath)
	if err != nil {
		return err
	}

	server := &gliderssh.Server{
		Addr:             s.Addr,
		Handler:          s.handleSession,
		PublicKeyHandler: s.handlePublicKey,
	}
	server.AddHostKey(signer)

	errCh := make(chan error, 1)
	go func() {
		if s.Listener != nil {
			errCh <- server.Serve(s.Listener)
			return
		}
		errCh <- server.ListenAndServe()
	}()
	s.logger.Info("ssh listening", "addr", s.listenAddr(), "keys", s.Keys.Len())

	select {
	case <-ctx.Done():
		_ = server.Close()
		return nil
	case err := <-errCh:
		if errors.Is(err, gliderssh.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) listenAddr() string {
	if s.Listener != nil {
		return s.Listener.Addr().String()
	}
	return s.Addr
}

func (s *Server) handlePublicKey(ctx gliderssh.Context, key gliderssh.PublicKey) bool {
	log := s.logger.With("user", ctx.User(), "remote", remoteAddr(ctx), "fingerprint", ssh.FingerprintSHA256(key))
	ok, err := s.Keys.Has(key)
	if err != nil {
		log.Warn("ssh pubkey rejected", "err", err)
		return false
	}
	if !ok {
		log.Warn("ssh pubkey rejected", "reason", "no matching key")
		return false
	}
	log.Info("ssh pubkey accepted")
	return true
}

func remoteAddr(ctx gliderssh.Context) string {
	if ctx == nil || ctx.RemoteAddr() == nil {
		return ""
	}
	return ctx.RemoteAddr().String()
}

func (s *Server) handleSession(sess gliderssh.Session) {
	log := s.logger.With("user", sess.User(), "remote", sess.RemoteAddr().String())
	args := sess.Command()
	if len(args) == 0 {
		s.writeSessionList(sess)
		_ = sess.Exit(0)
		return
	}
	id := schema.DocumentID(args[0])
	if err := schema.ValidateDocumentID(id); err != nil {
		_, _ = fmt.Fprintf(sess, "invalid document id %q\n", args[0])
		_ = sess.Exit(2)
		return
	}
	log = log.With("document", id)
	session, err := s.Sessions.Session(id)
	if err != nil {
		log.Info("ssh session rejected", "err", err)
		_, _ = fmt.Fprintf(sess, "%s: %v\n", id, err)
		_ = sess.Exit(1)
		return
	}
	ctx := logx.ContextWithDocumentLogger(sess.Context(), log, id)

	var events <-chan eventbus.Event
	if s.EventBus != nil {
		var unsubscribe func()
		events, unsubscribe = s.EventBus.Subscribe(id)
		defer unsubscribe()
	}
	pty, winCh, isPty := sess.Pty()
	cfg := command.HandlerConfig{DisableAuditLogging: s.DisableAuditLogging}
	if isPty {
		cfg.Width = pty.Window.Width
	}
	handler := command.NewHandler(session, cfg)
	log.Info("ssh session opened", "pty", isPty)
	var runErr error
	if isPty {
		t := term.NewTerminal(sess, s.Prompt)
		_ = t.SetSize(pty.Window.Width, pty.Window.Height)
		go func() {
			for win := range winCh {
				_ = t.SetSize(win.Width, win.Height)
			}
		}()
		runErr = s.run(ctx, t, t, session, handler, events)
	} else {
		lines := bufio.NewScanner(sess)
		read := func() (string, error) {
			if !lines.Scan() {
				if err := lines.Err(); err != nil {
					return "", err
				}
				return "", io.EOF
			}
			return lines.Text(), nil
		}
		runErr = s.run(ctx, lineReaderFunc(read), sess, session, handler, events)
	}
	status := 0
	if runErr != nil && !errors.Is(runErr, io.EOF) {
		log.Warn("ssh session ended", "err", runErr)
		status = 1
	}
	log.Info("ssh session closed")
	_ = sess.Exit(status)
}

type lineReader interface {
	ReadLine() (string, error)
}

type lineReaderFunc func() (string, error)

func (f lineReaderFunc) ReadLine() (string, error) { return f() }

// run reads slash commands until /quit or end of input while session output
// is copied to out.
func (s *Server) run(ctx context.Context, in lineReader, out io.Writer, session httpapi.Session, handler *command.Handler, events <-chan eventbus.Event) error {
	w := &lockedWriter{w: out}
	pump := startOutputPump(w, events)
	defer pump.stop()
	for {
		line, err := in.ReadLine()
		if err != nil {
			return err
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		res, err := handler.Handle(ctx, line)
		switch {
		case err != nil:
			pump.flush()
			w.writeLines([]string{"error: " + err.Error()})
			continue
		case !res.Handled:
			w.writeLines([]string{"commands start with /, try /help"})
			continue
		}
		if err := session.WaitIdle(ctx); err != nil {
			return err
		}
		pump.flush()
		w.writeLines(res.Lines)
		if res.Quit {
			return nil
		}
	}
}

func (s *Server) writeSessionList(w io.Writer) {
	renderer := format.NewPlainRenderer()
	snaps := s.Sessions.List()
	if len(snaps) == 0 {
		_, _ = io.WriteString(w, "no sessions\n")
		return
	}
	for _, snap := range snaps {
		lines := renderer.FormatState(snap)
		_, _ = fmt.Fprintln(w, lines[0])
	}
}
