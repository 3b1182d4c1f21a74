package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"pkt.systems/coqsync/internal/command"
	"pkt.systems/coqsync/internal/logx"
	"pkt.systems/coqsync/internal/version"
	"pkt.systems/coqsync/schema"
)

// Server serves the HTTP API.
type Server struct {
	cfg      Config
	sessions Sessions
	hub      *Hub
	basePath string
}

// NewServer constructs an HTTP server. The hub must be registered as the
// console and state sink of sessions for streams to see their events.
func NewServer(cfg Config, sessions Sessions, hub *Hub) *Server {
	if hub == nil {
		hub = NewHub(cfg.HubHistory)
	}
	return &Server{
		cfg:      cfg,
		sessions: sessions,
		hub:      hub,
		basePath: normalizeBasePath(cfg.BasePath),
	}
}

// Hub returns the event hub backing streams.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Handler returns an http.Handler for the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/version", s.handleVersion)
	mux.HandleFunc("GET /api/sessions", s.handleList)
	mux.HandleFunc("POST /api/sessions", s.handleStart)
	mux.HandleFunc("GET /api/sessions/{id}", s.withSession(s.handleGet))
	mux.HandleFunc("DELETE /api/sessions/{id}", s.withSession(s.handleStop))
	mux.HandleFunc("GET /api/sessions/{id}/text", s.withSession(s.handleGetText))
	mux.HandleFunc("PUT /api/sessions/{id}/text", s.withSession(s.handlePutText))
	mux.HandleFunc("POST /api/sessions/{id}/goto", s.withSession(s.handleGoTo))
	mux.HandleFunc("POST /api/sessions/{id}/query", s.withSession(s.handleQuery))
	mux.HandleFunc("POST /api/sessions/{id}/command", s.withSession(s.handleCommand))
	mux.HandleFunc("POST /api/sessions/{id}/{action}", s.withSession(s.handleAction))
	mux.HandleFunc("GET /api/sessions/{id}/stream", s.withSession(s.handleStream))

	handler := withRequestLogging(mux)
	if s.basePath == "" {
		return handler
	}
	prefix := s.basePath
	root := http.NewServeMux()
	root.Handle(prefix+"/", http.StripPrefix(prefix, handler))
	return root
}

func (s *Server) handleVersion(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, version.Describe())
}

func (s *Server) handleList(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"sessions": s.sessions.List()})
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	log := logx.Ctx(r.Context()).With("remote", clientIP(r))
	var req schema.StartRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		log.Warn("http start decode failed", "err", err)
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.DocumentID == "" {
		req.DocumentID = schema.DocumentID(uuid.NewString())
	}
	log = log.With("document", req.DocumentID)
	snap, err := s.sessions.Start(r.Context(), req)
	if err != nil {
		log.Warn("http start failed", "err", err)
		writeError(w, statusFor(err), err)
		return
	}
	log.Info("http session started", "path", req.Path, "resume", req.Resume)
	writeJSON(w, http.StatusCreated, snap)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request, id schema.DocumentID) {
	snap, err := s.sessions.Get(id)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request, id schema.DocumentID) {
	if err := s.sessions.Stop(r.Context(), id); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	s.hub.Forget(id)
	logx.Ctx(r.Context()).Info("http session stopped")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetText(w http.ResponseWriter, _ *http.Request, id schema.DocumentID) {
	text, err := s.sessions.Text(id)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, text)
}

func (s *Server) handlePutText(w http.ResponseWriter, r *http.Request, id schema.DocumentID) {
	var payload struct {
		Text string `json:"text"`
		// Resync runs the session back over a changed proven prefix instead
		// of rejecting the edit.
		Resync bool `json:"resync"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var err error
	if payload.Resync {
		err = s.sessions.Resync(r.Context(), id, payload.Text)
	} else {
		err = s.sessions.UpdateText(r.Context(), id, payload.Text)
	}
	if err != nil {
		logx.Ctx(r.Context()).Warn("http text update failed", "resync", payload.Resync, "err", err)
		writeError(w, statusFor(err), err)
		return
	}
	s.handleGetText(w, r, id)
}

func (s *Server) handleAction(w http.ResponseWriter, r *http.Request, id schema.DocumentID) {
	action := r.PathValue("action")
	if action == "restart" {
		snap, err := s.sessions.Restart(r.Context(), id)
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusOK, snap)
		return
	}
	s.runOp(w, r, id, func(ctx context.Context, session Session) error {
		switch action {
		case "next":
			return session.Next(ctx)
		case "undo":
			return session.Undo(ctx)
		case "abort":
			return session.Abort(ctx)
		case "rewind":
			return session.RewindProof(ctx)
		case "clear":
			return session.ClearError(ctx)
		default:
			return fmt.Errorf("unknown action %q: %w", action, schema.ErrInvalidRequest)
		}
	})
}

func (s *Server) handleGoTo(w http.ResponseWriter, r *http.Request, id schema.DocumentID) {
	var payload struct {
		Position *int `json:"position"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if payload.Position == nil || *payload.Position < 0 {
		writeError(w, http.StatusBadRequest, fmt.Errorf("position is required: %w", schema.ErrInvalidRequest))
		return
	}
	s.runOp(w, r, id, func(ctx context.Context, session Session) error {
		return session.GoTo(ctx, *payload.Position)
	})
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request, id schema.DocumentID) {
	var req schema.QueryRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	s.runOp(w, r, id, func(ctx context.Context, session Session) error {
		return session.Query(ctx, req)
	})
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request, id schema.DocumentID) {
	var payload struct {
		Input string `json:"input"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	session, err := s.sessions.Session(id)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	res, err := command.NewHandler(session, command.HandlerConfig{}).Handle(r.Context(), payload.Input)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	if !res.Handled {
		writeError(w, http.StatusBadRequest, errors.New("commands start with /"))
		return
	}
	if res.Quit {
		if err := s.sessions.Stop(r.Context(), id); err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		s.hub.Forget(id)
	}
	writeJSON(w, http.StatusOK, map[string]any{"quit": res.Quit, "lines": res.Lines})
}

// runOp applies op and replies with the session snapshot. With ?wait=1 the
// reply is sent once the session is idle again; otherwise it is 202.
func (s *Server) runOp(w http.ResponseWriter, r *http.Request, id schema.DocumentID, op func(context.Context, Session) error) {
	log := logx.Ctx(r.Context())
	session, err := s.sessions.Session(id)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	if err := op(r.Context(), session); err != nil {
		log.Debug("http session op rejected", "path", r.URL.Path, "err", err)
		writeError(w, statusFor(err), err)
		return
	}
	status := http.StatusAccepted
	if parseBool(r.URL.Query().Get("wait")) {
		if err := session.WaitIdle(r.Context()); err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		status = http.StatusOK
	}
	writeJSON(w, status, session.Snapshot())
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request, id schema.DocumentID) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, errors.New("stream unsupported"))
		return
	}
	log := logx.Ctx(r.Context())
	snap, err := s.sessions.Get(id)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	lastID := parseUint(r.Header.Get("Last-Event-ID"))
	if lastID == 0 {
		lastID = parseUint(r.URL.Query().Get("after"))
	}

	ch, unsubscribe, _, history := s.hub.Subscribe(id)
	defer unsubscribe()

	_ = writeSSEvent(w, StreamEvent{
		Type:       StreamSnapshot,
		DocumentID: id,
		Snapshot:   &snap,
		Timestamp:  time.Now(),
	})
	replayCount := 0
	if lastID > 0 {
		for _, event := range history {
			if event.Seq > lastID {
				_ = writeSSEvent(w, event)
				replayCount++
			}
		}
	}
	flusher.Flush()

	log.Info("http stream opened", "last_id", lastID, "replay", replayCount)
	for {
		select {
		case <-r.Context().Done():
			log.Info("http stream closed")
			return
		case event, ok := <-ch:
			if !ok {
				log.Info("http stream ended")
				return
			}
			_ = writeSSEvent(w, event)
			flusher.Flush()
		}
	}
}

func (s *Server) withSession(next func(http.ResponseWriter, *http.Request, schema.DocumentID)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := schema.DocumentID(r.PathValue("id"))
		if err := schema.ValidateDocumentID(id); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		log := logx.WithDocument(r.Context(), id).With("remote", clientIP(r))
		ctx := logx.ContextWithDocumentLogger(r.Context(), log, id)
		next(w, r.WithContext(ctx), id)
	}
}

// statusFor maps session errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, schema.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, schema.ErrInvalidRequest),
		errors.Is(err, schema.ErrInvalidDocument),
		errors.Is(err, schema.ErrEmptyQuery):
		return http.StatusBadRequest
	case errors.Is(err, schema.ErrSessionExists),
		errors.Is(err, schema.ErrNotReady),
		errors.Is(err, schema.ErrNothingToUndo),
		errors.Is(err, schema.ErrNotInProof),
		errors.Is(err, schema.ErrEndOfDocument),
		errors.Is(err, schema.ErrProvenRegionModified):
		return http.StatusConflict
	case errors.Is(err, schema.ErrSessionClosed),
		errors.Is(err, schema.ErrChannelClosed):
		return http.StatusGone
	case errors.Is(err, schema.ErrLaunch):
		return http.StatusBadGateway
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	case strings.HasPrefix(err.Error(), "usage:"), strings.HasPrefix(err.Error(), "unknown command"), err.Error() == "invalid command":
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func decodeJSON(body io.Reader, target any) error {
	decoder := json.NewDecoder(body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("empty request body: %w", schema.ErrInvalidRequest)
		}
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	data, _ := json.Marshal(payload)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]any{"error": err.Error()})
}

func writeSSEvent(w http.ResponseWriter, event StreamEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	if event.Seq > 0 {
		_, _ = fmt.Fprintf(w, "id: %d\n", event.Seq)
	}
	_, _ = fmt.Fprintf(w, "event: %s\n", event.Type)
	_, _ = fmt.Fprintf(w, "data: %s\n\n", strings.TrimSpace(string(data)))
	return nil
}

func parseUint(value string) uint64 {
	if value == "" {
		return 0
	}
	parsed, err := strconv.ParseUint(value, 10, 64)
	if err != nil {
		return 0
	}
	return parsed
}

func parseBool(value string) bool {
	parsed, err := strconv.ParseBool(value)
	return err == nil && parsed
}
