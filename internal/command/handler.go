package command

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"pkt.systems/coqsync/internal/format"
	"pkt.systems/coqsync/internal/logx"
	"pkt.systems/coqsync/schema"
)

// Session is the driver surface slash commands operate on.
type Session interface {
	Next(ctx context.Context) error
	Undo(ctx context.Context) error
	Abort(ctx context.Context) error
	RewindProof(ctx context.Context) error
	GoTo(ctx context.Context, target int) error
	Query(ctx context.Context, req schema.QueryRequest) error
	ClearError(ctx context.Context) error
	Snapshot() schema.SessionSnapshot
}

// HandlerConfig configures slash command behavior.
type HandlerConfig struct {
	// Width is passed to queries as the pane width.
	Width               int
	DisableAuditLogging bool
}

// Result reports what a handled line produced.
type Result struct {
	Handled bool
	Quit    bool
	Lines   []string
}

// Handler routes slash commands to session operations.
type Handler struct {
	session  Session
	cfg      HandlerConfig
	renderer *format.PlainRenderer
}

// NewHandler constructs a command handler.
func NewHandler(session Session, cfg HandlerConfig) *Handler {
	return &Handler{
		session:  session,
		cfg:      cfg,
		renderer: format.NewPlainRenderer(),
	}
}

// Handle inspects input and executes slash commands.
func (h *Handler) Handle(ctx context.Context, input string) (Result, error) {
	if ctx == nil {
		return Result{}, errors.New("missing context")
	}
	cmd, ok := Parse(input)
	if !ok {
		return Result{}, nil
	}
	id := h.session.Snapshot().DocumentID
	log := logx.WithDocument(ctx, id)
	if !h.cfg.DisableAuditLogging {
		log.Debug("audit command", "command_type", "slash", "command", strings.TrimSpace(input))
	}
	log = log.With("command", cmd.Name, "args", len(cmd.Args))
	log.Info("command slash request")
	res := Result{Handled: true}
	var err error
	switch cmd.Name {
	case "":
		log.Warn("command slash rejected", "reason", "empty")
		return res, fmt.Errorf("invalid command")
	case "help", "h":
		res.Lines = helpLines()
		return res, nil
	case "next", "n":
		err = h.noArgs(ctx, cmd, h.session.Next)
	case "undo", "u":
		err = h.noArgs(ctx, cmd, h.session.Undo)
	case "abort":
		err = h.noArgs(ctx, cmd, h.session.Abort)
	case "rewind":
		err = h.noArgs(ctx, cmd, h.session.RewindProof)
	case "clear":
		err = h.noArgs(ctx, cmd, h.session.ClearError)
	case "goto", "g":
		err = h.handleGoTo(ctx, cmd)
	case "search":
		err = h.handleQuery(ctx, cmd, schema.PaneSearch)
	case "eval":
		err = h.handleQuery(ctx, cmd, schema.PaneEvaluate)
	case "state":
		res.Lines, err = h.handleState(cmd)
	case "quit", "q", "exit":
		res.Quit = true
		return res, nil
	default:
		log.Warn("command slash rejected", "reason", "unknown")
		return res, fmt.Errorf("unknown command: /%s", cmd.Name)
	}
	if err != nil {
		if errors.Is(err, schema.ErrNotReady) {
			log.Debug("command slash busy")
		} else {
			log.Warn("command slash failed", "err", err)
		}
		return res, err
	}
	return res, nil
}

func (h *Handler) noArgs(ctx context.Context, cmd Command, fn func(context.Context) error) error {
	if len(cmd.Args) != 0 {
		return fmt.Errorf("usage: /%s", cmd.Name)
	}
	return fn(ctx)
}

func (h *Handler) handleGoTo(ctx context.Context, cmd Command) error {
	if len(cmd.Args) != 1 {
		return fmt.Errorf("usage: /goto <offset>")
	}
	target, err := strconv.Atoi(cmd.Args[0])
	if err != nil || target < 0 {
		return fmt.Errorf("usage: /goto <offset>")
	}
	return h.session.GoTo(ctx, target)
}

func (h *Handler) handleQuery(ctx context.Context, cmd Command, pane schema.Pane) error {
	if len(cmd.Args) < 2 {
		return fmt.Errorf("usage: /%s <kind> <value>", cmd.Name)
	}
	value := cmd.After(2)
	quote := strings.HasPrefix(value, `"`)
	if quote {
		value = strings.Trim(value, `"`)
	}
	return h.session.Query(ctx, schema.QueryRequest{
		Kind:  cmd.Args[0],
		Value: value,
		Quote: quote,
		Pane:  pane,
		Width: h.cfg.Width,
	})
}

func (h *Handler) handleState(cmd Command) ([]string, error) {
	renderer := h.renderer
	switch {
	case len(cmd.Args) == 0:
	case len(cmd.Args) == 1 && (cmd.Args[0] == "-v" || cmd.Args[0] == "steps"):
		renderer = &format.PlainRenderer{Verbose: true}
	default:
		return nil, fmt.Errorf("usage: /state [-v]")
	}
	return renderer.FormatState(h.session.Snapshot()), nil
}

func helpLines() []string {
	return []string{
		"/next              advance one statement",
		"/undo              undo one statement",
		"/goto <offset>     advance or undo to an offset",
		"/abort             abort the open proof",
		"/rewind            undo to the start of the open proof",
		"/search <kind> <v> run a search query (Search, SearchPattern, Locate)",
		"/eval <kind> <v>   run an evaluation (Compute, Check)",
		"/clear             show the last output again",
		"/state [-v]        show the session state",
		"/quit              stop the session and exit",
	}
}
