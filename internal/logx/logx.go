package logx

import (
	"context"

	"pkt.systems/coqsync/schema"
	"pkt.systems/pslog"
)

type contextKey int

const (
	documentKey contextKey = iota
)

// Ctx returns the logger bound to the provided context.
func Ctx(ctx context.Context) pslog.Logger {
	return pslog.Ctx(ctx)
}

// WithDocument annotates the context logger with the document id unless the
// context already carries it.
func WithDocument(ctx context.Context, id schema.DocumentID) pslog.Logger {
	log := pslog.Ctx(ctx)
	if id == "" {
		return log
	}
	if current, ok := ctx.Value(documentKey).(schema.DocumentID); ok && current == id {
		return log
	}
	return log.With("document", id)
}

// WithPath annotates the logger with a document path when available.
func WithPath(log pslog.Logger, path string) pslog.Logger {
	if path != "" {
		log = log.With("path", path)
	}
	return log
}

// ContextWithDocument stores the document marker on the context for log de-duplication.
func ContextWithDocument(ctx context.Context, id schema.DocumentID) context.Context {
	if ctx == nil || id == "" {
		return ctx
	}
	return context.WithValue(ctx, documentKey, id)
}

// ContextWithDocumentLogger attaches the logger and document marker to the context.
func ContextWithDocumentLogger(ctx context.Context, log pslog.Logger, id schema.DocumentID) context.Context {
	ctx = pslog.ContextWithLogger(ctx, log)
	return ContextWithDocument(ctx, id)
}

// DocumentFrom returns the document marker stored on ctx.
func DocumentFrom(ctx context.Context) (schema.DocumentID, bool) {
	if ctx == nil {
		return "", false
	}
	id, ok := ctx.Value(documentKey).(schema.DocumentID)
	return id, ok && id != ""
}

// CopyContextFields copies the document marker from src to dst.
func CopyContextFields(dst context.Context, src context.Context) context.Context {
	if id, ok := DocumentFrom(src); ok {
		dst = ContextWithDocument(dst, id)
	}
	return dst
}
