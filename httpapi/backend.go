package httpapi

import (
	"context"

	"pkt.systems/coqsync/core"
	"pkt.systems/coqsync/internal/command"
	"pkt.systems/coqsync/schema"
)

// Session is the per-document surface the API drives.
type Session interface {
	command.Session
	WaitIdle(ctx context.Context) error
}

// DocumentText is the current text of a session and its read-only prefix.
type DocumentText struct {
	Text      string `json:"text"`
	ProvenEnd int    `json:"proven_end"`
}

// Sessions is the registry surface the API serves.
type Sessions interface {
	Start(ctx context.Context, req schema.StartRequest) (schema.SessionSnapshot, error)
	Get(id schema.DocumentID) (schema.SessionSnapshot, error)
	List() []schema.SessionSnapshot
	Stop(ctx context.Context, id schema.DocumentID) error
	Restart(ctx context.Context, id schema.DocumentID) (schema.SessionSnapshot, error)
	UpdateText(ctx context.Context, id schema.DocumentID, text string) error
	Resync(ctx context.Context, id schema.DocumentID, text string) error
	Text(id schema.DocumentID) (DocumentText, error)
	Session(id schema.DocumentID) (Session, error)
}

// FromRegistry adapts a session registry.
func FromRegistry(r *core.Registry) Sessions {
	return registrySessions{Registry: r}
}

type registrySessions struct {
	*core.Registry
}

func (r registrySessions) Session(id schema.DocumentID) (Session, error) {
	driver, err := r.Driver(id)
	if err != nil {
		return nil, err
	}
	return driver, nil
}

func (r registrySessions) Text(id schema.DocumentID) (DocumentText, error) {
	buffer, err := r.Buffer(id)
	if err != nil {
		return DocumentText{}, err
	}
	return DocumentText{Text: buffer.Text(), ProvenEnd: buffer.ProvenEnd()}, nil
}
