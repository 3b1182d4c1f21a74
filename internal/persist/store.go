package persist

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
	"unicode"

	"pkt.systems/coqsync/schema"
	"pkt.systems/pslog"
)

// DocumentSnapshot captures the proven prefix of a document for resume.
type DocumentSnapshot struct {
	ID       schema.DocumentID `json:"id"`
	Path     string            `json:"path,omitempty"`
	Position int               `json:"position"`
	// ProvenHash is the hex sha256 of the first Position runes of the text.
	ProvenHash string                `json:"proven_hash"`
	Steps      []schema.StepSnapshot `json:"steps,omitempty"`
	SavedAt    time.Time             `json:"saved_at"`
}

// HashPrefix returns the ProvenHash of the first n runes of text.
func HashPrefix(text string, n int) string {
	runes := []rune(text)
	n = max(0, min(n, len(runes)))
	sum := sha256.Sum256([]byte(string(runes[:n])))
	return hex.EncodeToString(sum[:])
}

// Matches reports whether text still starts with the proven prefix.
func (s DocumentSnapshot) Matches(text string) bool {
	if s.Position > len([]rune(text)) {
		return false
	}
	return HashPrefix(text, s.Position) == s.ProvenHash
}

// Store persists document snapshots to disk.
type Store struct {
	dir string
	log pslog.Logger
}

// NewStore constructs a persistent store at the given directory.
func NewStore(dir string) (*Store, error) {
	return NewStoreWithLogger(dir, nil)
}

// NewStoreWithLogger constructs a persistent store with logging.
func NewStoreWithLogger(dir string, logger pslog.Logger) (*Store, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("state directory is required")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	if logger != nil {
		logger = logger.With("state_dir", dir)
	}
	return &Store{dir: dir, log: logger}, nil
}

// Load reads a document snapshot from disk.
func (s *Store) Load(id schema.DocumentID) (DocumentSnapshot, bool, error) {
	data, err := os.ReadFile(s.pathFor(id))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			s.debug("state load miss", "document", id)
			return DocumentSnapshot{}, false, nil
		}
		s.warn("state load failed", id, err)
		return DocumentSnapshot{}, false, err
	}
	var snapshot DocumentSnapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		s.warn("state load failed", id, err)
		return DocumentSnapshot{}, false, err
	}
	s.debug("state load ok", "document", id, "position", snapshot.Position)
	return snapshot, true, nil
}

// Save writes a document snapshot to disk atomically.
func (s *Store) Save(snapshot DocumentSnapshot) error {
	id := snapshot.ID
	if snapshot.SavedAt.IsZero() {
		snapshot.SavedAt = time.Now().UTC()
	}
	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		s.warn("state save failed", id, err)
		return err
	}
	if err := writeAtomic(s.pathFor(id), data); err != nil {
		s.warn("state save failed", id, err)
		return err
	}
	if s.log != nil {
		s.log.Trace("state save ok", "document", id, "position", snapshot.Position, "steps", len(snapshot.Steps))
	}
	return nil
}

// Delete removes a stored snapshot. A missing snapshot is not an error.
func (s *Store) Delete(id schema.DocumentID) error {
	err := os.Remove(s.pathFor(id))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		s.warn("state delete failed", id, err)
		return err
	}
	return nil
}

// List returns the ids of stored snapshots, sorted.
func (s *Store) List() ([]schema.DocumentID, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	var ids []schema.DocumentID
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		ids = append(ids, schema.DocumentID(strings.TrimSuffix(name, ".json")))
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func writeAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "state-*.json")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o600); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func (s *Store) debug(msg string, kv ...any) {
	if s.log != nil {
		s.log.Debug(msg, kv...)
	}
}

func (s *Store) warn(msg string, id schema.DocumentID, err error) {
	if s.log != nil {
		s.log.Warn(msg, "document", id, "err", err)
	}
}

func (s *Store) pathFor(id schema.DocumentID) string {
	name := sanitize(string(id))
	if name == "" {
		name = "unknown"
	}
	return filepath.Join(s.dir, name+".json")
}

func sanitize(value string) string {
	var b strings.Builder
	for _, r := range value {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '-' || r == '_' || r == '.' {
			b.WriteRune(r)
			continue
		}
		b.WriteRune('_')
	}
	return b.String()
}
