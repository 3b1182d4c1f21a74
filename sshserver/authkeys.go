package sshserver

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"strings"
	"sync"

	"golang.org/x/crypto/ssh"
)

// AuthorizedKeys holds the public keys allowed to log in. The file is
// re-read when its modification time changes.
type AuthorizedKeys struct {
	path string

	mu      sync.RWMutex
	keys    []ssh.PublicKey
	modUnix int64
}

// LoadAuthorizedKeys reads an authorized_keys file.
func LoadAuthorizedKeys(path string) (*AuthorizedKeys, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("ssh authorized keys path is required")
	}
	a := &AuthorizedKeys{path: path}
	if err := a.reload(); err != nil {
		return nil, err
	}
	return a, nil
}

// NewAuthorizedKeys builds an in-memory key set.
func NewAuthorizedKeys(keys ...ssh.PublicKey) *AuthorizedKeys {
	return &AuthorizedKeys{keys: keys}
}

// Has reports whether key is authorized.
func (a *AuthorizedKeys) Has(key ssh.PublicKey) (bool, error) {
	if a == nil || key == nil {
		return false, nil
	}
	if err := a.refreshIfNeeded(); err != nil {
		return false, err
	}
	want := key.Marshal()
	a.mu.RLock()
	defer a.mu.RUnlock()
	for _, candidate := range a.keys {
		if bytes.Equal(candidate.Marshal(), want) {
			return true, nil
		}
	}
	return false, nil
}

// Len returns the number of loaded keys.
func (a *AuthorizedKeys) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.keys)
}

func (a *AuthorizedKeys) refreshIfNeeded() error {
	if a.path == "" {
		return nil
	}
	info, err := os.Stat(a.path)
	if err != nil {
		return fmt.Errorf("stat authorized keys: %w", err)
	}
	a.mu.RLock()
	current := a.modUnix
	a.mu.RUnlock()
	if info.ModTime().UnixNano() == current {
		return nil
	}
	return a.reload()
}

func (a *AuthorizedKeys) reload() error {
	info, err := os.Stat(a.path)
	if err != nil {
		return fmt.Errorf("stat authorized keys: %w", err)
	}
	data, err := os.ReadFile(a.path)
	if err != nil {
		return fmt.Errorf("read authorized keys: %w", err)
	}
	keys, err := parseAuthorizedKeys(data)
	if err != nil {
		return err
	}
	a.mu.Lock()
	a.keys = keys
	a.modUnix = info.ModTime().UnixNano()
	a.mu.Unlock()
	return nil
}

func parseAuthorizedKeys(data []byte) ([]ssh.PublicKey, error) {
	var keys []ssh.PublicKey
	scanner := bufio.NewScanner(bytes.NewReader(data))
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, _, _, _, err := ssh.ParseAuthorizedKey([]byte(line))
		if err != nil {
			return nil, fmt.Errorf("authorized keys line %d: %w", lineNo, err)
		}
		keys = append(keys, key)
	}
	return keys, scanner.Err()
}
