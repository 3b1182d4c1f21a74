package sshserver

import (
	"crypto/ed25519"
	"crypto/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"
)

func newTestSigner(t *testing.T) ssh.Signer {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatalf("signer: %v", err)
	}
	return signer
}

func authorizedLine(key ssh.PublicKey) string {
	return strings.TrimSpace(string(ssh.MarshalAuthorizedKey(key)))
}

func TestParseAuthorizedKeysSkipsCommentsAndBlanks(t *testing.T) {
	a := newTestSigner(t).PublicKey()
	b := newTestSigner(t).PublicKey()
	data := "# team keys\n\n" + authorizedLine(a) + " alice@host\n  \n" + authorizedLine(b) + "\n"
	keys, err := parseAuthorizedKeys([]byte(data))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(keys) != 2 {
		t.Fatalf("expected 2 keys, got %d", len(keys))
	}
}

func TestParseAuthorizedKeysReportsLine(t *testing.T) {
	data := "# header\n" + authorizedLine(newTestSigner(t).PublicKey()) + "\nnot-a-key\n"
	_, err := parseAuthorizedKeys([]byte(data))
	if err == nil || !strings.Contains(err.Error(), "line 3") {
		t.Fatalf("expected line 3 error, got %v", err)
	}
}

func TestAuthorizedKeysHas(t *testing.T) {
	allowed := newTestSigner(t).PublicKey()
	other := newTestSigner(t).PublicKey()
	keys := NewAuthorizedKeys(allowed)
	if ok, err := keys.Has(allowed); err != nil || !ok {
		t.Fatalf("expected allowed key, got %v %v", ok, err)
	}
	if ok, err := keys.Has(other); err != nil || ok {
		t.Fatalf("expected other key rejected, got %v %v", ok, err)
	}
	if ok, _ := keys.Has(nil); ok {
		t.Fatalf("expected nil key rejected")
	}
	var empty *AuthorizedKeys
	if ok, _ := empty.Has(allowed); ok {
		t.Fatalf("expected nil set to reject")
	}
}

func TestLoadAuthorizedKeysRefreshesOnChange(t *testing.T) {
	first := newTestSigner(t).PublicKey()
	second := newTestSigner(t).PublicKey()
	path := filepath.Join(t.TempDir(), "authorized_keys")
	if err := os.WriteFile(path, []byte(authorizedLine(first)+"\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	keys, err := LoadAuthorizedKeys(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if keys.Len() != 1 {
		t.Fatalf("expected 1 key, got %d", keys.Len())
	}
	if ok, _ := keys.Has(second); ok {
		t.Fatalf("second key should not be authorized yet")
	}

	if err := os.WriteFile(path, []byte(authorizedLine(second)+"\n"), 0o600); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	later := time.Now().Add(2 * time.Second)
	if err := os.Chtimes(path, later, later); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
	if ok, err := keys.Has(second); err != nil || !ok {
		t.Fatalf("expected refreshed key, got %v %v", ok, err)
	}
	if ok, _ := keys.Has(first); ok {
		t.Fatalf("removed key should be rejected")
	}
}

func TestLoadAuthorizedKeysErrors(t *testing.T) {
	if _, err := LoadAuthorizedKeys(" "); err == nil {
		t.Fatalf("expected error for empty path")
	}
	if _, err := LoadAuthorizedKeys(filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}
