package appconfig

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ConfigVersion != CurrentConfigVersion {
		t.Fatalf("unexpected version %d", cfg.ConfigVersion)
	}
	if cfg.HTTP.Addr != "127.0.0.1:27580" {
		t.Fatalf("unexpected addr %q", cfg.HTTP.Addr)
	}
}

func TestLoadReadsValues(t *testing.T) {
	t.Setenv("COQSYNC_TEST_HOME", "/data")
	path := writeConfig(t, `
config_version: 1
state_dir: $COQSYNC_TEST_HOME/state
coqtop:
  path: /opt/coq/bin/coqtop
  args: ["-Q", "$COQSYNC_TEST_HOME/lib", "Lib"]
  bind_project_root: false
  env: ["COQPATH=$COQSYNC_TEST_HOME/coq", "OCAMLRUNPARAM=b"]
session:
  output_width: 100
  progress_delay_ms: 250
ssh:
  enabled: true
  addr: 0.0.0.0:2222
  authorized_keys: $COQSYNC_TEST_HOME/keys
watch:
  debounce_ms: 50
debug:
  coqtop: true
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.StateDir != "/data/state" {
		t.Fatalf("expected expanded state dir, got %q", cfg.StateDir)
	}
	svc := cfg.ServiceConfig()
	if svc.CoqtopPath != "/opt/coq/bin/coqtop" || svc.BindProjectRoot {
		t.Fatalf("unexpected coqtop config %+v", svc)
	}
	if strings.Join(svc.CoqtopArgs, " ") != "-Q /data/lib Lib" {
		t.Fatalf("unexpected args %v", svc.CoqtopArgs)
	}
	if svc.OutputWidth != 100 || svc.ProgressDelay != 250*time.Millisecond {
		t.Fatalf("unexpected session config %+v", svc)
	}
	if !svc.DebugCoqtop || svc.DebugManager {
		t.Fatalf("unexpected debug flags %+v", svc)
	}
	if env := cfg.CoqtopEnv(); strings.Join(env, " ") != "COQPATH=/data/coq OCAMLRUNPARAM=b" {
		t.Fatalf("unexpected env %v", env)
	}
	if cfg.WatchDebounce() != 50*time.Millisecond {
		t.Fatalf("unexpected debounce %s", cfg.WatchDebounce())
	}
	if cfg.HTTP.HubHistory != 500 {
		t.Fatalf("expected default hub history, got %d", cfg.HTTP.HubHistory)
	}
	ssh := cfg.SSHServerConfig()
	if !cfg.SSH.Enabled || ssh.Addr != "0.0.0.0:2222" || ssh.AuthorizedKeysPath != "/data/keys" {
		t.Fatalf("unexpected ssh config %+v", ssh)
	}
	if !strings.HasSuffix(ssh.HostKeyPath, "host_ed25519") {
		t.Fatalf("expected default host key, got %q", ssh.HostKeyPath)
	}
}

func TestLoadRejectsUnsupportedConfigVersion(t *testing.T) {
	path := writeConfig(t, `
config_version: 3
`)
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "unsupported config_version") {
		t.Fatalf("expected config_version error, got %v", err)
	}
}

func TestLoadRequiresConfigVersion(t *testing.T) {
	path := writeConfig(t, `
state_dir: /tmp/state
`)
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "config_version is required") {
		t.Fatalf("expected config_version error, got %v", err)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"width", "config_version: 1\nsession:\n  output_width: 0\n", "session.output_width"},
		{"delay", "config_version: 1\nsession:\n  progress_delay_ms: -1\n", "session.progress_delay_ms"},
		{"addr url", "config_version: 1\nhttp:\n  addr: http://localhost:1\n", "http.addr"},
		{"history", "config_version: 1\nhttp:\n  hub_history: -5\n", "http.hub_history"},
		{"env entry", "config_version: 1\ncoqtop:\n  env: [\"NOVALUE\"]\n", "coqtop.env"},
		{"ssh addr", "config_version: 1\nssh:\n  enabled: true\n  addr: \"\"\n", "ssh.addr"},
		{"base path url", "config_version: 1\nhttp:\n  base_path: http://x/coq\n", "http.base_path"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, tt.content)
			if _, err := Load(path); err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected %s error, got %v", tt.want, err)
			}
		})
	}
}

func TestExpandEnv(t *testing.T) {
	t.Setenv("FOO", "bar")
	value := expandEnv("$FOO/$UID/$GID/$MISSING")
	if !strings.HasPrefix(value, "bar/") {
		t.Fatalf("expected env expansion, got %q", value)
	}
	if strings.Contains(value, "$UID") || strings.Contains(value, "$GID") {
		t.Fatalf("expected UID/GID expansion, got %q", value)
	}
	if !strings.HasSuffix(value, "/$MISSING") {
		t.Fatalf("expected missing vars to remain, got %q", value)
	}
}

func TestWriteDefaultRespectsOverwrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "config.yaml")
	written, err := WriteDefault(path, false)
	if err != nil {
		t.Fatalf("write default: %v", err)
	}
	if written != path {
		t.Fatalf("expected path %q, got %q", path, written)
	}
	if _, err := Load(path); err != nil {
		t.Fatalf("expected written default to load: %v", err)
	}
	if _, err := WriteDefault(path, false); err == nil {
		t.Fatalf("expected error when config exists")
	}
	if _, err := WriteDefault(path, true); err != nil {
		t.Fatalf("expected overwrite to succeed: %v", err)
	}
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(strings.TrimSpace(content)+"\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}
