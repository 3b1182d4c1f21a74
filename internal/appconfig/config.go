package appconfig

import (
	"os"
	"path/filepath"
	"time"

	"pkt.systems/coqsync/schema"
	"pkt.systems/coqsync/sshserver"
)

// Config is the top-level application configuration.
type Config struct {
	ConfigVersion int           `mapstructure:"config_version" yaml:"config_version"`
	StateDir      string        `mapstructure:"state_dir" yaml:"state_dir"`
	Coqtop        CoqtopConfig  `mapstructure:"coqtop" yaml:"coqtop"`
	Session       SessionConfig `mapstructure:"session" yaml:"session"`
	HTTP          HTTPConfig    `mapstructure:"http" yaml:"http"`
	SSH           SSHConfig     `mapstructure:"ssh" yaml:"ssh"`
	Watch         WatchConfig   `mapstructure:"watch" yaml:"watch"`
	Debug         DebugConfig   `mapstructure:"debug" yaml:"debug"`
}

// CurrentConfigVersion marks the supported config version.
const CurrentConfigVersion = 1

// CoqtopConfig controls how the REPL is invoked.
type CoqtopConfig struct {
	// Path is the REPL executable; empty searches PATH for coqtop.
	Path string   `mapstructure:"path" yaml:"path"`
	Args []string `mapstructure:"args" yaml:"args"`
	// Env holds KEY=VALUE entries appended to the REPL environment. A list
	// keeps key case, which viper folds for maps.
	Env             []string `mapstructure:"env" yaml:"env"`
	BindProjectRoot bool     `mapstructure:"bind_project_root" yaml:"bind_project_root"`
}

// SessionConfig controls per-document session behavior.
type SessionConfig struct {
	OutputWidth     int `mapstructure:"output_width" yaml:"output_width"`
	ProgressDelayMs int `mapstructure:"progress_delay_ms" yaml:"progress_delay_ms"`
}

// HTTPConfig configures the HTTP server.
type HTTPConfig struct {
	Addr string `mapstructure:"addr" yaml:"addr"`
	// BasePath mounts the API under a prefix, e.g. /coq.
	BasePath   string `mapstructure:"base_path" yaml:"base_path"`
	HubHistory int    `mapstructure:"hub_history" yaml:"hub_history"`
}

// SSHConfig configures the SSH shell. It stays off until enabled.
type SSHConfig struct {
	Enabled        bool   `mapstructure:"enabled" yaml:"enabled"`
	Addr           string `mapstructure:"addr" yaml:"addr"`
	HostKey        string `mapstructure:"host_key" yaml:"host_key"`
	AuthorizedKeys string `mapstructure:"authorized_keys" yaml:"authorized_keys"`
	// DisableAuditTrails stops logging every slash command at debug level.
	DisableAuditTrails bool `mapstructure:"disable_audit_trails" yaml:"disable_audit_trails"`
}

// WatchConfig configures the file watcher.
type WatchConfig struct {
	DebounceMs int `mapstructure:"debounce_ms" yaml:"debounce_ms"`
}

// DebugConfig enables trace logging.
type DebugConfig struct {
	Manager bool `mapstructure:"manager" yaml:"manager"`
	Coqtop  bool `mapstructure:"coqtop" yaml:"coqtop"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() (Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return Config{}, err
	}
	return Config{
		ConfigVersion: CurrentConfigVersion,
		StateDir:      filepath.Join(home, ".coqsync", "state"),
		Coqtop: CoqtopConfig{
			Path:            "",
			Args:            []string{},
			Env:             []string{},
			BindProjectRoot: true,
		},
		Session: SessionConfig{
			OutputWidth:     schema.DefaultOutputWidth,
			ProgressDelayMs: int(schema.DefaultProgressDelay / time.Millisecond),
		},
		HTTP: HTTPConfig{
			Addr:       "127.0.0.1:27580",
			BasePath:   "",
			HubHistory: 500,
		},
		SSH: SSHConfig{
			Addr:           "127.0.0.1:27522",
			HostKey:        filepath.Join(home, ".coqsync", "ssh", "host_ed25519"),
			AuthorizedKeys: filepath.Join(home, ".coqsync", "ssh", "authorized_keys"),
		},
		Watch: WatchConfig{
			DebounceMs: 200,
		},
	}, nil
}

// DefaultConfigPath returns the standard config path.
func DefaultConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".coqsync", "config.yaml"), nil
}

// ServiceConfig converts the session-related settings.
func (c Config) ServiceConfig() schema.ServiceConfig {
	return schema.ServiceConfig{
		StateDir:        c.StateDir,
		CoqtopPath:      c.Coqtop.Path,
		CoqtopArgs:      append([]string(nil), c.Coqtop.Args...),
		BindProjectRoot: c.Coqtop.BindProjectRoot,
		OutputWidth:     c.Session.OutputWidth,
		ProgressDelay:   time.Duration(c.Session.ProgressDelayMs) * time.Millisecond,
		DebugManager:    c.Debug.Manager,
		DebugCoqtop:     c.Debug.Coqtop,
	}
}

// CoqtopEnv returns the extra REPL environment as KEY=VALUE pairs.
func (c Config) CoqtopEnv() []string {
	return append([]string(nil), c.Coqtop.Env...)
}

// WatchDebounce returns the watcher debounce as a duration.
func (c Config) WatchDebounce() time.Duration {
	return time.Duration(c.Watch.DebounceMs) * time.Millisecond
}

// SSHServerConfig converts the SSH settings.
func (c Config) SSHServerConfig() sshserver.Config {
	return sshserver.Config{
		Addr:                c.SSH.Addr,
		HostKeyPath:         c.SSH.HostKey,
		AuthorizedKeysPath:  c.SSH.AuthorizedKeys,
		DisableAuditLogging: c.SSH.DisableAuditTrails,
	}
}
