package appconfig

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Load reads configuration from the provided path. If path is empty, uses DefaultConfigPath.
func Load(path string) (Config, error) {
	if path == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			return Config{}, err
		}
		path = defaultPath
	}

	cfg, err := DefaultConfig()
	if err != nil {
		return Config{}, err
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetDefault("config_version", cfg.ConfigVersion)
	v.SetDefault("state_dir", cfg.StateDir)
	v.SetDefault("coqtop.path", cfg.Coqtop.Path)
	v.SetDefault("coqtop.args", cfg.Coqtop.Args)
	v.SetDefault("coqtop.env", cfg.Coqtop.Env)
	v.SetDefault("coqtop.bind_project_root", cfg.Coqtop.BindProjectRoot)
	v.SetDefault("session.output_width", cfg.Session.OutputWidth)
	v.SetDefault("session.progress_delay_ms", cfg.Session.ProgressDelayMs)
	v.SetDefault("http.addr", cfg.HTTP.Addr)
	v.SetDefault("http.base_path", cfg.HTTP.BasePath)
	v.SetDefault("http.hub_history", cfg.HTTP.HubHistory)
	v.SetDefault("ssh.enabled", cfg.SSH.Enabled)
	v.SetDefault("ssh.addr", cfg.SSH.Addr)
	v.SetDefault("ssh.host_key", cfg.SSH.HostKey)
	v.SetDefault("ssh.authorized_keys", cfg.SSH.AuthorizedKeys)
	v.SetDefault("ssh.disable_audit_trails", cfg.SSH.DisableAuditTrails)
	v.SetDefault("watch.debounce_ms", cfg.Watch.DebounceMs)
	v.SetDefault("debug.manager", cfg.Debug.Manager)
	v.SetDefault("debug.coqtop", cfg.Debug.Coqtop)

	configLoaded := false
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !errors.Is(err, os.ErrNotExist) {
			return Config{}, err
		}
	} else {
		configLoaded = true
	}

	if configLoaded {
		if !v.InConfig("config_version") {
			return Config{}, fmt.Errorf("config_version is required; expected %d", CurrentConfigVersion)
		}
		if v.GetInt("config_version") != CurrentConfigVersion {
			return Config{}, fmt.Errorf("unsupported config_version %d; expected %d", v.GetInt("config_version"), CurrentConfigVersion)
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	expandConfigEnv(&cfg)
	if err := validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func validate(cfg Config) error {
	if cfg.Session.OutputWidth <= 0 {
		return fmt.Errorf("session.output_width must be positive")
	}
	if cfg.Session.ProgressDelayMs < 0 {
		return fmt.Errorf("session.progress_delay_ms must not be negative")
	}
	for _, entry := range cfg.Coqtop.Env {
		if key, _, ok := strings.Cut(entry, "="); !ok || strings.TrimSpace(key) == "" {
			return fmt.Errorf("coqtop.env entry %q must be KEY=VALUE", entry)
		}
	}
	if strings.TrimSpace(cfg.HTTP.Addr) == "" {
		return fmt.Errorf("http.addr is required")
	}
	if strings.Contains(cfg.HTTP.Addr, "://") {
		return fmt.Errorf("http.addr must be host:port, not a URL")
	}
	if strings.Contains(cfg.HTTP.BasePath, "://") {
		return fmt.Errorf("http.base_path must be a path, not a URL")
	}
	if cfg.HTTP.HubHistory < 0 {
		return fmt.Errorf("http.hub_history must not be negative")
	}
	if cfg.SSH.Enabled {
		if strings.TrimSpace(cfg.SSH.Addr) == "" {
			return fmt.Errorf("ssh.addr is required when ssh is enabled")
		}
		if strings.TrimSpace(cfg.SSH.HostKey) == "" {
			return fmt.Errorf("ssh.host_key is required when ssh is enabled")
		}
		if strings.TrimSpace(cfg.SSH.AuthorizedKeys) == "" {
			return fmt.Errorf("ssh.authorized_keys is required when ssh is enabled")
		}
	}
	if cfg.Watch.DebounceMs < 0 {
		return fmt.Errorf("watch.debounce_ms must not be negative")
	}
	return nil
}

func expandConfigEnv(cfg *Config) {
	if cfg == nil {
		return
	}
	cfg.StateDir = expandEnv(cfg.StateDir)
	cfg.Coqtop.Path = expandEnv(cfg.Coqtop.Path)
	cfg.SSH.HostKey = expandEnv(cfg.SSH.HostKey)
	cfg.SSH.AuthorizedKeys = expandEnv(cfg.SSH.AuthorizedKeys)
	for i, arg := range cfg.Coqtop.Args {
		cfg.Coqtop.Args[i] = expandEnv(arg)
	}
	for i, entry := range cfg.Coqtop.Env {
		if key, value, ok := strings.Cut(entry, "="); ok {
			cfg.Coqtop.Env[i] = key + "=" + expandEnv(value)
		}
	}
}

func expandEnv(value string) string {
	if value == "" {
		return value
	}
	return os.Expand(value, func(key string) string {
		if key == "" {
			return ""
		}
		if val, ok := lookupEnv(key); ok {
			return val
		}
		return "$" + key
	})
}

func lookupEnv(key string) (string, bool) {
	if val, ok := os.LookupEnv(key); ok {
		return val, true
	}
	switch key {
	case "UID":
		return fmt.Sprintf("%d", os.Getuid()), true
	case "GID":
		return fmt.Sprintf("%d", os.Getgid()), true
	}
	return "", false
}

// WriteDefault writes the default config to the target path.
func WriteDefault(path string, overwrite bool) (string, error) {
	if path == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			return "", err
		}
		path = defaultPath
	}

	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return "", fmt.Errorf("config already exists at %s", path)
		}
	}

	cfg, err := DefaultConfig()
	if err != nil {
		return "", err
	}

	data, err := Marshal(cfg)
	if err != nil {
		return "", err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", err
	}
	return path, nil
}

// Marshal renders a config as YAML in the file layout Load reads.
func Marshal(cfg Config) ([]byte, error) {
	return yaml.Marshal(cfg)
}
