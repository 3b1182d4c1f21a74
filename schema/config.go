package schema

import (
	"errors"
	"time"
)

// ServiceConfig defines defaults for sessions and the REPL process.
type ServiceConfig struct {
	StateDir string
	// CoqtopPath is the REPL executable; empty means search PATH.
	CoqtopPath string
	CoqtopArgs []string
	// BindProjectRoot adds -R <dir of document> "" to the REPL arguments.
	BindProjectRoot bool
	OutputWidth     int
	ProgressDelay   time.Duration
	// DebugManager traces stack changes.
	DebugManager bool
	// DebugCoqtop traces wire traffic.
	DebugCoqtop bool
}

// DefaultOutputWidth is the printing width assumed at REPL start.
const DefaultOutputWidth = 78

// DefaultProgressDelay is how long a command may run before "Running..." is shown.
const DefaultProgressDelay = 100 * time.Millisecond

// NormalizeServiceConfig applies defaults and validates the config.
func NormalizeServiceConfig(cfg ServiceConfig) (ServiceConfig, error) {
	if cfg.OutputWidth == 0 {
		cfg.OutputWidth = DefaultOutputWidth
	}
	if cfg.OutputWidth < 0 {
		return ServiceConfig{}, errors.New("output width must be positive")
	}
	if cfg.ProgressDelay == 0 {
		cfg.ProgressDelay = DefaultProgressDelay
	}
	if cfg.ProgressDelay < 0 {
		return ServiceConfig{}, errors.New("progress delay must not be negative")
	}
	if cfg.CoqtopArgs == nil {
		cfg.CoqtopArgs = []string{}
	}
	return cfg, nil
}
