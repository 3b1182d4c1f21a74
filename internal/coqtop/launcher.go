// Package coqtop runs the REPL subprocess and frames its replies.
package coqtop

import (
	"context"
	"errors"
	"os"
	"os/exec"

	"pkt.systems/coqsync/core"
	"pkt.systems/pslog"
)

// DefaultBinary is looked up on PATH when no executable is configured.
const DefaultBinary = "coqtop"

// Config controls how the REPL is invoked.
type Config struct {
	// Env is appended to the inherited environment.
	Env []string
	// FrameBuffer is the capacity of the frame channel.
	FrameBuffer int
}

// Launcher implements core.Launcher with real subprocesses.
type Launcher struct {
	cfg Config
}

// NewLauncher constructs a launcher.
func NewLauncher(cfg Config) *Launcher {
	if cfg.FrameBuffer <= 0 {
		cfg.FrameBuffer = 64
	}
	return &Launcher{cfg: cfg}
}

// Launch starts `<path> -emacs <args...>` with stderr merged into stdout.
// The process is not bound to ctx; Terminate ends it.
func (l *Launcher) Launch(ctx context.Context, req core.LaunchRequest) (core.Channel, error) {
	log := pslog.Ctx(ctx)
	path, err := resolve(req.Path)
	if err != nil {
		return nil, core.NewLaunchError(req.Path, err)
	}
	args := append([]string{"-emacs"}, req.Args...)
	log.Info("coqtop exec start", "path", path, "args", args, "workdir", req.Dir)

	cmd := exec.Command(path, args...)
	cmd.Dir = req.Dir
	cmd.Env = append(os.Environ(), l.cfg.Env...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, core.NewLaunchError(path, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		_ = stdin.Close()
		return nil, core.NewLaunchError(path, err)
	}
	cmd.Stderr = cmd.Stdout
	if err := cmd.Start(); err != nil {
		log.Error("coqtop exec start failed", "err", err)
		return nil, core.NewLaunchError(path, err)
	}
	log.Info("coqtop exec started", "pid", cmd.Process.Pid)
	return newChannel(cmd, stdin, stdout, l.cfg.FrameBuffer, req.Debug, log), nil
}

func resolve(path string) (string, error) {
	if path == "" {
		path = DefaultBinary
	}
	resolved, err := exec.LookPath(path)
	if err != nil {
		if errors.Is(err, exec.ErrDot) {
			return path, nil
		}
		return "", err
	}
	return resolved, nil
}
