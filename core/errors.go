package core

import (
	"fmt"

	"pkt.systems/coqsync/schema"
)

// LaunchError reports a REPL executable that could not be found or started.
type LaunchError struct {
	Path string
	Err  error
}

// NewLaunchError constructs a launch error.
func NewLaunchError(path string, err error) *LaunchError {
	return &LaunchError{Path: path, Err: err}
}

func (e *LaunchError) Error() string {
	if e == nil {
		return "launch error"
	}
	path := e.Path
	if path == "" {
		path = "coqtop"
	}
	if e.Err != nil {
		return fmt.Sprintf("cannot start %s: %v", path, e.Err)
	}
	return fmt.Sprintf("cannot start %s", path)
}

func (e *LaunchError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is matches schema.ErrLaunch.
func (e *LaunchError) Is(target error) bool {
	return target == schema.ErrLaunch
}
