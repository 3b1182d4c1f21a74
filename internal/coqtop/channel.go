package coqtop

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"

	"pkt.systems/coqsync/core"
	"pkt.systems/coqsync/schema"
	"pkt.systems/pslog"
)

// Channel is a running REPL process. It implements core.Channel.
type Channel struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	frames chan core.Frame
	stop   chan struct{}
	done   chan struct{}
	debug  bool
	log    pslog.Logger

	mu       sync.Mutex
	closed   bool
	stopOnce sync.Once
	waitErr  error
}

func newChannel(cmd *exec.Cmd, stdin io.WriteCloser, stdout io.Reader, buffer int, debug bool, log pslog.Logger) *Channel {
	c := &Channel{
		cmd:    cmd,
		stdin:  stdin,
		frames: make(chan core.Frame, buffer),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
		debug:  debug,
		log:    log,
	}
	go c.readLoop(stdout)
	return c
}

func (c *Channel) readLoop(stdout io.Reader) {
	defer close(c.done)
	defer close(c.frames)
	ReadFrames(stdout, func(frame core.Frame) bool {
		if c.debug {
			c.log.Debug("coqtop recv", "output", frame.Output, "prompt", frame.Prompt)
		}
		select {
		case c.frames <- frame:
			return true
		case <-c.stop:
			return false
		}
	})
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	err := c.cmd.Wait()
	c.mu.Lock()
	c.waitErr = err
	c.mu.Unlock()
	if err != nil {
		c.log.Debug("coqtop exec exited", "err", err)
		return
	}
	c.log.Debug("coqtop exec exited")
}

// Send writes command and a newline to the REPL.
func (c *Channel) Send(command string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return schema.ErrChannelClosed
	}
	if c.debug {
		c.log.Debug("coqtop send", "command", command)
	}
	if _, err := io.WriteString(c.stdin, command+"\n"); err != nil {
		return fmt.Errorf("write command: %v: %w", err, schema.ErrChannelClosed)
	}
	return nil
}

// Frames yields replies in arrival order. It is closed when the process output ends.
func (c *Channel) Frames() <-chan core.Frame {
	return c.frames
}

// Terminate kills the process and waits for the reader to finish.
func (c *Channel) Terminate() error {
	c.stopOnce.Do(func() {
		close(c.stop)
	})
	c.mu.Lock()
	c.closed = true
	_ = c.stdin.Close()
	c.mu.Unlock()
	var err error
	if c.cmd.Process != nil {
		if killErr := c.cmd.Process.Kill(); killErr != nil && !errors.Is(killErr, os.ErrProcessDone) {
			err = killErr
		}
	}
	<-c.done
	c.log.Info("coqtop exec killed")
	return err
}

// Done is closed once the process has exited and been reaped.
func (c *Channel) Done() <-chan struct{} {
	return c.done
}

// ExitErr returns the wait error of the exited process.
func (c *Channel) ExitErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.waitErr
}
