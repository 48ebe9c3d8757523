// Package pty runs a local command on a pseudo-terminal.
package pty

import (
	"errors"
	"os"
	"os/exec"
	"sync"

	"github.com/remote-agent-terminal/dualterm/internal/model"
)

// ErrUnsupported is returned by Start where no pseudo-terminal is available.
var ErrUnsupported = errors.New("pty: not supported on this platform")

// StartOptions describes the command to run.
type StartOptions struct {
	// Command is the program to execute.
	Command string

	// Args are passed to Command.
	Args []string

	// Env is the process environment. Nil uses the current environment.
	Env []string

	// Dir is the working directory. Empty uses the current directory.
	Dir string

	// Size is the initial window size; an invalid size means 24x80.
	Size model.Geometry
}

// Process is a running command attached to a pseudo-terminal.
type Process struct {
	f   *os.File
	cmd *exec.Cmd

	closeOnce sync.Once
	closeErr  error
}

// Read reads terminal output.
func (p *Process) Read(b []byte) (int, error) {
	return p.f.Read(b)
}

// Write writes terminal input.
func (p *Process) Write(b []byte) (int, error) {
	return p.f.Write(b)
}

// PID returns the process id.
func (p *Process) PID() int {
	return p.cmd.Process.Pid
}

// Wait waits for the process to exit and returns its exit code.
// Returns -1 if the process was killed by a signal.
func (p *Process) Wait() (int, error) {
	err := p.cmd.Wait()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return exitErr.ExitCode(), nil
		}
		return -1, err
	}
	return 0, nil
}

// Kill terminates the process.
func (p *Process) Kill() error {
	if p.cmd.Process != nil {
		return p.cmd.Process.Kill()
	}
	return nil
}

// Close closes the terminal master. Safe to call more than once.
func (p *Process) Close() error {
	p.closeOnce.Do(func() {
		p.closeErr = p.f.Close()
	})
	return p.closeErr
}

func command(opts StartOptions) *exec.Cmd {
	cmd := exec.Command(opts.Command, opts.Args...)
	cmd.Env = opts.Env
	if cmd.Env == nil {
		cmd.Env = append(os.Environ(), "TERM=xterm-256color")
	}
	if opts.Dir != "" {
		cmd.Dir = opts.Dir
	}
	return cmd
}

func initialSize(g model.Geometry) model.Geometry {
	if !g.Valid() {
		return model.Geometry{Rows: 24, Cols: 80}
	}
	return g
}
