//go:build !windows

package pty

import (
	"fmt"

	"github.com/creack/pty"

	"github.com/remote-agent-terminal/dualterm/internal/model"
)

// Start runs opts.Command on a new pseudo-terminal.
func Start(opts StartOptions) (*Process, error) {
	if opts.Command == "" {
		return nil, fmt.Errorf("pty: no command")
	}

	cmd := command(opts)
	f, err := pty.StartWithSize(cmd, winsize(initialSize(opts.Size)))
	if err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", opts.Command, err)
	}
	return &Process{f: f, cmd: cmd}, nil
}

// Resize changes the window size.
func (p *Process) Resize(g model.Geometry) error {
	if !g.Valid() {
		return fmt.Errorf("pty: invalid size %dx%d", g.Cols, g.Rows)
	}
	return pty.Setsize(p.f, winsize(g))
}

func winsize(g model.Geometry) *pty.Winsize {
	return &pty.Winsize{Rows: uint16(g.Rows), Cols: uint16(g.Cols)}
}
