//go:build windows

package pty

import "github.com/remote-agent-terminal/dualterm/internal/model"

// Start is not supported on Windows; the stub falls back to its echo shell.
func Start(opts StartOptions) (*Process, error) {
	return nil, ErrUnsupported
}

// Resize is never reached on Windows.
func (p *Process) Resize(g model.Geometry) error {
	return ErrUnsupported
}
