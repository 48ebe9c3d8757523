// Package widget is the local terminal the session renders into. It puts the
// controlling TTY in raw mode, forwards keystrokes and window size changes
// and writes remote output straight through.
package widget

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
	"golang.org/x/term"

	"github.com/remote-agent-terminal/dualterm/internal/model"
)

// DefaultDetachKey is Ctrl-].
const DefaultDetachKey byte = 0x1d

const interruptByte = 0x03

// ErrDetached is returned by Run when the user pressed the detach key.
var ErrDetached = errors.New("detached")

// Handler receives what the user does in the terminal.
type Handler interface {
	HandleInput(p []byte) error
	HandleResize(rows, cols int) error
}

// Options configures a TTY.
type Options struct {
	// DetachKey ends Run with ErrDetached. Zero disables detaching.
	DetachKey byte

	// Fallback is reported when the output is not a terminal.
	Fallback model.Geometry

	Logger zerolog.Logger
}

// TTY is a terminal widget over an input and output file.
type TTY struct {
	in   *os.File
	out  *os.File
	opts Options
	log  zerolog.Logger
}

// New returns a widget reading in and writing out.
func New(in, out *os.File, opts Options) *TTY {
	if !opts.Fallback.Valid() {
		opts.Fallback = model.Geometry{Rows: 24, Cols: 80}
	}
	return &TTY{
		in:   in,
		out:  out,
		opts: opts,
		log:  opts.Logger.With().Str("component", "widget").Logger(),
	}
}

// Write writes remote output to the terminal.
func (t *TTY) Write(p []byte) (int, error) {
	return t.out.Write(p)
}

// IsTerminal reports whether the input is an interactive terminal.
func (t *TTY) IsTerminal() bool {
	return term.IsTerminal(int(t.in.Fd()))
}

// Size returns the terminal geometry, or the fallback when unknown.
func (t *TTY) Size() model.Geometry {
	fd := int(t.out.Fd())
	if !term.IsTerminal(fd) {
		return t.opts.Fallback
	}
	cols, rows, err := term.GetSize(fd)
	if err != nil || cols <= 0 || rows <= 0 {
		return t.opts.Fallback
	}
	return model.Geometry{Rows: rows, Cols: cols}
}

// MakeRaw puts the input in raw mode. The returned func restores it.
func (t *TTY) MakeRaw() (func(), error) {
	fd := int(t.in.Fd())
	if !term.IsTerminal(fd) {
		return func() {}, nil
	}
	state, err := term.MakeRaw(fd)
	if err != nil {
		return nil, fmt.Errorf("enter raw mode: %w", err)
	}
	return func() {
		if err := term.Restore(fd, state); err != nil {
			t.log.Debug().Err(err).Msg("restore terminal")
		}
	}, nil
}

// Run forwards keystrokes and size changes to h until the input ends, ctx is
// cancelled or the detach key is pressed.
func (t *TTY) Run(ctx context.Context, h Handler) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go watchResize(ctx, t.Size, func(g model.Geometry) {
		if err := h.HandleResize(g.Rows, g.Cols); err != nil {
			t.log.Debug().Err(err).Msg("resize not forwarded")
		}
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- t.pump(h)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return nil
	}
}

func (t *TTY) pump(h Handler) error {
	buf := make([]byte, 4096)
	for {
		n, err := t.in.Read(buf)
		if n > 0 {
			chunks, detached := SplitInput(buf[:n], t.opts.DetachKey)
			for _, c := range chunks {
				if herr := h.HandleInput(c); herr != nil {
					t.log.Debug().Err(herr).Msg("input not forwarded")
				}
			}
			if detached {
				return ErrDetached
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}

// SplitInput cuts one read into the chunks to forward. Every interrupt byte
// becomes its own chunk, and nothing after the detach key is forwarded.
func SplitInput(p []byte, detachKey byte) (chunks [][]byte, detached bool) {
	if detachKey != 0 {
		if i := bytes.IndexByte(p, detachKey); i >= 0 {
			p, detached = p[:i], true
		}
	}

	for len(p) > 0 {
		i := bytes.IndexByte(p, interruptByte)
		if i < 0 {
			chunks = append(chunks, clone(p))
			break
		}
		if i > 0 {
			chunks = append(chunks, clone(p[:i]))
		}
		chunks = append(chunks, []byte{interruptByte})
		p = p[i+1:]
	}
	return chunks, detached
}

func clone(p []byte) []byte {
	c := make([]byte, len(p))
	copy(c, p)
	return c
}
