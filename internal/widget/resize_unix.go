//go:build !windows
// +build !windows

package widget

import (
	"context"
	"os"
	"os/signal"

	"golang.org/x/sys/unix"

	"github.com/remote-agent-terminal/dualterm/internal/model"
)

// watchResize reports the current size once and again on every SIGWINCH.
func watchResize(ctx context.Context, size func() model.Geometry, fn func(model.Geometry)) {
	sigCh := make(chan os.Signal, 4)
	signal.Notify(sigCh, unix.SIGWINCH)
	defer signal.Stop(sigCh)

	last := size()
	fn(last)
	for {
		select {
		case <-ctx.Done():
			return
		case <-sigCh:
			if g := size(); g != last {
				last = g
				fn(g)
			}
		}
	}
}
