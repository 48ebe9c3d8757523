//go:build windows
// +build windows

package widget

import (
	"context"
	"time"

	"github.com/remote-agent-terminal/dualterm/internal/model"
)

// Windows consoles have no SIGWINCH, so the size is polled.
const resizePoll = 250 * time.Millisecond

// watchResize reports the current size once and again whenever it changes.
func watchResize(ctx context.Context, size func() model.Geometry, fn func(model.Geometry)) {
	last := size()
	fn(last)

	ticker := time.NewTicker(resizePoll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if g := size(); g != last {
				last = g
				fn(g)
			}
		}
	}
}
