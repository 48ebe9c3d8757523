// Package lifecycle tears a terminal session down exactly once, whether the
// user closed it, the remote ended it or the process is exiting.
package lifecycle

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
)

// DefaultGrace bounds the wait for the remote close acknowledgment.
const DefaultGrace = 2 * time.Second

// Closer is the connection being torn down.
type Closer interface {
	// BeginClose cancels timers, sends a best-effort terminate and returns a
	// channel closed when the remote acknowledges.
	BeginClose() (<-chan struct{}, error)

	// ForceClose closes the transport regardless of acknowledgment.
	ForceClose() error

	// Release drops the session and stops the connection's goroutines.
	Release()
}

type hook struct {
	name string
	fn   func() error
}

// Coordinator runs an idempotent teardown.
type Coordinator struct {
	closer Closer
	grace  time.Duration
	log    zerolog.Logger

	mu    sync.Mutex
	hooks []hook

	once sync.Once
	done chan struct{}
}

// New returns a coordinator for closer. A zero grace means DefaultGrace.
func New(closer Closer, grace time.Duration, logger zerolog.Logger) *Coordinator {
	if grace <= 0 {
		grace = DefaultGrace
	}
	return &Coordinator{
		closer: closer,
		grace:  grace,
		log:    logger.With().Str("component", "lifecycle").Logger(),
		done:   make(chan struct{}),
	}
}

// OnRelease registers a hook run after the transport is closed.
// Hooks run in reverse registration order.
func (c *Coordinator) OnRelease(name string, fn func() error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hooks = append(c.hooks, hook{name: name, fn: fn})
}

// Teardown closes the session. Concurrent and repeated calls block until the
// first call has finished and do nothing else.
func (c *Coordinator) Teardown() {
	c.once.Do(c.teardown)
}

func (c *Coordinator) teardown() {
	defer close(c.done)
	start := time.Now()

	ack, err := c.closer.BeginClose()
	if err != nil {
		c.log.Debug().Err(err).Msg("begin close")
	} else {
		timer := time.NewTimer(c.grace)
		select {
		case <-ack:
			c.log.Debug().Dur("after", time.Since(start)).Msg("close acknowledged")
		case <-timer.C:
			c.log.Debug().Dur("grace", c.grace).Msg("no close acknowledgment, forcing")
		}
		timer.Stop()
	}

	if err := c.closer.ForceClose(); err != nil {
		c.log.Debug().Err(err).Msg("force close")
	}

	c.mu.Lock()
	hooks := c.hooks
	c.hooks = nil
	c.mu.Unlock()
	for i := len(hooks) - 1; i >= 0; i-- {
		if err := hooks[i].fn(); err != nil {
			c.log.Warn().Err(err).Str("hook", hooks[i].name).Msg("release hook failed")
		}
	}

	c.closer.Release()
	c.log.Info().Dur("took", time.Since(start)).Msg("session torn down")
}

// Done is closed once teardown has completed.
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}

// WatchSignals runs Teardown when one of sigs arrives or ctx is cancelled.
// With no sigs it watches SIGINT, SIGTERM and SIGHUP.
func (c *Coordinator) WatchSignals(ctx context.Context, sigs ...os.Signal) {
	if len(sigs) == 0 {
		sigs = []os.Signal{syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, sigs...)

	go func() {
		defer signal.Stop(sigCh)
		select {
		case sig := <-sigCh:
			c.log.Info().Str("signal", sig.String()).Msg("shutting down")
			c.Teardown()
		case <-ctx.Done():
			c.Teardown()
		case <-c.done:
		}
	}()
}
