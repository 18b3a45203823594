// Package shutdown runs the server's cleanup steps in priority order when the
// process is asked to stop.
package shutdown

import (
	"cmp"
	"context"
	"os"
	"os/signal"
	"slices"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
)

// Closer is anything with a Close method, e.g. the archive fetcher.
type Closer interface {
	Close() error
}

// Func is a cleanup step that honors the shutdown deadline.
type Func func(ctx context.Context) error

// Priorities for the server's components. Lower runs first.
const (
	PriorityHTTPServer = 10 // stop accepting requests, drain in-flight exports
	PriorityFetcher    = 80 // remove materialized remote archives
	PriorityLogs       = 90
)

type step struct {
	name     string
	priority int
	run      Func
}

// Coordinator collects cleanup steps and runs them once.
type Coordinator struct {
	timeout time.Duration
	logger  zerolog.Logger

	mu    sync.Mutex
	steps []step

	once      sync.Once
	err       error
	trigger   sync.Once
	triggered chan struct{}
}

// New returns a Coordinator whose Shutdown gives all steps timeout in total.
func New(timeout time.Duration, logger zerolog.Logger) *Coordinator {
	return &Coordinator{
		timeout:   timeout,
		logger:    logger.With().Str("component", "shutdown").Logger(),
		triggered: make(chan struct{}),
	}
}

// Register adds a Closer.
func (c *Coordinator) Register(name string, cl Closer, priority int) {
	c.RegisterFunc(name, func(context.Context) error { return cl.Close() }, priority)
}

// RegisterFunc adds a cleanup function.
func (c *Coordinator) RegisterFunc(name string, fn Func, priority int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.steps = append(c.steps, step{name: name, priority: priority, run: fn})
	c.logger.Debug().Str("name", name).Int("priority", priority).Msg("Registered shutdown step")
}

// Wait blocks until SIGINT/SIGTERM, Trigger, or ctx is done.
func (c *Coordinator) Wait(ctx context.Context) {
	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case <-sigCtx.Done():
		c.logger.Info().Msg("Received shutdown signal")
	case <-c.triggered:
		c.logger.Info().Msg("Programmatic shutdown triggered")
	}
}

// Trigger makes Wait return. Safe to call concurrently and repeatedly.
func (c *Coordinator) Trigger() {
	c.trigger.Do(func() { close(c.triggered) })
}

// Shutdown runs every step in priority order and returns the first failure.
// Steps still pending when the timeout expires are skipped. Later calls
// return the first call's result.
func (c *Coordinator) Shutdown() error {
	c.once.Do(func() {
		c.Trigger()

		c.mu.Lock()
		steps := slices.Clone(c.steps)
		c.mu.Unlock()
		slices.SortStableFunc(steps, func(a, b step) int { return cmp.Compare(a.priority, b.priority) })

		ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
		defer cancel()

		start := time.Now()
		c.logger.Info().Dur("timeout", c.timeout).Int("steps", len(steps)).Msg("Starting graceful shutdown")

		var errs []error
		for _, s := range steps {
			if ctx.Err() != nil {
				c.logger.Warn().Str("step", s.name).Msg("Shutdown timeout reached, skipping remaining steps")
				errs = append(errs, ctx.Err())
				break
			}
			if err := s.run(ctx); err != nil {
				c.logger.Error().Err(err).Str("step", s.name).Msg("Shutdown step failed")
				errs = append(errs, err)
			}
		}
		if len(errs) > 0 {
			c.err = errs[0]
		}

		c.logger.Info().Dur("duration", time.Since(start)).Msg("Graceful shutdown complete")
	})
	return c.err
}
