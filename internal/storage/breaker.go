package storage

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ErrBackendOpen is returned without contacting a remote backend while it is
// failing fast after repeated errors.
var ErrBackendOpen = errors.New("storage backend disabled after repeated failures")

type breakerState int

const (
	breakerClosed   breakerState = iota // calls pass through
	breakerOpen                         // calls are rejected
	breakerHalfOpen                     // a few probe calls pass
)

func (s breakerState) String() string {
	switch s {
	case breakerClosed:
		return "closed"
	case breakerOpen:
		return "open"
	case breakerHalfOpen:
		return "half-open"
	}
	return "unknown"
}

// BreakerConfig controls fail-fast behavior for remote backends. Zero fields
// take the defaults.
type BreakerConfig struct {
	// MaxFailures is the number of consecutive failures that opens the breaker.
	MaxFailures int
	// Cooldown is how long an open breaker rejects calls before probing.
	Cooldown time.Duration
	// Probes is the number of calls allowed, and successes needed, while
	// half-open.
	Probes int
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.MaxFailures <= 0 {
		c.MaxFailures = 5
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 30 * time.Second
	}
	if c.Probes <= 0 {
		c.Probes = 2
	}
	return c
}

// breaker tracks consecutive failures of one backend. Missing objects and
// canceled calls do not count as failures.
type breaker struct {
	cfg    BreakerConfig
	logger zerolog.Logger
	now    func() time.Time

	mu          sync.Mutex
	state       breakerState
	failures    int
	successes   int
	probes      int
	lastFailure time.Time
}

func newBreaker(name string, cfg BreakerConfig, logger zerolog.Logger) *breaker {
	return &breaker{
		cfg:    cfg.withDefaults(),
		logger: logger.With().Str("backend", name).Logger(),
		now:    time.Now,
	}
}

func (b *breaker) do(fn func() error) error {
	if !b.allow() {
		return ErrBackendOpen
	}
	err := fn()
	b.record(err)
	return err
}

func (b *breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case breakerOpen:
		if b.now().Sub(b.lastFailure) < b.cfg.Cooldown {
			return false
		}
		b.setState(breakerHalfOpen)
		fallthrough
	case breakerHalfOpen:
		if b.probes >= b.cfg.Probes {
			return false
		}
		b.probes++
	}
	return true
}

func (b *breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err == nil || errors.Is(err, ErrNotFound) || errors.Is(err, context.Canceled) {
		b.successes++
		switch b.state {
		case breakerClosed:
			b.failures = 0
		case breakerHalfOpen:
			if b.successes >= b.cfg.Probes {
				b.setState(breakerClosed)
			}
		}
		return
	}

	b.failures++
	b.successes = 0
	b.lastFailure = b.now()
	switch b.state {
	case breakerClosed:
		if b.failures >= b.cfg.MaxFailures {
			b.setState(breakerOpen)
		}
	case breakerHalfOpen:
		b.setState(breakerOpen)
	}
}

// setState must be called with mu held.
func (b *breaker) setState(s breakerState) {
	if b.state == s {
		return
	}
	b.logger.Warn().Str("from", b.state.String()).Str("to", s.String()).Msg("Storage breaker state changed")
	b.state = s
	b.failures = 0
	b.successes = 0
	b.probes = 0
}

func (b *breaker) State() breakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// guardedBackend routes reads through a breaker.
type guardedBackend struct {
	Backend
	br *breaker
}

func (g *guardedBackend) ReadTo(ctx context.Context, path string, w io.Writer) error {
	return g.br.do(func() error { return g.Backend.ReadTo(ctx, path, w) })
}

func (g *guardedBackend) Exists(ctx context.Context, path string) (bool, error) {
	var ok bool
	err := g.br.do(func() error {
		var err error
		ok, err = g.Backend.Exists(ctx, path)
		return err
	})
	return ok, err
}
