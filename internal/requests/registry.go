// Package requests tracks in-flight export requests so they can be listed and
// canceled, and keeps a short history of finished ones.
package requests

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Status is the lifecycle state of a tracked request.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusCanceled  Status = "canceled"
	StatusFailed    Status = "failed"
)

// DefaultHistorySize is used when NewRegistry gets a size below one.
const DefaultHistorySize = 100

// Tracked describes one export request.
type Tracked struct {
	ID         string     `json:"id"`
	Op         string     `json:"op"` // "list" or "get"
	Archive    string     `json:"archive"`
	Channels   int        `json:"channels,omitempty"`
	Pattern    string     `json:"pattern,omitempty"`
	RemoteAddr string     `json:"remote_addr,omitempty"`
	Status     Status     `json:"status"`
	StartTime  time.Time  `json:"start_time"`
	EndTime    *time.Time `json:"end_time,omitempty"`
	DurationMs float64    `json:"duration_ms"`
	Records    int        `json:"records,omitempty"`
	Error      string     `json:"error,omitempty"`
}

func (t *Tracked) end(now time.Time, status Status) {
	t.Status = status
	t.EndTime = &now
	t.DurationMs = float64(now.Sub(t.StartTime).Milliseconds())
}

type activeEntry struct {
	req    *Tracked
	cancel context.CancelFunc
}

// Registry holds the active requests and a ring of finished ones. It is safe
// for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	active  map[string]*activeEntry
	history []*Tracked // ring
	head    int        // next write position
	size    int        // filled slots
	logger  zerolog.Logger
}

// NewRegistry creates a Registry remembering up to historySize finished
// requests.
func NewRegistry(historySize int, logger zerolog.Logger) *Registry {
	if historySize < 1 {
		historySize = DefaultHistorySize
	}
	return &Registry{
		active:  make(map[string]*activeEntry),
		history: make([]*Tracked, historySize),
		logger:  logger.With().Str("component", "requests").Logger(),
	}
}

// Start registers req as running and returns its id with a context derived
// from parent that Cancel aborts. ID, Status and StartTime are filled in.
func (r *Registry) Start(parent context.Context, req Tracked) (string, context.Context) {
	ctx, cancel := context.WithCancel(parent)
	req.ID = uuid.NewString()[:12]
	req.Status = StatusRunning
	req.StartTime = time.Now()

	r.mu.Lock()
	r.active[req.ID] = &activeEntry{req: &req, cancel: cancel}
	r.mu.Unlock()

	r.logger.Debug().Str("request_id", req.ID).Str("op", req.Op).Str("archive", req.Archive).Msg("Request started")
	return req.ID, ctx
}

// Finish moves a running request to the history. A nil err completes it; a
// canceled context marks it canceled; anything else fails it. Finishing an id
// that is no longer active is a no-op.
func (r *Registry) Finish(id string, records int, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.active[id]
	if !ok {
		return
	}
	entry.cancel()
	delete(r.active, id)

	status := StatusCompleted
	switch {
	case errors.Is(err, context.Canceled):
		status = StatusCanceled
	case err != nil:
		status = StatusFailed
	}
	entry.req.end(time.Now(), status)
	entry.req.Records = records
	if err != nil {
		entry.req.Error = err.Error()
	}
	r.push(entry.req)
}

// Cancel aborts a running request. It reports false when id is not active.
func (r *Registry) Cancel(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.active[id]
	if !ok {
		return false
	}
	entry.cancel()
	delete(r.active, id)
	entry.req.end(time.Now(), StatusCanceled)
	r.push(entry.req)

	r.logger.Info().
		Str("request_id", id).
		Str("archive", entry.req.Archive).
		Float64("duration_ms", entry.req.DurationMs).
		Msg("Request canceled")
	return true
}

// Active returns copies of the running requests, oldest first.
func (r *Registry) Active() []Tracked {
	r.mu.RLock()
	defer r.mu.RUnlock()

	now := time.Now()
	out := make([]Tracked, 0, len(r.active))
	for _, entry := range r.active {
		t := *entry.req
		t.DurationMs = float64(now.Sub(t.StartTime).Milliseconds())
		out = append(out, t)
	}
	slices.SortFunc(out, func(a, b Tracked) int { return a.StartTime.Compare(b.StartTime) })
	return out
}

// History returns up to limit finished requests, newest first. A limit below
// one returns everything kept.
func (r *Registry) History(limit int) []Tracked {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := r.size
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]Tracked, 0, n)
	for i := range n {
		out = append(out, *r.history[r.slot(i)])
	}
	return out
}

// Get finds a request by id, active ones first.
func (r *Registry) Get(id string) (Tracked, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if entry, ok := r.active[id]; ok {
		t := *entry.req
		t.DurationMs = float64(time.Since(t.StartTime).Milliseconds())
		return t, true
	}
	for i := range r.size {
		if t := r.history[r.slot(i)]; t.ID == id {
			return *t, true
		}
	}
	return Tracked{}, false
}

// ActiveCount returns the number of running requests.
func (r *Registry) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.active)
}

// slot maps the i-th newest history entry to its ring index. mu must be held.
func (r *Registry) slot(i int) int {
	return (r.head - 1 - i + len(r.history)) % len(r.history)
}

// push appends to the history ring. mu must be held.
func (r *Registry) push(t *Tracked) {
	r.history[r.head] = t
	r.head = (r.head + 1) % len(r.history)
	if r.size < len(r.history) {
		r.size++
	}
}
