package call

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/kaiku-voice/kaiku/internal/observe"
)

// defaultMaxConcurrentCalls bounds process-wide admission.
const defaultMaxConcurrentCalls = 50

// Registry is the process-wide concurrent-safe session map with admission
// control. Iteration takes a snapshot, so callbacks may admit or remove
// sessions without deadlocking.
type Registry struct {
	log     *slog.Logger
	metrics *observe.Metrics

	mu       sync.Mutex
	max      int
	sessions map[string]*Session
	rejected uint64
}

// NewRegistry returns a registry admitting at most maxCalls concurrent
// sessions; maxCalls <= 0 takes the default.
func NewRegistry(maxCalls int, log *slog.Logger) *Registry {
	if maxCalls <= 0 {
		maxCalls = defaultMaxConcurrentCalls
	}
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		log:      log,
		metrics:  observe.DefaultMetrics(),
		max:      maxCalls,
		sessions: make(map[string]*Session),
	}
}

// Admit inserts the session. It returns ErrAdmissionRejected at capacity and
// ErrDuplicateCall when the call ID is already admitted; the existing session
// is never replaced.
func (r *Registry) Admit(s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.sessions[s.CallID()]; exists {
		return fmt.Errorf("call: admit %s: %w", s.CallID(), ErrDuplicateCall)
	}
	if len(r.sessions) >= r.max {
		r.rejected++
		r.metrics.AdmissionRejections.Add(context.Background(), 1)
		r.log.Warn("call rejected at capacity",
			"call_id", s.CallID(), "active", len(r.sessions), "max", r.max)
		return ErrAdmissionRejected
	}
	r.sessions[s.CallID()] = s
	r.metrics.ActiveCalls.Add(context.Background(), 1)
	return nil
}

// Remove deletes the session with the given call ID. Idempotent.
func (r *Registry) Remove(callID string) {
	r.mu.Lock()
	_, present := r.sessions[callID]
	delete(r.sessions, callID)
	r.mu.Unlock()
	if present {
		r.metrics.ActiveCalls.Add(context.Background(), -1)
	}
}

// Get returns the session for callID, if admitted.
func (r *Registry) Get(callID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[callID]
	return s, ok
}

// Each invokes fn on a snapshot of the admitted sessions. Safe against
// concurrent Admit and Remove.
func (r *Registry) Each(fn func(*Session)) {
	r.mu.Lock()
	snapshot := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		snapshot = append(snapshot, s)
	}
	r.mu.Unlock()
	for _, s := range snapshot {
		fn(s)
	}
}

// Len returns the number of admitted sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Rejected returns the lifetime admission rejection count.
func (r *Registry) Rejected() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rejected
}
