package session

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ent0n29/callrelay/internal/reliability"
)

var ErrDuplicate = fmt.Errorf("%w: session id already registered", reliability.ErrDuplicateSession)

// Registry maps session ids to live bridges. It is the only state shared
// between calls.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]Handle
	// idle is closed when the registry empties; nil while it is empty.
	idle     chan struct{}
	maxAge   time.Duration
	onExpire func(Session)
}

func NewRegistry(maxAge time.Duration) *Registry {
	if maxAge <= 0 {
		maxAge = time.Hour
	}
	return &Registry{
		sessions: make(map[string]Handle),
		maxAge:   maxAge,
	}
}

func (r *Registry) SetExpireHook(hook func(Session)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onExpire = hook
}

// Put registers h under id. An existing entry is left untouched.
func (r *Registry) Put(id string, h Handle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[id]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicate, id)
	}
	if len(r.sessions) == 0 {
		r.idle = make(chan struct{})
	}
	r.sessions[id] = h
	return nil
}

func (r *Registry) Get(id string) (Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.sessions[id]
	return h, ok
}

// Remove deregisters id and reports whether this call removed it.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[id]; !ok {
		return false
	}
	delete(r.sessions, id)
	if len(r.sessions) == 0 && r.idle != nil {
		close(r.idle)
		r.idle = nil
	}
	return true
}

func (r *Registry) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// List returns snapshots ordered by start time.
func (r *Registry) List() []Session {
	out := make([]Session, 0)
	for _, h := range r.handles() {
		out = append(out, h.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

// TerminateAll asks every live session to close and returns how many were asked.
func (r *Registry) TerminateAll(reason string) int {
	handles := r.handles()
	for _, h := range handles {
		h.Terminate(reason)
	}
	return len(handles)
}

// Wait blocks until every registered session has been removed or ctx ends.
func (r *Registry) Wait(ctx context.Context) bool {
	for {
		r.mu.RLock()
		idle := r.idle
		r.mu.RUnlock()
		if idle == nil {
			return true
		}
		select {
		case <-idle:
		case <-ctx.Done():
			return false
		}
	}
}

// StartJanitor terminates sessions that outlive the registry's max age.
func (r *Registry) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.expireStale()
			}
		}
	}()
}

func (r *Registry) expireStale() {
	now := time.Now().UTC()
	var expired []Handle

	r.mu.RLock()
	for _, h := range r.sessions {
		snap := h.Snapshot()
		if now.Sub(snap.StartedAt) < r.maxAge {
			continue
		}
		expired = append(expired, h)
	}
	hook := r.onExpire
	r.mu.RUnlock()

	// Handles are called outside the lock: Terminate may lead to Remove.
	for _, h := range expired {
		h.Terminate("max_call_duration")
		if hook != nil {
			hook(h.Snapshot())
		}
	}
}

func (r *Registry) handles() []Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Handle, 0, len(r.sessions))
	for _, h := range r.sessions {
		out = append(out, h)
	}
	return out
}
