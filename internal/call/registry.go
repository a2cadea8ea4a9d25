// Package call ties everything together per call: the session that owns the
// audio pipeline and dialogue engine, the timer manager, the process-wide
// registry, and the lifecycle manager driving init, transfer, hangup and
// teardown.
package call

import "sync"

// Registry is the process-wide set of live calls. All mutations happen on
// named lifecycle events and are safe under concurrent calls.
type Registry struct {
	mu          sync.Mutex
	byCallID    map[string]*Session
	byUUID      map[string]*Session
	started     map[string]bool
	introPlayed map[string]bool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byCallID:    make(map[string]*Session),
		byUUID:      make(map[string]*Session),
		started:     make(map[string]bool),
		introPlayed: make(map[string]bool),
	}
}

// Add registers a session under both its call id and channel UUID.
// It returns false when the call id is already active.
func (r *Registry) Add(s *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byCallID[s.CallID]; ok {
		return false
	}
	r.byCallID[s.CallID] = s
	r.byUUID[s.UUID] = s
	return true
}

// Remove drops every trace of the call. Idempotent.
func (r *Registry) Remove(callID string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.byCallID[callID]
	if s != nil {
		delete(r.byUUID, s.UUID)
	}
	delete(r.byCallID, callID)
	delete(r.started, callID)
	delete(r.introPlayed, callID)
	return s
}

// ByCallID looks a session up by its init call id.
func (r *Registry) ByCallID(callID string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.byCallID[callID]
}

// ByUUID looks a session up by its channel UUID, the key used by the audio
// ingress and the softswitch event stream.
func (r *Registry) ByUUID(uuid string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.byUUID[uuid]
}

// MarkStarted records that the call's conversation began. Returns false if
// it was already marked.
func (r *Registry) MarkStarted(callID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started[callID] {
		return false
	}
	r.started[callID] = true
	return true
}

// MarkIntroPlayed records that the greeting sequence was enqueued. Returns
// false if it was already marked.
func (r *Registry) MarkIntroPlayed(callID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.introPlayed[callID] {
		return false
	}
	r.introPlayed[callID] = true
	return true
}

// Len returns the number of active calls.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byCallID)
}
