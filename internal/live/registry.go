package live

import (
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrVideoHasSession is returned when a second connection targets a
	// video that already has an active session.
	ErrVideoHasSession = errors.New("live: video already has an active session")
	// ErrSessionExists is returned when a transport session identifier is
	// reused while still registered.
	ErrSessionExists = errors.New("live: session id already registered")
)

// registry holds the two views the orchestrator needs: transport session id
// to muxing session, and video id to transport session id. Both maps mutate
// together under one mutex so they can never disagree.
type registry struct {
	mu       sync.Mutex
	sessions map[string]*MuxingSession
	videos   map[string]string
}

func newRegistry() *registry {
	return &registry{
		sessions: make(map[string]*MuxingSession),
		videos:   make(map[string]string),
	}
}

// reserve claims both identifiers before the probe runs, so concurrent
// attempts on the same video are arbitrated without each spending a probe.
// The muxing session is attached later with bind; until then the entry is a
// placeholder that blocks duplicates but resolves to no session.
func (r *registry) reserve(sessionID, videoID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[sessionID]; ok {
		return fmt.Errorf("%w: %s", ErrSessionExists, sessionID)
	}
	if _, ok := r.videos[videoID]; ok {
		return fmt.Errorf("%w: %s", ErrVideoHasSession, videoID)
	}
	r.sessions[sessionID] = nil
	r.videos[videoID] = sessionID
	return nil
}

// bind attaches the started muxing session to its reservation. A no-op when
// the reservation was released in the meantime.
func (r *registry) bind(sessionID string, session *MuxingSession) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[sessionID]; ok {
		r.sessions[sessionID] = session
	}
}

// unregister removes both views of the session. Safe to call twice.
func (r *registry) unregister(sessionID, videoID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, sessionID)
	if current, ok := r.videos[videoID]; ok && current == sessionID {
		delete(r.videos, videoID)
	}
}

func (r *registry) session(sessionID string) (*MuxingSession, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	session, ok := r.sessions[sessionID]
	if session == nil {
		return nil, false
	}
	return session, ok
}

// sessionOfVideo resolves the active transport session for a video.
func (r *registry) sessionOfVideo(videoID string) (string, *MuxingSession, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sessionID, ok := r.videos[videoID]
	if !ok {
		return "", nil, false
	}
	session, ok := r.sessions[sessionID]
	if !ok || session == nil {
		return "", nil, false
	}
	return sessionID, session, true
}

func (r *registry) hasVideo(videoID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.videos[videoID]
	return ok
}

func (r *registry) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// forEach snapshots the registered sessions and visits each outside the lock.
// Unbound reservations are skipped.
func (r *registry) forEach(fn func(sessionID string, session *MuxingSession)) {
	r.mu.Lock()
	snapshot := make(map[string]*MuxingSession, len(r.sessions))
	for id, session := range r.sessions {
		if session == nil {
			continue
		}
		snapshot[id] = session
	}
	r.mu.Unlock()
	for id, session := range snapshot {
		fn(id, session)
	}
}
