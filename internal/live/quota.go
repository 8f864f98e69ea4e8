package live

import "sync"

// QuotaTracker accounts the bytes written on behalf of each user across their
// active live sessions. It is the in-memory view consulted on every new
// segment; the durable per-user quota lives in storage and is only debited
// when a replay is kept.
type QuotaTracker struct {
	mu    sync.Mutex
	users map[string]*userQuota
}

type userQuota struct {
	sessions map[string]int64
}

func NewQuotaTracker() *QuotaTracker {
	return &QuotaTracker{users: make(map[string]*userQuota)}
}

// AddLive registers an active session for the user. Registering the same
// session twice is harmless.
func (t *QuotaTracker) AddLive(userID, sessionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	quota, ok := t.users[userID]
	if !ok {
		quota = &userQuota{sessions: make(map[string]int64)}
		t.users[userID] = quota
	}
	if _, ok := quota.sessions[sessionID]; !ok {
		quota.sessions[sessionID] = 0
	}
}

// RemoveLive drops the session and its byte count. The user entry is garbage
// collected when its last session goes away.
func (t *QuotaTracker) RemoveLive(userID, sessionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	quota, ok := t.users[userID]
	if !ok {
		return
	}
	delete(quota.sessions, sessionID)
	if len(quota.sessions) == 0 {
		delete(t.users, userID)
	}
}

// AddBytes accumulates segment bytes against a registered session. Bytes for
// unregistered sessions are ignored, which covers events racing a removal.
func (t *QuotaTracker) AddBytes(userID, sessionID string, n int64) {
	if n <= 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	quota, ok := t.users[userID]
	if !ok {
		return
	}
	if _, ok := quota.sessions[sessionID]; !ok {
		return
	}
	quota.sessions[sessionID] += n
}

// LiveCount returns the number of active sessions of the user.
func (t *QuotaTracker) LiveCount(userID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	quota, ok := t.users[userID]
	if !ok {
		return 0
	}
	return len(quota.sessions)
}

// TotalBytes returns the bytes accumulated across all active sessions of the
// user.
func (t *QuotaTracker) TotalBytes(userID string) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	quota, ok := t.users[userID]
	if !ok {
		return 0
	}
	var total int64
	for _, bytes := range quota.sessions {
		total += bytes
	}
	return total
}

// CanStartLive reports whether the user may open another session under the
// per-user concurrency limit. A limit of zero or less means unlimited.
func (t *QuotaTracker) CanStartLive(userID string, maxPerUser int) bool {
	if maxPerUser <= 0 {
		return true
	}
	return t.LiveCount(userID) < maxPerUser
}
