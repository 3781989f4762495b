package track

import (
	"sync"
	"time"
)

// WaitingInfo is a snapshot of one user's continuation state: the user has
// been told the answer is still being generated and may reply the
// continuation acknowledgment to wait another round.
type WaitingInfo struct {
	Original      *Entry // status of the message still being processed
	ContinueCount int    // rounds already consumed
	MaxContinue   int    // round cap
	StartTime     time.Time
	ExpireTime    time.Time
}

// Remaining returns how many continuation rounds are left.
func (w WaitingInfo) Remaining() int { return w.MaxContinue - w.ContinueCount }

// WaitingManager keeps per-user continuation state. At most one waiting entry
// exists per user; a new one replaces the old. Entries expire one round TTL
// after their last refresh and are pruned lazily on access.
type WaitingManager struct {
	mu       sync.Mutex
	waiting  map[string]*WaitingInfo
	roundTTL time.Duration
	now      func() time.Time // test seam
}

// NewWaitingManager builds a WaitingManager with the given per-round TTL.
func NewWaitingManager(roundTTL time.Duration) *WaitingManager {
	return &WaitingManager{
		waiting:  make(map[string]*WaitingInfo),
		roundTTL: roundTTL,
		now:      time.Now,
	}
}

// SetWaiting registers user as waiting on original with the given round cap,
// replacing any previous waiting state.
func (m *WaitingManager) SetWaiting(user string, original *Entry, maxContinue int) {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.waiting[user] = &WaitingInfo{
		Original:    original,
		MaxContinue: maxContinue,
		StartTime:   now,
		ExpireTime:  now.Add(m.roundTTL),
	}
}

// IsWaiting reports whether user has live continuation state.
func (m *WaitingManager) IsWaiting(user string) bool {
	_, ok := m.Get(user)
	return ok
}

// Get returns a snapshot of user's continuation state. Expired state is
// pruned and reported as absent.
func (m *WaitingManager) Get(user string) (WaitingInfo, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.waiting[user]
	if !ok {
		return WaitingInfo{}, false
	}
	if m.now().After(w.ExpireTime) {
		delete(m.waiting, user)
		return WaitingInfo{}, false
	}
	return *w, true
}

// HandleContinue consumes one continuation round and returns the updated
// snapshot. It reports false when no live state exists.
func (m *WaitingManager) HandleContinue(user string) (WaitingInfo, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.waiting[user]
	if !ok || m.now().After(w.ExpireTime) {
		delete(m.waiting, user)
		return WaitingInfo{}, false
	}
	w.ContinueCount++
	return *w, true
}

// RefreshWindow restarts the current round's expiry clock.
func (m *WaitingManager) RefreshWindow(user string) {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	if w, ok := m.waiting[user]; ok {
		w.StartTime = now
		w.ExpireTime = now.Add(m.roundTTL)
	}
}

// Clear removes user's continuation state.
func (m *WaitingManager) Clear(user string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.waiting, user)
}
