// Package track keeps the in-memory coordination state for message
// deliveries: per-message processing status shared across webhook
// redeliveries, and per-user continuation ("keep waiting") state.
package track

import (
	"sync"
	"time"
)

// Entry is the shared processing status of one tracked message. All
// deliveries of the same message (the original and its redeliveries) observe
// the same Entry.
type Entry struct {
	mu sync.Mutex

	result         string
	errMsg         string
	completed      bool
	resultReturned bool
	retryCount     int
	skipOutOfBand  bool
	startTime      time.Time

	done      chan struct{}
	doneOnce  sync.Once
	retryDone chan struct{}
	retryOnce sync.Once
}

func newEntry(now time.Time) *Entry {
	return &Entry{
		startTime: now,
		done:      make(chan struct{}),
		retryDone: make(chan struct{}),
	}
}

// Done is closed exactly once, when the message completes.
func (e *Entry) Done() <-chan struct{} { return e.done }

// RetryDone is closed when the synchronous retry protocol has concluded,
// either by delivering the result in-band or by giving up on in-band
// delivery. The out-of-band watcher waits on it before claiming the result.
func (e *Entry) RetryDone() <-chan struct{} { return e.retryDone }

// Complete records the terminal result. Completion is monotonic: later calls
// update nothing and the done channel closes only once.
func (e *Entry) Complete(result, errMsg string) {
	e.mu.Lock()
	if !e.completed {
		e.result = result
		e.errMsg = errMsg
		e.completed = true
	}
	e.mu.Unlock()
	e.doneOnce.Do(func() { close(e.done) })
}

// Completed reports whether the message has finished processing.
func (e *Entry) Completed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.completed
}

// Result returns the recorded result and error text.
func (e *Entry) Result() (result, errMsg string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.result, e.errMsg
}

// MarkReturned atomically claims the right to deliver the result. Exactly one
// caller observes true; everyone else must stay silent.
func (e *Entry) MarkReturned() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.resultReturned {
		return false
	}
	e.resultReturned = true
	return true
}

// SetSkipOutOfBand tells the out-of-band watcher the result already went out
// through the synchronous channel.
func (e *Entry) SetSkipOutOfBand() {
	e.mu.Lock()
	e.skipOutOfBand = true
	e.mu.Unlock()
}

// SkipOutOfBand reports whether out-of-band delivery should be skipped.
func (e *Entry) SkipOutOfBand() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.skipOutOfBand
}

// SignalRetryDone concludes the synchronous retry protocol. Safe to call
// multiple times.
func (e *Entry) SignalRetryDone() {
	e.retryOnce.Do(func() { close(e.retryDone) })
}

// RetryCount returns how many redeliveries this message has seen.
func (e *Entry) RetryCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.retryCount
}

// StartTime returns when tracking began.
func (e *Entry) StartTime() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.startTime
}

// Store tracks message processing status across webhook redeliveries. The
// sweep goroutine started by NewStore removes completed entries after the
// retention window; Close stops it.
type Store struct {
	mu      sync.Mutex
	entries map[string]*Entry

	retention time.Duration
	stop      chan struct{}
	stopOnce  sync.Once
	now       func() time.Time // test seam
}

// NewStore builds a Store and starts its background sweep.
func NewStore(sweepInterval, retention time.Duration) *Store {
	s := &Store{
		entries:   make(map[string]*Entry),
		retention: retention,
		stop:      make(chan struct{}),
		now:       time.Now,
	}
	go s.sweepLoop(sweepInterval)
	return s
}

// Close stops the background sweep.
func (s *Store) Close() {
	s.stopOnce.Do(func() { close(s.stop) })
}

// Track returns the Entry for key, creating it on first sight. A repeated key
// is a redelivery and increments the retry count. The returned retryCount is
// the value observed by this delivery. An empty key yields a detached Entry
// that no later delivery can correlate with.
func (s *Store) Track(key string) (e *Entry, retryCount int) {
	if key == "" {
		return newEntry(s.now()), 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[key]; ok {
		e.mu.Lock()
		e.retryCount++
		rc := e.retryCount
		e.mu.Unlock()
		return e, rc
	}
	e = newEntry(s.now())
	s.entries[key] = e
	return e, 0
}

// Get returns the Entry for key, or nil when not tracked.
func (s *Store) Get(key string) *Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entries[key]
}

// Len reports how many entries are currently tracked.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *Store) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.sweep()
		case <-s.stop:
			return
		}
	}
}

// sweep removes completed entries older than the retention window. Pending
// entries stay regardless of age so late redeliveries still correlate.
func (s *Store) sweep() {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, e := range s.entries {
		e.mu.Lock()
		expired := e.completed && now.Sub(e.startTime) > s.retention
		e.mu.Unlock()
		if expired {
			delete(s.entries, key)
		}
	}
}
