// Package session tracks the in-flight generation of each user.
//
// At most one Session per user is active. A newer turn supersedes an older
// one by cancelling it and then beginning its own Session; the superseded
// pipeline keeps its *Session handle and observes the cancellation the next
// time it polls Cancelled.
package session

import (
	"sync"
	"sync/atomic"
)

// Status is the lifecycle state of a Session.
type Status string

const (
	StatusProcessing Status = "processing"
	StatusCancelled  Status = "cancelled"
)

// Session is the bookkeeping record of one in-flight generation. It doubles
// as the cancellation token handed to the streaming loop.
type Session struct {
	UserID    int64
	ChatID    int64
	MessageID int64

	cancelled atomic.Bool
	done      chan struct{}
	doneOnce  sync.Once
}

func newSession(userID, chatID, messageID int64) *Session {
	return &Session{
		UserID:    userID,
		ChatID:    chatID,
		MessageID: messageID,
		done:      make(chan struct{}),
	}
}

// Cancelled reports whether the session has been cancelled. Safe to call
// after the session has been replaced or ended.
func (s *Session) Cancelled() bool {
	return s.cancelled.Load()
}

// Status returns the current state of the session.
func (s *Session) Status() Status {
	if s.Cancelled() {
		return StatusCancelled
	}
	return StatusProcessing
}

// Done is closed once the owning pipeline has ended the session.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

func (s *Session) cancel() {
	s.cancelled.Store(true)
}

func (s *Session) finish() {
	s.doneOnce.Do(func() { close(s.done) })
}

// Tracker maps users to their active Session. Each method is atomic; a
// cancel followed by a begin is two separate steps.
type Tracker struct {
	mu       sync.Mutex
	sessions map[int64]*Session
}

// NewTracker creates an empty Tracker.
func NewTracker() *Tracker {
	return &Tracker{sessions: make(map[int64]*Session)}
}

// Begin creates the user's session in the processing state, replacing any
// existing one. A replaced session is cancelled so its owner stops.
func (t *Tracker) Begin(userID, chatID, messageID int64) *Session {
	s := newSession(userID, chatID, messageID)

	t.mu.Lock()
	defer t.mu.Unlock()
	if prev, ok := t.sessions[userID]; ok {
		prev.cancel()
	}
	t.sessions[userID] = s
	return s
}

// Cancel marks the user's session cancelled and reports whether one existed.
// The session stays registered until its owner ends it or a newer Begin
// replaces it.
func (t *Tracker) Cancel(userID int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sessions[userID]
	if !ok {
		return false
	}
	s.cancel()
	return true
}

// IsCancelled reports whether the user's current session is cancelled.
// It is false when no session exists.
func (t *Tracker) IsCancelled(userID int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sessions[userID]
	return ok && s.Cancelled()
}

// Get returns the user's current session, if any.
func (t *Tracker) Get(userID int64) (*Session, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sessions[userID]
	return s, ok
}

// End removes the user's session regardless of its state.
func (t *Tracker) End(userID int64) {
	t.mu.Lock()
	s, ok := t.sessions[userID]
	delete(t.sessions, userID)
	t.mu.Unlock()
	if ok {
		s.finish()
	}
}

// Finish ends s. The map entry is removed only if s is still the user's
// current session, so a superseded pipeline never evicts its successor.
func (t *Tracker) Finish(s *Session) {
	t.mu.Lock()
	if cur, ok := t.sessions[s.UserID]; ok && cur == s {
		delete(t.sessions, s.UserID)
	}
	t.mu.Unlock()
	s.finish()
}

// Active reports how many sessions are registered.
func (t *Tracker) Active() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions)
}
