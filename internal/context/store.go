package context

import (
	"sync"
	"time"
)

// DefaultHistoryLimit is the number of turns a conversation retains.
const DefaultHistoryLimit = 20

type conversation struct {
	messages   []Message
	lastActive time.Time
}

// Store keeps a bounded, per-user conversation history in memory.
//
// Every read-modify-write runs under one lock acquisition, so an append and
// its truncation are never observed separately. Readers get copies.
type Store struct {
	mu            sync.Mutex
	conversations map[int64]*conversation
	compressor    Compressor
	now           func() time.Time
}

// NewStore creates a Store that keeps at most limit messages per user.
// A non-positive limit falls back to DefaultHistoryLimit.
func NewStore(limit int) *Store {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	return &Store{
		conversations: make(map[int64]*conversation),
		compressor:    &SimpleCompressor{MaxMessages: limit},
		now:           time.Now,
	}
}

// WithClock replaces the time source used for idle tracking.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
	return s
}

// Append adds a message to the user's history, evicting the oldest
// messages once the limit is exceeded.
func (s *Store) Append(userID int64, role, content string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.conversations[userID]
	if !ok {
		c = &conversation{}
		s.conversations[userID] = c
	}
	c.messages = append(c.messages, Message{Role: role, Content: content})
	if kept := s.compressor.Compress(c.messages); len(kept) != len(c.messages) {
		// Copy so evicted messages are released with the old backing array.
		c.messages = append(make([]Message, 0, len(kept)+1), kept...)
	}
	c.lastActive = s.now()
}

// Snapshot returns an independent copy of the user's history.
// Unknown users get an empty, non-nil slice.
func (s *Store) Snapshot(userID int64) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.conversations[userID]
	if !ok {
		return []Message{}
	}
	out := make([]Message, len(c.messages))
	copy(out, c.messages)
	return out
}

// Clear resets the user's history. Clearing an unknown user is a no-op.
func (s *Store) Clear(userID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conversations, userID)
}

// Len reports how many users currently have history.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conversations)
}

// SweepIdle drops conversations whose last append is older than cutoff and
// returns how many were dropped.
func (s *Store) SweepIdle(cutoff time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for userID, c := range s.conversations {
		if c.lastActive.Before(cutoff) {
			delete(s.conversations, userID)
			removed++
		}
	}
	return removed
}
