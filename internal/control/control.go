package control

import (
	"fmt"
	"sync"
	"time"
)

// WindowPolicy bounds the number of requests inside a sliding window.
type WindowPolicy struct {
	MaxRequests int
	Window      time.Duration
}

// Policy defines the request limits enforced before a generation starts.
// Daily is keyed by user, Burst by chat+user; the two never share state.
type Policy struct {
	Daily WindowPolicy
	Burst WindowPolicy
}

// DefaultPolicy returns five requests a day and two every ten seconds.
func DefaultPolicy() Policy {
	return Policy{
		Daily: WindowPolicy{MaxRequests: 5, Window: 24 * time.Hour},
		Burst: WindowPolicy{MaxRequests: 2, Window: 10 * time.Second},
	}
}

// LimitType identifies which limit is reached.
type LimitType string

const (
	LimitDaily LimitType = "daily"
	LimitBurst LimitType = "burst"
)

// LimitError indicates a rate window rejected the request.
type LimitError struct {
	Type              LimitType
	Limit             int
	Window            time.Duration
	RetryAfterSeconds int
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("limit reached type=%s limit=%d window=%s retry_after=%ds",
		e.Type, e.Limit, e.Window, e.RetryAfterSeconds)
}

// Limiter applies the burst and daily windows of a Policy.
type Limiter struct {
	mu     sync.Mutex
	policy Policy
	daily  *Window
	burst  *Window
}

// NewLimiter creates a Limiter with independent daily and burst windows.
func NewLimiter(p Policy) *Limiter {
	return &Limiter{
		policy: p,
		daily:  NewWindow(),
		burst:  NewWindow(),
	}
}

// WithClock replaces the time source of both windows.
func (l *Limiter) WithClock(now func() time.Time) *Limiter {
	l.daily.WithClock(now)
	l.burst.WithClock(now)
	return l
}

// Policy returns the limits this Limiter enforces.
func (l *Limiter) Policy() Policy {
	return l.policy
}

// Check records a request for the user in chat when both windows have
// room, burst window consulted first. Otherwise it returns a *LimitError
// and records nothing, so a full window never eats into the other one.
func (l *Limiter) Check(chatID, userID int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	bk, dk := burstKey(chatID, userID), dailyKey(userID)
	if ok, retry := l.burst.Allowed(bk, l.policy.Burst.MaxRequests, l.policy.Burst.Window); !ok {
		return &LimitError{
			Type:              LimitBurst,
			Limit:             l.policy.Burst.MaxRequests,
			Window:            l.policy.Burst.Window,
			RetryAfterSeconds: retry,
		}
	}
	if ok, retry := l.daily.Allowed(dk, l.policy.Daily.MaxRequests, l.policy.Daily.Window); !ok {
		return &LimitError{
			Type:              LimitDaily,
			Limit:             l.policy.Daily.MaxRequests,
			Window:            l.policy.Daily.Window,
			RetryAfterSeconds: retry,
		}
	}
	l.burst.Record(bk)
	l.daily.Record(dk)
	return nil
}

// Status reports the user's daily usage without recording a request.
func (l *Limiter) Status(userID int64) Usage {
	return l.daily.Status(dailyKey(userID), l.policy.Daily.MaxRequests, l.policy.Daily.Window)
}

// BurstStatus reports the user's burst usage in chat without recording a request.
func (l *Limiter) BurstStatus(chatID, userID int64) Usage {
	return l.burst.Status(burstKey(chatID, userID), l.policy.Burst.MaxRequests, l.policy.Burst.Window)
}

// Sweep drops fully expired keys from both windows and returns how many
// keys were removed.
func (l *Limiter) Sweep() int {
	return l.daily.Sweep(l.policy.Daily.Window) + l.burst.Sweep(l.policy.Burst.Window)
}

// Keys reports how many keys both windows track.
func (l *Limiter) Keys() int {
	return l.daily.Keys() + l.burst.Keys()
}

func dailyKey(userID int64) string {
	return fmt.Sprintf("%d", userID)
}

func burstKey(chatID, userID int64) string {
	return fmt.Sprintf("%d:%d", chatID, userID)
}
