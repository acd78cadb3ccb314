// Package sweeper evicts expired rate-limit keys and idle conversations.
package sweeper

import (
	"context"
	"log/slog"
	"time"

	ctxpkg "github.com/stupiduntilnot/chatrelay/internal/context"
	"github.com/stupiduntilnot/chatrelay/internal/control"
	"github.com/stupiduntilnot/chatrelay/internal/db"
)

// Stats reports what one pass removed.
type Stats struct {
	RateKeys      int
	Conversations int
}

// Sweeper periodically prunes the limiter and the conversation store.
type Sweeper struct {
	Limiter  *control.Limiter
	Store    *ctxpkg.Store
	Interval time.Duration
	IdleTTL  time.Duration
	Events   *db.EventLog
	Now      func() time.Time
	Logger   *slog.Logger
}

func (s *Sweeper) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

// RunOnce performs a single pass.
func (s *Sweeper) RunOnce() Stats {
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	var st Stats
	if s.Limiter != nil {
		st.RateKeys = s.Limiter.Sweep()
	}
	if s.Store != nil && s.IdleTTL > 0 {
		st.Conversations = s.Store.SweepIdle(now().Add(-s.IdleTTL))
	}
	if st.RateKeys > 0 || st.Conversations > 0 {
		s.logger().Info("sweep completed", "rate_keys", st.RateKeys, "conversations", st.Conversations)
		s.Events.Log(0, db.EventSweepCompleted, map[string]any{
			"rate_keys":     st.RateKeys,
			"conversations": st.Conversations,
		})
	}
	return st
}

// Run sweeps every Interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()
	log := s.logger()
	log.Info("sweeper started", "interval", s.Interval, "idle_ttl", s.IdleTTL)

	for {
		select {
		case <-ticker.C:
			s.RunOnce()
		case <-ctx.Done():
			s.logger().Info("sweeper shutting down", "reason", ctx.Err())
			return nil
		}
	}
}
