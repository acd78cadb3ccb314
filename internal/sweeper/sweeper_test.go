package sweeper

import (
	"bytes"
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ctxpkg "github.com/stupiduntilnot/chatrelay/internal/context"
	"github.com/stupiduntilnot/chatrelay/internal/control"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func TestRunOnce_EvictsExpiredState(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	limiter := control.NewLimiter(control.DefaultPolicy()).WithClock(clock.Now)
	store := ctxpkg.NewStore(20).WithClock(clock.Now)

	require.NoError(t, limiter.Check(10, 1))
	store.Append(1, ctxpkg.RoleUser, "hello")

	s := &Sweeper{Limiter: limiter, Store: store, IdleTTL: time.Hour, Now: clock.Now}

	// Nothing is stale yet.
	assert.Equal(t, Stats{}, s.RunOnce())

	// Burst key expires after 10s, conversation and daily key stay.
	clock.Advance(time.Minute)
	assert.Equal(t, Stats{RateKeys: 1}, s.RunOnce())
	assert.Equal(t, 1, store.Len())

	// Conversation idles out after an hour.
	clock.Advance(time.Hour)
	assert.Equal(t, Stats{Conversations: 1}, s.RunOnce())
	assert.Equal(t, 0, store.Len())

	// Daily key expires after 24h.
	clock.Advance(24 * time.Hour)
	assert.Equal(t, Stats{RateKeys: 1}, s.RunOnce())
	assert.Equal(t, 0, limiter.Status(1).Used)
}

func TestRunOnce_ToleratesMissingParts(t *testing.T) {
	s := &Sweeper{}
	assert.Equal(t, Stats{}, s.RunOnce())
}

func TestRunOnce_LogsToConfiguredLogger(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	limiter := control.NewLimiter(control.DefaultPolicy()).WithClock(clock.Now)
	require.NoError(t, limiter.Check(10, 1))
	clock.Advance(time.Minute)

	var buf bytes.Buffer
	s := &Sweeper{Limiter: limiter, Now: clock.Now, Logger: slog.New(slog.NewTextHandler(&buf, nil))}
	assert.Equal(t, Stats{RateKeys: 1}, s.RunOnce())
	assert.Contains(t, buf.String(), "sweep completed")
	assert.Contains(t, buf.String(), "rate_keys=1")
}

func TestRun_StopsOnContextCancel(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	limiter := control.NewLimiter(control.DefaultPolicy()).WithClock(clock.Now)
	require.NoError(t, limiter.Check(10, 1))
	clock.Advance(time.Minute)
	require.Equal(t, 2, limiter.Keys())

	s := &Sweeper{Limiter: limiter, Interval: 5 * time.Millisecond, Now: clock.Now}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	// The burst key disappears on the first tick.
	assert.Eventually(t, func() bool { return limiter.Keys() == 1 }, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
