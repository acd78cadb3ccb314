package control

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWindow_DailyQuota(t *testing.T) {
	clock := newClock()
	w := NewWindow().WithClock(clock.Now)
	const day = 86400 * time.Second

	for i := 0; i < 5; i++ {
		ok, retry := w.CheckAndRecord("u1", 5, day)
		require.True(t, ok, "call %d", i+1)
		require.Zero(t, retry)
		clock.Advance(time.Hour)
	}

	ok, retry := w.CheckAndRecord("u1", 5, day)
	assert.False(t, ok)
	assert.Greater(t, retry, 0)
	assert.LessOrEqual(t, retry, 86400)
	assert.Equal(t, 86400-5*3600, retry)

	// Move past the oldest timestamp's expiry.
	clock.Advance(time.Duration(retry) * time.Second)
	ok, retry = w.CheckAndRecord("u1", 5, day)
	assert.True(t, ok)
	assert.Zero(t, retry)
}

func TestWindow_RejectedRequestIsNotRecorded(t *testing.T) {
	clock := newClock()
	w := NewWindow().WithClock(clock.Now)

	ok, _ := w.CheckAndRecord("k", 1, 10*time.Second)
	require.True(t, ok)
	for i := 0; i < 5; i++ {
		ok, _ = w.CheckAndRecord("k", 1, 10*time.Second)
		require.False(t, ok)
	}
	assert.Equal(t, 1, w.Status("k", 1, 10*time.Second).Used)
}

func TestWindow_AllowedDoesNotRecord(t *testing.T) {
	clock := newClock()
	w := NewWindow().WithClock(clock.Now)

	for i := 0; i < 3; i++ {
		ok, retry := w.Allowed("k", 1, 10*time.Second)
		require.True(t, ok)
		require.Zero(t, retry)
	}
	assert.Equal(t, 0, w.Keys())

	w.Record("k")
	clock.Advance(4 * time.Second)
	ok, retry := w.Allowed("k", 1, 10*time.Second)
	assert.False(t, ok)
	assert.Equal(t, 6, retry)
	assert.Equal(t, 1, w.Status("k", 1, 10*time.Second).Used)
}

func TestWindow_RetryAfterRoundsUp(t *testing.T) {
	clock := newClock()
	w := NewWindow().WithClock(clock.Now)

	ok, _ := w.CheckAndRecord("k", 1, 10*time.Second)
	require.True(t, ok)
	clock.Advance(9500 * time.Millisecond)

	ok, retry := w.CheckAndRecord("k", 1, 10*time.Second)
	assert.False(t, ok)
	assert.Equal(t, 1, retry)
}

func TestWindow_ZeroLimitAlwaysRejects(t *testing.T) {
	w := NewWindow()
	ok, retry := w.CheckAndRecord("k", 0, 10*time.Second)
	assert.False(t, ok)
	assert.Equal(t, 10, retry)
}

func TestWindow_ConcurrentCheckAndRecordNeverOvercounts(t *testing.T) {
	w := NewWindow()
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
	)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, _ := w.CheckAndRecord("shared", 7, time.Hour); ok {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 7, allowed)
}

func TestWindow_SweepRemovesExpiredKeys(t *testing.T) {
	clock := newClock()
	w := NewWindow().WithClock(clock.Now)

	w.CheckAndRecord("a", 5, time.Minute)
	clock.Advance(30 * time.Second)
	w.CheckAndRecord("b", 5, time.Minute)
	clock.Advance(45 * time.Second)

	assert.Equal(t, 1, w.Sweep(time.Minute))
	assert.Equal(t, 1, w.Keys())
}
