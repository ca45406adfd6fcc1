package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddEveryRunsJob(t *testing.T) {
	s := New()
	var runs atomic.Int32
	require.NoError(t, s.AddEvery("tick", 50*time.Millisecond, func(ctx context.Context) {
		runs.Add(1)
	}))

	s.Start()
	defer s.Stop(context.Background())

	assert.Eventually(t, func() bool {
		return runs.Load() >= 2
	}, 2*time.Second, 20*time.Millisecond)

	assert.False(t, s.NextRun("tick").IsZero())
	assert.True(t, s.NextRun("unknown").IsZero())
}

func TestAddEveryRejectsBadInput(t *testing.T) {
	s := New()
	assert.Error(t, s.AddEvery("bad", 0, func(ctx context.Context) {}))

	require.NoError(t, s.AddEvery("dup", time.Minute, func(ctx context.Context) {}))
	assert.Error(t, s.AddEvery("dup", time.Minute, func(ctx context.Context) {}), "duplicate names are rejected")
}

func TestJobPanicDoesNotKillScheduler(t *testing.T) {
	s := New()
	var after atomic.Bool

	require.NoError(t, s.AddEvery("panics", 30*time.Millisecond, func(ctx context.Context) {
		if after.Load() {
			return
		}
		panic("boom")
	}))
	require.NoError(t, s.AddEvery("survivor", 30*time.Millisecond, func(ctx context.Context) {
		after.Store(true)
	}))

	s.Start()
	defer s.Stop(context.Background())

	assert.Eventually(t, func() bool { return after.Load() }, 2*time.Second, 10*time.Millisecond,
		"other jobs keep running after a panic")
}

func TestStopHonorsContext(t *testing.T) {
	s := New()
	block := make(chan struct{})
	require.NoError(t, s.AddEvery("slow", 20*time.Millisecond, func(ctx context.Context) {
		<-block
	}))
	s.Start()

	// Give the slow job a chance to start.
	time.Sleep(60 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	done := make(chan struct{})
	go func() {
		s.Stop(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return after its context expired")
	}
	close(block)
}
