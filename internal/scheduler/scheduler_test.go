package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNextFixedTimeAfterSkipsMissedTicks(t *testing.T) {
	anchor := time.Date(2026, 10, 19, 9, 30, 0, 0, time.UTC)
	assert.Equal(t, anchor, nextFixedTimeAfter(anchor, time.Minute, anchor.Add(-time.Second)))
	assert.Equal(t, anchor.Add(time.Minute), nextFixedTimeAfter(anchor, time.Minute, anchor))
	assert.Equal(t, anchor.Add(4*time.Minute), nextFixedTimeAfter(anchor, time.Minute, anchor.Add(3*time.Minute+59*time.Second)))
}

func TestRunDrivesTasksUntilCanceled(t *testing.T) {
	var fast, boom atomic.Int32
	var mu sync.Mutex
	failures := map[string]int{}

	s := New(
		Task{Name: "fast", Interval: 10 * time.Millisecond, RunImmediately: true, Fn: func(context.Context) error {
			fast.Add(1)
			return nil
		}},
		Task{Name: "boom", Interval: 10 * time.Millisecond, Fn: func(context.Context) error {
			boom.Add(1)
			return errors.New("broken")
		}},
		Task{Name: "disabled", Interval: 0, Fn: func(context.Context) error {
			t.Fatal("disabled task ran")
			return nil
		}},
	)
	s.OnRun = func(name string, _ time.Duration, err error) {
		if err != nil {
			mu.Lock()
			failures[name]++
			mu.Unlock()
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return fast.Load() >= 3 && boom.Load() >= 2 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}
	mu.Lock()
	defer mu.Unlock()
	assert.GreaterOrEqual(t, failures["boom"], 2)
	assert.Zero(t, failures["fast"])
}

func TestRunOnceRecoversPanics(t *testing.T) {
	s := New(Task{Name: "bad", Interval: time.Minute, Fn: func(context.Context) error { panic("nil map") }})
	err := s.RunOnce(context.Background(), "bad")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nil map")

	err = s.RunOnce(context.Background(), "missing")
	assert.Error(t, err)
	assert.Equal(t, []string{"bad"}, s.Tasks())
}
