package scheduler_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/admitrievsky/freeroute/internal/scheduler"
)

func TestEveryRunsImmediately(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ran := make(chan struct{})

	go scheduler.Every(ctx, "test", time.Hour, scheduler.TaskFunc(func(context.Context) error {
		close(ran)

		return nil
	}))

	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("first execution must be immediate")
	}
}

func TestEverySwallowsErrors(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var runs atomic.Int64

	go scheduler.Every(ctx, "failing", 10*time.Millisecond, scheduler.TaskFunc(func(context.Context) error {
		runs.Add(1)

		return errors.New("always fails")
	}))

	assert.Eventually(t, func() bool { return runs.Load() >= 3 },
		time.Second, 5*time.Millisecond, "errors must not stop the loop")
}

func TestEveryStopsOnCancel(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())

	var runs atomic.Int64

	done := make(chan struct{})

	go func() {
		scheduler.Every(ctx, "cancellable", 10*time.Millisecond, scheduler.TaskFunc(func(context.Context) error {
			runs.Add(1)

			return nil
		}))
		close(done)
	}()

	assert.Eventually(t, func() bool { return runs.Load() >= 1 }, time.Second, time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("loop must exit on cancellation")
	}

	after := runs.Load()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, after, runs.Load())
}
