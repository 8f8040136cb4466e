// Package scheduler runs tasks on a fixed interval with error
// swallowing, the loop every periodic job in the process shares.
package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Task performs one scheduled iteration.
type Task interface {
	Run(ctx context.Context) error
}

// TaskFunc adapts a function to Task.
type TaskFunc func(ctx context.Context) error

func (f TaskFunc) Run(ctx context.Context) error { return f(ctx) }

// Every runs the task immediately and then once per interval until the
// context is cancelled. Task errors are logged and never stop the loop.
func Every(ctx context.Context, name string, interval time.Duration, task Task) {
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		if err := task.Run(ctx); err != nil {
			zerolog.Ctx(ctx).Error().Err(err).Str("task", name).Msg("scheduled task failed")
		}

		timer.Reset(interval)
	}
}

// Go launches Every on its own goroutine.
func Go(ctx context.Context, name string, interval time.Duration, task Task) {
	go Every(ctx, name, interval, task)
}
