// Package sched runs periodic maintenance sweeps over the trust registries.
// Sweeps are request-independent: they bound registry growth even when no
// traffic arrives.
package sched

import (
	"context"
	"sync"
	"time"

	"trustplane.org/internal/obs"
)

// Task is a single sweep step. It receives the sweep time and removes entries
// whose stored expiry has passed.
type Task struct {
	Name string
	Run  func(now time.Time) error
}

// Sweeper executes registered tasks on an interval. The clock is injectable
// and Tick can be called directly, so tests never wait on wall-clock timers.
type Sweeper struct {
	mu       sync.Mutex
	tasks    []Task
	interval time.Duration
	now      func() time.Time
}

// Option configures a Sweeper.
type Option func(*Sweeper)

// WithClock overrides the time source.
func WithClock(fn func() time.Time) Option {
	return func(s *Sweeper) {
		if fn != nil {
			s.now = fn
		}
	}
}

// NewSweeper creates a sweeper firing at the given interval.
func NewSweeper(interval time.Duration, opts ...Option) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	s := &Sweeper{interval: interval, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register adds a task. Registration order is execution order.
func (s *Sweeper) Register(name string, run func(now time.Time) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks = append(s.tasks, Task{Name: name, Run: run})
}

// Tick runs every task once. A failing task is logged and counted but never
// aborts the remaining tasks.
func (s *Sweeper) Tick() {
	now := s.now().UTC()

	s.mu.Lock()
	tasks := make([]Task, len(s.tasks))
	copy(tasks, s.tasks)
	s.mu.Unlock()

	for _, t := range tasks {
		if err := t.Run(now); err != nil {
			obs.Logger().Error("sweep task failed", "task", t.Name, "error", err)
			obs.SweepRuns.WithLabelValues(t.Name, "error").Inc()
			continue
		}
		obs.SweepRuns.WithLabelValues(t.Name, "ok").Inc()
	}
}

// Start ticks in the background until the context ends.
func (s *Sweeper) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.Tick()
			}
		}
	}()
}
