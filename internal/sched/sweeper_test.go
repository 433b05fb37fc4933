package sched

import (
	"errors"
	"testing"
	"time"
)

func TestTickRunsTasksInRegistrationOrder(t *testing.T) {
	fixed := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	s := NewSweeper(time.Minute, WithClock(func() time.Time { return fixed }))

	var order []string
	var seen []time.Time
	s.Register("first", func(now time.Time) error {
		order = append(order, "first")
		seen = append(seen, now)
		return nil
	})
	s.Register("second", func(now time.Time) error {
		order = append(order, "second")
		return nil
	})

	s.Tick()

	if len(order) != 2 || order[0] != "first" || order[1] != "second" {
		t.Fatalf("unexpected order: %v", order)
	}
	if !seen[0].Equal(fixed) {
		t.Fatalf("task got wrong sweep time: %v", seen[0])
	}
}

func TestFailingTaskDoesNotAbortTick(t *testing.T) {
	s := NewSweeper(time.Minute)

	ran := false
	s.Register("broken", func(time.Time) error { return errors.New("boom") })
	s.Register("after", func(time.Time) error {
		ran = true
		return nil
	})

	s.Tick()

	if !ran {
		t.Fatalf("task after a failure did not run")
	}
}

func TestTickWithoutTasksIsANoop(t *testing.T) {
	s := NewSweeper(0)
	s.Tick()
}
