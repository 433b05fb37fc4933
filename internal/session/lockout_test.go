package session

import (
	"errors"
	"testing"
	"time"

	"trustplane.org/internal/autherr"
)

func TestLockoutAfterThreshold(t *testing.T) {
	clk := newFakeClock()
	g := NewGuard(WithGuardClock(clk.Now), WithGuardLimits(5, 15*time.Minute, 15*time.Minute))

	// Five failures inside the window lock the identifier.
	for i := 0; i < 5; i++ {
		if err := g.Check("alice"); err != nil {
			t.Fatalf("attempt %d unexpectedly locked: %v", i+1, err)
		}
		g.Fail("alice")
		clk.Advance(time.Minute)
	}

	err := g.Check("alice")
	if !errors.Is(err, autherr.Locked(0)) {
		t.Fatalf("expected locked, got %v", err)
	}
	if autherr.RetryAfterOf(err) <= 0 {
		t.Fatalf("expected positive retry-after")
	}

	// After the lock elapses the identifier works again.
	clk.Advance(15 * time.Minute)
	if err := g.Check("alice"); err != nil {
		t.Fatalf("expected lock to expire: %v", err)
	}
}

func TestWindowResetClearsCount(t *testing.T) {
	clk := newFakeClock()
	g := NewGuard(WithGuardClock(clk.Now), WithGuardLimits(5, 15*time.Minute, 15*time.Minute))

	for i := 0; i < 4; i++ {
		g.Fail("bob")
	}
	if got := g.Failures("bob"); got != 4 {
		t.Fatalf("expected 4 failures, got %d", got)
	}

	clk.Advance(16 * time.Minute)
	g.Fail("bob")
	if got := g.Failures("bob"); got != 1 {
		t.Fatalf("expected window reset to 1, got %d", got)
	}
	if err := g.Check("bob"); err != nil {
		t.Fatalf("stale failures must not lock: %v", err)
	}
}

func TestClearWipesCounter(t *testing.T) {
	clk := newFakeClock()
	g := NewGuard(WithGuardClock(clk.Now))

	g.Fail("carol")
	g.Fail("carol")
	g.Clear("carol")
	if got := g.Failures("carol"); got != 0 {
		t.Fatalf("expected cleared counter, got %d", got)
	}
}

func TestIdentifiersAreNormalized(t *testing.T) {
	g := NewGuard()
	g.Fail("  Alice ")
	if got := g.Failures("alice"); got != 1 {
		t.Fatalf("expected normalized identifier, got %d", got)
	}
}

func TestGuardSweepPrunesIdleCounters(t *testing.T) {
	clk := newFakeClock()
	g := NewGuard(WithGuardClock(clk.Now))

	g.Fail("dave")
	clk.Advance(2 * time.Hour)
	if err := g.Sweep(clk.Now()); err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if got := g.Failures("dave"); got != 0 {
		t.Fatalf("expected pruned counter, got %d", got)
	}
}
