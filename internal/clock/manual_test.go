package clock_test

import (
	"testing"
	"time"

	"github.com/levigo/neverpile-eureka-sub002/internal/clock"
)

func TestManualAdvanceFiresDueTimers(t *testing.T) {
	start := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	clk := clock.NewManual(start)
	early := clk.After(time.Second)
	late := clk.After(time.Minute)
	if clk.Pending() != 2 {
		t.Fatalf("expected 2 pending timers, got %d", clk.Pending())
	}
	clk.Advance(2 * time.Second)
	select {
	case <-early:
	default:
		t.Fatal("expected early timer to fire")
	}
	select {
	case <-late:
		t.Fatal("late timer fired too soon")
	default:
	}
	if got := clock.Since(clk, start); got != 2*time.Second {
		t.Fatalf("Since = %v, want 2s", got)
	}
	clk.Advance(time.Minute)
	<-late
	if clk.Pending() != 0 {
		t.Fatalf("expected no pending timers, got %d", clk.Pending())
	}
}

func TestManualFiresInDeadlineOrder(t *testing.T) {
	clk := clock.NewManual(time.Unix(0, 0))
	third := clk.After(3 * time.Second)
	first := clk.After(time.Second)
	second := clk.After(2 * time.Second)
	immediate := clk.After(0)
	select {
	case <-immediate:
	default:
		t.Fatal("non-positive duration must fire at once")
	}
	if clk.Pending() != 3 {
		t.Fatalf("pending %d, want 3", clk.Pending())
	}
	clk.Advance(2 * time.Second)
	for name, ch := range map[string]<-chan time.Time{"first": first, "second": second} {
		select {
		case <-ch:
		default:
			t.Fatalf("%s timer did not fire", name)
		}
	}
	if clk.Pending() != 1 {
		t.Fatalf("pending %d, want 1", clk.Pending())
	}
	clk.Advance(-time.Hour)
	select {
	case <-third:
		t.Fatal("negative advance must not move time")
	default:
	}
	clk.Advance(time.Second)
	<-third
}
