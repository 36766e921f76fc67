package timectrl

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestTimeControllerSetTime(t *testing.T) {
	start := time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC)
	tc := NewTimeController(start, time.Second, RealTime)

	newNow := start.Add(42 * time.Second)
	tc.SetTime(newNow)

	if got := tc.Now(); !got.Equal(newNow) {
		t.Fatalf("Now() = %v, want %v", got, newNow)
	}
}

func TestTimeControllerStartUpdatesNow(t *testing.T) {
	start := time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC)
	tc := NewTimeController(start, 5*time.Millisecond, Accelerated)

	done := tc.Start(15 * time.Millisecond)
	<-done

	expected := start.Add(15 * time.Millisecond)
	if got := tc.Now(); !got.Equal(expected) {
		t.Fatalf("Now() = %v, want %v", got, expected)
	}
}

func TestAdvanceNotifiesListenersWithTick(t *testing.T) {
	start := time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC)
	tc := NewTimeController(start, 50*time.Millisecond, Accelerated)

	var calls []time.Duration
	var last time.Time
	tc.AddListener(func(now time.Time, dt time.Duration) {
		calls = append(calls, dt)
		last = now
	})

	tc.Advance()
	tc.Advance()

	if len(calls) != 2 || calls[0] != 50*time.Millisecond {
		t.Fatalf("listener calls = %v, want two of 50ms", calls)
	}
	if want := start.Add(100 * time.Millisecond); !last.Equal(want) {
		t.Fatalf("last tick at %v, want %v", last, want)
	}
}

func TestAfterFiresInSimulationTime(t *testing.T) {
	start := time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC)
	tc := NewTimeController(start, 10*time.Millisecond, Accelerated)

	ch := tc.After(25 * time.Millisecond)
	for i := 0; i < 2; i++ {
		tc.Advance()
		select {
		case got := <-ch:
			t.Fatalf("timer fired early at %v", got)
		default:
		}
	}
	tc.Advance()
	select {
	case got := <-ch:
		if want := start.Add(30 * time.Millisecond); !got.Equal(want) {
			t.Fatalf("timer fired at %v, want %v", got, want)
		}
	default:
		t.Fatalf("timer did not fire")
	}

	select {
	case <-tc.After(0):
	default:
		t.Fatalf("After(0) not immediately ready")
	}
}

func TestRunStopsOnContext(t *testing.T) {
	tc := NewTimeController(time.Now(), time.Millisecond, RealTime)
	ctx, cancel := context.WithCancel(context.Background())

	ticks := 0
	tc.AddListener(func(time.Time, time.Duration) {
		ticks++
		if ticks == 3 {
			cancel()
		}
	})

	if err := tc.Run(ctx, 0); !errors.Is(err, context.Canceled) {
		t.Fatalf("Run error = %v, want context.Canceled", err)
	}
	if ticks != 3 {
		t.Fatalf("ticks = %d, want 3", ticks)
	}
}
