package circuitbreaker

import (
	"sync"
	"testing"
	"time"
)

func TestTripsAtThreshold(t *testing.T) {
	b := New(3, 100*time.Millisecond)

	b.RecordFailure("balance")
	b.RecordFailure("balance")
	if !b.Allow("balance") {
		t.Fatal("circuit opened below the failure threshold")
	}

	b.RecordFailure("balance")
	if b.Allow("balance") {
		t.Fatal("circuit still closed at the failure threshold")
	}
	if got := b.State("balance"); got != StateOpen {
		t.Fatalf("state = %v, want open", got)
	}
}

func TestHalfOpenProbe(t *testing.T) {
	b := New(2, 50*time.Millisecond)
	b.RecordFailure("submit")
	b.RecordFailure("submit")

	time.Sleep(60 * time.Millisecond)

	// One probe flows after the open window, the rest are held back.
	if !b.Allow("submit") {
		t.Fatal("probe request denied after open window")
	}
	if got := b.State("submit"); got != StateHalfOpen {
		t.Fatalf("state = %v, want half-open", got)
	}
	if b.Allow("submit") {
		t.Fatal("second request flowed while half-open")
	}
}

func TestHalfOpenOutcomes(t *testing.T) {
	t.Run("success closes", func(t *testing.T) {
		b := New(2, 50*time.Millisecond)
		b.RecordFailure("confirm")
		b.RecordFailure("confirm")
		time.Sleep(60 * time.Millisecond)
		b.Allow("confirm")

		b.RecordSuccess("confirm")
		if got := b.State("confirm"); got != StateClosed {
			t.Fatalf("state = %v, want closed", got)
		}
		if !b.Allow("confirm") {
			t.Fatal("recovered circuit denied a request")
		}
	})

	t.Run("failure reopens", func(t *testing.T) {
		b := New(2, 50*time.Millisecond)
		b.RecordFailure("confirm")
		b.RecordFailure("confirm")
		time.Sleep(60 * time.Millisecond)
		b.Allow("confirm")

		b.RecordFailure("confirm")
		if got := b.State("confirm"); got != StateOpen {
			t.Fatalf("state = %v, want open", got)
		}
	})
}

func TestSuccessResetsCounter(t *testing.T) {
	b := New(3, 100*time.Millisecond)

	b.RecordFailure("balance")
	b.RecordFailure("balance")
	b.RecordSuccess("balance")
	b.RecordFailure("balance")

	if !b.Allow("balance") {
		t.Fatal("circuit opened even though a success reset the streak")
	}
}

func TestKeysAreIsolated(t *testing.T) {
	b := New(2, 100*time.Millisecond)
	b.RecordFailure("balance")
	b.RecordFailure("balance")

	if b.Allow("balance") {
		t.Fatal("failed key should be open")
	}
	if !b.Allow("submit") {
		t.Fatal("unrelated key was affected")
	}
	if got := b.State("never-seen"); got != StateClosed {
		t.Fatalf("state of unknown key = %v, want closed", got)
	}
}

func TestOnTransition(t *testing.T) {
	b := New(2, 50*time.Millisecond)

	var mu sync.Mutex
	var transitions []struct{ from, to State }
	b.OnTransition(func(key string, from, to State) {
		mu.Lock()
		transitions = append(transitions, struct{ from, to State }{from, to})
		mu.Unlock()
	})

	b.RecordFailure("balance")
	b.RecordFailure("balance")

	// The callback runs on its own goroutine.
	time.Sleep(20 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(transitions) != 1 {
		t.Fatalf("transitions = %d, want 1", len(transitions))
	}
	if transitions[0].from != StateClosed || transitions[0].to != StateOpen {
		t.Fatalf("transition = %v to %v, want closed to open", transitions[0].from, transitions[0].to)
	}
}

func TestStateString(t *testing.T) {
	for s, want := range map[State]string{
		StateClosed:   "closed",
		StateOpen:     "open",
		StateHalfOpen: "half_open",
		State(99):     "unknown",
	} {
		if got := s.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", s, got, want)
		}
	}
}
