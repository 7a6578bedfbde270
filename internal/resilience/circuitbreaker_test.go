package resilience

import (
	"errors"
	"testing"
	"time"
)

var errTest = errors.New("relay unreachable")

const shortReset = 10 * time.Millisecond

// drive runs steps against cb: 'f' is a failing call, 's' a succeeding
// one and 'w' waits past the reset timeout.
func drive(cb *CircuitBreaker, steps string) (lastErr error) {
	for _, step := range steps {
		switch step {
		case 'f':
			lastErr = cb.Execute(func() error { return errTest })
		case 's':
			lastErr = cb.Execute(func() error { return nil })
		case 'w':
			time.Sleep(shortReset + 5*time.Millisecond)
		}
	}
	return lastErr
}

func TestNewCircuitBreaker_Defaults(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{Name: "relay-dial"})
	if cb.maxFailures != 5 || cb.resetTimeout != 30*time.Second || cb.halfOpenMax != 3 {
		t.Errorf("defaults: failures=%d reset=%v halfOpen=%d", cb.maxFailures, cb.resetTimeout, cb.halfOpenMax)
	}
	if cb.Name() != "relay-dial" || cb.State() != StateClosed {
		t.Errorf("got name %q state %v", cb.Name(), cb.State())
	}
}

func TestCircuitBreaker_Transitions(t *testing.T) {
	tests := []struct {
		name    string
		steps   string
		want    State
		wantErr error
	}{
		{name: "successes stay closed", steps: "sss", want: StateClosed},
		{name: "failures below threshold", steps: "ff", want: StateClosed, wantErr: errTest},
		{name: "threshold opens", steps: "fff", want: StateOpen, wantErr: errTest},
		{name: "open rejects calls", steps: "fffs", want: StateOpen, wantErr: ErrCircuitOpen},
		{name: "success resets the count", steps: "ffsff", want: StateClosed, wantErr: errTest},
		{name: "timeout half-opens", steps: "fffw", want: StateHalfOpen, wantErr: errTest},
		{name: "probes close", steps: "fffwss", want: StateClosed},
		{name: "failed probe reopens", steps: "fffwf", want: StateOpen, wantErr: errTest},
		{name: "reopened breaker rejects", steps: "fffwfs", want: StateOpen, wantErr: ErrCircuitOpen},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cb := NewCircuitBreaker(CircuitBreakerConfig{
				Name:         "relay-dial",
				MaxFailures:  3,
				ResetTimeout: shortReset,
				HalfOpenMax:  2,
			})
			err := drive(cb, tt.steps)
			if tt.wantErr == nil && err != nil {
				t.Errorf("last call: unexpected error %v", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("last call: got %v, want %v", err, tt.wantErr)
			}
			if got := cb.State(); got != tt.want {
				t.Errorf("state: got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCircuitBreaker_HalfOpenLimitsProbes(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{MaxFailures: 1, ResetTimeout: shortReset, HalfOpenMax: 1})
	drive(cb, "fw")

	release := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_ = cb.Execute(func() error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	// The single probe slot is taken; a second caller must not get through.
	if err := cb.Execute(func() error { return nil }); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("second probe: got %v, want ErrCircuitOpen", err)
	}
	close(release)
}

func TestCircuitBreaker_Reset(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{MaxFailures: 1, ResetTimeout: time.Hour})
	drive(cb, "f")
	if cb.State() != StateOpen {
		t.Fatal("expected open")
	}
	cb.Reset()
	if err := drive(cb, "s"); err != nil || cb.State() != StateClosed {
		t.Errorf("after reset: err=%v state=%v", err, cb.State())
	}
}

func TestState_String(t *testing.T) {
	for s, want := range map[State]string{
		StateClosed:   "closed",
		StateOpen:     "open",
		StateHalfOpen: "half-open",
		State(99):     "unknown",
	} {
		if got := s.String(); got != want {
			t.Errorf("State(%d): got %q, want %q", s, got, want)
		}
	}
}

func TestCircuitBreaker_OnStateChange(t *testing.T) {
	type change struct{ from, to State }
	var got []change
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		Name:         "relay",
		MaxFailures:  1,
		ResetTimeout: shortReset,
		HalfOpenMax:  1,
		OnStateChange: func(name string, from, to State) {
			if name != "relay" {
				t.Errorf("name = %q, want relay", name)
			}
			got = append(got, change{from, to})
		},
	})

	drive(cb, "fws")

	want := []change{
		{StateClosed, StateOpen},
		{StateOpen, StateHalfOpen},
		{StateHalfOpen, StateClosed},
	}
	if len(got) != len(want) {
		t.Fatalf("got transitions %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("transition %d = %v, want %v", i, got[i], want[i])
		}
	}
}
