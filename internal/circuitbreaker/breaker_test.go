package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"
)

var errBoom = errors.New("boom")

func testConfig() Config {
	return Config{
		MaxRequests:      2,
		Interval:         time.Minute,
		Timeout:          50 * time.Millisecond,
		FailureThreshold: 3,
		SuccessThreshold: 2,
	}
}

func fail(b *Breaker) error {
	return b.Execute(context.Background(), func() error { return errBoom })
}

func succeed(b *Breaker) error {
	return b.Execute(context.Background(), func() error { return nil })
}

func TestTripsOpenAfterConsecutiveFailures(t *testing.T) {
	b := New("primary", testConfig(), zap.NewNop())

	for i := 0; i < 3; i++ {
		if err := fail(b); !errors.Is(err, errBoom) {
			t.Fatalf("call %d: %v", i, err)
		}
	}
	if got := b.State(); got != StateOpen {
		t.Fatalf("state = %s, want open", got)
	}
	if err := succeed(b); !errors.Is(err, ErrOpen) {
		t.Fatalf("err = %v, want ErrOpen", err)
	}
}

func TestSuccessResetsConsecutiveFailures(t *testing.T) {
	b := New("primary", testConfig(), zap.NewNop())

	fail(b)
	fail(b)
	succeed(b)
	fail(b)
	fail(b)
	if got := b.State(); got != StateClosed {
		t.Fatalf("state = %s, interleaved successes should keep it closed", got)
	}
}

func TestHalfOpenClosesAfterSuccessThreshold(t *testing.T) {
	b := New("primary", testConfig(), zap.NewNop())
	for i := 0; i < 3; i++ {
		fail(b)
	}
	time.Sleep(60 * time.Millisecond)

	if got := b.State(); got != StateHalfOpen {
		t.Fatalf("state = %s, want half-open after cool-down", got)
	}
	if err := succeed(b); err != nil {
		t.Fatalf("probe 1: %v", err)
	}
	if err := succeed(b); err != nil {
		t.Fatalf("probe 2: %v", err)
	}
	if got := b.State(); got != StateClosed {
		t.Fatalf("state = %s, want closed", got)
	}
}

func TestHalfOpenFailureReopens(t *testing.T) {
	b := New("primary", testConfig(), zap.NewNop())
	for i := 0; i < 3; i++ {
		fail(b)
	}
	time.Sleep(60 * time.Millisecond)

	if err := fail(b); !errors.Is(err, errBoom) {
		t.Fatalf("probe: %v", err)
	}
	if got := b.State(); got != StateOpen {
		t.Fatalf("state = %s, want open again", got)
	}
}

func TestHalfOpenLimitsProbes(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRequests = 1
	cfg.SuccessThreshold = 5
	b := New("primary", cfg, zap.NewNop())
	for i := 0; i < 3; i++ {
		fail(b)
	}
	time.Sleep(60 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		b.Execute(context.Background(), func() error {
			<-done
			return nil
		})
	}()
	time.Sleep(10 * time.Millisecond)

	if err := succeed(b); !errors.Is(err, ErrTooManyRequests) {
		t.Fatalf("err = %v, want ErrTooManyRequests", err)
	}
	close(done)
}

func TestStateChangeCallback(t *testing.T) {
	var transitions []string
	cfg := testConfig()
	cfg.OnStateChange = func(class string, from, to State) {
		transitions = append(transitions, from.String()+">"+to.String())
	}
	b := New("primary", cfg, zap.NewNop())
	for i := 0; i < 3; i++ {
		fail(b)
	}
	if len(transitions) != 1 || transitions[0] != "closed>open" {
		t.Fatalf("transitions = %v", transitions)
	}
}
