package ratecontrol

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestUnconfiguredClassIsUnlimited(t *testing.T) {
	g := New(zap.NewNop())
	for i := 0; i < 100; i++ {
		if d := g.TryAcquire("primary"); d != 0 {
			t.Fatalf("acquire %d: delay = %s, want 0", i, d)
		}
	}
}

func TestTryAcquireConsumesBurstThenDelays(t *testing.T) {
	g := New(zap.NewNop())
	g.Configure("primary", Limit{RequestsPerMinute: 60, Burst: 3})

	for i := 0; i < 3; i++ {
		if d := g.TryAcquire("primary"); d != 0 {
			t.Fatalf("burst acquire %d: delay = %s", i, d)
		}
	}
	d := g.TryAcquire("primary")
	if d <= 0 {
		t.Fatalf("delay = %s, bucket should be empty", d)
	}
	// 60 rpm refills one token per second.
	if d > 1100*time.Millisecond {
		t.Errorf("delay = %s, want about one second", d)
	}
}

func TestTryAcquireDelayDoesNotConsume(t *testing.T) {
	g := New(zap.NewNop())
	g.Configure("primary", Limit{RequestsPerMinute: 60, Burst: 1})

	if d := g.TryAcquire("primary"); d != 0 {
		t.Fatalf("first acquire: %s", d)
	}
	first := g.TryAcquire("primary")
	second := g.TryAcquire("primary")
	if first <= 0 || second <= 0 {
		t.Fatalf("delays = %s, %s", first, second)
	}
	// A rejected reservation is cancelled, so the wait does not grow.
	if second > first+100*time.Millisecond {
		t.Errorf("second delay %s grew past first %s", second, first)
	}
}

func TestWaitHonorsContext(t *testing.T) {
	g := New(zap.NewNop())
	g.Configure("primary", Limit{RequestsPerMinute: 1, Burst: 1})
	if err := g.Wait(context.Background(), "primary", ""); err != nil {
		t.Fatalf("drain: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := g.Wait(ctx, "primary", ""); err == nil {
		t.Fatal("expected deadline error")
	}
}

func TestPerCallerLimits(t *testing.T) {
	g := New(zap.NewNop())
	g.ConfigureCallers(Limit{RequestsPerMinute: 1, Burst: 1})

	if err := g.Wait(context.Background(), "primary", "caller-a"); err != nil {
		t.Fatalf("caller-a first: %v", err)
	}
	// Same caller is throttled, a different caller is not.
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := g.Wait(ctx, "primary", "caller-a"); err == nil {
		t.Fatal("caller-a should be throttled")
	}
	if err := g.Wait(context.Background(), "primary", "caller-b"); err != nil {
		t.Fatalf("caller-b: %v", err)
	}
}

func TestReconfigureReplacesBucket(t *testing.T) {
	g := New(zap.NewNop())
	g.Configure("primary", Limit{RequestsPerMinute: 1, Burst: 1})
	g.TryAcquire("primary")
	if d := g.TryAcquire("primary"); d <= 0 {
		t.Fatal("bucket should be empty")
	}

	g.Configure("primary", Limit{RequestsPerMinute: 600, Burst: 10})
	if d := g.TryAcquire("primary"); d != 0 {
		t.Fatalf("after reconfigure: delay = %s", d)
	}

	// Zero disables the limit entirely.
	g.Configure("primary", Limit{})
	for i := 0; i < 50; i++ {
		if d := g.TryAcquire("primary"); d != 0 {
			t.Fatalf("disabled limit still delays: %s", d)
		}
	}
}

func TestLoadOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "limits.yaml")
	data := `
rate_limits:
  default_rpm: 20
  default_burst: 4
  class_overrides:
    primary:
      rpm: 90
      burst: 15
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	limits, err := LoadOverrides(path, []string{"primary", "fallback"}, Limit{RequestsPerMinute: 30, Burst: 5})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got := limits["primary"]; got.RequestsPerMinute != 90 || got.Burst != 15 {
		t.Errorf("primary = %+v", got)
	}
	if got := limits["fallback"]; got.RequestsPerMinute != 20 || got.Burst != 4 {
		t.Errorf("fallback = %+v, want file defaults", got)
	}
}

func TestLoadOverridesMissingFile(t *testing.T) {
	fallback := Limit{RequestsPerMinute: 30, Burst: 5}
	limits, err := LoadOverrides("/no/such/limits.yaml", []string{"primary"}, fallback)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if limits["primary"] != fallback {
		t.Errorf("primary = %+v, want fallback", limits["primary"])
	}
}

func TestLoadOverridesMalformed(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "limits.yaml")
	os.WriteFile(path, []byte("rate_limits: [not, a, map]"), 0o644)

	if _, err := LoadOverrides(path, []string{"primary"}, Limit{}); err == nil {
		t.Fatal("expected unmarshal error")
	}
}
