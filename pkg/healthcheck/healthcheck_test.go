package healthcheck

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

type countingRecoverer struct {
	natCalls     atomic.Int32
	routingCalls atomic.Int32
}

func (r *countingRecoverer) ReenableNAT(ctx context.Context) error {
	r.natCalls.Add(1)
	return nil
}

func (r *countingRecoverer) ReverifyRouting(ctx context.Context) error {
	r.routingCalls.Add(1)
	return nil
}

func TestCheckHealthOverallRule(t *testing.T) {
	cases := []struct {
		name           string
		nat, rt, ws    bool
		expectHealthy  bool
	}{
		{"all good", true, true, true, true},
		{"nat down fails regardless", false, true, true, false},
		{"routing down but ws up is healthy", true, false, true, true},
		{"both routing and ws down is unhealthy", true, false, false, false},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			hc := New(Config{
				NATCheck:     func(context.Context) bool { return c.nat },
				RoutingCheck: func(context.Context) bool { return c.rt },
				WSCheck:      func(context.Context) bool { return c.ws },
			}, nil)

			result := hc.checkHealth(context.Background())
			if result.Healthy != c.expectHealthy {
				t.Fatalf("expected healthy=%v, got %v", c.expectHealthy, result.Healthy)
			}
		})
	}
}

func TestAttemptRecoveryAfterThreeConsecutiveFailures(t *testing.T) {
	rec := &countingRecoverer{}
	hc := New(Config{
		NATCheck:     func(context.Context) bool { return false },
		RoutingCheck: func(context.Context) bool { return false },
		WSCheck:      func(context.Context) bool { return false },
		Recoverer:    rec,
		Interval:     time.Millisecond,
	}, nil)

	ctx := context.Background()
	hc.tick(ctx)
	hc.tick(ctx)
	if rec.natCalls.Load() != 0 {
		t.Fatal("recovery should not run before 3 consecutive failures")
	}
	hc.tick(ctx)
	if rec.natCalls.Load() != 1 || rec.routingCalls.Load() != 1 {
		t.Fatalf("expected recovery to run once after 3 failures, got nat=%d routing=%d",
			rec.natCalls.Load(), rec.routingCalls.Load())
	}
}

func TestRecoveryResetsConsecutiveFailureCount(t *testing.T) {
	rec := &countingRecoverer{}
	hc := New(Config{
		NATCheck: func(context.Context) bool { return false },
		WSCheck:  func(context.Context) bool { return false },
		Recoverer: rec,
	}, nil)

	ctx := context.Background()
	hc.tick(ctx)
	hc.tick(ctx)
	hc.tick(ctx) // triggers recovery, resets counter
	hc.tick(ctx)
	hc.tick(ctx)
	if rec.natCalls.Load() != 1 {
		t.Fatalf("expected exactly 1 recovery after reset, got %d", rec.natCalls.Load())
	}
}

func TestNATCheckDefaultsToHealthyWhenNil(t *testing.T) {
	hc := New(Config{
		RoutingCheck: func(context.Context) bool { return true },
	}, nil)
	result := hc.checkHealth(context.Background())
	if !result.NAT {
		t.Fatal("expected NAT to default to true when no check configured")
	}
}
