package lease_test

import (
	"context"
	"testing"
	"time"

	"leaseserver/internal/lease"
	"leaseserver/internal/lease/leasetest"
)

func TestSweeperExpiresLeasesInBackground(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	clk := leasetest.NewClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	mgr := lease.NewMemoryManager(lease.WithClock(clk))

	l, err := mgr.Acquire(ctx, lease.AcquireRequest{TenantID: "t", LockKey: "k", OwnerID: "w", TTLSeconds: 10})
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	sweeper := lease.NewSweeper(mgr, nil, 10*time.Millisecond)
	done := make(chan struct{})
	go func() {
		defer close(done)
		sweeper.Run(ctx)
	}()

	clk.Advance(11 * time.Second)

	deadline := time.Now().Add(2 * time.Second)
	for {
		st, err := mgr.DebugState(ctx)
		if err != nil {
			t.Fatalf("debug state: %v", err)
		}
		if len(st.Leases) == 1 && st.Leases[0].Status == lease.StatusExpired {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("sweeper never expired lease %s", l.LeaseID)
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("sweeper did not stop on context cancel")
	}
}
