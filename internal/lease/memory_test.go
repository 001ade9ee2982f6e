package lease_test

import (
	"context"
	"testing"
	"time"

	"leaseserver/internal/lease"
	"leaseserver/internal/lease/leasetest"
)

func newMemory(t *testing.T, clk lease.Clock, cfg lease.Config) lease.Manager {
	t.Helper()
	return lease.NewMemoryManager(lease.WithClock(clk), lease.WithConfig(cfg))
}

func TestMemoryManagerConformance(t *testing.T) {
	leasetest.RunManagerSuite(t, newMemory)
}

func TestMemoryReturnsDefensiveCopies(t *testing.T) {
	ctx := context.Background()
	clk := leasetest.NewClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	mgr := lease.NewMemoryManager(lease.WithClock(clk))

	l, err := mgr.Acquire(ctx, lease.AcquireRequest{TenantID: "t", LockKey: "k", OwnerID: "w", TTLSeconds: 30})
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	// Scribbling on the returned lease must not affect the manager.
	l.Status = lease.StatusExpired
	l.FencingToken = 999
	l.OwnerID = "hijacked"

	cur, err := mgr.GetLock(ctx, "t", "k")
	if err != nil {
		t.Fatalf("get lock: %v", err)
	}
	if cur == nil || cur.OwnerID != "w" || cur.FencingToken != 1 || cur.Status != lease.StatusActive {
		t.Fatalf("internal state was mutated through a returned copy: %+v", cur)
	}

	// Same for DebugState output.
	st, err := mgr.DebugState(ctx)
	if err != nil {
		t.Fatalf("debug state: %v", err)
	}
	st.Leases[0].Status = lease.StatusReleased
	st.LockRecords[0].CurrentFencingToken = 42

	cur, err = mgr.GetLock(ctx, "t", "k")
	if err != nil {
		t.Fatalf("get lock: %v", err)
	}
	if cur == nil || cur.Status != lease.StatusActive {
		t.Fatalf("internal state was mutated through debug state: %+v", cur)
	}
}

func TestMemoryVersionIncrementsOnEveryTransition(t *testing.T) {
	ctx := context.Background()
	clk := leasetest.NewClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	mgr := lease.NewMemoryManager(lease.WithClock(clk))

	l, err := mgr.Acquire(ctx, lease.AcquireRequest{TenantID: "t", LockKey: "k", OwnerID: "w", TTLSeconds: 30})
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if l.Version != 1 {
		t.Fatalf("acquire version = %d", l.Version)
	}

	r, err := mgr.Renew(ctx, lease.RenewRequest{LeaseID: l.LeaseID, OwnerID: "w", TTLSeconds: 30})
	if err != nil {
		t.Fatalf("renew: %v", err)
	}
	if r.Version != 2 {
		t.Fatalf("renew version = %d", r.Version)
	}

	rel, err := mgr.Release(ctx, lease.ReleaseRequest{LeaseID: l.LeaseID, OwnerID: "w"})
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if rel.Version != 3 {
		t.Fatalf("release version = %d", rel.Version)
	}
}

func TestMemoryExpiredReplayFallsThroughToFreshAcquire(t *testing.T) {
	ctx := context.Background()
	clk := leasetest.NewClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	mgr := lease.NewMemoryManager(lease.WithClock(clk))

	l1, err := mgr.Acquire(ctx, lease.AcquireRequest{TenantID: "t", LockKey: "k", OwnerID: "w", TTLSeconds: 10, RequestID: "r1"})
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	clk.Advance(11 * time.Second)

	// The remembered lease is expired, so the same request id performs a
	// fresh acquire with a new token.
	l2, err := mgr.Acquire(ctx, lease.AcquireRequest{TenantID: "t", LockKey: "k", OwnerID: "w", TTLSeconds: 10, RequestID: "r1"})
	if err != nil {
		t.Fatalf("replay after expiry: %v", err)
	}
	if l2.LeaseID == l1.LeaseID {
		t.Fatalf("expected a fresh lease, got the expired one back")
	}
	if l2.FencingToken != l1.FencingToken+1 {
		t.Fatalf("expected token %d, got %d", l1.FencingToken+1, l2.FencingToken)
	}
}
