package lease_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"leaseserver/internal/lease"
	"leaseserver/internal/lease/leasetest"
)

func TestSnapshotRoundTrip(t *testing.T) {
	ctx := context.Background()
	clk := leasetest.NewClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	mgr := lease.NewMemoryManager(lease.WithClock(clk))

	l1, err := mgr.Acquire(ctx, lease.AcquireRequest{TenantID: "t", LockKey: "a", OwnerID: "w1", TTLSeconds: 60, RequestID: "r1"})
	if err != nil {
		t.Fatalf("acquire a: %v", err)
	}
	l2, err := mgr.Acquire(ctx, lease.AcquireRequest{TenantID: "t", LockKey: "b", OwnerID: "w2", TTLSeconds: 120})
	if err != nil {
		t.Fatalf("acquire b: %v", err)
	}
	if _, err := mgr.Release(ctx, lease.ReleaseRequest{LeaseID: l2.LeaseID, OwnerID: "w2", RequestID: "rel-1"}); err != nil {
		t.Fatalf("release b: %v", err)
	}

	path := filepath.Join(t.TempDir(), "state.json")
	if err := lease.SaveSnapshot(path, mgr, "test"); err != nil {
		t.Fatalf("save: %v", err)
	}

	restored, err := lease.LoadSnapshot(path, lease.SnapshotOptions{Clock: clk})
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	// The active lease on "a" survives with identity intact.
	cur, err := restored.GetLock(ctx, "t", "a")
	if err != nil {
		t.Fatalf("get lock: %v", err)
	}
	if cur == nil || cur.LeaseID != l1.LeaseID || cur.FencingToken != l1.FencingToken {
		t.Fatalf("active lease did not survive restore: %+v", cur)
	}

	// Acquire replay still works through the restored idempotency table.
	replay, err := restored.Acquire(ctx, lease.AcquireRequest{TenantID: "t", LockKey: "a", OwnerID: "w1", TTLSeconds: 60, RequestID: "r1"})
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if replay.LeaseID != l1.LeaseID {
		t.Fatalf("expected replayed lease %s, got %s", l1.LeaseID, replay.LeaseID)
	}

	// Release replay likewise.
	rel, err := restored.Release(ctx, lease.ReleaseRequest{LeaseID: l2.LeaseID, OwnerID: "w2", RequestID: "rel-1"})
	if err != nil {
		t.Fatalf("release replay: %v", err)
	}
	if rel.Status != lease.StatusReleased {
		t.Fatalf("expected RELEASED snapshot, got %s", rel.Status)
	}

	// Audit history carried over.
	st, err := restored.DebugState(ctx)
	if err != nil {
		t.Fatalf("debug state: %v", err)
	}
	if len(st.AuditLogs) != 3 {
		t.Fatalf("expected 3 audit entries, got %d", len(st.AuditLogs))
	}
}

func TestSnapshotFencingContinuesAfterRestore(t *testing.T) {
	ctx := context.Background()
	clk := leasetest.NewClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	mgr := lease.NewMemoryManager(lease.WithClock(clk))

	l, err := mgr.Acquire(ctx, lease.AcquireRequest{TenantID: "t", LockKey: "k", OwnerID: "w", TTLSeconds: 60})
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if _, err := mgr.Release(ctx, lease.ReleaseRequest{LeaseID: l.LeaseID, OwnerID: "w"}); err != nil {
		t.Fatalf("release: %v", err)
	}

	path := filepath.Join(t.TempDir(), "state.json")
	if err := lease.SaveSnapshot(path, mgr, ""); err != nil {
		t.Fatalf("save: %v", err)
	}
	restored, err := lease.LoadSnapshot(path, lease.SnapshotOptions{Clock: clk})
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	// The key is free but the counter must continue, not restart at 1.
	next, err := restored.Acquire(ctx, lease.AcquireRequest{TenantID: "t", LockKey: "k", OwnerID: "w", TTLSeconds: 60})
	if err != nil {
		t.Fatalf("acquire after restore: %v", err)
	}
	if next.FencingToken != l.FencingToken+1 {
		t.Fatalf("expected token %d after restore, got %d", l.FencingToken+1, next.FencingToken)
	}
}

func TestLoadSnapshotRejectsBadInput(t *testing.T) {
	dir := t.TempDir()

	if _, err := lease.LoadSnapshot(filepath.Join(dir, "missing.json"), lease.SnapshotOptions{}); err == nil {
		t.Fatalf("expected error for missing file")
	}

	corrupt := filepath.Join(dir, "corrupt.json")
	if err := os.WriteFile(corrupt, []byte("{not json"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := lease.LoadSnapshot(corrupt, lease.SnapshotOptions{}); err == nil {
		t.Fatalf("expected error for corrupt file")
	}

	wrongVersion := filepath.Join(dir, "v9.json")
	if err := os.WriteFile(wrongVersion, []byte(`{"version":9,"state":{}}`), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := lease.LoadSnapshot(wrongVersion, lease.SnapshotOptions{}); err == nil {
		t.Fatalf("expected error for unsupported version")
	}
}
