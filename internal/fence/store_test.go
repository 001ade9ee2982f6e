package fence_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"leaseserver/internal/fence"
	"leaseserver/internal/lease"
	"leaseserver/internal/lease/leasetest"
)

func wantCode(t *testing.T, err error, code string) {
	t.Helper()
	var le *lease.Error
	if !errors.As(err, &le) {
		t.Fatalf("expected %s error, got %v", code, err)
	}
	if le.Code != code {
		t.Fatalf("expected code %s, got %s", code, le.Code)
	}
}

func TestUpdateRequiresNewerToken(t *testing.T) {
	s := fence.NewStore(nil)

	r1, err := s.Update("doc:1", "v1", 1, "w1")
	if err != nil {
		t.Fatalf("first update: %v", err)
	}
	if r1.FencingToken != 1 || r1.Value != "v1" {
		t.Fatalf("unexpected record: %+v", r1)
	}

	// Same token is stale: "newer" means strictly greater.
	_, err = s.Update("doc:1", "v1-again", 1, "w1")
	wantCode(t, err, lease.CodeStaleFencingToken)

	_, err = s.Update("doc:1", "old", 0, "w0")
	wantCode(t, err, lease.CodeInvalidRequest)

	r3, err := s.Update("doc:1", "v3", 3, "w2")
	if err != nil {
		t.Fatalf("update with token 3: %v", err)
	}
	if r3.FencingToken != 3 {
		t.Fatalf("unexpected record: %+v", r3)
	}

	// Token 2 arrives late and must be refused.
	_, err = s.Update("doc:1", "late", 2, "w1")
	wantCode(t, err, lease.CodeStaleFencingToken)

	got := s.Get("doc:1")
	if got == nil || got.Value != "v3" || got.UpdatedBy != "w2" {
		t.Fatalf("stale update changed stored state: %+v", got)
	}
}

func TestUpdateValidatesInput(t *testing.T) {
	s := fence.NewStore(nil)

	_, err := s.Update("", "v", 1, "w")
	wantCode(t, err, lease.CodeInvalidRequest)
	_, err = s.Update("k", "v", 1, "")
	wantCode(t, err, lease.CodeInvalidRequest)
	_, err = s.Update("k", "v", -4, "w")
	wantCode(t, err, lease.CodeInvalidRequest)

	if got := s.Get("k"); got != nil {
		t.Fatalf("invalid updates must not store anything, got %+v", got)
	}
}

func TestKeysAreIndependent(t *testing.T) {
	s := fence.NewStore(nil)

	if _, err := s.Update("a", "x", 5, "w1"); err != nil {
		t.Fatalf("update a: %v", err)
	}
	// A lower token on a different key is fine.
	if _, err := s.Update("b", "y", 1, "w2"); err != nil {
		t.Fatalf("update b: %v", err)
	}
}

func TestGetReturnsCopy(t *testing.T) {
	s := fence.NewStore(nil)
	if _, err := s.Update("k", "v", 1, "w"); err != nil {
		t.Fatalf("update: %v", err)
	}

	got := s.Get("k")
	got.Value = "mutated"
	got.FencingToken = 99

	again := s.Get("k")
	if again.Value != "v" || again.FencingToken != 1 {
		t.Fatalf("stored record was mutated through a returned copy: %+v", again)
	}
}

// The crashed-holder scenario end to end: worker A acquires and stalls
// past its TTL, worker B takes over with a higher token, then A's
// delayed write is fenced off.
func TestExpiredHolderCannotWritePastSuccessor(t *testing.T) {
	ctx := context.Background()
	clk := leasetest.NewClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	mgr := lease.NewMemoryManager(lease.WithClock(clk))
	store := fence.NewStore(clk)

	la, err := mgr.Acquire(ctx, lease.AcquireRequest{TenantID: "t", LockKey: "doc:1", OwnerID: "A", TTLSeconds: 10})
	if err != nil {
		t.Fatalf("A acquire: %v", err)
	}
	if la.FencingToken != 1 {
		t.Fatalf("expected token 1, got %d", la.FencingToken)
	}

	// A stalls; the lease runs out.
	clk.Advance(11 * time.Second)

	lb, err := mgr.Acquire(ctx, lease.AcquireRequest{TenantID: "t", LockKey: "doc:1", OwnerID: "B", TTLSeconds: 10})
	if err != nil {
		t.Fatalf("B acquire: %v", err)
	}
	if lb.FencingToken != 2 {
		t.Fatalf("expected token 2, got %d", lb.FencingToken)
	}

	if _, err := store.Update("doc:1", "from-B", lb.FencingToken, "B"); err != nil {
		t.Fatalf("B write: %v", err)
	}

	// A wakes up and tries to finish its write with the old token.
	_, err = store.Update("doc:1", "from-A", la.FencingToken, "A")
	wantCode(t, err, lease.CodeStaleFencingToken)

	got := store.Get("doc:1")
	if got == nil || got.Value != "from-B" {
		t.Fatalf("expected B's write to stand, got %+v", got)
	}
}
