// Package leasetest holds the conformance suite that every
// lease.Manager implementation must pass, plus a settable clock for
// deterministic expiry tests. Backend test files call RunManagerSuite
// with their own constructor.
package leasetest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"leaseserver/internal/lease"
)

// Clock is a manually advanced lease.Clock.
type Clock struct {
	mu sync.Mutex
	t  time.Time
}

func NewClock(start time.Time) *Clock {
	return &Clock{t: start.UTC()}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// NewManagerFunc builds a fresh manager for one test, using clk for all
// time decisions and cfg for TTL bounds.
type NewManagerFunc func(t *testing.T, clk lease.Clock, cfg lease.Config) lease.Manager

func wantCode(t *testing.T, err error, code string) {
	t.Helper()
	var le *lease.Error
	if !errors.As(err, &le) {
		t.Fatalf("expected %s error, got %v", code, err)
	}
	if le.Code != code {
		t.Fatalf("expected code %s, got %s (%s)", code, le.Code, le.Message)
	}
}

// RunManagerSuite runs the shared behavior tests against one backend.
func RunManagerSuite(t *testing.T, newMgr NewManagerFunc) {
	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	cfg := lease.Config{MinTTLSeconds: 10, MaxTTLSeconds: 300}
	ctx := context.Background()

	t.Run("AcquireIssuesMonotonicTokens", func(t *testing.T) {
		clk := NewClock(start)
		mgr := newMgr(t, clk, cfg)

		l1, err := mgr.Acquire(ctx, lease.AcquireRequest{TenantID: "tenantA", LockKey: "order:1", OwnerID: "w1", TTLSeconds: 30})
		if err != nil {
			t.Fatalf("acquire: %v", err)
		}
		if l1.FencingToken != 1 {
			t.Fatalf("expected first token 1, got %d", l1.FencingToken)
		}
		if l1.Status != lease.StatusActive {
			t.Fatalf("expected ACTIVE, got %s", l1.Status)
		}
		if l1.Version != 1 {
			t.Fatalf("expected version 1, got %d", l1.Version)
		}
		if !l1.ExpiresAt.Equal(start.Add(30 * time.Second)) {
			t.Fatalf("unexpected expiry %v", l1.ExpiresAt)
		}

		if _, err := mgr.Release(ctx, lease.ReleaseRequest{LeaseID: l1.LeaseID, OwnerID: "w1"}); err != nil {
			t.Fatalf("release: %v", err)
		}

		l2, err := mgr.Acquire(ctx, lease.AcquireRequest{TenantID: "tenantA", LockKey: "order:1", OwnerID: "w2", TTLSeconds: 30})
		if err != nil {
			t.Fatalf("re-acquire: %v", err)
		}
		if l2.FencingToken != 2 {
			t.Fatalf("expected token 2 after release, got %d", l2.FencingToken)
		}
		if l2.LeaseID == l1.LeaseID {
			t.Fatalf("expected a fresh lease id")
		}
	})

	t.Run("SecondAcquireFailsLockHeld", func(t *testing.T) {
		clk := NewClock(start)
		mgr := newMgr(t, clk, cfg)

		if _, err := mgr.Acquire(ctx, lease.AcquireRequest{TenantID: "t", LockKey: "k", OwnerID: "w1", TTLSeconds: 60}); err != nil {
			t.Fatalf("acquire: %v", err)
		}
		_, err := mgr.Acquire(ctx, lease.AcquireRequest{TenantID: "t", LockKey: "k", OwnerID: "w2", TTLSeconds: 60})
		wantCode(t, err, lease.CodeLockHeld)
	})

	t.Run("TenantsAreIsolated", func(t *testing.T) {
		clk := NewClock(start)
		mgr := newMgr(t, clk, cfg)

		a, err := mgr.Acquire(ctx, lease.AcquireRequest{TenantID: "tenantA", LockKey: "shared", OwnerID: "w1", TTLSeconds: 60})
		if err != nil {
			t.Fatalf("acquire tenantA: %v", err)
		}
		b, err := mgr.Acquire(ctx, lease.AcquireRequest{TenantID: "tenantB", LockKey: "shared", OwnerID: "w2", TTLSeconds: 60})
		if err != nil {
			t.Fatalf("acquire tenantB: %v", err)
		}
		// Counters are per tenant: both start at 1.
		if a.FencingToken != 1 || b.FencingToken != 1 {
			t.Fatalf("expected independent counters, got %d and %d", a.FencingToken, b.FencingToken)
		}
	})

	t.Run("MutualExclusionUnderConcurrency", func(t *testing.T) {
		clk := NewClock(start)
		mgr := newMgr(t, clk, cfg)

		const n = 10
		var success, held int64
		var wg sync.WaitGroup
		wg.Add(n)
		for i := 0; i < n; i++ {
			go func() {
				defer wg.Done()
				_, err := mgr.Acquire(ctx, lease.AcquireRequest{TenantID: "t", LockKey: "hot", OwnerID: "w", TTLSeconds: 60})
				if err == nil {
					atomic.AddInt64(&success, 1)
					return
				}
				var le *lease.Error
				if errors.As(err, &le) && le.Code == lease.CodeLockHeld {
					atomic.AddInt64(&held, 1)
				}
			}()
		}
		wg.Wait()

		if success != 1 {
			t.Fatalf("expected exactly 1 successful acquire, got %d", success)
		}
		if held != n-1 {
			t.Fatalf("expected %d LOCK_HELD, got %d", n-1, held)
		}
	})

	t.Run("TTLValidation", func(t *testing.T) {
		clk := NewClock(start)
		mgr := newMgr(t, clk, cfg)

		for _, ttl := range []int{0, -5, 9, 301} {
			_, err := mgr.Acquire(ctx, lease.AcquireRequest{TenantID: "t", LockKey: "k", OwnerID: "w", TTLSeconds: ttl})
			wantCode(t, err, lease.CodeInvalidTTL)
		}
		_, err := mgr.Acquire(ctx, lease.AcquireRequest{TenantID: "", LockKey: "k", OwnerID: "w", TTLSeconds: 30})
		wantCode(t, err, lease.CodeInvalidRequest)
	})

	t.Run("IdempotentAcquireReplay", func(t *testing.T) {
		clk := NewClock(start)
		mgr := newMgr(t, clk, cfg)

		l1, err := mgr.Acquire(ctx, lease.AcquireRequest{TenantID: "t", LockKey: "k", OwnerID: "w", TTLSeconds: 60, RequestID: "req-1"})
		if err != nil {
			t.Fatalf("acquire: %v", err)
		}
		l2, err := mgr.Acquire(ctx, lease.AcquireRequest{TenantID: "t", LockKey: "k", OwnerID: "w", TTLSeconds: 60, RequestID: "req-1"})
		if err != nil {
			t.Fatalf("replay acquire: %v", err)
		}
		if l2.LeaseID != l1.LeaseID || l2.FencingToken != l1.FencingToken {
			t.Fatalf("replay must return the original lease: %+v vs %+v", l1, l2)
		}
		// No extra token was burned.
		if _, err := mgr.Release(ctx, lease.ReleaseRequest{LeaseID: l1.LeaseID, OwnerID: "w"}); err != nil {
			t.Fatalf("release: %v", err)
		}
		l3, err := mgr.Acquire(ctx, lease.AcquireRequest{TenantID: "t", LockKey: "k", OwnerID: "w", TTLSeconds: 60})
		if err != nil {
			t.Fatalf("acquire: %v", err)
		}
		if l3.FencingToken != l1.FencingToken+1 {
			t.Fatalf("expected token %d, got %d", l1.FencingToken+1, l3.FencingToken)
		}
	})

	t.Run("IdempotentRenewReplay", func(t *testing.T) {
		clk := NewClock(start)
		mgr := newMgr(t, clk, cfg)

		l, err := mgr.Acquire(ctx, lease.AcquireRequest{TenantID: "t", LockKey: "k", OwnerID: "w", TTLSeconds: 60})
		if err != nil {
			t.Fatalf("acquire: %v", err)
		}

		clk.Advance(5 * time.Second)
		r1, err := mgr.Renew(ctx, lease.RenewRequest{LeaseID: l.LeaseID, OwnerID: "w", TTLSeconds: 60, RequestID: "renew-1"})
		if err != nil {
			t.Fatalf("renew: %v", err)
		}
		if r1.Version != l.Version+1 {
			t.Fatalf("expected version bump, got %d", r1.Version)
		}
		if r1.LastRenewedAt == nil {
			t.Fatalf("expected last_renewed_at to be set")
		}

		clk.Advance(5 * time.Second)
		r2, err := mgr.Renew(ctx, lease.RenewRequest{LeaseID: l.LeaseID, OwnerID: "w", TTLSeconds: 60, RequestID: "renew-1"})
		if err != nil {
			t.Fatalf("replay renew: %v", err)
		}
		if !r2.ExpiresAt.Equal(r1.ExpiresAt) || r2.Version != r1.Version {
			t.Fatalf("replay must return the stored snapshot unchanged: %+v vs %+v", r1, r2)
		}
	})

	t.Run("IdempotentReleaseReplay", func(t *testing.T) {
		clk := NewClock(start)
		mgr := newMgr(t, clk, cfg)

		l, err := mgr.Acquire(ctx, lease.AcquireRequest{TenantID: "t", LockKey: "k", OwnerID: "w", TTLSeconds: 60})
		if err != nil {
			t.Fatalf("acquire: %v", err)
		}
		r1, err := mgr.Release(ctx, lease.ReleaseRequest{LeaseID: l.LeaseID, OwnerID: "w", RequestID: "rel-1"})
		if err != nil {
			t.Fatalf("release: %v", err)
		}
		if r1.Status != lease.StatusReleased {
			t.Fatalf("expected RELEASED, got %s", r1.Status)
		}
		// Repeat returns the stored snapshot instead of LEASE_NOT_ACTIVE.
		r2, err := mgr.Release(ctx, lease.ReleaseRequest{LeaseID: l.LeaseID, OwnerID: "w", RequestID: "rel-1"})
		if err != nil {
			t.Fatalf("replay release: %v", err)
		}
		if r2.Status != lease.StatusReleased || r2.Version != r1.Version {
			t.Fatalf("replay mismatch: %+v vs %+v", r1, r2)
		}
		// Without the request id the repeat fails.
		_, err = mgr.Release(ctx, lease.ReleaseRequest{LeaseID: l.LeaseID, OwnerID: "w"})
		wantCode(t, err, lease.CodeLeaseNotActive)
	})

	t.Run("OwnerEnforcement", func(t *testing.T) {
		clk := NewClock(start)
		mgr := newMgr(t, clk, cfg)

		l, err := mgr.Acquire(ctx, lease.AcquireRequest{TenantID: "t", LockKey: "k", OwnerID: "w1", TTLSeconds: 60})
		if err != nil {
			t.Fatalf("acquire: %v", err)
		}
		_, err = mgr.Renew(ctx, lease.RenewRequest{LeaseID: l.LeaseID, OwnerID: "intruder", TTLSeconds: 60})
		wantCode(t, err, lease.CodeOwnerMismatch)
		_, err = mgr.Release(ctx, lease.ReleaseRequest{LeaseID: l.LeaseID, OwnerID: "intruder"})
		wantCode(t, err, lease.CodeOwnerMismatch)

		// The lock is still held by w1.
		cur, err := mgr.GetLock(ctx, "t", "k")
		if err != nil {
			t.Fatalf("get lock: %v", err)
		}
		if cur == nil || cur.OwnerID != "w1" {
			t.Fatalf("expected w1 to still hold the lock, got %+v", cur)
		}
	})

	t.Run("LeaseNotFound", func(t *testing.T) {
		clk := NewClock(start)
		mgr := newMgr(t, clk, cfg)

		_, err := mgr.Renew(ctx, lease.RenewRequest{LeaseID: "no-such-lease", OwnerID: "w", TTLSeconds: 60})
		wantCode(t, err, lease.CodeLeaseNotFound)
		_, err = mgr.Release(ctx, lease.ReleaseRequest{LeaseID: "no-such-lease", OwnerID: "w"})
		wantCode(t, err, lease.CodeLeaseNotFound)
	})

	t.Run("LazyExpiryOnAccess", func(t *testing.T) {
		clk := NewClock(start)
		mgr := newMgr(t, clk, cfg)

		l, err := mgr.Acquire(ctx, lease.AcquireRequest{TenantID: "t", LockKey: "k", OwnerID: "w1", TTLSeconds: 10})
		if err != nil {
			t.Fatalf("acquire: %v", err)
		}

		clk.Advance(11 * time.Second)

		// GetLock discovers the expiry and reports the key free.
		cur, err := mgr.GetLock(ctx, "t", "k")
		if err != nil {
			t.Fatalf("get lock: %v", err)
		}
		if cur != nil {
			t.Fatalf("expected no active lease, got %+v", cur)
		}

		// Renew/release on the dead lease fail.
		_, err = mgr.Renew(ctx, lease.RenewRequest{LeaseID: l.LeaseID, OwnerID: "w1", TTLSeconds: 60})
		wantCode(t, err, lease.CodeLeaseExpired)
		_, err = mgr.Release(ctx, lease.ReleaseRequest{LeaseID: l.LeaseID, OwnerID: "w1"})
		wantCode(t, err, lease.CodeLeaseExpired)

		// A different owner can take the key with a higher token.
		l2, err := mgr.Acquire(ctx, lease.AcquireRequest{TenantID: "t", LockKey: "k", OwnerID: "w2", TTLSeconds: 60})
		if err != nil {
			t.Fatalf("re-acquire after expiry: %v", err)
		}
		if l2.FencingToken <= l.FencingToken {
			t.Fatalf("expected token > %d, got %d", l.FencingToken, l2.FencingToken)
		}
	})

	t.Run("SweepExpiresAndIsIdempotent", func(t *testing.T) {
		clk := NewClock(start)
		mgr := newMgr(t, clk, cfg)

		if _, err := mgr.Acquire(ctx, lease.AcquireRequest{TenantID: "t", LockKey: "a", OwnerID: "w", TTLSeconds: 10}); err != nil {
			t.Fatalf("acquire a: %v", err)
		}
		if _, err := mgr.Acquire(ctx, lease.AcquireRequest{TenantID: "t", LockKey: "b", OwnerID: "w", TTLSeconds: 20}); err != nil {
			t.Fatalf("acquire b: %v", err)
		}

		clk.Advance(15 * time.Second)
		n, err := mgr.ExpireLeases(ctx)
		if err != nil {
			t.Fatalf("sweep: %v", err)
		}
		if n != 1 {
			t.Fatalf("expected 1 expired, got %d", n)
		}

		// Nothing new expired: second sweep returns 0.
		n, err = mgr.ExpireLeases(ctx)
		if err != nil {
			t.Fatalf("second sweep: %v", err)
		}
		if n != 0 {
			t.Fatalf("expected idempotent sweep, got %d", n)
		}

		clk.Advance(10 * time.Second)
		n, err = mgr.ExpireLeases(ctx)
		if err != nil {
			t.Fatalf("third sweep: %v", err)
		}
		if n != 1 {
			t.Fatalf("expected remaining lease to expire, got %d", n)
		}
	})

	t.Run("ForceRelease", func(t *testing.T) {
		clk := NewClock(start)
		mgr := newMgr(t, clk, cfg)

		l, err := mgr.Acquire(ctx, lease.AcquireRequest{TenantID: "t", LockKey: "k", OwnerID: "w1", TTLSeconds: 60})
		if err != nil {
			t.Fatalf("acquire: %v", err)
		}

		released, err := mgr.ForceRelease(ctx, "t", "k", "admin")
		if err != nil {
			t.Fatalf("force release: %v", err)
		}
		if released == nil || released.LeaseID != l.LeaseID || released.Status != lease.StatusReleased {
			t.Fatalf("unexpected force release result: %+v", released)
		}

		// Key is free again; nothing to force a second time.
		again, err := mgr.ForceRelease(ctx, "t", "k", "admin")
		if err != nil {
			t.Fatalf("second force release: %v", err)
		}
		if again != nil {
			t.Fatalf("expected nil, got %+v", again)
		}

		if _, err := mgr.Acquire(ctx, lease.AcquireRequest{TenantID: "t", LockKey: "k", OwnerID: "w2", TTLSeconds: 60}); err != nil {
			t.Fatalf("acquire after force release: %v", err)
		}
	})

	t.Run("AuditTrailRecordsTransitions", func(t *testing.T) {
		clk := NewClock(start)
		mgr := newMgr(t, clk, cfg)

		l, err := mgr.Acquire(ctx, lease.AcquireRequest{TenantID: "t", LockKey: "k", OwnerID: "w", TTLSeconds: 10})
		if err != nil {
			t.Fatalf("acquire: %v", err)
		}
		if _, err := mgr.Renew(ctx, lease.RenewRequest{LeaseID: l.LeaseID, OwnerID: "w", TTLSeconds: 10}); err != nil {
			t.Fatalf("renew: %v", err)
		}
		clk.Advance(11 * time.Second)
		if _, err := mgr.ExpireLeases(ctx); err != nil {
			t.Fatalf("sweep: %v", err)
		}

		st, err := mgr.DebugState(ctx)
		if err != nil {
			t.Fatalf("debug state: %v", err)
		}
		var actions []string
		for _, e := range st.AuditLogs {
			if e.LeaseID == l.LeaseID {
				actions = append(actions, e.Action)
			}
		}
		want := []string{lease.ActionAcquire, lease.ActionRenew, lease.ActionExpire}
		if len(actions) != len(want) {
			t.Fatalf("expected %v, got %v", want, actions)
		}
		for i := range want {
			if actions[i] != want[i] {
				t.Fatalf("expected %v, got %v", want, actions)
			}
		}
	})

	t.Run("DebugStateReflectsLockRecords", func(t *testing.T) {
		clk := NewClock(start)
		mgr := newMgr(t, clk, cfg)

		l, err := mgr.Acquire(ctx, lease.AcquireRequest{TenantID: "t", LockKey: "k", OwnerID: "w", TTLSeconds: 60, RequestID: "r1"})
		if err != nil {
			t.Fatalf("acquire: %v", err)
		}
		st, err := mgr.DebugState(ctx)
		if err != nil {
			t.Fatalf("debug state: %v", err)
		}
		if len(st.LockRecords) != 1 {
			t.Fatalf("expected 1 lock record, got %d", len(st.LockRecords))
		}
		rec := st.LockRecords[0]
		if rec.ActiveLeaseID != l.LeaseID || rec.CurrentFencingToken != l.FencingToken {
			t.Fatalf("lock record out of sync: %+v vs lease %+v", rec, l)
		}
		if got := st.IdempotencyAcquire[lease.IdemKey("t", "r1")]; got != l.LeaseID {
			t.Fatalf("expected idempotency mapping to %s, got %q", l.LeaseID, got)
		}

		// Releasing keeps the record (and its counter) around.
		if _, err := mgr.Release(ctx, lease.ReleaseRequest{LeaseID: l.LeaseID, OwnerID: "w"}); err != nil {
			t.Fatalf("release: %v", err)
		}
		st, err = mgr.DebugState(ctx)
		if err != nil {
			t.Fatalf("debug state: %v", err)
		}
		if len(st.LockRecords) != 1 || st.LockRecords[0].ActiveLeaseID != "" {
			t.Fatalf("expected freed lock record, got %+v", st.LockRecords[0])
		}
		if st.LockRecords[0].CurrentFencingToken != l.FencingToken {
			t.Fatalf("counter must survive release, got %d", st.LockRecords[0].CurrentFencingToken)
		}
	})
}
