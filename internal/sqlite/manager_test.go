package sqlite_test

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"leaseserver/internal/lease"
	"leaseserver/internal/lease/leasetest"
	"leaseserver/internal/sqlite"
	"leaseserver/internal/storage"
)

func openTestDB(t *testing.T, path string) *storage.DB {
	t.Helper()
	db, err := storage.Open(context.Background(), storage.Config{
		Path:         path,
		BusyTimeout:  5 * time.Second,
		MaxOpenConns: 20,
		MaxIdleConns: 20,
	})
	if err != nil {
		t.Fatalf("db open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestSQLiteManagerConformance(t *testing.T) {
	leasetest.RunManagerSuite(t, func(t *testing.T, clk lease.Clock, cfg lease.Config) lease.Manager {
		db := openTestDB(t, filepath.Join(t.TempDir(), "leases.db"))
		return sqlite.NewManager(db.DB, sqlite.WithClock(clk), sqlite.WithConfig(cfg))
	})
}

func TestFencingCounterSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "leases.db")
	clk := leasetest.NewClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))

	db, err := storage.Open(ctx, storage.Config{Path: path})
	if err != nil {
		t.Fatalf("db open: %v", err)
	}
	mgr := sqlite.NewManager(db.DB, sqlite.WithClock(clk))

	l1, err := mgr.Acquire(ctx, lease.AcquireRequest{TenantID: "t", LockKey: "k", OwnerID: "w", TTLSeconds: 60, RequestID: "r1"})
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if _, err := mgr.Release(ctx, lease.ReleaseRequest{LeaseID: l1.LeaseID, OwnerID: "w", RequestID: "rel-1"}); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	// Reopen the same file as a fresh process would.
	db2 := openTestDB(t, path)
	mgr2 := sqlite.NewManager(db2.DB, sqlite.WithClock(clk))

	// The release replay still resolves through the persisted table.
	rel, err := mgr2.Release(ctx, lease.ReleaseRequest{LeaseID: l1.LeaseID, OwnerID: "w", RequestID: "rel-1"})
	if err != nil {
		t.Fatalf("release replay after restart: %v", err)
	}
	if rel.Status != lease.StatusReleased {
		t.Fatalf("expected RELEASED snapshot, got %s", rel.Status)
	}

	// The counter continues where it left off.
	l2, err := mgr2.Acquire(ctx, lease.AcquireRequest{TenantID: "t", LockKey: "k", OwnerID: "w", TTLSeconds: 60})
	if err != nil {
		t.Fatalf("acquire after restart: %v", err)
	}
	if l2.FencingToken != l1.FencingToken+1 {
		t.Fatalf("expected token %d after restart, got %d", l1.FencingToken+1, l2.FencingToken)
	}
}

func TestActiveLeaseSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "leases.db")
	clk := leasetest.NewClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))

	db, err := storage.Open(ctx, storage.Config{Path: path})
	if err != nil {
		t.Fatalf("db open: %v", err)
	}
	mgr := sqlite.NewManager(db.DB, sqlite.WithClock(clk))

	l, err := mgr.Acquire(ctx, lease.AcquireRequest{TenantID: "t", LockKey: "k", OwnerID: "w", TTLSeconds: 60})
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	db2 := openTestDB(t, path)
	mgr2 := sqlite.NewManager(db2.DB, sqlite.WithClock(clk))

	cur, err := mgr2.GetLock(ctx, "t", "k")
	if err != nil {
		t.Fatalf("get lock: %v", err)
	}
	if cur == nil || cur.LeaseID != l.LeaseID || cur.FencingToken != l.FencingToken {
		t.Fatalf("active lease did not survive restart: %+v", cur)
	}

	// The original holder can still renew against the new process.
	if _, err := mgr2.Renew(ctx, lease.RenewRequest{LeaseID: l.LeaseID, OwnerID: "w", TTLSeconds: 60}); err != nil {
		t.Fatalf("renew after restart: %v", err)
	}
}

// protectedResource stands in for a downstream store that only accepts
// writes carrying a token at least as high as the last one it saw.
type protectedResource struct {
	mu        sync.Mutex
	lastToken int64
	accepted  int64
	rejected  int64
}

func (p *protectedResource) TryWrite(token int64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if token < p.lastToken {
		p.rejected++
		return false
	}
	p.lastToken = token
	p.accepted++
	return true
}

func (p *protectedResource) Stats() (accepted, rejected, lastToken int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.accepted, p.rejected, p.lastToken
}

func TestFencingPreventsStaleWriters(t *testing.T) {
	if testing.Short() {
		t.Skip("contention test takes several seconds")
	}

	ctx := context.Background()
	db := openTestDB(t, filepath.Join(t.TempDir(), "stress.db"))
	mgr := sqlite.NewManager(db.DB, sqlite.WithConfig(lease.Config{MinTTLSeconds: 1, MaxTTLSeconds: 300}))

	const (
		tenant  = "stress"
		lockKey = "hotlock"
		clients = 20
		ttlSec  = 1
	)
	hold := 10 * time.Millisecond
	testDur := 5 * time.Second
	stallSleep := time.Duration(ttlSec)*time.Second + 150*time.Millisecond

	pr := &protectedResource{}
	var maxTokenSeen int64

	var staleAttempts, staleRejected int64
	var acquireOK, acquireFail, opErrors int64

	runCtx, cancel := context.WithTimeout(ctx, testDur)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(clients)
	for i := 0; i < clients; i++ {
		i := i
		go func() {
			defer wg.Done()

			owner := fmt.Sprintf("c-%d", i)
			staller := i%7 == 0

			for runCtx.Err() == nil {
				l, err := mgr.Acquire(runCtx, lease.AcquireRequest{
					TenantID: tenant, LockKey: lockKey, OwnerID: owner, TTLSeconds: ttlSec,
				})
				if err != nil {
					var le *lease.Error
					if errors.As(err, &le) && (le.Code == lease.CodeLockHeld || le.Code == lease.CodeBusy) {
						atomic.AddInt64(&acquireFail, 1)
						time.Sleep(10 * time.Millisecond)
						continue
					}
					if runCtx.Err() == nil {
						atomic.AddInt64(&opErrors, 1)
					}
					continue
				}
				atomic.AddInt64(&acquireOK, 1)

				for {
					prev := atomic.LoadInt64(&maxTokenSeen)
					if l.FencingToken <= prev || atomic.CompareAndSwapInt64(&maxTokenSeen, prev, l.FencingToken) {
						break
					}
				}

				if staller {
					// Stall past the TTL so the lease expires and someone
					// else takes the key with a higher token, then attempt
					// a write with the now stale token.
					time.Sleep(stallSleep)

					deadline := time.Now().Add(500 * time.Millisecond)
					for time.Now().Before(deadline) {
						if atomic.LoadInt64(&maxTokenSeen) > l.FencingToken {
							break
						}
						time.Sleep(5 * time.Millisecond)
					}
					if atomic.LoadInt64(&maxTokenSeen) > l.FencingToken {
						atomic.AddInt64(&staleAttempts, 1)
						if !pr.TryWrite(l.FencingToken) {
							atomic.AddInt64(&staleRejected, 1)
						}
					}
				} else {
					time.Sleep(hold)
					_ = pr.TryWrite(l.FencingToken)
				}

				// Release may fail if the lease expired meanwhile; fine.
				_, _ = mgr.Release(runCtx, lease.ReleaseRequest{LeaseID: l.LeaseID, OwnerID: owner})
				time.Sleep(2 * time.Millisecond)
			}
		}()
	}
	wg.Wait()

	if opErrors > 0 {
		t.Fatalf("unexpected operational errors: %d", opErrors)
	}
	if staleAttempts == 0 {
		t.Fatalf("no stale attempts observed; increase clients or duration")
	}
	if staleRejected == 0 {
		t.Fatalf("expected stale writes to be rejected at least once (attempts=%d)", staleAttempts)
	}

	accepted, _, last := pr.Stats()
	if accepted == 0 {
		t.Fatalf("no writes accepted; nothing was exercised")
	}

	// The newest holder can always write last and fence off older tokens.
	maxSeen := atomic.LoadInt64(&maxTokenSeen)
	if !pr.TryWrite(maxSeen) {
		t.Fatalf("write with max token %d rejected (last=%d)", maxSeen, last)
	}

	t.Logf("acquire_ok=%d acquire_fail=%d stale_attempts=%d stale_rejected=%d accepted=%d max_token=%d",
		acquireOK, acquireFail, staleAttempts, staleRejected, accepted, maxSeen)
}

func TestStaleReleaseCannotClobberNewOwner(t *testing.T) {
	if testing.Short() {
		t.Skip("relies on real lease expiry")
	}

	ctx := context.Background()
	db := openTestDB(t, filepath.Join(t.TempDir(), "stale.db"))
	mgr := sqlite.NewManager(db.DB, sqlite.WithConfig(lease.Config{MinTTLSeconds: 1, MaxTTLSeconds: 300}))

	a, err := mgr.Acquire(ctx, lease.AcquireRequest{TenantID: "t", LockKey: "mylock", OwnerID: "client-A", TTLSeconds: 1})
	if err != nil {
		t.Fatalf("A acquire: %v", err)
	}

	// Let A's lease expire, as if A crashed or stalled.
	time.Sleep(1200 * time.Millisecond)

	b, err := mgr.Acquire(ctx, lease.AcquireRequest{TenantID: "t", LockKey: "mylock", OwnerID: "client-B", TTLSeconds: 60})
	if err != nil {
		t.Fatalf("B acquire: %v", err)
	}
	if b.FencingToken <= a.FencingToken {
		t.Fatalf("expected B token > A token; A=%d B=%d", a.FencingToken, b.FencingToken)
	}

	// A's release targets its own dead lease and must fail without
	// touching B's claim.
	_, err = mgr.Release(ctx, lease.ReleaseRequest{LeaseID: a.LeaseID, OwnerID: "client-A"})
	var le *lease.Error
	if !errors.As(err, &le) || le.Code != lease.CodeLeaseExpired {
		t.Fatalf("expected LEASE_EXPIRED for stale release, got %v", err)
	}

	cur, err := mgr.GetLock(ctx, "t", "mylock")
	if err != nil {
		t.Fatalf("get lock: %v", err)
	}
	if cur == nil || cur.LeaseID != b.LeaseID || cur.OwnerID != "client-B" {
		t.Fatalf("expected B to still hold the lock, got %+v", cur)
	}
}
