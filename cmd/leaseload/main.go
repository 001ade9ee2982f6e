package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"leaseserver/pkg/leaseclient"
)

// ProtectedResource simulates a downstream system guarded by fencing
// tokens: a write is accepted only if its token is at least the last
// accepted one.
type ProtectedResource struct {
	mu        sync.Mutex
	lastToken int64
	accepted  int64
	rejected  int64
}

func (p *ProtectedResource) TryWrite(token int64) bool {
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

func (p *ProtectedResource) Stats() (accepted, rejected, last int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.accepted, p.rejected, p.lastToken
}

func main() {
	var (
		baseURL  = flag.String("url", "http://localhost:8080", "leaseserver base URL")
		tenant   = flag.String("tenant", "loadtest", "tenant id")
		lockKey  = flag.String("lock", "hotlock", "lock key")
		clients  = flag.Int("clients", 50, "number of concurrent clients")
		duration = flag.Duration("duration", 20*time.Second, "test duration")
		ttl      = flag.Int("ttl", 10, "lease ttl in seconds")
		hold     = flag.Duration("hold", 30*time.Millisecond, "time spent in critical section")
		jitter   = flag.Duration("jitter", 30*time.Millisecond, "extra random sleep while holding")
		failRate = flag.Float64("failrate", 0.03, "probability to sleep past ttl (simulate GC pause / stall)")
	)
	flag.Parse()

	c := leaseclient.New(*baseURL, nil)
	pr := &ProtectedResource{}

	ctx, cancel := context.WithTimeout(context.Background(), *duration)
	defer cancel()

	var (
		acqOK     int64
		acqFail   int64
		writeOK   int64
		writeStale int64
		releaseOK int64
		errCount  int64
	)

	wg := sync.WaitGroup{}
	start := time.Now()

	for i := 0; i < *clients; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			owner := fmt.Sprintf("c-%d", i)
			rng := rand.New(rand.NewSource(int64(i) + time.Now().UnixNano()))

			for ctx.Err() == nil {
				l, err := c.AcquireOnce(ctx, *tenant, *lockKey, owner, *ttl, "")
				if err != nil {
					var apiErr *leaseclient.APIError
					if errors.As(err, &apiErr) && apiErr.Retryable() {
						atomic.AddInt64(&acqFail, 1)
						time.Sleep(20 * time.Millisecond)
						continue
					}
					if ctx.Err() == nil {
						atomic.AddInt64(&errCount, 1)
					}
					continue
				}

				atomic.AddInt64(&acqOK, 1)

				// Failure injection: sometimes stall past the TTL to
				// simulate a lease expiring mid-critical-section.
				if rng.Float64() < *failRate {
					time.Sleep(time.Duration(*ttl)*time.Second + 50*time.Millisecond)
				} else {
					time.Sleep(*hold + time.Duration(rng.Int63n(int64(*jitter)+1)))
				}

				if pr.TryWrite(l.FencingToken) {
					atomic.AddInt64(&writeOK, 1)
				} else {
					atomic.AddInt64(&writeStale, 1)
				}

				// Release may fail if the lease expired meanwhile; fine.
				if _, err := c.Release(ctx, l, ""); err == nil {
					atomic.AddInt64(&releaseOK, 1)
				}

				time.Sleep(5 * time.Millisecond)
			}
		}()
	}

	wg.Wait()
	elapsed := time.Since(start)

	accepted, rejected, last := pr.Stats()

	fmt.Println("=== leaseserver contention test ===")
	fmt.Printf("duration: %s, clients: %d, tenant: %s, lock: %s\n", elapsed, *clients, *tenant, *lockKey)
	fmt.Printf("acquire_success: %d\n", acqOK)
	fmt.Printf("acquire_fail:    %d\n", acqFail)
	fmt.Printf("release_success: %d\n", releaseOK)
	fmt.Printf("writes_ok:       %d\n", writeOK)
	fmt.Printf("writes_stale:    %d\n", writeStale)
	fmt.Printf("writes_accepted: %d\n", accepted)
	fmt.Printf("stale_rejected:  %d\n", rejected)
	fmt.Printf("last_token:      %d\n", last)
	fmt.Printf("errors:          %d\n", errCount)
}
