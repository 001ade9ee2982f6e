package leaseclient

import "time"

// Lease is what the SDK returns on successful acquire/renew/release.
// Consumers pass it back to Renew/Release and carry FencingToken to
// downstream writes.
type Lease struct {
	LeaseID       string
	TenantID      string
	LockKey       string
	OwnerID       string
	Status        string
	AcquiredAt    time.Time
	ExpiresAt     time.Time
	LastRenewedAt *time.Time
	FencingToken  int64
	Version       int64
	ServerTime    time.Time
}

// AcquireOptions controls retry behavior and TTL.
type AcquireOptions struct {
	TTLSeconds   int           // required
	RequestID    string        // optional idempotency key, reused across retries
	MaxRetries   int           // bounded retry; 0 => default
	MaxTotalWait time.Duration // optional global cap; 0 => no cap
	MinRetry     time.Duration // default 25ms
	MaxRetry     time.Duration // default 1s
	JitterFrac   float64       // default 0.2 (20%)
}

// HeartbeatOptions controls the renew loop.
type HeartbeatOptions struct {
	Interval   time.Duration // required; typically TTL/3
	TTLSeconds int           // extension applied on each renew
}
