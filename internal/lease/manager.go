package lease

import "context"

// AcquireRequest asks for an exclusive lease on (TenantID, LockKey).
// RequestID, when set, makes the call safe to retry.
type AcquireRequest struct {
	TenantID   string
	LockKey    string
	OwnerID    string
	TTLSeconds int
	RequestID  string
}

type RenewRequest struct {
	LeaseID    string
	OwnerID    string
	TTLSeconds int
	RequestID  string
}

type ReleaseRequest struct {
	LeaseID   string
	OwnerID   string
	RequestID string
}

// State is the full exportable state of a manager: every lease and lock
// record, the three idempotency tables, and the audit log. Used by
// DebugState and by snapshot persistence. Idempotency maps are keyed by
// the joined (tenantID, requestID) pair.
type State struct {
	Leases             []*Lease          `json:"leases"`
	LockRecords        []*LockRecord     `json:"lockRecords"`
	IdempotencyAcquire map[string]string `json:"idempotencyAcquire"`
	IdempotencyRenew   map[string]*Lease `json:"idempotencyRenew"`
	IdempotencyRelease map[string]*Lease `json:"idempotencyRelease"`
	AuditLogs          []AuditEntry      `json:"auditLogs"`
}

// Manager is the lease state machine contract shared by the in-memory
// and SQLite backends. All returned leases are defensive copies.
type Manager interface {
	// Acquire grants a new ACTIVE lease, or replays a prior result for a
	// repeated RequestID, or fails LOCK_HELD while the key is taken.
	Acquire(ctx context.Context, req AcquireRequest) (*Lease, error)

	// Renew extends the expiry of an ACTIVE lease owned by OwnerID.
	Renew(ctx context.Context, req RenewRequest) (*Lease, error)

	// Release transitions an ACTIVE lease owned by OwnerID to RELEASED
	// and frees the lock key.
	Release(ctx context.Context, req ReleaseRequest) (*Lease, error)

	// GetLock returns the current ACTIVE lease for the key, or nil if
	// the key is free. Read-only; expired leases are processed lazily.
	GetLock(ctx context.Context, tenantID, lockKey string) (*Lease, error)

	// ForceRelease is the administrative override: releases whatever
	// lease holds the key regardless of owner. Returns nil if the key
	// was free.
	ForceRelease(ctx context.Context, tenantID, lockKey, actor string) (*Lease, error)

	// ExpireLeases sweeps every ACTIVE lease past its expiry, returning
	// the number transitioned. Idempotent: already-EXPIRED leases are
	// skipped.
	ExpireLeases(ctx context.Context) (int, error)

	// DebugState dumps a copy of the full state for verification.
	DebugState(ctx context.Context) (*State, error)
}

// IdemKey joins tenant and request id into one map key for State's
// idempotency tables. The unit separator cannot collide with either
// part; tenants are validated non-empty.
func IdemKey(tenantID, requestID string) string {
	return tenantID + "\x1f" + requestID
}
