package lease

import "time"

// Status is the lifecycle state of a lease. RELEASED and EXPIRED are
// terminal; no transition leaves them.
type Status string

const (
	StatusActive   Status = "ACTIVE"
	StatusReleased Status = "RELEASED"
	StatusExpired  Status = "EXPIRED"
)

// Audit actions recorded for every state transition.
const (
	ActionAcquire      = "LEASE_ACQUIRE"
	ActionRenew        = "LEASE_RENEW"
	ActionRelease      = "LEASE_RELEASE"
	ActionExpire       = "LEASE_EXPIRE"
	ActionForceRelease = "FORCE_RELEASE"
)

// Lease is one time-bounded exclusive claim on a lock key. Identity
// fields are immutable after acquire; status/expiry/version mutate.
type Lease struct {
	LeaseID        string     `json:"lease_id"`
	TenantID       string     `json:"tenant_id"`
	LockKey        string     `json:"lock_key"`
	OwnerID        string     `json:"owner_id"`
	Status         Status     `json:"status"`
	AcquiredAt     time.Time  `json:"acquired_at"`
	ExpiresAt      time.Time  `json:"expires_at"`
	LastRenewedAt  *time.Time `json:"last_renewed_at"`
	FencingToken   int64      `json:"fencing_token"`
	IdempotencyKey string     `json:"idempotency_key,omitempty"`
	Version        int64      `json:"version"`
}

// Clone returns a value copy safe to hand to callers. The manager must
// never return a live reference to internal state.
func (l *Lease) Clone() *Lease {
	if l == nil {
		return nil
	}
	c := *l
	if l.LastRenewedAt != nil {
		t := *l.LastRenewedAt
		c.LastRenewedAt = &t
	}
	return &c
}

// LockRecord tracks the current holder of a (tenant, lockKey) pair and
// the high-water fencing token for that key. Created lazily on first
// acquire, never deleted, so the counter persists for the life of the
// system.
type LockRecord struct {
	TenantID            string `json:"tenant_id"`
	LockKey             string `json:"lock_key"`
	ActiveLeaseID       string `json:"active_lease_id,omitempty"`
	CurrentFencingToken int64  `json:"current_fencing_token"`
}

// AuditEntry is one append-only record of a state transition. The core
// never mutates or deletes entries; retention is an external concern.
type AuditEntry struct {
	ID       string    `json:"id"`
	Action   string    `json:"action"`
	TenantID string    `json:"tenant_id"`
	LockKey  string    `json:"lock_key"`
	LeaseID  string    `json:"lease_id"`
	Actor    string    `json:"actor"`
	At       time.Time `json:"at"`
}

// Config bounds lease TTLs. Zero values fall back to defaults.
type Config struct {
	MinTTLSeconds int
	MaxTTLSeconds int
}

const (
	DefaultMinTTLSeconds = 10
	DefaultMaxTTLSeconds = 300
)

func (c Config) withDefaults() Config {
	if c.MinTTLSeconds <= 0 {
		c.MinTTLSeconds = DefaultMinTTLSeconds
	}
	if c.MaxTTLSeconds <= 0 {
		c.MaxTTLSeconds = DefaultMaxTTLSeconds
	}
	return c
}

func (c Config) validateTTL(ttlSeconds int) error {
	if ttlSeconds < c.MinTTLSeconds || ttlSeconds > c.MaxTTLSeconds {
		return errInvalidTTL("ttl_seconds must be an integer in [%d, %d], got %d",
			c.MinTTLSeconds, c.MaxTTLSeconds, ttlSeconds)
	}
	return nil
}

// Clock supplies time so tests can advance it deterministically.
type Clock interface {
	Now() time.Time
}

// SystemClock is the wall-clock implementation used in production.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }
