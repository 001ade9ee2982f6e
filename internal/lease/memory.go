package lease

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/xid"

	"leaseserver/internal/obs"
)

type lockID struct {
	tenantID string
	lockKey  string
}

// MemoryManager is the reference Manager implementation over
// process-local maps. One mutex guards all state, so each public method
// is atomic with respect to other calls on the same instance.
type MemoryManager struct {
	mu sync.Mutex

	cfg     Config
	clock   Clock
	logger  *obs.Logger
	metrics *obs.Metrics

	leases      map[string]*Lease
	locks       map[lockID]*LockRecord
	idemAcquire map[string]string // idemKey -> lease id
	idemRenew   map[string]*Lease // idemKey -> snapshot at renew time
	idemRelease map[string]*Lease // idemKey -> snapshot at release time
	audit       []AuditEntry
}

// MemoryOption configures a MemoryManager.
type MemoryOption func(*MemoryManager)

func WithClock(c Clock) MemoryOption {
	return func(m *MemoryManager) { m.clock = c }
}

func WithConfig(cfg Config) MemoryOption {
	return func(m *MemoryManager) { m.cfg = cfg }
}

func WithObservability(logger *obs.Logger, metrics *obs.Metrics) MemoryOption {
	return func(m *MemoryManager) {
		m.logger = logger
		m.metrics = metrics
	}
}

func NewMemoryManager(opts ...MemoryOption) *MemoryManager {
	m := &MemoryManager{
		clock:       SystemClock{},
		leases:      make(map[string]*Lease),
		locks:       make(map[lockID]*LockRecord),
		idemAcquire: make(map[string]string),
		idemRenew:   make(map[string]*Lease),
		idemRelease: make(map[string]*Lease),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.cfg = m.cfg.withDefaults()
	return m
}

func (m *MemoryManager) Acquire(ctx context.Context, req AcquireRequest) (*Lease, error) {
	start := time.Now()
	if req.TenantID == "" || req.LockKey == "" || req.OwnerID == "" {
		m.count("acquire", "invalid")
		return nil, errInvalidRequest("tenant_id, lock_key and owner_id are required")
	}
	if err := m.cfg.validateTTL(req.TTLSeconds); err != nil {
		m.count("acquire", "invalid")
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	id := lockID{req.TenantID, req.LockKey}
	rec := m.locks[id]
	m.lazyExpireLocked(rec, now)

	// Idempotent replay: valid only while the original lease is still
	// ACTIVE and unexpired; otherwise fall through to a fresh acquire.
	if req.RequestID != "" {
		if priorID, ok := m.idemAcquire[IdemKey(req.TenantID, req.RequestID)]; ok {
			if prior := m.leases[priorID]; prior != nil &&
				prior.Status == StatusActive && prior.ExpiresAt.After(now) {
				m.count("acquire", "replay")
				m.observe("acquire", start)
				m.logOp("acquire", req.TenantID, req.LockKey, "replay", prior.LeaseID, prior.FencingToken, start)
				return prior.Clone(), nil
			}
		}
	}

	if rec != nil && rec.ActiveLeaseID != "" {
		holder := m.leases[rec.ActiveLeaseID]
		m.count("acquire", "held")
		m.observe("acquire", start)
		m.logOp("acquire", req.TenantID, req.LockKey, "held", rec.ActiveLeaseID, 0, start)
		return nil, errLockHeld("lock %q is held by owner %q until %s",
			req.LockKey, holder.OwnerID, holder.ExpiresAt.Format(time.RFC3339))
	}

	if rec == nil {
		rec = &LockRecord{TenantID: req.TenantID, LockKey: req.LockKey}
		m.locks[id] = rec
	}

	token := rec.CurrentFencingToken + 1
	l := &Lease{
		LeaseID:        uuid.NewString(),
		TenantID:       req.TenantID,
		LockKey:        req.LockKey,
		OwnerID:        req.OwnerID,
		Status:         StatusActive,
		AcquiredAt:     now,
		ExpiresAt:      now.Add(time.Duration(req.TTLSeconds) * time.Second),
		FencingToken:   token,
		IdempotencyKey: req.RequestID,
		Version:        1,
	}
	m.leases[l.LeaseID] = l
	rec.ActiveLeaseID = l.LeaseID
	rec.CurrentFencingToken = token

	if req.RequestID != "" {
		m.idemAcquire[IdemKey(req.TenantID, req.RequestID)] = l.LeaseID
	}
	m.appendAuditLocked(ActionAcquire, l, req.OwnerID, now)

	m.count("acquire", "success")
	m.observe("acquire", start)
	m.setActiveGaugeLocked()
	m.logOp("acquire", req.TenantID, req.LockKey, "success", l.LeaseID, token, start)
	return l.Clone(), nil
}

func (m *MemoryManager) Renew(ctx context.Context, req RenewRequest) (*Lease, error) {
	start := time.Now()
	if req.LeaseID == "" || req.OwnerID == "" {
		m.count("renew", "invalid")
		return nil, errInvalidRequest("lease_id and owner_id are required")
	}
	if err := m.cfg.validateTTL(req.TTLSeconds); err != nil {
		m.count("renew", "invalid")
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	l := m.leases[req.LeaseID]
	if l == nil {
		m.count("renew", "not_found")
		return nil, errLeaseNotFound("lease %q not found", req.LeaseID)
	}
	m.lazyExpireLeaseLocked(l, now)

	if req.RequestID != "" {
		if prior, ok := m.idemRenew[IdemKey(l.TenantID, req.RequestID)]; ok {
			m.count("renew", "replay")
			m.observe("renew", start)
			return prior.Clone(), nil
		}
	}

	if err := guardMutable(l, req.OwnerID); err != nil {
		m.count("renew", "rejected")
		m.observe("renew", start)
		m.logOp("renew", l.TenantID, l.LockKey, "rejected", l.LeaseID, l.FencingToken, start)
		return nil, err
	}

	l.ExpiresAt = now.Add(time.Duration(req.TTLSeconds) * time.Second)
	t := now
	l.LastRenewedAt = &t
	l.Version++

	if req.RequestID != "" {
		m.idemRenew[IdemKey(l.TenantID, req.RequestID)] = l.Clone()
	}
	m.appendAuditLocked(ActionRenew, l, req.OwnerID, now)

	m.count("renew", "success")
	m.observe("renew", start)
	m.logOp("renew", l.TenantID, l.LockKey, "success", l.LeaseID, l.FencingToken, start)
	return l.Clone(), nil
}

func (m *MemoryManager) Release(ctx context.Context, req ReleaseRequest) (*Lease, error) {
	start := time.Now()
	if req.LeaseID == "" || req.OwnerID == "" {
		m.count("release", "invalid")
		return nil, errInvalidRequest("lease_id and owner_id are required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	l := m.leases[req.LeaseID]
	if l == nil {
		m.count("release", "not_found")
		return nil, errLeaseNotFound("lease %q not found", req.LeaseID)
	}
	m.lazyExpireLeaseLocked(l, now)

	// A repeated release with the same request id returns the original
	// RELEASED snapshot instead of LEASE_NOT_ACTIVE.
	if req.RequestID != "" {
		if prior, ok := m.idemRelease[IdemKey(l.TenantID, req.RequestID)]; ok {
			m.count("release", "replay")
			m.observe("release", start)
			return prior.Clone(), nil
		}
	}

	if err := guardMutable(l, req.OwnerID); err != nil {
		m.count("release", "rejected")
		m.observe("release", start)
		m.logOp("release", l.TenantID, l.LockKey, "rejected", l.LeaseID, l.FencingToken, start)
		return nil, err
	}

	l.Status = StatusReleased
	l.Version++
	m.clearActivePointerLocked(l)

	if req.RequestID != "" {
		m.idemRelease[IdemKey(l.TenantID, req.RequestID)] = l.Clone()
	}
	m.appendAuditLocked(ActionRelease, l, req.OwnerID, now)

	m.count("release", "success")
	m.observe("release", start)
	m.setActiveGaugeLocked()
	m.logOp("release", l.TenantID, l.LockKey, "success", l.LeaseID, l.FencingToken, start)
	return l.Clone(), nil
}

func (m *MemoryManager) GetLock(ctx context.Context, tenantID, lockKey string) (*Lease, error) {
	if tenantID == "" || lockKey == "" {
		return nil, errInvalidRequest("tenant_id and lock_key are required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	rec := m.locks[lockID{tenantID, lockKey}]
	m.lazyExpireLocked(rec, now)
	if rec == nil || rec.ActiveLeaseID == "" {
		return nil, nil
	}
	return m.leases[rec.ActiveLeaseID].Clone(), nil
}

func (m *MemoryManager) ForceRelease(ctx context.Context, tenantID, lockKey, actor string) (*Lease, error) {
	start := time.Now()
	if tenantID == "" || lockKey == "" || actor == "" {
		return nil, errInvalidRequest("tenant_id, lock_key and actor are required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	rec := m.locks[lockID{tenantID, lockKey}]
	m.lazyExpireLocked(rec, now)
	if rec == nil || rec.ActiveLeaseID == "" {
		return nil, nil
	}

	l := m.leases[rec.ActiveLeaseID]
	l.Status = StatusReleased
	l.Version++
	rec.ActiveLeaseID = ""
	m.appendAuditLocked(ActionForceRelease, l, actor, now)

	m.setActiveGaugeLocked()
	m.logOp("force_release", tenantID, lockKey, "success", l.LeaseID, l.FencingToken, start)
	return l.Clone(), nil
}

func (m *MemoryManager) ExpireLeases(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	expired := 0
	for _, l := range m.leases {
		if l.Status != StatusActive || l.ExpiresAt.After(now) {
			continue
		}
		m.expireLeaseLocked(l, now)
		expired++
	}
	if expired > 0 && m.metrics != nil {
		m.metrics.ExpiredTotal.Add(float64(expired))
	}
	m.setActiveGaugeLocked()
	return expired, nil
}

func (m *MemoryManager) DebugState(ctx context.Context) (*State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.exportStateLocked(), nil
}

// --- internals (callers hold m.mu) ---

// lazyExpireLocked processes an expired holder of rec, if any, before
// the caller evaluates contention. This is what makes expiry
// self-healing without an external sweeper.
func (m *MemoryManager) lazyExpireLocked(rec *LockRecord, now time.Time) {
	if rec == nil || rec.ActiveLeaseID == "" {
		return
	}
	l := m.leases[rec.ActiveLeaseID]
	if l != nil && l.Status == StatusActive && !l.ExpiresAt.After(now) {
		m.expireLeaseLocked(l, now)
	}
}

func (m *MemoryManager) lazyExpireLeaseLocked(l *Lease, now time.Time) {
	if l.Status == StatusActive && !l.ExpiresAt.After(now) {
		m.expireLeaseLocked(l, now)
	}
}

func (m *MemoryManager) expireLeaseLocked(l *Lease, now time.Time) {
	l.Status = StatusExpired
	l.Version++
	m.clearActivePointerLocked(l)
	m.appendAuditLocked(ActionExpire, l, "system", now)
}

func (m *MemoryManager) clearActivePointerLocked(l *Lease) {
	rec := m.locks[lockID{l.TenantID, l.LockKey}]
	if rec != nil && rec.ActiveLeaseID == l.LeaseID {
		rec.ActiveLeaseID = ""
	}
}

func (m *MemoryManager) appendAuditLocked(action string, l *Lease, actor string, at time.Time) {
	m.audit = append(m.audit, AuditEntry{
		ID:       xid.New().String(),
		Action:   action,
		TenantID: l.TenantID,
		LockKey:  l.LockKey,
		LeaseID:  l.LeaseID,
		Actor:    actor,
		At:       at,
	})
}

// guardMutable asserts a lease may be renewed/released by ownerID.
func guardMutable(l *Lease, ownerID string) error {
	switch l.Status {
	case StatusExpired:
		return errLeaseExpired("lease %q expired at %s", l.LeaseID, l.ExpiresAt.Format(time.RFC3339))
	case StatusReleased:
		return errLeaseNotActive("lease %q is not active", l.LeaseID)
	}
	if l.OwnerID != ownerID {
		return errOwnerMismatch("lease %q is owned by a different owner", l.LeaseID)
	}
	return nil
}

func (m *MemoryManager) exportStateLocked() *State {
	st := &State{
		Leases:             make([]*Lease, 0, len(m.leases)),
		LockRecords:        make([]*LockRecord, 0, len(m.locks)),
		IdempotencyAcquire: make(map[string]string, len(m.idemAcquire)),
		IdempotencyRenew:   make(map[string]*Lease, len(m.idemRenew)),
		IdempotencyRelease: make(map[string]*Lease, len(m.idemRelease)),
		AuditLogs:          make([]AuditEntry, len(m.audit)),
	}
	for _, l := range m.leases {
		st.Leases = append(st.Leases, l.Clone())
	}
	sort.Slice(st.Leases, func(i, j int) bool { return st.Leases[i].LeaseID < st.Leases[j].LeaseID })
	for _, rec := range m.locks {
		c := *rec
		st.LockRecords = append(st.LockRecords, &c)
	}
	sort.Slice(st.LockRecords, func(i, j int) bool {
		a, b := st.LockRecords[i], st.LockRecords[j]
		if a.TenantID != b.TenantID {
			return a.TenantID < b.TenantID
		}
		return a.LockKey < b.LockKey
	})
	for k, v := range m.idemAcquire {
		st.IdempotencyAcquire[k] = v
	}
	for k, v := range m.idemRenew {
		st.IdempotencyRenew[k] = v.Clone()
	}
	for k, v := range m.idemRelease {
		st.IdempotencyRelease[k] = v.Clone()
	}
	copy(st.AuditLogs, m.audit)
	return st
}

// importState seeds a fresh manager from a snapshot. Fencing counters
// resume from their persisted values.
func (m *MemoryManager) importState(st *State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, l := range st.Leases {
		m.leases[l.LeaseID] = l.Clone()
	}
	for _, rec := range st.LockRecords {
		c := *rec
		m.locks[lockID{rec.TenantID, rec.LockKey}] = &c
	}
	for k, v := range st.IdempotencyAcquire {
		m.idemAcquire[k] = v
	}
	for k, v := range st.IdempotencyRenew {
		m.idemRenew[k] = v.Clone()
	}
	for k, v := range st.IdempotencyRelease {
		m.idemRelease[k] = v.Clone()
	}
	m.audit = append(m.audit, st.AuditLogs...)
}

// --- observability helpers (nil-tolerant, like the rest of the repo) ---

func (m *MemoryManager) count(op, result string) {
	if m.metrics != nil {
		m.metrics.Op(op, result)
	}
}

func (m *MemoryManager) observe(op string, start time.Time) {
	if m.metrics != nil {
		m.metrics.OpLatencyMS.WithLabelValues(op).Observe(float64(time.Since(start).Milliseconds()))
	}
}

func (m *MemoryManager) setActiveGaugeLocked() {
	if m.metrics == nil {
		return
	}
	active := 0
	for _, l := range m.leases {
		if l.Status == StatusActive {
			active++
		}
	}
	m.metrics.ActiveLeases.Set(float64(active))
}

func (m *MemoryManager) logOp(op, tenantID, lockKey, outcome, leaseID string, token int64, start time.Time) {
	if m.logger == nil {
		return
	}
	m.logger.Info(map[string]interface{}{
		"op":         op,
		"tenant":     tenantID,
		"lock":       lockKey,
		"outcome":    outcome,
		"lease_id":   leaseID,
		"token":      token,
		"latency_ms": time.Since(start).Milliseconds(),
	})
}
