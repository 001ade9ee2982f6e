// Package sqlite implements the lease.Manager contract over a
// transactional SQLite database, so lease state and fencing counters
// survive process restart. Every read-modify-write runs in one
// immediate transaction (see internal/storage for the _txlock DSN),
// which is what upholds single-holder semantics under concurrent
// access where the in-memory backend relies on its mutex.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"
	"github.com/rs/xid"

	"leaseserver/internal/lease"
	"leaseserver/internal/obs"
)

type Manager struct {
	db      *sql.DB
	cfg     lease.Config
	clock   lease.Clock
	logger  *obs.Logger
	metrics *obs.Metrics
}

type Option func(*Manager)

func WithClock(c lease.Clock) Option {
	return func(m *Manager) { m.clock = c }
}

func WithConfig(cfg lease.Config) Option {
	return func(m *Manager) { m.cfg = cfg }
}

func WithObservability(logger *obs.Logger, metrics *obs.Metrics) Option {
	return func(m *Manager) {
		m.logger = logger
		m.metrics = metrics
	}
}

func NewManager(db *sql.DB, opts ...Option) *Manager {
	m := &Manager{
		db:    db,
		clock: lease.SystemClock{},
		cfg:   lease.Config{},
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.cfg.MinTTLSeconds <= 0 {
		m.cfg.MinTTLSeconds = lease.DefaultMinTTLSeconds
	}
	if m.cfg.MaxTTLSeconds <= 0 {
		m.cfg.MaxTTLSeconds = lease.DefaultMaxTTLSeconds
	}
	return m
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrBusy ||
			se.Code == sqlite3.ErrLocked
	}
	return false
}

// inTx runs fn in one immediate transaction, rolling back fully on any
// error so no partial writes are ever visible. A lock-wait timeout
// surfaces as the retryable BUSY error.
func (m *Manager) inTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	tx, err := m.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return m.mapTxErr(op, err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return m.mapTxErr(op, err)
	}
	if err := tx.Commit(); err != nil {
		return m.mapTxErr(op, err)
	}
	return nil
}

func (m *Manager) mapTxErr(op string, err error) error {
	if isSQLiteBusy(err) {
		if m.metrics != nil {
			m.metrics.DBBusyTotal.WithLabelValues(op).Inc()
		}
		return lease.ErrBusy("transaction lock wait timed out, retry")
	}
	return err
}

func (m *Manager) ttlInvalid(ttlSeconds int) error {
	if ttlSeconds < m.cfg.MinTTLSeconds || ttlSeconds > m.cfg.MaxTTLSeconds {
		return &lease.Error{
			Code:    lease.CodeInvalidTTL,
			Message: fmt.Sprintf("ttl_seconds must be an integer in [%d, %d], got %d", m.cfg.MinTTLSeconds, m.cfg.MaxTTLSeconds, ttlSeconds),
			Status:  400,
		}
	}
	return nil
}

func invalidRequest(msg string) error {
	return &lease.Error{Code: lease.CodeInvalidRequest, Message: msg, Status: 400}
}

func (m *Manager) Acquire(ctx context.Context, req lease.AcquireRequest) (*lease.Lease, error) {
	start := time.Now()
	if req.TenantID == "" || req.LockKey == "" || req.OwnerID == "" {
		m.count("acquire", "invalid")
		return nil, invalidRequest("tenant_id, lock_key and owner_id are required")
	}
	if err := m.ttlInvalid(req.TTLSeconds); err != nil {
		m.count("acquire", "invalid")
		return nil, err
	}

	var out *lease.Lease
	err := m.inTx(ctx, "acquire", func(tx *sql.Tx) error {
		now := m.clock.Now()

		if err := m.lazyExpireKey(ctx, tx, req.TenantID, req.LockKey, now); err != nil {
			return err
		}

		if req.RequestID != "" {
			var priorID string
			err := tx.QueryRowContext(ctx, `
SELECT lease_id FROM idempotency_acquire WHERE tenant_id = ? AND request_id = ?;
`, req.TenantID, req.RequestID).Scan(&priorID)
			if err != nil && !errors.Is(err, sql.ErrNoRows) {
				return err
			}
			if err == nil {
				prior, err := m.loadLease(ctx, tx, priorID)
				if err != nil && !errors.Is(err, sql.ErrNoRows) {
					return err
				}
				if prior != nil && prior.Status == lease.StatusActive && prior.ExpiresAt.After(now) {
					out = prior
					return nil
				}
				// Prior lease died; fall through to a fresh acquire. The
				// idempotency row is overwritten below.
			}
		}

		var activeID sql.NullString
		var curToken int64
		err := tx.QueryRowContext(ctx, `
SELECT active_lease_id, current_fencing_token FROM lock_records
WHERE tenant_id = ? AND lock_key = ?;
`, req.TenantID, req.LockKey).Scan(&activeID, &curToken)
		notFound := errors.Is(err, sql.ErrNoRows)
		if err != nil && !notFound {
			return err
		}

		if !notFound && activeID.Valid && activeID.String != "" {
			holder, err := m.loadLease(ctx, tx, activeID.String)
			if err != nil {
				return err
			}
			return &lease.Error{
				Code:    lease.CodeLockHeld,
				Message: fmt.Sprintf("lock %q is held by owner %q until %s", req.LockKey, holder.OwnerID, holder.ExpiresAt.Format(time.RFC3339)),
				Status:  409,
			}
		}

		if notFound {
			if _, err := tx.ExecContext(ctx, `
INSERT INTO lock_records(tenant_id, lock_key, active_lease_id, current_fencing_token)
VALUES(?, ?, NULL, 0)
ON CONFLICT(tenant_id, lock_key) DO NOTHING;
`, req.TenantID, req.LockKey); err != nil {
				return err
			}
		}

		// Counter read-modify-write stays inside this transaction: it is
		// the single source of truth for the next fencing token.
		if _, err := tx.ExecContext(ctx, `
UPDATE lock_records SET current_fencing_token = current_fencing_token + 1
WHERE tenant_id = ? AND lock_key = ?;
`, req.TenantID, req.LockKey); err != nil {
			return err
		}
		var token int64
		if err := tx.QueryRowContext(ctx, `
SELECT current_fencing_token FROM lock_records WHERE tenant_id = ? AND lock_key = ?;
`, req.TenantID, req.LockKey).Scan(&token); err != nil {
			return err
		}

		l := &lease.Lease{
			LeaseID:        uuid.NewString(),
			TenantID:       req.TenantID,
			LockKey:        req.LockKey,
			OwnerID:        req.OwnerID,
			Status:         lease.StatusActive,
			AcquiredAt:     now,
			ExpiresAt:      now.Add(time.Duration(req.TTLSeconds) * time.Second),
			FencingToken:   token,
			IdempotencyKey: req.RequestID,
			Version:        1,
		}
		if err := m.insertLease(ctx, tx, l); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
UPDATE lock_records SET active_lease_id = ? WHERE tenant_id = ? AND lock_key = ?;
`, l.LeaseID, req.TenantID, req.LockKey); err != nil {
			return err
		}

		if req.RequestID != "" {
			if _, err := tx.ExecContext(ctx, `
INSERT INTO idempotency_acquire(tenant_id, request_id, lease_id) VALUES(?, ?, ?)
ON CONFLICT(tenant_id, request_id) DO UPDATE SET lease_id = excluded.lease_id;
`, req.TenantID, req.RequestID, l.LeaseID); err != nil {
				return err
			}
		}
		if err := m.insertAudit(ctx, tx, lease.ActionAcquire, l, req.OwnerID, now); err != nil {
			return err
		}
		out = l
		return nil
	})
	if err != nil {
		m.count("acquire", resultOf(err))
		m.observe("acquire", start)
		return nil, err
	}
	m.count("acquire", "success")
	m.observe("acquire", start)
	m.logOp("acquire", req.TenantID, req.LockKey, "success", out.LeaseID, out.FencingToken, start)
	return out, nil
}

func (m *Manager) Renew(ctx context.Context, req lease.RenewRequest) (*lease.Lease, error) {
	start := time.Now()
	if req.LeaseID == "" || req.OwnerID == "" {
		m.count("renew", "invalid")
		return nil, invalidRequest("lease_id and owner_id are required")
	}
	if err := m.ttlInvalid(req.TTLSeconds); err != nil {
		m.count("renew", "invalid")
		return nil, err
	}

	var out *lease.Lease
	err := m.inTx(ctx, "renew", func(tx *sql.Tx) error {
		now := m.clock.Now()

		l, err := m.loadLease(ctx, tx, req.LeaseID)
		if errors.Is(err, sql.ErrNoRows) {
			return notFound(req.LeaseID)
		}
		if err != nil {
			return err
		}
		l, err = m.lazyExpireLease(ctx, tx, l, now)
		if err != nil {
			return err
		}

		if req.RequestID != "" {
			prior, err := m.loadIdemSnapshot(ctx, tx, "idempotency_renew", l.TenantID, req.RequestID)
			if err != nil {
				return err
			}
			if prior != nil {
				out = prior
				return nil
			}
		}

		if err := guardMutable(l, req.OwnerID); err != nil {
			return err
		}

		l.ExpiresAt = now.Add(time.Duration(req.TTLSeconds) * time.Second)
		t := now
		l.LastRenewedAt = &t
		l.Version++
		if _, err := tx.ExecContext(ctx, `
UPDATE leases SET expires_at_ns = ?, last_renewed_at_ns = ?, version = ?
WHERE lease_id = ?;
`, l.ExpiresAt.UnixNano(), now.UnixNano(), l.Version, l.LeaseID); err != nil {
			return err
		}

		if req.RequestID != "" {
			if err := m.storeIdemSnapshot(ctx, tx, "idempotency_renew", l.TenantID, req.RequestID, l); err != nil {
				return err
			}
		}
		if err := m.insertAudit(ctx, tx, lease.ActionRenew, l, req.OwnerID, now); err != nil {
			return err
		}
		out = l
		return nil
	})
	if err != nil {
		m.count("renew", resultOf(err))
		m.observe("renew", start)
		return nil, err
	}
	m.count("renew", "success")
	m.observe("renew", start)
	m.logOp("renew", out.TenantID, out.LockKey, "success", out.LeaseID, out.FencingToken, start)
	return out, nil
}

func (m *Manager) Release(ctx context.Context, req lease.ReleaseRequest) (*lease.Lease, error) {
	start := time.Now()
	if req.LeaseID == "" || req.OwnerID == "" {
		m.count("release", "invalid")
		return nil, invalidRequest("lease_id and owner_id are required")
	}

	var out *lease.Lease
	err := m.inTx(ctx, "release", func(tx *sql.Tx) error {
		now := m.clock.Now()

		l, err := m.loadLease(ctx, tx, req.LeaseID)
		if errors.Is(err, sql.ErrNoRows) {
			return notFound(req.LeaseID)
		}
		if err != nil {
			return err
		}
		l, err = m.lazyExpireLease(ctx, tx, l, now)
		if err != nil {
			return err
		}

		if req.RequestID != "" {
			prior, err := m.loadIdemSnapshot(ctx, tx, "idempotency_release", l.TenantID, req.RequestID)
			if err != nil {
				return err
			}
			if prior != nil {
				out = prior
				return nil
			}
		}

		if err := guardMutable(l, req.OwnerID); err != nil {
			return err
		}

		l.Status = lease.StatusReleased
		l.Version++
		if _, err := tx.ExecContext(ctx, `
UPDATE leases SET status = ?, version = ? WHERE lease_id = ?;
`, string(l.Status), l.Version, l.LeaseID); err != nil {
			return err
		}
		if err := m.clearActivePointer(ctx, tx, l); err != nil {
			return err
		}

		if req.RequestID != "" {
			if err := m.storeIdemSnapshot(ctx, tx, "idempotency_release", l.TenantID, req.RequestID, l); err != nil {
				return err
			}
		}
		if err := m.insertAudit(ctx, tx, lease.ActionRelease, l, req.OwnerID, now); err != nil {
			return err
		}
		out = l
		return nil
	})
	if err != nil {
		m.count("release", resultOf(err))
		m.observe("release", start)
		return nil, err
	}
	m.count("release", "success")
	m.observe("release", start)
	m.logOp("release", out.TenantID, out.LockKey, "success", out.LeaseID, out.FencingToken, start)
	return out, nil
}

func (m *Manager) GetLock(ctx context.Context, tenantID, lockKey string) (*lease.Lease, error) {
	if tenantID == "" || lockKey == "" {
		return nil, invalidRequest("tenant_id and lock_key are required")
	}

	var out *lease.Lease
	err := m.inTx(ctx, "get_lock", func(tx *sql.Tx) error {
		now := m.clock.Now()
		if err := m.lazyExpireKey(ctx, tx, tenantID, lockKey, now); err != nil {
			return err
		}

		var activeID sql.NullString
		err := tx.QueryRowContext(ctx, `
SELECT active_lease_id FROM lock_records WHERE tenant_id = ? AND lock_key = ?;
`, tenantID, lockKey).Scan(&activeID)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		if !activeID.Valid || activeID.String == "" {
			return nil
		}
		l, err := m.loadLease(ctx, tx, activeID.String)
		if err != nil {
			return err
		}
		out = l
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (m *Manager) ForceRelease(ctx context.Context, tenantID, lockKey, actor string) (*lease.Lease, error) {
	start := time.Now()
	if tenantID == "" || lockKey == "" || actor == "" {
		return nil, invalidRequest("tenant_id, lock_key and actor are required")
	}

	var out *lease.Lease
	err := m.inTx(ctx, "force_release", func(tx *sql.Tx) error {
		now := m.clock.Now()
		if err := m.lazyExpireKey(ctx, tx, tenantID, lockKey, now); err != nil {
			return err
		}

		var activeID sql.NullString
		err := tx.QueryRowContext(ctx, `
SELECT active_lease_id FROM lock_records WHERE tenant_id = ? AND lock_key = ?;
`, tenantID, lockKey).Scan(&activeID)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		if !activeID.Valid || activeID.String == "" {
			return nil
		}

		l, err := m.loadLease(ctx, tx, activeID.String)
		if err != nil {
			return err
		}
		l.Status = lease.StatusReleased
		l.Version++
		if _, err := tx.ExecContext(ctx, `
UPDATE leases SET status = ?, version = ? WHERE lease_id = ?;
`, string(l.Status), l.Version, l.LeaseID); err != nil {
			return err
		}
		if err := m.clearActivePointer(ctx, tx, l); err != nil {
			return err
		}
		if err := m.insertAudit(ctx, tx, lease.ActionForceRelease, l, actor, now); err != nil {
			return err
		}
		out = l
		return nil
	})
	if err != nil {
		return nil, err
	}
	if out != nil {
		m.logOp("force_release", tenantID, lockKey, "success", out.LeaseID, out.FencingToken, start)
	}
	return out, nil
}

func (m *Manager) ExpireLeases(ctx context.Context) (int, error) {
	expired := 0
	err := m.inTx(ctx, "sweep", func(tx *sql.Tx) error {
		now := m.clock.Now()

		rows, err := tx.QueryContext(ctx, `
SELECT lease_id FROM leases WHERE status = ? AND expires_at_ns <= ?;
`, string(lease.StatusActive), now.UnixNano())
		if err != nil {
			return err
		}
		var ids []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return err
			}
			ids = append(ids, id)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return err
		}
		rows.Close()

		for _, id := range ids {
			l, err := m.loadLease(ctx, tx, id)
			if err != nil {
				return err
			}
			if _, err := m.expireLease(ctx, tx, l, now); err != nil {
				return err
			}
			expired++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if expired > 0 && m.metrics != nil {
		m.metrics.ExpiredTotal.Add(float64(expired))
	}
	return expired, nil
}

func (m *Manager) DebugState(ctx context.Context) (*lease.State, error) {
	st := &lease.State{
		IdempotencyAcquire: make(map[string]string),
		IdempotencyRenew:   make(map[string]*lease.Lease),
		IdempotencyRelease: make(map[string]*lease.Lease),
	}

	err := m.inTx(ctx, "debug_state", func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
SELECT lease_id, tenant_id, lock_key, owner_id, status, acquired_at_ns, expires_at_ns,
       last_renewed_at_ns, fencing_token, idempotency_key, version
FROM leases ORDER BY lease_id;
`)
		if err != nil {
			return err
		}
		for rows.Next() {
			l, err := scanLease(rows)
			if err != nil {
				rows.Close()
				return err
			}
			st.Leases = append(st.Leases, l)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return err
		}
		rows.Close()

		rows, err = tx.QueryContext(ctx, `
SELECT tenant_id, lock_key, active_lease_id, current_fencing_token
FROM lock_records ORDER BY tenant_id, lock_key;
`)
		if err != nil {
			return err
		}
		for rows.Next() {
			var rec lease.LockRecord
			var activeID sql.NullString
			if err := rows.Scan(&rec.TenantID, &rec.LockKey, &activeID, &rec.CurrentFencingToken); err != nil {
				rows.Close()
				return err
			}
			rec.ActiveLeaseID = activeID.String
			st.LockRecords = append(st.LockRecords, &rec)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return err
		}
		rows.Close()

		rows, err = tx.QueryContext(ctx, `SELECT tenant_id, request_id, lease_id FROM idempotency_acquire;`)
		if err != nil {
			return err
		}
		for rows.Next() {
			var tenantID, requestID, leaseID string
			if err := rows.Scan(&tenantID, &requestID, &leaseID); err != nil {
				rows.Close()
				return err
			}
			st.IdempotencyAcquire[lease.IdemKey(tenantID, requestID)] = leaseID
		}
		rows.Close()

		for _, table := range []struct {
			name string
			dst  map[string]*lease.Lease
		}{
			{"idempotency_renew", st.IdempotencyRenew},
			{"idempotency_release", st.IdempotencyRelease},
		} {
			rows, err = tx.QueryContext(ctx, `SELECT tenant_id, request_id, lease_json FROM `+table.name+`;`)
			if err != nil {
				return err
			}
			for rows.Next() {
				var tenantID, requestID, blob string
				if err := rows.Scan(&tenantID, &requestID, &blob); err != nil {
					rows.Close()
					return err
				}
				var l lease.Lease
				if err := json.Unmarshal([]byte(blob), &l); err != nil {
					rows.Close()
					return fmt.Errorf("decode %s snapshot: %w", table.name, err)
				}
				table.dst[lease.IdemKey(tenantID, requestID)] = &l
			}
			rows.Close()
		}

		rows, err = tx.QueryContext(ctx, `
SELECT id, action, tenant_id, lock_key, lease_id, actor, at_ns FROM audit_log ORDER BY at_ns, id;
`)
		if err != nil {
			return err
		}
		for rows.Next() {
			var e lease.AuditEntry
			var atNs int64
			if err := rows.Scan(&e.ID, &e.Action, &e.TenantID, &e.LockKey, &e.LeaseID, &e.Actor, &atNs); err != nil {
				rows.Close()
				return err
			}
			e.At = time.Unix(0, atNs).UTC()
			st.AuditLogs = append(st.AuditLogs, e)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return err
		}
		rows.Close()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return st, nil
}

// --- row helpers ---

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLease(r rowScanner) (*lease.Lease, error) {
	var l lease.Lease
	var status string
	var acquiredNs, expiresNs int64
	var renewedNs sql.NullInt64
	if err := r.Scan(&l.LeaseID, &l.TenantID, &l.LockKey, &l.OwnerID, &status,
		&acquiredNs, &expiresNs, &renewedNs, &l.FencingToken, &l.IdempotencyKey, &l.Version); err != nil {
		return nil, err
	}
	l.Status = lease.Status(status)
	l.AcquiredAt = time.Unix(0, acquiredNs).UTC()
	l.ExpiresAt = time.Unix(0, expiresNs).UTC()
	if renewedNs.Valid {
		t := time.Unix(0, renewedNs.Int64).UTC()
		l.LastRenewedAt = &t
	}
	return &l, nil
}

func (m *Manager) loadLease(ctx context.Context, tx *sql.Tx, leaseID string) (*lease.Lease, error) {
	row := tx.QueryRowContext(ctx, `
SELECT lease_id, tenant_id, lock_key, owner_id, status, acquired_at_ns, expires_at_ns,
       last_renewed_at_ns, fencing_token, idempotency_key, version
FROM leases WHERE lease_id = ?;
`, leaseID)
	return scanLease(row)
}

func (m *Manager) insertLease(ctx context.Context, tx *sql.Tx, l *lease.Lease) error {
	var renewedNs any
	if l.LastRenewedAt != nil {
		renewedNs = l.LastRenewedAt.UnixNano()
	}
	_, err := tx.ExecContext(ctx, `
INSERT INTO leases(lease_id, tenant_id, lock_key, owner_id, status, acquired_at_ns,
  expires_at_ns, last_renewed_at_ns, fencing_token, idempotency_key, version)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
`, l.LeaseID, l.TenantID, l.LockKey, l.OwnerID, string(l.Status), l.AcquiredAt.UnixNano(),
		l.ExpiresAt.UnixNano(), renewedNs, l.FencingToken, l.IdempotencyKey, l.Version)
	return err
}

// lazyExpireKey processes an expired holder of (tenantID, lockKey), if
// any, inside the caller's transaction.
func (m *Manager) lazyExpireKey(ctx context.Context, tx *sql.Tx, tenantID, lockKey string, now time.Time) error {
	var activeID sql.NullString
	err := tx.QueryRowContext(ctx, `
SELECT active_lease_id FROM lock_records WHERE tenant_id = ? AND lock_key = ?;
`, tenantID, lockKey).Scan(&activeID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return err
	}
	if !activeID.Valid || activeID.String == "" {
		return nil
	}
	l, err := m.loadLease(ctx, tx, activeID.String)
	if err != nil {
		return err
	}
	if l.Status == lease.StatusActive && !l.ExpiresAt.After(now) {
		if _, err := m.expireLease(ctx, tx, l, now); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) lazyExpireLease(ctx context.Context, tx *sql.Tx, l *lease.Lease, now time.Time) (*lease.Lease, error) {
	if l.Status == lease.StatusActive && !l.ExpiresAt.After(now) {
		return m.expireLease(ctx, tx, l, now)
	}
	return l, nil
}

func (m *Manager) expireLease(ctx context.Context, tx *sql.Tx, l *lease.Lease, now time.Time) (*lease.Lease, error) {
	l.Status = lease.StatusExpired
	l.Version++
	if _, err := tx.ExecContext(ctx, `
UPDATE leases SET status = ?, version = ? WHERE lease_id = ?;
`, string(l.Status), l.Version, l.LeaseID); err != nil {
		return nil, err
	}
	if err := m.clearActivePointer(ctx, tx, l); err != nil {
		return nil, err
	}
	if err := m.insertAudit(ctx, tx, lease.ActionExpire, l, "system", now); err != nil {
		return nil, err
	}
	return l, nil
}

func (m *Manager) clearActivePointer(ctx context.Context, tx *sql.Tx, l *lease.Lease) error {
	_, err := tx.ExecContext(ctx, `
UPDATE lock_records SET active_lease_id = NULL
WHERE tenant_id = ? AND lock_key = ? AND active_lease_id = ?;
`, l.TenantID, l.LockKey, l.LeaseID)
	return err
}

func (m *Manager) insertAudit(ctx context.Context, tx *sql.Tx, action string, l *lease.Lease, actor string, at time.Time) error {
	_, err := tx.ExecContext(ctx, `
INSERT INTO audit_log(id, action, tenant_id, lock_key, lease_id, actor, at_ns)
VALUES(?, ?, ?, ?, ?, ?, ?);
`, xid.New().String(), action, l.TenantID, l.LockKey, l.LeaseID, actor, at.UnixNano())
	return err
}

func (m *Manager) loadIdemSnapshot(ctx context.Context, tx *sql.Tx, table, tenantID, requestID string) (*lease.Lease, error) {
	var blob string
	err := tx.QueryRowContext(ctx, `
SELECT lease_json FROM `+table+` WHERE tenant_id = ? AND request_id = ?;
`, tenantID, requestID).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var l lease.Lease
	if err := json.Unmarshal([]byte(blob), &l); err != nil {
		return nil, fmt.Errorf("decode %s snapshot: %w", table, err)
	}
	return &l, nil
}

func (m *Manager) storeIdemSnapshot(ctx context.Context, tx *sql.Tx, table, tenantID, requestID string, l *lease.Lease) error {
	blob, err := json.Marshal(l)
	if err != nil {
		return fmt.Errorf("encode %s snapshot: %w", table, err)
	}
	_, err = tx.ExecContext(ctx, `
INSERT INTO `+table+`(tenant_id, request_id, lease_json) VALUES(?, ?, ?)
ON CONFLICT(tenant_id, request_id) DO NOTHING;
`, tenantID, requestID, string(blob))
	return err
}

func notFound(leaseID string) error {
	return &lease.Error{
		Code:    lease.CodeLeaseNotFound,
		Message: fmt.Sprintf("lease %q not found", leaseID),
		Status:  404,
	}
}

func guardMutable(l *lease.Lease, ownerID string) error {
	switch l.Status {
	case lease.StatusExpired:
		return &lease.Error{
			Code:    lease.CodeLeaseExpired,
			Message: fmt.Sprintf("lease %q expired at %s", l.LeaseID, l.ExpiresAt.Format(time.RFC3339)),
			Status:  409,
		}
	case lease.StatusReleased:
		return &lease.Error{
			Code:    lease.CodeLeaseNotActive,
			Message: fmt.Sprintf("lease %q is not active", l.LeaseID),
			Status:  409,
		}
	}
	if l.OwnerID != ownerID {
		return &lease.Error{
			Code:    lease.CodeOwnerMismatch,
			Message: fmt.Sprintf("lease %q is owned by a different owner", l.LeaseID),
			Status:  409,
		}
	}
	return nil
}

func resultOf(err error) string {
	var le *lease.Error
	if errors.As(err, &le) {
		switch le.Code {
		case lease.CodeLockHeld:
			return "held"
		case lease.CodeBusy:
			return "busy"
		case lease.CodeLeaseNotFound:
			return "not_found"
		case lease.CodeInvalidTTL, lease.CodeInvalidRequest:
			return "invalid"
		default:
			return "rejected"
		}
	}
	return "error"
}

// --- observability helpers ---

func (m *Manager) count(op, result string) {
	if m.metrics != nil {
		m.metrics.Op(op, result)
	}
}

func (m *Manager) observe(op string, start time.Time) {
	if m.metrics != nil {
		m.metrics.OpLatencyMS.WithLabelValues(op).Observe(float64(time.Since(start).Milliseconds()))
	}
}

func (m *Manager) logOp(op, tenantID, lockKey, outcome, leaseID string, token int64, start time.Time) {
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
