package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"leaseserver/internal/lease"
	"leaseserver/internal/obs"
)

type Server struct {
	mgr    lease.Manager
	clock  lease.Clock
	logger *obs.Logger
	mux    *http.ServeMux
}

type contextKey string

const requestIDKey contextKey = "req_id"

func withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey, reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

type ServerOption func(*Server)

func WithClock(c lease.Clock) ServerOption {
	return func(s *Server) { s.clock = c }
}

func WithLogger(l *obs.Logger) ServerOption {
	return func(s *Server) { s.logger = l }
}

func NewServer(mgr lease.Manager, opts ...ServerOption) *Server {
	s := &Server{mgr: mgr, clock: lease.SystemClock{}, mux: http.NewServeMux()}
	for _, opt := range opts {
		opt(s)
	}
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	return withRequestID(s.mux)
}

func (s *Server) routes() {
	s.mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	// Simple path parsing keeps the adapter free of router deps.
	s.mux.HandleFunc("/leases/", s.handleLeases)
	s.mux.HandleFunc("/locks/", s.handleLocks)
}

// --- wire shapes ---

// leasePayload is a lease plus the server's current time, so clients
// can reason about expiry without trusting their own clock.
type leasePayload struct {
	LeaseID        string     `json:"lease_id"`
	TenantID       string     `json:"tenant_id"`
	LockKey        string     `json:"lock_key"`
	OwnerID        string     `json:"owner_id"`
	Status         string     `json:"status"`
	AcquiredAt     time.Time  `json:"acquired_at"`
	ExpiresAt      time.Time  `json:"expires_at"`
	LastRenewedAt  *time.Time `json:"last_renewed_at"`
	FencingToken   int64      `json:"fencing_token"`
	IdempotencyKey string     `json:"idempotency_key,omitempty"`
	Version        int64      `json:"version"`
	ServerTime     time.Time  `json:"server_time"`
}

type errorPayload struct {
	Code       string    `json:"code"`
	Message    string    `json:"message"`
	Status     int       `json:"status"`
	ServerTime time.Time `json:"server_time"`
}

func (s *Server) leaseJSON(l *lease.Lease) *leasePayload {
	if l == nil {
		return nil
	}
	return &leasePayload{
		LeaseID:        l.LeaseID,
		TenantID:       l.TenantID,
		LockKey:        l.LockKey,
		OwnerID:        l.OwnerID,
		Status:         string(l.Status),
		AcquiredAt:     l.AcquiredAt,
		ExpiresAt:      l.ExpiresAt,
		LastRenewedAt:  l.LastRenewedAt,
		FencingToken:   l.FencingToken,
		IdempotencyKey: l.IdempotencyKey,
		Version:        l.Version,
		ServerTime:     s.clock.Now(),
	}
}

// --- /leases/... ---

type acquireReq struct {
	TenantID   string `json:"tenant_id"`
	LockKey    string `json:"lock_key"`
	OwnerID    string `json:"owner_id"`
	TTLSeconds int    `json:"ttl_seconds"`
	RequestID  string `json:"request_id,omitempty"`
}

type renewReq struct {
	OwnerID    string `json:"owner_id"`
	TTLSeconds int    `json:"ttl_seconds"`
	RequestID  string `json:"request_id,omitempty"`
}

type releaseReq struct {
	OwnerID   string `json:"owner_id"`
	RequestID string `json:"request_id,omitempty"`
}

func (s *Server) handleLeases(w http.ResponseWriter, r *http.Request) {
	// Expected:
	// POST /leases/acquire
	// POST /leases/{leaseId}/renew
	// POST /leases/{leaseId}/release
	if r.Method != http.MethodPost {
		s.writeErr(w, &lease.Error{Code: lease.CodeInvalidRequest, Message: "method not allowed", Status: http.StatusMethodNotAllowed})
		return
	}

	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/leases/"), "/")
	if path == "acquire" {
		s.handleAcquire(w, r)
		return
	}

	parts := strings.Split(path, "/")
	if len(parts) != 2 {
		s.writeErr(w, &lease.Error{Code: lease.CodeInvalidRequest, Message: "invalid path", Status: http.StatusNotFound})
		return
	}
	leaseID, action := parts[0], parts[1]
	switch action {
	case "renew":
		s.handleRenew(w, r, leaseID)
	case "release":
		s.handleRelease(w, r, leaseID)
	default:
		s.writeErr(w, &lease.Error{Code: lease.CodeInvalidRequest, Message: "unknown action", Status: http.StatusNotFound})
	}
}

func (s *Server) handleAcquire(w http.ResponseWriter, r *http.Request) {
	var req acquireReq
	if err := readJSON(r, &req); err != nil {
		s.writeErr(w, &lease.Error{Code: lease.CodeInvalidRequest, Message: err.Error(), Status: http.StatusBadRequest})
		return
	}

	l, err := s.mgr.Acquire(r.Context(), lease.AcquireRequest{
		TenantID:   req.TenantID,
		LockKey:    req.LockKey,
		OwnerID:    req.OwnerID,
		TTLSeconds: req.TTLSeconds,
		RequestID:  req.RequestID,
	})
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, s.leaseJSON(l))
}

func (s *Server) handleRenew(w http.ResponseWriter, r *http.Request, leaseID string) {
	var req renewReq
	if err := readJSON(r, &req); err != nil {
		s.writeErr(w, &lease.Error{Code: lease.CodeInvalidRequest, Message: err.Error(), Status: http.StatusBadRequest})
		return
	}

	l, err := s.mgr.Renew(r.Context(), lease.RenewRequest{
		LeaseID:    leaseID,
		OwnerID:    req.OwnerID,
		TTLSeconds: req.TTLSeconds,
		RequestID:  req.RequestID,
	})
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.leaseJSON(l))
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request, leaseID string) {
	var req releaseReq
	if err := readJSON(r, &req); err != nil {
		s.writeErr(w, &lease.Error{Code: lease.CodeInvalidRequest, Message: err.Error(), Status: http.StatusBadRequest})
		return
	}

	l, err := s.mgr.Release(r.Context(), lease.ReleaseRequest{
		LeaseID:   leaseID,
		OwnerID:   req.OwnerID,
		RequestID: req.RequestID,
	})
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.leaseJSON(l))
}

// --- /locks/... ---

type lockStatusResp struct {
	HasActiveLease bool          `json:"has_active_lease"`
	ActiveLease    *leasePayload `json:"active_lease"`
}

type forceReleaseReq struct {
	TenantID string `json:"tenant_id"`
	Actor    string `json:"actor"`
}

type forceReleaseResp struct {
	ReleasedLease *leasePayload `json:"released_lease"`
}

func (s *Server) handleLocks(w http.ResponseWriter, r *http.Request) {
	// Expected:
	// GET  /locks/{lockKey}?tenant_id=
	// POST /locks/{lockKey}/force-release
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/locks/"), "/")
	if path == "" {
		s.writeErr(w, &lease.Error{Code: lease.CodeInvalidRequest, Message: "lock_key required", Status: http.StatusBadRequest})
		return
	}

	parts := strings.Split(path, "/")
	lockKey := parts[0]
	action := ""
	if len(parts) > 1 {
		action = parts[1]
	}
	if len(parts) > 2 {
		s.writeErr(w, &lease.Error{Code: lease.CodeInvalidRequest, Message: "invalid path", Status: http.StatusNotFound})
		return
	}

	switch {
	case r.Method == http.MethodGet && action == "":
		s.handleGetLock(w, r, lockKey)
	case r.Method == http.MethodPost && action == "force-release":
		s.handleForceRelease(w, r, lockKey)
	default:
		s.writeErr(w, &lease.Error{Code: lease.CodeInvalidRequest, Message: "method not allowed", Status: http.StatusMethodNotAllowed})
	}
}

func (s *Server) handleGetLock(w http.ResponseWriter, r *http.Request, lockKey string) {
	tenantID := r.URL.Query().Get("tenant_id")

	l, err := s.mgr.GetLock(r.Context(), tenantID, lockKey)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, lockStatusResp{
		HasActiveLease: l != nil,
		ActiveLease:    s.leaseJSON(l),
	})
}

func (s *Server) handleForceRelease(w http.ResponseWriter, r *http.Request, lockKey string) {
	var req forceReleaseReq
	if err := readJSON(r, &req); err != nil {
		s.writeErr(w, &lease.Error{Code: lease.CodeInvalidRequest, Message: err.Error(), Status: http.StatusBadRequest})
		return
	}

	l, err := s.mgr.ForceRelease(r.Context(), req.TenantID, lockKey, req.Actor)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, forceReleaseResp{ReleasedLease: s.leaseJSON(l)})
}

// --- helpers ---

func readJSON(r *http.Request, dst interface{}) error {
	if r.Body == nil {
		return errors.New("missing body")
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeErr maps domain errors to their transport status; anything else
// becomes an opaque 500 so internal state never leaks.
func (s *Server) writeErr(w http.ResponseWriter, err error) {
	var le *lease.Error
	if errors.As(err, &le) {
		writeJSON(w, le.Status, errorPayload{
			Code:       le.Code,
			Message:    le.Message,
			Status:     le.Status,
			ServerTime: s.clock.Now(),
		})
		return
	}
	if s.logger != nil {
		s.logger.Error(map[string]interface{}{"op": "http", "error": err.Error()})
	}
	writeJSON(w, http.StatusInternalServerError, errorPayload{
		Code:       "INTERNAL",
		Message:    "internal error",
		Status:     http.StatusInternalServerError,
		ServerTime: s.clock.Now(),
	})
}
