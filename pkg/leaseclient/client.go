package leaseclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"time"
)

type Client struct {
	baseURL string
	http    *http.Client
	rng     *rand.Rand
}

func New(baseURL string, hc *http.Client) *Client {
	baseURL = strings.TrimRight(baseURL, "/")
	if hc == nil {
		hc = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{
		baseURL: baseURL,
		http:    hc,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// ---- Wire format (matches the HTTP API) ----

type leaseWire struct {
	LeaseID       string     `json:"lease_id"`
	TenantID      string     `json:"tenant_id"`
	LockKey       string     `json:"lock_key"`
	OwnerID       string     `json:"owner_id"`
	Status        string     `json:"status"`
	AcquiredAt    time.Time  `json:"acquired_at"`
	ExpiresAt     time.Time  `json:"expires_at"`
	LastRenewedAt *time.Time `json:"last_renewed_at"`
	FencingToken  int64      `json:"fencing_token"`
	Version       int64      `json:"version"`
	ServerTime    time.Time  `json:"server_time"`
}

func (lw *leaseWire) toLease() Lease {
	return Lease{
		LeaseID:       lw.LeaseID,
		TenantID:      lw.TenantID,
		LockKey:       lw.LockKey,
		OwnerID:       lw.OwnerID,
		Status:        lw.Status,
		AcquiredAt:    lw.AcquiredAt,
		ExpiresAt:     lw.ExpiresAt,
		LastRenewedAt: lw.LastRenewedAt,
		FencingToken:  lw.FencingToken,
		Version:       lw.Version,
		ServerTime:    lw.ServerTime,
	}
}

type acquireBody struct {
	TenantID   string `json:"tenant_id"`
	LockKey    string `json:"lock_key"`
	OwnerID    string `json:"owner_id"`
	TTLSeconds int    `json:"ttl_seconds"`
	RequestID  string `json:"request_id,omitempty"`
}

type renewBody struct {
	OwnerID    string `json:"owner_id"`
	TTLSeconds int    `json:"ttl_seconds"`
	RequestID  string `json:"request_id,omitempty"`
}

type releaseBody struct {
	OwnerID   string `json:"owner_id"`
	RequestID string `json:"request_id,omitempty"`
}

type lockStatusWire struct {
	HasActiveLease bool       `json:"has_active_lease"`
	ActiveLease    *leaseWire `json:"active_lease"`
}

type forceReleaseWire struct {
	ReleasedLease *leaseWire `json:"released_lease"`
}

// ---- Low-level operations ----

// AcquireOnce makes a single acquire attempt. A LOCK_HELD/BUSY response
// comes back as *APIError; callers decide whether to retry.
func (c *Client) AcquireOnce(ctx context.Context, tenantID, lockKey, ownerID string, ttlSeconds int, requestID string) (Lease, error) {
	if tenantID == "" || lockKey == "" || ownerID == "" {
		return Lease{}, fmt.Errorf("tenantID, lockKey and ownerID required")
	}
	if ttlSeconds <= 0 {
		return Lease{}, fmt.Errorf("ttlSeconds must be > 0")
	}

	path := c.baseURL + "/leases/acquire"
	body := acquireBody{
		TenantID:   tenantID,
		LockKey:    lockKey,
		OwnerID:    ownerID,
		TTLSeconds: ttlSeconds,
		RequestID:  requestID,
	}

	var out leaseWire
	code, raw, err := c.doJSON(ctx, http.MethodPost, path, body, &out)
	if err != nil {
		return Lease{}, err
	}
	if code == http.StatusCreated {
		return out.toLease(), nil
	}
	if apiErr := decodeAPIError(raw, code); apiErr != nil {
		return Lease{}, apiErr
	}
	return Lease{}, &UnexpectedStatusError{Method: http.MethodPost, Path: path, Code: code, Body: raw}
}

func (c *Client) Renew(ctx context.Context, l Lease, ttlSeconds int, requestID string) (Lease, error) {
	if l.LeaseID == "" || l.OwnerID == "" {
		return Lease{}, fmt.Errorf("invalid lease")
	}
	if ttlSeconds <= 0 {
		return Lease{}, fmt.Errorf("ttlSeconds must be > 0")
	}

	path := fmt.Sprintf("%s/leases/%s/renew", c.baseURL, url.PathEscape(l.LeaseID))
	body := renewBody{OwnerID: l.OwnerID, TTLSeconds: ttlSeconds, RequestID: requestID}

	var out leaseWire
	code, raw, err := c.doJSON(ctx, http.MethodPost, path, body, &out)
	if err != nil {
		return Lease{}, err
	}
	if code == http.StatusOK {
		return out.toLease(), nil
	}
	if apiErr := decodeAPIError(raw, code); apiErr != nil {
		return Lease{}, apiErr
	}
	return Lease{}, &UnexpectedStatusError{Method: http.MethodPost, Path: path, Code: code, Body: raw}
}

func (c *Client) Release(ctx context.Context, l Lease, requestID string) (Lease, error) {
	if l.LeaseID == "" || l.OwnerID == "" {
		return Lease{}, fmt.Errorf("invalid lease")
	}

	path := fmt.Sprintf("%s/leases/%s/release", c.baseURL, url.PathEscape(l.LeaseID))
	body := releaseBody{OwnerID: l.OwnerID, RequestID: requestID}

	var out leaseWire
	code, raw, err := c.doJSON(ctx, http.MethodPost, path, body, &out)
	if err != nil {
		return Lease{}, err
	}
	if code == http.StatusOK {
		return out.toLease(), nil
	}
	if apiErr := decodeAPIError(raw, code); apiErr != nil {
		return Lease{}, apiErr
	}
	return Lease{}, &UnexpectedStatusError{Method: http.MethodPost, Path: path, Code: code, Body: raw}
}

// GetLock returns the current ACTIVE lease for the key, or nil if free.
func (c *Client) GetLock(ctx context.Context, tenantID, lockKey string) (*Lease, error) {
	path := fmt.Sprintf("%s/locks/%s?tenant_id=%s", c.baseURL, url.PathEscape(lockKey), url.QueryEscape(tenantID))

	var out lockStatusWire
	code, raw, err := c.doJSON(ctx, http.MethodGet, path, nil, &out)
	if err != nil {
		return nil, err
	}
	if code == http.StatusOK {
		if !out.HasActiveLease || out.ActiveLease == nil {
			return nil, nil
		}
		l := out.ActiveLease.toLease()
		return &l, nil
	}
	if apiErr := decodeAPIError(raw, code); apiErr != nil {
		return nil, apiErr
	}
	return nil, &UnexpectedStatusError{Method: http.MethodGet, Path: path, Code: code, Body: raw}
}

// ForceRelease is the administrative override. Returns nil if the key
// was already free.
func (c *Client) ForceRelease(ctx context.Context, tenantID, lockKey, actor string) (*Lease, error) {
	path := fmt.Sprintf("%s/locks/%s/force-release", c.baseURL, url.PathEscape(lockKey))
	body := map[string]string{"tenant_id": tenantID, "actor": actor}

	var out forceReleaseWire
	code, raw, err := c.doJSON(ctx, http.MethodPost, path, body, &out)
	if err != nil {
		return nil, err
	}
	if code == http.StatusOK {
		if out.ReleasedLease == nil {
			return nil, nil
		}
		l := out.ReleasedLease.toLease()
		return &l, nil
	}
	if apiErr := decodeAPIError(raw, code); apiErr != nil {
		return nil, apiErr
	}
	return nil, &UnexpectedStatusError{Method: http.MethodPost, Path: path, Code: code, Body: raw}
}

// doJSON sends JSON and optionally decodes a JSON response.
// Returns status code and raw body (trimmed) for debugging.
func (c *Client) doJSON(ctx context.Context, method, url string, req any, resp any) (int, string, error) {
	var rd io.Reader
	if req != nil {
		b, err := json.Marshal(req)
		if err != nil {
			return 0, "", err
		}
		rd = bytes.NewReader(b)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, url, rd)
	if err != nil {
		return 0, "", err
	}
	if req != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	rsp, err := c.http.Do(httpReq)
	if err != nil {
		return 0, "", err
	}
	defer rsp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(rsp.Body, 1<<20))
	raw := strings.TrimSpace(string(body))

	if resp != nil && len(body) > 0 {
		_ = json.Unmarshal(body, resp) // tolerate non-JSON error bodies
	}
	return rsp.StatusCode, raw, nil
}

func decodeAPIError(raw string, code int) *APIError {
	var apiErr APIError
	if err := json.Unmarshal([]byte(raw), &apiErr); err != nil || apiErr.Code == "" {
		return nil
	}
	if apiErr.Status == 0 {
		apiErr.Status = code
	}
	return &apiErr
}

// ---- Retry wrapper ----

// AcquireWithRetry retries LOCK_HELD/BUSY responses with capped
// exponential backoff and jitter. Other errors return immediately.
func (c *Client) AcquireWithRetry(ctx context.Context, tenantID, lockKey, ownerID string, opt AcquireOptions) (Lease, error) {
	if opt.TTLSeconds <= 0 {
		return Lease{}, fmt.Errorf("AcquireOptions.TTLSeconds required")
	}
	if opt.MaxRetries <= 0 {
		opt.MaxRetries = 50
	}
	if opt.MinRetry <= 0 {
		opt.MinRetry = 25 * time.Millisecond
	}
	if opt.MaxRetry <= 0 {
		opt.MaxRetry = 1 * time.Second
	}
	if opt.JitterFrac <= 0 {
		opt.JitterFrac = 0.2
	}

	start := time.Now()
	var lastErr error

	for attempt := 0; attempt <= opt.MaxRetries; attempt++ {
		if opt.MaxTotalWait > 0 && time.Since(start) > opt.MaxTotalWait {
			if lastErr != nil {
				return Lease{}, lastErr
			}
			return Lease{}, context.DeadlineExceeded
		}

		lease, err := c.AcquireOnce(ctx, tenantID, lockKey, ownerID, opt.TTLSeconds, opt.RequestID)
		if err == nil {
			return lease, nil
		}
		apiErr, ok := err.(*APIError)
		if !ok || !apiErr.Retryable() {
			return Lease{}, err
		}
		lastErr = err

		sleep := time.Duration(float64(opt.MinRetry) * math.Pow(1.5, float64(attempt)))
		if sleep < opt.MinRetry {
			sleep = opt.MinRetry
		}
		if sleep > opt.MaxRetry {
			sleep = opt.MaxRetry
		}
		sleep = addJitter(c.rng, sleep, opt.JitterFrac)

		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return Lease{}, ctx.Err()
		case <-timer.C:
		}
	}

	if lastErr != nil {
		return Lease{}, lastErr
	}
	return Lease{}, fmt.Errorf("acquire failed")
}

func addJitter(r *rand.Rand, d time.Duration, frac float64) time.Duration {
	if frac <= 0 {
		return d
	}
	// jitter range: [d*(1-frac), d*(1+frac)]
	j := (r.Float64()*2 - 1) * frac
	out := time.Duration(float64(d) * (1 + j))
	if out < 0 {
		return 0
	}
	return out
}
