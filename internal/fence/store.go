// Package fence holds a minimal downstream consumer of fencing tokens:
// a key/value store that applies a write only when its token is newer
// than the last one it accepted. Any real resource that takes
// lease-gated mutations must mirror this check.
package fence

import (
	"sync"
	"time"

	"leaseserver/internal/lease"
)

// Record is the stored value for a resource key plus the token and
// actor of the write that produced it.
type Record struct {
	ResourceKey  string    `json:"resource_key"`
	Value        string    `json:"value"`
	FencingToken int64     `json:"fencing_token"`
	UpdatedBy    string    `json:"updated_by"`
	UpdatedAt    time.Time `json:"updated_at"`
}

type Store struct {
	mu      sync.Mutex
	clock   lease.Clock
	records map[string]*Record
}

func NewStore(clock lease.Clock) *Store {
	if clock == nil {
		clock = lease.SystemClock{}
	}
	return &Store{
		clock:   clock,
		records: make(map[string]*Record),
	}
}

// Update stores value under resourceKey if fencingToken is strictly
// newer than the last accepted token for that key. A stale token fails
// STALE_FENCING_TOKEN and leaves stored state unchanged.
func (s *Store) Update(resourceKey, value string, fencingToken int64, actor string) (*Record, error) {
	if resourceKey == "" || actor == "" {
		return nil, lease.ErrInvalidRequest("resource_key and actor are required")
	}
	if fencingToken <= 0 {
		return nil, lease.ErrInvalidRequest("fencing_token must be a positive integer")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var stored int64
	if r := s.records[resourceKey]; r != nil {
		stored = r.FencingToken
	}
	if !lease.TokenAccepts(stored, fencingToken) {
		return nil, lease.ErrStaleFencingToken(
			"token %d is not newer than stored token %d for %q", fencingToken, stored, resourceKey)
	}

	rec := &Record{
		ResourceKey:  resourceKey,
		Value:        value,
		FencingToken: fencingToken,
		UpdatedBy:    actor,
		UpdatedAt:    s.clock.Now(),
	}
	s.records[resourceKey] = rec

	c := *rec
	return &c, nil
}

// Get returns a copy of the stored record, or nil if the key is unset.
func (s *Store) Get(resourceKey string) *Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.records[resourceKey]
	if r == nil {
		return nil
	}
	c := *r
	return &c
}
