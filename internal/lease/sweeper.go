package lease

import (
	"context"
	"time"

	"leaseserver/internal/obs"
)

// Sweeper periodically runs ExpireLeases against any Manager, so
// expired leases are processed even for keys nobody touches. Lazy
// per-access expiry makes the sweep optional for correctness; the
// sweeper keeps the audit log and metrics timely.
type Sweeper struct {
	mgr      Manager
	logger   *obs.Logger
	interval time.Duration
}

func NewSweeper(mgr Manager, logger *obs.Logger, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	return &Sweeper{
		mgr:      mgr,
		logger:   logger,
		interval: interval,
	}
}

func (s *Sweeper) Run(ctx context.Context) {
	t := time.NewTicker(s.interval)
	defer t.Stop()

	// Run once immediately
	s.sweepOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.sweepOnce(ctx)
		}
	}
}

func (s *Sweeper) sweepOnce(ctx context.Context) {
	start := time.Now()
	expired, err := s.mgr.ExpireLeases(ctx)
	if s.logger == nil {
		return
	}
	fields := map[string]interface{}{
		"op":         "expire_sweep",
		"expired":    expired,
		"latency_ms": time.Since(start).Milliseconds(),
	}
	if err != nil {
		fields["error"] = err.Error()
		s.logger.Error(fields)
		return
	}
	if expired > 0 {
		s.logger.Info(fields)
	}
}
