package leaseclient

import (
	"context"
	"time"
)

// StartHeartbeat renews the lease periodically until ctx is cancelled.
// It returns a channel that emits the last error (if any) and then
// closes on exit.
// Semantics:
// - OWNER_MISMATCH / LEASE_EXPIRED / LEASE_NOT_ACTIVE / LEASE_NOT_FOUND:
//   the lease is dead, heartbeat stops
// - BUSY: transient, keep going
// - transport errors: surfaced but the loop keeps running; caller may cancel
func (c *Client) StartHeartbeat(ctx context.Context, l Lease, opt HeartbeatOptions) <-chan error {
	errCh := make(chan error, 1)

	if opt.Interval <= 0 {
		opt.Interval = 5 * time.Second
	}
	if opt.TTLSeconds <= 0 {
		opt.TTLSeconds = 30
	}

	go func() {
		defer close(errCh)

		t := time.NewTicker(opt.Interval)
		defer t.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				_, err := c.Renew(ctx, l, opt.TTLSeconds, "")
				if err == nil {
					continue
				}
				apiErr, ok := err.(*APIError)
				if ok && apiErr.Code == "BUSY" {
					continue
				}
				if ok {
					// Lease is no longer ours; stop.
					select {
					case errCh <- err:
					default:
					}
					return
				}
				select {
				case errCh <- err:
				default:
				}
			}
		}
	}()

	return errCh
}
