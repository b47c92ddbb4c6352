package runlock

import (
	"context"
	"time"
)

// Heartbeat periodically refreshes a held lease so long-running stage work
// does not let the lock go stale. A failed refresh means another process may
// already have reclaimed the lock, so the failure is pushed to onLost rather
// than retried quietly.
type Heartbeat struct {
	handle   *Handle
	lease    time.Duration
	interval time.Duration
	onLost   func(error)
	done     chan struct{}
	stopped  chan struct{}
}

// NewHeartbeat builds a heartbeat for a held lock. The refresh interval is
// half the lease duration so a single missed beat never expires the lease.
func NewHeartbeat(h *Handle, lease time.Duration, onLost func(error)) *Heartbeat {
	return &Heartbeat{
		handle:   h,
		lease:    lease,
		interval: lease / 2,
		onLost:   onLost,
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
}

// Start begins refreshing until Stop is called or the context ends. The
// first refresh failure stops the heartbeat after reporting it.
func (hb *Heartbeat) Start(ctx context.Context) {
	go func() {
		defer close(hb.stopped)
		ticker := time.NewTicker(hb.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-hb.done:
				return
			case <-ticker.C:
				if err := hb.handle.Refresh(hb.lease); err != nil {
					if hb.onLost != nil {
						hb.onLost(err)
					}
					return
				}
			}
		}
	}()
}

// Stop halts refreshing and waits for the loop to exit.
func (hb *Heartbeat) Stop() {
	select {
	case <-hb.done:
	default:
		close(hb.done)
	}
	<-hb.stopped
}
