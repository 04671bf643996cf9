package dispatch

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

var errStopped = errors.New("dispatch stopped")

// Throttle is the process-wide send cap. Set changes it in place, so a job
// already waiting on the old cap re-reserves under the new one at once.
type Throttle struct {
	mu      sync.Mutex
	lim     *rate.Limiter
	changed chan struct{}
}

// NewThrottle returns a cap of perSec sends per second; 0 means no cap.
func NewThrottle(perSec int) *Throttle {
	t := &Throttle{lim: rate.NewLimiter(rate.Inf, 1), changed: make(chan struct{})}
	t.Set(perSec)
	return t
}

func (t *Throttle) Set(perSec int) {
	limit := rate.Inf
	if perSec > 0 {
		limit = rate.Limit(perSec)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.lim.Limit() == limit {
		return
	}
	t.lim.SetLimit(limit)
	t.lim.SetBurst(1)
	close(t.changed)
	t.changed = make(chan struct{})
}

// Wait blocks until one send is allowed. It returns errStopped when cancel
// closes first and ctx.Err() when ctx ends first.
func (t *Throttle) Wait(ctx context.Context, cancel <-chan struct{}) error {
	for {
		t.mu.Lock()
		r := t.lim.Reserve()
		changed := t.changed
		t.mu.Unlock()

		d := r.Delay()
		if d == 0 {
			return nil
		}
		timer := time.NewTimer(d)
		select {
		case <-timer.C:
			return nil
		case <-changed:
			timer.Stop()
			r.Cancel()
		case <-cancel:
			timer.Stop()
			r.Cancel()
			return errStopped
		case <-ctx.Done():
			timer.Stop()
			r.Cancel()
			return ctx.Err()
		}
	}
}
