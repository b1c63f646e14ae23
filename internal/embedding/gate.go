package embedding

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Gate is the process-wide backpressure state for the embedding provider:
// a proactive token bucket plus a cool-down deadline set when the provider
// reports rate limiting. One Gate is shared by every Client talking to the
// same provider so concurrent callers back off together instead of retrying
// independently.
type Gate struct {
	mu     sync.Mutex
	until  time.Time
	bucket *rate.Limiter
}

// NewGate creates a Gate throttling to rps requests per second with the
// given burst. Non-positive values fall back to 10 rps / burst 1.
func NewGate(rps float64, burst int) *Gate {
	if rps <= 0 {
		rps = 10
	}
	if burst < 1 {
		burst = 1
	}
	return &Gate{bucket: rate.NewLimiter(rate.Limit(rps), burst)}
}

// Wait blocks until the cool-down (if any) has elapsed and the token bucket
// admits a request, or ctx is done.
func (g *Gate) Wait(ctx context.Context) error {
	for {
		g.mu.Lock()
		wait := time.Until(g.until)
		g.mu.Unlock()

		if wait <= 0 {
			break
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	return g.bucket.Wait(ctx)
}

// Trip extends the cool-down so no caller proceeds before now+d. A shorter
// d never shrinks an already-set deadline.
func (g *Gate) Trip(d time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()
	deadline := time.Now().Add(d)
	if deadline.After(g.until) {
		g.until = deadline
	}
}

// Reset clears the cool-down after a successful call.
func (g *Gate) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.until = time.Time{}
}
