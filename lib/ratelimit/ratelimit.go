// Package ratelimit implements the per-client fixed-window request limiter
// that sits in front of the challenge endpoints.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var rejections = promauto.NewCounter(prometheus.CounterOpts{
	Name: "wicket_ratelimit_rejections_total",
	Help: "The total number of requests rejected by the rate limiter",
})

// Decision is the outcome of a single Check call. RetryAfter is only set on
// rejection and tells the client how long until the window resets.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
}

type window struct {
	count   int
	resetAt time.Time
}

// Limiter counts requests per client identifier in fixed windows. Counting
// windows reset at fixed intervals rather than sliding, so a client can fit
// up to twice the cap in a short span straddling a window boundary. That is
// the documented contract of this limiter, not an oversight.
type Limiter struct {
	mu          sync.Mutex
	windows     map[string]*window
	maxRequests int
	duration    time.Duration
	now         func() time.Time
}

func New(maxRequests int, duration time.Duration) *Limiter {
	return &Limiter{
		windows:     map[string]*window{},
		maxRequests: maxRequests,
		duration:    duration,
		now:         time.Now,
	}
}

// WithClock overrides the time source, letting tests move across window
// boundaries without sleeping.
func (l *Limiter) WithClock(now func() time.Time) *Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.now = now
	return l
}

// Check records one request from clientID and decides whether it may
// proceed. The read-increment-write sequence runs under the registry lock so
// concurrent requests from one client can't race past the cap.
func (l *Limiter) Check(clientID string) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()

	w, ok := l.windows[clientID]
	if !ok || now.After(w.resetAt) {
		l.windows[clientID] = &window{
			count:   1,
			resetAt: now.Add(l.duration),
		}
		return Decision{Allowed: true}
	}

	if w.count >= l.maxRequests {
		rejections.Inc()
		return Decision{
			Allowed:    false,
			RetryAfter: w.resetAt.Sub(now),
		}
	}

	w.count++
	return Decision{Allowed: true}
}

// Sweep drops every window whose reset time has passed, bounding memory for
// clients that went idle. Runs independently of the request path.
func (l *Limiter) Sweep() {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	for clientID, w := range l.windows {
		if now.After(w.resetAt) {
			delete(l.windows, clientID)
		}
	}
}

// Len returns the number of tracked clients.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.windows)
}

func (l *Limiter) sweepThread(ctx context.Context, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			l.Sweep()
		}
	}
}

// Start launches the background sweep. It stops when ctx is cancelled. A
// non-positive interval disables sweeping, windows then only expire on the
// next Check from the same client.
func (l *Limiter) Start(ctx context.Context, every time.Duration) {
	if every <= 0 {
		return
	}
	go l.sweepThread(ctx, every)
}
