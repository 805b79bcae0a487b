package ratelimit

import (
	"sync"
	"testing"
	"time"
)

func fakeClock(start time.Time) (func() time.Time, func(time.Duration)) {
	var mu sync.Mutex
	now := start
	return func() time.Time {
			mu.Lock()
			defer mu.Unlock()
			return now
		}, func(d time.Duration) {
			mu.Lock()
			defer mu.Unlock()
			now = now.Add(d)
		}
}

func TestFixedWindow(t *testing.T) {
	now, advance := fakeClock(time.Now())
	l := New(5, 10*time.Second).WithClock(now)

	for i := range 5 {
		if d := l.Check("client"); !d.Allowed {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}

	d := l.Check("client")
	if d.Allowed {
		t.Fatal("6th request should be rejected")
	}
	if d.RetryAfter <= 0 || d.RetryAfter > 10*time.Second {
		t.Errorf("RetryAfter %v out of bounds", d.RetryAfter)
	}

	advance(10*time.Second + time.Millisecond)

	if d := l.Check("client"); !d.Allowed {
		t.Fatal("request after window reset should be allowed")
	}
}

func TestRejectDoesNotIncrement(t *testing.T) {
	now, advance := fakeClock(time.Now())
	l := New(1, time.Minute).WithClock(now)

	l.Check("client")
	for range 100 {
		l.Check("client")
	}

	advance(time.Minute + time.Second)

	// A fresh window must start clean no matter how many rejections piled up.
	if d := l.Check("client"); !d.Allowed {
		t.Fatal("fresh window should allow")
	}
}

func TestClientsAreIndependent(t *testing.T) {
	now, _ := fakeClock(time.Now())
	l := New(1, time.Minute).WithClock(now)

	if d := l.Check("a"); !d.Allowed {
		t.Fatal("first request from a should be allowed")
	}
	if d := l.Check("a"); d.Allowed {
		t.Fatal("second request from a should be rejected")
	}
	if d := l.Check("b"); !d.Allowed {
		t.Fatal("b is not rate limited just because a is")
	}
}

func TestConcurrentChecksNeverExceedCap(t *testing.T) {
	const limit = 50
	l := New(limit, time.Minute)

	var wg sync.WaitGroup
	var mu sync.Mutex
	allowed := 0

	for range 4 * limit {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if d := l.Check("client"); d.Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if allowed != limit {
		t.Errorf("want exactly %d allowed, got %d", limit, allowed)
	}
}

func TestSweep(t *testing.T) {
	now, advance := fakeClock(time.Now())
	l := New(5, time.Minute).WithClock(now)

	l.Check("stale")
	advance(30 * time.Second)
	l.Check("fresh")

	advance(31 * time.Second)
	l.Sweep()

	if got := l.Len(); got != 1 {
		t.Errorf("want 1 window to survive the sweep, got %d", got)
	}
}
