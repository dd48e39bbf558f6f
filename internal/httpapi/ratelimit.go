package httpapi

import (
	"sync"
	"time"
)

// userRateLimiter is a fixed-window per-user limiter for the webhook
// ingress, keeping one flooding user from starving the others.
type userRateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	limit   int
	buckets map[int64]*bucket
}

type bucket struct {
	count int
	start time.Time
}

func newUserRateLimiter(limit int, window time.Duration) *userRateLimiter {
	return &userRateLimiter{
		window:  window,
		limit:   limit,
		buckets: make(map[int64]*bucket),
	}
}

// Allow reports whether the user may have another update processed.
func (l *userRateLimiter) Allow(userID int64) bool {
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[userID]
	if !ok || now.Sub(b.start) >= l.window {
		if len(l.buckets) > 4096 {
			for id, old := range l.buckets {
				if now.Sub(old.start) >= l.window {
					delete(l.buckets, id)
				}
			}
		}
		l.buckets[userID] = &bucket{count: 1, start: now}
		return true
	}

	if b.count >= l.limit {
		return false
	}
	b.count++
	return true
}
