// Package lock provides the short-TTL dedup lock used to suppress
// duplicate update deliveries across workers and webhook handlers.
package lock

import (
	"context"
	"time"
)

// Store is an atomic add-if-absent lock store. Existence of a key means
// the update is being processed or was recently processed.
type Store interface {
	// Acquire claims key for ttl. It returns true only when the key was
	// not already held.
	Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error)
}
