package train

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
)

// Lease is the per-(repository, branch) mutual exclusion handle. All mutating
// train operations must run while the lease is held; the train fails fast
// otherwise. Acquisition order across callers is unspecified beyond mutual
// exclusion.
type Lease struct {
	key  string
	sem  chan struct{}
	held atomic.Bool
}

// Key returns the lease key ("train/{repository_id}/{branch}").
func (l *Lease) Key() string {
	return l.key
}

// Held reports whether the lease is currently held.
func (l *Lease) Held() bool {
	return l.held.Load()
}

// LeaseRegistry hands out one lease per train key within a process.
type LeaseRegistry struct {
	mu     sync.Mutex
	leases map[string]*Lease
}

// NewLeaseRegistry creates an empty registry.
func NewLeaseRegistry() *LeaseRegistry {
	return &LeaseRegistry{leases: make(map[string]*Lease)}
}

// lease returns the singleton lease for a key, creating it on first use.
func (r *LeaseRegistry) lease(repositoryID int64, branch string) *Lease {
	key := StateKey(repositoryID, branch)

	r.mu.Lock()
	defer r.mu.Unlock()

	l, ok := r.leases[key]
	if !ok {
		l = &Lease{key: key, sem: make(chan struct{}, 1)}
		r.leases[key] = l
	}
	return l
}

// Do runs fn while holding the branch lease. The lease is released on every
// exit path, including panics, so a failing handler never wedges a branch.
// Acquisition honors context cancellation.
func (r *LeaseRegistry) Do(ctx context.Context, repositoryID int64, branch string, fn func(*Lease) error) error {
	l := r.lease(repositoryID, branch)

	select {
	case l.sem <- struct{}{}:
	case <-ctx.Done():
		return fmt.Errorf("acquiring lease %s: %w", l.key, ctx.Err())
	}

	l.held.Store(true)
	defer func() {
		l.held.Store(false)
		<-l.sem
	}()

	return fn(l)
}

// StateKey builds the persistence/lease key for a branch's train.
func StateKey(repositoryID int64, branch string) string {
	return fmt.Sprintf("train/%d/%s", repositoryID, branch)
}
