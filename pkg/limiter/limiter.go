// Package limiter provides request budget enforcement for REST API calls
// with a token bucket per host.
package limiter

import (
	"fmt"
	"sync"
	"time"
)

var (
	// ErrRateLimit is returned when the hourly request budget is exhausted.
	ErrRateLimit = fmt.Errorf("rate limit exceeded")
	// ErrConcurrencyLimit is returned when too many requests are in flight.
	ErrConcurrencyLimit = fmt.Errorf("concurrency limit exceeded")
)

// Limiter manages request budgets across multiple API hosts.
type Limiter struct {
	hosts map[string]*HostLimiter
	mu    sync.RWMutex
}

// HostLimiter enforces request and concurrency limits for a single host.
type HostLimiter struct {
	name               string
	maxRequestsPerHour int
	maxInFlight        int
	currentRequests    int
	currentInFlight    int
	lastRefill         time.Time
	mu                 sync.Mutex
}

// NewLimiter creates an empty limiter. Hosts are registered with AddHost.
func NewLimiter() *Limiter {
	return &Limiter{hosts: make(map[string]*HostLimiter)}
}

// AddHost registers a host budget. Re-registering replaces the previous
// limits and resets the bucket to full.
func (l *Limiter) AddHost(name string, requestsPerHour, maxInFlight int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.hosts[name] = &HostLimiter{
		name:               name,
		maxRequestsPerHour: requestsPerHour,
		maxInFlight:        maxInFlight,
		currentRequests:    requestsPerHour, // start with a full bucket
		lastRefill:         time.Now(),
	}
}

func (l *Limiter) host(name string) (*HostLimiter, error) {
	l.mu.RLock()
	hl, exists := l.hosts[name]
	l.mu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("host %s not configured", name)
	}
	return hl, nil
}

// Reserve consumes one request from the host's hourly budget.
func (l *Limiter) Reserve(hostName string) error {
	hl, err := l.host(hostName)
	if err != nil {
		return err
	}
	return hl.Reserve()
}

// Acquire reserves an in-flight slot. Callers must pair it with Release.
func (l *Limiter) Acquire(hostName string) error {
	hl, err := l.host(hostName)
	if err != nil {
		return err
	}
	return hl.Acquire()
}

// Release returns an in-flight slot.
func (l *Limiter) Release(hostName string) error {
	hl, err := l.host(hostName)
	if err != nil {
		return err
	}
	return hl.Release()
}

// Status returns the remaining request budget and current in-flight count.
func (l *Limiter) Status(hostName string) (requests, inFlight int, err error) {
	hl, err := l.host(hostName)
	if err != nil {
		return 0, 0, err
	}
	return hl.Status()
}

// Reserve consumes one request from the bucket, refilling first.
func (hl *HostLimiter) Reserve() error {
	hl.mu.Lock()
	defer hl.mu.Unlock()

	hl.refill()

	if hl.currentRequests < 1 {
		return ErrRateLimit
	}
	hl.currentRequests--
	return nil
}

// Acquire reserves an in-flight slot.
func (hl *HostLimiter) Acquire() error {
	hl.mu.Lock()
	defer hl.mu.Unlock()

	if hl.currentInFlight >= hl.maxInFlight {
		return ErrConcurrencyLimit
	}
	hl.currentInFlight++
	return nil
}

// Release returns an in-flight slot.
func (hl *HostLimiter) Release() error {
	hl.mu.Lock()
	defer hl.mu.Unlock()

	if hl.currentInFlight <= 0 {
		return fmt.Errorf("no in-flight requests to release for host %s", hl.name)
	}
	hl.currentInFlight--
	return nil
}

// Status returns the current budget and in-flight count.
func (hl *HostLimiter) Status() (requests, inFlight int, err error) {
	hl.mu.Lock()
	defer hl.mu.Unlock()

	hl.refill()
	return hl.currentRequests, hl.currentInFlight, nil
}

func (hl *HostLimiter) refill() {
	now := time.Now()
	elapsed := now.Sub(hl.lastRefill)

	if elapsed >= time.Hour {
		hours := int(elapsed / time.Hour)
		hl.currentRequests += hours * hl.maxRequestsPerHour
		if hl.currentRequests > hl.maxRequestsPerHour {
			hl.currentRequests = hl.maxRequestsPerHour
		}

		// Advance refill time by whole hours only.
		hl.lastRefill = hl.lastRefill.Add(time.Duration(hours) * time.Hour)
	}
}
