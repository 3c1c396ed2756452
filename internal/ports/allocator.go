// Package ports finds free host ports for SSH bindings. An allocation is
// an advisory lease: the allocator cross-checks engine-published ports
// with a live bind probe and holds an in-process reservation until the
// caller releases it, but nothing stops an outside process from grabbing
// the port in between. The engine rejecting the bind later is handled as
// a normal port-conflict error, not a crash.
package ports

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"
)

// ErrPortExhausted indicates the whole candidate range is occupied or
// unbindable.
var ErrPortExhausted = errors.New("no free port in candidate range")

const (
	defaultStart = 2222
	defaultCount = 100
	defaultTTL   = 2 * time.Minute
)

// PublishedPortLister is the slice of the engine the allocator needs.
type PublishedPortLister interface {
	PublishedPorts(ctx context.Context) (map[int]struct{}, error)
}

// Allocator hands out SSH host ports from a fixed scan range. Reservations
// shrink the check-then-use window between allocation and container
// creation; they expire after TTL so a crashed attempt cannot leak a port
// forever.
type Allocator struct {
	Engine PublishedPortLister
	Logger *slog.Logger

	// Start and Count bound the scan range [Start, Start+Count). Zero
	// values select 2222 and 100.
	Start int
	Count int

	// TTL bounds how long an unreleased reservation blocks a port.
	TTL time.Duration

	mu       sync.Mutex
	reserved map[int]time.Time
}

func (a *Allocator) logger() *slog.Logger {
	if a != nil && a.Logger != nil {
		return a.Logger
	}
	return slog.Default()
}

// AllocateSSHPort returns the first port in the scan range that is not
// published by any container, not reserved by another in-flight attempt,
// and currently bindable on loopback. The port stays reserved until
// Release is called or the TTL lapses.
func (a *Allocator) AllocateSSHPort(ctx context.Context) (int, error) {
	if a.Engine == nil {
		return 0, errors.New("port allocator engine is not configured")
	}

	occupied, err := a.Engine.PublishedPorts(ctx)
	if err != nil {
		return 0, fmt.Errorf("collect occupied ports: %w", err)
	}

	start, count := a.Start, a.Count
	if start == 0 {
		start = defaultStart
	}
	if count == 0 {
		count = defaultCount
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	now := time.Now()
	for candidate := start; candidate < start+count; candidate++ {
		if _, taken := occupied[candidate]; taken {
			continue
		}
		if a.reservedLocked(candidate) {
			continue
		}
		if !IsPortAvailable(candidate) {
			continue
		}

		if a.reserved == nil {
			a.reserved = make(map[int]time.Time)
		}
		ttl := a.TTL
		if ttl == 0 {
			ttl = defaultTTL
		}
		a.reserved[candidate] = now.Add(ttl)
		a.logger().Debug("allocated ssh port", "port", candidate)
		return candidate, nil
	}

	return 0, fmt.Errorf("%w: scanned [%d, %d)", ErrPortExhausted, start, start+count)
}

// Release clears the reservation for port. Safe to call for ports that
// were never reserved.
func (a *Allocator) Release(port int) {
	a.mu.Lock()
	delete(a.reserved, port)
	a.mu.Unlock()
}

func (a *Allocator) reservedLocked(port int) bool {
	expiry, ok := a.reserved[port]
	if !ok {
		return false
	}
	if time.Now().After(expiry) {
		delete(a.reserved, port)
		return false
	}
	return true
}

// IsPortAvailable probes whether a listening socket can currently be
// bound on loopback at port. The probe socket is released immediately.
func IsPortAvailable(port int) bool {
	listener, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return false
	}
	_ = listener.Close()
	return true
}

// FindAvailablePort scans ascending from start for a bindable port,
// giving up after maxAttempts candidates. It carries no reservation
// semantics and suits one-off, non-SSH port needs.
func FindAvailablePort(start, maxAttempts int) (int, error) {
	for candidate := start; candidate < start+maxAttempts; candidate++ {
		if IsPortAvailable(candidate) {
			return candidate, nil
		}
	}
	return 0, fmt.Errorf("%w: scanned [%d, %d)", ErrPortExhausted, start, start+maxAttempts)
}
