package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// MemoryLock is an in-process ClusterLock for tests. Failure injection
// fields make the contention error paths reachable without a real lease
// manager.
type MemoryLock struct {
	mu       sync.Mutex
	ids      map[int]bool
	holder   int
	held     bool
	acquires int

	// FailAcquireHostID / FailAcquire / FailRelease make the matching call
	// fail while positive.
	FailAcquireHostID int
	FailAcquire       int
	FailRelease       int
}

// NewMemoryLock returns an unheld in-memory lock.
func NewMemoryLock() *MemoryLock {
	return &MemoryLock{ids: make(map[int]bool)}
}

// AcquireHostID implements ClusterLock.
func (l *MemoryLock) AcquireHostID(ctx context.Context, hostID int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.FailAcquireHostID > 0 {
		l.FailAcquireHostID--
		return errors.New("injected host id failure")
	}
	l.ids[hostID] = true
	return nil
}

// ReleaseHostID implements ClusterLock.
func (l *MemoryLock) ReleaseHostID(ctx context.Context, hostID int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.ids, hostID)
	return nil
}

// Acquire implements ClusterLock.
func (l *MemoryLock) Acquire(ctx context.Context, hostID int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.FailAcquire > 0 {
		l.FailAcquire--
		return errors.New("injected lease failure")
	}
	if l.held && l.holder != hostID {
		return fmt.Errorf("lease held by host %d", l.holder)
	}
	l.held = true
	l.holder = hostID
	l.acquires++
	return nil
}

// Release implements ClusterLock.
func (l *MemoryLock) Release(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.FailRelease > 0 {
		l.FailRelease--
		return errors.New("injected release failure")
	}
	l.held = false
	return nil
}

// Inspect implements ClusterLock.
func (l *MemoryLock) Inspect(ctx context.Context) (LeaseInfo, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return LeaseInfo{Held: l.held, HostID: l.holder}, nil
}

// HoldsHostID reports whether hostID is currently registered.
func (l *MemoryLock) HoldsHostID(hostID int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ids[hostID]
}

// Held reports whether the lease is currently held.
func (l *MemoryLock) Held() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.held
}
