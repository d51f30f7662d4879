package pool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/svettore/spoold/internal/logger"
)

// LeaseInfo describes the current lease holder as far as the lock backend
// can tell.
type LeaseInfo struct {
	Held   bool
	HostID int
}

// ClusterLock is the distributed mutual-exclusion primitive backing the
// SPM role. It is an external collaborator: mutual exclusion across hosts
// is guaranteed here and simply assumed by the mailbox.
//
// Acquire is the only operation allowed to block for a long, configurable
// time; everything else returns promptly.
type ClusterLock interface {
	// AcquireHostID registers this host's id on the lockspace.
	AcquireHostID(ctx context.Context, hostID int) error

	// ReleaseHostID drops the registration.
	ReleaseHostID(ctx context.Context, hostID int) error

	// Acquire takes the exclusive SPM lease for hostID.
	Acquire(ctx context.Context, hostID int) error

	// Release drops the SPM lease.
	Release(ctx context.Context) error

	// Inspect reports the current holder without taking the lease.
	Inspect(ctx context.Context) (LeaseInfo, error)
}

// FileLock is a lockfile-based ClusterLock for domains backed by a shared
// filesystem. An O_EXCL create is the acquisition; the file body names the
// holder. It stands in for a real lease manager on development setups and
// in tests; production deployments plug their own ClusterLock in.
type FileLock struct {
	// Dir is the lockspace directory on the shared filesystem.
	Dir string

	// AcquireTimeout bounds how long Acquire retries a held lease.
	// Default: 30s.
	AcquireTimeout time.Duration

	// RetryInterval between acquisition attempts. Default: 1s.
	RetryInterval time.Duration
}

type leaseRecord struct {
	HostID     int       `json:"host_id"`
	AcquiredAt time.Time `json:"acquired_at"`
}

func (l *FileLock) leasePath() string { return filepath.Join(l.Dir, "leader") }

func (l *FileLock) idPath(hostID int) string {
	return filepath.Join(l.Dir, "ids", fmt.Sprintf("%d", hostID))
}

// AcquireHostID implements ClusterLock.
func (l *FileLock) AcquireHostID(ctx context.Context, hostID int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Join(l.Dir, "ids"), 0755); err != nil {
		return fmt.Errorf("failed to prepare lockspace: %w", err)
	}
	f, err := os.OpenFile(l.idPath(hostID), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		if os.IsExist(err) {
			// Stale registration from an unclean shutdown of this same
			// host is indistinguishable here; honoring it would wedge the
			// host forever, so take it over and log loudly.
			logger.Warn("host id registration already present, taking over",
				logger.KeyHostID, hostID)
			return nil
		}
		return fmt.Errorf("failed to register host id %d: %w", hostID, err)
	}
	return f.Close()
}

// ReleaseHostID implements ClusterLock.
func (l *FileLock) ReleaseHostID(ctx context.Context, hostID int) error {
	if err := os.Remove(l.idPath(hostID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to release host id %d: %w", hostID, err)
	}
	return nil
}

// Acquire implements ClusterLock. It retries until the lease is free, the
// timeout elapses, or ctx is canceled.
func (l *FileLock) Acquire(ctx context.Context, hostID int) error {
	timeout := l.AcquireTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	retry := l.RetryInterval
	if retry <= 0 {
		retry = time.Second
	}

	deadline := time.Now().Add(timeout)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := l.tryAcquire(hostID)
		if err == nil {
			return nil
		}
		if !os.IsExist(errors.Unwrap(err)) {
			return err
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("lease acquisition timed out after %s", timeout)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retry):
		}
	}
}

func (l *FileLock) tryAcquire(hostID int) error {
	if err := os.MkdirAll(l.Dir, 0755); err != nil {
		return fmt.Errorf("failed to prepare lockspace: %w", err)
	}
	f, err := os.OpenFile(l.leasePath(), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("lease busy: %w", err)
	}
	defer f.Close()

	rec, err := json.Marshal(leaseRecord{HostID: hostID, AcquiredAt: time.Now().UTC()})
	if err != nil {
		return err
	}
	if _, err := f.Write(rec); err != nil {
		os.Remove(l.leasePath())
		return fmt.Errorf("failed to record lease holder: %w", err)
	}
	return f.Sync()
}

// Release implements ClusterLock.
func (l *FileLock) Release(ctx context.Context) error {
	if err := os.Remove(l.leasePath()); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to release lease: %w", err)
	}
	return nil
}

// Inspect implements ClusterLock.
func (l *FileLock) Inspect(ctx context.Context) (LeaseInfo, error) {
	data, err := os.ReadFile(l.leasePath())
	if os.IsNotExist(err) {
		return LeaseInfo{}, nil
	}
	if err != nil {
		return LeaseInfo{}, fmt.Errorf("failed to inspect lease: %w", err)
	}
	var rec leaseRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return LeaseInfo{}, fmt.Errorf("corrupt lease record: %w", err)
	}
	return LeaseInfo{Held: true, HostID: rec.HostID}, nil
}
