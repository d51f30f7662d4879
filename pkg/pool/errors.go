package pool

import (
	"errors"
	"fmt"
)

var (
	// ErrContending is returned when an operation observes a StartSPM
	// already in flight on this controller.
	ErrContending = errors.New("SPM contention in progress")

	// ErrNotCoordinator is returned for operations that require the
	// acquired SPM role.
	ErrNotCoordinator = errors.New("host does not hold the SPM role")

	// ErrPoolNotConnected is returned by the Disconnected placeholder: the
	// agent has no pool attached, so every pool capability fails.
	ErrPoolNotConnected = errors.New("no storage pool connected")

	// ErrUnknownDomain is returned when an operation references a domain
	// id the pool does not know.
	ErrUnknownDomain = errors.New("unknown storage domain")

	// ErrMailboxUnsupported is returned by SendExtend when the master
	// domain declares no mailbox extents.
	ErrMailboxUnsupported = errors.New("master domain does not support the mailbox")
)

// VersionError rejects a StartSPM whose caller presented a pool metadata
// version older than the one on disk. The caller is working from stale
// state and must refresh before contending.
type VersionError struct {
	Expected int
	OnDisk   int
}

func (e *VersionError) Error() string {
	return fmt.Sprintf("expected master version %d is behind on-disk version %d",
		e.Expected, e.OnDisk)
}
