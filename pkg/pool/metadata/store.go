// Package metadata persists pool-wide metadata through the master domain's
// own storage.
//
// The records here are tiny but load-bearing: the lease-version counter and
// coordinator id arbitrate SPM handover diagnostics, and the master-domain
// reference is the single pointer every host follows to find pool state.
package metadata

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// CoordinatorFree marks the coordinator id when no host holds the SPM role.
const CoordinatorFree = -1

// ErrNotFound is returned when no pool metadata has been written yet.
var ErrNotFound = errors.New("pool metadata not found")

// PoolMetadata is the persisted pool-wide record.
type PoolMetadata struct {
	// PoolID identifies the storage pool.
	PoolID uuid.UUID `json:"pool_id"`

	// MasterDomain is the domain holding this metadata and the SPM lease.
	MasterDomain uuid.UUID `json:"master_domain"`

	// MasterVersion increments every time the master domain changes. A
	// caller presenting an older expected version is rejected: it is
	// operating on stale pool state.
	MasterVersion int `json:"master_version"`

	// LeaseVersion increments on every successful SPM acquisition.
	LeaseVersion int64 `json:"lease_version"`

	// CoordinatorID is the host id of the current SPM, or CoordinatorFree.
	CoordinatorID int `json:"coordinator_id"`

	// Domains maps every domain attached to the pool to its status.
	Domains map[uuid.UUID]string `json:"domains"`
}

// Store reads and writes the pool metadata record.
type Store interface {
	// Get returns the current record, or ErrNotFound.
	Get(ctx context.Context) (PoolMetadata, error)

	// Put replaces the whole record atomically. Used to seed a fresh
	// master during migration: the single write is the point of no
	// return.
	Put(ctx context.Context, meta PoolMetadata) error

	// SetCoordinator records the SPM holder and lease version.
	SetCoordinator(ctx context.Context, hostID int, leaseVersion int64) error

	// SetMaster atomically repoints the pool at a new master domain.
	SetMaster(ctx context.Context, master uuid.UUID, masterVersion int) error

	// SetDomains replaces the attached-domain map.
	SetDomains(ctx context.Context, domains map[uuid.UUID]string) error

	// Close releases the underlying storage.
	Close() error
}
