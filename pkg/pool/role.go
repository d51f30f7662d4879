// Package pool implements the Storage Pool Manager role controller: the
// state machine that elects and maintains exactly one host as the sole
// authority allowed to mutate shared storage metadata, and that owns the
// coordinator mailbox's lifecycle.
package pool

import (
	"github.com/google/uuid"
)

// Role is this host's current SPM role for one pool.
type Role int

const (
	// RoleFree: this host is an ordinary pool member.
	RoleFree Role = iota

	// RoleContending: a StartSPM is in flight. A second StartSPM observing
	// this state fails distinctly; it is never queued or retried.
	RoleContending

	// RoleAcquired: this host is the SPM. Mailbox traffic is only trusted
	// in this state.
	RoleAcquired
)

func (r Role) String() string {
	switch r {
	case RoleFree:
		return "free"
	case RoleContending:
		return "contending"
	case RoleAcquired:
		return "acquired"
	default:
		return "unknown"
	}
}

// Status is the controller's externally visible state.
type Status struct {
	PoolID        uuid.UUID `json:"pool_id"`
	HostID        int       `json:"host_id"`
	Role          string    `json:"role"`
	LeaseVersion  int64     `json:"lease_version"`
	MasterDomain  uuid.UUID `json:"master_domain"`
	MasterVersion int       `json:"master_version"`
}
