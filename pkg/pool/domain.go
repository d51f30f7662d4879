package pool

import (
	"context"

	"github.com/google/uuid"

	"github.com/svettore/spoold/pkg/pool/metadata"
)

// Domain is the controller's view of one storage domain. Discovery,
// attach/detach and format details live elsewhere; the controller only
// needs the master-role surface.
type Domain interface {
	// ID returns the domain UUID.
	ID() uuid.UUID

	// Lock returns the cluster lock rooted on this domain.
	Lock() ClusterLock

	// FormatVersion is the domain's on-disk format version.
	FormatVersion() int

	// Upgrade applies any pending format upgrade. The controller runs it
	// under the upgrade-exclusion guard so it cannot race attach/detach.
	Upgrade(ctx context.Context) error

	// MountMaster mounts the domain's private master filesystem tree and
	// ensures its fixed directory skeleton. Idempotent.
	MountMaster(ctx context.Context) error

	// UnmountMaster unmounts the master tree. Idempotent.
	UnmountMaster(ctx context.Context) error

	// IsMounted reports whether the domain's storage is reachable. Used
	// for the best-effort backup-domain check during SPM start.
	IsMounted() bool

	// MasterDir returns the root of the mounted master tree.
	MasterDir() string

	// Metadata returns the pool metadata store persisted on this domain.
	Metadata() (metadata.Store, error)

	// SupportsMailbox reports whether the domain reserves mailbox extents.
	SupportsMailbox() bool

	// MailboxExtents returns the inbox and outbox extent paths. Only
	// meaningful when SupportsMailbox is true.
	MailboxExtents() (inbox, outbox string)

	// Promote persists this domain's role as pool master.
	Promote(ctx context.Context) error

	// Demote clears the master role marker.
	Demote(ctx context.Context) error
}
