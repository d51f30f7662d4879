package pool

import (
	"context"

	"github.com/google/uuid"

	"github.com/svettore/spoold/pkg/mailbox"
)

// Pool is the capability surface the management dispatcher holds. The
// agent's "current pool" is never a bare nullable global: it is always a
// Pool value, either a live *Controller or the Disconnected placeholder.
type Pool interface {
	// StartSPM contends for the SPM role. prevID and prevLver are the
	// caller's last known coordinator id and lease version, compared
	// against the persisted values for diagnostics only. maxHosts sizes
	// the coordinator mailbox region. expectedVersion must not be behind
	// the persisted master version.
	StartSPM(ctx context.Context, prevID int, prevLver int64, maxHosts int, expectedVersion int) error

	// StopSPM releases the SPM role. force skips waiting for in-flight
	// upgrades and jobs.
	StopSPM(ctx context.Context, force bool) error

	// MasterMigrate moves the master role from oldMaster to newMaster,
	// bumping the pool master version to newVersion.
	MasterMigrate(ctx context.Context, oldMaster, newMaster uuid.UUID, newVersion int) error

	// Status reports the controller's current state.
	Status(ctx context.Context) (Status, error)

	// SendExtend submits a volume-extend request through this host's
	// mailbox, whether or not this host is the coordinator.
	SendExtend(domain, volume uuid.UUID, newSize uint64, onComplete mailbox.CompletionFunc) error
}

// Disconnected is the Pool placeholder used while the agent has no pool
// attached. Every call fails with ErrPoolNotConnected.
type Disconnected struct{}

func (Disconnected) StartSPM(ctx context.Context, prevID int, prevLver int64, maxHosts int, expectedVersion int) error {
	return ErrPoolNotConnected
}

func (Disconnected) StopSPM(ctx context.Context, force bool) error {
	return ErrPoolNotConnected
}

func (Disconnected) MasterMigrate(ctx context.Context, oldMaster, newMaster uuid.UUID, newVersion int) error {
	return ErrPoolNotConnected
}

func (Disconnected) Status(ctx context.Context) (Status, error) {
	return Status{}, ErrPoolNotConnected
}

func (Disconnected) SendExtend(domain, volume uuid.UUID, newSize uint64, onComplete mailbox.CompletionFunc) error {
	return ErrPoolNotConnected
}
