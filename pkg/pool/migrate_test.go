package pool

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/svettore/spoold/pkg/pool/metadata"
)

// acquiredController returns a controller holding the SPM role on master,
// with candidate attached as a regular domain.
func acquiredController(t *testing.T, master, candidate *fakeDomain) *Controller {
	t.Helper()

	c := newTestController(t, master, ControllerDeps{
		Domains: map[uuid.UUID]Domain{
			master.id:    master,
			candidate.id: candidate,
		},
	})
	require.NoError(t, c.StartSPM(context.Background(), metadata.CoordinatorFree, 0, 4, 0))
	return c
}

func TestMasterMigrate_RequiresCoordinatorRole(t *testing.T) {
	t.Parallel()

	master := newFakeDomain(t)
	candidate := newFakeDomain(t)
	c := newTestController(t, master, ControllerDeps{
		Domains: map[uuid.UUID]Domain{master.id: master, candidate.id: candidate},
	})

	err := c.MasterMigrate(context.Background(), master.id, candidate.id, 2)
	assert.ErrorIs(t, err, ErrNotCoordinator)
}

func TestMasterMigrate_RejectsUnknownDomains(t *testing.T) {
	t.Parallel()

	master := newFakeDomain(t)
	candidate := newFakeDomain(t)
	c := acquiredController(t, master, candidate)

	ctx := context.Background()
	err := c.MasterMigrate(ctx, uuid.New(), candidate.id, 2)
	assert.ErrorIs(t, err, ErrUnknownDomain, "wrong current master must be rejected")

	err = c.MasterMigrate(ctx, master.id, uuid.New(), 2)
	assert.ErrorIs(t, err, ErrUnknownDomain, "unattached candidate must be rejected")
}

func TestMasterMigrate_MovesRoleAndMetadata(t *testing.T) {
	t.Parallel()

	master := newFakeDomain(t)
	candidate := newFakeDomain(t)
	c := acquiredController(t, master, candidate)

	ctx := context.Background()

	// Something to carry across: a file in the master tree.
	require.NoError(t, os.WriteFile(filepath.Join(master.dir, "tasks.json"), []byte("{}"), 0644))

	require.NoError(t, c.MasterMigrate(ctx, master.id, candidate.id, 2))

	st, err := c.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, RoleAcquired.String(), st.Role, "migration keeps the SPM role")
	assert.Equal(t, candidate.id, st.MasterDomain)
	assert.Equal(t, 2, st.MasterVersion)

	meta, err := candidate.store.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, candidate.id, meta.MasterDomain)
	assert.Equal(t, 2, meta.MasterVersion)
	assert.Equal(t, int64(1), meta.LeaseVersion, "lease version carries over unchanged")
	assert.Equal(t, 7, meta.CoordinatorID)

	assert.Equal(t, "master", candidate.currentRole())
	assert.True(t, candidate.lock.Held())
	assert.True(t, candidate.lock.HoldsHostID(7))

	assert.Equal(t, "regular", master.currentRole())
	assert.False(t, master.lock.Held(), "old master lease must be released")
	assert.False(t, master.lock.HoldsHostID(7))
	assert.False(t, master.IsMounted())

	copied, err := os.ReadFile(filepath.Join(candidate.dir, "tasks.json"))
	require.NoError(t, err, "master tree content must be copied to the new master")
	assert.Equal(t, []byte("{}"), copied)
}

func TestMasterMigrate_StopAfterMigrationReleasesNewMaster(t *testing.T) {
	t.Parallel()

	master := newFakeDomain(t)
	candidate := newFakeDomain(t)
	c := acquiredController(t, master, candidate)

	ctx := context.Background()
	require.NoError(t, c.MasterMigrate(ctx, master.id, candidate.id, 2))
	require.NoError(t, c.StopSPM(ctx, false))

	st, _ := c.Status(ctx)
	assert.Equal(t, RoleFree.String(), st.Role)
	assert.False(t, candidate.lock.Held(), "stop must release the migrated-to lease")
	assert.False(t, candidate.lock.HoldsHostID(7))
}

func TestMasterMigrate_RollsBackOnCandidateLeaseFailure(t *testing.T) {
	t.Parallel()

	master := newFakeDomain(t)
	candidate := newFakeDomain(t)
	candidate.lock.FailAcquire = 1
	c := acquiredController(t, master, candidate)

	ctx := context.Background()
	err := c.MasterMigrate(ctx, master.id, candidate.id, 2)
	require.Error(t, err)

	st, _ := c.Status(ctx)
	assert.Equal(t, master.id, st.MasterDomain, "failed migration keeps the old master")
	assert.Equal(t, RoleAcquired.String(), st.Role)
	assert.True(t, master.lock.Held())
	assert.False(t, candidate.lock.HoldsHostID(7),
		"candidate host id must be released on rollback")
}

func TestMasterMigrate_RollsBackOnMetadataFlipFailure(t *testing.T) {
	t.Parallel()

	master := newFakeDomain(t)
	candidate := newFakeDomain(t)
	candidate.store.FailWrites = 1
	candidate.store.WriteErr = errors.New("injected flip failure")
	c := acquiredController(t, master, candidate)

	ctx := context.Background()
	err := c.MasterMigrate(ctx, master.id, candidate.id, 2)
	require.ErrorContains(t, err, "injected flip failure")

	st, _ := c.Status(ctx)
	assert.Equal(t, master.id, st.MasterDomain)
	assert.True(t, master.lock.Held(), "old master lease untouched by the rollback")
	assert.False(t, candidate.lock.Held(), "candidate lease released on rollback")
	assert.Equal(t, "regular", candidate.currentRole(),
		"candidate promotion must be undone when the flip fails")
}

func TestMasterMigrate_RollsBackOnPromoteFailure(t *testing.T) {
	t.Parallel()

	master := newFakeDomain(t)
	candidate := newFakeDomain(t)
	candidate.failPromote = errors.New("marker write failed")
	c := acquiredController(t, master, candidate)

	ctx := context.Background()
	err := c.MasterMigrate(ctx, master.id, candidate.id, 2)
	require.ErrorContains(t, err, "marker write failed")

	st, _ := c.Status(ctx)
	assert.Equal(t, master.id, st.MasterDomain)
	assert.False(t, candidate.lock.Held())
	assert.False(t, candidate.lock.HoldsHostID(7))
}

func TestMasterMigrate_StatusCoherentDuringMigration(t *testing.T) {
	t.Parallel()

	master := newFakeDomain(t)
	candidate := newFakeDomain(t)
	c := acquiredController(t, master, candidate)

	ctx := context.Background()
	stop := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				st, err := c.Status(ctx)
				if err != nil {
					continue
				}
				if st.MasterDomain != master.id && st.MasterDomain != candidate.id {
					t.Errorf("status reported a master that never existed: %s", st.MasterDomain)
					return
				}
			}
		}()
	}

	// Migrate back and forth under the status hammer. The race detector
	// flags any unsynchronized read of the master swap.
	require.NoError(t, c.MasterMigrate(ctx, master.id, candidate.id, 2))
	require.NoError(t, c.MasterMigrate(ctx, candidate.id, master.id, 3))

	close(stop)
	wg.Wait()

	st, err := c.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, master.id, st.MasterDomain)
	assert.Equal(t, 3, st.MasterVersion)
}
