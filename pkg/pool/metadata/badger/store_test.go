package badger

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/svettore/spoold/pkg/pool/metadata"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()

	store, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestStore_GetBeforeFirstWrite(t *testing.T) {
	t.Parallel()

	store := openTestStore(t)
	_, err := store.Get(context.Background())
	assert.ErrorIs(t, err, metadata.ErrNotFound)
}

func TestStore_PutGetRoundTrip(t *testing.T) {
	t.Parallel()

	store := openTestStore(t)
	ctx := context.Background()

	domainA, domainB := uuid.New(), uuid.New()
	want := metadata.PoolMetadata{
		PoolID:        uuid.New(),
		MasterDomain:  domainA,
		MasterVersion: 3,
		LeaseVersion:  17,
		CoordinatorID: 2,
		Domains:       map[uuid.UUID]string{domainA: "active", domainB: "attached"},
	}
	require.NoError(t, store.Put(ctx, want))

	got, err := store.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestStore_PartialUpdatesPreserveTheRest(t *testing.T) {
	t.Parallel()

	store := openTestStore(t)
	ctx := context.Background()

	master := uuid.New()
	require.NoError(t, store.Put(ctx, metadata.PoolMetadata{
		PoolID:        uuid.New(),
		MasterDomain:  master,
		MasterVersion: 1,
	}))

	require.NoError(t, store.SetCoordinator(ctx, 5, 8))
	got, err := store.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, got.CoordinatorID)
	assert.Equal(t, int64(8), got.LeaseVersion)
	assert.Equal(t, master, got.MasterDomain, "coordinator update must not touch the master record")

	newMaster := uuid.New()
	require.NoError(t, store.SetMaster(ctx, newMaster, 2))
	got, err = store.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, newMaster, got.MasterDomain)
	assert.Equal(t, 2, got.MasterVersion)
	assert.Equal(t, 5, got.CoordinatorID, "master flip must not touch the coordinator record")

	domains := map[uuid.UUID]string{newMaster: "active"}
	require.NoError(t, store.SetDomains(ctx, domains))
	got, err = store.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, domains, got.Domains)
}

func TestStore_UpdateOnEmptyStoreCreatesRecord(t *testing.T) {
	t.Parallel()

	store := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.SetCoordinator(ctx, metadata.CoordinatorFree, 0))

	got, err := store.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, metadata.CoordinatorFree, got.CoordinatorID)
}

func TestStore_PersistsAcrossReopen(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	ctx := context.Background()

	store, err := Open(dir)
	require.NoError(t, err)
	require.NoError(t, store.SetMaster(ctx, uuid.MustParse("11111111-1111-1111-1111-111111111111"), 4))
	require.NoError(t, store.Close())

	reopened, err := Open(dir)
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, got.MasterVersion)
}

func TestStore_HonorsCanceledContext(t *testing.T) {
	t.Parallel()

	store := openTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := store.Get(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.ErrorIs(t, store.Put(ctx, metadata.PoolMetadata{}), context.Canceled)
	assert.ErrorIs(t, store.SetCoordinator(ctx, 1, 1), context.Canceled)
}
