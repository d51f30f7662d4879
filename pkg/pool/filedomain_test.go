package pool

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestFileDomain(t *testing.T) *FileDomain {
	t.Helper()

	d, err := NewFileDomain(FileDomainConfig{
		ID:   uuid.New(),
		Root: t.TempDir(),
	})
	require.NoError(t, err)
	return d
}

func TestNewFileDomain_RequiresAttachedRoot(t *testing.T) {
	t.Parallel()

	_, err := NewFileDomain(FileDomainConfig{
		ID:   uuid.New(),
		Root: filepath.Join(t.TempDir(), "missing"),
	})
	assert.ErrorContains(t, err, "not attached")
}

func TestFileDomain_MountBuildsMasterSkeleton(t *testing.T) {
	t.Parallel()

	d := newTestFileDomain(t)
	ctx := context.Background()

	require.NoError(t, d.MountMaster(ctx))
	assert.True(t, d.mounted)

	for _, sub := range masterSkeleton {
		info, err := os.Stat(filepath.Join(d.MasterDir(), sub))
		require.NoError(t, err, "master tree must contain %s", sub)
		assert.True(t, info.IsDir())
	}

	// Idempotent.
	require.NoError(t, d.MountMaster(ctx))
	require.NoError(t, d.UnmountMaster(ctx))
	require.NoError(t, d.UnmountMaster(ctx))
}

func TestFileDomain_FormatUpgrade(t *testing.T) {
	t.Parallel()

	d := newTestFileDomain(t)
	ctx := context.Background()

	assert.Equal(t, 0, d.FormatVersion(), "fresh domain reads as version 0")

	require.NoError(t, d.Upgrade(ctx))
	assert.Equal(t, currentFormatVersion, d.FormatVersion())

	// Already current: no rewrite needed, still current after.
	require.NoError(t, d.Upgrade(ctx))
	assert.Equal(t, currentFormatVersion, d.FormatVersion())
}

func TestFileDomain_PromoteDemoteMarker(t *testing.T) {
	t.Parallel()

	d := newTestFileDomain(t)
	ctx := context.Background()

	require.NoError(t, d.Promote(ctx))
	data, err := os.ReadFile(d.rolePath())
	require.NoError(t, err)
	assert.Equal(t, "master", string(data))

	require.NoError(t, d.Demote(ctx))
	data, err = os.ReadFile(d.rolePath())
	require.NoError(t, err)
	assert.Equal(t, "regular", string(data))
}

func TestFileDomain_MailboxSupportRequiresBothExtents(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	noMailbox, err := NewFileDomain(FileDomainConfig{ID: uuid.New(), Root: root})
	require.NoError(t, err)
	assert.False(t, noMailbox.SupportsMailbox())

	withMailbox, err := NewFileDomain(FileDomainConfig{
		ID:         uuid.New(),
		Root:       root,
		InboxPath:  "/dev/pool/inbox",
		OutboxPath: "/dev/pool/outbox",
	})
	require.NoError(t, err)
	assert.True(t, withMailbox.SupportsMailbox())

	inbox, outbox := withMailbox.MailboxExtents()
	assert.Equal(t, "/dev/pool/inbox", inbox)
	assert.Equal(t, "/dev/pool/outbox", outbox)
}

func TestFileDomain_MetadataPersistsAcrossMounts(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	d, err := NewFileDomain(FileDomainConfig{ID: uuid.New(), Root: root})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, d.MountMaster(ctx))

	store, err := d.Metadata()
	require.NoError(t, err)
	require.NoError(t, store.SetCoordinator(ctx, 3, 9))

	// Unmount closes the store; a fresh domain on the same root reopens it.
	require.NoError(t, d.UnmountMaster(ctx))

	reopened, err := NewFileDomain(FileDomainConfig{ID: d.ID(), Root: root})
	require.NoError(t, err)
	store2, err := reopened.Metadata()
	require.NoError(t, err)
	defer store2.Close()

	meta, err := store2.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, meta.CoordinatorID)
	assert.Equal(t, int64(9), meta.LeaseVersion)
}

// ============================================================================
// FileLock Tests
// ============================================================================

func newTestFileLock(t *testing.T) *FileLock {
	t.Helper()
	return &FileLock{
		Dir:            filepath.Join(t.TempDir(), "leases"),
		AcquireTimeout: 100 * time.Millisecond,
		RetryInterval:  5 * time.Millisecond,
	}
}

func TestFileLock_AcquireRelease(t *testing.T) {
	t.Parallel()

	l := newTestFileLock(t)
	ctx := context.Background()

	require.NoError(t, l.Acquire(ctx, 7))

	info, err := l.Inspect(ctx)
	require.NoError(t, err)
	assert.True(t, info.Held)
	assert.Equal(t, 7, info.HostID)

	require.NoError(t, l.Release(ctx))
	info, err = l.Inspect(ctx)
	require.NoError(t, err)
	assert.False(t, info.Held)

	// Releasing an unheld lease is not an error.
	require.NoError(t, l.Release(ctx))
}

func TestFileLock_HeldLeaseTimesOut(t *testing.T) {
	t.Parallel()

	l := newTestFileLock(t)
	ctx := context.Background()

	require.NoError(t, l.Acquire(ctx, 1))

	other := &FileLock{Dir: l.Dir, AcquireTimeout: 50 * time.Millisecond, RetryInterval: 5 * time.Millisecond}
	err := other.Acquire(ctx, 2)
	require.ErrorContains(t, err, "timed out")

	// Holder unchanged.
	info, err := l.Inspect(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, info.HostID)
}

func TestFileLock_AcquireAfterRelease(t *testing.T) {
	t.Parallel()

	l := newTestFileLock(t)
	ctx := context.Background()

	require.NoError(t, l.Acquire(ctx, 1))
	require.NoError(t, l.Release(ctx))
	require.NoError(t, l.Acquire(ctx, 2))

	info, err := l.Inspect(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, info.HostID)
}

func TestFileLock_AcquireHonorsContext(t *testing.T) {
	t.Parallel()

	l := newTestFileLock(t)
	l.AcquireTimeout = 10 * time.Second
	ctx := context.Background()

	require.NoError(t, l.Acquire(ctx, 1))

	cancelCtx, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
	defer cancel()
	err := l.Acquire(cancelCtx, 2)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestFileLock_HostIDRegistration(t *testing.T) {
	t.Parallel()

	l := newTestFileLock(t)
	ctx := context.Background()

	require.NoError(t, l.AcquireHostID(ctx, 4))
	_, err := os.Stat(l.idPath(4))
	require.NoError(t, err)

	// A stale registration from an unclean shutdown is taken over.
	require.NoError(t, l.AcquireHostID(ctx, 4))

	require.NoError(t, l.ReleaseHostID(ctx, 4))
	_, err = os.Stat(l.idPath(4))
	assert.True(t, os.IsNotExist(err))

	// Releasing an unregistered id is not an error.
	require.NoError(t, l.ReleaseHostID(ctx, 4))
}
