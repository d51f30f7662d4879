package pool

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/svettore/spoold/pkg/blockio"
	"github.com/svettore/spoold/pkg/mailbox"
	"github.com/svettore/spoold/pkg/pool/metadata"
)

// fakeDomain is an in-process Domain for controller tests. Its lock and
// metadata store come from the package's own test doubles, so every
// controller error path is reachable through their failure injection.
type fakeDomain struct {
	id     uuid.UUID
	lock   *MemoryLock
	store  *metadata.MemoryStore
	dir    string
	inbox  string
	outbox string

	failMount   error
	failUnmount error
	failPromote error
	metaErr     error

	mu      sync.Mutex
	mounted bool
	role    string
	version int
}

func newFakeDomain(t *testing.T) *fakeDomain {
	t.Helper()
	return &fakeDomain{
		id:    uuid.New(),
		lock:  NewMemoryLock(),
		store: metadata.NewMemoryStore(),
		dir:   filepath.Join(t.TempDir(), "master"),
	}
}

func (d *fakeDomain) ID() uuid.UUID     { return d.id }
func (d *fakeDomain) Lock() ClusterLock { return d.lock }

func (d *fakeDomain) FormatVersion() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.version
}

func (d *fakeDomain) Upgrade(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.version = currentFormatVersion
	return nil
}

func (d *fakeDomain) MountMaster(ctx context.Context) error {
	if d.failMount != nil {
		return d.failMount
	}
	if err := os.MkdirAll(d.dir, 0755); err != nil {
		return err
	}
	d.mu.Lock()
	d.mounted = true
	d.mu.Unlock()
	return nil
}

func (d *fakeDomain) UnmountMaster(ctx context.Context) error {
	if d.failUnmount != nil {
		return d.failUnmount
	}
	d.mu.Lock()
	d.mounted = false
	d.mu.Unlock()
	return nil
}

func (d *fakeDomain) IsMounted() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.mounted
}

func (d *fakeDomain) MasterDir() string { return d.dir }

func (d *fakeDomain) Metadata() (metadata.Store, error) {
	if d.metaErr != nil {
		return nil, d.metaErr
	}
	return d.store, nil
}

func (d *fakeDomain) SupportsMailbox() bool            { return d.inbox != "" && d.outbox != "" }
func (d *fakeDomain) MailboxExtents() (string, string) { return d.inbox, d.outbox }

func (d *fakeDomain) Promote(ctx context.Context) error {
	if d.failPromote != nil {
		return d.failPromote
	}
	d.mu.Lock()
	d.role = "master"
	d.mu.Unlock()
	return nil
}

func (d *fakeDomain) Demote(ctx context.Context) error {
	d.mu.Lock()
	d.role = "regular"
	d.mu.Unlock()
	return nil
}

func (d *fakeDomain) currentRole() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.role
}

// gateJobs blocks Reload until the gate opens, which holds a StartSPM in
// the CONTEND state for as long as a test needs.
type gateJobs struct {
	NopJobs
	gate chan struct{}
}

func (g *gateJobs) Reload(ctx context.Context, poolID uuid.UUID) error {
	<-g.gate
	return nil
}

func newTestController(t *testing.T, master *fakeDomain, deps ControllerDeps) *Controller {
	t.Helper()
	deps.Master = master
	if deps.Domains == nil {
		deps.Domains = map[uuid.UUID]Domain{master.id: master}
	}
	c := NewController(ControllerConfig{
		PoolID:      uuid.New(),
		HostID:      7,
		MaxHosts:    4,
		StopTimeout: time.Second,
	}, deps)
	c.SetFatalFunc(func(msg string, args ...any) {})
	return c
}

// ============================================================================
// StartSPM Tests
// ============================================================================

func TestController_StartSPM_Acquires(t *testing.T) {
	t.Parallel()

	master := newFakeDomain(t)
	c := newTestController(t, master, ControllerDeps{})

	ctx := context.Background()
	require.NoError(t, c.StartSPM(ctx, metadata.CoordinatorFree, 0, 4, 0))

	st, err := c.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, RoleAcquired.String(), st.Role)
	assert.Equal(t, int64(1), st.LeaseVersion)
	assert.Equal(t, master.id, st.MasterDomain)

	assert.True(t, master.lock.Held())
	assert.True(t, master.lock.HoldsHostID(7))
	assert.True(t, master.IsMounted())
	assert.Equal(t, currentFormatVersion, master.FormatVersion(),
		"pending format upgrade must run during acquisition")

	meta, err := master.store.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, 7, meta.CoordinatorID)
	assert.Equal(t, int64(1), meta.LeaseVersion)
}

func TestController_StartSPM_IdempotentWhenAcquired(t *testing.T) {
	t.Parallel()

	master := newFakeDomain(t)
	c := newTestController(t, master, ControllerDeps{})

	ctx := context.Background()
	require.NoError(t, c.StartSPM(ctx, metadata.CoordinatorFree, 0, 4, 0))
	require.NoError(t, c.StartSPM(ctx, metadata.CoordinatorFree, 0, 4, 0))

	meta, err := master.store.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), meta.LeaseVersion,
		"repeated start must not re-acquire or bump the lease version")
}

func TestController_StartSPM_RejectsStaleVersion(t *testing.T) {
	t.Parallel()

	master := newFakeDomain(t)
	master.store.Seed(metadata.PoolMetadata{
		MasterDomain:  master.id,
		MasterVersion: 3,
		CoordinatorID: metadata.CoordinatorFree,
	})
	c := newTestController(t, master, ControllerDeps{})

	err := c.StartSPM(context.Background(), metadata.CoordinatorFree, 0, 4, 2)

	var verr *VersionError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, 2, verr.Expected)
	assert.Equal(t, 3, verr.OnDisk)

	st, _ := c.Status(context.Background())
	assert.Equal(t, RoleFree.String(), st.Role)
	assert.False(t, master.lock.Held())
}

func TestController_StartSPM_ConcurrentContentionRejected(t *testing.T) {
	t.Parallel()

	master := newFakeDomain(t)
	jobs := &gateJobs{gate: make(chan struct{})}
	c := newTestController(t, master, ControllerDeps{Jobs: jobs})

	ctx := context.Background()
	first := make(chan error, 1)
	go func() { first <- c.StartSPM(ctx, metadata.CoordinatorFree, 0, 4, 0) }()

	require.Eventually(t, func() bool {
		st, _ := c.Status(ctx)
		return st.Role == RoleContending.String()
	}, time.Second, 2*time.Millisecond)

	err := c.StartSPM(ctx, metadata.CoordinatorFree, 0, 4, 0)
	assert.ErrorIs(t, err, ErrContending)

	close(jobs.gate)
	require.NoError(t, <-first)

	st, _ := c.Status(ctx)
	assert.Equal(t, RoleAcquired.String(), st.Role)
}

func TestController_StartSPM_FailureReturnsToCleanFree(t *testing.T) {
	t.Parallel()

	master := newFakeDomain(t)
	master.lock.FailAcquire = 1
	c := newTestController(t, master, ControllerDeps{})

	ctx := context.Background()
	err := c.StartSPM(ctx, metadata.CoordinatorFree, 0, 4, 0)
	require.Error(t, err)

	st, _ := c.Status(ctx)
	assert.Equal(t, RoleFree.String(), st.Role)
	assert.False(t, master.lock.Held())
	assert.False(t, master.lock.HoldsHostID(7),
		"host id acquired before the failure must be released")

	// The slate is clean: a retry succeeds.
	require.NoError(t, c.StartSPM(ctx, metadata.CoordinatorFree, 0, 4, 0))
	st, _ = c.Status(ctx)
	assert.Equal(t, RoleAcquired.String(), st.Role)
}

func TestController_StartSPM_MountFailureCleansUp(t *testing.T) {
	t.Parallel()

	master := newFakeDomain(t)
	master.failMount = errors.New("backing storage gone")
	c := newTestController(t, master, ControllerDeps{})

	err := c.StartSPM(context.Background(), metadata.CoordinatorFree, 0, 4, 0)
	require.ErrorContains(t, err, "backing storage gone")

	assert.False(t, master.lock.Held(), "lease must not survive a failed start")
	st, _ := c.Status(context.Background())
	assert.Equal(t, RoleFree.String(), st.Role)
}

// ============================================================================
// StopSPM Tests
// ============================================================================

func TestController_StopSPM_ReleasesEverything(t *testing.T) {
	t.Parallel()

	master := newFakeDomain(t)
	c := newTestController(t, master, ControllerDeps{})

	ctx := context.Background()
	require.NoError(t, c.StartSPM(ctx, metadata.CoordinatorFree, 0, 4, 0))
	require.NoError(t, c.StopSPM(ctx, false))

	st, _ := c.Status(ctx)
	assert.Equal(t, RoleFree.String(), st.Role)
	assert.False(t, master.lock.Held())
	assert.False(t, master.lock.HoldsHostID(7))
	assert.False(t, master.IsMounted())

	meta, err := master.store.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, metadata.CoordinatorFree, meta.CoordinatorID)
	assert.Equal(t, int64(1), meta.LeaseVersion,
		"release keeps the lease version for handover diagnostics")
}

func TestController_StopSPM_NoopWhenFree(t *testing.T) {
	t.Parallel()

	master := newFakeDomain(t)
	c := newTestController(t, master, ControllerDeps{})

	assert.NoError(t, c.StopSPM(context.Background(), false))
	assert.False(t, master.lock.Held())
}

func TestController_StopSPM_LeaseReleaseFailureIsFatal(t *testing.T) {
	t.Parallel()

	master := newFakeDomain(t)
	c := newTestController(t, master, ControllerDeps{})

	var fatalMsg string
	c.SetFatalFunc(func(msg string, args ...any) { fatalMsg = msg })

	ctx := context.Background()
	require.NoError(t, c.StartSPM(ctx, metadata.CoordinatorFree, 0, 4, 0))

	master.lock.FailRelease = 1
	err := c.StopSPM(ctx, true)
	require.Error(t, err)
	assert.Contains(t, fatalMsg, "split brain")
}

func TestController_StopSPM_UnmountFailureIsFatal(t *testing.T) {
	t.Parallel()

	master := newFakeDomain(t)
	c := newTestController(t, master, ControllerDeps{})

	var fatalMsg string
	c.SetFatalFunc(func(msg string, args ...any) { fatalMsg = msg })

	ctx := context.Background()
	require.NoError(t, c.StartSPM(ctx, metadata.CoordinatorFree, 0, 4, 0))

	master.failUnmount = errors.New("device busy")
	err := c.StopSPM(ctx, true)
	require.Error(t, err)
	assert.Contains(t, fatalMsg, "unmount")
}

// ============================================================================
// Mailbox Wiring Tests
// ============================================================================

func TestController_SendExtend_WithoutMailboxSupport(t *testing.T) {
	t.Parallel()

	master := newFakeDomain(t)
	c := newTestController(t, master, ControllerDeps{})

	require.NoError(t, c.Start(context.Background()))
	err := c.SendExtend(uuid.New(), uuid.New(), 4096, nil)
	assert.ErrorIs(t, err, ErrMailboxUnsupported)
}

func TestController_ExtendRoundTripThroughOwnCoordinator(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	master := newFakeDomain(t)
	master.inbox = filepath.Join(dir, "inbox")
	master.outbox = filepath.Join(dir, "outbox")
	require.NoError(t, os.WriteFile(master.inbox, nil, 0644))
	require.NoError(t, os.WriteFile(master.outbox, nil, 0644))

	granted := make(chan uint64, 1)
	c := NewController(ControllerConfig{
		PoolID:       uuid.New(),
		HostID:       2,
		MaxHosts:     4,
		PollInterval: 5 * time.Millisecond,
		StopTimeout:  time.Second,
	}, ControllerDeps{
		Master:    master,
		Domains:   map[uuid.UUID]Domain{master.id: master},
		Transport: blockio.NewMemory(),
		Extender: ExtenderFunc(func(ctx context.Context, domain, volume uuid.UUID, newSize uint64) (uint64, error) {
			return newSize, nil
		}),
	})
	c.SetFatalFunc(func(msg string, args ...any) {})

	ctx := context.Background()
	require.NoError(t, c.Start(ctx))
	require.NoError(t, c.StartSPM(ctx, metadata.CoordinatorFree, 0, 4, 0))
	defer c.Shutdown(ctx)

	require.NoError(t, c.SendExtend(uuid.New(), uuid.New(), 1<<20, func(reply mailbox.Message) {
		granted <- reply.Size
	}))

	select {
	case size := <-granted:
		assert.Equal(t, uint64(1<<20), size)
	case <-time.After(2 * time.Second):
		t.Fatal("extend never completed through the coordinator")
	}
}

// ============================================================================
// Status Tests
// ============================================================================

func TestController_Status_ReflectsPersistedMetadata(t *testing.T) {
	t.Parallel()

	master := newFakeDomain(t)
	master.store.Seed(metadata.PoolMetadata{
		MasterDomain:  master.id,
		MasterVersion: 5,
		LeaseVersion:  12,
		CoordinatorID: 3,
	})
	c := newTestController(t, master, ControllerDeps{})

	st, err := c.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, RoleFree.String(), st.Role)
	assert.Equal(t, 5, st.MasterVersion)
	assert.Equal(t, int64(12), st.LeaseVersion)
	assert.Equal(t, master.id, st.MasterDomain)
}
