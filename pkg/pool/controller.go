package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/svettore/spoold/internal/logger"
	"github.com/svettore/spoold/pkg/blockio"
	"github.com/svettore/spoold/pkg/mailbox"
	"github.com/svettore/spoold/pkg/metrics"
	"github.com/svettore/spoold/pkg/pool/metadata"
	"github.com/svettore/spoold/pkg/workerpool"
)

// ControllerConfig holds the per-pool controller tunables.
type ControllerConfig struct {
	// PoolID identifies the storage pool.
	PoolID uuid.UUID

	// HostID is this host's stable id within the pool.
	HostID int

	// MaxHosts sizes the requester-side mailbox region. The coordinator
	// region is sized per StartSPM call.
	MaxHosts int

	// PollInterval for both mailbox roles. Default: mailbox default.
	PollInterval time.Duration

	// Workers configures the mailbox worker pools.
	Workers workerpool.Config

	// StopTimeout bounds mailbox shutdown and worker drain during
	// StopSPM. Exceeding it is process-fatal. Default: 30s.
	StopTimeout time.Duration

	// ExtendTimeout bounds one volume-extend handler run. Default: 60s.
	ExtendTimeout time.Duration
}

func (c *ControllerConfig) applyDefaults() {
	if c.StopTimeout <= 0 {
		c.StopTimeout = 30 * time.Second
	}
	if c.ExtendTimeout <= 0 {
		c.ExtendTimeout = 60 * time.Second
	}
}

// ControllerDeps bundles the controller's collaborators.
type ControllerDeps struct {
	// Master is the pool's master domain.
	Master Domain

	// Domains holds every attached domain, including the master.
	Domains map[uuid.UUID]Domain

	// Transport moves mailbox blocks. Required when the master domain
	// supports the mailbox.
	Transport blockio.Transport

	// Jobs is the persisted-job collaborator; nil means NopJobs.
	Jobs Jobs

	// Extender performs privileged volume grows; nil disables the extend
	// handler (requests are then ignored as unknown opcodes would be).
	Extender VolumeExtender

	// PoolMetrics / MailboxMetrics may be nil.
	PoolMetrics    *metrics.PoolMetrics
	MailboxMetrics *metrics.MailboxMetrics
}

// Controller drives the FREE → CONTEND → ACQUIRED → FREE state machine for
// one pool and owns both mailbox roles' lifecycles. Exactly one Controller
// exists per connected pool per process.
type Controller struct {
	cfg      ControllerConfig
	master   Domain
	domains  map[uuid.UUID]Domain
	tr       blockio.Transport
	jobs     Jobs
	extender VolumeExtender
	pm       *metrics.PoolMetrics
	mm       *metrics.MailboxMetrics

	// transitions serializes whole start/stop/migrate operations. Lease
	// acquisition inside it may block for the configured lease timeout;
	// roleMu below is only ever held briefly.
	transitions sync.Mutex

	// roleMu guards the fields underneath it.
	roleMu     sync.Mutex
	role       Role
	lver       int64
	hostIDHeld bool
	leaseHeld  bool
	spm        *mailbox.SPM
	hsm        *mailbox.HSM

	// upgradeGuard is the upgrade-exclusion resource: format upgrades run
	// under it so domain attach/detach (which share the guard) cannot
	// race them.
	upgradeGuard sync.Mutex

	// fatal is called when continuing would risk split-brain storage
	// corruption. Tests inject a recorder; the default exits the process.
	fatal func(msg string, args ...any)
}

// NewController builds a controller in the FREE role.
func NewController(cfg ControllerConfig, deps ControllerDeps) *Controller {
	cfg.applyDefaults()
	if deps.Jobs == nil {
		deps.Jobs = NopJobs{}
	}

	return &Controller{
		cfg:      cfg,
		master:   deps.Master,
		domains:  deps.Domains,
		tr:       deps.Transport,
		jobs:     deps.Jobs,
		extender: deps.Extender,
		pm:       deps.PoolMetrics,
		mm:       deps.MailboxMetrics,
		fatal:    logger.Fatal,
	}
}

// SetFatalFunc replaces the process-fatal hook. Tests only.
func (c *Controller) SetFatalFunc(fn func(msg string, args ...any)) {
	c.fatal = fn
}

// Start brings up the requester-side mailbox. It is called once when the
// agent connects the pool, independent of the SPM role.
func (c *Controller) Start(ctx context.Context) error {
	if !c.master.SupportsMailbox() {
		logger.Info("master domain declares no mailbox support; requester mailbox disabled",
			logger.KeyPool, c.cfg.PoolID)
		return nil
	}

	inbox, outbox := c.master.MailboxExtents()
	regionSize := int64(c.cfg.MaxHosts+1) * mailbox.MailboxSize
	if err := blockio.EnsureSize(inbox, regionSize); err != nil {
		return fmt.Errorf("inbox extent unusable: %w", err)
	}
	if err := blockio.EnsureSize(outbox, regionSize); err != nil {
		return fmt.Errorf("outbox extent unusable: %w", err)
	}

	hsm := mailbox.NewHSM(mailbox.HSMConfig{
		HostID:       c.cfg.HostID,
		InboxPath:    inbox,
		OutboxPath:   outbox,
		PollInterval: c.cfg.PollInterval,
		Workers:      c.cfg.Workers,
		Metrics:      c.mm,
	}, c.tr)
	hsm.Start()

	c.roleMu.Lock()
	c.hsm = hsm
	c.roleMu.Unlock()
	return nil
}

// Shutdown disconnects the pool: a forced StopSPM if the role is held,
// then the requester mailbox.
func (c *Controller) Shutdown(ctx context.Context) error {
	var err error
	if st, _ := c.Status(ctx); st.Role != RoleFree.String() {
		err = c.StopSPM(ctx, true)
	}

	c.roleMu.Lock()
	hsm := c.hsm
	c.hsm = nil
	c.roleMu.Unlock()
	if hsm != nil {
		hsm.Stop(c.cfg.StopTimeout)
	}
	return err
}

// SendExtend implements Pool.
func (c *Controller) SendExtend(domain, volume uuid.UUID, newSize uint64, onComplete mailbox.CompletionFunc) error {
	c.roleMu.Lock()
	hsm := c.hsm
	c.roleMu.Unlock()
	if hsm == nil {
		return ErrMailboxUnsupported
	}
	return hsm.SendExtend(domain, volume, newSize, onComplete)
}

// Status implements Pool.
func (c *Controller) Status(ctx context.Context) (Status, error) {
	c.roleMu.Lock()
	st := Status{
		PoolID:       c.cfg.PoolID,
		HostID:       c.cfg.HostID,
		Role:         c.role.String(),
		LeaseVersion: c.lver,
	}
	master := c.master // migration swaps this under roleMu
	c.roleMu.Unlock()

	st.MasterDomain = master.ID()
	if store, err := master.Metadata(); err == nil {
		if meta, err := store.Get(ctx); err == nil {
			st.MasterVersion = meta.MasterVersion
			st.LeaseVersion = meta.LeaseVersion
		}
	}
	return st, nil
}

// StartSPM implements Pool. See the package doc for the state machine; in
// short: idempotent success when already acquired, a distinct error when a
// contention is already in flight, and a guaranteed return to a clean FREE
// state (host id released) on any failure past the CONTEND transition.
func (c *Controller) StartSPM(ctx context.Context, prevID int, prevLver int64, maxHosts int, expectedVersion int) error {
	c.roleMu.Lock()
	switch c.role {
	case RoleAcquired:
		c.roleMu.Unlock()
		logger.Info("already the SPM", logger.KeyPool, c.cfg.PoolID)
		return nil
	case RoleContending:
		c.roleMu.Unlock()
		c.pm.RecordStart("rejected")
		return ErrContending
	}
	c.roleMu.Unlock()

	// The caller must not contend on stale pool state.
	if onDisk, err := c.onDiskMasterVersion(ctx); err != nil {
		c.pm.RecordStart("failed")
		return fmt.Errorf("cannot read pool metadata: %w", err)
	} else if expectedVersion < onDisk {
		c.pm.RecordStart("rejected")
		return &VersionError{Expected: expectedVersion, OnDisk: onDisk}
	}

	c.roleMu.Lock()
	if c.role != RoleFree {
		// Lost the admission race to a concurrent caller.
		already := c.role == RoleAcquired
		c.roleMu.Unlock()
		if already {
			return nil
		}
		c.pm.RecordStart("rejected")
		return ErrContending
	}
	c.setRole(RoleContending)
	c.roleMu.Unlock()

	c.transitions.Lock()
	defer c.transitions.Unlock()

	if err := c.contend(ctx, prevID, prevLver, maxHosts, expectedVersion); err != nil {
		logger.Error("SPM contention failed, forcing cleanup",
			logger.KeyPool, c.cfg.PoolID, logger.KeyError, err)
		if stopErr := c.stopHolding(ctx, true); stopErr != nil {
			logger.Error("forced stop after failed contention also failed",
				logger.KeyError, stopErr)
		}
		c.pm.RecordStart("failed")
		return err
	}

	c.pm.RecordStart("acquired")
	return nil
}

// onDiskMasterVersion reads the persisted master version; a pool that has
// never been activated reads as version 0.
func (c *Controller) onDiskMasterVersion(ctx context.Context) (int, error) {
	c.roleMu.Lock()
	master := c.master
	c.roleMu.Unlock()

	store, err := master.Metadata()
	if err != nil {
		return 0, err
	}
	meta, err := store.Get(ctx)
	if errors.Is(err, metadata.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return meta.MasterVersion, nil
}

// contend runs the acquisition sequence. The caller holds c.transitions
// and has already moved the role to CONTEND; any error return is followed
// by a forced stop.
func (c *Controller) contend(ctx context.Context, prevID int, prevLver int64, maxHosts, expectedVersion int) error {
	store, err := c.master.Metadata()
	if err != nil {
		return err
	}
	meta, err := store.Get(ctx)
	if err != nil && !errors.Is(err, metadata.ErrNotFound) {
		return err
	}

	// Diagnostic only: the previously recorded holder is logged, never
	// enforced. The lease below is the actual arbiter.
	if meta.CoordinatorID != prevID || meta.LeaseVersion != prevLver {
		logger.Warn("persisted SPM record differs from caller's expectation",
			"recorded_id", meta.CoordinatorID, "expected_id", prevID,
			"recorded_lver", meta.LeaseVersion, "expected_lver", prevLver)
	}

	lock := c.master.Lock()
	if err := lock.AcquireHostID(ctx, c.cfg.HostID); err != nil {
		return fmt.Errorf("failed to acquire host id %d: %w", c.cfg.HostID, err)
	}
	c.roleMu.Lock()
	c.hostIDHeld = true
	c.roleMu.Unlock()

	if err := lock.Acquire(ctx, c.cfg.HostID); err != nil {
		return fmt.Errorf("failed to acquire SPM lease: %w", err)
	}
	c.roleMu.Lock()
	c.leaseHeld = true
	c.roleMu.Unlock()

	newLver := meta.LeaseVersion + 1
	if err := store.SetCoordinator(ctx, c.cfg.HostID, newLver); err != nil {
		return fmt.Errorf("failed to persist coordinator record: %w", err)
	}
	c.roleMu.Lock()
	c.lver = newLver
	c.roleMu.Unlock()

	c.upgradeGuard.Lock()
	err = c.master.Upgrade(ctx)
	c.upgradeGuard.Unlock()
	if err != nil {
		return fmt.Errorf("pending domain upgrade failed: %w", err)
	}

	if err := c.master.MountMaster(ctx); err != nil {
		return fmt.Errorf("failed to mount master filesystem: %w", err)
	}

	// Non-fatal: a backup domain that wandered off is an operator problem,
	// not a reason to refuse the role.
	for id, d := range c.domains {
		if id != c.master.ID() && !d.IsMounted() {
			logger.Warn("backup domain not mounted", logger.KeyDomain, id)
		}
	}

	if err := c.jobs.Reload(ctx, c.cfg.PoolID); err != nil {
		return fmt.Errorf("failed to reload persisted jobs: %w", err)
	}

	c.roleMu.Lock()
	c.setRole(RoleAcquired)
	c.roleMu.Unlock()
	logger.Info("SPM role acquired",
		logger.KeyPool, c.cfg.PoolID,
		logger.KeyHostID, c.cfg.HostID,
		logger.KeyLver, newLver)

	// Mailbox traffic is trusted only from this point on.
	if c.master.SupportsMailbox() {
		if err := c.startCoordinatorMailbox(maxHosts); err != nil {
			return err
		}
	} else {
		logger.Info("master domain declares no mailbox support",
			logger.KeyDomain, c.master.ID())
	}

	if err := c.jobs.Resume(ctx); err != nil {
		return fmt.Errorf("failed to resume persisted jobs: %w", err)
	}
	return nil
}

func (c *Controller) startCoordinatorMailbox(maxHosts int) error {
	inbox, outbox := c.master.MailboxExtents()
	regionSize := int64(maxHosts+1) * mailbox.MailboxSize
	if err := blockio.EnsureSize(inbox, regionSize); err != nil {
		return fmt.Errorf("inbox extent unusable: %w", err)
	}
	if err := blockio.EnsureSize(outbox, regionSize); err != nil {
		return fmt.Errorf("outbox extent unusable: %w", err)
	}

	spm := mailbox.NewSPM(mailbox.SPMConfig{
		InboxPath:    inbox,
		OutboxPath:   outbox,
		MaxHosts:     maxHosts,
		PollInterval: c.cfg.PollInterval,
		Workers:      c.cfg.Workers,
		Metrics:      c.mm,
	}, c.tr)
	if c.extender != nil {
		spm.RegisterHandler(mailbox.OpExtend, c.handleExtend)
	}
	spm.Start()

	c.roleMu.Lock()
	c.spm = spm
	c.roleMu.Unlock()
	return nil
}

// handleExtend is the coordinator's xtnd handler. It replies exactly once:
// a failed extend replies with granted size zero rather than staying
// silent, because retries are the requester's responsibility and silence
// would starve it.
func (c *Controller) handleExtend(msg mailbox.Message, id mailbox.MessageID) {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.ExtendTimeout)
	defer cancel()

	var granted uint64
	if c.extender != nil {
		var err error
		granted, err = c.extender.Extend(ctx, msg.Domain, msg.Volume, msg.Size)
		if err != nil {
			logger.Error("volume extend failed",
				logger.KeyDomain, msg.Domain, logger.KeyVolume, msg.Volume,
				logger.KeySize, msg.Size, logger.KeyError, err)
			granted = 0
		}
	}

	c.roleMu.Lock()
	spm := c.spm
	c.roleMu.Unlock()
	if spm == nil {
		logger.Warn("reply dropped: coordinator mailbox already stopped",
			logger.KeyMsgID, int(id))
		return
	}
	if err := spm.SendReply(id, mailbox.NewExtendReply(msg, granted)); err != nil {
		logger.Error("failed to send extend reply",
			logger.KeyMsgID, int(id), logger.KeyError, err)
	}
}

// StopSPM implements Pool.
func (c *Controller) StopSPM(ctx context.Context, force bool) error {
	c.roleMu.Lock()
	if c.role == RoleContending {
		c.roleMu.Unlock()
		c.pm.RecordStop("rejected")
		return ErrContending
	}
	c.roleMu.Unlock()

	c.transitions.Lock()
	defer c.transitions.Unlock()

	if err := c.stopHolding(ctx, force); err != nil {
		c.pm.RecordStop("failed")
		return err
	}
	c.pm.RecordStop("stopped")
	return nil
}

// stopHolding tears the role down in reverse acquisition order. The caller
// holds c.transitions. It is idempotent: a controller already FREE with
// nothing held returns immediately, which is what makes a repeated
// StartSPM after a partial failure start from a clean slate.
func (c *Controller) stopHolding(ctx context.Context, force bool) error {
	c.roleMu.Lock()
	idle := c.role == RoleFree && !c.hostIDHeld && !c.leaseHeld && c.spm == nil
	mb := c.spm
	c.spm = nil
	c.roleMu.Unlock()
	if idle {
		return nil
	}

	if !force {
		// Await in-flight upgrades and jobs; a forced stop skips both.
		c.upgradeGuard.Lock()
		c.upgradeGuard.Unlock()
		if err := c.jobs.Await(ctx); err != nil {
			logger.Warn("persisted jobs did not settle before stop", logger.KeyError, err)
		}
	}

	if err := c.master.UnmountMaster(ctx); err != nil {
		c.fatal("failed to unmount master filesystem; refusing to continue with undefined role",
			logger.KeyDomain, c.master.ID(), logger.KeyError, err)
		return err
	}

	if mb != nil && !mb.Stop(c.cfg.StopTimeout) {
		c.fatal("coordinator mailbox failed to stop within bound; role would be undefined",
			logger.KeyPool, c.cfg.PoolID)
		return errors.New("coordinator mailbox stop timed out")
	}

	// Best-effort: losing this write only costs a diagnostic warning on
	// the next acquisition.
	if store, err := c.master.Metadata(); err == nil {
		c.roleMu.Lock()
		lver := c.lver
		c.roleMu.Unlock()
		if err := store.SetCoordinator(ctx, metadata.CoordinatorFree, lver); err != nil {
			logger.Warn("failed to persist free coordinator record", logger.KeyError, err)
		}
	} else {
		logger.Warn("failed to open metadata store while stopping", logger.KeyError, err)
	}

	lock := c.master.Lock()

	c.roleMu.Lock()
	leaseHeld, hostIDHeld := c.leaseHeld, c.hostIDHeld
	c.roleMu.Unlock()

	if leaseHeld {
		if err := lock.Release(ctx); err != nil {
			c.fatal("failed to release SPM lease; continuing would risk split brain",
				logger.KeyPool, c.cfg.PoolID, logger.KeyError, err)
			return err
		}
		c.roleMu.Lock()
		c.leaseHeld = false
		c.roleMu.Unlock()
	}

	if hostIDHeld {
		if err := lock.ReleaseHostID(ctx, c.cfg.HostID); err != nil {
			logger.Warn("failed to release host id", logger.KeyHostID, c.cfg.HostID,
				logger.KeyError, err)
		}
		c.roleMu.Lock()
		c.hostIDHeld = false
		c.roleMu.Unlock()
	}

	c.roleMu.Lock()
	c.setRole(RoleFree)
	c.roleMu.Unlock()
	logger.Info("SPM role released", logger.KeyPool, c.cfg.PoolID)
	return nil
}

// setRole records the role. Caller holds roleMu.
func (c *Controller) setRole(r Role) {
	c.role = r
	c.pm.SetRole(int(r))
}
