package pool

import (
	"context"
	"fmt"
	"os"

	"github.com/google/uuid"

	"github.com/svettore/spoold/internal/logger"
)

// MasterMigrate implements Pool. It moves the master role to another
// attached domain while this host is SPM.
//
// The persisted metadata flip on the candidate is the point of no return:
// before it, any failure fully releases the candidate's acquired lease and
// host id; after it, the pool's authoritative record already names the new
// master, so remaining failures are cleanup problems to log, never reasons
// to roll back.
func (c *Controller) MasterMigrate(ctx context.Context, oldMaster, newMaster uuid.UUID, newVersion int) error {
	c.roleMu.Lock()
	if c.role != RoleAcquired {
		c.roleMu.Unlock()
		c.pm.RecordMigration("rejected")
		return ErrNotCoordinator
	}
	c.roleMu.Unlock()

	c.transitions.Lock()
	defer c.transitions.Unlock()

	if c.master.ID() != oldMaster {
		c.pm.RecordMigration("rejected")
		return fmt.Errorf("%w: %s is not the current master", ErrUnknownDomain, oldMaster)
	}
	candidate, ok := c.domains[newMaster]
	if !ok {
		c.pm.RecordMigration("rejected")
		return fmt.Errorf("%w: %s", ErrUnknownDomain, newMaster)
	}

	logger.Info("master migration starting",
		logger.KeyPool, c.cfg.PoolID,
		"old_master", oldMaster, "new_master", newMaster,
		logger.KeyMasterVersion, newVersion)

	if err := c.migrateTo(ctx, candidate, newVersion); err != nil {
		c.pm.RecordMigration("failed")
		return err
	}

	c.pm.RecordMigration("migrated")
	return nil
}

func (c *Controller) migrateTo(ctx context.Context, candidate Domain, newVersion int) error {
	clock := candidate.Lock()

	// Phase 1: everything here must be fully undone on failure.
	if err := clock.AcquireHostID(ctx, c.cfg.HostID); err != nil {
		return fmt.Errorf("failed to acquire host id on candidate: %w", err)
	}
	undo := func() {
		if err := clock.Release(ctx); err != nil {
			logger.Warn("failed to release candidate lease during rollback", logger.KeyError, err)
		}
		if err := clock.ReleaseHostID(ctx, c.cfg.HostID); err != nil {
			logger.Warn("failed to release candidate host id during rollback", logger.KeyError, err)
		}
	}

	if err := clock.Acquire(ctx, c.cfg.HostID); err != nil {
		if rerr := clock.ReleaseHostID(ctx, c.cfg.HostID); rerr != nil {
			logger.Warn("failed to release candidate host id during rollback", logger.KeyError, rerr)
		}
		return fmt.Errorf("failed to acquire lease on candidate: %w", err)
	}

	if err := candidate.MountMaster(ctx); err != nil {
		undo()
		return fmt.Errorf("failed to mount candidate master tree: %w", err)
	}
	if err := copyTree(c.master.MasterDir(), candidate.MasterDir()); err != nil {
		undo()
		return fmt.Errorf("failed to copy master tree: %w", err)
	}

	// Current metadata is carried over so only the master pointer and
	// version change in the flip.
	oldStore, err := c.master.Metadata()
	if err != nil {
		undo()
		return err
	}
	meta, err := oldStore.Get(ctx)
	if err != nil {
		undo()
		return fmt.Errorf("failed to read pool metadata before flip: %w", err)
	}

	newStore, err := candidate.Metadata()
	if err != nil {
		undo()
		return err
	}

	if err := candidate.Promote(ctx); err != nil {
		undo()
		return fmt.Errorf("failed to promote candidate: %w", err)
	}

	meta.MasterDomain = candidate.ID()
	meta.MasterVersion = newVersion

	// Point of no return.
	if err := newStore.Put(ctx, meta); err != nil {
		if derr := candidate.Demote(ctx); derr != nil {
			logger.Warn("failed to demote candidate during rollback", logger.KeyError, derr)
		}
		undo()
		return fmt.Errorf("failed to flip pool metadata: %w", err)
	}

	// Phase 2: the flip is committed. Switch lease-watching to the
	// candidate, then demote and clean the old master; nothing below may
	// fail the migration.
	c.roleMu.Lock()
	oldMaster := c.master
	c.master = candidate
	c.roleMu.Unlock()

	logger.Info("pool metadata flipped to new master",
		logger.KeyDomain, candidate.ID(), logger.KeyMasterVersion, newVersion)

	c.remountMailbox()

	if err := oldMaster.Demote(ctx); err != nil {
		logger.Warn("failed to demote old master", logger.KeyDomain, oldMaster.ID(),
			logger.KeyError, err)
	}
	if err := oldMaster.UnmountMaster(ctx); err != nil {
		logger.Warn("failed to unmount old master tree", logger.KeyError, err)
	}
	oldLock := oldMaster.Lock()
	if err := oldLock.Release(ctx); err != nil {
		logger.Warn("failed to release old master lease", logger.KeyError, err)
	}
	if err := oldLock.ReleaseHostID(ctx, c.cfg.HostID); err != nil {
		logger.Warn("failed to release old master host id", logger.KeyError, err)
	}

	return nil
}

// remountMailbox moves the coordinator mailbox from the old master's
// extents to the new master's. Best effort: a pool whose new master has no
// mailbox simply runs without one until the next StartSPM.
func (c *Controller) remountMailbox() {
	c.roleMu.Lock()
	old := c.spm
	c.spm = nil
	c.roleMu.Unlock()

	maxHosts := 0
	if old != nil {
		maxHosts = old.MaxHosts()
		if !old.Stop(c.cfg.StopTimeout) {
			logger.Warn("coordinator mailbox did not stop cleanly during migration")
		}
	}

	if !c.master.SupportsMailbox() {
		logger.Info("new master declares no mailbox support; coordinator mailbox disabled",
			logger.KeyDomain, c.master.ID())
		return
	}
	if maxHosts == 0 {
		maxHosts = c.cfg.MaxHosts
	}
	if err := c.startCoordinatorMailbox(maxHosts); err != nil {
		logger.Error("failed to start coordinator mailbox on new master",
			logger.KeyDomain, c.master.ID(), logger.KeyError, err)
	}
}

// copyTree copies the master filesystem tree's content into dst.
func copyTree(src, dst string) error {
	if err := os.MkdirAll(dst, 0755); err != nil {
		return err
	}
	return os.CopyFS(dst, os.DirFS(src))
}
