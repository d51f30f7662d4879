package pool

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/svettore/spoold/internal/logger"
	"github.com/svettore/spoold/pkg/pool/metadata"
	badgerstore "github.com/svettore/spoold/pkg/pool/metadata/badger"
)

// currentFormatVersion is the newest domain format this build understands.
const currentFormatVersion = 5

// masterSkeleton is the fixed directory tree every master domain carries.
var masterSkeleton = []string{"tasks", "jobs", "vms"}

// FileDomainConfig describes a directory-backed storage domain.
type FileDomainConfig struct {
	// ID is the domain UUID.
	ID uuid.UUID

	// Root is the directory where the domain's storage is attached.
	Root string

	// InboxPath / OutboxPath are the mailbox extents on the shared block
	// device. Empty paths mean the domain declares no mailbox support.
	InboxPath  string
	OutboxPath string

	// LeaseAcquireTimeout bounds lease acquisition on this domain's
	// lockspace; LeaseRetryInterval paces the attempts. Zero values take
	// the FileLock defaults.
	LeaseAcquireTimeout time.Duration
	LeaseRetryInterval  time.Duration
}

// FileDomain is a storage domain attached as a directory tree: the master
// filesystem lives under <root>/master, the lockspace under <root>/leases,
// and pool metadata in a BadgerDB under the master tree. It implements the
// Domain surface the controller needs; block-storage domains substitute
// their own implementation behind the same interface.
type FileDomain struct {
	cfg  FileDomainConfig
	lock *FileLock

	mu      sync.Mutex
	mounted bool
	meta    metadata.Store
}

// NewFileDomain builds a FileDomain. The root directory must exist (the
// domain is "attached"); the master tree is only created by MountMaster.
func NewFileDomain(cfg FileDomainConfig) (*FileDomain, error) {
	if _, err := os.Stat(cfg.Root); err != nil {
		return nil, fmt.Errorf("domain %s is not attached: %w", cfg.ID, err)
	}
	return &FileDomain{
		cfg: cfg,
		lock: &FileLock{
			Dir:            filepath.Join(cfg.Root, "leases"),
			AcquireTimeout: cfg.LeaseAcquireTimeout,
			RetryInterval:  cfg.LeaseRetryInterval,
		},
	}, nil
}

// ID implements Domain.
func (d *FileDomain) ID() uuid.UUID { return d.cfg.ID }

// Lock implements Domain.
func (d *FileDomain) Lock() ClusterLock { return d.lock }

func (d *FileDomain) versionPath() string {
	return filepath.Join(d.cfg.Root, "dom_md", "version")
}

func (d *FileDomain) rolePath() string {
	return filepath.Join(d.cfg.Root, "dom_md", "role")
}

// FormatVersion implements Domain. A missing marker counts as version 0
// (a freshly attached domain awaiting its first upgrade).
func (d *FileDomain) FormatVersion() int {
	data, err := os.ReadFile(d.versionPath())
	if err != nil {
		return 0
	}
	v, err := strconv.Atoi(string(data))
	if err != nil {
		return 0
	}
	return v
}

// Upgrade implements Domain.
func (d *FileDomain) Upgrade(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	have := d.FormatVersion()
	if have >= currentFormatVersion {
		return nil
	}
	logger.Info("upgrading domain format",
		logger.KeyDomain, d.cfg.ID, "from", have, "to", currentFormatVersion)
	return d.writeMarker(d.versionPath(), strconv.Itoa(currentFormatVersion))
}

// writeMarker writes small metadata files atomically (tmp + rename).
func (d *FileDomain) writeMarker(path, content string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(content), 0644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// MountMaster implements Domain.
func (d *FileDomain) MountMaster(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.mounted {
		return nil
	}

	for _, dir := range masterSkeleton {
		if err := os.MkdirAll(filepath.Join(d.MasterDir(), dir), 0755); err != nil {
			return fmt.Errorf("failed to build master tree on %s: %w", d.cfg.ID, err)
		}
	}
	d.mounted = true
	logger.Info("master filesystem mounted",
		logger.KeyDomain, d.cfg.ID, "path", d.MasterDir())
	return nil
}

// UnmountMaster implements Domain.
func (d *FileDomain) UnmountMaster(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.mounted {
		return nil
	}
	if d.meta != nil {
		if err := d.meta.Close(); err != nil {
			return fmt.Errorf("failed to close metadata store on %s: %w", d.cfg.ID, err)
		}
		d.meta = nil
	}
	d.mounted = false
	logger.Info("master filesystem unmounted", logger.KeyDomain, d.cfg.ID)
	return nil
}

// IsMounted implements Domain.
func (d *FileDomain) IsMounted() bool {
	if _, err := os.Stat(d.cfg.Root); err != nil {
		return false
	}
	return true
}

// MasterDir implements Domain.
func (d *FileDomain) MasterDir() string {
	return filepath.Join(d.cfg.Root, "master")
}

// Metadata implements Domain. The store is opened lazily and cached; it is
// closed again by UnmountMaster.
func (d *FileDomain) Metadata() (metadata.Store, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.meta != nil {
		return d.meta, nil
	}
	store, err := badgerstore.Open(filepath.Join(d.cfg.Root, "dom_md", "pool"))
	if err != nil {
		return nil, err
	}
	d.meta = store
	return store, nil
}

// SupportsMailbox implements Domain.
func (d *FileDomain) SupportsMailbox() bool {
	return d.cfg.InboxPath != "" && d.cfg.OutboxPath != ""
}

// MailboxExtents implements Domain.
func (d *FileDomain) MailboxExtents() (string, string) {
	return d.cfg.InboxPath, d.cfg.OutboxPath
}

// Promote implements Domain.
func (d *FileDomain) Promote(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return d.writeMarker(d.rolePath(), "master")
}

// Demote implements Domain.
func (d *FileDomain) Demote(ctx context.Context) error {
	return d.writeMarker(d.rolePath(), "regular")
}
