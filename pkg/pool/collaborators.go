package pool

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/svettore/spoold/internal/logger"
)

// Jobs is the persisted job engine collaborator. The controller reloads a
// pool's jobs before taking the SPM role and resumes them after the
// mailbox is up; everything else about jobs lives outside this package.
type Jobs interface {
	// Reload loads previously persisted jobs belonging to the pool.
	Reload(ctx context.Context, poolID uuid.UUID) error

	// Resume restarts the loaded jobs.
	Resume(ctx context.Context) error

	// Await blocks until in-flight jobs settle, for non-forced stops.
	Await(ctx context.Context) error
}

// NopJobs is the default Jobs when no job engine is attached.
type NopJobs struct{}

func (NopJobs) Reload(ctx context.Context, poolID uuid.UUID) error { return nil }
func (NopJobs) Resume(ctx context.Context) error                   { return nil }
func (NopJobs) Await(ctx context.Context) error                    { return nil }

// VolumeExtender performs the privileged volume-grow operation behind the
// mailbox's extend opcode. It returns the granted size in bytes.
type VolumeExtender interface {
	Extend(ctx context.Context, domain, volume uuid.UUID, newSize uint64) (uint64, error)
}

// ExtenderFunc adapts a function to VolumeExtender.
type ExtenderFunc func(ctx context.Context, domain, volume uuid.UUID, newSize uint64) (uint64, error)

func (f ExtenderFunc) Extend(ctx context.Context, domain, volume uuid.UUID, newSize uint64) (uint64, error) {
	return f(ctx, domain, volume, newSize)
}

// FileVolumeExtender grows sparse backing files under each domain's
// volumes directory. It is the default extender for file-backed domains;
// LVM-backed pools plug in their own implementation.
type FileVolumeExtender struct {
	// Domains resolves a domain id to its attachment root.
	Domains map[uuid.UUID]string
}

// Extend implements VolumeExtender. Shrinking is refused: the extend
// opcode only ever grows a volume.
func (e *FileVolumeExtender) Extend(ctx context.Context, domain, volume uuid.UUID, newSize uint64) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	root, ok := e.Domains[domain]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownDomain, domain)
	}

	dir := filepath.Join(root, "volumes")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return 0, err
	}
	path := filepath.Join(dir, volume.String())

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return 0, fmt.Errorf("failed to open volume %s: %w", volume, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return 0, err
	}
	if uint64(info.Size()) >= newSize {
		logger.Debug("volume already at requested size",
			logger.KeyVolume, volume, logger.KeySize, info.Size())
		return uint64(info.Size()), nil
	}

	if err := f.Truncate(int64(newSize)); err != nil {
		return 0, fmt.Errorf("failed to extend volume %s: %w", volume, err)
	}
	logger.Info("volume extended",
		logger.KeyDomain, domain, logger.KeyVolume, volume, logger.KeySize, newSize)
	return newSize, nil
}
