// Package badger implements the pool metadata store on BadgerDB.
//
// The database directory lives inside the master domain's mounted tree, so
// the metadata travels with the master role: promoting a new master during
// migration seeds a fresh database on the candidate and the old one is
// abandoned with the demoted domain.
package badger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"github.com/svettore/spoold/internal/logger"
	"github.com/svettore/spoold/pkg/pool/metadata"
)

var keyPoolMetadata = []byte("pool/metadata")

// Store is the BadgerDB-backed metadata.Store.
type Store struct {
	db *badger.DB
}

// Open opens (creating if needed) the metadata database at dir.
func Open(dir string) (*Store, error) {
	opts := badger.DefaultOptions(dir)
	// Badger's own logger is chatty at INFO; route everything through a
	// quiet adapter instead.
	opts = opts.WithLogger(badgerLogger{})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open pool metadata store at %s: %w", dir, err)
	}
	return &Store{db: db}, nil
}

// Get implements metadata.Store.
func (s *Store) Get(ctx context.Context) (metadata.PoolMetadata, error) {
	if err := ctx.Err(); err != nil {
		return metadata.PoolMetadata{}, err
	}

	var meta metadata.PoolMetadata
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(keyPoolMetadata)
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &meta)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return metadata.PoolMetadata{}, metadata.ErrNotFound
	}
	if err != nil {
		return metadata.PoolMetadata{}, fmt.Errorf("failed to read pool metadata: %w", err)
	}
	return meta, nil
}

// Put implements metadata.Store. The single Set inside one transaction is
// what makes the master-migration flip atomic.
func (s *Store) Put(ctx context.Context, meta metadata.PoolMetadata) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	val, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("failed to encode pool metadata: %w", err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(keyPoolMetadata, val)
	})
	if err != nil {
		return fmt.Errorf("failed to write pool metadata: %w", err)
	}
	return nil
}

// update applies fn to the current record (zero record if absent) and
// writes the result back in one transaction.
func (s *Store) update(ctx context.Context, fn func(*metadata.PoolMetadata)) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	err := s.db.Update(func(txn *badger.Txn) error {
		var meta metadata.PoolMetadata
		item, err := txn.Get(keyPoolMetadata)
		if err == nil {
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &meta)
			}); err != nil {
				return err
			}
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}

		fn(&meta)

		val, err := json.Marshal(meta)
		if err != nil {
			return err
		}
		return txn.Set(keyPoolMetadata, val)
	})
	if err != nil {
		return fmt.Errorf("failed to update pool metadata: %w", err)
	}
	return nil
}

// SetCoordinator implements metadata.Store.
func (s *Store) SetCoordinator(ctx context.Context, hostID int, leaseVersion int64) error {
	return s.update(ctx, func(m *metadata.PoolMetadata) {
		m.CoordinatorID = hostID
		m.LeaseVersion = leaseVersion
	})
}

// SetMaster implements metadata.Store.
func (s *Store) SetMaster(ctx context.Context, master uuid.UUID, masterVersion int) error {
	return s.update(ctx, func(m *metadata.PoolMetadata) {
		m.MasterDomain = master
		m.MasterVersion = masterVersion
	})
}

// SetDomains implements metadata.Store.
func (s *Store) SetDomains(ctx context.Context, domains map[uuid.UUID]string) error {
	return s.update(ctx, func(m *metadata.PoolMetadata) {
		m.Domains = domains
	})
}

// Close implements metadata.Store.
func (s *Store) Close() error {
	return s.db.Close()
}

// badgerLogger adapts badger's logger interface onto the process logger,
// demoting badger INFO noise to debug.
type badgerLogger struct{}

func (badgerLogger) Errorf(format string, args ...interface{}) {
	logger.Error(fmt.Sprintf("badger: "+format, args...))
}

func (badgerLogger) Warningf(format string, args ...interface{}) {
	logger.Warn(fmt.Sprintf("badger: "+format, args...))
}

func (badgerLogger) Infof(format string, args ...interface{}) {
	logger.Debug(fmt.Sprintf("badger: "+format, args...))
}

func (badgerLogger) Debugf(format string, args ...interface{}) {
	logger.Debug(fmt.Sprintf("badger: "+format, args...))
}
