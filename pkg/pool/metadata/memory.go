package metadata

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// MemoryStore is an in-memory Store for tests.
type MemoryStore struct {
	mu     sync.Mutex
	meta   PoolMetadata
	exists bool

	// FailWrites makes the next write calls fail, for error-path tests.
	FailWrites int
	// WriteErr is the error returned while FailWrites is positive.
	WriteErr error
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Seed initializes the store with a record, bypassing failure injection.
func (s *MemoryStore) Seed(meta PoolMetadata) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.meta = cloneMeta(meta)
	s.exists = true
}

func (s *MemoryStore) failWrite() error {
	if s.FailWrites > 0 {
		s.FailWrites--
		return s.WriteErr
	}
	return nil
}

// Get implements Store.
func (s *MemoryStore) Get(ctx context.Context) (PoolMetadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.exists {
		return PoolMetadata{}, ErrNotFound
	}
	return cloneMeta(s.meta), nil
}

// Put implements Store.
func (s *MemoryStore) Put(ctx context.Context, meta PoolMetadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failWrite(); err != nil {
		return err
	}
	s.meta = cloneMeta(meta)
	s.exists = true
	return nil
}

// SetCoordinator implements Store.
func (s *MemoryStore) SetCoordinator(ctx context.Context, hostID int, leaseVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failWrite(); err != nil {
		return err
	}
	s.meta.CoordinatorID = hostID
	s.meta.LeaseVersion = leaseVersion
	s.exists = true
	return nil
}

// SetMaster implements Store.
func (s *MemoryStore) SetMaster(ctx context.Context, master uuid.UUID, masterVersion int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failWrite(); err != nil {
		return err
	}
	s.meta.MasterDomain = master
	s.meta.MasterVersion = masterVersion
	s.exists = true
	return nil
}

// SetDomains implements Store.
func (s *MemoryStore) SetDomains(ctx context.Context, domains map[uuid.UUID]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failWrite(); err != nil {
		return err
	}
	s.meta.Domains = cloneDomains(domains)
	s.exists = true
	return nil
}

// Close implements Store.
func (s *MemoryStore) Close() error { return nil }

func cloneMeta(m PoolMetadata) PoolMetadata {
	out := m
	out.Domains = cloneDomains(m.Domains)
	return out
}

func cloneDomains(in map[uuid.UUID]string) map[uuid.UUID]string {
	if in == nil {
		return nil
	}
	out := make(map[uuid.UUID]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
