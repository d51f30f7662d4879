package blockio

import (
	"sync"
)

// Memory is an in-memory Transport for tests. Each path is an independent
// sparse device that grows on write.
//
// FailReads/FailWrites inject transport errors: while non-zero, every
// matching transfer fails and the counter decrements, which is how the
// mailbox backoff paths are exercised.
type Memory struct {
	mu      sync.Mutex
	devices map[string][]byte

	FailReads  int
	FailWrites int
}

// NewMemory returns an empty in-memory transport.
func NewMemory() *Memory {
	return &Memory{devices: make(map[string][]byte)}
}

func (m *Memory) grow(path string, size int64) []byte {
	dev := m.devices[path]
	if int64(len(dev)) < size {
		bigger := make([]byte, size)
		copy(bigger, dev)
		m.devices[path] = bigger
		dev = bigger
	}
	return dev
}

// Read implements Transport.
func (m *Memory) Read(path string, offset int64, size int) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailReads > 0 {
		m.FailReads--
		return nil, &TransportError{Op: "read", Path: path, Offset: offset,
			Err: ErrShortTransfer}
	}

	dev := m.grow(path, offset+int64(size))
	out := make([]byte, size)
	copy(out, dev[offset:offset+int64(size)])
	return out, nil
}

// Write implements Transport.
func (m *Memory) Write(path string, offset int64, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailWrites > 0 {
		m.FailWrites--
		return &TransportError{Op: "write", Path: path, Offset: offset,
			Err: ErrShortTransfer}
	}

	dev := m.grow(path, offset+int64(len(data)))
	copy(dev[offset:], data)
	return nil
}

// Snapshot returns a copy of the device content for assertions.
func (m *Memory) Snapshot(path string, offset int64, size int) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	dev := m.grow(path, offset+int64(size))
	out := make([]byte, size)
	copy(out, dev[offset:offset+int64(size)])
	return out
}
