// Package blockio moves fixed-size blocks between memory and byte offsets
// of named block devices.
//
// The mailbox protocol runs entirely over these transfers: storage is the
// only medium the pool assumes to be reliable, so there is deliberately no
// networking here. Transfers are synchronous and whole-block; a short read
// or short write is an error, never a partial result.
package blockio

import (
	"errors"
	"fmt"
)

// ErrShortTransfer is returned when a device honored fewer bytes than
// requested. Callers treat it like any other transport error: recoverable,
// retried on the next poll cycle.
var ErrShortTransfer = errors.New("short block transfer")

// TransportError wraps a device-level failure with the location of the
// attempted transfer.
type TransportError struct {
	Op     string // "read" or "write"
	Path   string
	Offset int64
	Err    error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("block %s %s@%d: %v", e.Op, e.Path, e.Offset, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Transport transfers exactly one block between memory and a byte offset of
// a named device.
type Transport interface {
	// Read returns exactly size bytes from path at offset.
	Read(path string, offset int64, size int) ([]byte, error)

	// Write stores data at offset of path without truncating the target.
	Write(path string, offset int64, data []byte) error
}
