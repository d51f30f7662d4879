package blockio

import (
	"os"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/svettore/spoold/internal/logger"
)

// DefaultAlignment is the buffer/offset alignment used for O_DIRECT
// transfers. 4096 satisfies both 512n and 4Kn devices, and every mailbox
// region is a multiple of it anyway.
const DefaultAlignment = 4096

// DirectIO is the production Transport: uncached pread/pwrite against a
// block device (or a regular file standing in for one).
//
// Direct I/O keeps hosts honest with each other: the page cache must never
// satisfy a read of a region another host just rewrote.
type DirectIO struct {
	// Alignment for buffers, offsets and sizes. Zero means DefaultAlignment.
	Alignment int
}

// NewDirectIO returns a DirectIO transport with the default alignment.
func NewDirectIO() *DirectIO {
	return &DirectIO{Alignment: DefaultAlignment}
}

func (d *DirectIO) alignment() int {
	if d.Alignment > 0 {
		return d.Alignment
	}
	return DefaultAlignment
}

// alignedBuf returns a size-byte slice whose backing array starts on an
// align boundary, as required by O_DIRECT.
func alignedBuf(size, align int) []byte {
	raw := make([]byte, size+align)
	shift := int(uintptr(unsafe.Pointer(&raw[0])) & uintptr(align-1))
	if shift != 0 {
		shift = align - shift
	}
	return raw[shift : shift+size]
}

// Read implements Transport.
func (d *DirectIO) Read(path string, offset int64, size int) ([]byte, error) {
	align := d.alignment()
	if offset%int64(align) != 0 || size%align != 0 {
		return nil, &TransportError{Op: "read", Path: path, Offset: offset,
			Err: unix.EINVAL}
	}

	fd, err := unix.Open(path, unix.O_RDONLY|unix.O_DIRECT, 0)
	if err != nil {
		return nil, &TransportError{Op: "read", Path: path, Offset: offset, Err: err}
	}
	defer unix.Close(fd)

	buf := alignedBuf(size, align)
	done := 0
	for done < size {
		n, err := unix.Pread(fd, buf[done:], offset+int64(done))
		if err != nil {
			return nil, &TransportError{Op: "read", Path: path, Offset: offset, Err: err}
		}
		if n == 0 {
			logger.Warn("short block read",
				logger.KeyDevice, path, logger.KeyOffset, offset,
				logger.KeyLength, size, "got", done)
			return nil, &TransportError{Op: "read", Path: path, Offset: offset,
				Err: ErrShortTransfer}
		}
		done += n
	}
	return buf, nil
}

// Write implements Transport.
func (d *DirectIO) Write(path string, offset int64, data []byte) error {
	align := d.alignment()
	if offset%int64(align) != 0 || len(data)%align != 0 {
		return &TransportError{Op: "write", Path: path, Offset: offset,
			Err: unix.EINVAL}
	}

	fd, err := unix.Open(path, unix.O_WRONLY|unix.O_DIRECT, 0)
	if err != nil {
		return &TransportError{Op: "write", Path: path, Offset: offset, Err: err}
	}
	defer unix.Close(fd)

	buf := alignedBuf(len(data), align)
	copy(buf, data)

	done := 0
	for done < len(data) {
		n, err := unix.Pwrite(fd, buf[done:], offset+int64(done))
		if err != nil {
			return &TransportError{Op: "write", Path: path, Offset: offset, Err: err}
		}
		if n == 0 {
			return &TransportError{Op: "write", Path: path, Offset: offset,
				Err: ErrShortTransfer}
		}
		done += n
	}
	return nil
}

// Ensure regular files used as mailbox extents are large enough before the
// pollers start hammering them. Block devices pass through untouched.
func EnsureSize(path string, size int64) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if info.Mode().IsRegular() && info.Size() < size {
		f, err := os.OpenFile(path, os.O_WRONLY, 0)
		if err != nil {
			return err
		}
		defer f.Close()
		return f.Truncate(size)
	}
	return nil
}
