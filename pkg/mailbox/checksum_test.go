package mailbox

import (
	"encoding/binary"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChecksum_SealAndVerify(t *testing.T) {
	t.Parallel()

	box := make([]byte, MailboxSize)
	copy(box, NewExtend(uuid.New(), uuid.New(), 1<<20).Encode())

	SealChecksum(box)
	assert.True(t, VerifyChecksum(box))
}

func TestChecksum_AdditiveSum(t *testing.T) {
	t.Parallel()

	box := make([]byte, MailboxSize)
	box[0] = 200
	box[1] = 100
	box[4091] = 3

	assert.Equal(t, uint32(303), Checksum(box))

	// The trailing 4 bytes are excluded from the sum.
	SealChecksum(box)
	assert.Equal(t, uint32(303), Checksum(box))
	assert.Equal(t, uint32(303), binary.LittleEndian.Uint32(box[MailboxSize-ChecksumSize:]))
}

func TestChecksum_DetectsCorruption(t *testing.T) {
	t.Parallel()

	box := make([]byte, MailboxSize)
	copy(box, NewExtend(uuid.New(), uuid.New(), 42).Encode())
	SealChecksum(box)
	require.True(t, VerifyChecksum(box))

	box[10] ^= 0xff
	assert.False(t, VerifyChecksum(box))

	// Restoring the byte heals it.
	box[10] ^= 0xff
	assert.True(t, VerifyChecksum(box))
}

func TestChecksum_AllZeroBoxFailsVerify(t *testing.T) {
	t.Parallel()

	// A never-written mailbox is all zero. Its stored checksum (0) matches
	// the content sum (0), so callers must special-case all-zero rather
	// than rely on verification alone.
	box := make([]byte, MailboxSize)
	assert.True(t, VerifyChecksum(box))
	assert.True(t, allZero(box))
}
