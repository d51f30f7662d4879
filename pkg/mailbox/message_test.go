package mailbox

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Message Encoding Tests
// ============================================================================

func TestMessage_EncodeDecode(t *testing.T) {
	t.Parallel()

	domain := uuid.MustParse("11111111-2222-3333-4444-555555555555")
	volume := uuid.MustParse("aaaaaaaa-bbbb-cccc-dddd-eeeeeeeeeeee")

	msg := NewExtend(domain, volume, 5*1024*1024*1024)
	raw := msg.Encode()
	require.Len(t, raw, MessageSize)

	decoded, err := Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, msg, decoded)
}

func TestMessage_EncodeLayout(t *testing.T) {
	t.Parallel()

	domain := uuid.MustParse("11111111-2222-3333-4444-555555555555")
	volume := uuid.MustParse("aaaaaaaa-bbbb-cccc-dddd-eeeeeeeeeeee")

	raw := NewExtend(domain, volume, 0x1000).Encode()

	assert.Equal(t, byte(1), raw[0], "version byte")
	assert.Equal(t, "xtnd", string(raw[1:5]))
	assert.Equal(t, domain[:], raw[5:21])
	assert.Equal(t, volume[:], raw[21:37])
	assert.Equal(t, "0000000000001000", string(raw[37:53]))
	for i := 53; i < MessageSize; i++ {
		assert.Zero(t, raw[i], "padding byte %d", i)
	}
}

func TestMessage_DecodeRejectsBadInput(t *testing.T) {
	t.Parallel()

	t.Run("wrong length", func(t *testing.T) {
		_, err := Decode(make([]byte, MessageSize-1))
		var perr *ProtocolError
		require.ErrorAs(t, err, &perr)
	})

	t.Run("unsupported version", func(t *testing.T) {
		raw := NewExtend(uuid.New(), uuid.New(), 1).Encode()
		raw[0] = 2
		_, err := Decode(raw)
		require.Error(t, err)
	})

	t.Run("corrupt size field", func(t *testing.T) {
		raw := NewExtend(uuid.New(), uuid.New(), 1).Encode()
		copy(raw[37:], "not hexadecimal!")
		_, err := Decode(raw)
		require.Error(t, err)
	})
}

func TestMessage_ExtendReplyEchoesRequest(t *testing.T) {
	t.Parallel()

	req := NewExtend(uuid.New(), uuid.New(), 4096)

	granted := NewExtendReply(req, 8192)
	assert.Equal(t, req.Opcode, granted.Opcode)
	assert.Equal(t, req.Domain, granted.Domain)
	assert.Equal(t, req.Volume, granted.Volume)
	assert.Equal(t, uint64(8192), granted.Size)

	denied := NewExtendReply(req, 0)
	assert.Zero(t, denied.Size, "zero granted size signals failure")
}

// ============================================================================
// Slot Pattern Tests
// ============================================================================

func TestSlotPatterns(t *testing.T) {
	t.Parallel()

	assert.True(t, IsEmpty(make([]byte, MessageSize)))
	assert.True(t, IsTombstone(Tombstone()))
	assert.False(t, IsEmpty(Tombstone()))
	assert.False(t, IsTombstone(make([]byte, MessageSize)))

	raw := NewExtend(uuid.New(), uuid.New(), 1).Encode()
	assert.False(t, IsEmpty(raw))
	assert.False(t, IsTombstone(raw))
}

// ============================================================================
// MessageID Tests
// ============================================================================

func TestMessageID_RoundTrip(t *testing.T) {
	t.Parallel()

	for _, tc := range []struct{ host, slot int }{
		{1, 0},
		{1, 62},
		{7, 13},
		{250, 62},
	} {
		id := NewMessageID(tc.host, tc.slot)
		assert.Equal(t, tc.host, id.Host())
		assert.Equal(t, tc.slot, id.Slot())
	}

	// Host 2, slot 0 lands at 128: two mailboxes of 64 slots before it.
	assert.Equal(t, MessageID(128), NewMessageID(2, 0))
}
