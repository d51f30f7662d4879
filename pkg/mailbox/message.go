// Package mailbox implements the shared-storage message channel between
// pool hosts and the storage pool coordinator.
//
// There is no network here. Every host owns a fixed 4096-byte mailbox at a
// fixed offset of a shared block device; requests travel coordinator-ward
// on one device region (the inbox) and replies travel back on another (the
// outbox). Both sides poll. The sender keeps a request in its slot until
// the reply round-trip completes, so a crashed coordinator loses nothing:
// its successor sees the still-pending slots on its first pass.
package mailbox

import (
	"bytes"
	"fmt"
	"strconv"

	"github.com/google/uuid"
)

const (
	// MessageSize is the fixed on-disk size of one message slot.
	MessageSize = 64

	// SlotsPerHost is the raw number of message slots in one mailbox.
	SlotsPerHost = 64

	// UsableSlots is the number of request slots per mailbox. The last
	// slot is reserved; its final 4 bytes carry the mailbox checksum.
	UsableSlots = SlotsPerHost - 1

	// MailboxSize is the fixed per-host mailbox size.
	MailboxSize = MessageSize * SlotsPerHost

	// ChecksumSize is the trailing checksum width.
	ChecksumSize = 4

	// checksumOffset is where the checksum lives within a mailbox.
	checksumOffset = MailboxSize - ChecksumSize

	// messageVersion is the only wire version this implementation speaks.
	messageVersion = 1
)

// Fixed field offsets within a 64-byte message.
const (
	opcodeOffset = 1
	domainOffset = 5
	volumeOffset = 21
	sizeOffset   = 37
	sizeWidth    = 16 // size encoded as 16 ASCII hex digits
	padOffset    = sizeOffset + sizeWidth
)

// Opcode is a 4-byte ASCII operation tag.
type Opcode [4]byte

// OpExtend requests that the coordinator grow a volume to a new size.
// Other opcodes are forward-compatible: an unknown tag is logged and
// ignored, never treated as an error.
var OpExtend = Opcode{'x', 't', 'n', 'd'}

func (o Opcode) String() string { return string(o[:]) }

var (
	emptyPattern     = make([]byte, MessageSize)
	tombstonePattern = bytes.Repeat([]byte{0x01}, MessageSize)
)

// Tombstone returns the reserved "slot settled, may be reused" message
// pattern (every byte 0x01).
func Tombstone() []byte {
	out := make([]byte, MessageSize)
	copy(out, tombstonePattern)
	return out
}

// IsEmpty reports whether a raw slot has never been written.
func IsEmpty(slot []byte) bool { return bytes.Equal(slot, emptyPattern) }

// IsTombstone reports whether a raw slot carries the tombstone pattern.
func IsTombstone(slot []byte) bool { return bytes.Equal(slot, tombstonePattern) }

// Message is the decoded form of one 64-byte slot.
type Message struct {
	Version byte
	Opcode  Opcode
	Domain  uuid.UUID // lockspace id
	Volume  uuid.UUID // resource id
	Size    uint64    // requested (or granted) size in bytes
}

// NewExtend builds a volume-extend request.
func NewExtend(domain, volume uuid.UUID, newSize uint64) Message {
	return Message{
		Version: messageVersion,
		Opcode:  OpExtend,
		Domain:  domain,
		Volume:  volume,
		Size:    newSize,
	}
}

// NewExtendReply echoes an extend request back to its sender. The size
// field carries the granted size; zero signals that the operation failed.
// The reply must echo the request's identifying fields, or the requester
// will reject it.
func NewExtendReply(req Message, granted uint64) Message {
	reply := req
	reply.Size = granted
	return reply
}

// Encode renders the message into its fixed 64-byte wire form:
// version(1) | opcode(4) | domain(16) | volume(16) | size as 16 hex digits,
// zero padded to 64 bytes.
func (m Message) Encode() []byte {
	buf := make([]byte, MessageSize)
	buf[0] = m.Version
	copy(buf[opcodeOffset:], m.Opcode[:])
	copy(buf[domainOffset:], m.Domain[:])
	copy(buf[volumeOffset:], m.Volume[:])
	copy(buf[sizeOffset:], fmt.Sprintf("%016x", m.Size))
	return buf
}

// Decode parses a raw slot back into a Message.
func Decode(raw []byte) (Message, error) {
	if len(raw) != MessageSize {
		return Message{}, &ProtocolError{
			Reason: fmt.Sprintf("message length %d, want %d", len(raw), MessageSize),
		}
	}

	var m Message
	m.Version = raw[0]
	if m.Version != messageVersion {
		return Message{}, &ProtocolError{
			Reason: fmt.Sprintf("unsupported message version %d", m.Version),
		}
	}

	copy(m.Opcode[:], raw[opcodeOffset:])
	copy(m.Domain[:], raw[domainOffset:])
	copy(m.Volume[:], raw[volumeOffset:])

	size, err := strconv.ParseUint(string(raw[sizeOffset:sizeOffset+sizeWidth]), 16, 64)
	if err != nil {
		return Message{}, &ProtocolError{
			Reason: fmt.Sprintf("bad size field %q", raw[sizeOffset:sizeOffset+sizeWidth]),
		}
	}
	m.Size = size

	return m, nil
}

// MessageID locates one slot within the shared inbox region. It packs the
// owning host id and the slot index so a reply can be routed back without
// extra bookkeeping.
type MessageID int

// NewMessageID builds the id for (host, slot).
func NewMessageID(hostID, slot int) MessageID {
	return MessageID(hostID*SlotsPerHost + slot)
}

// Host returns the owning host id.
func (id MessageID) Host() int { return int(id) / SlotsPerHost }

// Slot returns the slot index within the host's mailbox.
func (id MessageID) Slot() int { return int(id) % SlotsPerHost }
