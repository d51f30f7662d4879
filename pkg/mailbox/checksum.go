package mailbox

import "encoding/binary"

// Checksum computes the mailbox checksum: the additive sum (mod 2^32) of
// the leading 4092 bytes.
//
// This is deliberately NOT a CRC. The on-disk format has always used the
// plain byte sum, and it only needs to distinguish a fully flushed mailbox
// from one that is mid-write or has never been written (all zero). Do not
// upgrade it: every host on the pool must agree on the function.
func Checksum(box []byte) uint32 {
	var sum uint32
	for _, b := range box[:checksumOffset] {
		sum += uint32(b)
	}
	return sum
}

// SealChecksum recomputes the checksum of box and stores it little-endian
// in the trailing 4 bytes. box must be a full MailboxSize buffer.
func SealChecksum(box []byte) {
	binary.LittleEndian.PutUint32(box[checksumOffset:], Checksum(box))
}

// VerifyChecksum reports whether the stored trailing checksum matches the
// content. A mismatch marks the mailbox invalid for one poll pass only; the
// sender keeps rewriting it until acknowledged, so the condition heals
// itself.
func VerifyChecksum(box []byte) bool {
	return binary.LittleEndian.Uint32(box[checksumOffset:]) == Checksum(box)
}
