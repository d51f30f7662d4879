package mailbox

import "errors"

// ErrMailboxFull is returned by SendExtend when all 63 request slots hold
// in-flight messages. This is a caller error surfaced synchronously; the
// mailbox never queues beyond its on-disk capacity.
var ErrMailboxFull = errors.New("mailbox full: all request slots in flight")

// ErrStopped is returned for operations against a mailbox whose background
// loop has been shut down.
var ErrStopped = errors.New("mailbox stopped")

// ProtocolError reports malformed on-disk content: a bad checksum, an
// undecodable message, or a reply that matches no outstanding request.
// A protocol error never stops the loop: the offending slot or mailbox
// is ignored for the current pass and re-examined on the next one.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string { return "mailbox protocol: " + e.Reason }
