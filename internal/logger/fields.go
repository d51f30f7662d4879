package logger

// Standard field keys for structured logging.
// Use these keys consistently across all log statements so pool, domain and
// mailbox events can be correlated when aggregated.
const (
	// ========================================================================
	// Pool & Role
	// ========================================================================
	KeyPool   = "pool"    // storage pool UUID
	KeyHostID = "host_id" // small positive per-pool host identifier
	KeyRole   = "role"    // SPM role: free, contending, acquired
	KeyLver   = "lver"    // cluster lease version counter

	// ========================================================================
	// Domains & Volumes
	// ========================================================================
	KeyDomain        = "domain"         // storage domain UUID
	KeyVolume        = "volume"         // volume UUID
	KeyMasterVersion = "master_version" // pool master metadata version
	KeySize          = "size"           // requested/granted size in bytes

	// ========================================================================
	// Mailbox protocol
	// ========================================================================
	KeyOpcode = "opcode"  // 4-byte ASCII message opcode
	KeySlot   = "slot"    // slot index within one host mailbox
	KeyMsgID  = "msg_id"  // host*64+slot message identifier
	KeyDevice = "device"  // block device or backing file path
	KeyOffset = "offset"  // byte offset of a transfer
	KeyLength = "length"  // byte count of a transfer

	// ========================================================================
	// Generic
	// ========================================================================
	KeyError    = "error"
	KeyDuration = "duration_ms"
)
