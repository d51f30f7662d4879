package mailbox

import (
	"bytes"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/svettore/spoold/internal/logger"
	"github.com/svettore/spoold/pkg/blockio"
	"github.com/svettore/spoold/pkg/metrics"
	"github.com/svettore/spoold/pkg/workerpool"
)

// CompletionFunc receives the coordinator's reply for a request this host
// submitted. It runs on the mailbox worker pool, never on the poll loop.
type CompletionFunc func(reply Message)

// DefaultPollInterval is how often a mailbox role rereads the shared
// device when nothing wakes it earlier.
const DefaultPollInterval = 2 * time.Second

// consecutiveFailureLimit is how many back-to-back transfer failures are
// tolerated at the normal poll cadence before the loop backs off.
const consecutiveFailureLimit = 3

// backoffFactor stretches the poll interval once the failure limit is hit.
const backoffFactor = 4

// HSMConfig configures the requester-side mailbox of one host.
type HSMConfig struct {
	// HostID determines this host's byte offset in both shared regions.
	// Must be a small positive integer, stable for the pool's lifetime.
	HostID int

	// InboxPath is the device region the coordinator polls for requests.
	// This host owns the 4096 bytes at offset HostID*4096 of it.
	InboxPath string

	// OutboxPath is the device region the coordinator writes replies to,
	// mirrored at the same per-host offset.
	OutboxPath string

	// PollInterval between passes. Default: DefaultPollInterval.
	PollInterval time.Duration

	// Workers configures the completion-callback pool.
	Workers workerpool.Config

	// Metrics may be nil.
	Metrics *metrics.MailboxMetrics
}

// pendingRequest is one occupied slot of the outstanding-request table.
type pendingRequest struct {
	msg        Message
	raw        []byte
	onComplete CompletionFunc
}

// HSM is the requester-side mailbox: it owns this host's private 4096-byte
// region, turns outgoing requests into slots, and polls the coordinator's
// reply region.
//
// One background goroutine is the sole writer of the outbound buffer's
// device region. Requests stay in their slot until the full round trip
// (reply seen, tombstone acknowledged) completes, so a coordinator crash
// only delays them: whoever becomes SPM next sees the slots still pending.
// There is no internal timeout; callers that need one must layer it above.
type HSM struct {
	cfg       HSMConfig
	transport blockio.Transport
	pool      *workerpool.Pool

	mu          sync.Mutex
	outbound    []byte // this host's request mailbox, flushed when dirty
	lastReply   []byte // last-seen copy of the reply slice
	outstanding [UsableSlots]*pendingRequest
	inFlight    int
	dirty       bool
	started     bool
	stopped     bool

	wake      chan struct{}
	stopCh    chan struct{}
	stoppedCh chan struct{}
}

// NewHSM builds the requester mailbox. Call Start to begin polling.
func NewHSM(cfg HSMConfig, transport blockio.Transport) *HSM {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}

	return &HSM{
		cfg:       cfg,
		transport: transport,
		pool:      workerpool.New(cfg.Workers),
		outbound:  make([]byte, MailboxSize),
		lastReply: make([]byte, MailboxSize),
		wake:      make(chan struct{}, 1),
		stopCh:    make(chan struct{}),
		stoppedCh: make(chan struct{}),
	}
}

// Start launches the background loop.
func (h *HSM) Start() {
	h.mu.Lock()
	h.started = true
	h.mu.Unlock()
	logger.Info("starting host mailbox",
		logger.KeyHostID, h.cfg.HostID,
		logger.KeyDevice, h.cfg.InboxPath,
		"poll_interval", h.cfg.PollInterval)
	go h.run()
}

// SendExtend queues a volume-extend request for the coordinator.
//
// A request byte-identical to one already outstanding is silently dropped:
// the pending slot is still on disk and will be re-seen by any coordinator,
// so resending it would only burn a second slot. When none of the 63 slots
// is free, ErrMailboxFull is returned and the existing slots are untouched.
func (h *HSM) SendExtend(domain, volume uuid.UUID, newSize uint64, onComplete CompletionFunc) error {
	msg := NewExtend(domain, volume, newSize)
	raw := msg.Encode()

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.stopped {
		return ErrStopped
	}

	free := -1
	for i := 0; i < UsableSlots; i++ {
		p := h.outstanding[i]
		if p == nil {
			if free < 0 {
				free = i
			}
			continue
		}
		if bytes.Equal(p.raw, raw) {
			logger.Debug("duplicate extend request dropped",
				logger.KeyDomain, domain, logger.KeyVolume, volume,
				logger.KeySlot, i)
			return nil
		}
	}
	if free < 0 {
		return ErrMailboxFull
	}

	h.outstanding[free] = &pendingRequest{msg: msg, raw: raw, onComplete: onComplete}
	h.inFlight++
	copy(h.slotOut(free), raw)
	h.dirty = true

	h.cfg.Metrics.RecordRequestSent()
	h.cfg.Metrics.SetSlotsInFlight(h.inFlight)
	logger.Debug("extend request queued",
		logger.KeyDomain, domain, logger.KeyVolume, volume,
		logger.KeySize, newSize, logger.KeySlot, free)

	select {
	case h.wake <- struct{}{}:
	default:
	}
	return nil
}

// InFlight returns the number of occupied request slots.
func (h *HSM) InFlight() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.inFlight
}

// Stop shuts the mailbox down: no new sends, loop stopped, callback pool
// drained, and the private region zeroed as a courtesy so a restarted
// coordinator does not chew on stale requests.
func (h *HSM) Stop(timeout time.Duration) {
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return
	}
	h.stopped = true
	started := h.started
	h.mu.Unlock()

	close(h.stopCh)
	if started {
		<-h.stoppedCh
	}

	h.pool.Close(timeout)

	zero := make([]byte, MailboxSize)
	if err := h.transport.Write(h.cfg.InboxPath, h.offset(), zero); err != nil {
		logger.Warn("failed to zero mailbox on shutdown",
			logger.KeyHostID, h.cfg.HostID, logger.KeyError, err)
	}
	logger.Info("host mailbox stopped", logger.KeyHostID, h.cfg.HostID)
}

func (h *HSM) offset() int64 {
	return int64(h.cfg.HostID) * MailboxSize
}

func (h *HSM) slotOut(i int) []byte {
	return h.outbound[i*MessageSize : (i+1)*MessageSize]
}

func (h *HSM) run() {
	defer close(h.stoppedCh)

	consecutiveFailures := 0
	for {
		delay := h.cfg.PollInterval
		if consecutiveFailures >= consecutiveFailureLimit {
			delay *= backoffFactor
		}

		select {
		case <-h.stopCh:
			return
		case <-h.wake:
		case <-time.After(delay):
		}

		if err := h.iterate(); err != nil {
			consecutiveFailures++
			logger.Warn("mailbox pass failed",
				logger.KeyHostID, h.cfg.HostID,
				"consecutive", consecutiveFailures,
				logger.KeyError, err)
		} else {
			consecutiveFailures = 0
		}
	}
}

// iterate runs one poll pass: ingest replies, then flush the outbound
// buffer if anything changed it.
func (h *HSM) iterate() error {
	replies, err := h.transport.Read(h.cfg.OutboxPath, h.offset(), MailboxSize)
	if err != nil {
		h.cfg.Metrics.RecordIOError("hsm")
		return err
	}

	type completion struct {
		fn    CompletionFunc
		reply Message
	}
	var completions []completion

	h.mu.Lock()
	for i := 0; i < UsableSlots; i++ {
		cur := replies[i*MessageSize : (i+1)*MessageSize]
		prev := h.lastReply[i*MessageSize : (i+1)*MessageSize]
		if bytes.Equal(cur, prev) || IsEmpty(cur) {
			continue
		}

		if IsTombstone(cur) {
			// Coordinator reclaimed the slot: the round trip is over.
			if p := h.outstanding[i]; p != nil {
				h.outstanding[i] = nil
				h.inFlight--
				logger.Debug("request slot retired", logger.KeySlot, i,
					logger.KeyDomain, p.msg.Domain, logger.KeyVolume, p.msg.Volume)
			}
			copy(h.slotOut(i), emptyPattern)
			h.dirty = true
			continue
		}

		reply, err := Decode(cur)
		if err != nil {
			logger.Error("undecodable reply ignored",
				logger.KeySlot, i, logger.KeyError, err)
			continue
		}

		p := h.outstanding[i]
		if p == nil {
			logger.Error("reply matches no outstanding request",
				logger.KeySlot, i, logger.KeyOpcode, reply.Opcode.String())
			continue
		}
		if reply.Opcode != p.msg.Opcode || reply.Domain != p.msg.Domain ||
			reply.Volume != p.msg.Volume {
			logger.Error("reply does not echo the outstanding request",
				logger.KeySlot, i,
				logger.KeyDomain, reply.Domain, logger.KeyVolume, reply.Volume)
			continue
		}

		if p.onComplete != nil {
			completions = append(completions, completion{fn: p.onComplete, reply: reply})
		}
		// Acknowledge the reply so the coordinator can reclaim the slot.
		copy(h.slotOut(i), tombstonePattern)
		h.dirty = true
		h.cfg.Metrics.RecordCompletion()
	}
	copy(h.lastReply, replies)
	h.cfg.Metrics.SetSlotsInFlight(h.inFlight)

	flush := h.dirty
	var box []byte
	if flush {
		SealChecksum(h.outbound)
		box = make([]byte, MailboxSize)
		copy(box, h.outbound)
	}
	h.mu.Unlock()

	// Submissions happen outside the buffer lock and yield to shutdown
	// under pool backpressure.
	for _, c := range completions {
		c := c
		if err := submitOrStop(h.pool, h.stopCh, func() { c.fn(c.reply) }); err != nil {
			logger.Error("completion dropped", logger.KeyError, err)
		}
	}

	if !flush {
		return nil
	}
	if err := h.transport.Write(h.cfg.InboxPath, h.offset(), box); err != nil {
		h.cfg.Metrics.RecordIOError("hsm")
		return err
	}
	h.cfg.Metrics.RecordFlush("hsm")

	h.mu.Lock()
	// Only clear dirty if nothing new arrived while the lock was released.
	if bytes.Equal(box[:checksumOffset], h.outbound[:checksumOffset]) {
		h.dirty = false
	}
	h.mu.Unlock()
	return nil
}
