package mailbox

import (
	"bytes"
	"fmt"
	"sync"
	"time"

	"github.com/svettore/spoold/internal/logger"
	"github.com/svettore/spoold/pkg/blockio"
	"github.com/svettore/spoold/pkg/metrics"
	"github.com/svettore/spoold/pkg/workerpool"
)

// Handler processes one inbound request. Implementations MUST call
// SendReply exactly once, on success or failure alike: retries are the
// requester's job, and a silent handler starves it forever.
type Handler func(msg Message, id MessageID)

// SPMConfig configures the coordinator-side mailbox of a pool.
type SPMConfig struct {
	// InboxPath is the shared region all hosts write requests into.
	InboxPath string

	// OutboxPath is the shared region replies are written to.
	OutboxPath string

	// MaxHosts is the highest valid host id. The polled region spans
	// (MaxHosts+1) mailboxes; host id 0 is never assigned.
	MaxHosts int

	// PollInterval between passes. Default: DefaultPollInterval.
	PollInterval time.Duration

	// Workers configures the request-handler pool.
	Workers workerpool.Config

	// Metrics may be nil.
	Metrics *metrics.MailboxMetrics
}

// SPM is the coordinator-side mailbox. Exactly one exists per pool, and
// only while this host holds the SPM role; the role controller creates it
// on acquisition and tears it down on release.
//
// It polls the whole N-host inbox region in one transfer per pass,
// dispatches new requests to registered handlers on a bounded worker pool,
// and mirrors each host's reply mailbox locally so a reply flush touches
// only that host's 4096 bytes.
type SPM struct {
	cfg       SPMConfig
	transport blockio.Transport
	pool      *workerpool.Pool

	mu         sync.Mutex
	handlers   map[Opcode]Handler
	lastInbox  []byte       // last-seen copy of the whole request region
	mirror     []byte       // our authoritative copy of the reply region
	dirtyHosts map[int]bool // reply mailboxes needing a (re)flush
	started    bool
	stopped    bool

	stopCh    chan struct{}
	stoppedCh chan struct{}
}

// NewSPM builds the coordinator mailbox. Call Start to begin polling.
func NewSPM(cfg SPMConfig, transport blockio.Transport) *SPM {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}

	size := (cfg.MaxHosts + 1) * MailboxSize
	return &SPM{
		cfg:        cfg,
		transport:  transport,
		pool:       workerpool.New(cfg.Workers),
		handlers:   make(map[Opcode]Handler),
		lastInbox:  make([]byte, size),
		mirror:     make([]byte, size),
		dirtyHosts: make(map[int]bool),
		stopCh:     make(chan struct{}),
		stoppedCh:  make(chan struct{}),
	}
}

// MaxHosts reports the number of requester slots this mailbox serves.
func (s *SPM) MaxHosts() int {
	return s.cfg.MaxHosts
}

// RegisterHandler binds an opcode to a handler. Re-registering replaces the
// previous handler.
func (s *SPM) RegisterHandler(op Opcode, fn Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[op] = fn
}

// UnregisterHandler removes the handler for an opcode. Requests with that
// opcode fall back to log-and-ignore.
func (s *SPM) UnregisterHandler(op Opcode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.handlers, op)
}

// Start launches the background loop.
func (s *SPM) Start() {
	s.mu.Lock()
	s.started = true
	s.mu.Unlock()
	logger.Info("starting coordinator mailbox",
		logger.KeyDevice, s.cfg.InboxPath,
		"max_hosts", s.cfg.MaxHosts,
		"poll_interval", s.cfg.PollInterval)
	go s.run()
}

// SendReply writes the reply for the request identified by id into the
// owner's reply mailbox and flushes only that mailbox.
func (s *SPM) SendReply(id MessageID, msg Message) error {
	host, slot := id.Host(), id.Slot()
	if host < 1 || host > s.cfg.MaxHosts || slot >= UsableSlots {
		return &ProtocolError{Reason: fmt.Sprintf("reply to invalid message id %d", id)}
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ErrStopped
	}
	copy(s.mirrorSlot(host, slot), msg.Encode())
	box := s.sealHost(host)
	s.mu.Unlock()

	if err := s.flushHost(host, box); err != nil {
		// The mirror already holds the reply; the poll loop retries the
		// flush until the device comes back.
		s.mu.Lock()
		s.dirtyHosts[host] = true
		s.mu.Unlock()
		return err
	}

	s.cfg.Metrics.RecordReplySent()
	logger.Debug("reply sent", logger.KeyMsgID, int(id),
		logger.KeyHostID, host, logger.KeySlot, slot,
		logger.KeyOpcode, msg.Opcode.String())
	return nil
}

// Stop halts polling, drains the handler pool within timeout, and writes an
// all-zero reset over the reply region. It reports whether the pool drained
// in time; a false return means handlers may still be running, which the
// role controller treats as fatal.
func (s *SPM) Stop(timeout time.Duration) bool {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return true
	}
	s.stopped = true
	started := s.started
	s.mu.Unlock()

	close(s.stopCh)
	if started {
		<-s.stoppedCh
	}

	drained := s.pool.Close(timeout)

	zero := make([]byte, len(s.mirror))
	if err := s.transport.Write(s.cfg.OutboxPath, 0, zero); err != nil {
		logger.Warn("failed to reset reply region on shutdown", logger.KeyError, err)
	}
	logger.Info("coordinator mailbox stopped", "drained", drained)
	return drained
}

func (s *SPM) mirrorSlot(host, slot int) []byte {
	off := host*MailboxSize + slot*MessageSize
	return s.mirror[off : off+MessageSize]
}

// sealHost recomputes the host mailbox checksum and returns a copy ready
// for the device. Caller holds s.mu.
func (s *SPM) sealHost(host int) []byte {
	box := s.mirror[host*MailboxSize : (host+1)*MailboxSize]
	SealChecksum(box)
	out := make([]byte, MailboxSize)
	copy(out, box)
	return out
}

func (s *SPM) flushHost(host int, box []byte) error {
	if err := s.transport.Write(s.cfg.OutboxPath, int64(host)*MailboxSize, box); err != nil {
		s.cfg.Metrics.RecordIOError("spm")
		return err
	}
	s.cfg.Metrics.RecordFlush("spm")
	return nil
}

func (s *SPM) run() {
	defer close(s.stoppedCh)

	consecutiveFailures := 0
	for {
		delay := s.cfg.PollInterval
		if consecutiveFailures >= consecutiveFailureLimit {
			delay *= backoffFactor
		}

		select {
		case <-s.stopCh:
			return
		case <-time.After(delay):
		}

		if err := s.iterate(); err != nil {
			consecutiveFailures++
			logger.Warn("coordinator mailbox pass failed",
				"consecutive", consecutiveFailures, logger.KeyError, err)
		} else {
			consecutiveFailures = 0
		}
	}
}

type dispatch struct {
	fn  Handler
	msg Message
	id  MessageID
}

type hostFlush struct {
	host int
	box  []byte
}

// iterate runs one poll pass over the whole inbox region.
func (s *SPM) iterate() error {
	region, err := s.transport.Read(s.cfg.InboxPath, 0, len(s.lastInbox))
	if err != nil {
		s.cfg.Metrics.RecordIOError("spm")
		return err
	}

	var dispatches []dispatch
	var flushes []hostFlush

	s.mu.Lock()
	// Retry reply mailboxes whose flush failed earlier.
	for host := range s.dirtyHosts {
		flushes = append(flushes, hostFlush{host: host, box: s.sealHost(host)})
	}

	for host := 1; host <= s.cfg.MaxHosts; host++ {
		box := region[host*MailboxSize : (host+1)*MailboxSize]
		last := s.lastInbox[host*MailboxSize : (host+1)*MailboxSize]
		if bytes.Equal(box, last) {
			continue
		}

		// Checksum is validated at most once per host per pass, and only
		// for mailboxes that actually changed. An all-zero mailbox was
		// never written; a failing sum means mid-write. Either way the
		// whole mailbox counts as empty for this pass and the last-seen
		// copy is left alone, so nothing is lost once the sender's flush
		// completes.
		if !allZero(box) && !VerifyChecksum(box) {
			s.cfg.Metrics.RecordChecksumError()
			logger.Warn("mailbox checksum mismatch, skipping one pass",
				logger.KeyHostID, host)
			continue
		}

		hostDirty := false
		for slot := 0; slot < UsableSlots; slot++ {
			cur := box[slot*MessageSize : (slot+1)*MessageSize]
			prev := last[slot*MessageSize : (slot+1)*MessageSize]
			if bytes.Equal(cur, prev) || IsEmpty(cur) {
				continue
			}

			id := NewMessageID(host, slot)

			if IsTombstone(cur) {
				// The requester acknowledged our reply; reclaim the slot
				// by tombstoning our mirror so the requester can finish.
				copy(s.mirrorSlot(host, slot), tombstonePattern)
				hostDirty = true
				logger.Debug("request slot reclaimed",
					logger.KeyMsgID, int(id), logger.KeyHostID, host, logger.KeySlot, slot)
				continue
			}

			msg, err := Decode(cur)
			if err != nil {
				logger.Error("undecodable request ignored",
					logger.KeyMsgID, int(id), logger.KeyError, err)
				continue
			}

			fn, ok := s.handlers[msg.Opcode]
			if !ok {
				// Forward compatibility: a newer host may speak opcodes
				// this coordinator predates.
				logger.Warn("unknown opcode ignored",
					logger.KeyOpcode, msg.Opcode.String(), logger.KeyMsgID, int(id))
				continue
			}

			s.cfg.Metrics.RecordDispatch(msg.Opcode.String())
			dispatches = append(dispatches, dispatch{fn: fn, msg: msg, id: id})
		}

		copy(last, box)
		if hostDirty {
			flushes = append(flushes, hostFlush{host: host, box: s.sealHost(host)})
		}
	}
	s.mu.Unlock()

	var firstErr error
	for _, f := range flushes {
		err := s.flushHost(f.host, f.box)
		s.mu.Lock()
		if err != nil {
			s.dirtyHosts[f.host] = true
		} else {
			delete(s.dirtyHosts, f.host)
		}
		s.mu.Unlock()
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	// Handler submissions happen outside the buffer lock and yield to
	// shutdown under pool backpressure. A request dropped here is still
	// on the device; the next coordinator re-dispatches it.
	for _, d := range dispatches {
		d := d
		if err := submitOrStop(s.pool, s.stopCh, func() { d.fn(d.msg, d.id) }); err != nil {
			logger.Error("request dropped",
				logger.KeyMsgID, int(d.id), logger.KeyError, err)
		}
	}

	return firstErr
}

// submitRetryInterval paces submission retries while the handler pool
// queue is full.
const submitRetryInterval = 10 * time.Millisecond

// submitOrStop enqueues a task, backing off while the pool queue is full.
// It bails out when stopCh closes so a saturated pool cannot pin the poll
// goroutine past Stop.
func submitOrStop(p *workerpool.Pool, stopCh <-chan struct{}, task func()) error {
	for {
		ok, err := p.TrySubmit(task)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		select {
		case <-stopCh:
			return ErrStopped
		case <-time.After(submitRetryInterval):
		}
	}
}

func allZero(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}
