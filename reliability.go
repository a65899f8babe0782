package coap

import (
	"bytes"
	"math/rand"
	"sync"
	"time"
)

// TransferState is the lifecycle state of an outbound confirmable message.
type TransferState int

const (
	TransferWaiting TransferState = iota
	TransferAcked
	TransferRejected
	TransferExpired
)

// TransferEvent is emitted to subscribers as a confirmable transmission
// progresses. The observation registry feeds on these to track notification
// message IDs and to cancel observations on timeout or reset.
type TransferEvent int

const (
	EventMessageIDAssigned TransferEvent = iota
	EventEmptyAckReceived
	EventResetReceived
	EventTransmissionSucceeded
	EventTransmissionTimeout
)

type TransferCallback func(event TransferEvent, remote string, token []byte, messageID uint16)

// TransferHandle identifies one outbound confirmable transmission.
type TransferHandle struct {
	rel       *reliability
	remote    string
	token     []byte
	messageID uint16
}

func (h *TransferHandle) MessageID() uint16 {
	return h.messageID
}

// Cancel stops further retransmissions. Datagrams already sent are not
// retracted.
func (h *TransferHandle) Cancel() {
	h.rel.cancel(h.remote, h.messageID)
}

type transmissionRecord struct {
	msg        *Message
	raw        []byte
	remote     string
	attempt    int
	maxRetrans int
	state      TransferState
	timeout    time.Duration
	retry      *timerHandle
	done       func(err error)
}

// reliability keeps one record per outstanding (remote, message ID) pair and
// drives the RFC 7252 section 4.2 retransmission schedule. Terminal records
// are held for the deduplication window before removal so the allocator does
// not reissue a live message ID.
type reliability struct {
	cfg    *Config
	timers *timerService
	write  func(addr string, data []byte) error

	mu      sync.Mutex
	records map[string]*transmissionRecord
	subs    []TransferCallback
}

func newReliability(cfg *Config, timers *timerService, write func(string, []byte) error) *reliability {
	return &reliability{
		cfg:     cfg,
		timers:  timers,
		write:   write,
		records: map[string]*transmissionRecord{},
	}
}

func transferKey(remote string, mid uint16) string {
	return remote + "#" + string([]byte{byte(mid >> 8), byte(mid)})
}

func (r *reliability) subscribe(cb TransferCallback) {
	r.mu.Lock()
	r.subs = append(r.subs, cb)
	r.mu.Unlock()
}

func (r *reliability) emit(event TransferEvent, remote string, token []byte, mid uint16) {
	r.mu.Lock()
	subs := r.subs
	r.mu.Unlock()
	for _, cb := range subs {
		cb(event, remote, token, mid)
	}
}

// initialTimeout samples uniformly from [ackTimeout, ackTimeout*randomFactor).
func initialTimeout(ackTimeout time.Duration, randomFactor float64) time.Duration {
	spread := float64(ackTimeout) * (randomFactor - 1.0)
	return ackTimeout + time.Duration(rand.Float64()*spread)
}

// sendConfirmable transmits attempt 0 of a CON and schedules the first
// retry. opts may override the configured timing; done, if non-nil, fires
// exactly once when the record reaches a terminal state: nil on ACK,
// ErrReset, ErrTimeout, ErrCancelled or, on shutdown, ErrShutdown.
func (r *reliability) sendConfirmable(msg *Message, remote string, opts *SendOptions, done func(error)) (*TransferHandle, error) {
	raw, err := msg.marshalBinary()
	if err != nil {
		return nil, err
	}

	ackTimeout, randomFactor, maxRetrans := r.cfg.AckTimeout, r.cfg.AckRandomFactor, r.cfg.MaxRetransmit
	if opts != nil {
		ackTimeout, randomFactor, maxRetrans = opts.ackTimeout, opts.randomFactor, opts.maxRetransmit
	}

	key := transferKey(remote, msg.MessageID)
	rec := &transmissionRecord{
		msg:        msg,
		raw:        raw,
		remote:     remote,
		maxRetrans: maxRetrans,
		state:      TransferWaiting,
		timeout:    initialTimeout(ackTimeout, randomFactor),
		done:       done,
	}

	r.mu.Lock()
	if prev, found := r.records[key]; found && prev.state == TransferWaiting {
		r.mu.Unlock()
		return nil, ErrInvalidMessage
	}
	r.records[key] = rec
	r.mu.Unlock()

	r.emit(EventMessageIDAssigned, remote, msg.Token, msg.MessageID)

	if err = r.write(remote, raw); err != nil {
		r.mu.Lock()
		delete(r.records, key)
		r.mu.Unlock()
		return nil, err
	}
	logDebug(msg, nil, "sent CON (timeout %.2fs)", rec.timeout.Seconds())

	rec.retry = r.timers.schedule(rec.timeout, func() { r.retryFire(key) })

	return &TransferHandle{rel: r, remote: remote, token: msg.Token, messageID: msg.MessageID}, nil
}

// sendNonconfirmable is a one-shot transmission without a record.
func (r *reliability) sendNonconfirmable(msg *Message, remote string) error {
	raw, err := msg.marshalBinary()
	if err != nil {
		return err
	}
	logDebug(msg, nil, "sent NON")
	return r.write(remote, raw)
}

func (r *reliability) retryFire(key string) {
	r.mu.Lock()
	rec, found := r.records[key]
	if !found || rec.state != TransferWaiting {
		r.mu.Unlock()
		return
	}
	rec.attempt++
	if rec.attempt > rec.maxRetrans {
		rec.state = TransferExpired
		done := rec.done
		rec.done = nil
		r.holdLocked(key)
		r.mu.Unlock()

		metricTransmissionTimeouts.Inc()
		logWarn(rec.msg, ErrTimeout, "CON expired after %d attempts", rec.attempt)
		r.emit(EventTransmissionTimeout, rec.remote, rec.msg.Token, rec.msg.MessageID)
		if done != nil {
			done(ErrTimeout)
		}
		return
	}
	rec.timeout *= 2
	raw, remote := rec.raw, rec.remote
	rec.retry.reschedule(rec.timeout, func() { r.retryFire(key) })
	r.mu.Unlock()

	metricRetransmissions.Inc()
	logDebug(rec.msg, nil, "retransmit %d/%d (next timeout %.2fs)", rec.attempt, rec.maxRetrans, rec.timeout.Seconds())
	if err := r.write(remote, raw); err != nil {
		logWarn(rec.msg, err, "retransmit write failed")
	}
}

// observeInboundAckOrRst resolves the record matching an inbound ACK or RST
// on (remote, message ID). Reports whether a record was matched.
func (r *reliability) observeInboundAckOrRst(msg *Message) bool {
	key := transferKey(msg.Meta.RemoteAddr, msg.MessageID)

	r.mu.Lock()
	rec, found := r.records[key]
	if !found || rec.state != TransferWaiting {
		r.mu.Unlock()
		return false
	}

	var event TransferEvent
	var err error
	switch msg.Type {
	case TypeAcknowledgement:
		rec.state = TransferAcked
		if msg.IsEmpty() {
			event = EventEmptyAckReceived
		} else {
			event = EventTransmissionSucceeded
			if !bytes.Equal(msg.Token, rec.msg.Token) {
				// message ID matched, so the record resolves anyway;
				// the response itself is still routed by its own token
				logWarn(msg, nil, "piggybacked ACK token mismatch")
			}
		}
	case TypeReset:
		rec.state = TransferRejected
		event = EventResetReceived
		err = ErrReset
	default:
		r.mu.Unlock()
		return false
	}

	if rec.retry != nil {
		rec.retry.cancel()
	}
	done := rec.done
	rec.done = nil
	r.holdLocked(key)
	r.mu.Unlock()

	r.emit(event, rec.remote, rec.msg.Token, rec.msg.MessageID)
	if event == EventEmptyAckReceived {
		// separate response announced; the exchange completed on the
		// message layer
		r.emit(EventTransmissionSucceeded, rec.remote, rec.msg.Token, rec.msg.MessageID)
	}
	if done != nil {
		done(err)
	}
	return true
}

func (r *reliability) cancel(remote string, mid uint16) {
	key := transferKey(remote, mid)
	r.mu.Lock()
	rec, found := r.records[key]
	if !found || rec.state != TransferWaiting {
		r.mu.Unlock()
		return
	}
	rec.state = TransferRejected
	if rec.retry != nil {
		rec.retry.cancel()
	}
	done := rec.done
	rec.done = nil
	r.holdLocked(key)
	r.mu.Unlock()

	if done != nil {
		done(ErrCancelled)
	}
}

// holdLocked keeps a terminal record indexed for the deduplication window
// before dropping it. Caller holds r.mu.
func (r *reliability) holdLocked(key string) {
	r.timers.schedule(r.cfg.ExchangeLifetime, func() {
		r.mu.Lock()
		delete(r.records, key)
		r.mu.Unlock()
	})
}

func (r *reliability) holdsMessageID(remote string, mid uint16) bool {
	r.mu.Lock()
	_, found := r.records[transferKey(remote, mid)]
	r.mu.Unlock()
	return found
}

func (r *reliability) state(remote string, mid uint16) (TransferState, bool) {
	r.mu.Lock()
	rec, found := r.records[transferKey(remote, mid)]
	r.mu.Unlock()
	if !found {
		return 0, false
	}
	return rec.state, true
}

func (r *reliability) shutdown() {
	r.mu.Lock()
	for _, rec := range r.records {
		if rec.state == TransferWaiting {
			rec.state = TransferRejected
			if rec.retry != nil {
				rec.retry.cancel()
			}
			if rec.done != nil {
				done := rec.done
				rec.done = nil
				go done(ErrShutdown)
			}
		}
	}
	r.mu.Unlock()
}
