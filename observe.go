package coap

import (
	"bytes"
	"sync"
	"sync/atomic"
)

// ObserveFresher implements the RFC 7641 section 3.4 sequence-number test:
// v2 is fresher than v1 under 24-bit serial arithmetic. Values received more
// than 128 seconds apart are considered fresh regardless; callers apply that
// window themselves.
func ObserveFresher(v1, v2 uint32) bool {
	v1 &= serialModulo - 1
	v2 &= serialModulo - 1
	return (v1 < v2 && v2-v1 < serialModulo/2) || (v1 > v2 && v1-v2 > serialModulo/2)
}

// observation is one (remote, token) registration on an observable resource.
type observation struct {
	remote        string
	token         []byte
	contentFormat MediaType
	handle        *ObservableHandle

	// mutated under the registry write lock
	etagsKnown    [][]byte
	lastMessageID uint16
	serial        uint32
	heartbeat     *timerHandle
}

func (o *observation) knowsETag(etag []byte) bool {
	if len(etag) == 0 {
		return false
	}
	for _, e := range o.etagsKnown {
		if bytes.Equal(e, etag) {
			return true
		}
	}
	return false
}

// observationRegistry is the server-side table of active observations. It
// subscribes to transfer events to learn notification message IDs and to
// cancel observations whose confirmable notifications were reset or timed
// out (RFC 7641 section 4.5).
type observationRegistry struct {
	srv *Server

	mu    sync.RWMutex
	table map[string]*observation
	gens  map[*ObservableHandle]*atomic.Uint64
}

func newObservationRegistry(srv *Server) *observationRegistry {
	return &observationRegistry{
		srv:   srv,
		table: map[string]*observation{},
		gens:  map[*ObservableHandle]*atomic.Uint64{},
	}
}

// register admits an observer. Re-registration with the same (remote, token)
// refreshes the existing entry and keeps its serial sequence.
func (or *observationRegistry) register(req *Message, h *ObservableHandle) (*observation, error) {
	if or.srv.disposed.Load() {
		return nil, ErrShutdown
	}
	if !h.res.IsObservable() {
		return nil, ErrNotObservable
	}

	remote := req.Meta.RemoteAddr
	mt := req.Accept()
	if mt == None {
		mt = TextPlain
	}

	var etags [][]byte
	for _, v := range req.Options(OptETag) {
		if b, ok := v.([]byte); ok {
			etags = append(etags, append([]byte(nil), b...))
		}
	}

	key := pendingKey(remote, req.Token)

	or.mu.Lock()
	defer or.mu.Unlock()

	obs, found := or.table[key]
	if !found {
		obs = &observation{
			remote: remote,
			token:  append([]byte(nil), req.Token...),
			handle: h,
			serial: 1,
		}
		or.table[key] = obs
		metricActiveObservations.Inc()
	}
	obs.contentFormat = mt
	obs.etagsKnown = etags
	obs.handle = h

	hb := obs.heartbeat
	if hb == nil {
		obs.heartbeat = or.srv.timers.schedule(or.srv.config.HeartbeatInterval, func() {
			or.heartbeatFire(key)
		})
	} else {
		hb.reschedule(or.srv.config.HeartbeatInterval, func() {
			or.heartbeatFire(key)
		})
	}

	logDebug(req, nil, "observation registered (%d active)", len(or.table))
	return obs, nil
}

// deregister removes the observation, if present.
func (or *observationRegistry) deregister(remote string, token []byte, reason error) bool {
	key := pendingKey(remote, token)
	or.mu.Lock()
	obs, found := or.table[key]
	if found {
		delete(or.table, key)
		if obs.heartbeat != nil {
			obs.heartbeat.cancel()
		}
		metricActiveObservations.Dec()
	}
	or.mu.Unlock()
	if found {
		logDebug(nil, reason, "observation deregistered (remote %s)", remote)
	}
	return found
}

// cancelByMessageID handles an inbound RST against a non-confirmable
// notification, which never has a transmission record to match.
func (or *observationRegistry) cancelByMessageID(remote string, mid uint16) bool {
	or.mu.RLock()
	var hit *observation
	for _, obs := range or.table {
		if obs.remote == remote && obs.lastMessageID == mid {
			hit = obs
			break
		}
	}
	or.mu.RUnlock()
	if hit == nil {
		return false
	}
	return or.deregister(hit.remote, hit.token, ErrReset)
}

func (or *observationRegistry) holdsToken(remote string, token []byte) bool {
	or.mu.RLock()
	defer or.mu.RUnlock()
	_, found := or.table[pendingKey(remote, token)]
	return found
}

func (or *observationRegistry) lookup(remote string, token []byte) (*observation, bool) {
	or.mu.RLock()
	defer or.mu.RUnlock()
	obs, found := or.table[pendingKey(remote, token)]
	return obs, found
}

// learnETag records a representation the observer now holds, enabling
// bodyless 2.03 notifications while the status matches it.
func (or *observationRegistry) learnETag(obs *observation, etag []byte) {
	if len(etag) == 0 {
		return
	}
	or.mu.Lock()
	defer or.mu.Unlock()
	if !obs.knowsETag(etag) {
		obs.etagsKnown = append(obs.etagsKnown, append([]byte(nil), etag...))
	}
}

func (or *observationRegistry) serialOf(obs *observation) uint32 {
	or.mu.RLock()
	defer or.mu.RUnlock()
	return obs.serial
}

// nextSerial advances the 24-bit notification serial.
func (or *observationRegistry) nextSerial(obs *observation) uint32 {
	or.mu.Lock()
	defer or.mu.Unlock()
	obs.serial = (obs.serial + 1) % serialModulo
	if obs.serial == 0 {
		obs.serial = 1
	}
	return obs.serial
}

// handleTransferEvent consumes the reliability layer's lifecycle events for
// notification transmissions.
func (or *observationRegistry) handleTransferEvent(event TransferEvent, remote string, token []byte, mid uint16) {
	obs, found := or.lookup(remote, token)
	if !found {
		return
	}
	switch event {
	case EventMessageIDAssigned:
		or.mu.Lock()
		obs.lastMessageID = mid
		or.mu.Unlock()
	case EventTransmissionSucceeded:
		// confirmable notification acknowledged, observation verified
		or.mu.Lock()
		key := pendingKey(remote, token)
		if obs.heartbeat != nil {
			obs.heartbeat.reschedule(or.srv.config.HeartbeatInterval, func() {
				or.heartbeatFire(key)
			})
		}
		or.mu.Unlock()
	case EventResetReceived:
		or.deregister(remote, token, ErrReset)
	case EventTransmissionTimeout:
		or.deregister(remote, token, ErrTimeout)
	}
}

func (or *observationRegistry) gen(h *ObservableHandle) *atomic.Uint64 {
	or.mu.Lock()
	defer or.mu.Unlock()
	g, found := or.gens[h]
	if !found {
		g = &atomic.Uint64{}
		or.gens[h] = g
	}
	return g
}

// statusChanged starts a notification pass for h's observers. A pass still
// enqueuing when the next status change arrives is superseded: every
// observer sees the latest snapshot at most once per coalesced burst.
func (or *observationRegistry) statusChanged(h *ObservableHandle) {
	gen := or.gen(h)
	pass := gen.Add(1)
	go or.notifyPass(h, gen, pass)
}

func (or *observationRegistry) notifyPass(h *ObservableHandle, gen *atomic.Uint64, pass uint64) {
	or.mu.RLock()
	targets := make([]*observation, 0, len(or.table))
	for _, obs := range or.table {
		if obs.handle == h {
			targets = append(targets, obs)
		}
	}
	or.mu.RUnlock()

	// one snapshot per content format present in the table, sampled
	// atomically against the resource status lock
	snapshots := map[MediaType]*statusSnapshot{}
	for _, obs := range targets {
		if gen.Load() != pass {
			logDebug(nil, nil, "notification pass superseded")
			return
		}
		snap, found := snapshots[obs.contentFormat]
		if !found {
			snap, _ = h.snapshot(obs.contentFormat)
			snapshots[obs.contentFormat] = snap
		}
		or.notifyOne(obs, snap, false)
	}
}

// notifyOne emits a single update notification. A nil snapshot means the
// observer's content format can no longer be served: the observer gets a
// 4.15 and is deregistered.
func (or *observationRegistry) notifyOne(obs *observation, snap *statusSnapshot, heartbeat bool) {
	remote, token := obs.remote, obs.token

	if snap == nil {
		msg := NewMessage().WithType(TypeNonConfirmable).WithCode(RspCodeUnsupportedMediaType)
		msg.WithToken(token)
		msg.WithMessageID(or.srv.ids.nextMessageID(remote))
		or.mu.Lock()
		obs.lastMessageID = msg.MessageID
		or.mu.Unlock()
		if err := or.srv.transfers.sendNonconfirmable(msg, remote); err != nil {
			logWarn(msg, err, "error notification send failed")
		}
		or.deregister(remote, token, ErrUnsupportedContentFormat)
		return
	}

	or.mu.RLock()
	etagKnown := obs.knowsETag(snap.etag)
	or.mu.RUnlock()

	msg := NewMessage().WithToken(token)
	if etagKnown {
		msg.WithCode(RspCodeValid)
		msg.WithETag(snap.etag)
	} else {
		msg.WithCode(RspCodeContent)
		msg.WithPayload(snap.content)
		msg.WithContentFormat(obs.contentFormat)
		msg.WithETag(snap.etag)
	}
	if snap.maxAge >= 0 {
		msg.WithMaxAge(snap.maxAge)
	}
	msg.WithObserve(int(or.nextSerial(obs)))

	mtype := obs.handle.res.NotificationType(remote, token)
	if heartbeat {
		// heartbeat must be confirmable to verify the observer is alive
		mtype = TypeConfirmable
	}
	msg.WithType(mtype)
	msg.WithMessageID(or.srv.ids.nextMessageID(remote))
	msg.Meta.RemoteAddr = remote

	metricNotificationsSent.Inc()

	if mtype == TypeConfirmable {
		if _, err := or.srv.transfers.sendConfirmable(msg, remote, nil, nil); err != nil {
			logWarn(msg, err, "notification send failed")
			if heartbeat {
				or.deregister(remote, token, err)
			}
		}
	} else {
		or.mu.Lock()
		obs.lastMessageID = msg.MessageID
		or.mu.Unlock()
		if err := or.srv.transfers.sendNonconfirmable(msg, remote); err != nil {
			logWarn(msg, err, "notification send failed")
		}
	}

	or.learnETag(obs, snap.etag)
}

// heartbeatFire emits a confirmable notification to keep an otherwise idle
// observation verified.
func (or *observationRegistry) heartbeatFire(key string) {
	or.mu.RLock()
	obs, found := or.table[key]
	or.mu.RUnlock()
	if !found {
		return
	}
	snap, _ := obs.handle.snapshot(obs.contentFormat)
	or.notifyOne(obs, snap, true)
}

// resourceShutdown withdraws every observation of h with a 4.04 NON.
func (or *observationRegistry) resourceShutdown(h *ObservableHandle) {
	or.drain(func(obs *observation) bool { return obs.handle == h })
}

// shutdown withdraws every observation on endpoint shutdown.
func (or *observationRegistry) shutdown() {
	or.drain(func(*observation) bool { return true })
}

func (or *observationRegistry) drain(match func(*observation) bool) {
	or.mu.Lock()
	var drained []*observation
	for key, obs := range or.table {
		if !match(obs) {
			continue
		}
		delete(or.table, key)
		if obs.heartbeat != nil {
			obs.heartbeat.cancel()
		}
		metricActiveObservations.Dec()
		drained = append(drained, obs)
	}
	or.mu.Unlock()

	for _, obs := range drained {
		msg := NewMessage().WithType(TypeNonConfirmable).WithCode(RspCodeNotFound)
		msg.WithToken(obs.token)
		msg.WithMessageID(or.srv.ids.nextMessageID(obs.remote))
		if err := or.srv.transfers.sendNonconfirmable(msg, obs.remote); err != nil {
			logWarn(msg, err, "shutdown notification failed")
		}
	}
}
