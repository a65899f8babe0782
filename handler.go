package coap

import (
	"time"
)

// handleDatagram is the single ingress point. It decodes, deduplicates and
// routes one inbound datagram; responses and resets go back out through the
// endpoint's egress path.
func (s *Server) handleDatagram(data []byte, remote string, listenerName string) {
	metricMessagesReceived.Inc()

	var req Message
	if err := req.unmarshalBinary(data); err != nil {
		logError(nil, ErrInvalidMessage, "dropping undecodable datagram from %s", remote)
		// a confirmable message we cannot parse still gets a Reset when
		// the header survived
		if len(data) >= 4 && data[0]>>6 == 1 && COAPType(data[0]>>4&0x3) == TypeConfirmable {
			rst := Message{Type: TypeReset, MessageID: uint16(data[2])<<8 | uint16(data[3])}
			if raw, merr := rst.marshalBinary(); merr == nil {
				_ = s.writeRaw(remote, raw)
			}
		}
		return
	}
	req.Meta.RemoteAddr = remote
	req.Meta.ListenerName = listenerName
	req.Meta.ReceivedAt = time.Now().UTC()

	s.handleMessage(&req)
}

// handleMessage routes one decoded message by type and code class.
func (s *Server) handleMessage(req *Message) {
	switch req.Type {
	case TypeAcknowledgement:
		s.transfers.observeInboundAckOrRst(req)
		if !req.IsEmpty() {
			// piggybacked response
			s.handleResponse(req)
		}
		return

	case TypeReset:
		if !s.transfers.observeInboundAckOrRst(req) {
			// reset against a non-confirmable notification
			s.observations.cancelByMessageID(req.Meta.RemoteAddr, req.MessageID)
		}
		return
	}

	// CON or NON from here on

	if req.IsEmpty() {
		// CoAP ping: empty CON is answered with Reset
		if req.Type == TypeConfirmable {
			s.reply(req.MakeReset())
		}
		return
	}

	entry, first := s.dedup.claim(req.Meta.RemoteAddr, req.MessageID)
	if !first {
		logDebug(req, ErrDuplicate, "duplicate message")
		if req.Type != TypeConfirmable {
			return
		}
		if _, raw, done := entry.cached(); done {
			_ = s.writeRaw(req.Meta.RemoteAddr, raw)
		} else {
			// exchange still in flight; acknowledge the retransmission
			s.reply(emptyAck(req))
		}
		return
	}

	switch {
	case req.IsRequest():
		s.serveRequest(req, entry)
	case req.IsResponse():
		s.handleResponse(req)
	default:
		// unknown code class
		s.reply(req.MakeReset())
	}
}

// reply marshals and writes a direct response, returning the raw bytes for
// duplicate replay.
func (s *Server) reply(rsp *Message) []byte {
	if rsp == nil {
		return nil
	}
	raw, err := rsp.marshalBinary()
	if err != nil {
		logError(rsp, err, "error marshaling response")
		return nil
	}
	if err = s.writeRaw(rsp.Meta.RemoteAddr, raw); err != nil {
		logWarn(rsp, err, "error writing response")
	}
	return raw
}

func emptyAck(req *Message) *Message {
	ack := &Message{Type: TypeAcknowledgement, MessageID: req.MessageID}
	ack.Meta.RemoteAddr = req.Meta.RemoteAddr
	return ack
}

// serveRequest runs the resource dispatcher with a piggyback window: a
// handler finishing within AckTimeout/2 gets its response piggybacked on the
// ACK; otherwise a bare ACK goes out now and the response follows as a
// separate confirmable exchange.
func (s *Server) serveRequest(req *Message, entry *dedupEntry) {
	result := make(chan *Message, 1)
	go func() {
		result <- s.dispatchRequest(req)
	}()

	if req.Type != TypeConfirmable {
		// no ACK due; response (if any) is a fresh NON
		if rsp := <-result; rsp != nil {
			s.sendSeparate(req, rsp)
		}
		return
	}

	window := time.NewTimer(s.config.AckTimeout / 2)
	defer window.Stop()

	select {
	case rsp := <-result:
		if rsp == nil {
			// handler took ownership of the exchange
			return
		}
		rsp.Type = TypeAcknowledgement
		rsp.MessageID = req.MessageID
		rsp.Token = req.Token
		rsp.Meta.RemoteAddr = req.Meta.RemoteAddr
		raw := s.reply(rsp)
		entry.save(rsp, raw)

	case <-window.C:
		ack := emptyAck(req)
		raw := s.reply(ack)
		entry.save(ack, raw)
		go func() {
			if rsp := <-result; rsp != nil {
				s.sendSeparate(req, rsp)
			}
		}()
	}
}

// sendSeparate transmits a response produced after the piggyback window as
// its own exchange carrying the request token.
func (s *Server) sendSeparate(req *Message, rsp *Message) {
	rsp.Token = req.Token
	rsp.MessageID = s.ids.nextMessageID(req.Meta.RemoteAddr)
	rsp.Meta.RemoteAddr = req.Meta.RemoteAddr

	if req.Type != TypeConfirmable {
		rsp.Type = TypeNonConfirmable
		if err := s.transfers.sendNonconfirmable(rsp, req.Meta.RemoteAddr); err != nil {
			logWarn(rsp, err, "error sending NON response")
		}
		return
	}

	rsp.Type = TypeConfirmable
	if _, err := s.transfers.sendConfirmable(rsp, req.Meta.RemoteAddr, nil, nil); err != nil {
		logWarn(rsp, err, "error sending separate response")
	}
}

// dispatchRequest matches the request against the route table and produces
// the response message, handling observe admission and cancellation for
// observable resources.
func (s *Server) dispatchRequest(req *Message) *Message {
	if oid, bad := req.checkOptions(); bad {
		logWarn(req, ErrOptionNotMeaningful, "option %d not meaningful with %s", oid, req.Code.NumberString())
		return req.MakeReply(RspCodeBadOption, nil)
	}
	if len(req.Payload) > 0 && !req.Code.AllowsPayload() {
		return req.MakeReply(RspCodeBadRequest, nil)
	}

	callback, observable := s.matchRoutes(req)
	if callback == nil {
		return req.MakeReply(RspCodeNotFound, nil)
	}

	if observable != nil {
		if req.Code != CodeGet {
			return req.MakeReply(RspCodeMethodNotAllowed, nil)
		}
		switch req.Observe() {
		case ObserveRegister:
			return s.admitObserver(req, observable)
		case ObserveDeregister:
			s.observations.deregister(req.Meta.RemoteAddr, req.Token, nil)
		}
	}

	return callback(req)
}

// admitObserver queues the initial notification response and registers the
// observation. The response carries the initial serial in its Observe
// option.
func (s *Server) admitObserver(req *Message, h *ObservableHandle) *Message {
	rsp := h.serveGET(req)
	if rsp.Code != RspCodeContent {
		// resource cannot serve the requested representation
		return rsp
	}
	obs, err := s.observations.register(req, h)
	if err != nil {
		logWarn(req, err, "observe admission refused")
		return rsp
	}
	rsp.WithObserve(int(s.observations.serialOf(obs)))
	s.observations.learnETag(obs, rsp.ETag())
	return rsp
}

// handleResponse correlates an inbound class 2/4/5 message with the client
// role: a pending request or a client-side observation.
func (s *Server) handleResponse(rsp *Message) {
	if s.pending.resolve(rsp) {
		if rsp.Type == TypeConfirmable {
			s.reply(emptyAck(rsp))
		}
		// a resolved response may also open a client observation
		if rsp.Observe() >= 0 {
			s.observers.refresh(rsp)
		}
		return
	}

	_, observed := s.observers.load(rsp.Meta.RemoteAddr, rsp.Token)
	if s.observers.deliver(rsp) {
		if rsp.Type == TypeConfirmable {
			s.reply(emptyAck(rsp))
		}
		return
	}
	if observed {
		// notification rejected by the observe callback
		s.reply(rsp.MakeReset())
		return
	}

	// orphan: reject confirmable, drop the rest
	if rsp.Type == TypeConfirmable {
		logDebug(rsp, nil, "rejecting orphan response")
		s.reply(rsp.MakeReset())
	}
}
