package coap

import (
	"time"
)

type sendResult struct {
	rsp *Message
	err error
}

// Send transmits msg to addr and, for requests, blocks until the response
// arrives or the exchange fails. Confirmable requests ride the
// retransmission machine and honor NSTART; an empty ACK from the peer keeps
// the call waiting for the separate response.
func (s *Server) Send(addr string, msg *Message, options *SendOptions) (*Message, error) {
	if s.disposed.Load() {
		return nil, ErrShutdown
	}
	if options == nil {
		options = s.NewOptions()
	}
	msg.Meta.RemoteAddr = addr

	if !msg.IsConfirmable() {
		if msg.MessageID == 0 {
			msg.MessageID = s.ids.nextMessageID(addr)
		}
		if msg.IsRequest() && len(msg.Token) == 0 {
			msg.Token = s.ids.newToken(addr)
		}
		var ch chan sendResult
		if msg.IsRequest() {
			ch = make(chan sendResult, 1)
			s.pending.register(addr, msg.Token, func(rsp *Message, err error) {
				ch <- sendResult{rsp, err}
			})
		}
		if err := s.transfers.sendNonconfirmable(msg, addr); err != nil {
			return nil, err
		}
		if ch == nil {
			return nil, nil
		}
		return s.await(ch, s.config.ExchangeLifetime)
	}

	if len(msg.Token) == 0 {
		msg.Token = s.ids.newToken(addr)
	}

	start := time.Now().UTC()
	s.nstart.inc(addr, options.nStart)
	defer s.nstart.dec(addr)
	if wait := time.Now().UTC().Sub(start); wait.Seconds() > 1.0 || s.nstart.waiting(addr, options.nStart) > 0 {
		logDebug(msg, nil, "nstart delay %.3fs (%d waiting)", wait.Seconds(), s.nstart.waiting(addr, options.nStart))
	}

	msg.MessageID = s.ids.nextMessageID(addr)

	ch := make(chan sendResult, 1)
	var done func(error)
	if msg.IsRequest() {
		s.pending.register(addr, msg.Token, func(rsp *Message, err error) {
			ch <- sendResult{rsp, err}
		})
		done = func(err error) {
			if err != nil {
				s.pending.fail(addr, msg.Token, err)
			}
		}
	} else {
		// not a request: the exchange completes on the message layer
		done = func(err error) {
			ch <- sendResult{nil, err}
		}
	}

	_, err := s.transfers.sendConfirmable(msg, addr, options, done)
	if err != nil {
		if msg.IsRequest() {
			s.pending.fail(addr, msg.Token, err)
		}
		return nil, err
	}

	return s.await(ch, s.config.ExchangeLifetime)
}

// SendAsync transmits a confirmable request without blocking. The callback
// fires exactly once with the response or the terminal error; the returned
// handle cancels further retransmissions.
func (s *Server) SendAsync(addr string, msg *Message, options *SendOptions, cb ResponseCallback) (*TransferHandle, error) {
	if s.disposed.Load() {
		return nil, ErrShutdown
	}
	if options == nil {
		options = s.NewOptions()
	}
	msg.Meta.RemoteAddr = addr
	if len(msg.Token) == 0 {
		msg.Token = s.ids.newToken(addr)
	}
	msg.MessageID = s.ids.nextMessageID(addr)

	s.pending.register(addr, msg.Token, cb)
	return s.transfers.sendConfirmable(msg, addr, options, func(err error) {
		if err != nil {
			s.pending.fail(addr, msg.Token, err)
		}
	})
}

func (s *Server) await(ch chan sendResult, limit time.Duration) (*Message, error) {
	select {
	case res := <-ch:
		return res.rsp, res.err
	case <-time.After(limit):
		return nil, ErrNoResponse
	}
}
