package coap

import (
	"sync"
	"time"
)

// ObserveCallback receives notifications for a client-side observation.
// Returning an error rejects the notification with a Reset, which cancels
// the observation at the server.
type ObserveCallback func(rsp *Message, arg interface{}) error

// freshnessWindow is the span inside which the RFC 7641 section 3.4 serial
// comparison applies; beyond it any serial counts as fresh.
const freshnessWindow = 128 * time.Second

type clientObservation struct {
	callback ObserveCallback
	arg      interface{}

	mu         sync.Mutex
	lastSerial uint32
	lastAt     time.Time
}

// fresher applies the 24-bit freshness test against the last accepted
// notification.
func (c *clientObservation) fresher(serial uint32, at time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.lastAt.IsZero() && at.Sub(c.lastAt) < freshnessWindow && !ObserveFresher(c.lastSerial, serial) {
		return false
	}
	c.lastSerial = serial
	c.lastAt = at
	return true
}

// clientObservers tracks the client role's active observations by
// (remote, token).
type clientObservers struct {
	table sync.Map
}

func newClientObservers() *clientObservers {
	return &clientObservers{}
}

func (co *clientObservers) store(remote string, token []byte, obs *clientObservation) {
	co.table.Store(pendingKey(remote, token), obs)
}

func (co *clientObservers) remove(remote string, token []byte) {
	co.table.Delete(pendingKey(remote, token))
}

func (co *clientObservers) load(remote string, token []byte) (*clientObservation, bool) {
	v, found := co.table.Load(pendingKey(remote, token))
	if !found {
		return nil, false
	}
	return v.(*clientObservation), true
}

// refresh records the serial carried by a response that (re)opened an
// observation, so later notifications compare against it.
func (co *clientObservers) refresh(rsp *Message) {
	obs, found := co.load(rsp.Meta.RemoteAddr, rsp.Token)
	if !found {
		return
	}
	if serial := rsp.Observe(); serial >= 0 {
		obs.fresher(uint32(serial), rsp.Meta.ReceivedAt)
	}
}

// deliver hands a notification to the matching observation callback.
// Reports whether the message was consumed.
func (co *clientObservers) deliver(rsp *Message) bool {
	obs, found := co.load(rsp.Meta.RemoteAddr, rsp.Token)
	if !found {
		return false
	}
	if serial := rsp.Observe(); serial >= 0 {
		at := rsp.Meta.ReceivedAt
		if at.IsZero() {
			at = time.Now().UTC()
		}
		if !obs.fresher(uint32(serial), at) {
			logDebug(rsp, nil, "stale notification dropped")
			return true
		}
	}
	if err := obs.callback(rsp, obs.arg); err != nil {
		logWarn(rsp, err, "error processing notification")
		return false
	}
	return true
}

// Observe registers an observation at addr/path. The callback fires with
// the initial response and every accepted notification. Returns the token
// identifying the observation.
func (s *Server) Observe(addr string, path string, encoding MediaType, callback ObserveCallback, arg interface{}, options *SendOptions) ([]byte, error) {
	if options == nil {
		options = s.NewOptions()
	}

	req := NewMessage().WithType(TypeConfirmable).WithCode(CodeGet)
	req.WithObserve(ObserveRegister)
	req.WithPathString(path)
	if encoding != None {
		req.WithAccept(encoding)
	}
	req.Token = s.ids.newToken(addr)

	// registered before the response lands so an immediate notification
	// finds its observation
	obs := &clientObservation{callback: callback, arg: arg}
	s.observers.store(addr, req.Token, obs)

	rsp, err := s.Send(addr, req, options)
	if err != nil {
		s.observers.remove(addr, req.Token)
		return nil, err
	}
	if err = RspCodeToError(rsp.Code); err != nil {
		s.observers.remove(addr, req.Token)
		return nil, err
	}

	_ = callback(rsp, arg)

	return req.Token, nil
}

// ObserveCancel deregisters an observation with a GET carrying Observe=1.
func (s *Server) ObserveCancel(addr string, path string, token []byte, options *SendOptions) error {
	if options == nil {
		options = s.NewOptions()
	}

	req := NewMessage().WithType(TypeConfirmable).WithCode(CodeGet)
	req.WithObserve(ObserveDeregister)
	req.WithPathString(path)
	req.Token = token

	s.observers.remove(addr, token)

	rsp, err := s.Send(addr, req, options)
	if err != nil {
		return err
	}
	return RspCodeToError(rsp.Code)
}
