package coap

import (
	"sync"
	"sync/atomic"
	"time"
)

// ObservableResource is the capability set a resource exposes to the
// observation machinery. Serialize, ETag and MaxAge describe one concrete
// representation; they are always sampled together under the status lock so
// a notification never carries a torn etag/content/max-age triple.
type ObservableResource interface {
	// Serialize returns the representation in the given content format,
	// or false when the format is not supported.
	Serialize(mt MediaType) ([]byte, bool)
	// ETag identifies the current representation in the given format.
	ETag(mt MediaType) []byte
	// MaxAge is the caching lifetime of the current representation.
	MaxAge() time.Duration
	// IsObservable gates observe admission for the resource.
	IsObservable() bool
	// NotificationType selects CON or NON per observer.
	NotificationType(remote string, token []byte) COAPType
}

// statusSnapshot is one atomically sampled representation.
type statusSnapshot struct {
	content []byte
	etag    []byte
	maxAge  time.Duration
}

// ObservableHandle ties a registered resource to the endpoint. Resources
// never reference the registry; they publish status changes through the
// handle.
type ObservableHandle struct {
	path string
	res  ObservableResource
	srv  *Server

	statusMu sync.RWMutex
	closed   atomic.Bool
}

// Update runs mutate under the status write lock, then triggers a
// notification pass. Readers building notifications hold the read side, so
// no observer sees a partially applied status.
func (h *ObservableHandle) Update(mutate func()) {
	h.statusMu.Lock()
	mutate()
	h.statusMu.Unlock()
	h.StatusChanged()
}

// StatusChanged starts a notification pass for every observer of the
// resource. A pass still in flight is superseded.
func (h *ObservableHandle) StatusChanged() {
	if h.closed.Load() || h.srv.disposed.Load() {
		return
	}
	h.srv.observations.statusChanged(h)
}

// snapshot samples one representation under the read lock.
func (h *ObservableHandle) snapshot(mt MediaType) (*statusSnapshot, bool) {
	h.statusMu.RLock()
	defer h.statusMu.RUnlock()
	content, ok := h.res.Serialize(mt)
	if !ok {
		return nil, false
	}
	maxAge := h.res.MaxAge()
	if maxAge < 0 {
		maxAge = h.srv.config.MaxAgeDefault
	}
	return &statusSnapshot{
		content: content,
		etag:    h.res.ETag(mt),
		maxAge:  maxAge,
	}, true
}

// Close withdraws the resource. Observers are deregistered with a 4.04 Not
// Found notification.
func (h *ObservableHandle) Close() {
	if !h.closed.CompareAndSwap(false, true) {
		return
	}
	h.srv.observations.resourceShutdown(h)
}

// serveGET answers a plain GET (and the initial observe response) from the
// current status.
func (h *ObservableHandle) serveGET(req *Message) *Message {
	mt := req.Accept()
	if mt == None {
		mt = TextPlain
	}
	snap, ok := h.snapshot(mt)
	if !ok {
		return req.MakeReply(RspCodeNotAcceptable, nil)
	}
	rsp := req.MakeReply(RspCodeContent, snap.content)
	rsp.WithContentFormat(mt)
	rsp.WithETag(snap.etag)
	if snap.maxAge >= 0 {
		rsp.WithMaxAge(snap.maxAge)
	}
	return rsp
}
