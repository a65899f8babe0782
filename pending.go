package coap

import (
	"sync"
	"time"

	"github.com/ReneKroon/ttlcache"
)

// ResponseCallback delivers the response for a pending request, or the error
// that ended it (ErrTimeout, ErrReset, ErrNoResponse, ErrCancelled,
// ErrShutdown). Invoked
// exactly once.
type ResponseCallback func(rsp *Message, err error)

type pendingRequest struct {
	remote    string
	token     []byte
	createdAt time.Time

	mu               sync.Mutex
	separateExpected bool
	resolved         bool
	callback         ResponseCallback
}

// take claims the single resolution slot.
func (p *pendingRequest) take() (ResponseCallback, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.resolved {
		return nil, false
	}
	p.resolved = true
	return p.callback, true
}

// pendingTable correlates inbound responses to client requests by token,
// scoped to the remote. Entries expire at the exchange lifetime with
// ErrNoResponse. The ttl cache drives expiry; the index map allows iteration
// on shutdown.
type pendingTable struct {
	mu      sync.Mutex
	entries *ttlcache.Cache
	index   map[string]*pendingRequest
}

func pendingKey(remote string, token []byte) string {
	return remote + "#" + string(token)
}

func newPendingTable(cfg *Config) *pendingTable {
	t := &pendingTable{index: map[string]*pendingRequest{}}
	c := ttlcache.NewCache()
	c.SetTTL(cfg.ExchangeLifetime)
	c.SkipTtlExtensionOnHit(true)
	c.SetExpirationCallback(func(key string, value interface{}) {
		pr := value.(*pendingRequest)
		t.mu.Lock()
		delete(t.index, key)
		t.mu.Unlock()
		if cb, ok := pr.take(); ok {
			logWarn(nil, ErrNoResponse, "pending request expired (remote %s)", pr.remote)
			cb(nil, ErrNoResponse)
		}
	})
	t.entries = c
	return t
}

// register inserts a pending request before the outbound transmission goes
// out.
func (t *pendingTable) register(remote string, token []byte, cb ResponseCallback) {
	pr := &pendingRequest{
		remote:    remote,
		token:     append([]byte(nil), token...),
		createdAt: time.Now(),
		callback:  cb,
	}
	key := pendingKey(remote, token)
	t.mu.Lock()
	t.index[key] = pr
	t.mu.Unlock()
	// cache calls stay outside t.mu: the expiration callback takes t.mu
	t.entries.Set(key, pr)
}

func (t *pendingTable) lookup(remote string, token []byte) (*pendingRequest, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	pr, found := t.index[pendingKey(remote, token)]
	return pr, found
}

func (t *pendingTable) remove(pr *pendingRequest) {
	key := pendingKey(pr.remote, pr.token)
	t.mu.Lock()
	delete(t.index, key)
	t.mu.Unlock()
	t.entries.Remove(key)
}

// resolve delivers an inbound response to the matching request. Reports
// whether a request was matched.
func (t *pendingTable) resolve(msg *Message) bool {
	pr, found := t.lookup(msg.Meta.RemoteAddr, msg.Token)
	if !found {
		return false
	}
	cb, ok := pr.take()
	t.remove(pr)
	if ok {
		cb(msg, nil)
	}
	return true
}

// fail ends a pending request with err. No-op when the token is unknown or
// the request already resolved.
func (t *pendingTable) fail(remote string, token []byte, err error) {
	pr, found := t.lookup(remote, token)
	if !found {
		return
	}
	cb, ok := pr.take()
	t.remove(pr)
	if ok {
		cb(nil, err)
	}
}

// markSeparate flips the request after an inbound empty ACK: the response
// will arrive later as a CON or NON carrying the same token.
func (t *pendingTable) markSeparate(remote string, token []byte) {
	pr, found := t.lookup(remote, token)
	if !found {
		return
	}
	pr.mu.Lock()
	pr.separateExpected = true
	pr.mu.Unlock()
	logDebug(nil, nil, "separate response expected (remote %s)", remote)
}

// handleTransferEvent maps message-layer outcomes onto pending requests.
func (t *pendingTable) handleTransferEvent(event TransferEvent, remote string, token []byte, mid uint16) {
	switch event {
	case EventEmptyAckReceived:
		t.markSeparate(remote, token)
	case EventResetReceived:
		t.fail(remote, token, ErrReset)
	case EventTransmissionTimeout:
		t.fail(remote, token, ErrTimeout)
	}
}

func (t *pendingTable) holdsToken(remote string, token []byte) bool {
	_, found := t.lookup(remote, token)
	return found
}

func (t *pendingTable) shutdown() {
	t.mu.Lock()
	drained := make([]*pendingRequest, 0, len(t.index))
	keys := make([]string, 0, len(t.index))
	for key, pr := range t.index {
		drained = append(drained, pr)
		keys = append(keys, key)
		delete(t.index, key)
	}
	t.mu.Unlock()
	for _, key := range keys {
		t.entries.Remove(key)
	}

	for _, pr := range drained {
		if cb, ok := pr.take(); ok {
			cb(nil, ErrShutdown)
		}
	}
}
