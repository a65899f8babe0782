package coap

import (
	"sync"

	"github.com/ReneKroon/ttlcache"
)

type dedupEntry struct {
	mu      sync.Mutex
	pending bool
	rsp     *Message
	raw     []byte
}

// deduplicator tracks (remote, message ID) pairs seen inside the exchange
// lifetime. The first arrival claims the key; duplicates get the cached
// response bytes replayed once the exchange has produced them.
type deduplicator struct {
	mu      sync.Mutex
	entries *ttlcache.Cache
}

func newDeduplicator(cfg *Config) *deduplicator {
	c := ttlcache.NewCache()
	c.SetTTL(cfg.ExchangeLifetime)
	c.SkipTtlExtensionOnHit(true)
	return &deduplicator{entries: c}
}

// claim records (remote, mid) and reports whether this is the first arrival.
// Lookup and insert are atomic per key.
func (d *deduplicator) claim(remote string, mid uint16) (*dedupEntry, bool) {
	key := transferKey(remote, mid)

	d.mu.Lock()
	defer d.mu.Unlock()

	if prev, found := d.entries.Get(key); found {
		metricDuplicatesSuppressed.Inc()
		return prev.(*dedupEntry), false
	}
	entry := &dedupEntry{pending: true}
	d.entries.Set(key, entry)
	return entry, true
}

// save caches the exchange's response for byte-identical replay.
func (entry *dedupEntry) save(rsp *Message, raw []byte) {
	entry.mu.Lock()
	entry.rsp = rsp
	entry.raw = raw
	entry.pending = false
	entry.mu.Unlock()
}

func (entry *dedupEntry) cached() (*Message, []byte, bool) {
	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.pending {
		return nil, nil, false
	}
	return entry.rsp, entry.raw, true
}

func (d *deduplicator) holdsMessageID(remote string, mid uint16) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, found := d.entries.Get(transferKey(remote, mid))
	return found
}

func (d *deduplicator) shutdown() {
	d.mu.Lock()
	d.entries.Purge()
	d.mu.Unlock()
}
