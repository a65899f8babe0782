package coap

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestPendingResolveExactlyOnce(t *testing.T) {
	cfg := &Config{}
	cfg.defaults()
	p := newPendingTable(cfg)

	var calls atomic.Int32
	token := []byte{0xAA, 0xBB}
	p.register("peer", token, func(rsp *Message, err error) {
		calls.Add(1)
		if err != nil || rsp == nil || rsp.Code != RspCodeContent {
			t.Errorf("unexpected resolution: %v %v", rsp, err)
		}
	})

	rsp := NewMessage().WithCode(RspCodeContent).WithToken(token)
	rsp.Meta.RemoteAddr = "peer"
	if !p.resolve(rsp) {
		t.Fatalf("response not matched")
	}
	if p.resolve(rsp) {
		t.Fatalf("second resolve must not match")
	}
	if calls.Load() != 1 {
		t.Fatalf("callback fired %d times", calls.Load())
	}
}

func TestPendingTokenScopedToRemote(t *testing.T) {
	cfg := &Config{}
	cfg.defaults()
	p := newPendingTable(cfg)

	token := []byte{0x01}
	p.register("peer-a", token, func(*Message, error) {})

	rsp := NewMessage().WithCode(RspCodeContent).WithToken(token)
	rsp.Meta.RemoteAddr = "peer-b"
	if p.resolve(rsp) {
		t.Fatalf("token matched across remotes")
	}
	if !p.holdsToken("peer-a", token) || p.holdsToken("peer-b", token) {
		t.Fatalf("token scope broken")
	}
}

func TestPendingSeparateResponseFlow(t *testing.T) {
	cfg := &Config{}
	cfg.defaults()
	p := newPendingTable(cfg)

	done := make(chan *Message, 1)
	token := []byte{0x05}
	p.register("peer", token, func(rsp *Message, err error) {
		done <- rsp
	})

	// empty ACK arrives: entry stays, flips to separate
	p.handleTransferEvent(EventEmptyAckReceived, "peer", token, 100)
	pr, found := p.lookup("peer", token)
	if !found {
		t.Fatalf("entry removed by empty ACK")
	}
	pr.mu.Lock()
	separate := pr.separateExpected
	pr.mu.Unlock()
	if !separate {
		t.Fatalf("entry not flipped to separate")
	}

	rsp := NewMessage().WithCode(RspCodeContent).WithToken(token)
	rsp.Meta.RemoteAddr = "peer"
	if !p.resolve(rsp) {
		t.Fatalf("separate response not matched")
	}
	if got := <-done; got != rsp {
		t.Fatalf("wrong response delivered")
	}
}

func TestPendingFailures(t *testing.T) {
	cfg := &Config{}
	cfg.defaults()
	p := newPendingTable(cfg)

	errs := make(chan error, 2)
	p.register("peer", []byte{0x01}, func(rsp *Message, err error) { errs <- err })
	p.register("peer", []byte{0x02}, func(rsp *Message, err error) { errs <- err })

	p.handleTransferEvent(EventResetReceived, "peer", []byte{0x01}, 1)
	p.handleTransferEvent(EventTransmissionTimeout, "peer", []byte{0x02}, 2)

	got := map[error]bool{<-errs: true, <-errs: true}
	if !got[ErrReset] || !got[ErrTimeout] {
		t.Fatalf("wrong failure errors: %v", got)
	}
}

func TestPendingExpiresWithNoResponse(t *testing.T) {
	cfg := &Config{ExchangeLifetime: time.Millisecond * 100}
	cfg.defaults()
	p := newPendingTable(cfg)

	errs := make(chan error, 1)
	p.register("peer", []byte{0x09}, func(rsp *Message, err error) { errs <- err })

	select {
	case err := <-errs:
		if err != ErrNoResponse {
			t.Fatalf("expected ErrNoResponse, got %v", err)
		}
	case <-time.After(time.Second * 5):
		t.Fatalf("entry never expired")
	}
}

func TestPendingShutdownDrains(t *testing.T) {
	cfg := &Config{}
	cfg.defaults()
	p := newPendingTable(cfg)

	errs := make(chan error, 1)
	p.register("peer", []byte{0x0A}, func(rsp *Message, err error) { errs <- err })
	p.shutdown()

	select {
	case err := <-errs:
		if err != ErrShutdown {
			t.Fatalf("expected ErrShutdown, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("shutdown did not drain")
	}
}
