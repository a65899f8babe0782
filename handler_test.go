package coap

import (
	"bytes"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// frameSink replaces the socket with an in-memory capture of decoded egress
// frames.
type frameSink struct {
	mu     sync.Mutex
	raws   [][]byte
	frames chan *Message
}

func newFrameSink() *frameSink {
	return &frameSink{frames: make(chan *Message, 32)}
}

func (f *frameSink) write(addr string, data []byte) error {
	f.mu.Lock()
	f.raws = append(f.raws, append([]byte(nil), data...))
	f.mu.Unlock()

	var m Message
	if err := m.unmarshalBinary(data); err != nil {
		return err
	}
	m.Meta.RemoteAddr = addr
	f.frames <- &m
	return nil
}

func (f *frameSink) next(t *testing.T, timeout time.Duration) *Message {
	t.Helper()
	select {
	case m := <-f.frames:
		return m
	case <-time.After(timeout):
		t.Fatalf("no frame written")
		return nil
	}
}

func (f *frameSink) rawCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.raws)
}

func newTestServer(conf *Config) (*Server, *frameSink) {
	if conf == nil {
		conf = &Config{AckTimeout: time.Millisecond * 100, ExchangeLifetime: time.Second * 5}
	}
	s := NewServer(conf)
	sink := newFrameSink()
	s.rawWriter = sink.write
	return s, sink
}

func inboundRequest(code COAPCode, mid uint16, token []byte, path string) *Message {
	req := NewMessage().WithType(TypeConfirmable).WithCode(code)
	req.MessageID = mid
	req.Token = token
	if path != "" {
		req.WithPathString(path)
	}
	req.Meta.RemoteAddr = "10.0.0.9:5683"
	req.Meta.ReceivedAt = time.Now().UTC()
	return req
}

func TestPiggybackedResponse(t *testing.T) {
	s, sink := newTestServer(nil)
	s.AddRoute("/hello", func(req *Message) *Message {
		return req.MakeReply(RspCodeContent, []byte("ok"))
	})

	s.handleMessage(inboundRequest(CodeGet, 0x1234, []byte{0xAA}, "/hello"))

	rsp := sink.next(t, time.Second)
	if rsp.Type != TypeAcknowledgement || rsp.Code != RspCodeContent {
		t.Fatalf("expected piggybacked 2.05 ACK, got %v %v", rsp.Type, rsp.Code)
	}
	if rsp.MessageID != 0x1234 || !bytes.Equal(rsp.Token, []byte{0xAA}) {
		t.Fatalf("piggyback lost correlation: mid=%x token=%x", rsp.MessageID, rsp.Token)
	}
	if !bytes.Equal(rsp.Payload, []byte("ok")) {
		t.Fatalf("wrong payload: %q", rsp.Payload)
	}
}

func TestSeparateResponseAfterWindow(t *testing.T) {
	s, sink := newTestServer(nil)
	s.AddRoute("/slow", func(req *Message) *Message {
		time.Sleep(time.Millisecond * 150)
		return req.MakeReply(RspCodeContent, []byte("late"))
	})

	s.handleMessage(inboundRequest(CodeGet, 0x2000, []byte{0xBB}, "/slow"))

	ack := sink.next(t, time.Second)
	if ack.Type != TypeAcknowledgement || !ack.IsEmpty() || ack.MessageID != 0x2000 {
		t.Fatalf("expected bare ACK first, got %v %v mid=%x", ack.Type, ack.Code, ack.MessageID)
	}

	rsp := sink.next(t, time.Second)
	if rsp.Type != TypeConfirmable || rsp.Code != RspCodeContent {
		t.Fatalf("expected separate CON response, got %v %v", rsp.Type, rsp.Code)
	}
	if rsp.MessageID == 0x2000 {
		t.Fatalf("separate response must use a fresh message ID")
	}
	if !bytes.Equal(rsp.Token, []byte{0xBB}) {
		t.Fatalf("separate response lost the token")
	}
}

func TestDuplicateSuppression(t *testing.T) {
	s, sink := newTestServer(nil)
	var handled atomic.Int32
	s.AddRoute("/once", func(req *Message) *Message {
		handled.Add(1)
		return req.MakeReply(RspCodeContent, []byte("ok"))
	})

	s.handleMessage(inboundRequest(CodeGet, 0x7777, []byte{0x01}, "/once"))
	sink.next(t, time.Second)

	s.handleMessage(inboundRequest(CodeGet, 0x7777, []byte{0x01}, "/once"))
	sink.next(t, time.Second)

	if handled.Load() != 1 {
		t.Fatalf("handler invoked %d times for the same message ID", handled.Load())
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.raws) != 2 || !bytes.Equal(sink.raws[0], sink.raws[1]) {
		t.Fatalf("replayed response not byte-identical")
	}
}

func TestNotFoundRoute(t *testing.T) {
	s, sink := newTestServer(nil)
	s.handleMessage(inboundRequest(CodeGet, 1, []byte{0x01}, "/missing"))
	if rsp := sink.next(t, time.Second); rsp.Code != RspCodeNotFound {
		t.Fatalf("expected 4.04, got %v", rsp.Code)
	}
}

func TestBadOptionRejected(t *testing.T) {
	s, sink := newTestServer(nil)
	s.AddRoute("/r", func(req *Message) *Message {
		return req.MakeReply(RspCodeContent, nil)
	})

	req := inboundRequest(CodeDelete, 2, []byte{0x01}, "/r")
	req.WithOption(OptAccept, TextPlain, true)
	s.handleMessage(req)

	if rsp := sink.next(t, time.Second); rsp.Code != RspCodeBadOption {
		t.Fatalf("expected 4.02, got %v", rsp.Code)
	}
}

func TestOrphanResponseGetsReset(t *testing.T) {
	s, sink := newTestServer(nil)

	rsp := NewMessage().WithType(TypeConfirmable).WithCode(RspCodeContent).WithPayload([]byte("?"))
	rsp.MessageID = 0x0F0F
	rsp.Token = []byte{0xEE}
	rsp.Meta.RemoteAddr = "10.0.0.9:5683"
	s.handleMessage(rsp)

	rst := sink.next(t, time.Second)
	if rst.Type != TypeReset || rst.MessageID != 0x0F0F {
		t.Fatalf("expected RST for orphan response, got %v mid=%x", rst.Type, rst.MessageID)
	}
}

func TestEmptyConfirmablePing(t *testing.T) {
	s, sink := newTestServer(nil)

	ping := &Message{Type: TypeConfirmable, MessageID: 0x0101}
	ping.Meta.RemoteAddr = "10.0.0.9:5683"
	s.handleMessage(ping)

	if rst := sink.next(t, time.Second); rst.Type != TypeReset || rst.MessageID != 0x0101 {
		t.Fatalf("ping not answered with reset")
	}
}

func TestUndecodableConfirmableGetsReset(t *testing.T) {
	s, sink := newTestServer(nil)

	// valid header (CON), truncated token
	s.handleDatagram([]byte{0x44, 0x01, 0x12, 0x34, 0xAA}, "10.0.0.9:5683", "test")

	if rst := sink.next(t, time.Second); rst.Type != TypeReset || rst.MessageID != 0x1234 {
		t.Fatalf("undecodable CON not answered with reset")
	}
}
