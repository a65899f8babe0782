package coap

import (
	"sync"
	"testing"
	"time"
)

type writeCapture struct {
	mu     sync.Mutex
	stamps []time.Time
	frames [][]byte
}

func (w *writeCapture) write(addr string, data []byte) error {
	w.mu.Lock()
	w.stamps = append(w.stamps, time.Now())
	w.frames = append(w.frames, append([]byte(nil), data...))
	w.mu.Unlock()
	return nil
}

func (w *writeCapture) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.frames)
}

func testReliability(ackTimeout time.Duration, maxRetransmit int) (*reliability, *writeCapture) {
	cfg := &Config{
		AckTimeout:       ackTimeout,
		AckRandomFactor:  1.01,
		MaxRetransmit:    maxRetransmit,
		ExchangeLifetime: time.Millisecond * 300,
	}
	cfg.defaults()
	w := &writeCapture{}
	return newReliability(cfg, newTimerService(), w.write), w
}

func testCON(mid uint16) *Message {
	m := NewMessage().WithType(TypeConfirmable).WithCode(CodeGet)
	m.MessageID = mid
	m.Token = []byte{0x01}
	m.WithPathString("/x")
	return m
}

func TestRetransmissionSchedule(t *testing.T) {
	rel, w := testReliability(time.Millisecond*40, 2)

	errCh := make(chan error, 1)
	_, err := rel.sendConfirmable(testCON(7), "peer", nil, func(err error) { errCh <- err })
	if err != nil {
		t.Fatalf("send failed: %v", err)
	}

	select {
	case err = <-errCh:
	case <-time.After(time.Second * 2):
		t.Fatalf("no terminal event")
	}
	if err != ErrTimeout {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if w.count() != 3 {
		t.Fatalf("expected 3 transmissions, got %d", w.count())
	}

	// backoff doubles between attempts, within the jitter bound
	w.mu.Lock()
	gap1 := w.stamps[1].Sub(w.stamps[0])
	gap2 := w.stamps[2].Sub(w.stamps[1])
	w.mu.Unlock()
	if gap1 < time.Millisecond*35 || gap1 > time.Millisecond*90 {
		t.Fatalf("first gap out of bounds: %v", gap1)
	}
	if gap2 < gap1*3/2 {
		t.Fatalf("backoff did not double: %v then %v", gap1, gap2)
	}

	if state, found := rel.state("peer", 7); !found || state != TransferExpired {
		t.Fatalf("record not expired: %v %v", state, found)
	}
}

func TestAckStopsRetransmission(t *testing.T) {
	rel, w := testReliability(time.Millisecond*50, 4)

	errCh := make(chan error, 1)
	msg := testCON(9)
	if _, err := rel.sendConfirmable(msg, "peer", nil, func(err error) { errCh <- err }); err != nil {
		t.Fatalf("send failed: %v", err)
	}

	ack := &Message{Type: TypeAcknowledgement, Code: RspCodeContent, MessageID: 9, Token: []byte{0x01}}
	ack.Meta.RemoteAddr = "peer"
	if !rel.observeInboundAckOrRst(ack) {
		t.Fatalf("ACK did not match the record")
	}

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("expected clean resolution, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("done callback never fired")
	}

	time.Sleep(time.Millisecond * 200)
	if w.count() != 1 {
		t.Fatalf("retransmitted after ACK: %d frames", w.count())
	}
	if state, _ := rel.state("peer", 9); state != TransferAcked {
		t.Fatalf("record not acked: %v", state)
	}
}

func TestResetRejectsTransfer(t *testing.T) {
	rel, _ := testReliability(time.Millisecond*50, 4)

	errCh := make(chan error, 1)
	if _, err := rel.sendConfirmable(testCON(11), "peer", nil, func(err error) { errCh <- err }); err != nil {
		t.Fatalf("send failed: %v", err)
	}

	rst := &Message{Type: TypeReset, MessageID: 11}
	rst.Meta.RemoteAddr = "peer"
	rel.observeInboundAckOrRst(rst)

	select {
	case err := <-errCh:
		if err != ErrReset {
			t.Fatalf("expected ErrReset, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("done callback never fired")
	}
}

func TestDuplicateRecordRefused(t *testing.T) {
	rel, _ := testReliability(time.Millisecond*200, 4)

	if _, err := rel.sendConfirmable(testCON(13), "peer", nil, nil); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	// same (remote, message ID) while the first record is non-terminal
	if _, err := rel.sendConfirmable(testCON(13), "peer", nil, nil); err == nil {
		t.Fatalf("expected second record with the same key to be refused")
	}
	// a different remote is a different key
	if _, err := rel.sendConfirmable(testCON(13), "other", nil, nil); err != nil {
		t.Fatalf("distinct remote refused: %v", err)
	}
}

func TestTransferEvents(t *testing.T) {
	rel, _ := testReliability(time.Millisecond*30, 0)

	var mu sync.Mutex
	var events []TransferEvent
	rel.subscribe(func(event TransferEvent, remote string, token []byte, mid uint16) {
		mu.Lock()
		events = append(events, event)
		mu.Unlock()
	})

	done := make(chan error, 1)
	if _, err := rel.sendConfirmable(testCON(21), "peer", nil, func(err error) { done <- err }); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	<-done

	mu.Lock()
	defer mu.Unlock()
	if len(events) != 2 || events[0] != EventMessageIDAssigned || events[1] != EventTransmissionTimeout {
		t.Fatalf("unexpected event sequence: %v", events)
	}
}

func TestEmptyAckAnnouncesSeparateResponse(t *testing.T) {
	rel, _ := testReliability(time.Millisecond*100, 4)

	var mu sync.Mutex
	var events []TransferEvent
	rel.subscribe(func(event TransferEvent, remote string, token []byte, mid uint16) {
		mu.Lock()
		events = append(events, event)
		mu.Unlock()
	})

	if _, err := rel.sendConfirmable(testCON(31), "peer", nil, nil); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	ack := &Message{Type: TypeAcknowledgement, MessageID: 31}
	ack.Meta.RemoteAddr = "peer"
	rel.observeInboundAckOrRst(ack)

	mu.Lock()
	defer mu.Unlock()
	want := []TransferEvent{EventMessageIDAssigned, EventEmptyAckReceived, EventTransmissionSucceeded}
	if len(events) != len(want) {
		t.Fatalf("unexpected events: %v", events)
	}
	for i := range want {
		if events[i] != want[i] {
			t.Fatalf("event %d: got %v, want %v", i, events[i], want[i])
		}
	}
}

func TestCancelStopsRetries(t *testing.T) {
	rel, w := testReliability(time.Millisecond*40, 4)

	errCh := make(chan error, 1)
	h, err := rel.sendConfirmable(testCON(41), "peer", nil, func(err error) { errCh <- err })
	if err != nil {
		t.Fatalf("send failed: %v", err)
	}
	h.Cancel()

	select {
	case err := <-errCh:
		if err != ErrCancelled {
			t.Fatalf("expected ErrCancelled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("cancel did not resolve the record")
	}

	time.Sleep(time.Millisecond * 150)
	if w.count() != 1 {
		t.Fatalf("retransmitted after cancel: %d frames", w.count())
	}
}
