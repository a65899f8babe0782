package coap

import (
	"bytes"
	"strings"
	"testing"
	"time"
)

func mustMarshal(t *testing.T, m *Message) []byte {
	t.Helper()
	raw, err := m.marshalBinary()
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	return raw
}

func roundTrip(t *testing.T, m *Message) *Message {
	t.Helper()
	raw := mustMarshal(t, m)
	var out Message
	if err := out.unmarshalBinary(raw); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	return &out
}

func TestCodecRoundTripRequest(t *testing.T) {
	req := NewMessage().WithType(TypeConfirmable).WithCode(CodeGet)
	req.MessageID = 0x1234
	req.Token = []byte{0xAA, 0xBB, 0xCC, 0xDD}
	req.WithPathString("/sensors/temperature")
	req.WithQuery(map[string]string{"unit": "celsius"})
	req.WithAccept(TextPlain)

	out := roundTrip(t, req)

	if out.Type != TypeConfirmable || out.Code != CodeGet {
		t.Fatalf("wrong type/code: %v %v", out.Type, out.Code)
	}
	if out.MessageID != 0x1234 {
		t.Fatalf("wrong message ID: %x", out.MessageID)
	}
	if !bytes.Equal(out.Token, req.Token) {
		t.Fatalf("wrong token: %x", out.Token)
	}
	if out.PathString() != "sensors/temperature" {
		t.Fatalf("wrong path: %q", out.PathString())
	}
	if out.QueryString() != "unit=celsius" {
		t.Fatalf("wrong query: %q", out.QueryString())
	}
	if out.Accept() != TextPlain {
		t.Fatalf("wrong accept: %v", out.Accept())
	}
}

func TestCodecRoundTripNotification(t *testing.T) {
	rsp := NewMessage().WithType(TypeNonConfirmable).WithCode(RspCodeContent)
	rsp.MessageID = 0xBEEF
	rsp.Token = []byte{0x01, 0x02}
	rsp.WithPayload([]byte("21.5"))
	rsp.WithContentFormat(TextPlain)
	rsp.WithETag([]byte{0xde, 0xad, 0xbe, 0xef})
	rsp.WithMaxAge(time.Second * 90)
	rsp.WithObserve(0x123456)

	out := roundTrip(t, rsp)

	if !bytes.Equal(out.Payload, []byte("21.5")) {
		t.Fatalf("wrong payload: %q", out.Payload)
	}
	if out.ContentFormat() != TextPlain {
		t.Fatalf("wrong content format: %v", out.ContentFormat())
	}
	if !bytes.Equal(out.ETag(), []byte{0xde, 0xad, 0xbe, 0xef}) {
		t.Fatalf("wrong etag: %x", out.ETag())
	}
	if out.MaxAge() != time.Second*90 {
		t.Fatalf("wrong max age: %v", out.MaxAge())
	}
	if out.Observe() != 0x123456 {
		t.Fatalf("wrong observe: %x", out.Observe())
	}
}

func TestCodecRoundTripEmpty(t *testing.T) {
	for _, typ := range []COAPType{TypeAcknowledgement, TypeReset} {
		m := &Message{Type: typ, MessageID: 0x7777}
		out := roundTrip(t, m)
		if out.Type != typ || out.Code != CodeEmpty || out.MessageID != 0x7777 {
			t.Fatalf("empty message mangled: %+v", out)
		}
		if len(mustMarshal(t, m)) != 4 {
			t.Fatalf("empty message must be exactly the header")
		}
	}
}

func TestCodecExtendedOptionEncoding(t *testing.T) {
	// Proxy-Uri (35) needs an extended delta nibble; a long value needs an
	// extended length nibble
	long := "coap://" + strings.Repeat("x", 400)
	req := NewMessage().WithType(TypeConfirmable).WithCode(CodeGet)
	req.MessageID = 1
	req.WithOption(OptProxyURI, long, true)

	out := roundTrip(t, req)
	if got := out.Option(OptProxyURI); got != long {
		t.Fatalf("proxy uri mangled")
	}
}

func TestCodecRejectsPayloadWhereForbidden(t *testing.T) {
	for _, code := range []COAPCode{CodeGet, CodeDelete, RspCodeValid} {
		m := NewMessage().WithType(TypeConfirmable).WithCode(code).WithPayload([]byte("x"))
		m.MessageID = 9
		if _, err := m.marshalBinary(); err != ErrPayloadNotAllowed {
			t.Fatalf("code %v: expected ErrPayloadNotAllowed, got %v", code, err)
		}
	}
}

func TestCodecRejectsMeaninglessOption(t *testing.T) {
	m := NewMessage().WithType(TypeConfirmable).WithCode(CodeDelete)
	m.MessageID = 9
	m.WithOption(OptAccept, TextPlain, true)
	if _, err := m.marshalBinary(); err != ErrOptionNotMeaningful {
		t.Fatalf("expected ErrOptionNotMeaningful, got %v", err)
	}
}

func TestCodecRejectsInvalidInput(t *testing.T) {
	cases := map[string][]byte{
		"short":              {0x40},
		"bad version":        {0x00, 0x01, 0x00, 0x01},
		"token overflow":     {0x49, 0x01, 0x00, 0x01},
		"token truncated":    {0x44, 0x01, 0x00, 0x01, 0xAA},
		"marker no payload":  {0x40, 0x01, 0x00, 0x01, 0xFF},
		"empty with trailer": {0x40, 0x00, 0x00, 0x01, 0x01},
	}
	for name, data := range cases {
		var m Message
		if err := m.unmarshalBinary(data); err == nil {
			t.Fatalf("%s: expected decode error", name)
		}
	}
}

func TestCodecTokenLengthLimit(t *testing.T) {
	m := NewMessage().WithType(TypeConfirmable).WithCode(CodeGet)
	m.Token = make([]byte, 9)
	if _, err := m.marshalBinary(); err != ErrInvalidTokenLen {
		t.Fatalf("expected ErrInvalidTokenLen, got %v", err)
	}
}
