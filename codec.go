package coap

import (
	"encoding/binary"
	"sort"
)

// RFC 7252 section 3 wire form: fixed 4-byte header (Ver=01, T, TKL, Code,
// Message ID), token, options in ascending number order with delta/length
// nibble encoding, then the 0xFF payload marker and payload.

const payloadMarker = 0xff

func (m Message) headerSize() int {
	return 4 + len(m.Token)
}

func (m *Message) marshalBinary() ([]byte, error) {
	if len(m.Token) > 8 {
		return nil, ErrInvalidTokenLen
	}
	if len(m.Payload) > 0 && !m.Code.AllowsPayload() {
		return nil, ErrPayloadNotAllowed
	}
	if m.Code == CodeEmpty && (len(m.Token) > 0 || len(m.opts) > 0 || len(m.Payload) > 0) {
		return nil, ErrInvalidMessage
	}
	if oid, bad := m.checkOptions(); bad {
		logWarn(m, ErrOptionNotMeaningful, "rejecting option %d with code %s", oid, m.Code.NumberString())
		return nil, ErrOptionNotMeaningful
	}

	buf := make([]byte, 0, m.headerSize()+len(m.Payload)+16)
	buf = append(buf,
		0x40|byte(m.Type)<<4|byte(len(m.Token)),
		byte(m.Code), 0, 0)
	binary.BigEndian.PutUint16(buf[2:], m.MessageID)
	buf = append(buf, m.Token...)

	sorted := make(options, len(m.opts))
	copy(sorted, m.opts)
	sort.Stable(sorted)

	prev := 0
	for _, o := range sorted {
		val := o.toBytes()
		if len(val) > 1034 {
			return nil, ErrOptionTooLong
		}
		delta := int(o.ID) - prev
		prev = int(o.ID)
		buf = append(buf, 0)
		nib := len(buf) - 1
		var dn, ln byte
		buf, dn = appendOptionArg(buf, delta)
		buf, ln = appendOptionArg(buf, len(val))
		buf[nib] = dn<<4 | ln
		buf = append(buf, val...)
	}

	if len(m.Payload) > 0 {
		buf = append(buf, payloadMarker)
		buf = append(buf, m.Payload...)
	}
	return buf, nil
}

// appendOptionArg writes the extended form of an option delta or length and
// returns the nibble to place in the leading byte.
func appendOptionArg(buf []byte, v int) ([]byte, byte) {
	switch {
	case v < 13:
		return buf, byte(v)
	case v < 269:
		return append(buf, byte(v-13)), 13
	default:
		ext := v - 269
		return append(buf, byte(ext>>8), byte(ext)), 14
	}
}

func (m *Message) unmarshalBinary(data []byte) error {
	if len(data) < 4 {
		return ErrInvalidMessage
	}
	if data[0]>>6 != 1 {
		return ErrInvalidMessage
	}
	m.Type = COAPType(data[0] >> 4 & 0x3)
	tkl := int(data[0] & 0xf)
	if tkl > 8 {
		return ErrInvalidTokenLen
	}
	m.Code = COAPCode(data[1])
	m.MessageID = binary.BigEndian.Uint16(data[2:4])
	m.packetSize = len(data)

	b := data[4:]
	if len(b) < tkl {
		return ErrInvalidMessage
	}
	if tkl > 0 {
		m.Token = append([]byte(nil), b[:tkl]...)
	}
	b = b[tkl:]

	if m.Code == CodeEmpty && (tkl != 0 || len(b) != 0) {
		// RFC 7252 section 4.1: empty messages end after the header
		return ErrInvalidMessage
	}

	prev := 0
	for len(b) > 0 {
		if b[0] == payloadMarker {
			if len(b) == 1 {
				// marker with zero-length payload is a format error
				return ErrInvalidMessage
			}
			m.Payload = append([]byte(nil), b[1:]...)
			return nil
		}
		dn := int(b[0] >> 4)
		ln := int(b[0] & 0xf)
		b = b[1:]
		var delta, olen int
		var err error
		if delta, b, err = readOptionArg(b, dn); err != nil {
			return err
		}
		if olen, b, err = readOptionArg(b, ln); err != nil {
			return err
		}
		if len(b) < olen {
			return ErrInvalidMessage
		}
		oid := prev + delta
		if oid > 255 {
			return ErrOptionGapTooLarge
		}
		prev = oid
		if val := parseOptionValue(OptionID(oid), b[:olen]); val != nil {
			m.opts = append(m.opts, option{OptionID(oid), val})
		}
		b = b[olen:]
	}
	return nil
}

func readOptionArg(b []byte, nibble int) (int, []byte, error) {
	switch nibble {
	case 13:
		if len(b) < 1 {
			return 0, nil, ErrInvalidMessage
		}
		return int(b[0]) + 13, b[1:], nil
	case 14:
		if len(b) < 2 {
			return 0, nil, ErrInvalidMessage
		}
		return (int(b[0])<<8 | int(b[1])) + 269, b[2:], nil
	case 15:
		// reserved for the payload marker, not valid here
		return 0, nil, ErrInvalidMessage
	default:
		return nibble, b, nil
	}
}
