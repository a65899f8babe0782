package coap

import (
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/qwerty-iot/tox"
)

type Metadata struct {
	ListenerName string
	RemoteAddr   string
	ReceivedAt   time.Time
}

// Message is a CoAP message.
type Message struct {
	Type      COAPType
	Code      COAPCode
	MessageID uint16
	Token     []byte

	Payload []byte

	packetSize int

	opts options

	queryVars map[string]string
	PathVars  map[string]string

	Meta Metadata
}

func NewMessage() *Message {
	return &Message{}
}

// IsConfirmable returns true if this message is confirmable.
func (m Message) IsConfirmable() bool {
	return m.Type == TypeConfirmable
}

func (m Message) IsRequest() bool {
	return m.Code.IsRequest()
}

func (m Message) IsResponse() bool {
	return m.Code.IsResponse()
}

// IsEmpty reports whether the message carries code 0.00.
func (m Message) IsEmpty() bool {
	return m.Code == CodeEmpty
}

func (m Message) PacketSize() int {
	if m.packetSize != 0 {
		return m.packetSize
	}
	return m.headerSize() + len(m.Payload)
}

// Options gets all the values for the given option.
func (m Message) Options(o OptionID) []interface{} {
	var rv []interface{}

	for _, v := range m.opts {
		if o == v.ID {
			rv = append(rv, v.Value)
		}
	}

	return rv
}

// Option gets the first value for the given option ID.
func (m Message) Option(o OptionID) interface{} {
	for _, v := range m.opts {
		if o == v.ID {
			return v.Value
		}
	}
	return nil
}

func (m Message) optionStrings(o OptionID) []string {
	var rv []string
	for _, o := range m.Options(o) {
		rv = append(rv, o.(string))
	}
	return rv
}

// WithOption adds an option, optionally replacing previous values.
func (m *Message) WithOption(opID OptionID, val interface{}, replace bool) *Message {
	if replace {
		m.RemoveOption(opID)
	}
	iv := reflect.ValueOf(val)
	if (iv.Kind() == reflect.Slice || iv.Kind() == reflect.Array) &&
		iv.Type().Elem().Kind() == reflect.String {
		for i := 0; i < iv.Len(); i++ {
			m.opts = append(m.opts, option{opID, iv.Index(i).Interface()})
		}
		return m
	}
	m.opts = append(m.opts, option{opID, val})
	return m
}

// RemoveOption removes all references to an option
func (m *Message) RemoveOption(opID OptionID) {
	m.opts = m.opts.Minus(opID)
}

func (m Message) ParseQuery() map[string]string {
	if m.queryVars != nil {
		return m.queryVars
	}
	m.queryVars = map[string]string{}

	qa := m.Options(OptURIQuery)

	for _, q := range qa {
		if qs, ok := q.(string); ok {
			ss := strings.Split(qs, "=")
			if len(ss) == 2 {
				m.queryVars[ss[0]] = ss[1]
			} else {
				m.queryVars[ss[0]] = ""
			}
		}
	}
	return m.queryVars
}

func (m Message) QueryString() string {
	qi := m.Options(OptURIQuery)
	qa := tox.ToStringArray(qi)
	return strings.Join(qa, "&")
}

func (m *Message) WithQuery(q map[string]string) *Message {
	for k, v := range q {
		val := k
		if len(v) != 0 {
			val = fmt.Sprintf("%s=%s", k, v)
		}
		m.WithOption(OptURIQuery, val, false)
	}
	return m
}

// Path gets the Path set on this message if any.
func (m Message) Path() []string {
	return m.optionStrings(OptURIPath)
}

// PathString gets a path as a / separated string.
func (m Message) PathString() string {
	return strings.Join(m.Path(), "/")
}

// WithPathString sets a path by a / separated string.
func (m *Message) WithPathString(s string) *Message {
	for len(s) > 0 && s[0] == '/' {
		s = s[1:]
	}
	m.WithPath(strings.Split(s, "/"))
	return m
}

// WithPath updates or adds a URIPath attribute on this message.
func (m *Message) WithPath(s []string) *Message {
	m.WithOption(OptURIPath, s, true)
	return m
}

func (m *Message) WithType(t COAPType) *Message {
	m.Type = t
	return m
}

func (m *Message) WithCode(code COAPCode) *Message {
	m.Code = code
	return m
}

func (m *Message) WithMessageID(mid uint16) *Message {
	m.MessageID = mid
	return m
}

func (m *Message) WithToken(token []byte) *Message {
	m.Token = token
	return m
}

func (m *Message) WithPayload(payload []byte) *Message {
	m.Payload = payload
	return m
}

func (m *Message) Accept() MediaType {
	opt := m.Option(OptAccept)
	if opt != nil {
		return opt.(MediaType)
	}
	return None
}

func (m *Message) WithAccept(mt MediaType) *Message {
	if mt == None {
		return m
	}
	m.WithOption(OptAccept, mt, true)
	return m
}

func (m *Message) ContentFormat() MediaType {
	opt := m.Option(OptContentFormat)
	if opt != nil {
		return opt.(MediaType)
	}
	return None
}

func (m *Message) WithContentFormat(mt MediaType) *Message {
	if mt == None {
		return m
	}
	m.WithOption(OptContentFormat, mt, true)
	return m
}

// Observe returns the value of the Observe option, or -1 if absent.
func (m *Message) Observe() int {
	opt := m.Option(OptObserve)
	if opt == nil {
		return -1
	}
	switch v := opt.(type) {
	case uint32:
		return int(v)
	case int:
		return v
	case []byte:
		return int(decodeInt(v))
	}
	return -1
}

func (m *Message) WithObserve(val int) *Message {
	m.WithOption(OptObserve, uint32(val)&(serialModulo-1), true)
	return m
}

func (m *Message) ETag() []byte {
	opt := m.Option(OptETag)
	if opt != nil {
		if b, ok := opt.([]byte); ok {
			return b
		}
	}
	return nil
}

func (m *Message) WithETag(etag []byte) *Message {
	if etag == nil {
		return m
	}
	m.WithOption(OptETag, etag, true)
	return m
}

func (m *Message) MaxAge() time.Duration {
	opt := m.Option(OptMaxAge)
	if opt != nil {
		if v, ok := opt.(uint32); ok {
			return time.Duration(v) * time.Second
		}
	}
	return -1
}

func (m *Message) WithMaxAge(age time.Duration) *Message {
	m.WithOption(OptMaxAge, uint32(age/time.Second), true)
	return m
}

func (m *Message) WithLocationPath(s []string) *Message {
	m.WithOption(OptLocationPath, s, true)
	return m
}

func (m *Message) WithLocationPathString(path string) *Message {
	for len(path) > 0 && path[0] == '/' {
		path = path[1:]
	}
	m.WithLocationPath(strings.Split(path, "/"))
	return m
}

// LocationPath gets the Location-Path set on this message if any.
func (m Message) LocationPath() []string {
	return m.optionStrings(OptLocationPath)
}

func (m Message) LocationPathString() string {
	return strings.Join(m.LocationPath(), "/")
}

// MakeReply builds a piggybacked acknowledgement carrying code and payload,
// reusing the request's message ID and token.
func (m *Message) MakeReply(code COAPCode, payload []byte) *Message {
	rm := Message{}
	rm.Token = m.Token
	rm.MessageID = m.MessageID
	rm.Type = TypeAcknowledgement
	rm.Payload = payload
	rm.Code = code
	rm.Meta.RemoteAddr = m.Meta.RemoteAddr
	return &rm
}

// MakeReset builds the Reset reply for this message.
func (m *Message) MakeReset() *Message {
	rm := Message{}
	rm.MessageID = m.MessageID
	rm.Type = TypeReset
	rm.Meta.RemoteAddr = m.Meta.RemoteAddr
	return &rm
}
