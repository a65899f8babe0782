package coap

import (
	"fmt"
	"strings"

	"github.com/qwerty-iot/tox"
)

// COAPType represents the message type.
type COAPType uint8

const (
	// Confirmable messages require acknowledgements.
	TypeConfirmable COAPType = 0
	// NonConfirmable messages do not require acknowledgements.
	TypeNonConfirmable COAPType = 1
	// Acknowledgement is a message indicating a response to confirmable message.
	TypeAcknowledgement COAPType = 2
	// Reset indicates a permanent negative acknowledgement.
	TypeReset COAPType = 3
)

var typeNames = [256]string{
	TypeConfirmable:     "Confirmable",
	TypeNonConfirmable:  "NonConfirmable",
	TypeAcknowledgement: "Acknowledgement",
	TypeReset:           "Reset",
}

func init() {
	for i := range typeNames {
		if typeNames[i] == "" {
			typeNames[i] = fmt.Sprintf("Unknown (0x%x)", i)
		}
	}
}

func (t COAPType) String() string {
	return typeNames[t]
}

// COAPCode is the type used for both request and response codes.
type COAPCode uint8

// Request Codes
const (
	CodeEmpty COAPCode = 0

	CodeGet    COAPCode = 1
	CodePost   COAPCode = 2
	CodePut    COAPCode = 3
	CodeDelete COAPCode = 4
)

// Response Codes
const (
	RspCodeCreated               COAPCode = 65
	RspCodeDeleted               COAPCode = 66
	RspCodeValid                 COAPCode = 67
	RspCodeChanged               COAPCode = 68
	RspCodeContent               COAPCode = 69
	RspCodeBadRequest            COAPCode = 128
	RspCodeUnauthorized          COAPCode = 129
	RspCodeBadOption             COAPCode = 130
	RspCodeForbidden             COAPCode = 131
	RspCodeNotFound              COAPCode = 132
	RspCodeMethodNotAllowed      COAPCode = 133
	RspCodeNotAcceptable         COAPCode = 134
	RspCodePreconditionFailed    COAPCode = 140
	RspCodeRequestEntityTooLarge COAPCode = 141
	RspCodeUnsupportedMediaType  COAPCode = 143
	RspCodeInternalServerError   COAPCode = 160
	RspCodeNotImplemented        COAPCode = 161
	RspCodeBadGateway            COAPCode = 162
	RspCodeServiceUnavailable    COAPCode = 163
	RspCodeGatewayTimeout        COAPCode = 164
	RspCodeProxyingNotSupported  COAPCode = 165
)

var codeNames = [256]string{
	CodeGet:                      "GET",
	CodePost:                     "POST",
	CodePut:                      "PUT",
	CodeDelete:                   "DELETE",
	RspCodeCreated:               "Created",
	RspCodeDeleted:               "Deleted",
	RspCodeValid:                 "Valid",
	RspCodeChanged:               "Changed",
	RspCodeContent:               "Content",
	RspCodeBadRequest:            "BadRequest",
	RspCodeUnauthorized:          "Unauthorized",
	RspCodeBadOption:             "BadOption",
	RspCodeForbidden:             "Forbidden",
	RspCodeNotFound:              "NotFound",
	RspCodeMethodNotAllowed:      "MethodNotAllowed",
	RspCodeNotAcceptable:         "NotAcceptable",
	RspCodePreconditionFailed:    "PreconditionFailed",
	RspCodeRequestEntityTooLarge: "RequestEntityTooLarge",
	RspCodeUnsupportedMediaType:  "UnsupportedMediaType",
	RspCodeInternalServerError:   "InternalServerError",
	RspCodeNotImplemented:        "NotImplemented",
	RspCodeBadGateway:            "BadGateway",
	RspCodeServiceUnavailable:    "ServiceUnavailable",
	RspCodeGatewayTimeout:        "GatewayTimeout",
	RspCodeProxyingNotSupported:  "ProxyingNotSupported",
}

func init() {
	for i := range codeNames {
		if codeNames[i] == "" {
			codeNames[i] = fmt.Sprintf("Unknown (0x%x)", i)
		}
	}
}

func ToCOAPCode(val string) COAPCode {
	ss := strings.Split(val, ".")
	if len(ss) != 2 {
		return RspCodeInternalServerError
	}
	return COAPCode(tox.ToInt(ss[0])<<5 | tox.ToInt(ss[1])&0x1F)
}

func (c COAPCode) String() string {
	return codeNames[c]
}

func (c COAPCode) NumberString() string {
	lower := c & 0x1F
	upper := c >> 5
	return fmt.Sprintf("%d.%02d", upper, lower)
}

// Class returns the 3-bit code class (0 request, 2/4/5 response).
func (c COAPCode) Class() uint8 {
	return uint8(c >> 5)
}

// IsRequest reports whether the code is a non-empty class-0 code.
func (c COAPCode) IsRequest() bool {
	return c.Class() == 0 && c != CodeEmpty
}

// IsResponse reports whether the code belongs to class 2, 4 or 5.
func (c COAPCode) IsResponse() bool {
	cl := c.Class()
	return cl == 2 || cl == 4 || cl == 5
}

// AllowsPayload reports whether a non-empty payload may be carried with the
// code. GET, DELETE and 2.03 Valid are payload-free by definition.
func (c COAPCode) AllowsPayload() bool {
	switch c {
	case CodeEmpty, CodeGet, CodeDelete, RspCodeValid:
		return false
	}
	return true
}

// MediaType specifies the content type of a message.
type MediaType int

// Content types.
const (
	None          MediaType = -1
	TextPlain     MediaType = 0  // text/plain;charset=utf-8
	AppLinkFormat MediaType = 40 // application/link-format
	AppXML        MediaType = 41 // application/xml
	AppOctets     MediaType = 42 // application/octet-stream
	AppExi        MediaType = 47 // application/exi
	AppJSON       MediaType = 50 // application/json
	AppCBOR       MediaType = 60 // application/cbor
)

// Observe option register/deregister values (RFC 7641 section 2).
const (
	ObserveRegister   = 0
	ObserveDeregister = 1
)

// serialModulo bounds the notification serial (RFC 7641: 24-bit option).
const serialModulo = 1 << 24
