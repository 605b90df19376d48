package niproto

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// MsgKind classifies an inbound router-service message.
type MsgKind byte

const (
	MsgRoute MsgKind = iota
	MsgControl
	MsgAdmin
	MsgUnknown
)

// TalkMode is the negotiated framing discipline for a routed connection.
// Values mirror the original route table's MODE_* constants so lookups and
// requests compare directly.
type TalkMode int8

const (
	ModeAny TalkMode = -1
	ModeNI  TalkMode = 0
	ModeRaw TalkMode = 1
)

func (m TalkMode) String() string {
	switch m {
	case ModeNI:
		return "ni"
	case ModeRaw:
		return "raw"
	default:
		return "any"
	}
}

// Return codes used in error responses (spec.md 6).
const (
	ReturnTimeout        = -5
	ReturnInvalidVersion = -13
	ReturnDenied         = -94
)

// Control opcodes.
const (
	OpVersionRequest byte = 1
	OpVersionReply   byte = 2
)

// Admin command codes.
const (
	AdmInfo  byte = 2
	AdmTrace byte = 12
)

// tag bytes identifying the outer message kind on the wire. These are our
// own framing, not the real SAP router header layout (see package doc).
const (
	tagRoute   byte = 0xA1
	tagControl byte = 0xA2
	tagAdmin   byte = 0xA3
)

// Hop is one (host, port, password?) entry in a multi-hop route request.
type Hop struct {
	Host     string
	Port     int
	Password string
}

func (h Hop) wireLen() int {
	// 2 (port) + 2 (host len) + len(host) + 2 (pw len) + len(password)
	return 2 + 2 + len(h.Host) + 2 + len(h.Password)
}

// RouteRequest is the decoded route-string wire message.
type RouteRequest struct {
	Hops      []Hop
	Entries   int // route_entries
	RestNodes int // route_rest_nodes
	Offset    int // route_offset
	Length    int // route_length
	TalkMode  TalkMode
	NIVersion int
}

// ControlMsg is a decoded NI control message.
type ControlMsg struct {
	Opcode       byte
	ClientNIVers int
	ReturnCode   int
}

// AdminMsg is a decoded admin message.
type AdminMsg struct {
	Command   byte
	Password  string
	ClientIDs []int
}

// ErrorMsg is a generic return-code-plus-message wire reply, used for
// route/admin/timeout error responses; the version-negotiation ack is a
// ControlMsg instead (spec.md 6, "Return codes used in error responses").
type ErrorMsg struct {
	ReturnCode int
	Message    string
}

// Classify inspects a decoded payload's leading tag byte and reports which
// kind of message it is, without fully decoding the body.
func Classify(payload []byte) MsgKind {
	if len(payload) == 0 {
		return MsgUnknown
	}
	switch payload[0] {
	case tagRoute:
		return MsgRoute
	case tagControl:
		return MsgControl
	case tagAdmin:
		return MsgAdmin
	default:
		return MsgUnknown
	}
}

// EncodeRouteRequest serializes a RouteRequest to wire bytes.
func EncodeRouteRequest(r RouteRequest) []byte {
	buf := []byte{tagRoute}
	buf = appendUint16(buf, uint16(len(r.Hops)))
	for _, h := range r.Hops {
		buf = appendUint16(buf, uint16(h.Port))
		buf = appendString(buf, h.Host)
		buf = appendString(buf, h.Password)
	}
	buf = appendUint16(buf, uint16(r.Entries))
	buf = appendUint16(buf, uint16(r.RestNodes))
	buf = appendUint16(buf, uint16(r.Offset))
	buf = appendUint16(buf, uint16(r.Length))
	buf = append(buf, byte(int8(r.TalkMode)))
	buf = appendUint16(buf, uint16(r.NIVersion))
	return buf
}

// DecodeRouteRequest parses a route-string wire message.
func DecodeRouteRequest(payload []byte) (RouteRequest, error) {
	var r RouteRequest
	if len(payload) < 1 || payload[0] != tagRoute {
		return r, errors.New("not a route message")
	}
	p := payload[1:]

	n, p, err := readUint16(p)
	if err != nil {
		return r, err
	}
	r.Hops = make([]Hop, 0, n)
	for i := uint16(0); i < n; i++ {
		var port uint16
		port, p, err = readUint16(p)
		if err != nil {
			return r, err
		}
		var host string
		host, p, err = readString(p)
		if err != nil {
			return r, err
		}
		var pw string
		pw, p, err = readString(p)
		if err != nil {
			return r, err
		}
		r.Hops = append(r.Hops, Hop{Host: host, Port: int(port), Password: pw})
	}

	var entries, rest, offset, length, niVers uint16
	entries, p, err = readUint16(p)
	if err != nil {
		return r, err
	}
	rest, p, err = readUint16(p)
	if err != nil {
		return r, err
	}
	offset, p, err = readUint16(p)
	if err != nil {
		return r, err
	}
	length, p, err = readUint16(p)
	if err != nil {
		return r, err
	}
	if len(p) < 1 {
		return r, errors.New("truncated route message: missing talk mode")
	}
	talkMode := TalkMode(int8(p[0]))
	p = p[1:]
	niVers, _, err = readUint16(p)
	if err != nil {
		return r, err
	}

	r.Entries = int(entries)
	r.RestNodes = int(rest)
	r.Offset = int(offset)
	r.Length = int(length)
	r.TalkMode = talkMode
	r.NIVersion = int(niVers)
	return r, nil
}

// EncodeControl serializes a control message.
func EncodeControl(c ControlMsg) []byte {
	buf := []byte{tagControl, c.Opcode}
	buf = appendUint16(buf, uint16(c.ClientNIVers))
	buf = append(buf, byte(int16(c.ReturnCode)>>8), byte(int16(c.ReturnCode)))
	return buf
}

// DecodeControl parses a control message.
func DecodeControl(payload []byte) (ControlMsg, error) {
	var c ControlMsg
	if len(payload) < 2 || payload[0] != tagControl {
		return c, errors.New("not a control message")
	}
	c.Opcode = payload[1]
	vers, rest, err := readUint16(payload[2:])
	if err != nil {
		return c, err
	}
	c.ClientNIVers = int(vers)
	if len(rest) >= 2 {
		c.ReturnCode = int(int16(binary.BigEndian.Uint16(rest)))
	}
	return c, nil
}

// tagErrorMsg identifies a generic error/status reply.
const tagErrorMsg byte = 0xA4

// EncodeErrorMsg serializes an ErrorMsg.
func EncodeErrorMsg(e ErrorMsg) []byte {
	buf := []byte{tagErrorMsg}
	buf = append(buf, byte(int16(e.ReturnCode)>>8), byte(int16(e.ReturnCode)))
	buf = appendString(buf, e.Message)
	return buf
}

// DecodeErrorMsg parses an ErrorMsg.
func DecodeErrorMsg(payload []byte) (ErrorMsg, error) {
	var e ErrorMsg
	if len(payload) < 3 || payload[0] != tagErrorMsg {
		return e, errors.New("not an error message")
	}
	e.ReturnCode = int(int16(binary.BigEndian.Uint16(payload[1:3])))
	msg, _, err := readString(payload[3:])
	if err != nil {
		return e, err
	}
	e.Message = msg
	return e, nil
}

// EncodeAdmin serializes an admin message.
func EncodeAdmin(a AdminMsg) []byte {
	buf := []byte{tagAdmin, a.Command}
	buf = appendString(buf, a.Password)
	buf = appendUint16(buf, uint16(len(a.ClientIDs)))
	for _, id := range a.ClientIDs {
		buf = appendUint16(buf, uint16(id))
	}
	return buf
}

// DecodeAdmin parses an admin message.
func DecodeAdmin(payload []byte) (AdminMsg, error) {
	var a AdminMsg
	if len(payload) < 2 || payload[0] != tagAdmin {
		return a, errors.New("not an admin message")
	}
	a.Command = payload[1]
	p := payload[2:]

	pw, p, err := readString(p)
	if err != nil {
		return a, err
	}
	a.Password = pw

	n, p, err := readUint16(p)
	if err != nil {
		return a, err
	}
	a.ClientIDs = make([]int, 0, n)
	for i := uint16(0); i < n; i++ {
		var id uint16
		id, p, err = readUint16(p)
		if err != nil {
			return a, err
		}
		a.ClientIDs = append(a.ClientIDs, int(id))
	}
	return a, nil
}

func appendUint16(buf []byte, v uint16) []byte {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	return append(buf, b[:]...)
}

func readUint16(p []byte) (uint16, []byte, error) {
	if len(p) < 2 {
		return 0, nil, fmt.Errorf("truncated message: need 2 bytes, have %d", len(p))
	}
	return binary.BigEndian.Uint16(p), p[2:], nil
}

func appendString(buf []byte, s string) []byte {
	buf = appendUint16(buf, uint16(len(s)))
	return append(buf, s...)
}

func readString(p []byte) (string, []byte, error) {
	n, p, err := readUint16(p)
	if err != nil {
		return "", nil, err
	}
	if len(p) < int(n) {
		return "", nil, fmt.Errorf("truncated string: need %d bytes, have %d", n, len(p))
	}
	return string(p[:n]), p[n:], nil
}
