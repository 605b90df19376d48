package niproto

import "errors"

// DYNT form-atom element types that carry text input, per spec.md 4.H.
const (
	EtypeInputChar  = 121
	EtypeInputDate  = 122
	EtypeInputTime  = 123
	EtypeOutputChar = 130
	EtypeOutputDate = 131
	EtypeOutputTime = 132
)

// DispatcherMsgKind classifies an inbound dispatcher message.
type DispatcherMsgKind byte

const (
	DispInit DispatcherMsgKind = iota
	DispOKCode
	DispUIEvent
	DispDynt
	DispOther
)

const (
	tagDispInit        byte = 0xD1
	tagDispOKCode      byte = 0xD2
	tagDispUIEvent     byte = 0xD3
	tagDispDynt        byte = 0xD4
	tagDispLoginScreen byte = 0xD5
	tagDispErrorScreen byte = 0xD6
	tagDispTerminal    byte = 0xD7
)

// CloseWindowOKCode is the OK-code item a client sends to close the login
// window (spec.md 4.H).
const CloseWindowOKCode = "/i"

// Function-key UI event source values (spec.md 4.H).
const (
	FuncKeyType    = 7
	FuncKeyControl = 10
	FuncKeyLogOff  = 15
	FuncKeyEnter   = 0
)

// InitPayload is the decoded dispatcher initialization sub-header.
type InitPayload struct {
	Terminal string
}

// OKCodeMsg carries the client's OK-code item (e.g. "/i" for window close).
type OKCodeMsg struct {
	Code string
}

// UIEventSource describes a UI event item: either a function key press or a
// menu position selection.
type UIEventSource struct {
	IsFunctionKey bool
	Type          int // function-key: always 7 when IsFunctionKey
	Control       int
	Data          int
	IsMenuPos     bool
}

// DyntAtom is one form-atom item of a DYNT screen.
type DyntAtom struct {
	Etype     int
	Primary   string
	Secondary string
	Invisible bool
}

// DyntMsg carries zero or more form-atom items from a login screen submit.
type DyntMsg struct {
	Atoms []DyntAtom
}

// ClassifyDispatcher inspects the leading tag byte of a dispatcher payload.
func ClassifyDispatcher(payload []byte) DispatcherMsgKind {
	if len(payload) == 0 {
		return DispOther
	}
	switch payload[0] {
	case tagDispInit:
		return DispInit
	case tagDispOKCode:
		return DispOKCode
	case tagDispUIEvent:
		return DispUIEvent
	case tagDispDynt:
		return DispDynt
	default:
		return DispOther
	}
}

// EncodeInit serializes an initialization payload.
func EncodeInit(p InitPayload) []byte {
	buf := []byte{tagDispInit}
	return appendString(buf, p.Terminal)
}

// DecodeInit parses an initialization payload.
func DecodeInit(payload []byte) (InitPayload, error) {
	var p InitPayload
	if len(payload) < 1 || payload[0] != tagDispInit {
		return p, errors.New("not an init message")
	}
	term, _, err := readString(payload[1:])
	if err != nil {
		return p, err
	}
	p.Terminal = term
	return p, nil
}

// EncodeOKCode serializes an OK-code message.
func EncodeOKCode(m OKCodeMsg) []byte {
	buf := []byte{tagDispOKCode}
	return appendString(buf, m.Code)
}

// DecodeOKCode parses an OK-code message.
func DecodeOKCode(payload []byte) (OKCodeMsg, error) {
	var m OKCodeMsg
	if len(payload) < 1 || payload[0] != tagDispOKCode {
		return m, errors.New("not an OK-code message")
	}
	code, _, err := readString(payload[1:])
	if err != nil {
		return m, err
	}
	m.Code = code
	return m, nil
}

// EncodeUIEvent serializes a UI event source message.
func EncodeUIEvent(e UIEventSource) []byte {
	buf := []byte{tagDispUIEvent}
	flags := byte(0)
	if e.IsFunctionKey {
		flags |= 1
	}
	if e.IsMenuPos {
		flags |= 2
	}
	buf = append(buf, flags)
	buf = appendUint16(buf, uint16(e.Type))
	buf = appendUint16(buf, uint16(e.Control))
	buf = appendUint16(buf, uint16(e.Data))
	return buf
}

// DecodeUIEvent parses a UI event source message.
func DecodeUIEvent(payload []byte) (UIEventSource, error) {
	var e UIEventSource
	if len(payload) < 2 || payload[0] != tagDispUIEvent {
		return e, errors.New("not a UI event message")
	}
	flags := payload[1]
	e.IsFunctionKey = flags&1 != 0
	e.IsMenuPos = flags&2 != 0
	p := payload[2:]
	t, p, err := readUint16(p)
	if err != nil {
		return e, err
	}
	c, p, err := readUint16(p)
	if err != nil {
		return e, err
	}
	d, _, err := readUint16(p)
	if err != nil {
		return e, err
	}
	e.Type, e.Control, e.Data = int(t), int(c), int(d)
	return e, nil
}

// EncodeDynt serializes a DYNT form-atom message.
func EncodeDynt(m DyntMsg) []byte {
	buf := []byte{tagDispDynt}
	buf = appendUint16(buf, uint16(len(m.Atoms)))
	for _, a := range m.Atoms {
		buf = appendUint16(buf, uint16(a.Etype))
		buf = appendString(buf, a.Primary)
		buf = appendString(buf, a.Secondary)
		inv := byte(0)
		if a.Invisible {
			inv = 1
		}
		buf = append(buf, inv)
	}
	return buf
}

// DecodeDynt parses a DYNT form-atom message.
func DecodeDynt(payload []byte) (DyntMsg, error) {
	var m DyntMsg
	if len(payload) < 1 || payload[0] != tagDispDynt {
		return m, errors.New("not a DYNT message")
	}
	p := payload[1:]
	n, p, err := readUint16(p)
	if err != nil {
		return m, err
	}
	m.Atoms = make([]DyntAtom, 0, n)
	for i := uint16(0); i < n; i++ {
		var etype uint16
		etype, p, err = readUint16(p)
		if err != nil {
			return m, err
		}
		var primary, secondary string
		primary, p, err = readString(p)
		if err != nil {
			return m, err
		}
		secondary, p, err = readString(p)
		if err != nil {
			return m, err
		}
		if len(p) < 1 {
			return m, errors.New("truncated DYNT atom: missing invisible flag")
		}
		invisible := p[0] != 0
		p = p[1:]
		m.Atoms = append(m.Atoms, DyntAtom{
			Etype:     int(etype),
			Primary:   primary,
			Secondary: secondary,
			Invisible: invisible,
		})
	}
	return m, nil
}

// LoginScreen is the static sequence of protocol items synthesized in
// response to an initialization request, parameterized per spec.md 4.H.
type LoginScreen struct {
	Hostname         string
	SID              string
	ClientNo         string
	SessionTitle     string
	DatabaseVersion  string
	KernelVersion    string
	KernelPatchLevel string
	ContextID        string
}

// EncodeLoginScreen serializes a synthesized login screen.
func EncodeLoginScreen(s LoginScreen) []byte {
	buf := []byte{tagDispLoginScreen}
	for _, f := range []string{s.Hostname, s.SID, s.ClientNo, s.SessionTitle, s.DatabaseVersion, s.KernelVersion, s.KernelPatchLevel, s.ContextID} {
		buf = appendString(buf, f)
	}
	return buf
}

// DecodeLoginScreen parses a synthesized login screen, mainly for tests.
func DecodeLoginScreen(payload []byte) (LoginScreen, error) {
	var s LoginScreen
	if len(payload) < 1 || payload[0] != tagDispLoginScreen {
		return s, errors.New("not a login screen message")
	}
	p := payload[1:]
	fields := make([]string, 0, 8)
	for i := 0; i < 8; i++ {
		var f string
		var err error
		f, p, err = readString(p)
		if err != nil {
			return s, err
		}
		fields = append(fields, f)
	}
	s.Hostname, s.SID, s.ClientNo, s.SessionTitle = fields[0], fields[1], fields[2], fields[3]
	s.DatabaseVersion, s.KernelVersion, s.KernelPatchLevel, s.ContextID = fields[4], fields[5], fields[6], fields[7]
	return s, nil
}

// ErrorScreen is a synthesized error screen reply; Compressed mirrors the
// real protocol's distinction between a compressed response after a form
// submission and an uncompressed response otherwise (spec.md 4.H).
type ErrorScreen struct {
	Message    string
	Compressed bool
}

// EncodeErrorScreen serializes an error screen.
func EncodeErrorScreen(s ErrorScreen) []byte {
	buf := []byte{tagDispErrorScreen}
	compressed := byte(0)
	if s.Compressed {
		compressed = 1
	}
	buf = append(buf, compressed)
	return appendString(buf, s.Message)
}

// DecodeErrorScreen parses an error screen, mainly for tests.
func DecodeErrorScreen(payload []byte) (ErrorScreen, error) {
	var s ErrorScreen
	if len(payload) < 2 || payload[0] != tagDispErrorScreen {
		return s, errors.New("not an error screen message")
	}
	s.Compressed = payload[1] != 0
	msg, _, err := readString(payload[2:])
	if err != nil {
		return s, err
	}
	s.Message = msg
	return s, nil
}

// TerminalMsg is the packet sent to log a client off: end-of-processing and
// end-of-connection flags set, per spec.md 4.H.
type TerminalMsg struct {
	EndOfProcessing bool
	EndOfConnection bool
}

// EncodeTerminal serializes a log-off terminal packet.
func EncodeTerminal(m TerminalMsg) []byte {
	flags := byte(0)
	if m.EndOfProcessing {
		flags |= 1
	}
	if m.EndOfConnection {
		flags |= 2
	}
	return []byte{tagDispTerminal, flags}
}

// DecodeTerminal parses a log-off terminal packet, mainly for tests.
func DecodeTerminal(payload []byte) (TerminalMsg, error) {
	var m TerminalMsg
	if len(payload) < 2 || payload[0] != tagDispTerminal {
		return m, errors.New("not a terminal message")
	}
	m.EndOfProcessing = payload[1]&1 != 0
	m.EndOfConnection = payload[1]&2 != 0
	return m, nil
}

// IsCollectedEtype reports whether etype is one of the DYNT input types
// spec.md 4.H collects as login-screen fields.
func IsCollectedEtype(etype int) bool {
	switch etype {
	case EtypeInputChar, EtypeInputDate, EtypeInputTime,
		EtypeOutputChar, EtypeOutputDate, EtypeOutputTime:
		return true
	default:
		return false
	}
}
