// Package wire frames and serializes PostgreSQL frontend/backend protocol
// version 3.0 messages. It interprets payloads only as far as the session
// and router need: tags, lengths, and the handful of fields the extended
// protocol router rewrites.
package wire

import (
	"encoding/binary"
	"errors"
	"io"
)

// Message tags, frontend and backend. Named the way riftdata/rift's
// pgwire package names them.
const (
	MsgParse         = 'P'
	MsgBind          = 'B'
	MsgDescribe      = 'D'
	MsgExecute       = 'E'
	MsgClose         = 'C'
	MsgSync          = 'S'
	MsgFlush         = 'H'
	MsgQuery         = 'Q'
	MsgTerminate     = 'X'
	MsgPasswordMsg   = 'p'
	MsgCopyData      = 'd'
	MsgCopyDone      = 'c'
	MsgCopyFail      = 'f'

	MsgAuthentication   = 'R'
	MsgParameterStatus  = 'S'
	MsgBackendKeyData   = 'K'
	MsgReadyForQuery    = 'Z'
	MsgErrorResponse    = 'E'
	MsgNoticeResponse   = 'N'
	MsgParseComplete    = '1'
	MsgBindComplete     = '2'
	MsgCloseComplete    = '3'
	MsgRowDescription   = 'T'
	MsgDataRow          = 'D'
	MsgCommandComplete  = 'C'
	MsgNoData           = 'n'
	MsgParamDescription = 't'
	MsgEmptyQuery       = 'I'
	MsgPortalSuspended  = 's'
)

// Describe/Close object-type bytes.
const (
	DescribeStatement = 'S'
	DescribePortal    = 'P'
)

// Startup-phase codes, carried in the first 4 bytes after the length.
const (
	protoVersion3   = 0x00030000
	sslRequestCode  = 80877103
	cancelRequestCode = 80877102
)

var (
	// ErrTruncatedFrame means fewer bytes are buffered than the frame needs;
	// the caller should wait for more bytes and retry.
	ErrTruncatedFrame = errors.New("wire: truncated frame")
	// ErrMalformedFrame means the buffered bytes cannot be a valid frame at
	// all; the caller must fail the session with 08P01.
	ErrMalformedFrame = errors.New("wire: malformed frame")
)

// Frame is a parsed typed message: Tag plus the payload that follows the
// 4-byte length (the length itself is not retained).
type Frame struct {
	Tag     byte
	Payload []byte
}

// PeekFrame looks for one complete typed frame (tag + 4-byte length +
// payload) at the front of buf. It never copies or advances buf; the
// caller consumes on success via Consume.
func PeekFrame(buf []byte) (Frame, int, error) {
	if len(buf) < 5 {
		return Frame{}, 0, ErrTruncatedFrame
	}
	tag := buf[0]
	length := int(binary.BigEndian.Uint32(buf[1:5]))
	if length < 4 {
		return Frame{}, 0, ErrMalformedFrame
	}
	total := length + 1
	if len(buf) < total {
		return Frame{}, 0, ErrTruncatedFrame
	}
	return Frame{Tag: tag, Payload: buf[5:total]}, total, nil
}

// Consume returns buf advanced past n bytes.
func Consume(buf []byte, n int) []byte {
	return buf[n:]
}

// StartupFrame is a parsed startup-phase message: either a protocol
// version + parameter list (StartupMessage), an SSLRequest, or a
// CancelRequest.
type StartupFrame struct {
	IsSSLRequest    bool
	IsCancelRequest bool
	ProcessID       int32
	SecretKey       int32
	Params          map[string]string
}

// PeekStartup parses the length-prefixed, untagged message every
// connection begins with.
func PeekStartup(buf []byte) (StartupFrame, int, error) {
	if len(buf) < 8 {
		return StartupFrame{}, 0, ErrTruncatedFrame
	}
	length := int(binary.BigEndian.Uint32(buf[0:4]))
	if length < 8 {
		return StartupFrame{}, 0, ErrMalformedFrame
	}
	if len(buf) < length {
		return StartupFrame{}, 0, ErrTruncatedFrame
	}
	code := int64(binary.BigEndian.Uint32(buf[4:8]))
	switch code {
	case sslRequestCode:
		return StartupFrame{IsSSLRequest: true}, length, nil
	case cancelRequestCode:
		if length < 16 {
			return StartupFrame{}, 0, ErrMalformedFrame
		}
		pid := int32(binary.BigEndian.Uint32(buf[8:12]))
		secret := int32(binary.BigEndian.Uint32(buf[12:16]))
		return StartupFrame{IsCancelRequest: true, ProcessID: pid, SecretKey: secret}, length, nil
	default:
		params, err := parseCString(buf[8:length])
		if err != nil {
			return StartupFrame{}, 0, err
		}
		return StartupFrame{Params: params}, length, nil
	}
}

func parseCString(b []byte) (map[string]string, error) {
	params := map[string]string{}
	var key string
	have := false
	start := 0
	for i, c := range b {
		if c != 0 {
			continue
		}
		s := string(b[start:i])
		start = i + 1
		if s == "" {
			// trailing terminator
			return params, nil
		}
		if !have {
			key = s
			have = true
		} else {
			params[key] = s
			have = false
		}
	}
	return params, nil
}

// Buffer is a cursor over a single message payload, following the
// read-cursor idiom riftdata/rift's pgwire package uses for parsing
// variable-length extended-protocol fields.
type Buffer struct {
	b   []byte
	pos int
}

func NewBuffer(payload []byte) *Buffer { return &Buffer{b: payload} }

func (r *Buffer) ReadString() (string, error) {
	start := r.pos
	for r.pos < len(r.b) {
		if r.b[r.pos] == 0 {
			s := string(r.b[start:r.pos])
			r.pos++
			return s, nil
		}
		r.pos++
	}
	return "", ErrMalformedFrame
}

func (r *Buffer) ReadInt16() (int16, error) {
	if r.pos+2 > len(r.b) {
		return 0, ErrMalformedFrame
	}
	v := int16(binary.BigEndian.Uint16(r.b[r.pos:]))
	r.pos += 2
	return v, nil
}

func (r *Buffer) ReadInt32() (int32, error) {
	if r.pos+4 > len(r.b) {
		return 0, ErrMalformedFrame
	}
	v := int32(binary.BigEndian.Uint32(r.b[r.pos:]))
	r.pos += 4
	return v, nil
}

func (r *Buffer) ReadBytes(n int) ([]byte, error) {
	if n < 0 || r.pos+n > len(r.b) {
		return nil, ErrMalformedFrame
	}
	v := r.b[r.pos : r.pos+n]
	r.pos += n
	return v, nil
}

func (r *Buffer) Remaining() []byte { return r.b[r.pos:] }

// Writer builds a message payload incrementally; Frame() wraps it with
// tag and length.
type Writer struct {
	buf []byte
}

func NewWriter() *Writer { return &Writer{} }

func (w *Writer) WriteString(s string) *Writer {
	w.buf = append(w.buf, s...)
	w.buf = append(w.buf, 0)
	return w
}

func (w *Writer) WriteBytes(b []byte) *Writer {
	w.buf = append(w.buf, b...)
	return w
}

func (w *Writer) WriteInt16(v int16) *Writer {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], uint16(v))
	w.buf = append(w.buf, b[:]...)
	return w
}

func (w *Writer) WriteInt32(v int32) *Writer {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], uint32(v))
	w.buf = append(w.buf, b[:]...)
	return w
}

// Frame produces the full wire bytes: tag + 4-byte length + payload.
func (w *Writer) Frame(tag byte) []byte {
	out := make([]byte, 0, len(w.buf)+5)
	out = append(out, tag)
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(w.buf)+4))
	out = append(out, lenBuf[:]...)
	out = append(out, w.buf...)
	return out
}

// --- Backend-origin constructors -----------------------------------------

func BuildAuthenticationOk() []byte {
	return NewWriter().WriteInt32(0).Frame(MsgAuthentication)
}

func BuildAuthenticationCleartextPassword() []byte {
	return NewWriter().WriteInt32(3).Frame(MsgAuthentication)
}

func BuildParameterStatus(name, value string) []byte {
	return NewWriter().WriteString(name).WriteString(value).Frame(MsgParameterStatus)
}

func BuildBackendKeyData(pid, secret int32) []byte {
	return NewWriter().WriteInt32(pid).WriteInt32(secret).Frame(MsgBackendKeyData)
}

func BuildReadyForQuery(status byte) []byte {
	return []byte{MsgReadyForQuery, 0, 0, 0, 5, status}
}

// BuildErrorResponse builds a minimal ErrorResponse: severity, code, and
// message fields, matching the fields libpq actually reads.
func BuildErrorResponse(code, message string) []byte {
	w := NewWriter()
	w.WriteBytes([]byte{'S'}).WriteString("ERROR")
	w.WriteBytes([]byte{'C'}).WriteString(code)
	w.WriteBytes([]byte{'M'}).WriteString(message)
	w.buf = append(w.buf, 0)
	return w.Frame(MsgErrorResponse)
}

func BuildParseComplete() []byte { return []byte{MsgParseComplete, 0, 0, 0, 4} }
func BuildBindComplete() []byte  { return []byte{MsgBindComplete, 0, 0, 0, 4} }
func BuildCloseComplete() []byte { return []byte{MsgCloseComplete, 0, 0, 0, 4} }

func BuildSSLDecline() []byte { return []byte{'N'} }

// --- Rewriters -------------------------------------------------------------
//
// Each rewriter parses just enough of a client-origin extended frame to
// substitute names, then reassembles byte-exact frames apart from the
// substitution — required for the frame-conservation property.

// RewriteParse replaces the statement name in a Parse message, leaving SQL
// text and parameter OID list untouched.
func RewriteParse(payload []byte, newStmtName string) ([]byte, error) {
	r := NewBuffer(payload)
	if _, err := r.ReadString(); err != nil {
		return nil, err
	}
	rest := r.Remaining()
	w := NewWriter()
	w.WriteString(newStmtName)
	w.WriteBytes(rest)
	return w.Frame(MsgParse), nil
}

// RewriteBind replaces the source statement name and destination portal
// name in a Bind message.
func RewriteBind(payload []byte, newStmtName, newPortalName string) ([]byte, error) {
	r := NewBuffer(payload)
	if _, err := r.ReadString(); err != nil { // destination portal (old)
		return nil, err
	}
	if _, err := r.ReadString(); err != nil { // source statement (old)
		return nil, err
	}
	rest := r.Remaining()
	w := NewWriter()
	w.WriteString(newPortalName)
	w.WriteString(newStmtName)
	w.WriteBytes(rest)
	return w.Frame(MsgBind), nil
}

// RewriteDescribe replaces the object name in a Describe message; kind is
// unchanged.
func RewriteDescribe(payload []byte, kind byte, newName string) ([]byte, error) {
	if len(payload) < 1 {
		return nil, ErrMalformedFrame
	}
	w := NewWriter()
	w.WriteBytes([]byte{kind})
	w.WriteString(newName)
	return w.Frame(MsgDescribe), nil
}

// RewriteExecute replaces the portal name in an Execute message, leaving
// max-rows untouched.
func RewriteExecute(payload []byte, newPortalName string) ([]byte, error) {
	r := NewBuffer(payload)
	if _, err := r.ReadString(); err != nil {
		return nil, err
	}
	rest := r.Remaining()
	w := NewWriter()
	w.WriteString(newPortalName)
	w.WriteBytes(rest)
	return w.Frame(MsgExecute), nil
}

// RewriteClose replaces the object name in a Close message; kind is
// unchanged.
func RewriteClose(payload []byte, kind byte, newName string) ([]byte, error) {
	if len(payload) < 1 {
		return nil, ErrMalformedFrame
	}
	w := NewWriter()
	w.WriteBytes([]byte{kind})
	w.WriteString(newName)
	return w.Frame(MsgClose), nil
}

// ParseParse extracts the fields of a client-origin Parse message.
func ParseParse(payload []byte) (name, sql string, paramOIDs []int32, err error) {
	r := NewBuffer(payload)
	if name, err = r.ReadString(); err != nil {
		return
	}
	if sql, err = r.ReadString(); err != nil {
		return
	}
	n, err := r.ReadInt16()
	if err != nil {
		return
	}
	paramOIDs = make([]int32, n)
	for i := range paramOIDs {
		v, err2 := r.ReadInt32()
		if err2 != nil {
			return name, sql, nil, err2
		}
		paramOIDs[i] = v
	}
	return
}

// ParseBind extracts the portal/statement names from a Bind message,
// ignoring parameter formats/values (the router never needs them).
func ParseBind(payload []byte) (portal, stmt string, err error) {
	r := NewBuffer(payload)
	if portal, err = r.ReadString(); err != nil {
		return
	}
	stmt, err = r.ReadString()
	return
}

// ParseDescribe extracts the kind and name from a Describe message.
func ParseDescribe(payload []byte) (kind byte, name string, err error) {
	if len(payload) < 1 {
		return 0, "", ErrMalformedFrame
	}
	kind = payload[0]
	r := NewBuffer(payload[1:])
	name, err = r.ReadString()
	return
}

// ParseExecute extracts the portal name from an Execute message.
func ParseExecute(payload []byte) (portal string, err error) {
	r := NewBuffer(payload)
	portal, err = r.ReadString()
	return
}

// ParseClose extracts the kind and name from a Close message.
func ParseClose(payload []byte) (kind byte, name string, err error) {
	return ParseDescribe(payload)
}

// ErrorFields extracts the SQLSTATE code and message text of an
// ErrorResponse frame, the two fields the router inspects for
// retry-once-on-missing-statement handling.
func ErrorFields(payload []byte) (code, message string) {
	i := 0
	for i < len(payload) {
		field := payload[i]
		if field == 0 {
			break
		}
		i++
		start := i
		for i < len(payload) && payload[i] != 0 {
			i++
		}
		val := string(payload[start:i])
		i++
		switch field {
		case 'C':
			code = val
		case 'M':
			message = val
		}
	}
	return
}

// ReadTypedFrame reads one complete tagged frame directly off a stream,
// the read-exact-length counterpart to PeekFrame for callers that own a
// live socket rather than a ring buffer.
func ReadTypedFrame(r io.Reader) (tag byte, payload []byte, err error) {
	head := make([]byte, 5)
	if _, err = io.ReadFull(r, head); err != nil {
		return 0, nil, err
	}
	length := int(binary.BigEndian.Uint32(head[1:5])) - 4
	if length < 0 {
		return 0, nil, ErrMalformedFrame
	}
	payload = make([]byte, length)
	if length > 0 {
		if _, err = io.ReadFull(r, payload); err != nil {
			return 0, nil, err
		}
	}
	return head[0], payload, nil
}

// ReadStartupFrame reads the untagged, length-prefixed message a
// connection begins with, directly off a stream.
func ReadStartupFrame(r io.Reader) (StartupFrame, error) {
	lenBuf := make([]byte, 4)
	if _, err := io.ReadFull(r, lenBuf); err != nil {
		return StartupFrame{}, err
	}
	length := int(binary.BigEndian.Uint32(lenBuf))
	if length < 8 {
		return StartupFrame{}, ErrMalformedFrame
	}
	rest := make([]byte, length-4)
	if _, err := io.ReadFull(r, rest); err != nil {
		return StartupFrame{}, err
	}
	full := append(lenBuf, rest...)
	sf, _, err := PeekStartup(full)
	return sf, err
}

