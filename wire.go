package rfbpanel

import (
	"encoding/binary"
	"fmt"
)

// The codec in this file translates between byte buffers and protocol
// messages. Decoders take the unconsumed stream prefix and return the
// decoded value, the number of bytes consumed, and an error; when the
// buffer holds only part of a message they return ErrIncomplete so the
// caller can read more and retry. The transport delivers arbitrary
// chunk sizes, so every decoder must handle a short buffer.

// versionLen is the size of the fixed protocol greeting.
const versionLen = 12

// Sanity caps on server-controlled string lengths. Anything larger is
// treated as a malformed frame rather than buffered.
const (
	maxReasonLen      = 4096
	maxDesktopNameLen = 4096
	maxCutTextLen     = 1 << 20
)

// ProtocolVersion is a major.minor protocol pair from the greeting.
type ProtocolVersion struct {
	Major, Minor int
}

// The handshake versions this client speaks. Servers advertising 3.4
// through 3.6 are treated as 3.3 and minors above 8 as 3.8, per
// protocol convention.
var (
	Version33 = ProtocolVersion{3, 3}
	Version37 = ProtocolVersion{3, 7}
	Version38 = ProtocolVersion{3, 8}
)

func (v ProtocolVersion) String() string {
	return fmt.Sprintf("%d.%d", v.Major, v.Minor)
}

// legacy reports whether the version uses the 3.3 security framing,
// where the server picks the type and the client sends no choice.
func (v ProtocolVersion) legacy() bool { return v.Minor <= 3 }

// ParseVersion parses the short "major.minor" form used in config.
func ParseVersion(s string) (ProtocolVersion, error) {
	var v ProtocolVersion
	if _, err := fmt.Sscanf(s, "%d.%d", &v.Major, &v.Minor); err != nil {
		return ProtocolVersion{}, fmt.Errorf("malformed protocol version %q", s)
	}
	switch v {
	case Version33, Version37, Version38:
		return v, nil
	}
	return ProtocolVersion{}, fmt.Errorf("unsupported protocol version %q", s)
}

// DecodeVersion parses the fixed 12-byte greeting "RFB xxx.yyy\n".
func DecodeVersion(buf []byte) (ProtocolVersion, int, error) {
	if len(buf) < versionLen {
		return ProtocolVersion{}, 0, ErrIncomplete
	}
	greeting := string(buf[:versionLen])
	if greeting[:4] != "RFB " || greeting[versionLen-1] != '\n' {
		return ProtocolVersion{}, 0, decodeErr("greeting", "malformed protocol greeting %q", greeting)
	}
	var v ProtocolVersion
	if _, err := fmt.Sscanf(greeting, "RFB %d.%d\n", &v.Major, &v.Minor); err != nil {
		return ProtocolVersion{}, 0, decodeErr("greeting", "malformed protocol greeting %q", greeting)
	}
	return v, versionLen, nil
}

// EncodeVersion produces the 12-byte greeting for v.
func EncodeVersion(v ProtocolVersion) []byte {
	return []byte(fmt.Sprintf("RFB %03d.%03d\n", v.Major, v.Minor))
}

// negotiateVersion maps the server's advertised version to the highest
// version this client speaks.
func negotiateVersion(server ProtocolVersion) (ProtocolVersion, error) {
	if server.Major != 3 || server.Minor < 3 {
		return ProtocolVersion{}, connectionErr("greeting",
			fmt.Sprintf("server speaks unsupported protocol version %s", server), nil)
	}
	switch {
	case server.Minor >= 8:
		return Version38, nil
	case server.Minor == 7:
		return Version37, nil
	default:
		return Version33, nil
	}
}

// SecurityType identifies a security scheme from the protocol registry.
type SecurityType uint8

const (
	SecTypeInvalid SecurityType = 0
	SecTypeNone    SecurityType = 1
	SecTypeVNCAuth SecurityType = 2
)

func (t SecurityType) String() string {
	switch t {
	case SecTypeNone:
		return "none"
	case SecTypeVNCAuth:
		return "vnc authentication"
	default:
		return fmt.Sprintf("security type %d", uint8(t))
	}
}

// decodeReason parses the length-prefixed failure reason the server
// attaches to refusals and (on 3.8) rejected authentication.
func decodeReason(buf []byte) (string, int, error) {
	if len(buf) < 4 {
		return "", 0, ErrIncomplete
	}
	n := binary.BigEndian.Uint32(buf)
	if n > maxReasonLen {
		return "", 0, decodeErr("reason", "reason length %d exceeds limit", n)
	}
	if len(buf) < 4+int(n) {
		return "", 0, ErrIncomplete
	}
	return string(buf[4 : 4+int(n)]), 4 + int(n), nil
}

// DecodeSecurityTypes parses the server's security offer. The framing
// is version dependent: 3.3 sends a single fixed uint32 chosen by the
// server, 3.7 and later send a length-prefixed list for the client to
// choose from. A zero type or an empty list is a refusal followed by a
// reason string, surfaced as an auth error.
func DecodeSecurityTypes(v ProtocolVersion, buf []byte) ([]SecurityType, int, error) {
	if v.legacy() {
		if len(buf) < 4 {
			return nil, 0, ErrIncomplete
		}
		t := binary.BigEndian.Uint32(buf)
		if t == 0 {
			reason, _, err := decodeReason(buf[4:])
			if err != nil {
				return nil, 0, err
			}
			return nil, 0, authErr("security", "server refused connection: "+reason, nil)
		}
		if t > 0xff {
			return nil, 0, decodeErr("security", "security type %d out of range", t)
		}
		return []SecurityType{SecurityType(t)}, 4, nil
	}

	if len(buf) < 1 {
		return nil, 0, ErrIncomplete
	}
	n := int(buf[0])
	if n == 0 {
		reason, _, err := decodeReason(buf[1:])
		if err != nil {
			return nil, 0, err
		}
		return nil, 0, authErr("security", "server refused connection: "+reason, nil)
	}
	if len(buf) < 1+n {
		return nil, 0, ErrIncomplete
	}
	types := make([]SecurityType, n)
	for i := 0; i < n; i++ {
		types[i] = SecurityType(buf[1+i])
	}
	return types, 1 + n, nil
}

// DecodeSecurityResult parses the 4-byte security result word; zero is
// success. On 3.8 a failure carries a reason string, earlier versions
// send nothing more.
func DecodeSecurityResult(v ProtocolVersion, buf []byte) (int, error) {
	if len(buf) < 4 {
		return 0, ErrIncomplete
	}
	if binary.BigEndian.Uint32(buf) == 0 {
		return 4, nil
	}
	if v.Minor >= 8 {
		reason, n, err := decodeReason(buf[4:])
		if err != nil {
			return 0, err
		}
		return 4 + n, authErr("security result", "server rejected authentication: "+reason, nil)
	}
	return 4, authErr("security result", "server rejected authentication", nil)
}

// EncodeClientInit produces the one-byte client-init message. The
// shared flag asks the server to leave other clients connected.
func EncodeClientInit(shared bool) []byte {
	if shared {
		return []byte{1}
	}
	return []byte{0}
}

// ServerInit is the server's opening description of its framebuffer.
type ServerInit struct {
	Width, Height uint16
	Format        PixelFormat
	Name          string
}

// DecodeServerInit parses the server-init message: dimensions, pixel
// format and the length-prefixed desktop name.
func DecodeServerInit(buf []byte) (ServerInit, int, error) {
	const fixed = 2 + 2 + pixelFormatLen + 4
	if len(buf) < fixed {
		return ServerInit{}, 0, ErrIncomplete
	}
	var si ServerInit
	si.Width = binary.BigEndian.Uint16(buf[0:2])
	si.Height = binary.BigEndian.Uint16(buf[2:4])
	if si.Width == 0 || si.Height == 0 {
		return ServerInit{}, 0, decodeErr("server init", "zero framebuffer dimensions %dx%d", si.Width, si.Height)
	}
	pf, _, err := decodePixelFormat(buf[4 : 4+pixelFormatLen])
	if err != nil {
		return ServerInit{}, 0, err
	}
	si.Format = pf
	nameLen := binary.BigEndian.Uint32(buf[20:24])
	if nameLen > maxDesktopNameLen {
		return ServerInit{}, 0, decodeErr("server init", "desktop name length %d exceeds limit", nameLen)
	}
	if len(buf) < fixed+int(nameLen) {
		return ServerInit{}, 0, ErrIncomplete
	}
	si.Name = string(buf[fixed : fixed+int(nameLen)])
	return si, fixed + int(nameLen), nil
}

// Client-to-server message types.
const (
	msgTypeSetPixelFormat uint8 = 0
	msgTypeSetEncodings   uint8 = 2
	msgTypeUpdateRequest  uint8 = 3
	msgTypeKeyEvent       uint8 = 4
	msgTypePointerEvent   uint8 = 5
	msgTypeClientCutText  uint8 = 6
)

// Server-to-client message types.
const (
	msgTypeFramebufferUpdate  uint8 = 0
	msgTypeSetColorMapEntries uint8 = 1
	msgTypeBell               uint8 = 2
	msgTypeServerCutText      uint8 = 3
)

// EncodingType identifies a rectangle encoding from the protocol
// registry. Negative values are pseudo-encodings.
type EncodingType int32

const (
	EncodingRaw         EncodingType = 0
	EncodingCopyRect    EncodingType = 1
	EncodingDesktopSize EncodingType = -223
)

// Rectangle is one update region header within a framebuffer update.
type Rectangle struct {
	X, Y, Width, Height uint16
	Encoding            EncodingType
}

func (r Rectangle) String() string {
	return fmt.Sprintf("%dx%d at (%d,%d) encoding %d", r.Width, r.Height, r.X, r.Y, r.Encoding)
}

const rectangleHeaderLen = 12

// DecodeUpdateHeader parses a framebuffer-update preamble (message
// type, one pad byte, rectangle count) and returns the count.
func DecodeUpdateHeader(buf []byte) (int, int, error) {
	if len(buf) < 4 {
		return 0, 0, ErrIncomplete
	}
	if buf[0] != msgTypeFramebufferUpdate {
		return 0, 0, decodeErr("update header", "message type %d is not a framebuffer update", buf[0])
	}
	return int(binary.BigEndian.Uint16(buf[2:4])), 4, nil
}

// DecodeRectangleHeader parses the 12-byte header that precedes each
// rectangle's payload.
func DecodeRectangleHeader(buf []byte) (Rectangle, int, error) {
	if len(buf) < rectangleHeaderLen {
		return Rectangle{}, 0, ErrIncomplete
	}
	r := Rectangle{
		X:        binary.BigEndian.Uint16(buf[0:2]),
		Y:        binary.BigEndian.Uint16(buf[2:4]),
		Width:    binary.BigEndian.Uint16(buf[4:6]),
		Height:   binary.BigEndian.Uint16(buf[6:8]),
		Encoding: EncodingType(int32(binary.BigEndian.Uint32(buf[8:12]))),
	}
	return r, rectangleHeaderLen, nil
}

// DecodeRawRect converts a raw-encoded rectangle payload from the
// negotiated pixel format into canonical RGBA.
func DecodeRawRect(buf []byte, r Rectangle, pf PixelFormat) ([]byte, int, error) {
	n := int(r.Width) * int(r.Height) * pf.bytesPerPixel()
	if len(buf) < n {
		return nil, 0, ErrIncomplete
	}
	rgba, err := pf.rgbaFromRaw(buf[:n], int(r.Width), int(r.Height))
	if err != nil {
		return nil, 0, err
	}
	return rgba, n, nil
}

// DecodeCopyRect parses the source position of a CopyRect payload.
func DecodeCopyRect(buf []byte) (srcX, srcY uint16, n int, err error) {
	if len(buf) < 4 {
		return 0, 0, 0, ErrIncomplete
	}
	return binary.BigEndian.Uint16(buf[0:2]), binary.BigEndian.Uint16(buf[2:4]), 4, nil
}

// PointerEvent reports pointer position and button state. Mask bit 0 is
// the left button, bit 1 middle, bit 2 right.
type PointerEvent struct {
	Mask uint8
	X, Y uint16
}

// Encode packs the event in wire order.
func (e PointerEvent) Encode() []byte {
	return []byte{
		msgTypePointerEvent,
		e.Mask,
		byte(e.X >> 8), byte(e.X),
		byte(e.Y >> 8), byte(e.Y),
	}
}

// KeyEvent presses or releases a single keysym.
type KeyEvent struct {
	Keysym uint32
	Down   bool
}

// Encode packs the event in wire order.
func (e KeyEvent) Encode() []byte {
	var down byte
	if e.Down {
		down = 1
	}
	return []byte{
		msgTypeKeyEvent,
		down,
		0, 0,
		byte(e.Keysym >> 24), byte(e.Keysym >> 16), byte(e.Keysym >> 8), byte(e.Keysym),
	}
}

// UpdateRequest asks the server for the pixels of a region. An
// incremental request only reports what changed since the last update.
type UpdateRequest struct {
	Incremental         bool
	X, Y, Width, Height uint16
}

// Encode packs the request in wire order.
func (r UpdateRequest) Encode() []byte {
	var inc byte
	if r.Incremental {
		inc = 1
	}
	return []byte{
		msgTypeUpdateRequest,
		inc,
		byte(r.X >> 8), byte(r.X),
		byte(r.Y >> 8), byte(r.Y),
		byte(r.Width >> 8), byte(r.Width),
		byte(r.Height >> 8), byte(r.Height),
	}
}

// EncodeSetEncodings announces the rectangle encodings the client
// accepts, in preference order.
func EncodeSetEncodings(encs ...EncodingType) []byte {
	buf := make([]byte, 4+4*len(encs))
	buf[0] = msgTypeSetEncodings
	binary.BigEndian.PutUint16(buf[2:4], uint16(len(encs)))
	for i, e := range encs {
		binary.BigEndian.PutUint32(buf[4+i*4:], uint32(e))
	}
	return buf
}

// EncodeSetPixelFormat asks the server to deliver pixels in pf.
func EncodeSetPixelFormat(pf PixelFormat) []byte {
	buf := make([]byte, 4, 4+pixelFormatLen)
	buf[0] = msgTypeSetPixelFormat
	return append(buf, pf.encode()...)
}

// decodeServerCutText consumes a server cut-text message. Clipboard
// content is not used, but the message must be drained to keep the
// stream aligned.
func decodeServerCutText(buf []byte) (string, int, error) {
	const fixed = 1 + 3 + 4
	if len(buf) < fixed {
		return "", 0, ErrIncomplete
	}
	n := binary.BigEndian.Uint32(buf[4:8])
	if n > maxCutTextLen {
		return "", 0, decodeErr("cut text", "cut text length %d exceeds limit", n)
	}
	if len(buf) < fixed+int(n) {
		return "", 0, ErrIncomplete
	}
	return string(buf[fixed : fixed+int(n)]), fixed + int(n), nil
}

// decodeColorMapEntries consumes a set-color-map-entries message. The
// palette itself is not retained because palette pixel formats are
// rejected at negotiation.
func decodeColorMapEntries(buf []byte) (first, count, n int, err error) {
	const fixed = 1 + 1 + 2 + 2
	if len(buf) < fixed {
		return 0, 0, 0, ErrIncomplete
	}
	first = int(binary.BigEndian.Uint16(buf[2:4]))
	count = int(binary.BigEndian.Uint16(buf[4:6]))
	total := fixed + count*6
	if len(buf) < total {
		return 0, 0, 0, ErrIncomplete
	}
	return first, count, total, nil
}
