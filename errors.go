package rfbpanel

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
)

// Code classifies the failures surfaced by this package so callers can
// branch on the failure class instead of matching message strings.
type Code int

const (
	// CodeConnection covers unreachable transports, handshake timeouts
	// and protocol version mismatches.
	CodeConnection Code = iota + 1
	// CodeAuth covers security negotiation failures: no mutually
	// supported type, a rejected challenge, or a server refusal.
	CodeAuth
	// CodeDecode covers malformed frames. The need-more-bytes condition
	// is not a CodeDecode error; it is the internal ErrIncomplete signal.
	CodeDecode
	// CodeFramebuffer covers rejected rectangle updates and captures
	// requested before any pixels have arrived.
	CodeFramebuffer
	// CodeUnsupportedEncoding reports a rectangle encoding this client
	// does not implement.
	CodeUnsupportedEncoding
)

// String returns a short name for the code, used in error text and logs.
func (c Code) String() string {
	switch c {
	case CodeConnection:
		return "connection"
	case CodeAuth:
		return "auth"
	case CodeDecode:
		return "decode"
	case CodeFramebuffer:
		return "framebuffer"
	case CodeUnsupportedEncoding:
		return "unsupported encoding"
	default:
		return "unknown"
	}
}

// Error is the structured error returned by every public operation. Op
// names the operation that failed, Code classifies it, and Err carries
// the underlying cause when there is one.
type Error struct {
	Code Code
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("rfb: %s: %s error: %s: %v", e.Op, e.Code, e.Msg, e.Err)
	}
	return fmt.Sprintf("rfb: %s: %s error: %s", e.Op, e.Code, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is an *Error with the same Code, so
// errors.Is can match on the class alone.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// Sentinel causes. They are wrapped inside an *Error so that both the
// class and the specific condition are matchable with errors.Is.
var (
	// ErrIncomplete tells the session a decoder needs more bytes. It is
	// consumed internally and never escapes to callers.
	ErrIncomplete = errors.New("incomplete message")
	// ErrOutOfBounds marks rectangle updates that do not fit the
	// framebuffer, or whose payload size disagrees with their header.
	ErrOutOfBounds = errors.New("rectangle out of bounds")
	// ErrNoData marks captures requested before any update has been
	// applied to the framebuffer.
	ErrNoData = errors.New("no framebuffer data received yet")
)

func connectionErr(op, msg string, err error) error {
	return &Error{Code: CodeConnection, Op: op, Msg: msg, Err: err}
}

func authErr(op, msg string, err error) error {
	return &Error{Code: CodeAuth, Op: op, Msg: msg, Err: err}
}

func decodeErr(op, format string, args ...any) error {
	return &Error{Code: CodeDecode, Op: op, Msg: fmt.Sprintf(format, args...)}
}

func framebufferErr(op string, cause error, format string, args ...any) error {
	return &Error{Code: CodeFramebuffer, Op: op, Msg: fmt.Sprintf(format, args...), Err: cause}
}

func unsupportedEncodingErr(op string, enc EncodingType) error {
	return &Error{Code: CodeUnsupportedEncoding, Op: op, Msg: fmt.Sprintf("encoding %d not implemented", enc)}
}

// IsCode reports whether err (or anything it wraps) is an *Error with
// the given code.
func IsCode(err error, code Code) bool {
	var e *Error
	return errors.As(err, &e) && e.Code == code
}

// IsTimeout reports whether err was ultimately caused by an elapsed
// deadline, either a net.Conn deadline or a context deadline. Connect
// attempts that exceed their bounded wait fail with a CodeConnection
// error for which this returns true.
func IsTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
