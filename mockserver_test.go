package rfbpanel

import (
	"bufio"
	"encoding/binary"
	"io"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// testServer accepts connections on a loopback listener and runs the
// test's script against each one, so reconnect tests see the script
// replayed per connection.
type testServer struct {
	t        *testing.T
	ln       net.Listener
	script   func(*serverConn)
	accepted atomic.Int32

	mu    sync.Mutex
	conns []net.Conn
}

func startTestServer(t *testing.T, script func(*serverConn)) *testServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ts := &testServer{t: t, ln: ln, script: script}
	go ts.acceptLoop()
	t.Cleanup(ts.Close)
	return ts
}

func (ts *testServer) acceptLoop() {
	for {
		conn, err := ts.ln.Accept()
		if err != nil {
			return
		}
		ts.accepted.Add(1)
		ts.mu.Lock()
		ts.conns = append(ts.conns, conn)
		ts.mu.Unlock()
		go ts.script(&serverConn{t: ts.t, conn: conn, br: bufio.NewReader(conn)})
	}
}

// Accepted returns how many connections the server has seen.
func (ts *testServer) Accepted() int { return int(ts.accepted.Load()) }

// DropConnections closes every accepted connection, simulating the
// server going away under the client.
func (ts *testServer) DropConnections() {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	for _, c := range ts.conns {
		c.Close()
	}
	ts.conns = nil
}

func (ts *testServer) Close() {
	ts.ln.Close()
	ts.DropConnections()
}

// clientConfig returns a Config pointed at the test server with timings
// short enough for tests. Pacing delays are zero; tests that assert
// pacing install a fake clock themselves.
func (ts *testServer) clientConfig() Config {
	host, portStr, err := net.SplitHostPort(ts.ln.Addr().String())
	require.NoError(ts.t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(ts.t, err)
	return Config{
		Host:           host,
		Port:           port,
		ConnectTimeout: 3 * time.Second,
		IdleTimeout:    30 * time.Second,
		ClickDelay:     time.Nanosecond, // effectively no pause
		KeyDelay:       time.Nanosecond,
		Logger:         discardLogger(),
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// serverConn is the server side of one scripted conversation. Its
// helpers swallow transport errors after recording the first one, so a
// script simply runs off the end when the client disconnects.
type serverConn struct {
	t    *testing.T
	conn net.Conn
	br   *bufio.Reader
	err  error
}

func (c *serverConn) failed() bool { return c.err != nil }

func (c *serverConn) write(b []byte) {
	if c.err != nil {
		return
	}
	_, c.err = c.conn.Write(b)
}

func (c *serverConn) read(n int) []byte {
	buf := make([]byte, n)
	if c.err != nil {
		return buf
	}
	_, c.err = io.ReadFull(c.br, buf)
	return buf
}

// greet exchanges protocol versions and returns the client's reply.
func (c *serverConn) greet(v ProtocolVersion) ProtocolVersion {
	c.write(EncodeVersion(v))
	reply, _, err := DecodeVersion(c.read(versionLen))
	if err != nil && c.err == nil {
		c.err = err
	}
	return reply
}

// offerSecurity sends a 3.7+ security list and returns the client's
// choice.
func (c *serverConn) offerSecurity(types ...SecurityType) SecurityType {
	buf := []byte{byte(len(types))}
	for _, t := range types {
		buf = append(buf, byte(t))
	}
	c.write(buf)
	return SecurityType(c.read(1)[0])
}

// refuse sends an empty 3.7+ security list with a reason.
func (c *serverConn) refuse(reason string) {
	buf := []byte{0}
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(reason)))
	c.write(append(buf, reason...))
}

func (c *serverConn) writeSecurityResult(code uint32, reason string) {
	buf := binary.BigEndian.AppendUint32(nil, code)
	if code != 0 && reason != "" {
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(reason)))
		buf = append(buf, reason...)
	}
	c.write(buf)
}

func (c *serverConn) readClientInit() byte {
	return c.read(1)[0]
}

func (c *serverConn) writeServerInit(w, h int, pf PixelFormat, name string) {
	buf := make([]byte, 0, 24+len(name))
	buf = binary.BigEndian.AppendUint16(buf, uint16(w))
	buf = binary.BigEndian.AppendUint16(buf, uint16(h))
	buf = append(buf, pf.encode()...)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(name)))
	buf = append(buf, name...)
	c.write(buf)
}

// clientMsg is one decoded client-to-server message.
type clientMsg struct {
	typ       uint8
	pointer   PointerEvent
	key       KeyEvent
	update    UpdateRequest
	format    PixelFormat
	encodings []EncodingType
}

// readClientMsg decodes the next client message from the stream.
func (c *serverConn) readClientMsg() (clientMsg, error) {
	typ := c.read(1)[0]
	if c.err != nil {
		return clientMsg{}, c.err
	}
	m := clientMsg{typ: typ}
	switch typ {
	case msgTypeSetPixelFormat:
		b := c.read(19)
		pf, _, err := decodePixelFormat(b[3:])
		if err != nil {
			return m, err
		}
		m.format = pf
	case msgTypeSetEncodings:
		b := c.read(3)
		n := int(binary.BigEndian.Uint16(b[1:3]))
		eb := c.read(4 * n)
		for i := 0; i < n; i++ {
			m.encodings = append(m.encodings, EncodingType(int32(binary.BigEndian.Uint32(eb[i*4:]))))
		}
	case msgTypeUpdateRequest:
		b := c.read(9)
		m.update = UpdateRequest{
			Incremental: b[0] != 0,
			X:           binary.BigEndian.Uint16(b[1:3]),
			Y:           binary.BigEndian.Uint16(b[3:5]),
			Width:       binary.BigEndian.Uint16(b[5:7]),
			Height:      binary.BigEndian.Uint16(b[7:9]),
		}
	case msgTypeKeyEvent:
		b := c.read(7)
		m.key = KeyEvent{
			Down:   b[0] != 0,
			Keysym: binary.BigEndian.Uint32(b[3:7]),
		}
	case msgTypePointerEvent:
		b := c.read(5)
		m.pointer = PointerEvent{
			Mask: b[0],
			X:    binary.BigEndian.Uint16(b[1:3]),
			Y:    binary.BigEndian.Uint16(b[3:5]),
		}
	case msgTypeClientCutText:
		b := c.read(7)
		c.read(int(binary.BigEndian.Uint32(b[3:7])))
	default:
		c.t.Errorf("test server: unexpected client message type %d", typ)
		return m, io.ErrUnexpectedEOF
	}
	return m, c.err
}

// wireRect pairs a rectangle header with its encoded payload.
type wireRect struct {
	r       Rectangle
	payload []byte
}

// writeUpdate sends a framebuffer update carrying the given rectangles.
func (c *serverConn) writeUpdate(rects ...wireRect) {
	buf := []byte{msgTypeFramebufferUpdate, 0}
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(rects)))
	for _, wr := range rects {
		buf = binary.BigEndian.AppendUint16(buf, wr.r.X)
		buf = binary.BigEndian.AppendUint16(buf, wr.r.Y)
		buf = binary.BigEndian.AppendUint16(buf, wr.r.Width)
		buf = binary.BigEndian.AppendUint16(buf, wr.r.Height)
		buf = binary.BigEndian.AppendUint32(buf, uint32(int32(wr.r.Encoding)))
		buf = append(buf, wr.payload...)
	}
	c.write(buf)
}

// packPixel encodes one RGBA color in pf's wire form. Channel extremes
// (0 and 255) survive the scale down and back exactly in every format,
// which is what the pixel fidelity tests rely on.
func packPixel(pf PixelFormat, r, g, b uint8) []byte {
	px := uint32(r)*uint32(pf.RedMax)/255<<pf.RedShift |
		uint32(g)*uint32(pf.GreenMax)/255<<pf.GreenShift |
		uint32(b)*uint32(pf.BlueMax)/255<<pf.BlueShift
	out := make([]byte, pf.bytesPerPixel())
	switch pf.BPP {
	case 8:
		out[0] = uint8(px)
	case 16:
		pf.byteOrder().PutUint16(out, uint16(px))
	default:
		pf.byteOrder().PutUint32(out, px)
	}
	return out
}

// solidRaw builds a raw-encoded payload of w*h pixels of one color.
func solidRaw(pf PixelFormat, w, h int, r, g, b uint8) []byte {
	px := packPixel(pf, r, g, b)
	out := make([]byte, 0, w*h*len(px))
	for i := 0; i < w*h; i++ {
		out = append(out, px...)
	}
	return out
}

// scriptActive is the standard happy-path script: a 3.8 handshake with
// no authentication, one full-frame raw update in answer to the first
// update request, and every subsequent client message relayed to events
// (later update requests are answered with nothing).
func scriptActive(pf PixelFormat, w, h int, events chan<- clientMsg) func(*serverConn) {
	return func(c *serverConn) {
		c.greet(Version38)
		c.offerSecurity(SecTypeNone)
		c.writeSecurityResult(0, "")
		c.readClientInit()
		c.writeServerInit(w, h, pf, "test desktop")
		served := false
		for {
			m, err := c.readClientMsg()
			if err != nil {
				return
			}
			if m.typ == msgTypeUpdateRequest && !served {
				served = true
				c.writeUpdate(wireRect{
					r:       Rectangle{X: 0, Y: 0, Width: uint16(w), Height: uint16(h), Encoding: EncodingRaw},
					payload: solidRaw(pf, w, h, 255, 255, 255),
				})
			}
			if events != nil {
				select {
				case events <- m:
				default:
				}
			}
		}
	}
}

// nextOfType receives from ch until a message of the wanted type
// arrives, skipping everything else.
func nextOfType(t *testing.T, ch <-chan clientMsg, typ uint8) clientMsg {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case m := <-ch:
			if m.typ == typ {
				return m
			}
		case <-deadline:
			t.Fatalf("timed out waiting for client message type %d", typ)
			return clientMsg{}
		}
	}
}

// expectNone asserts that no message of the given type arrives within
// wait.
func expectNone(t *testing.T, ch <-chan clientMsg, typ uint8, wait time.Duration) {
	t.Helper()
	deadline := time.After(wait)
	for {
		select {
		case m := <-ch:
			if m.typ == typ {
				t.Fatalf("unexpected client message type %d: %+v", typ, m)
			}
		case <-deadline:
			return
		}
	}
}
