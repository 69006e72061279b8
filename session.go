package rfbpanel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"
)

// SessionState is the lifecycle position of a Session.
type SessionState int32

const (
	StateDisconnected SessionState = iota
	StateHandshaking
	StateAuthenticating
	StateInitializing
	StateActive
	StateFailed
)

func (s SessionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateHandshaking:
		return "handshaking"
	case StateAuthenticating:
		return "authenticating"
	case StateInitializing:
		return "initializing"
	case StateActive:
		return "active"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// updateRequestPace bounds how fast the pump asks for the next
// incremental update, so a server that answers instantly cannot spin
// the request loop.
var updateRequestPace = rate.Every(30 * time.Millisecond)

// Session drives one connection through the handshake and then pumps
// server messages in the background, applying rectangle updates to its
// Framebuffer. A Session connects once; reconnecting means a new
// Session. All outbound messages are serialized on a write mutex so two
// logical messages never interleave their bytes.
type Session struct {
	cfg     Config
	log     *slog.Logger
	clock   clockwork.Clock
	metrics *Metrics
	dialer  Dialer

	mu           sync.Mutex
	state        SessionState
	conn         net.Conn
	version      ProtocolVersion
	format       PixelFormat
	width        int
	height       int
	name         string
	lastErr      error
	lastActivity time.Time

	fb *Framebuffer

	writeMu sync.Mutex

	// Read-side state, touched only by Connect and then the pump.
	rd           *decodeBuf
	ic           *idleConn
	pendingRects int
	curRect      *Rectangle
	probed       bool

	limiter *rate.Limiter
	ctx     context.Context
	cancel  context.CancelFunc
	quit    chan struct{}
	closed  bool
	wg      sync.WaitGroup
}

// newSession prepares a disconnected session. cfg must already carry
// defaults and have been validated.
func newSession(cfg Config, metrics *Metrics) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		cfg:     cfg,
		log:     cfg.Logger,
		clock:   cfg.Clock,
		metrics: metrics,
		dialer:  cfg.Dialer,
		state:   StateDisconnected,
		limiter: rate.NewLimiter(updateRequestPace, 1),
		ctx:     ctx,
		cancel:  cancel,
		quit:    make(chan struct{}),
	}
}

// State returns the current lifecycle state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Framebuffer returns the store for the active connection, nil before
// the handshake completes.
func (s *Session) Framebuffer() *Framebuffer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fb
}

// Size returns the negotiated display dimensions.
func (s *Session) Size() (width, height int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.width, s.height
}

// DesktopName returns the name the server announced in server-init.
func (s *Session) DesktopName() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.name
}

// Format returns the pixel format in effect for incoming rectangles.
func (s *Session) Format() PixelFormat {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.format
}

// Version returns the negotiated protocol version.
func (s *Session) Version() ProtocolVersion {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version
}

// LastActivity returns when the server was last heard from.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// Err returns the error that moved the session to Failed, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

func (s *Session) setState(st SessionState) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastActivity = s.clock.Now()
	s.mu.Unlock()
}

// Connect dials the server and drives the handshake to the active
// state, then starts the background pump. The whole attempt is bounded
// by the connect timeout: on timeout the session reverts to
// Disconnected with a connection error, on any other failure it moves
// to Failed.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateDisconnected || s.conn != nil {
		st := s.state
		s.mu.Unlock()
		return connectionErr("connect", fmt.Sprintf("session is %s; a session connects once", st), nil)
	}
	s.state = StateHandshaking
	s.mu.Unlock()

	start := time.Now()
	s.metrics.Connects.Inc()

	dialCtx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
	defer cancel()

	conn, err := s.dialer.Dial(dialCtx, s.cfg.addr())
	if err != nil {
		return s.connectFailed(connectionErr("connect", "dialing "+s.cfg.addr(), err))
	}

	// One deadline bounds the whole handshake. It is lifted once the
	// session is active; from then on the pump's idle window applies.
	if err := conn.SetDeadline(start.Add(s.cfg.ConnectTimeout)); err != nil {
		conn.Close()
		return s.connectFailed(connectionErr("connect", "setting handshake deadline", err))
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	s.ic = &idleConn{conn: conn, metrics: s.metrics}
	s.rd = &decodeBuf{r: s.ic}

	if err := s.handshake(conn); err != nil {
		return s.connectFailed(err)
	}

	if err := conn.SetDeadline(time.Time{}); err != nil {
		return s.connectFailed(connectionErr("connect", "clearing handshake deadline", err))
	}
	s.ic.idle = s.cfg.IdleTimeout

	s.mu.Lock()
	s.state = StateActive
	s.lastActivity = s.clock.Now()
	s.mu.Unlock()

	s.metrics.Connected.Set(1)
	s.metrics.HandshakeSeconds.Observe(time.Since(start).Seconds())
	s.log.Info("session active",
		"addr", s.cfg.addr(),
		"version", s.version.String(),
		"desktop", s.name,
		"size", fmt.Sprintf("%dx%d", s.width, s.height),
		"format", s.format.String(),
	)

	// Ask for the first full frame before the pump starts; the reply
	// sits in the socket until the pump drains it.
	if err := s.RequestUpdate(false); err != nil {
		return s.connectFailed(err)
	}

	s.wg.Add(1)
	go s.pump()
	return nil
}

// connectFailed classifies and records a failed attempt. Timeouts leave
// the session Disconnected so the caller may simply retry; protocol and
// transport failures park it in Failed.
func (s *Session) connectFailed(err error) error {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	if IsTimeout(err) {
		s.state = StateDisconnected
		err = connectionErr("connect",
			fmt.Sprintf("no active session within %s", s.cfg.ConnectTimeout), err)
	} else {
		s.state = StateFailed
	}
	s.lastErr = err
	s.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	s.metrics.ConnectFailures.Inc()
	s.log.Error("connect failed", "addr", s.cfg.addr(), "error", err)
	return err
}

// handshake runs version, security and init negotiation in order,
// updating the lifecycle state as each stage is entered.
func (s *Session) handshake(conn net.Conn) error {
	// Version exchange. The server leads with its highest version.
	var server ProtocolVersion
	if err := s.rd.decode(func(p []byte) (int, error) {
		v, n, err := DecodeVersion(p)
		server = v
		return n, err
	}); err != nil {
		return wrapHandshakeErr("greeting", err)
	}

	reply, err := negotiateVersion(server)
	if err != nil {
		return err
	}
	if s.cfg.Version != "" {
		// Pinned version: echo exactly what was configured. Legacy
		// servers depend on seeing their own version back.
		reply, _ = ParseVersion(s.cfg.Version)
	}
	if _, err := conn.Write(EncodeVersion(reply)); err != nil {
		return connectionErr("greeting", "writing version reply", err)
	}
	s.mu.Lock()
	s.version = reply
	s.state = StateAuthenticating
	s.mu.Unlock()

	if err := s.authenticate(conn, reply); err != nil {
		return err
	}
	s.setState(StateInitializing)

	if _, err := conn.Write(EncodeClientInit(!s.cfg.Exclusive)); err != nil {
		return connectionErr("client init", "writing shared flag", err)
	}

	var si ServerInit
	if err := s.rd.decode(func(p []byte) (int, error) {
		v, n, err := DecodeServerInit(p)
		si = v
		return n, err
	}); err != nil {
		return wrapHandshakeErr("server init", err)
	}
	if (s.cfg.Width > 0 && int(si.Width) != s.cfg.Width) ||
		(s.cfg.Height > 0 && int(si.Height) != s.cfg.Height) {
		s.log.Warn("display size differs from configuration",
			"have", fmt.Sprintf("%dx%d", si.Width, si.Height),
			"want", fmt.Sprintf("%dx%d", s.cfg.Width, s.cfg.Height))
	}

	format := si.Format
	if s.cfg.RequestFormat != nil {
		format = *s.cfg.RequestFormat
		if _, err := conn.Write(EncodeSetPixelFormat(format)); err != nil {
			return connectionErr("set pixel format", "writing requested format", err)
		}
	}
	if _, err := conn.Write(EncodeSetEncodings(EncodingRaw, EncodingCopyRect, EncodingDesktopSize)); err != nil {
		return connectionErr("set encodings", "writing encoding list", err)
	}

	s.mu.Lock()
	s.width = int(si.Width)
	s.height = int(si.Height)
	s.name = si.Name
	s.format = format
	s.fb = NewFramebuffer(s.width, s.height)
	s.mu.Unlock()
	return nil
}

// authenticate negotiates a security type and completes it. The framing
// follows the version echoed to the server: 3.3 servers dictate the
// type, 3.7 and later offer a list the client picks from.
func (s *Session) authenticate(conn net.Conn, v ProtocolVersion) error {
	var offered []SecurityType
	if err := s.rd.decode(func(p []byte) (int, error) {
		types, n, err := DecodeSecurityTypes(v, p)
		offered = types
		return n, err
	}); err != nil {
		return wrapHandshakeErr("security", err)
	}

	chosen, unusedPassword, err := chooseSecurity(offered, s.cfg.Password)
	if err != nil {
		return err
	}
	if unusedPassword {
		s.log.Warn("server offered no authentication; connecting without the configured password")
	}
	if !v.legacy() {
		if _, err := conn.Write([]byte{byte(chosen)}); err != nil {
			return connectionErr("security", "writing security choice", err)
		}
	}

	switch chosen {
	case SecTypeNone:
		// Only 3.8 sends a result for "none"; earlier versions go
		// straight to init.
		if v.Minor >= 8 {
			return s.readSecurityResult(v)
		}
		return nil
	case SecTypeVNCAuth:
		challenge := make([]byte, vncAuthChallengeLen)
		if err := s.rd.decode(func(p []byte) (int, error) {
			if len(p) < vncAuthChallengeLen {
				return 0, ErrIncomplete
			}
			copy(challenge, p[:vncAuthChallengeLen])
			return vncAuthChallengeLen, nil
		}); err != nil {
			return wrapHandshakeErr("security", err)
		}
		response, err := EncodeSecurityResponse(challenge, s.cfg.Password)
		if err != nil {
			return err
		}
		if _, err := conn.Write(response); err != nil {
			return connectionErr("security", "writing challenge response", err)
		}
		return s.readSecurityResult(v)
	default:
		return authErr("security", fmt.Sprintf("cannot perform %s", chosen), nil)
	}
}

func (s *Session) readSecurityResult(v ProtocolVersion) error {
	if err := s.rd.decode(func(p []byte) (int, error) {
		return DecodeSecurityResult(v, p)
	}); err != nil {
		return wrapHandshakeErr("security result", err)
	}
	return nil
}

// wrapHandshakeErr turns raw transport errors into connection errors
// while letting already classified errors (auth, decode) through
// unchanged.
func wrapHandshakeErr(op string, err error) error {
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	return connectionErr(op, "reading from server", err)
}

// send serializes one outbound message. It requires an active session;
// a failed write moves the session to Failed since the stream position
// is no longer trustworthy.
func (s *Session) send(msg []byte) error {
	s.mu.Lock()
	conn, state := s.conn, s.state
	s.mu.Unlock()
	if state != StateActive || conn == nil {
		return connectionErr("send", fmt.Sprintf("session is %s, not active", state), nil)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := conn.SetWriteDeadline(time.Now().Add(s.cfg.ConnectTimeout)); err != nil {
		return connectionErr("send", "setting write deadline", err)
	}
	if _, err := conn.Write(msg); err != nil {
		err = connectionErr("send", "writing message", err)
		s.fail(err)
		return err
	}
	return nil
}

// RequestUpdate asks the server for the framebuffer contents. A
// non-incremental request forces a full repaint and is how the first
// frame (and liveness probes) are fetched.
func (s *Session) RequestUpdate(incremental bool) error {
	w, h := s.Size()
	return s.send(UpdateRequest{
		Incremental: incremental,
		Width:       uint16(w),
		Height:      uint16(h),
	}.Encode())
}

// pump drains server messages until the connection closes, fails, or
// the session is told to disconnect. A silent connection is probed once
// with a full update request after the idle window and failed after a
// second silent window.
func (s *Session) pump() {
	defer s.wg.Done()
	for {
		select {
		case <-s.quit:
			return
		default:
		}

		err := s.readServerMessage()
		if err == nil {
			s.probed = false
			continue
		}
		select {
		case <-s.quit:
			// Intentional close; the read failed because the socket
			// went away under it.
			return
		default:
		}
		if IsTimeout(err) && !s.probed {
			s.probed = true
			s.log.Warn("no server traffic within idle window, probing with full update request",
				"idle", s.cfg.IdleTimeout)
			if perr := s.RequestUpdate(false); perr == nil {
				continue
			}
			// Fall through; the write failure already failed the
			// session.
		}
		s.fail(err)
		return
	}
}

// fail records err and parks the session in Failed. The connection is
// closed so every in-flight read and write unblocks.
func (s *Session) fail(err error) {
	s.mu.Lock()
	if s.state == StateDisconnected || s.state == StateFailed {
		s.mu.Unlock()
		return
	}
	s.state = StateFailed
	s.lastErr = err
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()

	s.metrics.Connected.Set(0)
	s.log.Error("session failed", "error", err)
	if conn != nil {
		conn.Close()
	}
}

// Disconnect closes the transport and waits for the pump to exit. It is
// safe to call in any state and more than once.
func (s *Session) Disconnect() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.state = StateDisconnected
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()

	close(s.quit)
	s.cancel()
	var err error
	if conn != nil {
		err = conn.Close()
	}
	s.wg.Wait()
	s.metrics.Connected.Set(0)
	s.log.Info("session disconnected", "addr", s.cfg.addr())
	return err
}

// readServerMessage decodes and handles exactly one server message, or
// resumes a framebuffer update that a previous call left partially
// consumed (after an idle probe, for example). Bytes are consumed from
// the stream only after the piece they belong to decodes completely.
func (s *Session) readServerMessage() error {
	if s.pendingRects > 0 {
		return s.readRectangles()
	}
	for len(s.rd.pending()) == 0 {
		if err := s.rd.fill(); err != nil {
			return err
		}
	}
	switch t := s.rd.pending()[0]; t {
	case msgTypeFramebufferUpdate:
		var count int
		if err := s.rd.decode(func(p []byte) (int, error) {
			c, n, err := DecodeUpdateHeader(p)
			count = c
			return n, err
		}); err != nil {
			return err
		}
		s.pendingRects = count
		s.touch()
		return s.readRectangles()
	case msgTypeBell:
		s.rd.consume(1)
		s.touch()
		s.log.Debug("server bell")
		return nil
	case msgTypeServerCutText:
		var text string
		if err := s.rd.decode(func(p []byte) (int, error) {
			v, n, err := decodeServerCutText(p)
			text = v
			return n, err
		}); err != nil {
			return err
		}
		s.touch()
		s.log.Debug("server cut text ignored", "bytes", len(text))
		return nil
	case msgTypeSetColorMapEntries:
		var first, count int
		if err := s.rd.decode(func(p []byte) (int, error) {
			f, c, n, err := decodeColorMapEntries(p)
			first, count = f, c
			return n, err
		}); err != nil {
			return err
		}
		s.touch()
		s.log.Debug("color map entries ignored", "first", first, "count", count)
		return nil
	default:
		return decodeErr("server message", "unknown message type %d", t)
	}
}

// readRectangles consumes the remaining rectangles of the update in
// progress and applies each one to the framebuffer.
func (s *Session) readRectangles() error {
	fb := s.Framebuffer()
	for s.pendingRects > 0 {
		if s.curRect == nil {
			var r Rectangle
			if err := s.rd.decode(func(p []byte) (int, error) {
				v, n, err := DecodeRectangleHeader(p)
				r = v
				return n, err
			}); err != nil {
				return err
			}
			s.curRect = &r
		}
		r := *s.curRect

		switch r.Encoding {
		case EncodingRaw:
			// Validate against the current dimensions before waiting
			// for the payload, so a bogus header cannot make the
			// session buffer gigabytes.
			w, h := fb.Size()
			if int(r.X)+int(r.Width) > w || int(r.Y)+int(r.Height) > h {
				return framebufferErr("update", ErrOutOfBounds,
					"rectangle %s exceeds %dx%d framebuffer", r, w, h)
			}
			format := s.Format()
			var rgba []byte
			if err := s.rd.decode(func(p []byte) (int, error) {
				v, n, err := DecodeRawRect(p, r, format)
				rgba = v
				return n, err
			}); err != nil {
				return err
			}
			if err := fb.Apply(r, rgba); err != nil {
				return err
			}
		case EncodingCopyRect:
			var srcX, srcY uint16
			if err := s.rd.decode(func(p []byte) (int, error) {
				sx, sy, n, err := DecodeCopyRect(p)
				srcX, srcY = sx, sy
				return n, err
			}); err != nil {
				return err
			}
			if err := fb.CopyRect(r, srcX, srcY); err != nil {
				return err
			}
		case EncodingDesktopSize:
			// The server renegotiated its dimensions. Everything on
			// screen is invalid until it repaints.
			fb.Resize(int(r.Width), int(r.Height))
			s.mu.Lock()
			s.width, s.height = int(r.Width), int(r.Height)
			s.mu.Unlock()
			s.log.Info("server resized display", "size", fmt.Sprintf("%dx%d", r.Width, r.Height))
		default:
			return unsupportedEncodingErr("update", r.Encoding)
		}

		s.metrics.RectsApplied.WithLabelValues(encodingLabel(r.Encoding)).Inc()
		s.curRect = nil
		s.pendingRects--
		s.touch()
	}
	return s.finishUpdate()
}

// finishUpdate accounts for a complete update message and schedules the
// next incremental request, paced by the limiter.
func (s *Session) finishUpdate() error {
	s.metrics.UpdatesReceived.Inc()
	if err := s.limiter.Wait(s.ctx); err != nil {
		// Disconnect canceled the session context.
		return nil
	}
	return s.RequestUpdate(true)
}

// idleConn applies a fresh read deadline before every read once the
// idle window is set, so a silent server surfaces as a timeout, and
// counts received bytes.
type idleConn struct {
	conn    net.Conn
	idle    time.Duration
	metrics *Metrics
}

func (c *idleConn) Read(p []byte) (int, error) {
	if c.idle > 0 {
		if err := c.conn.SetReadDeadline(time.Now().Add(c.idle)); err != nil {
			return 0, err
		}
	}
	n, err := c.conn.Read(p)
	if n > 0 {
		c.metrics.BytesRead.Add(float64(n))
	}
	return n, err
}

// decodeBuf accumulates stream bytes so decoders can be retried when a
// message arrives split across reads. Bytes are consumed only after a
// decode succeeds, so a retry always sees the full unconsumed prefix.
type decodeBuf struct {
	r   io.Reader
	buf []byte
	off int
}

func (b *decodeBuf) pending() []byte { return b.buf[b.off:] }

func (b *decodeBuf) consume(n int) {
	b.off += n
	if b.off == len(b.buf) {
		b.buf = b.buf[:0]
		b.off = 0
	}
}

// fill appends at least one more byte from the stream.
func (b *decodeBuf) fill() error {
	if b.off > 0 {
		b.buf = append(b.buf[:0], b.buf[b.off:]...)
		b.off = 0
	}
	var tmp [4096]byte
	n, err := b.r.Read(tmp[:])
	if n > 0 {
		b.buf = append(b.buf, tmp[:n]...)
		return nil
	}
	if err == nil {
		err = io.ErrNoProgress
	}
	return err
}

// decode retries fn against the growing buffer until it returns
// something other than ErrIncomplete, then consumes what fn used.
func (b *decodeBuf) decode(fn func([]byte) (int, error)) error {
	for {
		n, err := fn(b.pending())
		if err == nil {
			b.consume(n)
			return nil
		}
		if !errors.Is(err, ErrIncomplete) {
			return err
		}
		if err := b.fill(); err != nil {
			return err
		}
	}
}
