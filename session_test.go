package rfbpanel

import (
	"context"
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSession(t *testing.T, cfg Config) *Session {
	t.Helper()
	cfg = cfg.withDefaults()
	require.NoError(t, cfg.validate())
	s := newSession(cfg, NewMetrics())
	t.Cleanup(func() { s.Disconnect() })
	return s
}

func TestSessionHandshake38(t *testing.T) {
	events := make(chan clientMsg, 64)
	ts := startTestServer(t, scriptActive(RGB565PixelFormat(), 8, 4, events))
	s := newTestSession(t, ts.clientConfig())

	require.NoError(t, s.Connect(context.Background()))
	assert.Equal(t, StateActive, s.State())
	assert.Equal(t, Version38, s.Version())
	assert.Equal(t, "test desktop", s.DesktopName())
	w, h := s.Size()
	assert.Equal(t, 8, w)
	assert.Equal(t, 4, h)
	assert.Equal(t, RGB565PixelFormat(), s.Format())

	// The client announces its encodings and asks for a full first
	// frame before anything incremental.
	enc := nextOfType(t, events, msgTypeSetEncodings)
	assert.Contains(t, enc.encodings, EncodingRaw)
	assert.Contains(t, enc.encodings, EncodingCopyRect)
	assert.Contains(t, enc.encodings, EncodingDesktopSize)
	first := nextOfType(t, events, msgTypeUpdateRequest)
	assert.False(t, first.update.Incremental)

	require.Eventually(t, func() bool {
		return s.Framebuffer().Updates() > 0
	}, 3*time.Second, 10*time.Millisecond, "first update never applied")

	require.NoError(t, s.Disconnect())
	assert.Equal(t, StateDisconnected, s.State())
	require.NoError(t, s.Disconnect(), "disconnect must be idempotent")
}

func TestSessionConnectTwice(t *testing.T) {
	ts := startTestServer(t, scriptActive(RGB565PixelFormat(), 4, 4, nil))
	s := newTestSession(t, ts.clientConfig())
	require.NoError(t, s.Connect(context.Background()))

	err := s.Connect(context.Background())
	require.Error(t, err)
	assert.True(t, IsCode(err, CodeConnection))
}

func TestSessionLegacyVNCAuth(t *testing.T) {
	challenge := []byte("0123456789abcdef")
	responses := make(chan []byte, 1)
	inits := make(chan byte, 1)
	ts := startTestServer(t, func(c *serverConn) {
		reply := c.greet(Version33)
		if reply != Version33 {
			c.t.Errorf("client replied version %s, want 3.3", reply)
		}
		// 3.3: the server dictates the type, no choice byte follows.
		c.write([]byte{0, 0, 0, 2})
		c.write(challenge)
		responses <- c.read(vncAuthChallengeLen)
		c.writeSecurityResult(0, "")
		inits <- c.readClientInit()
		c.writeServerInit(4, 4, RGB565PixelFormat(), "legacy")
		for {
			if _, err := c.readClientMsg(); err != nil {
				return
			}
		}
	})

	cfg := ts.clientConfig()
	cfg.Password = "hunter2"
	s := newTestSession(t, cfg)
	require.NoError(t, s.Connect(context.Background()))
	assert.Equal(t, Version33, s.Version())

	want, err := EncodeSecurityResponse(challenge, "hunter2")
	require.NoError(t, err)
	assert.Equal(t, want, <-responses, "challenge response")
	assert.Equal(t, byte(1), <-inits, "default is a shared session")
}

func TestSessionPinnedVersionUsesLegacyFraming(t *testing.T) {
	ts := startTestServer(t, func(c *serverConn) {
		reply := c.greet(Version38)
		if reply != Version33 {
			c.t.Errorf("client replied version %s, want pinned 3.3", reply)
		}
		c.write([]byte{0, 0, 0, 1}) // server-dictated none, no result follows on 3.3
		c.readClientInit()
		c.writeServerInit(4, 4, RGB565PixelFormat(), "pinned")
		for {
			if _, err := c.readClientMsg(); err != nil {
				return
			}
		}
	})

	cfg := ts.clientConfig()
	cfg.Version = "3.3"
	s := newTestSession(t, cfg)
	require.NoError(t, s.Connect(context.Background()))
	assert.Equal(t, StateActive, s.State())
	assert.Equal(t, Version33, s.Version())
}

func TestSessionNoneOn37SkipsResult(t *testing.T) {
	choices := make(chan SecurityType, 1)
	ts := startTestServer(t, func(c *serverConn) {
		c.greet(Version37)
		choices <- c.offerSecurity(SecTypeNone)
		// No security result on 3.7 with none; straight to init.
		c.readClientInit()
		c.writeServerInit(4, 4, RGB565PixelFormat(), "v37")
		for {
			if _, err := c.readClientMsg(); err != nil {
				return
			}
		}
	})

	s := newTestSession(t, ts.clientConfig())
	require.NoError(t, s.Connect(context.Background()))
	assert.Equal(t, Version37, s.Version())
	assert.Equal(t, SecTypeNone, <-choices)
}

func TestSessionAuthRejected(t *testing.T) {
	ts := startTestServer(t, func(c *serverConn) {
		c.greet(Version38)
		c.offerSecurity(SecTypeVNCAuth)
		c.write(make([]byte, vncAuthChallengeLen))
		c.read(vncAuthChallengeLen)
		c.writeSecurityResult(1, "bad password")
		c.read(1) // park until the client hangs up
	})

	cfg := ts.clientConfig()
	cfg.Password = "wrong"
	s := newTestSession(t, cfg)
	err := s.Connect(context.Background())
	require.Error(t, err)
	assert.True(t, IsCode(err, CodeAuth), "got %v", err)
	assert.Contains(t, err.Error(), "bad password")
	assert.Equal(t, StateFailed, s.State())
}

func TestSessionPasswordRequiredButMissing(t *testing.T) {
	ts := startTestServer(t, func(c *serverConn) {
		c.greet(Version38)
		c.offerSecurity(SecTypeVNCAuth)
		c.read(1) // park until the client hangs up
	})

	s := newTestSession(t, ts.clientConfig())
	err := s.Connect(context.Background())
	require.Error(t, err)
	assert.True(t, IsCode(err, CodeAuth), "got %v", err)
	assert.Equal(t, StateFailed, s.State())
}

func TestSessionServerRefusal(t *testing.T) {
	ts := startTestServer(t, func(c *serverConn) {
		c.greet(Version38)
		c.refuse("down for maintenance")
		c.read(1)
	})

	s := newTestSession(t, ts.clientConfig())
	err := s.Connect(context.Background())
	require.Error(t, err)
	assert.True(t, IsCode(err, CodeAuth), "got %v", err)
	assert.Contains(t, err.Error(), "down for maintenance")
}

func TestSessionConnectTimeout(t *testing.T) {
	ts := startTestServer(t, func(c *serverConn) {
		c.read(1) // never write anything; the client must give up
	})

	cfg := ts.clientConfig()
	cfg.ConnectTimeout = 150 * time.Millisecond
	s := newTestSession(t, cfg)

	start := time.Now()
	err := s.Connect(context.Background())
	require.Error(t, err)
	assert.True(t, IsTimeout(err), "want a timeout, got %v", err)
	assert.True(t, IsCode(err, CodeConnection), "got %v", err)
	assert.Less(t, time.Since(start), 2*time.Second)

	// A timed out attempt leaves the session disconnected, not failed.
	assert.Equal(t, StateDisconnected, s.State())
}

func TestSessionDialFailure(t *testing.T) {
	cfg := Config{
		Host:           "127.0.0.1",
		Port:           1, // nothing listens here
		ConnectTimeout: time.Second,
		Logger:         discardLogger(),
	}
	s := newTestSession(t, cfg)
	err := s.Connect(context.Background())
	require.Error(t, err)
	assert.True(t, IsCode(err, CodeConnection), "got %v", err)
}

func TestSessionIdleProbeThenFail(t *testing.T) {
	events := make(chan clientMsg, 64)
	ts := startTestServer(t, scriptActive(RGB565PixelFormat(), 4, 4, events))

	cfg := ts.clientConfig()
	cfg.IdleTimeout = 200 * time.Millisecond
	s := newTestSession(t, cfg)
	require.NoError(t, s.Connect(context.Background()))

	// Handshake sequence: one full request, then an incremental one once
	// the first update lands.
	first := nextOfType(t, events, msgTypeUpdateRequest)
	assert.False(t, first.update.Incremental)
	second := nextOfType(t, events, msgTypeUpdateRequest)
	assert.True(t, second.update.Incremental)

	// The server now stays silent. After one idle window the session
	// probes with another full request instead of giving up.
	probe := nextOfType(t, events, msgTypeUpdateRequest)
	assert.False(t, probe.update.Incremental, "probe must request a full update")

	// Still silent, so the second window moves the session to Failed.
	require.Eventually(t, func() bool {
		return s.State() == StateFailed
	}, 3*time.Second, 10*time.Millisecond)
	require.Error(t, s.Err())
	assert.True(t, IsTimeout(s.Err()), "got %v", s.Err())
}

func TestSessionToleratesBellCutTextAndColorMap(t *testing.T) {
	ts := startTestServer(t, func(c *serverConn) {
		c.greet(Version38)
		c.offerSecurity(SecTypeNone)
		c.writeSecurityResult(0, "")
		c.readClientInit()
		c.writeServerInit(2, 2, RGB565PixelFormat(), "noisy")
		served := false
		for {
			m, err := c.readClientMsg()
			if err != nil {
				return
			}
			if m.typ != msgTypeUpdateRequest || served {
				continue
			}
			served = true
			c.writeUpdate(wireRect{
				r:       Rectangle{Width: 2, Height: 2, Encoding: EncodingRaw},
				payload: solidRaw(RGB565PixelFormat(), 2, 2, 255, 255, 255),
			})
			c.write([]byte{msgTypeBell})
			cut := []byte{msgTypeServerCutText, 0, 0, 0, 0, 0, 0, 4}
			c.write(append(cut, "clip"...))
			colorMap := []byte{msgTypeSetColorMapEntries, 0, 0, 0, 0, 1}
			c.write(append(colorMap, make([]byte, 6)...))
			c.writeUpdate(wireRect{
				r:       Rectangle{Width: 2, Height: 2, Encoding: EncodingRaw},
				payload: solidRaw(RGB565PixelFormat(), 2, 2, 255, 0, 0),
			})
		}
	})

	s := newTestSession(t, ts.clientConfig())
	require.NoError(t, s.Connect(context.Background()))

	// The noise between the two updates must not disturb the stream: the
	// second update still lands and the session stays active.
	require.Eventually(t, func() bool {
		if s.Framebuffer().Updates() < 2 {
			return false
		}
		img := s.Framebuffer().RGBA()
		c := img.RGBAAt(1, 1)
		return c.R == 255 && c.G == 0 && c.B == 0
	}, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, StateActive, s.State())
}

func TestSessionUnknownMessageTypeFails(t *testing.T) {
	ts := startTestServer(t, func(c *serverConn) {
		c.greet(Version38)
		c.offerSecurity(SecTypeNone)
		c.writeSecurityResult(0, "")
		c.readClientInit()
		c.writeServerInit(2, 2, RGB565PixelFormat(), "x")
		c.write([]byte{0xee})
		c.read(1)
	})

	s := newTestSession(t, ts.clientConfig())
	require.NoError(t, s.Connect(context.Background()))
	require.Eventually(t, func() bool {
		return s.State() == StateFailed
	}, 3*time.Second, 10*time.Millisecond)
	assert.True(t, IsCode(s.Err(), CodeDecode), "got %v", s.Err())
}

func TestSessionUnsupportedEncodingFails(t *testing.T) {
	ts := startTestServer(t, func(c *serverConn) {
		c.greet(Version38)
		c.offerSecurity(SecTypeNone)
		c.writeSecurityResult(0, "")
		c.readClientInit()
		c.writeServerInit(4, 4, RGB565PixelFormat(), "x")
		c.writeUpdate(wireRect{
			r: Rectangle{Width: 4, Height: 4, Encoding: EncodingType(5)}, // hextile, never offered
		})
		c.read(1)
	})

	s := newTestSession(t, ts.clientConfig())
	require.NoError(t, s.Connect(context.Background()))
	require.Eventually(t, func() bool {
		return s.State() == StateFailed
	}, 3*time.Second, 10*time.Millisecond)
	assert.True(t, IsCode(s.Err(), CodeUnsupportedEncoding), "got %v", s.Err())
}

func TestSessionOutOfBoundsRectangleFails(t *testing.T) {
	ts := startTestServer(t, func(c *serverConn) {
		c.greet(Version38)
		c.offerSecurity(SecTypeNone)
		c.writeSecurityResult(0, "")
		c.readClientInit()
		c.writeServerInit(4, 4, RGB565PixelFormat(), "x")
		c.writeUpdate(wireRect{
			r: Rectangle{X: 3, Y: 0, Width: 2, Height: 1, Encoding: EncodingRaw},
			// No payload; the header alone is already out of bounds.
		})
		c.read(1)
	})

	s := newTestSession(t, ts.clientConfig())
	require.NoError(t, s.Connect(context.Background()))
	require.Eventually(t, func() bool {
		return s.State() == StateFailed
	}, 3*time.Second, 10*time.Millisecond)
	assert.ErrorIs(t, s.Err(), ErrOutOfBounds)
	assert.True(t, IsCode(s.Err(), CodeFramebuffer), "got %v", s.Err())
}

func TestSessionDesktopSizeResize(t *testing.T) {
	pf := RGB565PixelFormat()
	ts := startTestServer(t, func(c *serverConn) {
		c.greet(Version38)
		c.offerSecurity(SecTypeNone)
		c.writeSecurityResult(0, "")
		c.readClientInit()
		c.writeServerInit(4, 4, pf, "resizing")
		resized := false
		for {
			m, err := c.readClientMsg()
			if err != nil {
				return
			}
			if m.typ != msgTypeUpdateRequest {
				continue
			}
			if !resized {
				resized = true
				c.writeUpdate(wireRect{
					r: Rectangle{Width: 6, Height: 2, Encoding: EncodingDesktopSize},
				})
				continue
			}
			c.writeUpdate(wireRect{
				r:       Rectangle{Width: 6, Height: 2, Encoding: EncodingRaw},
				payload: solidRaw(pf, 6, 2, 0, 255, 0),
			})
		}
	})

	s := newTestSession(t, ts.clientConfig())
	require.NoError(t, s.Connect(context.Background()))

	require.Eventually(t, func() bool {
		w, h := s.Size()
		return w == 6 && h == 2
	}, 3*time.Second, 10*time.Millisecond, "dimensions never updated")

	// The repaint after the resize fills the new buffer.
	require.Eventually(t, func() bool {
		return s.Framebuffer().Updates() > 0
	}, 3*time.Second, 10*time.Millisecond, "no repaint after resize")
	img := s.Framebuffer().RGBA()
	assert.Equal(t, 6, img.Bounds().Dx())
	assert.Equal(t, uint8(255), img.RGBAAt(5, 1).G)
}

// TestSessionSplitDelivery drip-feeds every server byte in tiny chunks
// to prove the session reassembles messages that arrive split across
// reads.
func TestSessionSplitDelivery(t *testing.T) {
	pf := RGB565PixelFormat()
	drip := func(c *serverConn, b []byte) {
		for len(b) > 0 {
			n := 3
			if n > len(b) {
				n = len(b)
			}
			c.write(b[:n])
			b = b[n:]
			time.Sleep(time.Millisecond)
		}
	}
	ts := startTestServer(t, func(c *serverConn) {
		drip(c, EncodeVersion(Version38))
		c.read(versionLen)
		drip(c, []byte{1, byte(SecTypeNone)})
		c.read(1)
		drip(c, []byte{0, 0, 0, 0})
		c.readClientInit()
		drip(c, serverInitBytes(2, 2, pf, "drip fed desktop"))
		for {
			m, err := c.readClientMsg()
			if err != nil {
				return
			}
			if m.typ != msgTypeUpdateRequest || m.update.Incremental {
				continue
			}
			update := []byte{msgTypeFramebufferUpdate, 0}
			update = binary.BigEndian.AppendUint16(update, 1)
			update = binary.BigEndian.AppendUint16(update, 0)
			update = binary.BigEndian.AppendUint16(update, 0)
			update = binary.BigEndian.AppendUint16(update, 2)
			update = binary.BigEndian.AppendUint16(update, 2)
			update = binary.BigEndian.AppendUint32(update, uint32(EncodingRaw))
			update = append(update, solidRaw(pf, 2, 2, 0, 0, 255)...)
			drip(c, update)
			return
		}
	})

	s := newTestSession(t, ts.clientConfig())
	require.NoError(t, s.Connect(context.Background()))
	assert.Equal(t, "drip fed desktop", s.DesktopName())

	require.Eventually(t, func() bool {
		return s.Framebuffer().Updates() > 0
	}, 3*time.Second, 10*time.Millisecond)
	img := s.Framebuffer().RGBA()
	assert.Equal(t, uint8(255), img.RGBAAt(1, 1).B)
}

func TestSessionRequestFormat(t *testing.T) {
	rgba := RGBA32PixelFormat()
	events := make(chan clientMsg, 64)
	ts := startTestServer(t, func(c *serverConn) {
		c.greet(Version38)
		c.offerSecurity(SecTypeNone)
		c.writeSecurityResult(0, "")
		c.readClientInit()
		c.writeServerInit(2, 2, RGB565PixelFormat(), "converting")
		served := false
		for {
			m, err := c.readClientMsg()
			if err != nil {
				return
			}
			select {
			case events <- m:
			default:
			}
			if m.typ == msgTypeUpdateRequest && !served {
				served = true
				// Honor the requested format: pixels go out as RGBA32.
				c.writeUpdate(wireRect{
					r:       Rectangle{Width: 2, Height: 2, Encoding: EncodingRaw},
					payload: solidRaw(rgba, 2, 2, 255, 0, 255),
				})
			}
		}
	})

	cfg := ts.clientConfig()
	cfg.RequestFormat = &rgba
	s := newTestSession(t, cfg)
	require.NoError(t, s.Connect(context.Background()))
	assert.Equal(t, rgba, s.Format())

	// set-pixel-format must reach the server before the encoding list.
	m := nextOfType(t, events, msgTypeSetPixelFormat)
	assert.Equal(t, rgba, m.format)
	nextOfType(t, events, msgTypeSetEncodings)

	require.Eventually(t, func() bool {
		return s.Framebuffer().Updates() > 0
	}, 3*time.Second, 10*time.Millisecond)
	c := s.Framebuffer().RGBA().RGBAAt(0, 0)
	assert.Equal(t, uint8(255), c.R)
	assert.Equal(t, uint8(0), c.G)
	assert.Equal(t, uint8(255), c.B)
}

func TestSessionExclusiveInit(t *testing.T) {
	inits := make(chan byte, 1)
	ts := startTestServer(t, func(c *serverConn) {
		c.greet(Version38)
		c.offerSecurity(SecTypeNone)
		c.writeSecurityResult(0, "")
		inits <- c.readClientInit()
		c.writeServerInit(2, 2, RGB565PixelFormat(), "x")
		for {
			if _, err := c.readClientMsg(); err != nil {
				return
			}
		}
	})

	cfg := ts.clientConfig()
	cfg.Exclusive = true
	s := newTestSession(t, cfg)
	require.NoError(t, s.Connect(context.Background()))
	assert.Equal(t, byte(0), <-inits, "exclusive session must clear the shared flag")
}
