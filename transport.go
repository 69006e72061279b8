package rfbpanel

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
	"github.com/gravitational/trace"
)

// Dialer opens the byte stream a session runs over. Implementations
// honor the context for cancellation and connect deadlines.
type Dialer interface {
	Dial(ctx context.Context, addr string) (net.Conn, error)
}

// TCPDialer dials a plain TCP connection, the common case.
type TCPDialer struct{}

// Dial connects to addr ("host:port").
func (TCPDialer) Dial(ctx context.Context, addr string) (net.Conn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return conn, nil
}

// WSDialer dials a websockify-style endpoint that tunnels the RFB byte
// stream over binary WebSocket messages.
type WSDialer struct {
	// Scheme is "ws" or "wss"; "ws" when empty.
	Scheme string
	// Path is the endpoint path; "/" when empty.
	Path string
	// Header is sent with the HTTP upgrade request.
	Header http.Header
}

// Dial upgrades an HTTP connection to addr and wraps it as a net.Conn.
func (d WSDialer) Dial(ctx context.Context, addr string) (net.Conn, error) {
	scheme := d.Scheme
	if scheme == "" {
		scheme = "ws"
	}
	path := d.Path
	if path == "" {
		path = "/"
	}
	u := url.URL{Scheme: scheme, Host: addr, Path: path}
	ws, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), d.Header)
	if err != nil {
		if resp != nil {
			return nil, trace.Wrap(fmt.Errorf("websocket dial %s: %s: %w", u.String(), resp.Status, err))
		}
		return nil, trace.Wrap(err)
	}
	return &wsConn{ws: ws}, nil
}

// wsConn adapts a websocket connection to net.Conn. Each Write becomes
// one binary message and Reads drain messages in order. The session
// guarantees one reader and serialized writers, so no extra locking is
// needed here.
type wsConn struct {
	ws *websocket.Conn
	r  io.Reader // remainder of the current inbound message
}

func (c *wsConn) Read(p []byte) (int, error) {
	for {
		if c.r == nil {
			_, r, err := c.ws.NextReader()
			if err != nil {
				return 0, err
			}
			c.r = r
		}
		n, err := c.r.Read(p)
		if err == io.EOF {
			c.r = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (c *wsConn) Write(p []byte) (int, error) {
	if err := c.ws.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *wsConn) Close() error { return c.ws.Close() }

func (c *wsConn) LocalAddr() net.Addr  { return c.ws.LocalAddr() }
func (c *wsConn) RemoteAddr() net.Addr { return c.ws.RemoteAddr() }

func (c *wsConn) SetDeadline(t time.Time) error {
	if err := c.ws.SetReadDeadline(t); err != nil {
		return err
	}
	return c.ws.SetWriteDeadline(t)
}

func (c *wsConn) SetReadDeadline(t time.Time) error  { return c.ws.SetReadDeadline(t) }
func (c *wsConn) SetWriteDeadline(t time.Time) error { return c.ws.SetWriteDeadline(t) }
