package rfbpanel

import (
	"log/slog"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
)

// Defaults applied by withDefaults. The connect timeout matches the
// remote panels this was built against, which can take several seconds
// to accept a connection after boot.
const (
	DefaultPort           = 5900
	DefaultConnectTimeout = 10 * time.Second
	DefaultIdleTimeout    = 30 * time.Second
	DefaultInputDelay     = 50 * time.Millisecond
)

// Config describes how to reach and drive the remote display. It is
// supplied once at controller construction and not changed afterwards.
type Config struct {
	// Host and Port locate the server.
	Host string
	Port int
	// Password is the shared secret for VNC Authentication. Leaving it
	// empty permits the "none" security type.
	Password string
	// Version pins the protocol version: "3.3", "3.7" or "3.8". When
	// set, exactly that version is echoed back regardless of what the
	// server advertises, which some legacy servers require. Empty
	// follows the server's offer.
	Version string
	// Width and Height are advisory size hints. The server's init
	// message always wins.
	Width, Height int
	// Exclusive asks the server to disconnect other clients. The zero
	// value requests a shared session.
	Exclusive bool
	// Transport selects the byte stream carrier: "tcp" (default), or
	// "ws"/"wss" for websockify endpoints.
	Transport string
	// WSPath is the websocket endpoint path; "/" when empty.
	WSPath string
	// RequestFormat, when non-nil, is sent to the server with
	// set-pixel-format after init and used for all pixel decoding
	// instead of the server's advertised format.
	RequestFormat *PixelFormat
	// ConnectTimeout bounds the whole connect attempt, dial through
	// handshake.
	ConnectTimeout time.Duration
	// IdleTimeout is the liveness window while active: a silent
	// connection is probed after one window and failed after two.
	IdleTimeout time.Duration
	// ClickDelay separates the events of a click sequence.
	ClickDelay time.Duration
	// KeyDelay separates keystrokes while typing.
	KeyDelay time.Duration
	// Logger receives structured logs; slog.Default() when nil.
	Logger *slog.Logger
	// Clock paces input delays and the recorder; injected in tests.
	Clock clockwork.Clock
	// Dialer opens the transport. When nil one is derived from
	// Transport.
	Dialer Dialer
}

// withDefaults returns a copy with unset fields filled in.
func (c Config) withDefaults() Config {
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.Transport == "" {
		c.Transport = "tcp"
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	if c.ClickDelay == 0 {
		c.ClickDelay = DefaultInputDelay
	}
	if c.KeyDelay == 0 {
		c.KeyDelay = DefaultInputDelay
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Dialer == nil {
		switch c.Transport {
		case "ws", "wss":
			c.Dialer = WSDialer{Scheme: c.Transport, Path: c.WSPath}
		default:
			c.Dialer = TCPDialer{}
		}
	}
	return c
}

// validate rejects configs that cannot work before any dial happens.
func (c Config) validate() error {
	if c.Host == "" {
		return trace.BadParameter("host is required")
	}
	if c.Port < 1 || c.Port > 65535 {
		return trace.BadParameter("port %d out of range 1-65535", c.Port)
	}
	if c.Version != "" {
		if _, err := ParseVersion(c.Version); err != nil {
			return trace.BadParameter("%s", err)
		}
	}
	switch c.Transport {
	case "", "tcp", "ws", "wss":
	default:
		return trace.BadParameter("unknown transport %q", c.Transport)
	}
	if c.Width < 0 || c.Height < 0 {
		return trace.BadParameter("negative size hint %dx%d", c.Width, c.Height)
	}
	if c.ConnectTimeout < 0 || c.IdleTimeout < 0 || c.ClickDelay < 0 || c.KeyDelay < 0 {
		return trace.BadParameter("negative timing")
	}
	if c.RequestFormat != nil {
		if err := c.RequestFormat.validate(); err != nil {
			return trace.BadParameter("requested pixel format: %s", err)
		}
	}
	return nil
}

// addr returns the dial target.
func (c Config) addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// FromEnv builds a Config from the VNC_HOST, VNC_PORT, VNC_PASSWORD,
// VNC_PROTOCOL, VNC_WIDTH and VNC_HEIGHT environment variables. Unset
// variables keep their defaults.
func FromEnv() (Config, error) {
	cfg := Config{
		Host:     os.Getenv("VNC_HOST"),
		Password: os.Getenv("VNC_PASSWORD"),
		Version:  os.Getenv("VNC_PROTOCOL"),
	}
	if cfg.Host == "" {
		cfg.Host = "localhost"
	}
	var err error
	if cfg.Port, err = intEnv("VNC_PORT"); err != nil {
		return Config{}, err
	}
	if cfg.Width, err = intEnv("VNC_WIDTH"); err != nil {
		return Config{}, err
	}
	if cfg.Height, err = intEnv("VNC_HEIGHT"); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func intEnv(name string) (int, error) {
	v := os.Getenv(name)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, trace.BadParameter("%s=%q is not an integer", name, v)
	}
	return n, nil
}
