// Package rfbpanel drives a remote framebuffer display over the RFB
// protocol: it connects and authenticates, mirrors the server's screen
// into a local store, and injects pointer and keyboard input. The
// Controller is the entry point; it keeps a target display usable by
// transparently reconnecting a failed session before the next
// operation.
package rfbpanel

import (
	"context"
	"image"
	"log/slog"
	"sync"
	"time"

	"github.com/gravitational/trace"
)

// Controller is the high level facade over one target display. Every
// screen or input operation ensures a live session first, making one
// reconnect attempt if the previous session is gone; the operation
// fails only if that attempt fails. A Controller is safe for concurrent
// use.
type Controller struct {
	cfg     Config
	log     *slog.Logger
	metrics *Metrics
	input   *Injector

	mu   sync.Mutex
	sess *Session
	rec  *Recorder
}

// New validates cfg, fills in its defaults and returns a controller in
// the disconnected state. Nothing is dialed until Connect or the first
// operation.
func New(cfg Config) (*Controller, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, trace.Wrap(err)
	}
	c := &Controller{
		cfg:     cfg,
		log:     cfg.Logger,
		metrics: NewMetrics(),
	}
	c.input = newInjector(cfg, c.metrics, c.sendMessage)
	return c, nil
}

// Metrics exposes the controller's metric registry for scraping.
func (c *Controller) Metrics() *Metrics { return c.metrics }

// Connect brings up a session if none is active. Calling it while
// active is a no-op, so callers may connect eagerly and still let every
// operation ensure its own session.
func (c *Controller) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectLocked(ctx)
}

// EnsureConnected is Connect under its contract name: verify the
// session is active, or make exactly one attempt to bring one up.
func (c *Controller) EnsureConnected(ctx context.Context) error {
	return c.Connect(ctx)
}

func (c *Controller) connectLocked(ctx context.Context) error {
	if c.sess != nil && c.sess.State() == StateActive {
		return nil
	}
	if c.sess != nil {
		// Tear down whatever is left of the previous session before
		// replacing it.
		c.sess.Disconnect()
		c.log.Info("reconnecting", "addr", c.cfg.addr())
	}
	s := newSession(c.cfg, c.metrics)
	err := s.Connect(ctx)
	c.sess = s
	return err
}

// ensure returns an active session, connecting if needed.
func (c *Controller) ensure(ctx context.Context) (*Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.connectLocked(ctx); err != nil {
		return nil, err
	}
	return c.sess, nil
}

// sendMessage routes an encoded client message to the current session.
// The injector binds to this so a gesture started on one session never
// silently continues on another.
func (c *Controller) sendMessage(msg []byte) error {
	c.mu.Lock()
	s := c.sess
	c.mu.Unlock()
	if s == nil {
		return connectionErr("send", "not connected", nil)
	}
	return s.send(msg)
}

// CaptureScreen returns the current framebuffer as PNG. It fails with a
// NoData framebuffer error if no update has arrived yet; callers that
// race the first frame should retry.
func (c *Controller) CaptureScreen(ctx context.Context) ([]byte, error) {
	s, err := c.ensure(ctx)
	if err != nil {
		return nil, err
	}
	snapshot, err := s.Framebuffer().SnapshotPNG()
	if err != nil {
		return nil, err
	}
	c.metrics.Captures.Inc()
	return snapshot, nil
}

// Click presses and releases button at (x, y).
func (c *Controller) Click(ctx context.Context, x, y int, button Button) error {
	if _, err := c.ensure(ctx); err != nil {
		return err
	}
	return c.input.Click(x, y, button)
}

// MoveMouse places the pointer at (x, y).
func (c *Controller) MoveMouse(ctx context.Context, x, y int) error {
	if _, err := c.ensure(ctx); err != nil {
		return err
	}
	return c.input.MoveMouse(x, y)
}

// TypeText types text one character at a time.
func (c *Controller) TypeText(ctx context.Context, text string) error {
	if _, err := c.ensure(ctx); err != nil {
		return err
	}
	return c.input.TypeText(text)
}

// PressKey presses and releases one key by name, for example "enter",
// "tab", "f5" or a single character.
func (c *Controller) PressKey(ctx context.Context, name string) error {
	if _, err := c.ensure(ctx); err != nil {
		return err
	}
	return c.input.PressKey(name)
}

// StartRecording samples the framebuffer fps times per second into an
// MJPEG AVI file at path until StopRecording or Disconnect. Only one
// recording runs at a time.
func (c *Controller) StartRecording(ctx context.Context, path string, fps int) error {
	s, err := c.ensure(ctx)
	if err != nil {
		return err
	}
	width, height := s.Size()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rec != nil {
		return trace.AlreadyExists("a recording is already in progress")
	}
	rec, err := newRecorder(path, width, height, fps, c.currentFrame, c.cfg, c.metrics)
	if err != nil {
		return err
	}
	c.rec = rec
	return nil
}

// currentFrame is the recorder's frame source. During a reconnect it
// reports NoData so the recorder skips ticks instead of stopping.
func (c *Controller) currentFrame() (*image.RGBA, error) {
	c.mu.Lock()
	s := c.sess
	c.mu.Unlock()
	if s == nil {
		return nil, framebufferErr("record", ErrNoData, "not connected")
	}
	fb := s.Framebuffer()
	if fb == nil {
		return nil, framebufferErr("record", ErrNoData, "no framebuffer yet")
	}
	return fb.Frame()
}

// StopRecording finalizes the recording and returns the number of
// frames written.
func (c *Controller) StopRecording() (int64, error) {
	c.mu.Lock()
	rec := c.rec
	c.rec = nil
	c.mu.Unlock()
	if rec == nil {
		return 0, trace.NotFound("no recording in progress")
	}
	return rec.Stop()
}

// Disconnect stops any recording, closes the session and discards its
// framebuffer. Safe to call at any time and more than once.
func (c *Controller) Disconnect() error {
	// The recorder is stopped outside the lock: its frame source takes
	// the same lock on every tick.
	c.mu.Lock()
	rec := c.rec
	c.rec = nil
	c.mu.Unlock()
	if rec != nil {
		rec.Stop()
	}

	c.mu.Lock()
	s := c.sess
	c.sess = nil
	c.mu.Unlock()
	if s == nil {
		return nil
	}
	return s.Disconnect()
}

// Status is a point-in-time snapshot of the controller.
type Status struct {
	State        SessionState
	Addr         string
	Version      string
	DesktopName  string
	Width        int
	Height       int
	PixelFormat  string
	Updates      uint64
	LastActivity time.Time
	Recording    bool
	Err          error
}

// Status reports the controller's current state without touching the
// network.
func (c *Controller) Status() Status {
	c.mu.Lock()
	s := c.sess
	rec := c.rec
	c.mu.Unlock()

	st := Status{
		State:     StateDisconnected,
		Addr:      c.cfg.addr(),
		Recording: rec != nil,
	}
	if s == nil {
		return st
	}
	st.State = s.State()
	st.Err = s.Err()
	st.DesktopName = s.DesktopName()
	st.Width, st.Height = s.Size()
	st.LastActivity = s.LastActivity()
	if v := s.Version(); v != (ProtocolVersion{}) {
		st.Version = v.String()
		st.PixelFormat = s.Format().String()
	}
	if fb := s.Framebuffer(); fb != nil {
		st.Updates = fb.Updates()
	}
	return st
}
