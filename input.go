package rfbpanel

import (
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
)

// Button is a pointer button bit in the RFB pointer event mask.
type Button uint8

const (
	ButtonLeft   Button = 1 << 0
	ButtonMiddle Button = 1 << 1
	ButtonRight  Button = 1 << 2
)

func (b Button) String() string {
	switch b {
	case ButtonLeft:
		return "left"
	case ButtonMiddle:
		return "middle"
	case ButtonRight:
		return "right"
	default:
		return "mask(0x" + strconv.FormatUint(uint64(b), 16) + ")"
	}
}

// ParseButton resolves a button name. Besides the named buttons it
// accepts the numbers 1 through 8, the protocol's button positions.
func ParseButton(s string) (Button, error) {
	switch strings.ToLower(s) {
	case "left":
		return ButtonLeft, nil
	case "middle":
		return ButtonMiddle, nil
	case "right":
		return ButtonRight, nil
	}
	if n, err := strconv.Atoi(s); err == nil && n >= 1 && n <= 8 {
		return Button(1 << (n - 1)), nil
	}
	return 0, trace.BadParameter("unknown mouse button %q", s)
}

// Injector turns input gestures into pointer and key events on the
// wire. Pacing between the events of one gesture runs on the injected
// clock so tests control time.
type Injector struct {
	send       func(msg []byte) error
	clock      clockwork.Clock
	log        *slog.Logger
	metrics    *Metrics
	clickDelay time.Duration
	keyDelay   time.Duration
}

// newInjector binds an injector to a message sink. cfg must already
// carry defaults.
func newInjector(cfg Config, metrics *Metrics, send func([]byte) error) *Injector {
	return &Injector{
		send:       send,
		clock:      cfg.Clock,
		log:        cfg.Logger,
		metrics:    metrics,
		clickDelay: cfg.ClickDelay,
		keyDelay:   cfg.KeyDelay,
	}
}

// checkCoords rejects positions the wire format cannot carry.
func checkCoords(x, y int) error {
	if x < 0 || x > 0xffff || y < 0 || y > 0xffff {
		return trace.BadParameter("pointer position (%d, %d) is outside the 16-bit coordinate range", x, y)
	}
	return nil
}

func (in *Injector) pointer(mask Button, x, y int) error {
	msg := PointerEvent{Mask: uint8(mask), X: uint16(x), Y: uint16(y)}.Encode()
	if err := in.send(msg); err != nil {
		return err
	}
	in.metrics.InputEvents.WithLabelValues("pointer").Inc()
	return nil
}

func (in *Injector) key(keysym uint32, down bool) error {
	msg := KeyEvent{Keysym: keysym, Down: down}.Encode()
	if err := in.send(msg); err != nil {
		return err
	}
	in.metrics.InputEvents.WithLabelValues("key").Inc()
	return nil
}

func (in *Injector) pause(d time.Duration) {
	if d > 0 {
		in.clock.Sleep(d)
	}
}

// Click moves the pointer to (x, y), presses button there and releases
// it, pausing between the events so slow UIs register the click as
// three distinct transitions.
func (in *Injector) Click(x, y int, button Button) error {
	if err := checkCoords(x, y); err != nil {
		return err
	}
	if button == 0 {
		return trace.BadParameter("click needs a button")
	}
	in.log.Debug("click", "x", x, "y", y, "button", button.String())
	if err := in.pointer(0, x, y); err != nil {
		return err
	}
	in.pause(in.clickDelay)
	if err := in.pointer(button, x, y); err != nil {
		return err
	}
	in.pause(in.clickDelay)
	return in.pointer(0, x, y)
}

// MoveMouse places the pointer at (x, y) with no buttons held.
func (in *Injector) MoveMouse(x, y int) error {
	if err := checkCoords(x, y); err != nil {
		return err
	}
	in.log.Debug("move", "x", x, "y", y)
	return in.pointer(0, x, y)
}

// TypeText sends a key press and release for every character of text.
// Characters without a keysym, control characters mostly, reject the
// whole call before anything is sent.
func (in *Injector) TypeText(text string) error {
	keysyms := make([]uint32, 0, len(text))
	for _, r := range text {
		ks := charKeysym(r)
		if ks == 0 {
			return trace.BadParameter("character %q cannot be typed", r)
		}
		keysyms = append(keysyms, ks)
	}
	for _, ks := range keysyms {
		if err := in.key(ks, true); err != nil {
			return err
		}
		in.pause(in.keyDelay)
		if err := in.key(ks, false); err != nil {
			return err
		}
		in.pause(in.keyDelay)
	}
	in.log.Debug("typed text", "keys", len(keysyms))
	return nil
}

// PressKey presses and releases one key by name. Names resolve through
// the key table with single characters as fallback.
func (in *Injector) PressKey(name string) error {
	ks := Keysym(name)
	if ks == 0 {
		return trace.BadParameter("unknown key %q", name)
	}
	in.log.Debug("press key", "key", name)
	if err := in.key(ks, true); err != nil {
		return err
	}
	in.pause(in.keyDelay)
	return in.key(ks, false)
}
