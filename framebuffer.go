package rfbpanel

import (
	"bytes"
	"image"
	"image/png"
	"sync"
)

// Framebuffer is the canonical client-side copy of the remote display:
// 8-bit RGBA, row-major, top-left origin. It is safe for concurrent
// use. Apply, CopyRect and Resize take the write lock; snapshots take
// the read lock, so a reader observes every rectangle either fully
// applied or not at all, never a torn write.
type Framebuffer struct {
	mu      sync.RWMutex
	img     *image.RGBA
	applied uint64
}

// NewFramebuffer allocates a zero-filled buffer of the given size.
func NewFramebuffer(width, height int) *Framebuffer {
	return &Framebuffer{
		img: image.NewRGBA(image.Rect(0, 0, width, height)),
	}
}

// Size returns the current dimensions.
func (f *Framebuffer) Size() (width, height int) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.img.Rect.Dx(), f.img.Rect.Dy()
}

// Updates returns the number of rectangles applied since allocation or
// the last resize. A snapshot is only meaningful once this is nonzero.
func (f *Framebuffer) Updates() uint64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.applied
}

// checkBounds validates that a w x h region at (x, y) lies inside the
// buffer. Callers hold at least the read lock.
func (f *Framebuffer) checkBounds(op string, x, y, w, h int) error {
	fw, fh := f.img.Rect.Dx(), f.img.Rect.Dy()
	if x+w > fw || y+h > fh {
		return framebufferErr(op, ErrOutOfBounds,
			"%dx%d at (%d,%d) exceeds %dx%d framebuffer", w, h, x, y, fw, fh)
	}
	return nil
}

// Apply writes one decoded rectangle. The payload must be RGBA and
// exactly cover the rectangle; out-of-bounds or size-mismatched updates
// are rejected without touching any pixel.
func (f *Framebuffer) Apply(r Rectangle, rgba []byte) error {
	w, h := int(r.Width), int(r.Height)
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.checkBounds("apply", int(r.X), int(r.Y), w, h); err != nil {
		return err
	}
	if len(rgba) != w*h*4 {
		return framebufferErr("apply", ErrOutOfBounds,
			"payload is %d bytes, want %d for %dx%d", len(rgba), w*h*4, w, h)
	}
	for row := 0; row < h; row++ {
		dst := f.img.PixOffset(int(r.X), int(r.Y)+row)
		copy(f.img.Pix[dst:dst+w*4], rgba[row*w*4:(row+1)*w*4])
	}
	f.applied++
	return nil
}

// CopyRect moves a region that is already on screen, as directed by a
// CopyRect rectangle. Source and destination are both bounds-checked.
// The source is staged through a scratch buffer so overlapping regions
// copy correctly.
func (f *Framebuffer) CopyRect(r Rectangle, srcX, srcY uint16) error {
	w, h := int(r.Width), int(r.Height)
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.checkBounds("copyrect", int(srcX), int(srcY), w, h); err != nil {
		return err
	}
	if err := f.checkBounds("copyrect", int(r.X), int(r.Y), w, h); err != nil {
		return err
	}
	scratch := make([]byte, w*h*4)
	for row := 0; row < h; row++ {
		src := f.img.PixOffset(int(srcX), int(srcY)+row)
		copy(scratch[row*w*4:(row+1)*w*4], f.img.Pix[src:src+w*4])
	}
	for row := 0; row < h; row++ {
		dst := f.img.PixOffset(int(r.X), int(r.Y)+row)
		copy(f.img.Pix[dst:dst+w*4], scratch[row*w*4:(row+1)*w*4])
	}
	f.applied++
	return nil
}

// Resize reallocates the buffer for renegotiated dimensions. Pixels
// are zero-filled and the applied-update count starts over, so a
// capture is NoData again until the server repaints.
func (f *Framebuffer) Resize(width, height int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.img = image.NewRGBA(image.Rect(0, 0, width, height))
	f.applied = 0
}

// RGBA returns a deep copy of the current image, safe to keep while
// updates continue.
func (f *Framebuffer) RGBA() *image.RGBA {
	f.mu.RLock()
	defer f.mu.RUnlock()
	clone := *f.img
	clone.Pix = make([]byte, len(f.img.Pix))
	copy(clone.Pix, f.img.Pix)
	return &clone
}

// Frame returns a deep copy of the current image, or a NoData
// framebuffer error while nothing has been applied yet.
func (f *Framebuffer) Frame() (*image.RGBA, error) {
	f.mu.RLock()
	if f.applied == 0 {
		f.mu.RUnlock()
		return nil, framebufferErr("frame", ErrNoData, "no update applied yet")
	}
	f.mu.RUnlock()
	return f.RGBA(), nil
}

// SnapshotPNG encodes the current buffer as PNG. It fails with a
// NoData framebuffer error until at least one rectangle has been
// applied, so callers never mistake a blank allocation for a capture.
func (f *Framebuffer) SnapshotPNG() ([]byte, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.applied == 0 {
		return nil, framebufferErr("snapshot", ErrNoData, "no update applied yet")
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, f.img); err != nil {
		return nil, framebufferErr("snapshot", err, "encoding png")
	}
	return buf.Bytes(), nil
}
