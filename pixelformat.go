package rfbpanel

import (
	"encoding/binary"
	"fmt"
)

// pixelFormatLen is the wire size of a PixelFormat: 13 meaningful bytes
// plus 3 of padding.
const pixelFormatLen = 16

// PixelFormat describes how the server packs a pixel into bytes. The
// session honors whatever format the server advertises in server-init
// (or the one we request) and converts incoming pixels to RGBA with it.
type PixelFormat struct {
	BPP        uint8
	Depth      uint8
	BigEndian  uint8
	TrueColor  uint8
	RedMax     uint16
	GreenMax   uint16
	BlueMax    uint16
	RedShift   uint8
	GreenShift uint8
	BlueShift  uint8
}

// RGBA32PixelFormat is 32 bits per pixel, little endian, red in the low
// byte. Requesting it shifts the conversion work onto the server.
func RGBA32PixelFormat() PixelFormat {
	return PixelFormat{
		BPP: 32, Depth: 24, BigEndian: 0, TrueColor: 1,
		RedMax: 255, GreenMax: 255, BlueMax: 255,
		RedShift: 0, GreenShift: 8, BlueShift: 16,
	}
}

// RGB565PixelFormat is the native format of small embedded panels that
// scan out 16-bit framebuffers (Qt Embedded targets among them).
func RGB565PixelFormat() PixelFormat {
	return PixelFormat{
		BPP: 16, Depth: 16, BigEndian: 0, TrueColor: 1,
		RedMax: 31, GreenMax: 63, BlueMax: 31,
		RedShift: 11, GreenShift: 5, BlueShift: 0,
	}
}

// BGR233PixelFormat is the classic 8-bit true-color layout: blue in the
// top two bits, green and red below it.
func BGR233PixelFormat() PixelFormat {
	return PixelFormat{
		BPP: 8, Depth: 8, BigEndian: 0, TrueColor: 1,
		RedMax: 7, GreenMax: 7, BlueMax: 3,
		RedShift: 0, GreenShift: 3, BlueShift: 6,
	}
}

func (pf PixelFormat) String() string {
	order := "le"
	if pf.BigEndian != 0 {
		order = "be"
	}
	return fmt.Sprintf("%dbpp depth %d %s max %d/%d/%d shift %d/%d/%d",
		pf.BPP, pf.Depth, order,
		pf.RedMax, pf.GreenMax, pf.BlueMax,
		pf.RedShift, pf.GreenShift, pf.BlueShift)
}

// bytesPerPixel returns the storage size of one pixel.
func (pf PixelFormat) bytesPerPixel() int { return int(pf.BPP) / 8 }

func (pf PixelFormat) byteOrder() binary.ByteOrder {
	if pf.BigEndian != 0 {
		return binary.BigEndian
	}
	return binary.LittleEndian
}

// validate rejects formats this client cannot convert. Only true-color
// 8, 16 and 32 bit formats are supported; palette (color map) formats
// are not.
func (pf PixelFormat) validate() error {
	switch pf.BPP {
	case 8, 16, 32:
	default:
		return decodeErr("pixel format", "unsupported bits per pixel %d", pf.BPP)
	}
	if pf.TrueColor == 0 {
		return decodeErr("pixel format", "palette (color map) pixel formats not supported")
	}
	if pf.RedMax == 0 || pf.GreenMax == 0 || pf.BlueMax == 0 {
		return decodeErr("pixel format", "true color format with zero channel maximum")
	}
	return nil
}

// decodePixelFormat parses the 16-byte wire form.
func decodePixelFormat(buf []byte) (PixelFormat, int, error) {
	if len(buf) < pixelFormatLen {
		return PixelFormat{}, 0, ErrIncomplete
	}
	pf := PixelFormat{
		BPP:        buf[0],
		Depth:      buf[1],
		BigEndian:  buf[2],
		TrueColor:  buf[3],
		RedMax:     binary.BigEndian.Uint16(buf[4:6]),
		GreenMax:   binary.BigEndian.Uint16(buf[6:8]),
		BlueMax:    binary.BigEndian.Uint16(buf[8:10]),
		RedShift:   buf[10],
		GreenShift: buf[11],
		BlueShift:  buf[12],
	}
	if err := pf.validate(); err != nil {
		return PixelFormat{}, 0, err
	}
	return pf, pixelFormatLen, nil
}

// encode produces the 16-byte wire form.
func (pf PixelFormat) encode() []byte {
	buf := make([]byte, pixelFormatLen)
	buf[0] = pf.BPP
	buf[1] = pf.Depth
	buf[2] = pf.BigEndian
	buf[3] = pf.TrueColor
	binary.BigEndian.PutUint16(buf[4:6], pf.RedMax)
	binary.BigEndian.PutUint16(buf[6:8], pf.GreenMax)
	binary.BigEndian.PutUint16(buf[8:10], pf.BlueMax)
	buf[10] = pf.RedShift
	buf[11] = pf.GreenShift
	buf[12] = pf.BlueShift
	return buf
}

// pixel reads one pixel from b in the format's byte order. b must hold
// at least bytesPerPixel bytes.
func (pf PixelFormat) pixel(b []byte) uint32 {
	switch pf.BPP {
	case 8:
		return uint32(b[0])
	case 16:
		return uint32(pf.byteOrder().Uint16(b))
	default:
		return pf.byteOrder().Uint32(b)
	}
}

// rgba expands a packed pixel into 8-bit channels, scaling each by its
// negotiated maximum.
func (pf PixelFormat) rgba(px uint32) (r, g, b uint8) {
	r = uint8((px >> pf.RedShift & uint32(pf.RedMax)) * 255 / uint32(pf.RedMax))
	g = uint8((px >> pf.GreenShift & uint32(pf.GreenMax)) * 255 / uint32(pf.GreenMax))
	b = uint8((px >> pf.BlueShift & uint32(pf.BlueMax)) * 255 / uint32(pf.BlueMax))
	return r, g, b
}

// rgbaFromRaw converts a raw rectangle payload in this format into the
// canonical RGBA layout, row-major, alpha forced opaque.
func (pf PixelFormat) rgbaFromRaw(raw []byte, w, h int) ([]byte, error) {
	bpp := pf.bytesPerPixel()
	n := w * h
	if len(raw) != n*bpp {
		return nil, decodeErr("raw pixels", "payload is %d bytes, want %d for %dx%d at %d bpp",
			len(raw), n*bpp, w, h, pf.BPP)
	}
	out := make([]byte, n*4)
	for i := 0; i < n; i++ {
		r, g, b := pf.rgba(pf.pixel(raw[i*bpp:]))
		out[i*4+0] = r
		out[i*4+1] = g
		out[i*4+2] = b
		out[i*4+3] = 0xff
	}
	return out, nil
}
