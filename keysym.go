package rfbpanel

import "strings"

// X11 keysym values for the control and navigation keys the injector
// accepts by name. Printable characters do not appear here: Latin-1
// characters are their own keysym.
const (
	KeyBackSpace uint32 = 0xff08
	KeyTab       uint32 = 0xff09
	KeyReturn    uint32 = 0xff0d
	KeyEscape    uint32 = 0xff1b
	KeyHome      uint32 = 0xff50
	KeyLeft      uint32 = 0xff51
	KeyUp        uint32 = 0xff52
	KeyRight     uint32 = 0xff53
	KeyDown      uint32 = 0xff54
	KeyPageUp    uint32 = 0xff55
	KeyPageDown  uint32 = 0xff56
	KeyEnd       uint32 = 0xff57
	KeyInsert    uint32 = 0xff63
	KeyDelete    uint32 = 0xffff
	KeySpace     uint32 = 0x20
	KeyF1        uint32 = 0xffbe
	KeyF2        uint32 = 0xffbf
	KeyF3        uint32 = 0xffc0
	KeyF4        uint32 = 0xffc1
	KeyF5        uint32 = 0xffc2
	KeyF6        uint32 = 0xffc3
	KeyF7        uint32 = 0xffc4
	KeyF8        uint32 = 0xffc5
	KeyF9        uint32 = 0xffc6
	KeyF10       uint32 = 0xffc7
	KeyF11       uint32 = 0xffc8
	KeyF12       uint32 = 0xffc9
)

// namedKeys resolves the key names accepted by PressKey. The aliases
// cover the abbreviations common VNC automation tools use, so scripts
// written against those tools keep working unchanged.
var namedKeys = map[string]uint32{
	"enter":     KeyReturn,
	"return":    KeyReturn,
	"tab":       KeyTab,
	"esc":       KeyEscape,
	"escape":    KeyEscape,
	"bsp":       KeyBackSpace,
	"backspace": KeyBackSpace,
	"del":       KeyDelete,
	"delete":    KeyDelete,
	"ins":       KeyInsert,
	"insert":    KeyInsert,
	"up":        KeyUp,
	"down":      KeyDown,
	"left":      KeyLeft,
	"right":     KeyRight,
	"home":      KeyHome,
	"end":       KeyEnd,
	"pgup":      KeyPageUp,
	"pageup":    KeyPageUp,
	"pgdn":      KeyPageDown,
	"pagedown":  KeyPageDown,
	"space":     KeySpace,
	"spc":       KeySpace,
	"f1":        KeyF1,
	"f2":        KeyF2,
	"f3":        KeyF3,
	"f4":        KeyF4,
	"f5":        KeyF5,
	"f6":        KeyF6,
	"f7":        KeyF7,
	"f8":        KeyF8,
	"f9":        KeyF9,
	"f10":       KeyF10,
	"f11":       KeyF11,
	"f12":       KeyF12,
}

// Keysym resolves a key name to its keysym. Lookup is case-insensitive.
// Unknown names fall back to the name's first character as a literal
// keysym, so single printable characters work without an alias. The
// name must be non-empty.
func Keysym(name string) uint32 {
	if ks, ok := namedKeys[strings.ToLower(name)]; ok {
		return ks
	}
	for _, r := range name {
		return charKeysym(r)
	}
	return 0
}

// charKeysym maps a character to its keysym. Printable Latin-1
// characters map to themselves and everything else uses the X11 Unicode
// keysym range, except the control characters with dedicated keysyms.
// Control characters without one map to zero.
func charKeysym(r rune) uint32 {
	switch r {
	case '\n', '\r':
		return KeyReturn
	case '\t':
		return KeyTab
	case '\b':
		return KeyBackSpace
	}
	if r < 0x20 || (r >= 0x7f && r < 0xa0) {
		return 0
	}
	if r < 0x100 {
		return uint32(r)
	}
	return 0x01000000 + uint32(r)
}
