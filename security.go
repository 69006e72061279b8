package rfbpanel

import (
	"crypto/des"
	"fmt"
)

// vncAuthChallengeLen is the fixed size of the VNC Authentication
// challenge and its response.
const vncAuthChallengeLen = 16

// chooseSecurity picks the strongest mutually supported security type
// from the server's offer. The shared-secret challenge is preferred
// whenever a password is configured; "none" is the fallback. The bool
// result reports whether a password was configured but the server
// offered nothing that uses it.
func chooseSecurity(offered []SecurityType, password string) (SecurityType, bool, error) {
	var hasNone, hasVNCAuth bool
	for _, t := range offered {
		switch t {
		case SecTypeNone:
			hasNone = true
		case SecTypeVNCAuth:
			hasVNCAuth = true
		}
	}
	switch {
	case hasVNCAuth && password != "":
		return SecTypeVNCAuth, false, nil
	case hasNone:
		return SecTypeNone, password != "", nil
	case hasVNCAuth:
		return SecTypeVNCAuth, false, authErr("security",
			"server requires a password but none is configured", nil)
	default:
		return 0, false, authErr("security",
			fmt.Sprintf("no mutually supported security type in %v", offered), nil)
	}
}

// EncodeSecurityResponse produces the 16-byte VNC Authentication
// response: DES in ECB mode over the challenge, keyed with the password
// truncated or zero-padded to 8 bytes. The protocol keys DES with the
// bits of each password byte mirrored relative to the usual convention,
// so the key bytes are bit-reversed before use.
func EncodeSecurityResponse(challenge []byte, password string) ([]byte, error) {
	if len(challenge) != vncAuthChallengeLen {
		return nil, decodeErr("security", "challenge is %d bytes, want %d", len(challenge), vncAuthChallengeLen)
	}
	block, err := des.NewCipher(vncAuthKey(password))
	if err != nil {
		return nil, authErr("security", "initializing challenge cipher", err)
	}
	response := make([]byte, vncAuthChallengeLen)
	block.Encrypt(response[:8], challenge[:8])
	block.Encrypt(response[8:], challenge[8:])
	return response, nil
}

// vncAuthKey builds the 8-byte DES key from a password.
func vncAuthKey(password string) []byte {
	key := make([]byte, 8)
	copy(key, password)
	for i, b := range key {
		key[i] = mirrorBits(b)
	}
	return key
}

// mirrorBits reverses the bit order of b.
func mirrorBits(b byte) byte {
	b = (b >> 4) | (b << 4)
	b = ((b & 0xcc) >> 2) | ((b & 0x33) << 2)
	b = ((b & 0xaa) >> 1) | ((b & 0x55) << 1)
	return b
}
