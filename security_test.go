package rfbpanel

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChooseSecurity(t *testing.T) {
	tests := []struct {
		name     string
		offered  []SecurityType
		password string
		want     SecurityType
		warn     bool
		wantErr  bool
	}{
		{"password prefers vnc auth", []SecurityType{SecTypeNone, SecTypeVNCAuth}, "secret", SecTypeVNCAuth, false, false},
		{"no password uses none", []SecurityType{SecTypeNone, SecTypeVNCAuth}, "", SecTypeNone, false, false},
		{"unused password warns", []SecurityType{SecTypeNone}, "secret", SecTypeNone, true, false},
		{"auth required without password", []SecurityType{SecTypeVNCAuth}, "", 0, false, true},
		{"nothing in common", []SecurityType{SecurityType(19)}, "secret", 0, false, true},
		{"empty offer", nil, "", 0, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, warn, err := chooseSecurity(tt.offered, tt.password)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, IsCode(err, CodeAuth), "got %v", err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.warn, warn)
		})
	}
}

func TestMirrorBits(t *testing.T) {
	tests := map[byte]byte{
		0x00: 0x00,
		0xff: 0xff,
		0x01: 0x80,
		0x80: 0x01,
		0x02: 0x40,
		0xaa: 0x55,
		0x12: 0x48,
		0xc0: 0x03,
	}
	for in, want := range tests {
		assert.Equal(t, want, mirrorBits(in), "mirror of %#02x", in)
	}
	for b := 0; b < 256; b++ {
		assert.Equal(t, byte(b), mirrorBits(mirrorBits(byte(b))), "mirror is not an involution at %#02x", b)
	}
}

func TestVNCAuthKey(t *testing.T) {
	// Shorter passwords zero-pad, longer ones truncate at 8 bytes.
	assert.Equal(t, vncAuthKey("password"), vncAuthKey("passwordXYZ"))
	short := vncAuthKey("ab")
	assert.Equal(t, mirrorBits('a'), short[0])
	assert.Equal(t, mirrorBits('b'), short[1])
	assert.Equal(t, byte(0), short[2])
}

func TestEncodeSecurityResponse(t *testing.T) {
	challenge := bytes.Repeat([]byte{0x5a}, vncAuthChallengeLen)

	resp, err := EncodeSecurityResponse(challenge, "secret")
	require.NoError(t, err)
	require.Len(t, resp, vncAuthChallengeLen)
	assert.NotEqual(t, challenge, resp)

	// Deterministic for the same inputs, different for another password.
	again, err := EncodeSecurityResponse(challenge, "secret")
	require.NoError(t, err)
	assert.Equal(t, resp, again)

	other, err := EncodeSecurityResponse(challenge, "Secret")
	require.NoError(t, err)
	assert.NotEqual(t, resp, other)

	// Identical halves encrypt identically under ECB.
	assert.Equal(t, resp[:8], resp[8:])
}

func TestEncodeSecurityResponseBadChallenge(t *testing.T) {
	_, err := EncodeSecurityResponse(make([]byte, 8), "secret")
	require.Error(t, err)
	assert.True(t, IsCode(err, CodeDecode), "got %v", err)
}
