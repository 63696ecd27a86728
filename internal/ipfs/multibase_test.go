package ipfs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMultibaseRoundTrip(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"plain topic", "sleetbubble-stream"},
		{"empty", ""},
		{"unicode", "радио-поток"},
		{"json payload", `{"node_id":"node1","position":42}`},
		{"binary-ish", "\x00\x01\xfe\xff"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			encoded := MultibaseEncode([]byte(tt.input))
			require.True(t, len(encoded) >= 1)
			assert.Equal(t, byte('u'), encoded[0])

			decoded, err := MultibaseDecode(encoded)
			require.NoError(t, err)
			assert.Equal(t, tt.input, string(decoded))
		})
	}
}

func TestMultibaseDecodeRejectsOtherBases(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"base32 prefix", "borswg33nmuqho33smq"},
		{"base58 prefix", "zStV1DL6CwTryKyV"},
		{"empty string", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := MultibaseDecode(tt.input)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrDecode)
		})
	}
}

func TestMultibaseDecodeRejectsBadPayload(t *testing.T) {
	_, err := MultibaseDecode("u!!!not-base64!!!")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDecode)
}

func TestEncodeTopicMatchesWireContract(t *testing.T) {
	// url-safe alphabet, no padding.
	assert.Equal(t, "uc2xlZXRidWJibGUtc3RyZWFt", EncodeTopic("sleetbubble-stream"))
}
