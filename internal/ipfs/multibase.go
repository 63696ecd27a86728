package ipfs

import (
	"encoding/base64"
	"fmt"
	"strings"
)

// The Kubo pubsub RPC takes topic names and returns message payloads in
// multibase encoding. Only the 'u' base (url-safe base64, no padding) is
// spoken here; that is what the store emits and expects.
const multibasePrefix = "u"

// MultibaseEncode encodes raw bytes into the 'u' multibase representation.
func MultibaseEncode(data []byte) string {
	return multibasePrefix + base64.RawURLEncoding.EncodeToString(data)
}

// MultibaseDecode decodes a 'u'-prefixed multibase string. Payloads carrying
// any other base prefix are rejected.
func MultibaseDecode(s string) ([]byte, error) {
	if !strings.HasPrefix(s, multibasePrefix) {
		if s == "" {
			return nil, fmt.Errorf("%w: empty multibase string", ErrDecode)
		}
		return nil, fmt.Errorf("%w: unsupported multibase prefix %q", ErrDecode, s[:1])
	}
	raw, err := base64.RawURLEncoding.DecodeString(s[1:])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return raw, nil
}

// EncodeTopic converts a UTF-8 topic name into its on-the-wire form.
func EncodeTopic(topic string) string {
	return MultibaseEncode([]byte(topic))
}
