package jose

import (
	"encoding/base64"
	"fmt"
)

// Base64URLEncode encodes with the URL-safe alphabet, unpadded, as required
// for every JOSE segment.
func Base64URLEncode(data []byte) string {
	return base64.RawURLEncoding.EncodeToString(data)
}

// Base64URLDecode restores the padding implied by the input length before
// decoding. A length of 1 mod 4 cannot result from any valid encoding and
// is rejected outright.
func Base64URLDecode(s string) ([]byte, error) {
	switch len(s) % 4 {
	case 1:
		return nil, fmt.Errorf("invalid base64url length: %d", len(s))
	case 2:
		s += "=="
	case 3:
		s += "="
	}
	data, err := base64.URLEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode base64url: %w", err)
	}
	return data, nil
}
