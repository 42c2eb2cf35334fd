package crypto

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
)

// MinSecretSize is the minimum HMAC secret length in bytes.
const MinSecretSize = 32

// LoadSecret reads an HMAC secret from a file.
// Supported formats:
// - "hex:" or "base64:" prefixed text
// - bare hex or standard base64 text
// - any other content is used verbatim after trimming whitespace
func LoadSecret(path string) ([]byte, error) {
	// #nosec G304 -- path is operator-configured.
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return DecodeSecret(string(raw))
}

// DecodeSecret decodes an inline secret value using the same rules as LoadSecret.
func DecodeSecret(value string) ([]byte, error) {
	trim := strings.TrimSpace(value)
	if trim == "" {
		return nil, fmt.Errorf("empty secret")
	}

	var out []byte
	switch {
	case strings.HasPrefix(trim, "base64:"):
		decoded, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(trim, "base64:"))
		if err != nil {
			return nil, fmt.Errorf("decode base64 secret: %w", err)
		}
		out = decoded
	case strings.HasPrefix(trim, "hex:"):
		decoded, err := hex.DecodeString(strings.TrimPrefix(trim, "hex:"))
		if err != nil {
			return nil, fmt.Errorf("decode hex secret: %w", err)
		}
		out = decoded
	default:
		if decoded, err := hex.DecodeString(trim); err == nil && len(decoded) >= MinSecretSize {
			out = decoded
		} else {
			out = []byte(trim)
		}
	}

	if len(out) < MinSecretSize {
		return nil, fmt.Errorf("%w: got %d bytes, need %d", ErrSecretTooShort, len(out), MinSecretSize)
	}
	return out, nil
}
