package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// DigestBytes returns the raw SHA-256 digest bytes.
func DigestBytes(data []byte) []byte {
	sum := sha256.Sum256(data)
	return sum[:]
}

// DigestHex returns the SHA-256 digest as lowercase hex.
func DigestHex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// DigestWithPrefix returns the SHA-256 digest with the "sha256:" prefix.
func DigestWithPrefix(data []byte) string {
	return "sha256:" + DigestHex(data)
}

// SignHMAC returns HMAC-SHA256(secret, data).
func SignHMAC(secret, data []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write(data)
	return mac.Sum(nil)
}

// VerifyHMAC reports whether sig is the HMAC-SHA256 of data under secret.
// The comparison runs in constant time.
func VerifyHMAC(secret, data, sig []byte) bool {
	return hmac.Equal(SignHMAC(secret, data), sig)
}
