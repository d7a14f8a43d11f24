package cryptoutil

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"io"

	"github.com/keithlinneman/edgeguard/internal/xerrors"
)

// HashEqual performs constant-time comparison of two strings (hex digests,
// tokens, signatures). It returns true if they are equal.
func HashEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// SHA256Hex computes the SHA-256 hash of the input data and returns it as a hex string
func SHA256Hex(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// Sign returns the unpadded base64url HMAC-SHA256 of msg under key.
func Sign(key, msg []byte) string {
	m := hmac.New(sha256.New, key)
	m.Write(msg)
	return base64.RawURLEncoding.EncodeToString(m.Sum(nil))
}

// Verify reports whether sig is Sign(key, msg), in constant time.
func Verify(key, msg []byte, sig string) bool {
	return HashEqual(Sign(key, msg), sig)
}

// Reader is the entropy source. Tests may swap it.
var Reader io.Reader = rand.Reader

// RandomBytes returns n bytes from Reader.
func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(Reader, b); err != nil {
		return nil, xerrors.Wrap(err, "read random bytes")
	}
	return b, nil
}
