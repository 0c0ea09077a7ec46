// Package rand generates short random identifiers.
package rand

import (
	cr "crypto/rand"
	"encoding/base32"
	"encoding/hex"
)

var enc = base32.StdEncoding.WithPadding(base32.NoPadding)

// ID16 returns a 16 character base32 id, used for device ids.
func ID16() string {
	var b [10]byte // 10 raw bytes → 16 base32 chars
	_, _ = cr.Read(b[:])
	return enc.EncodeToString(b[:])
}

// Nonce returns n random bytes hex encoded, for request signatures.
func Nonce(n int) string {
	b := make([]byte, n)
	_, _ = cr.Read(b)
	return hex.EncodeToString(b)
}
