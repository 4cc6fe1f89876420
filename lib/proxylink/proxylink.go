// Package proxylink builds fake-TLS access links for the telemt proxy.
package proxylink

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// fakeTLSMarker is the one-byte prefix proxy clients expect before the
// user secret in an obfuscated ("ee") secret blob.
const fakeTLSMarker = "ee"

// SecretLen is the length of a user secret in hex characters (16 raw bytes).
const SecretLen = 32

// Params holds everything needed to assemble an access link, read from the
// telemt config by internal/telemt.
type Params struct {
	Host      string
	Port      int
	TLSDomain string
}

// GenerateSecret returns 16 bytes from the system CSPRNG as 32 lowercase
// hex characters. A failing entropy source is not recoverable; callers
// propagate the error up rather than retrying.
func GenerateSecret() (string, error) {
	buf := make([]byte, SecretLen/2)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("reading random secret: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// FakeTLSSecret concatenates the marker byte, the user secret and the
// hex-encoded UTF-8 bytes of the TLS domain. No separators; this is the
// wire convention proxy clients parse.
func FakeTLSSecret(userSecret, tlsDomain string) string {
	return fakeTLSMarker + userSecret + hex.EncodeToString([]byte(tlsDomain))
}

// BuildLink assembles the tg://proxy URI for a user secret. The query
// string layout is fixed; clients match it byte for byte.
func BuildLink(params *Params, userSecret string) string {
	secret := FakeTLSSecret(userSecret, params.TLSDomain)
	return fmt.Sprintf("tg://proxy?server=%s&port=%d&secret=%s", params.Host, params.Port, secret)
}

// Username derives the proxy username for a Telegram identity. The mapping
// is deterministic and invertible, which guarantees one credential per
// identity in the telemt config.
func Username(telegramID int64) string {
	return fmt.Sprintf("tg_%d", telegramID)
}
