// Package authserver implements the server side of the device-flow
// authorization engine: device sessions, session tokens and the synthetic
// authorization-code bridge.
package authserver

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

const (
	// DeviceCodeBytes is the entropy of internally issued device codes.
	// 32 bytes gives 256 bits, hex encoded to 64 characters.
	DeviceCodeBytes = 32

	// TokenBytes is the entropy of minted session token values.
	TokenBytes = 32

	// TempCodeBytes is the entropy of temporary authorization codes.
	TempCodeBytes = 16
)

// generateSecureCode returns a hex-encoded cryptographically random code of
// n bytes of entropy.
func generateSecureCode(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("reading random bytes: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
