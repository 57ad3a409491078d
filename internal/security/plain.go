package security

import (
	"crypto/rand"
	"encoding/base32"
	"fmt"

	"github.com/contemptx/usenetsync-sub001/internal/core"
)

// tokenEncoding is unpadded base32, safe in URLs and file names.
var tokenEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// newShareToken returns 32 random bytes encoded as an unpadded base32
// string. Shared by every Security implementation.
func newShareToken() (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generating share token: %w", err)
	}
	return tokenEncoding.EncodeToString(raw), nil
}

// PlainSecurity passes payloads through unencrypted. Use it when the
// transport target is already trusted, or in tests.
type PlainSecurity struct{}

// NewPlainSecurity creates a pass-through Security.
func NewPlainSecurity() *PlainSecurity { return &PlainSecurity{} }

var _ core.Security = (*PlainSecurity)(nil)

func (*PlainSecurity) Encrypt(folderID string, plaintext []byte) ([]byte, error) {
	out := make([]byte, len(plaintext))
	copy(out, plaintext)
	return out, nil
}

func (*PlainSecurity) Decrypt(folderID string, ciphertext []byte) ([]byte, error) {
	out := make([]byte, len(ciphertext))
	copy(out, ciphertext)
	return out, nil
}

func (*PlainSecurity) NewShareToken() (string, error) { return newShareToken() }
