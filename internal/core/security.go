package core

// Security supplies per-folder encryption for packed payloads and manifests
// before they reach the transport, and generates unguessable share tokens.
type Security interface {
	// Encrypt encrypts plaintext with the key of the given folder,
	// creating the key on first use.
	Encrypt(folderID string, plaintext []byte) ([]byte, error)

	// Decrypt decrypts ciphertext with the key of the given folder.
	Decrypt(folderID string, ciphertext []byte) ([]byte, error)

	// NewShareToken returns a fresh random token. The token encodes
	// nothing about the share it will be attached to.
	NewShareToken() (string, error)
}
