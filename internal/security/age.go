// Package security encrypts packed payloads and manifests before they
// reach the transport, and generates the random tokens behind shares.
package security

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"filippo.io/age"

	"github.com/contemptx/usenetsync-sub001/internal/core"
)

// AgeSecurity encrypts with filippo.io/age using one X25519 identity per
// folder. Identity files live under the key directory, named by folder id,
// and are generated on first use. Losing a folder's identity file makes
// everything posted for that folder unreadable.
type AgeSecurity struct {
	keyDir string

	mu         sync.Mutex
	identities map[string]*age.X25519Identity
}

// NewAgeSecurity creates an age-backed Security keeping its identities
// under keyDir.
func NewAgeSecurity(keyDir string) (*AgeSecurity, error) {
	if keyDir == "" {
		return nil, fmt.Errorf("age security requires a key directory")
	}
	if err := os.MkdirAll(keyDir, 0700); err != nil {
		return nil, fmt.Errorf("creating key directory: %w", err)
	}
	return &AgeSecurity{
		keyDir:     keyDir,
		identities: make(map[string]*age.X25519Identity),
	}, nil
}

var _ core.Security = (*AgeSecurity)(nil)

func (s *AgeSecurity) Encrypt(folderID string, plaintext []byte) ([]byte, error) {
	identity, err := s.identity(folderID, true)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, identity.Recipient())
	if err != nil {
		return nil, fmt.Errorf("creating encrypted writer: %w", err)
	}
	if _, err := w.Write(plaintext); err != nil {
		return nil, fmt.Errorf("encrypting payload: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("finalizing encryption: %w", err)
	}
	return buf.Bytes(), nil
}

func (s *AgeSecurity) Decrypt(folderID string, ciphertext []byte) ([]byte, error) {
	identity, err := s.identity(folderID, false)
	if err != nil {
		return nil, err
	}

	r, err := age.Decrypt(bytes.NewReader(ciphertext), identity)
	if err != nil {
		return nil, fmt.Errorf("creating decrypted reader: %w", err)
	}
	plaintext, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("decrypting payload: %w", err)
	}
	return plaintext, nil
}

func (s *AgeSecurity) NewShareToken() (string, error) { return newShareToken() }

// identity loads the folder's identity, generating and persisting a new
// one when create is set and no file exists yet.
func (s *AgeSecurity) identity(folderID string, create bool) (*age.X25519Identity, error) {
	if folderID == "" {
		return nil, fmt.Errorf("folder id is required for encryption")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if identity, ok := s.identities[folderID]; ok {
		return identity, nil
	}

	keyPath := filepath.Join(s.keyDir, folderID+".key")
	data, err := os.ReadFile(keyPath)
	if err == nil {
		identity, err := age.ParseX25519Identity(strings.TrimSpace(string(data)))
		if err != nil {
			return nil, fmt.Errorf("parsing identity for folder %s: %w", folderID, err)
		}
		s.identities[folderID] = identity
		return identity, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("reading identity file: %w", err)
	}
	if !create {
		return nil, fmt.Errorf("no identity for folder %s at %s", folderID, keyPath)
	}

	identity, err := age.GenerateX25519Identity()
	if err != nil {
		return nil, fmt.Errorf("generating identity: %w", err)
	}
	if err := os.WriteFile(keyPath, []byte(identity.String()+"\n"), 0600); err != nil {
		return nil, fmt.Errorf("writing identity file: %w", err)
	}
	s.identities[folderID] = identity
	return identity, nil
}
