// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sealed

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"filippo.io/age"

	"github.com/tmbx/kwm/lib/secret"
)

// IdentityFileName is the file LoadOrCreate keeps the identity in.
const IdentityFileName = "password-seal.age-key"

// Sealer seals secrets to a single local identity.
type Sealer struct {
	identity  *age.X25519Identity
	recipient *age.X25519Recipient
}

// NewSealer returns a Sealer for the given private key. The key buffer
// is borrowed.
func NewSealer(privateKey *secret.Buffer) (*Sealer, error) {
	identity, err := age.ParseX25519Identity(strings.TrimSpace(privateKey.String()))
	if err != nil {
		return nil, fmt.Errorf("sealed: parsing private key: %w", err)
	}
	return &Sealer{identity: identity, recipient: identity.Recipient()}, nil
}

// LoadOrCreate reads the identity file in dir, generating and writing
// a fresh one (mode 0600) when it does not exist yet.
func LoadOrCreate(dir string) (*Sealer, error) {
	path := filepath.Join(dir, IdentityFileName)

	key, err := secret.ReadFromPath(path)
	if err == nil {
		defer key.Close()
		return NewSealer(key)
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("sealed: reading %s: %w", path, err)
	}

	keypair, err := GenerateKeypair()
	if err != nil {
		return nil, err
	}
	defer keypair.Close()

	temporary := path + ".tmp"
	if err := os.WriteFile(temporary, append(keypair.PrivateKey.Bytes(), '\n'), 0o600); err != nil {
		return nil, fmt.Errorf("sealed: writing identity: %w", err)
	}
	if err := os.Rename(temporary, path); err != nil {
		os.Remove(temporary)
		return nil, fmt.Errorf("sealed: installing identity: %w", err)
	}
	return NewSealer(keypair.PrivateKey)
}

// Recipient returns the public key secrets are sealed to.
func (s *Sealer) Recipient() string {
	return s.recipient.String()
}

// Seal encrypts plaintext. plaintext is borrowed.
func (s *Sealer) Seal(plaintext *secret.Buffer) ([]byte, error) {
	return encrypt(plaintext.Bytes(), []age.Recipient{s.recipient})
}

// Open decrypts ciphertext produced by Seal. The caller must Close the
// result.
func (s *Sealer) Open(ciphertext []byte) (*secret.Buffer, error) {
	return decrypt(ciphertext, s.identity)
}
