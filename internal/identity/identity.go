// Package identity loads, generates and persists operator identities
// (ed25519 keypairs). The hex-encoded public key of an identity is the
// operator address recorded on the ledger, and transactions signed by the
// identity are what authorize register and deactivate calls.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
)

var ErrInvalidPublicKey = errors.New("invalid ed25519 public key")

// LoadOrCreateIdentity loads the key stored at keyPath, generating and
// saving a new one when the file is missing or empty. Key files are PEM
// encoded PKCS8 and written with 0600 permissions.
func LoadOrCreateIdentity(keyPath string) (*Identity, error) {
	info, err := os.Stat(keyPath)
	if os.IsNotExist(err) || (err == nil && info.Size() == 0) {
		id, err := Generate()
		if err != nil {
			return nil, err
		}
		if err := id.Save(keyPath); err != nil {
			return nil, err
		}
		return id, nil
	}
	if err != nil {
		return nil, err
	}

	return Load(keyPath)
}

// Generate creates a fresh in-memory identity.
func Generate() (*Identity, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	return NewIdentity(priv), nil
}

// Load reads an existing key file.
func Load(keyPath string) (*Identity, error) {
	keyData, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, err
	}

	pemBlock, _ := pem.Decode(keyData)
	if pemBlock == nil {
		return nil, errors.New("failed to decode PEM block from key file")
	}

	genericKey, err := x509.ParsePKCS8PrivateKey(pemBlock.Bytes)
	if err != nil {
		return nil, err
	}

	privKey, ok := genericKey.(ed25519.PrivateKey)
	if !ok {
		return nil, errors.New("key is not an ed25519 private key")
	}

	return NewIdentity(privKey), nil
}

// Save writes the private key to keyPath, replacing any existing file.
func (i *Identity) Save(keyPath string) error {
	x509Encoded, err := x509.MarshalPKCS8PrivateKey(i.privateKey)
	if err != nil {
		return err
	}

	file, err := os.OpenFile(keyPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	defer file.Close()

	return pem.Encode(file, &pem.Block{Type: "PRIVATE KEY", Bytes: x509Encoded})
}

// ParsePublicKeyHex decodes an operator address back into a public key.
func ParsePublicKeyHex(s string) (ed25519.PublicKey, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: got %d bytes", ErrInvalidPublicKey, len(raw))
	}
	return ed25519.PublicKey(raw), nil
}
