package ca

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/ssh"
)

// KeyPair represents a CA key pair
type KeyPair struct {
	Signer    ssh.Signer
	PublicKey ssh.PublicKey
	KeyType   string
}

// LoadKeyPair loads the CA private key from an OpenSSH or PEM file
func LoadKeyPair(privatePath string) (*KeyPair, error) {
	privateBytes, err := os.ReadFile(privatePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read private key: %w", err)
	}
	return ParseKeyPair(privateBytes)
}

// ParseKeyPair parses an unencrypted CA private key
func ParseKeyPair(privateBytes []byte) (*KeyPair, error) {
	signer, err := ssh.ParsePrivateKey(privateBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	return &KeyPair{
		Signer:    signer,
		PublicKey: signer.PublicKey(),
		KeyType:   signer.PublicKey().Type(),
	}, nil
}

// LoadOrGenerateKeyPair loads an existing key pair or generates and
// persists a new one when the private key file does not exist
func LoadOrGenerateKeyPair(privatePath, publicPath, keyType string) (*KeyPair, error) {
	_, err := os.Stat(privatePath)
	if err == nil {
		return LoadKeyPair(privatePath)
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to stat private key: %w", err)
	}

	kp, key, err := GenerateKeyPair(keyType)
	if err != nil {
		return nil, err
	}
	if err := saveKeyPair(kp, key, privatePath, publicPath); err != nil {
		return nil, fmt.Errorf("failed to save key pair: %w", err)
	}
	return kp, nil
}

// GenerateKeyPair creates a fresh CA key of the given type
func GenerateKeyPair(keyType string) (*KeyPair, crypto.Signer, error) {
	var key crypto.Signer

	switch keyType {
	case "ed25519":
		_, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to generate ed25519 key: %w", err)
		}
		key = priv

	case "rsa":
		priv, err := rsa.GenerateKey(rand.Reader, 4096)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to generate RSA key: %w", err)
		}
		key = priv

	case "ecdsa":
		priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to generate ECDSA key: %w", err)
		}
		key = priv

	default:
		return nil, nil, fmt.Errorf("unsupported key type: %s", keyType)
	}

	signer, err := ssh.NewSignerFromKey(key)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create SSH signer: %w", err)
	}

	return &KeyPair{
		Signer:    signer,
		PublicKey: signer.PublicKey(),
		KeyType:   keyType,
	}, key, nil
}

func saveKeyPair(kp *KeyPair, key crypto.Signer, privatePath, publicPath string) error {
	if err := os.MkdirAll(filepath.Dir(privatePath), 0700); err != nil {
		return fmt.Errorf("failed to create directory for private key: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(publicPath), 0755); err != nil {
		return fmt.Errorf("failed to create directory for public key: %w", err)
	}

	block, err := ssh.MarshalPrivateKey(key, "sshca")
	if err != nil {
		return fmt.Errorf("failed to marshal private key: %w", err)
	}
	if err := os.WriteFile(privatePath, pem.EncodeToMemory(block), 0600); err != nil {
		return fmt.Errorf("failed to write private key: %w", err)
	}

	if err := os.WriteFile(publicPath, ssh.MarshalAuthorizedKey(kp.PublicKey), 0644); err != nil {
		return fmt.Errorf("failed to write public key: %w", err)
	}

	return nil
}

// PublicKeyString returns the public key in authorized_keys format
// without the trailing newline
func (kp *KeyPair) PublicKeyString() string {
	return strings.TrimSpace(string(ssh.MarshalAuthorizedKey(kp.PublicKey)))
}
