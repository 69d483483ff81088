package secret

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/zalando/go-keyring"
	"golang.org/x/crypto/chacha20poly1305"
)

const sealedPrefix = "xc20p1:"

// ErrUnsealable is returned when a sealed value cannot be opened, either
// because it is malformed or because the master key differs.
var ErrUnsealable = errors.New("secret: sealed value cannot be opened")

// Sealer protects a secret at rest with authenticated encryption. The name the
// value is stored under is bound as associated data.
type Sealer interface {
	Seal(name string, plaintext []byte) (string, error)
	Open(name, sealed string) ([]byte, error)
}

// AEADSealer seals with XChaCha20-Poly1305 under a 32-byte master key.
type AEADSealer struct {
	aead cipher.AEAD
}

// NewStaticSealer derives the master key from a configured passphrase. The
// passphrase is hashed with SHA-256 to the key size.
func NewStaticSealer(passphrase string) (*AEADSealer, error) {
	if passphrase == "" {
		return nil, errors.New("secret: empty master key")
	}
	key := sha256.Sum256([]byte(passphrase))
	return newAEADSealer(key[:])
}

func newAEADSealer(key []byte) (*AEADSealer, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("create xchacha20: %w", err)
	}
	return &AEADSealer{aead: aead}, nil
}

func (s *AEADSealer) Seal(name string, plaintext []byte) (string, error) {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	out := s.aead.Seal(nonce, nonce, plaintext, []byte(name))
	return sealedPrefix + base64.RawStdEncoding.EncodeToString(out), nil
}

func (s *AEADSealer) Open(name, sealed string) ([]byte, error) {
	encoded, ok := strings.CutPrefix(sealed, sealedPrefix)
	if !ok {
		return nil, ErrUnsealable
	}
	data, err := base64.RawStdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, ErrUnsealable
	}
	ns := s.aead.NonceSize()
	if len(data) < ns+s.aead.Overhead() {
		return nil, ErrUnsealable
	}
	plaintext, err := s.aead.Open(nil, data[:ns], data[ns:], []byte(name))
	if err != nil {
		return nil, ErrUnsealable
	}
	return plaintext, nil
}

// NewKeyringSealer keeps the master key in the operating system keyring
// (Keychain, Secret Service, Windows Credential Manager) under service/user,
// creating it on first use.
func NewKeyringSealer(service, user string) (*AEADSealer, error) {
	encoded, err := keyring.Get(service, user)
	if errors.Is(err, keyring.ErrNotFound) {
		key := make([]byte, chacha20poly1305.KeySize)
		if _, err := io.ReadFull(rand.Reader, key); err != nil {
			return nil, fmt.Errorf("generate master key: %w", err)
		}
		encoded = base64.StdEncoding.EncodeToString(key)
		if err := keyring.Set(service, user, encoded); err != nil {
			return nil, fmt.Errorf("store master key in keyring: %w", err)
		}
		// Re-read in case another process stored its key first. This narrows
		// but does not close the first-run race: a process whose key is
		// overwritten after this read seals values that later fail with
		// ErrUnsealable.
		encoded, err = keyring.Get(service, user)
	}
	if err != nil {
		return nil, fmt.Errorf("read master key from keyring: %w", err)
	}
	key, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil || len(key) != chacha20poly1305.KeySize {
		return nil, errors.New("secret: keyring master key is malformed")
	}
	return newAEADSealer(key)
}
