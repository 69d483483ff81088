// Package identifier converts storage-relative paths to opaque identifiers of
// the form "<hex hmac>:<path>" and back. The digest is keyed, so identifiers
// cannot be forged without the key, and rotating the key invalidates every
// identifier issued under the old one.
package identifier

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"

	"github.com/example/filevault/internal/apperr"
)

const (
	separator = ":"
	keyInfo   = "filevault identifier v1"
	keySize   = 32
)

// Codec encodes and decodes identifiers under a fixed key.
type Codec struct {
	key []byte
}

// New returns a Codec using key as-is.
func New(key []byte) (*Codec, error) {
	if len(key) == 0 {
		return nil, apperr.Invalid("identifier.new", "empty key")
	}
	k := make([]byte, len(key))
	copy(k, key)
	return &Codec{key: k}, nil
}

// FromSecret derives the codec key from a process secret with HKDF-SHA256 so
// the identifier key never equals the token signing key.
func FromSecret(secret []byte) (*Codec, error) {
	if len(secret) == 0 {
		return nil, apperr.Invalid("identifier.from_secret", "empty secret")
	}
	r := hkdf.New(sha256.New, secret, nil, []byte(keyInfo))
	key := make([]byte, keySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("identifier: derive key: %w", err)
	}
	return &Codec{key: key}, nil
}

// Encode returns the identifier for a relative path.
func (c *Codec) Encode(relPath string) string {
	return c.digest(relPath) + separator + relPath
}

// Decode verifies id and returns the relative path it carries.
func (c *Codec) Decode(id string) (string, error) {
	digest, relPath, ok := strings.Cut(id, separator)
	if !ok || digest == "" {
		return "", apperr.WithOp(apperr.ErrTampered, "identifier.decode")
	}
	want := c.digest(relPath)
	if !hmac.Equal([]byte(digest), []byte(want)) {
		return "", apperr.WithOp(apperr.ErrTampered, "identifier.decode")
	}
	return relPath, nil
}

func (c *Codec) digest(relPath string) string {
	mac := hmac.New(sha256.New, c.key)
	mac.Write([]byte(relPath))
	return hex.EncodeToString(mac.Sum(nil))
}
