// Package credcrypto encrypts provider credentials and TOTP secrets at
// rest. Keys are derived from the long-term application secret with a
// fixed per-use salt, so TOTP material and firewall credentials never
// share a key.
package credcrypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/pbkdf2"

	"github.com/aegisproxy/aegis/backend/internal/errdefs"
)

const (
	// SaltTOTP derives the key for user TOTP secrets.
	SaltTOTP = "totp-encryption-salt"
	// SaltCertCredentials derives the key for DNS and firewall provider
	// credentials.
	SaltCertCredentials = "cert-credential-salt"

	iterations = 100000
	keyLen     = 32
	ivLen      = 16
	tagLen     = 16
)

// Crypter seals and opens credential payloads with AES-256-GCM. Safe for
// concurrent use.
type Crypter struct {
	aead cipher.AEAD
}

// New derives a key from secret and salt and returns a ready Crypter.
// The same (secret, salt) pair must be used to decrypt what was encrypted,
// so the application secret must never rotate while encrypted rows exist.
func New(secret, salt string) (*Crypter, error) {
	if secret == "" {
		return nil, fmt.Errorf("%w: encryption secret is empty", errdefs.ErrInvalidInput)
	}

	key := pbkdf2.Key([]byte(secret), []byte(salt), iterations, keyLen, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	// 16-byte IVs for compatibility with existing stored payloads.
	aead, err := cipher.NewGCMWithNonceSize(block, ivLen)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return &Crypter{aead: aead}, nil
}

// Encrypt seals plaintext into the hex envelope `iv:tag:ciphertext`.
func (c *Crypter) Encrypt(plaintext []byte) (string, error) {
	iv := make([]byte, ivLen)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return "", fmt.Errorf("generate iv: %w", err)
	}

	sealed := c.aead.Seal(nil, iv, plaintext, nil)
	ct := sealed[:len(sealed)-tagLen]
	tag := sealed[len(sealed)-tagLen:]

	return hex.EncodeToString(iv) + ":" + hex.EncodeToString(tag) + ":" + hex.EncodeToString(ct), nil
}

// Decrypt opens an envelope produced by Encrypt. Anything that does not
// split into exactly three hex fields with a 16-byte iv and tag is
// rejected before the AEAD sees it.
func (c *Crypter) Decrypt(envelope string) ([]byte, error) {
	parts := strings.Split(envelope, ":")
	if len(parts) != 3 {
		return nil, fmt.Errorf("%w: encrypted payload must have iv:tag:ciphertext fields", errdefs.ErrInvalidInput)
	}

	iv, err := hex.DecodeString(parts[0])
	if err != nil {
		return nil, fmt.Errorf("%w: malformed iv field", errdefs.ErrInvalidInput)
	}
	tag, err := hex.DecodeString(parts[1])
	if err != nil {
		return nil, fmt.Errorf("%w: malformed tag field", errdefs.ErrInvalidInput)
	}
	ct, err := hex.DecodeString(parts[2])
	if err != nil {
		return nil, fmt.Errorf("%w: malformed ciphertext field", errdefs.ErrInvalidInput)
	}
	if len(iv) != ivLen || len(tag) != tagLen {
		return nil, fmt.Errorf("%w: iv or tag has wrong length", errdefs.ErrInvalidInput)
	}

	plaintext, err := c.aead.Open(nil, iv, append(ct, tag...), nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt credentials: %w", err)
	}
	return plaintext, nil
}

// EncryptJSON marshals v and seals it.
func (c *Crypter) EncryptJSON(v any) (string, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal credentials: %w", err)
	}
	return c.Encrypt(payload)
}

// DecryptJSON opens an envelope and unmarshals the payload into v.
func (c *Crypter) DecryptJSON(envelope string, v any) error {
	payload, err := c.Decrypt(envelope)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("unmarshal credentials: %w", err)
	}
	return nil
}
