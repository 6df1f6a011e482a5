// Package crypto provides AES-256-GCM authenticated encryption for sensitive
// values handled by the gateway: payload fields marked sensitive in
// configuration, exported audit data, and ad-hoc values encrypted through the
// admin CLI. AES-256-GCM is chosen because it provides both confidentiality
// and authenticated integrity, ensuring encrypted values cannot be silently
// tampered with in the backing store.
package crypto

import (
	"crypto/aes"
	stdcipher "crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

var (
	// ErrKeyLengthInvalid is returned when a key is not exactly 32 bytes (required for AES-256).
	ErrKeyLengthInvalid = errors.New("crypto: key must be exactly 32 bytes for AES-256")
	// ErrCiphertextCorrupted is returned when the ciphertext fails base64 decoding or is too short to contain a valid nonce.
	ErrCiphertextCorrupted = errors.New("crypto: ciphertext is corrupted or tampered")
	// ErrDecryptionFailed is returned when AES-GCM authentication or decryption fails, indicating tampering or a wrong key.
	ErrDecryptionFailed = errors.New("crypto: decryption operation failed")
	// ErrSaltTooShort is returned when the provided salt is fewer than 16 bytes, which would weaken PBKDF2 key derivation.
	ErrSaltTooShort = errors.New("crypto: salt must be at least 16 bytes")
)

// kdfIterations is the fixed PBKDF2-SHA256 iteration count. Changing it breaks
// the ability to re-derive existing keys, so it is a constant, not config.
const kdfIterations = 100000

// Cipher encrypts and decrypts values with a fixed 32-byte key.
type Cipher struct {
	key []byte
}

// NewCipher creates a cipher with a 32-byte key.
func NewCipher(key []byte) (*Cipher, error) {
	if len(key) != 32 {
		return nil, ErrKeyLengthInvalid
	}
	keyCopy := make([]byte, 32)
	copy(keyCopy, key)
	return &Cipher{key: keyCopy}, nil
}

// DeriveKeyFromPassword derives a 32-byte key from a password using
// PBKDF2-SHA256. If salt is nil a fresh random 16-byte salt is generated; the
// salt actually used is returned so the same key can be re-derived later.
func DeriveKeyFromPassword(password string, salt []byte) (key, usedSalt []byte, err error) {
	if salt == nil {
		salt, err = GenerateSalt(16)
		if err != nil {
			return nil, nil, err
		}
	}
	if len(salt) < 16 {
		return nil, nil, ErrSaltTooShort
	}
	key = pbkdf2.Key([]byte(password), salt, kdfIterations, 32, sha256.New)
	return key, salt, nil
}

// Encrypt encrypts plaintext bytes and returns a base64-encoded ciphertext.
// A fresh nonce is generated per call, so identical plaintexts never produce
// identical ciphertexts.
func (c *Cipher) Encrypt(plaintext []byte) (string, error) {
	block, err := aes.NewCipher(c.key)
	if err != nil {
		return "", err
	}

	aead, err := stdcipher.NewGCM(block)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}

	sealed := aead.Seal(nonce, nonce, plaintext, nil)
	return base64.URLEncoding.EncodeToString(sealed), nil
}

// EncryptString encrypts a string value.
func (c *Cipher) EncryptString(plaintext string) (string, error) {
	return c.Encrypt([]byte(plaintext))
}

// EncryptJSON serializes a value to JSON and encrypts the result.
func (c *Cipher) EncryptJSON(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return c.Encrypt(data)
}

// Decrypt decrypts a base64-encoded ciphertext and returns the plaintext bytes.
func (c *Cipher) Decrypt(encodedCiphertext string) ([]byte, error) {
	ciphertext, err := base64.URLEncoding.DecodeString(encodedCiphertext)
	if err != nil {
		return nil, ErrCiphertextCorrupted
	}

	block, err := aes.NewCipher(c.key)
	if err != nil {
		return nil, err
	}

	aead, err := stdcipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	nonceLen := aead.NonceSize()
	if len(ciphertext) < nonceLen {
		return nil, ErrCiphertextCorrupted
	}

	nonce := ciphertext[:nonceLen]
	plaintext, err := aead.Open(nil, nonce, ciphertext[nonceLen:], nil)
	if err != nil {
		return nil, ErrDecryptionFailed
	}

	return plaintext, nil
}

// DecryptString decrypts a ciphertext and returns the plaintext as a string.
func (c *Cipher) DecryptString(encodedCiphertext string) (string, error) {
	plaintext, err := c.Decrypt(encodedCiphertext)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

// DecryptJSON decrypts a ciphertext and unmarshals the plaintext into v.
func (c *Cipher) DecryptJSON(encodedCiphertext string, v any) error {
	plaintext, err := c.Decrypt(encodedCiphertext)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(plaintext, v); err != nil {
		return ErrDecryptionFailed
	}
	return nil
}

// GenerateKey creates a cryptographically secure random 32-byte key.
func GenerateKey() ([]byte, error) {
	key := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, err
	}
	return key, nil
}

// GenerateSalt creates a cryptographically secure random salt.
func GenerateSalt(length int) ([]byte, error) {
	if length < 16 {
		length = 16
	}
	salt := make([]byte, length)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, err
	}
	return salt, nil
}
