package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
)

var (
	ErrInvalidKeySize = errors.New("invalid key size")
	ErrEncryption     = errors.New("encryption failed")
	ErrDecryption     = errors.New("decryption failed")
)

// Encryptor provides a generic interface for encryption/decryption
type Encryptor interface {
	Encrypt(data []byte) ([]byte, error)
	Decrypt(data []byte) ([]byte, error)
}

// NewAESEncryptor creates a new AES-GCM encryptor
func NewAESEncryptor(key []byte) (Encryptor, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, ErrInvalidKeySize
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, ErrEncryption
	}

	return &aesEncryptor{gcm: gcm}, nil
}

type aesEncryptor struct {
	gcm cipher.AEAD
}

func (a *aesEncryptor) Encrypt(data []byte) ([]byte, error) {
	nonce := make([]byte, a.gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, ErrEncryption
	}
	return a.gcm.Seal(nonce, nonce, data, nil), nil
}

func (a *aesEncryptor) Decrypt(data []byte) ([]byte, error) {
	nonceSize := a.gcm.NonceSize()
	if len(data) < nonceSize {
		return nil, ErrDecryption
	}

	nonce, ciphertext := data[:nonceSize], data[nonceSize:]
	plaintext, err := a.gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrDecryption
	}
	return plaintext, nil
}

const sealedPrefix = "enc:v1:"

// FieldCipher seals free-text columns such as session notes. Sealed values
// are prefixed, so rows written while encryption was off still read back.
// A nil *FieldCipher stores text as is.
type FieldCipher struct {
	enc Encryptor
}

// NewFieldCipher takes a base64 encoded AES key of 16, 24 or 32 bytes.
// An empty key returns nil.
func NewFieldCipher(key string) (*FieldCipher, error) {
	if key == "" {
		return nil, nil
	}
	raw, err := base64.StdEncoding.DecodeString(key)
	if err != nil {
		return nil, fmt.Errorf("field key is not base64: %w", err)
	}
	enc, err := NewAESEncryptor(raw)
	if err != nil {
		return nil, err
	}
	return &FieldCipher{enc: enc}, nil
}

func (f *FieldCipher) Seal(plain string) (string, error) {
	if f == nil || plain == "" {
		return plain, nil
	}
	sealed, err := f.enc.Encrypt([]byte(plain))
	if err != nil {
		return "", err
	}
	return sealedPrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

func (f *FieldCipher) Open(stored string) (string, error) {
	if !strings.HasPrefix(stored, sealedPrefix) {
		return stored, nil
	}
	if f == nil {
		return "", fmt.Errorf("%w: value is sealed but no key is configured", ErrDecryption)
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(stored, sealedPrefix))
	if err != nil {
		return "", ErrDecryption
	}
	plain, err := f.enc.Decrypt(raw)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}
