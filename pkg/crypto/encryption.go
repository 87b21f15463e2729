// Package crypto encrypts at-rest secrets (IMAP passwords, OAuth tokens)
// with AES-256-CBC. Ciphertext format is "ivHex:ciphertextHex" so a stored
// value can be recognized and validated without decrypting it.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"regexp"
	"sync"
)

var (
	ErrInvalidKey        = errors.New("encryption key must be 64 hex characters (32 bytes)")
	ErrInvalidCiphertext = errors.New("invalid ciphertext")
	ErrDecryptionFailed  = errors.New("decryption failed")

	ciphertextRe = regexp.MustCompile(`^[0-9a-f]{32}:[0-9a-f]+$`)
)

// Encryptor handles AES-256-CBC encryption with PKCS#7 padding.
type Encryptor struct {
	block cipher.Block
}

// NewEncryptor creates an encryptor from a 64-hex-char key. Key length and
// hex validity are checked here, at startup, not at first use.
func NewEncryptor(keyHex string) (*Encryptor, error) {
	key, err := hex.DecodeString(keyHex)
	if err != nil || len(key) != 32 {
		return nil, ErrInvalidKey
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	return &Encryptor{block: block}, nil
}

// Encrypt returns "ivHex:ciphertextHex" for the given plaintext. Empty input
// encrypts to empty output.
func (e *Encryptor) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}

	iv := make([]byte, aes.BlockSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return "", fmt.Errorf("failed to generate iv: %w", err)
	}

	padded := pkcs7Pad([]byte(plaintext), aes.BlockSize)
	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(e.block, iv).CryptBlocks(ciphertext, padded)

	return hex.EncodeToString(iv) + ":" + hex.EncodeToString(ciphertext), nil
}

// Decrypt reverses Encrypt. Empty input decrypts to empty output.
func (e *Encryptor) Decrypt(value string) (string, error) {
	if value == "" {
		return "", nil
	}
	if !ciphertextRe.MatchString(value) {
		return "", ErrInvalidCiphertext
	}

	ivHex := value[:32]
	ctHex := value[33:]

	iv, err := hex.DecodeString(ivHex)
	if err != nil {
		return "", ErrInvalidCiphertext
	}
	ciphertext, err := hex.DecodeString(ctHex)
	if err != nil || len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return "", ErrInvalidCiphertext
	}

	plaintext := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(e.block, iv).CryptBlocks(plaintext, ciphertext)

	unpadded, err := pkcs7Unpad(plaintext, aes.BlockSize)
	if err != nil {
		return "", ErrDecryptionFailed
	}
	return string(unpadded), nil
}

// IsEncrypted reports whether a stored value looks like our ciphertext.
func IsEncrypted(s string) bool {
	return ciphertextRe.MatchString(s)
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padLen := blockSize - len(data)%blockSize
	padded := make([]byte, len(data)+padLen)
	copy(padded, data)
	for i := len(data); i < len(padded); i++ {
		padded[i] = byte(padLen)
	}
	return padded
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, ErrInvalidCiphertext
	}
	padLen := int(data[len(data)-1])
	if padLen == 0 || padLen > blockSize || padLen > len(data) {
		return nil, ErrInvalidCiphertext
	}
	for _, b := range data[len(data)-padLen:] {
		if int(b) != padLen {
			return nil, ErrInvalidCiphertext
		}
	}
	return data[:len(data)-padLen], nil
}

// Global instance, initialized once at startup from configuration.

var (
	globalEncryptor *Encryptor
	once            sync.Once
)

// Init sets up the global encryptor. The first call wins; the error of that
// call is returned to every caller.
func Init(keyHex string) error {
	var initErr error
	once.Do(func() {
		enc, err := NewEncryptor(keyHex)
		if err != nil {
			initErr = err
			return
		}
		globalEncryptor = enc
	})
	if globalEncryptor == nil && initErr == nil {
		initErr = ErrInvalidKey
	}
	return initErr
}

// Encrypt encrypts using the global encryptor.
func Encrypt(plaintext string) (string, error) {
	if globalEncryptor == nil {
		return "", errors.New("crypto not initialized")
	}
	return globalEncryptor.Encrypt(plaintext)
}

// Decrypt decrypts using the global encryptor.
func Decrypt(value string) (string, error) {
	if globalEncryptor == nil {
		return "", errors.New("crypto not initialized")
	}
	return globalEncryptor.Decrypt(value)
}
