package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
)

// GenerateKey generates a random 32-byte key for AES-256
func GenerateKey() (string, error) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(key), nil
}

// Encrypt encrypts plain text into base64 cipher text using the given key
func Encrypt(plainText, key string) (string, error) {
	aesGCM, err := newGCM(key)
	if err != nil {
		return "", err
	}

	// Nonce size is specified by GCM
	nonce := make([]byte, aesGCM.NonceSize())
	if _, err = io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}

	cipherText := aesGCM.Seal(nonce, nonce, []byte(plainText), nil)
	return base64.StdEncoding.EncodeToString(cipherText), nil
}

// Decrypt decrypts base64 cipher text back into plain text using the given key
func Decrypt(encodedCipherText, key string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(encodedCipherText)
	if err != nil {
		return "", err
	}

	aesGCM, err := newGCM(key)
	if err != nil {
		return "", err
	}

	nonceSize := aesGCM.NonceSize()
	if len(data) < nonceSize {
		return "", fmt.Errorf("cipher text too short")
	}

	nonce, actualCipherText := data[:nonceSize], data[nonceSize:]

	plainText, err := aesGCM.Open(nil, nonce, actualCipherText, nil)
	if err != nil {
		return "", err
	}

	return string(plainText), nil
}

func newGCM(key string) (cipher.AEAD, error) {
	keyBytes, err := base64.StdEncoding.DecodeString(key)
	if err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(keyBytes)
	if err != nil {
		return nil, err
	}

	return cipher.NewGCM(block)
}

// KeyVault holds one sensitive value encrypted in memory. The SSH private key
// sits in a vault between process start and the moment a session is opened.
type KeyVault struct {
	key        string
	cipherText string
}

// NewKeyVault seals value under a fresh process-local key.
func NewKeyVault(value string) (*KeyVault, error) {
	key, err := GenerateKey()
	if err != nil {
		return nil, err
	}

	cipherText, err := Encrypt(value, key)
	if err != nil {
		return nil, err
	}

	return &KeyVault{key: key, cipherText: cipherText}, nil
}

// Open returns the sealed value.
func (v *KeyVault) Open() (string, error) {
	return Decrypt(v.cipherText, v.key)
}
