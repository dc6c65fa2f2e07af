package core

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/bcrypt"
)

var (
	ErrInvalidEncryptionKey = errors.New("encryption key must be 32 bytes for AES-256")
	ErrInvalidCiphertext    = errors.New("invalid ciphertext")
)

// correlationIDBytes gives 256 bits of entropy per correlation ID.
const correlationIDBytes = 32

type CryptoService struct {
	encryptionKey []byte
	hashCost      int
}

// NewCryptoService creates a crypto service. An empty encryptionKey disables
// encryption at rest; otherwise the key must be exactly 32 bytes for AES-256.
func NewCryptoService(encryptionKey string, hashCost int) (*CryptoService, error) {
	key := []byte(encryptionKey)
	if len(key) != 0 && len(key) != 32 {
		return nil, ErrInvalidEncryptionKey
	}
	if hashCost == 0 {
		hashCost = bcrypt.DefaultCost
	}

	return &CryptoService{
		encryptionKey: key,
		hashCost:      hashCost,
	}, nil
}

func (cs *CryptoService) encrypting() bool {
	return len(cs.encryptionKey) != 0
}

// EncryptToken encrypts a token using AES-256-GCM.
// Returns base64-encoded ciphertext with nonce prepended, or the plaintext
// unchanged when no key is configured.
func (cs *CryptoService) EncryptToken(plaintext string) (string, error) {
	if !cs.encrypting() {
		return plaintext, nil
	}

	gcm, err := cs.gcm()
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)

	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

func (cs *CryptoService) DecryptToken(ciphertext string) (string, error) {
	if !cs.encrypting() {
		return ciphertext, nil
	}

	data, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("failed to decode base64: %w", err)
	}

	gcm, err := cs.gcm()
	if err != nil {
		return "", err
	}

	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return "", ErrInvalidCiphertext
	}

	nonce, cipherbytes := data[:nonceSize], data[nonceSize:]

	plaintext, err := gcm.Open(nil, nonce, cipherbytes, nil)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt: %w", err)
	}

	return string(plaintext), nil
}

func (cs *CryptoService) gcm() (cipher.AEAD, error) {
	block, err := aes.NewCipher(cs.encryptionKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}

// HashToken creates a bcrypt hash of a token for storage. The token is reduced
// to its SHA-256 digest first so bcrypt's 72-byte input limit never drops any
// part of it.
func (cs *CryptoService) HashToken(token string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword(digest(token), cs.hashCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash token: %w", err)
	}
	return string(hash), nil
}

// VerifyTokenHash reports whether token is exactly the value hash was made from.
func (cs *CryptoService) VerifyTokenHash(token, hash string) bool {
	err := bcrypt.CompareHashAndPassword([]byte(hash), digest(token))
	return err == nil
}

func digest(value string) []byte {
	sum := sha256.Sum256([]byte(value))
	return []byte(hex.EncodeToString(sum[:]))
}

// GenerateCorrelationID returns a fresh URL-safe random identifier.
func GenerateCorrelationID() (string, error) {
	idBytes := make([]byte, correlationIDBytes)
	if _, err := rand.Read(idBytes); err != nil {
		return "", fmt.Errorf("failed to generate correlation ID: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(idBytes), nil
}

// Fingerprint is a short, non-reversible digest used to bind a session token
// to the correlation it was issued for without persisting either in the clear.
func Fingerprint(value string) string {
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:16])
}
