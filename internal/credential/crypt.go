package credential

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"io"
)

var (
	ErrEncryptionFailed = errors.New("credential: encryption failed")
	ErrDecryptionFailed = errors.New("credential: decryption failed")
)

// Keeper encrypts and decrypts second-factor seeds at rest with AES-256-GCM.
type Keeper struct {
	key []byte
}

// NewKeeper parses a hex-encoded 32-byte key.
func NewKeeper(keyHex string) (*Keeper, error) {
	key, err := hex.DecodeString(keyHex)
	if err != nil {
		return nil, errors.New("credential: second-factor key is not valid hex")
	}
	if len(key) != 32 {
		return nil, errors.New("credential: second-factor key must be 32 bytes")
	}
	return &Keeper{key: key}, nil
}

// Encrypt seals plaintext with a random nonce prepended to the ciphertext.
func (k *Keeper) Encrypt(plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(k.key)
	if err != nil {
		return nil, ErrEncryptionFailed
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, ErrEncryptionFailed
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, ErrEncryptionFailed
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt opens a sealed value produced by Encrypt.
func (k *Keeper) Decrypt(sealed []byte) ([]byte, error) {
	block, err := aes.NewCipher(k.key)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	if len(sealed) < gcm.NonceSize() {
		return nil, ErrDecryptionFailed
	}
	nonce, ciphertext := sealed[:gcm.NonceSize()], sealed[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}
