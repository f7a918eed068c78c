// Package security provides the opt-in encryption, compression and hashing
// applied to payloads before they are split into units.
package security

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// ErrDecrypt is returned when a ciphertext fails authentication.
var ErrDecrypt = errors.New("decrypt: authentication failed")

// Cipher encrypts payloads and hashes units.
type Cipher interface {
	Encrypt(dataID string, plaintext []byte) ([]byte, error)
	Decrypt(dataID string, ciphertext []byte) ([]byte, error)
	Hash(data []byte) string
}

// ContentHash returns the hex SHA-256 of data.
func ContentHash(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// KeyFromSecret derives a master key from a shared secret string.
func KeyFromSecret(secret string) [32]byte {
	return sha256.Sum256([]byte("objectmesh-master:" + secret))
}

// Box is a Cipher using XChaCha20-Poly1305 with a per-object key derived from
// the master key and the data id. Output is nonce || ciphertext, and the data
// id is bound as associated data so a payload cannot be replayed under
// another id.
type Box struct {
	masterKey [32]byte
}

// NewBox creates a Box from a master key.
func NewBox(masterKey [32]byte) *Box {
	return &Box{masterKey: masterKey}
}

func (b *Box) Encrypt(dataID string, plaintext []byte) ([]byte, error) {
	key, err := b.deriveKey(dataID)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}

	out := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(out); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return aead.Seal(out, out, plaintext, []byte(dataID)), nil
}

func (b *Box) Decrypt(dataID string, ciphertext []byte) ([]byte, error) {
	key, err := b.deriveKey(dataID)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	if len(ciphertext) < aead.NonceSize()+aead.Overhead() {
		return nil, fmt.Errorf("%w: ciphertext too short", ErrDecrypt)
	}

	nonce, sealed := ciphertext[:aead.NonceSize()], ciphertext[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, sealed, []byte(dataID))
	if err != nil {
		return nil, ErrDecrypt
	}
	if plaintext == nil {
		plaintext = []byte{}
	}
	return plaintext, nil
}

func (b *Box) Hash(data []byte) string {
	return ContentHash(data)
}

func (b *Box) deriveKey(dataID string) ([32]byte, error) {
	var key [32]byte
	r := hkdf.New(sha256.New, b.masterKey[:], []byte(dataID), []byte("objectmesh-object"))
	if _, err := io.ReadFull(r, key[:]); err != nil {
		return key, fmt.Errorf("derive key: %w", err)
	}
	return key, nil
}
