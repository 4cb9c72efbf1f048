// Package cipher implements the versioned authenticated envelope used to
// persist order intents and deployment secrets at rest.
package cipher

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/scrypt"
)

const (
	version   = "v1"
	ivLen     = 12 // 96-bit GCM nonce
	tagLen    = 16 // 128-bit GCM tag
	keyLen    = 32 // AES-256
	minPassLen = 16

	scryptN = 1 << 15
	scryptR = 8
	scryptP = 1
)

// appSalt is a fixed, application-specific scrypt salt. It is not a secret;
// the passphrase is what provides confidentiality.
var appSalt = []byte("deploy-control-plane.v1.cipher.salt")

// ErrShortPassphrase is returned when the passphrase is below the minimum length.
var ErrShortPassphrase = errors.New("cipher: passphrase must be at least 16 bytes")

// ErrInvalidEnvelope is returned when a ciphertext string fails structural or
// authentication validation on decrypt.
var ErrInvalidEnvelope = errors.New("cipher: stored payload cannot be decrypted")

// Cipher derives a fixed key from a passphrase and encrypts/decrypts byte
// payloads into the versioned envelope format: v1.<iv>.<tag>.<ciphertext>.
type Cipher struct {
	key []byte
}

// New derives a Cipher's key from passphrase via scrypt. Passphrases shorter
// than 16 bytes are rejected.
func New(passphrase string) (*Cipher, error) {
	if len(passphrase) < minPassLen {
		return nil, ErrShortPassphrase
	}
	key, err := scrypt.Key([]byte(passphrase), appSalt, scryptN, scryptR, scryptP, keyLen)
	if err != nil {
		return nil, fmt.Errorf("cipher: derive key: %w", err)
	}
	return &Cipher{key: key}, nil
}

func b64(b []byte) string { return base64.RawURLEncoding.EncodeToString(b) }

func unb64(s string) ([]byte, error) { return base64.RawURLEncoding.DecodeString(s) }

// Encrypt seals plaintext into the versioned envelope string.
func (c *Cipher) Encrypt(plaintext []byte) (string, error) {
	block, err := aes.NewCipher(c.key)
	if err != nil {
		return "", fmt.Errorf("cipher: new aes block: %w", err)
	}
	gcm, err := cipher.NewGCMWithTagSize(block, tagLen)
	if err != nil {
		return "", fmt.Errorf("cipher: new gcm: %w", err)
	}
	iv := make([]byte, ivLen)
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("cipher: read iv: %w", err)
	}
	sealed := gcm.Seal(nil, iv, plaintext, nil)
	ct := sealed[:len(sealed)-tagLen]
	tag := sealed[len(sealed)-tagLen:]
	return fmt.Sprintf("%s.%s.%s.%s", version, b64(iv), b64(tag), b64(ct)), nil
}

// EncryptString is a convenience wrapper over Encrypt for text payloads.
func (c *Cipher) EncryptString(plaintext string) (string, error) {
	return c.Encrypt([]byte(plaintext))
}

// Decrypt opens an envelope produced by Encrypt. It fails closed on any
// structural or authentication mismatch, returning ErrInvalidEnvelope.
func (c *Cipher) Decrypt(envelope string) ([]byte, error) {
	parts := strings.Split(envelope, ".")
	if len(parts) != 4 || parts[0] != version {
		return nil, ErrInvalidEnvelope
	}
	iv, err := unb64(parts[1])
	if err != nil || len(iv) != ivLen {
		return nil, ErrInvalidEnvelope
	}
	tag, err := unb64(parts[2])
	if err != nil || len(tag) != tagLen {
		return nil, ErrInvalidEnvelope
	}
	ct, err := unb64(parts[3])
	if err != nil {
		return nil, ErrInvalidEnvelope
	}

	block, err := aes.NewCipher(c.key)
	if err != nil {
		return nil, ErrInvalidEnvelope
	}
	gcm, err := cipher.NewGCMWithTagSize(block, tagLen)
	if err != nil {
		return nil, ErrInvalidEnvelope
	}

	sealed := append(append([]byte{}, ct...), tag...)
	plaintext, err := gcm.Open(nil, iv, sealed, nil)
	if err != nil {
		return nil, ErrInvalidEnvelope
	}
	return plaintext, nil
}

// DecryptString is a convenience wrapper over Decrypt for text payloads.
func (c *Cipher) DecryptString(envelope string) (string, error) {
	pt, err := c.Decrypt(envelope)
	if err != nil {
		return "", err
	}
	return string(pt), nil
}

// EncryptJSON marshals v and seals it into an envelope string.
func (c *Cipher) EncryptJSON(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("cipher: marshal json payload: %w", err)
	}
	return c.Encrypt(raw)
}

// DecryptJSON opens envelope and unmarshals it into out. A decrypt failure
// is always ErrInvalidEnvelope; a structurally valid but non-JSON plaintext
// surfaces the json error instead.
func (c *Cipher) DecryptJSON(envelope string, out any) error {
	raw, err := c.Decrypt(envelope)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("cipher: unmarshal json payload: %w", err)
	}
	return nil
}
