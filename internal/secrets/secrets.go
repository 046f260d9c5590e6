// Package secrets encrypts credential fields at rest.
//
// Ciphertexts are self-describing: "v1.<keyID>.<base64url(nonce|sealed)>".
// The key id travels with the ciphertext so keys can be rotated without
// rewriting every stored credential at once.
package secrets

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	apperrors "github.com/shehryarbajwa/browserpilot/internal/errors"
)

const (
	version    = "v1"
	keyInfo    = "browserpilot credential encryption v1"
	MasterSize = 32
)

// Cipher is the encrypt/decrypt contract the rest of the service depends on
type Cipher interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(ciphertext string) (string, error)
}

// Keyring holds named master keys and seals with the active one
type Keyring struct {
	active string
	keys   map[string][]byte
}

var _ Cipher = (*Keyring)(nil)

// NewKeyring derives a data key for every master key. activeKeyID selects
// the key used for new ciphertexts; all keys remain usable for decryption.
func NewKeyring(activeKeyID string, masters map[string][]byte) (*Keyring, error) {
	if activeKeyID == "" {
		return nil, fmt.Errorf("active key id is required")
	}
	if strings.Contains(activeKeyID, ".") {
		return nil, fmt.Errorf("key id %q must not contain '.'", activeKeyID)
	}
	if _, ok := masters[activeKeyID]; !ok {
		return nil, fmt.Errorf("active key %q not present in keyring", activeKeyID)
	}

	keys := make(map[string][]byte, len(masters))
	for id, master := range masters {
		if len(master) != MasterSize {
			return nil, fmt.Errorf("key %q must be %d bytes, got %d", id, MasterSize, len(master))
		}
		derived, err := deriveKey(id, master)
		if err != nil {
			return nil, err
		}
		keys[id] = derived
	}

	return &Keyring{active: activeKeyID, keys: keys}, nil
}

// ParseKeys decodes base64 master keys as they appear in configuration
func ParseKeys(encoded map[string]string) (map[string][]byte, error) {
	out := make(map[string][]byte, len(encoded))
	for id, value := range encoded {
		raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(value))
		if err != nil {
			return nil, fmt.Errorf("key %q is not valid base64: %w", id, err)
		}
		out[id] = raw
	}
	return out, nil
}

// ActiveKeyID returns the key id new ciphertexts are sealed with
func (k *Keyring) ActiveKeyID() string {
	return k.active
}

// Encrypt seals plaintext with the active key
func (k *Keyring) Encrypt(plaintext string) (string, error) {
	return k.EncryptWith(k.active, plaintext)
}

// EncryptWith seals plaintext with a specific key
func (k *Keyring) EncryptWith(keyID, plaintext string) (string, error) {
	key, ok := k.keys[keyID]
	if !ok {
		return "", fmt.Errorf("unknown key %q", keyID)
	}

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := aead.Seal(nonce, nonce, []byte(plaintext), []byte(keyID))
	return strings.Join([]string{version, keyID, base64.RawURLEncoding.EncodeToString(sealed)}, "."), nil
}

// Decrypt opens a ciphertext produced by Encrypt. Any failure is a
// *errors.DecryptionError.
func (k *Keyring) Decrypt(ciphertext string) (string, error) {
	parts := strings.SplitN(ciphertext, ".", 3)
	if len(parts) != 3 || parts[0] != version {
		return "", &apperrors.DecryptionError{Err: fmt.Errorf("malformed ciphertext")}
	}
	keyID := parts[1]

	key, ok := k.keys[keyID]
	if !ok {
		return "", &apperrors.DecryptionError{KeyID: keyID, Err: fmt.Errorf("unknown key")}
	}

	sealed, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return "", &apperrors.DecryptionError{KeyID: keyID, Err: err}
	}

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return "", &apperrors.DecryptionError{KeyID: keyID, Err: err}
	}
	if len(sealed) < aead.NonceSize()+aead.Overhead() {
		return "", &apperrors.DecryptionError{KeyID: keyID, Err: fmt.Errorf("ciphertext too short")}
	}

	nonce, body := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, body, []byte(keyID))
	if err != nil {
		return "", &apperrors.DecryptionError{KeyID: keyID, Err: err}
	}
	return string(plain), nil
}

// EncryptFields seals every value of a field map
func EncryptFields(c Cipher, fields map[string]string) (map[string]string, error) {
	out := make(map[string]string, len(fields))
	for name, value := range fields {
		sealed, err := c.Encrypt(value)
		if err != nil {
			return nil, fmt.Errorf("failed to encrypt field %s: %w", name, err)
		}
		out[name] = sealed
	}
	return out, nil
}

// DecryptFields opens every value of a field map
func DecryptFields(c Cipher, fields map[string]string) (map[string]string, error) {
	out := make(map[string]string, len(fields))
	for name, value := range fields {
		plain, err := c.Decrypt(value)
		if err != nil {
			return nil, err
		}
		out[name] = plain
	}
	return out, nil
}

func deriveKey(keyID string, master []byte) ([]byte, error) {
	r := hkdf.New(sha256.New, master, []byte(keyID), []byte(keyInfo))
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("failed to derive key %q: %w", keyID, err)
	}
	return key, nil
}
