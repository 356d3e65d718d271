package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

const defaultKeyID = "v1"

var ErrMalformedPayload = errors.New("malformed encrypted payload")

// EnvCipher encrypts and decrypts env payloads handed to the controller.
// A payload is "<keyID>:<base64 nonce>:<base64 ciphertext>" and its plaintext
// is a JSON object of string values.
type EnvCipher struct {
	aead  cipher.AEAD
	keyID string
}

// NewEnvCipher accepts a 16/24/32 byte key given raw, hex or base64 encoded.
func NewEnvCipher(rawKey, keyID string) (*EnvCipher, error) {
	if rawKey == "" {
		return nil, errors.New("env encryption key is required")
	}
	key, err := parseAESKey(rawKey)
	if err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create gcm: %w", err)
	}

	if keyID == "" {
		keyID = defaultKeyID
	}
	return &EnvCipher{aead: aead, keyID: keyID}, nil
}

func (c *EnvCipher) EncryptStringified(plain string) (string, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	sealed := c.aead.Seal(nil, nonce, []byte(plain), []byte(c.keyID))
	return c.keyID + ":" + base64.StdEncoding.EncodeToString(nonce) + ":" + base64.StdEncoding.EncodeToString(sealed), nil
}

func (c *EnvCipher) DecryptStringified(payload string) (string, error) {
	parts := strings.Split(payload, ":")
	if len(parts) != 3 {
		return "", ErrMalformedPayload
	}
	if parts[0] != c.keyID {
		return "", fmt.Errorf("%w: unknown key id %q", ErrMalformedPayload, parts[0])
	}
	nonce, err := base64.StdEncoding.DecodeString(parts[1])
	if err != nil {
		return "", fmt.Errorf("failed to decode nonce: %w", err)
	}
	if len(nonce) != c.aead.NonceSize() {
		return "", fmt.Errorf("%w: bad nonce size", ErrMalformedPayload)
	}
	sealed, err := base64.StdEncoding.DecodeString(parts[2])
	if err != nil {
		return "", fmt.Errorf("failed to decode ciphertext: %w", err)
	}
	plain, err := c.aead.Open(nil, nonce, sealed, []byte(parts[0]))
	if err != nil {
		return "", fmt.Errorf("failed to decrypt payload: %w", err)
	}
	return string(plain), nil
}

// EncryptEnv is the inverse of DecryptEnv.
func (c *EnvCipher) EncryptEnv(env map[string]string) (string, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("failed to marshal env: %w", err)
	}
	return c.EncryptStringified(string(data))
}

// DecryptEnv decrypts payload into key/value pairs.
func DecryptEnv(dec Decrypter, payload string) (map[string]string, error) {
	plain, err := dec.DecryptStringified(payload)
	if err != nil {
		return nil, err
	}
	env := map[string]string{}
	if err := json.Unmarshal([]byte(plain), &env); err != nil {
		return nil, fmt.Errorf("%w: plaintext is not a string map: %v", ErrMalformedPayload, err)
	}
	return env, nil
}

// Decrypter is what env injection needs from the cipher.
type Decrypter interface {
	DecryptStringified(payload string) (string, error)
}

func parseAESKey(raw string) ([]byte, error) {
	if decoded, err := base64.StdEncoding.DecodeString(raw); err == nil && validAESKeyLen(len(decoded)) {
		return decoded, nil
	}
	if decoded, err := hex.DecodeString(raw); err == nil && validAESKeyLen(len(decoded)) {
		return decoded, nil
	}
	if validAESKeyLen(len(raw)) {
		return []byte(raw), nil
	}
	return nil, errors.New("invalid env encryption key length: must be 16/24/32 bytes (raw/hex/base64)")
}

func validAESKeyLen(n int) bool {
	return n == 16 || n == 24 || n == 32
}
