// Package sealing stores agents' private negotiation context as scoped
// AES-256-GCM envelopes. Each payload is encrypted under a key derived
// from the process master key and the (sessionId, agentId) pair, so an
// envelope lifted from one session cannot be opened in another.
package sealing

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

const (
	masterKeySize = 32
	gcmNonceSize  = 12
	gcmTagSize    = 16

	// devKeySeed derives a predictable master key for non-production
	// environments that opt in to insecure development keys.
	devKeySeed = "moltd-dev-sealing-key"
)

// ErrMissingSealingKey is returned when sealing is attempted in
// production without a configured master key.
var ErrMissingSealingKey = errors.New("missing_sealing_key")

// ErrUnsealFailed wraps any decryption failure, including scope
// mismatches, so callers surface a single failure mode.
var ErrUnsealFailed = errors.New("sealed input decryption failed")

// Envelope is the persisted ciphertext form of a private payload.
type Envelope struct {
	KeyID      string `json:"keyId"`
	IV         string `json:"iv"`
	AuthTag    string `json:"authTag"`
	CipherText string `json:"cipherText"`
}

// Service seals and unseals private payloads under the process master key.
type Service struct {
	master []byte
}

// Options controls master key resolution.
type Options struct {
	// MasterKey is the operator-supplied key material. Accepted forms:
	// raw 64-hex, "hex:"-prefixed hex, "base64:"-prefixed base64, or
	// raw base64 of 32 bytes.
	MasterKey string
	// Production forbids the development fallback key.
	Production bool
	// AllowInsecureDevKeys permits a derived key outside production.
	AllowInsecureDevKeys bool
}

// New resolves the master key and returns a ready Service.
func New(opts Options) (*Service, error) {
	key, err := parseMasterKey(opts.MasterKey)
	if err != nil {
		return nil, err
	}
	if key == nil {
		if opts.Production {
			return nil, ErrMissingSealingKey
		}
		if !opts.AllowInsecureDevKeys {
			return nil, ErrMissingSealingKey
		}
		derived := sha256.Sum256([]byte(devKeySeed))
		key = derived[:]
	}
	return &Service{master: key}, nil
}

func parseMasterKey(raw string) ([]byte, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, nil
	}
	var (
		key []byte
		err error
	)
	switch {
	case strings.HasPrefix(trimmed, "hex:"):
		key, err = hex.DecodeString(strings.TrimPrefix(trimmed, "hex:"))
	case strings.HasPrefix(trimmed, "base64:"):
		key, err = base64.StdEncoding.DecodeString(strings.TrimPrefix(trimmed, "base64:"))
	case len(trimmed) == 2*masterKeySize && isHex(trimmed):
		key, err = hex.DecodeString(trimmed)
	default:
		key, err = base64.StdEncoding.DecodeString(trimmed)
	}
	if err != nil {
		return nil, fmt.Errorf("sealing: parse master key: %w", err)
	}
	if len(key) != masterKeySize {
		return nil, fmt.Errorf("sealing: master key must be %d bytes, got %d", masterKeySize, len(key))
	}
	return key, nil
}

func isHex(s string) bool {
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9', r >= 'a' && r <= 'f', r >= 'A' && r <= 'F':
		default:
			return false
		}
	}
	return true
}

// scopedKey derives the per-(session, agent) encryption key.
func (s *Service) scopedKey(sessionID, agentID string) []byte {
	mac := hmac.New(sha256.New, s.master)
	mac.Write([]byte("sealed:" + sessionID + ":" + agentID))
	return mac.Sum(nil)
}

// keyID is a stable opaque tag for the scoped key; it carries no key material.
func keyID(scoped []byte, sessionID, agentID string) string {
	sum := sha256.Sum256(append(append(append([]byte{}, scoped...), []byte(sessionID)...), []byte(agentID)...))
	return hex.EncodeToString(sum[:])[:24]
}

// Seal encrypts the JSON serialization of payload scoped to (sessionID, agentID).
func (s *Service) Seal(sessionID, agentID string, payload interface{}) (Envelope, error) {
	if s == nil || len(s.master) == 0 {
		return Envelope{}, ErrMissingSealingKey
	}
	plain, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("sealing: encode payload: %w", err)
	}
	scoped := s.scopedKey(sessionID, agentID)
	block, err := aes.NewCipher(scoped)
	if err != nil {
		return Envelope{}, fmt.Errorf("sealing: cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return Envelope{}, fmt.Errorf("sealing: gcm: %w", err)
	}
	iv := make([]byte, gcmNonceSize)
	if _, err := rand.Read(iv); err != nil {
		return Envelope{}, fmt.Errorf("sealing: nonce: %w", err)
	}
	sealed := gcm.Seal(nil, iv, plain, nil)
	ct, tag := sealed[:len(sealed)-gcmTagSize], sealed[len(sealed)-gcmTagSize:]
	return Envelope{
		KeyID:      keyID(scoped, sessionID, agentID),
		IV:         base64.StdEncoding.EncodeToString(iv),
		AuthTag:    base64.StdEncoding.EncodeToString(tag),
		CipherText: base64.StdEncoding.EncodeToString(ct),
	}, nil
}

// Unseal decrypts an envelope and unmarshals it into out. Any mismatch
// in scope or tampering fails with ErrUnsealFailed.
func (s *Service) Unseal(sessionID, agentID string, env Envelope, out interface{}) error {
	if s == nil || len(s.master) == 0 {
		return ErrMissingSealingKey
	}
	iv, err := base64.StdEncoding.DecodeString(env.IV)
	if err != nil {
		return fmt.Errorf("%w: iv: %v", ErrUnsealFailed, err)
	}
	tag, err := base64.StdEncoding.DecodeString(env.AuthTag)
	if err != nil {
		return fmt.Errorf("%w: tag: %v", ErrUnsealFailed, err)
	}
	ct, err := base64.StdEncoding.DecodeString(env.CipherText)
	if err != nil {
		return fmt.Errorf("%w: ciphertext: %v", ErrUnsealFailed, err)
	}
	scoped := s.scopedKey(sessionID, agentID)
	block, err := aes.NewCipher(scoped)
	if err != nil {
		return fmt.Errorf("sealing: cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return fmt.Errorf("sealing: gcm: %w", err)
	}
	if len(iv) != gcm.NonceSize() {
		return fmt.Errorf("%w: bad nonce length %d", ErrUnsealFailed, len(iv))
	}
	plain, err := gcm.Open(nil, iv, append(ct, tag...), nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnsealFailed, err)
	}
	if err := json.Unmarshal(plain, out); err != nil {
		return fmt.Errorf("%w: decode payload: %v", ErrUnsealFailed, err)
	}
	return nil
}
