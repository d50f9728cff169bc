package gateway

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"io"
	"strings"
)

var (
	// ErrInvalidKey is returned for encryption keys shorter than 16 bytes.
	ErrInvalidKey = errors.New("gateway: encryption key must be at least 16 bytes")

	// ErrUnsealable is returned when no configured key opens a credential.
	ErrUnsealable = errors.New("gateway: sealed credential could not be opened")
)

// Sealer encrypts broker credentials with AES-GCM. A previous key may be
// supplied during rotation; it is only used to open, never to seal.
type Sealer struct {
	primary cipher.AEAD
	keys    []cipher.AEAD
}

// NewSealer builds a Sealer from a primary key and optional previous keys.
// Keys may be base64 or raw strings.
func NewSealer(key string, previous ...string) (*Sealer, error) {
	primary, err := newAEAD(key)
	if err != nil {
		return nil, err
	}
	s := &Sealer{primary: primary, keys: []cipher.AEAD{primary}}
	for _, k := range previous {
		if strings.TrimSpace(k) == "" {
			continue
		}
		aead, err := newAEAD(k)
		if err != nil {
			return nil, err
		}
		s.keys = append(s.keys, aead)
	}
	return s, nil
}

// Seal encrypts plain and returns base64(nonce || ciphertext).
func (s *Sealer) Seal(plain string) (string, error) {
	nonce := make([]byte, s.primary.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}
	out := s.primary.Seal(nonce, nonce, []byte(plain), nil)
	return base64.StdEncoding.EncodeToString(out), nil
}

// Open decrypts a value produced by Seal, trying every configured key.
func (s *Sealer) Open(sealed string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return "", ErrUnsealable
	}
	for _, aead := range s.keys {
		n := aead.NonceSize()
		if len(raw) <= n {
			continue
		}
		plain, err := aead.Open(nil, raw[:n], raw[n:], nil)
		if err == nil {
			return string(plain), nil
		}
	}
	return "", ErrUnsealable
}

func newAEAD(key string) (cipher.AEAD, error) {
	k := strings.TrimSpace(key)
	b, err := base64.StdEncoding.DecodeString(k)
	if err != nil {
		b = []byte(k)
	}
	switch {
	case len(b) < 16:
		return nil, ErrInvalidKey
	case len(b) < 24:
		b = b[:16]
	case len(b) < 32:
		b = b[:24]
	default:
		b = b[:32]
	}
	block, err := aes.NewCipher(b)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
