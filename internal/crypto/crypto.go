package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	// NonceSize is the size of handshake nonces in bytes.
	NonceSize = 16

	// IVSize is the size of the per-message AES-GCM IV. The IV travels in
	// clear alongside the ciphertext.
	IVSize = 16

	// KeySize is the size of derived symmetric keys in bytes.
	KeySize = 32

	// TagSize is the size of the GCM authentication tag appended to
	// ciphertext.
	TagSize = 16

	// hkdfInfo is the context string for HKDF key derivation.
	hkdfInfo = "pico-sigma-keys"
)

var (
	// ErrDecrypt is returned when authenticated decryption fails. The whole
	// message carrying the ciphertext must be rejected.
	ErrDecrypt = errors.New("authenticated decryption failed")
)

// Nonce is a fresh random byte string produced per handshake on each side.
type Nonce [NonceSize]byte

// NewNonce draws a nonce from the CSPRNG.
func NewNonce() (Nonce, error) {
	var n Nonce
	if _, err := io.ReadFull(rand.Reader, n[:]); err != nil {
		return Nonce{}, fmt.Errorf("generate nonce: %w", err)
	}
	return n, nil
}

// Bytes returns the nonce as a byte slice.
func (n Nonce) Bytes() []byte {
	b := make([]byte, NonceSize)
	copy(b, n[:])
	return b
}

// SessionKeys holds the four subkeys derived from a handshake's shared
// secret. EncKey encrypts handshake payloads, MacKey is reserved for payload
// MACs, and the two auth keys bind each side's identity into the transcript.
type SessionKeys struct {
	EncKey         []byte
	MacKey         []byte
	PicoAuthKey    []byte
	ServiceAuthKey []byte
}

// DeriveSessionKeys derives the four subkeys from the ECDH shared secret
// using HKDF-SHA256. The pico nonce is the salt: both sides know it before
// any ciphertext must be opened (the service nonce only travels inside
// ServiceAuth's encrypted payload). The subkeys are read from a single
// expand stream in a fixed order.
func DeriveSessionKeys(sharedSecret []byte, picoNonce Nonce) (*SessionKeys, error) {
	reader := hkdf.New(sha256.New, sharedSecret, picoNonce.Bytes(), []byte(hkdfInfo))

	keys := &SessionKeys{
		EncKey:         make([]byte, KeySize),
		MacKey:         make([]byte, KeySize),
		PicoAuthKey:    make([]byte, KeySize),
		ServiceAuthKey: make([]byte, KeySize),
	}
	for _, k := range [][]byte{keys.EncKey, keys.MacKey, keys.PicoAuthKey, keys.ServiceAuthKey} {
		if _, err := io.ReadFull(reader, k); err != nil {
			return nil, fmt.Errorf("derive session keys: %w", err)
		}
	}
	return keys, nil
}

// Zero wipes all subkey material.
func (s *SessionKeys) Zero() {
	ZeroBytes(s.EncKey)
	ZeroBytes(s.MacKey)
	ZeroBytes(s.PicoAuthKey)
	ZeroBytes(s.ServiceAuthKey)
}

// NewIV draws a fresh per-message IV from the CSPRNG.
func NewIV() ([]byte, error) {
	iv := make([]byte, IVSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, fmt.Errorf("generate IV: %w", err)
	}
	return iv, nil
}

// Seal encrypts plaintext with AES-256-GCM under the given key and IV.
// The authentication tag is appended to the ciphertext.
func Seal(key, iv, plaintext []byte) ([]byte, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(iv) != IVSize {
		return nil, fmt.Errorf("invalid IV length: got %d, expected %d", len(iv), IVSize)
	}
	return aead.Seal(nil, iv, plaintext, nil), nil
}

// Open decrypts ciphertext produced by Seal. Any tag mismatch (tampered
// ciphertext, wrong IV, wrong key) fails with ErrDecrypt.
func Open(key, iv, ciphertext []byte) ([]byte, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(iv) != IVSize {
		return nil, fmt.Errorf("invalid IV length: got %d, expected %d", len(iv), IVSize)
	}
	if len(ciphertext) < TagSize {
		return nil, fmt.Errorf("%w: ciphertext too short", ErrDecrypt)
	}
	plaintext, err := aead.Open(nil, iv, ciphertext, nil)
	if err != nil {
		return nil, ErrDecrypt
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	// The protocol transmits a 16-byte IV in clear per message.
	aead, err := cipher.NewGCMWithNonceSize(block, IVSize)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return aead, nil
}

// Mac computes an HMAC-SHA256 over data.
func Mac(key, data []byte) []byte {
	h := hmac.New(sha256.New, key)
	h.Write(data)
	return h.Sum(nil)
}

// VerifyMac checks an HMAC-SHA256 in constant time.
func VerifyMac(key, data, mac []byte) bool {
	return hmac.Equal(Mac(key, data), mac)
}

// RandomBytes draws n bytes from the CSPRNG.
func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return nil, fmt.Errorf("read random bytes: %w", err)
	}
	return b, nil
}

// ZeroBytes zeroes out a byte slice to keep secret material from lingering
// in memory.
func ZeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
