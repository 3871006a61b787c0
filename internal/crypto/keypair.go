// Package crypto provides the cryptographic substrate for the Pico
// authentication protocol: ECDH key agreement and ECDSA signatures over
// NIST P-256, HKDF-SHA256 session-key derivation, and AES-256-GCM
// authenticated encryption of message payloads.
package crypto

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
)

var (
	// ErrInvalidPublicKey is returned when a public key fails to decode or
	// is not a P-256 ECDSA key.
	ErrInvalidPublicKey = errors.New("invalid public key")

	// ErrInvalidPrivateKey is returned when a private key fails to decode.
	ErrInvalidPrivateKey = errors.New("invalid private key")
)

const (
	publicKeyPEMType  = "PUBLIC KEY"
	privateKeyPEMType = "EC PRIVATE KEY"
)

// KeyPair is a P-256 key pair used both for ECDH key agreement (ephemeral
// keys) and ECDSA signing (identity keys).
type KeyPair struct {
	priv *ecdsa.PrivateKey
}

// GenerateKeyPair generates a fresh P-256 key pair.
func GenerateKeyPair() (*KeyPair, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key pair: %w", err)
	}
	return &KeyPair{priv: priv}, nil
}

// LoadKeyPair reads a PEM-encoded private key from disk.
func LoadKeyPair(path string) (*KeyPair, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key file: %w", err)
	}

	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("%w: no PEM block in %s", ErrInvalidPrivateKey, path)
	}

	priv, err := x509.ParseECPrivateKey(block.Bytes)
	if err != nil {
		// Also accept PKCS#8 wrapped keys.
		key, err8 := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err8 != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPrivateKey, err)
		}
		ecKey, ok := key.(*ecdsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("%w: not an EC key", ErrInvalidPrivateKey)
		}
		priv = ecKey
	}

	if priv.Curve != elliptic.P256() {
		return nil, fmt.Errorf("%w: curve %s, expected P-256", ErrInvalidPrivateKey, priv.Curve.Params().Name)
	}

	return &KeyPair{priv: priv}, nil
}

// Store writes the private key to disk as PEM, readable only by the owner.
func (k *KeyPair) Store(path string) error {
	der, err := x509.MarshalECPrivateKey(k.priv)
	if err != nil {
		return fmt.Errorf("marshal private key: %w", err)
	}

	data := pem.EncodeToMemory(&pem.Block{Type: privateKeyPEMType, Bytes: der})

	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0600); err != nil {
		return fmt.Errorf("write key file: %w", err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("persist key file: %w", err)
	}
	return nil
}

// Public returns the public half of the key pair.
func (k *KeyPair) Public() *ecdsa.PublicKey {
	return &k.priv.PublicKey
}

// PublicDER returns the public key as DER-encoded SubjectPublicKeyInfo,
// the form carried in wire messages and the QR payload.
func (k *KeyPair) PublicDER() ([]byte, error) {
	return MarshalPublicDER(&k.priv.PublicKey)
}

// PublicPEM returns the PEM encoding of the public key.
func (k *KeyPair) PublicPEM() ([]byte, error) {
	der, err := k.PublicDER()
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: publicKeyPEMType, Bytes: der}), nil
}

// Sign signs data with ECDSA over SHA-256 and returns an ASN.1 signature.
func (k *KeyPair) Sign(data []byte) ([]byte, error) {
	digest := sha256.Sum256(data)
	sig, err := ecdsa.SignASN1(rand.Reader, k.priv, digest[:])
	if err != nil {
		return nil, fmt.Errorf("sign: %w", err)
	}
	return sig, nil
}

// SharedSecret performs ECDH between the private key and a peer public key.
func (k *KeyPair) SharedSecret(peer *ecdsa.PublicKey) ([]byte, error) {
	priv, err := k.priv.ECDH()
	if err != nil {
		return nil, fmt.Errorf("convert private key for ECDH: %w", err)
	}
	pub, err := peer.ECDH()
	if err != nil {
		return nil, fmt.Errorf("%w: not usable for ECDH", ErrInvalidPublicKey)
	}
	secret, err := priv.ECDH(pub)
	if err != nil {
		return nil, fmt.Errorf("ECDH: %w", err)
	}
	return secret, nil
}

// Clear zeroes the private scalar. The key pair must not be used afterwards.
func (k *KeyPair) Clear() {
	if k.priv != nil && k.priv.D != nil {
		k.priv.D.SetInt64(0)
	}
	k.priv = nil
}

// Verify checks an ASN.1 ECDSA signature over SHA-256.
func Verify(pub *ecdsa.PublicKey, data, sig []byte) bool {
	if pub == nil {
		return false
	}
	digest := sha256.Sum256(data)
	return ecdsa.VerifyASN1(pub, digest[:], sig)
}

// MarshalPublicDER encodes a public key as DER SubjectPublicKeyInfo.
func MarshalPublicDER(pub *ecdsa.PublicKey) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("marshal public key: %w", err)
	}
	return der, nil
}

// ParsePublicDER decodes a DER SubjectPublicKeyInfo public key.
func ParsePublicDER(der []byte) (*ecdsa.PublicKey, error) {
	key, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}
	pub, ok := key.(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: not an ECDSA key", ErrInvalidPublicKey)
	}
	if pub.Curve != elliptic.P256() {
		return nil, fmt.Errorf("%w: curve %s, expected P-256", ErrInvalidPublicKey, pub.Curve.Params().Name)
	}
	return pub, nil
}

// ParsePublicPEM decodes a PEM-encoded public key.
func ParsePublicPEM(data []byte) (*ecdsa.PublicKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("%w: no PEM block", ErrInvalidPublicKey)
	}
	return ParsePublicDER(block.Bytes)
}

// PublicKeysEqual reports whether two public keys are the same point.
func PublicKeysEqual(a, b *ecdsa.PublicKey) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(b)
}
