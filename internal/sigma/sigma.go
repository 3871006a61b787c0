// Package sigma implements the four-message SIGMA-I mutual authentication
// handshake between a Pico (prover) and a service (verifier). Both sides
// drive a SharedContext through the message exchange and end up with the
// same shared secret, which becomes the session key for continuous
// reauthentication.
package sigma

import (
	"crypto/ecdsa"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/picoauth/pico-go/internal/crypto"
	"github.com/picoauth/pico-go/internal/message"
)

var (
	// ErrAuthentication is returned when a MAC or signature check fails, or
	// when the presented identity does not match the expected one. Treated
	// as an authentication failure, never retried.
	ErrAuthentication = errors.New("authentication failed")

	// ErrState is returned when a handshake step is driven out of order.
	ErrState = errors.New("handshake step out of order")
)

// SharedContext holds the state of one in-flight handshake: long-term
// identity references, the per-handshake ephemerals and nonces, and the
// derived key material. Identity key pairs are referenced, not owned;
// everything else is owned and wiped by Clear.
type SharedContext struct {
	// Long-term identities. The verifier holds the service private half,
	// the prover holds the pico private half; each learns the peer's public
	// half during (or before) the handshake.
	serviceIdentity    *crypto.KeyPair
	serviceIdentityPub *ecdsa.PublicKey
	picoIdentity       *crypto.KeyPair
	picoIdentityPub    *ecdsa.PublicKey

	// Per-handshake material.
	serviceEphem    *crypto.KeyPair
	serviceEphemPub *ecdsa.PublicKey
	picoEphem       *crypto.KeyPair
	picoEphemPub    *ecdsa.PublicKey
	serviceNonce    crypto.Nonce
	picoNonce       crypto.Nonce

	// Derived key material.
	sharedSecret []byte
	keys         *crypto.SessionKeys

	sessionID uint32
}

// NewProverContext prepares the prover side of a handshake. The service
// identity public key comes from the QR payload; the pico identity key pair
// is the prover's long-term key.
func NewProverContext(picoIdentity *crypto.KeyPair, serviceIdentityPub *ecdsa.PublicKey) (*SharedContext, error) {
	ephem, err := crypto.GenerateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("generate pico ephemeral: %w", err)
	}
	nonce, err := crypto.NewNonce()
	if err != nil {
		return nil, err
	}
	return &SharedContext{
		picoIdentity:       picoIdentity,
		picoIdentityPub:    picoIdentity.Public(),
		serviceIdentityPub: serviceIdentityPub,
		picoEphem:          ephem,
		picoEphemPub:       ephem.Public(),
		picoNonce:          nonce,
	}, nil
}

// NewVerifierContext prepares the verifier side of a handshake.
func NewVerifierContext(serviceIdentity *crypto.KeyPair) (*SharedContext, error) {
	ephem, err := crypto.GenerateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("generate service ephemeral: %w", err)
	}
	nonce, err := crypto.NewNonce()
	if err != nil {
		return nil, err
	}
	return &SharedContext{
		serviceIdentity:    serviceIdentity,
		serviceIdentityPub: serviceIdentity.Public(),
		serviceEphem:       ephem,
		serviceEphemPub:    ephem.Public(),
		serviceNonce:       nonce,
	}, nil
}

// SessionID returns the session identifier chosen by the verifier.
func (c *SharedContext) SessionID() uint32 {
	return c.sessionID
}

// SessionKey returns a copy of the shared secret for use as the continuous
// session key. It is only available after key derivation.
func (c *SharedContext) SessionKey() []byte {
	if c.sharedSecret == nil {
		return nil
	}
	key := make([]byte, len(c.sharedSecret))
	copy(key, c.sharedSecret)
	return key
}

// PicoIdentity returns the prover's identity public key as seen in the
// handshake. On the verifier it is set once PicoAuth is processed.
func (c *SharedContext) PicoIdentity() *ecdsa.PublicKey {
	return c.picoIdentityPub
}

// Clear wipes all secret material owned by the context. Identity key pairs
// are left untouched.
func (c *SharedContext) Clear() {
	if c.serviceEphem != nil {
		c.serviceEphem.Clear()
		c.serviceEphem = nil
	}
	if c.picoEphem != nil {
		c.picoEphem.Clear()
		c.picoEphem = nil
	}
	crypto.ZeroBytes(c.sharedSecret)
	c.sharedSecret = nil
	if c.keys != nil {
		c.keys.Zero()
		c.keys = nil
	}
}

// deriveKeys computes the shared secret from own ephemeral private and peer
// ephemeral public, then expands the four subkeys. Idempotence guard: only
// derived once per handshake.
func (c *SharedContext) deriveKeys(own *crypto.KeyPair, peer *ecdsa.PublicKey) error {
	if c.keys != nil {
		return nil
	}
	secret, err := own.SharedSecret(peer)
	if err != nil {
		return err
	}
	keys, err := crypto.DeriveSessionKeys(secret, c.picoNonce)
	if err != nil {
		crypto.ZeroBytes(secret)
		return err
	}
	c.sharedSecret = secret
	c.keys = keys
	return nil
}

// signedTranscript builds the byte string each side signs: its own ephemeral
// public key, the peer's ephemeral public key, and the peer's nonce, each
// length-prefixed to keep the concatenation unambiguous.
func signedTranscript(ownEphemDER, peerEphemDER []byte, peerNonce crypto.Nonce) []byte {
	buf := make([]byte, 0, 4+len(ownEphemDER)+4+len(peerEphemDER)+4+crypto.NonceSize)
	for _, part := range [][]byte{ownEphemDER, peerEphemDER, peerNonce.Bytes()} {
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(part)))
		buf = append(buf, part...)
	}
	return buf
}

// ============================================================================
// Prover steps
// ============================================================================

// BuildStart produces the Start message announcing the prover's ephemeral
// key and nonce.
func (c *SharedContext) BuildStart() (*message.Start, error) {
	if c.picoEphem == nil {
		return nil, fmt.Errorf("%w: prover context not initialized", ErrState)
	}
	der, err := c.picoEphem.PublicDER()
	if err != nil {
		return nil, err
	}
	return &message.Start{
		PicoEphemeralPublicKey: der,
		PicoNonce:              c.picoNonce.Bytes(),
		PicoVersion:            message.PicoVersion,
	}, nil
}

// HandleServiceAuth processes the verifier's ServiceAuth: derives the shared
// keys, then checks the identity MAC, the transcript signature, and that the
// presented identity matches the one from the QR payload.
func (c *SharedContext) HandleServiceAuth(m *message.ServiceAuth) error {
	if c.picoEphem == nil {
		return fmt.Errorf("%w: prover context not initialized", ErrState)
	}

	ephemPub, err := crypto.ParsePublicDER(m.ServiceEphemPublicKey)
	if err != nil {
		return fmt.Errorf("service ephemeral key: %w", err)
	}
	c.serviceEphemPub = ephemPub
	c.sessionID = m.SessionID

	if err := c.deriveKeys(c.picoEphem, ephemPub); err != nil {
		return err
	}

	inner, err := m.Open(c.keys.EncKey)
	if err != nil {
		return err
	}
	copy(c.serviceNonce[:], inner.ServiceNonce)

	if !crypto.VerifyMac(c.keys.ServiceAuthKey, inner.ServiceIdentityKey, inner.Mac) {
		return fmt.Errorf("%w: service identity MAC mismatch", ErrAuthentication)
	}

	idPub, err := crypto.ParsePublicDER(inner.ServiceIdentityKey)
	if err != nil {
		return fmt.Errorf("service identity key: %w", err)
	}

	ownDER, err := c.picoEphem.PublicDER()
	if err != nil {
		return err
	}
	transcript := signedTranscript(m.ServiceEphemPublicKey, ownDER, c.picoNonce)
	if !crypto.Verify(idPub, transcript, inner.Signature) {
		return fmt.Errorf("%w: service transcript signature invalid", ErrAuthentication)
	}

	if c.serviceIdentityPub != nil && !crypto.PublicKeysEqual(idPub, c.serviceIdentityPub) {
		return fmt.Errorf("%w: service identity does not match pairing", ErrAuthentication)
	}
	c.serviceIdentityPub = idPub
	return nil
}

// BuildPicoAuth produces the prover's identity proof with optional extra
// data, encrypted under the derived key. HandleServiceAuth must have run:
// the prover signs over the service nonce it delivered.
func (c *SharedContext) BuildPicoAuth(extraData []byte) (*message.PicoAuth, error) {
	if c.keys == nil || c.serviceEphemPub == nil {
		return nil, fmt.Errorf("%w: ServiceAuth not yet processed", ErrState)
	}

	idDER, err := c.picoIdentity.PublicDER()
	if err != nil {
		return nil, err
	}
	ownDER, err := c.picoEphem.PublicDER()
	if err != nil {
		return nil, err
	}
	peerDER, err := crypto.MarshalPublicDER(c.serviceEphemPub)
	if err != nil {
		return nil, err
	}

	transcript := signedTranscript(ownDER, peerDER, c.serviceNonce)
	sig, err := c.picoIdentity.Sign(transcript)
	if err != nil {
		return nil, err
	}

	inner := &message.PicoAuthInner{
		PicoIdentityKey: idDER,
		Signature:       sig,
		Mac:             crypto.Mac(c.keys.PicoAuthKey, idDER),
		ExtraData:       extraData,
	}
	return message.SealPicoAuth(c.sessionID, inner, c.keys.EncKey)
}

// HandleStatus processes the final Status message and returns the status
// byte with any extra data.
func (c *SharedContext) HandleStatus(m *message.Status) (int8, []byte, error) {
	if c.keys == nil {
		return message.StatusError, nil, fmt.Errorf("%w: keys not derived", ErrState)
	}
	inner, err := m.Open(c.keys.EncKey)
	if err != nil {
		return message.StatusError, nil, err
	}
	return inner.Status, inner.ExtraData, nil
}

// ============================================================================
// Verifier steps
// ============================================================================

// HandleStart processes the prover's opening message, storing its ephemeral
// key and nonce.
func (c *SharedContext) HandleStart(m *message.Start) error {
	if c.serviceEphem == nil {
		return fmt.Errorf("%w: verifier context not initialized", ErrState)
	}
	pub, err := crypto.ParsePublicDER(m.PicoEphemeralPublicKey)
	if err != nil {
		return fmt.Errorf("pico ephemeral key: %w", err)
	}
	c.picoEphemPub = pub
	nonce := crypto.Nonce{}
	copy(nonce[:], m.PicoNonce)
	c.picoNonce = nonce
	return nil
}

// BuildServiceAuth derives the session keys, picks the session identifier,
// and produces the verifier's identity proof.
func (c *SharedContext) BuildServiceAuth() (*message.ServiceAuth, error) {
	if c.picoEphemPub == nil {
		return nil, fmt.Errorf("%w: Start not yet processed", ErrState)
	}

	if err := c.deriveKeys(c.serviceEphem, c.picoEphemPub); err != nil {
		return nil, err
	}

	if c.sessionID == 0 {
		id, err := randomSessionID()
		if err != nil {
			return nil, err
		}
		c.sessionID = id
	}

	idDER, err := c.serviceIdentity.PublicDER()
	if err != nil {
		return nil, err
	}
	ownDER, err := c.serviceEphem.PublicDER()
	if err != nil {
		return nil, err
	}
	peerDER, err := crypto.MarshalPublicDER(c.picoEphemPub)
	if err != nil {
		return nil, err
	}

	transcript := signedTranscript(ownDER, peerDER, c.picoNonce)
	sig, err := c.serviceIdentity.Sign(transcript)
	if err != nil {
		return nil, err
	}

	inner := &message.ServiceAuthInner{
		ServiceIdentityKey: idDER,
		Signature:          sig,
		Mac:                crypto.Mac(c.keys.ServiceAuthKey, idDER),
		ServiceNonce:       c.serviceNonce.Bytes(),
	}
	return message.SealServiceAuth(c.sessionID, ownDER, inner, c.keys.EncKey)
}

// HandlePicoAuth verifies the prover's identity proof. On success the
// prover's identity public key is recorded in the context (for the
// authorization lookup) and any extra data is returned.
func (c *SharedContext) HandlePicoAuth(m *message.PicoAuth) ([]byte, error) {
	if c.keys == nil {
		return nil, fmt.Errorf("%w: ServiceAuth not yet sent", ErrState)
	}

	inner, err := m.Open(c.keys.EncKey)
	if err != nil {
		return nil, err
	}

	if !crypto.VerifyMac(c.keys.PicoAuthKey, inner.PicoIdentityKey, inner.Mac) {
		return nil, fmt.Errorf("%w: pico identity MAC mismatch", ErrAuthentication)
	}

	idPub, err := crypto.ParsePublicDER(inner.PicoIdentityKey)
	if err != nil {
		return nil, fmt.Errorf("pico identity key: %w", err)
	}

	ownDER, err := c.serviceEphem.PublicDER()
	if err != nil {
		return nil, err
	}
	peerDER, err := crypto.MarshalPublicDER(c.picoEphemPub)
	if err != nil {
		return nil, err
	}
	transcript := signedTranscript(peerDER, ownDER, c.serviceNonce)
	if !crypto.Verify(idPub, transcript, inner.Signature) {
		return nil, fmt.Errorf("%w: pico transcript signature invalid", ErrAuthentication)
	}

	if c.picoIdentityPub != nil && !crypto.PublicKeysEqual(idPub, c.picoIdentityPub) {
		return nil, fmt.Errorf("%w: pico identity does not match expected key", ErrAuthentication)
	}
	c.picoIdentityPub = idPub
	return inner.ExtraData, nil
}

// BuildStatus produces the closing Status message.
func (c *SharedContext) BuildStatus(status int8, extraData []byte) (*message.Status, error) {
	if c.keys == nil {
		return nil, fmt.Errorf("%w: keys not derived", ErrState)
	}
	return message.SealStatus(c.sessionID, &message.StatusInner{Status: status, ExtraData: extraData}, c.keys.EncKey)
}

func randomSessionID() (uint32, error) {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, fmt.Errorf("generate session id: %w", err)
	}
	id := binary.BigEndian.Uint32(b[:])
	if id == 0 {
		id = 1
	}
	return id, nil
}
