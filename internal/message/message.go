// Package message implements the wire codec for the Pico authentication
// protocol. The rendezvous messages are JSON objects whose binary fields are
// base64; encrypted payloads are AES-256-GCM ciphertexts whose 16-byte IV
// travels in clear alongside them. Inner payloads are framed as big-endian
// u16 length prefixes and must decode to exactly the plaintext length.
package message

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/picoauth/pico-go/internal/crypto"
	"github.com/picoauth/pico-go/internal/reauth"
	"github.com/picoauth/pico-go/internal/sequence"
)

// PicoVersion is the protocol version announced in the Start message.
const PicoVersion = 2

// Status byte values carried by the Status message. The field is a signed
// 8-bit integer.
const (
	StatusOKDone     int8 = 0
	StatusOKContinue int8 = 1
	StatusRejected   int8 = -1
	StatusError      int8 = -2
)

var (
	// ErrMalformed is returned when a message fails to parse as JSON or is
	// missing required fields.
	ErrMalformed = errors.New("malformed message")

	// ErrUnsupportedVersion is returned for an unexpected picoVersion.
	ErrUnsupportedVersion = errors.New("unsupported protocol version")
)

// seal encrypts an inner payload under key with a fresh IV.
func seal(key, inner []byte) (encrypted, iv []byte, err error) {
	iv, err = crypto.NewIV()
	if err != nil {
		return nil, nil, err
	}
	encrypted, err = crypto.Seal(key, iv, inner)
	if err != nil {
		return nil, nil, err
	}
	return encrypted, iv, nil
}

func unmarshal(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return nil
}

// ============================================================================
// Start
// ============================================================================

// Start opens the handshake. The Pico announces its ephemeral public key
// (DER), its nonce, and the protocol version.
type Start struct {
	PicoEphemeralPublicKey []byte `json:"picoEphemeralPublicKey"`
	PicoNonce              []byte `json:"picoNonce"`
	PicoVersion            int    `json:"picoVersion"`
}

// Serialize encodes the message for the wire.
func (m *Start) Serialize() ([]byte, error) {
	return json.Marshal(m)
}

// DeserializeStart decodes and validates a Start message.
func DeserializeStart(data []byte) (*Start, error) {
	m := &Start{}
	if err := unmarshal(data, m); err != nil {
		return nil, err
	}
	if len(m.PicoEphemeralPublicKey) == 0 {
		return nil, fmt.Errorf("%w: start missing picoEphemeralPublicKey", ErrMalformed)
	}
	if len(m.PicoNonce) != crypto.NonceSize {
		return nil, fmt.Errorf("%w: start picoNonce is %d bytes, expected %d", ErrMalformed, len(m.PicoNonce), crypto.NonceSize)
	}
	if m.PicoVersion != PicoVersion {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, m.PicoVersion)
	}
	return m, nil
}

// ============================================================================
// ServiceAuth
// ============================================================================

// ServiceAuth is the verifier's reply to Start: its ephemeral key in clear
// plus its encrypted identity proof.
type ServiceAuth struct {
	SessionID             uint32 `json:"sessionId"`
	ServiceEphemPublicKey []byte `json:"serviceEphemPublicKey"`
	EncryptedData         []byte `json:"encryptedData"`
	IV                    []byte `json:"iv"`
}

// ServiceAuthInner is the decrypted payload of ServiceAuth. The service
// nonce rides inside the ciphertext: the prover needs it for its own
// transcript signature, and keeping it encrypted preserves the SIGMA-I
// identity-protection property of the message.
type ServiceAuthInner struct {
	ServiceIdentityKey []byte // DER SubjectPublicKeyInfo
	Signature          []byte
	Mac                []byte
	ServiceNonce       []byte
}

func (p *ServiceAuthInner) encode() ([]byte, error) {
	w := &payloadWriter{}
	w.writeLenPrefixed("service identity key", p.ServiceIdentityKey)
	w.writeLenPrefixed("signature", p.Signature)
	w.writeLenPrefixed("mac", p.Mac)
	w.writeLenPrefixed("service nonce", p.ServiceNonce)
	return w.bytes()
}

func decodeServiceAuthInner(buf []byte) (*ServiceAuthInner, error) {
	r := newPayloadReader(buf)
	p := &ServiceAuthInner{}
	var err error
	if p.ServiceIdentityKey, err = r.readLenPrefixed("service identity key"); err != nil {
		return nil, err
	}
	if p.Signature, err = r.readLenPrefixed("signature"); err != nil {
		return nil, err
	}
	if p.Mac, err = r.readLenPrefixed("mac"); err != nil {
		return nil, err
	}
	if p.ServiceNonce, err = r.readLenPrefixed("service nonce"); err != nil {
		return nil, err
	}
	if len(p.ServiceNonce) != crypto.NonceSize {
		return nil, fmt.Errorf("%w: service nonce is %d bytes, expected %d", ErrMalformed, len(p.ServiceNonce), crypto.NonceSize)
	}
	if err := r.done(); err != nil {
		return nil, err
	}
	return p, nil
}

// SealServiceAuth builds a ServiceAuth with the inner payload encrypted
// under key.
func SealServiceAuth(sessionID uint32, serviceEphemDER []byte, inner *ServiceAuthInner, key []byte) (*ServiceAuth, error) {
	plaintext, err := inner.encode()
	if err != nil {
		return nil, err
	}
	encrypted, iv, err := seal(key, plaintext)
	if err != nil {
		return nil, err
	}
	return &ServiceAuth{
		SessionID:             sessionID,
		ServiceEphemPublicKey: serviceEphemDER,
		EncryptedData:         encrypted,
		IV:                    iv,
	}, nil
}

// Open decrypts and decodes the inner payload.
func (m *ServiceAuth) Open(key []byte) (*ServiceAuthInner, error) {
	plaintext, err := crypto.Open(key, m.IV, m.EncryptedData)
	if err != nil {
		return nil, err
	}
	return decodeServiceAuthInner(plaintext)
}

// Serialize encodes the message for the wire.
func (m *ServiceAuth) Serialize() ([]byte, error) {
	return json.Marshal(m)
}

// DeserializeServiceAuth decodes and validates a ServiceAuth message.
func DeserializeServiceAuth(data []byte) (*ServiceAuth, error) {
	m := &ServiceAuth{}
	if err := unmarshal(data, m); err != nil {
		return nil, err
	}
	if len(m.ServiceEphemPublicKey) == 0 {
		return nil, fmt.Errorf("%w: serviceAuth missing serviceEphemPublicKey", ErrMalformed)
	}
	if err := validateEncrypted("serviceAuth", m.EncryptedData, m.IV); err != nil {
		return nil, err
	}
	return m, nil
}

// ============================================================================
// PicoAuth
// ============================================================================

// PicoAuth is the prover's identity proof, symmetric to ServiceAuth.
type PicoAuth struct {
	SessionID     uint32 `json:"sessionId"`
	EncryptedData []byte `json:"encryptedData"`
	IV            []byte `json:"iv"`
}

// PicoAuthInner is the decrypted payload of PicoAuth.
type PicoAuthInner struct {
	PicoIdentityKey []byte // DER SubjectPublicKeyInfo
	Signature       []byte
	Mac             []byte
	ExtraData       []byte
}

func (p *PicoAuthInner) encode() ([]byte, error) {
	w := &payloadWriter{}
	w.writeLenPrefixed("pico identity key", p.PicoIdentityKey)
	w.writeLenPrefixed("signature", p.Signature)
	w.writeLenPrefixed("mac", p.Mac)
	w.writeLenPrefixed("extra data", p.ExtraData)
	return w.bytes()
}

func decodePicoAuthInner(buf []byte) (*PicoAuthInner, error) {
	r := newPayloadReader(buf)
	p := &PicoAuthInner{}
	var err error
	if p.PicoIdentityKey, err = r.readLenPrefixed("pico identity key"); err != nil {
		return nil, err
	}
	if p.Signature, err = r.readLenPrefixed("signature"); err != nil {
		return nil, err
	}
	if p.Mac, err = r.readLenPrefixed("mac"); err != nil {
		return nil, err
	}
	if p.ExtraData, err = r.readLenPrefixed("extra data"); err != nil {
		return nil, err
	}
	if err := r.done(); err != nil {
		return nil, err
	}
	return p, nil
}

// SealPicoAuth builds a PicoAuth with the inner payload encrypted under key.
func SealPicoAuth(sessionID uint32, inner *PicoAuthInner, key []byte) (*PicoAuth, error) {
	plaintext, err := inner.encode()
	if err != nil {
		return nil, err
	}
	encrypted, iv, err := seal(key, plaintext)
	if err != nil {
		return nil, err
	}
	return &PicoAuth{SessionID: sessionID, EncryptedData: encrypted, IV: iv}, nil
}

// Open decrypts and decodes the inner payload.
func (m *PicoAuth) Open(key []byte) (*PicoAuthInner, error) {
	plaintext, err := crypto.Open(key, m.IV, m.EncryptedData)
	if err != nil {
		return nil, err
	}
	return decodePicoAuthInner(plaintext)
}

// Serialize encodes the message for the wire.
func (m *PicoAuth) Serialize() ([]byte, error) {
	return json.Marshal(m)
}

// DeserializePicoAuth decodes and validates a PicoAuth message.
func DeserializePicoAuth(data []byte) (*PicoAuth, error) {
	m := &PicoAuth{}
	if err := unmarshal(data, m); err != nil {
		return nil, err
	}
	if err := validateEncrypted("picoAuth", m.EncryptedData, m.IV); err != nil {
		return nil, err
	}
	return m, nil
}

// ============================================================================
// Status
// ============================================================================

// Status closes the handshake with a signed one-byte outcome.
type Status struct {
	SessionID     uint32 `json:"sessionId"`
	EncryptedData []byte `json:"encryptedData"`
	IV            []byte `json:"iv"`
}

// StatusInner is the decrypted payload of Status.
type StatusInner struct {
	Status    int8
	ExtraData []byte
}

func (p *StatusInner) encode() ([]byte, error) {
	w := &payloadWriter{}
	w.writeByte(byte(p.Status))
	w.writeLenPrefixed("extra data", p.ExtraData)
	return w.bytes()
}

func decodeStatusInner(buf []byte) (*StatusInner, error) {
	r := newPayloadReader(buf)
	p := &StatusInner{}
	b, err := r.readByte("status")
	if err != nil {
		return nil, err
	}
	p.Status = int8(b)
	if p.ExtraData, err = r.readLenPrefixed("extra data"); err != nil {
		return nil, err
	}
	if err := r.done(); err != nil {
		return nil, err
	}
	return p, nil
}

// SealStatus builds a Status with the inner payload encrypted under key.
func SealStatus(sessionID uint32, inner *StatusInner, key []byte) (*Status, error) {
	plaintext, err := inner.encode()
	if err != nil {
		return nil, err
	}
	encrypted, iv, err := seal(key, plaintext)
	if err != nil {
		return nil, err
	}
	return &Status{SessionID: sessionID, EncryptedData: encrypted, IV: iv}, nil
}

// Open decrypts and decodes the inner payload.
func (m *Status) Open(key []byte) (*StatusInner, error) {
	plaintext, err := crypto.Open(key, m.IV, m.EncryptedData)
	if err != nil {
		return nil, err
	}
	return decodeStatusInner(plaintext)
}

// Serialize encodes the message for the wire.
func (m *Status) Serialize() ([]byte, error) {
	return json.Marshal(m)
}

// DeserializeStatus decodes and validates a Status message.
func DeserializeStatus(data []byte) (*Status, error) {
	m := &Status{}
	if err := unmarshal(data, m); err != nil {
		return nil, err
	}
	if err := validateEncrypted("status", m.EncryptedData, m.IV); err != nil {
		return nil, err
	}
	return m, nil
}

// ============================================================================
// PicoReauth
// ============================================================================

// PicoReauth is the prover's half of the continuous ping-pong.
type PicoReauth struct {
	SessionID     uint32 `json:"sessionId"`
	EncryptedData []byte `json:"encryptedData"`
	IV            []byte `json:"iv"`
}

// PicoReauthInner is the decrypted payload of PicoReauth.
type PicoReauthInner struct {
	State     reauth.State
	Sequence  sequence.Number
	ExtraData []byte
}

func (p *PicoReauthInner) encode() ([]byte, error) {
	w := &payloadWriter{}
	w.writeByte(byte(p.State.Wire()))
	w.writeSequence(p.Sequence)
	w.writeLenPrefixed("extra data", p.ExtraData)
	return w.bytes()
}

func decodePicoReauthInner(buf []byte) (*PicoReauthInner, error) {
	r := newPayloadReader(buf)
	p := &PicoReauthInner{}
	b, err := r.readByte("reauth state")
	if err != nil {
		return nil, err
	}
	p.State = reauth.FromWire(int8(b))
	if p.Sequence, err = r.readSequence("sequence number"); err != nil {
		return nil, err
	}
	if p.ExtraData, err = r.readLenPrefixed("extra data"); err != nil {
		return nil, err
	}
	if err := r.done(); err != nil {
		return nil, err
	}
	return p, nil
}

// SealPicoReauth builds a PicoReauth with the inner payload encrypted under
// the session key.
func SealPicoReauth(sessionID uint32, inner *PicoReauthInner, key []byte) (*PicoReauth, error) {
	plaintext, err := inner.encode()
	if err != nil {
		return nil, err
	}
	encrypted, iv, err := seal(key, plaintext)
	if err != nil {
		return nil, err
	}
	return &PicoReauth{SessionID: sessionID, EncryptedData: encrypted, IV: iv}, nil
}

// Open decrypts and decodes the inner payload.
func (m *PicoReauth) Open(key []byte) (*PicoReauthInner, error) {
	plaintext, err := crypto.Open(key, m.IV, m.EncryptedData)
	if err != nil {
		return nil, err
	}
	return decodePicoReauthInner(plaintext)
}

// Serialize encodes the message for the wire.
func (m *PicoReauth) Serialize() ([]byte, error) {
	return json.Marshal(m)
}

// DeserializePicoReauth decodes and validates a PicoReauth message.
func DeserializePicoReauth(data []byte) (*PicoReauth, error) {
	m := &PicoReauth{}
	if err := unmarshal(data, m); err != nil {
		return nil, err
	}
	if err := validateEncrypted("picoReauth", m.EncryptedData, m.IV); err != nil {
		return nil, err
	}
	return m, nil
}

// ============================================================================
// ServiceReauth
// ============================================================================

// ServiceReauth is the verifier's half of the continuous ping-pong. It
// additionally carries the ping-pong period the prover must adopt.
type ServiceReauth struct {
	SessionID     uint32 `json:"sessionId"`
	EncryptedData []byte `json:"encryptedData"`
	IV            []byte `json:"iv"`
}

// ServiceReauthInner is the decrypted payload of ServiceReauth.
type ServiceReauthInner struct {
	State     reauth.State
	TimeoutMS int32
	Sequence  sequence.Number
	ExtraData []byte
}

func (p *ServiceReauthInner) encode() ([]byte, error) {
	w := &payloadWriter{}
	w.writeByte(byte(p.State.Wire()))
	w.writeInt32(p.TimeoutMS)
	w.writeSequence(p.Sequence)
	w.writeLenPrefixed("extra data", p.ExtraData)
	return w.bytes()
}

func decodeServiceReauthInner(buf []byte) (*ServiceReauthInner, error) {
	r := newPayloadReader(buf)
	p := &ServiceReauthInner{}
	b, err := r.readByte("reauth state")
	if err != nil {
		return nil, err
	}
	p.State = reauth.FromWire(int8(b))
	if p.TimeoutMS, err = r.readInt32("timeout"); err != nil {
		return nil, err
	}
	if p.Sequence, err = r.readSequence("sequence number"); err != nil {
		return nil, err
	}
	if p.ExtraData, err = r.readLenPrefixed("extra data"); err != nil {
		return nil, err
	}
	if err := r.done(); err != nil {
		return nil, err
	}
	return p, nil
}

// SealServiceReauth builds a ServiceReauth with the inner payload encrypted
// under the session key.
func SealServiceReauth(sessionID uint32, inner *ServiceReauthInner, key []byte) (*ServiceReauth, error) {
	plaintext, err := inner.encode()
	if err != nil {
		return nil, err
	}
	encrypted, iv, err := seal(key, plaintext)
	if err != nil {
		return nil, err
	}
	return &ServiceReauth{SessionID: sessionID, EncryptedData: encrypted, IV: iv}, nil
}

// Open decrypts and decodes the inner payload.
func (m *ServiceReauth) Open(key []byte) (*ServiceReauthInner, error) {
	plaintext, err := crypto.Open(key, m.IV, m.EncryptedData)
	if err != nil {
		return nil, err
	}
	return decodeServiceReauthInner(plaintext)
}

// Serialize encodes the message for the wire.
func (m *ServiceReauth) Serialize() ([]byte, error) {
	return json.Marshal(m)
}

// DeserializeServiceReauth decodes and validates a ServiceReauth message.
func DeserializeServiceReauth(data []byte) (*ServiceReauth, error) {
	m := &ServiceReauth{}
	if err := unmarshal(data, m); err != nil {
		return nil, err
	}
	if err := validateEncrypted("serviceReauth", m.EncryptedData, m.IV); err != nil {
		return nil, err
	}
	return m, nil
}

func validateEncrypted(name string, encrypted, iv []byte) error {
	if len(encrypted) < crypto.TagSize {
		return fmt.Errorf("%w: %s encryptedData too short", ErrMalformed, name)
	}
	if len(iv) != crypto.IVSize {
		return fmt.Errorf("%w: %s iv is %d bytes, expected %d", ErrMalformed, name, len(iv), crypto.IVSize)
	}
	return nil
}
