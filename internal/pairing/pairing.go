// Package pairing implements the signed QR payloads that bootstrap the
// rendezvous channel: KeyPairing for first-time pairing and KeyAuth for
// authentication against an already-paired service. The payload carries the
// service identity and rendezvous address, signed with the service's
// long-term key so a prover can pin the identity before any network
// traffic.
package pairing

import (
	"crypto/ecdsa"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	qrcode "github.com/skip2/go-qrcode"

	"github.com/picoauth/pico-go/internal/crypto"
)

// Payload type tags.
const (
	TypeKeyPairing = "KP"
	TypeKeyAuth    = "KA"
)

var (
	// ErrBadSignature is returned when the payload signature does not
	// verify against the embedded service key.
	ErrBadSignature = errors.New("pairing payload signature invalid")

	// ErrMalformed is returned for unparseable or incomplete payloads.
	ErrMalformed = errors.New("malformed pairing payload")
)

// QRCallback receives the serialized payload for display. Returning false
// aborts the session before any network activity.
type QRCallback func(text string) bool

// Payload is the JSON document rendered into the QR code.
type Payload struct {
	ServiceName    string `json:"sn"`
	ServicePubKey  []byte `json:"spk"` // DER SubjectPublicKeyInfo
	Signature      []byte `json:"sig"`
	ExtraData      []byte `json:"ed,omitempty"`
	ServiceAddress string `json:"sa"` // rendezvous URL
	TerminalDesc   string `json:"td,omitempty"`
	Type           string `json:"t"`
}

// New builds a signed payload of the given type.
func New(payloadType, serviceName, serviceAddress, terminalDesc string, identity *crypto.KeyPair, extraData []byte) (*Payload, error) {
	if payloadType != TypeKeyPairing && payloadType != TypeKeyAuth {
		return nil, fmt.Errorf("%w: unknown type %q", ErrMalformed, payloadType)
	}
	der, err := identity.PublicDER()
	if err != nil {
		return nil, err
	}

	p := &Payload{
		ServiceName:    serviceName,
		ServicePubKey:  der,
		ExtraData:      extraData,
		ServiceAddress: serviceAddress,
		TerminalDesc:   terminalDesc,
		Type:           payloadType,
	}
	sig, err := identity.Sign(p.signedBytes())
	if err != nil {
		return nil, err
	}
	p.Signature = sig
	return p, nil
}

// NewKeyPairing builds a signed first-time pairing payload.
func NewKeyPairing(serviceName, serviceAddress string, identity *crypto.KeyPair, extraData []byte) (*Payload, error) {
	return New(TypeKeyPairing, serviceName, serviceAddress, "", identity, extraData)
}

// NewKeyAuth builds a signed authentication payload.
func NewKeyAuth(serviceName, serviceAddress, terminalDesc string, identity *crypto.KeyPair, extraData []byte) (*Payload, error) {
	return New(TypeKeyAuth, serviceName, serviceAddress, terminalDesc, identity, extraData)
}

// signedBytes is the byte string the signature covers: every field except
// the signature itself, length-prefixed to keep the concatenation
// unambiguous.
func (p *Payload) signedBytes() []byte {
	parts := [][]byte{
		[]byte(p.Type),
		[]byte(p.ServiceName),
		p.ServicePubKey,
		[]byte(p.ServiceAddress),
		[]byte(p.TerminalDesc),
		p.ExtraData,
	}
	var buf []byte
	for _, part := range parts {
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(part)))
		buf = append(buf, part...)
	}
	return buf
}

// Serialize encodes the payload as the QR JSON document.
func (p *Payload) Serialize() ([]byte, error) {
	return json.Marshal(p)
}

// Deserialize decodes and validates a payload. The signature is verified
// against the embedded service key; callers still decide whether to trust
// that key (first pairing) or match it against a stored one.
func Deserialize(data []byte) (*Payload, error) {
	p := &Payload{}
	if err := json.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if p.Type != TypeKeyPairing && p.Type != TypeKeyAuth {
		return nil, fmt.Errorf("%w: unknown type %q", ErrMalformed, p.Type)
	}
	if len(p.ServicePubKey) == 0 {
		return nil, fmt.Errorf("%w: missing service public key", ErrMalformed)
	}
	if p.ServiceAddress == "" {
		return nil, fmt.Errorf("%w: missing service address", ErrMalformed)
	}
	if err := p.Verify(); err != nil {
		return nil, err
	}
	return p, nil
}

// Verify checks the signature against the embedded service key.
func (p *Payload) Verify() error {
	pub, err := p.ServiceKey()
	if err != nil {
		return err
	}
	if !crypto.Verify(pub, p.signedBytes(), p.Signature) {
		return ErrBadSignature
	}
	return nil
}

// ServiceKey decodes the embedded service identity key.
func (p *Payload) ServiceKey() (*ecdsa.PublicKey, error) {
	return crypto.ParsePublicDER(p.ServicePubKey)
}

// RenderTerminal returns the payload as a QR code drawn with terminal
// block characters.
func (p *Payload) RenderTerminal() (string, error) {
	data, err := p.Serialize()
	if err != nil {
		return "", err
	}
	qr, err := qrcode.New(string(data), qrcode.Medium)
	if err != nil {
		return "", fmt.Errorf("render QR: %w", err)
	}
	return qr.ToSmallString(false), nil
}
