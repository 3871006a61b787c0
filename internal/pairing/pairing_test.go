package pairing

import (
	"errors"
	"strings"
	"testing"

	"github.com/picoauth/pico-go/internal/crypto"
)

func TestPayloadRoundTrip(t *testing.T) {
	identity, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair() error = %v", err)
	}

	p, err := NewKeyPairing("door-lock", "ws://192.168.1.10:8470/pico", identity, []byte("hint"))
	if err != nil {
		t.Fatalf("NewKeyPairing() error = %v", err)
	}

	data, err := p.Serialize()
	if err != nil {
		t.Fatalf("Serialize() error = %v", err)
	}

	got, err := Deserialize(data)
	if err != nil {
		t.Fatalf("Deserialize() error = %v", err)
	}
	if got.ServiceName != "door-lock" {
		t.Errorf("ServiceName = %q, want door-lock", got.ServiceName)
	}
	if got.ServiceAddress != "ws://192.168.1.10:8470/pico" {
		t.Errorf("ServiceAddress = %q", got.ServiceAddress)
	}
	if got.Type != TypeKeyPairing {
		t.Errorf("Type = %q, want KP", got.Type)
	}

	pub, err := got.ServiceKey()
	if err != nil {
		t.Fatalf("ServiceKey() error = %v", err)
	}
	if !crypto.PublicKeysEqual(pub, identity.Public()) {
		t.Error("service key changed in round trip")
	}
}

func TestKeyAuthType(t *testing.T) {
	identity, _ := crypto.GenerateKeyPair()
	p, err := NewKeyAuth("door-lock", "ws://host/pico", "front terminal", identity, nil)
	if err != nil {
		t.Fatalf("NewKeyAuth() error = %v", err)
	}
	if p.Type != TypeKeyAuth {
		t.Errorf("Type = %q, want KA", p.Type)
	}
	if p.TerminalDesc != "front terminal" {
		t.Errorf("TerminalDesc = %q", p.TerminalDesc)
	}
	if err := p.Verify(); err != nil {
		t.Errorf("Verify() error = %v", err)
	}
}

func TestDeserializeRejectsTampering(t *testing.T) {
	identity, _ := crypto.GenerateKeyPair()
	p, err := NewKeyPairing("svc", "ws://host/pico", identity, nil)
	if err != nil {
		t.Fatalf("NewKeyPairing() error = %v", err)
	}

	// Tampering with any signed field invalidates the signature.
	p.ServiceAddress = "ws://evil/pico"
	data, _ := p.Serialize()
	if _, err := Deserialize(data); !errors.Is(err, ErrBadSignature) {
		t.Errorf("Deserialize(tampered) error = %v, want ErrBadSignature", err)
	}
}

func TestDeserializeRejectsMalformed(t *testing.T) {
	identity, _ := crypto.GenerateKeyPair()
	valid, _ := NewKeyPairing("svc", "ws://host/pico", identity, nil)

	tests := []struct {
		name   string
		mutate func(*Payload)
	}{
		{"unknown type", func(p *Payload) { p.Type = "XX" }},
		{"missing key", func(p *Payload) { p.ServicePubKey = nil }},
		{"missing address", func(p *Payload) { p.ServiceAddress = "" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := *valid
			tt.mutate(&p)
			data, _ := p.Serialize()
			if _, err := Deserialize(data); !errors.Is(err, ErrMalformed) {
				t.Errorf("Deserialize() error = %v, want ErrMalformed", err)
			}
		})
	}

	if _, err := Deserialize([]byte("{oops")); !errors.Is(err, ErrMalformed) {
		t.Errorf("Deserialize(bad json) error = %v, want ErrMalformed", err)
	}
}

func TestRenderTerminal(t *testing.T) {
	identity, _ := crypto.GenerateKeyPair()
	p, err := NewKeyPairing("svc", "ws://host/pico", identity, nil)
	if err != nil {
		t.Fatalf("NewKeyPairing() error = %v", err)
	}

	out, err := p.RenderTerminal()
	if err != nil {
		t.Fatalf("RenderTerminal() error = %v", err)
	}
	if len(out) == 0 || !strings.Contains(out, "\n") {
		t.Error("RenderTerminal() produced no QR block output")
	}
}
