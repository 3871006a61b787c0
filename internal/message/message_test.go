package message

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"testing"

	"github.com/picoauth/pico-go/internal/crypto"
	"github.com/picoauth/pico-go/internal/reauth"
	"github.com/picoauth/pico-go/internal/sequence"
)

var testKey = bytes.Repeat([]byte{0x5A}, crypto.KeySize)

func TestStartRoundTrip(t *testing.T) {
	m := &Start{
		PicoEphemeralPublicKey: []byte("ephemeral-der-bytes"),
		PicoNonce:              bytes.Repeat([]byte{3}, crypto.NonceSize),
		PicoVersion:            PicoVersion,
	}

	data, err := m.Serialize()
	if err != nil {
		t.Fatalf("Serialize() error = %v", err)
	}

	got, err := DeserializeStart(data)
	if err != nil {
		t.Fatalf("DeserializeStart() error = %v", err)
	}
	if !bytes.Equal(got.PicoEphemeralPublicKey, m.PicoEphemeralPublicKey) {
		t.Error("ephemeral key changed in round trip")
	}
	if !bytes.Equal(got.PicoNonce, m.PicoNonce) {
		t.Error("nonce changed in round trip")
	}
	if got.PicoVersion != PicoVersion {
		t.Errorf("version = %d, want %d", got.PicoVersion, PicoVersion)
	}
}

func TestDeserializeStartRejects(t *testing.T) {
	nonce := bytes.Repeat([]byte{1}, crypto.NonceSize)

	tests := []struct {
		name string
		msg  *Start
	}{
		{"missing key", &Start{PicoNonce: nonce, PicoVersion: PicoVersion}},
		{"short nonce", &Start{PicoEphemeralPublicKey: []byte("k"), PicoNonce: []byte{1, 2}, PicoVersion: PicoVersion}},
		{"wrong version", &Start{PicoEphemeralPublicKey: []byte("k"), PicoNonce: nonce, PicoVersion: 1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, _ := json.Marshal(tt.msg)
			if _, err := DeserializeStart(data); err == nil {
				t.Error("DeserializeStart() accepted an invalid message")
			}
		})
	}

	if _, err := DeserializeStart([]byte("{not json")); !errors.Is(err, ErrMalformed) {
		t.Errorf("DeserializeStart(bad json) error = %v, want ErrMalformed", err)
	}
}

func TestServiceAuthRoundTrip(t *testing.T) {
	inner := &ServiceAuthInner{
		ServiceIdentityKey: []byte("service-identity-der"),
		Signature:          []byte("transcript-signature"),
		Mac:                []byte("identity-mac"),
		ServiceNonce:       bytes.Repeat([]byte{7}, crypto.NonceSize),
	}

	m, err := SealServiceAuth(77, []byte("service-ephem-der"), inner, testKey)
	if err != nil {
		t.Fatalf("SealServiceAuth() error = %v", err)
	}

	data, err := m.Serialize()
	if err != nil {
		t.Fatalf("Serialize() error = %v", err)
	}
	parsed, err := DeserializeServiceAuth(data)
	if err != nil {
		t.Fatalf("DeserializeServiceAuth() error = %v", err)
	}
	if parsed.SessionID != 77 {
		t.Errorf("SessionID = %d, want 77", parsed.SessionID)
	}

	got, err := parsed.Open(testKey)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if !bytes.Equal(got.ServiceIdentityKey, inner.ServiceIdentityKey) ||
		!bytes.Equal(got.Signature, inner.Signature) ||
		!bytes.Equal(got.Mac, inner.Mac) ||
		!bytes.Equal(got.ServiceNonce, inner.ServiceNonce) {
		t.Error("inner payload changed in round trip")
	}
}

func TestPicoAuthRoundTrip(t *testing.T) {
	inner := &PicoAuthInner{
		PicoIdentityKey: []byte("pico-identity-der"),
		Signature:       []byte("sig"),
		Mac:             []byte("mac"),
		ExtraData:       []byte("one-time token"),
	}

	m, err := SealPicoAuth(5, inner, testKey)
	if err != nil {
		t.Fatalf("SealPicoAuth() error = %v", err)
	}
	data, _ := m.Serialize()
	parsed, err := DeserializePicoAuth(data)
	if err != nil {
		t.Fatalf("DeserializePicoAuth() error = %v", err)
	}
	got, err := parsed.Open(testKey)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if !bytes.Equal(got.ExtraData, inner.ExtraData) {
		t.Error("extra data changed in round trip")
	}

	// Empty extra data survives too.
	m2, _ := SealPicoAuth(5, &PicoAuthInner{PicoIdentityKey: []byte("k"), Signature: []byte("s"), Mac: []byte("m")}, testKey)
	got2, err := m2.Open(testKey)
	if err != nil {
		t.Fatalf("Open() empty extra error = %v", err)
	}
	if len(got2.ExtraData) != 0 {
		t.Errorf("empty extra data decoded as %q", got2.ExtraData)
	}
}

func TestStatusRoundTrip(t *testing.T) {
	for _, status := range []int8{StatusOKDone, StatusOKContinue, StatusRejected, StatusError} {
		m, err := SealStatus(9, &StatusInner{Status: status, ExtraData: []byte("x")}, testKey)
		if err != nil {
			t.Fatalf("SealStatus(%d) error = %v", status, err)
		}
		data, _ := m.Serialize()
		parsed, err := DeserializeStatus(data)
		if err != nil {
			t.Fatalf("DeserializeStatus() error = %v", err)
		}
		got, err := parsed.Open(testKey)
		if err != nil {
			t.Fatalf("Open() error = %v", err)
		}
		if got.Status != status {
			t.Errorf("status = %d, want %d (signed byte decode)", got.Status, status)
		}
	}
}

func TestPicoReauthRoundTrip(t *testing.T) {
	seq, _ := sequence.Random()
	inner := &PicoReauthInner{
		State:     reauth.Pause,
		Sequence:  seq,
		ExtraData: []byte("ed"),
	}

	m, err := SealPicoReauth(3, inner, testKey)
	if err != nil {
		t.Fatalf("SealPicoReauth() error = %v", err)
	}
	data, _ := m.Serialize()
	parsed, err := DeserializePicoReauth(data)
	if err != nil {
		t.Fatalf("DeserializePicoReauth() error = %v", err)
	}
	got, err := parsed.Open(testKey)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if got.State != reauth.Pause {
		t.Errorf("state = %s, want PAUSE", got.State)
	}
	if !got.Sequence.Equal(seq) {
		t.Error("sequence changed in round trip")
	}
}

func TestServiceReauthRoundTrip(t *testing.T) {
	seq, _ := sequence.Random()
	inner := &ServiceReauthInner{
		State:     reauth.Continue,
		TimeoutMS: 10000,
		Sequence:  seq,
	}

	m, err := SealServiceReauth(3, inner, testKey)
	if err != nil {
		t.Fatalf("SealServiceReauth() error = %v", err)
	}
	data, _ := m.Serialize()
	parsed, err := DeserializeServiceReauth(data)
	if err != nil {
		t.Fatalf("DeserializeServiceReauth() error = %v", err)
	}
	got, err := parsed.Open(testKey)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if got.TimeoutMS != 10000 {
		t.Errorf("timeout = %d, want 10000", got.TimeoutMS)
	}
	if !got.Sequence.Equal(seq) {
		t.Error("sequence changed in round trip")
	}
}

func TestTamperedCiphertextRejected(t *testing.T) {
	m, err := SealStatus(1, &StatusInner{Status: StatusOKDone}, testKey)
	if err != nil {
		t.Fatalf("SealStatus() error = %v", err)
	}

	m.EncryptedData[0] ^= 0x01
	if _, err := m.Open(testKey); !errors.Is(err, crypto.ErrDecrypt) {
		t.Errorf("Open(tampered) error = %v, want ErrDecrypt", err)
	}
}

func TestInnerPayloadExactConsume(t *testing.T) {
	// Build a valid Status inner payload, then append a stray byte: decoding
	// must fail even though every field parses.
	inner := &StatusInner{Status: StatusOKContinue, ExtraData: []byte("e")}
	plaintext, err := inner.encode()
	if err != nil {
		t.Fatalf("encode() error = %v", err)
	}

	if _, err := decodeStatusInner(append(plaintext, 0x00)); !errors.Is(err, ErrTrailingData) {
		t.Errorf("decodeStatusInner(trailing byte) error = %v, want ErrTrailingData", err)
	}

	if _, err := decodeStatusInner(plaintext[:len(plaintext)-1]); !errors.Is(err, ErrTruncated) {
		t.Errorf("decodeStatusInner(truncated) error = %v, want ErrTruncated", err)
	}
}

func TestSequenceFieldAlwaysEightBytes(t *testing.T) {
	seq := sequence.Number{1, 2, 3, 4, 5, 6, 7, 8}
	inner := &PicoReauthInner{State: reauth.Continue, Sequence: seq}
	plaintext, err := inner.encode()
	if err != nil {
		t.Fatalf("encode() error = %v", err)
	}

	// Layout: state byte, then u16 length prefix which must read 8.
	if got := binary.BigEndian.Uint16(plaintext[1:3]); got != sequence.Size {
		t.Errorf("sequence length prefix = %d, want %d", got, sequence.Size)
	}

	// A payload whose sequence length prefix is not 8 must be rejected.
	bad := append([]byte(nil), plaintext...)
	binary.BigEndian.PutUint16(bad[1:3], 7)
	// Shrink payload to match the shorter claimed length.
	bad = append(bad[:3+7], bad[3+8:]...)
	if _, err := decodePicoReauthInner(bad); err == nil {
		t.Error("decodePicoReauthInner() accepted a 7-byte sequence number")
	}
}

func TestStatusSignedByteDecode(t *testing.T) {
	// StatusRejected is negative: the status byte 0xFF on the wire must come
	// back as -1, not 255.
	m, _ := SealStatus(1, &StatusInner{Status: StatusRejected}, testKey)
	got, err := m.Open(testKey)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if got.Status != -1 {
		t.Errorf("status = %d, want -1", got.Status)
	}
}

func TestFreshIVPerMessage(t *testing.T) {
	m1, _ := SealStatus(1, &StatusInner{Status: StatusOKDone}, testKey)
	m2, _ := SealStatus(1, &StatusInner{Status: StatusOKDone}, testKey)
	if bytes.Equal(m1.IV, m2.IV) {
		t.Error("two sealed messages share an IV")
	}
}

func TestValidateEncrypted(t *testing.T) {
	data, _ := json.Marshal(&Status{SessionID: 1, EncryptedData: []byte("short"), IV: make([]byte, crypto.IVSize)})
	if _, err := DeserializeStatus(data); !errors.Is(err, ErrMalformed) {
		t.Errorf("short encryptedData error = %v, want ErrMalformed", err)
	}

	data, _ = json.Marshal(&Status{SessionID: 1, EncryptedData: make([]byte, 32), IV: make([]byte, 12)})
	if _, err := DeserializeStatus(data); !errors.Is(err, ErrMalformed) {
		t.Errorf("wrong IV size error = %v, want ErrMalformed", err)
	}
}
