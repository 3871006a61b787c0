package message

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/picoauth/pico-go/internal/sequence"
)

var (
	// ErrTruncated is returned when an inner payload ends before a field.
	ErrTruncated = errors.New("inner payload truncated")

	// ErrTrailingData is returned when an inner payload decodes cleanly but
	// leaves unconsumed bytes. Decoders must consume the plaintext exactly.
	ErrTrailingData = errors.New("inner payload has trailing bytes")

	// ErrFieldTooLong is returned when a field exceeds the u16 length prefix.
	ErrFieldTooLong = errors.New("field exceeds maximum length")
)

// payloadWriter builds the inner byte payloads carried inside encryptedData.
// Variable-length fields are framed as a big-endian u16 length followed by
// the bytes.
type payloadWriter struct {
	buf []byte
	err error
}

func (w *payloadWriter) writeByte(b byte) {
	if w.err != nil {
		return
	}
	w.buf = append(w.buf, b)
}

func (w *payloadWriter) writeInt32(v int32) {
	if w.err != nil {
		return
	}
	w.buf = binary.BigEndian.AppendUint32(w.buf, uint32(v))
}

func (w *payloadWriter) writeLenPrefixed(field string, b []byte) {
	if w.err != nil {
		return
	}
	if len(b) > 0xFFFF {
		w.err = fmt.Errorf("%w: %s is %d bytes", ErrFieldTooLong, field, len(b))
		return
	}
	w.buf = binary.BigEndian.AppendUint16(w.buf, uint16(len(b)))
	w.buf = append(w.buf, b...)
}

// writeSequence writes a sequence number. The length prefix is redundant
// (always 8) but preserved for wire compatibility.
func (w *payloadWriter) writeSequence(n sequence.Number) {
	w.writeLenPrefixed("sequence number", n.Bytes())
}

func (w *payloadWriter) bytes() ([]byte, error) {
	if w.err != nil {
		return nil, w.err
	}
	return w.buf, nil
}

// payloadReader decodes inner payloads, tracking the read offset so done()
// can enforce exact consumption of the decrypted plaintext.
type payloadReader struct {
	buf []byte
	off int
}

func newPayloadReader(buf []byte) *payloadReader {
	return &payloadReader{buf: buf}
}

func (r *payloadReader) readByte(field string) (byte, error) {
	if r.off+1 > len(r.buf) {
		return 0, fmt.Errorf("%w: %s", ErrTruncated, field)
	}
	b := r.buf[r.off]
	r.off++
	return b, nil
}

func (r *payloadReader) readInt32(field string) (int32, error) {
	if r.off+4 > len(r.buf) {
		return 0, fmt.Errorf("%w: %s", ErrTruncated, field)
	}
	v := int32(binary.BigEndian.Uint32(r.buf[r.off:]))
	r.off += 4
	return v, nil
}

func (r *payloadReader) readLenPrefixed(field string) ([]byte, error) {
	if r.off+2 > len(r.buf) {
		return nil, fmt.Errorf("%w: %s length", ErrTruncated, field)
	}
	n := int(binary.BigEndian.Uint16(r.buf[r.off:]))
	r.off += 2
	if r.off+n > len(r.buf) {
		return nil, fmt.Errorf("%w: %s", ErrTruncated, field)
	}
	b := make([]byte, n)
	copy(b, r.buf[r.off:r.off+n])
	r.off += n
	return b, nil
}

func (r *payloadReader) readSequence(field string) (sequence.Number, error) {
	b, err := r.readLenPrefixed(field)
	if err != nil {
		return sequence.Zero, err
	}
	n, err := sequence.FromBytes(b)
	if err != nil {
		return sequence.Zero, fmt.Errorf("%s: %w", field, err)
	}
	return n, nil
}

// done fails unless the whole payload was consumed.
func (r *payloadReader) done() error {
	if r.off != len(r.buf) {
		return fmt.Errorf("%w: %d of %d bytes consumed", ErrTrailingData, r.off, len(r.buf))
	}
	return nil
}
