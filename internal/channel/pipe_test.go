package channel

import (
	"bytes"
	"errors"
	"testing"
	"time"
)

func TestPipeRoundTrip(t *testing.T) {
	a, b := Pipe()
	defer a.Close()

	msg := []byte("start message")
	if err := a.Write(msg); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	got, err := b.Read()
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if !bytes.Equal(got, msg) {
		t.Errorf("Read() = %q, want %q", got, msg)
	}

	// And the other direction.
	if err := b.Write([]byte("reply")); err != nil {
		t.Fatalf("Write() reply error = %v", err)
	}
	got, err = a.Read()
	if err != nil {
		t.Fatalf("Read() reply error = %v", err)
	}
	if string(got) != "reply" {
		t.Errorf("Read() = %q, want %q", got, "reply")
	}
}

func TestPipeWriteIsACopy(t *testing.T) {
	a, b := Pipe()
	defer a.Close()

	msg := []byte("original")
	if err := a.Write(msg); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	msg[0] = 'X'

	got, err := b.Read()
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if string(got) != "original" {
		t.Errorf("Read() = %q, message aliased the caller's buffer", got)
	}
}

func TestPipeReadTimeout(t *testing.T) {
	a, b := Pipe()
	defer a.Close()
	_ = b

	a.SetTimeout(10 * time.Millisecond)
	start := time.Now()
	if _, err := a.Read(); !errors.Is(err, ErrTimeout) {
		t.Fatalf("Read() error = %v, want ErrTimeout", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Read() took %v, expected prompt timeout", elapsed)
	}
}

func TestPipeZeroTimeoutExpiresImmediately(t *testing.T) {
	a, b := Pipe()
	defer a.Close()

	a.SetTimeout(0)
	if _, err := a.Read(); !errors.Is(err, ErrTimeout) {
		t.Fatalf("Read() with zero timeout error = %v, want ErrTimeout", err)
	}

	// A buffered message is still delivered.
	if err := b.Write([]byte("queued")); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	got, err := a.Read()
	if err != nil {
		t.Fatalf("Read() of buffered message error = %v", err)
	}
	if string(got) != "queued" {
		t.Errorf("Read() = %q, want %q", got, "queued")
	}
}

func TestPipeClose(t *testing.T) {
	a, b := Pipe()

	if err := a.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	if err := b.Write([]byte("late")); !errors.Is(err, ErrClosed) {
		t.Errorf("Write() after close error = %v, want ErrClosed", err)
	}
	if _, err := b.Read(); !errors.Is(err, ErrClosed) {
		t.Errorf("Read() after close error = %v, want ErrClosed", err)
	}
	if err := b.Open(); !errors.Is(err, ErrClosed) {
		t.Errorf("Open() after close error = %v, want ErrClosed", err)
	}
}
