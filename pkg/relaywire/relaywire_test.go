package relaywire

import (
	"bytes"
	"testing"

	"pgregory.net/rapid"
)

func TestRoundTrip_Rapid(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		var token SessionToken
		tokBytes := rapid.SliceOfN(rapid.Byte(), 4, 4).Draw(t, "token")
		copy(token[:], tokBytes)

		payloadLen := rapid.IntRange(0, 65535).Draw(t, "payloadLen")
		payload := rapid.SliceOfN(rapid.Byte(), payloadLen, payloadLen).Draw(t, "payload")

		wire, err := Encapsulate(token, payload)
		if err != nil {
			t.Fatalf("encapsulate: %v", err)
		}

		got, err := Decapsulate(token, wire)
		if err != nil {
			t.Fatalf("decapsulate: %v", err)
		}

		if !bytes.Equal(got, payload) {
			t.Fatalf("round trip mismatch: got %d bytes, want %d bytes", len(got), len(payload))
		}
	})
}

func TestDecapsulate_RejectsTooShort(t *testing.T) {
	_, err := Decapsulate(SessionToken{1, 2, 3, 4}, []byte{1, 2, 3})
	if err != ErrTooShort {
		t.Errorf("err = %v, want ErrTooShort", err)
	}
}

func TestDecapsulate_RejectsTokenMismatch(t *testing.T) {
	token := SessionToken{1, 2, 3, 4}
	wire, err := Encapsulate(token, []byte("hello"))
	if err != nil {
		t.Fatalf("encapsulate: %v", err)
	}
	_, err = Decapsulate(SessionToken{9, 9, 9, 9}, wire)
	if err != ErrTokenMismatch {
		t.Errorf("err = %v, want ErrTokenMismatch", err)
	}
}

func TestDecapsulate_RejectsLengthMismatch(t *testing.T) {
	token := SessionToken{1, 2, 3, 4}
	wire, err := Encapsulate(token, []byte("hello"))
	if err != nil {
		t.Fatalf("encapsulate: %v", err)
	}
	truncated := wire[:len(wire)-2]
	_, err = Decapsulate(token, truncated)
	if err != ErrLengthMismatch {
		t.Errorf("err = %v, want ErrLengthMismatch", err)
	}
}

func TestRoundTrip_EmptyPayload(t *testing.T) {
	token := SessionToken{0xAA, 0xBB, 0xCC, 0xDD}
	wire, err := Encapsulate(token, nil)
	if err != nil {
		t.Fatalf("encapsulate: %v", err)
	}
	if len(wire) != HeaderSize {
		t.Errorf("len(wire) = %d, want %d", len(wire), HeaderSize)
	}
	got, err := Decapsulate(token, wire)
	if err != nil {
		t.Fatalf("decapsulate: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("got %d bytes, want 0", len(got))
	}
}

func TestRoundTrip_MaxLengthPayload(t *testing.T) {
	token := SessionToken{1, 1, 1, 1}
	payload := make([]byte, 65535)
	for i := range payload {
		payload[i] = byte(i)
	}
	wire, err := Encapsulate(token, payload)
	if err != nil {
		t.Fatalf("encapsulate: %v", err)
	}
	got, err := Decapsulate(token, wire)
	if err != nil {
		t.Fatalf("decapsulate: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatal("max-length round trip mismatch")
	}
}
