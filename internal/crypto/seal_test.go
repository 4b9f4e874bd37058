package crypto

import (
	"bytes"
	"crypto/subtle"
	"errors"
	"testing"
)

func TestRandBytes_LengthAndUniqueness(t *testing.T) {
	t.Parallel()

	const n = 48
	a, err := RandBytes(n)
	if err != nil {
		t.Fatalf("RandBytes: %v", err)
	}
	if len(a) != n {
		t.Fatalf("len=%d, want=%d", len(a), n)
	}
	b, _ := RandBytes(n)
	if bytes.Equal(a, b) {
		t.Fatalf("RandBytes produced equal slices")
	}
}

func TestDeriveKey_DeterministicAndSecretDependent(t *testing.T) {
	t.Parallel()

	k1 := DeriveKey([]byte("s3cret"))
	k2 := DeriveKey([]byte("s3cret"))
	if len(k1) != 32 {
		t.Fatalf("key len=%d", len(k1))
	}
	if subtle.ConstantTimeCompare(k1, k2) != 1 {
		t.Fatalf("DeriveKey not deterministic")
	}
	if subtle.ConstantTimeCompare(k1, DeriveKey([]byte("other"))) != 0 {
		t.Fatalf("DeriveKey must change with secret")
	}
}

func TestAEAD_Roundtrip(t *testing.T) {
	t.Parallel()

	s := NewSealer("s3cret")
	aad := []byte("default/access_token")
	pt := []byte("a1b2c3")

	ct, err := s.Seal(pt, aad)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if bytes.Contains(ct, pt) {
		t.Fatalf("ciphertext leaks plaintext")
	}
	got, err := s.Open(ct, aad)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if !bytes.Equal(got, pt) {
		t.Fatalf("roundtrip mismatch")
	}

	if _, err := s.Open(ct, []byte("default/refresh_token")); err == nil {
		t.Fatalf("Open with other aad must fail")
	}
	if _, err := NewSealer("wrong").Open(ct, aad); err == nil {
		t.Fatalf("Open with other key must fail")
	}
}

func TestAEAD_AcceptsPlainValues(t *testing.T) {
	t.Parallel()

	stored, _ := Plain{}.Seal([]byte("tok"), nil)
	got, err := NewSealer("k").Open(stored, []byte("x"))
	if err != nil || string(got) != "tok" {
		t.Fatalf("plain value via AEAD: got=%q err=%v", got, err)
	}
}

func TestPlain_Behaviour(t *testing.T) {
	t.Parallel()

	if _, ok := NewSealer("").(Plain); !ok {
		t.Fatalf("empty secret must yield Plain")
	}
	stored, err := Plain{}.Seal([]byte("tok"), nil)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	got, err := Plain{}.Open(stored, nil)
	if err != nil || string(got) != "tok" {
		t.Fatalf("Open: got=%q err=%v", got, err)
	}

	sealed, _ := NewSealer("k").Seal([]byte("tok"), nil)
	if _, err := (Plain{}).Open(sealed, nil); !errors.Is(err, ErrNoKey) {
		t.Fatalf("want ErrNoKey, got %v", err)
	}
	if _, err := (Plain{}).Open(nil, nil); !errors.Is(err, ErrMalformed) {
		t.Fatalf("want ErrMalformed on empty, got %v", err)
	}
	if _, err := (Plain{}).Open([]byte{0x7f, 1}, nil); !errors.Is(err, ErrMalformed) {
		t.Fatalf("want ErrMalformed on unknown tag, got %v", err)
	}
}

func TestAEAD_RejectsShort(t *testing.T) {
	t.Parallel()

	s := NewSealer("k")
	if _, err := s.Open([]byte{tagSealed, 1, 2, 3}, nil); !errors.Is(err, ErrMalformed) {
		t.Fatalf("want ErrMalformed, got %v", err)
	}
}
