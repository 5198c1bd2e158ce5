package internal

import (
	"errors"
	"testing"
)

// FuzzDecodeOpaque exercises opaque token decoding with arbitrary strings.
// Goal: no panics; invalid inputs fail with ErrOpaqueFormat.
func FuzzDecodeOpaque(f *testing.F) {
	f.Add("")
	f.Add("abc")
	f.Add("AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA")

	if token, _, _, err := NewOpaque(); err == nil {
		f.Add(token)
	}

	f.Add("!!!not-base64!!!")
	f.Add("aGVsbG8=")

	f.Fuzz(func(t *testing.T, input string) {
		id, secret, err := DecodeOpaque(input)
		if err != nil {
			if !errors.Is(err, ErrOpaqueFormat) {
				t.Fatalf("unexpected error type: %v", err)
			}
			return
		}

		reEncoded, err := EncodeOpaque(id, secret)
		if err != nil {
			t.Fatalf("re-encode of decoded token failed: %v", err)
		}
		id2, secret2, err := DecodeOpaque(reEncoded)
		if err != nil {
			t.Fatalf("roundtrip decode failed: %v", err)
		}
		if id2 != id || secret2 != secret {
			t.Fatal("roundtrip mismatch")
		}
	})
}

func TestNewOpaqueIsUnique(t *testing.T) {
	seen := make(map[string]struct{}, 256)
	for i := 0; i < 256; i++ {
		token, id, secret, err := NewOpaque()
		if err != nil {
			t.Fatalf("NewOpaque failed: %v", err)
		}
		if _, dup := seen[token]; dup {
			t.Fatalf("duplicate token after %d draws", i)
		}
		seen[token] = struct{}{}

		gotID, gotSecret, err := DecodeOpaque(token)
		if err != nil {
			t.Fatalf("DecodeOpaque failed: %v", err)
		}
		if gotID != id || gotSecret != secret {
			t.Fatal("decoded parts differ from issued parts")
		}
	}
}

func TestDecodeOpaqueRejectsWrongLength(t *testing.T) {
	if _, _, err := DecodeOpaque("dG9vLXNob3J0"); !errors.Is(err, ErrOpaqueFormat) {
		t.Fatalf("expected ErrOpaqueFormat, got %v", err)
	}
}
