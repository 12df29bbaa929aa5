package identity

import (
	"errors"
	"testing"
)

func TestParseNormalizesCase(t *testing.T) {
	addr, err := Parse("0xAbC0000000000000000000000000000000000001")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if addr.String() != "0xabc0000000000000000000000000000000000001" {
		t.Fatalf("unexpected normalization: %s", addr)
	}
}

func TestParseAcceptsBareHex(t *testing.T) {
	addr, err := Parse("abc0000000000000000000000000000000000001")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if addr.String() != "0xabc0000000000000000000000000000000000001" {
		t.Fatalf("unexpected address: %s", addr)
	}
}

func TestParseRejectsGarbage(t *testing.T) {
	for _, raw := range []string{"", "   ", "0x123", "not-an-address", "0xzz c"} {
		if _, err := Parse(raw); !errors.Is(err, ErrInvalidAddress) {
			t.Fatalf("expected ErrInvalidAddress for %q, got %v", raw, err)
		}
	}
}

func TestEqualIgnoresCase(t *testing.T) {
	a := MustParse("0xAbC0000000000000000000000000000000000001")
	b := MustParse("0xABC0000000000000000000000000000000000001")
	if !a.Equal(b) {
		t.Fatalf("expected %s == %s", a, b)
	}
}
