package randtoken

import "testing"

func TestNewIsUniqueAndURLSafe(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		tok, err := New(DefaultBytes)
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		if want, got := 43, len(tok); want != got {
			t.Fatalf("want len %d got %d", want, got)
		}
		if seen[tok] {
			t.Fatalf("duplicate token %q", tok)
		}
		seen[tok] = true
	}
}

func TestNewRejectsInvalidLength(t *testing.T) {
	if _, err := New(0); err == nil {
		t.Fatalf("want error for zero length")
	}
}

func TestHashIsStable(t *testing.T) {
	if Hash("abc") != Hash("abc") {
		t.Fatalf("hash not deterministic")
	}
	if want, got := "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad", Hash("abc"); want != got {
		t.Fatalf("want %s got %s", want, got)
	}
}
