package sps2

import "testing"

func TestHashRoundTrip(t *testing.T) {
	h := SumBytes([]byte("hello world"))
	s := h.String()

	parsed, err := ParseHash(s)
	if err != nil {
		t.Fatalf("ParseHash(%q): %v", s, err)
	}
	if parsed != h {
		t.Errorf("ParseHash(%q) = %v, want %v", s, parsed, h)
	}
}

func TestHasherMatchesSumBytes(t *testing.T) {
	data := []byte("the quick brown fox jumps over the lazy dog")

	h := NewHasher()
	if _, err := h.Write(data[:10]); err != nil {
		t.Fatal(err)
	}
	if _, err := h.Write(data[10:]); err != nil {
		t.Fatal(err)
	}

	if got, want := h.Sum(), SumBytes(data); got != want {
		t.Errorf("streamed hash = %v, want %v", got, want)
	}
}

func TestParseHashRejectsWrongLength(t *testing.T) {
	if _, err := ParseHash("deadbeef"); err == nil {
		t.Error("expected error for short hash")
	}
}

func TestHashIsZero(t *testing.T) {
	var h Hash
	if !h.IsZero() {
		t.Error("zero value Hash should report IsZero")
	}
	if SumBytes([]byte("x")).IsZero() {
		t.Error("non-zero hash reported IsZero")
	}
}

func TestPackageSpecString(t *testing.T) {
	p := PackageSpec{Name: "bash", Version: "5.2", Revision: 3, Arch: "amd64"}
	if got, want := p.String(), "bash-5.2-3-amd64"; got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
}

func TestNewStateIDUnique(t *testing.T) {
	a, b := NewStateID(), NewStateID()
	if a == b {
		t.Error("NewStateID produced a duplicate")
	}
}
