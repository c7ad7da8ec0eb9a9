package crypto

import "testing"

func TestSHA3_256Deterministic(t *testing.T) {
	p := StdDigestProvider{}
	a := p.SHA3_256([]byte("epoch-9-x"))
	b := p.SHA3_256([]byte("epoch-9-x"))
	if a != b {
		t.Fatalf("digest not deterministic: %x != %x", a, b)
	}
}

func TestSHA3_256DiffersOnInput(t *testing.T) {
	p := StdDigestProvider{}
	a := p.SHA3_256([]byte("epoch-9"))
	b := p.SHA3_256([]byte("epoch-10"))
	if a == b {
		t.Fatal("expected distinct digests for distinct inputs")
	}
}
