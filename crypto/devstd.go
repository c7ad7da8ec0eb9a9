package crypto

import "golang.org/x/crypto/sha3"

// StdDigestProvider implements DigestProvider with SHA3-256 from
// golang.org/x/crypto/sha3. It is the default (and, today, only) provider
// wired into llft.
type StdDigestProvider struct{}

func (p StdDigestProvider) SHA3_256(input []byte) [32]byte {
	h := sha3.New256()
	_, _ = h.Write(input)
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}
