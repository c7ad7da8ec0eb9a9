// Package crypto holds the one cryptographic abstraction the control
// fabric needs beyond Ed25519 (which poa and the resync path call
// directly from the standard library, per DESIGN.md): a pluggable
// SHA3-256 digest provider for LLFT's shadow-state divergence check.
//
// Grounded on the teacher's CryptoProvider interface
// (crypto/provider.go): a narrow interface in front of the hash
// primitive so the digest algorithm named in spec §4.3's divergence
// detector (left unspecified by the spec, see DESIGN.md) can be
// swapped without touching llft. The teacher's wider interface also
// covered ML-DSA-87/SLH-DSA post-quantum signature verification and an
// HSM/wolfcrypt-backed implementation; this module has no post-quantum
// or HSM requirement, so only the digest method and its software
// implementation survive here.
package crypto

// DigestProvider computes the committed-epoch/state digest used by
// llft's shadow-state divergence detector.
type DigestProvider interface {
	SHA3_256(input []byte) [32]byte
}
