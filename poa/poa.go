// Package poa implements the Proof-of-Authority commit path of spec
// §4.4: an operator state transition is authoritative iff it bears a
// valid Ed25519 signature from a pre-provisioned authorized key, a
// strictly monotonic per-key sequence number, and a preparatory
// state blob already known to the verifier.
//
// The verification pipeline mirrors the teacher's validateP2PKSpend
// call-site shape (consensus/spend_verify.go): a sequence of narrow,
// early-exit checks each returning one of the closed error kinds from
// ferrors, rather than a single monolithic boolean.
package poa

import (
	"crypto/ed25519"
	"sync"

	"meshfabric.dev/core/ferrors"
	"meshfabric.dev/core/wire"
)

// Ed25519 is pinned by spec §1/§4.4; unlike the rest of the module's
// crypto (SHA3-256, reused everywhere else), this one primitive is
// taken from the standard library rather than a third-party package
// because the spec names the exact algorithm. See DESIGN.md.
const (
	PublicKeySize = ed25519.PublicKeySize
	SignatureSize = ed25519.SignatureSize
)

// KnownStateSource answers whether a proposed state_hash has already
// been delivered via a preparatory frame (or included inline), per
// spec §4.4 step 4.
type KnownStateSource interface {
	HasState(stateHash [32]byte) bool
}

// Verifier holds the pre-provisioned authorized-key set and the
// strictly-monotonic per-key sequence state. It is read-only after
// startup except for the per-key sequence, rate-limit and
// tamper-counter maps, which only the verification path mutates (spec §5: "The authorized-operator set is read-only
// after startup; changes require a PoA commit").
type Verifier struct {
	mu            sync.Mutex
	authorized    map[[32]byte]bool
	lastSequence  map[[32]byte]uint64
	rateLimited   map[[32]byte]uint64 // verify_key -> cycle until which it is rate-limited
	tamperCounter map[[32]byte]int
	states        KnownStateSource
}

// NewVerifier constructs a Verifier over the given authorized key set.
func NewVerifier(authorizedKeys [][32]byte, states KnownStateSource) *Verifier {
	v := &Verifier{
		authorized:    make(map[[32]byte]bool, len(authorizedKeys)),
		lastSequence:  make(map[[32]byte]uint64),
		rateLimited:   make(map[[32]byte]uint64),
		tamperCounter: make(map[[32]byte]int),
		states:        states,
	}
	for _, k := range authorizedKeys {
		v.authorized[k] = true
	}
	return v
}

// TamperThreshold is the number of BadSignature occurrences from a
// single key before operator intervention is demanded (spec §7).
const TamperThreshold = 3

// RateLimitCycles is how many cycles an UnauthorizedOperator sender
// is rate-limited for (spec §7).
const RateLimitCycles = 10

// Verify runs the full §4.4 pipeline for a CommitToken observed at
// currentCycle. On success it returns nil and records the sequence as
// accepted; on failure it returns a *ferrors.Error of the
// corresponding kind and leaves lastSequence and the authorized set
// unchanged. Failures do touch the abuse bookkeeping: a bad signature
// increments the key's tamper counter, and an unauthorized key is
// rejected outright for the next RateLimitCycles cycles.
func (v *Verifier) Verify(ct wire.CommitToken, currentCycle uint64) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if until, limited := v.rateLimited[ct.VerifyKey]; limited && currentCycle < until {
		return ferrors.New(ferrors.UnauthorizedOperator, "sender rate-limited")
	}

	if !v.authorized[ct.VerifyKey] {
		v.rateLimited[ct.VerifyKey] = currentCycle + RateLimitCycles
		return ferrors.New(ferrors.UnauthorizedOperator, "verify_key not in authorized set")
	}

	if ct.Sequence <= v.lastSequence[ct.VerifyKey] {
		// Indistinguishable from network replay; reject silently
		// (no counters, no side effects) per spec §7.
		return ferrors.New(ferrors.ReplayedOrStale, "sequence not strictly increasing")
	}

	if !ed25519.Verify(ct.VerifyKey[:], ct.SigningBytes(), ct.Signature[:]) {
		v.tamperCounter[ct.VerifyKey]++
		if v.tamperCounter[ct.VerifyKey] >= TamperThreshold {
			return ferrors.New(ferrors.BadSignature, "signature invalid; tamper threshold reached, operator intervention required")
		}
		return ferrors.New(ferrors.BadSignature, "signature invalid")
	}

	if v.states != nil && !v.states.HasState(ct.StateHash) {
		return ferrors.New(ferrors.UnknownState, "state_hash not delivered via a preparatory frame")
	}

	v.lastSequence[ct.VerifyKey] = ct.Sequence
	return nil
}

// LastSequence reports the last accepted sequence for a key,
// primarily for tests and metrics.
func (v *Verifier) LastSequence(key [32]byte) uint64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.lastSequence[key]
}

// Sign produces a CommitToken signature over
// canonical(state_hash || sequence) using sk. This lives in the same
// package as Verify (rather than an operator-only package) because
// cmd/keyctl and tests both need it and spec treats the operator side
// as an external collaborator only for key custody, not for the wire
// format itself.
func Sign(sk ed25519.PrivateKey, stateHash [32]byte, sequence uint64) [64]byte {
	msg := wire.CommitToken{StateHash: stateHash, Sequence: sequence}.SigningBytes()
	sig := ed25519.Sign(sk, msg)
	var out [64]byte
	copy(out[:], sig)
	return out
}
