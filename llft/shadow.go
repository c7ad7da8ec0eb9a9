package llft

import (
	"encoding/binary"

	"meshfabric.dev/core/crypto"
	"meshfabric.dev/core/fixedpoint"
	"meshfabric.dev/core/wire"
)

// StateDigest is the 256-bit hash spec §4.3 calls a "committed-epoch
// hash": a digest of the Backup's (or Primary's) shadow state, computed
// through crypto.DigestProvider rather than a direct hash-library call
// so the algorithm spec §9's Open Question leaves unspecified stays
// swappable without touching this file.
type StateDigest [32]byte

// digestProvider is the process-wide DigestProvider. It is a package
// variable rather than a parameter threaded through ShadowState
// because every replica in a deployment must use the same algorithm;
// swapping it is a build-time decision, not a per-instance one.
var digestProvider crypto.DigestProvider = crypto.StdDigestProvider{}

// DigestState hashes (cycle, x, committed_epoch) into a StateDigest,
// in that order (spec §9: "a 256-bit collision-resistant hash over the
// canonical encoding of (cycle, x, committed_epoch)"). Both replicas
// compute this identically off their own shadow copy of the state; a
// heartbeat exchange of digests (out of band from the minimal wire
// Heartbeat, which only carries cycle and committed_epoch separately)
// lets the Backup detect divergence without shipping all of x every
// cycle.
func DigestState(cycle uint64, x fixedpoint.Vector, committedEpoch uint64) StateDigest {
	buf := make([]byte, 0, 8+4*len(x)+8)
	var cycleBuf [8]byte
	binary.LittleEndian.PutUint64(cycleBuf[:], cycle)
	buf = append(buf, cycleBuf[:]...)
	for _, q := range x {
		var qBuf [4]byte
		binary.LittleEndian.PutUint32(qBuf[:], uint32(int32(q)))
		buf = append(buf, qBuf[:]...)
	}
	var epochBuf [8]byte
	binary.LittleEndian.PutUint64(epochBuf[:], committedEpoch)
	buf = append(buf, epochBuf[:]...)
	return StateDigest(digestProvider.SHA3_256(buf))
}

// ShadowState tracks the Backup's local mirror of the Primary's
// committed state (spec §4.3: "The Backup applies every verified
// CommitToken and every decoded cycle output identically to the
// Primary"), and detects divergence by comparing digests exchanged
// out of band each heartbeat.
type ShadowState struct {
	Cycle          uint64
	CommittedEpoch uint64
	X              fixedpoint.Vector
}

// Digest returns the current shadow state's StateDigest.
func (s *ShadowState) Digest() StateDigest {
	return DigestState(s.Cycle, s.X, s.CommittedEpoch)
}

// Diverged reports whether peerDigest (received from the Primary out
// of band) disagrees with this shadow's own digest.
func (s *ShadowState) Diverged(peerDigest StateDigest) bool {
	return s.Digest() != peerDigest
}

// ApplyResync installs the state carried in a signed ResyncFrame. The
// caller is responsible for having already verified rf.Signature
// against the Primary's known key before calling this: ApplyResync
// itself performs no cryptographic check, the Ed25519
// check is done by the caller (Aggregator.OnResync) before it calls
// ApplyResync.
func (s *ShadowState) ApplyResync(rf wire.ResyncFrame) {
	s.Cycle = rf.Cycle
	s.CommittedEpoch = rf.CommittedEpoch
	s.X = append(fixedpoint.Vector(nil), rf.X...)
}
