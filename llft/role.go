// Package llft implements the Leader/Backup Fast Failover replication
// core of spec §4.3: the role state machine, heartbeat timeout
// detection, ClaimPrimary arbitration, the bounded ordered-delivery
// window, and shadow-state divergence detection.
//
// The promotion state machine is grounded on the teacher's BanScore
// (p2p/banscore.go): a small deterministic policy primitive driven by
// a monotonic clock passed in by the caller rather than read from
// time.Now() internally, so tests can drive it with fabricated
// timestamps exactly as banscore_test.go does.
package llft

import (
	"sync"
	"time"
)

// Role is one of the three LLFT aggregator roles (spec §4.1/§4.3).
type Role uint8

const (
	RolePrimary Role = iota
	RoleBackup
	RoleCandidate
)

func (r Role) String() string {
	switch r {
	case RolePrimary:
		return "primary"
	case RoleBackup:
		return "backup"
	case RoleCandidate:
		return "candidate"
	default:
		return "unknown"
	}
}

// MissedHeartbeatLimit is F in spec §4.3: consecutive missed
// heartbeat periods before a Backup promotes to Candidate.
const MissedHeartbeatLimit = 3

// Tuple is the arbitration key (committed_epoch, cycle, node_id) used
// to compare competing ClaimPrimary broadcasts (spec §4.3 table).
// Ordering is lexicographic over the three fields in that order.
type Tuple struct {
	CommittedEpoch uint64
	Cycle          uint64
	NodeID         uint64
}

// Higher reports whether t is strictly higher-priority than o.
func (t Tuple) Higher(o Tuple) bool {
	if t.CommittedEpoch != o.CommittedEpoch {
		return t.CommittedEpoch > o.CommittedEpoch
	}
	if t.Cycle != o.Cycle {
		return t.Cycle > o.Cycle
	}
	return t.NodeID > o.NodeID
}

// Config parameterizes a StateMachine.
type Config struct {
	NodeID uint64
	TCycle time.Duration

	// StartRole is the role this node boots into. The first-ever
	// Primary in a deployment starts as RolePrimary; every other
	// node starts RoleBackup.
	StartRole Role
}

// StateMachine drives one aggregator node's LLFT role per spec §4.3.
// All timing is driven by caller-supplied timestamps (via Tick and
// OnHeartbeat/OnClaimPrimary), never by time.Now(), so the promotion
// and arbitration logic is deterministically testable.
type StateMachine struct {
	mu sync.Mutex

	cfg Config

	role           Role
	cycle          uint64
	committedEpoch uint64

	lastHeartbeat    time.Time
	missedHeartbeats int

	ownClaim         Tuple
	candidateSince   time.Time
	candidateStarted bool
}

// New constructs a StateMachine in cfg.StartRole.
func New(cfg Config) *StateMachine {
	return &StateMachine{
		cfg:  cfg,
		role: cfg.StartRole,
	}
}

// Role returns the current role.
func (s *StateMachine) Role() Role {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.role
}

// Epoch returns the locally known committed_epoch.
func (s *StateMachine) Epoch() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.committedEpoch
}

// Cycle returns the locally known cycle number.
func (s *StateMachine) Cycle() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cycle
}

// AdvanceCycle is called by the Primary's cycle scheduler to record
// the cycle id it is about to open. Only the Primary calls this
// directly; a Backup/Candidate instead learns the current cycle from
// OnHeartbeat.
func (s *StateMachine) AdvanceCycle(cycle uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cycle = cycle
}

// SetCommittedEpoch is called by the PoA commit path when a
// CommitToken is applied at a cycle boundary (spec §4.4): only the
// Primary writes this directly, the Backup mirrors it via messages.
func (s *StateMachine) SetCommittedEpoch(epoch uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.committedEpoch = epoch
}

// OnHeartbeat processes a heartbeat received from the current Primary
// (spec §4.3: "the Primary emits a heartbeat at the start of every
// cycle"). It resets the missed-heartbeat counter and, for a Backup or
// Candidate, tracks the Primary's cycle/epoch.
func (s *StateMachine) OnHeartbeat(cycle, committedEpoch uint64, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastHeartbeat = now
	s.missedHeartbeats = 0

	if s.role != RolePrimary {
		s.cycle = cycle
		s.committedEpoch = committedEpoch
		if s.role == RoleCandidate {
			// A live heartbeat from an existing Primary always wins
			// over our own unconfirmed candidacy.
			s.role = RoleBackup
			s.candidateStarted = false
		}
	}
}

// Tick advances the state machine's view of wall-clock time. It
// returns a non-nil *claim if this call causes a Backup to broadcast
// ClaimPrimary (transition to Candidate), and becamePrimary=true if a
// Candidate's own claim has aged past T_cycle/2 uncontested and it
// should begin emitting tasks as Primary.
func (s *StateMachine) Tick(now time.Time) (claim *Tuple, becamePrimary bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.role {
	case RoleBackup:
		if s.lastHeartbeat.IsZero() {
			s.lastHeartbeat = now
			return nil, false
		}
		if now.Sub(s.lastHeartbeat) < s.cfg.TCycle {
			return nil, false
		}
		// A full T_cycle period elapsed without a heartbeat: count one
		// missed period and reset the window.
		s.lastHeartbeat = now
		s.missedHeartbeats++
		if s.missedHeartbeats < MissedHeartbeatLimit {
			return nil, false
		}
		s.role = RoleCandidate
		s.ownClaim = Tuple{CommittedEpoch: s.committedEpoch, Cycle: s.cycle, NodeID: s.cfg.NodeID}
		s.candidateSince = now
		s.candidateStarted = true
		t := s.ownClaim
		return &t, false

	case RoleCandidate:
		if !s.candidateStarted {
			s.candidateSince = now
			s.candidateStarted = true
			return nil, false
		}
		if now.Sub(s.candidateSince) < s.cfg.TCycle/2 {
			return nil, false
		}
		s.role = RolePrimary
		s.candidateStarted = false
		return nil, true

	default: // RolePrimary
		return nil, false
	}
}

// OnClaimPrimary processes a ClaimPrimary broadcast from another node
// per the §4.3 promotion table. yield is true if this node (as
// Primary) must immediately stop emitting tasks and revert to Backup.
func (s *StateMachine) OnClaimPrimary(claim Tuple, now time.Time) (yield bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.role {
	case RolePrimary:
		self := Tuple{CommittedEpoch: s.committedEpoch, Cycle: s.cycle, NodeID: s.cfg.NodeID}
		if claim.Higher(self) {
			s.role = RoleBackup
			s.lastHeartbeat = now
			s.missedHeartbeats = 0
			return true
		}
		return false

	case RoleCandidate:
		if claim.Higher(s.ownClaim) {
			s.role = RoleBackup
			s.lastHeartbeat = now
			s.missedHeartbeats = 0
			s.candidateStarted = false
		}
		return false

	default: // RoleBackup
		// A claim from a peer Backup/Candidate doesn't change our
		// role; the heartbeat stream from the winner will arrive
		// once arbitration settles.
		return false
	}
}

// ForceRole implements the operator `ForceRole(node_id)` PoA commit
// (spec §4.3 table: "Any | Operator ForceRole(node_id) PoA commit |
// as directed | Mandatory"). Callers apply this only after the
// CommitToken has been verified by poa.Verifier.
func (s *StateMachine) ForceRole(r Role, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.role = r
	s.candidateStarted = false
	s.lastHeartbeat = now
	s.missedHeartbeats = 0
}
