package llft

import (
	"testing"
	"time"
)

func TestTupleHigherLexicographic(t *testing.T) {
	base := Tuple{CommittedEpoch: 5, Cycle: 10, NodeID: 1}
	if !(Tuple{CommittedEpoch: 6, Cycle: 0, NodeID: 0}).Higher(base) {
		t.Fatal("higher committed_epoch must win regardless of cycle/node_id")
	}
	if !(Tuple{CommittedEpoch: 5, Cycle: 11, NodeID: 0}).Higher(base) {
		t.Fatal("equal epoch, higher cycle must win")
	}
	if !(Tuple{CommittedEpoch: 5, Cycle: 10, NodeID: 2}).Higher(base) {
		t.Fatal("equal epoch and cycle, higher node_id must win")
	}
	if base.Higher(base) {
		t.Fatal("a tuple is not strictly higher than itself")
	}
}

// Seed scenario 3: Primary A, Backup B. A stops sending at cycle 100.
// After F=3 missed heartbeat periods B promotes to Candidate, then to
// Primary after T_cycle/2 uncontested.
func TestFailoverPromotionTiming(t *testing.T) {
	tCycle := 100 * time.Millisecond
	sm := New(Config{NodeID: 2, TCycle: tCycle, StartRole: RoleBackup})
	now := time.Unix(0, 0)
	sm.OnHeartbeat(100, 7, now)

	// No heartbeats arrive after this. Tick once per T_cycle period.
	for i := 1; i <= MissedHeartbeatLimit-1; i++ {
		now = now.Add(tCycle)
		claim, becamePrimary := sm.Tick(now)
		if claim != nil || becamePrimary {
			t.Fatalf("premature promotion at missed period %d", i)
		}
		if sm.Role() != RoleBackup {
			t.Fatalf("role = %v, want Backup before F missed periods", sm.Role())
		}
	}

	now = now.Add(tCycle)
	claim, becamePrimary := sm.Tick(now)
	if claim == nil {
		t.Fatal("expected a ClaimPrimary broadcast on the F-th missed period")
	}
	if becamePrimary {
		t.Fatal("must become Candidate, not Primary, immediately")
	}
	if sm.Role() != RoleCandidate {
		t.Fatalf("role = %v, want Candidate", sm.Role())
	}
	if claim.NodeID != 2 || claim.Cycle != 100 || claim.CommittedEpoch != 7 {
		t.Fatalf("claim = %+v, want {epoch:7 cycle:100 node:2}", *claim)
	}

	// Uncontested for T_cycle/2: becomes Primary.
	now = now.Add(tCycle / 2)
	_, becamePrimary = sm.Tick(now)
	if !becamePrimary {
		t.Fatal("expected promotion to Primary after T_cycle/2 uncontested")
	}
	if sm.Role() != RolePrimary {
		t.Fatalf("role = %v, want Primary", sm.Role())
	}
}

func TestHeartbeatFromPrimaryResetsCandidateToBackup(t *testing.T) {
	sm := New(Config{NodeID: 9, TCycle: time.Second, StartRole: RoleCandidate})
	sm.OnHeartbeat(50, 2, time.Unix(0, 0))
	if sm.Role() != RoleBackup {
		t.Fatalf("role = %v, want Backup after hearing a live Primary", sm.Role())
	}
}

func TestPrimaryYieldsToHigherClaim(t *testing.T) {
	sm := New(Config{NodeID: 1, TCycle: time.Second, StartRole: RolePrimary})
	sm.SetCommittedEpoch(3)
	yield := sm.OnClaimPrimary(Tuple{CommittedEpoch: 4, Cycle: 0, NodeID: 2}, time.Unix(0, 0))
	if !yield {
		t.Fatal("expected Primary to yield to strictly higher tuple")
	}
	if sm.Role() != RoleBackup {
		t.Fatalf("role = %v, want Backup after yielding", sm.Role())
	}
}

func TestPrimaryIgnoresLowerClaim(t *testing.T) {
	sm := New(Config{NodeID: 5, TCycle: time.Second, StartRole: RolePrimary})
	sm.SetCommittedEpoch(10)
	yield := sm.OnClaimPrimary(Tuple{CommittedEpoch: 1, Cycle: 0, NodeID: 99}, time.Unix(0, 0))
	if yield {
		t.Fatal("must not yield to a lower-priority claim")
	}
	if sm.Role() != RolePrimary {
		t.Fatalf("role = %v, want Primary unchanged", sm.Role())
	}
}

func TestCandidateDefersToHigherClaim(t *testing.T) {
	sm := New(Config{NodeID: 3, TCycle: time.Second, StartRole: RoleCandidate})
	sm.OnClaimPrimary(Tuple{CommittedEpoch: 100, Cycle: 0, NodeID: 4}, time.Unix(0, 0))
	if sm.Role() != RoleBackup {
		t.Fatalf("role = %v, want Backup after deferring", sm.Role())
	}
}

func TestForceRoleIsMandatory(t *testing.T) {
	sm := New(Config{NodeID: 1, TCycle: time.Second, StartRole: RoleBackup})
	sm.ForceRole(RolePrimary, time.Unix(0, 0))
	if sm.Role() != RolePrimary {
		t.Fatalf("role = %v, want Primary after ForceRole", sm.Role())
	}
}
