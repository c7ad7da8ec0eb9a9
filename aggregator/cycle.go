package aggregator

import (
	"time"

	"meshfabric.dev/core/fixedpoint"
	"meshfabric.dev/core/fountain"
)

// CycleState is spec §3's CycleState: { cycle_id, x, pending_blocks,
// decoded, committed_epoch, role }. Role and committed_epoch live on
// Aggregator (they persist across cycles); CycleState holds only the
// per-cycle decode machinery.
type CycleState struct {
	CycleID  uint64
	X        fixedpoint.Vector // the x this cycle's tasks were issued against
	Decoder  *fountain.Decoder
	Decoded  fixedpoint.Vector // nil until the decoder reaches rank m
	Opened   time.Time
	Deadline time.Time
}

// NewCycleState opens a fresh cycle for the given id, x and output
// width m, with a deadline tCycle from now.
func NewCycleState(cycleID uint64, x fixedpoint.Vector, m int, now time.Time, tCycle time.Duration) *CycleState {
	return &CycleState{
		CycleID:  cycleID,
		X:        x,
		Decoder:  fountain.NewDecoder(m),
		Opened:   now,
		Deadline: now.Add(tCycle),
	}
}

// OfferResult feeds one worker ResultFrame into the decoder; decoding
// itself happens in TryDecode. It is a no-op once already decoded.
func (cs *CycleState) OfferResult(blockID uint32, w fountain.Indicator, y fixedpoint.Q1, saturated bool) {
	if cs.Decoded != nil {
		return
	}
	cs.Decoder.Offer(blockID, w, y, saturated)
}

// TryDecode reduces the accumulated blocks and, if full rank has been
// reached, solves for y = M·x and caches it. Returns the decoded
// vector (nil if not yet decodable).
func (cs *CycleState) TryDecode() (fixedpoint.Vector, error) {
	if cs.Decoded != nil {
		return cs.Decoded, nil
	}
	cs.Decoder.Reduce()
	if !cs.Decoder.Done() {
		return nil, nil
	}
	y, err := cs.Decoder.Solve()
	if err != nil {
		return nil, err
	}
	cs.Decoded = y
	return y, nil
}

// Expired reports whether now is at or past the cycle's deadline.
func (cs *CycleState) Expired(now time.Time) bool {
	return !now.Before(cs.Deadline)
}

// Mode is the aggregator's degraded/halt escalation state (spec §4.2:
// "Three consecutive undecodable cycles escalate to degraded mode...;
// five escalate to a halt state requiring operator commit to resume").
type Mode uint8

const (
	ModeNormal Mode = iota
	ModeDegraded
	ModeHalt
)

func (m Mode) String() string {
	switch m {
	case ModeNormal:
		return "normal"
	case ModeDegraded:
		return "degraded"
	case ModeHalt:
		return "halt"
	default:
		return "unknown"
	}
}

// DegradedThreshold and HaltThreshold are the consecutive-undecodable
// strike counts from spec §4.2.
const (
	DegradedThreshold = 3
	HaltThreshold     = 5
)

// Escalation tracks consecutive undecodable cycles and the resulting
// degraded/halt mode.
type Escalation struct {
	Consecutive int
	Mode        Mode
}

// RecordUndecodable increments the strike counter and updates Mode.
// It returns the new Mode.
func (e *Escalation) RecordUndecodable() Mode {
	e.Consecutive++
	switch {
	case e.Consecutive >= HaltThreshold:
		e.Mode = ModeHalt
	case e.Consecutive >= DegradedThreshold:
		e.Mode = ModeDegraded
	}
	return e.Mode
}

// RecordDecoded resets the strike counter. A degraded mode does not
// automatically clear on one good cycle in this implementation: spec
// §4.2 only specifies the escalation trigger, not a recovery rule, so
// recovery from Degraded/Halt happens only when an operator commit is
// applied (Aggregator.ApplyPendingCommits resets the Escalation;
// Open Question, recorded in DESIGN.md).
func (e *Escalation) RecordDecoded() {
	e.Consecutive = 0
}

// assistRequest is an in-flight backup-assist request, installed on a
// Backup from an incoming degraded-mode Heartbeat and consulted when a
// worker's ResultFrame arrives (spec §4.2's third degraded-mode
// action, "request backup assist"). Count==0 means no assist is
// active; a cycle value alone is never sufficient since cycle 0 is a
// valid zero value too.
type assistRequest struct {
	cycle     uint64
	fromBlock uint32
	count     uint32
}

// covers reports whether blockID at the given cycle falls within this
// assist request's range.
func (r assistRequest) covers(cycle uint64, blockID uint32) bool {
	if r.count == 0 || cycle != r.cycle {
		return false
	}
	return blockID >= r.fromBlock && blockID < r.fromBlock+r.count
}

// DegradedBlockCount returns the reduced K used in degraded mode (spec
// §4.2: "reduce K, widen deadline by a factor of 2"; OpenCycle doubles
// the deadline): half the normal block count, rounded down, but never
// fewer than m.
func DegradedBlockCount(m int, rho float64) int {
	k := fountain.BlockCount(m, rho)
	reduced := k / 2
	if reduced < m {
		reduced = m
	}
	return reduced
}
