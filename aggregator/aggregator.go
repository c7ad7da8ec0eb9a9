// Package aggregator implements the cycle scheduler, task dispatch,
// result aggregation and control-law application of spec §2/§4.2,
// wired to the llft role machine and the poa commit path.
//
// Grounded on the teacher's node package orchestration style
// (node/node.go-equivalent composition root): one struct owning every
// subsystem, narrow methods per external event, no goroutine spawned
// internally except where transport.Socket.Run demands it.
package aggregator

import (
	"crypto/ed25519"
	"log/slog"
	"net"
	"sync"
	"time"

	"meshfabric.dev/core/diag"
	"meshfabric.dev/core/ferrors"
	"meshfabric.dev/core/fixedpoint"
	"meshfabric.dev/core/fountain"
	"meshfabric.dev/core/llft"
	"meshfabric.dev/core/poa"
	"meshfabric.dev/core/transport"
	"meshfabric.dev/core/wire"
)

// Config parameterizes an Aggregator.
type Config struct {
	NodeID    uint64
	TCycle    time.Duration
	Rho       float64
	StartRole llft.Role

	Workers       []net.Addr
	PeerAddr      net.Addr // the other aggregator replica (primary<->backup)
	PeerVerifyKey [32]byte // Ed25519 key used to verify the peer's ResyncFrames
	SigningKey    ed25519.PrivateKey

	PoA    *poa.Verifier
	States *StateRegistry
	Law    ControlLaw
	Socket *transport.Socket
	Log    *slog.Logger
	Diag   diag.Sink
}

// Aggregator is one node's full replication-and-computation core: it
// runs the LLFT role machine, the PoA commit path, and (when Primary)
// the coded-computing cycle scheduler.
type Aggregator struct {
	mu sync.Mutex

	cfg  Config
	role *llft.StateMachine

	m   fixedpoint.Matrix
	x   fixedpoint.Vector
	law ControlLaw

	current    *CycleState
	escalation Escalation
	assist     assistRequest

	pendingCommits []wire.CommitToken
	shadow         llft.ShadowState

	socket *transport.Socket
	log    *slog.Logger
	diag   diag.Sink
}

// New constructs an Aggregator over the given bootstrap (M, x) and
// configuration.
func New(cfg Config, m fixedpoint.Matrix, x fixedpoint.Vector) *Aggregator {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	sink := cfg.Diag
	if sink == nil {
		sink = diag.NopSink{}
	}
	law := cfg.Law
	if law == nil {
		law = HoldLaw{}
	}
	return &Aggregator{
		cfg:    cfg,
		role:   llft.New(llft.Config{NodeID: cfg.NodeID, TCycle: cfg.TCycle, StartRole: cfg.StartRole}),
		m:      m,
		x:      append(fixedpoint.Vector(nil), x...),
		law:    law,
		socket: cfg.Socket,
		log:    log,
		diag:   sink,
		shadow: llft.ShadowState{X: append(fixedpoint.Vector(nil), x...)},
	}
}

// Role reports the current LLFT role.
func (a *Aggregator) Role() llft.Role { return a.role.Role() }

// X returns a copy of the current input vector.
func (a *Aggregator) X() fixedpoint.Vector {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append(fixedpoint.Vector(nil), a.x...)
}

// Mode reports the current degraded/halt escalation mode.
func (a *Aggregator) Mode() Mode {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.escalation.Mode
}

// CurrentCycle exposes the in-flight CycleState, or nil between
// cycles. Intended for tests and metrics, not for mutation.
func (a *Aggregator) CurrentCycle() *CycleState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.current
}

// OpenCycle starts a new cycle (Primary only): builds K coded
// TaskFrames against the current x, emits the cycle-opening heartbeat
// to the peer, and dispatches tasks to the worker pool round-robin
// (spec §4.2: K = ceil(m*(1+rho)); §4.3: heartbeat at cycle start).
func (a *Aggregator) OpenCycle(now time.Time) error {
	a.mu.Lock()
	if a.role.Role() != llft.RolePrimary {
		a.mu.Unlock()
		return ferrors.New(ferrors.InternalInvariantViolation, "OpenCycle called by a non-Primary")
	}
	if a.escalation.Mode == ModeHalt {
		a.mu.Unlock()
		return ferrors.New(ferrors.UndecodableCycle, "aggregator halted; awaiting operator commit")
	}

	cycleID := a.role.Cycle() + 1
	a.role.AdvanceCycle(cycleID)
	a.shadow.Cycle = cycleID

	m := a.m.Rows()
	full := fountain.BlockCount(m, a.cfg.Rho)
	k := full
	deadline := a.cfg.TCycle
	var assistFromBlock, assistBlocks uint32
	if a.escalation.Mode == ModeDegraded {
		k = DegradedBlockCount(m, a.cfg.Rho)
		deadline *= 2
		// The blocks cut from k back up to full are the ones a degraded
		// Primary no longer has deadline budget to dispatch itself;
		// asking the Backup to cover exactly that range (spec §4.2:
		// "request backup assist") recovers the lost redundancy instead
		// of just living with a thinner K.
		assistFromBlock = uint32(k)
		assistBlocks = uint32(full - k)
	}
	x := append(fixedpoint.Vector(nil), a.x...)
	a.current = NewCycleState(cycleID, x, m, now, deadline)
	epoch := a.role.Epoch()
	a.mu.Unlock()

	a.sendHeartbeat(cycleID, epoch, assistFromBlock, assistBlocks)

	if a.socket == nil || len(a.cfg.Workers) == 0 {
		return nil
	}
	for blockID := 0; blockID < k; blockID++ {
		dst := a.cfg.Workers[blockID%len(a.cfg.Workers)]
		task := wire.TaskFrame{
			Cycle:   cycleID,
			BlockID: uint32(blockID),
			Seed:    fountain.DeriveSeed(cycleID, uint32(blockID)),
			X:       x,
		}
		enc, err := wire.EncodeTask(task)
		if err != nil {
			return err
		}
		if err := a.socket.SendTo(dst, enc); err != nil {
			a.log.Warn("aggregator: send task", "block_id", blockID, "err", err)
		}
	}
	return nil
}

func (a *Aggregator) sendHeartbeat(cycle, epoch uint64, assistFromBlock, assistBlocks uint32) {
	if a.socket == nil || a.cfg.PeerAddr == nil {
		return
	}
	hb := wire.Heartbeat{
		Cycle:           cycle,
		CommittedEpoch:  epoch,
		Role:            uint8(a.role.Role()),
		SenderID:        a.cfg.NodeID,
		AssistFromBlock: assistFromBlock,
		AssistBlocks:    assistBlocks,
	}
	enc, err := wire.EncodeHeartbeat(hb)
	if err != nil {
		a.log.Error("aggregator: encode heartbeat", "err", err)
		return
	}
	if err := a.socket.SendTo(a.cfg.PeerAddr, enc); err != nil {
		a.log.Warn("aggregator: send heartbeat", "err", err)
	}
}

// OfferResult accepts one worker ResultFrame per spec §3's invariants:
// frames for the current cycle are decoded into it; frames for
// current-1 are recorded in diagnostics only; anything older is
// dropped outright.
func (a *Aggregator) OfferResult(r wire.ResultFrame) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.current == nil {
		return
	}
	switch {
	case r.Cycle == a.current.CycleID:
		w := fountain.CoefficientVector(r.Seed, a.m.Rows())
		a.current.OfferResult(r.BlockID, w, r.YBlock, r.Saturated())
	case r.Cycle+1 == a.current.CycleID:
		a.diag.Emit(diag.Event{Kind: ferrors.FrameOutOfWindow, Cycle: r.Cycle, Detail: "late result from previous cycle"})
	default:
		// Too old or from the future; drop silently per spec §3.
	}
}

// TryDecodeCurrent attempts to decode the in-flight cycle and, on
// success, applies the control law and advances x. It is safe to call
// repeatedly; it is a no-op once the cycle is already decoded.
func (a *Aggregator) TryDecodeCurrent() error {
	a.mu.Lock()
	cs := a.current
	a.mu.Unlock()
	if cs == nil || cs.Decoded != nil {
		return nil
	}
	y, err := cs.TryDecode()
	if err != nil {
		kind, _ := ferrors.As(err)
		a.diag.Emit(diag.Event{Kind: kind, Cycle: cs.CycleID, Detail: err.Error()})
		return err
	}
	if y == nil {
		return nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	next, err := a.law.Next(a.x, y)
	if err != nil {
		kind, _ := ferrors.As(err)
		a.diag.Emit(diag.Event{Kind: kind, Cycle: cs.CycleID, Detail: err.Error()})
		return err
	}
	a.x = next
	a.shadow.X = append(fixedpoint.Vector(nil), next...)
	a.escalation.RecordDecoded()
	return nil
}

// CloseCycle finalizes the in-flight cycle at its deadline: if it
// never reached a decode, the cycle is undecodable (control holds,
// escalation strike recorded); the current CycleState is then
// cleared.
func (a *Aggregator) CloseCycle() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.current == nil {
		return
	}
	if a.current.Decoded == nil {
		mode := a.escalation.RecordUndecodable()
		a.diag.Emit(diag.Event{
			Kind:   ferrors.UndecodableCycle,
			Cycle:  a.current.CycleID,
			Detail: "rank < m at deadline; x held, mode=" + mode.String(),
		})
	}
	a.current = nil
}

// OnHeartbeat processes a heartbeat from the peer aggregator. A Backup
// never calls OpenCycle itself, so this is also where its shadow
// learns the current cycle number for divergence-digest comparison,
// and where it learns of a degraded-mode backup-assist request (spec
// §4.2) and dispatches the requested extra coded blocks.
func (a *Aggregator) OnHeartbeat(hb wire.Heartbeat, now time.Time) {
	a.role.OnHeartbeat(hb.Cycle, hb.CommittedEpoch, now)

	a.mu.Lock()
	a.shadow.Cycle = hb.Cycle
	isPrimary := a.role.Role() == llft.RolePrimary
	if !isPrimary {
		a.assist = assistRequest{cycle: hb.Cycle, fromBlock: hb.AssistFromBlock, count: hb.AssistBlocks}
	}
	x := append(fixedpoint.Vector(nil), a.shadow.X...)
	a.mu.Unlock()

	if !isPrimary && hb.AssistBlocks > 0 {
		a.dispatchAssist(hb.Cycle, hb.AssistFromBlock, hb.AssistBlocks, x)
	}
}

// dispatchAssist sends the extra coded-block TaskFrames a degraded
// Primary asked the Backup to cover (spec §4.2: "request backup
// assist") to the shared worker pool. It tasks against x, the
// Backup's shadow mirror of the committed state: that is exactly the
// x the Primary itself seeds its own blocks from at cycle start (spec
// §4.3), and stays correct as long as the shadow hasn't diverged,
// which the digest exchange exists to catch. Workers reply to
// whichever socket sent the task, so the results land back on this
// aggregator's own socket and are relayed on to the Primary by
// OnDatagram rather than decoded here: a Backup running assist blocks
// contributes extra encode work, not a second decoder.
func (a *Aggregator) dispatchAssist(cycle uint64, fromBlock, count uint32, x fixedpoint.Vector) {
	if a.socket == nil || len(a.cfg.Workers) == 0 {
		return
	}
	a.log.Info("aggregator: dispatching backup assist", "cycle", cycle, "from_block", fromBlock, "count", count)
	for i := uint32(0); i < count; i++ {
		blockID := fromBlock + i
		task := wire.TaskFrame{
			Cycle:   cycle,
			BlockID: blockID,
			Seed:    fountain.DeriveSeed(cycle, blockID),
			X:       x,
		}
		enc, err := wire.EncodeTask(task)
		if err != nil {
			a.log.Error("aggregator: encode assist task", "block_id", blockID, "err", err)
			continue
		}
		dst := a.cfg.Workers[int(blockID)%len(a.cfg.Workers)]
		if err := a.socket.SendTo(dst, enc); err != nil {
			a.log.Warn("aggregator: send assist task", "block_id", blockID, "err", err)
		}
	}
}

// relayAssistResult forwards payload (an already-encoded ResultFrame)
// to the peer Primary when r falls within this Backup's active
// assist request, instead of offering it to a.current (which stays
// nil on a Backup since only the Primary calls OpenCycle). Reports
// whether the frame was claimed as an assist result.
func (a *Aggregator) relayAssistResult(r wire.ResultFrame, payload []byte) bool {
	a.mu.Lock()
	assist := a.assist
	peer := a.cfg.PeerAddr
	a.mu.Unlock()

	if !assist.covers(r.Cycle, r.BlockID) {
		return false
	}
	if a.socket != nil && peer != nil {
		if err := a.socket.SendTo(peer, payload); err != nil {
			a.log.Warn("aggregator: relay assist result", "block_id", r.BlockID, "err", err)
		}
	}
	return true
}

// OnClaimPrimary processes a ClaimPrimary broadcast from the peer.
func (a *Aggregator) OnClaimPrimary(cp wire.ClaimPrimary, now time.Time) (yield bool) {
	t := llft.Tuple{CommittedEpoch: cp.CommittedEpoch, Cycle: cp.Cycle, NodeID: cp.NodeID}
	return a.role.OnClaimPrimary(t, now)
}

// Tick drives the LLFT promotion timer. If it causes a Backup to
// broadcast ClaimPrimary, the claim is sent to the peer.
func (a *Aggregator) Tick(now time.Time) {
	claim, becamePrimary := a.role.Tick(now)
	if claim != nil && a.socket != nil && a.cfg.PeerAddr != nil {
		cp := wire.ClaimPrimary{Cycle: claim.Cycle, CommittedEpoch: claim.CommittedEpoch, NodeID: claim.NodeID}
		enc, err := wire.EncodeClaimPrimary(cp)
		if err == nil {
			_ = a.socket.SendTo(a.cfg.PeerAddr, enc)
		}
	}
	if becamePrimary {
		a.log.Info("aggregator: promoted to primary", "node_id", a.cfg.NodeID)
		a.diag.Emit(diag.Event{Kind: ferrors.HeartbeatTimeout, Cycle: a.role.Cycle(), Detail: "promoted to primary after missed heartbeats"})
	}
}

// OnCommitToken verifies an operator CommitToken and, if valid, queues
// it for application at the next cycle boundary (spec §4.4).
func (a *Aggregator) OnCommitToken(ct wire.CommitToken, currentCycle uint64) error {
	if a.cfg.PoA == nil {
		return ferrors.New(ferrors.UnauthorizedOperator, "no PoA verifier configured")
	}
	if err := a.cfg.PoA.Verify(ct, currentCycle); err != nil {
		kind, _ := ferrors.As(err)
		a.diag.Emit(diag.Event{Kind: kind, Cycle: currentCycle, Detail: err.Error()})
		return err
	}
	a.mu.Lock()
	a.pendingCommits = append(a.pendingCommits, ct)
	a.mu.Unlock()
	return nil
}

// ApplyPendingCommits applies every queued, verified CommitToken
// atomically (spec §4.4: "queued until the current cycle completes,
// then applied atomically"). Each applied commit also clears the
// degraded/halt escalation back to ModeNormal. Call this between
// CloseCycle and the next OpenCycle.
func (a *Aggregator) ApplyPendingCommits() error {
	a.mu.Lock()
	commits := a.pendingCommits
	a.pendingCommits = nil
	a.mu.Unlock()

	for _, ct := range commits {
		if a.cfg.States == nil {
			continue
		}
		cfg, ok := a.cfg.States.Get(ct.StateHash)
		if !ok {
			continue
		}
		a.mu.Lock()
		a.m = cfg.M
		a.x = append(fixedpoint.Vector(nil), cfg.X...)
		a.cfg.Rho = cfg.Rho
		a.escalation = Escalation{}
		a.mu.Unlock()
		a.role.SetCommittedEpoch(a.role.Epoch() + 1)
		a.cfg.States.Forget(ct.StateHash)
	}
	return nil
}

// SignResync builds and signs a ResyncFrame carrying the Primary's
// current (x, committed_epoch) for a diverged Backup (spec §4.3).
func (a *Aggregator) SignResync(cycle uint64) (wire.ResyncFrame, error) {
	if a.cfg.SigningKey == nil {
		return wire.ResyncFrame{}, ferrors.New(ferrors.InternalInvariantViolation, "no signing key configured for resync")
	}
	a.mu.Lock()
	rf := wire.ResyncFrame{Cycle: cycle, CommittedEpoch: a.role.Epoch(), X: append(fixedpoint.Vector(nil), a.x...)}
	a.mu.Unlock()
	sig := ed25519.Sign(a.cfg.SigningKey, rf.SigningBytes())
	copy(rf.Signature[:], sig)
	return rf, nil
}

// OnResync verifies and applies a ResyncFrame received from the
// Primary (Backup side of spec §4.3's state-resync recovery).
func (a *Aggregator) OnResync(rf wire.ResyncFrame) error {
	if !ed25519.Verify(a.cfg.PeerVerifyKey[:], rf.SigningBytes(), rf.Signature[:]) {
		return ferrors.New(ferrors.BadSignature, "resync frame signature invalid")
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.shadow.ApplyResync(rf)
	a.x = append(fixedpoint.Vector(nil), rf.X...)
	a.role.SetCommittedEpoch(rf.CommittedEpoch)
	return nil
}

// Diverged reports whether the Backup's shadow state disagrees with a
// digest received out of band from the Primary (spec §4.3: "a
// divergence detector compares committed-epoch hashes each
// heartbeat").
func (a *Aggregator) Diverged(peerDigest llft.StateDigest) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.shadow.Diverged(peerDigest)
}

// ShadowDigest returns this node's own shadow-state digest, to send
// to the peer alongside (or in lieu of) a minimal wire Heartbeat.
func (a *Aggregator) ShadowDigest() llft.StateDigest {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.shadow.Digest()
}
