package aggregator

import (
	"context"
	"crypto/ed25519"
	"net"
	"sync"
	"testing"
	"time"

	"meshfabric.dev/core/bootstrap"
	"meshfabric.dev/core/fixedpoint"
	"meshfabric.dev/core/fountain"
	"meshfabric.dev/core/llft"
	"meshfabric.dev/core/poa"
	"meshfabric.dev/core/transport"
	"meshfabric.dev/core/wire"
)

func identityAggregator(t *testing.T, n int) *Aggregator {
	t.Helper()
	m := fixedpoint.Identity(n)
	x := make(fixedpoint.Vector, n)
	for i := range x {
		x[i] = fixedpoint.FromFloat64(0.1 * float64(i+1))
	}
	cfg := Config{
		NodeID:    1,
		TCycle:    50 * time.Millisecond,
		Rho:       0.5,
		StartRole: llft.RolePrimary,
		Law:       ProportionalLaw{Gain: fixedpoint.FromFloat64(0.0)}, // gain 0: x unchanged, isolates decode behavior
	}
	return New(cfg, m, x)
}

func boolToU8(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}

func TestOpenCycleThenDecodeKeepsModeNormal(t *testing.T) {
	n := 4
	a := identityAggregator(t, n)
	now := time.Unix(0, 0)
	if err := a.OpenCycle(now); err != nil {
		t.Fatal(err)
	}
	cs := a.CurrentCycle()
	if cs == nil || cs.CycleID != 1 {
		t.Fatalf("cycle state = %+v", cs)
	}

	// OfferResult regenerates w_k from (seed, m) via
	// fountain.CoefficientVector, whose rank for a randomly seeded LT
	// distribution isn't predictable without running the sampler (see
	// fountain's own TestDecodePureIdentity4x4 for the same
	// rationale), so this test drives the decoder directly with a
	// hand-built full-rank basis instead of going through the
	// seed-driven path.
	m := fixedpoint.Identity(n)
	for i := 0; i < n; i++ {
		w := make(fountain.Indicator, n)
		w[i] = true
		combined, sat, err := fountain.CombineRows(m, w)
		if err != nil {
			t.Fatal(err)
		}
		y, err := combined.Dot(cs.X)
		if err != nil {
			t.Fatal(err)
		}
		a.current.OfferResult(uint32(i), w, y, sat)
	}

	if err := a.TryDecodeCurrent(); err != nil {
		t.Fatal(err)
	}
	if a.CurrentCycle().Decoded == nil {
		t.Fatal("expected cycle to be decoded")
	}
	a.CloseCycle()
	if a.Mode() != ModeNormal {
		t.Fatalf("mode = %v, want Normal after a successful decode", a.Mode())
	}
}

func TestUndecodableCycleEscalatesToDegradedThenHalt(t *testing.T) {
	a := identityAggregator(t, 4)
	now := time.Unix(0, 0)
	for i := 0; i < HaltThreshold; i++ {
		if err := a.OpenCycle(now); err != nil {
			t.Fatalf("cycle %d: %v", i, err)
		}
		// No results offered: rank stays 0, the cycle cannot decode.
		a.CloseCycle()
		now = now.Add(a.cfg.TCycle)
	}
	if a.Mode() != ModeHalt {
		t.Fatalf("mode = %v, want Halt after %d consecutive undecodable cycles", a.Mode(), HaltThreshold)
	}
	if err := a.OpenCycle(now); err == nil {
		t.Fatal("expected OpenCycle to refuse once halted")
	}
}

func TestDegradedModeReducesBlockCountAndWidensDeadline(t *testing.T) {
	a := identityAggregator(t, 4)
	now := time.Unix(0, 0)
	for i := 0; i < DegradedThreshold; i++ {
		if err := a.OpenCycle(now); err != nil {
			t.Fatal(err)
		}
		a.CloseCycle()
		now = now.Add(a.cfg.TCycle)
	}
	if a.Mode() != ModeDegraded {
		t.Fatalf("mode = %v, want Degraded", a.Mode())
	}
	if k, full := DegradedBlockCount(4, a.cfg.Rho), fountain.BlockCount(4, a.cfg.Rho); k >= full {
		t.Fatalf("degraded K = %d, want fewer than the normal %d", k, full)
	}
	if err := a.OpenCycle(now); err != nil {
		t.Fatal(err)
	}
	cs := a.CurrentCycle()
	gotDeadline := cs.Deadline.Sub(cs.Opened)
	if gotDeadline != a.cfg.TCycle*2 {
		t.Fatalf("deadline = %v, want %v (2x T_cycle in degraded mode)", gotDeadline, a.cfg.TCycle*2)
	}
}

// captureHandler records the single most recent datagram delivered to
// it, for asserting on what an aggregator actually sent over a real
// transport.Socket.
type captureHandler struct {
	mu   sync.Mutex
	got  []byte
	done chan struct{}
}

func newCaptureHandler() *captureHandler { return &captureHandler{done: make(chan struct{}, 1)} }

func (c *captureHandler) OnDatagram(_ net.Addr, payload []byte) {
	c.mu.Lock()
	c.got = append([]byte(nil), payload...)
	c.mu.Unlock()
	select {
	case c.done <- struct{}{}:
	default:
	}
}

func (c *captureHandler) wait(t *testing.T) []byte {
	t.Helper()
	select {
	case <-c.done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for datagram")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]byte(nil), c.got...)
}

func listenFor(t *testing.T) *transport.Socket {
	t.Helper()
	sock, err := transport.Listen(transport.Config{ListenAddr: "127.0.0.1:0", IdleTimeout: 50 * time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = sock.Close() })
	return sock
}

// TestDegradedOpenCycleRequestsBackupAssist proves spec §4.2's third
// degraded-mode action, "request backup assist", actually rides the
// heartbeat: the dropped block range [k, full) is named explicitly so
// the Backup knows exactly what to cover.
func TestDegradedOpenCycleRequestsBackupAssist(t *testing.T) {
	backupSock := listenFor(t)
	peerSock := listenFor(t)

	a := identityAggregator(t, 4)
	a.socket = peerSock
	a.cfg.PeerAddr = backupSock.LocalAddr()
	a.escalation.Mode = ModeDegraded

	h := newCaptureHandler()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = backupSock.Run(ctx, h) }()

	now := time.Unix(0, 0)
	if err := a.OpenCycle(now); err != nil {
		t.Fatal(err)
	}

	hb, err := wire.DecodeHeartbeat(h.wait(t))
	if err != nil {
		t.Fatal(err)
	}
	m := 4
	full := fountain.BlockCount(m, a.cfg.Rho)
	k := DegradedBlockCount(m, a.cfg.Rho)
	if hb.AssistFromBlock != uint32(k) {
		t.Fatalf("AssistFromBlock = %d, want %d", hb.AssistFromBlock, k)
	}
	if hb.AssistBlocks != uint32(full-k) {
		t.Fatalf("AssistBlocks = %d, want %d", hb.AssistBlocks, full-k)
	}
}

// TestBackupDispatchesAssistBlocksToWorkers proves a Backup receiving
// a degraded-mode heartbeat tasks exactly the requested block range to
// the shared worker pool, seeded identically to how the Primary would
// have seeded them itself.
func TestBackupDispatchesAssistBlocksToWorkers(t *testing.T) {
	workerSock := listenFor(t)
	backupOutSock := listenFor(t)

	backup := identityAggregator(t, 4)
	backup.cfg.StartRole = llft.RoleBackup
	backup.role = llft.New(llft.Config{NodeID: 2, TCycle: backup.cfg.TCycle, StartRole: llft.RoleBackup})
	backup.socket = backupOutSock
	backup.cfg.Workers = []net.Addr{workerSock.LocalAddr()}

	h := newCaptureHandler()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = workerSock.Run(ctx, h) }()

	hb := wire.Heartbeat{Cycle: 7, CommittedEpoch: 1, AssistFromBlock: 3, AssistBlocks: 1}
	backup.OnHeartbeat(hb, time.Unix(0, 0))

	task, err := wire.DecodeTask(h.wait(t), 4)
	if err != nil {
		t.Fatal(err)
	}
	if task.Cycle != 7 || task.BlockID != 3 {
		t.Fatalf("assist task = %+v, want cycle=7 block_id=3", task)
	}
	if task.Seed != fountain.DeriveSeed(7, 3) {
		t.Fatalf("assist task seed = %d, want the same derivation the Primary itself would use", task.Seed)
	}

	backup.mu.Lock()
	assist := backup.assist
	backup.mu.Unlock()
	if assist.cycle != 7 || assist.fromBlock != 3 || assist.count != 1 {
		t.Fatalf("backup.assist = %+v, want {7 3 1}", assist)
	}
}

// TestBackupRelaysAssistResultToPrimary proves a ResultFrame that
// falls inside the active assist range is forwarded to the peer
// Primary untouched rather than silently dropped (a.current stays nil
// on a Backup, so without the relay OfferResult would just no-op it).
func TestBackupRelaysAssistResultToPrimary(t *testing.T) {
	primarySock := listenFor(t)
	backupOutSock := listenFor(t)

	backup := identityAggregator(t, 4)
	backup.socket = backupOutSock
	backup.cfg.PeerAddr = primarySock.LocalAddr()
	backup.assist = assistRequest{cycle: 7, fromBlock: 3, count: 1}

	h := newCaptureHandler()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = primarySock.Run(ctx, h) }()

	r := wire.ResultFrame{Cycle: 7, BlockID: 3, Seed: fountain.DeriveSeed(7, 3), YBlock: 42}
	enc, err := wire.EncodeResult(r)
	if err != nil {
		t.Fatal(err)
	}
	if !backup.relayAssistResult(r, enc) {
		t.Fatal("expected an in-range assist result to be claimed for relay")
	}

	got, err := wire.DecodeResult(h.wait(t))
	if err != nil {
		t.Fatal(err)
	}
	if got != r {
		t.Fatalf("relayed result = %+v, want %+v", got, r)
	}

	// A result outside the active range (or for an unrelated cycle)
	// must not be claimed: OnDatagram needs to fall through to this
	// node's own OfferResult/TryDecodeCurrent for it instead.
	other := wire.ResultFrame{Cycle: 7, BlockID: 0, Seed: fountain.DeriveSeed(7, 0), YBlock: 1}
	if backup.relayAssistResult(other, nil) {
		t.Fatal("expected an out-of-range result not to be claimed")
	}
}

func TestProportionalLawUpdatesX(t *testing.T) {
	law := ProportionalLaw{Gain: fixedpoint.Max}
	x := fixedpoint.Vector{fixedpoint.FromFloat64(0.5)}
	y := fixedpoint.Vector{fixedpoint.FromFloat64(0.2)}
	next, err := law.Next(x, y)
	if err != nil {
		t.Fatal(err)
	}
	want := fixedpoint.Sub(x[0], fixedpoint.Mul(fixedpoint.Max, y[0]))
	if next[0] != want {
		t.Fatalf("next[0] = %d, want %d", next[0], want)
	}
}

func TestCommitTokenQueuedAndAppliedAtBoundary(t *testing.T) {
	pub, sk, _ := ed25519.GenerateKey(nil)
	var key [32]byte
	copy(key[:], pub)

	states := NewStateRegistry()
	newM := fixedpoint.Identity(2)
	newCfg := bootstrap.Config{M: newM, X: fixedpoint.Vector{1, 2}, Rho: 0.25}
	var stateHash [32]byte
	stateHash[0] = 7
	states.Propose(stateHash, newCfg)

	verifier := poa.NewVerifier([][32]byte{key}, states)
	a := identityAggregator(t, 4)
	a.cfg.PoA = verifier
	a.cfg.States = states

	sig := poa.Sign(sk, stateHash, 1)
	ct := wire.CommitToken{StateHash: stateHash, Sequence: 1, VerifyKey: key, Signature: sig}
	if err := a.OnCommitToken(ct, 0); err != nil {
		t.Fatal(err)
	}
	if len(a.pendingCommits) != 1 {
		t.Fatalf("expected 1 queued commit, got %d", len(a.pendingCommits))
	}

	epochBefore := a.role.Epoch()
	if err := a.ApplyPendingCommits(); err != nil {
		t.Fatal(err)
	}
	if a.role.Epoch() != epochBefore+1 {
		t.Fatalf("committed_epoch = %d, want %d", a.role.Epoch(), epochBefore+1)
	}
	if len(a.X()) != 2 {
		t.Fatalf("expected new x width 2 after commit, got %d", len(a.X()))
	}
}

func TestResyncConvergesBackupToPrimary(t *testing.T) {
	pub, sk, _ := ed25519.GenerateKey(nil)
	var key [32]byte
	copy(key[:], pub)

	backup := identityAggregator(t, 2)
	backup.cfg.PeerVerifyKey = key

	primary := identityAggregator(t, 2)
	primary.cfg.SigningKey = sk
	primary.role.SetCommittedEpoch(9)
	primary.x = fixedpoint.Vector{fixedpoint.FromFloat64(0.3), fixedpoint.FromFloat64(-0.4)}

	rf, err := primary.SignResync(5)
	if err != nil {
		t.Fatal(err)
	}
	if err := backup.OnResync(rf); err != nil {
		t.Fatal(err)
	}
	if backup.role.Epoch() != 9 {
		t.Fatalf("backup epoch = %d, want 9", backup.role.Epoch())
	}
	gotX := backup.X()
	wantX := primary.X()
	for i := range wantX {
		if gotX[i] != wantX[i] {
			t.Fatalf("x[%d] = %d, want %d", i, gotX[i], wantX[i])
		}
	}
}

func TestResyncRejectsBadSignature(t *testing.T) {
	_, sk, _ := ed25519.GenerateKey(nil)
	otherPub, _, _ := ed25519.GenerateKey(nil)
	var wrongKey [32]byte
	copy(wrongKey[:], otherPub)

	backup := identityAggregator(t, 2)
	backup.cfg.PeerVerifyKey = wrongKey // does not match sk's public key

	primary := identityAggregator(t, 2)
	primary.cfg.SigningKey = sk
	rf, err := primary.SignResync(1)
	if err != nil {
		t.Fatal(err)
	}
	if err := backup.OnResync(rf); err == nil {
		t.Fatal("expected resync from an unrecognized key to be rejected")
	}
}
