// Package worker implements the stateless coded-block evaluator of
// spec §4.2: given a TaskFrame (cycle, block_id, seed, x), regenerate
// the block's indicator vector, combine the selected rows of M, dot
// with x, and reply with a ResultFrame.
//
// Workers hold no cross-cycle state (spec §5: "their externally
// observable model is request/response"): besides the matrix M,
// loaded once from bootstrap at startup, a worker keeps only the
// newest cycle number it has seen, for diagnostics. Grounded on the teacher's Peer.Run dispatch-by-command
// loop (node/p2p/peer.go), reduced to the single message type a
// worker actually receives.
package worker

import (
	"log/slog"
	"net"
	"sync"

	"meshfabric.dev/core/diag"
	"meshfabric.dev/core/ferrors"
	"meshfabric.dev/core/fixedpoint"
	"meshfabric.dev/core/fountain"
	"meshfabric.dev/core/transport"
	"meshfabric.dev/core/wire"
)

// Worker evaluates TaskFrames against a fixed matrix M and replies to
// the sender with a ResultFrame over the same socket.
type Worker struct {
	M      fixedpoint.Matrix
	Socket *transport.Socket
	Log    *slog.Logger
	Diag   diag.Sink

	// lastCycle tracks the newest cycle seen, so a TaskFrame from an
	// already-superseded cycle can be noted in diagnostics. Per spec
	// §5, workers have no cancellation channel and simply discover
	// obsolescence when the next cycle's TaskFrame arrives; this field
	// is purely observational, not a correctness gate.
	lastCycle uint64

	mu    sync.Mutex
	fatal error
}

// New constructs a Worker. log and sink default to slog.Default() and
// a diag.NopSink respectively if nil.
func New(m fixedpoint.Matrix, sock *transport.Socket, log *slog.Logger, sink diag.Sink) *Worker {
	if log == nil {
		log = slog.Default()
	}
	if sink == nil {
		sink = diag.NopSink{}
	}
	return &Worker{M: m, Socket: sock, Log: log, Diag: sink}
}

// FatalErr returns the fatal ferrors.Error that stopped this worker
// (DimensionMismatch from a bootstrap/task width mismatch), or nil if
// none has occurred. Callers check this after Socket.Run returns, the
// same way cmd/aggregator checks ferrors.Kind.Fatal() after OpenCycle.
func (w *Worker) FatalErr() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.fatal
}

// OnDatagram implements transport.Handler.
func (w *Worker) OnDatagram(from net.Addr, payload []byte) {
	tag, err := wire.PeekTag(payload)
	if err != nil {
		return
	}
	if tag != wire.TagTask {
		// Workers only ever receive TaskFrames; anything else is
		// ignored rather than penalized, since there is no peer
		// reputation model at the worker tier.
		return
	}

	task, err := wire.DecodeTask(payload, w.M.Cols())
	if err != nil {
		w.Log.Warn("worker: malformed task frame", "err", err)
		return
	}
	w.handleTask(from, task)
}

// handleTask evaluates one decoded TaskFrame and replies with its
// ResultFrame. Split out from OnDatagram so the fatal-evaluation path
// (a width mismatch between the bootstrap M and task.X, which the wire
// decode above cannot itself produce since it decodes x to width
// M.Cols()) is exercisable directly against a hand-built TaskFrame.
func (w *Worker) handleTask(from net.Addr, task wire.TaskFrame) {
	if task.Cycle < w.lastCycle {
		w.Diag.Emit(diag.Event{Kind: ferrors.FrameOutOfWindow, Cycle: task.Cycle, Detail: "task from superseded cycle"})
	}
	if task.Cycle > w.lastCycle {
		w.lastCycle = task.Cycle
	}

	y, saturated, err := fountain.EvaluateBlock(w.M, task.X, task.Cycle, task.BlockID)
	if err != nil {
		// The only way CombineRows/Dot can fail here is a width
		// mismatch between the bootstrap M and an incoming task's x,
		// which per spec §7 is the fatal DimensionMismatch kind: it
		// indicates corrupted bootstrap state, not a transient fault.
		// Spec §7/§6: nothing except the two fatal kinds terminates the
		// process, and it must do so with exit code 1, not an
		// unrecovered panic's default status. Record the fatal error
		// and close the socket to unblock Socket.Run so the caller can
		// observe it and exit deliberately.
		fatal := ferrors.Newf(ferrors.DimensionMismatch, "evaluate block %d: %v", task.BlockID, err)
		w.Diag.Emit(diag.Event{Kind: ferrors.DimensionMismatch, Cycle: task.Cycle, Detail: fatal.Error()})
		w.Log.Error("worker: fatal evaluating block", "err", fatal)
		w.mu.Lock()
		w.fatal = fatal
		w.mu.Unlock()
		_ = w.Socket.Close()
		return
	}

	result := wire.ResultFrame{
		Cycle:   task.Cycle,
		BlockID: task.BlockID,
		Seed:    task.Seed,
		YBlock:  y,
	}
	if saturated {
		result.SatFlag = 1
	}
	enc, err := wire.EncodeResult(result)
	if err != nil {
		w.Log.Error("worker: encode result", "err", err)
		return
	}
	if err := w.Socket.SendTo(from, enc); err != nil {
		w.Log.Warn("worker: send result", "err", err)
	}
}
