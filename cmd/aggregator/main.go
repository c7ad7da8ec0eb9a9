// Command aggregator runs one LLFT replica of the coded-computing
// control fabric: it schedules cycles (when Primary), dispatches
// tasks to workers, decodes results, applies the control law, and
// participates in LLFT failover and the PoA commit path with its
// peer replica.
package main

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"meshfabric.dev/core/aggregator"
	"meshfabric.dev/core/bootstrap"
	"meshfabric.dev/core/diag"
	"meshfabric.dev/core/ferrors"
	"meshfabric.dev/core/fixedpoint"
	"meshfabric.dev/core/llft"
	"meshfabric.dev/core/poa"
	"meshfabric.dev/core/transport"
)

type multiStringFlag []string

func (m *multiStringFlag) String() string {
	if m == nil {
		return ""
	}
	return strings.Join(*m, ",")
}

func (m *multiStringFlag) Set(value string) error {
	*m = append(*m, value)
	return nil
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("aggregator", flag.ContinueOnError)
	fs.SetOutput(stderr)

	var workerAddrs multiStringFlag
	fs.Var(&workerAddrs, "worker", "worker UDP address, e.g. 10.0.0.2:9701 (repeatable)")

	listenAddr := fs.String("listen", ":9700", "UDP address to bind for peer/worker traffic")
	storePath := fs.String("store", "", "bbolt bootstrap store path (required)")
	peerAddr := fs.String("peer", "", "peer aggregator replica UDP address (required)")
	nodeID := fs.Uint64("node-id", 1, "this node's id, used in LLFT arbitration tuples")
	role := fs.String("role", "backup", "startup role: primary|backup")
	tCycle := fs.Duration("t-cycle", 200*time.Millisecond, "cycle period / heartbeat interval")
	controlGain := fs.Float64("gain", 0.1, "proportional control-law gain, in [-1, 1)")
	signingKeyHex := fs.String("signing-key-hex", "", "this node's Ed25519 private key for signing ResyncFrames (64 bytes hex)")
	peerVerifyKeyHex := fs.String("peer-verify-key-hex", "", "peer's Ed25519 public key for verifying its ResyncFrames (32 bytes hex)")
	logLevel := fs.String("log-level", "info", "log level: debug|info|warn|error")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	if *storePath == "" || *peerAddr == "" {
		fmt.Fprintln(stderr, "aggregator: -store and -peer are required")
		return 2
	}

	log := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: parseLevel(*logLevel)}))

	store, err := bootstrap.Open(*storePath)
	if err != nil {
		fmt.Fprintf(stderr, "aggregator: open store: %v\n", err)
		return 2
	}
	defer store.Close()

	cfg, ok, err := store.GetConfig()
	if err != nil {
		fmt.Fprintf(stderr, "aggregator: load bootstrap config: %v\n", err)
		return 2
	}
	if !ok {
		fmt.Fprintln(stderr, "aggregator: store has no bootstrap config; run keyctl bootstrap first")
		return 2
	}

	authorizedKeys, err := store.AuthorizedKeys()
	if err != nil {
		fmt.Fprintf(stderr, "aggregator: load authorized keys: %v\n", err)
		return 2
	}
	if len(authorizedKeys) == 0 {
		fmt.Fprintln(stderr, "aggregator: no authorized operator keys in store; run keyctl authorize first")
		return 2
	}

	startRole := llft.RoleBackup
	if strings.EqualFold(*role, "primary") {
		startRole = llft.RolePrimary
	}

	peerUDPAddr, err := net.ResolveUDPAddr("udp", *peerAddr)
	if err != nil {
		fmt.Fprintf(stderr, "aggregator: resolve -peer: %v\n", err)
		return 2
	}
	workers := make([]net.Addr, 0, len(workerAddrs))
	for _, w := range workerAddrs {
		a, err := net.ResolveUDPAddr("udp", w)
		if err != nil {
			fmt.Fprintf(stderr, "aggregator: resolve -worker %q: %v\n", w, err)
			return 2
		}
		workers = append(workers, a)
	}

	sock, err := transport.Listen(transport.Config{ListenAddr: *listenAddr})
	if err != nil {
		fmt.Fprintf(stderr, "aggregator: listen: %v\n", err)
		return 2
	}
	defer sock.Close()

	states := aggregator.NewStateRegistry()
	verifier := poa.NewVerifier(authorizedKeys, states)

	var signingKey ed25519.PrivateKey
	if *signingKeyHex != "" {
		raw, err := hex.DecodeString(strings.TrimPrefix(*signingKeyHex, "0x"))
		if err != nil || len(raw) != ed25519.PrivateKeySize {
			fmt.Fprintln(stderr, "aggregator: -signing-key-hex must be a 64-byte hex Ed25519 private key")
			return 2
		}
		signingKey = ed25519.PrivateKey(raw)
	}
	var peerVerifyKey [32]byte
	if *peerVerifyKeyHex != "" {
		raw, err := hex.DecodeString(strings.TrimPrefix(*peerVerifyKeyHex, "0x"))
		if err != nil || len(raw) != 32 {
			fmt.Fprintln(stderr, "aggregator: -peer-verify-key-hex must be a 32-byte hex Ed25519 public key")
			return 2
		}
		copy(peerVerifyKey[:], raw)
	}

	agg := aggregator.New(aggregator.Config{
		NodeID:        *nodeID,
		TCycle:        *tCycle,
		Rho:           cfg.Rho,
		StartRole:     startRole,
		Workers:       workers,
		PeerAddr:      peerUDPAddr,
		PeerVerifyKey: peerVerifyKey,
		SigningKey:    signingKey,
		PoA:           verifier,
		States:        states,
		Law:           aggregator.ProportionalLaw{Gain: fixedpoint.FromFloat64(*controlGain)},
		Socket:        sock,
		Log:           log,
		Diag:          diag.NewWriterSink(stderr),
	}, cfg.M, cfg.X)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := sock.Run(ctx, agg); err != nil && ctx.Err() == nil {
			log.Error("aggregator: socket run stopped", "err", err)
		}
	}()

	fmt.Fprintf(stdout, "aggregator: node_id=%d role=%s listening=%s peer=%s workers=%d\n",
		*nodeID, startRole, sock.LocalAddr(), peerUDPAddr, len(workers))

	exitCode := runCycleLoop(ctx, agg, *tCycle, log)

	fmt.Fprintln(stdout, "aggregator: stopped")
	return exitCode
}

// runCycleLoop drives the per-T_cycle LLFT tick and, when Primary, the
// open/close of coded-computing cycles. It blocks until ctx is
// cancelled (graceful halt, exit 0) or a fatal ferrors.Kind surfaces
// from the cycle machinery (spec §7: "Nothing except the two fatals
// terminates the process"; spec §6: exit 1 on unrecoverable internal
// invariant violation).
func runCycleLoop(ctx context.Context, agg *aggregator.Aggregator, tCycle time.Duration, log *slog.Logger) int {
	ticker := time.NewTicker(tCycle)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return 0
		case now := <-ticker.C:
			agg.Tick(now)
			if agg.Role() != llft.RolePrimary {
				continue
			}
			if agg.CurrentCycle() != nil {
				agg.CloseCycle()
			}
			if err := agg.ApplyPendingCommits(); err != nil {
				log.Error("aggregator: apply pending commits", "err", err)
			}
			if err := agg.OpenCycle(now); err != nil {
				if kind, ok := ferrors.As(err); ok && kind.Fatal() {
					log.Error("aggregator: fatal error, terminating", "kind", kind, "err", err)
					return 1
				}
				log.Warn("aggregator: open cycle", "err", err)
			}
		}
	}
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
