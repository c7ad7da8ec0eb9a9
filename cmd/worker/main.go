// Command worker runs a stateless coded-block evaluator: it listens
// on a UDP socket for TaskFrames and replies with the corresponding
// ResultFrame, per spec §2's worker role.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"meshfabric.dev/core/bootstrap"
	"meshfabric.dev/core/diag"
	"meshfabric.dev/core/ferrors"
	"meshfabric.dev/core/transport"
	"meshfabric.dev/core/worker"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("worker", flag.ContinueOnError)
	fs.SetOutput(stderr)

	listenAddr := fs.String("listen", ":9701", "UDP address to bind")
	storePath := fs.String("store", "", "bbolt bootstrap store path (required)")
	logLevel := fs.String("log-level", "info", "log level: debug|info|warn|error")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *storePath == "" {
		fmt.Fprintln(stderr, "worker: -store is required")
		return 2
	}

	log := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: parseLevel(*logLevel)}))

	store, err := bootstrap.Open(*storePath)
	if err != nil {
		fmt.Fprintf(stderr, "worker: open store: %v\n", err)
		return 2
	}
	defer store.Close()

	cfg, ok, err := store.GetConfig()
	if err != nil {
		fmt.Fprintf(stderr, "worker: load bootstrap config: %v\n", err)
		return 2
	}
	if !ok {
		fmt.Fprintln(stderr, "worker: store has no bootstrap config; run keyctl bootstrap first")
		return 2
	}
	fmt.Fprintf(stdout, "worker: bootstrap config M=%dx%d rho=%.4f\n", cfg.M.Rows(), cfg.M.Cols(), cfg.Rho)

	sock, err := transport.Listen(transport.Config{ListenAddr: *listenAddr})
	if err != nil {
		fmt.Fprintf(stderr, "worker: listen: %v\n", err)
		return 2
	}
	defer sock.Close()

	w := worker.New(cfg.M, sock, log, diag.NewWriterSink(stderr))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	fmt.Fprintf(stdout, "worker: listening on %s\n", sock.LocalAddr())
	runErr := sock.Run(ctx, w)
	if fatal := w.FatalErr(); fatal != nil {
		kind, _ := ferrors.As(fatal)
		fmt.Fprintf(stderr, "worker: fatal %s: %v\n", kind, fatal)
		return 1
	}
	if runErr != nil && ctx.Err() == nil {
		fmt.Fprintf(stderr, "worker: run: %v\n", runErr)
		return 1
	}
	fmt.Fprintln(stdout, "worker: stopped")
	return 0
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
