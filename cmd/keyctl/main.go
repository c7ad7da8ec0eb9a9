// Command keyctl is the operator-side key and bootstrap-state
// management tool for the PoA commit path of spec §4.4/§5: generating
// Ed25519 operator keys, authorizing/deauthorizing them in a node's
// bootstrap store, seeding the initial (M, x, rho) bootstrap config,
// and signing CommitTokens.
//
// Grounded on the teacher's cmd/rubin-node keymgr subcommand dispatch
// (node/keymgr.go): one flag.FlagSet per subcommand, hex in/out,
// ContinueOnError parsing within each subcommand, with errors returned
// to run, which maps them to exit codes.
package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"meshfabric.dev/core/bootstrap"
	"meshfabric.dev/core/fixedpoint"
	"meshfabric.dev/core/poa"
	"meshfabric.dev/core/wire"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		fmt.Fprintln(stderr, "usage: keyctl <genkey|pubkey|authorize|deauthorize|list-authorized|bootstrap|sign> [flags]")
		return 2
	}
	sub, rest := args[0], args[1:]

	var err error
	switch sub {
	case "genkey":
		err = cmdGenkey(rest, stdout, stderr)
	case "pubkey":
		err = cmdPubkey(rest, stdout, stderr)
	case "authorize":
		err = cmdAuthorize(rest, stdout, stderr, true)
	case "deauthorize":
		err = cmdAuthorize(rest, stdout, stderr, false)
	case "list-authorized":
		err = cmdListAuthorized(rest, stdout, stderr)
	case "bootstrap":
		err = cmdBootstrap(rest, stdout, stderr)
	case "sign":
		err = cmdSign(rest, stdout, stderr)
	default:
		fmt.Fprintf(stderr, "keyctl: unknown subcommand %q\n", sub)
		return 2
	}
	if err != nil {
		fmt.Fprintf(stderr, "keyctl %s: %v\n", sub, err)
		return 1
	}
	return 0
}

func cmdGenkey(args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("keyctl genkey", flag.ContinueOnError)
	fs.SetOutput(stderr)
	if err := fs.Parse(args); err != nil {
		return err
	}
	pub, sk, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("generate key: %w", err)
	}
	fmt.Fprintf(stdout, "pubkey_hex=%s\n", hex.EncodeToString(pub))
	fmt.Fprintf(stdout, "privkey_hex=%s\n", hex.EncodeToString(sk))
	return nil
}

func cmdPubkey(args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("keyctl pubkey", flag.ContinueOnError)
	fs.SetOutput(stderr)
	privHex := fs.String("priv-hex", "", "Ed25519 private key, 64 bytes hex (required)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	sk, err := decodeHexLen(*privHex, ed25519.PrivateKeySize)
	if err != nil {
		return fmt.Errorf("-priv-hex: %w", err)
	}
	pub := ed25519.PrivateKey(sk).Public().(ed25519.PublicKey)
	fmt.Fprintf(stdout, "pubkey_hex=%s\n", hex.EncodeToString(pub))
	return nil
}

func cmdAuthorize(args []string, stdout, stderr io.Writer, add bool) error {
	name := "keyctl authorize"
	if !add {
		name = "keyctl deauthorize"
	}
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	storePath := fs.String("store", "", "bbolt bootstrap store path (required)")
	pubHex := fs.String("pubkey-hex", "", "Ed25519 public key, 32 bytes hex (required)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *storePath == "" {
		return fmt.Errorf("-store is required")
	}
	key, err := decodeHexLen32(*pubHex)
	if err != nil {
		return fmt.Errorf("-pubkey-hex: %w", err)
	}
	store, err := bootstrap.Open(*storePath)
	if err != nil {
		return err
	}
	defer store.Close()
	if add {
		if err := store.PutAuthorizedKey(key); err != nil {
			return err
		}
		fmt.Fprintf(stdout, "authorized %s\n", *pubHex)
		return nil
	}
	if err := store.RemoveAuthorizedKey(key); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "deauthorized %s\n", *pubHex)
	return nil
}

func cmdListAuthorized(args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("keyctl list-authorized", flag.ContinueOnError)
	fs.SetOutput(stderr)
	storePath := fs.String("store", "", "bbolt bootstrap store path (required)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *storePath == "" {
		return fmt.Errorf("-store is required")
	}
	store, err := bootstrap.Open(*storePath)
	if err != nil {
		return err
	}
	defer store.Close()
	keys, err := store.AuthorizedKeys()
	if err != nil {
		return err
	}
	for _, k := range keys {
		fmt.Fprintln(stdout, hex.EncodeToString(k[:]))
	}
	return nil
}

func cmdBootstrap(args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("keyctl bootstrap", flag.ContinueOnError)
	fs.SetOutput(stderr)
	storePath := fs.String("store", "", "bbolt bootstrap store path (required)")
	dim := fs.Int("dim", 4, "source vector width m (M starts as the m x m identity)")
	rho := fs.Float64("rho", 0.5, "redundancy factor rho used to derive K = ceil(m*(1+rho))")
	xCSV := fs.String("x", "", "comma-separated initial x values (defaults to all zero)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *storePath == "" {
		return fmt.Errorf("-store is required")
	}
	if *dim <= 0 {
		return fmt.Errorf("-dim must be positive")
	}

	x := make(fixedpoint.Vector, *dim)
	if *xCSV != "" {
		parts := strings.Split(*xCSV, ",")
		if len(parts) != *dim {
			return fmt.Errorf("-x has %d values, want %d", len(parts), *dim)
		}
		for i, p := range parts {
			f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
			if err != nil {
				return fmt.Errorf("-x[%d]: %w", i, err)
			}
			x[i] = fixedpoint.FromFloat64(f)
		}
	}

	store, err := bootstrap.Open(*storePath)
	if err != nil {
		return err
	}
	defer store.Close()

	cfg := bootstrap.Config{M: fixedpoint.Identity(*dim), X: x, Rho: *rho}
	if err := store.PutConfig(cfg); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "bootstrap config written: m=%d rho=%.4f\n", *dim, *rho)
	return nil
}

func cmdSign(args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("keyctl sign", flag.ContinueOnError)
	fs.SetOutput(stderr)
	privHex := fs.String("priv-hex", "", "operator Ed25519 private key, 64 bytes hex (required)")
	stateHashHex := fs.String("state-hash-hex", "", "32-byte hex state_hash this commit authorizes (required)")
	sequence := fs.Uint64("sequence", 0, "strictly increasing per-key sequence number (required)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	sk, err := decodeHexLen(*privHex, ed25519.PrivateKeySize)
	if err != nil {
		return fmt.Errorf("-priv-hex: %w", err)
	}
	stateHash, err := decodeHexLen32(*stateHashHex)
	if err != nil {
		return fmt.Errorf("-state-hash-hex: %w", err)
	}
	sig := poa.Sign(ed25519.PrivateKey(sk), stateHash, *sequence)
	pub := ed25519.PrivateKey(sk).Public().(ed25519.PublicKey)
	var verifyKey [32]byte
	copy(verifyKey[:], pub)

	ct := wire.CommitToken{StateHash: stateHash, Sequence: *sequence, VerifyKey: verifyKey, Signature: sig}
	fmt.Fprintf(stdout, "state_hash_hex=%s\n", hex.EncodeToString(ct.StateHash[:]))
	fmt.Fprintf(stdout, "sequence=%d\n", ct.Sequence)
	fmt.Fprintf(stdout, "verify_key_hex=%s\n", hex.EncodeToString(ct.VerifyKey[:]))
	fmt.Fprintf(stdout, "signature_hex=%s\n", hex.EncodeToString(ct.Signature[:]))
	return nil
}

func decodeHexLen(s string, n int) ([]byte, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(s), "0x"))
	if err != nil {
		return nil, err
	}
	if len(raw) != n {
		return nil, fmt.Errorf("want %d bytes, got %d", n, len(raw))
	}
	return raw, nil
}

func decodeHexLen32(s string) ([32]byte, error) {
	var out [32]byte
	raw, err := decodeHexLen(s, 32)
	if err != nil {
		return out, err
	}
	copy(out[:], raw)
	return out, nil
}
