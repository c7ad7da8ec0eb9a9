package bootstrap

import (
	"path/filepath"
	"testing"

	"meshfabric.dev/core/fixedpoint"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "bootstrap.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestAuthorizedKeysRoundTrip(t *testing.T) {
	s := openTestStore(t)
	var k1, k2 [32]byte
	k1[0] = 1
	k2[0] = 2

	if err := s.PutAuthorizedKey(k1); err != nil {
		t.Fatal(err)
	}
	if err := s.PutAuthorizedKey(k2); err != nil {
		t.Fatal(err)
	}
	keys, err := s.AuthorizedKeys()
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != 2 {
		t.Fatalf("got %d keys, want 2", len(keys))
	}

	if err := s.RemoveAuthorizedKey(k1); err != nil {
		t.Fatal(err)
	}
	keys, err = s.AuthorizedKeys()
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != 1 || keys[0] != k2 {
		t.Fatalf("got %v, want only k2", keys)
	}
}

func TestConfigRoundTrip(t *testing.T) {
	s := openTestStore(t)
	if _, ok, err := s.GetConfig(); err != nil || ok {
		t.Fatalf("expected no config on a fresh store, ok=%v err=%v", ok, err)
	}

	cfg := Config{
		M: fixedpoint.Matrix{
			{fixedpoint.FromFloat64(0.5), fixedpoint.FromFloat64(-0.25)},
			{fixedpoint.FromFloat64(0.125), fixedpoint.FromFloat64(1.0)},
		},
		X:   fixedpoint.Vector{fixedpoint.FromFloat64(0.1), fixedpoint.FromFloat64(-0.2)},
		Rho: 0.5,
	}
	if err := s.PutConfig(cfg); err != nil {
		t.Fatal(err)
	}
	got, ok, err := s.GetConfig()
	if err != nil || !ok {
		t.Fatalf("expected config after Put, ok=%v err=%v", ok, err)
	}
	if got.Rho != cfg.Rho {
		t.Fatalf("rho = %v, want %v", got.Rho, cfg.Rho)
	}
	if len(got.M) != 2 || len(got.X) != 2 {
		t.Fatalf("shape mismatch: %+v", got)
	}
	for i := range cfg.M {
		for j := range cfg.M[i] {
			if got.M[i][j] != cfg.M[i][j] {
				t.Fatalf("M[%d][%d] = %d, want %d", i, j, got.M[i][j], cfg.M[i][j])
			}
		}
	}
}
