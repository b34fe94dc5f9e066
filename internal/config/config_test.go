package config_test

import (
	"crypto/rand"
	"crypto/rsa"
	"math/big"
	"path/filepath"
	"testing"

	"github.com/sshkeysd/agent/internal/config"
	"github.com/sshkeysd/agent/internal/keys"
)

func TestLoadMissingFileIsEmpty(t *testing.T) {
	cfg, err := config.Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.Keys) != 0 {
		t.Errorf("expected empty config, got %d keys", len(cfg.Keys))
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	rsaKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	priv := keys.NewPrivateKey(rsaKey.N, big.NewInt(int64(rsaKey.E)), rsaKey.D,
		rsaKey.Precomputed.Qinv, rsaKey.Primes[0], rsaKey.Primes[1])
	cfg.Keys = append(cfg.Keys, keys.NewKeyPair(priv, "k1"))

	if err := cfg.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}

	reloaded, err := config.Load(path)
	if err != nil {
		t.Fatalf("reload Load: %v", err)
	}
	if len(reloaded.Keys) != 1 {
		t.Fatalf("expected 1 key after reload, got %d", len(reloaded.Keys))
	}
	if reloaded.Keys[0].Name != "k1" {
		t.Errorf("name = %q, want k1", reloaded.Keys[0].Name)
	}
	if !reloaded.Keys[0].Public.Equal(priv.Public()) {
		t.Errorf("reloaded public key does not match original")
	}
}

func TestAddDeduplicatesByPublicKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	rsaKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	priv := keys.NewPrivateKey(rsaKey.N, big.NewInt(int64(rsaKey.E)), rsaKey.D,
		rsaKey.Precomputed.Qinv, rsaKey.Primes[0], rsaKey.Primes[1])

	if err := cfg.Add(keys.NewKeyPair(priv, "first-name")); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := cfg.Add(keys.NewKeyPair(priv, "second-name")); err != nil {
		t.Fatalf("Add (dup): %v", err)
	}
	if len(cfg.Keys) != 1 {
		t.Fatalf("expected duplicate add to be a no-op, got %d keys", len(cfg.Keys))
	}
	if cfg.Keys[0].Name != "first-name" {
		t.Errorf("name = %q, want first-name (first insertion wins)", cfg.Keys[0].Name)
	}
}
