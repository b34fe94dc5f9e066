// Package config persists the agent's named key pairs to a textual file.
package config

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"math/big"
	"os"
	"path/filepath"

	"github.com/hashicorp/errwrap"
	"github.com/hashicorp/go-multierror"
	"gopkg.in/yaml.v3"

	"github.com/sshkeysd/agent/internal/keys"
)

// FileName is the config file's base name inside the agent's config
// directory.
const FileName = "config.yaml"

// Dir returns the agent's per-user config directory, creating it if
// necessary.
func Dir(programName string) (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("user config dir: %w", err)
	}
	dir := filepath.Join(base, programName)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("create config dir: %w", err)
	}
	return dir, nil
}

// entry is the on-disk representation of a single key pair.
type entry struct {
	Type string `yaml:"type"`
	Data string `yaml:"data"`
}

// fileFormat is the on-disk representation of a Config: an ordered list so
// insertion order survives a round trip (plain YAML maps do not guarantee
// order on decode, so the file stores a sequence of single-entry records).
type fileFormat struct {
	Keys []map[string]entry `yaml:"keys"`
}

// Config is an ordered collection of named key pairs.
type Config struct {
	path string
	Keys []keys.KeyPair
}

// Load reads the config file at path. A missing file decodes as an empty
// Config. Individual malformed entries are skipped (and reported, combined
// via a multierror) rather than failing the whole load, so one bad entry
// doesn't strand every other key.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{path: path}, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	var ff fileFormat
	if err := yaml.Unmarshal(raw, &ff); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg := &Config{path: path}
	var errs *multierror.Error
	for _, m := range ff.Keys {
		for name, e := range m {
			kp, err := decodeEntry(name, e)
			if err != nil {
				errs = multierror.Append(errs, errwrap.Wrapf(fmt.Sprintf("key %q: {{err}}", name), err))
				continue
			}
			cfg.Keys = append(cfg.Keys, kp)
		}
	}
	if errs != nil {
		return cfg, errs.ErrorOrNil()
	}
	return cfg, nil
}

// Find performs a linear scan for a key pair whose public key equals
// public, returning its index alongside it.
func (c *Config) Find(public keys.PublicKey) (keys.KeyPair, int, bool) {
	for i, kp := range c.Keys {
		if kp.Public.Equal(public) {
			return kp, i, true
		}
	}
	return keys.KeyPair{}, -1, false
}

// Add appends kp and persists the config, unless an entry with the same
// public key already exists, in which case it is a silent no-op.
// Persistence failure propagates; the in-memory append is not rolled back
// (see DESIGN.md's note on the "add_key after failed save" open question).
func (c *Config) Add(kp keys.KeyPair) error {
	if _, _, ok := c.Find(kp.Public); ok {
		return nil
	}
	c.Keys = append(c.Keys, kp)
	return c.Save()
}

// Save writes the config to its file, overwriting any existing content.
func (c *Config) Save() error {
	ff := fileFormat{Keys: make([]map[string]entry, 0, len(c.Keys))}
	for _, kp := range c.Keys {
		e, err := encodeEntry(kp)
		if err != nil {
			return fmt.Errorf("key %q: %w", kp.Name, err)
		}
		ff.Keys = append(ff.Keys, map[string]entry{kp.Name: e})
	}
	out, err := yaml.Marshal(ff)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(c.path, out, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// Reload replaces the Config wholesale from its backing file.
func (c *Config) Reload() error {
	fresh, err := Load(c.path)
	if err != nil {
		return err
	}
	c.Keys = fresh.Keys
	return nil
}

func decodeEntry(name string, e entry) (keys.KeyPair, error) {
	if e.Type != "rsa" {
		return keys.KeyPair{}, fmt.Errorf("unsupported key type %q", e.Type)
	}
	block, _ := pem.Decode([]byte(e.Data))
	if block == nil {
		return keys.KeyPair{}, fmt.Errorf("invalid PEM data")
	}
	rsaKey, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return keys.KeyPair{}, fmt.Errorf("parse RSA key: %w", err)
	}
	priv := keys.NewPrivateKey(rsaKey.N, big.NewInt(int64(rsaKey.E)), rsaKey.D,
		rsaKey.Precomputed.Qinv, rsaKey.Primes[0], rsaKey.Primes[1])
	return keys.NewKeyPair(priv, name), nil
}

func encodeEntry(kp keys.KeyPair) (entry, error) {
	k := kp.Private
	rsaKey := &rsa.PrivateKey{
		PublicKey: rsa.PublicKey{N: k.N, E: int(k.E.Int64())},
		D:         k.D,
		Primes:    []*big.Int{k.P, k.Q},
	}
	rsaKey.Precompute()
	der := x509.MarshalPKCS1PrivateKey(rsaKey)
	block := &pem.Block{Type: "RSA PRIVATE KEY", Bytes: der}
	return entry{Type: "rsa", Data: string(pem.EncodeToMemory(block))}, nil
}
