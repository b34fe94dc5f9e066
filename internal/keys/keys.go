// Package keys defines the key data model: public/private RSA key pairs
// and their SSH wire encodings.
package keys

import (
	"bytes"
	"crypto/rsa"
	"fmt"
	"math/big"

	"github.com/sshkeysd/agent/internal/wire"
)

// Signature hash-selection flags, per the SSH agent protocol.
const (
	FlagSHA256 = 0x2
	FlagSHA512 = 0x4
)

// PublicKey is a sum type; today only the RSA variant exists.
type PublicKey struct {
	E *big.Int
	N *big.Int
}

// KeyType returns the SSH key type string.
func (PublicKey) KeyType() string { return "ssh-rsa" }

// Equal reports structural equality over (E, N).
func (p PublicKey) Equal(o PublicKey) bool {
	return p.E.Cmp(o.E) == 0 && p.N.Cmp(o.N) == 0
}

// Encode returns the SSH wire form: string "ssh-rsa" · mpint e · mpint n.
func (p PublicKey) Encode() []byte {
	var buf bytes.Buffer
	_ = wire.WriteStringText(&buf, "ssh-rsa")
	_ = wire.WriteMpint(&buf, p.E)
	_ = wire.WriteMpint(&buf, p.N)
	return buf.Bytes()
}

// DecodePublicKey parses the SSH wire form produced by Encode.
func DecodePublicKey(blob []byte) (PublicKey, error) {
	r := bytes.NewReader(blob)
	typ, err := wire.ReadStringUTF8(r)
	if err != nil {
		return PublicKey{}, fmt.Errorf("read key type: %w", err)
	}
	if typ != "ssh-rsa" {
		return PublicKey{}, fmt.Errorf("unknown key type: %s", typ)
	}
	e, err := wire.ReadMpint(r)
	if err != nil {
		return PublicKey{}, fmt.Errorf("read e: %w", err)
	}
	n, err := wire.ReadMpint(r)
	if err != nil {
		return PublicKey{}, fmt.Errorf("read n: %w", err)
	}
	return PublicKey{E: e, N: n}, nil
}

// PrivateKey is a sum type; today only the RSA variant exists. dp and dq
// are derived on ingest and retained alongside the wire-supplied fields.
type PrivateKey struct {
	N, E, D, P, Q, Iqmp *big.Int
	Dp, Dq              *big.Int
}

// NewPrivateKey builds a PrivateKey from its wire components, deriving
// dp = d mod (p-1) and dq = d mod (q-1).
func NewPrivateKey(n, e, d, iqmp, p, q *big.Int) PrivateKey {
	one := big.NewInt(1)
	pMinus1 := new(big.Int).Sub(p, one)
	qMinus1 := new(big.Int).Sub(q, one)
	dp := new(big.Int).Mod(d, pMinus1)
	dq := new(big.Int).Mod(d, qMinus1)
	return PrivateKey{N: n, E: e, D: d, P: p, Q: q, Iqmp: iqmp, Dp: dp, Dq: dq}
}

// Public projects the PrivateKey to its PublicKey.
func (k PrivateKey) Public() PublicKey {
	return PublicKey{E: k.E, N: k.N}
}

// RSA builds a standard library *rsa.PrivateKey from the wire fields, for
// use with crypto/rsa as the signing primitive (the spec treats RSA
// cryptography itself as an external black-box library). Exported for the
// signer package, which performs the actual signing.
func (k PrivateKey) RSA() (*rsa.PrivateKey, error) {
	pk := &rsa.PrivateKey{
		PublicKey: rsa.PublicKey{N: k.N, E: int(k.E.Int64())},
		D:         k.D,
		Primes:    []*big.Int{k.P, k.Q},
	}
	pk.Precompute()
	if err := pk.Validate(); err != nil {
		return nil, fmt.Errorf("invalid RSA key: %w", err)
	}
	return pk, nil
}

// DecodePrivateKey reads the ADD_IDENTITY wire form of an RSA key:
// string "ssh-rsa" · mpint n · mpint e · mpint d · mpint iqmp · mpint p · mpint q.
// The caller is responsible for reading the trailing comment field.
func DecodePrivateKey(r *bytes.Reader) (PrivateKey, error) {
	typ, err := wire.ReadStringUTF8(r)
	if err != nil {
		return PrivateKey{}, fmt.Errorf("read key type: %w", err)
	}
	if typ != "ssh-rsa" {
		return PrivateKey{}, fmt.Errorf("unknown key type: %s", typ)
	}
	n, err := wire.ReadMpint(r)
	if err != nil {
		return PrivateKey{}, fmt.Errorf("read n: %w", err)
	}
	e, err := wire.ReadMpint(r)
	if err != nil {
		return PrivateKey{}, fmt.Errorf("read e: %w", err)
	}
	d, err := wire.ReadMpint(r)
	if err != nil {
		return PrivateKey{}, fmt.Errorf("read d: %w", err)
	}
	iqmp, err := wire.ReadMpint(r)
	if err != nil {
		return PrivateKey{}, fmt.Errorf("read iqmp: %w", err)
	}
	p, err := wire.ReadMpint(r)
	if err != nil {
		return PrivateKey{}, fmt.Errorf("read p: %w", err)
	}
	q, err := wire.ReadMpint(r)
	if err != nil {
		return PrivateKey{}, fmt.Errorf("read q: %w", err)
	}
	return NewPrivateKey(n, e, d, iqmp, p, q), nil
}

// KeyPair couples a private key with its derived public key and a
// user-chosen display name.
type KeyPair struct {
	Private PrivateKey
	Public  PublicKey
	Name    string
}

// NewKeyPair derives the public key from private once, at construction.
func NewKeyPair(private PrivateKey, name string) KeyPair {
	return KeyPair{Private: private, Public: private.Public(), Name: name}
}

// DecodeKeyPair reads a full ADD_IDENTITY body (key plus trailing comment).
func DecodeKeyPair(body []byte) (KeyPair, error) {
	r := bytes.NewReader(body)
	private, err := DecodePrivateKey(r)
	if err != nil {
		return KeyPair{}, err
	}
	comment, err := wire.ReadStringUTF8(r)
	if err != nil {
		return KeyPair{}, fmt.Errorf("read comment: %w", err)
	}
	return NewKeyPair(private, comment), nil
}
