package signer_test

import (
	"bytes"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"math/big"
	"testing"

	"github.com/sshkeysd/agent/internal/keys"
	"github.com/sshkeysd/agent/internal/signer"
	"github.com/sshkeysd/agent/internal/wire"
)

func testKeyPair(t *testing.T) (*rsa.PrivateKey, keys.PrivateKey) {
	t.Helper()
	rsaKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate RSA key: %v", err)
	}
	priv := keys.NewPrivateKey(rsaKey.N, big.NewInt(int64(rsaKey.E)), rsaKey.D,
		rsaKey.Precomputed.Qinv, rsaKey.Primes[0], rsaKey.Primes[1])
	return rsaKey, priv
}

func TestSignSelectsHashByFlagPriority(t *testing.T) {
	rsaKey, priv := testKeyPair(t)
	msg := []byte("abc")

	cases := []struct {
		flags    uint32
		wantType string
		hash     crypto.Hash
	}{
		{0, "ssh-rsa", crypto.SHA1},
		{keys.FlagSHA256, "rsa-sha2-256", crypto.SHA256},
		{keys.FlagSHA512, "rsa-sha2-512", crypto.SHA512},
		{keys.FlagSHA256 | keys.FlagSHA512, "rsa-sha2-512", crypto.SHA512}, // SHA-512 wins when both bits set
	}
	for _, c := range cases {
		blob, err := signer.Sign(priv, msg, c.flags)
		if err != nil {
			t.Fatalf("Sign(flags=%#x): %v", c.flags, err)
		}
		sigType, rawSig := parseSigBlob(t, blob)
		if sigType != c.wantType {
			t.Errorf("flags=%#x: sig type = %q, want %q", c.flags, sigType, c.wantType)
		}
		d := digestFor(c.hash, msg)
		if err := rsa.VerifyPKCS1v15(&rsaKey.PublicKey, c.hash, d, rawSig); err != nil {
			t.Errorf("flags=%#x: signature does not verify: %v", c.flags, err)
		}
	}
}

func digestFor(h crypto.Hash, msg []byte) []byte {
	switch h {
	case crypto.SHA256:
		s := sha256.Sum256(msg)
		return s[:]
	case crypto.SHA512:
		s := sha512.Sum512(msg)
		return s[:]
	default:
		s := sha1.Sum(msg)
		return s[:]
	}
}

func parseSigBlob(t *testing.T, blob []byte) (string, []byte) {
	t.Helper()
	r := bytes.NewReader(blob)
	sigType, err := wire.ReadStringUTF8(r)
	if err != nil {
		t.Fatalf("read sig type: %v", err)
	}
	raw, err := wire.ReadString(r)
	if err != nil {
		t.Fatalf("read raw signature: %v", err)
	}
	return sigType, raw
}
