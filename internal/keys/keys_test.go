package keys_test

import (
	"crypto/rand"
	"crypto/rsa"
	"math/big"
	"testing"

	"github.com/sshkeysd/agent/internal/keys"
)

func testKeyPair(t *testing.T) (*rsa.PrivateKey, keys.KeyPair) {
	t.Helper()
	rsaKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate RSA key: %v", err)
	}
	priv := keys.NewPrivateKey(rsaKey.N, big.NewInt(int64(rsaKey.E)), rsaKey.D,
		rsaKey.Precomputed.Qinv, rsaKey.Primes[0], rsaKey.Primes[1])
	return rsaKey, keys.NewKeyPair(priv, "k1")
}

func TestPublicKeyRoundTrip(t *testing.T) {
	_, kp := testKeyPair(t)
	encoded := kp.Public.Encode()
	decoded, err := keys.DecodePublicKey(encoded)
	if err != nil {
		t.Fatalf("DecodePublicKey: %v", err)
	}
	if !decoded.Equal(kp.Public) {
		t.Errorf("decoded public key does not equal original")
	}
}

func TestDecodePublicKeyRejectsUnknownType(t *testing.T) {
	_, err := keys.DecodePublicKey([]byte{0, 0, 0, 3, 'f', 'o', 'o'})
	if err == nil {
		t.Error("expected error for unknown key type")
	}
}
