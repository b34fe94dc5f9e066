package core_test

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"math/big"
	"path/filepath"
	"testing"

	"github.com/sshkeysd/agent/internal/config"
	"github.com/sshkeysd/agent/internal/core"
	"github.com/sshkeysd/agent/internal/keys"
	"github.com/sshkeysd/agent/internal/wire"
)

type stubBroker struct{ approve bool }

func (s stubBroker) Confirm(keys.KeyPair, core.RequestInfo) bool { return s.approve }

func newAgent(t *testing.T, approve bool) *core.Agent {
	t.Helper()
	cfg, err := config.Load(filepath.Join(t.TempDir(), "config.yaml"))
	if err != nil {
		t.Fatalf("config.Load: %v", err)
	}
	return core.New(cfg, stubBroker{approve: approve}, t.Logf)
}

func genKeyPair(t *testing.T) (*rsa.PrivateKey, keys.KeyPair) {
	t.Helper()
	rsaKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate RSA key: %v", err)
	}
	priv := keys.NewPrivateKey(rsaKey.N, big.NewInt(int64(rsaKey.E)), rsaKey.D,
		rsaKey.Precomputed.Qinv, rsaKey.Primes[0], rsaKey.Primes[1])
	return rsaKey, keys.NewKeyPair(priv, "k1")
}

func addIdentityFrame(t *testing.T, priv keys.PrivateKey, name string) []byte {
	t.Helper()
	var buf bytes.Buffer
	buf.WriteByte(17)
	mustWriteString(t, &buf, "ssh-rsa")
	mustWriteMpint(t, &buf, priv.N)
	mustWriteMpint(t, &buf, priv.E)
	mustWriteMpint(t, &buf, priv.D)
	mustWriteMpint(t, &buf, priv.Iqmp)
	mustWriteMpint(t, &buf, priv.P)
	mustWriteMpint(t, &buf, priv.Q)
	mustWriteString(t, &buf, name)
	return buf.Bytes()
}

func mustWriteString(t *testing.T, w *bytes.Buffer, s string) {
	t.Helper()
	if err := wire.WriteStringText(w, s); err != nil {
		t.Fatalf("write string: %v", err)
	}
}

func mustWriteMpint(t *testing.T, w *bytes.Buffer, n *big.Int) {
	t.Helper()
	if err := wire.WriteMpint(w, n); err != nil {
		t.Fatalf("write mpint: %v", err)
	}
}

func TestRequestIdentitiesEmpty(t *testing.T) {
	a := newAgent(t, true)
	resp := a.HandleRequest([]byte{0x0B}, core.RequestInfo{Channel: core.ChannelUnix})
	want := []byte{0x0C, 0x00, 0x00, 0x00, 0x00}
	if !bytes.Equal(resp, want) {
		t.Errorf("response = %v, want %v", resp, want)
	}
}

func TestAddThenListIdentities(t *testing.T) {
	a := newAgent(t, true)
	_, kp := genKeyPair(t)

	resp := a.HandleRequest(addIdentityFrame(t, kp.Private, "k1"), core.RequestInfo{Channel: core.ChannelUnix})
	if !bytes.Equal(resp, []byte{6}) {
		t.Fatalf("ADD_IDENTITY response = %v, want SUCCESS", resp)
	}

	resp = a.HandleRequest([]byte{0x0B}, core.RequestInfo{Channel: core.ChannelUnix})
	r := bytes.NewReader(resp)
	msgType, _ := wire.ReadU8(r)
	if msgType != 12 {
		t.Fatalf("msg_type = %d, want 12", msgType)
	}
	count, _ := wire.ReadU32(r)
	if count != 1 {
		t.Fatalf("count = %d, want 1", count)
	}
	_, err := wire.ReadString(r) // public blob
	if err != nil {
		t.Fatalf("read public blob: %v", err)
	}
	comment, err := wire.ReadStringUTF8(r)
	if err != nil {
		t.Fatalf("read comment: %v", err)
	}
	if comment != "k1" {
		t.Errorf("comment = %q, want k1", comment)
	}
}

func TestAddDuplicateDoesNotGrowList(t *testing.T) {
	a := newAgent(t, true)
	_, kp := genKeyPair(t)
	frame := addIdentityFrame(t, kp.Private, "k1")

	a.HandleRequest(frame, core.RequestInfo{Channel: core.ChannelUnix})
	a.HandleRequest(addIdentityFrame(t, kp.Private, "k2"), core.RequestInfo{Channel: core.ChannelUnix})

	resp := a.HandleRequest([]byte{0x0B}, core.RequestInfo{Channel: core.ChannelUnix})
	r := bytes.NewReader(resp)
	wire.ReadU8(r)
	count, _ := wire.ReadU32(r)
	if count != 1 {
		t.Errorf("count = %d, want 1 (duplicate public key should be a no-op)", count)
	}
}

func signRequestFrame(t *testing.T, pub []byte, msg []byte, flags uint32) []byte {
	t.Helper()
	var buf bytes.Buffer
	buf.WriteByte(13)
	if err := wire.WriteString(&buf, pub); err != nil {
		t.Fatalf("write pub: %v", err)
	}
	if err := wire.WriteString(&buf, msg); err != nil {
		t.Fatalf("write msg: %v", err)
	}
	if err := wire.WriteU32(&buf, flags); err != nil {
		t.Fatalf("write flags: %v", err)
	}
	return buf.Bytes()
}

func TestSignUnknownKeyFails(t *testing.T) {
	a := newAgent(t, true)
	_, kp := genKeyPair(t)
	resp := a.HandleRequest(signRequestFrame(t, kp.Public.Encode(), []byte("abc"), 0), core.RequestInfo{Channel: core.ChannelUnix})
	if !bytes.Equal(resp, []byte{5}) {
		t.Errorf("response = %v, want FAILURE", resp)
	}
}

func TestSignDeniedByBrokerFails(t *testing.T) {
	a := newAgent(t, false)
	_, kp := genKeyPair(t)
	a.HandleRequest(addIdentityFrame(t, kp.Private, "k1"), core.RequestInfo{Channel: core.ChannelUnix})

	resp := a.HandleRequest(signRequestFrame(t, kp.Public.Encode(), []byte("abc"), 0), core.RequestInfo{Channel: core.ChannelUnix})
	if !bytes.Equal(resp, []byte{5}) {
		t.Errorf("response = %v, want FAILURE", resp)
	}
}

func TestSignApprovedProducesSignature(t *testing.T) {
	a := newAgent(t, true)
	rsaKey, kp := genKeyPair(t)
	a.HandleRequest(addIdentityFrame(t, kp.Private, "k1"), core.RequestInfo{Channel: core.ChannelUnix})

	resp := a.HandleRequest(signRequestFrame(t, kp.Public.Encode(), []byte("abc"), 0), core.RequestInfo{Channel: core.ChannelUnix})
	r := bytes.NewReader(resp)
	msgType, _ := wire.ReadU8(r)
	if msgType != 14 {
		t.Fatalf("msg_type = %d, want SIGN_RESPONSE (14)", msgType)
	}
	sigBlob, err := wire.ReadString(r)
	if err != nil {
		t.Fatalf("read sig blob: %v", err)
	}
	sr := bytes.NewReader(sigBlob)
	sigType, err := wire.ReadStringUTF8(sr)
	if err != nil {
		t.Fatalf("read sig type: %v", err)
	}
	if sigType != "ssh-rsa" {
		t.Errorf("sig type = %q, want ssh-rsa", sigType)
	}
	_ = rsaKey
}

func TestUnknownOpcodeFails(t *testing.T) {
	a := newAgent(t, true)
	resp := a.HandleRequest([]byte{200}, core.RequestInfo{Channel: core.ChannelUnix})
	if !bytes.Equal(resp, []byte{5}) {
		t.Errorf("response = %v, want FAILURE", resp)
	}
}
