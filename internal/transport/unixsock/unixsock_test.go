package unixsock_test

import (
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/sshkeysd/agent/internal/config"
	"github.com/sshkeysd/agent/internal/core"
	"github.com/sshkeysd/agent/internal/keys"
	"github.com/sshkeysd/agent/internal/transport/unixsock"
	"github.com/sshkeysd/agent/internal/wire"
)

type approveBroker struct{}

func (approveBroker) Confirm(keys.KeyPair, core.RequestInfo) bool { return true }

func TestServeAnswersIdentitiesRequest(t *testing.T) {
	sockPath := filepath.Join(t.TempDir(), "agent.sock")
	lst, err := unixsock.Listen(sockPath)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}

	cfg, err := config.Load(filepath.Join(t.TempDir(), "config.yaml"))
	if err != nil {
		t.Fatalf("config.Load: %v", err)
	}
	agent := core.New(cfg, approveBroker{}, t.Logf)

	go unixsock.Serve(lst, agent, t.Logf)

	conn, err := net.DialTimeout("unix", sockPath, time.Second)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	if err := wire.WriteFrame(conn, []byte{0x0B}); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	resp, err := wire.ReadFrame(conn)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	want := []byte{0x0C, 0x00, 0x00, 0x00, 0x00}
	if string(resp) != string(want) {
		t.Errorf("response = %v, want %v", resp, want)
	}

	lst.Close()
}

func TestServeRecoversFromTruncatedFrame(t *testing.T) {
	sockPath := filepath.Join(t.TempDir(), "agent.sock")
	lst, err := unixsock.Listen(sockPath)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	cfg, err := config.Load(filepath.Join(t.TempDir(), "config.yaml"))
	if err != nil {
		t.Fatalf("config.Load: %v", err)
	}
	agent := core.New(cfg, approveBroker{}, t.Logf)
	go unixsock.Serve(lst, agent, t.Logf)
	defer lst.Close()

	bad, err := net.DialTimeout("unix", sockPath, time.Second)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	// Claim a 10-byte frame but send only 3, then close early.
	bad.Write([]byte{0, 0, 0, 10, 'a', 'b', 'c'})
	bad.Close()

	// The agent must still serve a second client after the truncated one.
	good, err := net.DialTimeout("unix", sockPath, time.Second)
	if err != nil {
		t.Fatalf("second Dial: %v", err)
	}
	defer good.Close()
	if err := wire.WriteFrame(good, []byte{0x0B}); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	if _, err := wire.ReadFrame(good); err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
}
