// Package core implements the agent protocol state machine: framed request
// dispatch over the SSH agent wire format, gating signing on an interactive
// confirmation.
package core

import (
	"bytes"
	"fmt"
	"log"
	"sync"

	"github.com/sshkeysd/agent/internal/config"
	"github.com/sshkeysd/agent/internal/keys"
	"github.com/sshkeysd/agent/internal/signer"
	"github.com/sshkeysd/agent/internal/wire"
)

// Wire message types, per the SSH agent protocol (§6).
const (
	msgRequestIdentities = 11
	msgSignRequest       = 13
	msgAddIdentity       = 17

	msgFailure          = 5
	msgSuccess          = 6
	msgIdentitiesAnswer = 12
	msgSignResponse     = 14
)

// Channel identifies the transport kind carrying a request.
type Channel string

const (
	ChannelUnix    Channel = "Unix"
	ChannelPipe    Channel = "Pipe"
	ChannelPageant Channel = "Pageant"
)

// RequesterInfo describes the process that opened a connection or posted a
// request, as derived by the attribution engine.
type RequesterInfo struct {
	DescriptionShort string
	DescriptionLong  string
}

// RequestInfo accompanies a request through dispatch to the confirmation
// broker: which channel it arrived on, and (when attribution succeeded)
// who seems to be asking.
type RequestInfo struct {
	Channel   Channel
	Requester *RequesterInfo
}

// Broker gates a signing operation on user confirmation. Implementations
// must be safe to call from any goroutine; see the confirm package for the
// concrete broker used in production.
type Broker interface {
	Confirm(kp keys.KeyPair, info RequestInfo) bool
}

// Agent owns a Config and dispatches wire-protocol requests against it,
// serializing mutation under a single exclusive lock.
type Agent struct {
	mu     sync.Mutex
	cfg    *config.Config
	broker Broker
	logf   func(string, ...any)
}

// New constructs an Agent around cfg, using broker to gate signing
// confirmations. If logf is nil, logging is discarded.
func New(cfg *config.Config, broker Broker, logf func(string, ...any)) *Agent {
	if logf == nil {
		logf = func(string, ...any) {}
	}
	return &Agent{cfg: cfg, broker: broker, logf: logf}
}

// Config returns the agent's underlying key configuration. Callers other
// than the dispatcher (e.g. a "reload" admin action) must take care not to
// call back into HandleRequest while holding any lock of their own, per the
// reentrancy discipline in §5.
func (a *Agent) Config() *config.Config {
	return a.cfg
}

// HandleRequest dispatches one request frame (the body after the u32
// length prefix) and returns exactly one response frame body. Any error at
// any point is logged and converted to a single-byte SSH_AGENT_FAILURE
// response; HandleRequest itself never returns an error to the transport.
func (a *Agent) HandleRequest(body []byte, info RequestInfo) []byte {
	resp, err := a.dispatch(body, info)
	if err != nil {
		a.logf("agent: request failed: %v", err)
		return []byte{msgFailure}
	}
	return resp
}

func (a *Agent) dispatch(body []byte, info RequestInfo) ([]byte, error) {
	r := bytes.NewReader(body)
	msgType, err := wire.ReadU8(r)
	if err != nil {
		return nil, fmt.Errorf("read msg_type: %w", err)
	}

	switch msgType {
	case msgRequestIdentities:
		return a.handleRequestIdentities()
	case msgAddIdentity:
		return a.handleAddIdentity(r)
	case msgSignRequest:
		return a.handleSignRequest(r, info)
	default:
		return []byte{msgFailure}, nil
	}
}

func (a *Agent) handleRequestIdentities() ([]byte, error) {
	a.mu.Lock()
	keyPairs := append([]keys.KeyPair(nil), a.cfg.Keys...)
	a.mu.Unlock()

	var buf bytes.Buffer
	if err := wire.WriteU8(&buf, msgIdentitiesAnswer); err != nil {
		return nil, err
	}
	if err := wire.WriteU32(&buf, uint32(len(keyPairs))); err != nil {
		return nil, err
	}
	for _, kp := range keyPairs {
		if err := wire.WriteString(&buf, kp.Public.Encode()); err != nil {
			return nil, err
		}
		if err := wire.WriteStringText(&buf, kp.Name); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

func (a *Agent) handleAddIdentity(r *bytes.Reader) ([]byte, error) {
	rest := make([]byte, r.Len())
	if _, err := r.Read(rest); err != nil {
		return nil, fmt.Errorf("read key body: %w", err)
	}
	kp, err := keys.DecodeKeyPair(rest)
	if err != nil {
		return nil, fmt.Errorf("decode key pair: %w", err)
	}

	a.mu.Lock()
	err = a.cfg.Add(kp)
	a.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("add key: %w", err)
	}
	return []byte{msgSuccess}, nil
}

func (a *Agent) handleSignRequest(r *bytes.Reader, info RequestInfo) ([]byte, error) {
	pubBlob, err := wire.ReadString(r)
	if err != nil {
		return nil, fmt.Errorf("read public key: %w", err)
	}
	msg, err := wire.ReadString(r)
	if err != nil {
		return nil, fmt.Errorf("read message: %w", err)
	}
	flags, err := wire.ReadU32(r)
	if err != nil {
		return nil, fmt.Errorf("read flags: %w", err)
	}

	pub, err := keys.DecodePublicKey(pubBlob)
	if err != nil {
		return nil, fmt.Errorf("decode public key: %w", err)
	}

	// Copy the matched key pair out under the lock, then release it before
	// calling the confirmation broker: the broker must never be invoked
	// while the agent lock is held, or a UI-thread action that reaches back
	// into the agent (e.g. an admin "reload" command) would deadlock (§5).
	a.mu.Lock()
	kp, _, ok := a.cfg.Find(pub)
	a.mu.Unlock()
	if !ok {
		return []byte{msgFailure}, nil
	}

	if !a.broker.Confirm(kp, info) {
		return []byte{msgFailure}, nil
	}

	sigBlob, err := signer.Sign(kp.Private, msg, flags)
	if err != nil {
		return nil, fmt.Errorf("sign: %w", err)
	}

	var buf bytes.Buffer
	if err := wire.WriteU8(&buf, msgSignResponse); err != nil {
		return nil, err
	}
	if err := wire.WriteString(&buf, sigBlob); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DefaultLogf is the stderr logging sink used outside of tests.
func DefaultLogf(format string, args ...any) {
	log.Printf(format, args...)
}
