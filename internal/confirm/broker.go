// Package confirm implements the confirmation broker (§4.I): it serializes
// every interactive approve/deny prompt onto a single goroutine (standing
// in for the original's single UI thread) and hands the verdict back to
// whichever worker goroutine asked.
package confirm

import (
	"github.com/google/uuid"

	"github.com/sshkeysd/agent/internal/core"
	"github.com/sshkeysd/agent/internal/keys"
)

// ConfirmationRequest is the in-flight record carried from a worker
// goroutine to the broker's single prompt loop. Unlike the original's raw
// pointer posted across an OS thread boundary, it is an owned value sent
// over a channel: the loop goroutine, not the worker, is the only reader
// until it replies (see the "Dialog pointer lifetime" note in DESIGN.md).
type ConfirmationRequest struct {
	ID      uuid.UUID
	KeyPair keys.KeyPair
	Info    core.RequestInfo

	reply chan bool
}

// Broker implements core.Broker by funneling requests through a single
// goroutine that presents the prompt, so at most one dialog is ever on
// screen at a time.
type Broker struct {
	requests chan *ConfirmationRequest
	logf     func(string, ...any)
}

// New starts the broker's prompt loop and returns a handle to it. Callers
// should treat the returned *Broker as long-lived: it runs for the
// lifetime of the process, same as the original's UI thread.
func New(logf func(string, ...any)) *Broker {
	if logf == nil {
		logf = func(string, ...any) {}
	}
	b := &Broker{
		requests: make(chan *ConfirmationRequest),
		logf:     logf,
	}
	go b.loop()
	return b
}

// presentFunc is the platform hook that actually shows the prompt; it is a
// variable (rather than loop() calling present directly) so tests can
// substitute a stub without touching the real UI.
var presentFunc = present

func (b *Broker) loop() {
	for req := range b.requests {
		approved := presentFunc(req)
		req.reply <- approved
	}
}

// Confirm implements core.Broker. It blocks the calling goroutine until the
// user responds; there is intentionally no timeout and no cancellation
// path (§5: "cancellation of the worker ... is not supported — the dialog
// must be resolved by the user"). See DESIGN.md for the open question this
// leaves about a user who walks away.
func (b *Broker) Confirm(kp keys.KeyPair, info core.RequestInfo) bool {
	req := &ConfirmationRequest{
		ID:      uuid.New(),
		KeyPair: kp,
		Info:    info,
		reply:   make(chan bool, 1),
	}
	b.logf("confirm[%s]: requesting approval for key %q over %s", req.ID, kp.Name, info.Channel)
	b.requests <- req
	approved := <-req.reply
	b.logf("confirm[%s]: resolved approved=%v", req.ID, approved)
	return approved
}
