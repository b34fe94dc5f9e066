//go:build !windows

package supervisor

import (
	"fmt"
	"path/filepath"

	"github.com/nightlyone/lockfile"

	"github.com/sshkeysd/agent/internal/core"
	"github.com/sshkeysd/agent/internal/transport/unixsock"
)

// acquireSingleInstance takes a PID lockfile under dir, standing in for the
// Windows named mutex the original uses (§6 "Single-instance token").
func acquireSingleInstance(dir string) (func(), error) {
	lock, err := lockfile.New(filepath.Join(dir, ProgramName+".lock"))
	if err != nil {
		return nil, fmt.Errorf("construct lockfile: %w", err)
	}
	if err := lock.TryLock(); err != nil {
		return nil, err
	}
	return func() { lock.Unlock() }, nil
}

// serveTransports runs the UNIX-socket listener, the only transport this
// platform supports (§4.E; the named-pipe and Pageant transports are
// Windows-only per §4.F/§4.G).
func serveTransports(dir string, agent *core.Agent, logf func(string, ...any)) error {
	sockPath := filepath.Join(dir, "agent.sock")
	lst, err := unixsock.Listen(sockPath)
	if err != nil {
		return fmt.Errorf("listen unix: %w", err)
	}
	logf("supervisor: listening on %s", sockPath)
	return unixsock.Serve(lst, agent, logf)
}
