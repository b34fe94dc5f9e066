// Package unixsock implements the UNIX-domain-socket agent transport
// (§4.E): a fixed-path listener, one worker goroutine per connection,
// framed request/response.
package unixsock

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"

	"github.com/creachadair/taskgroup"

	"github.com/sshkeysd/agent/internal/core"
	"github.com/sshkeysd/agent/internal/wire"
)

// Listen binds a UNIX socket at path, unlinking any stale file left behind
// by a previous run.
func Listen(path string) (net.Listener, error) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("remove stale socket: %w", err)
	}
	lst, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("listen unix %s: %w", path, err)
	}
	return lst, nil
}

// Serve accepts connections from lst, spawning one worker per connection,
// until lst is closed. It always returns a non-nil error (nil once closed
// cleanly is reported as net.ErrClosed, which callers should ignore).
func Serve(lst net.Listener, agent *core.Agent, logf func(string, ...any)) error {
	var g taskgroup.Group
	for {
		conn, err := lst.Accept()
		if err != nil {
			g.Wait()
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			return fmt.Errorf("accept: %w", err)
		}
		g.Go(func() error {
			// RequestInfo.requester is always none on this channel: there is
			// no cross-platform way to attribute a UNIX peer to a
			// description, which is acceptable because UNIX clients are
			// already local-user-owned (§4.E).
			info := core.RequestInfo{Channel: core.ChannelUnix}
			serveConn(conn, agent, info, logf)
			return nil
		})
	}
}

// serveConn runs the framed read/dispatch/write loop for one connection
// until EOF or a transport error, then closes it.
func serveConn(conn net.Conn, agent *core.Agent, info core.RequestInfo, logf func(string, ...any)) {
	defer conn.Close()
	for {
		body, err := wire.ReadFrame(conn)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				logf("unixsock: read failed: %v", err)
			}
			return
		}
		resp := agent.HandleRequest(body, info)
		if err := wire.WriteFrame(conn, resp); err != nil {
			logf("unixsock: write failed: %v", err)
			return
		}
	}
}
