//go:build !windows

package attribution

import "github.com/sshkeysd/agent/internal/core"

// describe has no cross-platform way to attribute a PID to a window and
// description on non-Windows systems; UNIX clients are local-user-owned
// already, so degrading to "no requester" (§4.E) is an acceptable default.
func describe(pid uint32) (*core.RequesterInfo, error) {
	return nil, nil
}
