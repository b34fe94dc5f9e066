// Package attribution derives a human-readable description of the process
// on the other end of a request, by walking its parent process chain and
// locating a visible top-level window.
//
// Windows is the only platform with the APIs (process ancestry, window
// enumeration, PE version resources) this needs; see attribution_windows.go
// for the real implementation. Elsewhere, Describe degrades to "no
// attribution available", which is always a safe, spec-sanctioned outcome
// (§4.E: "RequestInfo.requester = none on this channel").
package attribution

import "github.com/sshkeysd/agent/internal/core"

// Describe derives a RequesterInfo for the process identified by pid. It
// returns (nil, nil) when attribution is not supported on this platform, and
// a non-nil error when attribution fails — callers must treat either a nil
// result or an error as "serve the request anyway, without a requester
// description" (§7 "Attribution failure").
func Describe(pid uint32) (*core.RequesterInfo, error) {
	return describe(pid)
}
