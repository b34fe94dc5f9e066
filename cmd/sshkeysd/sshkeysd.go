// Program sshkeysd implements a confirmation-gated SSH key agent: it serves
// the SSH agent wire protocol over a UNIX socket, a Windows named pipe, and
// a Windows Pageant-compatible shared-memory channel, and requires explicit
// user approval before it will sign with any key.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/creachadair/command"

	"github.com/sshkeysd/agent/internal/supervisor"
)

func main() {
	root := &command.C{
		Name: command.ProgramName(),
		Help: "Serve an SSH agent that requires interactive approval for every signature.",
		Run:  command.Adapt(runServe),
		Commands: []*command.C{
			command.HelpCommand(nil),
			command.VersionCommand(),
			copyIDCommand,
		},
	}
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	command.RunOrFail(root.NewEnv(nil).SetContext(ctx), os.Args[1:])
}

func runServe(env *command.Env) error {
	if err := supervisor.Run(); err != nil {
		return fmt.Errorf("run agent: %w", err)
	}
	return nil
}
