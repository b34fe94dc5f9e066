package main

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/creachadair/command"
	"github.com/creachadair/flax"

	"github.com/sshkeysd/agent/internal/config"
	"github.com/sshkeysd/agent/internal/supervisor"
)

var copyIDFlags struct {
	Key   string `flag:"key,Name of the local key to install (required)"`
	Host  string `flag:"host,Remote target as user@host (required)"`
	Port  int    `flag:"p,Remote SSH port"`
	Erase bool   `flag:"e,Replace the remote authorized_keys file instead of appending"`
}

func init() {
	copyIDFlags.Port = 22
}

var copyIDCommand = &command.C{
	Name:     "copy-id",
	Usage:    "-key NAME -host user@host [-p PORT] [-e]",
	Help:     "Install a local key's public half into a remote account's authorized_keys.",
	SetFlags: command.Flags(flax.MustBind, &copyIDFlags),
	Run:      command.Adapt(runCopyID),
}

// runCopyID implements the copy-id supplemented feature: it shells out to
// the system ssh client rather than reimplementing an SSH session, per
// SPEC_FULL.md's "external collaborator" carve-out.
func runCopyID(env *command.Env) error {
	switch {
	case copyIDFlags.Key == "":
		return env.Usagef("a -key name is required")
	case copyIDFlags.Host == "":
		return env.Usagef("a -host user@host is required")
	}

	dir, err := config.Dir(supervisor.ProgramName)
	if err != nil {
		return fmt.Errorf("resolve config dir: %w", err)
	}
	cfg, err := config.Load(filepath.Join(dir, config.FileName))
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	var found bool
	var b64, line string
	for _, kp := range cfg.Keys {
		if kp.Name != copyIDFlags.Key {
			continue
		}
		found = true
		b64 = base64.StdEncoding.EncodeToString(kp.Public.Encode())
		line = fmt.Sprintf("%s %s %s", kp.Public.KeyType(), b64, kp.Name)
		break
	}
	if !found {
		return fmt.Errorf("key %q not found", copyIDFlags.Key)
	}

	if !strings.Contains(copyIDFlags.Host, "@") {
		return fmt.Errorf("invalid host %q: want user@host", copyIDFlags.Host)
	}

	if copyIDFlags.Erase {
		if err := runSSH(copyIDFlags.Host, copyIDFlags.Port,
			fmt.Sprintf("umask 077; mkdir -p ~/.ssh; printf '%%s\\n' %s > ~/.ssh/authorized_keys", shellQuote(line))); err != nil {
			return fmt.Errorf("replace authorized_keys: %w", err)
		}
		fmt.Println("Key successfully added")
		return nil
	}

	existing, err := sshOutput(copyIDFlags.Host, copyIDFlags.Port,
		"mkdir -p ~/.ssh; chmod 700 ~/.ssh; cat ~/.ssh/authorized_keys 2>/dev/null")
	if err != nil {
		return fmt.Errorf("read remote authorized_keys: %w", err)
	}
	if strings.Contains(string(existing), b64) {
		fmt.Println("Key exists")
		return nil
	}

	prefix := ""
	if len(existing) > 0 && existing[len(existing)-1] != '\n' {
		prefix = "\n"
	}
	if err := runSSH(copyIDFlags.Host, copyIDFlags.Port,
		fmt.Sprintf("printf '%%s' %s >> ~/.ssh/authorized_keys", shellQuote(prefix+line+"\n"))); err != nil {
		return fmt.Errorf("append authorized_keys: %w", err)
	}
	fmt.Println("Key successfully added")
	return nil
}

func runSSH(host string, port int, remoteCmd string) error {
	cmd := exec.Command("ssh", "-p", strconv.Itoa(port), host, remoteCmd)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%w: %s", err, stderr.String())
	}
	return nil
}

func sshOutput(host string, port int, remoteCmd string) ([]byte, error) {
	cmd := exec.Command("ssh", "-p", strconv.Itoa(port), host, remoteCmd)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("%w: %s", err, stderr.String())
	}
	return stdout.Bytes(), nil
}

// shellQuote wraps s in single quotes for the remote POSIX shell, escaping
// any single quotes it contains.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
