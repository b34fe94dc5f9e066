// Package supervisor owns process startup (§4.J): single-instance
// enforcement, config bootstrap, log sink setup, and running the
// platform's transports against a shared core.Agent until told to stop.
package supervisor

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"

	"github.com/sshkeysd/agent/internal/config"
	"github.com/sshkeysd/agent/internal/confirm"
	"github.com/sshkeysd/agent/internal/core"
)

// ProgramName names the per-user config directory and the single-instance
// token; it mirrors the original binary's own name.
const ProgramName = "sshkeysd"

// Run bootstraps the config, opens the trace log, enforces single-instance,
// and blocks running every transport this platform supports. It returns
// only on fatal startup failure or when every listener has exited.
func Run() error {
	dir, err := config.Dir(ProgramName)
	if err != nil {
		return fmt.Errorf("resolve config dir: %w", err)
	}

	logf, closeLog, err := openLogSink(dir)
	if err != nil {
		return fmt.Errorf("open log sink: %w", err)
	}
	defer closeLog()

	release, err := acquireSingleInstance(dir)
	if err != nil {
		return fmt.Errorf("Agent already running: %w", err)
	}
	defer release()

	// Startup config bootstrap: load then immediately re-save, normalizing
	// the on-disk format before the agent starts serving (§ supplemented
	// features, mirroring the original's load_config/config.save startup
	// sequence).
	cfgPath := filepath.Join(dir, config.FileName)
	cfg, err := config.Load(cfgPath)
	if err != nil {
		logf("supervisor: config load reported errors: %v", err)
	}
	if err := cfg.Save(); err != nil {
		return fmt.Errorf("bootstrap config save: %w", err)
	}

	broker := confirm.New(logf)
	agent := core.New(cfg, broker, logf)

	logf("supervisor: starting with config dir %s", dir)
	return serveTransports(dir, agent, logf)
}

// openLogSink returns a Logf that tees to stderr and to trace.log in dir,
// plus a function to close the file (the supplemented "trace log file"
// feature; see SPEC_FULL.md).
func openLogSink(dir string) (func(string, ...any), func() error, error) {
	f, err := os.OpenFile(filepath.Join(dir, "trace.log"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, nil, err
	}
	mw := io.MultiWriter(os.Stderr, f)
	l := log.New(mw, "", log.LstdFlags)
	return func(format string, args ...any) {
		l.Printf(format, args...)
	}, f.Close, nil
}
