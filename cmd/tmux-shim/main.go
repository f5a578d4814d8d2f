// tmux-shim impersonates the tmux CLI for hosted agents running under a
// kild daemon session. It is installed on PATH ahead of any real tmux
// (spec §4.7) so that an agent's own `tmux split-window`/`tmux send-keys`
// invocations are rerouted into daemon-owned PTY sessions.
//
// Usage:
//
//	tmux-shim <subcommand> [args...]
//
// Required environment:
//
//	KILD_SHIM_SESSION  hosted session id whose pane registry to use
//	KILD_ROOT          daemon root directory (default: ~/.kild)
package main

import (
	"os"
	"path/filepath"
	"time"

	"github.com/kild-dev/kild/internal/daemon"
	"github.com/kild-dev/kild/internal/shim"
)

func main() {
	hostedSessionID := os.Getenv("KILD_SHIM_SESSION")
	if hostedSessionID == "" {
		os.Stderr.WriteString("kild tmux shim: KILD_SHIM_SESSION is not set\n")
		os.Exit(1)
	}

	root := os.Getenv("KILD_ROOT")
	if root == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			os.Stderr.WriteString("kild tmux shim: cannot determine home directory: " + err.Error() + "\n")
			os.Exit(1)
		}
		root = filepath.Join(home, ".kild")
	}
	paths := daemon.NewPaths(root)

	env := shim.Env{
		HostedSessionID: hostedSessionID,
		SocketPath:      paths.SocketPath,
		RuntimeDir:      paths.ShimDir,
		DialTimeout:     3 * time.Second,
		ConfigPath:      filepath.Join(root, "config.yaml"),
	}

	code := shim.Run(env, os.Args[1:], os.Stdout, os.Stderr)
	os.Exit(code)
}
