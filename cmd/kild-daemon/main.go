// kild-daemon is the out-of-process daemon that owns PTY-backed sessions
// and serves the IPC protocol described in spec §4.1.
//
// Usage:
//
//	kild-daemon [-root <dir>] [-background]
//
// The daemon listens on a Unix domain socket at <root>/daemon.sock. It is
// normally started automatically the first time a client needs it; you do
// not need to run it by hand.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/kild-dev/kild/internal/config"
	"github.com/kild-dev/kild/internal/daemon"
	"github.com/kild-dev/kild/internal/ipcserver"
	"github.com/kild-dev/kild/internal/session"
)

func main() {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		fmt.Fprintf(os.Stderr, "kild-daemon: cannot determine home directory: %v\n", err)
		os.Exit(1)
	}
	defaultRoot := filepath.Join(homeDir, ".kild")
	if env := os.Getenv("KILD_ROOT"); env != "" {
		defaultRoot = env
	}

	rootDir := flag.String("root", defaultRoot, "daemon data directory (env: KILD_ROOT)")
	background := flag.Bool("background", false, "re-exec as a detached background daemon")
	flag.Parse()

	paths := daemon.NewPaths(*rootDir)
	if err := paths.EnsureDirs(); err != nil {
		fmt.Fprintf(os.Stderr, "kild-daemon: %v\n", err)
		os.Exit(1)
	}

	if *background {
		args := rebuildArgsWithoutBackground(os.Args[1:])
		if err := daemon.Daemonize(paths, args); err != nil {
			fmt.Fprintf(os.Stderr, "kild-daemon: %v\n", err)
			os.Exit(1)
		}
		return
	}

	logger := newLogger(paths)
	runForeground(paths, logger)
}

func rebuildArgsWithoutBackground(args []string) []string {
	out := make([]string, 0, len(args))
	for _, a := range args {
		if a == "-background" || a == "--background" {
			continue
		}
		out = append(out, a)
	}
	return out
}

func newLogger(paths daemon.Paths) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
}

func runForeground(paths daemon.Paths, logger *slog.Logger) {
	fl, err := daemon.AcquireSingleInstance(paths, 2*time.Second)
	if err != nil {
		fmt.Fprintf(os.Stderr, "kild-daemon: %v\n", err)
		os.Exit(1)
	}
	defer daemon.Release(paths, fl)

	cfg, err := config.Load(filepath.Join(paths.Root, "config.yaml"))
	if err != nil {
		logger.Warn("ignoring unreadable config file", "event", "daemon.config.load_failed", "error", err)
	}
	ringCapacity := session.DefaultRingCapacity
	if cfg.ScrollbackBytes > 0 {
		ringCapacity = cfg.ScrollbackBytes
	}

	idx := session.NewIndex(ringCapacity, logger)
	srv := ipcserver.New(idx, logger)
	if err := srv.Listen(paths.SocketPath); err != nil {
		fmt.Fprintf(os.Stderr, "kild-daemon: %v\n", err)
		os.Exit(1)
	}

	daemon.LogEvent(logger, "daemon.lifecycle.started", "daemon started", "socket", paths.SocketPath)

	go func() {
		if err := srv.Serve(); err != nil {
			logger.Error("accept loop exited", "event", "daemon.lifecycle.serve_failed", "error", err)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sig := daemon.WaitForSignal(ctx)
	daemon.LogEvent(logger, "daemon.lifecycle.shutdown_started", "shutdown signal received", "signal", sig)

	srv.Shutdown(5 * time.Second)
	daemon.LogEvent(logger, "daemon.lifecycle.shutdown_complete", "daemon stopped")
}
