// Package daemon implements the Daemon Lifecycle component of spec §4.6:
// single-instance enforcement via PID file + socket health probe,
// background mode by re-exec as a detached session leader, signal
// handling, and structured startup/shutdown logging.
//
// Grounded on the gastown daemon.go pattern (github.com/gofrs/flock +
// PID-file + liveness-probe-via-signal(0)) found in other_examples, and on
// the teacher's cmd/groved/main.go for root-directory/socket-path
// resolution and signal wiring.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/gofrs/flock"

	"github.com/kild-dev/kild/internal/proto"
)

// Paths is the persisted-state layout from spec §6.
type Paths struct {
	Root       string
	SocketPath string
	PidPath    string
	LockPath   string
	LogPath    string
	ShimBinDir string
	ShimDir    string
}

// NewPaths derives the standard <root>/... layout from a root directory
// (conventionally ~/.kild, overridable via KILD_ROOT).
func NewPaths(root string) Paths {
	return Paths{
		Root:       root,
		SocketPath: filepath.Join(root, "daemon.sock"),
		PidPath:    filepath.Join(root, "daemon.pid"),
		LockPath:   filepath.Join(root, "daemon.lock"),
		LogPath:    filepath.Join(root, "daemon.log"),
		ShimBinDir: filepath.Join(root, "bin"),
		ShimDir:    filepath.Join(root, "shim"),
	}
}

// EnsureDirs creates every directory the daemon needs at startup.
func (p Paths) EnsureDirs() error {
	for _, dir := range []string{p.Root, p.ShimBinDir, p.ShimDir} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("mkdir %s: %w", dir, err)
		}
	}
	return nil
}

// AcquireSingleInstance enforces spec §4.6's single-instance rule: it
// writes a PID file only after confirming no other daemon holds the
// flock AND a Ping probe against the socket path fails. A stale PID with a
// dead process and a stale socket are both silently reclaimed — the flock
// is what makes this race-free, since a bare PID check cannot distinguish
// "process dead" from "PID reused by an unrelated process" (spec §9).
//
// The returned *flock.Flock must be held (and eventually Unlock()ed) for
// the daemon's entire lifetime.
func AcquireSingleInstance(p Paths, dialTimeout time.Duration) (*flock.Flock, error) {
	fl := flock.New(p.LockPath)
	locked, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquiring daemon lock: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("daemon already running: lock held at %s", p.LockPath)
	}

	if probeAlive(p.SocketPath, dialTimeout) {
		_ = fl.Unlock()
		return nil, fmt.Errorf("daemon already running: socket %s answered Ping", p.SocketPath)
	}

	// Any previous PID file and socket are now known-stale: we hold the
	// flock and the socket didn't answer. Reclaim both.
	_ = os.Remove(p.PidPath)
	_ = os.Remove(p.SocketPath)

	if err := os.WriteFile(p.PidPath, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o600); err != nil {
		_ = fl.Unlock()
		return nil, fmt.Errorf("writing pid file: %w", err)
	}
	return fl, nil
}

// probeAlive dials the socket and sends a Ping, per spec §9 ("The probe
// uses the protocol's Ping to confirm liveness").
func probeAlive(socketPath string, timeout time.Duration) bool {
	conn, err := net.DialTimeout("unix", socketPath, timeout)
	if err != nil {
		return false
	}
	defer conn.Close()

	_ = conn.SetDeadline(time.Now().Add(timeout))
	line, err := proto.Encode(proto.KindPing, "healthcheck", nil)
	if err != nil {
		return false
	}
	if _, err := conn.Write(line); err != nil {
		return false
	}
	scanner := proto.NewScanner(conn)
	return scanner.Scan()
}

// Release removes the PID file and releases the flock. Called once during
// graceful shutdown.
func Release(p Paths, fl *flock.Flock) {
	_ = os.Remove(p.PidPath)
	_ = fl.Unlock()
}

// Daemonize re-execs the current binary with the given args in background
// mode: the child is started once as a new session leader (Setsid, which
// detaches it from the parent's controlling terminal), with stdin on the
// null device and stdout/stderr redirected to the daemon's log file. The parent process
// returns immediately once the child is launched; it is the caller's job
// to exit after Daemonize returns.
//
// Go cannot safely fork(2) a multi-threaded process (the runtime's other
// OS threads do not survive the fork), so unlike a C daemon this achieves
// the "double-fork and detach" contract of spec §4.6 by re-executing
// itself as a new session leader rather than calling fork twice in place.
func Daemonize(p Paths, args []string) error {
	logFile, err := os.OpenFile(p.LogPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	defer logFile.Close()

	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolve executable: %w", err)
	}

	cmd := exec.Command(exe, args...)
	cmd.Stdin = nil
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start background daemon: %w", err)
	}
	return cmd.Process.Release()
}

// WaitForSignal blocks until SIGINT or SIGTERM arrives, then returns. The
// default signal disposition is never used: the daemon must reap its PTY
// children and delete the PID file before the process actually exits
// (spec §4.6).
func WaitForSignal(ctx context.Context) os.Signal {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		return sig
	case <-ctx.Done():
		return nil
	}
}

// LogEvent is a thin convenience wrapper so call sites read close to the
// stable event-key convention mandated by spec §4.6
// ("{layer}.{domain}.{action}_{state}").
func LogEvent(logger *slog.Logger, event, msg string, args ...any) {
	logger.Info(msg, append([]any{"event", event}, args...)...)
}
