// Package pty implements the PTY Supervisor: it spawns a child process
// attached to a freshly allocated pseudo-terminal, owns the master file
// descriptor exclusively, and continuously drains its output on a
// dedicated OS thread.
//
// Grounded on GandalftheGUI-grove's internal/daemon/instance.go
// (startAgent/ptyReader/destroy) and loppo-llc-kojo's
// internal/session/pty.go (resize). Resize issues the ioctl on every call,
// including when the geometry is unchanged.
package pty

import (
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"syscall"

	"github.com/creack/pty"
)

// ExitInfo describes how a child process ended.
type ExitInfo struct {
	Reason string // one of proto.Reason*
	Code   *int
	Signal int
}

// Supervisor owns one PTY master and the child process behind it.
//
// Read() is run by the caller on a dedicated goroutine that is pinned, via
// runtime.LockOSThread, to its own OS thread: the underlying read(2) on the
// master FD is a blocking syscall and must never be allowed to starve a
// cooperative scheduler sharing that thread with other work.
type Supervisor struct {
	cmd  *exec.Cmd
	ptm  *os.File
	pid  int
	cols int
	rows int
}

// Spawn builds the child's argv (wrapping in a login shell if requested),
// starts it attached to a new PTY sized cols x rows, and returns a
// Supervisor owning the master side. The caller must have already
// validated command/cwd/env.
func Spawn(command []string, cwd string, env []string, cols, rows int, useLoginShell bool) (*Supervisor, error) {
	if len(command) == 0 {
		return nil, fmt.Errorf("pty: empty command")
	}

	argv := command
	if useLoginShell {
		shell := os.Getenv("SHELL")
		if shell == "" {
			shell = "/bin/sh"
		}
		// Rewrap so interactive login initialization (PATH ordering, shell
		// profile) runs before the real command executes.
		quoted := shellQuote(command)
		argv = []string{shell, "-lc", "exec " + quoted}
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = cwd
	cmd.Env = env

	ptm, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)})
	if err != nil {
		return nil, fmt.Errorf("pty.StartWithSize: %w", err)
	}

	return &Supervisor{
		cmd:  cmd,
		ptm:  ptm,
		pid:  cmd.Process.Pid,
		cols: cols,
		rows: rows,
	}, nil
}

// PID returns the child's process id.
func (s *Supervisor) PID() int { return s.pid }

// Read runs the blocking read loop against the PTY master, invoking fn for
// every chunk read. It returns when the master signals EOF (child exited)
// or a non-transient read error occurs. Callers invoke Read on its own
// goroutine; Read itself holds runtime.LockOSThread for the lifetime of
// the call.
func (s *Supervisor) Read(fn func(chunk []byte)) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	buf := make([]byte, 4096)
	for {
		n, err := s.ptm.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			fn(chunk)
		}
		if err != nil {
			if isRetryable(err) {
				continue
			}
			return err
		}
	}
}

// Write sends stdin bytes to the child. Writes are synchronous and short;
// no intermediate buffering is applied beyond what the OS pipe provides.
func (s *Supervisor) Write(p []byte) (int, error) {
	return s.ptm.Write(p)
}

// Resize issues the platform window-change ioctl on the master FD and
// records the new geometry. Failure is reported but is non-fatal to the
// session: callers log and continue.
func (s *Supervisor) Resize(cols, rows int) error {
	if err := pty.Setsize(s.ptm, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)}); err != nil {
		return fmt.Errorf("pty resize: %w", err)
	}
	s.cols, s.rows = cols, rows
	return nil
}

// Wait blocks until the child has fully exited and classifies the result.
func (s *Supervisor) Wait() ExitInfo {
	err := s.cmd.Wait()
	if err == nil {
		code := s.cmd.ProcessState.ExitCode()
		return ExitInfo{Reason: "normal", Code: &code}
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
			sig := int(status.Signal())
			return ExitInfo{Reason: "signalled", Signal: sig}
		}
		code := exitErr.ExitCode()
		return ExitInfo{Reason: "normal", Code: &code}
	}
	return ExitInfo{Reason: "io_error"}
}

// Kill sends sig to the child's process group so all of its descendants die
// together, falling back to killing just the process if group lookup fails.
func (s *Supervisor) Kill(sig syscall.Signal) error {
	pgid, err := syscall.Getpgid(s.pid)
	if err == nil && pgid > 0 {
		return syscall.Kill(-pgid, sig)
	}
	return syscall.Kill(s.pid, sig)
}

// Close releases the master FD. Safe to call after the child has exited.
func (s *Supervisor) Close() error {
	return s.ptm.Close()
}

func isRetryable(err error) bool {
	return err == syscall.EINTR
}

// shellQuote builds a single POSIX-shell-safe string from argv, suitable
// for substitution into `exec <command>`.
func shellQuote(argv []string) string {
	out := ""
	for i, a := range argv {
		if i > 0 {
			out += " "
		}
		out += "'" + escapeSingleQuotes(a) + "'"
	}
	return out
}

func escapeSingleQuotes(s string) string {
	result := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == '\'' {
			result = append(result, '\'', '\\', '\'', '\'')
		} else {
			result = append(result, s[i])
		}
	}
	return string(result)
}
