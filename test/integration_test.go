//go:build integration

// Integration tests for kild-daemon + tmux-shim.
//
// TestMain builds the two binaries once for the whole run; each test starts
// a real kild-daemon process against an isolated KILD_ROOT temp directory, and
// drives it either directly over its Unix socket (speaking the NDJSON
// protocol of internal/proto) or through the tmux-shim binary the way a
// hosted agent's own tmux invocations would.
//
// Run with:
//
//	go test -tags=integration -v ./test/
//	go test -tags=integration -run TestShimSplitWindowCreatesSession -v ./test/
package integration_test

import (
	"bufio"
	"encoding/base64"
	"encoding/json"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kild-dev/kild/internal/proto"
)

var (
	daemonBin string
	shimBin   string
)

func TestMain(m *testing.M) {
	root := moduleRoot()

	tmpBin, err := os.MkdirTemp("", "kild-inttest-bin-*")
	if err != nil {
		panic("MkdirTemp: " + err.Error())
	}
	defer os.RemoveAll(tmpBin)

	daemonBin = filepath.Join(tmpBin, "kild-daemon")
	shimBin = filepath.Join(tmpBin, "tmux-shim")

	for _, b := range []struct{ out, pkg string }{
		{daemonBin, "./cmd/kild-daemon"},
		{shimBin, "./cmd/tmux-shim"},
	} {
		cmd := exec.Command("go", "build", "-o", b.out, b.pkg)
		cmd.Dir = root
		cmd.Stdout = os.Stderr
		cmd.Stderr = os.Stderr
		if err := cmd.Run(); err != nil {
			panic("build " + b.pkg + ": " + err.Error())
		}
	}

	os.Exit(m.Run())
}

func moduleRoot() string {
	abs, err := filepath.Abs("..")
	if err != nil {
		panic(err)
	}
	return abs
}

// ── Test environment ─────────────────────────────────────────────────────

type testEnv struct {
	t        *testing.T
	root     string
	sockPath string
	daemon   *exec.Cmd
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	root := t.TempDir()
	env := &testEnv{t: t, root: root, sockPath: filepath.Join(root, "daemon.sock")}
	t.Cleanup(env.cleanup)
	return env
}

func (e *testEnv) startDaemon() {
	e.t.Helper()
	cmd := exec.Command(daemonBin, "-root", e.root)
	cmd.Env = append(os.Environ(), "KILD_ROOT="+e.root)
	cmd.Stdout = os.Stderr
	cmd.Stderr = os.Stderr
	require.NoError(e.t, cmd.Start(), "start kild-daemon")
	e.daemon = cmd

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(e.sockPath); err == nil {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	e.t.Fatal("daemon socket did not appear within 5s")
}

func (e *testEnv) cleanup() {
	if e.daemon != nil && e.daemon.Process != nil {
		_ = e.daemon.Process.Signal(syscall.SIGTERM)
		_ = e.daemon.Wait()
	}
}

// runShim invokes the tmux-shim binary as a hosted agent's own tmux calls
// would: KILD_SHIM_SESSION identifies the registry, TMUX is set so the
// shim's environment contract is satisfied the same way a real probe
// would see it (spec §4.7).
func (e *testEnv) runShim(hostedSessionID string, args ...string) (string, error) {
	cmd := exec.Command(shimBin, args...)
	cmd.Env = append(os.Environ(),
		"KILD_ROOT="+e.root,
		"KILD_SHIM_SESSION="+hostedSessionID,
		"TMUX=/tmp/kild-tmux-socket,12345,0",
	)
	out, err := cmd.CombinedOutput()
	return strings.TrimSpace(string(out)), err
}

// ── Raw IPC client ────────────────────────────────────────────────────────

type ipcClient struct {
	t       *testing.T
	conn    net.Conn
	scanner *bufio.Scanner
}

func dialDaemon(t *testing.T, sockPath string) *ipcClient {
	t.Helper()
	conn, err := net.Dial("unix", sockPath)
	require.NoError(t, err)
	c := &ipcClient{t: t, conn: conn, scanner: proto.NewScanner(conn)}
	t.Cleanup(func() { conn.Close() })
	return c
}

func (c *ipcClient) send(kind, id string, payload any) {
	c.t.Helper()
	line, err := proto.Encode(kind, id, payload)
	require.NoError(c.t, err)
	_, err = c.conn.Write(line)
	require.NoError(c.t, err)
}

func (c *ipcClient) next() proto.Envelope {
	c.t.Helper()
	require.True(c.t, c.scanner.Scan(), "expected a frame: %v", c.scanner.Err())
	var env proto.Envelope
	require.NoError(c.t, json.Unmarshal(c.scanner.Bytes(), &env))
	return env
}

func (c *ipcClient) createSession(label string, command []string) string {
	c.t.Helper()
	c.send(proto.KindCreateSession, "create-"+label, proto.CreateSessionRequest{
		Label: label, Command: command, Cwd: os.TempDir(), Cols: 80, Rows: 24,
	})
	env := c.next()
	require.Equal(c.t, proto.KindSessionCreated, env.Kind)
	var resp proto.SessionCreatedResponse
	require.NoError(c.t, json.Unmarshal(env.Payload, &resp))
	return resp.SessionID
}

// ── Tests ─────────────────────────────────────────────────────────────────

// 1. Create, write, read, destroy over the raw protocol.
func TestCreateWriteReadDestroy(t *testing.T) {
	env := newTestEnv(t)
	env.startDaemon()
	c := dialDaemon(t, env.sockPath)

	sid := c.createSession("s1", []string{"/bin/sh"})

	c.send(proto.KindAttachSession, "attach-1", proto.AttachSessionRequest{SessionID: sid})
	ack := c.next()
	assert.Equal(t, proto.KindAck, ack.Kind)

	c.send(proto.KindWriteStdin, "write-1", proto.WriteStdinRequest{
		SessionID: sid, BytesB64: base64.StdEncoding.EncodeToString([]byte("echo integration-hello\n")),
	})
	assert.Equal(t, proto.KindAck, c.next().Kind)

	var seen strings.Builder
	deadline := time.Now().Add(5 * time.Second)
	for !strings.Contains(seen.String(), "integration-hello") && time.Now().Before(deadline) {
		e := c.next()
		if e.Kind == proto.KindPtyOutput {
			var out proto.PtyOutputEvent
			require.NoError(t, json.Unmarshal(e.Payload, &out))
			b, err := base64.StdEncoding.DecodeString(out.BytesB64)
			require.NoError(t, err)
			seen.Write(b)
		}
	}
	assert.Contains(t, seen.String(), "integration-hello")

	c.send(proto.KindDestroySession, "destroy-1", proto.DestroySessionRequest{SessionID: sid})
	assert.Equal(t, proto.KindAck, c.next().Kind)
}

// 2. A late attacher sees scrollback before any new live output.
func TestLateAttachSeesScrollback(t *testing.T) {
	env := newTestEnv(t)
	env.startDaemon()
	c := dialDaemon(t, env.sockPath)

	sid := c.createSession("s2", []string{"/bin/sh", "-c", "echo replay-me; sleep 5"})
	time.Sleep(300 * time.Millisecond) // let the echo land in scrollback before attaching

	c.send(proto.KindAttachSession, "attach-2", proto.AttachSessionRequest{SessionID: sid})
	assert.Equal(t, proto.KindAck, c.next().Kind)

	var seen strings.Builder
	deadline := time.Now().Add(5 * time.Second)
	for !strings.Contains(seen.String(), "replay-me") && time.Now().Before(deadline) {
		e := c.next()
		if e.Kind == proto.KindPtyOutput {
			var out proto.PtyOutputEvent
			require.NoError(t, json.Unmarshal(e.Payload, &out))
			b, err := base64.StdEncoding.DecodeString(out.BytesB64)
			require.NoError(t, err)
			seen.Write(b)
		}
	}
	assert.Contains(t, seen.String(), "replay-me")

	c.send(proto.KindDestroySession, "destroy-2", proto.DestroySessionRequest{SessionID: sid, Force: true})
	_ = c.next()
}

// 3. Two concurrent attachers observe the same byte ordering.
func TestConcurrentAttachersSameOrder(t *testing.T) {
	env := newTestEnv(t)
	env.startDaemon()
	c := dialDaemon(t, env.sockPath)
	sid := c.createSession("s3", []string{"/bin/sh"})

	c1 := dialDaemon(t, env.sockPath)
	c2 := dialDaemon(t, env.sockPath)
	c1.send(proto.KindAttachSession, "a1", proto.AttachSessionRequest{SessionID: sid})
	assert.Equal(t, proto.KindAck, c1.next().Kind)
	c2.send(proto.KindAttachSession, "a2", proto.AttachSessionRequest{SessionID: sid})
	assert.Equal(t, proto.KindAck, c2.next().Kind)

	c.send(proto.KindWriteStdin, "w1", proto.WriteStdinRequest{
		SessionID: sid, BytesB64: base64.StdEncoding.EncodeToString([]byte("echo ordered-output\n")),
	})
	assert.Equal(t, proto.KindAck, c.next().Kind)

	collect := func(client *ipcClient) string {
		var sb strings.Builder
		deadline := time.Now().Add(5 * time.Second)
		for !strings.Contains(sb.String(), "ordered-output") && time.Now().Before(deadline) {
			e := client.next()
			if e.Kind == proto.KindPtyOutput {
				var out proto.PtyOutputEvent
				require.NoError(t, json.Unmarshal(e.Payload, &out))
				b, err := base64.StdEncoding.DecodeString(out.BytesB64)
				require.NoError(t, err)
				sb.Write(b)
			}
		}
		return sb.String()
	}

	got1 := collect(c1)
	got2 := collect(c2)
	assert.Contains(t, got1, "ordered-output")
	assert.Contains(t, got2, "ordered-output")

	c.send(proto.KindDestroySession, "d3", proto.DestroySessionRequest{SessionID: sid, Force: true})
	_ = c.next()
}

// 4. A PTY crash (child exits on its own) is observable as a PtyExit event.
func TestPtyCrashObservable(t *testing.T) {
	env := newTestEnv(t)
	env.startDaemon()
	c := dialDaemon(t, env.sockPath)

	sid := c.createSession("s4", []string{"/bin/sh", "-c", "exit 7"})
	c.send(proto.KindAttachSession, "attach-4", proto.AttachSessionRequest{SessionID: sid})
	assert.Equal(t, proto.KindAck, c.next().Kind)

	sawExit := false
	deadline := time.Now().Add(5 * time.Second)
	for !sawExit && time.Now().Before(deadline) {
		e := c.next()
		if e.Kind == proto.KindPtyExit {
			var ev proto.PtyExitEvent
			require.NoError(t, json.Unmarshal(e.Payload, &ev))
			sawExit = true
		}
	}
	assert.True(t, sawExit, "expected PtyExit after child process crash/exit")
}

// 5. Shim split-window creates a backing daemon session.
func TestShimSplitWindowCreatesSession(t *testing.T) {
	env := newTestEnv(t)
	env.startDaemon()
	hostedSessionID := "hosted-split-test"

	out, err := env.runShim(hostedSessionID, "split-window", "-h", "/bin/cat")
	require.NoError(t, err, "split-window output: %s", out)
	paneID := strings.TrimSpace(out)
	assert.Equal(t, "%0", paneID)

	c := dialDaemon(t, env.sockPath)
	c.send(proto.KindListSessions, "list-1", nil)
	env2 := c.next()
	require.Equal(t, proto.KindSessionList, env2.Kind)
	var list proto.SessionListResponse
	require.NoError(t, json.Unmarshal(env2.Payload, &list))
	require.Len(t, list.Sessions, 1)
	assert.Equal(t, []string{"/bin/sh", "-lc", "/bin/cat"}, list.Sessions[0].Command)

	_, _ = env.runShim(hostedSessionID, "kill-pane", "-t", paneID)
}

// 6. Shim kill-pane destroys the backing daemon session.
func TestShimKillPaneDestroysSession(t *testing.T) {
	env := newTestEnv(t)
	env.startDaemon()
	hostedSessionID := "hosted-kill-test"

	out, err := env.runShim(hostedSessionID, "split-window", "-h", "/bin/cat")
	require.NoError(t, err)
	paneID := strings.TrimSpace(out)

	_, err = env.runShim(hostedSessionID, "kill-pane", "-t", paneID)
	require.NoError(t, err)

	_, err = env.runShim(hostedSessionID, "list-panes")
	require.NoError(t, err)

	c := dialDaemon(t, env.sockPath)
	c.send(proto.KindListSessions, "list-2", nil)
	env2 := c.next()
	var list proto.SessionListResponse
	require.NoError(t, json.Unmarshal(env2.Payload, &list))
	require.Len(t, list.Sessions, 1)

	deadline := time.Now().Add(5 * time.Second)
	for list.Sessions[0].State != proto.StateStopped && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
		c.send(proto.KindGetSession, "get-1", proto.GetSessionRequest{SessionID: list.Sessions[0].SessionID})
		e := c.next()
		var resp proto.SessionInfoResponse
		require.NoError(t, json.Unmarshal(e.Payload, &resp))
		list.Sessions[0] = resp.Info
	}
	assert.Equal(t, proto.StateStopped, list.Sessions[0].State)
}
