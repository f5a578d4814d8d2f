// Package shim implements the tmux-compatibility shim of spec §4.7: a
// short-lived process impersonating the tmux CLI, translating a subset of
// its subcommands into daemon IPC calls and maintaining the on-disk pane
// registry of spec §4.8.
//
// Grounded on the teacher's cmd/grove client dialing code for the
// connect-send-scan-decode shape, adapted from grove's binary frames to
// the daemon's NDJSON proto package.
package shim

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"

	"github.com/kild-dev/kild/internal/proto"
)

// Client is a short-lived connection to the daemon, used once per shim
// invocation and then closed.
type Client struct {
	conn    net.Conn
	scanner scannerLike
}

type scannerLike interface {
	Scan() bool
	Bytes() []byte
	Err() error
}

// Dial connects to the daemon socket with a bounded timeout, matching the
// shim's short-lived, fail-fast invocation model.
func Dial(socketPath string, timeout time.Duration) (*Client, error) {
	conn, err := net.DialTimeout("unix", socketPath, timeout)
	if err != nil {
		return nil, fmt.Errorf("connect to daemon at %s: %w", socketPath, err)
	}
	return &Client{conn: conn, scanner: proto.NewScanner(conn)}, nil
}

func (c *Client) Close() error { return c.conn.Close() }

func (c *Client) request(kind string, payload any) (proto.Envelope, error) {
	id := uuid.NewString()
	line, err := proto.Encode(kind, id, payload)
	if err != nil {
		return proto.Envelope{}, fmt.Errorf("encode %s request: %w", kind, err)
	}
	if _, err := c.conn.Write(line); err != nil {
		return proto.Envelope{}, fmt.Errorf("write %s request: %w", kind, err)
	}
	for c.scanner.Scan() {
		var env proto.Envelope
		if err := json.Unmarshal(c.scanner.Bytes(), &env); err != nil {
			return proto.Envelope{}, fmt.Errorf("decode response: %w", err)
		}
		if env.ID != id {
			// Another in-flight request's frame; the shim only ever issues
			// one request at a time, so this should not occur, but skip
			// defensively rather than misinterpret it.
			continue
		}
		return env, nil
	}
	if err := c.scanner.Err(); err != nil {
		return proto.Envelope{}, fmt.Errorf("reading response: %w", err)
	}
	return proto.Envelope{}, fmt.Errorf("daemon closed connection before responding to %s", kind)
}

// asError converts an Error-kind envelope into a Go error; returns nil for
// any other kind.
func asError(env proto.Envelope) error {
	if env.Kind != proto.KindError {
		return nil
	}
	var e proto.ErrorResponse
	if err := json.Unmarshal(env.Payload, &e); err != nil {
		return fmt.Errorf("daemon returned an error response it failed to decode: %w", err)
	}
	return fmt.Errorf("daemon error [%s]: %s", e.Code, e.Message)
}

// CreateSession issues CreateSession and returns the new session id.
func (c *Client) CreateSession(req proto.CreateSessionRequest) (string, error) {
	env, err := c.request(proto.KindCreateSession, req)
	if err != nil {
		return "", err
	}
	if err := asError(env); err != nil {
		return "", err
	}
	var resp proto.SessionCreatedResponse
	if err := json.Unmarshal(env.Payload, &resp); err != nil {
		return "", fmt.Errorf("decode SessionCreated: %w", err)
	}
	return resp.SessionID, nil
}

// DestroySession tears down a daemon session backing a killed pane.
func (c *Client) DestroySession(sessionID string, force bool) error {
	env, err := c.request(proto.KindDestroySession, proto.DestroySessionRequest{SessionID: sessionID, Force: force})
	if err != nil {
		return err
	}
	return asError(env)
}

// WriteStdin sends raw bytes to a pane's backing session.
func (c *Client) WriteStdin(sessionID string, p []byte) error {
	env, err := c.request(proto.KindWriteStdin, proto.WriteStdinRequest{
		SessionID: sessionID,
		BytesB64:  base64.StdEncoding.EncodeToString(p),
	})
	if err != nil {
		return err
	}
	return asError(env)
}

// GetSession fetches current session info.
func (c *Client) GetSession(sessionID string) (proto.SessionInfo, error) {
	env, err := c.request(proto.KindGetSession, proto.GetSessionRequest{SessionID: sessionID})
	if err != nil {
		return proto.SessionInfo{}, err
	}
	if err := asError(env); err != nil {
		return proto.SessionInfo{}, err
	}
	var resp proto.SessionInfoResponse
	if err := json.Unmarshal(env.Payload, &resp); err != nil {
		return proto.SessionInfo{}, fmt.Errorf("decode SessionInfo: %w", err)
	}
	return resp.Info, nil
}

// Resize forwards a geometry change to a pane's backing session.
func (c *Client) Resize(sessionID string, cols, rows int) error {
	env, err := c.request(proto.KindResize, proto.ResizeRequest{SessionID: sessionID, Cols: cols, Rows: rows})
	if err != nil {
		return err
	}
	return asError(env)
}

// CapturePane attaches briefly, collects the scrollback the daemon replays
// on attach plus any output that arrives before quietPeriod passes with no
// new frame (or a PtyExit arrives), then detaches. It is a bounded read,
// not a streaming one.
func (c *Client) CapturePane(sessionID string, quietPeriod time.Duration) ([]byte, error) {
	id := uuid.NewString()
	line, err := proto.Encode(proto.KindAttachSession, id, proto.AttachSessionRequest{SessionID: sessionID})
	if err != nil {
		return nil, fmt.Errorf("encode AttachSession: %w", err)
	}
	if _, err := c.conn.Write(line); err != nil {
		return nil, fmt.Errorf("write AttachSession: %w", err)
	}

	var out []byte
	deadline := time.Now().Add(quietPeriod)
	_ = c.conn.SetReadDeadline(deadline)
	for c.scanner.Scan() {
		var env proto.Envelope
		if err := json.Unmarshal(c.scanner.Bytes(), &env); err != nil {
			return nil, fmt.Errorf("decode capture frame: %w", err)
		}
		switch env.Kind {
		case proto.KindError:
			return nil, asError(env)
		case proto.KindPtyOutput:
			var ev proto.PtyOutputEvent
			if err := json.Unmarshal(env.Payload, &ev); err != nil {
				return nil, fmt.Errorf("decode PtyOutput: %w", err)
			}
			chunk, err := base64.StdEncoding.DecodeString(ev.BytesB64)
			if err != nil {
				return nil, fmt.Errorf("decode PtyOutput bytes: %w", err)
			}
			out = append(out, chunk...)
			_ = c.conn.SetReadDeadline(time.Now().Add(quietPeriod))
		case proto.KindPtyExit:
			goto done
		}
	}
done:
	_ = c.conn.SetReadDeadline(time.Time{})
	detachLine, err := proto.Encode(proto.KindDetachSession, uuid.NewString(), proto.DetachSessionRequest{SessionID: sessionID})
	if err == nil {
		_, _ = c.conn.Write(detachLine)
	}
	return out, nil
}
