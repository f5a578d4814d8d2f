// Package ipcserver implements the IPC Server component of spec §4.5: it
// binds the daemon's Unix domain socket, accepts connections, runs a
// reader/writer pair per connection, dispatches requests to the session
// Index, and pumps session events back to the right connection.
//
// Grounded on GandalftheGUI-grove's internal/daemon/daemon.go (Run/
// handleConn/respond shape), generalized from one-response-then-close to
// long-lived connections carrying concurrent requests and unsolicited
// events, per spec §4.1/§4.5.
package ipcserver

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/kild-dev/kild/internal/proto"
	"github.com/kild-dev/kild/internal/session"
)

const outboundQueueSize = 256

// Server accepts IPC connections and dispatches requests to a session
// Index. One Server exists per daemon process.
type Server struct {
	idx    *session.Index
	logger *slog.Logger

	listener net.Listener

	mu       sync.Mutex
	conns    map[*connState]struct{}
	draining bool
}

// New creates a Server bound to idx.
func New(idx *session.Index, logger *slog.Logger) *Server {
	return &Server{
		idx:    idx,
		logger: logger,
		conns:  make(map[*connState]struct{}),
	}
}

// Listen removes any stale socket at path and binds a new Unix listener.
// Permissions are restricted to the owning user per spec §6.
func (srv *Server) Listen(path string) error {
	_ = os.Remove(path)
	l, err := net.Listen("unix", path)
	if err != nil {
		return err
	}
	if err := os.Chmod(path, 0o600); err != nil {
		l.Close()
		return err
	}
	srv.listener = l
	return nil
}

// Serve runs the accept loop until the listener is closed by Shutdown.
func (srv *Server) Serve() error {
	srv.logger.Info("daemon listening", "event", "daemon.ipc.listen_started")
	for {
		conn, err := srv.listener.Accept()
		if err != nil {
			srv.mu.Lock()
			draining := srv.draining
			srv.mu.Unlock()
			if draining {
				return nil
			}
			return err
		}
		cs := newConnState(conn)
		srv.mu.Lock()
		srv.conns[cs] = struct{}{}
		srv.mu.Unlock()
		go srv.handleConn(cs)
	}
}

// Shutdown stops accepting new connections, signals every live session to
// terminate (SIGTERM, then SIGKILL after the grace period), flushes
// outbound queues with a timeout, and closes the socket. Per spec §4.5 the
// calling Shutdown response is expected to have already been sent before
// this runs to completion.
func (srv *Server) Shutdown(flushTimeout time.Duration) {
	srv.mu.Lock()
	srv.draining = true
	srv.mu.Unlock()

	if srv.listener != nil {
		srv.listener.Close()
	}

	for _, s := range srv.idx.All() {
		if s.Info().State == proto.StateRunning {
			_ = s.Destroy(false)
		}
	}

	deadline := time.Now().Add(flushTimeout)
	for {
		srv.mu.Lock()
		n := len(srv.conns)
		srv.mu.Unlock()
		if n == 0 || time.Now().After(deadline) {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}

	srv.mu.Lock()
	for cs := range srv.conns {
		cs.conn.Close()
	}
	srv.mu.Unlock()
}

// connState tracks one live connection's outbound queue and the attachers
// it currently owns, so a disconnect can release them per spec §3.
type connState struct {
	conn     net.Conn
	outbound chan []byte

	mu        sync.Mutex
	activeIDs map[string]struct{}
	attachers map[string]*session.Attacher // keyed by the AttachSession request id
}

func newConnState(conn net.Conn) *connState {
	return &connState{
		conn:      conn,
		outbound:  make(chan []byte, outboundQueueSize),
		activeIDs: make(map[string]struct{}),
		attachers: make(map[string]*session.Attacher),
	}
}

func (srv *Server) handleConn(cs *connState) {
	defer func() {
		srv.mu.Lock()
		delete(srv.conns, cs)
		srv.mu.Unlock()
		cs.conn.Close()

		cs.mu.Lock()
		attachers := make([]*session.Attacher, 0, len(cs.attachers))
		for _, a := range cs.attachers {
			attachers = append(attachers, a)
		}
		cs.mu.Unlock()
		for _, a := range attachers {
			if s, ok := srv.idx.Lookup(a.SessionID); ok {
				s.Detach(a)
			}
		}
	}()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for line := range cs.outbound {
			if _, err := cs.conn.Write(line); err != nil {
				return
			}
		}
	}()

	scanner := proto.NewScanner(cs.conn)
	var wg sync.WaitGroup
	for scanner.Scan() {
		line := append([]byte(nil), scanner.Bytes()...)
		var env proto.Envelope
		if err := json.Unmarshal(line, &env); err != nil {
			srv.sendError(cs, "", proto.ErrInvalidRequest, "malformed json: "+err.Error())
			break // protocol error: fatal to the connection
		}

		if env.ID != "" {
			cs.mu.Lock()
			if _, dup := cs.activeIDs[env.ID]; dup {
				cs.mu.Unlock()
				srv.sendError(cs, env.ID, proto.ErrInvalidRequest, "duplicate request id")
				break
			}
			cs.activeIDs[env.ID] = struct{}{}
			cs.mu.Unlock()
		}

		wg.Add(1)
		go func(env proto.Envelope) {
			defer wg.Done()
			srv.dispatch(cs, env)
			if env.ID != "" {
				cs.mu.Lock()
				delete(cs.activeIDs, env.ID)
				cs.mu.Unlock()
			}
		}(env)
	}

	wg.Wait()
	close(cs.outbound)
	<-writerDone
}

func (srv *Server) dispatch(cs *connState, env proto.Envelope) {
	switch env.Kind {
	case proto.KindPing:
		srv.send(cs, proto.KindAck, env.ID, nil)

	case proto.KindCreateSession:
		srv.handleCreateSession(cs, env)

	case proto.KindAttachSession:
		srv.handleAttachSession(cs, env)

	case proto.KindDetachSession:
		srv.handleDetachSession(cs, env)

	case proto.KindWriteStdin:
		srv.handleWriteStdin(cs, env)

	case proto.KindResize:
		srv.handleResize(cs, env)

	case proto.KindDestroySession:
		srv.handleDestroySession(cs, env)

	case proto.KindListSessions:
		srv.send(cs, proto.KindSessionList, env.ID, proto.SessionListResponse{Sessions: srv.idx.List()})

	case proto.KindGetSession:
		srv.handleGetSession(cs, env)

	case proto.KindShutdown:
		srv.send(cs, proto.KindAck, env.ID, nil)
		go srv.Shutdown(5 * time.Second)

	default:
		// Open-set requirement (spec §4.1): unknown kinds are a structured
		// error, never a panic or an exhaustive-match failure.
		srv.sendError(cs, env.ID, proto.ErrInvalidRequest, "unknown request kind: "+env.Kind)
	}
}

func (srv *Server) handleCreateSession(cs *connState, env proto.Envelope) {
	var req proto.CreateSessionRequest
	if err := json.Unmarshal(env.Payload, &req); err != nil {
		srv.sendError(cs, env.ID, proto.ErrInvalidRequest, err.Error())
		return
	}
	if len(req.Command) == 0 {
		srv.sendError(cs, env.ID, proto.ErrInvalidRequest, "command required")
		return
	}
	if req.Cols <= 0 || req.Rows <= 0 {
		req.Cols, req.Rows = 80, 24
	}

	envList := envMapToList(req.Env)
	s, err := srv.idx.Create(req, envList)
	if err != nil {
		srv.sendError(cs, env.ID, proto.ErrPtySpawnFailed, err.Error())
		return
	}
	srv.send(cs, proto.KindSessionCreated, env.ID, proto.SessionCreatedResponse{
		SessionID: s.ID(),
		Info:      s.Info(),
	})
}

func (srv *Server) handleAttachSession(cs *connState, env proto.Envelope) {
	var req proto.AttachSessionRequest
	if err := json.Unmarshal(env.Payload, &req); err != nil {
		srv.sendError(cs, env.ID, proto.ErrInvalidRequest, err.Error())
		return
	}
	s, ok := srv.idx.Lookup(req.SessionID)
	if !ok {
		srv.sendError(cs, env.ID, proto.ErrNotFound, "session not found: "+req.SessionID)
		return
	}
	a, err := s.Attach()
	if err != nil {
		if session.IsNotFound(err) {
			srv.sendError(cs, env.ID, proto.ErrNotFound, "session not found: "+req.SessionID)
		} else {
			srv.sendError(cs, env.ID, proto.ErrInvalidState, err.Error())
		}
		return
	}

	cs.mu.Lock()
	cs.attachers[env.ID] = a
	cs.mu.Unlock()

	// The Ack is enqueued here, synchronously, strictly before the pump
	// goroutine below can enqueue any PtyOutput frame for this attach —
	// satisfying "the response to AttachSession must precede the first
	// PtyOutput delivered under that attach" (spec §5).
	srv.send(cs, proto.KindAck, env.ID, nil)

	go srv.pumpAttacher(cs, a)
}

func (srv *Server) pumpAttacher(cs *connState, a *session.Attacher) {
	for ev := range a.Events {
		switch ev.Kind {
		case session.EventOutput:
			srv.send(cs, proto.KindPtyOutput, "", ev.Output)
		case session.EventExit:
			srv.send(cs, proto.KindPtyExit, "", ev.Exit)
		case session.EventStateChanged:
			srv.send(cs, proto.KindSessionStateChanged, "", ev.StateChanged)
		case session.EventError:
			srv.send(cs, proto.KindError, "", ev.Err)
		}
	}
}

func (srv *Server) handleDetachSession(cs *connState, env proto.Envelope) {
	var req proto.DetachSessionRequest
	if err := json.Unmarshal(env.Payload, &req); err != nil {
		srv.sendError(cs, env.ID, proto.ErrInvalidRequest, err.Error())
		return
	}
	s, ok := srv.idx.Lookup(req.SessionID)
	if !ok {
		srv.sendError(cs, env.ID, proto.ErrNotFound, "session not found: "+req.SessionID)
		return
	}
	cs.mu.Lock()
	var target *session.Attacher
	var targetID string
	for id, a := range cs.attachers {
		if a.SessionID == req.SessionID {
			target, targetID = a, id
			break
		}
	}
	if target != nil {
		delete(cs.attachers, targetID)
	}
	cs.mu.Unlock()

	if target != nil {
		s.Detach(target)
	}
	srv.send(cs, proto.KindAck, env.ID, nil)
}

func (srv *Server) handleWriteStdin(cs *connState, env proto.Envelope) {
	var req proto.WriteStdinRequest
	if err := json.Unmarshal(env.Payload, &req); err != nil {
		srv.sendError(cs, env.ID, proto.ErrInvalidRequest, err.Error())
		return
	}
	s, ok := srv.idx.Lookup(req.SessionID)
	if !ok {
		srv.sendError(cs, env.ID, proto.ErrNotFound, "session not found: "+req.SessionID)
		return
	}
	raw, err := base64.StdEncoding.DecodeString(req.BytesB64)
	if err != nil {
		srv.sendError(cs, env.ID, proto.ErrInvalidRequest, "bad base64: "+err.Error())
		return
	}
	if err := s.WriteStdin(raw); err != nil {
		srv.sendError(cs, env.ID, classifyErr(err), err.Error())
		return
	}
	srv.send(cs, proto.KindAck, env.ID, nil)
}

func (srv *Server) handleResize(cs *connState, env proto.Envelope) {
	var req proto.ResizeRequest
	if err := json.Unmarshal(env.Payload, &req); err != nil {
		srv.sendError(cs, env.ID, proto.ErrInvalidRequest, err.Error())
		return
	}
	s, ok := srv.idx.Lookup(req.SessionID)
	if !ok {
		srv.sendError(cs, env.ID, proto.ErrNotFound, "session not found: "+req.SessionID)
		return
	}
	if err := s.Resize(req.Cols, req.Rows); err != nil {
		// Resize failure is reported but non-fatal (spec §4.2); still Ack
		// unless the session state itself rejected the request.
		if session.IsInvalidState(err) {
			srv.sendError(cs, env.ID, proto.ErrInvalidState, err.Error())
			return
		}
		srv.logger.Warn("resize failed", "event", "daemon.pty.resize_failed", "session_id", req.SessionID, "error", err.Error())
	}
	srv.send(cs, proto.KindAck, env.ID, nil)
}

func (srv *Server) handleDestroySession(cs *connState, env proto.Envelope) {
	var req proto.DestroySessionRequest
	if err := json.Unmarshal(env.Payload, &req); err != nil {
		srv.sendError(cs, env.ID, proto.ErrInvalidRequest, err.Error())
		return
	}
	s, ok := srv.idx.Lookup(req.SessionID)
	if !ok {
		srv.sendError(cs, env.ID, proto.ErrNotFound, "session not found: "+req.SessionID)
		return
	}
	if err := s.Destroy(req.Force); err != nil {
		if session.IsNotFound(err) {
			srv.sendError(cs, env.ID, proto.ErrNotFound, "session not found: "+req.SessionID)
			return
		}
		srv.sendError(cs, env.ID, proto.ErrInvalidState, err.Error())
		return
	}
	if s.Released() {
		srv.idx.Remove(req.SessionID)
	}
	srv.send(cs, proto.KindAck, env.ID, nil)
}

func (srv *Server) handleGetSession(cs *connState, env proto.Envelope) {
	var req proto.GetSessionRequest
	if err := json.Unmarshal(env.Payload, &req); err != nil {
		srv.sendError(cs, env.ID, proto.ErrInvalidRequest, err.Error())
		return
	}
	s, ok := srv.idx.Lookup(req.SessionID)
	if !ok {
		srv.sendError(cs, env.ID, proto.ErrNotFound, "session not found: "+req.SessionID)
		return
	}
	srv.send(cs, proto.KindSessionInfo, env.ID, proto.SessionInfoResponse{Info: s.Info()})
}

func (srv *Server) send(cs *connState, kind, id string, payload any) {
	line, err := proto.Encode(kind, id, payload)
	if err != nil {
		srv.logger.Error("encode failed", "event", "daemon.ipc.encode_failed", "error", err.Error())
		return
	}
	select {
	case cs.outbound <- line:
	default:
		// Outbound queue full: this connection is not keeping up with its
		// own responses. Drop the connection rather than block the whole
		// dispatch goroutine pool.
		cs.conn.Close()
	}
}

func (srv *Server) sendError(cs *connState, id, code, message string) {
	srv.send(cs, proto.KindError, id, proto.ErrorResponse{Code: code, Message: message})
}

func classifyErr(err error) string {
	if session.IsInvalidState(err) {
		return proto.ErrInvalidState
	}
	if session.IsNotFound(err) {
		return proto.ErrNotFound
	}
	if errors.Is(err, os.ErrClosed) {
		return proto.ErrIoError
	}
	return proto.ErrInternal
}

func envMapToList(env map[string]string) []string {
	base := os.Environ()
	if len(env) == 0 {
		return base
	}
	out := make([]string, 0, len(base)+len(env))
	out = append(out, base...)
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}
