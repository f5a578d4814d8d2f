// Package session implements the Session State Machine (spec §4.4): the
// per-session Creating -> Running -> Stopped lifecycle, serialized
// mutation, and event delivery to Attachers.
//
// Grounded on GandalftheGUI-grove's internal/daemon/daemon.go (index +
// dispatch shape) and instance.go (per-instance mutable state under one
// mutex, ptyReader driving the exit transition), generalized to the
// three-state machine and multi-attacher fan-out spec.md requires.
package session

import (
	"encoding/base64"
	"log/slog"
	"sync"
	"syscall"
	"time"

	"github.com/kild-dev/kild/internal/broadcast"
	"github.com/kild-dev/kild/internal/pty"
	"github.com/kild-dev/kild/internal/proto"
)

// DefaultRingCapacity is the scrollback ring size applied to sessions that
// don't override it. spec §9 leaves the exact figure an implementer
// choice within "hundreds of KB to a few MB"; 512 KiB balances replay
// usefulness against per-session memory cost for a workstation running
// many concurrent agents.
const DefaultRingCapacity = 512 * 1024

// gracePeriod is how long Destroy waits after SIGTERM before escalating to
// SIGKILL, per spec §4.4/§4.5.
const gracePeriod = 5 * time.Second

// EventKind discriminates the union carried by Event.
type EventKind int

const (
	EventOutput EventKind = iota
	EventExit
	EventStateChanged
	EventError
)

// Event is what an Attacher receives on its Events channel: exactly one of
// the pointer fields matching Kind is populated.
type Event struct {
	Kind         EventKind
	Output       *proto.PtyOutputEvent
	Exit         *proto.PtyExitEvent
	StateChanged *proto.SessionStateChangedEvent
	Err          *proto.ErrorResponse
}

// Attacher is a live subscription from one IPC connection to one session's
// combined output + lifecycle event stream (spec §3).
type Attacher struct {
	SessionID string
	Events    chan Event

	byteCh chan []byte
}

// Session owns exactly one PTY + child process + its broadcaster + its
// attachers, per the glossary definition. All mutable fields are guarded
// by mu; mutators run to completion synchronously within one call, never
// suspending with mu held, matching the "no lock held across an await"
// discipline in spec §5.
type Session struct {
	id string

	mu         sync.Mutex
	info       proto.SessionInfo
	state      string
	sup        *pty.Supervisor
	bc         *broadcast.Broadcaster
	attachers  map[*Attacher]struct{}
	pending    []*Attacher
	exit       *proto.PtyExitEvent
	killed     bool
	released   bool
	graceTimer *time.Timer

	// releaseHook, if set, is called once after runReader has finished
	// delivering final events for a Destroy-initiated kill (spec §4.4:
	// "release the session record after final events have been
	// delivered" is one continuous effect of a single DestroySession
	// call, not a second explicit one). The Index sets this at creation
	// time to remove the session from its table.
	releaseHook func()

	logger *slog.Logger
}

// New constructs a Session in the Creating state. The caller (the Index)
// assigns id before any other component can observe it, satisfying the
// "session ids are globally unique" invariant.
func New(id string, req proto.CreateSessionRequest, ringCapacity int, logger *slog.Logger) *Session {
	if ringCapacity <= 0 {
		ringCapacity = DefaultRingCapacity
	}
	return &Session{
		id:    id,
		state: proto.StateCreating,
		bc:    broadcast.NewBroadcaster(ringCapacity),
		attachers: make(map[*Attacher]struct{}),
		info: proto.SessionInfo{
			SessionID: id,
			Label:     req.Label,
			Command:   req.Command,
			Cwd:       req.Cwd,
			Env:       req.Env,
			Cols:      req.Cols,
			Rows:      req.Rows,
			State:     proto.StateCreating,
			CreatedAt: time.Now().Unix(),
		},
		logger: logger,
	}
}

// ID returns the session's identity.
func (s *Session) ID() string { return s.id }

// Start spawns the child process under a PTY and transitions Creating ->
// Running on success, or Creating -> Stopped (reason spawn_failed) on
// failure. It activates any Attachers that queued while Creating.
func (s *Session) Start(req proto.CreateSessionRequest, env []string) error {
	sup, err := pty.Spawn(req.Command, req.Cwd, env, req.Cols, req.Rows, req.UseLoginShell)
	if err != nil {
		s.mu.Lock()
		s.state = proto.StateStopped
		s.info.State = proto.StateStopped
		reason := proto.ReasonSpawnFailed
		s.exit = &proto.PtyExitEvent{SessionID: s.id, ExitReason: reason}
		pending := s.pending
		s.pending = nil
		s.mu.Unlock()

		s.logger.Error("pty spawn failed", "event", "daemon.pty.spawn_failed", "session_id", s.id, "error", err.Error())

		// Attachers that queued during Creating still deserve the terminal
		// sequence: empty scrollback, then PtyExit, then close.
		for _, a := range pending {
			go func(a *Attacher) {
				a.Events <- Event{Kind: EventExit, Exit: s.exit}
				close(a.Events)
			}(a)
		}
		return err
	}

	s.mu.Lock()
	s.sup = sup
	s.state = proto.StateRunning
	s.info.State = proto.StateRunning
	s.info.LastActivity = time.Now().Unix()
	pending := s.pending
	s.pending = nil
	for _, a := range pending {
		s.activateAttacherLocked(a)
	}
	s.mu.Unlock()

	s.logger.Info("pty spawned", "event", "daemon.pty.spawn_completed", "session_id", s.id, "pid", sup.PID())

	go s.runReader(sup)
	return nil
}

// runReader is the dedicated-OS-thread read loop required by spec §4.2 and
// §5. It never touches s.mu while blocked in Read.
func (s *Session) runReader(sup *pty.Supervisor) {
	readErr := sup.Read(func(chunk []byte) {
		s.bc.Append(chunk)
		s.mu.Lock()
		s.info.LastActivity = time.Now().Unix()
		s.mu.Unlock()
	})

	exitInfo := sup.Wait()
	_ = sup.Close()

	s.mu.Lock()
	s.state = proto.StateStopped
	s.info.State = proto.StateStopped
	if s.graceTimer != nil {
		s.graceTimer.Stop()
	}

	reason := exitInfo.Reason
	if s.killed && reason != proto.ReasonSignalled {
		reason = proto.ReasonKilledByReq
	}
	if readErr != nil && reason == "normal" {
		reason = proto.ReasonIoError
	}
	s.exit = &proto.PtyExitEvent{
		SessionID:  s.id,
		ExitReason: reason,
		ExitCode:   exitInfo.Code,
		Signal:     exitInfo.Signal,
	}
	s.info.ExitCode = exitInfo.Code
	s.info.ExitReason = reason
	s.info.ExitSignal = exitInfo.Signal
	s.mu.Unlock()

	s.logger.Info("pty exited", "event", "daemon.pty.exit_observed", "session_id", s.id, "reason", reason)

	// Close all live subscriptions normally; each forwardLoop will notice
	// the normal close, append the PtyExit event, and close its Attacher.
	s.bc.CloseAll()

	// If this exit was reaped off a DestroySession-initiated kill, the
	// final events above are now delivered, so release the record and
	// remove it from the Index as one continuous effect of that single
	// Destroy call (spec §4.4), rather than waiting for a second explicit
	// DestroySession against the now-Stopped session.
	s.mu.Lock()
	autoRelease := s.killed && !s.released
	if autoRelease {
		s.released = true
	}
	hook := s.releaseHook
	s.mu.Unlock()

	if autoRelease && hook != nil {
		hook()
	}
}

// activateAttacherLocked subscribes a (now-running) attacher to the
// broadcaster and starts its forwarding goroutine. Caller must hold s.mu.
func (s *Session) activateAttacherLocked(a *Attacher) {
	ch, scrollback := s.bc.Subscribe()
	a.byteCh = ch
	s.attachers[a] = struct{}{}
	go s.forwardLoop(a, scrollback)
}

// forwardLoop delivers, in order: the scrollback snapshot, then live
// output, then (on normal close) the session's terminal PtyExit event, or
// (on backpressure drop) a client-backpressure error — never both.
func (s *Session) forwardLoop(a *Attacher, scrollback []byte) {
	if len(scrollback) > 0 {
		a.Events <- Event{Kind: EventOutput, Output: &proto.PtyOutputEvent{
			SessionID: s.id,
			BytesB64:  base64.StdEncoding.EncodeToString(scrollback),
		}}
	}

	for chunk := range a.byteCh {
		a.Events <- Event{Kind: EventOutput, Output: &proto.PtyOutputEvent{
			SessionID: s.id,
			BytesB64:  base64.StdEncoding.EncodeToString(chunk),
		}}
	}

	// a.byteCh is closed now, either because the session stopped (normal
	// close via CloseAll) or because this attacher was dropped for
	// backpressure.
	if s.bc.WasDropped(a.byteCh) {
		a.Events <- Event{Kind: EventError, Err: &proto.ErrorResponse{
			Code:    proto.ErrInternal,
			Message: "client backpressure",
		}}
		close(a.Events)
		s.removeAttacher(a)
		return
	}

	s.mu.Lock()
	exit := s.exit
	s.mu.Unlock()
	if exit != nil {
		a.Events <- Event{Kind: EventExit, Exit: exit}
	}
	close(a.Events)
	s.removeAttacher(a)
}

func (s *Session) removeAttacher(a *Attacher) {
	s.mu.Lock()
	delete(s.attachers, a)
	s.mu.Unlock()
}

// Attach registers a new Attacher against this session, per the state
// dispatch rules in spec §4.4.
func (s *Session) Attach() (*Attacher, error) {
	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		return nil, errNotFound
	}

	a := &Attacher{SessionID: s.id, Events: make(chan Event, 1024)}

	switch s.state {
	case proto.StateCreating:
		s.pending = append(s.pending, a)
		s.mu.Unlock()
		return a, nil

	case proto.StateRunning:
		s.activateAttacherLocked(a)
		s.mu.Unlock()
		return a, nil

	case proto.StateStopped:
		scrollback := s.bc.Snapshot()
		exit := s.exit
		s.mu.Unlock()
		go func() {
			if len(scrollback) > 0 {
				a.Events <- Event{Kind: EventOutput, Output: &proto.PtyOutputEvent{
					SessionID: s.id,
					BytesB64:  base64.StdEncoding.EncodeToString(scrollback),
				}}
			}
			if exit != nil {
				a.Events <- Event{Kind: EventExit, Exit: exit}
			}
			close(a.Events)
		}()
		return a, nil
	}

	s.mu.Unlock()
	return nil, errInvalidState
}

// Detach unregisters an attacher without waiting for anything further from
// it. Idempotent.
func (s *Session) Detach(a *Attacher) {
	s.mu.Lock()
	_, stillPending := indexOfPending(s.pending, a)
	if stillPending {
		s.pending = removePending(s.pending, a)
	}
	s.mu.Unlock()
	if a.byteCh != nil {
		s.bc.Unsubscribe(a.byteCh)
	}
}

// WriteStdin writes bytes to the child's PTY. Rejected unless Running.
func (s *Session) WriteStdin(p []byte) error {
	s.mu.Lock()
	if s.state != proto.StateRunning {
		s.mu.Unlock()
		return errInvalidState
	}
	sup := s.sup
	s.mu.Unlock()
	_, err := sup.Write(p)
	return err
}

// Resize updates the PTY geometry. Rejected unless Running; failure to
// issue the ioctl is reported but does not change session state.
func (s *Session) Resize(cols, rows int) error {
	s.mu.Lock()
	if s.state != proto.StateRunning {
		s.mu.Unlock()
		return errInvalidState
	}
	sup := s.sup
	s.mu.Unlock()

	err := sup.Resize(cols, rows)
	s.mu.Lock()
	s.info.Cols, s.info.Rows = cols, rows
	s.mu.Unlock()
	return err
}

// Destroy implements the DestroySession transitions of spec §4.4.
func (s *Session) Destroy(force bool) error {
	s.mu.Lock()
	switch s.state {
	case proto.StateStopped:
		if s.released {
			s.mu.Unlock()
			return errNotFound
		}
		s.released = true
		attachers := make([]*Attacher, 0, len(s.attachers))
		for a := range s.attachers {
			attachers = append(attachers, a)
		}
		s.mu.Unlock()

		for _, a := range attachers {
			a.Events <- Event{Kind: EventStateChanged, StateChanged: &proto.SessionStateChangedEvent{
				SessionID: s.id,
				NewState:  proto.StateDestroyed,
			}}
			close(a.Events)
		}
		return nil

	case proto.StateRunning:
		sup := s.sup
		s.killed = true
		if force {
			if s.graceTimer != nil {
				s.graceTimer.Stop()
			}
			s.mu.Unlock()
			return sup.Kill(syscall.SIGKILL)
		}
		s.mu.Unlock()
		if err := sup.Kill(syscall.SIGTERM); err != nil {
			return err
		}
		timer := time.AfterFunc(gracePeriod, func() {
			_ = sup.Kill(syscall.SIGKILL)
		})
		s.mu.Lock()
		s.graceTimer = timer
		s.mu.Unlock()
		return nil

	default: // Creating
		s.mu.Unlock()
		return errInvalidState
	}
}

// Info returns a point-in-time snapshot of the session's public metadata.
func (s *Session) Info() proto.SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.info
}

// Released reports whether the session's record has been released by
// Destroy and should be removed from the Index.
func (s *Session) Released() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.released
}

func indexOfPending(list []*Attacher, a *Attacher) (int, bool) {
	for i, v := range list {
		if v == a {
			return i, true
		}
	}
	return -1, false
}

func removePending(list []*Attacher, a *Attacher) []*Attacher {
	out := list[:0]
	for _, v := range list {
		if v != a {
			out = append(out, v)
		}
	}
	return out
}
