package session

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/kild-dev/kild/internal/proto"
)

// Index is the daemon-wide session table (spec §4.4). It is guarded by a
// single lock with short, O(1) critical sections; enumeration snapshots
// under the lock and iterates outside it, per the locking discipline in
// spec §5. Session ids are minted with google/uuid so they are globally
// unique across the daemon's lifetime without any central counter state
// to persist, unlike the teacher's reused-short-alphabet scheme.
type Index struct {
	mu           sync.Mutex
	sessions     map[string]*Session
	ringCapacity int
	logger       *slog.Logger
}

// NewIndex creates an empty session index.
func NewIndex(ringCapacity int, logger *slog.Logger) *Index {
	return &Index{
		sessions:     make(map[string]*Session),
		ringCapacity: ringCapacity,
		logger:       logger,
	}
}

// Create allocates a fresh session id, registers a Creating-state Session
// under the index lock, then spawns the child outside the lock — so a
// slow spawn never blocks lookups or mutations of unrelated sessions.
func (idx *Index) Create(req proto.CreateSessionRequest, env []string) (*Session, error) {
	id := uuid.NewString()
	s := New(id, req, idx.ringCapacity, idx.logger)
	s.releaseHook = func() { idx.Remove(id) }

	idx.mu.Lock()
	idx.sessions[id] = s
	idx.mu.Unlock()

	idx.logger.Info("session created", "event", "daemon.session.create_started", "session_id", id)

	if err := s.Start(req, env); err != nil {
		return s, err
	}
	return s, nil
}

// Lookup returns the session with the given id, if any.
func (idx *Index) Lookup(id string) (*Session, bool) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	s, ok := idx.sessions[id]
	return s, ok
}

// List returns a snapshot of every current session's public info, ordered
// by creation time for stable output.
func (idx *Index) List() []proto.SessionInfo {
	idx.mu.Lock()
	sessions := make([]*Session, 0, len(idx.sessions))
	for _, s := range idx.sessions {
		sessions = append(sessions, s)
	}
	idx.mu.Unlock()

	infos := make([]proto.SessionInfo, 0, len(sessions))
	for _, s := range sessions {
		infos = append(infos, s.Info())
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].CreatedAt < infos[j].CreatedAt })
	return infos
}

// Remove deletes id from the index. Called after Session.Destroy has
// released the record. Safe to call for an id that is not present.
func (idx *Index) Remove(id string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	delete(idx.sessions, id)
}

// All returns every live session, for shutdown-time iteration.
func (idx *Index) All() []*Session {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	out := make([]*Session, 0, len(idx.sessions))
	for _, s := range idx.sessions {
		out = append(out, s)
	}
	return out
}
