// Package registry implements the Shim Pane Registry of spec §4.8: an
// on-disk, per-hosted-session JSON index of panes/windows/options, guarded
// by an advisory file lock and mutated via atomic write-then-rename.
//
// Grounded on loppo-llc-kojo's internal/session/store.go (the
// marshal -> write-temp -> rename -> cleanup-on-failure shape) combined
// with github.com/gofrs/flock for the shared/exclusive locking spec §4.8
// requires, which store.go itself does not need (kojo is single-process).
package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/gofrs/flock"
)

// PaneEntry is one pane's metadata (spec §3).
type PaneEntry struct {
	PaneID    string `json:"pane_id"`
	SessionID string `json:"session_id"` // backing daemon session id
	WindowID  string `json:"window_id"`
	Title     string `json:"title,omitempty"`
	Style     string `json:"style,omitempty"`
}

// WindowEntry is one window's metadata.
type WindowEntry struct {
	WindowID string `json:"window_id"`
	Name     string `json:"name,omitempty"`
}

// State is the full on-disk shape of one hosted session's registry.
type State struct {
	Panes       map[string]PaneEntry   `json:"panes"`
	Windows     map[string]WindowEntry `json:"windows"`
	Options     map[string]string      `json:"options"`
	NextPaneNum int                    `json:"next_pane_num"`
}

func newState() *State {
	return &State{
		Panes:       make(map[string]PaneEntry),
		Windows:     make(map[string]WindowEntry),
		Options:     make(map[string]string),
		NextPaneNum: 0,
	}
}

// ErrCorrupt is returned by Load when the registry fails structural
// validation (spec §4.8 "Validation on load").
type ErrCorrupt struct{ Reason string }

func (e *ErrCorrupt) Error() string { return "registry corrupt: " + e.Reason }

// Registry is the handle for one hosted session's on-disk pane state. One
// Registry per shim invocation; it holds no in-process lock because the
// shim is a short-lived process (spec §5) — all serialization happens via
// the flock on lockPath.
type Registry struct {
	dir      string
	dataPath string
	tmpPath  string
	lockPath string
}

// Open returns a handle for the hosted session's registry directory,
// creating the directory (but not the registry file itself) if needed.
func Open(runtimeDir, hostedSessionID string) (*Registry, error) {
	dir := filepath.Join(runtimeDir, hostedSessionID)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("mkdir registry dir: %w", err)
	}
	return &Registry{
		dir:      dir,
		dataPath: filepath.Join(dir, "panes.json"),
		tmpPath:  filepath.Join(dir, "panes.json.tmp"),
		lockPath: filepath.Join(dir, "panes.lock"),
	}, nil
}

// WithReadLock acquires a shared lock, loads the current state (or a fresh
// empty one if the file doesn't exist yet), and runs fn against it. Used
// by read-only operations (list-panes, has-session, display-message).
func (r *Registry) WithReadLock(fn func(*State) error) error {
	fl := flock.New(r.lockPath)
	if err := fl.RLock(); err != nil {
		return fmt.Errorf("acquire shared lock: %w", err)
	}
	defer fl.Unlock()

	st, err := r.load()
	if err != nil {
		return err
	}
	return fn(st)
}

// WithWriteLock acquires an exclusive lock, loads the current state,
// passes it to fn for mutation, and — if fn returns nil — atomically
// persists the result via write-temp-then-rename. If fn returns an error,
// nothing is written and the previous on-disk state remains authoritative.
func (r *Registry) WithWriteLock(fn func(*State) error) error {
	fl := flock.New(r.lockPath)
	if err := fl.Lock(); err != nil {
		return fmt.Errorf("acquire exclusive lock: %w", err)
	}
	defer fl.Unlock()

	st, err := r.load()
	if err != nil {
		return err
	}
	if err := fn(st); err != nil {
		return err
	}
	return r.save(st)
}

func (r *Registry) load() (*State, error) {
	data, err := os.ReadFile(r.dataPath)
	if err != nil {
		if os.IsNotExist(err) {
			return newState(), nil
		}
		return nil, fmt.Errorf("read registry: %w", err)
	}
	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, &ErrCorrupt{Reason: "invalid json: " + err.Error()}
	}
	if st.Panes == nil {
		st.Panes = make(map[string]PaneEntry)
	}
	if st.Windows == nil {
		st.Windows = make(map[string]WindowEntry)
	}
	if st.Options == nil {
		st.Options = make(map[string]string)
	}
	if err := validate(&st); err != nil {
		return nil, err
	}
	return &st, nil
}

// validate enforces the invariants from spec §4.8: no duplicate pane id
// (guaranteed structurally by the map key, but checked against embedded
// PaneID for consistency), every referenced window id exists, and the
// next-pane counter is at least one greater than the largest observed
// pane ordinal.
func validate(st *State) error {
	maxOrdinal := -1
	for id, p := range st.Panes {
		if p.PaneID != id {
			return &ErrCorrupt{Reason: fmt.Sprintf("pane key %q does not match PaneID %q", id, p.PaneID)}
		}
		if _, ok := st.Windows[p.WindowID]; !ok {
			return &ErrCorrupt{Reason: fmt.Sprintf("pane %q references missing window %q", id, p.WindowID)}
		}
		ordinal, err := paneOrdinal(id)
		if err == nil && ordinal > maxOrdinal {
			maxOrdinal = ordinal
		}
	}
	if st.NextPaneNum < maxOrdinal+1 {
		return &ErrCorrupt{Reason: fmt.Sprintf("next_pane_num %d is not greater than largest pane ordinal %d", st.NextPaneNum, maxOrdinal)}
	}
	return nil
}

func paneOrdinal(paneID string) (int, error) {
	var n int
	_, err := fmt.Sscanf(paneID, "%%%d", &n)
	return n, err
}

// AllocatePaneID returns the next monotonic pane id (e.g. "%3") and
// advances the counter. Caller must be inside WithWriteLock.
func (st *State) AllocatePaneID() string {
	id := fmt.Sprintf("%%%d", st.NextPaneNum)
	st.NextPaneNum++
	return id
}

// SortedPaneIDs returns pane ids in a stable, deterministic order for
// list-panes output.
func (st *State) SortedPaneIDs() []string {
	ids := make([]string, 0, len(st.Panes))
	for id := range st.Panes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (r *Registry) save(st *State) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal registry: %w", err)
	}
	if err := os.WriteFile(r.tmpPath, data, 0o600); err != nil {
		return fmt.Errorf("write temp registry: %w", err)
	}
	if err := os.Rename(r.tmpPath, r.dataPath); err != nil {
		_ = os.Remove(r.tmpPath)
		return fmt.Errorf("rename registry into place: %w", err)
	}
	return nil
}
