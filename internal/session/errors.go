package session

import "errors"

// Sentinel errors translated to wire error codes at the IPC boundary
// (internal/ipcserver), per the propagation policy in spec §7.
var (
	errNotFound     = errors.New("session: not found")
	errInvalidState = errors.New("session: invalid state for this operation")
)

// IsNotFound reports whether err is (or wraps) the not-found sentinel.
func IsNotFound(err error) bool { return errors.Is(err, errNotFound) }

// IsInvalidState reports whether err is (or wraps) the invalid-state
// sentinel.
func IsInvalidState(err error) bool { return errors.Is(err, errInvalidState) }
