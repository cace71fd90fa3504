package pty

import (
	"errors"
	"fmt"
)

var (
	// ErrSpawn is matched by every *SpawnError.
	ErrSpawn = errors.New("failed to spawn terminal")
	// ErrSessionClosed is returned when an operation targets a session that is
	// closing or closed.
	ErrSessionClosed = errors.New("session closed")
	// ErrSessionNotFound is returned when no live session has the given ID.
	ErrSessionNotFound = errors.New("session not found")
	// ErrTooManySessions is returned when the manager is at capacity.
	ErrTooManySessions = errors.New("too many terminal sessions")
	// ErrWouldBlock is returned by ReadChunk when no output arrived in time.
	ErrWouldBlock = errors.New("no output available")
)

// SpawnError reports a failure to allocate a pseudo-terminal or start the
// shell. No session exists when it is returned.
type SpawnError struct {
	Shell string
	Err   error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn %s: %v", e.Shell, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrSpawn) match any SpawnError.
func (e *SpawnError) Is(target error) bool { return target == ErrSpawn }
