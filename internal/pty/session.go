// Package pty provides reconnectable PTY session management for terminal access.
package pty

import (
	"sync"
	"time"
)

// State is a session's lifecycle state.
type State string

const (
	StateCreated  State = "created"
	StateAttached State = "attached"
	StateDetached State = "detached"
	StateClosing  State = "closing"
	StateClosed   State = "closed"
)

// Client is the outbound half of a connection attached to a session. The
// session never owns it: Close is called only to force the client off when
// it is replaced or the session ends.
type Client interface {
	SendOutput(seq uint64, data string) error
	SendExit(code int) error
	Close() error
}

// SessionInfo is a point-in-time summary of a session.
type SessionInfo struct {
	ID             string    `json:"id"`
	Shell          string    `json:"shell"`
	State          State     `json:"state"`
	Seq            uint64    `json:"seq"`
	Attached       bool      `json:"attached"`
	Cols           int       `json:"cols"`
	Rows           int       `json:"rows"`
	Pid            int       `json:"pid"`
	CreatedAt      time.Time `json:"createdAt"`
	LastActivityAt time.Time `json:"lastActivityAt"`
}

// AttachResult is what a client needs right after attaching.
type AttachResult struct {
	// Seq is the last sequence number produced before the attach.
	Seq uint64
	// Replaced is true when another client was forced off.
	Replaced bool
	// Replay holds the retained output newer than the client's last seen seq.
	Replay []Entry
}

// Session is one live interactive shell. A single mutex guards every mutable
// field.
type Session struct {
	ID        string
	Shell     string
	CreatedAt time.Time

	proc      process
	killGrace time.Duration
	now       func() time.Time

	mu           sync.Mutex
	buffer       *RingBuffer
	client       Client
	state        State
	closing      bool
	closed       bool
	lastActivity time.Time
	cols         int
	rows         int
}

type sessionConfig struct {
	ID          string
	Shell       string
	Cols        int
	Rows        int
	BufferChars int
	KillGrace   time.Duration
	Now         func() time.Time
}

func newSession(cfg sessionConfig, proc process) *Session {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	created := now()
	return &Session{
		ID:           cfg.ID,
		Shell:        cfg.Shell,
		CreatedAt:    created,
		proc:         proc,
		killGrace:    cfg.KillGrace,
		now:          now,
		buffer:       NewRingBuffer(cfg.BufferChars),
		state:        StateCreated,
		lastActivity: created,
		cols:         cfg.Cols,
		rows:         cfg.Rows,
	}
}

// Attach makes c the sole attached client. A previously attached client is
// closed. The returned replay is taken atomically with the attach, so every
// later chunk is forwarded live to c and none is delivered twice.
func (s *Session) Attach(c Client, lastSeq uint64) (AttachResult, error) {
	s.mu.Lock()
	if s.closed || s.closing {
		s.mu.Unlock()
		return AttachResult{}, ErrSessionClosed
	}
	prev := s.client
	if prev == c {
		prev = nil
	}
	s.client = c
	s.state = StateAttached
	s.lastActivity = s.now()
	res := AttachResult{
		Seq:      s.buffer.CurrentSeq(),
		Replaced: prev != nil,
		Replay:   s.buffer.ReplaySince(lastSeq),
	}
	s.mu.Unlock()

	if prev != nil {
		_ = prev.Close()
	}
	return res, nil
}

// Detach clears the attached slot if it still holds c. It reports whether c
// was the attached client.
func (s *Session) Detach(c Client) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastActivity = s.now()
	if s.client == nil || s.client != c {
		return false
	}
	s.client = nil
	if !s.closing && !s.closed {
		s.state = StateDetached
	}
	return true
}

// WriteInput forwards keystrokes to the shell.
func (s *Session) WriteInput(p []byte) {
	if !s.touch() {
		return
	}
	s.proc.WriteInput(p)
}

// Resize applies a new window size when both dimensions are positive.
func (s *Session) Resize(rows, cols int) {
	if rows <= 0 || cols <= 0 {
		return
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.rows, s.cols = rows, cols
	s.lastActivity = s.now()
	s.mu.Unlock()

	s.proc.Resize(cols, rows)
}

// SendSignal delivers a named signal to the shell's process group. Unknown
// names are ignored.
func (s *Session) SendSignal(name string) {
	if !s.touch() {
		return
	}
	s.proc.SendSignal(name)
}

// touch refreshes the activity timestamp and reports whether the session is
// still open.
func (s *Session) touch() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.lastActivity = s.now()
	return true
}

// IsAlive is false once the session is closing or closed, or once the shell
// has exited.
func (s *Session) IsAlive() bool {
	s.mu.Lock()
	gone := s.closed || s.closing
	s.mu.Unlock()
	return !gone && s.proc.IsAlive()
}

// Close ends the session. It forces off any attached client and, when kill
// is set, terminates the shell's process group; otherwise it only releases
// the descriptor. Only the first call has an effect; it reports whether this
// call closed the session.
func (s *Session) Close(kill bool) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	s.closed = true
	s.closing = true
	s.state = StateClosing
	c := s.client
	s.client = nil
	s.mu.Unlock()

	if c != nil {
		_ = c.Close()
	}
	if kill {
		s.proc.Terminate(s.killGrace)
	} else {
		s.proc.Release()
	}

	s.mu.Lock()
	s.state = StateClosed
	s.mu.Unlock()
	return true
}

// claim moves the session into Closing so that exactly one caller goes on to
// remove and close it. cond runs under the session lock.
func (s *Session) claim(cond func() bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.closing {
		return false
	}
	if cond != nil && !cond() {
		return false
	}
	s.closing = true
	s.state = StateClosing
	return true
}

func (s *Session) claimIfDead() bool {
	return s.claim(func() bool { return !s.proc.IsAlive() })
}

func (s *Session) claimIfIdle(now time.Time, ttl time.Duration) bool {
	if ttl <= 0 {
		return false
	}
	return s.claim(func() bool {
		return s.client == nil && now.Sub(s.lastActivity) > ttl
	})
}

// notifyExit sends the exit code to the attached client, if any.
func (s *Session) notifyExit(code int) {
	s.mu.Lock()
	c := s.client
	s.mu.Unlock()
	if c == nil {
		return
	}
	if err := c.SendExit(code); err != nil {
		s.Detach(c)
	}
}

// exitCode returns the shell's exit status, or -1 if it has not exited.
func (s *Session) exitCode() int {
	if code, ok := s.proc.ExitCode(); ok {
		return code
	}
	return -1
}

// CurrentSeq returns the last output sequence number.
func (s *Session) CurrentSeq() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buffer.CurrentSeq()
}

// ReplaySince returns retained output newer than lastSeq.
func (s *Session) ReplaySince(lastSeq uint64) []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buffer.ReplaySince(lastSeq)
}

// State returns the lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LastActivity returns the time of the last attach, detach, input or resize.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// Attached reports whether a client is currently attached.
func (s *Session) Attached() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.client != nil
}

// Info returns a snapshot of the session.
func (s *Session) Info() SessionInfo {
	pid := s.proc.Pid()
	s.mu.Lock()
	defer s.mu.Unlock()
	return SessionInfo{
		ID:             s.ID,
		Shell:          s.Shell,
		State:          s.state,
		Seq:            s.buffer.CurrentSeq(),
		Attached:       s.client != nil,
		Cols:           s.cols,
		Rows:           s.rows,
		Pid:            pid,
		CreatedAt:      s.CreatedAt,
		LastActivityAt: s.lastActivity,
	}
}
