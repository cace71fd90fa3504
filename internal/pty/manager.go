package pty

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	// DefaultIdleTTL is how long a detached session survives before a sweep
	// closes it.
	DefaultIdleTTL = 30 * time.Minute
	// DefaultKillGrace is how long a shell gets between SIGTERM and SIGKILL.
	DefaultKillGrace = 2 * time.Second

	// exitCodeWait bounds how long the exit path waits for the shell to be
	// reaped after its output ends.
	exitCodeWait = 2 * time.Second
	// connectAttempts bounds retries when a looked-up session closes between
	// lookup and attach.
	connectAttempts = 3
)

// spawnFunc starts the process backing a new session.
type spawnFunc func(cfg AdapterConfig) (process, error)

func spawnAdapter(cfg AdapterConfig) (process, error) {
	a, err := StartAdapter(cfg)
	if err != nil {
		return nil, err
	}
	return a, nil
}

// ManagerConfig holds configuration for the session manager.
type ManagerConfig struct {
	Shell       string
	ShellArgs   []string
	Env         []string
	WorkDir     string
	DefaultRows int
	DefaultCols int
	// BufferChars is the per-session replay budget in characters.
	BufferChars int
	// IdleTTL is how long a detached session may stay idle. Zero disables
	// idle eviction.
	IdleTTL time.Duration
	// KillGrace is the SIGTERM to SIGKILL escalation delay.
	KillGrace time.Duration
	// MaxSessions caps the registry. Zero means unlimited.
	MaxSessions int
	Observer    Observer
}

// Manager is the session registry. Its mutex covers only the map; each
// session's state is guarded by that session's own mutex, and the two are
// never held together for longer than a map operation.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*Session

	cfg      ManagerConfig
	observer Observer
	spawn    spawnFunc
	now      func() time.Time
}

// NewManager creates an empty registry.
func NewManager(cfg ManagerConfig) *Manager {
	if cfg.Shell == "" {
		cfg.Shell = "/bin/sh"
	}
	if cfg.BufferChars <= 0 {
		cfg.BufferChars = DefaultBufferChars
	}
	if cfg.KillGrace <= 0 {
		cfg.KillGrace = DefaultKillGrace
	}
	observer := cfg.Observer
	if observer == nil {
		observer = Observers(nil)
	}
	return &Manager{
		sessions: make(map[string]*Session),
		cfg:      cfg,
		observer: observer,
		spawn:    spawnAdapter,
		now:      time.Now,
	}
}

// Shell returns the shell new sessions run.
func (m *Manager) Shell() string {
	return m.cfg.Shell
}

// ConnectResult describes the session a connection ended up attached to.
type ConnectResult struct {
	Session *Session
	// Reused is true when an existing live session was resumed.
	Reused bool
	AttachResult
}

// Connect resolves id to a live session, creating one if id is empty,
// unknown or dead, and attaches c to it with replay from lastSeq.
func (m *Manager) Connect(id string, lastSeq uint64, cols, rows int, c Client) (ConnectResult, error) {
	for attempt := 0; attempt < connectAttempts; attempt++ {
		s, created, err := m.GetOrCreate(id, cols, rows)
		if err != nil {
			return ConnectResult{}, err
		}
		if created {
			// Replay a fresh session from the start.
			lastSeq = 0
		}
		res, err := s.Attach(c, lastSeq)
		if errors.Is(err, ErrSessionClosed) {
			continue
		}
		if err != nil {
			return ConnectResult{}, err
		}
		return ConnectResult{Session: s, Reused: !created, AttachResult: res}, nil
	}
	return ConnectResult{}, ErrSessionClosed
}

// GetOrCreate returns the live session for id, or creates a new one under a
// fresh ID. A dead session found under id is removed and closed first.
func (m *Manager) GetOrCreate(id string, cols, rows int) (*Session, bool, error) {
	if id != "" {
		if s := m.Get(id); s != nil {
			if s.IsAlive() {
				return s, false, nil
			}
			if s.claimIfDead() {
				m.removeIfCurrent(s)
				m.finish(s, ReasonDead)
			}
		}
	}
	s, err := m.create(cols, rows)
	if err != nil {
		return nil, false, err
	}
	return s, true, nil
}

func (m *Manager) create(cols, rows int) (*Session, error) {
	if cols <= 0 || rows <= 0 {
		cols, rows = m.cfg.DefaultCols, m.cfg.DefaultRows
	}
	if m.atCapacity() {
		return nil, ErrTooManySessions
	}

	proc, err := m.spawn(AdapterConfig{
		Shell:   m.cfg.Shell,
		Args:    m.cfg.ShellArgs,
		Env:     m.cfg.Env,
		WorkDir: m.cfg.WorkDir,
		Cols:    cols,
		Rows:    rows,
	})
	if err != nil {
		slog.Warn("Failed to spawn terminal", "shell", m.cfg.Shell, "error", err)
		return nil, err
	}

	s := newSession(sessionConfig{
		ID:          uuid.NewString(),
		Shell:       m.cfg.Shell,
		Cols:        cols,
		Rows:        rows,
		BufferChars: m.cfg.BufferChars,
		KillGrace:   m.cfg.KillGrace,
		Now:         m.now,
	}, proc)

	m.mu.Lock()
	if m.cfg.MaxSessions > 0 && len(m.sessions) >= m.cfg.MaxSessions {
		m.mu.Unlock()
		s.Close(true)
		return nil, ErrTooManySessions
	}
	m.sessions[s.ID] = s
	m.mu.Unlock()

	go s.readLoop(m.handleExit)

	slog.Info("Terminal session created", "sessionID", s.ID, "pid", proc.Pid(), "cols", cols, "rows", rows)
	m.observer.SessionCreated(s.Info())
	return s, nil
}

func (m *Manager) atCapacity() bool {
	if m.cfg.MaxSessions <= 0 {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions) >= m.cfg.MaxSessions
}

// handleExit is the reader loop's hand-off once the shell's output ends.
func (m *Manager) handleExit(s *Session) {
	s.proc.WaitExit(exitCodeWait)
	if !s.claim(nil) {
		return
	}
	m.removeIfCurrent(s)
	m.finish(s, ReasonExited)
}

// finish closes a claimed session that is no longer in the registry. The
// attached client, if any, learns the exit code first.
func (m *Manager) finish(s *Session, reason CloseReason) {
	code, exited := s.proc.ExitCode()
	if exited {
		s.notifyExit(code)
	}
	if !s.Close(!exited) {
		return
	}
	code = s.exitCode()
	slog.Info("Terminal session closed", "sessionID", s.ID, "reason", string(reason), "exitCode", code)
	m.observer.SessionClosed(s.Info(), reason, code)
}

func (m *Manager) removeIfCurrent(s *Session) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.sessions[s.ID]; ok && cur == s {
		delete(m.sessions, s.ID)
		return true
	}
	return false
}

// Get returns the session registered under id, or nil.
func (m *Manager) Get(id string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[id]
}

// Remove unregisters and returns the session under id. The caller must close
// it.
func (m *Manager) Remove(id string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil
	}
	delete(m.sessions, id)
	return s
}

// CloseSession removes the session and terminates its shell.
func (m *Manager) CloseSession(id string) error {
	s := m.Get(id)
	if s == nil {
		return ErrSessionNotFound
	}
	if !s.claim(nil) {
		return nil
	}
	m.removeIfCurrent(s)
	m.finish(s, ReasonClient)
	return nil
}

// Sweep closes every session that is dead, or detached and idle for longer
// than the idle TTL as of now. Sessions with an attached client are never
// closed for idleness. It returns the number of sessions closed.
func (m *Manager) Sweep(now time.Time) int {
	type victim struct {
		s      *Session
		reason CloseReason
	}

	var victims []victim
	for _, s := range m.snapshot() {
		switch {
		case s.claimIfDead():
			victims = append(victims, victim{s, ReasonDead})
		case s.claimIfIdle(now, m.cfg.IdleTTL):
			victims = append(victims, victim{s, ReasonIdle})
		}
	}
	if len(victims) == 0 {
		return 0
	}

	m.mu.Lock()
	for _, v := range victims {
		if cur, ok := m.sessions[v.s.ID]; ok && cur == v.s {
			delete(m.sessions, v.s.ID)
		}
	}
	m.mu.Unlock()

	for _, v := range victims {
		m.finish(v.s, v.reason)
	}
	return len(victims)
}

// StartSweeper sweeps every interval until ctx is done.
func (m *Manager) StartSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := m.Sweep(m.now()); n > 0 {
					slog.Info("Swept terminal sessions", "count", n)
				}
			}
		}
	}()
}

// CloseAll terminates every session concurrently and empties the registry.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range sessions {
		if !s.claim(nil) {
			continue
		}
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			m.finish(s, ReasonShutdown)
		}(s)
	}
	wg.Wait()
}

func (m *Manager) snapshot() []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}

// List returns a summary of every registered session.
func (m *Manager) List() []SessionInfo {
	sessions := m.snapshot()
	infos := make([]SessionInfo, 0, len(sessions))
	for _, s := range sessions {
		infos = append(infos, s.Info())
	}
	return infos
}

// SessionCount returns the number of registered sessions.
func (m *Manager) SessionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}
