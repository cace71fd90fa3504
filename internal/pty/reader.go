package pty

import (
	"errors"
	"log/slog"
	"time"
)

// readPollInterval bounds each wait for output so the loop notices a close
// promptly.
const readPollInterval = 200 * time.Millisecond

// readLoop pumps shell output into the buffer and forwards it to the
// attached client. It never closes the session itself: when the shell goes
// away it hands off to onExit, unless the session was closed first.
func (s *Session) readLoop(onExit func(*Session)) {
	for {
		if s.isClosed() {
			return
		}

		chunk, err := s.proc.ReadChunk(readPollInterval)
		switch {
		case err == nil:
			s.publish(chunk)
			continue
		case errors.Is(err, ErrWouldBlock):
			if s.IsAlive() {
				continue
			}
		}

		if s.isClosed() {
			return
		}
		slog.Debug("PTY output ended", "sessionID", s.ID, "error", err)
		if onExit != nil {
			onExit(s)
		}
		return
	}
}

// publish appends chunk and forwards it live. A failed forward detaches the
// client and leaves the session running.
func (s *Session) publish(chunk string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	seq := s.buffer.Append(chunk)
	c := s.client
	s.mu.Unlock()

	if c == nil {
		return
	}
	if err := c.SendOutput(seq, chunk); err != nil {
		slog.Debug("Forwarding PTY output failed, detaching client", "sessionID", s.ID, "seq", seq, "error", err)
		s.Detach(c)
	}
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
