package server

import (
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/workspace/webterm/internal/pty"
)

// createUpgrader creates a WebSocket upgrader with proper origin validation.
// WebSocket upgrades bypass CORS, so we must validate origins explicitly.
func (s *Server) createUpgrader() websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				// No origin header - likely same-origin or non-browser client
				return true
			}
			return s.isOriginAllowed(origin, r.Host)
		},
	}
}

// isOriginAllowed checks the origin against the allow-list. With no list
// configured only same-host origins pass. Supports wildcard patterns like
// "https://*.example.com".
func (s *Server) isOriginAllowed(origin, host string) bool {
	if len(s.config.AllowedOrigins) == 0 {
		u, err := url.Parse(origin)
		if err == nil && strings.EqualFold(u.Host, host) {
			return true
		}
	}
	for _, allowed := range s.config.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
		if strings.Contains(allowed, "*") && matchWildcardOrigin(origin, allowed) {
			return true
		}
	}
	slog.Warn("WebSocket origin rejected", "origin", origin, "allowed", s.config.AllowedOrigins)
	return false
}

// matchWildcardOrigin checks if origin matches a wildcard pattern.
// Pattern format: "https://*.example.com" matches "https://foo.example.com"
func matchWildcardOrigin(origin, pattern string) bool {
	parts := strings.SplitN(pattern, "*", 2)
	if len(parts) != 2 {
		return false
	}
	prefix, suffix := parts[0], parts[1]
	if !strings.HasPrefix(origin, prefix) || !strings.HasSuffix(origin, suffix) {
		return false
	}
	if len(origin) < len(prefix)+len(suffix) {
		return false
	}
	// The subdomain part must be non-empty and must not contain "/"
	middle := origin[len(prefix) : len(origin)-len(suffix)]
	return middle != "" && !strings.Contains(middle, "/")
}

// connectParams are the query parameters of a terminal connection.
type connectParams struct {
	SessionID string
	LastSeq   uint64
	Cols      int
	Rows      int
	Token     string
}

// parseConnectParams reads connection parameters. Malformed numbers fall
// back to zero; a size is used only if both dimensions are positive.
func parseConnectParams(r *http.Request) connectParams {
	q := r.URL.Query()
	p := connectParams{
		SessionID: strings.TrimSpace(q.Get("session_id")),
		Token:     q.Get("auth_token"),
	}
	if p.Token == "" {
		p.Token = bearerToken(r)
	}
	if v, err := strconv.ParseUint(q.Get("last_seq"), 10, 64); err == nil {
		p.LastSeq = v
	}
	cols, errC := strconv.Atoi(q.Get("cols"))
	rows, errR := strconv.Atoi(q.Get("rows"))
	if errC == nil && errR == nil && cols > 0 && rows > 0 {
		p.Cols, p.Rows = clampSize(cols, rows)
	}
	return p
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

// wsClient is the pty.Client for one WebSocket connection. Every data frame
// goes through writeMu; gorilla allows Close and WriteControl concurrently
// with it.
type wsClient struct {
	conn         *websocket.Conn
	writeTimeout time.Duration

	writeMu   sync.Mutex
	closeOnce sync.Once
}

var _ pty.Client = (*wsClient)(nil)

func newWSClient(conn *websocket.Conn, writeTimeout time.Duration) *wsClient {
	return &wsClient{conn: conn, writeTimeout: writeTimeout}
}

func (c *wsClient) writeJSON(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.writeJSONLocked(v)
}

// writeJSONLocked writes with writeMu already held.
func (c *wsClient) writeJSONLocked(v any) error {
	if c.writeTimeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	return c.conn.WriteJSON(v)
}

func (c *wsClient) SendOutput(seq uint64, data string) error {
	return c.writeJSON(OutputMessage{Type: MessageTypeOutput, Data: data, Seq: seq})
}

func (c *wsClient) SendExit(code int) error {
	return c.writeJSON(ExitMessage{Type: MessageTypeExit, Code: code})
}

func (c *wsClient) sendError(message string) error {
	return c.writeJSON(ErrorMessage{Type: MessageTypeError, Message: message})
}

// Close sends a normal close frame and closes the connection. The session
// calls it when the client is replaced or the session ends.
func (c *wsClient) Close() error {
	var err error
	c.closeOnce.Do(func() {
		deadline := time.Now().Add(time.Second)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, deadline)
		err = c.conn.Close()
	})
	return err
}

// handleTerminalWS handles WebSocket connections for terminal access.
func (s *Server) handleTerminalWS(w http.ResponseWriter, r *http.Request) {
	params := parseConnectParams(r)

	upgrader := s.createUpgrader()
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("WebSocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()
	if s.config.WSReadLimit > 0 {
		conn.SetReadLimit(s.config.WSReadLimit)
	}

	ws := newWSClient(conn, s.config.WSWriteTimeout)

	subject, err := s.authorizer.Authorize(params.Token)
	if err != nil {
		s.metrics.AuthFailures.Inc()
		slog.Warn("Terminal WebSocket auth failed", "remoteAddr", r.RemoteAddr, "error", err)
		_ = ws.sendError("unauthorized")
		_ = ws.Close()
		return
	}

	if n := s.ptyManager.Sweep(time.Now()); n > 0 {
		slog.Info("Swept terminal sessions on connect", "count", n)
	}

	// Hold the write lock until init and replay are on the wire so live
	// output forwarded by the reader loop queues behind them.
	ws.writeMu.Lock()
	res, err := s.ptyManager.Connect(params.SessionID, params.LastSeq, params.Cols, params.Rows, ws)
	if err != nil {
		msg, cause := connectFailure(err)
		s.metrics.ConnectFailures.WithLabelValues(cause).Inc()
		slog.Warn("Terminal connect failed", "sessionID", params.SessionID, "error", err)
		_ = ws.writeJSONLocked(ErrorMessage{Type: MessageTypeError, Message: msg})
		ws.writeMu.Unlock()
		_ = ws.Close()
		return
	}
	session := res.Session
	s.metrics.ClientAttached(res.Replaced, len(res.Replay))
	defer s.metrics.ClientDetached()

	initErr := ws.writeJSONLocked(InitMessage{
		Type:        MessageTypeInit,
		SessionID:   session.ID,
		Shell:       session.Shell,
		Reused:      res.Reused,
		Seq:         res.Seq,
		ReplacedOld: res.Replaced,
	})
	for _, e := range res.Replay {
		if initErr != nil {
			break
		}
		initErr = ws.writeJSONLocked(OutputMessage{Type: MessageTypeOutput, Data: e.Data, Seq: e.Seq})
	}
	ws.writeMu.Unlock()

	slog.Info("Terminal client attached",
		"sessionID", session.ID,
		"subject", subject,
		"reused", res.Reused,
		"replacedOld", res.Replaced,
		"lastSeq", params.LastSeq,
		"replayed", len(res.Replay),
	)

	if initErr == nil {
		s.controlLoop(conn, ws, session)
	} else {
		slog.Debug("Terminal handshake write failed", "sessionID", session.ID, "error", initErr)
	}

	if session.Detach(ws) {
		slog.Info("Terminal client detached", "sessionID", session.ID)
	}
}

// connectFailure maps a Connect error to the client-facing message and a
// metrics label.
func connectFailure(err error) (string, string) {
	switch {
	case errors.Is(err, pty.ErrTooManySessions):
		return "too many terminal sessions", "capacity"
	case errors.Is(err, pty.ErrSpawn):
		return "failed to start terminal", "spawn"
	default:
		return "failed to attach terminal", "other"
	}
}

// controlLoop applies inbound frames to the session until the connection
// fails or the client asks to close the session.
func (s *Server) controlLoop(conn *websocket.Conn, ws *wsClient, session *pty.Session) {
	limiter := rate.NewLimiter(rate.Limit(s.config.WSMessageRate), s.config.WSMessageBurst)
	if s.config.WSMessageRate <= 0 {
		limiter = rate.NewLimiter(rate.Inf, 0)
	}

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Debug("Terminal WebSocket read error", "sessionID", session.ID, "error", err)
			}
			return
		}
		if !limiter.Allow() {
			s.metrics.FramesDropped.Inc()
			continue
		}

		msg, err := decodeControlMessage(raw)
		if err != nil {
			slog.Debug("Invalid terminal frame", "sessionID", session.ID, "error", err)
			continue
		}
		if !msg.known() {
			slog.Debug("Ignoring unknown terminal frame", "sessionID", session.ID, "type", string(msg.Type))
			continue
		}
		s.metrics.FramesReceived.WithLabelValues(string(msg.Type)).Inc()

		switch msg.Type {
		case MessageTypeInput:
			session.WriteInput([]byte(msg.Data))
		case MessageTypeResize:
			if msg.Cols > 0 && msg.Rows > 0 {
				cols, rows := clampSize(msg.Cols, msg.Rows)
				session.Resize(rows, cols)
			}
		case MessageTypeSignal:
			session.SendSignal(msg.Name)
		case MessageTypePing:
			if err := ws.writeJSON(PongMessage{Type: MessageTypePong}); err != nil {
				return
			}
		case MessageTypeClose:
			if err := s.ptyManager.CloseSession(session.ID); err != nil && !errors.Is(err, pty.ErrSessionNotFound) {
				slog.Warn("Failed to close terminal session", "sessionID", session.ID, "error", err)
			}
			return
		}
	}
}
