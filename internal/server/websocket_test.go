package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/workspace/webterm/internal/config"
)

const testToken = "test-token"

// frame is any server frame; only the fields of its type are set.
type frame struct {
	Type        MessageType `json:"type"`
	SessionID   string      `json:"session_id"`
	Shell       string      `json:"shell"`
	Reused      bool        `json:"reused"`
	Seq         uint64      `json:"seq"`
	ReplacedOld bool        `json:"replaced_old"`
	Data        string      `json:"data"`
	Code        int         `json:"code"`
	Message     string      `json:"message"`
}

func testConfig() *config.Config {
	return &config.Config{
		ListenAddr:     "127.0.0.1:0",
		DefaultShell:   "/bin/sh",
		DefaultRows:    24,
		DefaultCols:    80,
		MaxBufferChars: 65536,
		IdleTTLSeconds: 1800,
		SweepInterval:  time.Minute,
		KillGrace:      500 * time.Millisecond,
		MaxSessions:    8,
		WSReadLimit:    65536,
		WSWriteTimeout: 5 * time.Second,
		AuthToken:      testToken,
		JWTAudience:    "webterm",
	}
}

func newTestServer(t *testing.T, mutate func(*config.Config)) (*Server, *httptest.Server) {
	t.Helper()
	cfg := testConfig()
	if mutate != nil {
		mutate(cfg)
	}
	s, err := New(cfg)
	require.NoError(t, err)

	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Stop(ctx)
		ts.Close()
	})
	return s, ts
}

func wsURL(ts *httptest.Server, params url.Values) string {
	u := strings.Replace(ts.URL, "http", "ws", 1) + "/terminal/ws"
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	return u
}

func dial(t *testing.T, ts *httptest.Server, params url.Values) *websocket.Conn {
	t.Helper()
	if params == nil {
		params = url.Values{}
	}
	if params.Get("auth_token") == "" {
		params.Set("auth_token", testToken)
	}
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts, params), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var f frame
	require.NoError(t, conn.ReadJSON(&f))
	return f
}

// readOutputUntil reads output frames until their joined data contains want
// and returns the frames read.
func readOutputUntil(t *testing.T, conn *websocket.Conn, want string) []frame {
	t.Helper()
	var frames []frame
	var joined strings.Builder
	for !strings.Contains(joined.String(), want) {
		f := readFrame(t, conn)
		if f.Type != MessageTypeOutput {
			continue
		}
		frames = append(frames, f)
		joined.WriteString(f.Data)
	}
	return frames
}

func sendInput(t *testing.T, conn *websocket.Conn, data string) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(ControlMessage{Type: MessageTypeInput, Data: data}))
}

func TestTerminalWS_FreshSession(t *testing.T) {
	s, ts := newTestServer(t, nil)

	conn := dial(t, ts, url.Values{"cols": {"100"}, "rows": {"30"}})
	hello := readFrame(t, conn)
	require.Equal(t, MessageTypeInit, hello.Type)
	assert.NotEmpty(t, hello.SessionID)
	assert.Equal(t, "/bin/sh", hello.Shell)
	assert.False(t, hello.Reused)
	assert.False(t, hello.ReplacedOld)

	// The marker only appears once the shell has evaluated the expansion.
	sendInput(t, conn, "echo web$((6*7))term\n")
	frames := readOutputUntil(t, conn, "web42term")

	var last uint64
	for _, f := range frames {
		assert.Greater(t, f.Seq, last, "seq must increase")
		last = f.Seq
	}

	sessions := s.Manager().List()
	require.Len(t, sessions, 1)
	assert.Equal(t, hello.SessionID, sessions[0].ID)
	assert.Equal(t, 100, sessions[0].Cols)
	assert.Equal(t, 30, sessions[0].Rows)
	assert.True(t, sessions[0].Attached)
}

func TestTerminalWS_ReconnectReplaysMissedOutput(t *testing.T) {
	s, ts := newTestServer(t, nil)

	conn1 := dial(t, ts, nil)
	hello1 := readFrame(t, conn1)
	sendInput(t, conn1, "echo first$((1+1))\n")
	seen := readOutputUntil(t, conn1, "first2")
	lastSeen := seen[len(seen)-1].Seq
	require.NoError(t, conn1.Close())

	require.Eventually(t, func() bool {
		list := s.Manager().List()
		return len(list) == 1 && !list[0].Attached
	}, 5*time.Second, 10*time.Millisecond)

	// Output produced while detached is buffered.
	sess := s.Manager().Get(hello1.SessionID)
	require.NotNil(t, sess)
	sess.WriteInput([]byte("echo second$((2+1))\n"))
	require.Eventually(t, func() bool {
		var joined strings.Builder
		for _, e := range sess.ReplaySince(lastSeen) {
			joined.WriteString(e.Data)
		}
		return strings.Contains(joined.String(), "second3")
	}, 5*time.Second, 10*time.Millisecond)

	conn2 := dial(t, ts, url.Values{
		"session_id": {hello1.SessionID},
		"last_seq":   {strconv.FormatUint(lastSeen, 10)},
	})
	hello2 := readFrame(t, conn2)
	require.Equal(t, MessageTypeInit, hello2.Type)
	assert.Equal(t, hello1.SessionID, hello2.SessionID)
	assert.True(t, hello2.Reused)
	assert.False(t, hello2.ReplacedOld)
	require.Greater(t, hello2.Seq, lastSeen)

	// Replay covers exactly (lastSeen, hello2.Seq], in order.
	var joined strings.Builder
	next := lastSeen + 1
	for next <= hello2.Seq {
		f := readFrame(t, conn2)
		require.Equal(t, MessageTypeOutput, f.Type)
		require.Equal(t, next, f.Seq)
		joined.WriteString(f.Data)
		next++
	}
	assert.Contains(t, joined.String(), "second3")
	assert.NotContains(t, joined.String(), "first2")
}

func TestTerminalWS_SecondClientReplacesFirst(t *testing.T) {
	s, ts := newTestServer(t, nil)

	conn1 := dial(t, ts, nil)
	hello1 := readFrame(t, conn1)

	conn2 := dial(t, ts, url.Values{"session_id": {hello1.SessionID}})
	hello2 := readFrame(t, conn2)
	assert.True(t, hello2.Reused)
	assert.True(t, hello2.ReplacedOld)

	// The first connection is closed by the server.
	require.NoError(t, conn1.SetReadDeadline(time.Now().Add(5*time.Second)))
	var err error
	for err == nil {
		_, _, err = conn1.ReadMessage()
	}
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)

	// The session stays attached to the newer client.
	sendInput(t, conn2, "echo still$((3*3))\n")
	readOutputUntil(t, conn2, "still9")
	list := s.Manager().List()
	require.Len(t, list, 1)
	assert.True(t, list[0].Attached)
}

func TestTerminalWS_UnknownSessionCreatesNew(t *testing.T) {
	s, ts := newTestServer(t, nil)

	conn := dial(t, ts, url.Values{"session_id": {"does-not-exist"}, "last_seq": {"99"}})
	hello := readFrame(t, conn)
	assert.False(t, hello.Reused)
	assert.NotEqual(t, "does-not-exist", hello.SessionID)
	assert.Equal(t, 1, s.Manager().SessionCount())
}

func TestTerminalWS_ShellExitSendsExitFrame(t *testing.T) {
	s, ts := newTestServer(t, nil)

	conn := dial(t, ts, nil)
	readFrame(t, conn)
	sendInput(t, conn, "exit 3\n")

	for {
		f := readFrame(t, conn)
		if f.Type == MessageTypeExit {
			assert.Equal(t, 3, f.Code)
			break
		}
	}

	require.Eventually(t, func() bool {
		return s.Manager().SessionCount() == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestTerminalWS_CloseFrameRemovesSession(t *testing.T) {
	s, ts := newTestServer(t, nil)

	conn := dial(t, ts, nil)
	readFrame(t, conn)
	require.Equal(t, 1, s.Manager().SessionCount())

	require.NoError(t, conn.WriteJSON(ControlMessage{Type: MessageTypeClose}))
	require.Eventually(t, func() bool {
		return s.Manager().SessionCount() == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestTerminalWS_PingPong(t *testing.T) {
	_, ts := newTestServer(t, nil)

	conn := dial(t, ts, nil)
	readFrame(t, conn)
	require.NoError(t, conn.WriteJSON(ControlMessage{Type: MessageTypePing}))

	for {
		f := readFrame(t, conn)
		if f.Type == MessageTypePong {
			break
		}
	}
}

func TestTerminalWS_ResizeIsClamped(t *testing.T) {
	s, ts := newTestServer(t, nil)

	conn := dial(t, ts, nil)
	readFrame(t, conn)

	require.NoError(t, conn.WriteJSON(ControlMessage{Type: MessageTypeResize, Cols: 0, Rows: 50}))
	require.NoError(t, conn.WriteJSON(ControlMessage{Type: MessageTypeResize, Cols: 1000, Rows: 1000}))
	require.Eventually(t, func() bool {
		list := s.Manager().List()
		return len(list) == 1 && list[0].Cols == maxCols && list[0].Rows == maxRows
	}, 5*time.Second, 10*time.Millisecond)
}

func TestTerminalWS_UnknownFramesIgnored(t *testing.T) {
	_, ts := newTestServer(t, nil)

	conn := dial(t, ts, nil)
	readFrame(t, conn)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"bogus"}`)))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`not json`)))

	sendInput(t, conn, "echo alive$((5+5))\n")
	readOutputUntil(t, conn, "alive10")
}

func TestTerminalWS_Unauthorized(t *testing.T) {
	s, ts := newTestServer(t, nil)

	conn := dial(t, ts, url.Values{"auth_token": {"wrong"}})
	f := readFrame(t, conn)
	assert.Equal(t, MessageTypeError, f.Type)
	assert.Equal(t, "unauthorized", f.Message)

	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
	assert.Equal(t, 0, s.Manager().SessionCount())
}

func TestTerminalWS_BearerHeader(t *testing.T) {
	_, ts := newTestServer(t, nil)

	header := http.Header{"Authorization": {"Bearer " + testToken}}
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts, nil), header)
	require.NoError(t, err)
	defer conn.Close()

	f := readFrame(t, conn)
	assert.Equal(t, MessageTypeInit, f.Type)
}

func TestTerminalWS_CapacityExceeded(t *testing.T) {
	s, ts := newTestServer(t, func(c *config.Config) { c.MaxSessions = 1 })

	conn1 := dial(t, ts, nil)
	readFrame(t, conn1)

	conn2 := dial(t, ts, nil)
	f := readFrame(t, conn2)
	assert.Equal(t, MessageTypeError, f.Type)
	assert.Equal(t, "too many terminal sessions", f.Message)
	assert.Equal(t, 1, s.Manager().SessionCount())
}

func TestTerminalWS_SpawnFailure(t *testing.T) {
	s, ts := newTestServer(t, func(c *config.Config) { c.DefaultShell = "/nonexistent/shell" })

	conn := dial(t, ts, nil)
	f := readFrame(t, conn)
	assert.Equal(t, MessageTypeError, f.Type)
	assert.Equal(t, "failed to start terminal", f.Message)
	assert.Equal(t, 0, s.Manager().SessionCount())
}

func TestTerminalWS_OriginRejected(t *testing.T) {
	_, ts := newTestServer(t, func(c *config.Config) {
		c.AllowedOrigins = []string{"https://app.example.com"}
	})

	params := url.Values{"auth_token": {testToken}}
	header := http.Header{"Origin": {"https://evil.example.org"}}
	_, resp, err := websocket.DefaultDialer.Dial(wsURL(ts, params), header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestMatchWildcardOrigin(t *testing.T) {
	tests := []struct {
		origin, pattern string
		want            bool
	}{
		{"https://foo.example.com", "https://*.example.com", true},
		{"https://a.b.example.com", "https://*.example.com", true},
		{"https://example.com", "https://*.example.com", false},
		{"https://.example.com", "https://*.example.com", false},
		{"http://foo.example.com", "https://*.example.com", false},
		{"https://foo.example.com.evil.org", "https://*.example.com", false},
		{"https://evil.org/x.example.com", "https://*.example.com", false},
		{"https://foo.example.com", "https://foo.example.com", false},
	}
	for _, tt := range tests {
		t.Run(tt.origin+" "+tt.pattern, func(t *testing.T) {
			assert.Equal(t, tt.want, matchWildcardOrigin(tt.origin, tt.pattern))
		})
	}
}

func TestIsOriginAllowed(t *testing.T) {
	tests := []struct {
		name    string
		allowed []string
		origin  string
		host    string
		want    bool
	}{
		{"same host with empty list", nil, "http://localhost:8080", "localhost:8080", true},
		{"other host with empty list", nil, "http://evil.org", "localhost:8080", false},
		{"star", []string{"*"}, "http://anything.org", "localhost:8080", true},
		{"exact", []string{"https://app.example.com"}, "https://app.example.com", "x", true},
		{"wildcard", []string{"https://*.example.com"}, "https://app.example.com", "x", true},
		{"list miss", []string{"https://app.example.com"}, "https://other.example.com", "x", false},
		{"list ignores same host", []string{"https://app.example.com"}, "http://x", "x", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &Server{config: &config.Config{AllowedOrigins: tt.allowed}}
			assert.Equal(t, tt.want, s.isOriginAllowed(tt.origin, tt.host))
		})
	}
}

func TestParseConnectParams(t *testing.T) {
	tests := []struct {
		name  string
		query string
		auth  string
		want  connectParams
	}{
		{"empty", "", "", connectParams{}},
		{
			"all fields",
			"session_id=abc&last_seq=12&cols=120&rows=40&auth_token=tok",
			"",
			connectParams{SessionID: "abc", LastSeq: 12, Cols: 120, Rows: 40, Token: "tok"},
		},
		{"size needs both", "cols=120", "", connectParams{}},
		{"non-positive size ignored", "cols=0&rows=40", "", connectParams{}},
		{"size clamped", "cols=9999&rows=9999", "", connectParams{Cols: maxCols, Rows: maxRows}},
		{"bad last_seq", "last_seq=-1", "", connectParams{}},
		{"bearer fallback", "", "Bearer hdr", connectParams{Token: "hdr"}},
		{"query token wins", "auth_token=q", "Bearer hdr", connectParams{Token: "q"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/terminal/ws?"+tt.query, nil)
			if tt.auth != "" {
				r.Header.Set("Authorization", tt.auth)
			}
			assert.Equal(t, tt.want, parseConnectParams(r))
		})
	}
}

func TestDecodeControlMessage(t *testing.T) {
	msg, err := decodeControlMessage([]byte(`{"type":"resize","cols":120,"rows":40}`))
	require.NoError(t, err)
	assert.Equal(t, ControlMessage{Type: MessageTypeResize, Cols: 120, Rows: 40}, msg)
	assert.True(t, msg.known())

	msg, err = decodeControlMessage([]byte(`{"type":"signal","name":"INT"}`))
	require.NoError(t, err)
	assert.Equal(t, "INT", msg.Name)

	msg, err = decodeControlMessage([]byte(`{"type":"whatever"}`))
	require.NoError(t, err)
	assert.False(t, msg.known())

	_, err = decodeControlMessage([]byte(`{"data":"x"}`))
	assert.ErrorIs(t, err, errMissingType)

	_, err = decodeControlMessage([]byte(`{`))
	assert.Error(t, err)
}
