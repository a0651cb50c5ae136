package relay

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"webhookrelay/internal/auth"
	"webhookrelay/internal/tunnel"
)

const testToken = "secret"

func newTestServer(t *testing.T, cfg Config) (*Server, *httptest.Server) {
	t.Helper()
	srv := New(cfg, WithAuth(auth.NewManager(testToken)))
	mux := http.NewServeMux()
	mux.HandleFunc("/relay/connect", srv.ServeTunnel)
	mux.Handle("/api/", srv.APIHandler())
	mux.Handle("/", srv)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return srv, ts
}

func dialTunnel(t *testing.T, ts *httptest.Server, relayID, token string) *websocket.Conn {
	t.Helper()
	q := url.Values{"relay_id": {relayID}, "token": {token}}
	u := "ws" + strings.TrimPrefix(ts.URL, "http") + "/relay/connect?" + q.Encode()
	ws, _, err := websocket.DefaultDialer.Dial(u, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return ws
}

// connectClient dials, reads relay_ready and waits until the server has attached the client.
func connectClient(t *testing.T, srv *Server, ts *httptest.Server, relayID string) *websocket.Conn {
	t.Helper()
	ws := dialTunnel(t, ts, relayID, testToken)
	env := readEnvelope(t, ws)
	ready, ok := env.(*tunnel.Ready)
	require.True(t, ok, "expected relay_ready, got %T", env)
	assert.Equal(t, relayID, ready.RelayID)
	require.Eventually(t, func() bool { return srv.Status().RelayID == relayID }, time.Second, 5*time.Millisecond)
	return ws
}

func readEnvelope(t *testing.T, ws *websocket.Conn) tunnel.Envelope {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := ws.ReadMessage()
	require.NoError(t, err)
	env, err := tunnel.Decode(data)
	require.NoError(t, err)
	return env
}

func readRequest(t *testing.T, ws *websocket.Conn) *tunnel.Request {
	t.Helper()
	env := readEnvelope(t, ws)
	req, ok := env.(*tunnel.Request)
	require.True(t, ok, "expected webhook_request, got %T", env)
	return req
}

func sendEnvelope(t *testing.T, ws *websocket.Conn, env tunnel.Envelope) {
	t.Helper()
	data, err := tunnel.Encode(env)
	require.NoError(t, err)
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, data))
}

func proxyAsync(srv *Server, r *http.Request) <-chan *Response {
	ch := make(chan *Response, 1)
	go func() { ch <- srv.Proxy(r) }()
	return ch
}

func waitResponse(t *testing.T, ch <-chan *Response, within time.Duration) *Response {
	t.Helper()
	select {
	case resp := <-ch:
		return resp
	case <-time.After(within):
		t.Fatalf("proxy did not return within %s", within)
		return nil
	}
}

func expectClose(t *testing.T, ws *websocket.Conn, code int) {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		_, _, err := ws.ReadMessage()
		if err == nil {
			continue
		}
		require.True(t, websocket.IsCloseError(err, code), "expected close %d, got %v", code, err)
		return
	}
}

func TestProxyRoundTrip(t *testing.T) {
	srv, ts := newTestServer(t, Config{Enabled: true, RequestTimeout: 5 * time.Second})
	ws := connectClient(t, srv, ts, "dev1")

	in := httptest.NewRequest("POST", "http://example.com/hooks/x?channel=1", strings.NewReader(`{"event":"sync"}`))
	in.Header.Set("X-Goog-Resource-State", "exists")
	in.Header.Set("Connection", "keep-alive")
	in.Header.Set("Content-Length", "16")
	done := proxyAsync(srv, in)

	req := readRequest(t, ws)
	assert.Equal(t, "POST", req.Method)
	assert.Equal(t, "/hooks/x", req.Path)
	assert.Equal(t, "channel=1", req.Query)
	assert.Equal(t, []string{"exists"}, req.Headers["X-Goog-Resource-State"])
	assert.NotContains(t, req.Headers, "Connection")
	assert.NotContains(t, req.Headers, "Content-Length")
	body, err := req.Body()
	require.NoError(t, err)
	assert.Equal(t, `{"event":"sync"}`, string(body))

	sendEnvelope(t, ws, &tunnel.Response{
		ID:         req.ID,
		StatusCode: 200,
		Headers:    tunnel.Headers{"Content-Type": {"application/json"}},
		BodyB64:    tunnel.EncodeBody([]byte(`{"ok":true}`)),
	})

	resp := waitResponse(t, done, 2*time.Second)
	require.NotNil(t, resp)
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, `{"ok":true}`, string(resp.Body))
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	assert.Equal(t, 0, srv.pending.len())

	entries := srv.Requests().All()
	require.Len(t, entries, 1)
	assert.Equal(t, req.ID, entries[0].ID)
	assert.Equal(t, "ok", entries[0].Outcome)
}

func TestProxyUnavailableWithoutClient(t *testing.T) {
	srv := New(Config{Enabled: true, RequestTimeout: time.Minute})
	assert.True(t, srv.IsEnabled())
	assert.False(t, srv.IsConnected())

	start := time.Now()
	assert.Nil(t, srv.Proxy(httptest.NewRequest("GET", "/hooks/x", nil)))
	assert.Less(t, time.Since(start), 100*time.Millisecond)

	disabled := New(Config{})
	assert.False(t, disabled.IsEnabled())
	assert.Nil(t, disabled.Proxy(httptest.NewRequest("GET", "/hooks/x", nil)))

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest("GET", "/hooks/x", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestDisabledRelayRefusesTunnel(t *testing.T) {
	srv, ts := newTestServer(t, Config{Enabled: false})
	ws := dialTunnel(t, ts, "dev1", testToken)
	expectClose(t, ws, websocket.ClosePolicyViolation)
	assert.False(t, srv.IsConnected())
}

func TestHandshakeRejectsBadTokenAndMissingRelayID(t *testing.T) {
	srv, ts := newTestServer(t, Config{Enabled: true})

	ws := dialTunnel(t, ts, "dev1", "wrong")
	expectClose(t, ws, websocket.ClosePolicyViolation)

	ws = dialTunnel(t, ts, "", testToken)
	expectClose(t, ws, websocket.ClosePolicyViolation)

	assert.False(t, srv.IsConnected())
}

func TestProxyTimeout(t *testing.T) {
	srv, ts := newTestServer(t, Config{Enabled: true, RequestTimeout: 200 * time.Millisecond})
	ws := connectClient(t, srv, ts, "dev1")

	start := time.Now()
	done := proxyAsync(srv, httptest.NewRequest("GET", "/hooks/slow", nil))
	req := readRequest(t, ws)

	resp := waitResponse(t, done, 2*time.Second)
	elapsed := time.Since(start)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusGatewayTimeout, resp.StatusCode)
	assert.GreaterOrEqual(t, elapsed, 200*time.Millisecond)
	assert.Less(t, elapsed, time.Second)
	assert.Equal(t, 0, srv.pending.len())

	// the late answer is dropped and the tunnel keeps working
	sendEnvelope(t, ws, &tunnel.Response{ID: req.ID, StatusCode: 200})
	require.Eventually(t, func() bool { return testutil.ToFloat64(srv.metrics.Dropped) == 1 }, time.Second, 5*time.Millisecond)
	assert.True(t, srv.IsConnected())
}

func TestDisconnectFailsPendingRequests(t *testing.T) {
	srv, ts := newTestServer(t, Config{Enabled: true, RequestTimeout: 10 * time.Second})
	ws := connectClient(t, srv, ts, "dev1")

	first := proxyAsync(srv, httptest.NewRequest("GET", "/hooks/a", nil))
	second := proxyAsync(srv, httptest.NewRequest("GET", "/hooks/b", nil))
	readRequest(t, ws)
	readRequest(t, ws)

	start := time.Now()
	require.NoError(t, ws.Close())

	for _, ch := range []<-chan *Response{first, second} {
		resp := waitResponse(t, ch, 2*time.Second)
		require.NotNil(t, resp)
		assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
		assert.Contains(t, string(resp.Body), ErrRelayDisconnected.Error())
	}
	assert.Less(t, time.Since(start), 2*time.Second)
	require.Eventually(t, func() bool { return !srv.IsConnected() }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, srv.pending.len())
}

func TestSecondClientSupersedesFirst(t *testing.T) {
	srv, ts := newTestServer(t, Config{Enabled: true, RequestTimeout: 5 * time.Second})
	first := connectClient(t, srv, ts, "first")
	second := connectClient(t, srv, ts, "second")

	expectClose(t, first, tunnel.CloseSuperseded)

	// the old connection's teardown must not clear the new one
	time.Sleep(50 * time.Millisecond)
	st := srv.Status()
	assert.True(t, st.Connected)
	assert.Equal(t, "second", st.RelayID)

	done := proxyAsync(srv, httptest.NewRequest("GET", "/hooks/x", nil))
	req := readRequest(t, second)
	sendEnvelope(t, second, &tunnel.Response{ID: req.ID, StatusCode: 202})
	resp := waitResponse(t, done, 2*time.Second)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
}

func TestSendFailureDropsConnection(t *testing.T) {
	srv, ts := newTestServer(t, Config{Enabled: true, RequestTimeout: 5 * time.Second, WriteTimeout: 100 * time.Millisecond})
	ws := connectClient(t, srv, ts, "dev1")

	// The client never reads, so a large frame cannot be written in time.
	big := strings.Repeat("x", 32<<20)
	resp := srv.Proxy(httptest.NewRequest("POST", "/hooks/big", strings.NewReader(big)))
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Contains(t, string(resp.Body), "relay send failed")

	require.Eventually(t, func() bool { return !srv.IsConnected() }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, srv.pending.len())
	assert.Equal(t, float64(0), testutil.ToFloat64(srv.metrics.Connected))

	// later webhooks see an unavailable relay instead of a broken socket
	assert.Nil(t, srv.Proxy(httptest.NewRequest("GET", "/hooks/x", nil)))

	// the client observes the connection going away
	_ = ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			break
		}
	}
}

func TestUnknownAndDuplicateResponsesAreIgnored(t *testing.T) {
	srv, ts := newTestServer(t, Config{Enabled: true, RequestTimeout: 5 * time.Second})
	ws := connectClient(t, srv, ts, "dev1")

	sendEnvelope(t, ws, &tunnel.Response{ID: "no-such-id", StatusCode: 200})
	sendEnvelope(t, ws, &tunnel.Ready{RelayID: "echo"})
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"mystery"}`)))
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`not json`)))
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"webhook_response","status_code":200}`)))

	done := proxyAsync(srv, httptest.NewRequest("GET", "/hooks/x", nil))
	req := readRequest(t, ws)
	sendEnvelope(t, ws, &tunnel.Response{ID: req.ID, StatusCode: 200, BodyB64: tunnel.EncodeBody([]byte("one"))})
	sendEnvelope(t, ws, &tunnel.Response{ID: req.ID, StatusCode: 500, BodyB64: tunnel.EncodeBody([]byte("two"))})

	resp := waitResponse(t, done, 2*time.Second)
	require.NotNil(t, resp)
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, "one", string(resp.Body))

	require.Eventually(t, func() bool { return testutil.ToFloat64(srv.metrics.Dropped) == 2 }, time.Second, 5*time.Millisecond)
	assert.True(t, srv.IsConnected())
}

func TestMalformedResponseFailsOnlyItsRequest(t *testing.T) {
	srv, ts := newTestServer(t, Config{Enabled: true, RequestTimeout: 5 * time.Second})
	ws := connectClient(t, srv, ts, "dev1")

	bad := proxyAsync(srv, httptest.NewRequest("GET", "/hooks/bad", nil))
	badReq := readRequest(t, ws)
	good := proxyAsync(srv, httptest.NewRequest("GET", "/hooks/good", nil))
	goodReq := readRequest(t, ws)

	sendEnvelope(t, ws, &tunnel.Response{ID: badReq.ID, StatusCode: 200, BodyB64: "%%%not-base64"})
	resp := waitResponse(t, bad, 2*time.Second)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)

	raw, err := json.Marshal(map[string]any{"type": "webhook_response", "id": goodReq.ID, "status_code": "201"})
	require.NoError(t, err)
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, raw))
	resp = waitResponse(t, good, 2*time.Second)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
}

func TestStatusAPIRequiresAdminToken(t *testing.T) {
	srv, ts := newTestServer(t, Config{Enabled: true})
	connectClient(t, srv, ts, "dev1")

	resp, err := http.Get(ts.URL + "/api/status")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/api/status?token=" + testToken)
	require.NoError(t, err)
	defer resp.Body.Close()
	var st Status
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
	assert.True(t, st.Enabled)
	assert.True(t, st.Connected)
	assert.Equal(t, "dev1", st.RelayID)
}

func TestServeHTTPWritesRelayedResponse(t *testing.T) {
	srv, ts := newTestServer(t, Config{Enabled: true, RequestTimeout: 5 * time.Second})
	ws := connectClient(t, srv, ts, "dev1")

	go func() {
		_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		env, err := tunnel.Decode(data)
		if err != nil {
			return
		}
		req := env.(*tunnel.Request)
		out, _ := tunnel.Encode(&tunnel.Response{
			ID:         req.ID,
			StatusCode: 200,
			Headers:    tunnel.Headers{"X-Echo": {req.Path}},
			BodyB64:    tunnel.EncodeBody([]byte("pong")),
		})
		_ = ws.WriteMessage(websocket.TextMessage, out)
	}()

	resp, err := http.Get(ts.URL + "/hooks/ping")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "/hooks/ping", resp.Header.Get("X-Echo"))
}
