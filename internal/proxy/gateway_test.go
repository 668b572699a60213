package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRoute(t *testing.T) {
	tests := map[string]struct {
		path    string
		want    Route
		wantErr bool
	}{
		"ip with path": {
			path: "/proxy/10.0.0.5:9100/foo/bar",
			want: Route{Host: "10.0.0.5", Port: 9100, Rest: "/foo/bar"},
		},
		"no trailing path": {
			path: "/proxy/10.0.0.5:9100",
			want: Route{Host: "10.0.0.5", Port: 9100, Rest: "/"},
		},
		"trailing slash": {
			path: "/proxy/node-1.internal:8080/",
			want: Route{Host: "node-1.internal", Port: 8080, Rest: "/"},
		},
		"escaped rest kept escaped": {
			path: "/proxy/10.0.0.5:9100/a%2Fb/c",
			want: Route{Host: "10.0.0.5", Port: 9100, Rest: "/a%2Fb/c"},
		},
		"ipv6": {
			path: "/proxy/[fd00::5]:9100/ws",
			want: Route{Host: "fd00::5", Port: 9100, Rest: "/ws"},
		},
		"empty key":        {path: "/proxy/", wantErr: true},
		"bare prefix":      {path: "/proxy", wantErr: true},
		"wrong prefix":     {path: "/api/10.0.0.5:9100/", wantErr: true},
		"missing port":     {path: "/proxy/10.0.0.5/", wantErr: true},
		"port zero":        {path: "/proxy/10.0.0.5:0/", wantErr: true},
		"port too large":   {path: "/proxy/10.0.0.5:70000/", wantErr: true},
		"port not numeric": {path: "/proxy/10.0.0.5:http/", wantErr: true},
		"bad hostname":     {path: "/proxy/bad_host!:9100/", wantErr: true},
	}
	for name, tc := range tests {
		tc := tc
		t.Run(name, func(t *testing.T) {
			got, err := ParseRoute(tc.path)
			if tc.wantErr {
				assert.ErrorIs(t, err, ErrBadRoute)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestRouteTarget(t *testing.T) {
	r := Route{Host: "10.0.0.5", Port: 9100, Rest: "/foo"}
	assert.Equal(t, "http://10.0.0.5:9100", r.Target().String())

	r = Route{Host: "fd00::5", Port: 80}
	assert.Equal(t, "[fd00::5]:80", r.HostPort())
}

type outcomes struct {
	mu   sync.Mutex
	seen []string
}

func (o *outcomes) ObserveProxy(outcome string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.seen = append(o.seen, outcome)
}

func (o *outcomes) list() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.seen...)
}

func upstreamAddr(t *testing.T, srv *httptest.Server) (string, int) {
	t.Helper()
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	host, rawPort, err := net.SplitHostPort(u.Host)
	require.NoError(t, err)
	port, err := strconv.Atoi(rawPort)
	require.NoError(t, err)
	return host, port
}

func decodeError(t *testing.T, body io.Reader) string {
	t.Helper()
	var payload struct {
		Success bool   `json:"success"`
		Message string `json:"message"`
	}
	require.NoError(t, json.NewDecoder(body).Decode(&payload))
	assert.False(t, payload.Success)
	return payload.Message
}

func TestGatewayForwardsHTTP(t *testing.T) {
	var got *http.Request
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Clone(context.Background())
		w.Header().Set("X-Upstream", "yes")
		_, _ = fmt.Fprintf(w, "hello from %s", r.URL.Path)
	}))
	defer upstream.Close()
	host, port := upstreamAddr(t, upstream)

	rec := &outcomes{}
	gw := httptest.NewServer(New(WithRecorder(rec)))
	defer gw.Close()

	req, err := http.NewRequest(http.MethodGet, fmt.Sprintf("%s/proxy/%s:%d/foo/bar?x=1", gw.URL, host, port), nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://gateway.example")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "hello from /foo/bar", string(body))
	assert.Equal(t, "yes", resp.Header.Get("X-Upstream"))

	require.NotNil(t, got)
	assert.Equal(t, "/foo/bar", got.URL.Path)
	assert.Equal(t, "x=1", got.URL.RawQuery)
	assert.Equal(t, fmt.Sprintf("%s:%d", host, port), got.Host)
	assert.Equal(t, fmt.Sprintf("http://%s:%d", host, port), got.Header.Get("Origin"))
	assert.NotEmpty(t, got.Header.Get("X-Forwarded-For"))
	assert.Equal(t, []string{"forwarded"}, rec.list())
}

func TestGatewayBadRouteNeverCallsUpstream(t *testing.T) {
	var called bool
	transport := roundTripFunc(func(*http.Request) (*http.Response, error) {
		called = true
		return nil, fmt.Errorf("unexpected upstream call")
	})
	rec := &outcomes{}
	gw := New(WithTransport(transport), WithRecorder(rec))

	w := httptest.NewRecorder()
	gw.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/proxy/", nil))

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, decodeError(t, w.Body), ErrBadRoute.Error())
	assert.False(t, called)
	assert.Equal(t, []string{"bad_route"}, rec.list())
}

func TestGatewayAuthorizerRejects(t *testing.T) {
	var called bool
	transport := roundTripFunc(func(*http.Request) (*http.Response, error) {
		called = true
		return nil, fmt.Errorf("unexpected upstream call")
	})
	var seen Route
	gw := New(WithTransport(transport), WithAuthorizer(func(_ context.Context, r Route) error {
		seen = r
		return fmt.Errorf("%w: %s", ErrRouteNotAllowed, r.HostPort())
	}))

	w := httptest.NewRecorder()
	gw.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/proxy/10.0.0.9:8000/index.html", nil))

	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Contains(t, decodeError(t, w.Body), "10.0.0.9:8000")
	assert.Equal(t, Route{Host: "10.0.0.9", Port: 8000, Rest: "/index.html"}, seen)
	assert.False(t, called)
}

func TestGatewayUpstreamFailure(t *testing.T) {
	// grab a free port and close it so nothing is listening
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())

	rec := &outcomes{}
	gw := httptest.NewServer(New(WithRecorder(rec)))
	defer gw.Close()

	resp, err := http.Get(fmt.Sprintf("%s/proxy/127.0.0.1:%d/", gw.URL, port))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Contains(t, decodeError(t, resp.Body), ErrUpstream.Error())
	assert.Equal(t, []string{"forwarded", "upstream_error"}, rec.list())
}

func TestGatewayWebSocketUpgradeFailureClosesConnection(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())

	gw := httptest.NewServer(New())
	defer gw.Close()

	wsURL := "ws" + strings.TrimPrefix(gw.URL, "http") + fmt.Sprintf("/proxy/127.0.0.1:%d/ws", port)
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if conn != nil {
		conn.Close()
	}
	require.Error(t, err)
	if resp != nil {
		assert.NotEqual(t, http.StatusSwitchingProtocols, resp.StatusCode)
	}
}

func TestGatewayWebSocketEcho(t *testing.T) {
	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool {
		return r.Header.Get("Origin") == "http://"+r.Host
	}}
	var upstreamPath string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upstreamPath = r.URL.Path
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			kind, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(kind, append([]byte("echo:"), msg...)); err != nil {
				return
			}
		}
	}))
	defer upstream.Close()
	host, port := upstreamAddr(t, upstream)

	gw := httptest.NewServer(New())
	defer gw.Close()

	wsURL := "ws" + strings.TrimPrefix(gw.URL, "http") + fmt.Sprintf("/proxy/%s:%d/ws", host, port)
	header := http.Header{}
	header.Set("Origin", gw.URL)
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)

	for _, msg := range []string{"first", "second"} {
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(msg)))
		kind, reply, err := conn.ReadMessage()
		require.NoError(t, err)
		assert.Equal(t, websocket.TextMessage, kind)
		assert.Equal(t, "echo:"+msg, string(reply))
	}
	assert.Equal(t, "/ws", upstreamPath)
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) {
	return f(r)
}
