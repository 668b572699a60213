package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Authorizer decides whether a parsed route may be forwarded. A nil Authorizer
// allows every syntactically valid route.
type Authorizer func(ctx context.Context, route Route) error

// Recorder observes proxy outcomes: "forwarded", "bad_route", "not_allowed", "upstream_error".
type Recorder interface {
	ObserveProxy(outcome string)
}

type Option func(*Gateway)

func WithAuthorizer(a Authorizer) Option {
	return func(g *Gateway) {
		g.authorize = a
	}
}

func WithTransport(t http.RoundTripper) Option {
	return func(g *Gateway) {
		g.transport = t
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(g *Gateway) {
		g.logger = logger
	}
}

func WithRecorder(r Recorder) Option {
	return func(g *Gateway) {
		g.recorder = r
	}
}

// Gateway forwards HTTP and WebSocket traffic to the backend named in the path.
type Gateway struct {
	authorize Authorizer
	transport http.RoundTripper
	logger    zerolog.Logger
	recorder  Recorder
	proxy     *httputil.ReverseProxy
}

type routeKey struct{}

func New(opts ...Option) *Gateway {
	g := &Gateway{
		logger: zerolog.Nop(),
		transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   10 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			MaxIdleConnsPerHost:   8,
			IdleConnTimeout:       90 * time.Second,
			ResponseHeaderTimeout: 60 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(g)
	}
	g.proxy = &httputil.ReverseProxy{
		Rewrite:       g.rewrite,
		Transport:     g.transport,
		FlushInterval: -1,
		ErrorHandler:  g.upstreamError,
	}
	return g
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	route, err := ParseRoute(r.URL.EscapedPath())
	if err != nil {
		g.observe("bad_route")
		g.fail(w, r, http.StatusBadRequest, err)
		return
	}
	if g.authorize != nil {
		if err := g.authorize(r.Context(), route); err != nil {
			g.observe("not_allowed")
			g.fail(w, r, statusFor(err), err)
			return
		}
	}
	g.observe("forwarded")
	ctx := context.WithValue(r.Context(), routeKey{}, route)
	g.proxy.ServeHTTP(w, r.WithContext(ctx))
}

func (g *Gateway) rewrite(pr *httputil.ProxyRequest) {
	route := pr.In.Context().Value(routeKey{}).(Route)
	target := route.Target()
	pr.SetURL(target)
	pr.Out.URL.RawPath = route.Rest
	if path, err := url.PathUnescape(route.Rest); err == nil {
		pr.Out.URL.Path = path
	} else {
		pr.Out.URL.Path = route.Rest
		pr.Out.URL.RawPath = ""
	}
	if pr.Out.URL.RawPath == pr.Out.URL.Path {
		pr.Out.URL.RawPath = ""
	}
	pr.Out.URL.RawQuery = pr.In.URL.RawQuery
	if pr.In.Header.Get("Origin") != "" {
		pr.Out.Header.Set("Origin", target.String())
	}
	pr.SetXForwarded()
}

func (g *Gateway) upstreamError(w http.ResponseWriter, r *http.Request, err error) {
	route, _ := r.Context().Value(routeKey{}).(Route)
	g.observe("upstream_error")
	g.logger.Warn().
		Err(err).
		Str("route", route.HostPort()).
		Bool("upgrade", isUpgrade(r)).
		Msg("proxy upstream failed")
	if isUpgrade(r) {
		// websocket clients get a reset rather than an HTTP error body
		if hj, ok := w.(http.Hijacker); ok {
			if conn, _, hjErr := hj.Hijack(); hjErr == nil {
				if tcp, ok := conn.(*net.TCPConn); ok {
					_ = tcp.SetLinger(0)
				}
				_ = conn.Close()
				return
			}
		}
	}
	g.writeError(w, http.StatusBadGateway, ErrUpstream.Error()+": "+route.HostPort())
}

func (g *Gateway) fail(w http.ResponseWriter, r *http.Request, code int, err error) {
	g.logger.Debug().Err(err).Str("path", r.URL.Path).Msg("proxy request rejected")
	g.writeError(w, code, err.Error())
}

func (g *Gateway) writeError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"success": false,
		"message": message,
	})
}

func (g *Gateway) observe(outcome string) {
	if g.recorder != nil {
		g.recorder.ObserveProxy(outcome)
	}
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrBadRoute):
		return http.StatusBadRequest
	case errors.Is(err, ErrRouteNotAllowed):
		return http.StatusForbidden
	}
	return http.StatusBadGateway
}

func isUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket") ||
		strings.Contains(strings.ToLower(r.Header.Get("Connection")), "upgrade")
}
