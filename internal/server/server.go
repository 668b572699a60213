// Package server exposes the session API and mounts the proxy gateway.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/utkarshayachit/simplified-batch/internal/admission"
	"github.com/utkarshayachit/simplified-batch/internal/batch"
	"github.com/utkarshayachit/simplified-batch/internal/catalog"
	"github.com/utkarshayachit/simplified-batch/internal/ports"
	"github.com/utkarshayachit/simplified-batch/internal/proxy"
	"github.com/utkarshayachit/simplified-batch/internal/session"
)

const maxBodyBytes = 1 << 20

// DatasetLister is the dataset listing collaborator.
type DatasetLister interface {
	List(ctx context.Context) ([]catalog.Dataset, error)
}

// Recorder receives request and proxy measurements.
type Recorder interface {
	proxy.Recorder
	ObserveRequest(method, route string, status int, elapsed time.Duration)
	ObservePortExhausted()
	Handler() http.Handler
}

type Option func(*Server)

func WithCatalog(c DatasetLister) Option {
	return func(s *Server) {
		s.catalog = c
	}
}

func WithAdmission(c admission.Checker) Option {
	return func(s *Server) {
		s.admission = c
	}
}

func WithRecorder(r Recorder) Option {
	return func(s *Server) {
		s.recorder = r
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

func WithAPIKeys(keys []string) Option {
	return func(s *Server) {
		s.apiKeys = keys
	}
}

func WithStaticDir(dir string) Option {
	return func(s *Server) {
		s.staticDir = dir
	}
}

// WithProxyStrict limits proxying to endpoints of live sessions.
func WithProxyStrict(strict bool) Option {
	return func(s *Server) {
		s.strict = strict
	}
}

func WithProxyTransport(t http.RoundTripper) Option {
	return func(s *Server) {
		s.transport = t
	}
}

// Server owns the HTTP surface of the gateway.
type Server struct {
	orch      *session.Orchestrator
	svc       batch.Service
	catalog   DatasetLister
	admission admission.Checker
	recorder  Recorder
	logger    zerolog.Logger
	apiKeys   []string
	staticDir string
	strict    bool
	transport http.RoundTripper

	inflight singleflight.Group
	mu       sync.Mutex
	tokens   map[string]string
	ready    atomic.Bool
}

func New(orch *session.Orchestrator, svc batch.Service, opts ...Option) *Server {
	s := &Server{
		orch:   orch,
		svc:    svc,
		logger: zerolog.Nop(),
		strict: true,
		tokens: make(map[string]string),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.ready.Store(true)
	return s
}

// SetReady flips the health endpoint; it is cleared while draining.
func (s *Server) SetReady(ready bool) {
	s.ready.Store(ready)
}

func (s *Server) Ready() bool {
	return s.ready.Load()
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(accessLog(s.logger, s.recorder))
	r.Use(middleware.Recoverer)

	gatewayOpts := []proxy.Option{
		proxy.WithLogger(s.logger.With().Str("component", "proxy").Logger()),
		proxy.WithAuthorizer(s.authorizeRoute),
	}
	if s.recorder != nil {
		gatewayOpts = append(gatewayOpts, proxy.WithRecorder(s.recorder))
	}
	if s.transport != nil {
		gatewayOpts = append(gatewayOpts, proxy.WithTransport(s.transport))
	}
	gateway := proxy.New(gatewayOpts...)
	r.Handle(proxy.Prefix, gateway)
	r.Handle(proxy.Prefix+"/*", gateway)

	r.Get("/healthz", s.handleHealth)
	if s.recorder != nil {
		r.Handle("/metrics", s.recorder.Handler())
	}

	r.Group(func(r chi.Router) {
		r.Use(corsMiddleware)
		r.Use(apiKeyMiddleware(s.apiKeys))
		r.Get("/datasets", s.handleDatasets)
		r.Post("/job", s.handleSubmit)
		r.Post("/compute_node", s.handleComputeNode)
		r.Post("/terminate_job", s.handleTerminate)
		r.Get("/test", s.handleTest)
		r.Get("/sessions", s.handleSessions)
		// preflights are answered by corsMiddleware before the key check
		for _, path := range []string{"/datasets", "/job", "/compute_node", "/terminate_job", "/test", "/sessions"} {
			r.Options(path, func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(http.StatusNoContent)
			})
		}
	})

	if s.staticDir != "" {
		s.mountStatic(r)
	}
	return r
}

func (s *Server) mountStatic(r chi.Router) {
	assets := filepath.Join(s.staticDir, "static")
	if info, err := os.Stat(assets); err == nil && info.IsDir() {
		r.Handle("/static/*", http.StripPrefix("/static/", http.FileServer(http.Dir(assets))))
	}
	html := filepath.Join(s.staticDir, "html")
	if info, err := os.Stat(html); err != nil || !info.IsDir() {
		html = s.staticDir
	}
	r.Handle("/*", http.FileServer(http.Dir(html)))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	if !s.Ready() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "draining"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleDatasets(w http.ResponseWriter, r *http.Request) {
	if s.catalog == nil {
		writeError(w, ErrNoCatalog)
		return
	}
	datasets, err := s.catalog.List(r.Context())
	if err != nil {
		s.logger.Error().Err(err).Msg("dataset listing failed")
		writeError(w, err)
		return
	}
	data := make([]map[string]string, 0, len(datasets))
	for _, d := range datasets {
		data = append(data, map[string]string{"name": d.Name, "container": d.Container})
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": data})
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var body submitRequest
	if err := decodeBody(w, r, &body); err != nil {
		writeError(w, err)
		return
	}
	req, err := body.sessionRequest()
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.admit(r.Context(), req); err != nil {
		writeError(w, err)
		return
	}
	h, err := s.submit(r.Context(), req)
	if err != nil {
		if errors.Is(err, ports.ErrPoolExhausted) && s.recorder != nil {
			s.recorder.ObservePortExhausted()
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "job": h.Summary()})
}

func (s *Server) admit(ctx context.Context, req session.Request) error {
	if s.admission == nil {
		return nil
	}
	err := s.admission.Check(ctx, admission.Request{
		Dataset:   req.Dataset,
		Container: req.Container,
		Options:   req.Options,
	})
	if err == nil {
		return nil
	}
	if admission.Blocking(s.admission, err) {
		s.logger.Warn().Err(err).Str("dataset", req.Dataset).Msg("submit rejected by admission")
		return err
	}
	s.logger.Warn().Err(err).Str("dataset", req.Dataset).Msg("admission violation (monitor mode)")
	return nil
}

// submit runs at most one Submit per token. Concurrent duplicates share the
// result; later duplicates are rejected while the first session is live.
func (s *Server) submit(ctx context.Context, req session.Request) (*session.Handle, error) {
	if req.Token == "" {
		req.Token = uuid.NewString()
	}
	v, err, _ := s.inflight.Do(req.Token, func() (any, error) {
		if jobID, live := s.liveToken(req.Token); live {
			return nil, fmt.Errorf("%w: job %s", ErrDuplicateSubmit, jobID)
		}
		h, err := s.orch.Submit(ctx, req)
		if err != nil {
			return nil, err
		}
		s.mu.Lock()
		s.tokens[req.Token] = h.JobID
		s.mu.Unlock()
		return h, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*session.Handle), nil
}

// liveToken reports the job owned by token if it is still live, forgetting
// tokens whose sessions are gone.
func (s *Server) liveToken(token string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for t, jobID := range s.tokens {
		if _, ok := s.orch.Get(jobID); !ok {
			delete(s.tokens, t)
		}
	}
	jobID, ok := s.tokens[token]
	if !ok {
		return "", false
	}
	h, _ := s.orch.Get(jobID)
	if h == nil || h.State().Terminal() {
		return "", false
	}
	return jobID, true
}

func (s *Server) handleComputeNode(w http.ResponseWriter, r *http.Request) {
	var body jobRequest
	if err := decodeBody(w, r, &body); err != nil {
		writeError(w, err)
		return
	}
	ref, err := body.ref()
	if err != nil {
		writeError(w, err)
		return
	}
	h, ok := s.orch.Get(ref.JobID)
	if !ok {
		writeError(w, fmt.Errorf("%w: %s", session.ErrUnknownSession, ref.JobID))
		return
	}
	ep, err := s.orch.AwaitReady(r.Context(), h, 0)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "path": ep.Path()})
}

func (s *Server) handleTerminate(w http.ResponseWriter, r *http.Request) {
	var body jobRequest
	if err := decodeBody(w, r, &body); err != nil {
		writeError(w, err)
		return
	}
	ref, err := body.ref()
	if err != nil {
		writeError(w, err)
		return
	}
	if h, ok := s.orch.Get(ref.JobID); ok {
		err = s.orch.Cancel(r.Context(), h)
	} else {
		err = s.orch.TerminateDetached(r.Context(), ref.JobID, ref.TaskID)
	}
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]any{})
	case errors.Is(err, session.ErrRemoteTerminateFailed):
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "warning": err.Error()})
	default:
		writeError(w, err)
	}
}

func (s *Server) handleTest(w http.ResponseWriter, r *http.Request) {
	pools, err := s.svc.ListPools(r.Context())
	if err != nil {
		writeError(w, &session.RemoteError{Op: "ListPools", Err: err})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "pools": len(pools)})
}

func (s *Server) handleSessions(w http.ResponseWriter, _ *http.Request) {
	type entry struct {
		JobID   string        `json:"jobId"`
		State   session.State `json:"state"`
		Port    int           `json:"port"`
		Created time.Time     `json:"created"`
	}
	var data []entry
	for _, sum := range s.orch.List() {
		if sum.State.Terminal() {
			continue
		}
		data = append(data, entry{JobID: sum.JobID, State: sum.State, Port: sum.Port, Created: sum.Created})
	}
	if data == nil {
		data = []entry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": data})
}

// authorizeRoute ties proxy routes to sessions. The first routed request marks
// its session as proxying.
func (s *Server) authorizeRoute(_ context.Context, route proxy.Route) error {
	h, ok := s.orch.Lookup(route.Host, route.Port)
	if ok {
		s.orch.MarkProxying(h)
		return nil
	}
	if s.strict {
		return fmt.Errorf("%w: no live session at %s", proxy.ErrRouteNotAllowed, route.HostPort())
	}
	return nil
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: decode body: %v", session.ErrInvalidRequest, err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), map[string]any{"success": false, "message": err.Error()})
}
