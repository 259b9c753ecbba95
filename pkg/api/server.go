package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/cuemby/corral/pkg/document"
	"github.com/cuemby/corral/pkg/events"
	"github.com/cuemby/corral/pkg/log"
	"github.com/cuemby/corral/pkg/metrics"
	"github.com/cuemby/corral/pkg/types"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
)

const (
	mimeJSON   = "application/json"
	mimeNDJSON = "application/x-ndjson"

	// MaxDocumentSize bounds a submitted configuration document
	MaxDocumentSize = 4 << 20
)

// ControlPlane is the part of the control plane the API exposes
type ControlPlane interface {
	SubmitRaw(data []byte) (*types.ConfigVersion, error)
	Apply(v types.Version) error
	Status(v types.Version) (*types.ConfigVersion, error)
	Active() (*types.ConfigVersion, error)
	ListVersions() ([]*types.ConfigVersion, error)
	Groups() []types.GroupStatus
}

// EventSource hands out event subscriptions
type EventSource interface {
	Subscribe() events.Subscriber
	Unsubscribe(sub events.Subscriber)
}

// ApplyResponse acknowledges a queued apply
type ApplyResponse struct {
	Version types.Version `json:"version"`
	Message string        `json:"message"`
}

// Server serves the control interface
type Server struct {
	cp     ControlPlane
	events EventSource
	r      *mux.Router
	logger zerolog.Logger

	mu      sync.Mutex
	servers []*http.Server
	wg      sync.WaitGroup
	closing chan struct{}
	once    sync.Once
}

// NewServer creates the control API. events may be nil, in which case the
// event stream is not available.
func NewServer(cp ControlPlane, ev EventSource) *Server {
	s := &Server{
		cp:      cp,
		events:  ev,
		r:       mux.NewRouter(),
		logger:  log.WithComponent("api"),
		closing: make(chan struct{}),
	}

	v1 := s.r.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/configs", s.submit).Methods(http.MethodPost)
	v1.HandleFunc("/configs", s.listVersions).Methods(http.MethodGet)
	v1.HandleFunc("/configs/{version:[0-9]+}", s.getVersion).Methods(http.MethodGet)
	v1.HandleFunc("/configs/{version:[0-9]+}/apply", s.apply).Methods(http.MethodPost)
	v1.HandleFunc("/active", s.active).Methods(http.MethodGet)
	v1.HandleFunc("/groups", s.groups).Methods(http.MethodGet)
	v1.HandleFunc("/events", s.streamEvents).Methods(http.MethodGet)

	s.r.Handle("/health", metrics.HealthHandler()).Methods(http.MethodGet)
	s.r.Handle("/ready", metrics.ReadyHandler()).Methods(http.MethodGet)
	s.r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	s.r.Use(s.instrument)
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	s.r.ServeHTTP(w, req)
}

// ListenUnix binds the control socket at path, replacing a stale socket
// left by a previous run
func ListenUnix(path string) (net.Listener, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create socket directory: %w", err)
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to remove stale socket: %w", err)
	}
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", path, err)
	}
	if err := os.Chmod(path, 0o660); err != nil {
		_ = ln.Close()
		return nil, fmt.Errorf("failed to set socket permissions: %w", err)
	}
	return ln, nil
}

// Serve answers requests on ln in the background until Shutdown
func (s *Server) Serve(ln net.Listener) {
	srv := &http.Server{
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	s.mu.Lock()
	s.servers = append(s.servers, srv)
	s.mu.Unlock()

	metrics.UpdateComponent(metrics.ComponentAPI, true, "serving")
	s.logger.Info().Str("addr", ln.Addr().String()).Msg("Control API listening")

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			metrics.UpdateComponent(metrics.ComponentAPI, false, err.Error())
			s.logger.Error().Err(err).Str("addr", ln.Addr().String()).Msg("Control API failed")
		}
	}()
}

// Shutdown ends event streams and waits for requests until ctx expires
func (s *Server) Shutdown(ctx context.Context) error {
	s.once.Do(func() { close(s.closing) })

	s.mu.Lock()
	servers := s.servers
	s.servers = nil
	s.mu.Unlock()

	var errs []error
	for _, srv := range servers {
		if err := srv.Shutdown(ctx); err != nil {
			_ = srv.Close()
			errs = append(errs, err)
		}
	}
	s.wg.Wait()
	metrics.UpdateComponent(metrics.ComponentAPI, false, "stopped")
	return errors.Join(errs...)
}

func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		route := "unknown"
		if cur := mux.CurrentRoute(req); cur != nil {
			if tpl, err := cur.GetPathTemplate(); err == nil {
				route = tpl
			}
		}

		timer := metrics.NewTimer()
		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(sw, req)

		metrics.APIRequestsTotal.WithLabelValues(route, strconv.Itoa(sw.code)).Inc()
		timer.ObserveDurationVec(metrics.APIRequestDuration, route)
		s.logger.Debug().
			Str("method", req.Method).
			Str("route", route).
			Int("status", sw.code).
			Dur("duration", timer.Duration()).
			Msg("API request")
	})
}

func (s *Server) submit(w http.ResponseWriter, r *http.Request) {
	apply := false
	if v := r.URL.Query().Get("apply"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			s.writeError(w, &Error{Code: http.StatusBadRequest, Message: "apply must be a boolean"})
			return
		}
		apply = b
	}

	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxDocumentSize))
	if err != nil {
		s.writeError(w, &Error{Code: http.StatusRequestEntityTooLarge, Message: err.Error()})
		return
	}

	cv, err := s.cp.SubmitRaw(data)
	if err != nil {
		s.writeError(w, errorFor(err))
		return
	}
	if apply {
		if err := s.cp.Apply(cv.Version); err != nil {
			s.writeError(w, errorFor(err))
			return
		}
	}
	s.writeJSON(w, http.StatusCreated, cv)
}

func (s *Server) listVersions(w http.ResponseWriter, r *http.Request) {
	versions, err := s.cp.ListVersions()
	if err != nil {
		s.writeError(w, errorFor(err))
		return
	}
	if versions == nil {
		versions = []*types.ConfigVersion{}
	}
	s.writeJSON(w, http.StatusOK, versions)
}

func (s *Server) getVersion(w http.ResponseWriter, r *http.Request) {
	v, e := versionVar(r)
	if e != nil {
		s.writeError(w, e)
		return
	}
	cv, err := s.cp.Status(v)
	if err != nil {
		s.writeError(w, errorFor(err))
		return
	}
	s.writeJSON(w, http.StatusOK, cv)
}

func (s *Server) apply(w http.ResponseWriter, r *http.Request) {
	v, e := versionVar(r)
	if e != nil {
		s.writeError(w, e)
		return
	}
	if err := s.cp.Apply(v); err != nil {
		s.writeError(w, errorFor(err))
		return
	}
	s.writeJSON(w, http.StatusAccepted, ApplyResponse{Version: v, Message: "apply queued"})
}

func (s *Server) active(w http.ResponseWriter, r *http.Request) {
	cv, err := s.cp.Active()
	if err != nil {
		s.writeError(w, errorFor(err))
		return
	}
	s.writeJSON(w, http.StatusOK, cv)
}

func (s *Server) groups(w http.ResponseWriter, r *http.Request) {
	groups := s.cp.Groups()
	if groups == nil {
		groups = []types.GroupStatus{}
	}
	s.writeJSON(w, http.StatusOK, groups)
}

// streamEvents writes one JSON event per line until the client leaves
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		s.writeError(w, &Error{Code: http.StatusNotImplemented, Message: "event stream not available"})
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, &Error{Code: http.StatusInternalServerError, Message: "streaming unsupported"})
		return
	}

	sub := s.events.Subscribe()
	defer s.events.Unsubscribe(sub)

	w.Header().Set("Content-Type", mimeNDJSON)
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	enc := json.NewEncoder(w)
	for {
		select {
		case <-r.Context().Done():
			return
		case <-s.closing:
			return
		case ev, ok := <-sub:
			if !ok {
				return
			}
			if err := enc.Encode(ev); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func versionVar(r *http.Request) (types.Version, *Error) {
	n, err := strconv.ParseUint(mux.Vars(r)["version"], 10, 64)
	if err != nil || n == 0 {
		return 0, &Error{Code: http.StatusBadRequest, Message: "invalid version"}
	}
	return types.Version(n), nil
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v interface{}) {
	b, err := json.Marshal(v)
	if err != nil {
		s.internalError(w, err)
		return
	}
	w.Header().Set("Content-Type", mimeJSON)
	w.WriteHeader(code)
	_, _ = w.Write(b)
}

func (s *Server) writeError(w http.ResponseWriter, e *Error) {
	if e.Code >= http.StatusInternalServerError {
		s.logger.Error().Int("code", e.Code).Msg(e.Message)
	}
	s.writeJSON(w, e.Code, e)
}

func (s *Server) internalError(w http.ResponseWriter, err error) {
	s.logger.Error().Err(err).Msg("Failed to encode response")
	http.Error(w, err.Error(), http.StatusInternalServerError)
}

// errorFor maps control plane errors to HTTP errors
func errorFor(err error) *Error {
	e := &Error{Code: http.StatusInternalServerError, Message: err.Error()}
	switch {
	case errors.Is(err, types.ErrInvalidConfig):
		e.Code = http.StatusBadRequest
		var verr *document.ValidationError
		if errors.As(err, &verr) {
			e.Problems = verr.Problems
		}
	case errors.Is(err, types.ErrVersionNotFound):
		e.Code = http.StatusNotFound
	case errors.Is(err, types.ErrShuttingDown):
		e.Code = http.StatusServiceUnavailable
	}
	return e
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
