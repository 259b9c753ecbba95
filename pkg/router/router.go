package router

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/cuemby/corral/pkg/log"
	"github.com/cuemby/corral/pkg/metrics"
	"github.com/cuemby/corral/pkg/types"
	"github.com/rs/zerolog"
)

// Options configures the router
type Options struct {
	// DialTimeout bounds connecting to a worker
	DialTimeout time.Duration

	// ShutdownGrace bounds how long a retired listener waits for its
	// in-flight requests
	ShutdownGrace time.Duration

	// Transport overrides the transport used to reach workers
	Transport http.RoundTripper
}

// Router accepts requests on the configured listeners and forwards them
// to the workers of the active route table
type Router struct {
	active atomic.Pointer[RouteTable]

	opts      Options
	transport http.RoundTripper
	logger    zerolog.Logger

	mu        sync.Mutex
	listeners map[string]*listener // name|address -> listener
	wg        sync.WaitGroup
}

type listener struct {
	name    string
	address string
	ln      net.Listener
	server  *http.Server
}

func listenerKey(name, address string) string {
	return name + "|" + address
}

// New creates a router with no active table; every request gets 503
// until the first Swap
func New(opts Options) *Router {
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 2 * time.Second
	}
	if opts.ShutdownGrace <= 0 {
		opts.ShutdownGrace = 30 * time.Second
	}
	transport := opts.Transport
	if transport == nil {
		transport = &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   opts.DialTimeout,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			MaxIdleConns:          512,
			MaxIdleConnsPerHost:   64,
			IdleConnTimeout:       90 * time.Second,
			ExpectContinueTimeout: time.Second,
		}
	}
	return &Router{
		opts:      opts,
		transport: transport,
		logger:    log.WithComponent("router"),
		listeners: make(map[string]*listener),
	}
}

// Swap makes t the active route table and returns the previous one
func (r *Router) Swap(t *RouteTable) *RouteTable {
	prev := r.active.Swap(t)
	r.logger.Info().Uint64("version", uint64(t.Version())).Msg("Route table swapped")
	return prev
}

// Active returns the route table requests are dispatched with
func (r *Router) Active() *RouteTable {
	return r.active.Load()
}

// Prepare binds every listener not bound yet. On error the listeners bound
// by this call are closed again and the existing ones are untouched.
func (r *Router) Prepare(listeners []types.Listener) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var bound []*listener
	for _, l := range listeners {
		key := listenerKey(l.Name, l.Address)
		if _, ok := r.listeners[key]; ok {
			continue
		}
		ln, err := net.Listen("tcp", l.Address)
		if err != nil {
			for _, b := range bound {
				_ = b.ln.Close()
			}
			return fmt.Errorf("failed to listen on %s for %s: %w", l.Address, l.Name, err)
		}
		bound = append(bound, &listener{name: l.Name, address: l.Address, ln: ln})
	}

	for _, b := range bound {
		b.server = &http.Server{
			Handler:           r.Handler(b.name),
			ReadHeaderTimeout: 10 * time.Second,
			IdleTimeout:       120 * time.Second,
		}
		r.listeners[listenerKey(b.name, b.address)] = b
		r.serve(b)
	}
	return nil
}

func (r *Router) serve(l *listener) {
	r.logger.Info().Str("listener", l.name).Str("addr", l.ln.Addr().String()).Msg("Listener started")
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := l.server.Serve(l.ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error().Err(err).Str("listener", l.name).Msg("Listener failed")
		}
	}()
}

// Addr returns the bound address of the named listener, useful when the
// configured port is 0
func (r *Router) Addr(name string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, l := range r.listeners {
		if l.name == name {
			return l.ln.Addr().String()
		}
	}
	return ""
}

// Retire gracefully closes every listener not in keep
func (r *Router) Retire(keep []types.Listener) {
	wanted := make(map[string]bool, len(keep))
	for _, l := range keep {
		wanted[listenerKey(l.Name, l.Address)] = true
	}

	r.mu.Lock()
	var retired []*listener
	for key, l := range r.listeners {
		if !wanted[key] {
			retired = append(retired, l)
			delete(r.listeners, key)
		}
	}
	r.mu.Unlock()

	for _, l := range retired {
		r.logger.Info().Str("listener", l.name).Str("addr", l.address).Msg("Retiring listener")
		go func(l *listener) {
			ctx, cancel := context.WithTimeout(context.Background(), r.opts.ShutdownGrace)
			defer cancel()
			if err := l.server.Shutdown(ctx); err != nil {
				r.logger.Warn().Err(err).Str("listener", l.name).Msg("Listener did not close gracefully")
				_ = l.server.Close()
			}
		}(l)
	}
}

// Shutdown stops accepting requests and waits for in-flight ones until ctx
// expires
func (r *Router) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	listeners := make([]*listener, 0, len(r.listeners))
	for key, l := range r.listeners {
		listeners = append(listeners, l)
		delete(r.listeners, key)
	}
	r.mu.Unlock()

	var errs []error
	for _, l := range listeners {
		if err := l.server.Shutdown(ctx); err != nil {
			_ = l.server.Close()
			errs = append(errs, fmt.Errorf("listener %s: %w", l.name, err))
		}
	}
	r.wg.Wait()
	return errors.Join(errs...)
}

// Handler returns the dispatcher for requests arriving on listener
func (r *Router) Handler(listener string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		r.dispatch(listener, w, req)
	})
}

func (r *Router) dispatch(listener string, w http.ResponseWriter, req *http.Request) {
	timer := metrics.NewTimer()
	metrics.RouterInFlight.Inc()
	defer metrics.RouterInFlight.Dec()

	rec := &responseRecorder{ResponseWriter: w}
	routeName := "none"
	defer func() {
		metrics.RouterRequestsTotal.WithLabelValues(listener, routeName, strconv.Itoa(rec.status())).Inc()
		timer.ObserveDurationVec(metrics.RouterRequestDuration, listener, routeName)
	}()

	table := r.active.Load()
	if table == nil {
		http.Error(rec, "no active configuration", http.StatusServiceUnavailable)
		return
	}

	rt, code := table.match(listener, req.Host, req.URL.Path, req.Method)
	if rt == nil {
		http.Error(rec, http.StatusText(code), code)
		return
	}
	routeName = rt.spec.Name

	if rt.limiter != nil && !rt.limiter.allow(clientIP(req)) {
		rec.Header().Set("Retry-After", "1")
		http.Error(rec, "rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	r.forward(rec, req, rt)
}

// forward sends req to a worker of the route's group. A connection failure
// is retried once on another worker when the request has no body and an
// idempotent method.
func (r *Router) forward(w *responseRecorder, req *http.Request, rt *route) {
	group := rt.backend.Name()
	retryable := idempotent(req.Method) && req.ContentLength == 0 && len(req.TransferEncoding) == 0

	exclude := ""
	for attempt := 0; ; attempt++ {
		ep := rt.backend.Pick(exclude)
		if ep == nil {
			metrics.BackendUnavailableTotal.WithLabelValues(group).Inc()
			r.logger.Warn().Str("route", rt.spec.Name).Str("group", group).Msg("No worker available")
			http.Error(w, "service unavailable", http.StatusServiceUnavailable)
			return
		}

		err := r.proxy(w, req, rt, ep)
		if err == nil || !errors.Is(err, types.ErrBackendUnavailable) {
			return
		}

		metrics.BackendUnavailableTotal.WithLabelValues(group).Inc()
		if attempt == 0 && retryable && !w.written() && req.Context().Err() == nil {
			metrics.BackendRetriesTotal.WithLabelValues(group).Inc()
			r.logger.Debug().Err(err).Str("route", rt.spec.Name).Msg("Retrying on another worker")
			exclude = ep.ID()
			continue
		}

		r.logger.Warn().Err(err).Str("route", rt.spec.Name).Str("group", group).Msg("Backend unavailable")
		if !w.written() {
			http.Error(w, "service unavailable", http.StatusServiceUnavailable)
		}
		return
	}
}

// proxy forwards req to ep. The endpoint is released on every path,
// including client cancellation.
func (r *Router) proxy(w *responseRecorder, req *http.Request, rt *route, ep Endpoint) error {
	defer ep.Release()

	target := &url.URL{Scheme: "http", Host: ep.Addr()}
	var proxyErr error

	rp := &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(target)
			pr.Out.Host = pr.In.Host
			addProxyHeaders(pr)
			stripPrefix(pr, rt.spec.StripPrefix)
		},
		Transport: r.transport,
		ErrorHandler: func(_ http.ResponseWriter, _ *http.Request, err error) {
			proxyErr = err
		},
	}
	rp.ServeHTTP(w, req)

	if proxyErr == nil {
		return nil
	}
	if isUnavailable(proxyErr) && !w.written() {
		return fmt.Errorf("%w: worker %s: %v", types.ErrBackendUnavailable, ep.ID(), proxyErr)
	}
	if req.Context().Err() != nil {
		// Client went away; nothing left to answer
		return proxyErr
	}
	r.logger.Warn().Err(proxyErr).Str("worker", ep.ID()).Msg("Proxy error")
	if !w.written() {
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}
	return proxyErr
}

func isUnavailable(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return true
	}
	return errors.Is(err, syscall.ECONNREFUSED)
}

func idempotent(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodTrace, http.MethodPut, http.MethodDelete:
		return true
	}
	return false
}

// responseRecorder remembers whether anything reached the client
type responseRecorder struct {
	http.ResponseWriter
	code int
}

func (w *responseRecorder) WriteHeader(code int) {
	if w.code == 0 && code >= http.StatusOK {
		w.code = code
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *responseRecorder) Write(b []byte) (int, error) {
	if w.code == 0 {
		w.code = http.StatusOK
	}
	return w.ResponseWriter.Write(b)
}

func (w *responseRecorder) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		if w.code == 0 {
			w.code = http.StatusOK
		}
		f.Flush()
	}
}

func (w *responseRecorder) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

func (w *responseRecorder) written() bool {
	return w.code != 0
}

func (w *responseRecorder) status() int {
	if w.code == 0 {
		return http.StatusOK
	}
	return w.code
}
