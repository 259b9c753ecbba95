package router

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cuemby/corral/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeEndpoint struct {
	id       string
	addr     string
	inflight atomic.Int64
}

func (e *fakeEndpoint) ID() string   { return e.id }
func (e *fakeEndpoint) Addr() string { return e.addr }
func (e *fakeEndpoint) Release()     { e.inflight.Add(-1) }

type fakeBackend struct {
	name string

	mu        sync.Mutex
	endpoints []*fakeEndpoint
	picks     []string
}

func (b *fakeBackend) Name() string { return b.name }

func (b *fakeBackend) Pick(exclude string) Endpoint {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, e := range b.endpoints {
		if e.id == exclude {
			continue
		}
		e.inflight.Add(1)
		b.picks = append(b.picks, e.id)
		return e
	}
	return nil
}

func (b *fakeBackend) pickCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.picks)
}

func workerServer(t *testing.T, h http.HandlerFunc) *fakeEndpoint {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return &fakeEndpoint{id: "live", addr: strings.TrimPrefix(srv.URL, "http://")}
}

func deadEndpoint(t *testing.T) *fakeEndpoint {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return &fakeEndpoint{id: "dead", addr: addr}
}

func newTestRouter(t *testing.T, routes []types.Route, backends map[string]Backend) *Router {
	t.Helper()
	r := New(Options{DialTimeout: time.Second})
	table, err := NewRouteTable(1, routes, backends)
	require.NoError(t, err)
	r.Swap(table)
	return r
}

func serve(r *Router, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	r.Handler("web").ServeHTTP(rec, req)
	return rec
}

func TestRouteTableMatch(t *testing.T) {
	b := &fakeBackend{name: "app"}
	backends := map[string]Backend{"app": b, "api": &fakeBackend{name: "api"}}
	routes := []types.Route{
		{Name: "root", Listener: "web", Path: "/", PathType: types.PathTypePrefix, Group: "app"},
		{Name: "api", Listener: "web", Path: "/api", PathType: types.PathTypePrefix, Group: "api"},
		{Name: "login", Listener: "web", Path: "/api/login", PathType: types.PathTypeExact, Methods: []string{"POST"}, Group: "api"},
		{Name: "tenant", Listener: "web", Host: "*.example.com", Path: "/", Group: "app"},
		{Name: "admin", Listener: "web", Host: "admin.example.com", Path: "/", Group: "app"},
		{Name: "other", Listener: "internal", Path: "/", Group: "app"},
	}
	table, err := NewRouteTable(3, routes, backends)
	require.NoError(t, err)
	assert.Equal(t, types.Version(3), table.Version())
	assert.ElementsMatch(t, []string{"app", "api"}, table.Groups())

	tests := []struct {
		name     string
		listener string
		host     string
		path     string
		method   string
		want     string
		code     int
	}{
		{"catch all", "web", "localhost", "/index.html", "GET", "root", 200},
		{"longest prefix", "web", "localhost", "/api/users", "GET", "api", 200},
		{"prefix boundary", "web", "localhost", "/apix", "GET", "root", 200},
		{"exact beats prefix", "web", "localhost", "/api/login", "POST", "login", 200},
		{"method falls back to prefix", "web", "localhost", "/api/login", "GET", "api", 200},
		{"wildcard host", "web", "shop.example.com:8080", "/", "GET", "tenant", 200},
		{"exact host beats wildcard", "web", "admin.example.com", "/", "GET", "admin", 200},
		{"wildcard needs subdomain", "web", "example.com", "/", "GET", "root", 200},
		{"other listener", "internal", "localhost", "/x", "GET", "other", 200},
		{"unknown listener", "metrics", "localhost", "/", "GET", "", 404},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rt, code := table.match(tt.listener, tt.host, tt.path, tt.method)
			assert.Equal(t, tt.code, code)
			if tt.want == "" {
				assert.Nil(t, rt)
				return
			}
			require.NotNil(t, rt)
			assert.Equal(t, tt.want, rt.spec.Name)
		})
	}
}

func TestRouteTableMethodNotAllowed(t *testing.T) {
	routes := []types.Route{
		{Name: "hook", Listener: "web", Path: "/hook", PathType: types.PathTypeExact, Methods: []string{"POST"}, Group: "app"},
	}
	table, err := NewRouteTable(1, routes, map[string]Backend{"app": &fakeBackend{name: "app"}})
	require.NoError(t, err)

	rt, code := table.match("web", "h", "/hook", "GET")
	assert.Nil(t, rt)
	assert.Equal(t, http.StatusMethodNotAllowed, code)
}

func TestRouteTableMissingBackend(t *testing.T) {
	_, err := NewRouteTable(1, []types.Route{{Name: "r", Listener: "web", Path: "/", Group: "ghost"}}, nil)
	assert.Error(t, err)
}

func TestDispatchNoActiveTable(t *testing.T) {
	r := New(Options{})
	rec := serve(r, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestDispatchForwards(t *testing.T) {
	var gotPath, gotXFF, gotHost string
	ep := workerServer(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotXFF = r.Header.Get("X-Forwarded-For")
		gotHost = r.Host
		_, _ = io.WriteString(w, "hello from worker")
	})
	b := &fakeBackend{name: "app", endpoints: []*fakeEndpoint{ep}}
	r := newTestRouter(t, []types.Route{
		{Name: "app", Listener: "web", Path: "/app", PathType: types.PathTypePrefix, StripPrefix: "/app", Group: "app"},
	}, map[string]Backend{"app": b})

	req := httptest.NewRequest(http.MethodGet, "http://site.test/app/users?x=1", nil)
	req.RemoteAddr = "10.0.0.9:5555"
	rec := serve(r, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "hello from worker", rec.Body.String())
	assert.Equal(t, "/users", gotPath)
	assert.Equal(t, "10.0.0.9", gotXFF)
	assert.Equal(t, "site.test", gotHost)
	assert.Equal(t, int64(0), ep.inflight.Load())
}

func TestDispatchOverwritesRealIP(t *testing.T) {
	var gotRealIP []string
	ep := workerServer(t, func(w http.ResponseWriter, r *http.Request) {
		gotRealIP = r.Header.Values("X-Real-IP")
	})
	b := &fakeBackend{name: "app", endpoints: []*fakeEndpoint{ep}}
	r := newTestRouter(t, []types.Route{
		{Name: "app", Listener: "web", Path: "/", Group: "app"},
	}, map[string]Backend{"app": b})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.9:5555"
	req.Header.Set("X-Real-IP", "1.2.3.4")
	rec := serve(r, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"10.0.0.9"}, gotRealIP)
}

func TestDispatchRetriesIdempotentOnce(t *testing.T) {
	dead := deadEndpoint(t)
	live := workerServer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "ok")
	})
	b := &fakeBackend{name: "app", endpoints: []*fakeEndpoint{dead, live}}
	r := newTestRouter(t, []types.Route{{Name: "all", Listener: "web", Path: "/", Group: "app"}},
		map[string]Backend{"app": b})

	rec := serve(r, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
	assert.Equal(t, 2, b.pickCount())
	assert.Equal(t, int64(0), dead.inflight.Load())
	assert.Equal(t, int64(0), live.inflight.Load())
}

func TestDispatchDoesNotRetryRequestWithBody(t *testing.T) {
	dead := deadEndpoint(t)
	live := workerServer(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("request with body must not be retried")
	})
	b := &fakeBackend{name: "app", endpoints: []*fakeEndpoint{dead, live}}
	r := newTestRouter(t, []types.Route{{Name: "all", Listener: "web", Path: "/", Group: "app"}},
		map[string]Backend{"app": b})

	rec := serve(r, httptest.NewRequest(http.MethodPost, "/", strings.NewReader("payload")))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, 1, b.pickCount())
	assert.Equal(t, int64(0), dead.inflight.Load())
}

func TestDispatchRetriesOnlyOnce(t *testing.T) {
	first := deadEndpoint(t)
	second := deadEndpoint(t)
	second.id = "dead-2"
	b := &fakeBackend{name: "app", endpoints: []*fakeEndpoint{first, second}}
	r := newTestRouter(t, []types.Route{{Name: "all", Listener: "web", Path: "/", Group: "app"}},
		map[string]Backend{"app": b})

	rec := serve(r, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, 2, b.pickCount())
}

func TestDispatchNoWorkers(t *testing.T) {
	b := &fakeBackend{name: "app"}
	r := newTestRouter(t, []types.Route{{Name: "all", Listener: "web", Path: "/", Group: "app"}},
		map[string]Backend{"app": b})

	rec := serve(r, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestDispatchRateLimit(t *testing.T) {
	ep := workerServer(t, func(w http.ResponseWriter, r *http.Request) {})
	b := &fakeBackend{name: "app", endpoints: []*fakeEndpoint{ep}}
	r := newTestRouter(t, []types.Route{{
		Name: "limited", Listener: "web", Path: "/", Group: "app",
		RateLimit: &types.RateLimit{RequestsPerSecond: 0.001, Burst: 2},
	}}, map[string]Backend{"app": b})

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = "192.0.2.1:1234"
		codes = append(codes, serve(r, req).Code)
	}
	assert.Equal(t, []int{200, 200, 429}, codes)

	other := httptest.NewRequest(http.MethodGet, "/", nil)
	other.RemoteAddr = "192.0.2.2:1234"
	assert.Equal(t, http.StatusOK, serve(r, other).Code)
}

func TestDispatchClientCancelReleasesWorker(t *testing.T) {
	started := make(chan struct{})
	ep := workerServer(t, func(w http.ResponseWriter, r *http.Request) {
		close(started)
		<-r.Context().Done()
	})
	b := &fakeBackend{name: "app", endpoints: []*fakeEndpoint{ep}}
	r := newTestRouter(t, []types.Route{{Name: "all", Listener: "web", Path: "/", Group: "app"}},
		map[string]Backend{"app": b})

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodGet, "/", nil).WithContext(ctx)

	done := make(chan struct{})
	go func() {
		defer close(done)
		serve(r, req)
	}()

	<-started
	assert.Equal(t, int64(1), ep.inflight.Load())
	cancel()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("dispatch did not return after client cancel")
	}
	assert.Equal(t, int64(0), ep.inflight.Load())
	assert.Equal(t, 1, b.pickCount())
}

func TestSwapIsAtomic(t *testing.T) {
	v1 := workerServer(t, func(w http.ResponseWriter, r *http.Request) { _, _ = io.WriteString(w, "v1") })
	v2 := workerServer(t, func(w http.ResponseWriter, r *http.Request) { _, _ = io.WriteString(w, "v2") })
	routes := []types.Route{{Name: "all", Listener: "web", Path: "/", Group: "app"}}

	r := newTestRouter(t, routes, map[string]Backend{"app": &fakeBackend{name: "app", endpoints: []*fakeEndpoint{v1}}})
	assert.Equal(t, "v1", serve(r, httptest.NewRequest(http.MethodGet, "/", nil)).Body.String())

	next, err := NewRouteTable(2, routes, map[string]Backend{"app": &fakeBackend{name: "app", endpoints: []*fakeEndpoint{v2}}})
	require.NoError(t, err)
	prev := r.Swap(next)
	assert.Equal(t, types.Version(1), prev.Version())
	assert.Equal(t, types.Version(2), r.Active().Version())
	assert.Equal(t, "v2", serve(r, httptest.NewRequest(http.MethodGet, "/", nil)).Body.String())
}

func TestListenersPrepareAndRetire(t *testing.T) {
	ep := workerServer(t, func(w http.ResponseWriter, r *http.Request) { _, _ = io.WriteString(w, "served") })
	r := newTestRouter(t, []types.Route{{Name: "all", Listener: "web", Path: "/", Group: "app"}},
		map[string]Backend{"app": &fakeBackend{name: "app", endpoints: []*fakeEndpoint{ep}}})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = r.Shutdown(ctx)
	})

	listeners := []types.Listener{{Name: "web", Address: "127.0.0.1:0"}}
	require.NoError(t, r.Prepare(listeners))
	require.NoError(t, r.Prepare(listeners), "preparing bound listeners is a no-op")

	addr := r.Addr("web")
	require.NotEmpty(t, addr)

	resp, err := http.Get("http://" + addr + "/")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, "served", string(body))

	r.Retire(nil)
	assert.Empty(t, r.Addr("web"))
	require.Eventually(t, func() bool {
		c, err := net.DialTimeout("tcp", addr, 100*time.Millisecond)
		if err != nil {
			return true
		}
		c.Close()
		return false
	}, 3*time.Second, 20*time.Millisecond)
}

func TestPrepareFailureKeepsExisting(t *testing.T) {
	r := New(Options{})
	t.Cleanup(func() { _ = r.Shutdown(context.Background()) })

	busy, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer busy.Close()

	require.NoError(t, r.Prepare([]types.Listener{{Name: "web", Address: "127.0.0.1:0"}}))
	err = r.Prepare([]types.Listener{
		{Name: "web", Address: "127.0.0.1:0"},
		{Name: "admin", Address: "127.0.0.1:0"},
		{Name: "clash", Address: busy.Addr().String()},
	})
	require.Error(t, err)
	assert.NotEmpty(t, r.Addr("web"))
	assert.Empty(t, r.Addr("admin"))
	assert.Empty(t, r.Addr("clash"))
}
