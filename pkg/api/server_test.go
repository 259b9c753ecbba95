package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cuemby/corral/pkg/document"
	"github.com/cuemby/corral/pkg/events"
	"github.com/cuemby/corral/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeControlPlane struct {
	mu       sync.Mutex
	versions map[types.Version]*types.ConfigVersion
	active   types.Version
	applied  []types.Version
	closed   bool
}

func newFakeControlPlane() *fakeControlPlane {
	return &fakeControlPlane{versions: make(map[types.Version]*types.ConfigVersion)}
}

func (f *fakeControlPlane) SubmitRaw(data []byte) (*types.ConfigVersion, error) {
	doc, err := document.Parse(data)
	if err != nil {
		return nil, err
	}
	if len(doc.Groups) == 0 {
		return nil, &document.ValidationError{Problems: []document.Problem{{Field: "groups", Message: "is required"}}}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	v := types.Version(len(f.versions) + 1)
	cv := &types.ConfigVersion{Version: v, Document: *doc, Status: types.VersionPending}
	f.versions[v] = cv
	return cv, nil
}

func (f *fakeControlPlane) Apply(v types.Version) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return types.ErrShuttingDown
	}
	if _, ok := f.versions[v]; !ok {
		return fmt.Errorf("%w: %d", types.ErrVersionNotFound, v)
	}
	f.applied = append(f.applied, v)
	return nil
}

func (f *fakeControlPlane) Status(v types.Version) (*types.ConfigVersion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cv, ok := f.versions[v]
	if !ok {
		return nil, fmt.Errorf("%w: %d", types.ErrVersionNotFound, v)
	}
	return cv, nil
}

func (f *fakeControlPlane) Active() (*types.ConfigVersion, error) {
	if f.active == 0 {
		return nil, fmt.Errorf("%w: no active version", types.ErrVersionNotFound)
	}
	return f.Status(f.active)
}

func (f *fakeControlPlane) ListVersions() ([]*types.ConfigVersion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*types.ConfigVersion
	for v := types.Version(1); int(v) <= len(f.versions); v++ {
		out = append(out, f.versions[v])
	}
	return out, nil
}

func (f *fakeControlPlane) Groups() []types.GroupStatus {
	return []types.GroupStatus{{Name: "app", State: types.GroupReady, Desired: 2, Ready: 2}}
}

const testDoc = `
groups:
  - name: app
    replicas: 2
    command: [app]
`

func do(t *testing.T, s *Server, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)
	return w
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) *Error {
	t.Helper()
	var e Error
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &e))
	return &e
}

func TestSubmit(t *testing.T) {
	cp := newFakeControlPlane()
	s := NewServer(cp, nil)

	w := do(t, s, http.MethodPost, "/v1/configs", testDoc)
	require.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, mimeJSON, w.Header().Get("Content-Type"))

	var cv types.ConfigVersion
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &cv))
	assert.Equal(t, types.Version(1), cv.Version)
	assert.Equal(t, types.VersionPending, cv.Status)
	assert.Empty(t, cp.applied)

	w = do(t, s, http.MethodPost, "/v1/configs?apply=true", testDoc)
	require.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, []types.Version{2}, cp.applied)
}

func TestSubmitInvalid(t *testing.T) {
	s := NewServer(newFakeControlPlane(), nil)

	tests := []struct {
		name     string
		target   string
		body     string
		problems int
	}{
		{name: "validation problems", target: "/v1/configs", body: "listeners: []", problems: 1},
		{name: "unparseable", target: "/v1/configs", body: "groups: [unclosed"},
		{name: "empty", target: "/v1/configs", body: ""},
		{name: "bad apply flag", target: "/v1/configs?apply=maybe", body: testDoc},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, s, http.MethodPost, tt.target, tt.body)
			require.Equal(t, http.StatusBadRequest, w.Code)
			e := decodeError(t, w)
			assert.Equal(t, http.StatusBadRequest, e.Code)
			assert.NotEmpty(t, e.Message)
			assert.Len(t, e.Problems, tt.problems)
			assert.True(t, errors.Is(e, types.ErrInvalidConfig))
		})
	}
}

func TestVersionEndpoints(t *testing.T) {
	cp := newFakeControlPlane()
	s := NewServer(cp, nil)
	require.Equal(t, http.StatusCreated, do(t, s, http.MethodPost, "/v1/configs", testDoc).Code)

	w := do(t, s, http.MethodGet, "/v1/configs", "")
	require.Equal(t, http.StatusOK, w.Code)
	var versions []types.ConfigVersion
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &versions))
	assert.Len(t, versions, 1)

	w = do(t, s, http.MethodGet, "/v1/configs/1", "")
	assert.Equal(t, http.StatusOK, w.Code)

	w = do(t, s, http.MethodGet, "/v1/configs/9", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.True(t, errors.Is(decodeError(t, w), types.ErrVersionNotFound))

	w = do(t, s, http.MethodPost, "/v1/configs/1/apply", "")
	require.Equal(t, http.StatusAccepted, w.Code)
	var ack ApplyResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &ack))
	assert.Equal(t, types.Version(1), ack.Version)

	w = do(t, s, http.MethodPost, "/v1/configs/0/apply", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, s, http.MethodPost, "/v1/configs/7/apply", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(t, s, http.MethodGet, "/v1/active", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	cp.active = 1
	w = do(t, s, http.MethodGet, "/v1/active", "")
	assert.Equal(t, http.StatusOK, w.Code)

	cp.closed = true
	w = do(t, s, http.MethodPost, "/v1/configs/1/apply", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestGroups(t *testing.T) {
	s := NewServer(newFakeControlPlane(), nil)
	w := do(t, s, http.MethodGet, "/v1/groups", "")
	require.Equal(t, http.StatusOK, w.Code)

	var groups []types.GroupStatus
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &groups))
	require.Len(t, groups, 1)
	assert.Equal(t, types.GroupReady, groups[0].State)
}

func TestMethodNotAllowed(t *testing.T) {
	s := NewServer(newFakeControlPlane(), nil)
	w := do(t, s, http.MethodDelete, "/v1/configs", "")
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestHealthEndpoints(t *testing.T) {
	s := NewServer(newFakeControlPlane(), nil)

	w := do(t, s, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "corral_")

	w = do(t, s, http.MethodGet, "/health", "")
	assert.Contains(t, []int{http.StatusOK, http.StatusServiceUnavailable}, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
}

func TestEventsNotAvailable(t *testing.T) {
	s := NewServer(newFakeControlPlane(), nil)
	w := do(t, s, http.MethodGet, "/v1/events", "")
	assert.Equal(t, http.StatusNotImplemented, w.Code)
}

func TestEventStream(t *testing.T) {
	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	s := NewServer(newFakeControlPlane(), broker)
	ts := httptest.NewServer(s)
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/v1/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, mimeNDJSON, resp.Header.Get("Content-Type"))

	require.Eventually(t, func() bool {
		return broker.SubscriberCount() == 1
	}, 2*time.Second, 10*time.Millisecond)
	broker.Publish(&events.Event{Type: events.EventVersionActive, Message: "hello"})

	lines := bufio.NewScanner(resp.Body)
	require.True(t, lines.Scan())
	var ev events.Event
	require.NoError(t, json.Unmarshal(lines.Bytes(), &ev))
	assert.Equal(t, events.EventVersionActive, ev.Type)
	assert.Equal(t, "hello", ev.Message)
}

func TestServeUnixSocket(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run", "control.sock")
	ln, err := ListenUnix(path)
	require.NoError(t, err)

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	s := NewServer(newFakeControlPlane(), broker)
	s.Serve(ln)

	client := &http.Client{Transport: &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", path)
		},
	}}

	resp, err := client.Get("http://corral/v1/groups")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// An open event stream does not hold up shutdown
	stream, err := client.Get("http://corral/v1/events")
	require.NoError(t, err)
	defer stream.Body.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	assert.NoError(t, s.Shutdown(ctx))

	// A stale socket is replaced
	ln, err = ListenUnix(path)
	require.NoError(t, err)
	ln.Close()
}
