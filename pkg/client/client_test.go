package client

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/cuemby/corral/pkg/api"
	"github.com/cuemby/corral/pkg/document"
	"github.com/cuemby/corral/pkg/events"
	"github.com/cuemby/corral/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubControlPlane struct {
	mu       sync.Mutex
	versions []*types.ConfigVersion
	applied  []types.Version
}

func (s *stubControlPlane) SubmitRaw(data []byte) (*types.ConfigVersion, error) {
	doc, err := document.Parse(data)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cv := &types.ConfigVersion{Version: types.Version(len(s.versions) + 1), Document: *doc, Status: types.VersionPending}
	s.versions = append(s.versions, cv)
	return cv, nil
}

func (s *stubControlPlane) Apply(v types.Version) error {
	if _, err := s.Status(v); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.applied = append(s.applied, v)
	return nil
}

func (s *stubControlPlane) Status(v types.Version) (*types.ConfigVersion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v == 0 || int(v) > len(s.versions) {
		return nil, fmt.Errorf("%w: %d", types.ErrVersionNotFound, v)
	}
	return s.versions[v-1], nil
}

func (s *stubControlPlane) Active() (*types.ConfigVersion, error) {
	return s.Status(1)
}

func (s *stubControlPlane) ListVersions() ([]*types.ConfigVersion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*types.ConfigVersion(nil), s.versions...), nil
}

func (s *stubControlPlane) Groups() []types.GroupStatus {
	return []types.GroupStatus{{Name: "app", State: types.GroupReady}}
}

func startServer(t *testing.T, cp api.ControlPlane, broker *events.Broker) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "control.sock")
	ln, err := api.ListenUnix(path)
	require.NoError(t, err)

	srv := api.NewServer(cp, broker)
	srv.Serve(ln)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	})
	return path
}

func TestClientRoundTrip(t *testing.T) {
	cp := &stubControlPlane{}
	path := startServer(t, cp, nil)

	c, err := NewClient("unix://" + path)
	require.NoError(t, err)
	defer c.Close()
	ctx := context.Background()

	cv, err := c.Submit(ctx, []byte("groups:\n  - name: app\n    command: [app]\n"), true)
	require.NoError(t, err)
	assert.Equal(t, types.Version(1), cv.Version)
	assert.Equal(t, []types.Version{1}, cp.applied)

	require.NoError(t, c.Apply(ctx, 1))

	got, err := c.Status(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "app", got.Document.Groups[0].Name)

	active, err := c.Active(ctx)
	require.NoError(t, err)
	assert.Equal(t, types.Version(1), active.Version)

	versions, err := c.ListVersions(ctx)
	require.NoError(t, err)
	assert.Len(t, versions, 1)

	groups, err := c.Groups(ctx)
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.Equal(t, types.GroupReady, groups[0].State)
}

func TestClientErrors(t *testing.T) {
	path := startServer(t, &stubControlPlane{}, nil)

	c, err := NewClient(path)
	require.NoError(t, err)
	ctx := context.Background()

	_, err = c.Status(ctx, 5)
	assert.True(t, errors.Is(err, types.ErrVersionNotFound))

	_, err = c.Submit(ctx, []byte("groups: [unclosed"), false)
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrInvalidConfig))
	var apiErr *api.Error
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, 400, apiErr.Code)
}

func TestClientEvents(t *testing.T) {
	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()
	path := startServer(t, &stubControlPlane{}, broker)

	c, err := NewClient(path)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan *events.Event, 1)
	done := make(chan error, 1)
	go func() {
		done <- c.Events(ctx, func(ev *events.Event) error {
			got <- ev
			return errors.New("stop")
		})
	}()

	require.Eventually(t, func() bool {
		return broker.SubscriberCount() == 1
	}, 2*time.Second, 10*time.Millisecond)
	broker.Publish(&events.Event{Type: events.EventGroupReady})

	select {
	case ev := <-got:
		assert.Equal(t, events.EventGroupReady, ev.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("no event received")
	}
	assert.EqualError(t, <-done, "stop")
}

func TestClientUnreachable(t *testing.T) {
	c, err := NewClient(filepath.Join(t.TempDir(), "missing.sock"))
	require.NoError(t, err)
	c.delay = time.Millisecond

	_, err = c.Groups(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to reach corral daemon")
}

func TestNewClientAddresses(t *testing.T) {
	tests := []struct {
		addr    string
		base    string
		wantErr bool
	}{
		{addr: "", base: "http://corral"},
		{addr: "/run/corral/control.sock", base: "http://corral"},
		{addr: "unix:///tmp/c.sock", base: "http://corral"},
		{addr: "127.0.0.1:7070", base: "http://127.0.0.1:7070"},
		{addr: "http://127.0.0.1:7070/", base: "http://127.0.0.1:7070"},
		{addr: "not an address", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.addr, func(t *testing.T) {
			c, err := NewClient(tt.addr)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.base, c.base)
		})
	}
}
