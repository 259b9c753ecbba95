package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/cuemby/corral/pkg/api"
	"github.com/cuemby/corral/pkg/events"
	"github.com/cuemby/corral/pkg/types"
)

// DefaultSocket is where the daemon listens unless configured otherwise
const DefaultSocket = "/run/corral/control.sock"

// Client talks to the control interface of a running daemon
type Client struct {
	base string
	http *http.Client

	attempts uint
	delay    time.Duration
}

// NewClient creates a client for addr, which is either a Unix socket path
// (optionally prefixed with unix://) or a TCP host:port (optionally prefixed
// with http://)
func NewClient(addr string) (*Client, error) {
	if addr == "" {
		addr = DefaultSocket
	}

	transport := &http.Transport{
		MaxIdleConns:    4,
		IdleConnTimeout: 30 * time.Second,
	}
	base := ""

	switch {
	case strings.HasPrefix(addr, "unix://") || strings.HasPrefix(addr, "/"):
		path := strings.TrimPrefix(addr, "unix://")
		dialer := &net.Dialer{Timeout: 2 * time.Second}
		transport.DialContext = func(ctx context.Context, _, _ string) (net.Conn, error) {
			return dialer.DialContext(ctx, "unix", path)
		}
		base = "http://corral"
	case strings.HasPrefix(addr, "http://"):
		base = strings.TrimSuffix(addr, "/")
	default:
		if _, _, err := net.SplitHostPort(addr); err != nil {
			return nil, fmt.Errorf("invalid control address %q: %w", addr, err)
		}
		base = "http://" + addr
	}

	return &Client{
		base:     base,
		http:     &http.Client{Transport: transport},
		attempts: 3,
		delay:    200 * time.Millisecond,
	}, nil
}

// Close releases idle connections
func (c *Client) Close() {
	c.http.CloseIdleConnections()
}

// Submit stores data as a new version and, with apply, queues it
func (c *Client) Submit(ctx context.Context, data []byte, apply bool) (*types.ConfigVersion, error) {
	path := "/v1/configs"
	if apply {
		path += "?apply=true"
	}
	var cv types.ConfigVersion
	if err := c.do(ctx, http.MethodPost, path, data, &cv); err != nil {
		return nil, err
	}
	return &cv, nil
}

// Apply queues version v for convergence
func (c *Client) Apply(ctx context.Context, v types.Version) error {
	return c.do(ctx, http.MethodPost, "/v1/configs/"+versionPath(v)+"/apply", nil, nil)
}

// Status returns version v with the live state of its groups
func (c *Client) Status(ctx context.Context, v types.Version) (*types.ConfigVersion, error) {
	var cv types.ConfigVersion
	if err := c.do(ctx, http.MethodGet, "/v1/configs/"+versionPath(v), nil, &cv); err != nil {
		return nil, err
	}
	return &cv, nil
}

// Active returns the active version
func (c *Client) Active(ctx context.Context) (*types.ConfigVersion, error) {
	var cv types.ConfigVersion
	if err := c.do(ctx, http.MethodGet, "/v1/active", nil, &cv); err != nil {
		return nil, err
	}
	return &cv, nil
}

// ListVersions returns every stored version
func (c *Client) ListVersions(ctx context.Context) ([]*types.ConfigVersion, error) {
	var versions []*types.ConfigVersion
	if err := c.do(ctx, http.MethodGet, "/v1/configs", nil, &versions); err != nil {
		return nil, err
	}
	return versions, nil
}

// Groups returns every live process group
func (c *Client) Groups(ctx context.Context) ([]types.GroupStatus, error) {
	var groups []types.GroupStatus
	if err := c.do(ctx, http.MethodGet, "/v1/groups", nil, &groups); err != nil {
		return nil, err
	}
	return groups, nil
}

// Events calls fn for every event until ctx is done, the stream ends or fn
// returns an error
func (c *Client) Events(ctx context.Context, fn func(*events.Event) error) error {
	resp, err := c.send(ctx, http.MethodGet, "/v1/events", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		var ev events.Event
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			return fmt.Errorf("failed to decode event: %w", err)
		}
		if err := fn(&ev); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("event stream: %w", err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, out interface{}) error {
	resp, err := c.send(ctx, method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// send performs one request, retrying only when the daemon could not be
// reached. Error responses are returned as *api.Error.
func (c *Client) send(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	var resp *http.Response
	err := retry.Do(
		func() error {
			req, err := http.NewRequestWithContext(ctx, method, c.base+path, bytes.NewReader(body))
			if err != nil {
				return retry.Unrecoverable(err)
			}
			if body != nil {
				req.Header.Set("Content-Type", "application/yaml")
			}
			resp, err = c.http.Do(req)
			return err
		},
		retry.Context(ctx),
		retry.Attempts(c.attempts),
		retry.Delay(c.delay),
		retry.DelayType(retry.BackOffDelay),
		retry.RetryIf(isDialError),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to reach corral daemon: %w", err)
	}

	if resp.StatusCode >= http.StatusBadRequest {
		defer resp.Body.Close()
		return nil, decodeError(resp)
	}
	return resp, nil
}

func decodeError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	apiErr := &api.Error{}
	if err := json.Unmarshal(data, apiErr); err != nil || apiErr.Message == "" {
		apiErr.Message = strings.TrimSpace(string(data))
		if apiErr.Message == "" {
			apiErr.Message = resp.Status
		}
	}
	apiErr.Code = resp.StatusCode
	return apiErr
}

func isDialError(err error) bool {
	var opErr *net.OpError
	return errors.As(err, &opErr) && opErr.Op == "dial"
}

func versionPath(v types.Version) string {
	return strconv.FormatUint(uint64(v), 10)
}
