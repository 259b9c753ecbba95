package router

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/cuemby/corral/pkg/types"
)

// Endpoint is one worker a request can be forwarded to
type Endpoint interface {
	ID() string
	Addr() string
	// Release ends the request reserved by Backend.Pick
	Release()
}

// Backend hands out endpoints of one process group
type Backend interface {
	Name() string
	// Pick reserves an endpoint other than exclude, or returns nil when
	// none is available
	Pick(exclude string) Endpoint
}

// RouteTable is the read-only routing state derived from one version
type RouteTable struct {
	version   types.Version
	listeners map[string][]*route
}

type route struct {
	spec    types.Route
	backend Backend
	methods map[string]bool
	limiter *clientLimiter
}

// NewRouteTable compiles routes against the backends of their groups.
// Every route's group must have a backend.
func NewRouteTable(version types.Version, routes []types.Route, backends map[string]Backend) (*RouteTable, error) {
	t := &RouteTable{
		version:   version,
		listeners: make(map[string][]*route),
	}
	for _, spec := range routes {
		backend, ok := backends[spec.Group]
		if !ok {
			return nil, fmt.Errorf("route %s: no backend for group %s", spec.Name, spec.Group)
		}
		rt := &route{spec: spec, backend: backend}
		if spec.PathType == "" {
			rt.spec.PathType = types.PathTypePrefix
		}
		if len(spec.Methods) > 0 {
			rt.methods = make(map[string]bool, len(spec.Methods))
			for _, m := range spec.Methods {
				rt.methods[strings.ToUpper(m)] = true
			}
		}
		if spec.RateLimit != nil {
			rt.limiter = newClientLimiter(spec.RateLimit.RequestsPerSecond, spec.RateLimit.Burst)
		}
		t.listeners[spec.Listener] = append(t.listeners[spec.Listener], rt)
	}
	return t, nil
}

// Version returns the configuration version the table was built from
func (t *RouteTable) Version() types.Version {
	return t.version
}

// Groups returns the names of the groups the table routes to
func (t *RouteTable) Groups() []string {
	seen := make(map[string]bool)
	var out []string
	for _, routes := range t.listeners {
		for _, rt := range routes {
			if !seen[rt.spec.Group] {
				seen[rt.spec.Group] = true
				out = append(out, rt.spec.Group)
			}
		}
	}
	return out
}

// match finds the most specific route for a request on listener. The
// status is 404 when nothing matches and 405 when only the method differs.
func (t *RouteTable) match(listener, host, path, method string) (*route, int) {
	var best *route
	var bestScore int
	methodMismatch := false

	for _, rt := range t.listeners[listener] {
		hostScore, ok := matchHost(rt.spec.Host, host)
		if !ok {
			continue
		}
		pathScore, ok := matchPath(rt.spec.PathType, rt.spec.Path, path)
		if !ok {
			continue
		}
		if rt.methods != nil && !rt.methods[method] {
			methodMismatch = true
			continue
		}
		score := hostScore<<20 | pathScore
		if best == nil || score > bestScore {
			best, bestScore = rt, score
		}
	}

	switch {
	case best != nil:
		return best, http.StatusOK
	case methodMismatch:
		return nil, http.StatusMethodNotAllowed
	default:
		return nil, http.StatusNotFound
	}
}

// matchHost ranks exact hosts above wildcards above the catch-all
func matchHost(pattern, host string) (int, bool) {
	if pattern == "" {
		return 0, true
	}

	if idx := strings.LastIndexByte(host, ':'); idx != -1 && !strings.HasSuffix(host, "]") {
		host = host[:idx]
	}
	host = strings.ToLower(host)

	if pattern == host {
		return 2, true
	}
	if strings.HasPrefix(pattern, "*.") {
		suffix := pattern[1:]
		if strings.HasSuffix(host, suffix) && len(host) > len(suffix) {
			return 1, true
		}
	}
	return 0, false
}

// matchPath ranks exact paths above prefixes, longer prefixes first
func matchPath(pathType types.PathType, pattern, path string) (int, bool) {
	switch pathType {
	case types.PathTypeExact:
		if pattern == path {
			return 1<<19 | len(pattern), true
		}
		return 0, false

	case types.PathTypePrefix:
		if pattern == "/" {
			return 1, true
		}
		if !strings.HasPrefix(path, pattern) {
			return 0, false
		}
		if len(path) == len(pattern) ||
			pattern[len(pattern)-1] == '/' ||
			path[len(pattern)] == '/' {
			return len(pattern), true
		}
		return 0, false

	default:
		return 0, false
	}
}
