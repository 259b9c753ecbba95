package document

import (
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/cuemby/corral/pkg/types"
)

// Bounds enforced on group specs
const (
	MaxReplicas      = 256
	MaxTimeout       = time.Hour
	MaxRestartBudget = 1000
	MaxHealthRetries = 100
	MaxRateLimit     = 1e6
)

var (
	// nameRe also matches a single DNS label
	nameRe  = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?$`)
	tokenRe = regexp.MustCompile(`^[A-Z]+$`)
	envRe   = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*=`)

	rlimitTypes = map[string]bool{
		"RLIMIT_AS": true, "RLIMIT_CORE": true, "RLIMIT_CPU": true, "RLIMIT_DATA": true,
		"RLIMIT_FSIZE": true, "RLIMIT_LOCKS": true, "RLIMIT_MEMLOCK": true, "RLIMIT_MSGQUEUE": true,
		"RLIMIT_NICE": true, "RLIMIT_NOFILE": true, "RLIMIT_NPROC": true, "RLIMIT_RSS": true,
		"RLIMIT_RTPRIO": true, "RLIMIT_RTTIME": true, "RLIMIT_SIGPENDING": true, "RLIMIT_STACK": true,
	}
)

// Problem is one reason a document was rejected
type Problem struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (p Problem) String() string {
	return p.Field + ": " + p.Message
}

// ValidationError lists every problem found in a document. It matches
// types.ErrInvalidConfig with errors.Is.
type ValidationError struct {
	Problems []Problem
}

func (e *ValidationError) Error() string {
	if len(e.Problems) == 1 {
		return fmt.Sprintf("%s: %s", types.ErrInvalidConfig, e.Problems[0])
	}
	parts := make([]string, len(e.Problems))
	for i, p := range e.Problems {
		parts[i] = p.String()
	}
	return fmt.Sprintf("%s: %d problems: %s", types.ErrInvalidConfig, len(e.Problems), strings.Join(parts, "; "))
}

func (e *ValidationError) Unwrap() error {
	return types.ErrInvalidConfig
}

type validator struct {
	problems []Problem
}

func (v *validator) addf(field, format string, args ...interface{}) {
	v.problems = append(v.problems, Problem{Field: field, Message: fmt.Sprintf(format, args...)})
}

// Validate checks schema, route syntax, duplicate routes, references and
// resource bounds. It returns *ValidationError or nil.
func Validate(doc *types.Document) error {
	v := &validator{}

	listeners := v.listeners(doc.Listeners)
	groups := v.groups(doc.Groups)
	v.routes(doc.Routes, listeners, groups)

	if len(v.problems) > 0 {
		return &ValidationError{Problems: v.problems}
	}
	return nil
}

func (v *validator) listeners(listeners []types.Listener) map[string]bool {
	names := make(map[string]bool)
	addrs := make(map[string]string)

	for i, l := range listeners {
		field := fmt.Sprintf("listeners[%d]", i)
		if !nameRe.MatchString(l.Name) {
			v.addf(field+".name", "%q is not a valid name", l.Name)
		} else if names[l.Name] {
			v.addf(field+".name", "duplicate listener %q", l.Name)
		}
		names[l.Name] = true

		host, port, err := net.SplitHostPort(l.Address)
		if err != nil {
			v.addf(field+".address", "%q is not host:port", l.Address)
			continue
		}
		if p, err := strconv.Atoi(port); err != nil || p < 0 || p > 65535 {
			v.addf(field+".address", "invalid port %q", port)
		}
		if host != "" && net.ParseIP(host) == nil && !isHostname(host) {
			v.addf(field+".address", "invalid host %q", host)
		}
		if other, dup := addrs[l.Address]; dup {
			v.addf(field+".address", "address %s already used by listener %q", l.Address, other)
		}
		addrs[l.Address] = l.Name
	}
	return names
}

func (v *validator) groups(groups []types.ProcessGroupSpec) map[string]bool {
	names := make(map[string]bool)

	for i := range groups {
		g := &groups[i]
		field := fmt.Sprintf("groups[%d]", i)
		if g.Name != "" {
			field = fmt.Sprintf("groups[%s]", g.Name)
		}

		if !nameRe.MatchString(g.Name) {
			v.addf(field+".name", "%q is not a valid name", g.Name)
		} else if names[g.Name] {
			v.addf(field+".name", "duplicate group %q", g.Name)
		}
		names[g.Name] = true

		if g.Replicas < 0 || g.Replicas > MaxReplicas {
			v.addf(field+".replicas", "must be between 0 and %d", MaxReplicas)
		}
		if len(g.Command) == 0 || g.Command[0] == "" {
			v.addf(field+".command", "is required")
		}
		for j, kv := range g.Env {
			if !envRe.MatchString(kv) {
				v.addf(fmt.Sprintf("%s.env[%d]", field, j), "%q is not KEY=value", kv)
			}
		}

		v.timeout(field+".start_timeout", g.StartTimeout)
		v.timeout(field+".drain_timeout", g.DrainTimeout)
		v.timeout(field+".stop_timeout", g.StopTimeout)
		v.timeout(field+".restart_window", g.RestartWindow)
		if g.RestartBudget < 1 || g.RestartBudget > MaxRestartBudget {
			v.addf(field+".restart_budget", "must be between 1 and %d", MaxRestartBudget)
		}

		v.healthCheck(field+".health_check", g.HealthCheck)
		v.resources(field+".resources", g.Resources)
	}
	return names
}

func (v *validator) timeout(field string, d types.Duration) {
	if d <= 0 || d.Std() > MaxTimeout {
		v.addf(field, "must be positive and at most %s", MaxTimeout)
	}
}

func (v *validator) healthCheck(field string, hc *types.HealthCheck) {
	if hc == nil {
		return
	}
	switch hc.Type {
	case types.HealthCheckHTTP:
		if !strings.HasPrefix(hc.Path, "/") {
			v.addf(field+".path", "must start with /")
		}
	case types.HealthCheckExec:
		if len(hc.Command) == 0 {
			v.addf(field+".command", "is required for exec checks")
		}
	case types.HealthCheckTCP, types.HealthCheckGRPC, types.HealthCheckNone:
	default:
		v.addf(field+".type", "unknown type %q", hc.Type)
		return
	}
	if hc.Type == types.HealthCheckNone {
		return
	}
	v.timeout(field+".interval", hc.Interval)
	v.timeout(field+".timeout", hc.Timeout)
	if hc.Retries < 1 || hc.Retries > MaxHealthRetries {
		v.addf(field+".retries", "must be between 1 and %d", MaxHealthRetries)
	}
}

func (v *validator) resources(field string, res *types.Resources) {
	if res == nil {
		return
	}
	seen := make(map[string]bool)
	for i, rl := range res.Rlimits {
		f := fmt.Sprintf("%s.rlimits[%d]", field, i)
		if !rlimitTypes[rl.Type] {
			v.addf(f+".type", "unknown rlimit %q", rl.Type)
		}
		if seen[rl.Type] {
			v.addf(f+".type", "duplicate rlimit %q", rl.Type)
		}
		seen[rl.Type] = true
		if rl.Soft > rl.Hard {
			v.addf(f, "soft limit %d exceeds hard limit %d", rl.Soft, rl.Hard)
		}
	}
}

func (v *validator) routes(routes []types.Route, listeners, groups map[string]bool) {
	names := make(map[string]bool)
	seen := make(map[string][]string) // match key -> methods of earlier routes
	owner := make(map[string]string)

	for i := range routes {
		r := &routes[i]
		field := fmt.Sprintf("routes[%d]", i)
		if r.Name != "" {
			field = fmt.Sprintf("routes[%s]", r.Name)
		}

		if !nameRe.MatchString(r.Name) {
			v.addf(field+".name", "%q is not a valid name", r.Name)
		} else if names[r.Name] {
			v.addf(field+".name", "duplicate route %q", r.Name)
		}
		names[r.Name] = true

		if !listeners[r.Listener] {
			v.addf(field+".listener", "unknown listener %q", r.Listener)
		}
		if !groups[r.Group] {
			v.addf(field+".group", "unknown group %q", r.Group)
		}

		if !validPath(r.Path) {
			v.addf(field+".path", "%q must start with / and contain no spaces, query or fragment", r.Path)
		}
		if r.PathType != types.PathTypePrefix && r.PathType != types.PathTypeExact {
			v.addf(field+".path_type", "must be prefix or exact")
		}
		if r.Host != "" && !validHostPattern(r.Host) {
			v.addf(field+".host", "%q is not a hostname or *.suffix pattern", r.Host)
		}
		for _, m := range r.Methods {
			if !tokenRe.MatchString(m) {
				v.addf(field+".methods", "%q is not a method token", m)
			}
		}
		if r.StripPrefix != "" && !validPath(r.StripPrefix) {
			v.addf(field+".strip_prefix", "%q must start with /", r.StripPrefix)
		}
		if rl := r.RateLimit; rl != nil {
			if rl.RequestsPerSecond <= 0 || rl.RequestsPerSecond > MaxRateLimit {
				v.addf(field+".rate_limit.requests_per_second", "must be between 0 and %g", MaxRateLimit)
			}
			if rl.Burst < 1 {
				v.addf(field+".rate_limit.burst", "must be at least 1")
			}
		}

		key := strings.Join([]string{r.Listener, r.Host, string(r.PathType), r.Path}, "|")
		if prev, ok := seen[key]; ok && methodsOverlap(prev, r.Methods) {
			v.addf(field, "duplicates route %q (same listener, host and path)", owner[key])
		}
		seen[key] = append(seen[key], r.Methods...)
		if len(r.Methods) == 0 {
			seen[key] = append(seen[key], "*")
		}
		if _, ok := owner[key]; !ok {
			owner[key] = r.Name
		}
	}
}

func methodsOverlap(prev, next []string) bool {
	if len(next) == 0 || len(prev) == 0 {
		return true
	}
	for _, p := range prev {
		if p == "*" {
			return true
		}
		for _, n := range next {
			if p == n {
				return true
			}
		}
	}
	return false
}

func validPath(p string) bool {
	if !strings.HasPrefix(p, "/") {
		return false
	}
	return !strings.ContainsAny(p, " \t\r\n?#")
}

func validHostPattern(h string) bool {
	return isHostname(strings.TrimPrefix(h, "*."))
}

func isHostname(h string) bool {
	if h == "" || len(h) > 253 {
		return false
	}
	for _, label := range strings.Split(h, ".") {
		if !nameRe.MatchString(label) {
			return false
		}
	}
	return true
}
