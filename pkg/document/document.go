package document

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/cuemby/corral/pkg/types"
	"gopkg.in/yaml.v3"
)

// Defaults are applied to every field a document leaves unset
type Defaults struct {
	StartTimeout   time.Duration
	DrainTimeout   time.Duration
	StopTimeout    time.Duration
	HealthInterval time.Duration
	HealthTimeout  time.Duration
	HealthRetries  int
	RestartBudget  int
	RestartWindow  time.Duration
}

// DefaultHealthPath is probed by http health checks without an explicit path
const DefaultHealthPath = "/healthz"

// Parse decodes a YAML or JSON document. Unknown fields are rejected.
func Parse(data []byte) (*types.Document, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, fmt.Errorf("%w: empty document", types.ErrInvalidConfig)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var doc types.Document
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrInvalidConfig, err)
	}

	var extra yaml.Node
	if err := dec.Decode(&extra); !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: multiple documents in one submission", types.ErrInvalidConfig)
	}

	return &doc, nil
}

// Load parses, normalizes and validates a submitted document
func Load(data []byte, d Defaults) (*types.Document, error) {
	doc, err := Parse(data)
	if err != nil {
		return nil, err
	}
	ApplyDefaults(doc, d)
	if err := Validate(doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// ApplyDefaults fills unset fields in place so the stored document is
// self-contained and later daemon setting changes never alter it
func ApplyDefaults(doc *types.Document, d Defaults) {
	for i := range doc.Routes {
		r := &doc.Routes[i]
		if r.PathType == "" {
			r.PathType = types.PathTypePrefix
		}
		r.PathType = types.PathType(strings.ToLower(string(r.PathType)))
		for j, m := range r.Methods {
			r.Methods[j] = strings.ToUpper(strings.TrimSpace(m))
		}
		r.Host = strings.ToLower(r.Host)
	}

	for i := range doc.Groups {
		g := &doc.Groups[i]
		if g.HealthCheck == nil {
			g.HealthCheck = &types.HealthCheck{Type: types.HealthCheckNone}
		}
		hc := g.HealthCheck
		if hc.Type == "" {
			hc.Type = types.HealthCheckHTTP
		}
		hc.Type = types.HealthCheckType(strings.ToLower(string(hc.Type)))
		if hc.Type == types.HealthCheckHTTP && hc.Path == "" {
			hc.Path = DefaultHealthPath
		}
		if hc.Interval == 0 {
			hc.Interval = types.Duration(d.HealthInterval)
		}
		if hc.Timeout == 0 {
			hc.Timeout = types.Duration(d.HealthTimeout)
		}
		if hc.Retries == 0 {
			hc.Retries = d.HealthRetries
		}

		if g.StartTimeout == 0 {
			g.StartTimeout = types.Duration(d.StartTimeout)
		}
		if g.DrainTimeout == 0 {
			g.DrainTimeout = types.Duration(d.DrainTimeout)
		}
		if g.StopTimeout == 0 {
			g.StopTimeout = types.Duration(d.StopTimeout)
		}
		if g.RestartBudget == 0 {
			g.RestartBudget = d.RestartBudget
		}
		if g.RestartWindow == 0 {
			g.RestartWindow = types.Duration(d.RestartWindow)
		}
	}
}

// Digest returns the SHA-256 of the document's canonical JSON encoding
func Digest(doc *types.Document) string {
	return hashJSON(doc)
}

// GroupDigest identifies a group spec; equal digests mean a live group can
// be reused as-is
func GroupDigest(spec *types.ProcessGroupSpec) string {
	return hashJSON(spec)
}

func hashJSON(v interface{}) string {
	// Struct fields encode in declaration order and map keys sorted, so the
	// encoding is stable for equal values.
	data, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("document: unencodable value: %v", err))
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
