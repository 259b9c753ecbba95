package controlplane

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cuemby/corral/pkg/document"
	"github.com/cuemby/corral/pkg/events"
	"github.com/cuemby/corral/pkg/log"
	"github.com/cuemby/corral/pkg/metrics"
	"github.com/cuemby/corral/pkg/pool"
	"github.com/cuemby/corral/pkg/router"
	"github.com/cuemby/corral/pkg/storage"
	"github.com/cuemby/corral/pkg/types"
	"github.com/rs/zerolog"
)

// Options wires the control plane to its collaborators
type Options struct {
	Store  storage.Store
	Pool   *pool.Manager
	Router *router.Router
	Events events.Publisher

	// Defaults fill unset document fields at submission
	Defaults document.Defaults

	// ConvergeTimeout bounds how long a version may stay converging
	ConvergeTimeout time.Duration

	// HistoryLimit is how many inactive versions are kept; 0 keeps all
	HistoryLimit int
}

// ControlPlane owns configuration versions and is the only writer of the
// router's active route table. Applies are processed one at a time.
type ControlPlane struct {
	opts   Options
	logger zerolog.Logger

	mu         sync.Mutex
	active     types.Version
	converging types.Version
	queue      []types.Version
	closed     bool
	wake       chan struct{}

	// instances maps a version to the pool instance of each of its groups
	instances map[types.Version]map[string]string
}

// New creates a control plane
func New(opts Options) *ControlPlane {
	if opts.ConvergeTimeout <= 0 {
		opts.ConvergeTimeout = 2 * time.Minute
	}
	return &ControlPlane{
		opts:      opts,
		logger:    log.WithComponent("controlplane"),
		wake:      make(chan struct{}, 1),
		instances: make(map[types.Version]map[string]string),
	}
}

// SubmitRaw parses a YAML or JSON document and submits it
func (c *ControlPlane) SubmitRaw(data []byte) (*types.ConfigVersion, error) {
	doc, err := document.Parse(data)
	if err != nil {
		c.rejected(err)
		return nil, err
	}
	return c.Submit(doc)
}

// Submit validates doc and stores it as a new pending version. An invalid
// document fails with an error wrapping types.ErrInvalidConfig and leaves
// every existing version untouched.
func (c *ControlPlane) Submit(doc *types.Document) (*types.ConfigVersion, error) {
	document.ApplyDefaults(doc, c.opts.Defaults)
	if err := document.Validate(doc); err != nil {
		c.rejected(err)
		return nil, err
	}

	now := time.Now()
	cv := &types.ConfigVersion{
		Digest:      document.Digest(doc),
		Document:    *doc,
		Status:      types.VersionPending,
		SubmittedAt: now,
		UpdatedAt:   now,
	}
	if _, err := c.opts.Store.CreateVersion(cv); err != nil {
		metrics.SubmissionsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("failed to store version: %w", err)
	}

	metrics.SubmissionsTotal.WithLabelValues("accepted").Inc()
	c.logger.Info().
		Uint64("version", uint64(cv.Version)).
		Str("digest", cv.Digest).
		Int("groups", len(doc.Groups)).
		Int("routes", len(doc.Routes)).
		Msg("Configuration submitted")
	c.publish(events.EventVersionSubmitted, cv, "")
	return cv, nil
}

func (c *ControlPlane) rejected(err error) {
	metrics.SubmissionsTotal.WithLabelValues("rejected").Inc()
	c.logger.Warn().Err(err).Msg("Configuration rejected")
	c.publishRaw(events.EventVersionRejected, err.Error(), nil)
}

// Apply queues version v for convergence and returns immediately. Applying
// the active version or one already queued is a no-op.
func (c *ControlPlane) Apply(v types.Version) error {
	if _, err := c.opts.Store.GetVersion(v); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return types.ErrShuttingDown
	}
	if v == c.active || v == c.converging {
		return nil
	}
	for _, q := range c.queue {
		if q == v {
			return nil
		}
	}
	c.queue = append(c.queue, v)
	c.signal()
	return nil
}

func (c *ControlPlane) signal() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// Status returns version v with the live state of its groups. A group that
// failed and has since been retired reports the failure it was recorded with.
func (c *ControlPlane) Status(v types.Version) (*types.ConfigVersion, error) {
	cv, err := c.opts.Store.GetVersion(v)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	ids := c.instances[v]
	c.mu.Unlock()

	records := make(map[string]types.GroupStatus, len(cv.GroupRecords))
	for _, rec := range cv.GroupRecords {
		records[rec.Name] = rec
	}
	cv.GroupRecords = nil

	for _, spec := range cv.Document.Groups {
		id := ids[spec.Name]
		if g, ok := c.opts.Pool.Get(id); ok && id != "" {
			cv.Groups = append(cv.Groups, g.Status())
			continue
		}
		if rec, ok := records[spec.Name]; ok {
			cv.Groups = append(cv.Groups, rec)
			continue
		}
		st := types.GroupStatus{
			Name:       spec.Name,
			InstanceID: id,
			Digest:     cv.GroupDigests[spec.Name],
			State:      types.GroupEmpty,
			Desired:    spec.Replicas,
		}
		if id != "" {
			st.State = types.GroupStopped
		}
		cv.Groups = append(cv.Groups, st)
	}
	return cv, nil
}

// Active returns the active version
func (c *ControlPlane) Active() (*types.ConfigVersion, error) {
	v, err := c.opts.Store.GetActive()
	if err != nil {
		return nil, err
	}
	if v == 0 {
		return nil, fmt.Errorf("%w: no active version", types.ErrVersionNotFound)
	}
	return c.Status(v)
}

// ListVersions returns every stored version, oldest first
func (c *ControlPlane) ListVersions() ([]*types.ConfigVersion, error) {
	return c.opts.Store.ListVersions()
}

// Groups returns every live process group
func (c *ControlPlane) Groups() []types.GroupStatus {
	return c.opts.Pool.Snapshot()
}

// Restore recovers state after a restart: versions left converging are
// marked failed and the previously active version is queued again
func (c *ControlPlane) Restore() error {
	versions, err := c.opts.Store.ListVersions()
	if err != nil {
		return fmt.Errorf("failed to list versions: %w", err)
	}
	active, err := c.opts.Store.GetActive()
	if err != nil {
		return fmt.Errorf("failed to read active version: %w", err)
	}

	for _, cv := range versions {
		switch {
		case cv.Status == types.VersionConverging:
			cv.Status = types.VersionFailed
			cv.Message = "interrupted by restart"
		case cv.Status == types.VersionActive && cv.Version != active:
			cv.Status = types.VersionSuperseded
		default:
			continue
		}
		cv.UpdatedAt = time.Now()
		if err := c.opts.Store.UpdateVersion(cv); err != nil {
			return fmt.Errorf("failed to update version %d: %w", cv.Version, err)
		}
		c.logger.Info().
			Uint64("version", uint64(cv.Version)).
			Str("status", string(cv.Status)).
			Msg("Recovered version status")
	}

	if active != 0 {
		c.logger.Info().Uint64("version", uint64(active)).Msg("Restoring active version")
		c.mu.Lock()
		c.queue = append(c.queue, active)
		c.signal()
		c.mu.Unlock()
	}
	return nil
}

// Run processes queued applies until ctx is cancelled
func (c *ControlPlane) Run(ctx context.Context) {
	metrics.UpdateComponent(metrics.ComponentControlPlane, true, "running")
	defer metrics.UpdateComponent(metrics.ComponentControlPlane, false, "stopped")

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.wake:
		}

		for {
			c.mu.Lock()
			if len(c.queue) == 0 || c.closed {
				c.mu.Unlock()
				break
			}
			v := c.queue[0]
			c.queue = c.queue[1:]
			c.converging = v
			c.mu.Unlock()

			c.converge(ctx, v)

			c.mu.Lock()
			c.converging = 0
			c.mu.Unlock()

			if ctx.Err() != nil {
				return
			}
		}
	}
}

// Shutdown stops accepting applies, lets in-flight requests finish and
// drains every worker, all bounded by ctx
func (c *ControlPlane) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true
	c.queue = nil
	c.mu.Unlock()

	c.logger.Info().Msg("Shutting down")

	var errs []error
	if err := c.opts.Router.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("router: %w", err))
	}
	if err := c.opts.Pool.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("pool: %w", err))
	}
	return errors.Join(errs...)
}

func (c *ControlPlane) activeVersion() types.Version {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// activeInstances returns the pool instance IDs the active version uses
func (c *ControlPlane) activeInstances() map[string]bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	keep := make(map[string]bool)
	for _, id := range c.instances[c.active] {
		keep[id] = true
	}
	return keep
}

func (c *ControlPlane) publish(t events.EventType, cv *types.ConfigVersion, message string) {
	c.publishRaw(t, message, map[string]string{
		"version": fmt.Sprintf("%d", cv.Version),
		"digest":  cv.Digest,
	})
}

func (c *ControlPlane) publishRaw(t events.EventType, message string, md map[string]string) {
	if c.opts.Events == nil {
		return
	}
	c.opts.Events.Publish(&events.Event{Type: t, Message: message, Metadata: md})
}

// prune deletes the oldest inactive versions beyond the history limit.
// Versions whose groups still have live workers are kept.
func (c *ControlPlane) prune() {
	if c.opts.HistoryLimit <= 0 {
		return
	}
	versions, err := c.opts.Store.ListVersions()
	if err != nil {
		c.logger.Warn().Err(err).Msg("Failed to list versions for pruning")
		return
	}

	var inactive []*types.ConfigVersion
	for _, cv := range versions {
		if cv.Status == types.VersionSuperseded || cv.Status == types.VersionFailed {
			inactive = append(inactive, cv)
		}
	}
	sort.Slice(inactive, func(i, j int) bool { return inactive[i].Version < inactive[j].Version })

	excess := len(inactive) - c.opts.HistoryLimit
	for _, cv := range inactive {
		if excess <= 0 {
			break
		}
		if c.referenced(cv.Version) {
			continue
		}
		if err := c.opts.Store.DeleteVersion(cv.Version); err != nil {
			c.logger.Warn().Err(err).Uint64("version", uint64(cv.Version)).Msg("Failed to prune version")
			continue
		}
		c.mu.Lock()
		delete(c.instances, cv.Version)
		c.mu.Unlock()
		excess--
		c.logger.Debug().Uint64("version", uint64(cv.Version)).Msg("Pruned version")
	}
}

// referenced reports whether any group of v still has a live instance
func (c *ControlPlane) referenced(v types.Version) bool {
	c.mu.Lock()
	ids := c.instances[v]
	active := c.active
	c.mu.Unlock()

	if v == active {
		return true
	}
	for _, id := range ids {
		if c.opts.Pool.Alive(id) {
			return true
		}
	}
	return false
}
