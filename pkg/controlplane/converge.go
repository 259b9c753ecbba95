package controlplane

import (
	"context"
	"fmt"
	"time"

	"github.com/cuemby/corral/pkg/document"
	"github.com/cuemby/corral/pkg/events"
	"github.com/cuemby/corral/pkg/log"
	"github.com/cuemby/corral/pkg/metrics"
	"github.com/cuemby/corral/pkg/pool"
	"github.com/cuemby/corral/pkg/router"
	"github.com/cuemby/corral/pkg/types"
	"golang.org/x/sync/errgroup"
)

// groupBackend lets the router pick workers from a pool group
type groupBackend struct {
	group *pool.Group
}

func (b groupBackend) Name() string {
	return b.group.Name()
}

func (b groupBackend) Pick(exclude string) router.Endpoint {
	if w := b.group.Pick(exclude); w != nil {
		return w
	}
	return nil
}

// converge brings version v up and cuts over to it once every group is
// ready. On failure the active version keeps serving.
func (c *ControlPlane) converge(ctx context.Context, v types.Version) {
	logger := log.WithVersion(uint64(v))

	cv, err := c.opts.Store.GetVersion(v)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to load version for apply")
		return
	}
	if v == c.activeVersion() {
		logger.Debug().Msg("Version already active")
		return
	}

	timer := metrics.NewTimer()
	logger.Info().Int("groups", len(cv.Document.Groups)).Msg("Converging version")

	cv.Status = types.VersionConverging
	cv.Message = ""
	cv.GroupRecords = nil
	cv.UpdatedAt = time.Now()
	if err := c.opts.Store.UpdateVersion(cv); err != nil {
		logger.Error().Err(err).Msg("Failed to record converging status")
		return
	}
	c.publish(events.EventVersionConverging, cv, "")

	ctx, cancel := context.WithTimeout(ctx, c.opts.ConvergeTimeout)
	defer cancel()

	doc := &cv.Document
	if err := c.opts.Router.Prepare(doc.Listeners); err != nil {
		c.fail(cv, err, nil)
		return
	}

	groups := make(map[string]*pool.Group, len(doc.Groups))
	ids := make(map[string]string, len(doc.Groups))
	cv.GroupDigests = make(map[string]string, len(doc.Groups))
	for i := range doc.Groups {
		spec := doc.Groups[i]
		digest := document.GroupDigest(&spec)
		g, err := c.opts.Pool.Ensure(spec, digest)
		if err != nil {
			c.track(v, ids)
			c.fail(cv, fmt.Errorf("group %s: %w", spec.Name, err), groups)
			return
		}
		groups[spec.Name] = g
		ids[spec.Name] = g.ID()
		cv.GroupDigests[spec.Name] = digest
	}
	c.track(v, ids)

	// Every group is waited on to the end; one failing group does not
	// cut short the others
	var eg errgroup.Group
	for _, g := range groups {
		g := g
		eg.Go(func() error {
			return g.WaitReady(ctx)
		})
	}
	if err := eg.Wait(); err != nil {
		c.fail(cv, err, groups)
		return
	}

	backends := make(map[string]router.Backend, len(groups))
	for name, g := range groups {
		backends[name] = groupBackend{group: g}
	}
	table, err := router.NewRouteTable(v, doc.Routes, backends)
	if err != nil {
		c.fail(cv, err, groups)
		return
	}

	c.cutover(cv, table)
	timer.ObserveDuration(metrics.ConvergeDuration)
	logger.Info().Dur("duration", timer.Duration()).Msg("Version active")
}

// cutover swaps the route table, records the new active version and
// drains whatever the previous version used exclusively
func (c *ControlPlane) cutover(cv *types.ConfigVersion, table *router.RouteTable) {
	prevVersion := c.activeVersion()
	c.opts.Router.Swap(table)

	now := time.Now()
	cv.Status = types.VersionActive
	cv.Message = ""
	cv.UpdatedAt = now
	cv.ActivatedAt = &now

	var superseded []*types.ConfigVersion
	if prevVersion != 0 {
		prev, err := c.opts.Store.GetVersion(prevVersion)
		if err != nil {
			c.logger.Warn().Err(err).Uint64("version", uint64(prevVersion)).Msg("Failed to load previous version")
		} else {
			prev.Status = types.VersionSuperseded
			prev.UpdatedAt = now
			superseded = append(superseded, prev)
		}
	}
	if err := c.opts.Store.Activate(cv, superseded...); err != nil {
		c.logger.Error().Err(err).Uint64("version", uint64(cv.Version)).Msg("Failed to persist active version")
	}

	c.mu.Lock()
	c.active = cv.Version
	c.mu.Unlock()

	metrics.ActiveVersion.Set(float64(cv.Version))
	metrics.CutoversTotal.WithLabelValues("success").Inc()
	metrics.UpdateComponent(metrics.ComponentRouter, true, fmt.Sprintf("serving version %d", cv.Version))
	c.publish(events.EventVersionActive, cv, "")
	for _, prev := range superseded {
		c.publish(events.EventVersionSuperseded, prev, "")
	}

	c.opts.Pool.Retain(c.activeInstances())
	c.opts.Router.Retire(cv.Document.Listeners)
	c.prune()
}

// fail records a convergence failure. The active version is not touched.
// Groups of the failed version that are ready or failed stay in the pool:
// ready ones can be reused by a corrected version and failed ones keep
// reporting why. Both are retired by the next cutover.
func (c *ControlPlane) fail(cv *types.ConfigVersion, err error, groups map[string]*pool.Group) {
	cv.Status = types.VersionFailed
	cv.Message = err.Error()
	cv.UpdatedAt = time.Now()
	cv.GroupRecords = nil
	for _, spec := range cv.Document.Groups {
		if g, ok := groups[spec.Name]; ok && g.State() == types.GroupFailed {
			st := g.Status()
			st.Workers = nil
			cv.GroupRecords = append(cv.GroupRecords, st)
		}
	}
	if uerr := c.opts.Store.UpdateVersion(cv); uerr != nil {
		c.logger.Error().Err(uerr).Uint64("version", uint64(cv.Version)).Msg("Failed to record failed status")
	}

	metrics.CutoversTotal.WithLabelValues("failed").Inc()
	logger := log.WithVersion(uint64(cv.Version))
	logger.Error().Err(err).Msg("Version failed to converge")
	c.publish(events.EventVersionFailed, cv, err.Error())

	keep := c.activeInstances()
	for _, g := range groups {
		switch g.State() {
		case types.GroupReady, types.GroupFailed:
			keep[g.ID()] = true
		}
	}
	c.opts.Pool.Retain(keep)

	var listeners []types.Listener
	if active := c.activeVersion(); active != 0 {
		if acv, gerr := c.opts.Store.GetVersion(active); gerr == nil {
			listeners = acv.Document.Listeners
		}
	}
	c.opts.Router.Retire(listeners)
	c.prune()
}

func (c *ControlPlane) track(v types.Version, ids map[string]string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.instances[v] = ids
}
