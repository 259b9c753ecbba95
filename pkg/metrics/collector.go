package metrics

import (
	"time"

	"github.com/cuemby/corral/pkg/types"
)

// VersionSource lists stored configuration versions
type VersionSource interface {
	ListVersions() ([]*types.ConfigVersion, error)
}

// GroupSource reports live process groups
type GroupSource interface {
	Snapshot() []types.GroupStatus
}

// Collector periodically refreshes gauges from the control plane and pool
type Collector struct {
	versions VersionSource
	groups   GroupSource
	interval time.Duration
	stopCh   chan struct{}
}

// NewCollector creates a new metrics collector
func NewCollector(versions VersionSource, groups GroupSource, interval time.Duration) *Collector {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Collector{
		versions: versions,
		groups:   groups,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(c.interval)
	go func() {
		c.Collect()

		for {
			select {
			case <-ticker.C:
				c.Collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector
func (c *Collector) Stop() {
	close(c.stopCh)
}

// Collect refreshes every gauge once
func (c *Collector) Collect() {
	c.collectVersionMetrics()
	c.collectGroupMetrics()
}

func (c *Collector) collectVersionMetrics() {
	versions, err := c.versions.ListVersions()
	if err != nil {
		return
	}

	counts := map[types.VersionStatus]int{
		types.VersionPending:    0,
		types.VersionConverging: 0,
		types.VersionActive:     0,
		types.VersionSuperseded: 0,
		types.VersionFailed:     0,
	}
	var active types.Version
	for _, v := range versions {
		counts[v.Status]++
		if v.Status == types.VersionActive {
			active = v.Version
		}
	}

	for status, count := range counts {
		VersionsTotal.WithLabelValues(string(status)).Set(float64(count))
	}
	ActiveVersion.Set(float64(active))
}

func (c *Collector) collectGroupMetrics() {
	groupCounts := map[types.GroupState]int{
		types.GroupEmpty:    0,
		types.GroupStarting: 0,
		types.GroupReady:    0,
		types.GroupDraining: 0,
		types.GroupStopped:  0,
		types.GroupFailed:   0,
	}
	workerCounts := map[types.WorkerHealth]int{
		types.WorkerHealthUnknown:   0,
		types.WorkerHealthHealthy:   0,
		types.WorkerHealthUnhealthy: 0,
	}

	for _, g := range c.groups.Snapshot() {
		groupCounts[g.State]++
		for _, w := range g.Workers {
			workerCounts[w.Health]++
		}
	}

	for state, count := range groupCounts {
		GroupsTotal.WithLabelValues(string(state)).Set(float64(count))
	}
	for health, count := range workerCounts {
		WorkersTotal.WithLabelValues(string(health)).Set(float64(count))
	}
}
