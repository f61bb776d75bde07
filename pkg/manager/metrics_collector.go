package manager

import (
	"strconv"
	"time"

	"github.com/cuemby/rgmanager/pkg/metrics"
	"github.com/cuemby/rgmanager/pkg/types"
)

const collectInterval = 15 * time.Second

// MetricsCollector refreshes gauges and component health from the manager
type MetricsCollector struct {
	manager *Manager
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewMetricsCollector creates a new metrics collector
func NewMetricsCollector(mgr *Manager) *MetricsCollector {
	return &MetricsCollector{
		manager: mgr,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *MetricsCollector) Start() {
	ticker := time.NewTicker(collectInterval)
	go func() {
		defer close(c.doneCh)
		defer ticker.Stop()

		// Collect immediately on start
		c.collect()

		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				return
			}
		}
	}()
}

// Stop stops the collector
func (c *MetricsCollector) Stop() {
	select {
	case <-c.stopCh:
		return
	default:
		close(c.stopCh)
	}
	<-c.doneCh
}

func (c *MetricsCollector) collect() {
	c.collectGroupMetrics()
	c.collectMembershipHealth()
	c.collectRaftMetrics()
}

func (c *MetricsCollector) collectGroupMetrics() {
	counts := make(map[types.GroupState]int, len(types.AllGroupStates))
	excluded := 0
	for _, st := range c.manager.Status() {
		counts[st.State]++
		if st.Excluded {
			excluded++
		}
	}

	for _, state := range types.AllGroupStates {
		metrics.GroupsTotal.WithLabelValues(string(state)).Set(float64(counts[state]))
	}
	metrics.GroupsExcluded.Set(float64(excluded))
}

func (c *MetricsCollector) collectMembershipHealth() {
	snap := c.manager.Membership()
	if snap.Quorate {
		metrics.UpdateComponent(metrics.ComponentMembership, true, "quorate")
	} else {
		metrics.UpdateComponent(metrics.ComponentMembership, false, "not quorate")
	}
}

func (c *MetricsCollector) collectRaftMetrics() {
	stats := c.manager.RaftStats()
	if stats == nil {
		return
	}

	if c.manager.IsLeader() {
		metrics.RaftLeader.Set(1)
	} else {
		metrics.RaftLeader.Set(0)
	}

	if lastIndex, err := strconv.ParseUint(stats["last_log_index"], 10, 64); err == nil {
		metrics.RaftLogIndex.Set(float64(lastIndex))
	}
	if appliedIndex, err := strconv.ParseUint(stats["applied_index"], 10, 64); err == nil {
		metrics.RaftAppliedIndex.Set(float64(appliedIndex))
	}

	leader := c.manager.Leader()
	if leader == types.Unowned {
		metrics.UpdateComponent(metrics.ComponentCluster, false, "no leader")
	} else {
		metrics.UpdateComponent(metrics.ComponentCluster, true, "leader "+string(leader))
	}
}
