package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Membership metrics
	Quorate = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "rgmanager_quorate",
			Help: "Whether the local node sees a quorate cluster (1 = quorate)",
		},
	)

	MemberCount = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "rgmanager_members_total",
			Help: "Number of cluster members in the current membership snapshot",
		},
	)

	MembershipGeneration = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "rgmanager_membership_generation",
			Help: "Generation of the current membership snapshot",
		},
	)

	MembershipEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rgmanager_membership_events_total",
			Help: "Membership notifications by outcome (effective or duplicate)",
		},
		[]string{"outcome"},
	)

	// Resource group metrics
	GroupsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "rgmanager_groups_total",
			Help: "Number of resource groups by local state",
		},
		[]string{"state"},
	)

	GroupsExcluded = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "rgmanager_groups_excluded_total",
			Help: "Number of resource groups excluded by configuration inconsistencies",
		},
	)

	TransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rgmanager_transitions_total",
			Help: "Resource group state transitions by target state",
		},
		[]string{"to"},
	)

	CASConflictsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rgmanager_cas_conflicts_total",
			Help: "Compare-and-set attempts that lost a race and were retried or dropped",
		},
	)

	// Resource agent metrics
	AgentInvocationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rgmanager_agent_invocations_total",
			Help: "Resource agent invocations by action and result",
		},
		[]string{"action", "result"},
	)

	AgentDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rgmanager_agent_duration_seconds",
			Help:    "Resource agent invocation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"action"},
	)

	// Reconciliation metrics
	ReconciliationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "rgmanager_reconciliation_duration_seconds",
			Help:    "Time taken for a reconciliation pass in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	ReconciliationCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rgmanager_reconciliation_cycles_total",
			Help: "Total number of reconciliation passes",
		},
	)

	ProbeErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rgmanager_probe_errors_total",
			Help: "Process table reads that failed",
		},
	)

	OrphansTerminatedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rgmanager_orphans_terminated_total",
			Help: "Orphaned processes signaled for stopped groups",
		},
	)

	RecoveriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rgmanager_recoveries_total",
			Help: "Started groups found without their process and sent to recovery",
		},
	)

	// Raft metrics
	RaftLeader = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "rgmanager_raft_is_leader",
			Help: "Whether this node is the raft leader (1 = leader)",
		},
	)

	RaftLogIndex = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "rgmanager_raft_last_log_index",
			Help: "Index of the last raft log entry",
		},
	)

	RaftAppliedIndex = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "rgmanager_raft_applied_index",
			Help: "Index of the last raft log entry applied to the state machine",
		},
	)
)

func init() {
	prometheus.MustRegister(Quorate)
	prometheus.MustRegister(MemberCount)
	prometheus.MustRegister(MembershipGeneration)
	prometheus.MustRegister(MembershipEventsTotal)
	prometheus.MustRegister(GroupsTotal)
	prometheus.MustRegister(GroupsExcluded)
	prometheus.MustRegister(TransitionsTotal)
	prometheus.MustRegister(CASConflictsTotal)
	prometheus.MustRegister(AgentInvocationsTotal)
	prometheus.MustRegister(AgentDuration)
	prometheus.MustRegister(ReconciliationDuration)
	prometheus.MustRegister(ReconciliationCyclesTotal)
	prometheus.MustRegister(ProbeErrorsTotal)
	prometheus.MustRegister(OrphansTerminatedTotal)
	prometheus.MustRegister(RecoveriesTotal)
	prometheus.MustRegister(RaftLeader)
	prometheus.MustRegister(RaftLogIndex)
	prometheus.MustRegister(RaftAppliedIndex)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
