/*
Package metrics provides Prometheus metrics and component health for rgmanager.

All collectors are package-level variables registered with the default
Prometheus registry at init time. Components update them directly:

	metrics.TransitionsTotal.WithLabelValues(string(types.GroupStateStarted)).Inc()

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.ReconciliationDuration)

# Metrics

Membership:

  - rgmanager_quorate: 1 while the local node sees a quorate cluster
  - rgmanager_members_total: member count of the current snapshot
  - rgmanager_membership_generation: generation of the current snapshot
  - rgmanager_membership_events_total{outcome}: effective vs duplicate notifications

Resource groups:

  - rgmanager_groups_total{state}: groups per local state (refreshed by the manager's collector)
  - rgmanager_groups_excluded_total: groups excluded by configuration inconsistencies
  - rgmanager_transitions_total{to}: successful state transitions
  - rgmanager_cas_conflicts_total: compare-and-set races lost

Agents and reconciliation:

  - rgmanager_agent_invocations_total{action,result}
  - rgmanager_agent_duration_seconds{action}
  - rgmanager_reconciliation_duration_seconds, rgmanager_reconciliation_cycles_total
  - rgmanager_probe_errors_total, rgmanager_orphans_terminated_total, rgmanager_recoveries_total

# Health

UpdateComponent records per-component health. GetHealth is unhealthy when any
component is unhealthy; GetReadiness requires every critical component
(membership, scheduler and reconciler by default) to be registered and healthy.
HealthHandler, ReadyHandler, LivenessHandler and Handler are mounted by the api
package's HealthServer on /health, /ready, /live and /metrics.
*/
package metrics
