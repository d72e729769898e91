/*
Package metrics provides Prometheus metrics collection and exposition for
the kernel substrate.

The metrics package defines and registers every gauge, counter, and
histogram for the substrate's components using the Prometheus client
library, giving observability into scheduler run-queue health, router
backpressure, Raft replication state, and capability issuance. Metrics are
exposed via HTTP endpoint for scraping by Prometheus servers.

# Architecture

	┌──────────────────── METRICS SYSTEM ──────────────────────┐
	│                                                            │
	│  ┌────────────────────────────────────────────┐          │
	│  │          Prometheus Registry                │          │
	│  │  - Global DefaultRegistry                   │          │
	│  │  - MustRegister at package init             │          │
	│  │  - Automatic Go runtime metrics             │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │           Metric Categories                 │          │
	│  │                                              │          │
	│  │  Scheduler (C6): agents by priority, stuck   │          │
	│  │  Router (C5): queue depth by priority        │          │
	│  │  Bridge Session (C7): active session count  │          │
	│  │  Raft (C8): leader, peers, log/applied index│          │
	│  │  Capability Store (C3): tokens issued/revoked│          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │          HTTP Metrics Endpoint              │          │
	│  │  - Path: /metrics                           │          │
	│  │  - Format: Prometheus text exposition       │          │
	│  │  - Handler: promhttp.Handler()              │          │
	│  └────────────────────────────────────────────┘           │
	└────────────────────────────────────────────────────────┘

# Metrics Catalog

Scheduler Metrics:

kernel_agents_total{priority}:
  - Type: Gauge
  - Description: Registered agents by priority class (critical/high/normal/low)

kernel_agents_stuck:
  - Type: Gauge
  - Description: Agents flagged stuck by repeated forced quantum expiry

Router Metrics:

kernel_router_queue_depth{priority}:
  - Type: Gauge
  - Description: Current depth of each router priority queue

Bridge Session Metrics:

kernel_sessions_active:
  - Type: Gauge
  - Description: Currently established Bridge Sessions

Raft Metrics:

kernel_raft_is_leader:
  - Type: Gauge
  - Description: Whether this node is Raft leader (1=leader, 0=follower)

kernel_raft_peers_total:
  - Type: Gauge
  - Description: Total Raft peers in cluster

kernel_raft_log_index / kernel_raft_applied_index:
  - Type: Gauge
  - Description: Current and last-applied Raft log index

kernel_raft_apply_duration_seconds / kernel_raft_commit_duration_seconds:
  - Type: Histogram
  - Description: FSM apply time and end-to-end proposal commit time

Capability Store Metrics:

kernel_capability_tokens_issued_total / kernel_capability_tokens_revoked_total:
  - Type: Counter
  - Description: Lifetime capability token issuance/revocation counts

# Usage

	timer := metrics.NewTimer()
	// ... perform operation ...
	timer.ObserveDuration(metrics.RaftApplyDuration)

	http.Handle("/metrics", metrics.Handler())
	http.ListenAndServe("127.0.0.1:9090", nil)

# Integration Points

  - pkg/kernel: runs the Collector against its scheduler/router/session count
  - pkg/raft: self-reports leader/log-index/peer gauges and apply/commit timers
  - cmd/kernel: serves /metrics, /health, /ready, /live on a background listener

# Design Patterns

Package Init Registration: all metrics are registered in init(); MustRegister
panics on duplicate registration, so metrics are guaranteed available before
main() runs and before the Collector's first tick.

Timer Pattern: construct at operation start, observe into a histogram when
the operation completes — works for both a single histogram and a vector.
*/
package metrics
