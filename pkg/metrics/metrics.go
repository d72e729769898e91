package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Scheduler metrics (C6)
	AgentsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "kernel_agents_total",
			Help: "Total number of registered agents by priority class",
		},
		[]string{"priority"},
	)

	AgentsStuck = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "kernel_agents_stuck",
			Help: "Number of agents flagged stuck (repeated forced quantum expiry with no yield)",
		},
	)

	// Router metrics (C5)
	RouterQueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "kernel_router_queue_depth",
			Help: "Current depth of each router priority queue",
		},
		[]string{"priority"},
	)

	// Bridge Session metrics (C7)
	SessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "kernel_sessions_active",
			Help: "Total number of currently established Bridge Sessions",
		},
	)

	// Raft metrics (C8)
	RaftLeader = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "kernel_raft_is_leader",
			Help: "Whether this node is the Raft leader (1 = leader, 0 = follower)",
		},
	)

	RaftPeers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "kernel_raft_peers_total",
			Help: "Total number of Raft peers in the cluster",
		},
	)

	RaftLogIndex = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "kernel_raft_log_index",
			Help: "Current Raft log index",
		},
	)

	RaftAppliedIndex = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "kernel_raft_applied_index",
			Help: "Last applied Raft log index",
		},
	)

	RaftApplyDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "kernel_raft_apply_duration_seconds",
			Help:    "Time taken by the FSM to apply a committed Raft log entry, in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	RaftCommitDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "kernel_raft_commit_duration_seconds",
			Help:    "Time taken for a proposal to commit through Raft, in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Capability Store metrics (C3)
	CapabilityTokensIssued = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kernel_capability_tokens_issued_total",
			Help: "Total number of capability tokens minted",
		},
	)

	CapabilityTokensRevoked = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kernel_capability_tokens_revoked_total",
			Help: "Total number of capability tokens revoked",
		},
	)
)

func init() {
	prometheus.MustRegister(AgentsTotal)
	prometheus.MustRegister(AgentsStuck)
	prometheus.MustRegister(RouterQueueDepth)
	prometheus.MustRegister(SessionsActive)
	prometheus.MustRegister(RaftLeader)
	prometheus.MustRegister(RaftPeers)
	prometheus.MustRegister(RaftLogIndex)
	prometheus.MustRegister(RaftAppliedIndex)
	prometheus.MustRegister(RaftApplyDuration)
	prometheus.MustRegister(RaftCommitDuration)
	prometheus.MustRegister(CapabilityTokensIssued)
	prometheus.MustRegister(CapabilityTokensRevoked)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
