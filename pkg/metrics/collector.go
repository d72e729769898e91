package metrics

import (
	"time"

	"github.com/sovereign/kernel/pkg/router"
	"github.com/sovereign/kernel/pkg/scheduler"
	"github.com/sovereign/kernel/pkg/types"
)

// sessionCounter is the one piece of pkg/kernel state this collector needs
// (Kernel.SessionCount). It is expressed as an interface rather than an
// import of pkg/kernel: pkg/raft already imports pkg/metrics to report its
// own gauges (ReportMetrics, fsm.go's Apply timer), and pkg/kernel imports
// pkg/raft, so importing pkg/kernel here would close an import cycle
// (metrics -> kernel -> raft -> metrics).
type sessionCounter interface {
	SessionCount() int
}

// Collector periodically samples the Scheduler's run-queue health and the
// Router's queue depths into the Prometheus gauges in metrics.go, the same
// poll-and-set shape the teacher's manager-backed Collector used for
// cluster state.
type Collector struct {
	sched    *scheduler.Scheduler
	router   *router.Router
	sessions sessionCounter
	interval time.Duration
	stopCh   chan struct{}
}

// NewCollector builds a Collector over the given Scheduler, Router, and a
// SessionCount-reporting Kernel. interval <= 0 uses a 5 second default.
func NewCollector(sched *scheduler.Scheduler, r *router.Router, sessions sessionCounter, interval time.Duration) *Collector {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Collector{
		sched:    sched,
		router:   r,
		sessions: sessions,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins collecting metrics on a background goroutine.
func (c *Collector) Start() {
	ticker := time.NewTicker(c.interval)
	go func() {
		c.collect()
		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop halts the collector. Safe to call once; a second call panics on
// the closed channel, matching close()'s usual contract.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	c.collectSchedulerMetrics()
	c.collectRouterMetrics()
	c.collectSessionMetrics()
}

func (c *Collector) collectSchedulerMetrics() {
	if c.sched == nil {
		return
	}
	agents := c.sched.Snapshot()

	counts := map[string]int{"critical": 0, "high": 0, "normal": 0, "low": 0}
	stuck := 0
	for _, a := range agents {
		counts[priorityLabel(a.Info.Priority)]++
		if a.Stuck {
			stuck++
		}
	}
	for priority, count := range counts {
		AgentsTotal.WithLabelValues(priority).Set(float64(count))
	}
	AgentsStuck.Set(float64(stuck))
}

func (c *Collector) collectRouterMetrics() {
	if c.router == nil {
		return
	}
	depths := c.router.QueueDepths()
	labels := [4]string{"critical", "high", "normal", "low"}
	for i, depth := range depths {
		RouterQueueDepth.WithLabelValues(labels[i]).Set(float64(depth))
	}
}

func (c *Collector) collectSessionMetrics() {
	if c.sessions == nil {
		return
	}
	SessionsActive.Set(float64(c.sessions.SessionCount()))
}

func priorityLabel(p types.AgentPriority) string {
	switch p {
	case types.AgentPriorityCritical:
		return "critical"
	case types.AgentPriorityHigh:
		return "high"
	case types.AgentPriorityNormal:
		return "normal"
	default:
		return "low"
	}
}
