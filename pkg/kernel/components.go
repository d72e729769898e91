package kernel

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/sovereign/kernel/pkg/ledger"
	"github.com/sovereign/kernel/pkg/metrics"
	"github.com/sovereign/kernel/pkg/raft"
	"github.com/sovereign/kernel/pkg/router"
	"github.com/sovereign/kernel/pkg/scheduler"
	"github.com/sovereign/kernel/pkg/types"
	"github.com/sovereign/kernel/pkg/wire"
)

// ledgerVerifyInterval is how often the ledgerComponent re-walks the hash
// chain looking for tamper (spec §4.4). Append chains each new entry from
// the cached tail hash without re-checking stored entries, so this sweep
// is what detects out-of-band file corruption.
const ledgerVerifyInterval = time.Minute

// ledgerComponent supervises the Ledger (C4). It is registered critical:
// spec §4.10/§7 treat ledger corruption as fatal to the whole process
// rather than a restartable fault.
type ledgerComponent struct {
	ledger *ledger.Ledger
	logger zerolog.Logger
}

func (c *ledgerComponent) Name() string { return "ledger" }

func (c *ledgerComponent) Run(ctx context.Context) error {
	metrics.RegisterComponent("ledger", true, "")
	ticker := time.NewTicker(ledgerVerifyInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := c.ledger.Verify(); err != nil {
				c.logger.Error().Err(err).Msg("ledger hash chain verification failed")
				metrics.RegisterComponent("ledger", false, err.Error())
				return err
			}
		}
	}
}

func (c *ledgerComponent) Stop() error {
	return c.ledger.Close()
}

// routerComponent supervises the Event Bus / Router (C5) dispatch loop.
type routerComponent struct {
	router *router.Router
}

func (c *routerComponent) Name() string { return "router" }

func (c *routerComponent) Run(ctx context.Context) error {
	metrics.RegisterComponent("router", true, "")
	c.router.Start()
	<-ctx.Done()
	return nil
}

func (c *routerComponent) Stop() error {
	c.router.Stop()
	return nil
}

// raftComponent supervises the Raft core (C8): once Bootstrap has run
// (done during kernel construction, not here — hashicorp/raft errors if
// BootstrapCluster is called a second time, which a restarted Run would
// otherwise trigger), the only ongoing work is periodically refreshing
// the Prometheus gauges pkg/raft.Node.ReportMetrics exposes.
type raftComponent struct {
	node   *raft.Node
	logger zerolog.Logger
}

func (c *raftComponent) Name() string { return "raft" }

func (c *raftComponent) Run(ctx context.Context) error {
	metrics.RegisterComponent("raft", true, "")
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c.node.ReportMetrics()
		}
	}
}

func (c *raftComponent) Stop() error {
	return c.node.Shutdown()
}

// schedulerBridge drives the Scheduler (C6) from committed agent-lifecycle
// events: it subscribes to the Router topics OpAgentSpawn/OpAgentKill
// publish to once Raft commits them (every node in the cluster applies
// the same sequence, so every node's Scheduler stays consistent) and
// turns each into a Register/Unregister call. The Scheduler itself has no
// goroutine of its own (pkg/scheduler's doc comment: "a host loop drives
// agent turns"); this bridge is that host loop's registration half.
type schedulerBridge struct {
	sched  *scheduler.Scheduler
	router *router.Router
	logger zerolog.Logger

	sub router.Subscriber
}

func (c *schedulerBridge) Name() string { return "scheduler" }

func (c *schedulerBridge) Run(ctx context.Context) error {
	c.sub = make(router.Subscriber, 64)
	c.router.Subscribe(router.TopicForOpcode(types.OpAgentSpawn), c.sub)
	c.router.Subscribe(router.TopicForOpcode(types.OpAgentKill), c.sub)

	for {
		select {
		case <-ctx.Done():
			return nil
		case frame := <-c.sub:
			c.apply(frame)
		}
	}
}

func (c *schedulerBridge) apply(frame types.Frame) {
	switch frame.Header.Opcode {
	case types.OpAgentSpawn:
		var p types.AgentSpawnPayload
		if err := wire.DecodePayload(wire.JSON, frame, &p); err != nil {
			c.logger.Warn().Err(err).Msg("undecodable agent spawn event")
			return
		}
		id := c.sched.Register(p.Priority, p.Capabilities)
		c.logger.Info().Uint64("agent_id", id).Str("priority", priorityLogName(p.Priority)).Msg("agent registered")
	case types.OpAgentKill:
		var p types.AgentKillPayload
		if err := wire.DecodePayload(wire.JSON, frame, &p); err != nil {
			c.logger.Warn().Err(err).Msg("undecodable agent kill event")
			return
		}
		if err := c.sched.Unregister(p.AgentID); err != nil {
			c.logger.Warn().Err(err).Uint64("agent_id", p.AgentID).Msg("kill of unknown agent")
		}
	}
}

func (c *schedulerBridge) Stop() error {
	if c.sub != nil {
		c.router.UnsubscribeAll(c.sub)
	}
	return nil
}

// metricsComponent drives pkg/metrics.Collector's periodic sampling of the
// Scheduler and Router for the lifetime of the kernel; it has no health
// of its own to report since a missed sample is only ever a momentary
// staleness, not a functional failure of any of C3-C9.
type metricsComponent struct {
	collector *metrics.Collector
}

func (c *metricsComponent) Name() string { return "metrics" }

func (c *metricsComponent) Run(ctx context.Context) error {
	c.collector.Start()
	<-ctx.Done()
	return nil
}

func (c *metricsComponent) Stop() error {
	c.collector.Stop()
	return nil
}

func priorityLogName(p types.AgentPriority) string {
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
