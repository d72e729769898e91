package types

// AgentState is the lifecycle state of a scheduled runnable (spec §3).
type AgentState uint8

const (
	AgentUnregistered AgentState = iota
	AgentReady
	AgentRunning
	AgentYielded
	AgentSleeping
	AgentBlocked
)

func (s AgentState) String() string {
	switch s {
	case AgentUnregistered:
		return "unregistered"
	case AgentReady:
		return "ready"
	case AgentRunning:
		return "running"
	case AgentYielded:
		return "yielded"
	case AgentSleeping:
		return "sleeping"
	case AgentBlocked:
		return "blocked"
	default:
		return "unknown"
	}
}

// AgentPriority is the scheduling class an agent declares (0..3, spec §3/§4.6).
type AgentPriority uint8

const (
	AgentPriorityCritical AgentPriority = 0
	AgentPriorityHigh     AgentPriority = 1
	AgentPriorityNormal   AgentPriority = 2
	AgentPriorityLow      AgentPriority = 3
)

// quantumMultiplier returns the base-quantum multiplier for a priority
// class, up to 8x for the highest class (spec §4.6).
func (p AgentPriority) quantumMultiplier() int {
	switch p {
	case AgentPriorityCritical:
		return 8
	case AgentPriorityHigh:
		return 4
	case AgentPriorityNormal:
		return 2
	default:
		return 1
	}
}

// BaseQuantumTicks is the quantum granted to the lowest priority class.
const BaseQuantumTicks = 100

// Quantum returns the tick budget granted to an agent of this priority.
func (p AgentPriority) Quantum() uint64 {
	return uint64(BaseQuantumTicks * p.quantumMultiplier())
}

// AgentInfo is the bookkeeping record the scheduler keeps per registered
// agent (spec §3).
type AgentInfo struct {
	ID            uint64
	Priority      AgentPriority
	State         AgentState
	RuntimeTicks  uint64
	LastYieldTick uint64
	ReadySince    uint64 // tick at which the agent became Ready, for anti-starvation boosting
	Capabilities  Permission
}

// AgentSpawnPayload is the OpAgentSpawn frame body: the priority class and
// permission bitmap the new agent is registered with. It is a replicated
// command (spec §4.5/§4.8), so every node's scheduler registers the agent
// identically once Raft commits it.
type AgentSpawnPayload struct {
	Priority     AgentPriority
	Capabilities Permission
}

// AgentSpawnedEvent carries the scheduler-assigned agent ID for a
// committed AgentSpawnPayload. No package in this module publishes it.
type AgentSpawnedEvent struct {
	AgentID uint64
}

// AgentKillPayload is the OpAgentKill frame body: the agent to unregister.
type AgentKillPayload struct {
	AgentID uint64
}
