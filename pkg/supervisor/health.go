package supervisor

import (
	"github.com/sovereign/kernel/pkg/raft"
	"github.com/sovereign/kernel/pkg/scheduler"
)

// Snapshot is a point-in-time health sample of the components Supervision
// is responsible for reporting on (spec §4.10's "health sampling"). It is
// built on demand rather than pushed, the same as the scheduler's own
// Snapshot — a caller (a status RPC, a CLI command, a metrics scrape) asks
// for the current picture instead of every component streaming updates.
type Snapshot struct {
	Agents    []scheduler.AgentHealth
	RaftStats map[string]interface{}
	IsLeader  bool
}

// BuildSnapshot composes a Snapshot from the scheduler's run-queue health
// and the Raft node's cluster stats. Either argument may be nil (a node
// with no scheduler or not yet running Raft still reports what it has).
func BuildSnapshot(sched *scheduler.Scheduler, node *raft.Node) Snapshot {
	var snap Snapshot
	if sched != nil {
		snap.Agents = sched.Snapshot()
	}
	if node != nil {
		snap.RaftStats = node.Stats()
		snap.IsLeader = node.IsLeader()
	}
	return snap
}

// StuckAgents reports the subset of the snapshot's agents flagged stuck,
// for a caller (e.g. a CLI health command) that only cares about problems.
func (s Snapshot) StuckAgents() []scheduler.AgentHealth {
	var out []scheduler.AgentHealth
	for _, a := range s.Agents {
		if a.Stuck {
			out = append(out, a)
		}
	}
	return out
}
