package raft

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/hashicorp/raft"
	"github.com/rs/zerolog"

	"github.com/sovereign/kernel/pkg/log"
	"github.com/sovereign/kernel/pkg/metrics"
	"github.com/sovereign/kernel/pkg/types"
)

// Applier receives a committed replicated-class command on every node in
// the cluster, leader and followers alike, and is responsible for making
// it locally observable (publishing to Router subscribers). Satisfied
// structurally by *router.Router's ApplyCommitted; this package never
// imports pkg/router so the acyclic call rule (spec §3: "C_i calls C_j
// only if j < i, with C8 depending on C4") isn't violated by an import
// cycle — only by a runtime callback, which the rule's own carve-out for
// Router back-edges anticipates.
type Applier interface {
	ApplyCommitted(header types.Header, payload []byte)
}

// command is the raft.Log.Data envelope: a replicated frame's header and
// payload, the same pair Router.Proposer.Propose receives.
type command struct {
	Header  types.Header
	Payload []byte
}

// FSM implements raft.FSM. It has no state of its own: every committed
// entry is already durable in the ledger (the Raft log itself), so
// Apply's only job is to hand the decoded command to the Applier.
type FSM struct {
	applier Applier
	logger  zerolog.Logger
}

// NewFSM builds an FSM that forwards committed commands to applier.
func NewFSM(applier Applier) *FSM {
	return &FSM{applier: applier, logger: log.WithComponent("raft")}
}

// Apply implements raft.FSM. It is invoked once per committed log entry,
// in log order, on every node — including the node that originally
// proposed it (spec §4.8 "last_applied advances monotonically toward
// commit_index ... application is idempotent under replay"). ApplyCommitted
// is itself idempotent (a pure publish-to-subscribers), so replay across
// a restart never double-applies side effects beyond redelivering the
// event to current subscribers.
func (f *FSM) Apply(l *raft.Log) interface{} {
	if l.Type != raft.LogCommand {
		// Raft's own membership/no-op log types carry nothing for this
		// state machine to apply.
		return nil
	}
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.RaftApplyDuration)

	var cmd command
	if err := json.Unmarshal(l.Data, &cmd); err != nil {
		f.logger.Error().Err(err).Uint64("index", l.Index).Msg("undecodable committed entry")
		return fmt.Errorf("%w: decode committed entry %d: %v", types.ErrInternal, l.Index, err)
	}
	f.applier.ApplyCommitted(cmd.Header, cmd.Payload)
	return nil
}

// Snapshot implements raft.FSM. The ledger retains full history rather
// than supporting prefix compaction (pkg/ledger's resolved open
// question), so there is no FSM-local state to capture beyond the log
// hashicorp/raft already has through the ledger as LogStore; this
// snapshot is an empty marker that lets Restore recognize "nothing to
// replay beyond the log itself" rather than a real state dump. node.go
// sets SnapshotThreshold high enough that this path is never exercised
// in practice.
func (f *FSM) Snapshot() (raft.FSMSnapshot, error) {
	return emptySnapshot{}, nil
}

// Restore implements raft.FSM. Symmetric with Snapshot: there is nothing
// to decode, since the ledger's own replay (loadTail plus GetLog over
// its full range) is how this state machine's effective state is
// reconstructed.
func (f *FSM) Restore(rc io.ReadCloser) error {
	return rc.Close()
}

type emptySnapshot struct{}

func (emptySnapshot) Persist(sink raft.SnapshotSink) error {
	return sink.Close()
}

func (emptySnapshot) Release() {}
