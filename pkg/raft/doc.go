// Package raft wraps hashicorp/raft as the Raft Core (spec §4.8): leader
// election, log replication, and the state machine that applies
// committed replicated-class operations back to the Router (C5). The
// ledger (C4) is both the Raft log and stable store directly
// (pkg/ledger/raftstore.go) rather than a separate raft-boltdb file set,
// so the tamper-evident hash chain and the replicated log are the same
// append stream.
package raft
