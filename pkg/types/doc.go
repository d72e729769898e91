// Package types defines the wire-level and domain types shared across the
// kernel substrate: frame headers and opcodes (frame.go), capability tokens
// and permission bitmaps (capability.go), agent scheduling state
// (agent.go), ledger entries (ledger.go), bridge session state
// (session.go), and the sentinel error taxonomy (errors.go).
package types
