// Package scheduler implements the cooperative agent scheduler (spec §4.6):
// priority-classed ready queues, quantum-based execution, voluntary and
// forced yield, and anti-starvation promotion. It is a policy object, not a
// background loop — callers drive agent turns by calling Next/Tick/Yield,
// the same way pkg/capability's Store is consulted synchronously rather
// than running its own goroutine.
package scheduler
