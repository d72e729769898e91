// Package supervisor implements the kernel substrate's lifecycle owner
// (C10): startup ordering, jittered-backoff restart of crashed components,
// periodic health sampling, and graceful shutdown.
//
// The numbered components that run goroutines (C4 through C9; the
// capability store, C3, has none and is not registered) are registered
// here as Components and started in the order the caller adds them, mirroring spec
// §4.10's required sequence (C3 → C4 → C5 → C6 → C7/C9 → C8). A Component
// that returns a non-nil error from Run after having started is treated as
// a crash: the Supervisor restarts it with exponential backoff and jitter,
// except for the one Component marked critical at registration — by spec
// §4.10 and §7, corruption of the ledger (C4) is fatal to the whole
// process, not a restartable fault.
package supervisor
