package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/sovereign/kernel/pkg/log"
	"github.com/sovereign/kernel/pkg/session"
)

// Component is one lifecycle-managed unit of the kernel (C4 through C9, as
// registered by pkg/kernel; the capability store, C3, is not a
// Component). Run blocks until ctx is cancelled (a graceful
// shutdown request) or the component hits an unrecoverable error; it must
// return promptly once ctx.Done() fires. Stop performs any cleanup beyond
// what cancelling ctx already triggers (closing files, joining goroutines
// Run itself didn't wait on).
type Component interface {
	Name() string
	Run(ctx context.Context) error
	Stop() error
}

// entry is the Supervisor's bookkeeping for one registered Component.
type entry struct {
	component Component
	critical  bool
}

// ErrFatal wraps the error a critical component (the ledger, C4) returned,
// signalling the Supervisor has halted the whole process rather than
// restarting — spec §4.10: "C4 corruption is fatal and halts the process,
// requiring external repair."
var ErrFatal = errors.New("fatal component failure")

// Supervisor owns startup ordering, crash restart, and graceful shutdown
// for the kernel's components (spec §4.10).
type Supervisor struct {
	mu      sync.Mutex
	entries []entry
	logger  zerolog.Logger
}

// New builds an empty Supervisor; use Add to register components in the
// startup order spec §4.10 requires (C3 → C4 → C5 → C6 → C7/C9 → C8).
func New() *Supervisor {
	return &Supervisor{logger: log.WithComponent("supervisor")}
}

// Add registers a component to be started, in registration order, when Run
// is called. critical marks a component (only the ledger, in practice)
// whose failure halts the process instead of triggering a restart.
func (s *Supervisor) Add(c Component, critical bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, entry{component: c, critical: critical})
}

// Run starts every registered component in order and supervises them until
// ctx is cancelled, at which point it stops them in reverse order. It
// returns the wrapped ErrFatal error if a critical component failed, or nil
// on a clean shutdown.
func (s *Supervisor) Run(ctx context.Context) error {
	s.mu.Lock()
	entries := append([]entry(nil), s.entries...)
	s.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	fatal := make(chan error, 1)

	// Components are launched one at a time, in registration order: each
	// goroutine signals "started" before the next is spawned, so the
	// startup ordering spec §4.10 requires (C3 → C4 → C5 → C6 → C7/C9 →
	// C8) is a real sequencing guarantee, not just an iteration order.
	for _, e := range entries {
		started := make(chan struct{})
		wg.Add(1)
		go func(e entry) {
			defer wg.Done()
			s.supervise(runCtx, e, fatal, started)
		}(e)
		<-started
	}

	s.logger.Info().Int("components", len(entries)).Msg("supervisor started all components")

	var result error
	select {
	case <-ctx.Done():
	case err := <-fatal:
		result = err
		cancel()
	}

	for i := len(entries) - 1; i >= 0; i-- {
		if err := entries[i].component.Stop(); err != nil {
			s.logger.Error().Err(err).Str("component", entries[i].component.Name()).Msg("error stopping component")
		}
	}
	wg.Wait()

	return result
}

// supervise runs one component, restarting it with jittered exponential
// backoff on failure, until ctx is cancelled. A critical component's
// failure is reported on fatal instead of being retried.
func (s *Supervisor) supervise(ctx context.Context, e entry, fatal chan<- error, started chan<- struct{}) {
	policy := session.DefaultReconnectPolicy()
	attempt := 0

	for {
		if started != nil {
			close(started)
			started = nil
		}
		err := e.component.Run(ctx)
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			s.logger.Info().Str("component", e.component.Name()).Msg("component exited cleanly")
			return
		}

		if e.critical {
			s.logger.Error().Err(err).Str("component", e.component.Name()).Msg("critical component failed, halting")
			select {
			case fatal <- fmt.Errorf("%w: %s: %v", ErrFatal, e.component.Name(), err):
			default:
			}
			return
		}

		attempt++
		delay, _ := policy.NextDelay(attempt)
		s.logger.Warn().Err(err).Str("component", e.component.Name()).Int("attempt", attempt).
			Dur("backoff", delay).Msg("component crashed, restarting")

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}
