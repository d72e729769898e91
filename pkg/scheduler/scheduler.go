package scheduler

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/sovereign/kernel/pkg/log"
	"github.com/sovereign/kernel/pkg/types"
)

// record is the scheduler's private bookkeeping for one registered agent,
// layered on top of the public types.AgentInfo snapshot.
type record struct {
	info           types.AgentInfo
	quantumUsed    uint64 // ticks consumed since this agent was last dispatched
	boosted        bool   // currently sitting in a higher queue than info.Priority via anti-starvation
	consecutiveExp uint64 // consecutive quantum expiries with no intervening voluntary yield
}

// Scheduler is the cooperative agent scheduler of spec §4.6. It holds no
// goroutine of its own: a host loop drives agent turns by calling Next to
// obtain the next runnable agent, Tick to report progress against its
// quantum, and Yield when the agent voluntarily gives up the remainder of
// its turn. All bookkeeping is tick-based (a "tick" is one unit of agent
// work reported via Tick, not wall-clock time), matching the ledger/router
// packages' preference for logical over wall-clock units in scheduling
// decisions.
type Scheduler struct {
	mu     sync.Mutex
	logger zerolog.Logger

	agents map[uint64]*record
	queues [4][]uint64 // FIFO ready queue per types.AgentPriority, 0=critical..3=low

	nextID uint64
	tick   uint64

	boostThreshold uint64 // spec §4.6 default 1000: idle ticks before anti-starvation promotion

	running *uint64 // id of the agent currently holding the CPU, nil if none
}

// New constructs a Scheduler. boostThreshold is config.Config.BoostThreshold.
func New(boostThreshold uint64) *Scheduler {
	return &Scheduler{
		logger:         log.WithComponent("scheduler"),
		agents:         make(map[uint64]*record),
		boostThreshold: boostThreshold,
	}
}

// Register enqueues a new agent as Ready in its declared priority class and
// returns its assigned ID.
func (s *Scheduler) Register(priority types.AgentPriority, caps types.Permission) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	id := s.nextID
	s.agents[id] = &record{
		info: types.AgentInfo{
			ID:           id,
			Priority:     priority,
			State:        types.AgentReady,
			ReadySince:   s.tick,
			Capabilities: caps,
		},
	}
	s.enqueue(priority, id)
	s.logger.Debug().Uint64("agent_id", id).Str("priority", priorityName(priority)).Msg("agent registered")
	return id
}

// Unregister removes an agent entirely, wherever it currently sits (ready
// queue, running, sleeping, or blocked).
func (s *Scheduler) Unregister(id uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.agents[id]
	if !ok {
		return fmt.Errorf("%w: agent %d", types.ErrNotFound, id)
	}
	if rec.info.State == types.AgentReady {
		s.removeFromQueue(rec.queueClass(), id)
	}
	if s.running != nil && *s.running == id {
		s.running = nil
	}
	delete(s.agents, id)
	return nil
}

// queueClass is the ready queue a Ready agent currently occupies: its
// boosted class if anti-starvation promoted it, otherwise its own.
func (r *record) queueClass() types.AgentPriority {
	if r.boosted && r.info.Priority > types.AgentPriorityCritical {
		return r.info.Priority - 1
	}
	return r.info.Priority
}

func (s *Scheduler) enqueue(class types.AgentPriority, id uint64) {
	s.queues[class] = append(s.queues[class], id)
}

func (s *Scheduler) removeFromQueue(class types.AgentPriority, id uint64) {
	q := s.queues[class]
	for i, v := range q {
		if v == id {
			s.queues[class] = append(q[:i], q[i+1:]...)
			return
		}
	}
}

// promoteStarved scans every non-critical ready queue for agents that have
// been Ready for more than boostThreshold ticks and migrates the head of
// each such run to the tail of the next-higher class, per spec §4.6's
// "temporarily promoted one priority class". The promotion is temporary in
// that it is tracked on the record, not the agent's declared Priority: the
// next voluntary or forced Yield re-enqueues at the agent's true class.
func (s *Scheduler) promoteStarved() {
	for class := types.AgentPriorityLow; class > types.AgentPriorityCritical; class-- {
		q := s.queues[class]
		var kept []uint64
		for _, id := range q {
			rec := s.agents[id]
			if s.tick-rec.info.ReadySince > s.boostThreshold && !rec.boosted {
				rec.boosted = true
				s.enqueue(class-1, id)
				s.logger.Debug().Uint64("agent_id", id).Msg("anti-starvation promotion")
				continue
			}
			kept = append(kept, id)
		}
		s.queues[class] = kept
	}
}

// Next selects the next agent to run: the head of the highest-priority
// non-empty ready queue, after applying anti-starvation promotion. It
// returns (0, false) if no agent is currently Ready.
func (s *Scheduler) Next() (uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.promoteStarved()

	for class := types.AgentPriorityCritical; class <= types.AgentPriorityLow; class++ {
		q := s.queues[class]
		if len(q) == 0 {
			continue
		}
		id := q[0]
		s.queues[class] = q[1:]

		rec := s.agents[id]
		rec.info.State = types.AgentRunning
		rec.quantumUsed = 0
		s.running = &id
		s.tick++
		return id, true
	}
	return 0, false
}

// Tick reports ticks of work performed by the currently running agent
// against its quantum. If the quantum is exhausted the agent is forced to
// a yield point exactly as Yield would do, and expired is true.
func (s *Scheduler) Tick(id uint64, ticks uint64) (expired bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.runningRecord(id)
	if err != nil {
		return false, err
	}
	rec.quantumUsed += ticks
	if rec.quantumUsed < rec.info.Priority.Quantum() {
		return false, nil
	}
	rec.consecutiveExp++
	s.yieldLocked(id, rec)
	return true, nil
}

// Yield voluntarily returns the currently running agent to Ready at the
// tail of its class's queue, resetting its quantum counter.
func (s *Scheduler) Yield(id uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.runningRecord(id)
	if err != nil {
		return err
	}
	rec.consecutiveExp = 0
	s.yieldLocked(id, rec)
	return nil
}

func (s *Scheduler) yieldLocked(id uint64, rec *record) {
	rec.info.RuntimeTicks += rec.quantumUsed
	rec.info.LastYieldTick = s.tick
	rec.info.ReadySince = s.tick
	rec.info.State = types.AgentReady
	rec.boosted = false
	rec.quantumUsed = 0
	s.running = nil
	s.enqueue(rec.info.Priority, id)
}

func (s *Scheduler) runningRecord(id uint64) (*record, error) {
	rec, ok := s.agents[id]
	if !ok {
		return nil, fmt.Errorf("%w: agent %d", types.ErrNotFound, id)
	}
	if s.running == nil || *s.running != id {
		return nil, fmt.Errorf("%w: agent %d is not the running agent", types.ErrInternal, id)
	}
	return rec, nil
}

// Sleep takes an agent out of the ready/running rotation voluntarily (e.g.
// awaiting a timer); it must be woken explicitly via Wake.
func (s *Scheduler) Sleep(id uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.agents[id]
	if !ok {
		return fmt.Errorf("%w: agent %d", types.ErrNotFound, id)
	}
	switch rec.info.State {
	case types.AgentReady:
		s.removeFromQueue(rec.queueClass(), id)
	case types.AgentRunning:
		if s.running != nil && *s.running == id {
			s.running = nil
		}
	default:
		return fmt.Errorf("%w: agent %d is not ready or running", types.ErrInternal, id)
	}
	rec.info.State = types.AgentSleeping
	rec.boosted = false
	return nil
}

// Wake returns a sleeping agent to Ready.
func (s *Scheduler) Wake(id uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.agents[id]
	if !ok {
		return fmt.Errorf("%w: agent %d", types.ErrNotFound, id)
	}
	if rec.info.State != types.AgentSleeping {
		return fmt.Errorf("%w: agent %d is not sleeping", types.ErrInternal, id)
	}
	rec.info.State = types.AgentReady
	rec.info.ReadySince = s.tick
	s.enqueue(rec.info.Priority, id)
	return nil
}

// Block marks an agent as waiting on an external event (e.g. a Router
// reply); like Sleep it leaves rotation, but Block signals an involuntary
// wait rather than a voluntary one.
func (s *Scheduler) Block(id uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.agents[id]
	if !ok {
		return fmt.Errorf("%w: agent %d", types.ErrNotFound, id)
	}
	switch rec.info.State {
	case types.AgentReady:
		s.removeFromQueue(rec.queueClass(), id)
	case types.AgentRunning:
		if s.running != nil && *s.running == id {
			s.running = nil
		}
	default:
		return fmt.Errorf("%w: agent %d is not ready or running", types.ErrInternal, id)
	}
	rec.info.State = types.AgentBlocked
	rec.boosted = false
	return nil
}

// Unblock returns a blocked agent to Ready.
func (s *Scheduler) Unblock(id uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.agents[id]
	if !ok {
		return fmt.Errorf("%w: agent %d", types.ErrNotFound, id)
	}
	if rec.info.State != types.AgentBlocked {
		return fmt.Errorf("%w: agent %d is not blocked", types.ErrInternal, id)
	}
	rec.info.State = types.AgentReady
	rec.info.ReadySince = s.tick
	s.enqueue(rec.info.Priority, id)
	return nil
}

// AgentState returns a point-in-time snapshot of one agent's bookkeeping.
func (s *Scheduler) AgentState(id uint64) (types.AgentInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.agents[id]
	if !ok {
		return types.AgentInfo{}, false
	}
	return rec.info, true
}

// Snapshot returns the run-queue health snapshot consumed by Supervision:
// every registered agent's bookkeeping plus whether it is currently stuck
// (its quantum has expired repeatedly with no intervening voluntary yield,
// a sign it is making no forward progress).
func (s *Scheduler) Snapshot() []AgentHealth {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]AgentHealth, 0, len(s.agents))
	for _, rec := range s.agents {
		out = append(out, AgentHealth{
			Info:    rec.info,
			Stuck:   rec.consecutiveExp >= stuckExpiryThreshold,
			Expired: rec.consecutiveExp,
		})
	}
	return out
}

// stuckExpiryThreshold is the number of consecutive forced quantum expiries
// (with no voluntary yield in between) after which an agent is reported
// Stuck in the health snapshot.
const stuckExpiryThreshold = 3

// AgentHealth is one entry of the scheduler's run-queue health snapshot.
type AgentHealth struct {
	Info    types.AgentInfo
	Stuck   bool
	Expired uint64
}

func priorityName(p types.AgentPriority) string {
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
