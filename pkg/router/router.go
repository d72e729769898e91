// Package router implements the Event Bus / Router (C5): topic
// subscription and fan-out, a priority-queued dispatch loop with
// anti-starvation promotion, and default-deny capability authorization on
// every inbound frame.
package router

import (
	"errors"
	"fmt"
	"sync"

	"github.com/sovereign/kernel/pkg/types"
)

// Authorizer is the capability-verification surface the Router depends
// on (satisfied by *capability.Store). Kept as an interface so the
// acyclic call rule (spec §5: "C_i calls C_j only if j < i") is expressed
// in code, not just convention, and so the dispatch loop is testable
// without a real Store.
type Authorizer interface {
	Verify(tok *types.Token, subject types.Identity, op types.Permission) error
}

// Proposer submits an admitted, replicated-class event to the Raft core
// (C8) and reports once it is committed. Implemented by *raft.Node.
type Proposer interface {
	Propose(header types.Header, payload []byte) (index uint64, err error)
}

// Subscriber receives routed frames for the topics it subscribed to. The
// channel is bounded; a slow subscriber drops frames rather than stalling
// the router (spec §4.5 fan-out is best-effort per subscriber).
type Subscriber chan types.Frame

// opToPermission maps an opcode to the permission bit the Router checks
// it against. Opcodes not present here are either unauthenticated (spec
// §4.5 default-deny exemptions) or session-level frames (attestation,
// capability exchange) that the Bridge Session consumes itself; dispatch
// rejects those if they reach the Router.
var opToPermission = map[types.Opcode]types.Permission{
	types.OpAgentSpawn:        types.PermSpawn,
	types.OpAgentKill:         types.PermKill,
	types.OpResourceAlloc:     types.PermAlloc,
	types.OpResourceFree:      types.PermFree,
	types.OpStorageGet:        types.PermRead,
	types.OpStorageList:       types.PermRead,
	types.OpStoragePut:        types.PermWrite,
	types.OpStorageDelete:     types.PermWrite,
	types.OpEventEmit:         types.PermEmit,
	types.OpEventBroadcast:    types.PermEmit,
	types.OpEventSubscribe:    types.PermSubscribe,
	types.OpEventUnsubscribe:  types.PermSubscribe,
	types.OpResourceLimit:     types.PermReconfigure,
	types.OpTokenMint:         types.PermSecurityAdmin,
	types.OpTokenRevoke:       types.PermSecurityAdmin,
	types.OpNodeJoin:          types.PermFederationJoin,
	types.OpNodeLeave:         types.PermFederationJoin,
	types.OpNodeDiscover:      types.PermFederationJoin,
	types.OpSyncRequest:       types.PermFederationSync,
	types.OpSyncResponse:      types.PermFederationSync,
	types.OpConsensus:         types.PermFederationSync,
	types.OpAgentPause:        types.PermKill,
	types.OpAgentResume:       types.PermSpawn,
	types.OpAgentStatus:       types.PermRead,
	types.OpAgentEvent:        types.PermEmit,
	types.OpResourceQuery:     types.PermRead,
	types.OpShutdown:          types.PermReconfigure,
}

// replicated is the set of opcodes the Router submits to the Raft
// proposer rather than applying locally (spec §4.5/§4.8).
var replicated = map[types.Opcode]bool{
	types.OpStoragePut:    true,
	types.OpStorageDelete: true,
	types.OpAgentSpawn:    true,
	types.OpAgentKill:     true,
	types.OpResourceAlloc: true,
	types.OpResourceFree:  true,
	types.OpNodeJoin:      true,
	types.OpNodeLeave:     true,
}

// InboundFrame pairs a frame with the token presented for it (nil if
// capability_id was 0) and the session it arrived on, so the dispatch
// loop can route rejections back to the originating session only.
type InboundFrame struct {
	Frame   types.Frame
	Token   *types.Token
	Subject types.Identity
	Origin  Subscriber
}

// Router owns the (topic -> subscriber set) map and the multi-level
// priority queue (spec §3 "The Router owns subscription tables").
type Router struct {
	auth     Authorizer
	proposer Proposer

	subMu sync.RWMutex // reader-preferring: subscribe/unsubscribe are rare (spec §5)
	subs  map[string]map[Subscriber]bool

	queues           [4]chan InboundFrame
	starvationTicks  [4]uint64
	starvationThresh uint64

	stop chan struct{}
	done chan struct{}
}

// New creates a Router. queueDepth bounds each priority level's queue;
// starvationThreshold is the tick count after which a lower-priority
// queue gets one promoted item per Router tick (spec §4.5).
func New(auth Authorizer, proposer Proposer, queueDepth int, starvationThreshold uint64) *Router {
	r := &Router{
		auth:             auth,
		proposer:         proposer,
		subs:             make(map[string]map[Subscriber]bool),
		starvationThresh: starvationThreshold,
		stop:             make(chan struct{}),
		done:             make(chan struct{}),
	}
	for i := range r.queues {
		r.queues[i] = make(chan InboundFrame, queueDepth)
	}
	return r
}

// Subscribe registers sub to receive frames published on topic.
func (r *Router) Subscribe(topic string, sub Subscriber) {
	r.subMu.Lock()
	defer r.subMu.Unlock()
	if r.subs[topic] == nil {
		r.subs[topic] = make(map[Subscriber]bool)
	}
	r.subs[topic][sub] = true
}

// Unsubscribe removes sub from topic. Called when a session tears down
// so its subscriptions don't outlive it (spec §3).
func (r *Router) Unsubscribe(topic string, sub Subscriber) {
	r.subMu.Lock()
	defer r.subMu.Unlock()
	if set, ok := r.subs[topic]; ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(r.subs, topic)
		}
	}
}

// UnsubscribeAll removes sub from every topic, used on session teardown.
func (r *Router) UnsubscribeAll(sub Subscriber) {
	r.subMu.Lock()
	defer r.subMu.Unlock()
	for topic, set := range r.subs {
		delete(set, sub)
		if len(set) == 0 {
			delete(r.subs, topic)
		}
	}
}

// Submit enqueues in onto the priority queue its frame's Priority names.
// It blocks only as long as that queue is full; callers should treat a
// block here as backpressure from C9/session throttling, not an error.
func (r *Router) Submit(in InboundFrame) {
	level := int(in.Frame.Header.Priority)
	if level < 0 || level > 3 {
		level = 3
	}
	r.queues[level] <- in
}

// Start runs the dispatch loop in a new goroutine.
func (r *Router) Start() {
	go r.run()
}

// Stop halts the dispatch loop and waits for it to exit.
func (r *Router) Stop() {
	close(r.stop)
	<-r.done
}

// QueueDepths reports the current length of each priority queue, indexed
// critical-to-low, for metrics collection; reading len() on a buffered
// channel is safe without additional locking.
func (r *Router) QueueDepths() [4]int {
	var depths [4]int
	for i := range r.queues {
		depths[i] = len(r.queues[i])
	}
	return depths
}

// run is the Router's dispatch loop: service queues from critical to low,
// draining each to emptiness before moving to the next, except that any
// queue which has waited longer than starvationThresh Router ticks gets
// one promoted item dispatched first (spec §4.5). A "tick" here is one
// iteration of this loop, not a wall-clock unit — ticks only accrue while
// there is contention (some queue is non-empty); when every queue is
// empty the loop blocks on the channels themselves rather than spinning.
func (r *Router) run() {
	defer close(r.done)
	for {
		if r.idle() {
			select {
			case <-r.stop:
				return
			case in := <-r.queues[0]:
				r.starvationTicks[0] = 0
				r.dispatch(in)
			case in := <-r.queues[1]:
				r.starvationTicks[1] = 0
				r.dispatch(in)
			case in := <-r.queues[2]:
				r.starvationTicks[2] = 0
				r.dispatch(in)
			case in := <-r.queues[3]:
				r.starvationTicks[3] = 0
				r.dispatch(in)
			}
			continue
		}

		select {
		case <-r.stop:
			return
		default:
		}

		r.ageStarvationCounters()
		if r.promoteStarved() {
			continue
		}
		r.drainOneByPriority()
	}
}

// idle reports whether every priority queue is currently empty.
func (r *Router) idle() bool {
	for level := 0; level < 4; level++ {
		if len(r.queues[level]) > 0 {
			return false
		}
	}
	return true
}

// ageStarvationCounters advances the tick count for every non-empty
// queue; the one serviced this iteration is reset separately by whichever
// of promoteStarved/drainOneByPriority dispatches it.
func (r *Router) ageStarvationCounters() {
	for level := 0; level < 4; level++ {
		if len(r.queues[level]) > 0 {
			r.starvationTicks[level]++
		}
	}
}

// drainOneByPriority dispatches a single item from the highest-priority
// non-empty queue, without blocking. Returns false if every queue is
// empty.
func (r *Router) drainOneByPriority() bool {
	for level := 0; level < 4; level++ {
		select {
		case in := <-r.queues[level]:
			r.starvationTicks[level] = 0
			r.dispatch(in)
			return true
		default:
		}
	}
	return false
}

// promoteStarved dispatches one item from the lowest-priority (highest
// index) queue whose starvation tick count has reached the threshold,
// ahead of strict priority order.
func (r *Router) promoteStarved() bool {
	for level := 3; level > 0; level-- {
		if r.starvationTicks[level] < r.starvationThresh {
			continue
		}
		select {
		case in := <-r.queues[level]:
			r.starvationTicks[level] = 0
			r.dispatch(in)
			return true
		default:
		}
	}
	return false
}

// dispatch authorizes in.Frame and either applies it locally, proposes it
// to Raft, broadcasts it, or rejects it back to the origin (spec §4.5).
func (r *Router) dispatch(in InboundFrame) {
	op := in.Frame.Header.Opcode

	if op.RequiresCapability() {
		if in.Token == nil {
			r.reject(in, fmt.Errorf("%w: capability_id 0 not permitted for opcode %d", types.ErrCapability, op))
			return
		}
		perm, known := opToPermission[op]
		if !known {
			// Handshake/attestation/capability-exchange frames are
			// consumed by the Bridge Session before a capability exists
			// to check (spec §4.6); any such opcode reaching the Router
			// directly is anomalous and fails closed rather than being
			// silently admitted.
			r.reject(in, fmt.Errorf("%w: no permission mapping for opcode %d", types.ErrCapability, op))
			return
		}
		if err := r.auth.Verify(in.Token, in.Subject, perm); err != nil {
			r.reject(in, err)
			return
		}
	}

	switch {
	case in.Frame.Header.Flags.Has(types.FlagBroadcast) || op == types.OpEventBroadcast:
		r.broadcast(in.Frame)
	case replicated[op]:
		// Propose blocks until the entry commits (spec §4.8); the commit
		// itself drives FSM.Apply on every node including this one via
		// Applier, so the only thing left to do here on success is
		// nothing — applyLocal would double-publish. A proposal that
		// fails (not leader, timed out, rejected) never reaches the FSM
		// and is reported back to the origin instead.
		if _, err := r.proposer.Propose(in.Frame.Header, in.Frame.Payload); err != nil {
			r.reject(in, err)
		}
	default:
		r.applyLocal(in)
	}
}

// applyLocal delivers a system-class event directly to the topic derived
// from its opcode without going through Raft.
func (r *Router) applyLocal(in InboundFrame) {
	r.publish(TopicForOpcode(in.Frame.Header.Opcode), in.Frame)
}

// ApplyCommitted publishes a replicated command to local subscribers once
// the Raft core (C8) has applied it to its FSM. It is called on every
// node in the cluster, not only the one that proposed it, which is why
// replicated-class opcodes skip applyLocal in dispatch: the local
// publish for the proposing node happens here too, driven by its own
// commit notification rather than by Submit's caller. Satisfies the
// Applier interface pkg/raft's FSM depends on structurally (no import
// from this package back to raft, keeping the acyclic call rule intact).
func (r *Router) ApplyCommitted(header types.Header, payload []byte) {
	r.publish(TopicForOpcode(header.Opcode), types.Frame{Header: header, Payload: payload})
}

// broadcast delivers a frame to every subscriber of every topic.
func (r *Router) broadcast(frame types.Frame) {
	r.subMu.RLock()
	defer r.subMu.RUnlock()
	for _, set := range r.subs {
		for sub := range set {
			select {
			case sub <- frame:
			default:
			}
		}
	}
}

// publish delivers frame to topic's subscribers, preserving ledger-index
// order within a subscription by never reordering within a single
// publish call (spec §4.5 ordering guarantee).
func (r *Router) publish(topic string, frame types.Frame) {
	r.subMu.RLock()
	defer r.subMu.RUnlock()
	for sub := range r.subs[topic] {
		select {
		case sub <- frame:
		default:
			// Subscriber's bounded queue is full; drop rather than block
			// the Router (spec §4.5 is best-effort fan-out per subscriber).
		}
	}
}

// reject emits the rejection back to the originating session only (spec
// §4.5c), never broadcast.
func (r *Router) reject(in InboundFrame, cause error) {
	if in.Origin == nil {
		return
	}
	diagnostic := []byte(cause.Error())
	errFrame := types.Frame{
		Header: types.Header{
			Opcode:     ErrorOpcodeFor(cause),
			Priority:   types.PriorityHigh,
			Seq:        in.Frame.Header.Seq,
			PayloadLen: uint32(len(diagnostic)),
		},
		Payload: diagnostic,
	}
	select {
	case in.Origin <- errFrame:
	default:
	}
}

// ErrorOpcodeFor maps a spec §7 error-taxonomy cause to the OpError*
// opcode a peer receives for it. Shared by Router.reject and
// pkg/session's shutdown path so every error frame the substrate emits,
// whichever component originates it, uses the same mapping.
func ErrorOpcodeFor(err error) types.Opcode {
	switch {
	case types.RequiresReauth(err):
		switch {
		case errors.Is(err, types.ErrCapability):
			return types.OpErrorCapability
		default:
			return types.OpErrorAuth
		}
	case errors.Is(err, types.ErrResource):
		return types.OpErrorResource
	case errors.Is(err, types.ErrNotFound):
		return types.OpErrorNotFound
	case errors.Is(err, types.ErrExists):
		return types.OpErrorExists
	default:
		return types.OpErrorGeneric
	}
}

// TopicForOpcode returns the topic an opcode's frames publish to, so a
// caller outside this package (pkg/kernel's scheduler bridge subscribes
// agent lifecycle opcodes to drive the Scheduler from committed events)
// can Subscribe to exactly what applyLocal/ApplyCommitted publish.
func TopicForOpcode(op types.Opcode) string {
	return fmt.Sprintf("opcode:%d", op)
}
