package router

import (
	"time"

	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/sovereign/kernel/pkg/types"
)

type fakeAuthorizer struct {
	allow bool
	err   error
}

func (f *fakeAuthorizer) Verify(tok *types.Token, subject types.Identity, op types.Permission) error {
	if f.allow {
		return nil
	}
	return f.err
}

type fakeProposer struct {
	proposed []types.Header
}

func (f *fakeProposer) Propose(header types.Header, payload []byte) (uint64, error) {
	f.proposed = append(f.proposed, header)
	return uint64(len(f.proposed)), nil
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	for i := 0; i < 200; i++ {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestUnauthenticatedOpcodeAdmittedWithoutToken(t *testing.T) {
	auth := &fakeAuthorizer{allow: false, err: types.ErrCapability}
	r := New(auth, &fakeProposer{}, 8, 50)
	sub := make(Subscriber, 8)
	r.Subscribe(TopicForOpcode(types.OpHeartbeat), sub)
	r.Start()
	defer r.Stop()

	r.Submit(InboundFrame{Frame: types.Frame{Header: types.Header{Opcode: types.OpHeartbeat}}})

	waitFor(t, func() bool { return len(sub) == 1 })
}

func TestCapabilityRequiredOpcodeRejectedWithoutToken(t *testing.T) {
	r := New(&fakeAuthorizer{allow: true}, &fakeProposer{}, 8, 50)
	origin := make(Subscriber, 8)
	r.Start()
	defer r.Stop()

	r.Submit(InboundFrame{
		Frame:  types.Frame{Header: types.Header{Opcode: types.OpEventEmit}},
		Origin: origin,
	})

	waitFor(t, func() bool { return len(origin) == 1 })
	got := <-origin
	assert.Equal(t, types.OpErrorCapability, got.Header.Opcode)
}

func TestAuthorizedEmitAppliesLocally(t *testing.T) {
	r := New(&fakeAuthorizer{allow: true}, &fakeProposer{}, 8, 50)
	sub := make(Subscriber, 8)
	r.Subscribe(TopicForOpcode(types.OpEventEmit), sub)
	r.Start()
	defer r.Stop()

	tok := &types.Token{}
	r.Submit(InboundFrame{
		Frame: types.Frame{Header: types.Header{Opcode: types.OpEventEmit}},
		Token: tok,
	})

	waitFor(t, func() bool { return len(sub) == 1 })
}

func TestReplicatedOpcodeGoesToProposer(t *testing.T) {
	proposer := &fakeProposer{}
	r := New(&fakeAuthorizer{allow: true}, proposer, 8, 50)
	r.Start()
	defer r.Stop()

	r.Submit(InboundFrame{
		Frame: types.Frame{Header: types.Header{Opcode: types.OpStoragePut}},
		Token: &types.Token{},
	})

	waitFor(t, func() bool { return len(proposer.proposed) == 1 })
	assert.Equal(t, types.OpStoragePut, proposer.proposed[0].Opcode)
}

func TestBroadcastFlagDeliversToAllTopics(t *testing.T) {
	r := New(&fakeAuthorizer{allow: true}, &fakeProposer{}, 8, 50)
	subA := make(Subscriber, 8)
	subB := make(Subscriber, 8)
	r.Subscribe("topic-a", subA)
	r.Subscribe("topic-b", subB)
	r.Start()
	defer r.Stop()

	r.Submit(InboundFrame{
		Frame: types.Frame{Header: types.Header{Opcode: types.OpEventEmit, Flags: types.FlagBroadcast}},
		Token: &types.Token{},
	})

	waitFor(t, func() bool { return len(subA) == 1 && len(subB) == 1 })
}

func TestUnsubscribeAllRemovesEveryTopic(t *testing.T) {
	r := New(&fakeAuthorizer{allow: true}, &fakeProposer{}, 8, 50)
	sub := make(Subscriber, 8)
	r.Subscribe("a", sub)
	r.Subscribe("b", sub)

	r.UnsubscribeAll(sub)

	r.subMu.RLock()
	defer r.subMu.RUnlock()
	assert.Empty(t, r.subs["a"])
	assert.Empty(t, r.subs["b"])
}

func TestAntiStarvationPromotesLowerPriority(t *testing.T) {
	r := New(&fakeAuthorizer{allow: true}, &fakeProposer{}, 150, 2)
	sub := make(Subscriber, 150)
	r.Subscribe(TopicForOpcode(types.OpHeartbeat), sub)

	// Flood the critical queue, then enqueue one low-priority item; it
	// must eventually be serviced despite continuous critical traffic.
	for i := 0; i < 50; i++ {
		r.Submit(InboundFrame{Frame: types.Frame{Header: types.Header{Opcode: types.OpHeartbeat, Priority: types.PriorityCritical}}})
	}
	r.Submit(InboundFrame{Frame: types.Frame{Header: types.Header{Opcode: types.OpHeartbeat, Priority: types.PriorityLow}}})
	for i := 0; i < 50; i++ {
		r.Submit(InboundFrame{Frame: types.Frame{Header: types.Header{Opcode: types.OpHeartbeat, Priority: types.PriorityCritical}}})
	}

	r.Start()
	defer r.Stop()

	waitFor(t, func() bool { return len(sub) == 101 })
}
