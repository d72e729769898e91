package raft

import (
	"encoding/json"
	"io"
	"strings"
	"sync"
	"testing"

	hraft "github.com/hashicorp/raft"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sovereign/kernel/pkg/types"
)

type fakeApplier struct {
	mu      sync.Mutex
	applied []types.Header
}

func (f *fakeApplier) ApplyCommitted(header types.Header, payload []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.applied = append(f.applied, header)
}

func (f *fakeApplier) len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.applied)
}

func TestFSMApplyForwardsToApplier(t *testing.T) {
	applier := &fakeApplier{}
	fsm := NewFSM(applier)

	data, err := json.Marshal(command{Header: types.Header{Opcode: types.OpEventEmit}, Payload: []byte("p")})
	require.NoError(t, err)

	resp := fsm.Apply(&hraft.Log{Type: hraft.LogCommand, Index: 1, Data: data})
	assert.Nil(t, resp)
	assert.Equal(t, 1, applier.len())
}

func TestFSMApplyIgnoresNonCommandLogTypes(t *testing.T) {
	applier := &fakeApplier{}
	fsm := NewFSM(applier)

	resp := fsm.Apply(&hraft.Log{Type: hraft.LogNoop, Index: 1})
	assert.Nil(t, resp)
	assert.Equal(t, 0, applier.len())
}

func TestFSMApplyReturnsErrorOnUndecodableEntry(t *testing.T) {
	applier := &fakeApplier{}
	fsm := NewFSM(applier)

	resp := fsm.Apply(&hraft.Log{Type: hraft.LogCommand, Index: 1, Data: []byte("not json")})
	err, ok := resp.(error)
	require.True(t, ok)
	assert.ErrorIs(t, err, types.ErrInternal)
	assert.Equal(t, 0, applier.len())
}

func TestFSMSnapshotAndRestoreAreNoops(t *testing.T) {
	fsm := NewFSM(&fakeApplier{})
	snap, err := fsm.Snapshot()
	require.NoError(t, err)
	require.NotNil(t, snap)
	snap.Release()
	require.NoError(t, fsm.Restore(io.NopCloser(strings.NewReader(""))))
}
