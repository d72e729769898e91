package ledger

import (
	"testing"
	"time"

	"github.com/hashicorp/raft"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	bolt "go.etcd.io/bbolt"

	"github.com/sovereign/kernel/pkg/types"
)

func openTestLedger(t *testing.T) *Ledger {
	t.Helper()
	l, err := Open(t.TempDir(), false, 0, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func TestAppendChainsFromGenesis(t *testing.T) {
	l := openTestLedger(t)

	e1, err := l.Append(1, types.Header{Opcode: types.OpEventEmit}, []byte("p1"), "")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), e1.Index)
	assert.Equal(t, types.GenesisHash, e1.PreviousHash)

	e2, err := l.Append(1, types.Header{Opcode: types.OpEventEmit}, []byte("p2"), "")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), e2.Index)
	assert.Equal(t, e1.Hash, e2.PreviousHash)
}

func TestAppendStripsCapRefFromChain(t *testing.T) {
	l1 := openTestLedger(t)
	l2 := openTestLedger(t)

	e1, err := l1.Append(1, types.Header{Opcode: types.OpEventEmit, CapRef: 1}, []byte("p"), "")
	require.NoError(t, err)
	e2, err := l2.Append(1, types.Header{Opcode: types.OpEventEmit, CapRef: 99}, []byte("p"), "")
	require.NoError(t, err)

	assert.Equal(t, e1.Hash, e2.Hash, "capability reference must not affect the hash chain")
}

func TestVerifyDetectsTamper(t *testing.T) {
	l := openTestLedger(t)
	_, err := l.Append(1, types.Header{}, []byte("p1"), "")
	require.NoError(t, err)
	_, err = l.Append(1, types.Header{}, []byte("p2"), "")
	require.NoError(t, err)

	require.NoError(t, l.Verify())

	err = l.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEntries)
		return b.Put(indexKey(1), []byte(`{"Index":1,"Term":1,"Payload":"dGFtcGVyZWQ="}`))
	})
	require.NoError(t, err)

	err = l.Verify()
	assert.ErrorIs(t, err, types.ErrInternal)
}

func TestTruncateSuffixRewindsTail(t *testing.T) {
	l := openTestLedger(t)
	_, err := l.Append(1, types.Header{}, []byte("p1"), "")
	require.NoError(t, err)
	e2, err := l.Append(1, types.Header{}, []byte("p2"), "")
	require.NoError(t, err)
	_, err = l.Append(1, types.Header{}, []byte("p3"), "")
	require.NoError(t, err)

	require.NoError(t, l.TruncateSuffix(3))

	idx, err := l.LastIndex()
	require.NoError(t, err)
	assert.Equal(t, uint64(2), idx)
	assert.Equal(t, e2.Hash, l.LastHash())

	_, err = l.Read(3)
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestLookupOperationIdempotency(t *testing.T) {
	l := openTestLedger(t)
	e, err := l.Append(1, types.Header{}, []byte("p1"), "op-123")
	require.NoError(t, err)

	idx, ok := l.LookupOperation("op-123")
	assert.True(t, ok)
	assert.Equal(t, e.Index, idx)

	_, ok = l.LookupOperation("missing")
	assert.False(t, ok)
}

func TestOpenPeriodicModeSkipsPerCommitSyncAndStopsCleanly(t *testing.T) {
	l, err := Open(t.TempDir(), true, 5*time.Millisecond, zerolog.Nop())
	require.NoError(t, err)

	_, err = l.Append(1, types.Header{}, []byte("p1"), "")
	require.NoError(t, err)

	// Give the periodic sync goroutine a few ticks before shutdown; Close
	// must join it rather than leaving it running past the Ledger's life.
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, l.Close())
}

func TestRaftLogStoreRoundTrip(t *testing.T) {
	l := openTestLedger(t)

	require.NoError(t, l.StoreLog(&raft.Log{Term: 1, Index: 1, Type: raft.LogCommand, Data: []byte("cmd")}))

	var got raft.Log
	require.NoError(t, l.GetLog(1, &got))
	assert.Equal(t, raft.LogCommand, got.Type)
	assert.Equal(t, []byte("cmd"), got.Data)

	first, err := l.FirstIndex()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), first)

	last, err := l.LastIndex()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), last)
}

func TestRaftStableStoreRoundTrip(t *testing.T) {
	l := openTestLedger(t)

	require.NoError(t, l.SetUint64([]byte("current_term"), 7))
	v, err := l.GetUint64([]byte("current_term"))
	require.NoError(t, err)
	assert.Equal(t, uint64(7), v)

	// Unset key returns 0, not an error (hashicorp/raft's expectation).
	v, err = l.GetUint64([]byte("unset"))
	require.NoError(t, err)
	assert.Equal(t, uint64(0), v)
}

func TestDeleteRangeTruncatesFromMin(t *testing.T) {
	l := openTestLedger(t)
	require.NoError(t, l.StoreLogs([]*raft.Log{
		{Term: 1, Index: 1, Data: []byte("a")},
		{Term: 1, Index: 2, Data: []byte("b")},
		{Term: 1, Index: 3, Data: []byte("c")},
	}))

	require.NoError(t, l.DeleteRange(2, 3))

	last, err := l.LastIndex()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), last)
}
