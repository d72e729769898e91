package ledger

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/hashicorp/raft"
	bolt "go.etcd.io/bbolt"

	"github.com/sovereign/kernel/pkg/types"
)

// raftLogPayload is the ledger-entry payload encoding used for raft-owned
// log records (raft.Log.Type/Data/Extensions have no equivalent in a
// frame header, so they are carried here instead; Entry.Header stays
// empty for these entries).
type raftLogPayload struct {
	Type       raft.LogType
	Data       []byte
	Extensions []byte
}

// Verify Ledger satisfies both interfaces hashicorp/raft needs: the
// ledger's own hash-chained bbolt store doubles as the Raft log and
// stable store (spec's C4/C8 relationship — "C8 depends on C4").
var (
	_ raft.LogStore    = (*Ledger)(nil)
	_ raft.StableStore = (*Ledger)(nil)
)

// FirstIndex implements raft.LogStore.
func (l *Ledger) FirstIndex() (uint64, error) {
	var first uint64
	err := l.db.View(func(tx *bolt.Tx) error {
		k, _ := tx.Bucket(bucketEntries).Cursor().First()
		if k == nil {
			return nil
		}
		first = binary.BigEndian.Uint64(k)
		return nil
	})
	return first, err
}

// GetLog implements raft.LogStore.
func (l *Ledger) GetLog(index uint64, log *raft.Log) error {
	entry, err := l.Read(index)
	if err != nil {
		return raft.ErrLogNotFound
	}
	var p raftLogPayload
	if err := json.Unmarshal(entry.Payload, &p); err != nil {
		return fmt.Errorf("%w: decode raft log payload: %v", types.ErrInternal, err)
	}
	log.Index = entry.Index
	log.Term = entry.Term
	log.Type = p.Type
	log.Data = p.Data
	log.Extensions = p.Extensions
	return nil
}

// StoreLog implements raft.LogStore.
func (l *Ledger) StoreLog(log *raft.Log) error {
	return l.StoreLogs([]*raft.Log{log})
}

// StoreLogs implements raft.LogStore. Each raft.Log is appended through
// the same hash-chaining Append path every other ledger entry uses, so
// the Raft log and the tamper-evident ledger are the same append stream.
//
// The ledger's hash chain requires dense, strictly increasing indices
// with no gaps (spec §3), which is incompatible with Raft's usual
// prefix-compaction-via-snapshot model; this ledger does not support log
// compaction, so raft.Log.Index must always equal the next append
// position. That invariant holds for every path hashicorp/raft takes
// through this interface: conflicting suffixes are always removed via
// DeleteRange before the replacement entries are stored, so by the time
// StoreLogs runs, lastIndex+1 already equals the index Raft is about to
// write.
func (l *Ledger) StoreLogs(logs []*raft.Log) error {
	for _, rl := range logs {
		if next, _ := l.LastIndex(); rl.Index != next+1 {
			return fmt.Errorf("%w: raft log index %d does not follow ledger tail %d (log compaction is unsupported)",
				types.ErrInternal, rl.Index, next)
		}
		payload, err := json.Marshal(raftLogPayload{Type: rl.Type, Data: rl.Data, Extensions: rl.Extensions})
		if err != nil {
			return fmt.Errorf("%w: encode raft log payload: %v", types.ErrInternal, err)
		}
		if _, err := l.Append(rl.Term, types.Header{}, payload, ""); err != nil {
			return err
		}
	}
	return nil
}

// DeleteRange implements raft.LogStore. hashicorp/raft calls this to
// truncate a conflicting or compacted suffix; per spec §3 the ledger
// permits truncation only from a live uncommitted suffix, so this treats
// min as the new tail boundary and discards everything from min onward
// regardless of max.
func (l *Ledger) DeleteRange(min, max uint64) error {
	return l.TruncateSuffix(min)
}

// Set implements raft.StableStore.
func (l *Ledger) Set(key []byte, val []byte) error {
	return l.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketStable).Put(key, val)
	})
}

// Get implements raft.StableStore.
func (l *Ledger) Get(key []byte) ([]byte, error) {
	var val []byte
	err := l.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketStable).Get(key)
		if v == nil {
			return fmt.Errorf("%w: no stable value for key %q", types.ErrNotFound, key)
		}
		val = append([]byte(nil), v...)
		return nil
	})
	return val, err
}

// SetUint64 implements raft.StableStore.
func (l *Ledger) SetUint64(key []byte, val uint64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], val)
	return l.Set(key, buf[:])
}

// GetUint64 implements raft.StableStore.
func (l *Ledger) GetUint64(key []byte) (uint64, error) {
	val, err := l.Get(key)
	if err != nil {
		return 0, nil //nolint:nilerr // hashicorp/raft expects 0 for an unset key, not an error
	}
	return binary.BigEndian.Uint64(val), nil
}
