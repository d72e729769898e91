// Package ledger implements the Ledger (C4): an append-only,
// hash-chained, bbolt-backed log that doubles as the Raft log and stable
// store so replication and tamper-evidence share one storage file set.
package ledger

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	bolt "go.etcd.io/bbolt"

	"github.com/sovereign/kernel/pkg/types"
	"github.com/sovereign/kernel/pkg/wire"
)

// DefaultSyncInterval is used when Open is called with periodic=true and a
// non-positive interval.
const DefaultSyncInterval = 100 * time.Millisecond

var (
	bucketEntries   = []byte("entries")
	bucketStable    = []byte("stable")
	bucketOperation = []byte("operation_index")
)

// Ledger owns the bbolt file set exclusively; no other component opens
// the same data file (spec §3 "Lifecycles and ownership").
type Ledger struct {
	mu sync.RWMutex

	db *bolt.DB

	lastIndex uint64
	lastHash  [types.HashSize]byte

	logger   zerolog.Logger
	syncStop chan struct{}
	syncDone chan struct{}
}

// Open opens or creates the ledger database under dataDir, applying spec
// §6's fsync_mode durability contract: periodic=false fsyncs every
// committed transaction (bbolt's own default, "always"); periodic=true
// disables bbolt's per-commit fsync (bolt.Options.NoSync) and instead
// flushes the file on a dedicated goroutine every syncInterval
// (DefaultSyncInterval if non-positive), trading a bounded durability
// window — at most one interval's worth of committed-but-unflushed
// entries lost on a crash — for commit throughput, the same tradeoff
// spec §7's "durability: fsync failure" error class exists to surface if
// that flush itself fails.
func Open(dataDir string, periodic bool, syncInterval time.Duration, logger zerolog.Logger) (*Ledger, error) {
	dbPath := filepath.Join(dataDir, "ledger.db")
	db, err := bolt.Open(dbPath, 0o600, &bolt.Options{NoSync: periodic})
	if err != nil {
		return nil, fmt.Errorf("%w: open ledger db: %v", types.ErrInternal, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketEntries, bucketStable, bucketOperation} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: create ledger buckets: %v", types.ErrInternal, err)
	}

	l := &Ledger{db: db, lastHash: types.GenesisHash, logger: logger}

	if err := l.loadTail(); err != nil {
		db.Close()
		return nil, err
	}

	if periodic {
		if syncInterval <= 0 {
			syncInterval = DefaultSyncInterval
		}
		l.syncStop = make(chan struct{})
		l.syncDone = make(chan struct{})
		go l.periodicSync(syncInterval)
	}

	return l, nil
}

// periodicSync runs for the life of a Ledger opened with fsync_mode
// periodic, flushing the database to disk on a fixed interval instead of
// on every Append.
func (l *Ledger) periodicSync(interval time.Duration) {
	defer close(l.syncDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-l.syncStop:
			return
		case <-ticker.C:
			l.mu.RLock()
			err := l.db.Sync()
			l.mu.RUnlock()
			if err != nil {
				l.logger.Error().Err(err).Msg("periodic ledger fsync failed")
			}
		}
	}
}

// loadTail scans the last entry (if any) to recover lastIndex/lastHash
// across restarts.
func (l *Ledger) loadTail() error {
	return l.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEntries)
		c := b.Cursor()
		k, v := c.Last()
		if k == nil {
			return nil
		}
		var e types.Entry
		if err := json.Unmarshal(v, &e); err != nil {
			return fmt.Errorf("%w: corrupt tail entry: %v", types.ErrInternal, err)
		}
		l.lastIndex = e.Index
		l.lastHash = e.Hash
		return nil
	})
}

// Close stops the periodic sync goroutine (if fsync_mode is periodic) and
// releases the underlying database file.
func (l *Ledger) Close() error {
	if l.syncStop != nil {
		close(l.syncStop)
		<-l.syncDone
	}
	return l.db.Close()
}

// computeHash implements H(previous_hash ‖ entry_without_hash), where
// entry_without_hash is index, term, header-minus-cap-ref, and payload
// (spec §3). header is pre-stripped of its capability reference by the
// caller (types.Header.WithoutCapRef) and encoded to its wire form so the
// chain is sensitive to every other header field.
func computeHash(index, term uint64, header types.Header, payload []byte, previousHash [types.HashSize]byte) [types.HashSize]byte {
	h := sha256.New()
	h.Write(previousHash[:])
	var idxBuf [8]byte
	binary.BigEndian.PutUint64(idxBuf[:], index)
	h.Write(idxBuf[:])
	binary.BigEndian.PutUint64(idxBuf[:], term)
	h.Write(idxBuf[:])
	h.Write(wire.EncodeHeader(header))
	h.Write(payload)
	var out [types.HashSize]byte
	copy(out[:], h.Sum(nil))
	return out
}

// Append admits a new entry at lastIndex+1, chaining it from the current
// tail hash. Append strips header's capability reference itself
// (types.Header.WithoutCapRef): the hash chain and the stored entry
// exclude the transient capability reference. opID, if non-empty, is recorded in the
// idempotency index so a retried submission of the same operation can be
// detected by LookupOperation without re-appending.
func (l *Ledger) Append(term uint64, header types.Header, payload []byte, opID string) (*types.Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	header = header.WithoutCapRef()
	index := l.lastIndex + 1
	hash := computeHash(index, term, header, payload, l.lastHash)

	entry := &types.Entry{
		Index:        index,
		Term:         term,
		Header:       header,
		Payload:      payload,
		PreviousHash: l.lastHash,
		Hash:         hash,
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return nil, fmt.Errorf("%w: marshal entry: %v", types.ErrInternal, err)
	}

	err = l.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEntries)
		if err := b.Put(indexKey(index), data); err != nil {
			return err
		}
		if opID != "" {
			ob := tx.Bucket(bucketOperation)
			if err := ob.Put([]byte(opID), indexKey(index)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: persist entry: %v", types.ErrInternal, err)
	}

	l.lastIndex = index
	l.lastHash = hash
	return entry, nil
}

// Read fetches the entry at index.
func (l *Ledger) Read(index uint64) (*types.Entry, error) {
	var entry types.Entry
	err := l.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketEntries).Get(indexKey(index))
		if v == nil {
			return fmt.Errorf("%w: no entry at index %d", types.ErrNotFound, index)
		}
		return json.Unmarshal(v, &entry)
	})
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// LastIndex returns the index of the most recently appended entry (0 if
// the ledger is empty). The error return exists to satisfy
// raft.LogStore; the ledger itself has no failure mode for this read.
func (l *Ledger) LastIndex() (uint64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.lastIndex, nil
}

// LastHash returns the hash of the most recently appended entry, or the
// genesis hash if the ledger is empty.
func (l *Ledger) LastHash() [types.HashSize]byte {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.lastHash
}

// TruncateSuffix drops every entry at index >= from. Permitted only on a
// live uncommitted suffix (spec §3); callers (the Raft integration) are
// responsible for never truncating past the commit index.
func (l *Ledger) TruncateSuffix(from uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if from > l.lastIndex+1 {
		return nil
	}

	err := l.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEntries)
		for i := from; i <= l.lastIndex; i++ {
			if err := b.Delete(indexKey(i)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: truncate suffix: %v", types.ErrInternal, err)
	}

	if from == 0 {
		l.lastIndex = 0
		l.lastHash = types.GenesisHash
		return nil
	}

	tail, err := l.Read(from - 1)
	if err != nil {
		l.lastIndex = 0
		l.lastHash = types.GenesisHash
		return nil
	}
	l.lastIndex = from - 1
	l.lastHash = tail.Hash
	return nil
}

// Verify walks the full chain from genesis, recomputing every hash and
// confirming previous_hash linkage. Used by pkg/kernel's periodic
// ledgerComponent sweep and by tests.
func (l *Ledger) Verify() error {
	l.mu.RLock()
	defer l.mu.RUnlock()

	prev := types.GenesisHash
	return l.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketEntries).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var e types.Entry
			if err := json.Unmarshal(v, &e); err != nil {
				return fmt.Errorf("%w: corrupt entry: %v", types.ErrInternal, err)
			}
			if e.PreviousHash != prev {
				return fmt.Errorf("%w: hash chain broken at index %d", types.ErrInternal, e.Index)
			}
			want := computeHash(e.Index, e.Term, e.Header.WithoutCapRef(), e.Payload, prev)
			if want != e.Hash {
				return fmt.Errorf("%w: hash mismatch at index %d", types.ErrInternal, e.Index)
			}
			prev = e.Hash
		}
		return nil
	})
}

// LookupOperation returns the ledger index at which opID was committed, if
// any (supplemented idempotency feature: SPEC_FULL §C).
func (l *Ledger) LookupOperation(opID string) (uint64, bool) {
	var index uint64
	var found bool
	_ = l.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketOperation).Get([]byte(opID))
		if v == nil {
			return nil
		}
		index = binary.BigEndian.Uint64(v)
		found = true
		return nil
	})
	return index, found
}

func indexKey(index uint64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], index)
	return buf[:]
}
