// Package okv layers an ordered, sorted-key index on top of a kvdbo.DB:
// a master node plus per-node change-log payloads (both themselves
// stored as ordinary kvdbo entries under a reserved key prefix) track
// which keys exist, while the keys' values live directly in the
// underlying database under their own, unprefixed keys. Set/Delete write
// straight through to the underlying store; the ordered index is
// maintained lazily, batched in memory and flushed to node change logs
// before any iterator is constructed or an implicit/explicit transaction
// commits (spec §4.7-§4.9).
package okv

import (
	"fmt"

	"github.com/nextcore/kvdbo"
	"github.com/nextcore/kvdbo/memtable"
)

// implicitOKVMaxOp is OKV's own implicit-transaction auto-commit
// threshold, smaller than KV's because a flush also does B+tree
// maintenance work (spec §4.4: "100 for FTS via OKV layering").
const implicitOKVMaxOp = 100

// DB is an ordered key/value store layered on a *kvdbo.DB.
type DB struct {
	kv *kvdbo.DB

	m *master

	pendingInsert *memtable.SkipList[string, struct{}]
	pendingDelete *memtable.SkipList[string, struct{}]

	opCount     int
	explicitTxn bool
}

// Open opens (creating if necessary) the underlying kvdbo database at
// path and loads its master node, if any.
func Open(path string, opts ...kvdbo.Option) (*DB, error) {
	kv, err := kvdbo.Open(path, opts...)
	if err != nil {
		return nil, err
	}

	db := &DB{
		kv:            kv,
		pendingInsert: memtable.NewSkipListMemtable[string, struct{}](),
		pendingDelete: memtable.NewSkipListMemtable[string, struct{}](),
	}
	if err := db.loadMaster(); err != nil {
		kv.Close()
		return nil, err
	}
	return db, nil
}

func (db *DB) loadMaster() error {
	raw, err := db.kv.Get(masterKey)
	if err == kvdbo.ErrNotFound {
		db.m = &master{}
		return nil
	}
	if err != nil {
		return err
	}
	m, err := decodeMaster(raw)
	if err != nil {
		return fmt.Errorf("okv: load master: %w", err)
	}
	db.m = m
	return nil
}

// Close flushes any pending index changes and closes the underlying
// database.
func (db *DB) Close() error {
	if err := db.flushPending(); err != nil {
		return err
	}
	return db.kv.Close()
}

// GetFilename returns the path of the underlying database file.
func (db *DB) GetFilename() string { return db.kv.GetFilename() }

// FsyncEnabled/SetFsyncEnabled/WriteBufferSize/SetWriteBufferSize mirror
// the underlying kvdbo.DB's knobs; okv has no compression controls of
// its own (spec §6.2).
func (db *DB) FsyncEnabled() bool         { return db.kv.FsyncEnabled() }
func (db *DB) SetFsyncEnabled(e bool)     { db.kv.SetFsyncEnabled(e) }
func (db *DB) WriteBufferSize() int       { return db.kv.WriteBufferSize() }
func (db *DB) SetWriteBufferSize(n int) error { return db.kv.SetWriteBufferSize(n) }

// TransactionBegin opens an explicit transaction spanning both the data
// writes and the index maintenance that Close/Flush would otherwise do
// implicitly.
func (db *DB) TransactionBegin() error {
	if err := db.kv.TransactionBegin(); err != nil {
		return err
	}
	db.explicitTxn = true
	return nil
}

// TransactionCommit flushes pending index changes and commits the
// underlying transaction.
func (db *DB) TransactionCommit() error {
	if err := db.flushPending(); err != nil {
		return err
	}
	if err := db.kv.TransactionCommit(); err != nil {
		return err
	}
	db.explicitTxn = false
	db.opCount = 0
	return nil
}

// TransactionAbort discards the underlying transaction's data writes and
// resynchronizes okv's in-memory index state (the pending sets and the
// master node) from the reverted database, since those are not part of
// the kvdbo transaction's own shadow state.
func (db *DB) TransactionAbort() error {
	if err := db.kv.TransactionAbort(); err != nil {
		return err
	}
	db.pendingInsert = memtable.NewSkipListMemtable[string, struct{}]()
	db.pendingDelete = memtable.NewSkipListMemtable[string, struct{}]()
	db.explicitTxn = false
	db.opCount = 0
	return db.loadMaster()
}

// Flush commits whatever transaction (implicit or explicit) is
// currently accumulating changes, after first flushing pending index
// changes to node change logs. It is exposed for callers that want a
// durability point without an explicit Begin/Commit pair.
func (db *DB) Flush() error {
	if err := db.flushPending(); err != nil {
		return err
	}
	return db.kv.Flush()
}

// Set stores value under key, rejecting reserved-prefix keys per spec
// §4.9. The value is written straight through to the underlying store;
// the ordered index is updated lazily by a later flush.
func (db *DB) Set(key, value []byte) error {
	if hasReservedPrefix(key) {
		return kvdbo.ErrKeyNotAllowed
	}
	if err := db.kv.Set(key, value); err != nil {
		return err
	}
	db.pendingDelete.Delete(string(key))
	db.pendingInsert.Put(string(key), struct{}{})
	return db.countOp()
}

// Get returns the value stored for key. Unlike Set/Delete it is not
// restricted to non-reserved keys, since it neither mutates the index
// nor needs to: it reads straight through to the underlying store.
func (db *DB) Get(key []byte) ([]byte, error) {
	return db.kv.Get(key)
}

// Delete removes key's value and marks it for removal from the ordered
// index at the next flush.
func (db *DB) Delete(key []byte) error {
	if hasReservedPrefix(key) {
		return kvdbo.ErrKeyNotAllowed
	}
	if err := db.kv.Delete(key); err != nil {
		return err
	}
	db.pendingInsert.Delete(string(key))
	db.pendingDelete.Put(string(key), struct{}{})
	return db.countOp()
}

// EnumerateKeys visits every live application key, hiding okv's own
// reserved-prefix bookkeeping entries.
func (db *DB) EnumerateKeys(fn kvdbo.EnumerateFunc) error {
	return db.kv.EnumerateKeys(func(key []byte) bool {
		if hasReservedPrefix(key) {
			return true
		}
		return fn(key)
	})
}

func (db *DB) countOp() error {
	db.opCount++
	if !db.explicitTxn && db.opCount >= implicitOKVMaxOp {
		if err := db.Flush(); err != nil {
			return err
		}
		db.opCount = 0
	}
	return nil
}

// flushPending drains the batched insert/delete sets into the node
// change logs they belong in, per spec §4.7: each pending key is routed
// to the node whose key range contains it (by first-key boundary), then
// every touched node is durability-written and, if its change log has
// grown too large, materialized and split/merged.
func (db *DB) flushPending() error {
	if db.pendingInsert.Size() == 0 && db.pendingDelete.Size() == 0 {
		if db.m.dirty {
			return db.flushMaster()
		}
		return nil
	}

	db.m.ensureFirstNode()

	insKeys := collect(db.pendingInsert)
	delKeys := collect(db.pendingDelete)

	origFirstKeys := append([][]byte(nil), db.m.firstKeys...)
	origIDs := append([]uint64(nil), db.m.ids...)

	touched := make([]uint64, 0, len(origIDs))
	ii, di := 0, 0
	for n := 0; n < len(origIDs); n++ {
		var boundary []byte
		hasBoundary := n+1 < len(origFirstKeys)
		if hasBoundary {
			boundary = origFirstKeys[n+1]
		}

		var changes []nodeChange
		for ii < len(insKeys) && (!hasBoundary || compareBytes(insKeys[ii], boundary) < 0) {
			changes = append(changes, nodeChange{op: opInsert, key: insKeys[ii]})
			ii++
		}
		for di < len(delKeys) && (!hasBoundary || compareBytes(delKeys[di], boundary) < 0) {
			changes = append(changes, nodeChange{op: opDelete, key: delKeys[di]})
			di++
		}
		if len(changes) == 0 {
			continue
		}

		id := origIDs[n]
		log, err := db.loadNodeLog(id)
		if err != nil {
			return err
		}
		log.changes = append(log.changes, changes...)
		log.changesCount += uint64(len(changes))
		if err := db.kv.Set(nodeKey(id), encodeNodeLog(log)); err != nil {
			return err
		}
		touched = append(touched, id)
	}

	for _, id := range touched {
		if err := db.maintainNode(id); err != nil {
			return err
		}
	}

	db.pendingInsert = memtable.NewSkipListMemtable[string, struct{}]()
	db.pendingDelete = memtable.NewSkipListMemtable[string, struct{}]()

	return db.flushMaster()
}

func (db *DB) flushMaster() error {
	if !db.m.dirty {
		return nil
	}
	if err := db.kv.Set(masterKey, encodeMaster(db.m)); err != nil {
		return err
	}
	db.m.dirty = false
	return nil
}

func collect(sl *memtable.SkipList[string, struct{}]) [][]byte {
	out := make([][]byte, 0, sl.Size())
	for rec := range sl.Iterator() {
		out = append(out, []byte(rec.Key))
	}
	return out
}

// loadNodeLog reads and decodes a node's payload, or an empty log if it
// has none on disk yet.
func (db *DB) loadNodeLog(id uint64) (*nodeLog, error) {
	raw, err := db.kv.Get(nodeKey(id))
	if err == kvdbo.ErrNotFound {
		return &nodeLog{}, nil
	}
	if err != nil {
		return nil, err
	}
	log, err := decodeNodeLog(raw)
	if err != nil {
		return nil, fmt.Errorf("okv: load node %d: %w", id, err)
	}
	return log, nil
}

// maintainNode implements the "write loaded node" decision of spec
// §4.7 for a node whose change log was just durably rewritten: below
// the change-log size cap it is left as-is; at or above it, it is
// materialized and split, merged, or simply compacted depending on its
// resulting key count.
func (db *DB) maintainNode(id uint64) error {
	idx := db.m.indexOfID(id)
	if idx < 0 {
		return nil // already absorbed into a neighbor by an earlier merge this flush
	}

	log, err := db.loadNodeLog(id)
	if err != nil {
		return err
	}
	if log.changesCount < maxChangesCount {
		return nil
	}

	keys := materialize(log)
	switch {
	case len(keys) == 0:
		if err := db.kv.Delete(nodeKey(id)); err != nil {
			return err
		}
		db.m.removeNode(idx)

	case len(keys) > maxKeysPerNode:
		newIDs, newFirstKeys, newCounts, err := db.splitNode(keys)
		if err != nil {
			return err
		}
		if err := db.kv.Delete(nodeKey(id)); err != nil {
			return err
		}
		db.m.replaceNode(idx, newIDs, newFirstKeys, newCounts)
		if err := db.tryMergeAt(idx + len(newIDs) - 1); err != nil {
			return err
		}

	case len(keys) < keysPerNodeMergeThreshold:
		if err := db.writeCompacted(id, keys); err != nil {
			return err
		}
		db.m.setCount(idx, uint64(len(keys)))
		if err := db.tryMergeAt(idx - 1); err != nil {
			return err
		}
		if idx = db.m.indexOfID(id); idx >= 0 {
			if err := db.tryMergeAt(idx); err != nil {
				return err
			}
		}

	default:
		if err := db.writeCompacted(id, keys); err != nil {
			return err
		}
		db.m.setCount(idx, uint64(len(keys)))
	}

	return nil
}

func (db *DB) writeCompacted(id uint64, keys [][]byte) error {
	return db.kv.Set(nodeKey(id), encodeNodeLog(compactedLog(keys)))
}

// splitNode divides an over-full materialized key set into chunks of at
// most meanKeysPerNode keys, writing each chunk as a fresh node under a
// freshly allocated id (spec §4.7).
func (db *DB) splitNode(keys [][]byte) (ids []uint64, firstKeys [][]byte, counts []uint64, err error) {
	for start := 0; start < len(keys); start += meanKeysPerNode {
		end := start + meanKeysPerNode
		if end > len(keys) {
			end = len(keys)
		}
		chunk := keys[start:end]

		id := db.m.nextNodeID
		db.m.nextNodeID++
		if err := db.kv.Set(nodeKey(id), encodeNodeLog(compactedLog(chunk))); err != nil {
			return nil, nil, nil, err
		}

		ids = append(ids, id)
		firstKeys = append(firstKeys, chunk[0])
		counts = append(counts, uint64(len(chunk)))
	}
	return ids, firstKeys, counts, nil
}

// tryMergeAt merges nodes at indices i and i+1 into node i if their
// combined size fits in one node (spec §4.7, try_merge). Both node
// index bounds are re-checked since callers pass indices that may have
// shifted or gone stale.
func (db *DB) tryMergeAt(i int) error {
	if i < 0 || i+1 >= len(db.m.ids) {
		return nil
	}
	if db.m.counts[i]+db.m.counts[i+1] > meanKeysPerNode {
		return nil
	}

	idA, idB := db.m.ids[i], db.m.ids[i+1]
	logA, err := db.loadNodeLog(idA)
	if err != nil {
		return err
	}
	logB, err := db.loadNodeLog(idB)
	if err != nil {
		return err
	}

	// Every key in node i is strictly less than every key in node i+1
	// (spec §3.2 invariant), so the materialized, already-sorted halves
	// concatenate directly into a single sorted set.
	merged := append(materialize(logA), materialize(logB)...)

	if err := db.writeCompacted(idA, merged); err != nil {
		return err
	}
	if err := db.kv.Delete(nodeKey(idB)); err != nil {
		return err
	}
	db.m.setCount(i, uint64(len(merged)))
	db.m.removeNode(i + 1)
	return nil
}

// indexOfID returns the current master index of a node id, or -1 if it
// no longer exists (removed or absorbed by a merge earlier in the same
// flush).
func (m *master) indexOfID(id uint64) int {
	for i, existing := range m.ids {
		if existing == id {
			return i
		}
	}
	return -1
}
