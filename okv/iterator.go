package okv

import "sort"

// Iterator is a cursor over okv's ordered keyspace. It caches the
// materialized, sorted key set of whichever node it currently sits in
// and steps within that cache, reloading on crossing a node boundary
// (spec §4.8). An Iterator holds only a lookup reference to the DB it
// was built from; the DB must outlive every Iterator built from it, and
// any mutation during an iterator's lifetime invalidates it (spec §9).
type Iterator struct {
	db *DB

	nodeIdx int
	keys    [][]byte
	keyIdx  int
}

// NewIterator flushes db's pending index changes once, so the node
// payloads it will read reflect every Set/Delete issued so far, then
// returns a cursor positioned before the first key.
func NewIterator(db *DB) (*Iterator, error) {
	if err := db.flushPending(); err != nil {
		return nil, err
	}
	return &Iterator{db: db, nodeIdx: -1}, nil
}

func (it *Iterator) loadNode(idx int) error {
	id := it.db.m.ids[idx]
	log, err := it.db.loadNodeLog(id)
	if err != nil {
		return err
	}
	it.nodeIdx = idx
	it.keys = materialize(log)
	return nil
}

// SeekFirst positions the cursor at the smallest live key.
func (it *Iterator) SeekFirst() error {
	if len(it.db.m.ids) == 0 {
		it.nodeIdx, it.keys, it.keyIdx = -1, nil, 0
		return nil
	}
	if err := it.loadNode(0); err != nil {
		return err
	}
	it.keyIdx = 0
	return nil
}

// SeekLast positions the cursor at the largest live key.
func (it *Iterator) SeekLast() error {
	if len(it.db.m.ids) == 0 {
		it.nodeIdx, it.keys, it.keyIdx = -1, nil, 0
		return nil
	}
	if err := it.loadNode(len(it.db.m.ids) - 1); err != nil {
		return err
	}
	it.keyIdx = len(it.keys) - 1
	return nil
}

// SeekAfter positions the cursor at the smallest live key >= k (spec
// §4.8). If no such key exists, the cursor becomes invalid.
func (it *Iterator) SeekAfter(k []byte) error {
	idx := it.db.m.indexForKey(k)
	if idx < 0 {
		idx = 0
	}
	if idx >= len(it.db.m.ids) {
		it.nodeIdx, it.keys, it.keyIdx = -1, nil, 0
		return nil
	}
	if err := it.loadNode(idx); err != nil {
		return err
	}

	for {
		i := sort.Search(len(it.keys), func(i int) bool { return compareBytes(it.keys[i], k) >= 0 })
		if i < len(it.keys) {
			it.keyIdx = i
			return nil
		}
		if it.nodeIdx+1 >= len(it.db.m.ids) {
			it.keyIdx = len(it.keys) // past the end: invalid
			return nil
		}
		if err := it.loadNode(it.nodeIdx + 1); err != nil {
			return err
		}
	}
}

// Next advances the cursor by one key, crossing into the next node if
// needed.
func (it *Iterator) Next() error {
	if !it.IsValid() {
		return nil
	}
	it.keyIdx++
	if it.keyIdx < len(it.keys) {
		return nil
	}
	if it.nodeIdx+1 >= len(it.db.m.ids) {
		return nil // now invalid, past the last key
	}
	if err := it.loadNode(it.nodeIdx + 1); err != nil {
		return err
	}
	it.keyIdx = 0
	return nil
}

// Previous retreats the cursor by one key, crossing into the previous
// node if needed.
func (it *Iterator) Previous() error {
	if !it.IsValid() {
		return nil
	}
	it.keyIdx--
	if it.keyIdx >= 0 {
		return nil
	}
	if it.nodeIdx-1 < 0 {
		it.keyIdx = -1 // now invalid, before the first key
		return nil
	}
	if err := it.loadNode(it.nodeIdx - 1); err != nil {
		return err
	}
	it.keyIdx = len(it.keys) - 1
	return nil
}

// IsValid reports whether GetKey would currently return a key.
func (it *Iterator) IsValid() bool {
	return it.keyIdx >= 0 && it.keyIdx < len(it.keys)
}

// GetKey returns the key the cursor currently sits on. It panics if
// IsValid is false, matching the precondition every other cursor method
// in this package relies on internally.
func (it *Iterator) GetKey() []byte {
	if !it.IsValid() {
		panic("okv: GetKey on invalid iterator")
	}
	return it.keys[it.keyIdx]
}

// Value is a convenience that fetches the value for the key the cursor
// currently sits on, straight from the underlying database.
func (it *Iterator) Value() ([]byte, error) {
	return it.db.kv.Get(it.GetKey())
}
