package okv

import (
	"sort"

	"github.com/nextcore/kvdbo/internal/varint"
)

// reservedPrefix is the 6-byte sequence ("\0kvdbo") that identifies keys
// belonging to okv's own bookkeeping. Callers of Set/Delete may never use
// a key beginning with it (spec §4.9).
var reservedPrefix = []byte{0, 'k', 'v', 'd', 'b', 'o'}

// masterKey is the single fixed key under which the master node is
// stored in the underlying KV database: reservedPrefix + "m".
var masterKey = append(append([]byte(nil), reservedPrefix...), 'm')

// nodeKey returns the key a node's change-log payload is stored under:
// reservedPrefix + "n" + 8-byte big-endian node id.
func nodeKey(id uint64) []byte {
	k := make([]byte, 0, len(reservedPrefix)+1+8)
	k = append(k, reservedPrefix...)
	k = append(k, 'n')
	k = append(k, byte(id>>56), byte(id>>48), byte(id>>40), byte(id>>32),
		byte(id>>24), byte(id>>16), byte(id>>8), byte(id))
	return k
}

// hasReservedPrefix reports whether key begins with the okv bookkeeping
// prefix, in which case it is off-limits to Set/Delete (spec §4.9).
func hasReservedPrefix(key []byte) bool {
	if len(key) < len(reservedPrefix) {
		return false
	}
	for i, b := range reservedPrefix {
		if key[i] != b {
			return false
		}
	}
	return true
}

// master is the in-memory mirror of the master node: parallel arrays
// describing every node's id, first key, and live key count, kept sorted
// by first key ascending (spec §3.3, §4.7).
type master struct {
	ids       []uint64
	firstKeys [][]byte
	counts    []uint64

	nextNodeID uint64
	dirty      bool
}

// encodeMaster serializes the master node per spec §3.2: varint N; N
// varint ids; N varint counts; N length-prefixed first keys.
func encodeMaster(m *master) []byte {
	n := len(m.ids)
	buf := varint.Append(nil, uint64(n))
	for _, id := range m.ids {
		buf = varint.Append(buf, id)
	}
	for _, c := range m.counts {
		buf = varint.Append(buf, c)
	}
	for _, fk := range m.firstKeys {
		buf = varint.Append(buf, uint64(len(fk)))
		buf = append(buf, fk...)
	}
	return buf
}

// decodeMaster parses a master node's encoded bytes. An empty/missing
// master (data == nil) yields an empty master with nextNodeID 0.
func decodeMaster(data []byte) (*master, error) {
	m := &master{}
	if len(data) == 0 {
		return m, nil
	}

	n, nLen := varint.Read(data)
	if nLen == 0 {
		return nil, errCorruptMaster
	}
	pos := nLen

	m.ids = make([]uint64, n)
	for i := range m.ids {
		v, l := varint.Read(data[pos:])
		if l == 0 {
			return nil, errCorruptMaster
		}
		m.ids[i] = v
		pos += l
	}

	m.counts = make([]uint64, n)
	for i := range m.counts {
		v, l := varint.Read(data[pos:])
		if l == 0 {
			return nil, errCorruptMaster
		}
		m.counts[i] = v
		pos += l
	}

	m.firstKeys = make([][]byte, n)
	for i := range m.firstKeys {
		klen, l := varint.Read(data[pos:])
		if l == 0 {
			return nil, errCorruptMaster
		}
		pos += l
		if uint64(pos)+klen > uint64(len(data)) {
			return nil, errCorruptMaster
		}
		m.firstKeys[i] = append([]byte(nil), data[pos:pos+int(klen)]...)
		pos += int(klen)
	}

	for _, id := range m.ids {
		if id >= m.nextNodeID {
			m.nextNodeID = id + 1
		}
	}
	return m, nil
}

// indexForKey returns the index i of the node such that
// first_key(i) <= key < first_key(i+1), via binary search over firstKeys
// (spec §4.7, "find node for key"). It returns -1 if the master has no
// nodes yet.
func (m *master) indexForKey(key []byte) int {
	if len(m.ids) == 0 {
		return -1
	}
	i := sort.Search(len(m.firstKeys), func(i int) bool {
		return compareBytes(m.firstKeys[i], key) > 0
	})
	return i - 1
}

// ensureFirstNode lazily creates node 0, covering the entire keyspace
// with first key "", if the master is empty. Called the first time a
// flush needs a node to write into.
func (m *master) ensureFirstNode() uint64 {
	if len(m.ids) > 0 {
		return m.ids[0]
	}
	id := m.nextNodeID
	m.nextNodeID++
	m.ids = []uint64{id}
	m.firstKeys = [][]byte{{}}
	m.counts = []uint64{0}
	m.dirty = true
	return id
}

// replaceNode swaps the node at index i for a run of new nodes (used by
// split), shifting later entries. newFirstKeys/newCounts must be parallel
// and already sorted ascending.
func (m *master) replaceNode(i int, newIDs []uint64, newFirstKeys [][]byte, newCounts []uint64) {
	m.ids = spliceUint64(m.ids, i, 1, newIDs)
	m.firstKeys = spliceBytes(m.firstKeys, i, 1, newFirstKeys)
	m.counts = spliceUint64(m.counts, i, 1, newCounts)
	m.dirty = true
}

// removeNode deletes the node at index i entirely (materialized to zero
// keys, or absorbed by a merge).
func (m *master) removeNode(i int) {
	m.ids = spliceUint64(m.ids, i, 1, nil)
	m.firstKeys = spliceBytes(m.firstKeys, i, 1, nil)
	m.counts = spliceUint64(m.counts, i, 1, nil)
	m.dirty = true
}

func (m *master) setCount(i int, count uint64) {
	m.counts[i] = count
	m.dirty = true
}

func spliceUint64(s []uint64, i, del int, ins []uint64) []uint64 {
	out := append([]uint64(nil), s[:i]...)
	out = append(out, ins...)
	out = append(out, s[i+del:]...)
	return out
}

func spliceBytes(s [][]byte, i, del int, ins [][]byte) [][]byte {
	out := append([][]byte(nil), s[:i]...)
	out = append(out, ins...)
	out = append(out, s[i+del:]...)
	return out
}

func compareBytes(a, b []byte) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	default:
		return 0
	}
}
