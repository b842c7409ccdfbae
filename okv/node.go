package okv

import (
	"sort"

	"github.com/nextcore/kvdbo/internal/varint"
)

// Node capacity constants (spec §4.7).
const (
	maxKeysPerNode            = 16384
	meanKeysPerNode           = 8192
	keysPerNodeMergeThreshold = meanKeysPerNode / 2 // 4096
	maxChangesCount           = 16384
)

const (
	opDelete byte = 0
	opInsert byte = 1
)

// nodeChange is one entry in a node's change log.
type nodeChange struct {
	op  byte
	key []byte
}

// nodeLog is the decoded form of a node payload: the literal
// changes_count header plus the ordered log of inserts/deletes that
// materializes to a key set by replaying from empty (spec §3.2).
type nodeLog struct {
	changesCount uint64
	changes      []nodeChange
}

// encodeNodeLog serializes a node payload: 8-byte big-endian
// changes_count, then each entry as op(1) | varint keyLen | key bytes.
func encodeNodeLog(log *nodeLog) []byte {
	buf := make([]byte, 8)
	putBe64(buf, log.changesCount)
	for _, c := range log.changes {
		buf = append(buf, c.op)
		buf = varint.Append(buf, uint64(len(c.key)))
		buf = append(buf, c.key...)
	}
	return buf
}

func putBe64(b []byte, v uint64) {
	b[0] = byte(v >> 56)
	b[1] = byte(v >> 48)
	b[2] = byte(v >> 40)
	b[3] = byte(v >> 32)
	b[4] = byte(v >> 24)
	b[5] = byte(v >> 16)
	b[6] = byte(v >> 8)
	b[7] = byte(v)
}

func be64(b []byte) uint64 {
	return uint64(b[0])<<56 | uint64(b[1])<<48 | uint64(b[2])<<40 | uint64(b[3])<<32 |
		uint64(b[4])<<24 | uint64(b[5])<<16 | uint64(b[6])<<8 | uint64(b[7])
}

// decodeNodeLog parses a node payload's bytes.
func decodeNodeLog(data []byte) (*nodeLog, error) {
	if len(data) < 8 {
		return nil, errCorruptNode
	}
	log := &nodeLog{changesCount: be64(data[:8])}
	pos := 8
	for i := uint64(0); i < log.changesCount; i++ {
		if pos >= len(data) {
			return nil, errCorruptNode
		}
		op := data[pos]
		pos++
		klen, l := varint.Read(data[pos:])
		if l == 0 {
			return nil, errCorruptNode
		}
		pos += l
		if uint64(pos)+klen > uint64(len(data)) {
			return nil, errCorruptNode
		}
		log.changes = append(log.changes, nodeChange{op: op, key: append([]byte(nil), data[pos:pos+int(klen)]...)})
		pos += int(klen)
	}
	return log, nil
}

// materialize replays a node's change log from empty, returning the
// resulting key set in sorted order (spec §3.2).
func materialize(log *nodeLog) [][]byte {
	set := make(map[string]struct{}, len(log.changes))
	for _, c := range log.changes {
		if c.op == opInsert {
			set[string(c.key)] = struct{}{}
		} else {
			delete(set, string(c.key))
		}
	}
	keys := make([][]byte, 0, len(set))
	for k := range set {
		keys = append(keys, []byte(k))
	}
	sort.Slice(keys, func(i, j int) bool { return compareBytes(keys[i], keys[j]) < 0 })
	return keys
}

// compactedLog builds a fresh change log containing only insertions for
// an already-materialized, sorted key set (spec §4.7, "a fresh compacted
// log containing only insertions").
func compactedLog(keys [][]byte) *nodeLog {
	log := &nodeLog{changesCount: uint64(len(keys))}
	log.changes = make([]nodeChange, len(keys))
	for i, k := range keys {
		log.changes[i] = nodeChange{op: opInsert, key: k}
	}
	return log
}
