package okv

import "testing"

func TestNodeLogEncodeDecodeRoundTrip(t *testing.T) {
	log := &nodeLog{
		changesCount: 3,
		changes: []nodeChange{
			{op: opInsert, key: []byte("a")},
			{op: opInsert, key: []byte("b")},
			{op: opDelete, key: []byte("a")},
		},
	}

	decoded, err := decodeNodeLog(encodeNodeLog(log))
	if err != nil {
		t.Fatalf("decodeNodeLog: %v", err)
	}
	if decoded.changesCount != log.changesCount {
		t.Fatalf("changesCount = %d, want %d", decoded.changesCount, log.changesCount)
	}
	if len(decoded.changes) != len(log.changes) {
		t.Fatalf("changes = %v, want %v", decoded.changes, log.changes)
	}
	for i := range log.changes {
		if decoded.changes[i].op != log.changes[i].op || string(decoded.changes[i].key) != string(log.changes[i].key) {
			t.Fatalf("changes[%d] = %+v, want %+v", i, decoded.changes[i], log.changes[i])
		}
	}
}

func TestMaterializeReplaysInOrder(t *testing.T) {
	log := &nodeLog{
		changesCount: 4,
		changes: []nodeChange{
			{op: opInsert, key: []byte("b")},
			{op: opInsert, key: []byte("a")},
			{op: opInsert, key: []byte("c")},
			{op: opDelete, key: []byte("b")},
		},
	}

	got := materialize(log)
	want := []string{"a", "c"}
	if len(got) != len(want) {
		t.Fatalf("materialize = %v, want %v", got, want)
	}
	for i := range want {
		if string(got[i]) != want[i] {
			t.Fatalf("materialize[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestCompactedLogMaterializesToSameSet(t *testing.T) {
	keys := [][]byte{[]byte("a"), []byte("b"), []byte("c")}
	log := compactedLog(keys)
	if log.changesCount != uint64(len(keys)) {
		t.Fatalf("changesCount = %d, want %d", log.changesCount, len(keys))
	}

	got := materialize(log)
	if len(got) != len(keys) {
		t.Fatalf("materialize = %v, want %v", got, keys)
	}
	for i := range keys {
		if string(got[i]) != string(keys[i]) {
			t.Fatalf("materialize[%d] = %q, want %q", i, got[i], keys[i])
		}
	}
}
