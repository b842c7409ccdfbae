package okv

import "testing"

func TestMasterEncodeDecodeRoundTrip(t *testing.T) {
	m := &master{
		ids:       []uint64{0, 1, 5},
		firstKeys: [][]byte{{}, []byte("m"), []byte("zzz")},
		counts:    []uint64{10, 20, 30},
	}

	decoded, err := decodeMaster(encodeMaster(m))
	if err != nil {
		t.Fatalf("decodeMaster: %v", err)
	}

	if len(decoded.ids) != len(m.ids) {
		t.Fatalf("ids = %v, want %v", decoded.ids, m.ids)
	}
	for i := range m.ids {
		if decoded.ids[i] != m.ids[i] {
			t.Fatalf("ids[%d] = %d, want %d", i, decoded.ids[i], m.ids[i])
		}
		if decoded.counts[i] != m.counts[i] {
			t.Fatalf("counts[%d] = %d, want %d", i, decoded.counts[i], m.counts[i])
		}
		if string(decoded.firstKeys[i]) != string(m.firstKeys[i]) {
			t.Fatalf("firstKeys[%d] = %q, want %q", i, decoded.firstKeys[i], m.firstKeys[i])
		}
	}
	if decoded.nextNodeID != 6 {
		t.Fatalf("nextNodeID = %d, want 6", decoded.nextNodeID)
	}
}

func TestDecodeEmptyMaster(t *testing.T) {
	m, err := decodeMaster(nil)
	if err != nil {
		t.Fatalf("decodeMaster(nil): %v", err)
	}
	if len(m.ids) != 0 || m.nextNodeID != 0 {
		t.Fatalf("empty master = %+v, want zero value", m)
	}
}

func TestIndexForKey(t *testing.T) {
	m := &master{
		ids:       []uint64{0, 1, 2},
		firstKeys: [][]byte{{}, []byte("m"), []byte("t")},
		counts:    []uint64{0, 0, 0},
	}

	cases := []struct {
		key  string
		want int
	}{
		{"a", 0},
		{"m", 1},
		{"n", 1},
		{"t", 2},
		{"zzz", 2},
	}
	for _, c := range cases {
		if got := m.indexForKey([]byte(c.key)); got != c.want {
			t.Fatalf("indexForKey(%q) = %d, want %d", c.key, got, c.want)
		}
	}
}

func TestHasReservedPrefix(t *testing.T) {
	if !hasReservedPrefix(masterKey) {
		t.Fatalf("masterKey does not report as reserved")
	}
	if !hasReservedPrefix(nodeKey(0)) {
		t.Fatalf("nodeKey(0) does not report as reserved")
	}
	if hasReservedPrefix([]byte("kvdbo-but-no-nul-byte")) {
		t.Fatalf("false positive on lookalike key")
	}
	if hasReservedPrefix([]byte{0, 'k', 'v'}) {
		t.Fatalf("false positive on short prefix")
	}
}
