package okv

import (
	"path/filepath"
	"testing"

	"github.com/nextcore/kvdbo"
)

func openTemp(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.kvdbo")
	db, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestSetGetDelete(t *testing.T) {
	db := openTemp(t)

	if err := db.Set([]byte("hoa"), []byte("test")); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, err := db.Get([]byte("hoa"))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != "test" {
		t.Fatalf("Get = %q, want %q", got, "test")
	}

	if err := db.Delete([]byte("hoa")); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := db.Get([]byte("hoa")); err != kvdbo.ErrNotFound {
		t.Fatalf("Get after delete = %v, want ErrNotFound", err)
	}
}

func TestReservedPrefixRejected(t *testing.T) {
	db := openTemp(t)

	key := append(append([]byte(nil), reservedPrefix...), 'x')
	if err := db.Set(key, []byte("v")); err != kvdbo.ErrKeyNotAllowed {
		t.Fatalf("Set reserved key = %v, want ErrKeyNotAllowed", err)
	}
	if err := db.Delete(key); err != kvdbo.ErrKeyNotAllowed {
		t.Fatalf("Delete reserved key = %v, want ErrKeyNotAllowed", err)
	}
	if _, err := db.Get(key); err != kvdbo.ErrNotFound {
		t.Fatalf("reserved key was mutated despite rejection: Get = %v", err)
	}
}

func TestOrderedIteration(t *testing.T) {
	db := openTemp(t)

	for _, k := range []string{"b", "d", "a", "c"} {
		if err := db.Set([]byte(k), []byte(k)); err != nil {
			t.Fatalf("Set %s: %v", k, err)
		}
	}

	it, err := NewIterator(db)
	if err != nil {
		t.Fatalf("NewIterator: %v", err)
	}
	if err := it.SeekFirst(); err != nil {
		t.Fatalf("SeekFirst: %v", err)
	}

	var forward []string
	for it.IsValid() {
		forward = append(forward, string(it.GetKey()))
		if err := it.Next(); err != nil {
			t.Fatalf("Next: %v", err)
		}
	}
	want := []string{"a", "b", "c", "d"}
	if !equalStrings(forward, want) {
		t.Fatalf("forward iteration = %v, want %v", forward, want)
	}

	if err := it.SeekAfter([]byte("b2")); err != nil {
		t.Fatalf("SeekAfter: %v", err)
	}
	var after []string
	for it.IsValid() {
		after = append(after, string(it.GetKey()))
		if err := it.Next(); err != nil {
			t.Fatalf("Next: %v", err)
		}
	}
	if !equalStrings(after, []string{"c", "d"}) {
		t.Fatalf("seek-after iteration = %v, want [c d]", after)
	}

	if err := it.SeekLast(); err != nil {
		t.Fatalf("SeekLast: %v", err)
	}
	var backward []string
	for it.IsValid() {
		backward = append(backward, string(it.GetKey()))
		if err := it.Previous(); err != nil {
			t.Fatalf("Previous: %v", err)
		}
	}
	if !equalStrings(backward, []string{"d", "c", "b", "a"}) {
		t.Fatalf("backward iteration = %v, want [d c b a]", backward)
	}
}

func TestSplitTriggersOnOverflow(t *testing.T) {
	db := openTemp(t)

	const n = maxKeysPerNode + 1
	for i := 0; i < n; i++ {
		if err := db.Set([]byte(sortableKey(i)), []byte{0}); err != nil {
			t.Fatalf("Set %d: %v", i, err)
		}
	}
	if err := db.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	if len(db.m.ids) < 2 {
		t.Fatalf("expected split, got %d node(s)", len(db.m.ids))
	}
	for i, id := range db.m.ids {
		log, err := db.loadNodeLog(id)
		if err != nil {
			t.Fatalf("loadNodeLog(%d): %v", id, err)
		}
		keys := materialize(log)
		if len(keys) > maxKeysPerNode {
			t.Fatalf("node %d has %d keys, want <= %d", i, len(keys), maxKeysPerNode)
		}
	}

	it, err := NewIterator(db)
	if err != nil {
		t.Fatalf("NewIterator: %v", err)
	}
	if err := it.SeekFirst(); err != nil {
		t.Fatalf("SeekFirst: %v", err)
	}
	got := 0
	for it.IsValid() {
		got++
		if err := it.Next(); err != nil {
			t.Fatalf("Next: %v", err)
		}
	}
	if got != n {
		t.Fatalf("iterated %d keys, want %d", got, n)
	}
}

// sortableKey renders i as a fixed-width decimal string so lexicographic
// byte order matches numeric order, for tests that need many distinct,
// already-sorted-by-insertion keys.
func sortableKey(i int) string {
	const digits = "0123456789"
	buf := make([]byte, 6)
	for p := 5; p >= 0; p-- {
		buf[p] = digits[i%10]
		i /= 10
	}
	return string(buf)
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
