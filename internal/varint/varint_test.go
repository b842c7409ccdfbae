package varint

import (
	"bytes"
	"testing"
)

func TestAppendReadRoundTrip(t *testing.T) {
	values := []uint64{
		0, 1, 127, 128, 129, 16383, 16384,
		1 << 20, 1 << 35, 1 << 63, ^uint64(0),
	}

	for _, v := range values {
		buf := Append(nil, v)

		if len(buf) != Size(v) {
			t.Fatalf("Size(%d) = %d, Append produced %d bytes", v, Size(v), len(buf))
		}

		got, n := Read(buf)
		if n != len(buf) {
			t.Fatalf("Read consumed %d bytes, want %d for value %d", n, len(buf), v)
		}
		if got != v {
			t.Fatalf("round trip mismatch: got %d, want %d", got, v)
		}
	}
}

func TestReadIncomplete(t *testing.T) {
	buf := Append(nil, 1<<20)
	_, n := Read(buf[:len(buf)-1])
	if n != 0 {
		t.Fatalf("Read on truncated buffer should report 0 bytes consumed, got %d", n)
	}
}

func TestReadFromMatchesRead(t *testing.T) {
	buf := Append(nil, 123456789)
	buf = append(buf, 0xFF) // trailing garbage, should be ignored

	got, err := ReadFrom(bytes.NewReader(buf))
	if err != nil {
		t.Fatalf("ReadFrom: %v", err)
	}
	if got != 123456789 {
		t.Fatalf("got %d, want 123456789", got)
	}
	if want, _ := Read(buf); got != want {
		t.Fatalf("ReadFrom = %d, Read = %d", got, want)
	}
}

func TestMultipleValuesConcatenated(t *testing.T) {
	var buf []byte
	want := []uint64{10, 300, 0, 70000}

	for _, v := range want {
		buf = Append(buf, v)
	}

	for _, w := range want {
		v, n := Read(buf)
		if n == 0 {
			t.Fatalf("failed to decode value, remaining buf=%v", buf)
		}
		if v != w {
			t.Fatalf("got %d, want %d", v, w)
		}
		buf = buf[n:]
	}

	if len(buf) != 0 {
		t.Fatalf("leftover bytes after decoding all values: %v", buf)
	}
}
