package kvdbo

import (
	"testing"

	"github.com/nextcore/kvdbo/internal/murmur"
)

func TestBloomSizeForIsPrime(t *testing.T) {
	for _, maxcount := range []uint64{1021, 2017, 4001, 100003} {
		size := bloomSizeFor(maxcount)
		if !isPrime(size) {
			t.Fatalf("bloomSizeFor(%d) = %d, not prime", maxcount, size)
		}
		if size < maxcount*5 {
			t.Fatalf("bloomSizeFor(%d) = %d, want >= %d", maxcount, size, maxcount*5)
		}
	}
}

func TestBloomDeltaNoFalseNegatives(t *testing.T) {
	const bits = 10007 // prime
	committed := make([]byte, (bits+7)/8)

	keys := [][]byte{[]byte("alpha"), []byte("beta"), []byte("gamma"), []byte("delta")}
	delta := newBloomDelta(bits)

	for _, k := range keys {
		_, h1, h2 := murmur.BloomProbes(k)
		b1, b2 := bloomProbeBits(h1, h2, bits)
		delta.set(b1)
		delta.set(b2)
	}

	for _, k := range keys {
		_, h1, h2 := murmur.BloomProbes(k)
		if !bloomMayContain(committed, delta, bits, h1, h2) {
			t.Fatalf("bloomMayContain false negative for key %q", k)
		}
	}

	// Inserted keys must never be reported absent, including after the
	// delta is folded into committed bytes the way commit() does.
	merged := make([]byte, len(committed))
	copy(merged, committed)
	for byteIdx, mask := range delta.byteMasks() {
		merged[byteIdx] |= mask
	}
	empty := newBloomDelta(bits)
	for _, k := range keys {
		_, h1, h2 := murmur.BloomProbes(k)
		if !bloomMayContain(merged, empty, bits, h1, h2) {
			t.Fatalf("bloomMayContain false negative for key %q after merge", k)
		}
	}
}

func TestBloomByteMasksRoundTrip(t *testing.T) {
	const bits = 1009
	d := newBloomDelta(bits)
	d.set(0)
	d.set(7)
	d.set(8)
	d.set(1000)

	masks := d.byteMasks()
	if masks[0] != 0b10000001 {
		t.Fatalf("byte 0 mask = %08b, want %08b", masks[0], 0b10000001)
	}
	if masks[1] != 0b00000001 {
		t.Fatalf("byte 1 mask = %08b, want %08b", masks[1], 0b00000001)
	}
}
