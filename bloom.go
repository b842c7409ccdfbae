package kvdbo

import "github.com/bits-and-blooms/bitset"

// bloomSizeFor returns the Bloom filter size, in bits, for a table with
// the given bucket count: the smallest prime >= maxcount*5.
func bloomSizeFor(maxcount uint64) uint64 {
	return nextPrime(maxcount * 5)
}

func bloomTestBit(raw []byte, bit uint64) bool {
	byteIdx := bit / 8
	if byteIdx >= uint64(len(raw)) {
		return false
	}
	return raw[byteIdx]&(1<<(bit%8)) != 0
}

func bloomSetBit(raw []byte, bit uint64) {
	raw[bit/8] |= 1 << (bit % 8)
}

// bloomDelta accumulates the Bloom bits a transaction sets for one table,
// kept separate from the on-disk bytes until commit folds them in via the
// journal (spec §9: Bloom changes must never touch the live file before
// commit). Membership queries against the delta never produce false
// negatives, only false positives, same as the filter itself.
type bloomDelta struct {
	bits *bitset.BitSet
	size uint64
}

func newBloomDelta(size uint64) *bloomDelta {
	return &bloomDelta{bits: bitset.New(uint(size)), size: size}
}

func (d *bloomDelta) set(bit uint64) {
	d.bits.Set(uint(bit))
}

func (d *bloomDelta) test(bit uint64) bool {
	if d == nil || d.bits == nil {
		return false
	}
	return d.bits.Test(uint(bit))
}

func (d *bloomDelta) empty() bool {
	return d == nil || d.bits == nil || d.bits.None()
}

// byteMasks flattens the delta into the per-byte OR-masks the journal
// records for this table's Bloom region (spec §4.4 step 3).
func (d *bloomDelta) byteMasks() map[uint64]byte {
	masks := make(map[uint64]byte)
	if d == nil || d.bits == nil {
		return masks
	}
	for i, ok := d.bits.NextSet(0); ok; i, ok = d.bits.NextSet(i + 1) {
		byteIdx := uint64(i) / 8
		masks[byteIdx] |= 1 << (uint64(i) % 8)
	}
	return masks
}

// bloomProbeBits derives the two Bloom bit positions for a key's chained
// hashes (h1, h2), modulo the table's Bloom size.
func bloomProbeBits(h1, h2 uint32, bloomBits uint64) (uint64, uint64) {
	return uint64(h1) % bloomBits, uint64(h2) % bloomBits
}

// bloomMayContain tests committed disk bytes OR'd with an in-flight
// transaction's own delta (the transaction must see its own uncommitted
// inserts). False positives are allowed; false negatives must never
// occur: an inserted key always sets both probe bits, so one clear probe
// bit is enough for a negative result.
func bloomMayContain(committed []byte, delta *bloomDelta, bloomBits uint64, h1, h2 uint32) bool {
	b1, b2 := bloomProbeBits(h1, h2, bloomBits)
	has1 := bloomTestBit(committed, b1) || delta.test(b1)
	has2 := bloomTestBit(committed, b2) || delta.test(b2)
	return has1 && has2
}
