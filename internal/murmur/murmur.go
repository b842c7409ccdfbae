// Package murmur implements the MurmurHash2-compatible 32-bit hash used
// throughout kvdbo for hash-table bucket placement, block identification,
// journal checksums, and Bloom filter probes.
package murmur

const (
	m = 0x5bd1e995
	r = 24
)

// Hash32 computes the 32-bit MurmurHash2 variant of data, seeded with seed.
//
// The tail-byte merge (for the 1-3 bytes left over after the last full
// 4-byte chunk) widens each leftover byte as a signed 8-bit value before
// mixing it in, matching the reference C implementation's use of a signed
// char pointer for that step. Reimplementations that skip the sign
// extension will diverge on keys whose trailing bytes are >= 0x80.
func Hash32(data []byte, seed uint32) uint32 {
	length := len(data)
	h := seed ^ uint32(length)

	len4 := length >> 2
	for i := 0; i < len4; i++ {
		i4 := i << 2
		k := uint32(data[i4+3])
		k <<= 8
		k |= uint32(data[i4+2])
		k <<= 8
		k |= uint32(data[i4+1])
		k <<= 8
		k |= uint32(data[i4+0])

		k *= m
		k ^= k >> r
		k *= m

		h *= m
		h ^= k
	}

	lenM := len4 << 2
	left := length - lenM

	if left != 0 {
		if left >= 3 {
			h ^= signedByte(data[length-3]) << 16
		}
		if left >= 2 {
			h ^= signedByte(data[length-2]) << 8
		}
		if left >= 1 {
			h ^= signedByte(data[length-1])
		}
		h *= m
	}

	h ^= h >> 13
	h *= m
	h ^= h >> 15

	return h
}

func signedByte(b byte) uint32 {
	return uint32(int32(int8(b)))
}

// BloomProbes derives the three chained hashes the Bloom filter contract
// in spec §3.1 requires: h0 is also the stored block hash and bucket
// selector; h1 and h2 are the Bloom probes, each seeded by the previous.
func BloomProbes(key []byte) (h0, h1, h2 uint32) {
	h0 = Hash32(key, 0)
	h1 = Hash32(key, h0)
	h2 = Hash32(key, h1)
	return
}
