// Package kvdbo implements an embedded, single-process, single-file
// key/value storage engine: a chained hash table with per-table Bloom
// filters, a segregated free-list block allocator, write buffering, and a
// crash-safe write-ahead journal protecting commits. The ordered index
// layered on top lives in the sibling okv package.
//
// On-disk layout
//
//	+--------------------------------------------------------------+
//	| FILE HEADER (537 bytes)                                      |
//	|  marker "KVDB" (4) | version (4) | initial maxcount (8)      |
//	|  compression (1) | file size (8) | 64 free-list heads (512)  |
//	+--------------------------------------------------------------+
//	| TABLE 0                                                       |
//	|  next table (8) | live count (8) | bloom bits (8) |           |
//	|  maxcount (8) | bloom filter bytes | bucket heads (maxcount*8)|
//	+--------------------------------------------------------------+
//	| DATA BLOCKS (chained per bucket, recycled via free lists)    |
//	+--------------------------------------------------------------+
//	| TABLE 1 (appended once table 0 exceeds its collision budget) |
//	+--------------------------------------------------------------+
//	| ...                                                           |
//	+--------------------------------------------------------------+
//
// Every multi-byte integer in this layout is big-endian; all of it is
// read and written exclusively through ReadAt/WriteAt (see SPEC_FULL.md,
// "mmap vs. pread/pwrite") so there is never more than one view of the
// file's bytes to keep in sync.
package kvdbo

import "encoding/binary"

// HeaderMarker identifies a kvdbo file.
var HeaderMarker = [4]byte{'K', 'V', 'D', 'B'}

const (
	// FormatVersion is the current on-disk format version.
	FormatVersion uint32 = 5
	// formatVersionIncomplete is written transiently during create and
	// overwritten once the first table is durable. A file left with this
	// version is corrupted, not merely empty.
	formatVersionIncomplete uint32 = 0

	// NumSizeClasses is the number of segregated free lists, one per
	// power-of-two size class in 0..63.
	NumSizeClasses = 64

	headerMarkerOffset   = 0
	headerVersionOffset  = 4
	headerMaxcountOffset = 8
	headerCompression    = 16
	headerFileSizeOffset = 17
	headerFreeListOffset = 25

	// HeaderSize is the fixed size of the file header.
	HeaderSize = headerFreeListOffset + NumSizeClasses*8

	// tableHeaderSize is the fixed portion of a table: next-table offset,
	// live count, bloom bits, and bucket count, each 8 bytes.
	tableHeaderSize = 32

	// blockFixedHeaderSize is the sum of the fixed-width fields of a data
	// block: next-in-bucket (8) + key hash (4) + size class (1) +
	// key length (8) + value length (8).
	blockFixedHeaderSize = 29

	blockNextOffset     = 0
	blockHashOffset     = 8
	blockSizeClassOffset = 12
	blockKeyLenOffset   = 13
	blockKeyOffset      = 21

	// keyPrefixCoalesceLen is how many key bytes the first bucket-chain
	// read fetches alongside the fixed header, to avoid a second pread
	// for short keys.
	keyPrefixCoalesceLen = 128

	// DefaultInitialMaxcount is the bucket count of the very first table
	// created in a new database.
	DefaultInitialMaxcount = 1021 // prime

	// MaxMeanCollision bounds the live-key-count/maxcount ratio of a
	// table before a new table is appended to the chain.
	MaxMeanCollision = 3
)

// CompressionType identifies the value codec a database was created with.
type CompressionType uint8

const (
	CompressionRaw CompressionType = 0
	CompressionLZ4 CompressionType = 1
)

func be64(b []byte) uint64 { return binary.BigEndian.Uint64(b) }
func putBe64(b []byte, v uint64) { binary.BigEndian.PutUint64(b, v) }
func be32(b []byte) uint32 { return binary.BigEndian.Uint32(b) }
func putBe32(b []byte, v uint32) { binary.BigEndian.PutUint32(b, v) }

// fileHeader is the in-memory mirror of the on-disk header.
type fileHeader struct {
	version         uint32
	initialMaxcount uint64
	compression     CompressionType
	fileSize        uint64
	freeListHeads   [NumSizeClasses]uint64
}

func (h *fileHeader) encode() []byte {
	buf := make([]byte, HeaderSize)
	copy(buf[headerMarkerOffset:], HeaderMarker[:])
	putBe32(buf[headerVersionOffset:], h.version)
	putBe64(buf[headerMaxcountOffset:], h.initialMaxcount)
	buf[headerCompression] = byte(h.compression)
	putBe64(buf[headerFileSizeOffset:], h.fileSize)
	for i, head := range h.freeListHeads {
		putBe64(buf[headerFreeListOffset+i*8:], head)
	}
	return buf
}

func decodeHeader(buf []byte) (*fileHeader, error) {
	if len(buf) < HeaderSize {
		return nil, ErrCorrupted
	}
	if string(buf[headerMarkerOffset:headerMarkerOffset+4]) != string(HeaderMarker[:]) {
		return nil, ErrCorrupted
	}

	h := &fileHeader{}
	h.version = be32(buf[headerVersionOffset:])
	if h.version != FormatVersion {
		return nil, ErrCorrupted
	}
	h.initialMaxcount = be64(buf[headerMaxcountOffset:])
	h.compression = CompressionType(buf[headerCompression])
	h.fileSize = be64(buf[headerFileSizeOffset:])
	for i := 0; i < NumSizeClasses; i++ {
		h.freeListHeads[i] = be64(buf[headerFreeListOffset+i*8:])
	}
	return h, nil
}

// tableMeta is the in-memory mirror of one table's fixed-width fields,
// plus the derived byte offsets of its Bloom filter and bucket array.
type tableMeta struct {
	offset    uint64 // file offset of this table's header
	nextTable uint64 // 0 if this is the last table
	count     uint64 // live key count
	bloomBits uint64
	maxcount  uint64
}

func (t *tableMeta) bloomByteLen() uint64 {
	return (t.bloomBits + 7) / 8
}

func (t *tableMeta) bloomOffset() uint64 {
	return t.offset + tableHeaderSize
}

func (t *tableMeta) bucketsOffset() uint64 {
	return t.bloomOffset() + t.bloomByteLen()
}

func (t *tableMeta) bucketOffset(bucket uint64) uint64 {
	return t.bucketsOffset() + bucket*8
}

// size is the total number of bytes this table occupies in the file,
// including its fixed header, Bloom bytes, and bucket array.
func (t *tableMeta) size() uint64 {
	return tableHeaderSize + t.bloomByteLen() + t.maxcount*8
}

func (t *tableMeta) encode() []byte {
	buf := make([]byte, tableHeaderSize)
	putBe64(buf[0:], t.nextTable)
	putBe64(buf[8:], t.count)
	putBe64(buf[16:], t.bloomBits)
	putBe64(buf[24:], t.maxcount)
	return buf
}

func decodeTableMeta(offset uint64, buf []byte) (*tableMeta, error) {
	if len(buf) < tableHeaderSize {
		return nil, ErrCorrupted
	}
	return &tableMeta{
		offset:    offset,
		nextTable: be64(buf[0:]),
		count:     be64(buf[8:]),
		bloomBits: be64(buf[16:]),
		maxcount:  be64(buf[24:]),
	}, nil
}

// blockRecord is the decoded, fixed-width portion of a data block, i.e.
// everything except the key/value bytes.
type blockRecord struct {
	next        uint64
	hash        uint32
	sizeClass   uint8
	keyLen      uint64
	valLen      uint64
}

// blockTotalSize returns the number of file bytes a block of the given
// size class occupies, including its fixed header.
func blockTotalSize(class uint8) uint64 {
	return blockFixedHeaderSize + (uint64(1) << class)
}

// sizeClassFor computes ceil(log2(max(16, payload))), the size class
// contract of spec §4.1.
func sizeClassFor(payload int) uint8 {
	n := payload
	if n < 16 {
		n = 16
	}
	var class uint8
	size := 1
	for size < n {
		size <<= 1
		class++
	}
	return class
}

// isPrime reports whether n is prime, trial division is fine here: n is
// always a small table/bloom size, never hot-path.
func isPrime(n uint64) bool {
	if n < 2 {
		return false
	}
	if n%2 == 0 {
		return n == 2
	}
	for d := uint64(3); d*d <= n; d += 2 {
		if n%d == 0 {
			return false
		}
	}
	return true
}

// nextPrime returns the smallest prime >= n.
func nextPrime(n uint64) uint64 {
	if n <= 2 {
		return 2
	}
	if n%2 == 0 {
		n++
	}
	for !isPrime(n) {
		n += 2
	}
	return n
}
