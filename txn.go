package kvdbo

// bucketKey identifies one bucket within one table in a transaction's
// shadow state.
type bucketKey struct {
	table  int
	bucket uint64
}

// bucketState is a bucket's chain of block offsets, head first, loaded
// lazily from disk on first touch and then mutated purely in memory for
// the rest of the transaction (spec §4.4: "a touched bucket's in-memory
// chain entirely shadows the on-disk chain").
type bucketState struct {
	chain []uint64
}

// transaction holds all shadow state for one in-flight write
// transaction: nothing here is visible on disk until commit applies a
// journal; abort simply discards it and truncates the file back to
// beginFilesize.
type transaction struct {
	db *DB

	filesize      uint64
	beginFilesize uint64

	tables         []tableMeta
	beginTableLen  int
	touchedClasses [NumSizeClasses]bool
	freeListHeads  [NumSizeClasses]uint64
	recycled       [NumSizeClasses][]uint64

	buckets     map[bucketKey]*bucketState
	bloomDeltas map[int]*bloomDelta

	// pendingWrites holds the full bytes of blocks written to pre-existing
	// (non end-of-file) offsets: reused free-list slots. These must not
	// touch the live file until commit, unlike write-buffer growth, which
	// abort can always undo by truncation (spec §9).
	pendingWrites map[uint64][]byte

	opCount int
}

func newTransaction(db *DB) *transaction {
	txn := &transaction{
		db:            db,
		filesize:      db.header.fileSize,
		beginFilesize: db.header.fileSize,
		tables:        append([]tableMeta(nil), db.tables...),
		beginTableLen: len(db.tables),
		freeListHeads: db.header.freeListHeads,
		buckets:       make(map[bucketKey]*bucketState),
		bloomDeltas:   make(map[int]*bloomDelta),
	}
	return txn
}

// readAt reads length bytes at an absolute file offset, preferring the
// database's sequential write buffer over the file itself: bytes staged
// there this transaction (or an earlier one not yet flushed) may not be
// on disk yet.
func (txn *transaction) readAt(offset uint64, length int) ([]byte, error) {
	if length == 0 {
		return nil, nil
	}
	if data, ok := txn.db.writeBuf.readAt(offset, length); ok {
		return data, nil
	}
	buf := make([]byte, length)
	n, err := txn.db.file.ReadAt(buf, int64(offset))
	if err != nil && n < length {
		return nil, err
	}
	return buf, nil
}

// readBlockBytes reads length bytes at relOffset within the block
// starting at blockOffset, consulting this transaction's pending
// overlay first, then the write buffer/disk via readAt. Reads are
// clamped to whatever data actually exists, never past the owning
// block's staged bytes or the shadow end of file; callers detect a
// short read by comparing the returned slice's length.
func (txn *transaction) readBlockBytes(blockOffset, relOffset uint64, length int) ([]byte, error) {
	if full, ok := txn.pendingWrites[blockOffset]; ok {
		if relOffset >= uint64(len(full)) {
			return nil, nil
		}
		end := relOffset + uint64(length)
		if end > uint64(len(full)) {
			end = uint64(len(full))
		}
		return full[relOffset:end], nil
	}

	offset := blockOffset + relOffset
	if offset >= txn.filesize {
		return nil, nil
	}
	if avail := txn.filesize - offset; uint64(length) > avail {
		length = int(avail)
	}
	return txn.readAt(offset, length)
}

// stageBlockBytes writes a block's full contents either through the
// sequential write buffer (appended == true, i.e. brand new end-of-file
// growth, safely discarded by truncation on abort) or into the
// transaction's pending overlay (a reused free-list slot, which must
// stay off the live file until commit).
func (txn *transaction) stageBlockBytes(offset uint64, appended bool, data []byte) error {
	if appended {
		return txn.db.writeBuf.append(txn.db.file, offset, data)
	}
	if txn.pendingWrites == nil {
		txn.pendingWrites = make(map[uint64][]byte)
	}
	txn.pendingWrites[offset] = data
	return nil
}

// loadBucket returns a bucket's shadow chain, walking the on-disk (or
// still-buffered) chain on first touch.
func (txn *transaction) loadBucket(tableIdx int, bucket uint64) (*bucketState, error) {
	key := bucketKey{tableIdx, bucket}
	if bs, ok := txn.buckets[key]; ok {
		return bs, nil
	}

	tbl := txn.tables[tableIdx]
	headBuf, err := txn.readAt(tbl.bucketOffset(bucket), 8)
	if err != nil {
		return nil, err
	}
	head := be64(headBuf)

	var chain []uint64
	for off := head; off != 0; {
		chain = append(chain, off)
		next, err := txn.readBlockNext(off)
		if err != nil {
			return nil, err
		}
		off = next
	}

	bs := &bucketState{chain: chain}
	txn.buckets[key] = bs
	return bs, nil
}

// bloomDeltaFor returns (creating if necessary) the in-flight Bloom
// delta for a table.
func (txn *transaction) bloomDeltaFor(tableIdx int) *bloomDelta {
	d, ok := txn.bloomDeltas[tableIdx]
	if !ok {
		d = newBloomDelta(txn.tables[tableIdx].bloomBits)
		txn.bloomDeltas[tableIdx] = d
	}
	return d
}

// bloomMayContain tests a table's committed Bloom bytes OR'd with this
// transaction's own delta, so a transaction always sees its own
// uncommitted inserts.
func (txn *transaction) bloomMayContain(tableIdx int, h1, h2 uint32) (bool, error) {
	tbl := txn.tables[tableIdx]
	raw, err := txn.readAt(tbl.bloomOffset(), int(tbl.bloomByteLen()))
	if err != nil {
		return false, err
	}
	return bloomMayContain(raw, txn.bloomDeltas[tableIdx], tbl.bloomBits, h1, h2), nil
}

func (txn *transaction) setBloomBits(tableIdx int, h1, h2 uint32) {
	tbl := txn.tables[tableIdx]
	b1, b2 := bloomProbeBits(h1, h2, tbl.bloomBits)
	d := txn.bloomDeltaFor(tableIdx)
	d.set(b1)
	d.set(b2)
}
