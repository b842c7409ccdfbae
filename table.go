package kvdbo

import (
	"bytes"

	"github.com/nextcore/kvdbo/internal/murmur"
)

// findResult locates a live key within the hash table chain.
type findResult struct {
	tableIdx    int
	bucket      uint64
	blockOffset uint64
	block       *decodedBlock
}

// find walks the table chain looking for key, skipping any table whose
// Bloom filter rules it out. Bucket chains are loaded (and thereafter
// cached) lazily per table.
func (txn *transaction) find(key []byte) (*findResult, error) {
	h0, h1, h2 := murmur.BloomProbes(key)

	for i := range txn.tables {
		maybe, err := txn.bloomMayContain(i, h1, h2)
		if err != nil {
			return nil, err
		}
		if !maybe {
			continue
		}

		bucket := uint64(h0) % txn.tables[i].maxcount
		bs, err := txn.loadBucket(i, bucket)
		if err != nil {
			return nil, err
		}

		for _, off := range bs.chain {
			blk, err := txn.readBlockKeyed(off)
			if err != nil {
				return nil, err
			}
			if blk.rec.hash == h0 && blk.rec.keyLen == uint64(len(key)) && bytes.Equal(blk.key, key) {
				return &findResult{tableIdx: i, bucket: bucket, blockOffset: off, block: blk}, nil
			}
		}
	}

	return nil, nil
}

// selectTableForInsert returns the index of the table a new key should
// be inserted into: the first table in the chain under its collision
// budget, or a newly appended table if every existing one is over
// budget (spec §4.2, MaxMeanCollision).
func (txn *transaction) selectTableForInsert() (int, error) {
	for i := range txn.tables {
		if txn.tables[i].count < MaxMeanCollision*txn.tables[i].maxcount {
			return i, nil
		}
	}
	return txn.growTableChain()
}

// growTableChain appends a new, empty table to the chain, doubling the
// previous table's bucket count (rounded up to the next prime), and
// links the previous last table to it. The new table's bytes are pure
// end-of-file growth, so they go through the write buffer like any other
// newly appended region; only the link from the old last table (an
// update to a pre-existing region) is journaled at commit.
func (txn *transaction) growTableChain() (int, error) {
	last := len(txn.tables) - 1
	newMaxcount := nextPrime(2 * txn.tables[last].maxcount)
	newTable := tableMeta{
		offset:    txn.filesize,
		nextTable: 0,
		count:     0,
		bloomBits: bloomSizeFor(newMaxcount),
		maxcount:  newMaxcount,
	}

	buf := make([]byte, newTable.size())
	copy(buf[:tableHeaderSize], newTable.encode())
	if err := txn.db.writeBuf.append(txn.db.file, newTable.offset, buf); err != nil {
		return 0, err
	}
	txn.filesize += newTable.size()

	txn.tables[last].nextTable = newTable.offset
	txn.tables = append(txn.tables, newTable)
	return len(txn.tables) - 1, nil
}

// insert adds a new block for key/value to the chosen table's bucket,
// prepending it to the bucket's shadow chain. Any existing entry for key
// must already have been removed by the caller (set semantics live in
// db.go).
func (txn *transaction) insert(key, value []byte) error {
	h0, h1, h2 := murmur.BloomProbes(key)

	tableIdx, err := txn.selectTableForInsert()
	if err != nil {
		return err
	}
	bucket := uint64(h0) % txn.tables[tableIdx].maxcount

	offset, class, appended, err := txn.allocate(len(key) + len(value))
	if err != nil {
		return err
	}

	bs, err := txn.loadBucket(tableIdx, bucket)
	if err != nil {
		return err
	}
	var oldHead uint64
	if len(bs.chain) > 0 {
		oldHead = bs.chain[0]
	}

	block := encodeBlock(oldHead, h0, class, key, value)
	if err := txn.stageBlockBytes(offset, appended, block); err != nil {
		return err
	}

	bs.chain = append([]uint64{offset}, bs.chain...)
	txn.tables[tableIdx].count++
	txn.setBloomBits(tableIdx, h1, h2)
	return nil
}

// deleteFound removes the block located by a prior find() call from its
// bucket's shadow chain and recycles its space.
func (txn *transaction) deleteFound(r *findResult) error {
	bs, err := txn.loadBucket(r.tableIdx, r.bucket)
	if err != nil {
		return err
	}
	idx := -1
	for i, off := range bs.chain {
		if off == r.blockOffset {
			idx = i
			break
		}
	}
	if idx < 0 {
		return ErrCorrupted
	}
	bs.chain = append(bs.chain[:idx], bs.chain[idx+1:]...)
	txn.tables[r.tableIdx].count--
	return txn.recycle(r.blockOffset)
}
