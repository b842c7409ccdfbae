package kvdbo

// commit durably applies a transaction's changes following spec §4.4:
//
//  1. Flush newly appended bytes (write buffer growth, reused free-list
//     slots) to the live file and fsync.
//  2. Build the minimal-ish metadata diff (free lists, table links and
//     counts, Bloom bits, bucket chains) and write+fsync it as a journal.
//  3. Replay the journal onto the live file's metadata regions and fsync
//     again.
//  4. Remove the journal - only once every mutation it describes is
//     durable on the main file can the journal be discarded.
func (txn *transaction) commit() error {
	db := txn.db

	if err := db.writeBuf.flush(db.file); err != nil {
		return err
	}
	for offset, data := range txn.pendingWrites {
		if _, err := db.file.WriteAt(data, int64(offset)); err != nil {
			return err
		}
	}
	if db.fsyncEnabled {
		if err := db.file.Sync(); err != nil {
			return err
		}
	}

	jw, err := txn.buildJournal()
	if err != nil {
		return err
	}

	if !jw.empty() {
		jpath := journalPath(db.path)
		if err := writeJournal(jpath, jw, db.fsyncEnabled); err != nil {
			return err
		}
		if err := applyJournal(db.file, jw.records, txn.filesize); err != nil {
			return err
		}
		if db.fsyncEnabled {
			if err := db.file.Sync(); err != nil {
				return err
			}
		}
		if err := removeJournal(jpath); err != nil {
			return err
		}
	}

	db.header.fileSize = txn.filesize
	db.header.freeListHeads = txn.freeListHeads
	db.tables = txn.tables
	return nil
}

// buildJournal computes the journal records that transition the file's
// metadata from its pre-transaction state to this transaction's final
// shadow state. Several categories are written unconditionally rather
// than as a provably minimal diff (every table's count and link, every
// member of a touched bucket's chain): each such write reproduces a
// value the final state already requires, so replaying it twice, or
// writing it when nothing actually changed, is harmless and keeps the
// commit path simple to reason about.
func (txn *transaction) buildJournal() (*journalWriter, error) {
	jw := &journalWriter{}

	jw.add8(headerFileSizeOffset, txn.filesize)

	for class := 0; class < NumSizeClasses; class++ {
		if !txn.touchedClasses[class] {
			continue
		}
		recycledChain := txn.recycled[class]
		head := txn.freeListHeads[class]
		if len(recycledChain) > 0 {
			for idx, off := range recycledChain {
				next := txn.freeListHeads[class]
				if idx+1 < len(recycledChain) {
					next = recycledChain[idx+1]
				}
				jw.add8(off+blockNextOffset, next)
			}
			head = recycledChain[0]
		}
		jw.add8(uint64(headerFreeListOffset+class*8), head)
		// txn.freeListHeads must end up holding the same head the journal
		// just wrote on disk: commit() copies this array verbatim into
		// db.header.freeListHeads, and a class that was only recycled into
		// (never allocated from) would otherwise keep its stale begin-
		// snapshot value here, leaking every block recycled this
		// transaction until the next reopen re-reads the correct on-disk
		// head (spec §9: "both views agree after commit").
		txn.freeListHeads[class] = head
	}

	for i := range txn.tables {
		jw.add8(txn.tables[i].offset+8, txn.tables[i].count)
		if i+1 < len(txn.tables) {
			jw.add8(txn.tables[i].offset+0, txn.tables[i+1].offset)
		}
	}

	for tableIdx, delta := range txn.bloomDeltas {
		if delta.empty() {
			continue
		}
		tbl := txn.tables[tableIdx]
		for byteIdx, mask := range delta.byteMasks() {
			cur, err := txn.readAt(tbl.bloomOffset()+byteIdx, 1)
			if err != nil {
				return nil, err
			}
			var curByte byte
			if len(cur) > 0 {
				curByte = cur[0]
			}
			jw.add(tbl.bloomOffset()+byteIdx, []byte{curByte | mask})
		}
	}

	for bk, bs := range txn.buckets {
		tbl := txn.tables[bk.table]
		var head uint64
		if len(bs.chain) > 0 {
			head = bs.chain[0]
		}
		jw.add8(tbl.bucketOffset(bk.bucket), head)
		for idx, off := range bs.chain {
			var next uint64
			if idx+1 < len(bs.chain) {
				next = bs.chain[idx+1]
			}
			jw.add8(off+blockNextOffset, next)
		}
	}

	return jw, nil
}

// abort discards all shadow state. Nothing a transaction wrote through
// the pending overlay ever touched the live file, so only write-buffer
// growth needs undoing, which a truncate back to the pre-transaction
// file size does in one step (spec §4.4).
func (txn *transaction) abort() error {
	db := txn.db
	db.writeBuf.reset()
	return db.file.Truncate(int64(txn.beginFilesize))
}
