package kvdbo

// allocate reserves space for a block holding payload bytes (key+value),
// returning its offset, size class, and whether the offset is freshly
// appended at the end of the file (as opposed to reused from a
// pre-existing free list). It consumes at most one link of the
// pre-existing free list for the chosen class; if that list is empty it
// grows the shadow file size instead (spec §4.1).
func (txn *transaction) allocate(payload int) (offset uint64, class uint8, appended bool, err error) {
	class = sizeClassFor(payload)

	if head := txn.freeListHeads[class]; head != 0 {
		next, err := txn.readBlockNext(head)
		if err != nil {
			return 0, 0, false, err
		}
		txn.freeListHeads[class] = next
		txn.touchedClasses[class] = true
		return head, class, false, nil
	}

	offset = txn.filesize
	txn.filesize += blockTotalSize(class)
	return offset, class, true, nil
}

// recycle marks offset, an existing block being removed from its bucket
// chain, as free. It is appended to this transaction's per-class
// recycled list; per the allocator's isolation contract, allocate()
// never returns an offset recycled earlier in the same transaction,
// because an abort must still be able to treat it as live.
func (txn *transaction) recycle(offset uint64) error {
	class, err := txn.readBlockSizeClass(offset)
	if err != nil {
		return err
	}
	txn.recycled[class] = append(txn.recycled[class], offset)
	txn.touchedClasses[class] = true
	return nil
}
