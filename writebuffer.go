package kvdbo

import "os"

// writeBuffer stages newly appended blocks and tables in memory so a run
// of small sequential writes becomes one larger pwrite. It is never used
// for updates to existing (already-allocated) regions of the file: those
// go through a transaction's pendingWrites overlay instead, because they
// must remain reversible until commit (spec §4.3, §9).
type writeBuffer struct {
	capacity int
	anchor   uint64
	data     []byte
}

func newWriteBuffer(capacity int) *writeBuffer {
	return &writeBuffer{capacity: capacity}
}

func (wb *writeBuffer) remaining() int {
	return wb.capacity - len(wb.data)
}

// reset drops any staged bytes without writing them, used when a
// transaction aborts and truncates the file out from under the buffer.
func (wb *writeBuffer) reset() {
	wb.data = nil
	wb.anchor = 0
}

// flush writes any staged bytes to file at their anchor and clears the
// buffer.
func (wb *writeBuffer) flush(file *os.File) error {
	if len(wb.data) == 0 {
		return nil
	}
	_, err := file.WriteAt(wb.data, int64(wb.anchor))
	wb.reset()
	return err
}

// append stages the bytes of a newly appended block or table at offset,
// which must be the current end of the logical file. It implements the
// algorithm of spec §4.3: anchor an empty buffer at the write, fill it
// while it has room, and otherwise flush and either restart the buffer
// or write directly when the new data alone exceeds its capacity.
func (wb *writeBuffer) append(file *os.File, offset uint64, data []byte) error {
	switch {
	case wb.capacity == 0:
		_, err := file.WriteAt(data, int64(offset))
		return err
	case len(wb.data) == 0:
		wb.anchor = offset
		if len(data) > wb.capacity {
			_, err := file.WriteAt(data, int64(offset))
			wb.reset()
			return err
		}
		wb.data = append(wb.data, data...)
		return nil
	case offset == wb.anchor+uint64(len(wb.data)) && len(data) <= wb.remaining():
		wb.data = append(wb.data, data...)
		return nil
	default:
		if err := wb.flush(file); err != nil {
			return err
		}
		return wb.append(file, offset, data)
	}
}

// readAt serves offset..offset+length from the staged buffer if, and
// only if, that range is wholly contained in it. ok is false otherwise,
// telling the caller to fall back to reading the file directly.
func (wb *writeBuffer) readAt(offset uint64, length int) (data []byte, ok bool) {
	if len(wb.data) == 0 || length == 0 {
		return nil, false
	}
	start := wb.anchor
	end := wb.anchor + uint64(len(wb.data))
	if offset < start || offset+uint64(length) > end {
		return nil, false
	}
	rel := offset - start
	return wb.data[rel : rel+uint64(length)], true
}
