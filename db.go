package kvdbo

import (
	"fmt"
	"os"
)

// implicitTxnMaxOp is the mutation-count threshold at which an implicit
// transaction auto-commits (spec §4.4).
const implicitTxnMaxOp = 10000

// DB is a handle to one open kvdbo database file. It owns the file
// descriptor, the write buffer, and any in-flight transaction state
// exclusively: per spec §5, a handle is neither safe for concurrent use
// from multiple goroutines nor shareable across processes on the same
// file.
type DB struct {
	path string
	file *os.File

	header fileHeader
	tables []tableMeta

	writeBuf *writeBuffer
	fsyncEnabled bool

	txn      *transaction
	implicit bool
}

// Open opens path, creating it first if it does not already exist. The
// returned DB must be closed with Close.
func Open(path string, opts ...Option) (*DB, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := create(path, o); err != nil {
			return nil, fmt.Errorf("kvdbo: create %s: %w", path, err)
		}
	}

	file, err := os.OpenFile(path, os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("kvdbo: open %s: %w", path, err)
	}

	db := &DB{
		path:         path,
		file:         file,
		writeBuf:     newWriteBuffer(o.writeBufferSize),
		fsyncEnabled: o.fsyncEnabled,
	}

	if err := db.recoverJournal(); err != nil {
		file.Close()
		return nil, err
	}

	if err := db.loadHeaderAndTables(); err != nil {
		file.Close()
		return nil, err
	}

	return db, nil
}

// create performs the crash-atomic creation sequence of spec §4.6: the
// header is first written with version 0 and FormatVersion is written
// last, so a file carrying FormatVersion is never a partially-written
// one, and a file left with version 0 is rejected as corrupted on open.
func create(path string, o options) error {
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return err
	}
	defer file.Close()

	maxcount := nextPrime(o.initialMaxcount)
	firstTable := tableMeta{
		offset:    HeaderSize,
		nextTable: 0,
		count:     0,
		bloomBits: bloomSizeFor(maxcount),
		maxcount:  maxcount,
	}

	h := &fileHeader{
		version:         formatVersionIncomplete,
		initialMaxcount: maxcount,
		compression:     o.compression,
		fileSize:        HeaderSize + firstTable.size(),
	}

	if err := file.Truncate(int64(h.fileSize)); err != nil {
		return err
	}
	if _, err := file.WriteAt(h.encode(), 0); err != nil {
		return err
	}

	tableBuf := make([]byte, firstTable.size())
	copy(tableBuf[:tableHeaderSize], firstTable.encode())
	if _, err := file.WriteAt(tableBuf, int64(firstTable.offset)); err != nil {
		return err
	}

	if err := file.Sync(); err != nil {
		return err
	}

	versionBuf := make([]byte, 4)
	putBe32(versionBuf, FormatVersion)
	if _, err := file.WriteAt(versionBuf, headerVersionOffset); err != nil {
		return err
	}
	return file.Sync()
}

// recoverJournal implements spec §4.5/§7: a structurally invalid journal
// is discarded and the main file is truncated back to the file size its
// header records, removing any blocks appended past the last durable
// commit. A valid journal is replayed onto the main file.
func (db *DB) recoverJournal() error {
	jpath := journalPath(db.path)
	records, err := readJournal(jpath)
	if err == nil && records != nil {
		err = db.applyRecoveredJournal(records)
	}
	if err == errInvalidJournal {
		if statErr := db.discardIncompleteAppend(); statErr != nil {
			return statErr
		}
		return removeJournal(jpath)
	}
	if err != nil {
		return err
	}
	if records == nil {
		return nil
	}
	return removeJournal(jpath)
}

// applyRecoveredJournal bounds replay to the main file's actual on-disk
// size before applying: a record reaching past it (spec §4.5 step 3)
// makes the whole journal invalid, same as a bad marker or checksum.
func (db *DB) applyRecoveredJournal(records []journalRecord) error {
	info, err := db.file.Stat()
	if err != nil {
		return err
	}
	if err := applyJournal(db.file, records, uint64(info.Size())); err != nil {
		return err
	}
	if db.fsyncEnabled {
		return db.file.Sync()
	}
	return nil
}

// discardIncompleteAppend truncates the main file back to the file size
// recorded in its own header, discarding any blocks or tables appended
// by a transaction whose journal never finished (spec §4.5, step 4: "the
// caller must truncate to the pre-journal filesize").
func (db *DB) discardIncompleteAppend() error {
	hdrBuf := make([]byte, HeaderSize)
	if _, err := db.file.ReadAt(hdrBuf, 0); err != nil {
		return fmt.Errorf("kvdbo: read header during recovery: %w", err)
	}
	h, err := decodeHeader(hdrBuf)
	if err != nil {
		return err
	}
	return db.file.Truncate(int64(h.fileSize))
}

// loadHeaderAndTables reads the header and walks the table chain,
// verifying the header marker/version per spec §4.6.
func (db *DB) loadHeaderAndTables() error {
	hdrBuf := make([]byte, HeaderSize)
	if _, err := db.file.ReadAt(hdrBuf, 0); err != nil {
		return fmt.Errorf("kvdbo: read header: %w", err)
	}
	h, err := decodeHeader(hdrBuf)
	if err != nil {
		return err
	}
	db.header = *h

	var tables []tableMeta
	offset := uint64(HeaderSize)
	for {
		buf := make([]byte, tableHeaderSize)
		if _, err := db.file.ReadAt(buf, int64(offset)); err != nil {
			return fmt.Errorf("kvdbo: read table at %d: %w", offset, err)
		}
		t, err := decodeTableMeta(offset, buf)
		if err != nil {
			return err
		}
		tables = append(tables, *t)
		if t.nextTable == 0 {
			break
		}
		offset = t.nextTable
	}
	db.tables = tables
	return nil
}

// Close commits any open implicit transaction and releases the file
// descriptor. An open explicit transaction is left untouched: the caller
// is expected to have committed or aborted it already.
func (db *DB) Close() error {
	if db.txn != nil && db.implicit {
		if err := db.commitTxn(); err != nil {
			return err
		}
	}
	return db.file.Close()
}

// GetFilename returns the path the database was opened with.
func (db *DB) GetFilename() string { return db.path }

// CompressionType reports the codec the database was created with.
func (db *DB) CompressionType() CompressionType { return db.header.compression }

// FsyncEnabled reports whether commits fsync the main file and journal.
func (db *DB) FsyncEnabled() bool { return db.fsyncEnabled }

// SetFsyncEnabled toggles fsync-on-commit for subsequent transactions.
func (db *DB) SetFsyncEnabled(enabled bool) { db.fsyncEnabled = enabled }

// WriteBufferSize returns the current write-buffer capacity in bytes.
func (db *DB) WriteBufferSize() int { return db.writeBuf.capacity }

// SetWriteBufferSize resizes the write buffer, flushing any staged bytes
// under the old capacity first.
func (db *DB) SetWriteBufferSize(n int) error {
	if err := db.writeBuf.flush(db.file); err != nil {
		return err
	}
	db.writeBuf.capacity = n
	return nil
}

// TransactionBegin opens an explicit transaction. If an implicit
// transaction is already accumulating changes, it is promoted to
// explicit in place rather than rejected: its shadow state carries
// forward unchanged, it simply no longer auto-commits at the op-count
// threshold. It fails with ErrTransactionOpen only if an explicit
// transaction is already open.
func (db *DB) TransactionBegin() error {
	if db.txn != nil {
		if db.implicit {
			db.implicit = false
			return nil
		}
		return ErrTransactionOpen
	}
	db.txn = newTransaction(db)
	db.implicit = false
	return nil
}

// TransactionCommit durably applies the current explicit transaction.
func (db *DB) TransactionCommit() error {
	if db.txn == nil || db.implicit {
		return ErrNoTransaction
	}
	return db.commitTxn()
}

// TransactionAbort discards the current explicit transaction's changes.
func (db *DB) TransactionAbort() error {
	if db.txn == nil || db.implicit {
		return ErrNoTransaction
	}
	return db.abortTxn()
}

func (db *DB) commitTxn() error {
	if err := db.txn.commit(); err != nil {
		return err
	}
	db.txn = nil
	db.implicit = false
	return nil
}

// abortTxn discards the transaction's shadow state. db.header and
// db.tables already reflect the last successful commit: a transaction
// never mutates pre-existing file regions before commit (spec §4.4), so
// truncating away its appended blocks/tables is sufficient and no
// re-read of the header is needed.
func (db *DB) abortTxn() error {
	if err := db.txn.abort(); err != nil {
		return err
	}
	db.txn = nil
	db.implicit = false
	return nil
}

// Flush commits whatever transaction, implicit or explicit, is
// currently open, or does nothing if none is. It gives callers layered
// on top of DB (such as okv) a way to force a durability point without
// depending on TransactionCommit's explicit-only restriction.
func (db *DB) Flush() error {
	if db.txn == nil {
		return nil
	}
	return db.commitTxn()
}

// ensureTxn returns the currently open transaction, opening an implicit
// one if none is open. It is the entry point every mutating/reading
// operation calls first.
func (db *DB) ensureTxn() *transaction {
	if db.txn == nil {
		db.txn = newTransaction(db)
		db.implicit = true
	}
	return db.txn
}

// maybeAutoCommit commits an implicit transaction once its op counter
// crosses implicitTxnMaxOp (spec §4.4).
func (db *DB) maybeAutoCommit() error {
	if db.implicit && db.txn != nil && db.txn.opCount >= implicitTxnMaxOp {
		return db.commitTxn()
	}
	return nil
}

// Set stores value under key, overwriting any existing entry. Compression
// is applied per the database's configured codec (spec §4.6).
func (db *DB) Set(key, value []byte) error {
	txn := db.ensureTxn()

	stored, err := compressValue(db.header.compression, value)
	if err != nil {
		return err
	}

	if existing, err := txn.find(key); err != nil {
		return err
	} else if existing != nil {
		if err := txn.deleteFound(existing); err != nil {
			return err
		}
	}

	if err := txn.insert(key, stored); err != nil {
		return err
	}
	txn.opCount++
	return db.maybeAutoCommit()
}

// Get returns the value stored for key, or ErrNotFound if there is none.
func (db *DB) Get(key []byte) ([]byte, error) {
	txn := db.ensureTxn()

	found, err := txn.find(key)
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, ErrNotFound
	}

	raw, err := txn.readValue(found.blockOffset, found.block)
	if err != nil {
		return nil, err
	}
	return decompressValue(db.header.compression, raw)
}

// Delete removes key's entry, if any. It is not an error to delete a
// missing key.
func (db *DB) Delete(key []byte) error {
	txn := db.ensureTxn()

	found, err := txn.find(key)
	if err != nil {
		return err
	}
	if found == nil {
		return nil
	}
	if err := txn.deleteFound(found); err != nil {
		return err
	}
	txn.opCount++
	return db.maybeAutoCommit()
}

// EnumerateFunc is invoked once per live key by EnumerateKeys. Returning
// false stops enumeration immediately; no further keys are visited
// (spec §4.6, §9: "the stop flag propagates immediately").
type EnumerateFunc func(key []byte) (more bool)

// EnumerateKeys visits every currently live key exactly once, across all
// tables, in chain order. Buckets touched by the current transaction are
// served from its in-memory shadow state instead of disk, so a delete or
// insert earlier in the same transaction is reflected (spec §4.6).
func (db *DB) EnumerateKeys(fn EnumerateFunc) error {
	txn := db.ensureTxn()

	for tableIdx := range txn.tables {
		maxcount := txn.tables[tableIdx].maxcount
		for bucket := uint64(0); bucket < maxcount; bucket++ {
			bs, err := txn.loadBucket(tableIdx, bucket)
			if err != nil {
				return err
			}
			for _, off := range bs.chain {
				blk, err := txn.readBlockKeyed(off)
				if err != nil {
					return err
				}
				if !fn(blk.key) {
					return nil
				}
			}
		}
	}
	return nil
}
