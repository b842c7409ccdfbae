package kvdbo

import "errors"

// Sentinel errors surfaced by the public API. These replace the stable
// negative integer codes of the original C API
// (NONE=0, NOT_FOUND=-1, IO=-2, CORRUPTED=-3, KEY_NOT_ALLOWED=-4,
// INVALID_JOURNAL=-5, internal only); callers should use errors.Is.
var (
	// ErrNotFound is returned by Get when the key has no live entry.
	// Delete of a missing key is not an error.
	ErrNotFound = errors.New("kvdbo: key not found")

	// ErrCorrupted is returned when the file header, a table, or a data
	// block fails its structural checks. A bad journal is not reported
	// this way; see errInvalidJournal.
	ErrCorrupted = errors.New("kvdbo: corrupted database")

	// ErrKeyNotAllowed is returned by okv when a caller attempts to
	// Set/Delete a key beginning with the reserved "\0kvdbo" prefix. KV
	// itself never returns this.
	ErrKeyNotAllowed = errors.New("kvdbo: key uses reserved prefix")

	// ErrClosed names the closed-database condition. No operation in
	// this package returns it: an operation on a closed DB fails with
	// the underlying file error instead.
	ErrClosed = errors.New("kvdbo: database closed")

	// ErrTransactionOpen/ErrNoTransaction guard explicit transaction
	// control against misuse.
	ErrTransactionOpen  = errors.New("kvdbo: transaction already open")
	ErrNoTransaction    = errors.New("kvdbo: no transaction open")

	// errInvalidJournal never crosses the public API: open() handles it
	// internally by discarding the journal and truncating the file.
	errInvalidJournal = errors.New("kvdbo: invalid journal")
)
