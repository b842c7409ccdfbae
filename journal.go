package kvdbo

import (
	"encoding/binary"
	"os"

	"github.com/nextcore/kvdbo/internal/murmur"
)

// The journal is an append-only crash-recovery log, written and fsynced
// before any of its metadata mutations are applied to the live file
// (spec §4.4, §9). Layout:
//
//	marker "KVJL" (4) | checksum (4) | record* |
//
// where each record is:
//
//	offset (8) | length (2) | data (length)
var journalMarker = [4]byte{'K', 'V', 'J', 'L'}

const (
	journalMarkerOffset   = 0
	journalChecksumOffset = 4
	journalHeaderSize     = 8
	journalRecOffsetSize  = 8
	journalRecLengthSize  = 2
)

type journalRecord struct {
	offset uint64
	data   []byte
}

// journalWriter accumulates the metadata records one commit must apply.
type journalWriter struct {
	records []journalRecord
}

func (j *journalWriter) add(offset uint64, data []byte) {
	j.records = append(j.records, journalRecord{offset: offset, data: append([]byte(nil), data...)})
}

func (j *journalWriter) add8(offset uint64, v uint64) {
	buf := make([]byte, 8)
	putBe64(buf, v)
	j.add(offset, buf)
}

func (j *journalWriter) empty() bool {
	return len(j.records) == 0
}

func (j *journalWriter) encode() []byte {
	var body []byte
	for _, r := range j.records {
		hdr := make([]byte, journalRecOffsetSize+journalRecLengthSize)
		putBe64(hdr, r.offset)
		binary.BigEndian.PutUint16(hdr[journalRecOffsetSize:], uint16(len(r.data)))
		body = append(body, hdr...)
		body = append(body, r.data...)
	}

	checksum := murmur.Hash32(body, 0)

	out := make([]byte, journalHeaderSize+len(body))
	copy(out[journalMarkerOffset:], journalMarker[:])
	putBe32(out[journalChecksumOffset:], checksum)
	copy(out[journalHeaderSize:], body)
	return out
}

func journalPath(mainPath string) string {
	return mainPath + ".journal"
}

// writeJournal writes a journal's full contents to path, truncating any
// previous contents, and fsyncs it when fsyncEnabled before returning,
// so a crash between this call and metadata application always leaves a
// complete, checksummed journal to replay.
func writeJournal(path string, j *journalWriter, fsyncEnabled bool) error {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := f.Write(j.encode()); err != nil {
		return err
	}
	if fsyncEnabled {
		if err := f.Sync(); err != nil {
			return err
		}
	}
	return nil
}

func removeJournal(path string) error {
	err := os.Remove(path)
	if err != nil && os.IsNotExist(err) {
		return nil
	}
	return err
}

// readJournal reads and validates a journal file. A missing file yields
// (nil, nil): there is nothing to recover. Any structural problem -
// short file, bad marker, bad checksum, truncated record - yields
// errInvalidJournal, telling the caller to discard it rather than treat
// the database as corrupted (spec §4.4: a journal is only ever trusted
// whole).
func readJournal(path string) ([]journalRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	if len(data) < journalHeaderSize {
		return nil, errInvalidJournal
	}
	if string(data[journalMarkerOffset:journalMarkerOffset+4]) != string(journalMarker[:]) {
		return nil, errInvalidJournal
	}

	storedChecksum := be32(data[journalChecksumOffset:])
	body := data[journalHeaderSize:]
	if murmur.Hash32(body, 0) != storedChecksum {
		return nil, errInvalidJournal
	}

	var records []journalRecord
	pos := 0
	for pos < len(body) {
		if pos+journalRecOffsetSize+journalRecLengthSize > len(body) {
			return nil, errInvalidJournal
		}
		offset := be64(body[pos:])
		pos += journalRecOffsetSize
		length := int(binary.BigEndian.Uint16(body[pos:]))
		pos += journalRecLengthSize
		if pos+length > len(body) {
			return nil, errInvalidJournal
		}
		records = append(records, journalRecord{offset: offset, data: append([]byte(nil), body[pos:pos+length]...)})
		pos += length
	}

	return records, nil
}

// applyJournal replays a validated journal's records onto file. Replay
// is idempotent: re-applying the same records twice (as happens if a
// crash occurs after metadata application but before the journal is
// removed) produces the same bytes both times.
//
// fileSize bounds every record's write to the already-durable portion of
// the file: a record whose offset+length reaches past it fails the
// journal as invalid rather than silently punching a sparse hole (spec
// §4.5 step 3, "any offset past the current main-file size fails the
// journal as invalid").
func applyJournal(file *os.File, records []journalRecord, fileSize uint64) error {
	for _, r := range records {
		if r.offset+uint64(len(r.data)) > fileSize {
			return errInvalidJournal
		}
	}
	for _, r := range records {
		if _, err := file.WriteAt(r.data, int64(r.offset)); err != nil {
			return err
		}
	}
	return nil
}
