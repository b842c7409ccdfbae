package kvdbo

import (
	"bytes"
	"io"

	"github.com/pierrec/lz4/v4"
)

// compressedLenPrefixSize is the width of the uncompressed-length prefix
// stored ahead of LZ4 payloads, so decompression can allocate the exact
// output buffer without guessing.
const compressedLenPrefixSize = 4

// compressValue encodes a value for storage under the database's
// compression type. Raw storage returns value unchanged; LZ4 storage
// prefixes the compressed stream with value's uncompressed length.
func compressValue(ctype CompressionType, value []byte) ([]byte, error) {
	if ctype == CompressionRaw {
		return value, nil
	}

	var buf bytes.Buffer
	prefix := make([]byte, compressedLenPrefixSize)
	putBe32(prefix, uint32(len(value)))
	buf.Write(prefix)

	w := lz4.NewWriter(&buf)
	if _, err := w.Write(value); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// decompressValue reverses compressValue.
func decompressValue(ctype CompressionType, stored []byte) ([]byte, error) {
	if ctype == CompressionRaw {
		return stored, nil
	}
	if len(stored) < compressedLenPrefixSize {
		return nil, ErrCorrupted
	}

	uncompressedLen := be32(stored[:compressedLenPrefixSize])
	r := lz4.NewReader(bytes.NewReader(stored[compressedLenPrefixSize:]))
	out := make([]byte, uncompressedLen)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, err
	}
	return out, nil
}
