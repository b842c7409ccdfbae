package kvdbo

// Block layout on disk, sizeClassFor(len(key)+len(value)) sized:
//
//	next (8) | hash (4) | size class (1) | key length (8) | key (keyLen) |
//	value length (8) | value (valLen)
//
// blockFixedHeaderSize (29) is the sum of the fixed-width fields; they
// are not contiguous, since the value length field sits after the key.
// keyPrefixCoalesceLen (128) is chosen so that blockFixedHeaderSize +
// keyPrefixCoalesceLen bytes covers the header, the full key, and the
// value length field for any key of 128 bytes or less in a single read.

const (
	blockBeforeKeySize = blockKeyOffset // 21: next+hash+sizeClass+keyLen
	valLenFieldSize    = 8
)

// encodeBlock serializes one data block's bytes given the chain link it
// should point to.
func encodeBlock(next uint64, hash uint32, class uint8, key, value []byte) []byte {
	buf := make([]byte, blockTotalSize(class))
	putBe64(buf[blockNextOffset:], next)
	putBe32(buf[blockHashOffset:], hash)
	buf[blockSizeClassOffset] = class
	putBe64(buf[blockKeyLenOffset:], uint64(len(key)))
	copy(buf[blockKeyOffset:], key)
	putBe64(buf[blockKeyOffset+len(key):], uint64(len(value)))
	copy(buf[blockKeyOffset+len(key)+valLenFieldSize:], value)
	return buf
}

// decodedBlock is a block's key, read eagerly, and enough information to
// fetch its value lazily.
type decodedBlock struct {
	rec       blockRecord
	key       []byte
	valOffset uint64 // file offset of the value-length field's value bytes
}

// readBlockKeyed reads a block's fixed fields and key, coalescing the
// value-length field into the same read when the key is short enough
// (spec §4.2, "reads are coalesced").
func (txn *transaction) readBlockKeyed(blockOffset uint64) (*decodedBlock, error) {
	want := blockFixedHeaderSize + keyPrefixCoalesceLen
	buf, err := txn.readBlockBytes(blockOffset, 0, want)
	if err != nil {
		return nil, err
	}
	if len(buf) < blockBeforeKeySize {
		return nil, ErrCorrupted
	}

	rec := blockRecord{
		next:      be64(buf[blockNextOffset:]),
		hash:      be32(buf[blockHashOffset:]),
		sizeClass: buf[blockSizeClassOffset],
		keyLen:    be64(buf[blockKeyLenOffset:]),
	}

	keyAvail := buf[blockBeforeKeySize:]
	var key []byte
	var afterKey []byte
	if uint64(len(keyAvail)) >= rec.keyLen {
		key = append([]byte(nil), keyAvail[:rec.keyLen]...)
		afterKey = keyAvail[rec.keyLen:]
	} else {
		key = make([]byte, rec.keyLen)
		copy(key, keyAvail)
		rest, err := txn.readBlockBytes(blockOffset, uint64(blockBeforeKeySize+len(keyAvail)), int(rec.keyLen)-len(keyAvail))
		if err != nil {
			return nil, err
		}
		copy(key[len(keyAvail):], rest)
		afterKey = nil
	}

	valLenOffset := uint64(blockBeforeKeySize) + rec.keyLen
	if uint64(len(afterKey)) >= valLenFieldSize {
		rec.valLen = be64(afterKey)
	} else {
		vlBuf, err := txn.readBlockBytes(blockOffset, valLenOffset, valLenFieldSize)
		if err != nil {
			return nil, err
		}
		if len(vlBuf) < valLenFieldSize {
			return nil, ErrCorrupted
		}
		rec.valLen = be64(vlBuf)
	}

	return &decodedBlock{
		rec:       rec,
		key:       key,
		valOffset: blockOffset + valLenOffset + valLenFieldSize,
	}, nil
}

// readValue fetches a decoded block's value bytes with one more read.
func (txn *transaction) readValue(blockOffset uint64, b *decodedBlock) ([]byte, error) {
	rel := b.valOffset - blockOffset
	buf, err := txn.readBlockBytes(blockOffset, rel, int(b.rec.valLen))
	if err != nil {
		return nil, err
	}
	if uint64(len(buf)) < b.rec.valLen {
		return nil, ErrCorrupted
	}
	return append([]byte(nil), buf...), nil
}

// readBlockNext reads only a block's chain-link field.
func (txn *transaction) readBlockNext(blockOffset uint64) (uint64, error) {
	buf, err := txn.readBlockBytes(blockOffset, blockNextOffset, 8)
	if err != nil {
		return 0, err
	}
	if len(buf) < 8 {
		return 0, ErrCorrupted
	}
	return be64(buf), nil
}

// readBlockSizeClass reads only a block's size-class byte, used by
// recycle() to find which free list an offset belongs to.
func (txn *transaction) readBlockSizeClass(blockOffset uint64) (uint8, error) {
	buf, err := txn.readBlockBytes(blockOffset, blockSizeClassOffset, 1)
	if err != nil {
		return 0, err
	}
	if len(buf) < 1 {
		return 0, ErrCorrupted
	}
	return buf[0], nil
}
