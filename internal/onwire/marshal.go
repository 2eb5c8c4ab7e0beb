package onwire

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/nblockio/actlog/internal/constants"
)

// MarshalError mirrors the teacher pack's lightweight string-error idiom
// for wire-format problems (see internal/errs for the Error type
// used everywhere else; this one stays local since it never crosses the
// onwire/al boundary as anything but "bad block, try the previous slot").
type MarshalError string

func (e MarshalError) Error() string { return string(e) }

const (
	ErrShortBuffer  MarshalError = "onwire: buffer shorter than one metadata block"
	ErrBadMagic     MarshalError = "onwire: transaction magic mismatch"
	ErrBadCRC       MarshalError = "onwire: transaction CRC32C mismatch"
)

var crcTable = crc32.MakeTable(crc32.Castagnoli)

// Marshal encodes t as a big-endian 4096-byte block and stamps CRC32C
// computed over the whole block with the crc field zeroed.
func Marshal(t *Transaction) []byte {
	buf := make([]byte, constants.MetadataBlockSize)
	encodeInto(buf, t, 0) // crc field left zero for the checksum pass
	t.CRC32C = crc32.Checksum(buf, crcTable)
	binary.BigEndian.PutUint32(buf[8:12], t.CRC32C)
	return buf
}

// Unmarshal decodes a 4096-byte big-endian block. It returns ErrBadMagic or
// ErrBadCRC if the block fails validation; the caller (AL recovery) decides
// whether that means "end of valid ring" or "corrupt metadata".
func Unmarshal(buf []byte) (*Transaction, error) {
	if len(buf) < constants.MetadataBlockSize {
		return nil, ErrShortBuffer
	}
	t := &Transaction{}
	decodeFrom(buf, t)

	if t.Magic != constants.ALMagic {
		return nil, ErrBadMagic
	}

	check := make([]byte, constants.MetadataBlockSize)
	copy(check, buf[:constants.MetadataBlockSize])
	binary.BigEndian.PutUint32(check[8:12], 0)
	if crc32.Checksum(check, crcTable) != t.CRC32C {
		return nil, ErrBadCRC
	}
	return t, nil
}

func encodeInto(buf []byte, t *Transaction, crc uint32) {
	binary.BigEndian.PutUint32(buf[0:4], t.Magic)
	binary.BigEndian.PutUint32(buf[4:8], t.TrNumber)
	binary.BigEndian.PutUint32(buf[8:12], crc)
	binary.BigEndian.PutUint16(buf[12:14], t.TransactionType)
	binary.BigEndian.PutUint16(buf[14:16], t.NUpdates)
	binary.BigEndian.PutUint16(buf[16:18], t.ContextSize)
	binary.BigEndian.PutUint16(buf[18:20], t.ContextStartSlotNr)
	for i, r := range t.Reserved {
		binary.BigEndian.PutUint32(buf[20+i*4:24+i*4], r)
	}

	off := constants.TransactionHeaderSize
	for i, v := range t.UpdateSlotNr {
		binary.BigEndian.PutUint16(buf[off+i*2:off+i*2+2], v)
	}
	off += len(t.UpdateSlotNr) * 2

	for i, v := range t.UpdateExtentNr {
		binary.BigEndian.PutUint32(buf[off+i*4:off+i*4+4], v)
	}
	off += len(t.UpdateExtentNr) * 4

	for i, v := range t.Context {
		binary.BigEndian.PutUint32(buf[off+i*4:off+i*4+4], v)
	}
}

func decodeFrom(buf []byte, t *Transaction) {
	t.Magic = binary.BigEndian.Uint32(buf[0:4])
	t.TrNumber = binary.BigEndian.Uint32(buf[4:8])
	t.CRC32C = binary.BigEndian.Uint32(buf[8:12])
	t.TransactionType = binary.BigEndian.Uint16(buf[12:14])
	t.NUpdates = binary.BigEndian.Uint16(buf[14:16])
	t.ContextSize = binary.BigEndian.Uint16(buf[16:18])
	t.ContextStartSlotNr = binary.BigEndian.Uint16(buf[18:20])
	for i := range t.Reserved {
		t.Reserved[i] = binary.BigEndian.Uint32(buf[20+i*4 : 24+i*4])
	}

	off := constants.TransactionHeaderSize
	for i := range t.UpdateSlotNr {
		t.UpdateSlotNr[i] = binary.BigEndian.Uint16(buf[off+i*2 : off+i*2+2])
	}
	off += len(t.UpdateSlotNr) * 2

	for i := range t.UpdateExtentNr {
		t.UpdateExtentNr[i] = binary.BigEndian.Uint32(buf[off+i*4 : off+i*4+4])
	}
	off += len(t.UpdateExtentNr) * 4

	for i := range t.Context {
		t.Context[i] = binary.BigEndian.Uint32(buf[off+i*4 : off+i*4+4])
	}
}

// BlockSector computes the on-disk sector of transaction number tr within
// a striped ring of nrBlocks 4 KiB blocks spread over `stripes` stripes of
// `stripeSize4k` blocks each, relative to the start of the AL region
// (spec.md §3, §6 "Placement formula").
func BlockSector(tr uint64, nrBlocks, stripes, stripeSize4k uint32) uint64 {
	t := tr % uint64(nrBlocks)
	stripe := uint32(t) % stripes
	within := uint32(t) / stripes
	block := stripe*stripeSize4k + within
	return uint64(block) * (constants.MetadataBlockSize / constants.SectorSize)
}
