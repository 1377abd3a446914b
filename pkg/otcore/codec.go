package otcore

import (
	"encoding/binary"
	"hash/crc32"
)

// persistentEntrySize is the fixed on-disk width of one [PersistentEntry]:
// the same row layout is shared by checkpoint rows and WAL delta records
// (§3's "48-byte PersistentEntry"), so both are decoded with one codec.
const persistentEntrySize = 48

var crcTable = crc32.MakeTable(crc32.Castagnoli)

// PersistentEntry is the durable, wire-format projection of one Object
// Table entry: everything [ObjectTable.RestoreHandle] needs to reinstall a
// handle exactly as it stood when this row was written. NodeID's handle
// index and reuse tag are stored as separate fields on the wire (see
// encode), even though in memory they're one packed value.
type PersistentEntry struct {
	NodeID      NodeID
	Kind        Kind
	ClassID     uint8
	Addr        Addr
	BirthEpoch  uint64
	RetireEpoch uint64
}

// encode writes e's 48-byte wire representation into buf, which must be at
// least persistentEntrySize bytes.
//
// Layout (§6's bit-exact offsets): handle_idx(8) file_id(4) segment_id(4)
// offset(8) length(4) class_id(1) kind(1) tag(2) birth_epoch(8)
// retire_epoch(8) = 48 bytes. handle_idx and tag are e.NodeID's two halves
// stored separately, rather than the packed NodeID, so a reader can
// bounds-check handle_idx against the slab count without unpacking the tag.
func (e PersistentEntry) encode(buf []byte) {
	_ = buf[persistentEntrySize-1]

	binary.LittleEndian.PutUint64(buf[0:8], e.NodeID.HandleIndex())
	binary.LittleEndian.PutUint32(buf[8:12], e.Addr.FileID)
	binary.LittleEndian.PutUint32(buf[12:16], e.Addr.SegmentID)
	binary.LittleEndian.PutUint64(buf[16:24], e.Addr.Offset)
	binary.LittleEndian.PutUint32(buf[24:28], e.Addr.Length)
	buf[28] = e.ClassID
	buf[29] = byte(e.Kind)
	binary.LittleEndian.PutUint16(buf[30:32], e.NodeID.Tag())
	binary.LittleEndian.PutUint64(buf[32:40], e.BirthEpoch)
	binary.LittleEndian.PutUint64(buf[40:48], e.RetireEpoch)
}

// decodePersistentEntry reads a 48-byte row back out of buf.
func decodePersistentEntry(buf []byte) PersistentEntry {
	_ = buf[persistentEntrySize-1]

	handleIdx := binary.LittleEndian.Uint64(buf[0:8])
	tag := binary.LittleEndian.Uint16(buf[30:32])

	return PersistentEntry{
		NodeID:  NewNodeID(handleIdx, tag),
		Kind:    Kind(buf[29]),
		ClassID: buf[28],
		Addr: Addr{
			FileID:    binary.LittleEndian.Uint32(buf[8:12]),
			SegmentID: binary.LittleEndian.Uint32(buf[12:16]),
			Offset:    binary.LittleEndian.Uint64(buf[16:24]),
			Length:    binary.LittleEndian.Uint32(buf[24:28]),
		},
		BirthEpoch:  binary.LittleEndian.Uint64(buf[32:40]),
		RetireEpoch: binary.LittleEndian.Uint64(buf[40:48]),
	}
}

func crcOf(buf []byte) uint32 {
	return crc32.Checksum(buf, crcTable)
}
