package sar

import "encoding/binary"

// entrySize is the wire size of a file table record, excluding the
// length-prefixed path that follows it.
const entrySize = 40

// FileEntry is a single file table record: where a file's stored bytes live
// in the archive and how to verify them. CRC32Pre covers the file content
// before obfuscation and compression; CRC32Post covers the bytes exactly as
// stored in the archive.
type FileEntry struct {
	Offset           uint64
	CompressedSize   uint64
	UncompressedSize uint64
	ModifiedTime     uint64
	CRC32Pre         uint32
	CRC32Post        uint32
}

func decodeFileEntry(data []byte, order binary.ByteOrder) FileEntry {
	return FileEntry{
		Offset:           order.Uint64(data[0:8]),
		CompressedSize:   order.Uint64(data[8:16]),
		UncompressedSize: order.Uint64(data[16:24]),
		ModifiedTime:     order.Uint64(data[24:32]),
		CRC32Pre:         order.Uint32(data[32:36]),
		CRC32Post:        order.Uint32(data[36:40]),
	}
}

func appendFileEntry(dst []byte, e FileEntry) []byte {
	dst = binary.LittleEndian.AppendUint64(dst, e.Offset)
	dst = binary.LittleEndian.AppendUint64(dst, e.CompressedSize)
	dst = binary.LittleEndian.AppendUint64(dst, e.UncompressedSize)
	dst = binary.LittleEndian.AppendUint64(dst, e.ModifiedTime)
	dst = binary.LittleEndian.AppendUint32(dst, e.CRC32Pre)
	dst = binary.LittleEndian.AppendUint32(dst, e.CRC32Post)
	return dst
}
