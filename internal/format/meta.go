package format

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"sort"
)

// crc32cTable uses the Castagnoli polynomial, hardware-accelerated on
// modern processors.
var crc32cTable = crc32.MakeTable(crc32.Castagnoli)

// MetaMagic identifies a meta state file.
const MetaMagic uint32 = 0x4D515144 // "DQQM"

// MetaVersion is the current meta state format version.
const MetaVersion uint16 = 1

// Range is a byte interval of a data file referenced by a live entry.
type Range struct {
	// Start is the byte offset of the range within its data file
	Start uint64

	// Length is the range size in bytes
	Length uint32
}

// MetaState is the checkpoint of queue state.
//
// The checkpoint is advisory: the transaction log is the source of truth and
// the checkpoint is rebuilt from it on every open.
//
// Binary format (little-endian):
//
//	[Magic:4][Version:2]
//	[CurrentWriteFile:4][CurrentWritePosition:8][CurrentTransactionID:8]
//	[FileCount:4]
//	{ [FileNumber:4][RangeCount:4] { [Start:8][Length:4] }* }*
//	[CRC32C:4]
//
// The trailing CRC32C covers everything before it; a torn checkpoint fails
// the check and recovery falls back to the transaction log.
type MetaState struct {
	// CurrentWriteFile is the number of the active data file
	CurrentWriteFile uint32

	// CurrentWritePosition is the committed append position in the active file
	CurrentWritePosition uint64

	// CurrentTransactionID counts committed transactions
	CurrentTransactionID uint64

	// LiveRanges maps data file numbers to their live byte ranges
	LiveRanges map[uint32][]Range
}

// NewMetaState creates an empty meta state.
func NewMetaState() *MetaState {
	return &MetaState{LiveRanges: make(map[uint32][]Range)}
}

// Validate checks if the meta state is consistent.
func (m *MetaState) Validate() error {
	for file, ranges := range m.LiveRanges {
		if file > m.CurrentWriteFile {
			return fmt.Errorf("live ranges for file %d beyond write file %d", file, m.CurrentWriteFile)
		}
		for i, r := range ranges {
			if file == m.CurrentWriteFile && r.Start+uint64(r.Length) > m.CurrentWritePosition {
				return fmt.Errorf("range %d of file %d extends past write position", i, file)
			}
		}
	}
	return nil
}

// Marshal encodes the meta state into its binary layout.
// File entries are written in ascending file number order and ranges in
// ascending start order so the encoding is deterministic.
func (m *MetaState) Marshal() []byte {
	size := 4 + 2 + 4 + 8 + 8 + 4
	files := make([]uint32, 0, len(m.LiveRanges))
	for file, ranges := range m.LiveRanges {
		files = append(files, file)
		size += 4 + 4 + len(ranges)*12
	}
	sort.Slice(files, func(i, j int) bool { return files[i] < files[j] })

	buf := make([]byte, size+4)
	offset := 0
	binary.LittleEndian.PutUint32(buf[offset:], MetaMagic)
	offset += 4
	binary.LittleEndian.PutUint16(buf[offset:], MetaVersion)
	offset += 2
	binary.LittleEndian.PutUint32(buf[offset:], m.CurrentWriteFile)
	offset += 4
	binary.LittleEndian.PutUint64(buf[offset:], m.CurrentWritePosition)
	offset += 8
	binary.LittleEndian.PutUint64(buf[offset:], m.CurrentTransactionID)
	offset += 8
	binary.LittleEndian.PutUint32(buf[offset:], uint32(len(files)))
	offset += 4

	for _, file := range files {
		ranges := append([]Range(nil), m.LiveRanges[file]...)
		sort.Slice(ranges, func(i, j int) bool { return ranges[i].Start < ranges[j].Start })

		binary.LittleEndian.PutUint32(buf[offset:], file)
		offset += 4
		binary.LittleEndian.PutUint32(buf[offset:], uint32(len(ranges)))
		offset += 4
		for _, r := range ranges {
			binary.LittleEndian.PutUint64(buf[offset:], r.Start)
			offset += 8
			binary.LittleEndian.PutUint32(buf[offset:], r.Length)
			offset += 4
		}
	}

	crc := crc32.Checksum(buf[:offset], crc32cTable)
	binary.LittleEndian.PutUint32(buf[offset:], crc)
	return buf
}

// UnmarshalMetaState decodes a meta state from the given reader.
func UnmarshalMetaState(r io.Reader) (*MetaState, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read meta state: %w", err)
	}

	const headSize = 4 + 2 + 4 + 8 + 8 + 4
	if len(data) < headSize+4 {
		return nil, fmt.Errorf("meta state too short: %d bytes", len(data))
	}

	stored := binary.LittleEndian.Uint32(data[len(data)-4:])
	computed := crc32.Checksum(data[:len(data)-4], crc32cTable)
	if stored != computed {
		return nil, fmt.Errorf("meta state CRC mismatch: stored=%08x computed=%08x", stored, computed)
	}

	if magic := binary.LittleEndian.Uint32(data[0:]); magic != MetaMagic {
		return nil, fmt.Errorf("invalid meta state magic: %08x", magic)
	}
	if version := binary.LittleEndian.Uint16(data[4:]); version != MetaVersion {
		return nil, fmt.Errorf("unsupported meta state version: %d", version)
	}

	m := NewMetaState()
	m.CurrentWriteFile = binary.LittleEndian.Uint32(data[6:])
	m.CurrentWritePosition = binary.LittleEndian.Uint64(data[10:])
	m.CurrentTransactionID = binary.LittleEndian.Uint64(data[18:])
	fileCount := binary.LittleEndian.Uint32(data[26:])

	body := data[headSize : len(data)-4]
	offset := 0
	need := func(n int) bool { return offset+n <= len(body) }

	for i := uint32(0); i < fileCount; i++ {
		if !need(8) {
			return nil, fmt.Errorf("meta state truncated in file entry %d", i)
		}
		file := binary.LittleEndian.Uint32(body[offset:])
		rangeCount := binary.LittleEndian.Uint32(body[offset+4:])
		offset += 8

		ranges := make([]Range, 0, rangeCount)
		for j := uint32(0); j < rangeCount; j++ {
			if !need(12) {
				return nil, fmt.Errorf("meta state truncated in range %d of file %d", j, file)
			}
			ranges = append(ranges, Range{
				Start:  binary.LittleEndian.Uint64(body[offset:]),
				Length: binary.LittleEndian.Uint32(body[offset+8:]),
			})
			offset += 12
		}
		m.LiveRanges[file] = ranges
	}

	if offset != len(body) {
		return nil, fmt.Errorf("meta state has %d trailing bytes", len(body)-offset)
	}

	return m, nil
}
