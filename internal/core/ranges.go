package core

import (
	"fmt"
	"sort"

	"github.com/pracsol/DiskQueue/internal/format"
)

// rangeMap tracks the live byte ranges of every data file.
//
// Ranges within a file are kept sorted by start offset and never overlap.
// An overlapping add or a remove with no exact match means the transaction
// log and the in-memory state disagree, which is unrecoverable.
type rangeMap struct {
	files map[uint32][]format.Range
}

func newRangeMap() *rangeMap {
	return &rangeMap{files: make(map[uint32][]format.Range)}
}

// add inserts a live range, keeping the per-file slice sorted by start.
//
// Zero-length ranges (empty payloads) occupy no bytes, so any number of
// them may share a start offset, with each other and with the non-empty
// range written at the same position. Insertion goes after existing ranges
// with the same start, preserving commit order among them.
func (rm *rangeMap) add(fileNumber uint32, start uint64, length uint32) error {
	ranges := rm.files[fileNumber]

	first := sort.Search(len(ranges), func(i int) bool {
		return ranges[i].Start >= start
	})

	if length > 0 {
		for j := first; j < len(ranges) && ranges[j].Start < start+uint64(length); j++ {
			if ranges[j].Length > 0 {
				return fmt.Errorf("range (%d,%d) of file %d overlaps live range (%d,%d)", start, length, fileNumber, ranges[j].Start, ranges[j].Length)
			}
		}
		for j := first - 1; j >= 0; j-- {
			if ranges[j].Length == 0 {
				continue
			}
			if ranges[j].Start+uint64(ranges[j].Length) > start {
				return fmt.Errorf("range (%d,%d) of file %d overlaps live range (%d,%d)", start, length, fileNumber, ranges[j].Start, ranges[j].Length)
			}
			break
		}
	}

	idx := sort.Search(len(ranges), func(i int) bool {
		return ranges[i].Start > start
	})

	ranges = append(ranges, format.Range{})
	copy(ranges[idx+1:], ranges[idx:])
	ranges[idx] = format.Range{Start: start, Length: length}
	rm.files[fileNumber] = ranges
	return nil
}

// remove retires a live range. The range must match exactly; with several
// entries at the same start the first exact match goes.
func (rm *rangeMap) remove(fileNumber uint32, start uint64, length uint32) error {
	ranges := rm.files[fileNumber]

	idx := sort.Search(len(ranges), func(i int) bool {
		return ranges[i].Start >= start
	})

	for ; idx < len(ranges) && ranges[idx].Start == start; idx++ {
		if ranges[idx].Length != length {
			continue
		}
		ranges = append(ranges[:idx], ranges[idx+1:]...)
		if len(ranges) == 0 {
			delete(rm.files, fileNumber)
		} else {
			rm.files[fileNumber] = ranges
		}
		return nil
	}

	return fmt.Errorf("range (%d,%d) of file %d is not live", start, length, fileNumber)
}

// isEmpty reports whether the file has no live ranges.
func (rm *rangeMap) isEmpty(fileNumber uint32) bool {
	return len(rm.files[fileNumber]) == 0
}

// count returns the total number of live ranges.
func (rm *rangeMap) count() int {
	n := 0
	for _, ranges := range rm.files {
		n += len(ranges)
	}
	return n
}

// bytes returns the total number of live payload bytes.
func (rm *rangeMap) bytes() uint64 {
	var n uint64
	for _, ranges := range rm.files {
		for _, r := range ranges {
			n += uint64(r.Length)
		}
	}
	return n
}

// snapshot copies the map for a checkpoint.
func (rm *rangeMap) snapshot() map[uint32][]format.Range {
	out := make(map[uint32][]format.Range, len(rm.files))
	for file, ranges := range rm.files {
		out[file] = append([]format.Range(nil), ranges...)
	}
	return out
}

// entries lists every live range in FIFO order: ascending file number,
// then ascending start offset.
func (rm *rangeMap) entries() []entry {
	files := make([]uint32, 0, len(rm.files))
	for file := range rm.files {
		files = append(files, file)
	}
	sort.Slice(files, func(i, j int) bool { return files[i] < files[j] })

	var out []entry
	for _, file := range files {
		for _, r := range rm.files[file] {
			out = append(out, entry{fileNumber: file, start: r.Start, length: r.Length})
		}
	}
	return out
}

// entry is an immutable reference to a stored payload.
type entry struct {
	fileNumber uint32
	start      uint64
	length     uint32
}
