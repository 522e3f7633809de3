package wal

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/strom-io/strom/internal/event"
)

type scanResult struct {
	goodOffset int64
	records    int
	torn       bool // incomplete or damaged record extending to EOF
	corrupt    bool // damage before the tail; not recoverable by truncation
}

// scanSegmentFile walks every frame in a segment, verifying framing and
// checksums. Damage that extends to end-of-file is a torn tail (crash
// mid-write); damage followed by further data is corruption.
func scanSegmentFile(path string) (scanResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return scanResult{}, fmt.Errorf("wal: scan %s: %w", path, err)
	}
	return scanFrames(data), nil
}

func scanFrames(data []byte) scanResult {
	var res scanResult
	off := int64(0)
	for int(off) < len(data) {
		rest := data[off:]
		if len(rest) < frameHeaderLen {
			res.torn = true
			return res
		}
		wantCRC := binary.BigEndian.Uint32(rest[0:4])
		bodyLen := binary.BigEndian.Uint32(rest[4:8])
		if bodyLen > maxBodyLen {
			// A garbage length word; recoverable only if nothing follows.
			res.torn = true
			return res
		}
		end := frameHeaderLen + int(bodyLen)
		if end > len(rest) {
			res.torn = true
			return res
		}
		body := rest[frameHeaderLen:end]
		if crc32.Checksum(body, castagnoli) != wantCRC {
			if int(off)+end == len(data) {
				res.torn = true
			} else {
				res.corrupt = true
			}
			return res
		}
		off += int64(end)
		res.goodOffset = off
		res.records++
	}
	return res
}

// listSegments returns the partition's segment sequence numbers in ascending
// order.
func listSegments(dir string) ([]uint64, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("wal: list segments: %w", err)
	}
	var segs []uint64
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".seg") {
			continue
		}
		seq, err := strconv.ParseUint(strings.TrimSuffix(name, ".seg"), 10, 64)
		if err != nil {
			continue
		}
		segs = append(segs, seq)
	}
	sort.Slice(segs, func(i, j int) bool { return segs[i] < segs[j] })
	return segs, nil
}

// Replay invokes fn for every verified record in commit order. Open has
// already truncated any torn tail, so a framing failure here is corruption.
func (p *Partition) Replay(fn func(ev event.Event, ref Ref) error) error {
	segs, err := listSegments(p.dir)
	if err != nil {
		return err
	}
	for _, seg := range segs {
		data, err := os.ReadFile(segmentPath(p.dir, seg))
		if err != nil {
			return fmt.Errorf("wal: replay segment %d: %w", seg, err)
		}
		off := int64(0)
		for int(off) < len(data) {
			rest := data[off:]
			if len(rest) < frameHeaderLen {
				return fmt.Errorf("%w: segment %d truncated at %d", ErrCorruption, seg, off)
			}
			end := frameHeaderLen + int(binary.BigEndian.Uint32(rest[4:8]))
			if end > len(rest) {
				return fmt.Errorf("%w: segment %d truncated at %d", ErrCorruption, seg, off)
			}
			ev, err := DecodeEvent(rest[:end])
			if err != nil {
				return fmt.Errorf("segment %d offset %d: %w", seg, off, err)
			}
			if err := fn(ev, Ref{Segment: seg, Offset: off, Length: uint32(end)}); err != nil {
				return err
			}
			off += int64(end)
		}
	}
	return nil
}

// VerifyStats summarizes a read-only integrity pass over one partition.
type VerifyStats struct {
	Partition uint32
	Segments  int
	Records   int
	Bytes     int64
	TornTail  bool
	Corrupt   bool
}

// Verify checks every segment under dir without opening the partition for
// appends or mutating anything. Used by the CLI and by operators inspecting a
// quarantined partition.
func Verify(dir string, partition uint32) (VerifyStats, error) {
	stats := VerifyStats{Partition: partition}
	segs, err := listSegments(dir)
	if err != nil {
		return stats, err
	}
	for i, seg := range segs {
		path := segmentPath(dir, seg)
		res, err := scanSegmentFile(path)
		if err != nil {
			return stats, err
		}
		stats.Segments++
		stats.Records += res.records
		stats.Bytes += res.goodOffset
		if res.corrupt || (res.torn && i != len(segs)-1) {
			stats.Corrupt = true
		}
		if res.torn && i == len(segs)-1 {
			stats.TornTail = true
		}
	}
	return stats, nil
}

// PartitionDir returns the conventional on-disk directory for a partition's
// WAL under root.
func PartitionDir(root string, partition uint32) string {
	return filepath.Join(root, fmt.Sprintf("p%04d", partition))
}
