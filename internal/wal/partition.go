package wal

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/strom-io/strom/internal/event"
)

var (
	// ErrCorruption reports a checksum or framing failure outside the
	// tolerated torn-tail window. The affected partition is quarantined.
	ErrCorruption = errors.New("wal: segment corruption detected")
	// ErrClosed is returned for operations on a closed partition.
	ErrClosed = errors.New("wal: partition closed")
	// ErrSyncTimeout reports that an append's covering fsync was not
	// acknowledged within the configured bound.
	ErrSyncTimeout = errors.New("wal: fsync acknowledgment timed out")
)

// SyncMode selects the fsync acknowledgment policy.
type SyncMode int

const (
	// SyncAlways fsyncs as soon as acknowledgments are pending. Concurrent
	// appends still share one fsync.
	SyncAlways SyncMode = iota
	// SyncInterval waits out a small window before each fsync to widen the
	// commit group.
	SyncInterval
	// SyncNever acknowledges immediately without forcing fsyncs. No
	// durability point; intended for tests and throwaway data.
	SyncNever
)

// Options configures a partition log.
type Options struct {
	SyncMode        SyncMode
	SyncWindow      time.Duration // group-commit window for SyncInterval
	SyncTimeout     time.Duration // bound on the append durability wait; 0 waits forever
	SegmentMaxBytes int64
	GC              GCHook
}

// Ref locates one record inside a partition's segment set.
type Ref struct {
	Segment uint64
	Offset  int64
	Length  uint32
}

// GCHook observes segment deletion, e.g. to archive drained segments before
// they disappear.
type GCHook interface {
	SegmentRemoved(partition uint32, segment uint64)
}

type noopGC struct{}

func (noopGC) SegmentRemoved(uint32, uint64) {}

// Partition is one partition's append-only segmented log.
type Partition struct {
	dir  string
	id   uint32
	opts Options

	mu         sync.Mutex
	active     *os.File
	activeSeg  uint64
	activeSize int64
	sealed     map[uint64]*os.File // writer handles kept until GC/Close
	pending    []chan error
	closed     bool
	failed     error

	readMu  sync.Mutex
	readers map[uint64]*os.File

	kick chan struct{}
	quit chan struct{}
	done chan struct{}
}

// Open opens (or creates) the partition log rooted at dir, running the
// recovery scan: checksums are verified, a torn trailing record in the newest
// segment is truncated away, and any other mismatch returns ErrCorruption.
func Open(dir string, id uint32, opts Options) (*Partition, error) {
	if opts.SegmentMaxBytes <= 0 {
		opts.SegmentMaxBytes = 64 << 20
	}
	if opts.GC == nil {
		opts.GC = noopGC{}
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("wal: create partition dir: %w", err)
	}
	p := &Partition{
		dir:     dir,
		id:      id,
		opts:    opts,
		sealed:  map[uint64]*os.File{},
		readers: map[uint64]*os.File{},
		kick:    make(chan struct{}, 1),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}

	segs, err := listSegments(dir)
	if err != nil {
		return nil, err
	}
	if len(segs) == 0 {
		if err := p.createSegmentLocked(1); err != nil {
			return nil, err
		}
	} else {
		// Verify every sealed segment in full; only the newest may carry a
		// torn tail.
		for i, seg := range segs {
			last := i == len(segs)-1
			res, err := scanSegmentFile(segmentPath(dir, seg))
			if err != nil {
				return nil, err
			}
			if res.torn && !last {
				return nil, fmt.Errorf("%w: sealed segment %d has incomplete tail", ErrCorruption, seg)
			}
			if res.corrupt {
				return nil, fmt.Errorf("%w: segment %d at offset %d", ErrCorruption, seg, res.goodOffset)
			}
			if last {
				if err := p.openForAppend(seg, res.goodOffset); err != nil {
					return nil, err
				}
			}
		}
	}

	go p.syncLoop()
	return p, nil
}

// ID returns the partition number.
func (p *Partition) ID() uint32 { return p.id }

// Dir returns the partition's segment directory.
func (p *Partition) Dir() string { return p.dir }

// ActiveSegment returns the segment currently accepting appends.
func (p *Partition) ActiveSegment() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.activeSeg
}

// Append writes ev and blocks until the record is covered by an acknowledged
// fsync (per the sync mode). On success the returned Ref locates the durable
// record. Any write or sync failure permanently fails the partition: after a
// failed fsync the durable state of buffered records is unknowable, so
// accepting further appends could silently reuse version numbers.
//
// Cancellation is honored only before the frame is written. Once written the
// append runs to the acknowledgment: abandoning the wait would leave a record
// in the segment whose version was never published, and a later append (or a
// restart replay) would collide with it.
func (p *Partition) Append(ctx context.Context, ev event.Event) (Ref, error) {
	if err := ctx.Err(); err != nil {
		return Ref{}, err
	}
	frame := EncodeEvent(ev)

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return Ref{}, ErrClosed
	}
	if p.failed != nil {
		err := p.failed
		p.mu.Unlock()
		return Ref{}, err
	}
	if p.activeSize > 0 && p.activeSize+int64(len(frame)) > p.opts.SegmentMaxBytes {
		if err := p.rotateLocked(); err != nil {
			p.mu.Unlock()
			return Ref{}, err
		}
	}
	ref := Ref{Segment: p.activeSeg, Offset: p.activeSize, Length: uint32(len(frame))}
	if _, err := p.active.Write(frame); err != nil {
		p.failLocked(err)
		p.mu.Unlock()
		return Ref{}, fmt.Errorf("wal: append write: %w", err)
	}
	p.activeSize += int64(len(frame))

	if p.opts.SyncMode == SyncNever {
		p.mu.Unlock()
		return ref, nil
	}
	ack := make(chan error, 1)
	p.pending = append(p.pending, ack)
	p.mu.Unlock()

	select {
	case p.kick <- struct{}{}:
	default:
	}

	var timeout <-chan time.Time
	if p.opts.SyncTimeout > 0 {
		t := time.NewTimer(p.opts.SyncTimeout)
		defer t.Stop()
		timeout = t.C
	}
	select {
	case err := <-ack:
		if err != nil {
			return Ref{}, fmt.Errorf("wal: fsync: %w", err)
		}
		return ref, nil
	case <-timeout:
		// The record sits in the segment with no acknowledged fsync; whether
		// it survives a crash is unknowable. Fail the partition so its
		// version can never be reassigned; a restart replays whatever proved
		// durable.
		p.mu.Lock()
		p.failLocked(ErrSyncTimeout)
		p.mu.Unlock()
		return Ref{}, ErrSyncTimeout
	}
}

// syncLoop services pending acknowledgments with grouped fsyncs.
func (p *Partition) syncLoop() {
	defer close(p.done)
	for {
		select {
		case <-p.quit:
			return
		case <-p.kick:
		}
		if p.opts.SyncMode == SyncInterval && p.opts.SyncWindow > 0 {
			select {
			case <-p.quit:
				return
			case <-time.After(p.opts.SyncWindow):
			}
		}
		p.mu.Lock()
		pend := p.pending
		p.pending = nil
		f := p.active
		failed := p.failed
		p.mu.Unlock()
		if len(pend) == 0 {
			continue
		}
		err := failed
		if err == nil {
			err = f.Sync()
			if err != nil {
				p.mu.Lock()
				p.failLocked(err)
				p.mu.Unlock()
			}
		}
		for _, ch := range pend {
			ch <- err
		}
	}
}

// rotateLocked seals the active segment and starts the next one. The seal
// fsync resolves every pending acknowledgment before the switch so an ack can
// never refer to a later file than its record.
func (p *Partition) rotateLocked() error {
	if err := p.active.Sync(); err != nil {
		p.failLocked(err)
		return fmt.Errorf("wal: seal segment %d: %w", p.activeSeg, err)
	}
	for _, ch := range p.pending {
		ch <- nil
	}
	p.pending = nil
	p.sealed[p.activeSeg] = p.active
	return p.createSegmentLocked(p.activeSeg + 1)
}

func (p *Partition) createSegmentLocked(seq uint64) error {
	f, err := os.OpenFile(segmentPath(p.dir, seq), os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("wal: create segment %d: %w", seq, err)
	}
	if err := syncDir(p.dir); err != nil {
		_ = f.Close()
		return err
	}
	p.active = f
	p.activeSeg = seq
	p.activeSize = 0
	return nil
}

func (p *Partition) openForAppend(seq uint64, goodOffset int64) error {
	path := segmentPath(p.dir, seq)
	f, err := os.OpenFile(path, os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("wal: open segment %d: %w", seq, err)
	}
	if err := f.Truncate(goodOffset); err != nil {
		_ = f.Close()
		return fmt.Errorf("wal: truncate torn tail of segment %d: %w", seq, err)
	}
	if _, err := f.Seek(goodOffset, 0); err != nil {
		_ = f.Close()
		return err
	}
	p.active = f
	p.activeSeg = seq
	p.activeSize = goodOffset
	return nil
}

func (p *Partition) failLocked(err error) {
	if p.failed == nil {
		p.failed = fmt.Errorf("wal: partition %d failed: %w", p.id, err)
	}
}

// ReadAt fetches and decodes the record at ref. Safe for concurrent use.
func (p *Partition) ReadAt(ref Ref) (event.Event, error) {
	f, err := p.reader(ref.Segment)
	if err != nil {
		return event.Event{}, err
	}
	buf := make([]byte, ref.Length)
	if _, err := f.ReadAt(buf, ref.Offset); err != nil {
		return event.Event{}, fmt.Errorf("wal: read segment %d @ %d: %w", ref.Segment, ref.Offset, err)
	}
	return DecodeEvent(buf)
}

func (p *Partition) reader(seg uint64) (*os.File, error) {
	p.readMu.Lock()
	defer p.readMu.Unlock()
	if f, ok := p.readers[seg]; ok {
		return f, nil
	}
	f, err := os.Open(segmentPath(p.dir, seg))
	if err != nil {
		return nil, fmt.Errorf("wal: open segment %d for read: %w", seg, err)
	}
	p.readers[seg] = f
	return f, nil
}

// RemoveSegments deletes sealed segments with sequence <= upTo. The active
// segment is never removed. Callers must only release segments whose records
// are all durably compacted downstream.
func (p *Partition) RemoveSegments(upTo uint64) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	active := p.activeSeg
	p.mu.Unlock()

	segs, err := listSegments(p.dir)
	if err != nil {
		return err
	}
	for _, seg := range segs {
		if seg > upTo || seg >= active {
			continue
		}
		p.mu.Lock()
		if f, ok := p.sealed[seg]; ok {
			_ = f.Close()
			delete(p.sealed, seg)
		}
		p.mu.Unlock()
		p.readMu.Lock()
		if f, ok := p.readers[seg]; ok {
			_ = f.Close()
			delete(p.readers, seg)
		}
		p.readMu.Unlock()
		if err := os.Remove(segmentPath(p.dir, seg)); err != nil {
			return fmt.Errorf("wal: remove segment %d: %w", seg, err)
		}
		p.opts.GC.SegmentRemoved(p.id, seg)
	}
	return syncDir(p.dir)
}

// Close syncs the active segment, resolves pending acknowledgments, and
// releases all file handles.
func (p *Partition) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	var syncErr error
	if p.failed == nil {
		syncErr = p.active.Sync()
	}
	err := p.failed
	if err == nil {
		err = syncErr
	}
	for _, ch := range p.pending {
		ch <- err
	}
	p.pending = nil
	_ = p.active.Close()
	for _, f := range p.sealed {
		_ = f.Close()
	}
	p.sealed = map[uint64]*os.File{}
	p.mu.Unlock()

	close(p.quit)
	<-p.done

	p.readMu.Lock()
	for _, f := range p.readers {
		_ = f.Close()
	}
	p.readers = map[uint64]*os.File{}
	p.readMu.Unlock()
	return syncErr
}

func segmentPath(dir string, seq uint64) string {
	return filepath.Join(dir, fmt.Sprintf("%016d.seg", seq))
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}
