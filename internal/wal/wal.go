// Package wal is the job journal of the memory store: an append-only log of
// job puts and deletes split into size-bounded segments, replayed on open and
// compacted into a snapshot of live jobs.
package wal

import (
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"
)

// Config for WAL
type Config struct {
	Dir         string
	SegmentSize int64
	// Fsync syncs every append instead of leaving it to the OS
	Fsync bool
}

// WAL appends job entries to the newest segment of a directory
type WAL struct {
	mu       sync.Mutex
	cfg      Config
	segments []*segment // oldest first; the last one takes appends
	nextID   uint64
	closed   bool
}

// New opens the journal in cfg.Dir. Appends always go to a fresh segment so
// a torn tail left by a crash is never followed by new entries.
func New(cfg Config) (*WAL, error) {
	if cfg.SegmentSize <= 0 {
		cfg.SegmentSize = DefaultSegmentSize
	}
	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create WAL directory: %w", err)
	}

	w := &WAL{cfg: cfg}
	if err := w.open(); err != nil {
		w.Close()
		return nil, err
	}
	if err := w.rotate(); err != nil {
		w.Close()
		return nil, fmt.Errorf("failed to create active segment: %w", err)
	}
	return w, nil
}

func (w *WAL) open() error {
	entries, err := os.ReadDir(w.cfg.Dir)
	if err != nil {
		return fmt.Errorf("failed to read WAL directory: %w", err)
	}

	var ids []uint64
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		id, ok := parseSegmentID(entry.Name())
		if !ok {
			log.Warn().Str("file", entry.Name()).Msg("ignoring unknown file in WAL directory")
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(a, b int) bool { return ids[a] < ids[b] })

	for _, id := range ids {
		seg, err := openSegment(w.cfg.Dir, id)
		if err != nil {
			return err
		}
		if seg.size == 0 {
			if err := seg.remove(); err != nil {
				return fmt.Errorf("failed to remove empty segment %d: %w", id, err)
			}
			continue
		}
		w.segments = append(w.segments, seg)
	}
	if len(ids) > 0 {
		w.nextID = ids[len(ids)-1] + 1
	}
	return nil
}

func (w *WAL) rotate() error {
	seg, err := openSegment(w.cfg.Dir, w.nextID)
	if err != nil {
		return err
	}
	w.nextID++
	w.segments = append(w.segments, seg)
	return nil
}

func (w *WAL) active() *segment {
	return w.segments[len(w.segments)-1]
}

// Append journals one entry
func (w *WAL) Append(e Entry) error {
	payload, err := e.encode()
	if err != nil {
		return err
	}
	b := frame(payload)

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return fmt.Errorf("wal is closed")
	}
	if w.active().size >= w.cfg.SegmentSize {
		if err := w.rotate(); err != nil {
			return fmt.Errorf("failed to rotate segment: %w", err)
		}
	}
	if err := w.active().append(b, w.cfg.Fsync); err != nil {
		return fmt.Errorf("failed to append to segment %d: %w", w.active().id, err)
	}
	return nil
}

// Replay calls fn for every journaled entry, oldest first
func (w *WAL) Replay(fn func(Entry) error) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	for _, seg := range w.segments {
		if err := seg.buf.Flush(); err != nil {
			return fmt.Errorf("failed to flush segment %d: %w", seg.id, err)
		}
		torn, err := scan(seg.path, fn)
		if err != nil {
			return fmt.Errorf("failed to replay segment %d: %w", seg.id, err)
		}
		if torn {
			log.Warn().Uint64("segment", seg.id).Msg("torn or corrupted entry, skipping rest of segment")
		}
	}
	return nil
}

// Compact replaces the journal with live, one put per job, followed by a
// fresh active segment. live must be the complete state and no Append may
// run concurrently.
func (w *WAL) Compact(live []Entry) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	before := len(w.segments)

	snapshot, err := openSegment(w.cfg.Dir, w.nextID)
	if err != nil {
		return fmt.Errorf("failed to create snapshot segment: %w", err)
	}
	w.nextID++

	for _, e := range live {
		payload, err := e.encode()
		if err == nil {
			err = snapshot.append(frame(payload), false)
		}
		if err != nil {
			snapshot.remove()
			return fmt.Errorf("failed to write snapshot segment: %w", err)
		}
	}
	if err := snapshot.sync(); err != nil {
		snapshot.remove()
		return fmt.Errorf("failed to sync snapshot segment: %w", err)
	}

	old := w.segments
	w.segments = []*segment{snapshot}
	if err := w.rotate(); err != nil {
		return fmt.Errorf("failed to create active segment: %w", err)
	}

	for _, seg := range old {
		if err := seg.remove(); err != nil {
			log.Warn().Err(err).Uint64("segment", seg.id).Msg("failed to remove compacted segment")
		}
	}

	log.Info().Int("segments_before", before).Int("jobs", len(live)).Msg("WAL compacted")
	return nil
}

// Close flushes and closes every segment
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true

	var firstErr error
	for _, seg := range w.segments {
		if err := seg.close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// SegmentCount returns the number of segments
func (w *WAL) SegmentCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.segments)
}

// TotalSize returns the size of all segments in bytes
func (w *WAL) TotalSize() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()

	var total int64
	for _, seg := range w.segments {
		total += seg.size
	}
	return total
}
