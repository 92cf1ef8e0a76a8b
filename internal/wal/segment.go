package wal

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
)

const (
	// DefaultSegmentSize rotates segments at 16MB
	DefaultSegmentSize = 16 << 20

	segmentPattern = "journal-%016d.log"
	// frames above this are treated as garbage rather than allocated
	maxFrameSize = 64 << 20
)

// segment is one append-only journal file
type segment struct {
	id   uint64
	path string
	file *os.File
	buf  *bufio.Writer
	size int64
}

func segmentPath(dir string, id uint64) string {
	return filepath.Join(dir, fmt.Sprintf(segmentPattern, id))
}

func parseSegmentID(name string) (uint64, bool) {
	var id uint64
	if _, err := fmt.Sscanf(name, segmentPattern, &id); err != nil {
		return 0, false
	}
	return id, name == fmt.Sprintf(segmentPattern, id)
}

func openSegment(dir string, id uint64) (*segment, error) {
	path := segmentPath(dir, id)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal segment: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to stat journal segment: %w", err)
	}
	return &segment{id: id, path: path, file: f, buf: bufio.NewWriter(f), size: info.Size()}, nil
}

// append writes one framed entry and flushes it to the OS
func (s *segment) append(b []byte, fsync bool) error {
	if _, err := s.buf.Write(b); err != nil {
		return err
	}
	if err := s.buf.Flush(); err != nil {
		return err
	}
	if fsync {
		if err := s.file.Sync(); err != nil {
			return err
		}
	}
	s.size += int64(len(b))
	return nil
}

func (s *segment) sync() error {
	if err := s.buf.Flush(); err != nil {
		return err
	}
	return s.file.Sync()
}

func (s *segment) close() error {
	if s.file == nil {
		return nil
	}
	flushErr := s.buf.Flush()
	closeErr := s.file.Close()
	s.file = nil
	if flushErr != nil {
		return flushErr
	}
	return closeErr
}

func (s *segment) remove() error {
	if err := s.close(); err != nil {
		return err
	}
	return os.Remove(s.path)
}

// scan decodes the entries of the segment at path in order. It stops
// quietly at the first torn or corrupted frame, which is what a crash
// mid-append leaves behind, and reports it through the second result.
func scan(path string, fn func(Entry) error) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, fmt.Errorf("failed to open journal segment: %w", err)
	}
	defer f.Close()

	r := bufio.NewReader(f)
	for {
		n, err := binary.ReadUvarint(r)
		if err == io.EOF {
			return false, nil
		}
		if err != nil || n > maxFrameSize {
			return true, nil
		}

		payload := make([]byte, n)
		var sum [4]byte
		if _, err := io.ReadFull(r, payload); err != nil {
			return true, nil
		}
		if _, err := io.ReadFull(r, sum[:]); err != nil {
			return true, nil
		}
		if crc32.Checksum(payload, castagnoli) != binary.LittleEndian.Uint32(sum[:]) {
			return true, nil
		}

		e, err := decodeEntry(payload)
		if errors.Is(err, ErrInvalidEntry) {
			return true, nil
		}
		if err := fn(e); err != nil {
			return false, err
		}
	}
}
