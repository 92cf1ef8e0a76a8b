package wal

import (
	"encoding/binary"
	"errors"
	"hash/crc32"
)

// Op is the kind of change an entry journals
type Op uint8

const (
	// OpPut carries the full encoded job; the latest put wins on replay.
	OpPut Op = iota + 1
	// OpDelete drops a job (trim, queue clear).
	OpDelete
)

const entryVersion = 1

// ErrInvalidEntry is returned for entries that cannot be encoded or decoded
var ErrInvalidEntry = errors.New("invalid wal entry")

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// Entry is one journaled job change
type Entry struct {
	Op    Op
	Queue string
	JobID string
	Data  []byte
}

// Put journals the encoded state of a job
func Put(queue, jobID string, data []byte) Entry {
	return Entry{Op: OpPut, Queue: queue, JobID: jobID, Data: data}
}

// Delete journals the removal of a job
func Delete(queue, jobID string) Entry {
	return Entry{Op: OpDelete, Queue: queue, JobID: jobID}
}

// encode lays the entry out as
// [version][op][uvarint len][queue][uvarint len][job id][data...]
func (e Entry) encode() ([]byte, error) {
	if e.Op != OpPut && e.Op != OpDelete {
		return nil, ErrInvalidEntry
	}
	if e.JobID == "" {
		return nil, ErrInvalidEntry
	}

	buf := make([]byte, 0, 2+2*binary.MaxVarintLen64+len(e.Queue)+len(e.JobID)+len(e.Data))
	buf = append(buf, entryVersion, byte(e.Op))
	buf = binary.AppendUvarint(buf, uint64(len(e.Queue)))
	buf = append(buf, e.Queue...)
	buf = binary.AppendUvarint(buf, uint64(len(e.JobID)))
	buf = append(buf, e.JobID...)
	buf = append(buf, e.Data...)
	return buf, nil
}

func decodeEntry(b []byte) (Entry, error) {
	if len(b) < 2 || b[0] != entryVersion {
		return Entry{}, ErrInvalidEntry
	}

	e := Entry{Op: Op(b[1])}
	if e.Op != OpPut && e.Op != OpDelete {
		return Entry{}, ErrInvalidEntry
	}
	rest := b[2:]

	var ok bool
	if e.Queue, rest, ok = takeString(rest); !ok {
		return Entry{}, ErrInvalidEntry
	}
	if e.JobID, rest, ok = takeString(rest); !ok || e.JobID == "" {
		return Entry{}, ErrInvalidEntry
	}
	if len(rest) > 0 {
		e.Data = append([]byte(nil), rest...)
	}
	return e, nil
}

func takeString(b []byte) (string, []byte, bool) {
	n, size := binary.Uvarint(b)
	if size <= 0 || uint64(len(b)-size) < n {
		return "", b, false
	}
	b = b[size:]
	return string(b[:n]), b[n:], true
}

// frame wraps an encoded entry as [uvarint len][payload][crc32c]
func frame(payload []byte) []byte {
	buf := make([]byte, 0, binary.MaxVarintLen64+len(payload)+4)
	buf = binary.AppendUvarint(buf, uint64(len(payload)))
	buf = append(buf, payload...)
	return binary.LittleEndian.AppendUint32(buf, crc32.Checksum(payload, castagnoli))
}
