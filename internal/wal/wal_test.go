package wal

import (
	"fmt"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openWAL(t *testing.T, dir string, segmentSize int64) *WAL {
	t.Helper()
	w, err := New(Config{Dir: dir, SegmentSize: segmentSize})
	require.NoError(t, err)
	return w
}

func replayAll(t *testing.T, w *WAL) []Entry {
	t.Helper()
	var replayed []Entry
	require.NoError(t, w.Replay(func(e Entry) error {
		replayed = append(replayed, e)
		return nil
	}))
	return replayed
}

func TestAppendAndReplay(t *testing.T) {
	dir := t.TempDir()
	w := openWAL(t, dir, 1024)

	require.NoError(t, w.Append(Put("emails", "job1", []byte(`{"id":"job1"}`))))
	require.NoError(t, w.Append(Delete("emails", "job1")))
	require.NoError(t, w.Close())

	w = openWAL(t, dir, 1024)
	defer w.Close()

	replayed := replayAll(t, w)
	require.Len(t, replayed, 2)
	assert.Equal(t, Put("emails", "job1", []byte(`{"id":"job1"}`)), replayed[0])
	assert.Equal(t, OpDelete, replayed[1].Op)
	assert.Equal(t, "job1", replayed[1].JobID)
	assert.Nil(t, replayed[1].Data)
}

func TestSegmentRotation(t *testing.T) {
	w := openWAL(t, t.TempDir(), 100)
	defer w.Close()

	for i := 0; i < 10; i++ {
		require.NoError(t, w.Append(Put("test", fmt.Sprintf("job-%d", i), make([]byte, 50))))
	}

	assert.Greater(t, w.SegmentCount(), 1)
	replayed := replayAll(t, w)
	require.Len(t, replayed, 10)
	assert.Equal(t, "job-0", replayed[0].JobID)
	assert.Equal(t, "job-9", replayed[9].JobID)
}

func TestTornTailIsIgnored(t *testing.T) {
	dir := t.TempDir()
	w := openWAL(t, dir, 1024)
	require.NoError(t, w.Append(Put("q", "a", []byte("x"))))
	require.NoError(t, w.Close())

	// a crash halfway through the next frame
	f, err := os.OpenFile(segmentPath(dir, 0), os.O_APPEND|os.O_WRONLY, 0644)
	require.NoError(t, err)
	_, err = f.Write([]byte{0x20, 0x01, 0x01})
	require.NoError(t, err)
	require.NoError(t, f.Close())

	w = openWAL(t, dir, 1024)
	replayed := replayAll(t, w)
	require.Len(t, replayed, 1)
	assert.Equal(t, "a", replayed[0].JobID)

	// new entries land in a fresh segment after the torn one
	require.NoError(t, w.Append(Put("q", "b", nil)))
	require.NoError(t, w.Close())

	w = openWAL(t, dir, 1024)
	defer w.Close()
	replayed = replayAll(t, w)
	require.Len(t, replayed, 2)
	assert.Equal(t, "b", replayed[1].JobID)
}

func TestChecksumMismatchStopsSegment(t *testing.T) {
	dir := t.TempDir()
	w := openWAL(t, dir, 1024)
	require.NoError(t, w.Append(Put("q", "a", []byte("first"))))
	require.NoError(t, w.Append(Put("q", "b", []byte("second"))))
	require.NoError(t, w.Close())

	path := segmentPath(dir, 0)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	// flip a byte inside the last frame's payload
	data[len(data)-6] ^= 0xFF
	require.NoError(t, os.WriteFile(path, data, 0644))

	w = openWAL(t, dir, 1024)
	defer w.Close()
	replayed := replayAll(t, w)
	require.Len(t, replayed, 1)
	assert.Equal(t, "a", replayed[0].JobID)
}

func TestCompact(t *testing.T) {
	dir := t.TempDir()
	w := openWAL(t, dir, 64)

	for i := 0; i < 20; i++ {
		require.NoError(t, w.Append(Put("q", "old", make([]byte, 32))))
	}
	require.Greater(t, w.SegmentCount(), 2)

	require.NoError(t, w.Compact([]Entry{
		Put("q", "live-1", []byte("1")),
		Put("q", "live-2", []byte("2")),
	}))
	assert.Equal(t, 2, w.SegmentCount())

	require.NoError(t, w.Append(Delete("q", "live-1")))
	require.NoError(t, w.Close())

	w = openWAL(t, dir, 64)
	defer w.Close()
	replayed := replayAll(t, w)
	require.Len(t, replayed, 3)
	assert.Equal(t, "live-1", replayed[0].JobID)
	assert.Equal(t, "live-2", replayed[1].JobID)
	assert.Equal(t, OpDelete, replayed[2].Op)
}

func TestEntryDecodeRejectsGarbage(t *testing.T) {
	e := Put("test-queue", "job-123", []byte("payload"))
	data, err := e.encode()
	require.NoError(t, err)

	decoded, err := decodeEntry(data)
	require.NoError(t, err)
	assert.Equal(t, e, decoded)

	_, err = decodeEntry(data[:5])
	assert.ErrorIs(t, err, ErrInvalidEntry)
	_, err = decodeEntry([]byte{entryVersion, 9})
	assert.ErrorIs(t, err, ErrInvalidEntry)
	_, err = decodeEntry([]byte{2, byte(OpPut), 0, 1, 'x'})
	assert.ErrorIs(t, err, ErrInvalidEntry)

	_, err = Entry{Op: OpPut}.encode()
	assert.ErrorIs(t, err, ErrInvalidEntry)
}

func TestParseSegmentID(t *testing.T) {
	id, ok := parseSegmentID(fmt.Sprintf(segmentPattern, 42))
	assert.True(t, ok)
	assert.Equal(t, uint64(42), id)

	_, ok = parseSegmentID("notes.txt")
	assert.False(t, ok)
}
