package wal

// ============================================================================
// WAL 測試
// 職責：驗證追加、重放、checksum、損壞偵測、修復與重寫
// ============================================================================

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/pulmoscan/pkg/types"
)

func payloadFor(t *testing.T, id string, status types.JobStatus) []byte {
	t.Helper()
	b, err := json.Marshal(types.JobSnapshot{ID: types.JobID(id), Status: status})
	require.NoError(t, err)
	return b
}

func collectEvents(t *testing.T, w *WAL) []Event {
	t.Helper()
	var events []Event
	require.NoError(t, w.Replay(func(e Event) error {
		events = append(events, e)
		return nil
	}))
	return events
}

func TestAppendAndReplay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jobs.wal")
	w, err := NewWAL(path, false)
	require.NoError(t, err)

	require.NoError(t, w.Append(EventCreate, "job-1", payloadFor(t, "job-1", types.JobPending), false))
	require.NoError(t, w.Append(EventUpdate, "job-1", payloadFor(t, "job-1", types.JobProcessing), false))
	require.NoError(t, w.Append(EventTerminal, "job-1", payloadFor(t, "job-1", types.JobCompleted), true))

	// replay flushes buffered events first
	events := collectEvents(t, w)
	require.Len(t, events, 3)
	for i, e := range events {
		assert.Equal(t, uint64(i+1), e.Seq)
		assert.Equal(t, types.JobID("job-1"), e.JobID)
		assert.NoError(t, VerifyChecksum(e))
	}
	assert.Equal(t, EventTerminal, events[2].Type)
	assert.Equal(t, uint64(3), w.GetLastSeq())
	require.NoError(t, w.Close())

	// reopening continues the sequence
	w2, err := NewWAL(path, true)
	require.NoError(t, err)
	defer w2.Close()
	assert.Equal(t, uint64(3), w2.GetLastSeq())
	require.NoError(t, w2.Append(EventCreate, "job-2", payloadFor(t, "job-2", types.JobPending), false))
	events = collectEvents(t, w2)
	require.Len(t, events, 4)
	assert.Equal(t, uint64(4), events[3].Seq)
}

func TestClosedWAL(t *testing.T) {
	w, err := NewWAL(filepath.Join(t.TempDir(), "c.wal"), false)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	require.NoError(t, w.Close())

	assert.ErrorIs(t, w.Append(EventCreate, "x", []byte(`{}`), true), ErrWALClosed)
	assert.ErrorIs(t, w.Replay(func(Event) error { return nil }), ErrWALClosed)
}

func TestChecksumMismatchDetected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tampered.wal")
	w, err := NewWAL(path, true)
	require.NoError(t, err)
	require.NoError(t, w.Append(EventCreate, "job-a", payloadFor(t, "job-a", types.JobPending), true))
	require.NoError(t, w.Close())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	tampered := strings.Replace(string(raw), "job-a", "job-b", 1)
	require.NoError(t, os.WriteFile(path, []byte(tampered), 0o644))

	err = ValidateWAL(path)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrChecksumMismatch)

	var ce *ChecksumError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, uint64(1), ce.Seq)
	assert.Contains(t, ce.Error(), "seq=1")
}

func TestTornTailAndRepair(t *testing.T) {
	path := filepath.Join(t.TempDir(), "torn.wal")
	w, err := NewWAL(path, true)
	require.NoError(t, err)
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, w.Append(EventCreate, types.JobID(id), payloadFor(t, id, types.JobPending), true))
	}
	require.NoError(t, w.Close())

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"seq":4,"type":"CRE`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	err = ValidateWAL(path)
	assert.ErrorIs(t, err, ErrCorruptedWAL)
	var corrupt *CorruptionError
	require.ErrorAs(t, err, &corrupt)
	assert.Equal(t, uint64(3), corrupt.Seq)

	_, err = NewWAL(path, false)
	assert.ErrorIs(t, err, ErrCorruptedWAL)

	stats, err := GetWALStats(path)
	require.NoError(t, err)
	assert.True(t, stats.Truncated)
	assert.Equal(t, 3, stats.TotalEvents)

	kept, err := RepairWAL(path, path)
	require.NoError(t, err)
	assert.Equal(t, 3, kept)
	require.NoError(t, ValidateWAL(path))

	last, err := GetLastEvent(path)
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, types.JobID("c"), last.JobID)
}

func TestRewrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rw.wal")
	w, err := NewWAL(path, false)
	require.NoError(t, err)
	defer w.Close()

	for i := 0; i < 5; i++ {
		require.NoError(t, w.Append(EventUpdate, "job-1", payloadFor(t, "job-1", types.JobProcessing), false))
	}

	require.NoError(t, w.Rewrite([]Event{
		{Type: EventTerminal, JobID: "job-1", Payload: payloadFor(t, "job-1", types.JobCompleted)},
	}))
	assert.Equal(t, uint64(1), w.GetLastSeq())

	require.NoError(t, w.Append(EventCreate, "job-2", payloadFor(t, "job-2", types.JobPending), true))
	events := collectEvents(t, w)
	require.Len(t, events, 2)
	assert.Equal(t, EventTerminal, events[0].Type)
	assert.Equal(t, uint64(2), events[1].Seq)

	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))
}

func TestDumpAndStats(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dump.wal")
	w, err := NewWAL(path, true)
	require.NoError(t, err)
	require.NoError(t, w.Append(EventCreate, "job-1", payloadFor(t, "job-1", types.JobPending), true))
	require.NoError(t, w.Append(EventCreate, "job-2", payloadFor(t, "job-2", types.JobPending), true))
	require.NoError(t, w.Append(EventTerminal, "job-1", payloadFor(t, "job-1", types.JobFailed), true))
	require.NoError(t, w.Close())

	var buf bytes.Buffer
	require.NoError(t, DumpWAL(path, &buf))
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	assert.Len(t, lines, 3)
	assert.Contains(t, lines[2], "TERMINAL")
	assert.Contains(t, lines[0], "ok")

	stats, err := GetWALStats(path)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.TotalEvents)
	assert.Equal(t, 2, stats.DistinctJobs)
	assert.Equal(t, 2, stats.EventTypes[EventCreate])
	assert.Equal(t, uint64(1), stats.FirstSeq)
	assert.Equal(t, uint64(3), stats.LastSeq)
	assert.False(t, stats.Truncated)
	assert.Zero(t, stats.CorruptedCount)
}
