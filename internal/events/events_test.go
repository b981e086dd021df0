package events

import (
	"bytes"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriterAndReadFile(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "logs_path")
	w, err := NewWriter(dir, "run-1")
	require.NoError(t, err)
	w.now = func() time.Time { return time.Unix(1700000000, 500000000) }

	require.NoError(t, w.WriteGraph([]byte{0x0a, 0x01, 0x02}))
	require.NoError(t, w.WriteScalar(TagEpochLoss, 0, 0.75))
	require.NoError(t, w.WriteScalar(TagEpochLoss, 1, 0.5))
	require.NoError(t, w.Close())

	got, err := ReadFile(filepath.Join(dir, FileName))
	require.NoError(t, err)
	require.Len(t, got, 3)

	assert.Equal(t, TagGraph, got[0].Tag)
	assert.Equal(t, []byte{0x0a, 0x01, 0x02}, got[0].GraphDef)
	assert.Equal(t, "run-1", got[0].RunID)
	assert.Equal(t, int64(1700000000), got[0].WallTime.Unix())

	assert.Equal(t, TagEpochLoss, got[2].Tag)
	assert.Equal(t, int64(1), got[2].Step)
	assert.InDelta(t, 0.5, got[2].Value, 1e-12)
}

func TestReadTruncated(t *testing.T) {
	var buf bytes.Buffer
	body := Event{Tag: "x", Value: 1, WallTime: time.Unix(1, 0)}.Marshal()
	buf.Write([]byte{byte(len(body)), 0, 0, 0})
	buf.Write(body)
	buf.Write([]byte{10, 0, 0, 0, 1, 2})

	var events []Event
	var lastErr error
	for e, err := range Read(&buf) {
		if err != nil {
			lastErr = err
			break
		}
		events = append(events, e)
	}

	require.Len(t, events, 1)
	assert.Equal(t, "x", events[0].Tag)
	require.ErrorIs(t, lastErr, ErrCorrupt)
}

func TestUnmarshalSkipsUnknownFields(t *testing.T) {
	body := Event{Tag: "t", Step: 3, WallTime: time.Unix(5, 0)}.Marshal()
	body = append(body, 0x78, 0x01) // field 15, varint 1

	e, err := Unmarshal(body)
	require.NoError(t, err)
	assert.Equal(t, int64(3), e.Step)
	assert.Equal(t, "t", e.Tag)
}

func TestReadOversizedRecord(t *testing.T) {
	// a size prefix of 4 GiB - 1 with no body behind it
	buf := bytes.NewReader([]byte{0xff, 0xff, 0xff, 0xff, 1, 2, 3})
	var errs []error
	for _, err := range Read(buf) {
		errs = append(errs, err)
	}
	require.Len(t, errs, 1)
	require.ErrorIs(t, errs[0], ErrCorrupt)
	assert.Contains(t, errs[0].Error(), "exceeds")
}
