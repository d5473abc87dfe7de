package writer

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/linkedin/goavro/v2"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/ankurbansal-tradedoubler/iceberg/events"
)

var (
	tableA = events.NewTableName([]string{"db"}, "a")
	tableB = events.NewTableName([]string{"db"}, "b")
)

func TestFlushSealsOneFilePerTableAndDay(t *testing.T) {
	w := NewOCFWriter(LocalFileIO{Root: t.TempDir()}, zap.NewNop())
	ctx := context.Background()
	day1 := time.Date(2023, 11, 2, 10, 0, 0, 0, time.UTC)
	day2 := time.Date(2023, 11, 3, 10, 0, 0, 0, time.UTC)

	assert.NoError(t, w.Write(ctx, tableA, record(0, 1, day1)))
	assert.NoError(t, w.Write(ctx, tableA, record(0, 2, day1)))
	assert.NoError(t, w.Write(ctx, tableA, record(1, 5, day2)))
	assert.NoError(t, w.Write(ctx, tableB, record(2, 9, day1)))

	flushes, err := w.Flush(ctx)
	assert.NoError(t, err)
	assert.Len(t, flushes, 2)

	a := flushes[0]
	assert.True(t, a.Table.Equal(tableA))
	assert.Len(t, a.DataFiles, 2)
	assert.Equal(t, map[string]string{"day": "2023-11-02"}, a.DataFiles[0].PartitionValues)
	assert.Equal(t, int64(2), a.DataFiles[0].RecordCount)
	assert.Equal(t, map[string]string{"day": "2023-11-03"}, a.DataFiles[1].PartitionValues)
	assert.Equal(t, int64(1), a.DataFiles[1].RecordCount)
	assert.Empty(t, a.DeleteFiles)

	b := flushes[1]
	assert.True(t, b.Table.Equal(tableB))
	assert.Len(t, b.DataFiles, 1)
}

func TestFlushedFileIsReadableAvro(t *testing.T) {
	root := t.TempDir()
	w := NewOCFWriter(LocalFileIO{Root: root}, zap.NewNop())
	ctx := context.Background()
	ts := time.Date(2023, 11, 2, 10, 0, 0, 0, time.UTC)

	rec := Record{Topic: "src", Partition: 3, Offset: 41, Key: []byte("k"), Value: []byte("v"), Timestamp: ts}
	assert.NoError(t, w.Write(ctx, tableA, rec))

	flushes, err := w.Flush(ctx)
	assert.NoError(t, err)
	path := flushes[0].DataFiles[0].Path

	f, err := os.Open(path)
	assert.NoError(t, err)
	defer f.Close()
	r, err := goavro.NewOCFReader(f)
	assert.NoError(t, err)
	assert.True(t, r.Scan())
	row, err := r.Read()
	assert.NoError(t, err)
	m := row.(map[string]interface{})
	assert.Equal(t, "src", m["topic"])
	assert.Equal(t, int32(3), m["partition"])
	assert.Equal(t, int64(41), m["offset"])
	assert.Equal(t, ts.UnixMilli(), m["timestamp"])
	assert.False(t, r.Scan())

	info, err := os.Stat(path)
	assert.NoError(t, err)
	assert.Equal(t, info.Size(), flushes[0].DataFiles[0].FileSizeBytes)
}

func TestFlushWithoutRowsIsEmpty(t *testing.T) {
	w := NewOCFWriter(LocalFileIO{Root: t.TempDir()}, zap.NewNop())

	flushes, err := w.Flush(context.Background())

	assert.NoError(t, err)
	assert.Empty(t, flushes)
}

func TestFlushClearsBuffer(t *testing.T) {
	w := NewOCFWriter(LocalFileIO{Root: t.TempDir()}, zap.NewNop())
	ctx := context.Background()
	assert.NoError(t, w.Write(ctx, tableA, record(0, 1, time.Now())))

	first, err := w.Flush(ctx)
	assert.NoError(t, err)
	assert.Len(t, first, 1)

	second, err := w.Flush(ctx)
	assert.NoError(t, err)
	assert.Empty(t, second)
}

func TestFlushKeepsBufferOnStorageFailure(t *testing.T) {
	io := &flakyFileIO{failures: 1}
	w := NewOCFWriter(io, zap.NewNop())
	ctx := context.Background()
	assert.NoError(t, w.Write(ctx, tableA, record(0, 1, time.Now())))

	_, err := w.Flush(ctx)
	assert.Error(t, err)

	// The same rows seal on the next attempt.
	flushes, err := w.Flush(ctx)
	assert.NoError(t, err)
	assert.Len(t, flushes, 1)
	assert.Equal(t, int64(1), flushes[0].DataFiles[0].RecordCount)
}

func TestWriteStampsMissingTimestamp(t *testing.T) {
	now := time.Date(2023, 11, 2, 23, 59, 0, 0, time.UTC)
	w := NewOCFWriter(LocalFileIO{Root: t.TempDir()}, zap.NewNop())
	w.clock = func() time.Time { return now }
	ctx := context.Background()

	assert.NoError(t, w.Write(ctx, tableA, Record{Topic: "src", Offset: 1}))

	flushes, err := w.Flush(ctx)
	assert.NoError(t, err)
	assert.Equal(t, map[string]string{"day": "2023-11-02"}, flushes[0].DataFiles[0].PartitionValues)
}

type flakyFileIO struct {
	failures int
}

func (f *flakyFileIO) Write(ctx context.Context, name string, data []byte) error {
	if f.failures > 0 {
		f.failures--
		return errors.New("storage unavailable")
	}
	return nil
}

func (f *flakyFileIO) Location(name string) string {
	return name
}

func record(partition int32, offset int64, ts time.Time) Record {
	return Record{
		Topic:     "src",
		Partition: partition,
		Offset:    offset,
		Key:       []byte("k"),
		Value:     []byte("v"),
		Timestamp: ts,
	}
}
