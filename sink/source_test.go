package sink

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"

	"github.com/ankurbansal-tradedoubler/iceberg/events"
	"github.com/ankurbansal-tradedoubler/iceberg/writer"
)

type bufferingWriter struct {
	mu       sync.Mutex
	rows     []writer.Record
	tables   []events.TableName
	flushErr error
	flushes  int
}

func (w *bufferingWriter) Write(_ context.Context, table events.TableName, rec writer.Record) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.tables = append(w.tables, table)
	w.rows = append(w.rows, rec)
	return nil
}

func (w *bufferingWriter) Flush(context.Context) ([]writer.TableFlush, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.flushErr != nil {
		return nil, w.flushErr
	}
	w.flushes++
	w.rows = nil
	w.tables = nil
	return nil, nil
}

func newTestSource(t *testing.T, w writer.Writer) *Source {
	t.Helper()
	cfg := Config{
		GroupID: "g1",
		Kafka: KafkaConfig{
			Brokers:       []string{"localhost:9092"},
			Topics:        []string{"src"},
			ConsumerGroup: "cg",
			PollRecords:   16,
		},
	}
	routes := map[string]events.TableName{"src": {Namespace: []string{"db"}, Name: "events"}}
	src, err := NewSource(cfg, routes, w, make(chan struct{}), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(src.client.Close)
	return src
}

func record(topic string, partition int32, offset int64, tsMillis int64) *kgo.Record {
	return &kgo.Record{
		Topic:     topic,
		Partition: partition,
		Offset:    offset,
		Key:       []byte("k"),
		Value:     []byte("v"),
		Timestamp: time.UnixMilli(tsMillis),
	}
}

func assign(src *Source, topic string, partitions ...int32) {
	src.partitionsAssigned(context.Background(), nil, map[string][]int32{topic: partitions})
}

func revoke(src *Source, topic string, partitions ...int32) {
	src.partitionsRevoked(context.Background(), nil, map[string][]int32{topic: partitions})
}

func TestSourceRoutesRowsIntoWriter(t *testing.T) {
	w := &bufferingWriter{}
	src := newTestSource(t, w)
	assign(src, "src", 0)

	src.ingest(context.Background(), record("src", 0, 5, 100))

	require.Len(t, w.rows, 1)
	assert.Equal(t, events.TableName{Namespace: []string{"db"}, Name: "events"}, w.tables[0])
	assert.Equal(t, "src", w.rows[0].Topic)
	assert.Equal(t, int32(0), w.rows[0].Partition)
	assert.Equal(t, int64(5), w.rows[0].Offset)
	assert.Equal(t, []byte("v"), w.rows[0].Value)
}

func TestSourceUnroutedRowIsDropped(t *testing.T) {
	w := &bufferingWriter{}
	src := newTestSource(t, w)
	assign(src, "src", 0)

	src.ingest(context.Background(), record("other", 0, 5, 100))

	assert.Empty(t, w.rows)
	assert.Empty(t, src.marks)
}

func TestSourceReportsFlushCoverage(t *testing.T) {
	w := &bufferingWriter{}
	src := newTestSource(t, w)
	assign(src, "src", 0)

	// Nothing flushed yet: the partition reports with no offset.
	assignments := src.Assignments()
	require.Len(t, assignments, 1)
	assert.Nil(t, assignments[0].Offset)
	assert.Nil(t, assignments[0].Timestamp)

	src.ingest(context.Background(), record("src", 0, 5, 100))
	src.ingest(context.Background(), record("src", 0, 6, 110))
	_, err := src.Gate().Flush(context.Background())
	require.NoError(t, err)

	assignments = src.Assignments()
	require.Len(t, assignments, 1)
	require.NotNil(t, assignments[0].Offset)
	assert.Equal(t, int64(6), *assignments[0].Offset)
	assert.Equal(t, int64(110), *assignments[0].Timestamp)

	// A row landing after the flush does not move the reported
	// coverage until the next flush seals it.
	src.ingest(context.Background(), record("src", 0, 7, 120))
	assignments = src.Assignments()
	require.NotNil(t, assignments[0].Offset)
	assert.Equal(t, int64(6), *assignments[0].Offset)

	_, err = src.Gate().Flush(context.Background())
	require.NoError(t, err)
	assignments = src.Assignments()
	assert.Equal(t, int64(7), *assignments[0].Offset)
}

func TestSourceFlushFailureKeepsPreviousCoverage(t *testing.T) {
	w := &bufferingWriter{}
	src := newTestSource(t, w)
	assign(src, "src", 0)

	src.ingest(context.Background(), record("src", 0, 5, 100))
	_, err := src.Gate().Flush(context.Background())
	require.NoError(t, err)

	src.ingest(context.Background(), record("src", 0, 6, 110))
	w.flushErr = assert.AnError
	_, err = src.Gate().Flush(context.Background())
	require.Error(t, err)

	assignments := src.Assignments()
	require.Len(t, assignments, 1)
	require.NotNil(t, assignments[0].Offset)
	assert.Equal(t, int64(5), *assignments[0].Offset)
}

func TestSourceRevokedPartitionStopsReporting(t *testing.T) {
	w := &bufferingWriter{}
	src := newTestSource(t, w)
	assign(src, "src", 0, 1)

	src.ingest(context.Background(), record("src", 0, 5, 100))
	src.ingest(context.Background(), record("src", 1, 8, 120))
	_, err := src.Gate().Flush(context.Background())
	require.NoError(t, err)

	revoke(src, "src", 1)

	assignments := src.Assignments()
	require.Len(t, assignments, 1)
	assert.Equal(t, int32(0), assignments[0].Partition)
}

func TestSourceCommitFlushedCommitsLatestFlush(t *testing.T) {
	w := &bufferingWriter{}
	src := newTestSource(t, w)
	assign(src, "src", 0, 1)

	var marked []*kgo.Record
	committed := 0
	src.markCommit = func(rs ...*kgo.Record) { marked = append(marked, rs...) }
	src.commitMarked = func(context.Context) error { committed++; return nil }

	src.ingest(context.Background(), record("src", 0, 5, 100))
	src.ingest(context.Background(), record("src", 1, 8, 120))
	_, err := src.Gate().Flush(context.Background())
	require.NoError(t, err)

	require.NoError(t, src.CommitFlushed(context.Background()))

	assert.Equal(t, 1, committed)
	offsets := map[int32]int64{}
	for _, r := range marked {
		offsets[r.Partition] = r.Offset
	}
	assert.Equal(t, map[int32]int64{0: 5, 1: 8}, offsets)
}

func TestSourceCommitFlushedSkipsWithNothingFlushed(t *testing.T) {
	w := &bufferingWriter{}
	src := newTestSource(t, w)
	assign(src, "src", 0)

	committed := 0
	src.markCommit = func(...*kgo.Record) { t.Fatal("marked records with nothing flushed") }
	src.commitMarked = func(context.Context) error { committed++; return nil }

	src.ingest(context.Background(), record("src", 0, 5, 100))
	require.NoError(t, src.CommitFlushed(context.Background()))
	assert.Zero(t, committed)
}

func TestSourceCommitFlushedSkipsRevokedPartitions(t *testing.T) {
	w := &bufferingWriter{}
	src := newTestSource(t, w)
	assign(src, "src", 0, 1)

	var marked []*kgo.Record
	src.markCommit = func(rs ...*kgo.Record) { marked = append(marked, rs...) }
	src.commitMarked = func(context.Context) error { return nil }

	src.ingest(context.Background(), record("src", 0, 5, 100))
	src.ingest(context.Background(), record("src", 1, 8, 120))
	_, err := src.Gate().Flush(context.Background())
	require.NoError(t, err)

	revoke(src, "src", 1)
	require.NoError(t, src.CommitFlushed(context.Background()))

	require.Len(t, marked, 1)
	assert.Equal(t, int32(0), marked[0].Partition)
	assert.Equal(t, int64(5), marked[0].Offset)
}
