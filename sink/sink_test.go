package sink

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ankurbansal-tradedoubler/iceberg/catalog"
	"github.com/ankurbansal-tradedoubler/iceberg/events"
	"github.com/ankurbansal-tradedoubler/iceberg/writer"
)

func testSinkConfig() Config {
	return Config{
		GroupID: "g1",
		Kafka: KafkaConfig{
			Brokers:       []string{"localhost:9092"},
			Topics:        []string{"src", "clicks"},
			ConsumerGroup: "cg",
		},
		Control: ControlConfig{Topic: "iceberg-control"},
		Routes:  map[string]string{"src": "db.events", "clicks": "db.users"},
		Commit: CommitConfig{
			Interval:       time.Minute,
			Timeout:        30 * time.Second,
			CatalogTimeout: 10 * time.Second,
		},
		Catalog: CatalogConfig{Endpoint: "http://localhost:8181"},
		Writer:  WriterConfig{Backend: "local", LocalRoot: "./data"},
	}
}

func commitOffsets(t *testing.T, mem *catalog.MemoryCatalog, table events.TableName, offsets map[string]int64) {
	t.Helper()
	ctx := context.Background()
	txn, err := mem.Stage(ctx, table, nil, nil)
	require.NoError(t, err)
	raw, err := json.Marshal(offsets)
	require.NoError(t, err)
	_, err = mem.Commit(ctx, txn, map[string]string{catalog.PropertyOffsets: string(raw)})
	require.NoError(t, err)
}

func TestRecoverOffsetsTakesMaxAcrossTables(t *testing.T) {
	mem := catalog.NewMemoryCatalog()
	eventsTable := events.TableName{Namespace: []string{"db"}, Name: "events"}
	usersTable := events.TableName{Namespace: []string{"db"}, Name: "users"}
	commitOffsets(t, mem, eventsTable, map[string]int64{"src/0": 11, "clicks/0": 5})
	commitOffsets(t, mem, usersTable, map[string]int64{"src/0": 9, "clicks/0": 7})

	s := New(testSinkConfig(), WithTableService(mem), WithLogger(zap.NewNop()))
	got := s.recoverOffsets()

	assert.Equal(t, map[events.TopicPartition]int64{
		{Topic: "src", Partition: 0}:    11,
		{Topic: "clicks", Partition: 0}: 7,
	}, got)
}

func TestRecoverOffsetsSkipsMalformedKeys(t *testing.T) {
	mem := catalog.NewMemoryCatalog()
	eventsTable := events.TableName{Namespace: []string{"db"}, Name: "events"}
	commitOffsets(t, mem, eventsTable, map[string]int64{"src/0": 11, "nonsense": 99})

	s := New(testSinkConfig(), WithTableService(mem), WithLogger(zap.NewNop()))
	got := s.recoverOffsets()

	assert.Equal(t, map[events.TopicPartition]int64{{Topic: "src", Partition: 0}: 11}, got)
}

type partialCatalog struct {
	*catalog.MemoryCatalog
	failFor string
}

func (p *partialCatalog) CommittedOffsets(ctx context.Context, table events.TableName) (map[string]int64, error) {
	if table.String() == p.failFor {
		return nil, assert.AnError
	}
	return p.MemoryCatalog.CommittedOffsets(ctx, table)
}

func TestRecoverOffsetsToleratesCatalogErrors(t *testing.T) {
	mem := catalog.NewMemoryCatalog()
	eventsTable := events.TableName{Namespace: []string{"db"}, Name: "events"}
	commitOffsets(t, mem, eventsTable, map[string]int64{"src/0": 11})

	s := New(testSinkConfig(),
		WithTableService(&partialCatalog{MemoryCatalog: mem, failFor: "db.users"}),
		WithLogger(zap.NewNop()))
	got := s.recoverOffsets()

	assert.Equal(t, map[events.TopicPartition]int64{{Topic: "src", Partition: 0}: 11}, got)
}

func TestBuildFileIOLocal(t *testing.T) {
	s := New(testSinkConfig(), WithLogger(zap.NewNop()))
	io, err := s.buildFileIO()
	require.NoError(t, err)
	require.IsType(t, writer.LocalFileIO{}, io)
	assert.Equal(t, "./data", io.(writer.LocalFileIO).Root)
}

type nopS3 struct{}

func (nopS3) PutObject(context.Context, *s3.PutObjectInput, ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	return &s3.PutObjectOutput{}, nil
}

func TestBuildFileIOS3UsesInjectedClient(t *testing.T) {
	cfg := testSinkConfig()
	cfg.Writer = WriterConfig{Backend: "s3", S3Bucket: "lake", S3Prefix: "warehouse"}

	s := New(cfg, WithS3Client(nopS3{}), WithLogger(zap.NewNop()))
	io, err := s.buildFileIO()
	require.NoError(t, err)
	require.IsType(t, writer.S3FileIO{}, io)
	s3io := io.(writer.S3FileIO)
	assert.Equal(t, "lake", s3io.Bucket)
	assert.Equal(t, "warehouse", s3io.Prefix)
	assert.NotNil(t, s3io.Client)
}
