package writer

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/linkedin/goavro/v2"
	"go.uber.org/zap"

	"github.com/ankurbansal-tradedoubler/iceberg/events"
)

// Rows are stored as-is: the source record with its coordinates. The
// table's real schema is the downstream concern of whatever reads the
// files; the sink guarantees durability and exactly-once visibility.
const sinkRecordSchema = `{
  "type": "record", "name": "SinkRecord", "namespace": "iceberg.sink",
  "fields": [
    {"name": "topic", "type": "string"},
    {"name": "partition", "type": "int"},
    {"name": "offset", "type": "long"},
    {"name": "timestamp", "type": "long"},
    {"name": "key", "type": ["null", "bytes"], "default": null},
    {"name": "value", "type": ["null", "bytes"], "default": null}
  ]
}`

const dayLayout = "2006-01-02"

// OCFWriter buffers rows per table and day and seals each buffer into
// one Avro object container file on Flush. Day is the identity
// partition recorded in descriptors.
type OCFWriter struct {
	io     FileIO
	logger *zap.Logger
	clock  func() time.Time

	mu      sync.Mutex
	buffers map[string]*tableBuffer
}

type tableBuffer struct {
	table events.TableName
	days  map[string][]map[string]interface{}
}

type OCFOption func(*OCFWriter)

func NewOCFWriter(io FileIO, logger *zap.Logger, opts ...OCFOption) *OCFWriter {
	w := &OCFWriter{
		io:      io,
		logger:  logger.Named("OCFWriter"),
		clock:   time.Now,
		buffers: make(map[string]*tableBuffer),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

func (w *OCFWriter) Write(ctx context.Context, table events.TableName, rec Record) error {
	ts := rec.Timestamp
	if ts.IsZero() {
		ts = w.clock()
	}
	row := map[string]interface{}{
		"topic":     rec.Topic,
		"partition": rec.Partition,
		"offset":    rec.Offset,
		"timestamp": ts.UnixMilli(),
		"key":       unionBytes(rec.Key),
		"value":     unionBytes(rec.Value),
	}
	day := ts.UTC().Format(dayLayout)

	w.mu.Lock()
	defer w.mu.Unlock()
	key := table.String()
	buf, ok := w.buffers[key]
	if !ok {
		buf = &tableBuffer{table: table, days: make(map[string][]map[string]interface{})}
		w.buffers[key] = buf
	}
	buf.days[day] = append(buf.days[day], row)
	return nil
}

// Flush seals every buffered table into files and returns their
// descriptors grouped by table. Encoding and storage failures leave
// the buffer intact; files already stored by a failed Flush are never
// referenced by a commit and are therefore inert.
func (w *OCFWriter) Flush(ctx context.Context) ([]TableFlush, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	type sealed struct {
		tableKey string
		name     string
		blob     []byte
		file     events.DataFile
	}
	var pending []sealed

	for _, tableKey := range sortedKeys(w.buffers) {
		buf := w.buffers[tableKey]
		days := make([]string, 0, len(buf.days))
		for day := range buf.days {
			days = append(days, day)
		}
		sort.Strings(days)
		for _, day := range days {
			rows := buf.days[day]
			blob, err := encodeOCF(rows)
			if err != nil {
				return nil, fmt.Errorf("seal %s day %s: %w", tableKey, day, err)
			}
			name := fmt.Sprintf("%s/%s/%s.avro", tableKey, day, uuid.NewString())
			pending = append(pending, sealed{
				tableKey: tableKey,
				name:     name,
				blob:     blob,
				file: events.DataFile{
					Path:            w.io.Location(name),
					PartitionValues: map[string]string{"day": day},
					RecordCount:     int64(len(rows)),
					FileSizeBytes:   int64(len(blob)),
				},
			})
		}
	}

	for _, p := range pending {
		if err := w.io.Write(ctx, p.name, p.blob); err != nil {
			return nil, fmt.Errorf("store %s: %w", p.name, err)
		}
		w.logger.Debug("sealed data file",
			zap.String("path", p.file.Path),
			zap.Int64("records", p.file.RecordCount),
			zap.Int64("bytes", p.file.FileSizeBytes))
	}

	var flushes []TableFlush
	for _, tableKey := range sortedKeys(w.buffers) {
		var files []events.DataFile
		for _, p := range pending {
			if p.tableKey == tableKey {
				files = append(files, p.file)
			}
		}
		if files == nil {
			continue
		}
		flushes = append(flushes, TableFlush{Table: w.buffers[tableKey].table, DataFiles: files})
	}

	w.buffers = make(map[string]*tableBuffer)
	return flushes, nil
}

func encodeOCF(rows []map[string]interface{}) ([]byte, error) {
	var buf bytes.Buffer
	ocf, err := goavro.NewOCFWriter(goavro.OCFConfig{
		W:               &buf,
		Schema:          sinkRecordSchema,
		CompressionName: goavro.CompressionSnappyLabel,
	})
	if err != nil {
		return nil, err
	}
	native := make([]interface{}, 0, len(rows))
	for _, row := range rows {
		native = append(native, row)
	}
	if err := ocf.Append(native); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func unionBytes(b []byte) interface{} {
	if b == nil {
		return nil
	}
	return map[string]interface{}{"bytes": b}
}

func sortedKeys(m map[string]*tableBuffer) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
