// Package writer turns buffered source records into durably written
// data files and hands back the descriptors a commit round reports.
// Files become table-visible only when a later commit references
// them, so a file written and never committed is garbage, not
// corruption.
package writer

import (
	"context"
	"time"

	"github.com/ankurbansal-tradedoubler/iceberg/events"
)

// Record is one source record as consumed from a topic partition.
type Record struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Value     []byte
	Timestamp time.Time
}

// TableFlush lists the files one Flush sealed for one table.
type TableFlush struct {
	Table       events.TableName
	DataFiles   []events.DataFile
	DeleteFiles []events.DeleteFile
}

// Writer buffers records per destination table and seals the buffers
// into files on Flush. Flush is atomic per call: on error the buffer
// is left intact and the same rows seal on the next attempt.
type Writer interface {
	Write(ctx context.Context, table events.TableName, rec Record) error
	Flush(ctx context.Context) ([]TableFlush, error)
}
