// Package catalog fronts the table service that owns table metadata.
// The sink stages file descriptors into a transaction and commits the
// transaction atomically: the service applies it as exactly one new
// snapshot or rejects it entirely. Commit metadata rides in snapshot
// summary properties, which is also where committed source offsets are
// recovered from after a restart.
package catalog

import (
	"context"
	"errors"

	"github.com/ankurbansal-tradedoubler/iceberg/events"
)

// Snapshot summary property keys written with every commit.
const (
	// PropertyCommitID records the round that produced the snapshot.
	PropertyCommitID = "kafka.sink.commit-id"
	// PropertyOffsets holds a JSON map of topic/partition to the next
	// offset to consume once the snapshot is visible.
	PropertyOffsets = "kafka.sink.offsets"
	// PropertyValidThroughTs is the watermark timestamp (epoch
	// milliseconds) through which all source partitions are known to
	// be represented. Absent on partial commits.
	PropertyValidThroughTs = "kafka.sink.vtts"
)

// ErrCommitConflict reports that the table changed between Stage and
// Commit. The caller restages on top of the latest state and retries.
var ErrCommitConflict = errors.New("catalog: concurrent table update")

// StagedTransaction is a prepared, not yet applied change to one
// table. BaseSnapshotID pins the table state the stage was built on.
type StagedTransaction struct {
	Table          events.TableName
	ID             string
	BaseSnapshotID int64
	DataFiles      []events.DataFile
	DeleteFiles    []events.DeleteFile
}

// CommitResult reports the snapshot a successful commit produced.
type CommitResult struct {
	SnapshotID int64
}

// TableService is the transactional surface the coordinator drives.
// Commit is atomic and serializable per table: of two commits staged
// on the same base, the second receives ErrCommitConflict.
type TableService interface {
	Stage(ctx context.Context, table events.TableName, data []events.DataFile, del []events.DeleteFile) (StagedTransaction, error)
	Commit(ctx context.Context, txn StagedTransaction, props map[string]string) (CommitResult, error)

	// CommittedOffsets returns the offsets map recorded by the latest
	// snapshot of the table, keyed by "topic/partition", or an empty
	// map when the table has no snapshots or no recorded offsets.
	CommittedOffsets(ctx context.Context, table events.TableName) (map[string]int64, error)
}
