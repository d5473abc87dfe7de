package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/ankurbansal-tradedoubler/iceberg/events"
)

// Snapshot is one committed table state in the memory catalog's log.
type Snapshot struct {
	ID          int64
	TimestampMs int64
	Properties  map[string]string
	DataFiles   []events.DataFile
	DeleteFiles []events.DeleteFile
}

// MemoryCatalog is an in-process TableService with a per-table
// snapshot log. It enforces the same optimistic concurrency rule as a
// real table service: a commit staged on a base that is no longer
// current conflicts. Conflicts can also be injected to exercise retry
// paths.
type MemoryCatalog struct {
	mu             sync.Mutex
	tables         map[string]*memoryTable
	nextSnapshotID int64
	nextTxnID      int64
	clock          func() time.Time
}

type memoryTable struct {
	snapshots []Snapshot
	conflicts int
}

func NewMemoryCatalog() *MemoryCatalog {
	return &MemoryCatalog{
		tables: make(map[string]*memoryTable),
		clock:  time.Now,
	}
}

func (c *MemoryCatalog) Stage(ctx context.Context, table events.TableName, data []events.DataFile, del []events.DeleteFile) (StagedTransaction, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.ensure(table)
	c.nextTxnID++
	return StagedTransaction{
		Table:          table,
		ID:             fmt.Sprintf("txn-%d", c.nextTxnID),
		BaseSnapshotID: t.currentID(),
		DataFiles:      append([]events.DataFile(nil), data...),
		DeleteFiles:    append([]events.DeleteFile(nil), del...),
	}, nil
}

func (c *MemoryCatalog) Commit(ctx context.Context, txn StagedTransaction, props map[string]string) (CommitResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.ensure(txn.Table)
	if t.conflicts > 0 {
		t.conflicts--
		return CommitResult{}, fmt.Errorf("%s: %w", txn.Table, ErrCommitConflict)
	}
	if t.currentID() != txn.BaseSnapshotID {
		return CommitResult{}, fmt.Errorf("%s: staged on snapshot %d, current is %d: %w",
			txn.Table, txn.BaseSnapshotID, t.currentID(), ErrCommitConflict)
	}
	c.nextSnapshotID++
	copied := make(map[string]string, len(props))
	for k, v := range props {
		copied[k] = v
	}
	t.snapshots = append(t.snapshots, Snapshot{
		ID:          c.nextSnapshotID,
		TimestampMs: c.clock().UnixMilli(),
		Properties:  copied,
		DataFiles:   txn.DataFiles,
		DeleteFiles: txn.DeleteFiles,
	})
	return CommitResult{SnapshotID: c.nextSnapshotID}, nil
}

func (c *MemoryCatalog) CommittedOffsets(ctx context.Context, table events.TableName) (map[string]int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.ensure(table)
	offsets := make(map[string]int64)
	cur, ok := t.current()
	if !ok {
		return offsets, nil
	}
	raw, ok := cur.Properties[PropertyOffsets]
	if !ok {
		return offsets, nil
	}
	if err := json.Unmarshal([]byte(raw), &offsets); err != nil {
		return nil, fmt.Errorf("%s: decode %s property: %w", table, PropertyOffsets, err)
	}
	return offsets, nil
}

// InjectConflicts makes the next n commits to the table fail with
// ErrCommitConflict regardless of their base snapshot.
func (c *MemoryCatalog) InjectConflicts(table events.TableName, n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ensure(table).conflicts = n
}

// CurrentSnapshot returns the latest snapshot of the table, if any.
func (c *MemoryCatalog) CurrentSnapshot(table events.TableName) (Snapshot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cur, ok := c.ensure(table).current()
	if !ok {
		return Snapshot{}, false
	}
	return cur, true
}

// Snapshots returns the table's snapshot log, oldest first.
func (c *MemoryCatalog) Snapshots(table events.TableName) []Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Snapshot(nil), c.ensure(table).snapshots...)
}

func (c *MemoryCatalog) ensure(table events.TableName) *memoryTable {
	key := table.String()
	t, ok := c.tables[key]
	if !ok {
		t = &memoryTable{}
		c.tables[key] = t
	}
	return t
}

func (t *memoryTable) current() (Snapshot, bool) {
	if len(t.snapshots) == 0 {
		return Snapshot{}, false
	}
	return t.snapshots[len(t.snapshots)-1], true
}

func (t *memoryTable) currentID() int64 {
	cur, ok := t.current()
	if !ok {
		return 0
	}
	return cur.ID
}
