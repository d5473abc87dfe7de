package channel

import (
	"sync"

	"github.com/google/uuid"

	"github.com/ankurbansal-tradedoubler/iceberg/events"
)

// OffsetTracker keeps the coordinator's offset bookkeeping: the
// committed offset per source partition (the next offset to consume,
// advanced only after the table service confirms a commit) and the
// offsets reported by workers for each in-flight round.
//
// Reported entries collapse duplicate deliveries by keeping the
// highest offset per partition, and an entry with a nil offset still
// marks its partition as accounted for.
type OffsetTracker struct {
	mu        sync.Mutex
	committed map[events.TopicPartition]int64
	reported  map[uuid.UUID]map[events.TopicPartition]events.TopicPartitionOffset
}

func NewOffsetTracker() *OffsetTracker {
	return &OffsetTracker{
		committed: make(map[events.TopicPartition]int64),
		reported:  make(map[uuid.UUID]map[events.TopicPartition]events.TopicPartitionOffset),
	}
}

// Seed installs committed offsets recovered from table snapshots at
// startup. Existing entries only ever move forward.
func (t *OffsetTracker) Seed(offsets map[events.TopicPartition]int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for tp, off := range offsets {
		if cur, ok := t.committed[tp]; !ok || off > cur {
			t.committed[tp] = off
		}
	}
}

// RecordAssignment notes that a worker reported the partition for the
// round, keeping the highest offset seen per partition.
func (t *OffsetTracker) RecordAssignment(commitID uuid.UUID, o events.TopicPartitionOffset) {
	t.mu.Lock()
	defer t.mu.Unlock()
	round, ok := t.reported[commitID]
	if !ok {
		round = make(map[events.TopicPartition]events.TopicPartitionOffset)
		t.reported[commitID] = round
	}
	tp := o.TopicPartition()
	cur, ok := round[tp]
	if !ok || laterOffset(o, cur) {
		round[tp] = o
	}
}

func laterOffset(a, b events.TopicPartitionOffset) bool {
	if a.Offset == nil {
		return false
	}
	if b.Offset == nil {
		return true
	}
	return *a.Offset > *b.Offset
}

// RoundComplete reports whether every partition in the assigned set
// has been reported for the round. Monotone for a fixed assigned set:
// reported entries are never removed while the round is live.
func (t *OffsetTracker) RoundComplete(commitID uuid.UUID, assigned []events.TopicPartition) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	round := t.reported[commitID]
	for _, tp := range assigned {
		if _, ok := round[tp]; !ok {
			return false
		}
	}
	return true
}

// ReportedOffsets returns a copy of what workers reported for the
// round so far.
func (t *OffsetTracker) ReportedOffsets(commitID uuid.UUID) map[events.TopicPartition]events.TopicPartitionOffset {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[events.TopicPartition]events.TopicPartitionOffset, len(t.reported[commitID]))
	for tp, o := range t.reported[commitID] {
		out[tp] = o
	}
	return out
}

// NextOffsets is the committed map the round would publish: current
// committed offsets overlaid with the round's reported offsets
// advanced past the last processed record.
func (t *OffsetTracker) NextOffsets(commitID uuid.UUID) map[events.TopicPartition]int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	next := make(map[events.TopicPartition]int64, len(t.committed))
	for tp, off := range t.committed {
		next[tp] = off
	}
	for tp, o := range t.reported[commitID] {
		if o.Offset == nil {
			continue
		}
		if cur, ok := next[tp]; !ok || *o.Offset+1 > cur {
			next[tp] = *o.Offset + 1
		}
	}
	return next
}

// AdvanceCommitted moves the round's reported offsets into the
// committed map and drops the round. Called only after the table
// service confirmed the round's commits. Returns the new committed
// snapshot.
func (t *OffsetTracker) AdvanceCommitted(commitID uuid.UUID) map[events.TopicPartition]int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	for tp, o := range t.reported[commitID] {
		if o.Offset == nil {
			continue
		}
		if cur, ok := t.committed[tp]; !ok || *o.Offset+1 > cur {
			t.committed[tp] = *o.Offset + 1
		}
	}
	delete(t.reported, commitID)
	return t.committedLocked()
}

// DiscardRound drops all bookkeeping for an abandoned round without
// touching committed offsets.
func (t *OffsetTracker) DiscardRound(commitID uuid.UUID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.reported, commitID)
}

// CommittedOffsets returns a copy of the committed offset map.
func (t *OffsetTracker) CommittedOffsets() map[events.TopicPartition]int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.committedLocked()
}

func (t *OffsetTracker) committedLocked() map[events.TopicPartition]int64 {
	out := make(map[events.TopicPartition]int64, len(t.committed))
	for tp, off := range t.committed {
		out[tp] = off
	}
	return out
}
