// Package events defines the control-channel wire contract: the event
// envelope, the payload variants exchanged between the coordinator and
// the workers, and the Avro codec that serializes them.
package events

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// EventType discriminates the closed set of payload variants. Values
// are part of the wire contract and must never be renumbered.
type EventType int32

const (
	EventTypeCommitRequest EventType = iota
	EventTypeCommitResponse
	EventTypeCommitReady
	EventTypeCommitTable
	EventTypeCommitComplete
)

func (t EventType) String() string {
	switch t {
	case EventTypeCommitRequest:
		return "commit-request"
	case EventTypeCommitResponse:
		return "commit-response"
	case EventTypeCommitReady:
		return "commit-ready"
	case EventTypeCommitTable:
		return "commit-table"
	case EventTypeCommitComplete:
		return "commit-complete"
	default:
		return fmt.Sprintf("unknown(%d)", int32(t))
	}
}

// Payload is the closed union of control-message bodies. Decoding
// dispatches exhaustively on EventType; there is no generic
// ordinal-indexed access.
type Payload interface {
	Type() EventType
	SchemaID() int32
	toNative() map[string]interface{}
}

// Event wraps a payload with the deployment scope and the structural
// schema version the sender used. GroupID isolates deployments sharing
// one control topic; receivers drop events for other groups.
type Event struct {
	GroupID  string
	Type     EventType
	SchemaID int32
	Payload  Payload
}

// NewEvent builds an envelope for p, stamping the payload's type and
// schema version.
func NewEvent(groupID string, p Payload) Event {
	return Event{
		GroupID:  groupID,
		Type:     p.Type(),
		SchemaID: p.SchemaID(),
		Payload:  p,
	}
}

// TableName identifies a destination table: a namespace path plus the
// table's own name. Contributions merge into one transaction only when
// their TableNames are equal.
type TableName struct {
	Namespace []string
	Name      string
}

func NewTableName(namespace []string, name string) TableName {
	return TableName{Namespace: namespace, Name: name}
}

// ParseTableName splits a dotted identifier, the last element being
// the table name and the rest the namespace path.
func ParseTableName(s string) (TableName, error) {
	parts := strings.Split(s, ".")
	if len(parts) < 2 || parts[0] == "" || parts[len(parts)-1] == "" {
		return TableName{}, fmt.Errorf("table name %q must be namespace-qualified", s)
	}
	return TableName{Namespace: parts[:len(parts)-1], Name: parts[len(parts)-1]}, nil
}

// String renders the dotted form. TableName holds a slice, so the
// dotted form is also the map key used to group contributions.
func (t TableName) String() string {
	return strings.Join(append(append([]string{}, t.Namespace...), t.Name), ".")
}

func (t TableName) Equal(o TableName) bool {
	if t.Name != o.Name || len(t.Namespace) != len(o.Namespace) {
		return false
	}
	for i, n := range t.Namespace {
		if o.Namespace[i] != n {
			return false
		}
	}
	return true
}

// TopicPartition names one source partition. Comparable, used as a map
// key throughout offset bookkeeping.
type TopicPartition struct {
	Topic     string
	Partition int32
}

func (tp TopicPartition) String() string {
	return fmt.Sprintf("%s/%d", tp.Topic, tp.Partition)
}

// ParseTopicPartition is the inverse of TopicPartition.String. The
// partition is whatever follows the last slash, so topic names may
// themselves contain slashes.
func ParseTopicPartition(s string) (TopicPartition, error) {
	i := strings.LastIndex(s, "/")
	if i <= 0 || i == len(s)-1 {
		return TopicPartition{}, fmt.Errorf("malformed topic partition %q", s)
	}
	partition, err := strconv.ParseInt(s[i+1:], 10, 32)
	if err != nil {
		return TopicPartition{}, fmt.Errorf("malformed topic partition %q: %w", s, err)
	}
	return TopicPartition{Topic: s[:i], Partition: int32(partition)}, nil
}

// TopicPartitionOffset reports that a worker has durably processed up
// to and including Offset on one source partition. Offset and
// Timestamp (epoch milliseconds of the latest record) are nil when the
// worker has not processed anything on the partition yet.
type TopicPartitionOffset struct {
	Topic     string
	Partition int32
	Offset    *int64
	Timestamp *int64
}

func (o TopicPartitionOffset) TopicPartition() TopicPartition {
	return TopicPartition{Topic: o.Topic, Partition: o.Partition}
}

// DataFile describes one durably written data file. The coordinator
// never inspects file contents; it aggregates descriptors, dropping
// duplicate paths within a round.
type DataFile struct {
	Path            string
	PartitionValues map[string]string
	RecordCount     int64
	FileSizeBytes   int64
}

// DeleteFile describes one durably written delete file.
type DeleteFile struct {
	Path            string
	PartitionValues map[string]string
	RecordCount     int64
	FileSizeBytes   int64
}

// CommitRequestPayload starts a round. Stateless trigger; re-delivery
// is harmless.
type CommitRequestPayload struct {
	CommitID uuid.UUID
}

func (p CommitRequestPayload) Type() EventType { return EventTypeCommitRequest }
func (p CommitRequestPayload) SchemaID() int32 { return SchemaCommitRequestV1 }

// CommitResponsePayload carries one worker's contribution for one
// table in one round. DataFiles and DeleteFiles are nullable
// sequences: nil means the sender omitted the list, an empty non-nil
// slice means it flushed nothing for the table, and the distinction
// survives the codec. Assignments enumerates exactly the source
// partitions the worker owned at flush time.
type CommitResponsePayload struct {
	CommitID    uuid.UUID
	TableName   TableName
	DataFiles   []DataFile
	DeleteFiles []DeleteFile
	Assignments []TopicPartitionOffset
}

func (p CommitResponsePayload) Type() EventType { return EventTypeCommitResponse }
func (p CommitResponsePayload) SchemaID() int32 { return SchemaCommitResponseV1 }

// CommitReadyPayload is the worker-wide "nothing more to contribute"
// marker for a round, carrying the worker's full assignment list so
// partitions without table contributions are still accounted for.
type CommitReadyPayload struct {
	CommitID    uuid.UUID
	Assignments []TopicPartitionOffset
}

func (p CommitReadyPayload) Type() EventType { return EventTypeCommitReady }
func (p CommitReadyPayload) SchemaID() int32 { return SchemaCommitReadyV1 }

// CommitTablePayload announces a successful per-table commit.
// ValidThroughTs is set only when the round was complete and every
// reported partition carried a timestamp.
type CommitTablePayload struct {
	CommitID       uuid.UUID
	TableName      TableName
	SnapshotID     *int64
	ValidThroughTs *int64
}

func (p CommitTablePayload) Type() EventType { return EventTypeCommitTable }
func (p CommitTablePayload) SchemaID() int32 { return SchemaCommitTableV1 }

// CommitCompletePayload announces that a round resolved successfully
// across all tables.
type CommitCompletePayload struct {
	CommitID       uuid.UUID
	SnapshotID     *int64
	ValidThroughTs *int64
}

func (p CommitCompletePayload) Type() EventType { return EventTypeCommitComplete }
func (p CommitCompletePayload) SchemaID() int32 { return SchemaCommitCompleteV1 }
