package events

// Schema identifiers name the structural schema version a sender used
// for its payload, letting a receiver resolve it without a registry
// round trip. New payload versions take fresh identifiers; zero is
// reserved.
const (
	SchemaCommitRequestV1  int32 = 1
	SchemaCommitResponseV1 int32 = 2
	SchemaCommitReadyV1    int32 = 3
	SchemaCommitTableV1    int32 = 4
	SchemaCommitCompleteV1 int32 = 5
)

// Structural schemas are declared as data. Field order is the wire
// ordinal: it is stable across versions and new fields append at the
// end only. Optional fields are null unions with a null default so an
// older reader treats them as absent.

const tableNameSchema = `{
  "type": "record", "name": "TableName", "namespace": "iceberg.sink",
  "fields": [
    {"name": "namespace", "type": {"type": "array", "items": "string"}},
    {"name": "name", "type": "string"}
  ]
}`

const topicPartitionOffsetSchema = `{
  "type": "record", "name": "TopicPartitionOffset", "namespace": "iceberg.sink",
  "fields": [
    {"name": "topic", "type": "string"},
    {"name": "partition", "type": "int"},
    {"name": "offset", "type": ["null", "long"], "default": null},
    {"name": "timestamp", "type": ["null", "long"], "default": null}
  ]
}`

const dataFileSchema = `{
  "type": "record", "name": "DataFile", "namespace": "iceberg.sink",
  "fields": [
    {"name": "path", "type": "string"},
    {"name": "partition_values", "type": ["null", {"type": "map", "values": "string"}], "default": null},
    {"name": "record_count", "type": "long"},
    {"name": "file_size_bytes", "type": "long"}
  ]
}`

const deleteFileSchema = `{
  "type": "record", "name": "DeleteFile", "namespace": "iceberg.sink",
  "fields": [
    {"name": "path", "type": "string"},
    {"name": "partition_values", "type": ["null", {"type": "map", "values": "string"}], "default": null},
    {"name": "record_count", "type": "long"},
    {"name": "file_size_bytes", "type": "long"}
  ]
}`

const commitRequestSchema = `{
  "type": "record", "name": "CommitRequest", "namespace": "iceberg.sink",
  "fields": [
    {"name": "commit_id", "type": "string"}
  ]
}`

const commitResponseSchema = `{
  "type": "record", "name": "CommitResponse", "namespace": "iceberg.sink",
  "fields": [
    {"name": "commit_id", "type": "string"},
    {"name": "table_name", "type": ` + tableNameSchema + `},
    {"name": "data_files", "type": ["null", {"type": "array", "items": ` + dataFileSchema + `}], "default": null},
    {"name": "delete_files", "type": ["null", {"type": "array", "items": ` + deleteFileSchema + `}], "default": null},
    {"name": "assignments", "type": ["null", {"type": "array", "items": ` + topicPartitionOffsetSchema + `}], "default": null}
  ]
}`

const commitReadySchema = `{
  "type": "record", "name": "CommitReady", "namespace": "iceberg.sink",
  "fields": [
    {"name": "commit_id", "type": "string"},
    {"name": "assignments", "type": ["null", {"type": "array", "items": ` + topicPartitionOffsetSchema + `}], "default": null}
  ]
}`

const commitTableSchema = `{
  "type": "record", "name": "CommitTable", "namespace": "iceberg.sink",
  "fields": [
    {"name": "commit_id", "type": "string"},
    {"name": "table_name", "type": ` + tableNameSchema + `},
    {"name": "snapshot_id", "type": ["null", "long"], "default": null},
    {"name": "valid_through_ts", "type": ["null", "long"], "default": null}
  ]
}`

const commitCompleteSchema = `{
  "type": "record", "name": "CommitComplete", "namespace": "iceberg.sink",
  "fields": [
    {"name": "commit_id", "type": "string"},
    {"name": "snapshot_id", "type": ["null", "long"], "default": null},
    {"name": "valid_through_ts", "type": ["null", "long"], "default": null}
  ]
}`

const envelopeSchema = `{
  "type": "record", "name": "Envelope", "namespace": "iceberg.sink",
  "fields": [
    {"name": "group_id", "type": "string"},
    {"name": "event_type", "type": "int"},
    {"name": "schema_id", "type": "int"},
    {"name": "payload", "type": "bytes"}
  ]
}`

// KnownSchemas returns the registry of payload schemas this build
// writes and reads natively. A message carrying an unknown schema
// identifier still decodes through its embedded writer schema.
func KnownSchemas() map[int32]string {
	return map[int32]string{
		SchemaCommitRequestV1:  commitRequestSchema,
		SchemaCommitResponseV1: commitResponseSchema,
		SchemaCommitReadyV1:    commitReadySchema,
		SchemaCommitTableV1:    commitTableSchema,
		SchemaCommitCompleteV1: commitCompleteSchema,
	}
}

func schemaForType(t EventType) (string, bool) {
	switch t {
	case EventTypeCommitRequest:
		return commitRequestSchema, true
	case EventTypeCommitResponse:
		return commitResponseSchema, true
	case EventTypeCommitReady:
		return commitReadySchema, true
	case EventTypeCommitTable:
		return commitTableSchema, true
	case EventTypeCommitComplete:
		return commitCompleteSchema, true
	default:
		return "", false
	}
}
