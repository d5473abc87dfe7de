package events

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Conversions between typed payloads and the generic form the Avro
// codec works with. Decoding is tolerant by name: fields the reader
// does not know are dropped, optional fields the writer did not have
// stay nil. Required fields that are absent fail the decode.

func (p CommitRequestPayload) toNative() map[string]interface{} {
	return map[string]interface{}{
		"commit_id": p.CommitID.String(),
	}
}

func commitRequestFromNative(m map[string]interface{}) (Payload, error) {
	id, err := uuidField(m, "commit_id")
	if err != nil {
		return nil, err
	}
	return CommitRequestPayload{CommitID: id}, nil
}

func (p CommitResponsePayload) toNative() map[string]interface{} {
	return map[string]interface{}{
		"commit_id":    p.CommitID.String(),
		"table_name":   tableNameToNative(p.TableName),
		"data_files":   unionArray(dataFilesToNative(p.DataFiles)),
		"delete_files": unionArray(deleteFilesToNative(p.DeleteFiles)),
		"assignments":  unionArray(assignmentsToNative(p.Assignments)),
	}
}

func commitResponseFromNative(m map[string]interface{}) (Payload, error) {
	id, err := uuidField(m, "commit_id")
	if err != nil {
		return nil, err
	}
	tn, err := tableNameFromNative(m["table_name"])
	if err != nil {
		return nil, err
	}
	dataFiles, err := dataFilesFromNative(m, "data_files")
	if err != nil {
		return nil, err
	}
	deleteFiles, err := deleteFilesFromNative(m, "delete_files")
	if err != nil {
		return nil, err
	}
	assignments, err := assignmentsFromNative(m, "assignments")
	if err != nil {
		return nil, err
	}
	return CommitResponsePayload{
		CommitID:    id,
		TableName:   tn,
		DataFiles:   dataFiles,
		DeleteFiles: deleteFiles,
		Assignments: assignments,
	}, nil
}

func (p CommitReadyPayload) toNative() map[string]interface{} {
	return map[string]interface{}{
		"commit_id":   p.CommitID.String(),
		"assignments": unionArray(assignmentsToNative(p.Assignments)),
	}
}

func commitReadyFromNative(m map[string]interface{}) (Payload, error) {
	id, err := uuidField(m, "commit_id")
	if err != nil {
		return nil, err
	}
	assignments, err := assignmentsFromNative(m, "assignments")
	if err != nil {
		return nil, err
	}
	return CommitReadyPayload{CommitID: id, Assignments: assignments}, nil
}

func (p CommitTablePayload) toNative() map[string]interface{} {
	return map[string]interface{}{
		"commit_id":        p.CommitID.String(),
		"table_name":       tableNameToNative(p.TableName),
		"snapshot_id":      unionLong(p.SnapshotID),
		"valid_through_ts": unionLong(p.ValidThroughTs),
	}
}

func commitTableFromNative(m map[string]interface{}) (Payload, error) {
	id, err := uuidField(m, "commit_id")
	if err != nil {
		return nil, err
	}
	tn, err := tableNameFromNative(m["table_name"])
	if err != nil {
		return nil, err
	}
	return CommitTablePayload{
		CommitID:       id,
		TableName:      tn,
		SnapshotID:     optionalLong(m, "snapshot_id"),
		ValidThroughTs: optionalLong(m, "valid_through_ts"),
	}, nil
}

func (p CommitCompletePayload) toNative() map[string]interface{} {
	return map[string]interface{}{
		"commit_id":        p.CommitID.String(),
		"snapshot_id":      unionLong(p.SnapshotID),
		"valid_through_ts": unionLong(p.ValidThroughTs),
	}
}

func commitCompleteFromNative(m map[string]interface{}) (Payload, error) {
	id, err := uuidField(m, "commit_id")
	if err != nil {
		return nil, err
	}
	return CommitCompletePayload{
		CommitID:       id,
		SnapshotID:     optionalLong(m, "snapshot_id"),
		ValidThroughTs: optionalLong(m, "valid_through_ts"),
	}, nil
}

func tableNameToNative(t TableName) map[string]interface{} {
	ns := make([]interface{}, 0, len(t.Namespace))
	for _, part := range t.Namespace {
		ns = append(ns, part)
	}
	return map[string]interface{}{
		"namespace": ns,
		"name":      t.Name,
	}
}

func tableNameFromNative(v interface{}) (TableName, error) {
	m, ok := v.(map[string]interface{})
	if !ok {
		return TableName{}, errors.New("missing table_name")
	}
	var ns []string
	if items, ok := m["namespace"].([]interface{}); ok {
		ns = make([]string, 0, len(items))
		for _, it := range items {
			s, _ := it.(string)
			ns = append(ns, s)
		}
	}
	return TableName{Namespace: ns, Name: nativeString(m, "name")}, nil
}

func dataFilesToNative(files []DataFile) []interface{} {
	if files == nil {
		return nil
	}
	out := make([]interface{}, 0, len(files))
	for _, f := range files {
		out = append(out, fileToNative(f.Path, f.PartitionValues, f.RecordCount, f.FileSizeBytes))
	}
	return out
}

func deleteFilesToNative(files []DeleteFile) []interface{} {
	if files == nil {
		return nil
	}
	out := make([]interface{}, 0, len(files))
	for _, f := range files {
		out = append(out, fileToNative(f.Path, f.PartitionValues, f.RecordCount, f.FileSizeBytes))
	}
	return out
}

func fileToNative(path string, partitionValues map[string]string, recordCount, fileSizeBytes int64) map[string]interface{} {
	return map[string]interface{}{
		"path":             path,
		"partition_values": unionStringMap(partitionValues),
		"record_count":     recordCount,
		"file_size_bytes":  fileSizeBytes,
	}
}

func dataFilesFromNative(m map[string]interface{}, key string) ([]DataFile, error) {
	items, present := optionalArray(m, key)
	if !present {
		return nil, nil
	}
	out := make([]DataFile, 0, len(items))
	for i, it := range items {
		path, pv, rc, sz, err := fileFromNative(it)
		if err != nil {
			return nil, fmt.Errorf("%s[%d]: %w", key, i, err)
		}
		out = append(out, DataFile{Path: path, PartitionValues: pv, RecordCount: rc, FileSizeBytes: sz})
	}
	return out, nil
}

func deleteFilesFromNative(m map[string]interface{}, key string) ([]DeleteFile, error) {
	items, present := optionalArray(m, key)
	if !present {
		return nil, nil
	}
	out := make([]DeleteFile, 0, len(items))
	for i, it := range items {
		path, pv, rc, sz, err := fileFromNative(it)
		if err != nil {
			return nil, fmt.Errorf("%s[%d]: %w", key, i, err)
		}
		out = append(out, DeleteFile{Path: path, PartitionValues: pv, RecordCount: rc, FileSizeBytes: sz})
	}
	return out, nil
}

func fileFromNative(v interface{}) (path string, pv map[string]string, recordCount, fileSizeBytes int64, err error) {
	m, ok := v.(map[string]interface{})
	if !ok {
		return "", nil, 0, 0, errors.New("file entry is not a record")
	}
	path, ok = m["path"].(string)
	if !ok {
		return "", nil, 0, 0, errors.New("file entry missing path")
	}
	recordCount, _ = nativeInt64(m, "record_count")
	fileSizeBytes, _ = nativeInt64(m, "file_size_bytes")
	return path, optionalStringMap(m, "partition_values"), recordCount, fileSizeBytes, nil
}

func assignmentsToNative(assignments []TopicPartitionOffset) []interface{} {
	if assignments == nil {
		return nil
	}
	out := make([]interface{}, 0, len(assignments))
	for _, a := range assignments {
		out = append(out, map[string]interface{}{
			"topic":     a.Topic,
			"partition": a.Partition,
			"offset":    unionLong(a.Offset),
			"timestamp": unionLong(a.Timestamp),
		})
	}
	return out
}

func assignmentsFromNative(m map[string]interface{}, key string) ([]TopicPartitionOffset, error) {
	items, present := optionalArray(m, key)
	if !present {
		return nil, nil
	}
	out := make([]TopicPartitionOffset, 0, len(items))
	for i, it := range items {
		am, ok := it.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("%s[%d]: entry is not a record", key, i)
		}
		topic, ok := am["topic"].(string)
		if !ok {
			return nil, fmt.Errorf("%s[%d]: entry missing topic", key, i)
		}
		partition, _ := nativeInt32(am, "partition")
		out = append(out, TopicPartitionOffset{
			Topic:     topic,
			Partition: partition,
			Offset:    optionalLong(am, "offset"),
			Timestamp: optionalLong(am, "timestamp"),
		})
	}
	return out, nil
}

func uuidField(m map[string]interface{}, key string) (uuid.UUID, error) {
	s, ok := m[key].(string)
	if !ok {
		return uuid.UUID{}, fmt.Errorf("missing %s", key)
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.UUID{}, fmt.Errorf("parse %s: %w", key, err)
	}
	return id, nil
}

func nativeString(m map[string]interface{}, key string) string {
	s, _ := m[key].(string)
	return s
}

func nativeInt32(m map[string]interface{}, key string) (int32, bool) {
	switch v := m[key].(type) {
	case int32:
		return v, true
	case int64:
		return int32(v), true
	case int:
		return int32(v), true
	}
	return 0, false
}

func nativeInt64(m map[string]interface{}, key string) (int64, bool) {
	switch v := m[key].(type) {
	case int64:
		return v, true
	case int32:
		return int64(v), true
	case int:
		return int64(v), true
	}
	return 0, false
}

// unionLong selects the long branch of a ["null","long"] union, or
// the null branch for a nil pointer.
func unionLong(v *int64) interface{} {
	if v == nil {
		return nil
	}
	return map[string]interface{}{"long": *v}
}

func optionalLong(m map[string]interface{}, key string) *int64 {
	u, ok := m[key].(map[string]interface{})
	if !ok {
		return nil
	}
	if v, ok := u["long"]; ok {
		switch n := v.(type) {
		case int64:
			out := n
			return &out
		case int32:
			out := int64(n)
			return &out
		case int:
			out := int64(n)
			return &out
		}
	}
	return nil
}

// unionArray selects the array branch of a nullable array union. A
// nil slice takes the null branch; a non-nil empty slice stays an
// array, so absent and empty survive a round trip distinctly.
func unionArray(items []interface{}) interface{} {
	if items == nil {
		return nil
	}
	return map[string]interface{}{"array": items}
}

func optionalArray(m map[string]interface{}, key string) ([]interface{}, bool) {
	u, ok := m[key].(map[string]interface{})
	if !ok {
		return nil, false
	}
	items, ok := u["array"].([]interface{})
	return items, ok
}

func unionStringMap(m map[string]string) interface{} {
	if m == nil {
		return nil
	}
	native := make(map[string]interface{}, len(m))
	for k, v := range m {
		native[k] = v
	}
	return map[string]interface{}{"map": native}
}

func optionalStringMap(m map[string]interface{}, key string) map[string]string {
	u, ok := m[key].(map[string]interface{})
	if !ok {
		return nil
	}
	raw, ok := u["map"].(map[string]interface{})
	if !ok {
		return nil
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		s, _ := v.(string)
		out[k] = s
	}
	return out
}
