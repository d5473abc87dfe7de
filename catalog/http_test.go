package catalog

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/ankurbansal-tradedoubler/iceberg/events"
)

func TestHTTPStageAndCommit(t *testing.T) {
	var stagedBody stageRequest
	var committedBody commitRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/tables/db.events/stage":
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&stagedBody))
			json.NewEncoder(w).Encode(stageResponse{TransactionID: "txn-9", BaseSnapshotID: 3})
		case "/v1/tables/db.events/commit":
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&committedBody))
			json.NewEncoder(w).Encode(commitResponse{SnapshotID: 4})
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	svc := NewHTTPTableService(srv.URL, zap.NewNop())
	ctx := context.Background()
	data := []events.DataFile{{Path: "f1.avro", PartitionValues: map[string]string{"day": "2023-11-02"}, RecordCount: 5, FileSizeBytes: 50}}

	txn, err := svc.Stage(ctx, testTable, data, nil)
	assert.NoError(t, err)
	assert.Equal(t, "txn-9", txn.ID)
	assert.Equal(t, int64(3), txn.BaseSnapshotID)
	assert.Equal(t, "f1.avro", stagedBody.DataFiles[0].Path)
	assert.Empty(t, stagedBody.DeleteFiles)

	res, err := svc.Commit(ctx, txn, map[string]string{PropertyCommitID: "abc"})
	assert.NoError(t, err)
	assert.Equal(t, int64(4), res.SnapshotID)
	assert.Equal(t, "txn-9", committedBody.TransactionID)
	assert.Equal(t, "abc", committedBody.Properties[PropertyCommitID])
}

func TestHTTPCommitConflict(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	}))
	defer srv.Close()

	svc := NewHTTPTableService(srv.URL, zap.NewNop())

	_, err := svc.Commit(context.Background(), StagedTransaction{Table: testTable, ID: "txn-1"}, nil)

	assert.ErrorIs(t, err, ErrCommitConflict)
}

func TestHTTPCommitUnexpectedStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	svc := NewHTTPTableService(srv.URL, zap.NewNop())

	_, err := svc.Commit(context.Background(), StagedTransaction{Table: testTable, ID: "txn-1"}, nil)

	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrCommitConflict)
}

func TestHTTPCommittedOffsets(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/tables/db.events/offsets", r.URL.Path)
		json.NewEncoder(w).Encode(offsetsResponse{Offsets: map[string]int64{"src/0": 10}})
	}))
	defer srv.Close()

	svc := NewHTTPTableService(srv.URL, zap.NewNop())

	offsets, err := svc.CommittedOffsets(context.Background(), testTable)

	assert.NoError(t, err)
	assert.Equal(t, map[string]int64{"src/0": 10}, offsets)
}

func TestHTTPCommittedOffsetsAbsentTable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	svc := NewHTTPTableService(srv.URL, zap.NewNop())

	offsets, err := svc.CommittedOffsets(context.Background(), testTable)

	assert.NoError(t, err)
	assert.Empty(t, offsets)
}
