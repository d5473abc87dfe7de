package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ankurbansal-tradedoubler/iceberg/events"
)

const defaultRequestTimeout = 10 * time.Second

// HTTPTableService drives a table service speaking JSON over HTTP.
//
//	POST {base}/v1/tables/{table}/stage   -> {transactionId, baseSnapshotId}
//	POST {base}/v1/tables/{table}/commit  -> {snapshotId}, 409 on conflict
//	GET  {base}/v1/tables/{table}/offsets -> {offsets}, 404 when absent
type HTTPTableService struct {
	baseURL string
	client  *http.Client
	logger  *zap.Logger
}

type HTTPOption func(*HTTPTableService)

// WithHTTPClient substitutes the HTTP client, including its timeout.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(s *HTTPTableService) {
		s.client = c
	}
}

func NewHTTPTableService(baseURL string, logger *zap.Logger, opts ...HTTPOption) *HTTPTableService {
	s := &HTTPTableService{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: defaultRequestTimeout},
		logger:  logger.Named("TableService"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type fileJSON struct {
	Path            string            `json:"path"`
	PartitionValues map[string]string `json:"partitionValues,omitempty"`
	RecordCount     int64             `json:"recordCount"`
	FileSizeBytes   int64             `json:"fileSizeBytes"`
}

type stageRequest struct {
	DataFiles   []fileJSON `json:"dataFiles"`
	DeleteFiles []fileJSON `json:"deleteFiles"`
}

type stageResponse struct {
	TransactionID  string `json:"transactionId"`
	BaseSnapshotID int64  `json:"baseSnapshotId"`
}

type commitRequest struct {
	TransactionID string            `json:"transactionId"`
	Properties    map[string]string `json:"properties"`
}

type commitResponse struct {
	SnapshotID int64 `json:"snapshotId"`
}

type offsetsResponse struct {
	Offsets map[string]int64 `json:"offsets"`
}

func (s *HTTPTableService) Stage(ctx context.Context, table events.TableName, data []events.DataFile, del []events.DeleteFile) (StagedTransaction, error) {
	req := stageRequest{
		DataFiles:   dataFilesJSON(data),
		DeleteFiles: deleteFilesJSON(del),
	}
	var resp stageResponse
	status, err := s.post(ctx, s.tableURL(table, "stage"), req, &resp)
	if err != nil {
		return StagedTransaction{}, err
	}
	if status != http.StatusOK {
		return StagedTransaction{}, fmt.Errorf("stage %s: unexpected status %d", table, status)
	}
	return StagedTransaction{
		Table:          table,
		ID:             resp.TransactionID,
		BaseSnapshotID: resp.BaseSnapshotID,
		DataFiles:      data,
		DeleteFiles:    del,
	}, nil
}

func (s *HTTPTableService) Commit(ctx context.Context, txn StagedTransaction, props map[string]string) (CommitResult, error) {
	req := commitRequest{TransactionID: txn.ID, Properties: props}
	var resp commitResponse
	status, err := s.post(ctx, s.tableURL(txn.Table, "commit"), req, &resp)
	if err != nil {
		return CommitResult{}, err
	}
	switch status {
	case http.StatusOK:
		return CommitResult{SnapshotID: resp.SnapshotID}, nil
	case http.StatusConflict:
		return CommitResult{}, fmt.Errorf("%s: %w", txn.Table, ErrCommitConflict)
	default:
		return CommitResult{}, fmt.Errorf("commit %s: unexpected status %d", txn.Table, status)
	}
}

func (s *HTTPTableService) CommittedOffsets(ctx context.Context, table events.TableName) (map[string]int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.tableURL(table, "offsets"), nil)
	if err != nil {
		return nil, fmt.Errorf("offsets %s: %w", table, err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("offsets %s: %w", table, err)
	}
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("offsets %s: read response: %w", table, err)
	}
	if resp.StatusCode == http.StatusNotFound {
		return map[string]int64{}, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("offsets %s: unexpected status %d", table, resp.StatusCode)
	}
	var out offsetsResponse
	if err := json.Unmarshal(body, &out); err != nil {
		s.logger.Error("failed to unmarshal offsets response", zap.Error(err), zap.String("body", string(body)))
		return nil, fmt.Errorf("offsets %s: %w", table, err)
	}
	if out.Offsets == nil {
		return map[string]int64{}, nil
	}
	return out.Offsets, nil
}

func (s *HTTPTableService) post(ctx context.Context, url string, in interface{}, out interface{}) (int, error) {
	reqBody, err := json.Marshal(in)
	if err != nil {
		return 0, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(reqBody))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return 0, err
	}
	respBody, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return 0, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode == http.StatusOK {
		if err := json.Unmarshal(respBody, out); err != nil {
			s.logger.Error("failed to unmarshal table service response", zap.Error(err), zap.String("body", string(respBody)))
			return 0, fmt.Errorf("unmarshal response: %w", err)
		}
	}
	return resp.StatusCode, nil
}

func (s *HTTPTableService) tableURL(table events.TableName, op string) string {
	return fmt.Sprintf("%s/v1/tables/%s/%s", s.baseURL, url.PathEscape(table.String()), op)
}

func dataFilesJSON(files []events.DataFile) []fileJSON {
	out := make([]fileJSON, 0, len(files))
	for _, f := range files {
		out = append(out, fileJSON{
			Path:            f.Path,
			PartitionValues: f.PartitionValues,
			RecordCount:     f.RecordCount,
			FileSizeBytes:   f.FileSizeBytes,
		})
	}
	return out
}

func deleteFilesJSON(files []events.DeleteFile) []fileJSON {
	out := make([]fileJSON, 0, len(files))
	for _, f := range files {
		out = append(out, fileJSON{
			Path:            f.Path,
			PartitionValues: f.PartitionValues,
			RecordCount:     f.RecordCount,
			FileSizeBytes:   f.FileSizeBytes,
		})
	}
	return out
}
