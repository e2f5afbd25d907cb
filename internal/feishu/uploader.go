package feishu

import (
	"context"
	"strings"

	"github.com/httprunner/TestAgent/internal/config"
	"github.com/httprunner/TestAgent/pkg/storage"
)

// ResultFields names the invocation summary table columns.
type ResultFields struct {
	InvocationID   string
	ParentID       string
	Config         string
	Serials        string
	Shard          string
	State          string
	StartAt        string
	EndAt          string
	ElapsedSeconds string
	Passed         string
	Failed         string
	Total          string
	ErrorClass     string
	ErrorMessage   string
}

// DefaultResultFields matches the column names of the shared result table.
var DefaultResultFields = ResultFields{
	InvocationID:   "InvocationID",
	ParentID:       "ParentID",
	Config:         "Config",
	Serials:        "Serials",
	Shard:          "Shard",
	State:          "State",
	StartAt:        "StartAt",
	EndAt:          "EndAt",
	ElapsedSeconds: "ElapsedSeconds",
	Passed:         "Passed",
	Failed:         "Failed",
	Total:          "Total",
	ErrorClass:     "ErrorClass",
	ErrorMessage:   "ErrorMessage",
}

// ResultUploader writes finished invocations from the local store into a
// bitable table, one row per invocation id.
type ResultUploader struct {
	client    *Client
	ref       BitableRef
	fields    ResultFields
	recordIDs map[string]string
}

var _ storage.Uploader = (*ResultUploader)(nil)

// NewResultUploader uploads into the table at rawURL.
func NewResultUploader(client *Client, rawURL string, fields ResultFields) (*ResultUploader, error) {
	ref, err := ParseBitableURL(rawURL)
	if err != nil {
		return nil, err
	}
	return &ResultUploader{client: client, ref: ref, fields: fields, recordIDs: make(map[string]string)}, nil
}

// NewResultUploaderFromEnv returns nil when RESULT_BITABLE_URL is unset.
func NewResultUploaderFromEnv() (*ResultUploader, error) {
	rawURL := config.String(config.KeyResultBitableURL, "")
	if rawURL == "" {
		return nil, nil
	}
	client, err := NewClientFromEnv()
	if err != nil {
		return nil, err
	}
	return NewResultUploader(client, rawURL, DefaultResultFields)
}

func (u *ResultUploader) Name() string { return "feishu" }

// UploadInvocation is called from the single reporter goroutine.
func (u *ResultUploader) UploadInvocation(ctx context.Context, row storage.InvocationRow) error {
	payload := map[string]any{
		u.fields.InvocationID:   row.ID,
		u.fields.State:          row.State,
		u.fields.ElapsedSeconds: row.ElapsedSeconds,
		u.fields.Passed:         row.Passed,
		u.fields.Failed:         row.Failed,
		u.fields.Total:          row.Total,
	}
	addOptionalField(payload, u.fields.ParentID, row.ParentID)
	addOptionalField(payload, u.fields.Config, row.Config)
	addOptionalField(payload, u.fields.Serials, strings.Join(row.Serials, ","))
	addOptionalField(payload, u.fields.ErrorClass, row.ErrorClass)
	addOptionalField(payload, u.fields.ErrorMessage, row.ErrorMessage)
	if row.ShardCount > 1 {
		payload[u.fields.Shard] = row.ShardIndex
	}
	if !row.StartAt.IsZero() {
		payload[u.fields.StartAt] = row.StartAt.UnixMilli()
	}
	if !row.EndAt.IsZero() {
		payload[u.fields.EndAt] = row.EndAt.UnixMilli()
	}
	return u.client.upsert(ctx, u.ref, u.fields.InvocationID, row.ID, payload, u.recordIDs)
}
