// Package feishu mirrors device states and invocation summaries into Feishu
// bitable tables.
package feishu

import (
	"context"
	"net/url"
	"strings"

	lark "github.com/larksuite/oapi-sdk-go/v3"
	larkcore "github.com/larksuite/oapi-sdk-go/v3/core"
	larkbitable "github.com/larksuite/oapi-sdk-go/v3/service/bitable/v1"
	"github.com/pkg/errors"

	"github.com/httprunner/TestAgent/internal/config"
)

// BitableRef points at one table of a bitable app.
type BitableRef struct {
	RawURL   string
	AppToken string
	TableID  string
	ViewID   string
}

// ParseBitableURL extracts the app token and table id from links like
// https://xxx.feishu.cn/base/<app_token>?table=<table_id>&view=<view_id>.
func ParseBitableURL(raw string) (BitableRef, error) {
	ref := BitableRef{RawURL: strings.TrimSpace(raw)}
	if ref.RawURL == "" {
		return ref, errors.New("feishu: empty bitable url")
	}
	u, err := url.Parse(ref.RawURL)
	if err != nil {
		return ref, errors.Wrap(err, "feishu: invalid bitable url")
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return ref, errors.Errorf("feishu: unsupported url scheme %q", u.Scheme)
	}
	segments := strings.FieldsFunc(strings.Trim(u.Path, "/"), func(r rune) bool { return r == '/' })
	for i := 0; i < len(segments)-1; i++ {
		if segments[i] == "base" {
			ref.AppToken = segments[i+1]
			break
		}
	}
	if ref.AppToken == "" {
		return ref, errors.New("feishu: missing app token in bitable url")
	}
	q := u.Query()
	for _, key := range []string{"table", "tableId", "table_id"} {
		if v := strings.TrimSpace(q.Get(key)); v != "" {
			ref.TableID = v
			break
		}
	}
	if ref.TableID == "" {
		return ref, errors.New("feishu: missing table id in bitable url")
	}
	for _, key := range []string{"view", "viewId", "view_id"} {
		if v := strings.TrimSpace(q.Get(key)); v != "" {
			ref.ViewID = v
			break
		}
	}
	return ref, nil
}

// recordAPI is the slice of the bitable record service the recorders use.
type recordAPI interface {
	// Find returns the id of the first record whose field equals value, or "".
	Find(ctx context.Context, ref BitableRef, field, value string) (string, error)
	Create(ctx context.Context, ref BitableRef, fields map[string]any) (string, error)
	Update(ctx context.Context, ref BitableRef, recordID string, fields map[string]any) error
}

type larkRecordService interface {
	Search(ctx context.Context, req *larkbitable.SearchAppTableRecordReq, options ...larkcore.RequestOptionFunc) (*larkbitable.SearchAppTableRecordResp, error)
	Create(ctx context.Context, req *larkbitable.CreateAppTableRecordReq, options ...larkcore.RequestOptionFunc) (*larkbitable.CreateAppTableRecordResp, error)
	Update(ctx context.Context, req *larkbitable.UpdateAppTableRecordReq, options ...larkcore.RequestOptionFunc) (*larkbitable.UpdateAppTableRecordResp, error)
}

type sdkRecordAPI struct {
	svc larkRecordService
}

func (a sdkRecordAPI) Find(ctx context.Context, ref BitableRef, field, value string) (string, error) {
	body := larkbitable.NewSearchAppTableRecordReqBodyBuilder().
		Filter(&larkbitable.FilterInfo{
			Conjunction: larkcore.StringPtr("and"),
			Conditions: []*larkbitable.Condition{{
				FieldName: larkcore.StringPtr(field),
				Operator:  larkcore.StringPtr("is"),
				Value:     []string{value},
			}},
		}).
		Build()
	req := larkbitable.NewSearchAppTableRecordReqBuilder().
		AppToken(ref.AppToken).
		TableId(ref.TableID).
		PageSize(1).
		Body(body).
		Build()
	resp, err := a.svc.Search(ctx, req)
	if err != nil {
		return "", errors.Wrap(err, "feishu: search record request failed")
	}
	if resp == nil || resp.ApiResp == nil {
		return "", errors.New("feishu: empty response when searching records")
	}
	if err := ensureSDKSuccess("search record", resp.Success(), resp.Code, resp.Msg, resp.RequestId()); err != nil {
		return "", err
	}
	if resp.Data == nil {
		return "", nil
	}
	for _, item := range resp.Data.Items {
		if item == nil {
			continue
		}
		if id := strings.TrimSpace(larkcore.StringValue(item.RecordId)); id != "" {
			return id, nil
		}
	}
	return "", nil
}

func (a sdkRecordAPI) Create(ctx context.Context, ref BitableRef, fields map[string]any) (string, error) {
	req := larkbitable.NewCreateAppTableRecordReqBuilder().
		AppToken(ref.AppToken).
		TableId(ref.TableID).
		AppTableRecord(larkbitable.NewAppTableRecordBuilder().Fields(fields).Build()).
		Build()
	resp, err := a.svc.Create(ctx, req)
	if err != nil {
		return "", errors.Wrap(err, "feishu: create record request failed")
	}
	if resp == nil || resp.ApiResp == nil {
		return "", errors.New("feishu: empty response when creating record")
	}
	if err := ensureSDKSuccess("create record", resp.Success(), resp.Code, resp.Msg, resp.RequestId()); err != nil {
		return "", err
	}
	if resp.Data == nil || resp.Data.Record == nil {
		return "", errors.New("feishu: create record response missing record")
	}
	id := strings.TrimSpace(larkcore.StringValue(resp.Data.Record.RecordId))
	if id == "" {
		return "", errors.New("feishu: create record response missing record id")
	}
	return id, nil
}

func (a sdkRecordAPI) Update(ctx context.Context, ref BitableRef, recordID string, fields map[string]any) error {
	req := larkbitable.NewUpdateAppTableRecordReqBuilder().
		AppToken(ref.AppToken).
		TableId(ref.TableID).
		RecordId(recordID).
		AppTableRecord(larkbitable.NewAppTableRecordBuilder().Fields(fields).Build()).
		Build()
	resp, err := a.svc.Update(ctx, req)
	if err != nil {
		return errors.Wrap(err, "feishu: update record request failed")
	}
	if resp == nil || resp.ApiResp == nil {
		return errors.New("feishu: empty response when updating record")
	}
	return ensureSDKSuccess("update record", resp.Success(), resp.Code, resp.Msg, resp.RequestId())
}

func ensureSDKSuccess(action string, ok bool, code int, msg, logID string) error {
	if ok {
		return nil
	}
	if strings.TrimSpace(logID) == "" {
		return errors.Errorf("feishu: %s failed code=%d msg=%s", action, code, msg)
	}
	return errors.Errorf("feishu: %s failed code=%d msg=%s log_id=%s", action, code, msg, logID)
}

// ClientConfig holds the app credentials.
type ClientConfig struct {
	AppID     string
	AppSecret string
	// BaseURL defaults to https://open.feishu.cn.
	BaseURL string
}

// Client talks to the bitable record API.
type Client struct {
	records recordAPI
}

// NewClient builds a client backed by the lark SDK. The SDK fetches and
// caches the tenant access token itself.
func NewClient(cfg ClientConfig) (*Client, error) {
	if strings.TrimSpace(cfg.AppID) == "" || strings.TrimSpace(cfg.AppSecret) == "" {
		return nil, errors.Errorf("feishu: %s and %s must be set", config.KeyFeishuAppID, config.KeyFeishuAppSecret)
	}
	opts := []lark.ClientOptionFunc{lark.WithLogLevel(larkcore.LogLevelError)}
	if base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"); base != "" && base != lark.FeishuBaseUrl {
		opts = append(opts, lark.WithOpenBaseUrl(base))
	}
	cli := lark.NewClient(cfg.AppID, cfg.AppSecret, opts...)
	return &Client{records: sdkRecordAPI{svc: cli.Bitable.V1.AppTableRecord}}, nil
}

// NewClientFromEnv reads credentials from FEISHU_APP_ID, FEISHU_APP_SECRET
// and the optional FEISHU_BASE_URL.
func NewClientFromEnv() (*Client, error) {
	return NewClient(ClientConfig{
		AppID:     config.String(config.KeyFeishuAppID, ""),
		AppSecret: config.String(config.KeyFeishuAppSecret, ""),
		BaseURL:   config.String(config.KeyFeishuBaseURL, ""),
	})
}

// upsert updates the row whose key field equals key, creating it when absent.
// cache maps keys to known record ids and is updated in place.
func (c *Client) upsert(ctx context.Context, ref BitableRef, keyField, key string, fields map[string]any, cache map[string]string) error {
	recordID := cache[key]
	if recordID == "" {
		id, err := c.records.Find(ctx, ref, keyField, key)
		if err != nil {
			return err
		}
		recordID = id
	}
	if recordID == "" {
		id, err := c.records.Create(ctx, ref, fields)
		if err != nil {
			return err
		}
		cache[key] = id
		return nil
	}
	if err := c.records.Update(ctx, ref, recordID, fields); err != nil {
		return err
	}
	cache[key] = recordID
	return nil
}
