package feishu

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	testagent "github.com/httprunner/TestAgent"
	"github.com/httprunner/TestAgent/internal/config"
)

// DeviceFields names the device table columns.
type DeviceFields struct {
	DeviceSerial      string
	Product           string
	OSVersion         string
	ProviderUUID      string
	AgentVersion      string
	Status            string
	LastSeenAt        string
	LastError         string
	RunningInvocation string
}

// DefaultDeviceFields matches the column names of the shared device table.
var DefaultDeviceFields = DeviceFields{
	DeviceSerial:      "DeviceSerial",
	Product:           "Product",
	OSVersion:         "OSVersion",
	ProviderUUID:      "ProviderUUID",
	AgentVersion:      "AgentVersion",
	Status:            "Status",
	LastSeenAt:        "LastSeenAt",
	LastError:         "LastError",
	RunningInvocation: "RunningInvocation",
}

// DeviceFieldsFromEnv applies DEVICE_FIELD_* overrides to the defaults.
func DeviceFieldsFromEnv() DeviceFields {
	f := DefaultDeviceFields
	f.DeviceSerial = config.String("DEVICE_FIELD_SERIAL", f.DeviceSerial)
	f.Product = config.String("DEVICE_FIELD_PRODUCT", f.Product)
	f.OSVersion = config.String("DEVICE_FIELD_OS_VERSION", f.OSVersion)
	f.ProviderUUID = config.String("DEVICE_FIELD_PROVIDER_UUID", f.ProviderUUID)
	f.AgentVersion = config.String("DEVICE_FIELD_AGENT_VERSION", f.AgentVersion)
	f.Status = config.String("DEVICE_FIELD_STATUS", f.Status)
	f.LastSeenAt = config.String("DEVICE_FIELD_LAST_SEEN_AT", f.LastSeenAt)
	f.LastError = config.String("DEVICE_FIELD_LAST_ERROR", f.LastError)
	f.RunningInvocation = config.String("DEVICE_FIELD_RUNNING_INVOCATION", f.RunningInvocation)
	return f
}

// DeviceRecorder keeps one bitable row per device serial up to date.
// Upload failures are logged and never returned to the scheduler.
type DeviceRecorder struct {
	client *Client
	ref    BitableRef
	fields DeviceFields
	clock  func() time.Time

	mu        sync.Mutex
	recordIDs map[string]string
	running   map[string][]string
}

var _ testagent.DeviceRecorder = (*DeviceRecorder)(nil)

// NewDeviceRecorder mirrors devices into the table at rawURL.
func NewDeviceRecorder(client *Client, rawURL string, fields DeviceFields) (*DeviceRecorder, error) {
	ref, err := ParseBitableURL(rawURL)
	if err != nil {
		return nil, err
	}
	return &DeviceRecorder{
		client:    client,
		ref:       ref,
		fields:    fields,
		recordIDs: make(map[string]string),
		running:   make(map[string][]string),
	}, nil
}

// NewDeviceRecorderFromEnv returns nil when DEVICE_BITABLE_URL is unset,
// allowing graceful opt-out.
func NewDeviceRecorderFromEnv() (*DeviceRecorder, error) {
	rawURL := config.String(config.KeyDeviceBitableURL, "")
	if rawURL == "" {
		return nil, nil
	}
	client, err := NewClientFromEnv()
	if err != nil {
		return nil, err
	}
	return NewDeviceRecorder(client, rawURL, DeviceFieldsFromEnv())
}

func (r *DeviceRecorder) UpsertDevices(ctx context.Context, devices []testagent.DeviceInfoUpdate) error {
	if r == nil || len(devices) == 0 {
		return nil
	}
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, d := range devices {
		serial := strings.TrimSpace(d.DeviceSerial)
		if serial == "" {
			log.Warn().Str("status", d.Status).Msg("feishu recorder: skip device without serial")
			continue
		}
		seen := d.LastSeenAt
		if seen.IsZero() {
			seen = now
		}
		payload := map[string]any{
			r.fields.DeviceSerial: serial,
			r.fields.Status:       d.Status,
			r.fields.LastSeenAt:   seen.UnixMilli(),
		}
		addOptionalField(payload, r.fields.Product, d.Product)
		addOptionalField(payload, r.fields.OSVersion, d.OSVersion)
		addOptionalField(payload, r.fields.ProviderUUID, d.ProviderUUID)
		addOptionalField(payload, r.fields.AgentVersion, d.AgentVersion)
		if r.fields.LastError != "" {
			payload[r.fields.LastError] = d.LastError
		}
		if err := r.client.upsert(ctx, r.ref, r.fields.DeviceSerial, serial, payload, r.recordIDs); err != nil {
			log.Error().Err(err).Str("serial", serial).Str("status", d.Status).
				Msg("feishu recorder: upsert device failed")
		}
	}
	return nil
}

// CreateInvocation marks the invocation's devices as running it.
func (r *DeviceRecorder) CreateInvocation(ctx context.Context, rec *testagent.InvocationRecord) error {
	if r == nil || rec == nil || r.fields.RunningInvocation == "" {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.running[rec.InvocationID] = append([]string(nil), rec.Serials...)
	r.setRunningLocked(ctx, rec.Serials, rec.InvocationID)
	return nil
}

// UpdateInvocation clears the running marker once the invocation has ended.
func (r *DeviceRecorder) UpdateInvocation(ctx context.Context, invocationID string, upd *testagent.InvocationUpdate) error {
	if r == nil || r.fields.RunningInvocation == "" {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	serials, ok := r.running[invocationID]
	if !ok {
		return nil
	}
	delete(r.running, invocationID)
	r.setRunningLocked(ctx, serials, "")
	return nil
}

func (r *DeviceRecorder) setRunningLocked(ctx context.Context, serials []string, invocationID string) {
	for _, serial := range serials {
		serial = strings.TrimSpace(serial)
		if serial == "" {
			continue
		}
		payload := map[string]any{
			r.fields.DeviceSerial:      serial,
			r.fields.RunningInvocation: invocationID,
		}
		if err := r.client.upsert(ctx, r.ref, r.fields.DeviceSerial, serial, payload, r.recordIDs); err != nil {
			log.Error().Err(err).Str("serial", serial).Str("invocation", invocationID).
				Msg("feishu recorder: update running invocation failed")
		}
	}
}

func (r *DeviceRecorder) now() time.Time {
	if r.clock != nil {
		return r.clock()
	}
	return time.Now()
}

func addOptionalField(dst map[string]any, column, value string) {
	if column == "" {
		return
	}
	if v := strings.TrimSpace(value); v != "" {
		dst[column] = v
	}
}
