package testagent

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// DeviceInfoUpdate captures snapshot metadata for a device.
type DeviceInfoUpdate struct {
	DeviceSerial string
	Status       string
	Product      string
	OSVersion    string
	AgentVersion string
	ProviderUUID string
	LastError    string
	Removed      bool
	LastSeenAt   time.Time
}

// InvocationRecord describes one dispatched invocation.
type InvocationRecord struct {
	InvocationID string
	CommandID    string
	ParentID     string
	Config       string
	Serials      []string
	ShardIndex   int
	ShardCount   int
	State        string
	StartAt      time.Time
}

// InvocationUpdate describes the terminal state of an invocation.
type InvocationUpdate struct {
	State          string
	EndAt          *time.Time
	ElapsedSeconds *int64
	ErrorClass     string
	ErrorMessage   string
}

// Invocation states written to recorders.
const (
	InvocationStateRunning           = "running"
	InvocationStateSuccess           = "success"
	InvocationStateFailed            = "failed"
	InvocationStateSharded           = "sharded"
	InvocationStateDeviceLost        = "device_lost"
	InvocationStateAllocationTimeout = "allocation_timeout"
	InvocationStateDropped           = "dropped"
)

// DeviceRecorder receives callbacks from the scheduler to persist device and invocation state.
type DeviceRecorder interface {
	UpsertDevices(ctx context.Context, devices []DeviceInfoUpdate) error
	CreateInvocation(ctx context.Context, rec *InvocationRecord) error
	UpdateInvocation(ctx context.Context, invocationID string, upd *InvocationUpdate) error
}

type noopRecorder struct{}

func (noopRecorder) UpsertDevices(ctx context.Context, devices []DeviceInfoUpdate) error { return nil }
func (noopRecorder) CreateInvocation(ctx context.Context, rec *InvocationRecord) error   { return nil }
func (noopRecorder) UpdateInvocation(ctx context.Context, invocationID string, upd *InvocationUpdate) error {
	return nil
}

// MultiRecorder fans recorder calls out to every non-nil recorder. A failing
// recorder is logged and does not stop the others.
type MultiRecorder []DeviceRecorder

func (m MultiRecorder) UpsertDevices(ctx context.Context, devices []DeviceInfoUpdate) error {
	for _, r := range m {
		if r == nil {
			continue
		}
		if err := r.UpsertDevices(ctx, devices); err != nil {
			log.Error().Err(err).Int("devices", len(devices)).Msg("device recorder upsert failed")
		}
	}
	return nil
}

func (m MultiRecorder) CreateInvocation(ctx context.Context, rec *InvocationRecord) error {
	for _, r := range m {
		if r == nil {
			continue
		}
		if err := r.CreateInvocation(ctx, rec); err != nil {
			log.Error().Err(err).Str("invocation", rec.InvocationID).Msg("device recorder create invocation failed")
		}
	}
	return nil
}

func (m MultiRecorder) UpdateInvocation(ctx context.Context, invocationID string, upd *InvocationUpdate) error {
	for _, r := range m {
		if r == nil {
			continue
		}
		if err := r.UpdateInvocation(ctx, invocationID, upd); err != nil {
			log.Error().Err(err).Str("invocation", invocationID).Msg("device recorder update invocation failed")
		}
	}
	return nil
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
