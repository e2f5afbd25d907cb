package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	pkgerrors "github.com/pkg/errors"

	testagent "github.com/httprunner/TestAgent"
)

// Recorder persists device snapshots and invocation lifecycles into the store.
type Recorder struct {
	store *Store
}

var _ testagent.DeviceRecorder = (*Recorder)(nil)

// NewRecorder returns a recorder backed by store.
func NewRecorder(store *Store) *Recorder {
	return &Recorder{store: store}
}

func (r *Recorder) UpsertDevices(ctx context.Context, devices []testagent.DeviceInfoUpdate) error {
	if r == nil || r.store == nil || len(devices) == 0 {
		return nil
	}
	stmt := fmt.Sprintf(`INSERT INTO %s (serial, status, product, os_version, agent_version, provider_uuid, last_error, removed, last_seen_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(serial) DO UPDATE SET
			status=excluded.status,
			product=COALESCE(NULLIF(excluded.product, ''), product),
			os_version=COALESCE(NULLIF(excluded.os_version, ''), os_version),
			agent_version=excluded.agent_version,
			provider_uuid=excluded.provider_uuid,
			last_error=excluded.last_error,
			removed=excluded.removed,
			last_seen_at=excluded.last_seen_at`, quoteIdent(devicesTable))
	for _, dev := range devices {
		serial := strings.TrimSpace(dev.DeviceSerial)
		if serial == "" {
			continue
		}
		seen := dev.LastSeenAt
		if seen.IsZero() {
			seen = time.Now()
		}
		removed := 0
		if dev.Removed {
			removed = 1
		}
		if err := execWithRetry(ctx, r.store.db, stmt, serial, dev.Status, dev.Product, dev.OSVersion,
			dev.AgentVersion, dev.ProviderUUID, dev.LastError, removed, seen.UnixMilli()); err != nil {
			return pkgerrors.Wrapf(err, "storage: upsert device %s failed", serial)
		}
	}
	return nil
}

func (r *Recorder) CreateInvocation(ctx context.Context, rec *testagent.InvocationRecord) error {
	if r == nil || r.store == nil || rec == nil {
		return nil
	}
	stmt := fmt.Sprintf(`INSERT INTO %s (id, command_id, parent_id, config, serials, shard_index, shard_count, state, start_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET state=excluded.state, serials=excluded.serials`, quoteIdent(invocationsTable))
	err := execWithRetry(ctx, r.store.db, stmt, rec.InvocationID, rec.CommandID, rec.ParentID, rec.Config,
		strings.Join(rec.Serials, ","), rec.ShardIndex, rec.ShardCount, rec.State, unixMilli(rec.StartAt))
	return pkgerrors.Wrapf(err, "storage: create invocation %s failed", rec.InvocationID)
}

func (r *Recorder) UpdateInvocation(ctx context.Context, invocationID string, upd *testagent.InvocationUpdate) error {
	if r == nil || r.store == nil || upd == nil {
		return nil
	}
	var endAt sql.NullInt64
	if upd.EndAt != nil {
		endAt = unixMilli(*upd.EndAt)
	}
	var elapsed sql.NullInt64
	if upd.ElapsedSeconds != nil {
		elapsed = sql.NullInt64{Int64: *upd.ElapsedSeconds, Valid: true}
	}
	stmt := fmt.Sprintf(`UPDATE %s SET state=?, end_at=COALESCE(?, end_at), elapsed_seconds=COALESCE(?, elapsed_seconds),
		error_class=?, error_message=?, %s=%d, %s=NULL, %s=NULL WHERE id=?`,
		quoteIdent(invocationsTable), quoteIdent(reportedColumn), reportStatusPending,
		quoteIdent(reportedAtColumn), quoteIdent(reportErrorColumn))
	err := execWithRetry(ctx, r.store.db, stmt, upd.State, endAt, elapsed, upd.ErrorClass,
		truncateError(upd.ErrorMessage), invocationID)
	return pkgerrors.Wrapf(err, "storage: update invocation %s failed", invocationID)
}
