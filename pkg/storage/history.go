package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	pkgerrors "github.com/pkg/errors"

	"github.com/httprunner/TestAgent/pkg/result"
)

// InvocationRow is one persisted invocation with its result counts.
type InvocationRow struct {
	ID             string
	CommandID      string
	ParentID       string
	Config         string
	Serials        []string
	ShardIndex     int
	ShardCount     int
	State          string
	StartAt        time.Time
	EndAt          time.Time
	ElapsedSeconds int64
	ErrorClass     string
	ErrorMessage   string
	Passed         int
	Failed         int
	Total          int
}

// ResultRow is one persisted test result.
type ResultRow struct {
	Module  string
	Run     string
	ID      result.TestIdentifier
	Status  result.TestStatus
	Trace   string
	Start   time.Time
	End     time.Time
	Metrics result.Metrics
}

// DeviceRow is the last known state of a device.
type DeviceRow struct {
	Serial       string
	Status       string
	Product      string
	OSVersion    string
	AgentVersion string
	ProviderUUID string
	LastError    string
	Removed      bool
	LastSeenAt   time.Time
}

// HistoryFilter narrows ListInvocations.
type HistoryFilter struct {
	Limit  int
	State  string
	Serial string
	// ParentID lists the shards of one split invocation.
	ParentID string
}

// History reads persisted invocations, results and devices.
type History struct {
	store *Store
}

// NewHistory returns a reader over store.
func NewHistory(store *Store) *History {
	return &History{store: store}
}

const invocationColumns = `i.id, i.command_id, i.parent_id, i.config, i.serials, i.shard_index, i.shard_count,
	i.state, i.start_at, i.end_at, i.elapsed_seconds, i.error_class, i.error_message,
	(SELECT COUNT(*) FROM test_results r WHERE r.invocation_id = i.id AND r.status = 'passed'),
	(SELECT COUNT(*) FROM test_results r WHERE r.invocation_id = i.id AND r.status = 'failed'),
	(SELECT COUNT(*) FROM test_results r WHERE r.invocation_id = i.id)`

// ListInvocations returns the newest invocations first.
func (h *History) ListInvocations(ctx context.Context, filter HistoryFilter) ([]InvocationRow, error) {
	if h == nil || h.store == nil {
		return nil, pkgerrors.New("storage: history reader nil")
	}
	var (
		where []string
		args  []any
	)
	if filter.State != "" {
		where = append(where, "i.state = ?")
		args = append(args, filter.State)
	}
	if filter.Serial != "" {
		where = append(where, "(',' || i.serials || ',') LIKE ?")
		args = append(args, "%,"+filter.Serial+",%")
	}
	if filter.ParentID != "" {
		where = append(where, "i.parent_id = ?")
		args = append(args, filter.ParentID)
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	query := fmt.Sprintf("SELECT %s FROM %s i", invocationColumns, quoteIdent(invocationsTable))
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY i.start_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := h.store.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "storage: query invocations failed")
	}
	defer rows.Close()
	var out []InvocationRow
	for rows.Next() {
		row, err := scanInvocation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, pkgerrors.Wrap(err, "storage: iterate invocations failed")
	}
	return out, nil
}

// Invocation returns one invocation, or sql.ErrNoRows wrapped when unknown.
func (h *History) Invocation(ctx context.Context, id string) (InvocationRow, error) {
	query := fmt.Sprintf("SELECT %s FROM %s i WHERE i.id = ?", invocationColumns, quoteIdent(invocationsTable))
	row, err := scanInvocation(h.store.db.QueryRowContext(ctx, query, id))
	if err != nil {
		return InvocationRow{}, pkgerrors.Wrapf(err, "storage: load invocation %s failed", id)
	}
	return row, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanInvocation(s scanner) (InvocationRow, error) {
	var (
		row                       InvocationRow
		commandID, parentID, cfg  sql.NullString
		serials, errClass, errMsg sql.NullString
		shardIndex, shardCount    sql.NullInt64
		startAt, endAt, elapsed   sql.NullInt64
	)
	if err := s.Scan(&row.ID, &commandID, &parentID, &cfg, &serials, &shardIndex, &shardCount,
		&row.State, &startAt, &endAt, &elapsed, &errClass, &errMsg,
		&row.Passed, &row.Failed, &row.Total); err != nil {
		return row, err
	}
	row.CommandID = commandID.String
	row.ParentID = parentID.String
	row.Config = cfg.String
	if serials.String != "" {
		row.Serials = strings.Split(serials.String, ",")
	}
	row.ShardIndex = int(shardIndex.Int64)
	row.ShardCount = int(shardCount.Int64)
	row.StartAt = fromMilli(startAt)
	row.EndAt = fromMilli(endAt)
	row.ElapsedSeconds = elapsed.Int64
	row.ErrorClass = errClass.String
	row.ErrorMessage = errMsg.String
	return row, nil
}

// TestResults returns the results of one invocation in insertion order.
func (h *History) TestResults(ctx context.Context, invocationID string) ([]ResultRow, error) {
	query := fmt.Sprintf(`SELECT module, run, class_name, test_name, status, trace, start_at, end_at, metrics
		FROM %s WHERE invocation_id = ? ORDER BY id ASC`, quoteIdent(testResultsTable))
	rows, err := h.store.db.QueryContext(ctx, query, invocationID)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "storage: query test results failed")
	}
	defer rows.Close()
	var out []ResultRow
	for rows.Next() {
		var (
			r                                ResultRow
			module, run, class, name, status sql.NullString
			trace, metrics                   sql.NullString
			start, end                       sql.NullInt64
		)
		if err := rows.Scan(&module, &run, &class, &name, &status, &trace, &start, &end, &metrics); err != nil {
			return nil, pkgerrors.Wrap(err, "storage: scan test result failed")
		}
		r.Module = module.String
		r.Run = run.String
		r.ID = result.NewTestID(class.String, name.String)
		r.Status = result.TestStatus(status.String)
		r.Trace = trace.String
		r.Start = fromMilli(start)
		r.End = fromMilli(end)
		r.Metrics = decodeMetrics(metrics.String)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, pkgerrors.Wrap(err, "storage: iterate test results failed")
	}
	return out, nil
}

// Devices returns every device ever recorded, sorted by serial.
func (h *History) Devices(ctx context.Context) ([]DeviceRow, error) {
	query := fmt.Sprintf(`SELECT serial, status, product, os_version, agent_version, provider_uuid,
		last_error, removed, last_seen_at FROM %s ORDER BY serial`, quoteIdent(devicesTable))
	rows, err := h.store.db.QueryContext(ctx, query)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "storage: query devices failed")
	}
	defer rows.Close()
	var out []DeviceRow
	for rows.Next() {
		var (
			d                                 DeviceRow
			status, product, osVersion, agent sql.NullString
			provider, lastError               sql.NullString
			removed                           int
			lastSeen                          sql.NullInt64
		)
		if err := rows.Scan(&d.Serial, &status, &product, &osVersion, &agent, &provider, &lastError, &removed, &lastSeen); err != nil {
			return nil, pkgerrors.Wrap(err, "storage: scan device failed")
		}
		d.Status = status.String
		d.Product = product.String
		d.OSVersion = osVersion.String
		d.AgentVersion = agent.String
		d.ProviderUUID = provider.String
		d.LastError = lastError.String
		d.Removed = removed != 0
		d.LastSeenAt = fromMilli(lastSeen)
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, pkgerrors.Wrap(err, "storage: iterate devices failed")
	}
	return out, nil
}
