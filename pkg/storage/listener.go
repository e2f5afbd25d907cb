package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/httprunner/TestAgent/pkg/result"
)

// ResultListener collects an invocation's test results and writes them to
// the store in one transaction when the invocation ends.
type ResultListener struct {
	*result.Collector
	store   *Store
	timeout time.Duration
}

var _ result.Listener = (*ResultListener)(nil)

// NewResultListener returns a listener writing to store. Use one listener per
// configuration; the parent of a sharded run receives the merged results.
func NewResultListener(store *Store) *ResultListener {
	return &ResultListener{Collector: result.NewCollector(), store: store, timeout: 30 * time.Second}
}

func (l *ResultListener) InvocationEnded(elapsed time.Duration) {
	l.Collector.InvocationEnded(elapsed)
	ctx, cancel := context.WithTimeout(context.Background(), l.timeout)
	defer cancel()
	if err := l.Flush(ctx); err != nil {
		log.Error().Err(err).Str("invocation", l.InvocationID()).Msg("storage: write test results failed")
	}
}

// Flush writes the collected results. Rows are keyed by invocation, module,
// run and test so flushing twice does not duplicate them.
func (l *ResultListener) Flush(ctx context.Context) error {
	if l.store == nil {
		return pkgerrors.New("storage: result listener has no store")
	}
	invocationID := l.InvocationID()
	if invocationID == "" {
		return pkgerrors.New("storage: invocation never started")
	}
	tx, err := l.store.db.BeginTx(ctx, nil)
	if err != nil {
		return pkgerrors.Wrap(err, "storage: begin results transaction failed")
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf(`INSERT INTO %s
		(invocation_id, module, run, class_name, test_name, status, trace, start_at, end_at, metrics)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(invocation_id, module, run, class_name, test_name) DO UPDATE SET
			status=excluded.status, trace=excluded.trace, start_at=excluded.start_at,
			end_at=excluded.end_at, metrics=excluded.metrics`, quoteIdent(testResultsTable)))
	if err != nil {
		return pkgerrors.Wrap(err, "storage: prepare results insert failed")
	}
	defer stmt.Close()

	written := 0
	for _, run := range l.Runs() {
		for _, test := range run.Tests {
			metrics, err := encodeMetrics(test.Metrics)
			if err != nil {
				return err
			}
			if _, err := stmt.ExecContext(ctx, invocationID, run.Module, run.Name,
				test.ID.ClassName, test.ID.TestName, string(test.Status), test.Trace,
				unixMilli(test.Start), unixMilli(test.End), metrics); err != nil {
				return pkgerrors.Wrapf(err, "storage: insert result %s failed", test.ID)
			}
			written++
		}
	}
	if err := tx.Commit(); err != nil {
		return pkgerrors.Wrap(err, "storage: commit results failed")
	}
	log.Debug().Str("invocation", invocationID).Int("results", written).Msg("storage: test results written")
	return nil
}

// encodeMetrics keeps insertion order as a list of [key, value] pairs.
func encodeMetrics(m result.Metrics) (string, error) {
	if m.Len() == 0 {
		return "", nil
	}
	pairs := make([][2]string, 0, m.Len())
	for _, key := range m.Keys() {
		value, _ := m.Get(key)
		pairs = append(pairs, [2]string{key, value})
	}
	b, err := json.Marshal(pairs)
	if err != nil {
		return "", pkgerrors.Wrap(err, "storage: marshal metrics failed")
	}
	return string(b), nil
}

func decodeMetrics(raw string) result.Metrics {
	var m result.Metrics
	if raw == "" {
		return m
	}
	var pairs [][2]string
	if err := json.Unmarshal([]byte(raw), &pairs); err != nil {
		return m
	}
	for _, p := range pairs {
		m.Put(p[0], p[1])
	}
	return m
}
