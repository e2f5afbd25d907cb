package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Uploader pushes finished invocations to an external report store.
type Uploader interface {
	Name() string
	UploadInvocation(ctx context.Context, row InvocationRow) error
}

// ReporterConfig controls the upload loop.
type ReporterConfig struct {
	PollInterval time.Duration
	BatchSize    int
	// UploadTimeout bounds one UploadInvocation call.
	UploadTimeout time.Duration
}

// Reporter uploads finished invocation rows that are not reported yet. Rows
// that fail are retried on the next poll.
type Reporter struct {
	store    *Store
	history  *History
	uploader Uploader
	cfg      ReporterConfig

	startOnce sync.Once
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// NewReporter applies defaults; call Start to run the loop.
func NewReporter(store *Store, uploader Uploader, cfg ReporterConfig) (*Reporter, error) {
	if store == nil {
		return nil, pkgerrors.New("storage: reporter needs a store")
	}
	if uploader == nil {
		return nil, pkgerrors.New("storage: reporter needs an uploader")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 30
	}
	if cfg.UploadTimeout <= 0 {
		cfg.UploadTimeout = 30 * time.Second
	}
	r := &Reporter{store: store, history: NewHistory(store), uploader: uploader, cfg: cfg}
	r.ctx, r.cancel = context.WithCancel(context.Background())
	return r, nil
}

// Start launches the background loop once.
func (r *Reporter) Start() {
	r.startOnce.Do(func() {
		r.wg.Add(1)
		go r.loop()
		log.Info().Str("uploader", r.uploader.Name()).Dur("interval", r.cfg.PollInterval).Msg("storage: reporter started")
	})
}

func (r *Reporter) loop() {
	defer r.wg.Done()
	r.FlushOnce(r.ctx)
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			r.FlushOnce(r.ctx)
		}
	}
}

// FlushOnce uploads one batch and returns the number of rows reported.
func (r *Reporter) FlushOnce(ctx context.Context) int {
	rows, err := r.fetchPending(ctx)
	if err != nil {
		log.Error().Err(err).Msg("storage: reporter fetch pending invocations failed")
		return 0
	}
	reported := 0
	for _, row := range rows {
		if ctx.Err() != nil {
			return reported
		}
		if err := r.upload(ctx, row); err != nil {
			log.Error().Err(err).Str("invocation", row.ID).Str("uploader", r.uploader.Name()).Msg("storage: reporter upload failed")
			if markErr := r.mark(row.ID, reportStatusFailed, err.Error()); markErr != nil {
				log.Error().Err(markErr).Str("invocation", row.ID).Msg("storage: reporter mark failure failed")
			}
			continue
		}
		if err := r.mark(row.ID, reportStatusDone, ""); err != nil {
			log.Error().Err(err).Str("invocation", row.ID).Msg("storage: reporter mark success failed")
			continue
		}
		reported++
	}
	return reported
}

func (r *Reporter) upload(ctx context.Context, row InvocationRow) error {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.UploadTimeout)
	defer cancel()
	return r.uploader.UploadInvocation(ctx, row)
}

// fetchPending returns finished rows that were never reported or failed before.
func (r *Reporter) fetchPending(ctx context.Context) ([]InvocationRow, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s i WHERE i.%s IN (%d, %d) AND i.end_at IS NOT NULL
		ORDER BY i.end_at ASC LIMIT ?`, invocationColumns, quoteIdent(invocationsTable),
		quoteIdent(reportedColumn), reportStatusPending, reportStatusFailed)
	rows, err := r.store.db.QueryContext(ctx, query, r.cfg.BatchSize)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "storage: query pending invocations failed")
	}
	defer rows.Close()
	out := make([]InvocationRow, 0, r.cfg.BatchSize)
	for rows.Next() {
		row, err := scanInvocation(rows)
		if err != nil {
			return nil, pkgerrors.Wrap(err, "storage: scan pending invocation failed")
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, pkgerrors.Wrap(err, "storage: iterate pending invocations failed")
	}
	return out, nil
}

func (r *Reporter) mark(id string, status int, reportErr string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	stmt := fmt.Sprintf(`UPDATE %s SET %s=?, %s=?, %s=? WHERE id=?`, quoteIdent(invocationsTable),
		quoteIdent(reportedColumn), quoteIdent(reportedAtColumn), quoteIdent(reportErrorColumn))
	var errValue any
	if reportErr != "" {
		errValue = truncateError(reportErr)
	}
	return pkgerrors.Wrap(execWithRetry(ctx, r.store.db, stmt, status, time.Now().UnixMilli(), errValue, id),
		"storage: mark invocation reported")
}

// Close stops the loop and waits for the in-flight batch.
func (r *Reporter) Close() error {
	if r == nil {
		return nil
	}
	r.cancel()
	r.wg.Wait()
	return nil
}
