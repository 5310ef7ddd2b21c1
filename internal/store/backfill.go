package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/crunchkit/coordinator/internal/entity"
)

// BackfillRepo persists historical ingestion jobs.
type BackfillRepo struct {
	q querier
}

type backfillJobRow struct {
	ID             string     `db:"id"`
	Source         string     `db:"source"`
	Subject        string     `db:"subject"`
	Kind           string     `db:"kind"`
	Granularity    string     `db:"granularity"`
	StartTs        time.Time  `db:"start_ts"`
	EndTs          time.Time  `db:"end_ts"`
	CursorTs       *time.Time `db:"cursor_ts"`
	RecordsWritten int        `db:"records_written"`
	PagesFetched   int        `db:"pages_fetched"`
	Status         string     `db:"status"`
	Error          string     `db:"error"`
	CreatedAt      time.Time  `db:"created_at"`
	UpdatedAt      time.Time  `db:"updated_at"`
}

func (r backfillJobRow) toDomain() entity.BackfillJob {
	return entity.BackfillJob{
		ID:             r.ID,
		Source:         r.Source,
		Subject:        r.Subject,
		Kind:           r.Kind,
		Granularity:    r.Granularity,
		StartTs:        r.StartTs,
		EndTs:          r.EndTs,
		CursorTs:       r.CursorTs,
		RecordsWritten: r.RecordsWritten,
		PagesFetched:   r.PagesFetched,
		Status:         entity.BackfillStatus(r.Status),
		Error:          r.Error,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
	}
}

const backfillColumns = "id, source, subject, kind, granularity, start_ts, end_ts, cursor_ts," +
	" records_written, pages_fetched, status, error, created_at, updated_at"

const insertBackfillSQL = `
INSERT INTO backfill_jobs (` + backfillColumns + `)
VALUES (:id, :source, :subject, :kind, :granularity, :start_ts, :end_ts, :cursor_ts,
        :records_written, :pages_fetched, :status, :error, :created_at, :updated_at)`

// Create inserts a new job row.
func (b *BackfillRepo) Create(ctx context.Context, job *entity.BackfillJob) error {
	row := backfillJobRow{
		ID:             job.ID,
		Source:         job.Source,
		Subject:        job.Subject,
		Kind:           job.Kind,
		Granularity:    job.Granularity,
		StartTs:        job.StartTs.UTC(),
		EndTs:          job.EndTs.UTC(),
		CursorTs:       job.CursorTs,
		RecordsWritten: job.RecordsWritten,
		PagesFetched:   job.PagesFetched,
		Status:         string(job.Status),
		Error:          job.Error,
		CreatedAt:      job.CreatedAt.UTC(),
		UpdatedAt:      job.UpdatedAt.UTC(),
	}

	_, err := sqlx.NamedExecContext(ctx, b.q, insertBackfillSQL, row)
	if err != nil {
		return fmt.Errorf("create backfill job %s: %w", job.ID, err)
	}

	return nil
}

// Get returns one job by id, or (nil, nil).
func (b *BackfillRepo) Get(ctx context.Context, id string) (*entity.BackfillJob, error) {
	sql := "SELECT " + backfillColumns + " FROM backfill_jobs WHERE id = ?"

	row, err := selectOne[backfillJobRow](ctx, b.q, sql, []any{id})
	if err != nil || row == nil {
		return nil, err
	}

	job := row.toDomain()

	return &job, nil
}

// Find returns jobs newest first, optionally filtered by status.
func (b *BackfillRepo) Find(ctx context.Context, status entity.BackfillStatus, limit int) ([]entity.BackfillJob, error) {
	var w where

	if status != "" {
		w.add("status = ?", string(status))
	}

	if limit < 1 {
		limit = 100
	}

	sql := "SELECT " + backfillColumns + " FROM backfill_jobs" + w.clause() +
		" ORDER BY created_at DESC" + limitClause(limit)

	rows, err := selectAll[backfillJobRow](ctx, b.q, sql, w.args)
	if err != nil {
		return nil, err
	}

	jobs := make([]entity.BackfillJob, 0, len(rows))
	for _, row := range rows {
		jobs = append(jobs, row.toDomain())
	}

	return jobs, nil
}

// Active returns the newest non-terminal job, or (nil, nil). At most one
// job may run at a time; the engine consults this before creating.
func (b *BackfillRepo) Active(ctx context.Context) (*entity.BackfillJob, error) {
	sql := "SELECT " + backfillColumns + " FROM backfill_jobs WHERE status IN (?)" +
		" ORDER BY created_at DESC LIMIT 1"

	statuses := []string{string(entity.BackfillPending), string(entity.BackfillRunning)}

	row, err := selectOne[backfillJobRow](ctx, b.q, sql, []any{statuses})
	if err != nil || row == nil {
		return nil, err
	}

	job := row.toDomain()

	return &job, nil
}

// UpdateProgress advances the job cursor and counters.
func (b *BackfillRepo) UpdateProgress(
	ctx context.Context,
	id string,
	cursor *time.Time,
	recordsWritten, pagesFetched int,
	now time.Time,
) error {
	query := `UPDATE backfill_jobs
SET cursor_ts = ?, records_written = ?, pages_fetched = ?, updated_at = ?
WHERE id = ?`

	return b.exec(ctx, id, query, cursor, recordsWritten, pagesFetched, now.UTC(), id)
}

// SetStatus moves the job to a new status, recording the failure reason
// when there is one.
func (b *BackfillRepo) SetStatus(
	ctx context.Context, id string, status entity.BackfillStatus, errMsg string, now time.Time,
) error {
	query := "UPDATE backfill_jobs SET status = ?, error = ?, updated_at = ? WHERE id = ?"

	return b.exec(ctx, id, query, string(status), errMsg, now.UTC(), id)
}

func (b *BackfillRepo) exec(ctx context.Context, id, query string, args ...any) error {
	bound, boundArgs, err := buildQuery(b.q, query, args)
	if err != nil {
		return err
	}

	result, execErr := b.q.ExecContext(ctx, bound, boundArgs...)
	if execErr != nil {
		return fmt.Errorf("update backfill job %s: %w", id, execErr)
	}

	affected, affErr := result.RowsAffected()
	if affErr != nil {
		return fmt.Errorf("update backfill job %s: %w", id, affErr)
	}

	if affected == 0 {
		return fmt.Errorf("%w: backfill job %s", ErrNotFound, id)
	}

	return nil
}
