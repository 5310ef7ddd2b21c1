// Package backfill runs paginated historical ingestion jobs over a feed
// provider, writing into the store and optionally into the parquet data
// plane. One job runs at a time; progress is persisted per page so an
// interrupted job can resume from its cursor.
package backfill

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/crunchkit/coordinator/internal/entity"
	"github.com/crunchkit/coordinator/internal/feed"
	"github.com/crunchkit/coordinator/internal/observability"
	"github.com/crunchkit/coordinator/internal/store"
)

// defaultPageSize is the records-per-page bound handed to the provider.
const defaultPageSize = 500

// Sink receives backfilled records besides the store; the parquet data
// plane implements it.
type Sink interface {
	AppendRecords(records []entity.FeedRecord) (int, error)
}

// RecordStore persists fetched records and ingestion watermarks.
// *store.FeedRepo satisfies it.
type RecordStore interface {
	AppendRecords(ctx context.Context, records []entity.FeedRecord) (int, error)
	SetWatermark(ctx context.Context, mark *entity.FeedWatermark) error
}

// JobStore tracks job lifecycle and progress. *store.BackfillRepo
// satisfies it.
type JobStore interface {
	Create(ctx context.Context, job *entity.BackfillJob) error
	Active(ctx context.Context) (*entity.BackfillJob, error)
	SetStatus(ctx context.Context, id string, status entity.BackfillStatus, errMsg string, now time.Time) error
	UpdateProgress(ctx context.Context, id string, cursor *time.Time, recordsWritten, pagesFetched int, now time.Time) error
}

// Request describes one historical ingestion run.
type Request struct {
	Source      string
	Subjects    []string
	Kind        string
	Granularity string
	Start       time.Time
	End         time.Time
	PageSize    int
}

// Result totals one run.
type Result struct {
	RecordsWritten int
	PagesFetched   int
}

// Engine executes backfill jobs.
type Engine struct {
	provider feed.Provider
	feeds    RecordStore
	jobs     JobStore
	sink     Sink
	metrics  *observability.WorkerMetrics
	logger   *slog.Logger
}

// NewEngine builds an engine. Sink and metrics are optional.
func NewEngine(
	provider feed.Provider,
	feeds RecordStore,
	jobs JobStore,
	sink Sink,
	metrics *observability.WorkerMetrics,
	logger *slog.Logger,
) *Engine {
	return &Engine{
		provider: provider,
		feeds:    feeds,
		jobs:     jobs,
		sink:     sink,
		metrics:  metrics,
		logger:   logger,
	}
}

// StartJob registers a new job. At most one job may be pending or
// running; a second start reports a conflict.
func (e *Engine) StartJob(ctx context.Context, req Request, now time.Time) (*entity.BackfillJob, error) {
	active, err := e.jobs.Active(ctx)
	if err != nil {
		return nil, err
	}

	if active != nil {
		return nil, fmt.Errorf("%w: backfill job %s is %s", store.ErrConflict, active.ID, active.Status)
	}

	subject := ""
	if len(req.Subjects) > 0 {
		subject = req.Subjects[0]
	}

	job := &entity.BackfillJob{
		ID:          entity.NewBackfillJobID(),
		Source:      req.Source,
		Subject:     subject,
		Kind:        req.Kind,
		Granularity: req.Granularity,
		StartTs:     req.Start.UTC(),
		EndTs:       req.End.UTC(),
		Status:      entity.BackfillPending,
		CreatedAt:   now.UTC(),
		UpdatedAt:   now.UTC(),
	}

	createErr := e.jobs.Create(ctx, job)
	if createErr != nil {
		return nil, createErr
	}

	return job, nil
}

// Run executes the request under the given job id, walking each subject
// from the cursor to the end one page at a time. A page that yields no
// records, or that fails to advance the cursor, ends that subject. Any
// error marks the job failed and is returned.
func (e *Engine) Run(ctx context.Context, jobID string, req Request) (Result, error) {
	var result Result

	statusErr := e.jobs.SetStatus(ctx, jobID, entity.BackfillRunning, "", time.Now())
	if statusErr != nil {
		return result, statusErr
	}

	runErr := e.runPages(ctx, jobID, req, &result)
	if runErr != nil {
		_ = e.jobs.SetStatus(ctx, jobID, entity.BackfillFailed, runErr.Error(), time.Now())

		return result, runErr
	}

	doneErr := e.jobs.SetStatus(ctx, jobID, entity.BackfillCompleted, "", time.Now())
	if doneErr != nil {
		return result, doneErr
	}

	e.logger.InfoContext(ctx, "backfill completed",
		"job_id", jobID,
		"records_written", result.RecordsWritten,
		"pages_fetched", result.PagesFetched,
	)

	return result, nil
}

// Resume continues an interrupted job from its persisted cursor.
func (e *Engine) Resume(ctx context.Context, job *entity.BackfillJob, pageSize int) (Result, error) {
	req := Request{
		Source:      job.Source,
		Subjects:    []string{job.Subject},
		Kind:        job.Kind,
		Granularity: job.Granularity,
		Start:       job.StartTs,
		End:         job.EndTs,
		PageSize:    pageSize,
	}

	if job.CursorTs != nil {
		req.Start = *job.CursorTs
	}

	return e.Run(ctx, job.ID, req)
}

func (e *Engine) runPages(ctx context.Context, jobID string, req Request, result *Result) error {
	pageSize := req.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}

	end := req.End.UTC()

	for _, subject := range req.Subjects {
		cursor := req.Start.UTC()

		for cursor.Before(end) {
			if ctx.Err() != nil {
				return ctx.Err()
			}

			records, fetchErr := e.provider.Fetch(ctx, feed.FetchRequest{
				Subjects:    []string{subject},
				Kind:        req.Kind,
				Granularity: req.Granularity,
				Start:       cursor,
				End:         end,
				Limit:       pageSize,
			})
			if fetchErr != nil {
				return fmt.Errorf("fetch page for %s: %w", subject, fetchErr)
			}

			result.PagesFetched++

			if len(records) == 0 {
				break
			}

			now := time.Now().UTC()
			maxTs := records[0].TsEvent

			for i := range records {
				feed.Stamp(&records[i], now)

				if records[i].TsEvent.After(maxTs) {
					maxTs = records[i].TsEvent
				}
			}

			written, appendErr := e.feeds.AppendRecords(ctx, records)
			if appendErr != nil {
				return appendErr
			}

			result.RecordsWritten += written

			if e.sink != nil {
				_, sinkErr := e.sink.AppendRecords(records)
				if sinkErr != nil {
					return fmt.Errorf("sink page for %s: %w", subject, sinkErr)
				}
			}

			if e.metrics != nil {
				e.metrics.RecordBackfillPage(ctx, int64(written))
			}

			if !maxTs.After(cursor) {
				break
			}

			cursor = maxTs.Add(time.Second)

			markErr := e.feeds.SetWatermark(ctx, &entity.FeedWatermark{
				Source:      req.Source,
				Subject:     subject,
				Kind:        req.Kind,
				Granularity: req.Granularity,
				LastEventTs: &maxTs,
				UpdatedAt:   now,
				Meta:        map[string]any{"phase": "backfill-manual"},
			})
			if markErr != nil {
				return markErr
			}

			progressErr := e.jobs.UpdateProgress(
				ctx, jobID, &cursor, result.RecordsWritten, result.PagesFetched, now,
			)
			if progressErr != nil {
				return progressErr
			}

			e.logger.InfoContext(ctx, "backfill page",
				"job_id", jobID,
				"subject", subject,
				"wrote", written,
				"cursor", cursor.Format(time.RFC3339),
			)
		}
	}

	return nil
}
