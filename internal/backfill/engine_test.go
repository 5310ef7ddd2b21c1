package backfill

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crunchkit/coordinator/internal/entity"
	"github.com/crunchkit/coordinator/internal/feed"
	"github.com/crunchkit/coordinator/internal/store"
)

type fakeProvider struct {
	pageSize int
	have     []entity.FeedRecord
	fetches  int
}

func (p *fakeProvider) Source() string { return "fake" }

func (p *fakeProvider) ListSubjects(context.Context) ([]feed.SubjectDescriptor, error) {
	return nil, nil
}

func (p *fakeProvider) Fetch(_ context.Context, req feed.FetchRequest) ([]entity.FeedRecord, error) {
	p.fetches++

	var page []entity.FeedRecord

	for _, record := range p.have {
		if record.TsEvent.Before(req.Start) || record.TsEvent.After(req.End) {
			continue
		}

		page = append(page, record)

		if len(page) >= p.pageSize {
			break
		}
	}

	return page, nil
}

type fakeRecordStore struct {
	records    []entity.FeedRecord
	watermarks []entity.FeedWatermark
}

func (s *fakeRecordStore) AppendRecords(_ context.Context, records []entity.FeedRecord) (int, error) {
	s.records = append(s.records, records...)

	return len(records), nil
}

func (s *fakeRecordStore) SetWatermark(_ context.Context, mark *entity.FeedWatermark) error {
	s.watermarks = append(s.watermarks, *mark)

	return nil
}

type fakeJobStore struct {
	jobs map[string]*entity.BackfillJob
}

func newFakeJobStore() *fakeJobStore {
	return &fakeJobStore{jobs: map[string]*entity.BackfillJob{}}
}

func (s *fakeJobStore) Create(_ context.Context, job *entity.BackfillJob) error {
	copied := *job
	s.jobs[job.ID] = &copied

	return nil
}

func (s *fakeJobStore) Active(context.Context) (*entity.BackfillJob, error) {
	for _, job := range s.jobs {
		if !job.Status.Terminal() {
			return job, nil
		}
	}

	return nil, nil
}

func (s *fakeJobStore) SetStatus(
	_ context.Context, id string, status entity.BackfillStatus, errMsg string, _ time.Time,
) error {
	job, ok := s.jobs[id]
	if !ok {
		return store.ErrNotFound
	}

	job.Status = status
	job.Error = errMsg

	return nil
}

func (s *fakeJobStore) UpdateProgress(
	_ context.Context, id string, cursor *time.Time, recordsWritten, pagesFetched int, _ time.Time,
) error {
	job, ok := s.jobs[id]
	if !ok {
		return store.ErrNotFound
	}

	job.CursorTs = cursor
	job.RecordsWritten = recordsWritten
	job.PagesFetched = pagesFetched

	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func secondRecords(start time.Time, n int) []entity.FeedRecord {
	records := make([]entity.FeedRecord, 0, n)

	for i := range n {
		records = append(records, entity.FeedRecord{
			Source:      "fake",
			Subject:     "BTCUSDT",
			Kind:        feed.KindCandle,
			Granularity: "1m",
			TsEvent:     start.Add(time.Duration(i) * time.Second),
			Values:      map[string]any{"close": 1.0},
		})
	}

	return records
}

func TestEnginePagesThroughFullRange(t *testing.T) {
	t.Parallel()

	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	provider := &fakeProvider{pageSize: 500, have: secondRecords(t0, 1000)}
	records := &fakeRecordStore{}
	jobs := newFakeJobStore()

	engine := NewEngine(provider, records, jobs, nil, nil, testLogger())

	req := Request{
		Source:      "fake",
		Subjects:    []string{"BTCUSDT"},
		Kind:        feed.KindCandle,
		Granularity: "1m",
		Start:       t0,
		End:         t0.Add(time.Hour),
		PageSize:    500,
	}

	job, err := engine.StartJob(context.Background(), req, t0)
	require.NoError(t, err)

	result, err := engine.Run(context.Background(), job.ID, req)
	require.NoError(t, err)

	assert.Equal(t, 1000, result.RecordsWritten)
	assert.Equal(t, 3, result.PagesFetched)
	assert.Len(t, records.records, 1000)

	final := jobs.jobs[job.ID]
	assert.Equal(t, entity.BackfillCompleted, final.Status)
	require.NotNil(t, final.CursorTs)
	assert.Equal(t, t0.Add(1000*time.Second), *final.CursorTs)
}

func TestEngineRejectsConcurrentJobs(t *testing.T) {
	t.Parallel()

	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	provider := &fakeProvider{pageSize: 10}
	jobs := newFakeJobStore()
	engine := NewEngine(provider, &fakeRecordStore{}, jobs, nil, nil, testLogger())

	req := Request{
		Source: "fake", Subjects: []string{"BTCUSDT"},
		Kind: feed.KindCandle, Granularity: "1m",
		Start: t0, End: t0.Add(time.Hour),
	}

	_, err := engine.StartJob(context.Background(), req, t0)
	require.NoError(t, err)

	_, err = engine.StartJob(context.Background(), req, t0)
	require.ErrorIs(t, err, store.ErrConflict)
}

func TestEngineStampsIdentityAndWatermarks(t *testing.T) {
	t.Parallel()

	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	provider := &fakeProvider{pageSize: 100, have: secondRecords(t0, 50)}
	records := &fakeRecordStore{}
	jobs := newFakeJobStore()
	engine := NewEngine(provider, records, jobs, nil, nil, testLogger())

	req := Request{
		Source: "fake", Subjects: []string{"BTCUSDT"},
		Kind: feed.KindCandle, Granularity: "1m",
		Start: t0, End: t0.Add(time.Minute), PageSize: 100,
	}

	job, err := engine.StartJob(context.Background(), req, t0)
	require.NoError(t, err)

	_, err = engine.Run(context.Background(), job.ID, req)
	require.NoError(t, err)

	require.NotEmpty(t, records.records)
	for _, record := range records.records {
		assert.NotEmpty(t, record.ID)
		assert.False(t, record.TsIngested.IsZero())
	}

	require.NotEmpty(t, records.watermarks)

	last := records.watermarks[len(records.watermarks)-1]
	assert.Equal(t, "backfill-manual", last.Meta["phase"])
	require.NotNil(t, last.LastEventTs)
}

func TestEngineResumeUsesCursor(t *testing.T) {
	t.Parallel()

	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cursor := t0.Add(30 * time.Second)

	provider := &fakeProvider{pageSize: 100, have: secondRecords(t0, 60)}
	records := &fakeRecordStore{}
	jobs := newFakeJobStore()
	engine := NewEngine(provider, records, jobs, nil, nil, testLogger())

	job := &entity.BackfillJob{
		ID:          entity.NewBackfillJobID(),
		Source:      "fake",
		Subject:     "BTCUSDT",
		Kind:        feed.KindCandle,
		Granularity: "1m",
		StartTs:     t0,
		EndTs:       t0.Add(time.Minute),
		CursorTs:    &cursor,
		Status:      entity.BackfillPending,
	}
	require.NoError(t, jobs.Create(context.Background(), job))

	_, err := engine.Resume(context.Background(), job, 100)
	require.NoError(t, err)

	// Only records at or after the cursor were fetched.
	for _, record := range records.records {
		assert.False(t, record.TsEvent.Before(cursor))
	}

	assert.Len(t, records.records, 30)
}
