package entity

import "time"

// FeedRecord is one normalized market data point.
// Identity is content-derived; see FeedRecordID.
type FeedRecord struct {
	ID          string         `json:"id"`
	Source      string         `json:"source"`
	Subject     string         `json:"subject"`
	Kind        string         `json:"kind"`
	Granularity string         `json:"granularity"`
	TsEvent     time.Time      `json:"ts_event"`
	TsIngested  time.Time      `json:"ts_ingested"`
	Values      map[string]any `json:"values"`
	Meta        map[string]any `json:"meta,omitempty"`
}

// Value reads a numeric field from the record values.
func (r *FeedRecord) Value(key string) (float64, bool) {
	return NumericValue(r.Values, key)
}

// FeedWatermark tracks the newest event timestamp ingested per feed scope.
type FeedWatermark struct {
	ID          string         `json:"id"`
	Source      string         `json:"source"`
	Subject     string         `json:"subject"`
	Kind        string         `json:"kind"`
	Granularity string         `json:"granularity"`
	LastEventTs *time.Time     `json:"last_event_ts,omitempty"`
	UpdatedAt   time.Time      `json:"updated_at"`
	Meta        map[string]any `json:"meta,omitempty"`
}

// BackfillStatus is the lifecycle state of a backfill job.
type BackfillStatus string

const (
	BackfillPending   BackfillStatus = "pending"
	BackfillRunning   BackfillStatus = "running"
	BackfillCompleted BackfillStatus = "completed"
	BackfillFailed    BackfillStatus = "failed"
)

// Terminal reports whether the status admits no further transitions.
func (s BackfillStatus) Terminal() bool {
	return s == BackfillCompleted || s == BackfillFailed
}

// BackfillJob tracks one historical ingestion run over a feed scope.
type BackfillJob struct {
	ID             string         `json:"id"`
	Source         string         `json:"source"`
	Subject        string         `json:"subject"`
	Kind           string         `json:"kind"`
	Granularity    string         `json:"granularity"`
	StartTs        time.Time      `json:"start_ts"`
	EndTs          time.Time      `json:"end_ts"`
	CursorTs       *time.Time     `json:"cursor_ts,omitempty"`
	RecordsWritten int            `json:"records_written"`
	PagesFetched   int            `json:"pages_fetched"`
	Status         BackfillStatus `json:"status"`
	Error          string         `json:"error,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// ProgressPct returns completion as a percentage of the covered time range,
// clamped to [0, 100]. A job without a cursor reports 0.
func (j *BackfillJob) ProgressPct() float64 {
	if j.CursorTs == nil {
		return 0
	}

	total := j.EndTs.Sub(j.StartTs).Seconds()
	if total <= 0 {
		return 100
	}

	done := j.CursorTs.Sub(j.StartTs).Seconds()

	pct := done / total * 100
	if pct < 0 {
		return 0
	}

	if pct > 100 {
		return 100
	}

	return pct
}
