package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	metricRequestsTotal    = "coordinator.requests.total"
	metricRequestDuration  = "coordinator.request.duration.seconds"
	metricErrorsTotal      = "coordinator.errors.total"
	metricInflightRequests = "coordinator.inflight.requests"

	metricFeedRecordsTotal  = "coordinator.feed.records.total"
	metricPredictionsTotal  = "coordinator.predictions.total"
	metricPredictDuration   = "coordinator.predict.duration.seconds"
	metricCyclesTotal       = "coordinator.cycles.total"
	metricCycleDuration     = "coordinator.cycle.duration.seconds"
	metricScoresTotal       = "coordinator.scores.total"
	metricBackfillPages     = "coordinator.backfill.pages.total"
	metricBackfillRecords   = "coordinator.backfill.records.total"
	metricCheckpointsTotal  = "coordinator.checkpoints.total"
	metricBusSignalsTotal   = "coordinator.bus.signals.total"
	metricSnapshotsCommited = "coordinator.snapshots.total"

	attrOp      = "op"
	attrStatus  = "status"
	attrSource  = "source"
	attrSubject = "subject"
	attrChannel = "channel"
	attrSuccess = "success"

	statusError = "error"

	// StatusOK labels a successful operation.
	StatusOK = "ok"
	// StatusError labels a failed operation.
	StatusError = "error"
)

// durationBucketBoundaries covers 10ms to 600s: HTTP reads are sub-second
// while scoring cycles and backfills run for minutes.
var durationBucketBoundaries = []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600}

// predictBucketBoundaries covers 50ms up to the 60s predict timeout.
var predictBucketBoundaries = []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 30, 60}

// REDMetrics holds the OTel instruments for Rate, Error, Duration metrics.
type REDMetrics struct {
	requestsTotal    metric.Int64Counter
	requestDuration  metric.Float64Histogram
	errorsTotal      metric.Int64Counter
	inflightRequests metric.Int64UpDownCounter
}

// NewREDMetrics creates RED metric instruments from the given meter.
func NewREDMetrics(mt metric.Meter) (*REDMetrics, error) {
	b := newMetricBuilder(mt)

	rm := &REDMetrics{
		requestsTotal:    b.counter(metricRequestsTotal, "Total number of requests", "{request}"),
		requestDuration:  b.histogram(metricRequestDuration, "Request duration in seconds", "s", durationBucketBoundaries...),
		errorsTotal:      b.counter(metricErrorsTotal, "Total number of errors", "{error}"),
		inflightRequests: b.upDownCounter(metricInflightRequests, "Number of in-flight requests", "{request}"),
	}

	if b.err != nil {
		return nil, b.err
	}

	return rm, nil
}

// RecordRequest records a completed request with its operation, status, and duration.
func (rm *REDMetrics) RecordRequest(ctx context.Context, op, status string, duration time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String(attrOp, op),
		attribute.String(attrStatus, status),
	)

	rm.requestsTotal.Add(ctx, 1, attrs)
	rm.requestDuration.Record(ctx, duration.Seconds(), attrs)

	if status == statusError {
		rm.errorsTotal.Add(ctx, 1, metric.WithAttributes(
			attribute.String(attrOp, op),
		))
	}
}

// TrackInflight increments the in-flight gauge and returns a function to decrement it.
func (rm *REDMetrics) TrackInflight(ctx context.Context, op string) func() {
	attrs := metric.WithAttributes(attribute.String(attrOp, op))
	rm.inflightRequests.Add(ctx, 1, attrs)

	return func() {
		rm.inflightRequests.Add(ctx, -1, attrs)
	}
}

// WorkerMetrics holds the OTel instruments for the ingest, dispatch,
// scoring, backfill, and checkpoint loops.
type WorkerMetrics struct {
	feedRecords      metric.Int64Counter
	predictions      metric.Int64Counter
	predictDuration  metric.Float64Histogram
	cycles           metric.Int64Counter
	cycleDuration    metric.Float64Histogram
	scores           metric.Int64Counter
	snapshots        metric.Int64Counter
	backfillPages    metric.Int64Counter
	backfillRecords  metric.Int64Counter
	checkpointsTotal metric.Int64Counter
	busSignals       metric.Int64Counter
}

// NewWorkerMetrics creates worker loop instruments from the given meter.
func NewWorkerMetrics(mt metric.Meter) (*WorkerMetrics, error) {
	b := newMetricBuilder(mt)

	wm := &WorkerMetrics{
		feedRecords:      b.counter(metricFeedRecordsTotal, "Feed records ingested", "{record}"),
		predictions:      b.counter(metricPredictionsTotal, "Prediction records persisted by status", "{prediction}"),
		predictDuration:  b.histogram(metricPredictDuration, "Model predict call duration in seconds", "s", predictBucketBoundaries...),
		cycles:           b.counter(metricCyclesTotal, "Scoring cycles run by status", "{cycle}"),
		cycleDuration:    b.histogram(metricCycleDuration, "Scoring cycle duration in seconds", "s", durationBucketBoundaries...),
		scores:           b.counter(metricScoresTotal, "Score records written by success", "{score}"),
		snapshots:        b.counter(metricSnapshotsCommited, "Model snapshots committed", "{snapshot}"),
		backfillPages:    b.counter(metricBackfillPages, "Backfill pages fetched", "{page}"),
		backfillRecords:  b.counter(metricBackfillRecords, "Backfill records written", "{record}"),
		checkpointsTotal: b.counter(metricCheckpointsTotal, "Checkpoints created", "{checkpoint}"),
		busSignals:       b.counter(metricBusSignalsTotal, "Bus signals published by channel", "{signal}"),
	}

	if b.err != nil {
		return nil, b.err
	}

	return wm, nil
}

// RecordIngested counts appended feed records for a feed scope.
func (wm *WorkerMetrics) RecordIngested(ctx context.Context, source, subject string, count int64) {
	wm.feedRecords.Add(ctx, count, metric.WithAttributes(
		attribute.String(attrSource, source),
		attribute.String(attrSubject, subject),
	))
}

// RecordPrediction counts one persisted prediction record by status.
func (wm *WorkerMetrics) RecordPrediction(ctx context.Context, status string) {
	wm.predictions.Add(ctx, 1, metric.WithAttributes(attribute.String(attrStatus, status)))
}

// ObservePredict records one model predict round-trip duration.
func (wm *WorkerMetrics) ObservePredict(ctx context.Context, status string, duration time.Duration) {
	wm.predictDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(
		attribute.String(attrStatus, status),
	))
}

// RecordCycle records one scoring cycle with its outcome and duration.
func (wm *WorkerMetrics) RecordCycle(ctx context.Context, status string, duration time.Duration) {
	wm.cycles.Add(ctx, 1, metric.WithAttributes(attribute.String(attrStatus, status)))
	wm.cycleDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(
		attribute.String(attrStatus, status),
	))
}

// RecordScore counts one score record by challenge success flag.
func (wm *WorkerMetrics) RecordScore(ctx context.Context, success bool) {
	wm.scores.Add(ctx, 1, metric.WithAttributes(attribute.Bool(attrSuccess, success)))
}

// RecordSnapshots counts snapshots committed in a cycle.
func (wm *WorkerMetrics) RecordSnapshots(ctx context.Context, count int64) {
	wm.snapshots.Add(ctx, count)
}

// RecordBackfillPage counts one fetched page and its appended records.
func (wm *WorkerMetrics) RecordBackfillPage(ctx context.Context, records int64) {
	wm.backfillPages.Add(ctx, 1)
	wm.backfillRecords.Add(ctx, records)
}

// RecordCheckpoint counts one created checkpoint.
func (wm *WorkerMetrics) RecordCheckpoint(ctx context.Context) {
	wm.checkpointsTotal.Add(ctx, 1)
}

// RecordBusSignal counts one published bus signal.
func (wm *WorkerMetrics) RecordBusSignal(ctx context.Context, channel string) {
	wm.busSignals.Add(ctx, 1, metric.WithAttributes(attribute.String(attrChannel, channel)))
}
