package metrics

import (
	"context"
	"time"

	"go.opencensus.io/stats"
	"go.opencensus.io/stats/view"
	"go.opencensus.io/tag"
)

var defaultMillisecondsDistribution = view.Distribution(0.01, 0.05, 0.1, 0.3, 0.6, 0.8, 1, 2, 3, 4, 5, 6, 8, 10, 13, 16, 20, 25, 30, 40, 50, 65, 80, 100, 130, 160, 200, 250, 300, 400, 500, 650, 800, 1000, 2000, 5000, 10000, 20000, 30000, 50000, 100000)

var (
	Job, _      = tag.NewKey("job")   // name of job
	Table, _    = tag.NewKey("table") // name of table data is persisted for
	TaskKind, _ = tag.NewKey("kind")  // recovery task kind
	GapKind, _  = tag.NewKey("gap")   // block or storage gap queue
)

var (
	DecodeDuration     = stats.Float64("decode_duration_ms", "Time taken to fetch and decode a block", stats.UnitMilliseconds)
	DecodeFailure      = stats.Int64("decode_failure", "Number of heights skipped due to codec errors", stats.UnitDimensionless)
	FetchRetry         = stats.Int64("fetch_retry", "Number of retried block fetches", stats.UnitDimensionless)
	PersistDuration    = stats.Float64("persist_duration_ms", "Duration of a models persist operation", stats.UnitMilliseconds)
	PersistStatement   = stats.Int64("persist_statement", "Number of insert statements issued", stats.UnitDimensionless)
	PersistFailure     = stats.Int64("persist_failure", "Number of persistence failures", stats.UnitDimensionless)
	CommittedHeight    = stats.Int64("committed_height", "Highest height committed by the write coordinator", stats.UnitDimensionless)
	GapCount           = stats.Int64("gap_count", "Number of gaps found by the last detector run", stats.UnitDimensionless)
	TaskStarted        = stats.Int64("task_started", "Number of recovery tasks claimed", stats.UnitDimensionless)
	TaskCompleted      = stats.Int64("task_completed", "Number of recovery tasks completed", stats.UnitDimensionless)
	TaskRequeued       = stats.Int64("task_requeued", "Number of recovery tasks requeued after failure", stats.UnitDimensionless)
	TaskExhausted      = stats.Int64("task_exhausted", "Number of recovery tasks permanently failed", stats.UnitDimensionless)
	TaskRunDuration    = stats.Float64("task_run_duration_ms", "Time taken to run a recovery task", stats.UnitMilliseconds)
	QueueDepth         = stats.Int64("queue_depth", "Number of pending recovery tasks", stats.UnitDimensionless)
	JobStart           = stats.Int64("job_start", "Number of jobs started", stats.UnitDimensionless)
	JobComplete        = stats.Int64("job_complete", "Number of jobs completed without error", stats.UnitDimensionless)
	JobError           = stats.Int64("job_error", "Number of jobs stopped due to a fatal error", stats.UnitDimensionless)
	NotificationsSent  = stats.Int64("notifications_sent", "Number of post-commit notifications published", stats.UnitDimensionless)
)

var DefaultViews = []*view.View{
	{Measure: DecodeDuration, Aggregation: defaultMillisecondsDistribution},
	{Measure: DecodeFailure, Aggregation: view.Count()},
	{Measure: FetchRetry, Aggregation: view.Count()},
	{Measure: PersistDuration, Aggregation: defaultMillisecondsDistribution, TagKeys: []tag.Key{Table}},
	{Measure: PersistStatement, Aggregation: view.Count(), TagKeys: []tag.Key{Table}},
	{Measure: PersistFailure, Aggregation: view.Count(), TagKeys: []tag.Key{Table}},
	{Measure: CommittedHeight, Aggregation: view.LastValue()},
	{Measure: GapCount, Aggregation: view.LastValue(), TagKeys: []tag.Key{GapKind}},
	{Measure: TaskStarted, Aggregation: view.Count(), TagKeys: []tag.Key{TaskKind}},
	{Measure: TaskCompleted, Aggregation: view.Count(), TagKeys: []tag.Key{TaskKind}},
	{Measure: TaskRequeued, Aggregation: view.Count(), TagKeys: []tag.Key{TaskKind}},
	{Measure: TaskExhausted, Aggregation: view.Count(), TagKeys: []tag.Key{TaskKind}},
	{Measure: TaskRunDuration, Aggregation: defaultMillisecondsDistribution, TagKeys: []tag.Key{TaskKind}},
	{Measure: QueueDepth, Aggregation: view.LastValue()},
	{Measure: JobStart, Aggregation: view.Count(), TagKeys: []tag.Key{Job}},
	{Measure: JobComplete, Aggregation: view.Count(), TagKeys: []tag.Key{Job}},
	{Measure: JobError, Aggregation: view.Count(), TagKeys: []tag.Key{Job}},
	{Measure: NotificationsSent, Aggregation: view.Count(), TagKeys: []tag.Key{Table}},
}

// SinceInMilliseconds returns the duration of time since the provide time as a float64.
func SinceInMilliseconds(startTime time.Time) float64 {
	return float64(time.Since(startTime).Nanoseconds()) / 1e6
}

// Timer begins a timer and returns a function to record the elapsed duration
// against the given measure.
func Timer(ctx context.Context, m *stats.Float64Measure) func() {
	start := time.Now()
	return func() {
		stats.Record(ctx, m.M(SinceInMilliseconds(start)))
	}
}
