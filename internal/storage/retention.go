package storage

import (
	"context"
	"database/sql"
	"fmt"
	"runtime"
	"sort"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/jmoiron/sqlx"
)

// RetentionConfig mirrors the client config's `retention` block (spec.md
// §6). A zero Days value for aggregations/events means "keep forever"; a
// MeasurementsDays of zero or less is treated as 30, both by the config
// loader's defaults and by the aggregation pass itself.
type RetentionConfig struct {
	MeasurementsDays int
	AggregationsDays int
	EventsDays       int
}

type bucketKey struct {
	HourStart  int64
	Interface  string
	Kind       string
	Target     string
	ServerName string
}

type hourlyAggregateRow struct {
	HourStart     int64           `db:"hour_start"`
	Interface     string          `db:"interface"`
	Kind          string          `db:"kind"`
	Target        string          `db:"target"`
	ServerName    string          `db:"server_name"`
	Count         int             `db:"count"`
	RttMinMs      sql.NullFloat64 `db:"rtt_min_ms"`
	RttMaxMs      sql.NullFloat64 `db:"rtt_max_ms"`
	RttAvgMs      sql.NullFloat64 `db:"rtt_avg_ms"`
	RttP50Ms      sql.NullFloat64 `db:"rtt_p50_ms"`
	RttP95Ms      sql.NullFloat64 `db:"rtt_p95_ms"`
	RttP99Ms      sql.NullFloat64 `db:"rtt_p99_ms"`
	JitterMinMs   sql.NullFloat64 `db:"jitter_min_ms"`
	JitterMaxMs   sql.NullFloat64 `db:"jitter_max_ms"`
	JitterAvgMs   sql.NullFloat64 `db:"jitter_avg_ms"`
	LossAvgPct    sql.NullFloat64 `db:"loss_avg_pct"`
	UploadAvgMs   sql.NullFloat64 `db:"upload_avg_ms"`
	DownloadAvgMs sql.NullFloat64 `db:"download_avg_ms"`
}

// AggregateAndPrune rolls every raw measurement row older than
// `now - 30 days` into hourly summaries and deletes the rolled-up raw rows,
// using the default retention policy. Callers that need the full retention
// policy (non-default horizons, aggregation/event pruning) should use
// AggregateAndPruneWithRetention instead; this form exists so the storage
// sink's contract (spec.md §4.9) has a zero-config entry point.
func (db *DB) AggregateAndPrune(ctx context.Context, now time.Time) error {
	return db.aggregateAndPrune(ctx, now, RetentionConfig{MeasurementsDays: 30})
}

// AggregateAndPruneWithRetention is AggregateAndPrune parameterized by the
// full retention policy (measurements/aggregations/events horizons), per
// spec.md §6's `retention` config block. The upsert-then-delete pair runs
// inside one transaction, so a crash mid-pass never leaves a bucket rolled-
// up-but-not-deleted (or deleted-but-not-rolled-up); re-running with the
// same cutoff recomputes identical aggregate rows from whatever raw rows
// remain, which is why a second pass over already-pruned data is a no-op
// (spec.md §8 "Aggregating a set of raw rows twice").
func (db *DB) AggregateAndPruneWithRetention(ctx context.Context, now time.Time, cfg RetentionConfig) error {
	return db.aggregateAndPrune(ctx, now, cfg)
}

func (db *DB) aggregateAndPrune(ctx context.Context, now time.Time, cfg RetentionConfig) error {
	if cfg.MeasurementsDays <= 0 {
		cfg.MeasurementsDays = 30
	}
	cutoff := now.AddDate(0, 0, -cfg.MeasurementsDays).Unix()

	buckets, err := db.loadBuckets(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("load buckets: %w", err)
	}

	rows, err := computeAggregates(buckets)
	if err != nil {
		return fmt.Errorf("compute aggregates: %w", err)
	}

	tx, err := db.x.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, row := range rows {
		if err := upsertHourlyAggregate(ctx, tx, row); err != nil {
			return fmt.Errorf("upsert hourly aggregate: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM measurements WHERE ts_unix_s < ?`, cutoff); err != nil {
		return fmt.Errorf("delete raw rows: %w", err)
	}

	if err := pruneAggregatesAndEvents(ctx, tx, now, cfg); err != nil {
		return err
	}

	return tx.Commit()
}

func pruneAggregatesAndEvents(ctx context.Context, tx *sqlx.Tx, now time.Time, cfg RetentionConfig) error {
	if cfg.AggregationsDays > 0 {
		cutoff := now.AddDate(0, 0, -cfg.AggregationsDays).Unix()
		if _, err := tx.ExecContext(ctx, `DELETE FROM hourly_aggregates WHERE hour_start < ?`, cutoff); err != nil {
			return fmt.Errorf("prune hourly aggregates: %w", err)
		}
	}
	if cfg.EventsDays > 0 {
		cutoff := now.AddDate(0, 0, -cfg.EventsDays).Unix()
		if _, err := tx.ExecContext(ctx, `DELETE FROM events WHERE ts_unix_s < ?`, cutoff); err != nil {
			return fmt.Errorf("prune events: %w", err)
		}
	}
	return nil
}

func upsertHourlyAggregate(ctx context.Context, tx *sqlx.Tx, row hourlyAggregateRow) error {
	_, err := tx.NamedExecContext(ctx, `
		INSERT INTO hourly_aggregates (
			hour_start, interface, kind, target, server_name, count,
			rtt_min_ms, rtt_max_ms, rtt_avg_ms, rtt_p50_ms, rtt_p95_ms, rtt_p99_ms,
			jitter_min_ms, jitter_max_ms, jitter_avg_ms, loss_avg_pct,
			upload_avg_ms, download_avg_ms
		) VALUES (
			:hour_start, :interface, :kind, :target, :server_name, :count,
			:rtt_min_ms, :rtt_max_ms, :rtt_avg_ms, :rtt_p50_ms, :rtt_p95_ms, :rtt_p99_ms,
			:jitter_min_ms, :jitter_max_ms, :jitter_avg_ms, :loss_avg_pct,
			:upload_avg_ms, :download_avg_ms
		)
		ON CONFLICT (hour_start, interface, kind, target, server_name) DO UPDATE SET
			count = excluded.count,
			rtt_min_ms = excluded.rtt_min_ms,
			rtt_max_ms = excluded.rtt_max_ms,
			rtt_avg_ms = excluded.rtt_avg_ms,
			rtt_p50_ms = excluded.rtt_p50_ms,
			rtt_p95_ms = excluded.rtt_p95_ms,
			rtt_p99_ms = excluded.rtt_p99_ms,
			jitter_min_ms = excluded.jitter_min_ms,
			jitter_max_ms = excluded.jitter_max_ms,
			jitter_avg_ms = excluded.jitter_avg_ms,
			loss_avg_pct = excluded.loss_avg_pct,
			upload_avg_ms = excluded.upload_avg_ms,
			download_avg_ms = excluded.download_avg_ms
	`, row)
	return err
}

// loadBuckets reads every raw row older than cutoff and groups it by hourly
// bucket in memory. SQLite permits only one writer but many concurrent
// readers, so this read runs before the write transaction opens rather than
// inside it; only the upsert+delete below needs the single-writer lock.
func (db *DB) loadBuckets(ctx context.Context, cutoff int64) (map[bucketKey][]measurementRow, error) {
	var rows []measurementRow
	err := db.x.SelectContext(ctx, &rows, `
		SELECT ts_unix_s, ts_monotonic_ns, interface, connection_type, kind, target,
			server_name, rtt_ms, upload_ms, download_ms, server_processing_us,
			jitter_ms, loss_pct, status, error
		FROM measurements
		WHERE ts_unix_s < ?
	`, cutoff)
	if err != nil {
		return nil, err
	}

	buckets := make(map[bucketKey][]measurementRow)
	for _, r := range rows {
		serverName := ""
		if r.ServerName.Valid {
			serverName = r.ServerName.String
		}
		k := bucketKey{
			HourStart:  (r.TsUnixS / 3600) * 3600,
			Interface:  r.Interface,
			Kind:       r.Kind,
			Target:     r.Target,
			ServerName: serverName,
		}
		buckets[k] = append(buckets[k], r)
	}
	return buckets, nil
}

// computeAggregates fans bucket computation out across a small worker pool
// bounded by runtime.NumCPU(): each bucket's percentile/average computation
// is an independent, CPU-bound unit of work, and a single day's pass can
// span thousands of buckets (spec.md §4.10). The pool only ever touches
// in-memory rows already loaded by loadBuckets; none of its workers talk to
// the database, so it never contends with SQLite's single-writer lock.
func computeAggregates(buckets map[bucketKey][]measurementRow) ([]hourlyAggregateRow, error) {
	if len(buckets) == 0 {
		return nil, nil
	}

	pool := pond.NewResultPool[hourlyAggregateRow](runtime.NumCPU())

	var tasks []pond.Task[hourlyAggregateRow]
	for k, rows := range buckets {
		k, rows := k, rows
		tasks = append(tasks, pool.Submit(func() hourlyAggregateRow {
			return aggregateBucket(k, rows)
		}))
	}

	out := make([]hourlyAggregateRow, len(tasks))
	for i, t := range tasks {
		row, err := t.Wait()
		if err != nil {
			return nil, err
		}
		out[i] = row
	}
	return out, nil
}

func aggregateBucket(k bucketKey, rows []measurementRow) hourlyAggregateRow {
	row := hourlyAggregateRow{
		HourStart:  k.HourStart,
		Interface:  k.Interface,
		Kind:       k.Kind,
		Target:     k.Target,
		ServerName: k.ServerName,
		Count:      len(rows),
	}

	var rtts, jitters, losses, uploads, downloads []float64
	for _, r := range rows {
		if r.RttMs.Valid {
			rtts = append(rtts, r.RttMs.Float64)
		}
		if r.JitterMs.Valid {
			jitters = append(jitters, r.JitterMs.Float64)
		}
		if r.LossPct.Valid {
			losses = append(losses, r.LossPct.Float64)
		}
		if r.UploadMs.Valid {
			uploads = append(uploads, r.UploadMs.Float64)
		}
		if r.DownloadMs.Valid {
			downloads = append(downloads, r.DownloadMs.Float64)
		}
	}

	if len(rtts) > 0 {
		sort.Float64s(rtts)
		row.RttMinMs = validFloat(rtts[0])
		row.RttMaxMs = validFloat(rtts[len(rtts)-1])
		row.RttAvgMs = validFloat(mean(rtts))
		row.RttP50Ms = validFloat(percentile(rtts, 50))
		row.RttP95Ms = validFloat(percentile(rtts, 95))
		row.RttP99Ms = validFloat(percentile(rtts, 99))
	}
	if len(jitters) > 0 {
		sort.Float64s(jitters)
		row.JitterMinMs = validFloat(jitters[0])
		row.JitterMaxMs = validFloat(jitters[len(jitters)-1])
		row.JitterAvgMs = validFloat(mean(jitters))
	}
	if len(losses) > 0 {
		row.LossAvgPct = validFloat(mean(losses))
	}
	if len(uploads) > 0 {
		row.UploadAvgMs = validFloat(mean(uploads))
	}
	if len(downloads) > 0 {
		row.DownloadAvgMs = validFloat(mean(downloads))
	}

	return row
}

func validFloat(v float64) sql.NullFloat64 {
	return sql.NullFloat64{Float64: v, Valid: true}
}

func mean(xs []float64) float64 {
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

// percentile returns the pctile-th percentile of a sorted slice, linearly
// interpolating between the two closest ranks.
func percentile(sorted []float64, pctile float64) float64 {
	if len(sorted) == 1 {
		return sorted[0]
	}
	rank := pctile / 100 * float64(len(sorted)-1)
	lo := int(rank)
	hi := lo + 1
	if hi >= len(sorted) {
		return sorted[len(sorted)-1]
	}
	frac := rank - float64(lo)
	return sorted[lo] + frac*(sorted[hi]-sorted[lo])
}
