package storage

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/bufferbane/bufferbane/internal/measurement"
)

type measurementRow struct {
	TsUnixS            int64           `db:"ts_unix_s"`
	TsMonotonicNs      int64           `db:"ts_monotonic_ns"`
	Interface          string          `db:"interface"`
	ConnectionType     string          `db:"connection_type"`
	Kind               string          `db:"kind"`
	Target             string          `db:"target"`
	ServerName         sql.NullString  `db:"server_name"`
	RttMs              sql.NullFloat64 `db:"rtt_ms"`
	UploadMs           sql.NullFloat64 `db:"upload_ms"`
	DownloadMs         sql.NullFloat64 `db:"download_ms"`
	ServerProcessingUs sql.NullFloat64 `db:"server_processing_us"`
	JitterMs           sql.NullFloat64 `db:"jitter_ms"`
	LossPct            sql.NullFloat64 `db:"loss_pct"`
	Status             string          `db:"status"`
	Error              sql.NullString  `db:"error"`
}

func toRow(m measurement.Measurement) measurementRow {
	r := measurementRow{
		TsUnixS:        m.TsUnixS,
		TsMonotonicNs:  m.TsMonotonicNs,
		Interface:      m.Interface,
		ConnectionType: m.ConnectionType,
		Kind:           string(m.Kind),
		Target:         m.Target,
		Status:         string(m.Status),
	}
	if m.HasServerName {
		r.ServerName = sql.NullString{String: m.ServerName, Valid: true}
	}
	if m.HasRtt {
		r.RttMs = sql.NullFloat64{Float64: m.RttMs, Valid: true}
	}
	if m.HasOneWay {
		r.UploadMs = sql.NullFloat64{Float64: m.UploadMs, Valid: true}
		r.DownloadMs = sql.NullFloat64{Float64: m.DownloadMs, Valid: true}
	}
	if m.HasProcessing {
		r.ServerProcessingUs = sql.NullFloat64{Float64: m.ServerProcessing, Valid: true}
	}
	if m.HasJitter {
		r.JitterMs = sql.NullFloat64{Float64: m.JitterMs, Valid: true}
	}
	if m.HasLoss {
		r.LossPct = sql.NullFloat64{Float64: m.LossPct, Valid: true}
	}
	if m.Error != "" {
		r.Error = sql.NullString{String: m.Error, Valid: true}
	}
	return r
}

func (r measurementRow) toMeasurement() measurement.Measurement {
	m := measurement.Measurement{
		TsUnixS:        r.TsUnixS,
		TsMonotonicNs:  r.TsMonotonicNs,
		Interface:      r.Interface,
		ConnectionType: r.ConnectionType,
		Kind:           measurement.Kind(r.Kind),
		Target:         r.Target,
		Status:         measurement.Status(r.Status),
	}
	if r.ServerName.Valid {
		m.ServerName = r.ServerName.String
		m.HasServerName = true
	}
	if r.RttMs.Valid {
		m.RttMs = r.RttMs.Float64
		m.HasRtt = true
	}
	if r.UploadMs.Valid && r.DownloadMs.Valid {
		m.UploadMs = r.UploadMs.Float64
		m.DownloadMs = r.DownloadMs.Float64
		m.HasOneWay = true
	}
	if r.ServerProcessingUs.Valid {
		m.ServerProcessing = r.ServerProcessingUs.Float64
		m.HasProcessing = true
	}
	if r.JitterMs.Valid {
		m.JitterMs = r.JitterMs.Float64
		m.HasJitter = true
	}
	if r.LossPct.Valid {
		m.LossPct = r.LossPct.Float64
		m.HasLoss = true
	}
	if r.Error.Valid {
		m.Error = r.Error.String
	}
	return m
}

// InsertMeasurements writes batch atomically: either every row lands, or
// none do (spec.md §4.9 "atomic with respect to a single batch").
func (db *DB) InsertMeasurements(ctx context.Context, batch []measurement.Measurement) error {
	if len(batch) == 0 {
		return nil
	}

	tx, err := db.x.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareNamedContext(ctx, `
		INSERT INTO measurements (
			ts_unix_s, ts_monotonic_ns, interface, connection_type, kind, target,
			server_name, rtt_ms, upload_ms, download_ms, server_processing_us,
			jitter_ms, loss_pct, status, error
		) VALUES (
			:ts_unix_s, :ts_monotonic_ns, :interface, :connection_type, :kind, :target,
			:server_name, :rtt_ms, :upload_ms, :download_ms, :server_processing_us,
			:jitter_ms, :loss_pct, :status, :error
		)
	`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, m := range batch {
		if _, err := stmt.ExecContext(ctx, toRow(m)); err != nil {
			return fmt.Errorf("insert measurement: %w", err)
		}
	}

	return tx.Commit()
}

// Filters narrows a query_range call. Zero-value fields are unfiltered.
type Filters struct {
	Kind       measurement.Kind
	Target     string
	ServerName string
}

// QueryRange streams measurements in [from, to] (unix seconds, inclusive)
// matching filters, ordered by timestamp. Intended for exporters; probers
// never call this.
func (db *DB) QueryRange(ctx context.Context, from, to int64, f Filters) ([]measurement.Measurement, error) {
	q := `SELECT ts_unix_s, ts_monotonic_ns, interface, connection_type, kind, target,
			server_name, rtt_ms, upload_ms, download_ms, server_processing_us,
			jitter_ms, loss_pct, status, error
		FROM measurements
		WHERE ts_unix_s >= ? AND ts_unix_s <= ?`
	args := []any{from, to}

	if f.Kind != "" {
		q += ` AND kind = ?`
		args = append(args, string(f.Kind))
	}
	if f.Target != "" {
		q += ` AND target = ?`
		args = append(args, f.Target)
	}
	if f.ServerName != "" {
		q += ` AND server_name = ?`
		args = append(args, f.ServerName)
	}
	q += ` ORDER BY ts_unix_s ASC`

	var rows []measurementRow
	if err := db.x.SelectContext(ctx, &rows, db.x.Rebind(q), args...); err != nil {
		return nil, fmt.Errorf("query range: %w", err)
	}

	out := make([]measurement.Measurement, len(rows))
	for i, r := range rows {
		out[i] = r.toMeasurement()
	}
	return out, nil
}
