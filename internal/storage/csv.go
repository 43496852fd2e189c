package storage

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"

	"github.com/bufferbane/bufferbane/internal/measurement"
)

var csvHeader = []string{
	"ts_unix_s", "ts_monotonic_ns", "interface", "connection_type", "kind", "target",
	"server_name", "rtt_ms", "upload_ms", "download_ms", "server_processing_us",
	"jitter_ms", "loss_pct", "status", "error",
}

// WriteCSV streams rows as CSV to w, for the bufferbane-agent "export"
// command (spec.md §6 lifecycle commands). That command fetches the rows
// with QueryRange and is QueryRange's only non-test caller in this module;
// chart/CSV exporters proper are out of scope (spec.md §1), so this exists
// only to give query_range a caller.
func WriteCSV(w io.Writer, rows []measurement.Measurement) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}
	for _, m := range rows {
		if err := cw.Write(csvRecord(m)); err != nil {
			return fmt.Errorf("write csv record: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}

func csvRecord(m measurement.Measurement) []string {
	return []string{
		strconv.FormatInt(m.TsUnixS, 10),
		strconv.FormatInt(m.TsMonotonicNs, 10),
		m.Interface,
		m.ConnectionType,
		string(m.Kind),
		m.Target,
		optString(m.HasServerName, m.ServerName),
		optFloat(m.HasRtt, m.RttMs),
		optFloat(m.HasOneWay, m.UploadMs),
		optFloat(m.HasOneWay, m.DownloadMs),
		optFloat(m.HasProcessing, m.ServerProcessing),
		optFloat(m.HasJitter, m.JitterMs),
		optFloat(m.HasLoss, m.LossPct),
		string(m.Status),
		m.Error,
	}
}

func optString(has bool, s string) string {
	if !has {
		return ""
	}
	return s
}

func optFloat(has bool, v float64) string {
	if !has {
		return ""
	}
	return strconv.FormatFloat(v, 'f', -1, 64)
}
