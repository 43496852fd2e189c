package storage

import (
	"context"
	"fmt"

	"github.com/bufferbane/bufferbane/internal/measurement"
)

// InsertEvent writes a single operational event (spec.md §4.9). Events are
// low-volume compared to measurements, so no batching contract is needed
// here; the writer task calls this once per event as it drains its events
// channel.
func (db *DB) InsertEvent(ctx context.Context, ev measurement.Event) error {
	_, err := db.x.NamedExecContext(ctx, `
		INSERT INTO events (ts_unix_s, kind, severity, details)
		VALUES (:ts_unix_s, :kind, :severity, :details)
	`, eventRow{
		TsUnixS:  ev.TsUnixS,
		Kind:     string(ev.Kind),
		Severity: string(ev.Severity),
		Details:  ev.Details,
	})
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

type eventRow struct {
	TsUnixS  int64  `db:"ts_unix_s"`
	Kind     string `db:"kind"`
	Severity string `db:"severity"`
	Details  string `db:"details"`
}
