// Package storage implements the SQLite sink behind the scheduler.Sink
// contract: batched measurement inserts, event inserts, ranged queries, and
// the daily aggregate-and-prune job.
package storage

import (
	"net/url"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

// DB stores measurements and events in a SQLite database.
type DB struct {
	x *sqlx.DB
}

// Open opens (creating if needed) a SQLite database at path, with WAL mode
// and a busy timeout so the writer task's single connection doesn't trip
// over readers running concurrent query_range calls.
func Open(path string) (*DB, error) {
	x, err := sqlx.Connect("sqlite3", (&url.URL{
		Path: path,
		RawQuery: (url.Values{
			"_journal":      {"WAL"},
			"_busy_timeout": {"6000"},
			"_foreign_keys": {"on"},
		}).Encode(),
	}).String())
	if err != nil {
		return nil, err
	}
	return &DB{x: x}, nil
}

func (db *DB) Close() error {
	return db.x.Close()
}
