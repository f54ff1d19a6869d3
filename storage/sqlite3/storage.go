package sqlite3

import (
	_ "github.com/mattn/go-sqlite3"

	"github.com/10thony/Campaignion-sub010/internal/sqlutil"
	"github.com/10thony/Campaignion-sub010/storage/shared"
)

// Open opens a SQLite database at the given DSN and prepares all tables.
func Open(dsn string) (*shared.Database, error) {
	db, err := sqlutil.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	snapshots, err := NewSQLiteSnapshotsTable(db)
	if err != nil {
		return nil, err
	}
	auditLog, err := NewSQLiteAuditLogTable(db)
	if err != nil {
		return nil, err
	}
	return &shared.Database{
		DB:        db,
		Snapshots: snapshots,
		AuditLog:  auditLog,
	}, nil
}
