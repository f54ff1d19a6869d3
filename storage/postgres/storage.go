package postgres

import (
	_ "github.com/lib/pq"

	"github.com/10thony/Campaignion-sub010/internal/sqlutil"
	"github.com/10thony/Campaignion-sub010/storage/shared"
)

// Open connects to PostgreSQL with the given connection string and prepares
// all tables.
func Open(connectionString string) (*shared.Database, error) {
	db, err := sqlutil.Open("postgres", connectionString)
	if err != nil {
		return nil, err
	}
	snapshots, err := NewPostgresSnapshotsTable(db)
	if err != nil {
		return nil, err
	}
	auditLog, err := NewPostgresAuditLogTable(db)
	if err != nil {
		return nil, err
	}
	return &shared.Database{
		DB:        db,
		Snapshots: snapshots,
		AuditLog:  auditLog,
	}, nil
}
