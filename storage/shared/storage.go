package shared

import (
	"context"
	"database/sql"
	"time"

	"github.com/10thony/Campaignion-sub010/internal/sqlutil"
	"github.com/10thony/Campaignion-sub010/storage/tables"
	"github.com/10thony/Campaignion-sub010/types"
)

// Database implements the storage API on top of driver-specific tables.
type Database struct {
	DB        *sql.DB
	Snapshots tables.SnapshotsTable
	AuditLog  tables.AuditLogTable
}

func (d *Database) SaveSnapshot(ctx context.Context, snapshot *types.Snapshot) error {
	return sqlutil.WithTransaction(d.DB, func(txn *sql.Tx) error {
		return d.Snapshots.UpsertSnapshot(ctx, txn, snapshot)
	})
}

func (d *Database) LoadSnapshot(ctx context.Context, interactionID string) (*types.Snapshot, error) {
	return d.Snapshots.SelectSnapshot(ctx, nil, interactionID)
}

func (d *Database) DeleteSnapshot(ctx context.Context, interactionID string) error {
	return sqlutil.WithTransaction(d.DB, func(txn *sql.Tx) error {
		return d.Snapshots.DeleteSnapshot(ctx, txn, interactionID)
	})
}

func (d *Database) AppendLog(ctx context.Context, entries ...*types.AuditLogEntry) error {
	return sqlutil.WithTransaction(d.DB, func(txn *sql.Tx) error {
		for _, entry := range entries {
			if err := d.AuditLog.InsertEntry(ctx, txn, entry); err != nil {
				return err
			}
		}
		return nil
	})
}

func (d *Database) SelectAuditLog(ctx context.Context, interactionID string, limit int) ([]types.AuditLogEntry, error) {
	return d.AuditLog.SelectEntries(ctx, nil, interactionID, limit)
}

func (d *Database) PurgeAuditLog(ctx context.Context, before time.Time) (int64, error) {
	var removed int64
	err := sqlutil.WithTransaction(d.DB, func(txn *sql.Tx) error {
		var err error
		removed, err = d.AuditLog.DeleteEntriesBefore(ctx, txn, before)
		return err
	})
	return removed, err
}

func (d *Database) Close() error {
	return d.DB.Close()
}
