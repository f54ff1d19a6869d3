package tables

import (
	"context"
	"database/sql"
	"time"

	"github.com/10thony/Campaignion-sub010/types"
)

// SnapshotsTable stores the most recent recovery snapshot per interaction.
// Saves are idempotent, last-writer-wins.
type SnapshotsTable interface {
	UpsertSnapshot(ctx context.Context, txn *sql.Tx, snapshot *types.Snapshot) error
	SelectSnapshot(ctx context.Context, txn *sql.Tx, interactionID string) (*types.Snapshot, error)
	DeleteSnapshot(ctx context.Context, txn *sql.Tx, interactionID string) error
}

// AuditLogTable is the append-only audit trail.
type AuditLogTable interface {
	InsertEntry(ctx context.Context, txn *sql.Tx, entry *types.AuditLogEntry) error
	SelectEntries(ctx context.Context, txn *sql.Tx, interactionID string, limit int) ([]types.AuditLogEntry, error)
	DeleteEntriesBefore(ctx context.Context, txn *sql.Tx, before time.Time) (int64, error)
}
