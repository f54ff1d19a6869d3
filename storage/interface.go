package storage

import (
	"context"
	"time"

	"github.com/10thony/Campaignion-sub010/types"
)

// Database persists room recovery snapshots and the audit trail. All methods
// are safe for concurrent use.
type Database interface {
	// SaveSnapshot stores the latest recovery snapshot for an interaction,
	// replacing any previous one.
	SaveSnapshot(ctx context.Context, snapshot *types.Snapshot) error
	// LoadSnapshot returns the stored snapshot, or nil if none exists.
	LoadSnapshot(ctx context.Context, interactionID string) (*types.Snapshot, error)
	DeleteSnapshot(ctx context.Context, interactionID string) error

	AppendLog(ctx context.Context, entries ...*types.AuditLogEntry) error
	// SelectAuditLog returns up to limit entries, newest first.
	SelectAuditLog(ctx context.Context, interactionID string, limit int) ([]types.AuditLogEntry, error)
	PurgeAuditLog(ctx context.Context, before time.Time) (int64, error)

	Close() error
}
