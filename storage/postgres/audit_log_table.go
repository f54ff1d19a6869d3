package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/pkg/errors"

	"github.com/10thony/Campaignion-sub010/internal/sqlutil"
	"github.com/10thony/Campaignion-sub010/storage/tables"
	"github.com/10thony/Campaignion-sub010/types"
)

const auditLogSchema = `
CREATE TABLE IF NOT EXISTS liveapi_audit_log (
	id BIGSERIAL PRIMARY KEY,
	interaction_id TEXT NOT NULL,
	event_type TEXT NOT NULL,
	event_data JSONB,
	user_id TEXT,
	entity_id TEXT,
	session_id TEXT NOT NULL,
	ts BIGINT NOT NULL
);

CREATE INDEX IF NOT EXISTS liveapi_audit_log_interaction_idx
	ON liveapi_audit_log(interaction_id, ts);
`

const insertAuditEntrySQL = `
INSERT INTO liveapi_audit_log (interaction_id, event_type, event_data, user_id, entity_id, session_id, ts)
VALUES ($1, $2, $3, $4, $5, $6, $7)
`

const selectAuditEntriesSQL = `
SELECT event_type, event_data, user_id, entity_id, session_id, ts
FROM liveapi_audit_log WHERE interaction_id = $1
ORDER BY ts DESC, id DESC
LIMIT $2
`

const deleteAuditEntriesBeforeSQL = `
DELETE FROM liveapi_audit_log WHERE ts < $1
`

type auditLogStatements struct {
	insertStmt       *sql.Stmt
	selectStmt       *sql.Stmt
	deleteBeforeStmt *sql.Stmt
}

func NewPostgresAuditLogTable(db *sql.DB) (tables.AuditLogTable, error) {
	s := &auditLogStatements{}
	if _, err := db.Exec(auditLogSchema); err != nil {
		return nil, err
	}
	return s, sqlutil.StatementList{
		{&s.insertStmt, insertAuditEntrySQL},
		{&s.selectStmt, selectAuditEntriesSQL},
		{&s.deleteBeforeStmt, deleteAuditEntriesBeforeSQL},
	}.Prepare(db)
}

func (s *auditLogStatements) InsertEntry(ctx context.Context, txn *sql.Tx, entry *types.AuditLogEntry) error {
	var dataJSON []byte
	if entry.EventData != nil {
		var err error
		if dataJSON, err = json.Marshal(entry.EventData); err != nil {
			return errors.Wrap(err, "marshalling event data")
		}
	}
	stmt := sqlutil.TxStmt(txn, s.insertStmt)
	_, err := stmt.ExecContext(ctx,
		entry.InteractionID,
		entry.EventType,
		dataJSON,
		entry.UserID,
		entry.EntityID,
		entry.SessionID,
		entry.Timestamp.UnixMilli(),
	)
	return err
}

func (s *auditLogStatements) SelectEntries(ctx context.Context, txn *sql.Tx, interactionID string, limit int) ([]types.AuditLogEntry, error) {
	stmt := sqlutil.TxStmt(txn, s.selectStmt)
	rows, err := stmt.QueryContext(ctx, interactionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close() // nolint: errcheck

	var entries []types.AuditLogEntry
	for rows.Next() {
		var entry types.AuditLogEntry
		var dataJSON []byte
		var ts int64
		if err = rows.Scan(&entry.EventType, &dataJSON, &entry.UserID, &entry.EntityID, &entry.SessionID, &ts); err != nil {
			return nil, err
		}
		entry.InteractionID = interactionID
		entry.Timestamp = time.UnixMilli(ts).UTC()
		if len(dataJSON) > 0 {
			if err = json.Unmarshal(dataJSON, &entry.EventData); err != nil {
				return nil, errors.Wrap(err, "unmarshalling event data")
			}
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func (s *auditLogStatements) DeleteEntriesBefore(ctx context.Context, txn *sql.Tx, before time.Time) (int64, error) {
	stmt := sqlutil.TxStmt(txn, s.deleteBeforeStmt)
	res, err := stmt.ExecContext(ctx, before.UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
