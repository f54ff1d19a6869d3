package sqlite3

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/10thony/Campaignion-sub010/internal/sqlutil"
	"github.com/10thony/Campaignion-sub010/storage/tables"
	"github.com/10thony/Campaignion-sub010/types"
)

const snapshotsSchema = `
CREATE TABLE IF NOT EXISTS liveapi_snapshots (
	interaction_id TEXT PRIMARY KEY,
	game_state TEXT NOT NULL,
	connected_participants TEXT NOT NULL,
	last_activity BIGINT NOT NULL,
	snapshot_ts BIGINT NOT NULL
);
`

const upsertSnapshotSQL = `
INSERT INTO liveapi_snapshots (interaction_id, game_state, connected_participants, last_activity, snapshot_ts)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (interaction_id) DO UPDATE SET
	game_state = $2, connected_participants = $3, last_activity = $4, snapshot_ts = $5
`

const selectSnapshotSQL = `
SELECT game_state, connected_participants, last_activity, snapshot_ts
FROM liveapi_snapshots WHERE interaction_id = $1
`

const deleteSnapshotSQL = `
DELETE FROM liveapi_snapshots WHERE interaction_id = $1
`

type snapshotsStatements struct {
	upsertStmt *sql.Stmt
	selectStmt *sql.Stmt
	deleteStmt *sql.Stmt
}

func NewSQLiteSnapshotsTable(db *sql.DB) (tables.SnapshotsTable, error) {
	s := &snapshotsStatements{}
	if _, err := db.Exec(snapshotsSchema); err != nil {
		return nil, err
	}
	return s, sqlutil.StatementList{
		{&s.upsertStmt, upsertSnapshotSQL},
		{&s.selectStmt, selectSnapshotSQL},
		{&s.deleteStmt, deleteSnapshotSQL},
	}.Prepare(db)
}

func (s *snapshotsStatements) UpsertSnapshot(ctx context.Context, txn *sql.Tx, snapshot *types.Snapshot) error {
	stateJSON, err := json.Marshal(snapshot.LastStateSnapshot)
	if err != nil {
		return errors.Wrap(err, "marshalling game state")
	}
	stmt := sqlutil.TxStmt(txn, s.upsertStmt)
	_, err = stmt.ExecContext(ctx,
		snapshot.InteractionID,
		string(stateJSON),
		strings.Join(snapshot.ConnectedParticipants, ","),
		snapshot.LastActivity.UnixMilli(),
		snapshot.SnapshotTimestamp.UnixMilli(),
	)
	return err
}

func (s *snapshotsStatements) SelectSnapshot(ctx context.Context, txn *sql.Tx, interactionID string) (*types.Snapshot, error) {
	stmt := sqlutil.TxStmt(txn, s.selectStmt)
	var stateJSON, participants string
	var lastActivity, snapshotTS int64
	err := stmt.QueryRowContext(ctx, interactionID).Scan(&stateJSON, &participants, &lastActivity, &snapshotTS)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var state types.GameState
	if err = json.Unmarshal([]byte(stateJSON), &state); err != nil {
		return nil, errors.Wrap(err, "unmarshalling game state")
	}
	var connected []string
	if participants != "" {
		connected = strings.Split(participants, ",")
	}
	return &types.Snapshot{
		InteractionID:         interactionID,
		LastStateSnapshot:     &state,
		SnapshotTimestamp:     time.UnixMilli(snapshotTS).UTC(),
		ConnectedParticipants: connected,
		LastActivity:          time.UnixMilli(lastActivity).UTC(),
	}, nil
}

func (s *snapshotsStatements) DeleteSnapshot(ctx context.Context, txn *sql.Tx, interactionID string) error {
	stmt := sqlutil.TxStmt(txn, s.deleteStmt)
	_, err := stmt.ExecContext(ctx, interactionID)
	return err
}
