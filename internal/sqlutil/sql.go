package sqlutil

import (
	"database/sql"
	"fmt"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// StatementList pairs prepared statement targets with their SQL so a table
// constructor can prepare everything in one call.
type StatementList []struct {
	Statement **sql.Stmt
	SQL       string
}

// Prepare prepares each statement in the list, writing it back through the
// target pointer.
func (s StatementList) Prepare(db *sql.DB) (err error) {
	for _, entry := range s {
		if *entry.Statement, err = db.Prepare(entry.SQL); err != nil {
			return errors.Wrapf(err, "preparing %q", entry.SQL)
		}
	}
	return nil
}

// TxStmt wraps an existing statement with the transaction, if one is in
// progress.
func TxStmt(txn *sql.Tx, statement *sql.Stmt) *sql.Stmt {
	if txn != nil {
		statement = txn.Stmt(statement)
	}
	return statement
}

// WithTransaction runs fn inside a transaction, committing on success and
// rolling back on error or panic.
func WithTransaction(db *sql.DB, fn func(txn *sql.Tx) error) (err error) {
	txn, err := db.Begin()
	if err != nil {
		return errors.Wrap(err, "beginning transaction")
	}
	succeeded := false
	defer EndTransaction(txn, &succeeded)

	if err = fn(txn); err != nil {
		return
	}
	succeeded = true
	return
}

// EndTransaction commits or rolls back depending on *succeeded. Intended for
// use in a defer.
func EndTransaction(txn *sql.Tx, succeeded *bool) {
	if *succeeded {
		if err := txn.Commit(); err != nil {
			logrus.WithError(err).Error("Failed to commit transaction")
		}
	} else {
		if err := txn.Rollback(); err != nil && err != sql.ErrTxDone {
			logrus.WithError(err).Error("Failed to rollback transaction")
		}
	}
}

// Open opens a database/sql handle for the given driver and connection
// string.
func Open(driverName, dsn string) (*sql.DB, error) {
	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("opening %s database: %w", driverName, err)
	}
	if driverName == "sqlite3" {
		// SQLite serializes writers; more than one connection just produces
		// SQLITE_BUSY under contention.
		db.SetMaxOpenConns(1)
	}
	return db, nil
}
