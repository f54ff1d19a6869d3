package storage

import (
	"fmt"
	"strings"

	"github.com/10thony/Campaignion-sub010/storage/postgres"
	"github.com/10thony/Campaignion-sub010/storage/sqlite3"
)

// Open opens a database from a connection string. Postgres URIs select the
// postgres backend, "file:" URIs and bare paths select SQLite.
func Open(connectionString string) (Database, error) {
	switch {
	case strings.HasPrefix(connectionString, "postgres://"),
		strings.HasPrefix(connectionString, "postgresql://"):
		return postgres.Open(connectionString)
	case strings.HasPrefix(connectionString, "file:"),
		strings.HasPrefix(connectionString, "/"),
		strings.HasPrefix(connectionString, "./"),
		connectionString == ":memory:":
		return sqlite3.Open(connectionString)
	default:
		return nil, fmt.Errorf("unrecognised database connection string %q", connectionString)
	}
}
