package db

import (
	"database/sql"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/teranos/gridwms/errors"
)

// Open opens a SQLite database at the specified path with the settings the
// scheduler relies on: WAL mode for concurrent reads during writes, foreign
// keys enforced (job rows must block task queue deletion), and a bounded
// connection pool. If logger is provided, logs database operations; otherwise
// operates silently.
func Open(path string, maxConnections int, logger *zap.SugaredLogger) (*sql.DB, error) {
	if logger != nil {
		logger.Debugw("Opening database", "path", path, "max_connections", maxConnections)
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, errors.Wrap(err, "open database")
	}

	// Enable WAL mode for concurrent reads during writes
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "enable WAL mode")
	}

	// Foreign key constraints back the attachment invariants
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "enable foreign keys")
	}

	// Set busy timeout to 5 seconds
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "set busy timeout")
	}

	if maxConnections > 0 {
		db.SetMaxOpenConns(maxConnections)
	}

	if logger != nil {
		logger.Infow("Database opened successfully",
			"path", path,
			"wal_mode", true,
			"foreign_keys", true,
			"max_connections", maxConnections,
		)
	}

	return db, nil
}
