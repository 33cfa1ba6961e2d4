package db

import (
	"context"
	"strings"

	"github.com/mattn/go-sqlite3"

	"github.com/teranos/gridwms/errors"
)

// ErrDatabaseClosed is returned when operations are attempted on a closed database.
// This typically occurs during graceful shutdown when the database connection
// is closed before all goroutines have finished their work.
var ErrDatabaseClosed = errors.New("database is closed")

// IsDatabaseClosed checks if an error indicates the database connection is closed.
//
// The string matching fallback is necessary because the underlying sql driver
// returns its own error types that we cannot wrap at the source.
func IsDatabaseClosed(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, ErrDatabaseClosed) {
		return true
	}

	errMsg := err.Error()
	return strings.Contains(errMsg, "database is closed") ||
		strings.Contains(errMsg, "sql: database is closed")
}

// IsUniqueViolation reports whether err is a SQLite UNIQUE or PRIMARY KEY
// constraint failure. Used to turn duplicate inserts into Conflict errors.
func IsUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

// IsForeignKeyViolation reports whether err is a SQLite foreign key
// constraint failure. Deleting a task queue with attached jobs trips this.
func IsForeignKeyViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintForeignKey
	}
	return false
}

// ClassifyError maps a raw store error to one of the scheduler error kinds.
// Context expiry wins over driver errors so callers see DeadlineExceeded when
// their deadline caused the failure.
func ClassifyError(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return errors.Wrap(errors.ErrDeadlineExceeded, err.Error())
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return errors.Wrap(errors.ErrDeadlineExceeded, err.Error())
	}
	if IsUniqueViolation(err) || IsForeignKeyViolation(err) {
		return errors.Wrap(errors.ErrConflict, err.Error())
	}
	return errors.Wrap(errors.ErrStoreUnavailable, err.Error())
}
