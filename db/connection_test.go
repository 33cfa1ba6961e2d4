package db

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/gridwms/errors"
)

func TestOpenAppliesPragmas(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wms.db")

	conn, err := Open(path, 10, nil)
	require.NoError(t, err)
	defer conn.Close()

	var fk int
	require.NoError(t, conn.QueryRow("PRAGMA foreign_keys").Scan(&fk))
	assert.Equal(t, 1, fk)

	var mode string
	require.NoError(t, conn.QueryRow("PRAGMA journal_mode").Scan(&mode))
	assert.Equal(t, "wal", mode)
}

func TestIsDatabaseClosed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wms.db")
	conn, err := Open(path, 1, nil)
	require.NoError(t, err)
	require.NoError(t, conn.Close())

	err = conn.Ping()
	assert.True(t, IsDatabaseClosed(err))

	assert.True(t, IsDatabaseClosed(errors.Wrap(ErrDatabaseClosed, "detach")))
	assert.False(t, IsDatabaseClosed(nil))
	assert.False(t, IsDatabaseClosed(errors.New("some other error")))
}

func TestClassifyErrorMapsDriverFailures(t *testing.T) {
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer mockDB.Close()

	mock.ExpectExec("INSERT INTO tq_jobs").WillReturnError(errors.New("disk I/O error"))

	_, execErr := mockDB.Exec("INSERT INTO tq_jobs (job_id, tq_id) VALUES (1, 1)")
	require.Error(t, execErr)

	classified := ClassifyError(context.Background(), execErr)
	assert.True(t, errors.IsStoreUnavailable(classified))

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestClassifyErrorPrefersDeadline(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	classified := ClassifyError(ctx, errors.New("query aborted"))
	assert.True(t, errors.IsDeadlineExceeded(classified))
}

func TestClassifyErrorNil(t *testing.T) {
	assert.NoError(t, ClassifyError(context.Background(), nil))
}
