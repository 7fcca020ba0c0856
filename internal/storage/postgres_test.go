package storage

import (
	"context"
	"errors"
	"testing"

	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ooda-engine/internal/domain"
)

func newMockStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return NewPostgresStore(mock), mock
}

func TestPostgresMigrate(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS artifacts").WillReturnResult(pgxmock.NewResult("CREATE", 0))

	require.NoError(t, store.Migrate(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresPut(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectExec("INSERT INTO artifacts").
		WithArgs("boms", "b1", pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.Put(context.Background(), StageBOMs, "b1", record{ID: "b1"}))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresPutError(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectExec("INSERT INTO artifacts").
		WithArgs("boms", "b1", pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnError(errors.New("connection reset"))

	err := store.Put(context.Background(), StageBOMs, "b1", record{ID: "b1"})
	assert.ErrorContains(t, err, "connection reset")
}

func TestPostgresGet(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery("SELECT body FROM artifacts").
		WithArgs("diagnostics", "inv-1").
		WillReturnRows(pgxmock.NewRows([]string{"body"}).AddRow([]byte(`{"id":"inv-1","score":0.9}`)))

	var got record
	require.NoError(t, store.Get(context.Background(), StageDiagnostics, "inv-1", &got))
	assert.Equal(t, record{ID: "inv-1", Score: 0.9}, got)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresGetMissing(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery("SELECT body FROM artifacts").
		WithArgs("diagnostics", "inv-9").
		WillReturnRows(pgxmock.NewRows([]string{"body"}))

	var got record
	err := store.Get(context.Background(), StageDiagnostics, "inv-9", &got)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestPostgresList(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery("SELECT id FROM artifacts").
		WithArgs("schedule").
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow("a").AddRow("b"))

	ids, err := store.List(context.Background(), StageSchedule)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, ids)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresNotConfigured(t *testing.T) {
	var store *PostgresStore
	assert.ErrorIs(t, store.Put(context.Background(), StageBOMs, "b1", record{}), ErrNotConfigured)
	assert.NoError(t, store.Close())

	_, _, err := NewPostgresStore(nil).TryAdvisoryLock(context.Background(), 1)
	assert.ErrorIs(t, err, ErrNotConfigured)
}
