package store

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/INLOpen/dbmsg/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// mockConnector hands out the given handles in order.
func mockConnector(dbs ...*sql.DB) Connector {
	return func(ctx context.Context, dsn string) (*sql.DB, error) {
		if len(dbs) == 0 {
			return nil, errors.New("no more handles")
		}
		db := dbs[0]
		dbs = dbs[1:]
		return db, nil
	}
}

func TestSQLStore_Apply(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)
	defer db.Close()

	s, err := NewSQLStore(SQLOptions{Target: "edge", Connector: mockConnector(db), Logger: discardLogger()})
	require.NoError(t, err)

	stmt := core.Statement("INSERT INTO edge.pick (sta,amp) VALUES ('ABC','1.5')")
	mock.ExpectExec(string(stmt)).WillReturnResult(sqlmock.NewResult(1, 1))
	require.NoError(t, s.Apply(context.Background(), stmt))

	mock.ExpectExec(string(stmt)).WillReturnError(errors.New("duplicate entry"))
	err = s.Apply(context.Background(), stmt)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate entry")

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_Reconnect(t *testing.T) {
	db1, _, err := sqlmock.New()
	require.NoError(t, err)
	db2, mock2, err := sqlmock.New(sqlmock.MonitorPingsOption(true), sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)
	defer db2.Close()

	s, err := NewSQLStore(SQLOptions{Target: "edge", Connector: mockConnector(db1, db2), Logger: discardLogger()})
	require.NoError(t, err)

	mock2.ExpectPing()
	require.NoError(t, s.Reconnect(context.Background()))

	mock2.ExpectExec("UPDATE edge.t SET a='1' WHERE id=3").WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, s.Apply(context.Background(), "UPDATE edge.t SET a='1' WHERE id=3"))
	assert.NoError(t, mock2.ExpectationsWereMet())
}

func TestSQLStore_ReconnectFailures(t *testing.T) {
	t.Run("connector fails", func(t *testing.T) {
		db1, _, err := sqlmock.New()
		require.NoError(t, err)
		s, err := NewSQLStore(SQLOptions{Target: "edge", Connector: mockConnector(db1), Logger: discardLogger()})
		require.NoError(t, err)

		err = s.Reconnect(context.Background())
		require.Error(t, err)
		assert.True(t, core.IsConnectivityError(err))

		err = s.Apply(context.Background(), "INSERT INTO edge.t (a) VALUES ('1')")
		assert.True(t, core.IsConnectivityError(err))
	})

	t.Run("ping fails", func(t *testing.T) {
		db1, _, err := sqlmock.New()
		require.NoError(t, err)
		db2, mock2, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
		require.NoError(t, err)
		defer db2.Close()
		s, err := NewSQLStore(SQLOptions{Target: "edge", Connector: mockConnector(db1, db2), Logger: discardLogger()})
		require.NoError(t, err)

		mock2.ExpectPing().WillReturnError(errors.New("connection refused"))
		err = s.Reconnect(context.Background())
		require.Error(t, err)
		assert.True(t, core.IsConnectivityError(err))
		assert.NoError(t, mock2.ExpectationsWereMet())
	})
}

func TestSQLStore_Close(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	s, err := NewSQLStore(SQLOptions{Target: "edge", Connector: mockConnector(db), Logger: discardLogger()})
	require.NoError(t, err)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	err = s.Apply(context.Background(), "INSERT INTO edge.t (a) VALUES ('1')")
	assert.True(t, core.IsConnectivityError(err))
}

func TestMySQLConnector(t *testing.T) {
	connect := MySQLConnector(DefaultConnectTimeout)

	db, err := connect(context.Background(), "user:pass@tcp(127.0.0.1:3306)/")
	require.NoError(t, err)
	require.NoError(t, db.Close())

	_, err = connect(context.Background(), "not a dsn")
	assert.Error(t, err)
}

func TestLogStore(t *testing.T) {
	s := NewLogStore("edge", discardLogger())
	require.NoError(t, s.Apply(context.Background(), "INSERT INTO edge.t (a) VALUES ('1')"))
	require.NoError(t, s.Reconnect(context.Background()))
	assert.Equal(t, int64(1), s.Applied())
	assert.NoError(t, s.Close())
}

func TestNewFactory(t *testing.T) {
	group := core.GroupInfo{Name: "operational", DSN: "user:pass@tcp(127.0.0.1:3306)/"}

	f, err := NewFactory(DriverLog, 0, discardLogger())
	require.NoError(t, err)
	st, err := f(group, "edge")
	require.NoError(t, err)
	assert.IsType(t, &LogStore{}, st)

	f, err = NewFactory(DriverMySQL, DefaultConnectTimeout, discardLogger())
	require.NoError(t, err)
	st, err = f(group, "edge")
	require.NoError(t, err)
	assert.IsType(t, &SQLStore{}, st)
	require.NoError(t, st.Close())

	_, err = f(core.GroupInfo{Name: "bad", DSN: "not a dsn"}, "edge")
	assert.Error(t, err)

	_, err = NewFactory("postgres", 0, discardLogger())
	assert.Error(t, err)
}
