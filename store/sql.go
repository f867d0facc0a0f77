package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/INLOpen/dbmsg/core"
	"github.com/go-sql-driver/mysql"
)

// DefaultConnectTimeout bounds the dial of a single reconnect.
const DefaultConnectTimeout = 10 * time.Second

// Connector opens a database handle for a DSN.
type Connector func(ctx context.Context, dsn string) (*sql.DB, error)

// MySQLConnector returns a Connector for the MySQL driver. The DSN carries no
// default schema; statements name their schema as target.table.
func MySQLConnector(connectTimeout time.Duration) Connector {
	return func(ctx context.Context, dsn string) (*sql.DB, error) {
		cfg, err := mysql.ParseDSN(dsn)
		if err != nil {
			return nil, fmt.Errorf("parse mysql dsn: %w", err)
		}
		if connectTimeout > 0 {
			cfg.Timeout = connectTimeout
		}
		connector, err := mysql.NewConnector(cfg)
		if err != nil {
			return nil, err
		}
		return sql.OpenDB(connector), nil
	}
}

// SQLOptions configures a SQLStore.
type SQLOptions struct {
	Target    string
	DSN       string
	Connector Connector
	Logger    *slog.Logger
}

// SQLStore executes statements over database/sql. It is owned by a single
// queue worker; the mutex only guards the handle against Close.
type SQLStore struct {
	target  string
	dsn     string
	connect Connector
	logger  *slog.Logger

	mu sync.Mutex
	db *sql.DB
}

// NewSQLStore opens the handle. The first connection is made lazily by the
// first Apply, so a store that is down at startup does not fail creation.
func NewSQLStore(opts SQLOptions) (*SQLStore, error) {
	if opts.Connector == nil {
		opts.Connector = MySQLConnector(DefaultConnectTimeout)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	s := &SQLStore{
		target:  opts.Target,
		dsn:     opts.DSN,
		connect: opts.Connector,
		logger:  opts.Logger.With("component", "SQLStore", "target", opts.Target),
	}
	db, err := s.connect(context.Background(), s.dsn)
	if err != nil {
		return nil, err
	}
	s.db = configure(db)
	return s, nil
}

func configure(db *sql.DB) *sql.DB {
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	return db
}

// Apply executes one statement.
func (s *SQLStore) Apply(ctx context.Context, stmt core.Statement) error {
	s.mu.Lock()
	db := s.db
	s.mu.Unlock()
	if db == nil {
		return &core.ConnectivityError{Target: s.target, Err: errors.New("no open connection")}
	}
	if _, err := db.ExecContext(ctx, string(stmt)); err != nil {
		return err
	}
	return nil
}

// Reconnect drops the current handle and opens and pings a new one.
func (s *SQLStore) Reconnect(ctx context.Context) error {
	s.mu.Lock()
	old := s.db
	s.db = nil
	s.mu.Unlock()
	if old != nil {
		if err := old.Close(); err != nil {
			s.logger.Debug("Closing old connection failed", "error", err)
		}
	}

	db, err := s.connect(ctx, s.dsn)
	if err != nil {
		return &core.ConnectivityError{Target: s.target, Err: err}
	}
	db = configure(db)
	if err := db.PingContext(ctx); err != nil {
		// Keep the handle; database/sql redials on the next Exec.
		s.setDB(db)
		return &core.ConnectivityError{Target: s.target, Err: err}
	}
	s.setDB(db)
	s.logger.Info("Reconnected to backing store")
	return nil
}

func (s *SQLStore) setDB(db *sql.DB) {
	s.mu.Lock()
	s.db = db
	s.mu.Unlock()
}

func (s *SQLStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}
