package store

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/INLOpen/dbmsg/core"
)

// LogStore is a dry-run store that logs every statement instead of executing it.
type LogStore struct {
	logger  *slog.Logger
	applied atomic.Int64
}

func NewLogStore(target string, logger *slog.Logger) *LogStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogStore{logger: logger.With("component", "LogStore", "target", target)}
}

func (s *LogStore) Apply(ctx context.Context, stmt core.Statement) error {
	s.applied.Add(1)
	s.logger.InfoContext(ctx, "Statement", "sql", string(stmt))
	return nil
}

func (s *LogStore) Reconnect(context.Context) error { return nil }

func (s *LogStore) Close() error { return nil }

// Applied returns the number of statements seen.
func (s *LogStore) Applied() int64 { return s.applied.Load() }
