package store

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/INLOpen/dbmsg/core"
)

const (
	DriverMySQL = "mysql"
	DriverLog   = "log"
)

// NewFactory returns the StoreFactory for a driver name.
func NewFactory(driver string, connectTimeout time.Duration, logger *slog.Logger) (core.StoreFactory, error) {
	if logger == nil {
		logger = slog.Default()
	}
	switch driver {
	case DriverMySQL, "":
		connector := MySQLConnector(connectTimeout)
		return func(group core.GroupInfo, target string) (core.Store, error) {
			return NewSQLStore(SQLOptions{
				Target:    target,
				DSN:       group.DSN,
				Connector: connector,
				Logger:    logger.With("group", group.Name),
			})
		}, nil
	case DriverLog:
		return func(group core.GroupInfo, target string) (core.Store, error) {
			return NewLogStore(target, logger.With("group", group.Name)), nil
		}, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", driver)
	}
}
