package core

import "context"

// Store is the backing-store connection owned by a single queue worker.
// Implementations need not be safe for concurrent use.
type Store interface {
	// Apply executes one statement.
	Apply(ctx context.Context, stmt Statement) error
	// Reconnect closes the current connection and opens a new one.
	Reconnect(ctx context.Context) error
	Close() error
}

// StoreFactory opens a Store for a target that belongs to the named group.
type StoreFactory func(group GroupInfo, target string) (Store, error)

// GroupInfo describes one backing-store group a target can be classified into.
type GroupInfo struct {
	Name string
	DSN  string
}
