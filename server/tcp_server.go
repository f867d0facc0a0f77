package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/INLOpen/dbmsg/alert"
)

const (
	// DefaultStaleAfter is how long a connection may stay silent before it is closed.
	DefaultStaleAfter = 24 * time.Hour
	// DefaultListenRetryDelay is the pause between failed bind attempts.
	DefaultListenRetryDelay = 10 * time.Second

	acceptRetryMin = 5 * time.Millisecond
	acceptRetryMax = time.Second
)

// TCPServer accepts line protocol connections and tracks the live handlers.
// Each accept sweeps the set: finished handlers are forgotten and handlers
// idle longer than the stale threshold are closed.
type TCPServer struct {
	listener   net.Listener
	sink       RecordSink
	alerts     alert.Raiser
	staleAfter time.Duration
	logger     *slog.Logger
	now        func() time.Time

	connWg    sync.WaitGroup // Tracks active connections for graceful shutdown.
	isStarted bool
	stopped   bool
	stopOnce  sync.Once
	quit      chan struct{}
	ctx       context.Context
	cancel    context.CancelFunc
	mu        sync.Mutex
	live      map[*TCPConnectionHandler]struct{}
}

// NewTCPServer creates a new TCP server instance.
func NewTCPServer(sink RecordSink, alerts alert.Raiser, staleAfter time.Duration, logger *slog.Logger) *TCPServer {
	if alerts == nil {
		alerts = alert.Nop{}
	}
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &TCPServer{
		sink:       sink,
		alerts:     alerts,
		staleAfter: staleAfter,
		logger:     logger.With("component", "TCPServer"),
		now:        time.Now,
		quit:       make(chan struct{}),
		ctx:        ctx,
		cancel:     cancel,
		live:       make(map[*TCPConnectionHandler]struct{}),
	}
}

// ListenWithRetry binds addr, retrying with a fixed delay until it succeeds or
// ctx is done.
func ListenWithRetry(ctx context.Context, addr string, delay time.Duration, logger *slog.Logger) (net.Listener, error) {
	if delay <= 0 {
		delay = DefaultListenRetryDelay
	}
	var lc net.ListenConfig
	for {
		lis, err := lc.Listen(ctx, "tcp", addr)
		if err == nil {
			return lis, nil
		}
		logger.Warn("Failed to listen, retrying", "address", addr, "delay", delay, "error", err)
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, fmt.Errorf("listen on %s: %w", addr, ctx.Err())
		case <-t.C:
		}
	}
}

// Start begins listening for and handling TCP connections.
// This is a blocking call that runs the server's accept loop. It should be run in a goroutine.
func (s *TCPServer) Start(lis net.Listener) error {
	s.mu.Lock()
	if s.isStarted {
		s.mu.Unlock()
		return fmt.Errorf("server already started")
	}
	if s.stopped {
		s.mu.Unlock()
		lis.Close()
		return nil
	}
	s.listener = lis
	s.isStarted = true
	s.mu.Unlock()
	s.logger.Info("TCP server listening", "address", lis.Addr().String())

	var retryDelay time.Duration
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			// When Stop() closes the listener, Accept() returns an error.
			select {
			case <-s.quit:
				s.logger.Info("Server shutting down, stopping accept loop.")
				return nil
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				s.logger.Error("Listener closed outside shutdown", "error", err)
				return fmt.Errorf("failed to accept connection: %w", err)
			}
			// Transient failures (EMFILE, ECONNABORTED) back off and keep accepting.
			if retryDelay == 0 {
				retryDelay = acceptRetryMin
			} else {
				retryDelay = min(retryDelay*2, acceptRetryMax)
			}
			s.logger.Error("Failed to accept connection, retrying", "delay", retryDelay, "error", err)
			s.alerts.Raise(s.ctx, alert.Event{
				Type:    alert.EventAcceptError,
				Message: fmt.Sprintf("accept failed, retrying in %s", retryDelay),
				Err:     err,
			})
			t := time.NewTimer(retryDelay)
			select {
			case <-s.quit:
				t.Stop()
				s.logger.Info("Server shutting down, stopping accept loop.")
				return nil
			case <-t.C:
			}
			continue
		}
		retryDelay = 0
		s.sweep()

		h := NewTCPConnectionHandler(conn, s.sink, s.alerts, s.logger)
		h.now = s.now
		h.touch()
		s.mu.Lock()
		if s.stopped {
			s.mu.Unlock()
			_ = h.Close()
			continue
		}
		s.live[h] = struct{}{}
		s.connWg.Add(1)
		s.mu.Unlock()

		go func() {
			defer s.connWg.Done()
			h.Serve(s.ctx)
		}()
	}
}

// sweep forgets finished handlers and closes stale ones.
func (s *TCPServer) sweep() {
	now := s.now()
	var stale []*TCPConnectionHandler

	s.mu.Lock()
	for h := range s.live {
		if h.Done() {
			delete(s.live, h)
			continue
		}
		if now.Sub(h.LastActivity()) > s.staleAfter {
			delete(s.live, h)
			stale = append(stale, h)
		}
	}
	s.mu.Unlock()

	for _, h := range stale {
		idle := now.Sub(h.LastActivity())
		s.logger.Warn("Closing stale connection", "conn_id", h.ID(), "idle", idle)
		_ = h.Close()
		s.alerts.Raise(s.ctx, alert.Event{
			Type:    alert.EventStaleConnection,
			Message: fmt.Sprintf("connection %s idle for %s closed", h.ID(), idle.Truncate(time.Second)),
		})
	}
}

// ActiveConnections returns the size of the live handler set.
func (s *TCPServer) ActiveConnections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.live)
}

// Stop gracefully shuts down the TCP server. A server stopped before Start
// never accepts.
func (s *TCPServer) Stop() {
	s.stopOnce.Do(s.stop)
}

func (s *TCPServer) stop() {
	s.mu.Lock()
	s.stopped = true
	lis := s.listener
	handlers := make([]*TCPConnectionHandler, 0, len(s.live))
	for h := range s.live {
		handlers = append(handlers, h)
	}
	s.mu.Unlock()

	s.logger.Info("Stopping TCP server...")

	// 1. Signal all goroutines to quit.
	close(s.quit)
	s.cancel()

	// 2. Close the listener to stop accepting new connections.
	if lis != nil {
		lis.Close()
	}

	// 3. Unblock handlers waiting on a read and wait for them to finish.
	for _, h := range handlers {
		_ = h.Close()
	}
	s.logger.Info("Waiting for active connections to drain...")
	s.connWg.Wait()
	s.logger.Info("All TCP connections closed. Server stopped.")
}
