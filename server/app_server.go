package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/INLOpen/dbmsg/alert"
	"github.com/INLOpen/dbmsg/config"
	"github.com/INLOpen/dbmsg/core"
	"github.com/INLOpen/dbmsg/queue"
	"github.com/INLOpen/dbmsg/store"
	"github.com/INLOpen/dbmsg/sys"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
)

// LockFileName is created in the overflow directory while a server owns it.
const LockFileName = "dbmsg.lock"

// AppOptions overrides pieces NewAppServer would otherwise build from config.
type AppOptions struct {
	// TCPListener replaces binding server.tcp_port.
	TCPListener net.Listener
	// HealthListener replaces binding server.health_port.
	HealthListener net.Listener
	StoreFactory   core.StoreFactory
	// Listeners receive every alert in addition to the log and counter listeners.
	Listeners []alert.Listener
}

// AppServer wires the router, the line protocol listener and the auxiliary
// servers, and runs them until Stop.
type AppServer struct {
	cfg    *config.Config
	logger *slog.Logger

	alerts    *alert.DefaultManager
	counters  *alert.CounterListener
	router    *queue.Router
	tcpServer *TCPServer
	tcpLis    net.Listener
	health    *HealthServer
	healthLis net.Listener
	metrics   *MetricsServer
	collector *SystemCollector

	releaseLock func() error
	baseCtx     context.Context
	cancel      context.CancelFunc
}

// NewAppServer creates and initializes a new application server.
func NewAppServer(cfg *config.Config, opts AppOptions, logger *slog.Logger) (*AppServer, error) {
	dir := cfg.Queue.OverflowDir
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create overflow directory %s: %w", dir, err)
	}
	lockPath := filepath.Join(dir, LockFileName)
	release, err := sys.AcquireFileLock(lockPath, 0, 0)
	if err != nil {
		if pid, since, ownerErr := sys.ReadLockOwner(lockPath); ownerErr == nil {
			return nil, fmt.Errorf("overflow directory %s is in use by pid %d since %s: %w", dir, pid, since.Format(time.RFC3339), err)
		}
		return nil, fmt.Errorf("overflow directory %s is in use: %w", dir, err)
	}

	appSrv := &AppServer{
		cfg:         cfg,
		logger:      logger.With("component", "AppServer"),
		releaseLock: release,
	}
	if err := appSrv.init(opts, logger); err != nil {
		if appSrv.healthLis != nil {
			appSrv.healthLis.Close()
		}
		appSrv.cleanup()
		return nil, err
	}
	appSrv.baseCtx, appSrv.cancel = context.WithCancel(context.Background())
	return appSrv, nil
}

func (s *AppServer) init(opts AppOptions, logger *slog.Logger) error {
	cfg := s.cfg

	s.alerts = alert.NewManager(logger)
	s.alerts.Register(alert.NewLogListener(logger, cfg.Alerts.RatePerSecond, cfg.Alerts.Burst))
	s.counters = alert.NewCounterListener()
	s.alerts.Register(s.counters)
	for _, l := range opts.Listeners {
		s.alerts.Register(l)
	}

	factory := opts.StoreFactory
	if factory == nil {
		var err error
		factory, err = store.NewFactory(cfg.Store.Driver, config.ParseDuration(cfg.Store.ConnectTimeout, store.DefaultConnectTimeout, logger), logger)
		if err != nil {
			return err
		}
	}

	// 1. Initialize the health service if the port is configured.
	if opts.HealthListener != nil || cfg.Server.HealthPort > 0 {
		s.health = NewHealthServer(logger)
		s.healthLis = opts.HealthListener
		if s.healthLis == nil {
			addr := fmt.Sprintf(":%d", cfg.Server.HealthPort)
			lis, err := net.Listen("tcp", addr)
			if err != nil {
				return fmt.Errorf("failed to listen on health port %s: %w", addr, err)
			}
			s.healthLis = lis
		}
	} else {
		logger.Info("Health service is disabled (port is 0 or not configured).")
	}

	// 2. The router owns one queue worker per target.
	groups := make([]queue.Group, 0, len(cfg.Groups))
	for _, g := range cfg.Groups {
		groups = append(groups, queue.Group{Name: g.Name, DSN: g.DSN, Targets: g.Targets})
	}
	routerOpts := queue.RouterOptions{
		OverflowDir:  cfg.Queue.OverflowDir,
		Groups:       groups,
		StoreFactory: factory,
		Worker:       WorkerConfig(&cfg.Queue, logger),
		Alerts:       s.alerts,
		Logger:       logger,
	}
	if s.health != nil {
		routerOpts.Status = s.health
	}
	router, err := queue.NewRouter(routerOpts)
	if err != nil {
		return err
	}
	s.router = router
	PublishQueueStats(router)

	// 3. The line protocol listener.
	s.tcpServer = NewTCPServer(router, s.alerts, config.ParseDuration(cfg.Server.StaleAfter, DefaultStaleAfter, logger), logger)
	s.tcpLis = opts.TCPListener

	// 4. Debug endpoints.
	if cfg.Debug.Enabled {
		s.metrics = NewMetricsServer(&cfg.Debug, router, logger)
		if cfg.Debug.MetricsEnabled {
			s.collector = NewSystemCollector(cfg.Queue.OverflowDir, router, 15*time.Second, logger)
		}
	}
	return nil
}

// WorkerConfig converts the queue section of the config.
func WorkerConfig(q *config.QueueConfig, logger *slog.Logger) queue.WorkerConfig {
	return queue.WorkerConfig{
		MemoryCapacity:    q.MemoryCapacity,
		MemoryAttempts:    q.MemoryAttempts,
		DrainAttempts:     q.DrainAttempts,
		BackoffInitial:    config.ParseDuration(q.BackoffInitial, queue.DefaultBackoffInitial, logger),
		BackoffMax:        config.ParseDuration(q.BackoffMax, queue.DefaultBackoffMax, logger),
		IdleInterval:      config.ParseDuration(q.IdleInterval, queue.DefaultIdleInterval, logger),
		HeartbeatInterval: config.ParseDuration(q.HeartbeatInterval, queue.DefaultHeartbeatInterval, logger),
		ApplyTimeout:      config.ParseDuration(q.ApplyTimeout, queue.DefaultApplyTimeout, logger),
		SyncWrites:        q.SyncWrites,
	}
}

// Start runs all configured servers in parallel. It blocks until all servers stop.
func (s *AppServer) Start() error {
	g, appCtx := errgroup.WithContext(s.baseCtx)

	n, err := s.router.Recover()
	if err != nil {
		s.logger.Error("Overflow recovery incomplete", "error", err)
	}
	s.router.Start(appCtx)
	s.logger.Info("Queue router started", "recovered_workers", n)

	if s.health != nil {
		g.Go(func() error {
			go func() {
				<-appCtx.Done()
				s.logger.Info("Context cancelled, stopping health server...")
				s.health.Stop()
			}()
			return s.health.Start(s.healthLis)
		})
	}

	g.Go(func() error {
		go func() {
			<-appCtx.Done()
			s.logger.Info("Context cancelled, stopping TCP server...")
			s.tcpServer.Stop()
		}()
		lis := s.tcpLis
		if lis == nil {
			addr := fmt.Sprintf(":%d", s.cfg.Server.TCPPort)
			delay := config.ParseDuration(s.cfg.Server.ListenRetryDelay, DefaultListenRetryDelay, s.logger)
			var err error
			lis, err = ListenWithRetry(appCtx, addr, delay, s.logger)
			if err != nil {
				if appCtx.Err() != nil {
					return nil
				}
				return err
			}
		}
		s.logger.Info("Starting TCP server...")
		return s.tcpServer.Start(lis)
	})

	if s.metrics != nil {
		g.Go(func() error {
			go func() {
				<-appCtx.Done()
				s.metrics.Stop()
			}()
			return s.metrics.Start()
		})
	}
	if s.collector != nil {
		s.collector.Start()
	}

	s.logger.Info("Application server started. Waiting for servers to exit.")
	err = g.Wait()
	s.cancel()

	// Workers finish their in-flight apply after the listener has stopped feeding them.
	if s.collector != nil {
		s.collector.Stop()
	}
	s.cleanup()

	if err != nil && !errors.Is(err, grpc.ErrServerStopped) && !errors.Is(err, net.ErrClosed) {
		s.logger.Error("A server has failed, initiating shutdown.", "error", err)
		return fmt.Errorf("server group failed: %w", err)
	}
	s.logger.Info("All servers have stopped gracefully.")
	return nil
}

func (s *AppServer) cleanup() {
	if s.router != nil {
		if err := s.router.Close(); err != nil {
			s.logger.Error("Closing queue workers failed", "error", err)
		}
	}
	if s.alerts != nil {
		s.alerts.Stop()
	}
	if s.releaseLock != nil {
		if err := s.releaseLock(); err != nil {
			s.logger.Warn("Releasing overflow directory lock failed", "error", err)
		}
		s.releaseLock = nil
	}
}

// Stop gracefully shuts down all servers.
func (s *AppServer) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
}

// Router returns the queue router. This is useful for tests.
func (s *AppServer) Router() *queue.Router { return s.router }

// AlertCount returns how many alerts of a type were raised.
func (s *AppServer) AlertCount(et alert.EventType) int64 { return s.counters.Count(et) }
