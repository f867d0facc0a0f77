package queue

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/INLOpen/dbmsg/alert"
	"github.com/INLOpen/dbmsg/core"
	"github.com/INLOpen/dbmsg/wal"
	"github.com/caio/go-tdigest/v4"
	"github.com/dustin/go-humanize"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	DefaultMemoryCapacity    = 1000
	DefaultMemoryAttempts    = 3
	DefaultDrainAttempts     = 1
	DefaultIdleInterval      = time.Second
	DefaultHeartbeatInterval = 5 * time.Minute
	DefaultApplyTimeout      = 60 * time.Second

	// TracerName is the instrumentation scope of the per-apply spans.
	TracerName = "github.com/INLOpen/dbmsg/queue"
)

// StatusReporter is told whether a target's backing store is currently accepting statements.
type StatusReporter interface {
	ReportStatus(target string, healthy bool)
}

// WorkerConfig holds the tunables shared by every worker of a router.
type WorkerConfig struct {
	MemoryCapacity int
	// MemoryAttempts is how often a statement popped from memory is tried before it is dropped.
	MemoryAttempts int
	// DrainAttempts is how often a frame read from disk is tried before it is dropped.
	DrainAttempts     int
	BackoffInitial    time.Duration
	BackoffMax        time.Duration
	IdleInterval      time.Duration
	HeartbeatInterval time.Duration
	ApplyTimeout      time.Duration
	SyncWrites        bool
}

func (c WorkerConfig) withDefaults() WorkerConfig {
	if c.MemoryCapacity <= 0 {
		c.MemoryCapacity = DefaultMemoryCapacity
	}
	if c.MemoryAttempts <= 0 {
		c.MemoryAttempts = DefaultMemoryAttempts
	}
	if c.DrainAttempts <= 0 {
		c.DrainAttempts = DefaultDrainAttempts
	}
	if c.BackoffInitial <= 0 {
		c.BackoffInitial = DefaultBackoffInitial
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = DefaultBackoffMax
	}
	if c.IdleInterval <= 0 {
		c.IdleInterval = DefaultIdleInterval
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.ApplyTimeout <= 0 {
		c.ApplyTimeout = DefaultApplyTimeout
	}
	return c
}

// WorkerOptions wires one worker.
type WorkerOptions struct {
	Target string
	Group  core.GroupInfo
	Store  core.Store
	Log    *wal.DiskLog
	Config WorkerConfig
	Alerts alert.Raiser
	Status StatusReporter
	Logger *slog.Logger
	Tracer trace.Tracer
	// Sleep replaces the backoff sleep; tests use it to avoid real delays.
	Sleep SleepFunc
}

// Worker owns one target's memory queue, overflow log and store connection.
// Many producers call Enqueue; a single goroutine applies statements in the
// order they were accepted.
type Worker struct {
	target string
	group  core.GroupInfo
	cfg    WorkerConfig
	store  core.Store
	log    *wal.DiskLog
	alerts alert.Raiser
	status StatusReporter
	logger *slog.Logger
	tracer trace.Tracer
	sleep  SleepFunc

	// mu orders enqueue decisions against mode transitions.
	mu      sync.Mutex
	mode    core.Mode
	memq    chan core.Statement
	spilled chan struct{}

	backoff *Backoff

	accepted atomic.Int64
	applied  atomic.Int64
	dropped  atomic.Int64
	spills   atomic.Int64
	failures atomic.Int64

	latMu    sync.Mutex
	latency  *tdigest.TDigest
	latCount int64

	startOnce sync.Once
	cancel    context.CancelFunc
	done      chan struct{}
}

// NewWorker builds a worker. A non-empty overflow log puts it straight into
// DRAINING_DISK so a backlog left by a previous process is replayed first.
func NewWorker(opts WorkerOptions) (*Worker, error) {
	if opts.Store == nil || opts.Log == nil {
		return nil, errors.New("queue: worker needs a store and a disk log")
	}
	cfg := opts.Config.withDefaults()
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Alerts == nil {
		opts.Alerts = alert.Nop{}
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer(TracerName)
	}
	if opts.Sleep == nil {
		opts.Sleep = sleepContext
	}
	td, err := tdigest.New()
	if err != nil {
		return nil, fmt.Errorf("tdigest.New failed: %w", err)
	}

	w := &Worker{
		target:  opts.Target,
		group:   opts.Group,
		cfg:     cfg,
		store:   opts.Store,
		log:     opts.Log,
		alerts:  opts.Alerts,
		status:  opts.Status,
		logger:  opts.Logger.With("component", "QueueWorker", "target", opts.Target),
		tracer:  opts.Tracer,
		sleep:   opts.Sleep,
		memq:    make(chan core.Statement, cfg.MemoryCapacity),
		spilled: make(chan struct{}, 1),
		backoff: NewBackoff(cfg.BackoffInitial, cfg.BackoffMax),
		latency: td,
		done:    make(chan struct{}),
	}
	if w.log.WritePointer() > 0 {
		w.mode = core.ModeDrainingDisk
		w.logger.Info("Overflow backlog found, starting in drain mode",
			"frames", w.log.Frames(), "bytes", humanize.Bytes(uint64(w.log.WritePointer())))
	}
	return w, nil
}

// Start launches the apply loop. It is a no-op after the first call.
func (w *Worker) Start(ctx context.Context) {
	w.startOnce.Do(func() {
		ctx, w.cancel = context.WithCancel(ctx)
		go w.run(ctx)
	})
}

// Stop ends the apply loop after the in-flight apply finishes.
func (w *Worker) Stop() {
	w.startOnce.Do(func() { close(w.done) })
	if w.cancel != nil {
		w.cancel()
	}
	<-w.done
}

// Close stops the worker and releases its store and overflow file. Frames on
// disk survive; statements still in memory are lost.
func (w *Worker) Close() error {
	w.Stop()
	if n := len(w.memq); n > 0 {
		w.logger.Warn("Discarding in-memory statements at shutdown", "count", n)
	}
	return errors.Join(w.store.Close(), w.log.Close())
}

// Enqueue accepts a statement without waiting on the backing store. It goes
// to memory while the worker is in MEMORY mode, nothing has spilled, and the
// memory queue has room; otherwise it is appended to the overflow log.
func (w *Worker) Enqueue(stmt core.Statement) error {
	w.accepted.Add(1)

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.mode == core.ModeMemory && w.log.WritePointer() == 0 {
		select {
		case w.memq <- stmt:
			return nil
		default:
		}
	}

	if err := w.log.Append(stmt); err != nil {
		w.dropped.Add(1)
		w.logger.Error("Failed to spill statement to disk, statement lost", "statement", string(stmt), "error", err)
		w.alerts.Raise(context.Background(), alert.Event{
			Type: alert.EventResourceError, Target: w.target, Message: "overflow append failed, statement lost", Err: err,
		})
		return err
	}
	w.spills.Add(1)
	select {
	case w.spilled <- struct{}{}:
	default:
	}
	return nil
}

func (w *Worker) run(ctx context.Context) {
	defer close(w.done)
	w.logger.Info("Queue worker started", "mode", w.Mode().String(), "group", w.group.Name)

	heartbeat := time.NewTicker(w.cfg.HeartbeatInterval)
	defer heartbeat.Stop()
	idle := time.NewTicker(w.cfg.IdleInterval)
	defer idle.Stop()

	for {
		if ctx.Err() != nil {
			w.logger.Info("Queue worker stopped")
			return
		}
		select {
		case <-heartbeat.C:
			w.logHeartbeat()
		default:
		}

		if w.Mode() == core.ModeDrainingDisk {
			w.drainOne(ctx)
			continue
		}

		select {
		case stmt := <-w.memq:
			w.applyFromMemory(ctx, stmt)
			continue
		default:
		}

		if w.beginDrain() {
			continue
		}

		select {
		case <-ctx.Done():
		case stmt := <-w.memq:
			w.applyFromMemory(ctx, stmt)
		case <-w.spilled:
		case <-heartbeat.C:
			w.logHeartbeat()
		case <-idle.C:
		}
	}
}

// beginDrain switches to DRAINING_DISK once memory is empty and the overflow
// log holds frames from an earlier spill.
func (w *Worker) beginDrain() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.mode != core.ModeMemory || len(w.memq) > 0 || w.log.WritePointer() == 0 {
		return false
	}
	w.mode = core.ModeDrainingDisk
	w.log.Rewind()
	w.logger.Info("Draining overflow log", "frames", w.log.Frames(), "bytes", humanize.Bytes(uint64(w.log.WritePointer())))
	return true
}

func (w *Worker) applyFromMemory(ctx context.Context, stmt core.Statement) {
	applied, interrupted := w.applyWithRetry(ctx, stmt, w.cfg.MemoryAttempts, core.ModeMemory)
	switch {
	case applied:
	case interrupted:
		w.logger.Warn("Shutdown during retry, in-memory statement lost", "statement", string(stmt))
	default:
		w.drop(alert.EventStatementDropped, stmt, w.cfg.MemoryAttempts)
	}
}

func (w *Worker) drainOne(ctx context.Context) {
	stmt, size, err := w.log.ReadNext()
	if errors.Is(err, io.EOF) {
		w.finishDrain(ctx)
		return
	}
	if err != nil {
		w.handleReadError(ctx, err)
		return
	}

	if len(stmt) > 0 {
		applied, interrupted := w.applyWithRetry(ctx, stmt, w.cfg.DrainAttempts, core.ModeDrainingDisk)
		if interrupted {
			// The frame stays on disk and is replayed by the next process.
			return
		}
		if !applied {
			w.drop(alert.EventFrameDropped, stmt, w.cfg.DrainAttempts)
		}
	}

	w.mu.Lock()
	drained, err := w.log.Advance(size)
	if drained && err == nil {
		w.mode = core.ModeMemory
	}
	w.mu.Unlock()

	if err != nil {
		w.resourceFailure(ctx, "overflow truncate failed", err)
		return
	}
	if drained {
		w.logger.Info("Overflow log drained, back to memory mode")
	}
}

// finishDrain handles a drain whose read pointer already reached the write pointer.
func (w *Worker) finishDrain(ctx context.Context) {
	w.mu.Lock()
	err := w.log.Reset()
	if err == nil {
		w.mode = core.ModeMemory
	}
	w.mu.Unlock()
	if err != nil {
		w.resourceFailure(ctx, "overflow truncate failed", err)
	}
}

func (w *Worker) handleReadError(ctx context.Context, err error) {
	if !errors.Is(err, core.ErrCorruptFrame) {
		w.resourceFailure(ctx, "overflow read failed", err)
		return
	}
	w.mu.Lock()
	lost := w.log.Frames()
	resetErr := w.log.Reset()
	if resetErr == nil {
		w.mode = core.ModeMemory
	}
	w.mu.Unlock()
	w.dropped.Add(lost)
	w.logger.Error("Corrupt overflow frame, discarding remaining backlog", "frames_lost", lost, "error", err)
	w.alerts.Raise(ctx, alert.Event{
		Type: alert.EventResourceError, Target: w.target, Message: fmt.Sprintf("corrupt overflow log, %d frames lost", lost), Err: err,
	})
	if resetErr != nil {
		w.resourceFailure(ctx, "overflow truncate failed", resetErr)
	}
}

func (w *Worker) resourceFailure(ctx context.Context, msg string, err error) {
	w.logger.Error(msg, "error", err)
	w.alerts.Raise(ctx, alert.Event{Type: alert.EventResourceError, Target: w.target, Message: msg, Err: err})
	_ = w.sleep(ctx, w.backoff.Next())
}

// applyWithRetry tries stmt up to attempts times. Every failure reconnects the
// store and waits out the backoff. interrupted is set when shutdown cut a
// backoff short before the statement was applied.
func (w *Worker) applyWithRetry(ctx context.Context, stmt core.Statement, attempts int, mode core.Mode) (applied, interrupted bool) {
	for attempt := 1; attempt <= attempts; attempt++ {
		err := w.applyOnce(ctx, stmt, mode, attempt)
		if err == nil {
			w.applied.Add(1)
			w.backoff.Reset()
			w.reportStatus(true)
			return true, false
		}
		w.failures.Add(1)
		w.reportStatus(false)
		w.logger.Warn("Apply failed", "mode", mode.String(), "attempt", attempt, "max_attempts", attempts,
			"statement", string(stmt), "error", err)
		if !w.recoverStore(ctx) {
			return false, true
		}
	}
	return false, false
}

func (w *Worker) applyOnce(ctx context.Context, stmt core.Statement, mode core.Mode, attempt int) error {
	// An in-flight apply is allowed to finish during shutdown.
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.cfg.ApplyTimeout)
	defer cancel()
	actx, span := w.tracer.Start(actx, "queue.apply", trace.WithAttributes(
		attribute.String("dbmsg.target", w.target),
		attribute.String("dbmsg.mode", mode.String()),
		attribute.Int("dbmsg.attempt", attempt),
	))
	defer span.End()

	start := time.Now()
	err := w.store.Apply(actx, stmt)
	w.observeLatency(time.Since(start))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return &core.StatementError{Target: w.target, Statement: stmt, Err: err}
	}
	return nil
}

// recoverStore reconnects and sleeps for the current backoff. It returns
// false if shutdown interrupted the sleep.
func (w *Worker) recoverStore(ctx context.Context) bool {
	if err := w.store.Reconnect(ctx); err != nil {
		w.logger.Warn("Backing store reconnect failed", "error", err)
		w.alerts.Raise(ctx, alert.Event{
			Type: alert.EventStoreReconnect, Target: w.target, Message: "backing store reconnect failed",
			Err: &core.ConnectivityError{Target: w.target, Err: err},
		})
	}
	delay := w.backoff.Next()
	w.logger.Info("Backing off before next apply", "delay", delay)
	return w.sleep(ctx, delay) == nil
}

func (w *Worker) drop(et alert.EventType, stmt core.Statement, attempts int) {
	w.dropped.Add(1)
	w.logger.Error("Statement dropped after failed attempts", "attempts", attempts, "statement", string(stmt))
	w.alerts.Raise(context.Background(), alert.Event{
		Type: et, Target: w.target, Message: fmt.Sprintf("dropped after %d failed attempts: %s", attempts, stmt),
	})
}

func (w *Worker) reportStatus(healthy bool) {
	if w.status != nil {
		w.status.ReportStatus(w.target, healthy)
	}
}

func (w *Worker) observeLatency(d time.Duration) {
	w.latMu.Lock()
	defer w.latMu.Unlock()
	if err := w.latency.Add(float64(d.Microseconds())); err == nil {
		w.latCount++
	}
}

func (w *Worker) logHeartbeat() {
	s := w.Stats()
	w.logger.Info("Queue heartbeat",
		"mode", s.Mode.String(),
		"memory_len", s.MemoryLen,
		"disk_frames", s.DiskFrames,
		"disk_backlog", humanize.Bytes(uint64(s.WritePointer)),
		"accepted", s.Accepted,
		"applied", s.Applied,
		"dropped", s.Dropped,
		"spilled", s.Spilled,
		"latency_p50", s.LatencyP50,
		"latency_p99", s.LatencyP99,
	)
}

// Mode returns the current tier state.
func (w *Worker) Mode() core.Mode {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.mode
}

// MemoryLen returns the number of statements waiting in memory.
func (w *Worker) MemoryLen() int { return len(w.memq) }

func (w *Worker) Target() string { return w.target }

// Stats is a point-in-time snapshot of a worker.
type Stats struct {
	Target       string        `json:"target"`
	Group        string        `json:"group"`
	Mode         core.Mode     `json:"-"`
	ModeName     string        `json:"mode"`
	MemoryLen    int           `json:"memory_len"`
	MemoryCap    int           `json:"memory_cap"`
	WritePointer int64         `json:"write_pointer"`
	ReadPointer  int64         `json:"read_pointer"`
	DiskFrames   int64         `json:"disk_frames"`
	Accepted     int64         `json:"accepted"`
	Applied      int64         `json:"applied"`
	Dropped      int64         `json:"dropped"`
	Spilled      int64         `json:"spilled"`
	Failures     int64         `json:"failures"`
	LatencyP50   time.Duration `json:"latency_p50"`
	LatencyP99   time.Duration `json:"latency_p99"`
}

func (w *Worker) Stats() Stats {
	mode := w.Mode()
	s := Stats{
		Target:       w.target,
		Group:        w.group.Name,
		Mode:         mode,
		ModeName:     mode.String(),
		MemoryLen:    len(w.memq),
		MemoryCap:    cap(w.memq),
		WritePointer: w.log.WritePointer(),
		ReadPointer:  w.log.ReadPointer(),
		DiskFrames:   w.log.Frames(),
		Accepted:     w.accepted.Load(),
		Applied:      w.applied.Load(),
		Dropped:      w.dropped.Load(),
		Spilled:      w.spills.Load(),
		Failures:     w.failures.Load(),
	}
	w.latMu.Lock()
	if w.latCount > 0 {
		s.LatencyP50 = time.Duration(w.latency.Quantile(0.5)) * time.Microsecond
		s.LatencyP99 = time.Duration(w.latency.Quantile(0.99)) * time.Microsecond
	}
	w.latMu.Unlock()
	return s
}
