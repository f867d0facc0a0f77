package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/INLOpen/dbmsg/alert"
	"github.com/INLOpen/dbmsg/core"
	"github.com/INLOpen/dbmsg/wal"
	"go.opentelemetry.io/otel/trace"
)

// Group is a backing-store endpoint shared by a fixed list of target names.
type Group struct {
	Name    string
	DSN     string
	Targets []string
}

// RouterOptions configures a Router.
type RouterOptions struct {
	OverflowDir  string
	Groups       []Group
	StoreFactory core.StoreFactory
	Worker       WorkerConfig
	Alerts       alert.Raiser
	Status       StatusReporter
	Logger       *slog.Logger
	Tracer       trace.Tracer
	Sleep        SleepFunc
}

// Router maps target names to their queue workers. Workers are created on
// first use and live until Close.
type Router struct {
	opts    RouterOptions
	members map[string]core.GroupInfo
	logger  *slog.Logger

	mu      sync.RWMutex
	workers map[string]*Worker
	ctx     context.Context
	closed  bool
}

func NewRouter(opts RouterOptions) (*Router, error) {
	if opts.StoreFactory == nil {
		return nil, errors.New("queue: router needs a store factory")
	}
	if opts.OverflowDir == "" {
		return nil, errors.New("queue: overflow directory is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Alerts == nil {
		opts.Alerts = alert.Nop{}
	}
	members := make(map[string]core.GroupInfo)
	for _, g := range opts.Groups {
		if g.Name == "" {
			return nil, errors.New("queue: group without a name")
		}
		for _, t := range g.Targets {
			if prev, ok := members[t]; ok {
				return nil, fmt.Errorf("queue: target %q is in groups %q and %q", t, prev.Name, g.Name)
			}
			members[t] = core.GroupInfo{Name: g.Name, DSN: g.DSN}
		}
	}
	if err := os.MkdirAll(opts.OverflowDir, 0755); err != nil {
		return nil, &core.ResourceError{Op: "mkdir", Path: opts.OverflowDir, Err: err}
	}
	return &Router{
		opts:    opts,
		members: members,
		logger:  opts.Logger.With("component", "Router"),
		workers: make(map[string]*Worker),
	}, nil
}

// Classify returns the backing-store group a target belongs to.
func (r *Router) Classify(target string) (core.GroupInfo, bool) {
	g, ok := r.members[target]
	return g, ok
}

// Start runs every existing worker and every worker created afterwards under ctx.
func (r *Router) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ctx = ctx
	for _, w := range r.workers {
		w.Start(ctx)
	}
}

// Enqueue hands stmt to the target's worker. Unknown targets are alerted and
// dropped without creating a worker.
func (r *Router) Enqueue(target string, stmt core.Statement) error {
	w, err := r.worker(target)
	if err != nil {
		return err
	}
	return w.Enqueue(stmt)
}

func (r *Router) worker(target string) (*Worker, error) {
	r.mu.RLock()
	w, ok := r.workers[target]
	closed := r.closed
	r.mu.RUnlock()
	if ok {
		return w, nil
	}
	if closed {
		return nil, errors.New("queue: router is closed")
	}

	group, known := r.Classify(target)
	if !known {
		err := &core.RoutingError{Target: target}
		r.opts.Alerts.Raise(context.Background(), alert.Event{
			Type: alert.EventRoutingError, Target: target, Message: "unknown target, statement dropped", Err: err,
		})
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, errors.New("queue: router is closed")
	}
	if w, ok := r.workers[target]; ok {
		return w, nil
	}
	w, err := r.newWorker(target, group)
	if err != nil {
		r.logger.Error("Failed to create queue worker", "target", target, "error", err)
		r.opts.Alerts.Raise(context.Background(), alert.Event{
			Type: alert.EventResourceError, Target: target, Message: "queue worker creation failed, statement dropped", Err: err,
		})
		return nil, err
	}
	r.workers[target] = w
	if r.ctx != nil {
		w.Start(r.ctx)
	}
	r.logger.Info("Queue worker created", "target", target, "group", group.Name, "mode", w.Mode().String())
	return w, nil
}

func (r *Router) newWorker(target string, group core.GroupInfo) (*Worker, error) {
	dl, err := wal.Open(wal.Options{
		Path:       r.overflowPath(target),
		SyncWrites: r.opts.Worker.SyncWrites,
		Logger:     r.opts.Logger,
	})
	if err != nil {
		return nil, err
	}
	st, err := r.opts.StoreFactory(group, target)
	if err != nil {
		dl.Close()
		return nil, &core.ConnectivityError{Target: target, Err: err}
	}
	w, err := NewWorker(WorkerOptions{
		Target: target,
		Group:  group,
		Store:  st,
		Log:    dl,
		Config: r.opts.Worker,
		Alerts: r.opts.Alerts,
		Status: r.opts.Status,
		Logger: r.opts.Logger,
		Tracer: r.opts.Tracer,
		Sleep:  r.opts.Sleep,
	})
	if err != nil {
		st.Close()
		dl.Close()
		return nil, err
	}
	return w, nil
}

func (r *Router) overflowPath(target string) string {
	return filepath.Join(r.opts.OverflowDir, target+wal.FileSuffix)
}

// Recover starts a worker for every non-empty overflow file left by an
// earlier process so its backlog drains without new traffic. Files for
// targets outside every group are left alone.
func (r *Router) Recover() (int, error) {
	matches, err := filepath.Glob(filepath.Join(r.opts.OverflowDir, "*"+wal.FileSuffix))
	if err != nil {
		return 0, err
	}
	recovered := 0
	var errs []error
	for _, path := range matches {
		target := strings.TrimSuffix(filepath.Base(path), wal.FileSuffix)
		info, err := os.Stat(path)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if info.Size() == 0 {
			continue
		}
		if _, ok := r.Classify(target); !ok {
			r.logger.Warn("Orphan overflow file for unknown target", "path", path, "size", info.Size())
			continue
		}
		if _, err := r.worker(target); err != nil {
			errs = append(errs, err)
			continue
		}
		recovered++
	}
	if recovered > 0 {
		r.logger.Info("Recovered overflow backlogs", "workers", recovered)
	}
	return recovered, errors.Join(errs...)
}

// Workers returns the active workers sorted by target.
func (r *Router) Workers() []*Worker {
	r.mu.RLock()
	out := make([]*Worker, 0, len(r.workers))
	for _, w := range r.workers {
		out = append(out, w)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Target() < out[j].Target() })
	return out
}

// Stats returns a snapshot of every worker.
func (r *Router) Stats() []Stats {
	workers := r.Workers()
	out := make([]Stats, 0, len(workers))
	for _, w := range workers {
		out = append(out, w.Stats())
	}
	return out
}

// Close stops every worker in parallel and releases their resources.
func (r *Router) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	workers := make([]*Worker, 0, len(r.workers))
	for _, w := range r.workers {
		workers = append(workers, w)
	}
	r.mu.Unlock()

	var (
		wg   sync.WaitGroup
		emu  sync.Mutex
		errs []error
	)
	for _, w := range workers {
		wg.Add(1)
		go func(w *Worker) {
			defer wg.Done()
			if err := w.Close(); err != nil {
				emu.Lock()
				errs = append(errs, fmt.Errorf("close worker %s: %w", w.Target(), err))
				emu.Unlock()
			}
		}(w)
	}
	wg.Wait()
	r.logger.Info("Router closed", "workers", len(workers))
	return errors.Join(errs...)
}
