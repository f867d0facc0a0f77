package queue

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/INLOpen/dbmsg/alert"
	"github.com/INLOpen/dbmsg/core"
	"github.com/INLOpen/dbmsg/wal"
	"github.com/stretchr/testify/require"
)

var errStoreDown = errors.New("store down")

// fakeStore records applied statements. fail decides per call whether an
// apply errors; call is the 1-based number of attempts for that statement.
type fakeStore struct {
	mu         sync.Mutex
	applied    []core.Statement
	calls      map[core.Statement]int
	total      int
	reconnects int
	closed     bool
	fail       func(stmt core.Statement, call, total int) error
	block      chan struct{}
}

func newFakeStore() *fakeStore {
	return &fakeStore{calls: make(map[core.Statement]int)}
}

func (s *fakeStore) Apply(ctx context.Context, stmt core.Statement) error {
	if s.block != nil {
		<-s.block
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[stmt]++
	s.total++
	if s.fail != nil {
		if err := s.fail(stmt, s.calls[stmt], s.total); err != nil {
			return err
		}
	}
	s.applied = append(s.applied, stmt)
	return nil
}

func (s *fakeStore) Reconnect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reconnects++
	return nil
}

func (s *fakeStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeStore) Applied() []core.Statement {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]core.Statement, len(s.applied))
	copy(out, s.applied)
	return out
}

func (s *fakeStore) Calls(stmt core.Statement) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[stmt]
}

func (s *fakeStore) Total() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total
}

func (s *fakeStore) Reconnects() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reconnects
}

// sleepRecorder records requested backoff delays without waiting.
type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *sleepRecorder) Sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	r.delays = append(r.delays, d)
	r.mu.Unlock()
	return ctx.Err()
}

func (r *sleepRecorder) Delays() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]time.Duration, len(r.delays))
	copy(out, r.delays)
	return out
}

type recordingRaiser struct {
	mu     sync.Mutex
	events []alert.Event
}

func (r *recordingRaiser) Raise(_ context.Context, e alert.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recordingRaiser) Count(et alert.EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Type == et {
			n++
		}
	}
	return n
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func openTestLog(t *testing.T, dir, target string) *wal.DiskLog {
	t.Helper()
	dl, err := wal.Open(wal.Options{Path: filepath.Join(dir, target+wal.FileSuffix), Logger: testLogger()})
	require.NoError(t, err)
	return dl
}

type testWorker struct {
	*Worker
	store  *fakeStore
	sleep  *sleepRecorder
	alerts *recordingRaiser
	log    *wal.DiskLog
}

func newTestWorker(t *testing.T, cfg WorkerConfig, store *fakeStore, dl *wal.DiskLog) *testWorker {
	t.Helper()
	if store == nil {
		store = newFakeStore()
	}
	if dl == nil {
		dl = openTestLog(t, t.TempDir(), "edge")
	}
	if cfg.IdleInterval == 0 {
		cfg.IdleInterval = 5 * time.Millisecond
	}
	sr := &sleepRecorder{}
	ar := &recordingRaiser{}
	w, err := NewWorker(WorkerOptions{
		Target: "edge",
		Group:  core.GroupInfo{Name: "operational"},
		Store:  store,
		Log:    dl,
		Config: cfg,
		Alerts: ar,
		Logger: testLogger(),
		Sleep:  sr.Sleep,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })
	return &testWorker{Worker: w, store: store, sleep: sr, alerts: ar, log: dl}
}

func stmts(prefix string, n int) []core.Statement {
	out := make([]core.Statement, n)
	for i := range out {
		out[i] = core.Statement(fmt.Sprintf("INSERT INTO edge.%s (n) VALUES (%d)", prefix, i))
	}
	return out
}
