package alert

import (
	"context"
	"expvar"
	"log/slog"
	"sync"

	"golang.org/x/time/rate"
)

var alertCounts = expvar.NewMap("dbmsg_alerts")

// LogListener writes alerts to the log, rate limited per event type.
type LogListener struct {
	logger   *slog.Logger
	limit    rate.Limit
	burst    int
	mu       sync.Mutex
	limiters map[EventType]*rate.Limiter
	dropped  map[EventType]int64
}

// NewLogListener logs at most perSecond alerts of each type, with the given burst.
// A non-positive perSecond disables limiting.
func NewLogListener(logger *slog.Logger, perSecond float64, burst int) *LogListener {
	limit := rate.Inf
	if perSecond > 0 {
		limit = rate.Limit(perSecond)
	}
	if burst < 1 {
		burst = 1
	}
	return &LogListener{
		logger:   logger.With("component", "AlertLog"),
		limit:    limit,
		burst:    burst,
		limiters: make(map[EventType]*rate.Limiter),
		dropped:  make(map[EventType]int64),
	}
}

func (l *LogListener) OnAlert(ctx context.Context, event Event) error {
	l.mu.Lock()
	lim, ok := l.limiters[event.Type]
	if !ok {
		lim = rate.NewLimiter(l.limit, l.burst)
		l.limiters[event.Type] = lim
	}
	if !lim.Allow() {
		l.dropped[event.Type]++
		l.mu.Unlock()
		return nil
	}
	suppressed := l.dropped[event.Type]
	l.dropped[event.Type] = 0
	l.mu.Unlock()

	attrs := []any{"alert", string(event.Type), "message", event.Message}
	if event.Target != "" {
		attrs = append(attrs, "target", event.Target)
	}
	if event.Err != nil {
		attrs = append(attrs, "error", event.Err)
	}
	if suppressed > 0 {
		attrs = append(attrs, "suppressed", suppressed)
	}
	l.logger.Log(ctx, levelFor(event.Type), "ALERT", attrs...)
	return nil
}

// Suppressed returns how many alerts of the type were dropped since the last logged one.
func (l *LogListener) Suppressed(et EventType) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.dropped[et]
}

func (l *LogListener) Priority() int { return 10 }
func (l *LogListener) IsAsync() bool { return false }

func levelFor(et EventType) slog.Level {
	switch et {
	case EventStatementDropped, EventFrameDropped, EventResourceError, EventAcceptError:
		return slog.LevelError
	default:
		return slog.LevelWarn
	}
}

// CounterListener counts alerts per type and publishes the totals via expvar.
type CounterListener struct {
	mu     sync.Mutex
	counts map[EventType]int64
}

func NewCounterListener() *CounterListener {
	return &CounterListener{counts: make(map[EventType]int64)}
}

func (c *CounterListener) OnAlert(_ context.Context, event Event) error {
	c.mu.Lock()
	c.counts[event.Type]++
	c.mu.Unlock()
	alertCounts.Add(string(event.Type), 1)
	return nil
}

// Count returns how many alerts of the type this listener has seen.
func (c *CounterListener) Count(et EventType) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[et]
}

func (c *CounterListener) Priority() int { return 0 }
func (c *CounterListener) IsAsync() bool { return false }
