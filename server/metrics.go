package server

import (
	"expvar"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/INLOpen/dbmsg/queue"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
)

// StatsProvider returns a snapshot of every queue worker.
type StatsProvider interface {
	Stats() []queue.Stats
}

var (
	cpuUsagePercent  = expvar.NewFloat("system_cpu_usage_percent")
	memUsagePercent  = expvar.NewFloat("system_mem_usage_percent")
	diskUsagePercent = expvar.NewFloat("system_overflow_disk_usage_percent")
	overflowBytes    = expvar.NewInt("dbmsg_overflow_bytes")

	queueStats    atomic.Pointer[StatsProvider]
	publishQueues sync.Once
)

// PublishQueueStats exposes provider under the "dbmsg_queues" expvar. The
// expvar is registered once per process; later calls replace the provider.
func PublishQueueStats(provider StatsProvider) {
	queueStats.Store(&provider)
	publishQueues.Do(func() {
		expvar.Publish("dbmsg_queues", expvar.Func(func() any {
			p := queueStats.Load()
			if p == nil || *p == nil {
				return []queue.Stats{}
			}
			return (*p).Stats()
		}))
	})
}

// SystemCollector periodically collects host metrics and the total overflow
// backlog and publishes them via expvar.
type SystemCollector struct {
	diskPath string
	stats    StatsProvider
	interval time.Duration
	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	logger   *slog.Logger
}

// NewSystemCollector creates a new collector. diskPath is the overflow directory.
func NewSystemCollector(diskPath string, stats StatsProvider, interval time.Duration, logger *slog.Logger) *SystemCollector {
	if interval < 2*time.Second {
		interval = 2 * time.Second
	}
	return &SystemCollector{
		diskPath: diskPath,
		stats:    stats,
		interval: interval,
		stopChan: make(chan struct{}),
		logger:   logger.With("component", "SystemCollector"),
	}
}

// Start begins the background collection loop.
func (sc *SystemCollector) Start() {
	sc.logger.Info("Starting system metrics collector", "interval", sc.interval)
	sc.wg.Add(1)
	go sc.collectLoop()
}

// Stop signals the collection loop to terminate and waits for it to finish.
func (sc *SystemCollector) Stop() {
	sc.stopOnce.Do(func() {
		sc.logger.Info("Stopping system metrics collector")
		close(sc.stopChan)
	})
	sc.wg.Wait()
}

func (sc *SystemCollector) collectLoop() {
	defer sc.wg.Done()
	ticker := time.NewTicker(sc.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			sc.collect()
		case <-sc.stopChan:
			return
		}
	}
}

func (sc *SystemCollector) collect() {
	// The cpu sample must finish before the next tick.
	if pct, err := cpu.Percent(sc.interval-time.Second, false); err == nil && len(pct) > 0 {
		cpuUsagePercent.Set(pct[0])
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		memUsagePercent.Set(vm.UsedPercent)
	}
	if du, err := disk.Usage(sc.diskPath); err == nil {
		diskUsagePercent.Set(du.UsedPercent)
		if du.UsedPercent > 90 {
			sc.logger.Warn("Overflow disk almost full", "path", sc.diskPath, "used_percent", du.UsedPercent)
		}
	}
	overflowBytes.Set(TotalOverflowBytes(sc.stats))
}

// TotalOverflowBytes sums the disk backlog of every worker.
func TotalOverflowBytes(p StatsProvider) int64 {
	if p == nil {
		return 0
	}
	var total int64
	for _, s := range p.Stats() {
		total += s.WritePointer - s.ReadPointer
	}
	return total
}
