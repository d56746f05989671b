// Package worker runs the queue drain loop with the operational exits
// long-lived consumers need: memory ceiling, max uptime, and an
// external restart flag.
package worker

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/shmandalf/event-service/internal/metrics"
	"github.com/shmandalf/event-service/internal/queue"
)

// Config holds supervisor tuning.
type Config struct {
	// BatchSize bounds deliveries per consume call.
	BatchSize int `json:"batch_size" yaml:"batch_size"`

	// PollSleep is the block window handed to the consumer.
	PollSleep time.Duration `json:"poll_sleep" yaml:"poll_sleep"`

	// MemoryCapMB is the configured memory budget; the loop exits when
	// allocation crosses memoryExitFraction of it. Zero disables the
	// check.
	MemoryCapMB uint64 `json:"memory_cap_mb" yaml:"memory_cap_mb"`

	// MaxUptime recycles the process after this long. Zero disables.
	MaxUptime time.Duration `json:"max_uptime" yaml:"max_uptime"`

	// RestartFlagPath is a file whose appearance requests a graceful
	// exit. Empty disables.
	RestartFlagPath string `json:"restart_flag_path" yaml:"restart_flag_path"`

	// StatsEvery logs throughput after this many events.
	StatsEvery int `json:"stats_every" yaml:"stats_every"`
}

// DefaultConfig returns the worker defaults.
func DefaultConfig() *Config {
	return &Config{
		BatchSize:   10,
		PollSleep:   time.Second,
		MemoryCapMB: 512,
		MaxUptime:   12 * time.Hour,
		StatsEvery:  1000,
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch_size must be positive")
	}
	if c.PollSleep <= 0 {
		return fmt.Errorf("poll_sleep must be positive")
	}
	return nil
}

const (
	memoryExitFraction = 0.85

	// Empty-poll backoff doubles after this many consecutive empties,
	// capped at maxIdleSleep.
	idleThreshold = 10
	maxIdleSleep  = 10 * time.Second
)

// Supervisor drives one consumer until a shutdown condition fires.
type Supervisor struct {
	name     string
	consumer queue.BatchConsumer
	cfg      *Config
	sink     *metrics.Sink
	logger   *zap.Logger

	flagCh chan struct{}
}

// New creates a supervisor over the consumer.
func New(name string, consumer queue.BatchConsumer, cfg *Config, sink *metrics.Sink, logger *zap.Logger) *Supervisor {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Supervisor{
		name:     name,
		consumer: consumer,
		cfg:      cfg,
		sink:     sink,
		logger:   logger.With(zap.String("worker", name)),
		flagCh:   make(chan struct{}, 1),
	}
}

// Run drains the consumer until the context is canceled or an
// operational exit fires. Always returns nil after a clean drain so
// process managers restart without backoff penalties.
func (s *Supervisor) Run(ctx context.Context) error {
	started := time.Now()
	processed := 0
	lastStats := started
	idleStreak := 0
	sleep := s.cfg.PollSleep

	stopWatch := s.watchRestartFlag(ctx)
	defer stopWatch()

	s.logger.Info("worker started",
		zap.Int("batch_size", s.cfg.BatchSize),
		zap.Uint64("memory_cap_mb", s.cfg.MemoryCapMB))

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("worker stopping on signal", zap.Int("processed", processed))
			return nil
		case <-s.flagCh:
			s.logger.Info("worker stopping on restart flag", zap.Int("processed", processed))
			return nil
		default:
		}

		if reason := s.shouldRecycle(started); reason != "" {
			s.logger.Info("worker recycling", zap.String("reason", reason), zap.Int("processed", processed))
			return nil
		}

		n, err := s.consumer.ConsumeBatch(ctx, s.cfg.BatchSize, sleep)
		if err != nil {
			s.logger.Error("consume batch failed", zap.Error(err))
			s.sink.Increment("worker_consume_errors_total", map[string]string{"worker": s.name}, 1)
			time.Sleep(sleep)
			continue
		}

		if n == 0 {
			idleStreak++
			if idleStreak >= idleThreshold && sleep < maxIdleSleep {
				sleep *= 2
				if sleep > maxIdleSleep {
					sleep = maxIdleSleep
				}
			}
			continue
		}

		idleStreak = 0
		sleep = s.cfg.PollSleep
		processed += n

		if s.cfg.StatsEvery > 0 && processed%s.cfg.StatsEvery < n {
			var mem runtime.MemStats
			runtime.ReadMemStats(&mem)
			elapsed := time.Since(lastStats)
			s.sink.Gauge("worker_memory_mb", map[string]string{"worker": s.name}, float64(mem.Alloc)/1024/1024)
			s.logger.Info("worker stats",
				zap.Int("processed", processed),
				zap.Float64("rate_per_sec", float64(s.cfg.StatsEvery)/elapsed.Seconds()),
				zap.Uint64("memory_mb", mem.Alloc/1024/1024))
			lastStats = time.Now()
		}
	}
}

// shouldRecycle checks the memory ceiling and max uptime.
func (s *Supervisor) shouldRecycle(started time.Time) string {
	if s.cfg.MaxUptime > 0 && time.Since(started) >= s.cfg.MaxUptime {
		return "max uptime reached"
	}
	if s.cfg.MemoryCapMB > 0 {
		var mem runtime.MemStats
		runtime.ReadMemStats(&mem)
		capBytes := s.cfg.MemoryCapMB * 1024 * 1024
		if float64(mem.Alloc) >= float64(capBytes)*memoryExitFraction {
			s.sink.Increment("worker_memory_exits_total", map[string]string{"worker": s.name}, 1)
			return fmt.Sprintf("memory %dMB over budget", mem.Alloc/1024/1024)
		}
	}
	return ""
}

// watchRestartFlag signals flagCh when the restart flag file appears.
// fsnotify watches the flag's directory; a periodic stat covers
// filesystems without inotify support. The flag file is removed once
// seen so the next process does not immediately exit.
func (s *Supervisor) watchRestartFlag(ctx context.Context) func() {
	if s.cfg.RestartFlagPath == "" {
		return func() {}
	}

	done := make(chan struct{})
	trigger := func() {
		os.Remove(s.cfg.RestartFlagPath)
		select {
		case s.flagCh <- struct{}{}:
		default:
		}
	}

	watcher, err := fsnotify.NewWatcher()
	if err == nil {
		if err := watcher.Add(filepath.Dir(s.cfg.RestartFlagPath)); err != nil {
			s.logger.Warn("restart flag watch failed, using polling only", zap.Error(err))
			watcher.Close()
			watcher = nil
		}
	} else {
		s.logger.Warn("fsnotify unavailable, using polling only", zap.Error(err))
		watcher = nil
	}

	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case <-ticker.C:
				if _, err := os.Stat(s.cfg.RestartFlagPath); err == nil {
					trigger()
					return
				}
			case ev, ok := <-watcherEvents(watcher):
				if !ok {
					continue
				}
				if ev.Name == s.cfg.RestartFlagPath && ev.Op&(fsnotify.Create|fsnotify.Write) != 0 {
					trigger()
					return
				}
			}
		}
	}()

	return func() {
		close(done)
		if watcher != nil {
			watcher.Close()
		}
	}
}

func watcherEvents(w *fsnotify.Watcher) chan fsnotify.Event {
	if w == nil {
		return nil
	}
	return w.Events
}
