package worker

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/shmandalf/event-service/internal/metrics"
)

type fakeConsumer struct {
	batches int32
	perCall int
	err     error
}

func (f *fakeConsumer) ConsumeBatch(ctx context.Context, max int, block time.Duration) (int, error) {
	atomic.AddInt32(&f.batches, 1)
	if f.err != nil {
		return 0, f.err
	}
	n := f.perCall
	if n > max {
		n = max
	}
	return n, nil
}

func testConfig() *Config {
	return &Config{
		BatchSize:  5,
		PollSleep:  time.Millisecond,
		StatsEvery: 100,
	}
}

func newSupervisor(c *fakeConsumer, cfg *Config) *Supervisor {
	return New("test", c, cfg, metrics.NewSink("test", zap.NewNop()), zap.NewNop())
}

func TestRunStopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s := newSupervisor(&fakeConsumer{perCall: 1}, testConfig())

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("supervisor did not stop")
	}
}

func TestRunStopsOnMaxUptime(t *testing.T) {
	cfg := testConfig()
	cfg.MaxUptime = 30 * time.Millisecond
	s := newSupervisor(&fakeConsumer{perCall: 1}, cfg)

	start := time.Now()
	require.NoError(t, s.Run(context.Background()))
	assert.Less(t, time.Since(start), time.Second)
}

func TestRunStopsOnRestartFlag(t *testing.T) {
	flag := filepath.Join(t.TempDir(), "restart.flag")
	cfg := testConfig()
	cfg.RestartFlagPath = flag
	s := newSupervisor(&fakeConsumer{perCall: 0}, cfg)

	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, os.WriteFile(flag, nil, 0o644))

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("supervisor did not stop on restart flag")
	}

	_, err := os.Stat(flag)
	assert.True(t, os.IsNotExist(err), "flag file should be consumed")
}

func TestRunSurvivesConsumeErrors(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	c := &fakeConsumer{err: errors.New("broker hiccup")}
	s := newSupervisor(c, testConfig())

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	time.Sleep(30 * time.Millisecond)
	cancel()

	require.NoError(t, <-done)
	assert.Greater(t, atomic.LoadInt32(&c.batches), int32(1))
}

func TestRunPublishesMemoryGauge(t *testing.T) {
	cfg := testConfig()
	cfg.StatsEvery = 1
	cfg.MaxUptime = 30 * time.Millisecond
	sink := metrics.NewSink("test", zap.NewNop())
	s := New("test", &fakeConsumer{perCall: 1}, cfg, sink, zap.NewNop())

	require.NoError(t, s.Run(context.Background()))

	out, err := sink.Render()
	require.NoError(t, err)
	assert.Contains(t, out, `test_worker_memory_mb{worker="test"}`)
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())
	assert.Error(t, (&Config{BatchSize: 0, PollSleep: time.Second}).Validate())
	assert.Error(t, (&Config{BatchSize: 1}).Validate())
}
