package dlq

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/shmandalf/event-service/internal/metrics"
	"github.com/shmandalf/event-service/internal/queue/rabbitmq"
)

func newTestManager(t *testing.T) (*Manager, *miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	m := NewManager(rabbitmq.DefaultConfig(), rdb, metrics.NewSink("test", zap.NewNop()), zap.NewNop())
	m.backupFile = filepath.Join(t.TempDir(), "dlq_backup.log")
	return m, mr, rdb
}

func TestSendToDLQFallsBackToRedisBackup(t *testing.T) {
	m, _, rdb := newTestManager(t)
	ctx := context.Background()

	// No broker connection: the record must land on the backup list.
	err := m.SendToDLQ(ctx, rabbitmq.QueueNormal, []byte(`{"id":"e1"}`), nil, "handler failed", 2)
	require.NoError(t, err)

	items, err := rdb.LRange(ctx, BackupKey, 0, -1).Result()
	require.NoError(t, err)
	require.Len(t, items, 1)

	var rec record
	require.NoError(t, json.Unmarshal([]byte(items[0]), &rec))
	assert.Equal(t, rabbitmq.QueueNormal, rec.OriginalQueue)
	assert.Equal(t, "handler failed", rec.Reason)
	assert.Equal(t, 2, rec.RetryCount)
	assert.JSONEq(t, `{"id":"e1"}`, string(rec.Body))
}

func TestBackupListIsCapped(t *testing.T) {
	m, _, rdb := newTestManager(t)
	ctx := context.Background()

	for i := 0; i < BackupMax+50; i++ {
		require.NoError(t, m.SendToDLQ(ctx, rabbitmq.QueueNormal, []byte(`{}`), nil, "x", 0))
	}

	n, err := rdb.LLen(ctx, BackupKey).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(BackupMax), n)
}

func TestSendToDLQFallsBackToFileWhenRedisDown(t *testing.T) {
	m, mr, _ := newTestManager(t)
	mr.Close()

	err := m.SendToDLQ(context.Background(), rabbitmq.QueueHighPriority, []byte(`{"id":"e2"}`), nil, "broker gone", 0)
	require.NoError(t, err)

	data, err := os.ReadFile(m.backupFile)
	require.NoError(t, err)

	var rec record
	require.NoError(t, json.Unmarshal(data, &rec))
	assert.Equal(t, rabbitmq.QueueHighPriority, rec.OriginalQueue)
}

func TestSendToRetryQueueRequiresConnection(t *testing.T) {
	m, _, _ := newTestManager(t)
	err := m.SendToRetryQueue(context.Background(), rabbitmq.QueueNormal, []byte(`{}`), nil, "boom", 1)
	assert.Error(t, err)
}

func TestRestoreFromBackupKeepsRecordsOnFailure(t *testing.T) {
	m, _, rdb := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.SendToDLQ(ctx, rabbitmq.QueueNormal, []byte(`{}`), nil, "x", 0))

	// Still no broker connection: restore must push the record back.
	restored, err := m.RestoreFromBackup(ctx)
	assert.Error(t, err)
	assert.Equal(t, 0, restored)

	n, err := rdb.LLen(ctx, BackupKey).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestRestoreFromBackupDropsCorruptRecords(t *testing.T) {
	m, _, rdb := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, rdb.LPush(ctx, BackupKey, "{not json").Err())

	restored, err := m.RestoreFromBackup(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, restored)

	n, err := rdb.LLen(ctx, BackupKey).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestStatsReportsBackupDepth(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.SendToDLQ(ctx, rabbitmq.QueueNormal, []byte(`{}`), nil, "x", 0))

	stats, err := m.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.BackupDepth)
	assert.Equal(t, 0, stats.DeadLetterDepth)
}

func TestHealthCheckUnconnected(t *testing.T) {
	m, _, _ := newTestManager(t)
	assert.Error(t, m.HealthCheck(context.Background()))
}
