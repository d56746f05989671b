package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// The SQL surface is exercised against a live database in deployment;
// these checks pin the row contract the rest of the system relies on.

func TestSchemaColumns(t *testing.T) {
	for _, col := range []string{
		"id", "user_id", "event_type", "timestamp", "payload", "metadata",
		"priority", "idempotency_key", "status", "retry_count", "last_error",
		"processed_at", "created_at", "updated_at",
	} {
		assert.Contains(t, schema, col)
	}
}

func TestStatusUpdatesTouchUpdatedAt(t *testing.T) {
	assert.Contains(t, markProcessedSQL, "updated_at = now()")
	assert.Contains(t, markFailedSQL, "updated_at = now()")
}

func TestInsertTreatsEmptyOptionalsAsNull(t *testing.T) {
	assert.Contains(t, insertSQL, "NULLIF($8, '')")
	assert.Contains(t, insertSQL, "NULLIF($12, '')")
}
