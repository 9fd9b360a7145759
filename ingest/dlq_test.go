package ingest

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"lookout/core"
	"lookout/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func setupDLQ(t *testing.T) *SQLiteDLQ {
	t.Helper()
	logger := zaptest.NewLogger(t).Sugar()
	db, err := storage.NewSQLite(filepath.Join(t.TempDir(), "dlq.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewSQLiteDLQ(db.DB, logger)
}

func TestSQLiteDLQ_AddGet(t *testing.T) {
	dlq := setupDLQ(t)
	ctx := context.Background()

	raw := []byte{0x81, 0xa1, 0x61, 0xc1} // invalid msgpack, stored verbatim
	require.NoError(t, dlq.Add(ctx, &FailedEvent{
		Source:       SourceBus,
		Subject:      "events.anomaly.metric",
		ContentType:  ContentTypeMsgpack,
		RawEvent:     raw,
		ErrorReason:  core.ReasonDecodeFailure,
		ErrorDetails: "invalid code",
	}))

	events, total, err := dlq.List(ctx, 1, 10, DLQFilter{})
	require.NoError(t, err)
	require.Equal(t, 1, total)

	got, err := dlq.Get(ctx, events[0].ID)
	require.NoError(t, err)
	assert.Equal(t, raw, got.RawEvent)
	assert.Equal(t, SourceBus, got.Source)
	assert.Equal(t, "events.anomaly.metric", got.Subject)
	assert.Equal(t, ContentTypeMsgpack, got.ContentType)
	assert.Equal(t, core.ReasonDecodeFailure, got.ErrorReason)
	assert.Equal(t, DLQStatusPending, got.Status)
	assert.Zero(t, got.Retries)
}

func TestSQLiteDLQ_DefaultContentType(t *testing.T) {
	dlq := setupDLQ(t)
	ctx := context.Background()

	require.NoError(t, dlq.Add(ctx, &FailedEvent{Source: SourceHTTP, RawEvent: []byte("x"), ErrorReason: core.ReasonDecodeFailure}))
	events, _, err := dlq.List(ctx, 1, 10, DLQFilter{})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, ContentTypeJSON, events[0].ContentType)
}

func TestSQLiteDLQ_GetMissing(t *testing.T) {
	dlq := setupDLQ(t)
	_, err := dlq.Get(context.Background(), 999)
	assert.ErrorIs(t, err, ErrDLQEventNotFound)
}

func TestSQLiteDLQ_ListPaginationAndFilters(t *testing.T) {
	dlq := setupDLQ(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		reason := core.ReasonDecodeFailure
		if i%2 == 1 {
			reason = core.ReasonSchemaViolation
		}
		require.NoError(t, dlq.Add(ctx, &FailedEvent{
			Source:      SourceBus,
			RawEvent:    []byte(fmt.Sprintf("event-%d", i)),
			ErrorReason: reason,
		}))
	}

	page1, total, err := dlq.List(ctx, 1, 2, DLQFilter{})
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	require.Len(t, page1, 2)
	assert.Equal(t, []byte("event-4"), page1[0].RawEvent)

	page3, _, err := dlq.List(ctx, 3, 2, DLQFilter{})
	require.NoError(t, err)
	require.Len(t, page3, 1)
	assert.Equal(t, []byte("event-0"), page3[0].RawEvent)

	_, total, err = dlq.List(ctx, 1, 10, DLQFilter{ErrorReason: core.ReasonSchemaViolation})
	require.NoError(t, err)
	assert.Equal(t, 2, total)

	_, total, err = dlq.List(ctx, 1, 10, DLQFilter{Source: SourceHTTP})
	require.NoError(t, err)
	assert.Zero(t, total)
}

func TestSQLiteDLQ_StatusAndRetries(t *testing.T) {
	dlq := setupDLQ(t)
	ctx := context.Background()

	require.NoError(t, dlq.Add(ctx, &FailedEvent{Source: SourceBus, RawEvent: []byte("x"), ErrorReason: core.ReasonNotObject}))
	events, _, err := dlq.List(ctx, 1, 1, DLQFilter{})
	require.NoError(t, err)
	id := events[0].ID

	require.NoError(t, dlq.IncrementRetries(ctx, id))
	require.NoError(t, dlq.IncrementRetries(ctx, id))
	require.NoError(t, dlq.UpdateStatus(ctx, id, DLQStatusDiscarded))

	got, err := dlq.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 2, got.Retries)
	assert.Equal(t, DLQStatusDiscarded, got.Status)

	assert.Error(t, dlq.UpdateStatus(ctx, id, "lost"))
	assert.ErrorIs(t, dlq.UpdateStatus(ctx, id+100, DLQStatusReplayed), ErrDLQEventNotFound)

	pending, err := dlq.Count(ctx, DLQStatusPending)
	require.NoError(t, err)
	assert.Zero(t, pending)
	all, err := dlq.Count(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 1, all)
}

func TestSQLiteDLQ_PurgeKeepsPending(t *testing.T) {
	dlq := setupDLQ(t)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		require.NoError(t, dlq.Add(ctx, &FailedEvent{Source: SourceHTTP, RawEvent: []byte("x"), ErrorReason: core.ReasonDecodeFailure}))
	}
	_, err := dlq.db.ExecContext(ctx, "UPDATE dead_letter_queue SET created_at = datetime('now', '-40 days') WHERE id <= 3")
	require.NoError(t, err)

	require.NoError(t, dlq.UpdateStatus(ctx, 1, DLQStatusReplayed))
	require.NoError(t, dlq.UpdateStatus(ctx, 2, DLQStatusDiscarded))
	require.NoError(t, dlq.UpdateStatus(ctx, 4, DLQStatusDiscarded))

	n, err := dlq.Purge(ctx, time.Now().Add(-30*24*time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	_, err = dlq.Get(ctx, 3)
	assert.NoError(t, err, "old pending letter is kept")
	_, err = dlq.Get(ctx, 4)
	assert.NoError(t, err, "recent discarded letter is kept")
	_, err = dlq.Get(ctx, 1)
	assert.ErrorIs(t, err, ErrDLQEventNotFound)
}
