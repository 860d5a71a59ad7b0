package sqlitequeue_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/surgecrawl/surgecrawl/internal/crawl/requestqueue"
	"github.com/surgecrawl/surgecrawl/internal/crawl/types"
	"github.com/surgecrawl/surgecrawl/internal/storage/sqlitequeue"
	"github.com/surgecrawl/surgecrawl/internal/testutil"
)

func openTestClient(t *testing.T) *sqlitequeue.Client {
	t.Helper()
	dir, cleanup, err := testutil.TempDir("sqlitequeue")
	require.NoError(t, err)
	t.Cleanup(cleanup)

	c, err := sqlitequeue.Open(filepath.Join(dir, "queue.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestClient_OpenRefusesSecondLock(t *testing.T) {
	dir, cleanup, err := testutil.TempDir("sqlitequeue")
	require.NoError(t, err)
	t.Cleanup(cleanup)
	path := filepath.Join(dir, "queue.db")

	first, err := sqlitequeue.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = first.Close() })

	_, err = sqlitequeue.Open(path)
	assert.Error(t, err, "expected Open to fail while the file is already locked")
}

func TestClient_AddRequestTwiceIsIdempotent(t *testing.T) {
	ctx := context.Background()
	c := openTestClient(t)

	req := types.NewRequest("https://example.com/a")
	first, err := c.AddRequest(ctx, "default", req, false)
	require.NoError(t, err)
	assert.False(t, first.WasAlreadyPresent, "first AddRequest should report WasAlreadyPresent=false")

	second, err := c.AddRequest(ctx, "default", req, false)
	require.NoError(t, err)
	assert.True(t, second.WasAlreadyPresent, "second AddRequest with the same UniqueKey should report WasAlreadyPresent=true")
	assert.Equal(t, first.RequestID, second.RequestID, "RequestID changed across duplicate adds")
}

func TestClient_GetRequestRoundTrip(t *testing.T) {
	ctx := context.Background()
	c := openTestClient(t)

	req := types.NewRequest("https://example.com/a")
	req.Headers = map[string]string{"Accept": "text/html"}
	req.UserData = map[string]any{"depth": float64(2)}

	added, err := c.AddRequest(ctx, "default", req, false)
	require.NoError(t, err)

	fetched, err := c.GetRequest(ctx, "default", added.RequestID)
	require.NoError(t, err)
	require.NotNil(t, fetched)
	assert.Equal(t, req.URL, fetched.URL)
	assert.Equal(t, "text/html", fetched.Headers["Accept"], "headers not preserved")
	assert.Equal(t, float64(2), fetched.UserData["depth"], "userData not preserved")
}

func TestClient_ForefrontSurfacesBeforeOlderEntries(t *testing.T) {
	ctx := context.Background()
	c := openTestClient(t)

	first := types.NewRequest("https://example.com/first")
	second := types.NewRequest("https://example.com/second-forefront")

	_, err := c.AddRequest(ctx, "default", first, false)
	require.NoError(t, err)
	_, err = c.AddRequest(ctx, "default", second, true)
	require.NoError(t, err)

	items, err := c.GetHead(ctx, "default", 10)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, second.UniqueKey, items[0].UniqueKey, "expected forefront request first")
}

func TestClient_UpdateRequestMarksHandled(t *testing.T) {
	ctx := context.Background()
	c := openTestClient(t)

	req := types.NewRequest("https://example.com/a")
	added, err := c.AddRequest(ctx, "default", req, false)
	require.NoError(t, err)
	req.ID = added.RequestID

	_, err = c.UpdateRequest(ctx, "default", req, requestqueue.UpdateOptions{Handled: true})
	require.NoError(t, err)

	done, err := c.IsFinished(ctx, "default")
	require.NoError(t, err)
	assert.True(t, done, "expected queue finished after the only request was marked handled")

	items, err := c.GetHead(ctx, "default", 10)
	require.NoError(t, err)
	assert.Empty(t, items, "expected no head items after handling the only request")
}

func TestClient_DeleteQueuePurgesRows(t *testing.T) {
	ctx := context.Background()
	c := openTestClient(t)

	req := types.NewRequest("https://example.com/a")
	_, err := c.AddRequest(ctx, "default", req, false)
	require.NoError(t, err)

	require.NoError(t, c.DeleteQueue(ctx, "default"))

	done, err := c.IsFinished(ctx, "default")
	require.NoError(t, err)
	assert.True(t, done, "expected queue finished after DeleteQueue")
}

func TestClient_RetryBucketsAccumulate(t *testing.T) {
	ctx := context.Background()
	c := openTestClient(t)

	require.NoError(t, c.RecordRetryAfter(ctx, "default", 2))
	require.NoError(t, c.RecordRetryAfter(ctx, "default", 2))
	require.NoError(t, c.RecordRetryAfter(ctx, "default", 5))

	buckets := c.RetryBuckets()
	require.GreaterOrEqual(t, len(buckets), 6)
	assert.Equal(t, 2, buckets[2])
	assert.Equal(t, 1, buckets[5])
}
