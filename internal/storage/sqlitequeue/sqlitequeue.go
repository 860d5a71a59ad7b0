// Package sqlitequeue is the production StorageClient for RequestQueue:
// a SQLite-backed request table guarded by an on-disk file lock so only
// one process writes to a given queue database at a time, following the
// same database/sql-over-modernc.org/sqlite idiom the teacher's state
// package uses for its downloads table, with gofrs/flock standing in for
// the single-writer guarantee its go.mod already carried.
package sqlitequeue

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/surgecrawl/surgecrawl/internal/crawl/requestqueue"
	"github.com/surgecrawl/surgecrawl/internal/crawl/types"
	"github.com/surgecrawl/surgecrawl/internal/utils"
)

const schema = `
CREATE TABLE IF NOT EXISTS requests (
	id             TEXT PRIMARY KEY,
	queue_id       TEXT NOT NULL,
	unique_key     TEXT NOT NULL,
	url            TEXT NOT NULL,
	method         TEXT NOT NULL,
	headers        TEXT NOT NULL DEFAULT '{}',
	payload        BLOB,
	user_data      TEXT NOT NULL DEFAULT '{}',
	retry_count    INTEGER NOT NULL DEFAULT 0,
	error_messages TEXT NOT NULL DEFAULT '[]',
	no_retry       INTEGER NOT NULL DEFAULT 0,
	handled        INTEGER NOT NULL DEFAULT 0,
	seq            INTEGER NOT NULL,
	created_at     INTEGER NOT NULL,
	UNIQUE(queue_id, unique_key)
);
CREATE INDEX IF NOT EXISTS idx_requests_head ON requests(queue_id, handled, seq);

CREATE TABLE IF NOT EXISTS retry_buckets (
	queue_id TEXT NOT NULL,
	bucket   INTEGER NOT NULL,
	count    INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (queue_id, bucket)
);
`

// Client is a SQLite-backed requestqueue.StorageClient. One Client owns
// one database file and one on-disk lock; it is safe for concurrent use
// by many goroutines within this process, but Open refuses to proceed if
// another process already holds the lock.
type Client struct {
	db   *sql.DB
	lock *flock.Flock

	mu sync.Mutex
}

var _ requestqueue.StorageClient = (*Client)(nil)

// Open opens (creating if absent) the SQLite database at path, taking an
// exclusive file lock at path+".lock" to guarantee a single writer.
func Open(path string) (*Client, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("sqlitequeue: create dir: %w", err)
		}
	}

	lock := flock.New(path + ".lock")
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("sqlitequeue: acquiring lock: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("sqlitequeue: %s is locked by another process", path)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		_ = lock.Unlock()
		return nil, fmt.Errorf("sqlitequeue: open: %w", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite is not safe for concurrent writers on one *DB

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		_ = lock.Unlock()
		return nil, fmt.Errorf("sqlitequeue: migrate: %w", err)
	}

	return &Client{db: db, lock: lock}, nil
}

// Close releases the database handle and the file lock.
func (c *Client) Close() error {
	dbErr := c.db.Close()
	lockErr := c.lock.Unlock()
	if dbErr != nil {
		return dbErr
	}
	return lockErr
}

type row struct {
	id            string
	uniqueKey     string
	url           string
	method        string
	headers       string
	payload       []byte
	userData      string
	retryCount    int
	errorMessages string
	noRetry       bool
	handled       bool
}

func toRequest(r row) (*types.Request, error) {
	req := &types.Request{
		ID:         r.id,
		URL:        r.url,
		UniqueKey:  r.uniqueKey,
		Method:     r.method,
		Payload:    r.payload,
		RetryCount: r.retryCount,
		NoRetry:    r.noRetry,
	}
	if err := json.Unmarshal([]byte(r.headers), &req.Headers); err != nil {
		return nil, fmt.Errorf("decode headers: %w", err)
	}
	if err := json.Unmarshal([]byte(r.userData), &req.UserData); err != nil {
		return nil, fmt.Errorf("decode userData: %w", err)
	}
	if err := json.Unmarshal([]byte(r.errorMessages), &req.ErrorMessages); err != nil {
		return nil, fmt.Errorf("decode errorMessages: %w", err)
	}
	return req, nil
}

func marshalJSON(v any) (string, error) {
	if v == nil {
		return "{}", nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// AddRequest inserts req under queueID, or reports the existing row if
// UniqueKey already exists for this queue.
func (c *Client) AddRequest(ctx context.Context, queueID string, req *types.Request, forefront bool) (requestqueue.AddResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	headers, err := marshalJSON(req.Headers)
	if err != nil {
		return requestqueue.AddResult{}, err
	}
	userData, err := marshalJSON(req.UserData)
	if err != nil {
		return requestqueue.AddResult{}, err
	}
	errMsgs, err := marshalJSON(req.ErrorMessages)
	if err != nil {
		return requestqueue.AddResult{}, err
	}

	id := uuid.NewString()
	seq, err := c.nextSeq(ctx, queueID, forefront)
	if err != nil {
		return requestqueue.AddResult{}, err
	}

	_, err = c.db.ExecContext(ctx, `
		INSERT INTO requests (id, queue_id, unique_key, url, method, headers, payload, user_data, retry_count, error_messages, no_retry, handled, seq, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?)
		ON CONFLICT(queue_id, unique_key) DO NOTHING
	`, id, queueID, req.UniqueKey, req.URL, req.Method, headers, req.Payload, userData, req.RetryCount, errMsgs, boolToInt(req.NoRetry), seq, time.Now().Unix())
	if err != nil {
		return requestqueue.AddResult{}, fmt.Errorf("insert request: %w", err)
	}

	var existingID string
	var handled int
	err = c.db.QueryRowContext(ctx, `SELECT id, handled FROM requests WHERE queue_id = ? AND unique_key = ?`, queueID, req.UniqueKey).Scan(&existingID, &handled)
	if err != nil {
		return requestqueue.AddResult{}, fmt.Errorf("select inserted request: %w", err)
	}

	return requestqueue.AddResult{
		RequestID:         existingID,
		WasAlreadyPresent: existingID != id,
		WasAlreadyHandled: handled != 0,
	}, nil
}

// GetRequest returns the full request by id, or nil if absent.
func (c *Client) GetRequest(ctx context.Context, queueID, requestID string) (*types.Request, error) {
	var r row
	var noRetry, handled int
	err := c.db.QueryRowContext(ctx, `
		SELECT id, unique_key, url, method, headers, payload, user_data, retry_count, error_messages, no_retry, handled
		FROM requests WHERE queue_id = ? AND id = ?
	`, queueID, requestID).Scan(&r.id, &r.uniqueKey, &r.url, &r.method, &r.headers, &r.payload, &r.userData, &r.retryCount, &r.errorMessages, &noRetry, &handled)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get request: %w", err)
	}
	r.noRetry = noRetry != 0
	r.handled = handled != 0
	return toRequest(r)
}

// UpdateRequest persists req's retry count and error messages (other
// fields such as the payload are not rewritten) and applies opts: Handled marks it terminally
// done; Forefront re-orders it to the head of the queue.
func (c *Client) UpdateRequest(ctx context.Context, queueID string, req *types.Request, opts requestqueue.UpdateOptions) (requestqueue.AddResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	errMsgs, err := marshalJSON(req.ErrorMessages)
	if err != nil {
		return requestqueue.AddResult{}, err
	}

	handledInt := 0
	if opts.Handled {
		handledInt = 1
	}

	if opts.Handled {
		_, err = c.db.ExecContext(ctx, `
			UPDATE requests SET retry_count = ?, error_messages = ?, handled = ?
			WHERE queue_id = ? AND id = ?
		`, req.RetryCount, errMsgs, handledInt, queueID, req.ID)
	} else {
		seq, seqErr := c.nextSeq(ctx, queueID, opts.Forefront)
		if seqErr != nil {
			return requestqueue.AddResult{}, seqErr
		}
		_, err = c.db.ExecContext(ctx, `
			UPDATE requests SET retry_count = ?, error_messages = ?, handled = 0, seq = ?
			WHERE queue_id = ? AND id = ?
		`, req.RetryCount, errMsgs, seq, queueID, req.ID)
	}
	if err != nil {
		return requestqueue.AddResult{}, fmt.Errorf("update request: %w", err)
	}

	return requestqueue.AddResult{RequestID: req.ID, WasAlreadyPresent: true, WasAlreadyHandled: opts.Handled}, nil
}

// GetHead returns up to limit unhandled (id, uniqueKey) pairs in queue
// order (forefront entries first).
func (c *Client) GetHead(ctx context.Context, queueID string, limit int) ([]requestqueue.HeadItem, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT id, unique_key FROM requests
		WHERE queue_id = ? AND handled = 0
		ORDER BY seq ASC LIMIT ?
	`, queueID, limit)
	if err != nil {
		return nil, fmt.Errorf("get head: %w", err)
	}
	defer rows.Close()

	var items []requestqueue.HeadItem
	for rows.Next() {
		var item requestqueue.HeadItem
		if err := rows.Scan(&item.ID, &item.UniqueKey); err != nil {
			return nil, fmt.Errorf("scan head row: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// DeleteQueue archives the database file alongside itself with a
// timestamped suffix, then purges every row belonging to queueID.
func (c *Client) DeleteQueue(ctx context.Context, queueID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if dbPath, ok := c.dbFilePath(); ok {
		archivePath := fmt.Sprintf("%s.%d.bak", dbPath, time.Now().Unix())
		if err := utils.CopyFile(dbPath, archivePath); err != nil {
			utils.Warn("sqlitequeue: failed to archive %s before delete: %v", dbPath, err)
		}
	}

	_, err := c.db.ExecContext(ctx, `DELETE FROM requests WHERE queue_id = ?`, queueID)
	if err != nil {
		return fmt.Errorf("delete queue: %w", err)
	}
	_, err = c.db.ExecContext(ctx, `DELETE FROM retry_buckets WHERE queue_id = ?`, queueID)
	return err
}

// IsFinished reports whether queueID has no unhandled rows remaining.
func (c *Client) IsFinished(ctx context.Context, queueID string) (bool, error) {
	var count int
	err := c.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM requests WHERE queue_id = ? AND handled = 0`, queueID).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("is finished: %w", err)
	}
	return count == 0, nil
}

// RetryBuckets implements snapshot.ClientErrorSource: it reports a
// histogram of recorded retry-after/429 pressure for every queue in this
// database, read by Snapshotter's client-sampling tick.
func (c *Client) RetryBuckets() []int {
	rows, err := c.db.Query(`SELECT bucket, count FROM retry_buckets`)
	if err != nil {
		utils.Warn("sqlitequeue: retry buckets unavailable: %v", err)
		return nil
	}
	defer rows.Close()

	buckets := make([]int, 8)
	for rows.Next() {
		var bucket, count int
		if err := rows.Scan(&bucket, &count); err != nil {
			continue
		}
		if bucket >= 0 && bucket < len(buckets) {
			buckets[bucket] += count
		}
	}
	return buckets
}

// RecordRetryAfter increments the retry-bucket histogram for queueID,
// called by the HTTP fetch layer whenever a fetch gets a 429 response,
// with the bucket of that response's Retry-After delay.
func (c *Client) RecordRetryAfter(ctx context.Context, queueID string, bucket int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO retry_buckets (queue_id, bucket, count) VALUES (?, ?, 1)
		ON CONFLICT(queue_id, bucket) DO UPDATE SET count = count + 1
	`, queueID, bucket)
	return err
}

// nextSeq computes the ordering key for an insert/update: one below the
// current minimum for forefront placement, one above the current maximum
// otherwise. Callers must hold c.mu.
func (c *Client) nextSeq(ctx context.Context, queueID string, forefront bool) (int64, error) {
	var minSeq, maxSeq sql.NullInt64
	err := c.db.QueryRowContext(ctx, `SELECT MIN(seq), MAX(seq) FROM requests WHERE queue_id = ?`, queueID).Scan(&minSeq, &maxSeq)
	if err != nil {
		return 0, fmt.Errorf("compute seq: %w", err)
	}
	if forefront {
		if minSeq.Valid {
			return minSeq.Int64 - 1, nil
		}
		return 0, nil
	}
	if maxSeq.Valid {
		return maxSeq.Int64 + 1, nil
	}
	return 0, nil
}

func (c *Client) dbFilePath() (string, bool) {
	rows, err := c.db.Query(`PRAGMA database_list`)
	if err != nil {
		return "", false
	}
	defer rows.Close()
	for rows.Next() {
		var seq int
		var name, file string
		if err := rows.Scan(&seq, &name, &file); err != nil {
			return "", false
		}
		if name == "main" && file != "" {
			return file, true
		}
	}
	return "", false
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
