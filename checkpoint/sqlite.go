package checkpoint

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/agentflow-io/agentflow/core"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS checkpoints (
	thread_id     TEXT    NOT NULL,
	checkpoint_id INTEGER NOT NULL,
	parent_id     INTEGER,
	created_at    INTEGER NOT NULL,
	state         BLOB    NOT NULL,
	PRIMARY KEY (thread_id, checkpoint_id)
);
CREATE INDEX IF NOT EXISTS idx_checkpoints_thread_desc
	ON checkpoints (thread_id, checkpoint_id DESC);

CREATE TABLE IF NOT EXISTS threads (
	thread_id  TEXT PRIMARY KEY,
	status     TEXT    NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_threads_status
	ON threads (status, updated_at);
`

// SQLiteStore is the durable Store backed by a single SQLite file in WAL
// mode. Reads run concurrently; writes serialize per thread on a keyed
// mutex, which keeps each thread's checkpoint ids monotonic while
// letting unrelated threads checkpoint in parallel.
type SQLiteStore struct {
	db     *sql.DB
	logger core.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex

	retention     time.Duration
	sweepInterval time.Duration
	sweepStop     chan struct{}
	sweepDone     chan struct{}
}

// SQLiteOption configures a SQLiteStore.
type SQLiteOption func(*SQLiteStore)

// WithSQLiteLogger sets the store logger (defaults to NoOp).
func WithSQLiteLogger(logger core.Logger) SQLiteOption {
	return func(s *SQLiteStore) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithRetention enables the background sweeper: completed threads whose
// last update is older than ttl are deleted every interval.
func WithRetention(ttl, interval time.Duration) SQLiteOption {
	return func(s *SQLiteStore) {
		s.retention = ttl
		s.sweepInterval = interval
	}
}

// NewSQLiteStore opens (creating if needed) the checkpoint database at path.
func NewSQLiteStore(path string, opts ...SQLiteOption) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("checkpoint store: %w: empty database path", core.ErrInvalidConfiguration)
	}

	// Immediate transactions take the write lock at BEGIN, so writers
	// from different threads queue on busy_timeout instead of failing
	// mid-transaction on the deferred-to-write upgrade.
	db, err := sql.Open("sqlite", "file:"+path+"?_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("checkpoint store: opening %s: %w", path, err)
	}

	// WAL lets the HTTP read paths run while a turn is checkpointing.
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("checkpoint store: %s: %w", pragma, err)
		}
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("checkpoint store: creating schema: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: &core.NoOpLogger{},
		locks:  make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.retention > 0 && s.sweepInterval > 0 {
		s.sweepStop = make(chan struct{})
		s.sweepDone = make(chan struct{})
		go s.sweepLoop()
	}

	s.logger.Info("Checkpoint store opened", map[string]interface{}{
		"operation": "checkpoint_store_open",
		"path":      path,
		"retention": s.retention.String(),
	})
	return s, nil
}

func (s *SQLiteStore) Put(ctx context.Context, threadID string, state []byte, status core.ThreadStatus) (core.CheckpointRecord, error) {
	if threadID == "" {
		return core.CheckpointRecord{}, fmt.Errorf("checkpoint put: empty thread id")
	}

	lock := s.threadLock(threadID)
	lock.Lock()
	defer lock.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return core.CheckpointRecord{}, fmt.Errorf("checkpoint put: begin: %w", err)
	}
	defer tx.Rollback()

	var maxID sql.NullInt64
	err = tx.QueryRowContext(ctx,
		`SELECT MAX(checkpoint_id) FROM checkpoints WHERE thread_id = ?`, threadID).Scan(&maxID)
	if err != nil {
		return core.CheckpointRecord{}, fmt.Errorf("checkpoint put: reading max id: %w", err)
	}

	record := core.CheckpointRecord{
		ThreadID:     threadID,
		CheckpointID: 1,
		Timestamp:    time.Now().UTC(),
		State:        state,
		ThreadStatus: status,
	}
	if maxID.Valid {
		parent := maxID.Int64
		record.CheckpointID = parent + 1
		record.ParentID = &parent
	}

	var parentArg interface{}
	if record.ParentID != nil {
		parentArg = *record.ParentID
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO checkpoints (thread_id, checkpoint_id, parent_id, created_at, state) VALUES (?, ?, ?, ?, ?)`,
		threadID, record.CheckpointID, parentArg, record.Timestamp.UnixNano(), state)
	if err != nil {
		return core.CheckpointRecord{}, fmt.Errorf("checkpoint put: inserting: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO threads (thread_id, status, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(thread_id) DO UPDATE SET status = excluded.status, updated_at = excluded.updated_at`,
		threadID, string(status), record.Timestamp.UnixNano())
	if err != nil {
		return core.CheckpointRecord{}, fmt.Errorf("checkpoint put: updating thread status: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return core.CheckpointRecord{}, fmt.Errorf("checkpoint put: commit: %w", err)
	}

	s.logger.Debug("Checkpoint persisted", map[string]interface{}{
		"operation":     "checkpoint_put",
		"thread_id":     threadID,
		"checkpoint_id": record.CheckpointID,
		"status":        string(status),
		"state_bytes":   len(state),
	})
	return record, nil
}

func (s *SQLiteStore) Latest(ctx context.Context, threadID string) (core.CheckpointRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT c.checkpoint_id, c.parent_id, c.created_at, c.state, t.status
		 FROM checkpoints c JOIN threads t ON t.thread_id = c.thread_id
		 WHERE c.thread_id = ?
		 ORDER BY c.checkpoint_id DESC LIMIT 1`, threadID)

	record, err := scanRecord(row, threadID)
	if errors.Is(err, sql.ErrNoRows) {
		return core.CheckpointRecord{}, fmt.Errorf("checkpoint latest: %w: %s", core.ErrThreadNotFound, threadID)
	}
	if err != nil {
		return core.CheckpointRecord{}, fmt.Errorf("checkpoint latest: %w", err)
	}
	return record, nil
}

func (s *SQLiteStore) History(ctx context.Context, threadID string, limit int) ([]core.CheckpointRecord, error) {
	query := `SELECT c.checkpoint_id, c.parent_id, c.created_at, c.state, t.status
		 FROM checkpoints c JOIN threads t ON t.thread_id = c.thread_id
		 WHERE c.thread_id = ?
		 ORDER BY c.checkpoint_id DESC`
	args := []interface{}{threadID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("checkpoint history: %w", err)
	}
	defer rows.Close()

	var records []core.CheckpointRecord
	for rows.Next() {
		record, err := scanRecord(rows, threadID)
		if err != nil {
			return nil, fmt.Errorf("checkpoint history: %w", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("checkpoint history: %w", err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("checkpoint history: %w: %s", core.ErrThreadNotFound, threadID)
	}
	return records, nil
}

// threadLock returns the write mutex for a thread, creating it on
// first use. Entries are never removed; a stale entry is one idle
// mutex, while removal would risk two goroutines holding different
// mutexes for the same thread.
func (s *SQLiteStore) threadLock(threadID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[threadID]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[threadID] = lock
	}
	return lock
}

func (s *SQLiteStore) MarkThread(ctx context.Context, threadID string, status core.ThreadStatus) error {
	lock := s.threadLock(threadID)
	lock.Lock()
	defer lock.Unlock()

	res, err := s.db.ExecContext(ctx,
		`UPDATE threads SET status = ?, updated_at = ? WHERE thread_id = ?`,
		string(status), time.Now().UTC().UnixNano(), threadID)
	if err != nil {
		return fmt.Errorf("checkpoint mark: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checkpoint mark: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("checkpoint mark: %w: %s", core.ErrThreadNotFound, threadID)
	}
	return nil
}

func (s *SQLiteStore) IncompleteThreads(ctx context.Context, olderThan time.Duration) ([]string, error) {
	cutoff := time.Now().UTC().Add(-olderThan).UnixNano()
	rows, err := s.db.QueryContext(ctx,
		`SELECT thread_id FROM threads WHERE status = ? AND updated_at <= ? ORDER BY updated_at`,
		string(core.ThreadActive), cutoff)
	if err != nil {
		return nil, fmt.Errorf("checkpoint incomplete threads: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("checkpoint incomplete threads: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *SQLiteStore) ListThreads(ctx context.Context) ([]core.ThreadSummary, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT thread_id, status, updated_at FROM threads ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("checkpoint list threads: %w", err)
	}
	defer rows.Close()

	var summaries []core.ThreadSummary
	for rows.Next() {
		var (
			id      string
			status  string
			updated int64
		)
		if err := rows.Scan(&id, &status, &updated); err != nil {
			return nil, fmt.Errorf("checkpoint list threads: %w", err)
		}
		summaries = append(summaries, core.ThreadSummary{
			ThreadID:    id,
			Status:      core.ThreadStatus(status),
			LastUpdated: time.Unix(0, updated).UTC(),
		})
	}
	return summaries, rows.Err()
}

func (s *SQLiteStore) DeleteThread(ctx context.Context, threadID string) error {
	lock := s.threadLock(threadID)
	lock.Lock()
	defer lock.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("checkpoint delete: begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM checkpoints WHERE thread_id = ?`, threadID); err != nil {
		return fmt.Errorf("checkpoint delete: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM threads WHERE thread_id = ?`, threadID); err != nil {
		return fmt.Errorf("checkpoint delete: %w", err)
	}
	return tx.Commit()
}

// Vacuum reclaims space left by deleted threads. It contends with
// in-flight writers through busy_timeout rather than any store lock.
func (s *SQLiteStore) Vacuum(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `VACUUM`); err != nil {
		return fmt.Errorf("checkpoint vacuum: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	if s.sweepStop != nil {
		close(s.sweepStop)
		<-s.sweepDone
	}
	return s.db.Close()
}

// sweepLoop deletes completed threads past the retention window. Active
// and incomplete threads are never swept; recovery owns those.
func (s *SQLiteStore) sweepLoop() {
	defer close(s.sweepDone)

	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.sweepStop:
			return
		case <-ticker.C:
			s.sweepOnce()
		}
	}
}

func (s *SQLiteStore) sweepOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cutoff := time.Now().UTC().Add(-s.retention).UnixNano()

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM checkpoints WHERE thread_id IN
			(SELECT thread_id FROM threads WHERE status = ? AND updated_at < ?)`,
		string(core.ThreadComplete), cutoff)
	if err != nil {
		s.logger.Error("Checkpoint sweep failed", map[string]interface{}{
			"operation": "checkpoint_sweep",
			"error":     err.Error(),
		})
		return
	}
	deleted, _ := res.RowsAffected()

	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM threads WHERE status = ? AND updated_at < ?`,
		string(core.ThreadComplete), cutoff); err != nil {
		s.logger.Error("Checkpoint sweep failed", map[string]interface{}{
			"operation": "checkpoint_sweep",
			"error":     err.Error(),
		})
		return
	}

	if deleted > 0 {
		s.logger.Info("Checkpoint sweep removed expired threads", map[string]interface{}{
			"operation":           "checkpoint_sweep",
			"checkpoints_deleted": deleted,
		})
	}
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row rowScanner, threadID string) (core.CheckpointRecord, error) {
	var (
		record  core.CheckpointRecord
		parent  sql.NullInt64
		created int64
		status  string
	)
	if err := row.Scan(&record.CheckpointID, &parent, &created, &record.State, &status); err != nil {
		return core.CheckpointRecord{}, err
	}
	record.ThreadID = threadID
	record.Timestamp = time.Unix(0, created).UTC()
	record.ThreadStatus = core.ThreadStatus(status)
	if parent.Valid {
		p := parent.Int64
		record.ParentID = &p
	}
	return record, nil
}
