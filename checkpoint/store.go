// Package checkpoint persists workflow state snapshots so that
// conversation threads survive process crashes and can be resumed from
// their last good transition.
package checkpoint

import (
	"context"
	"time"

	"github.com/agentflow-io/agentflow/core"
)

// Store is the checkpoint persistence contract. Implementations must be
// safe for concurrent use; writes within one thread are serialized so
// checkpoint ids stay monotonic per thread.
type Store interface {
	// Put persists a snapshot for the thread and returns the completed
	// record. The store assigns CheckpointID (monotonic within the
	// thread) and ParentID (the previous latest, nil for the first).
	Put(ctx context.Context, threadID string, state []byte, status core.ThreadStatus) (core.CheckpointRecord, error)

	// Latest returns the highest-id checkpoint for the thread, or
	// core.ErrThreadNotFound when the thread has none.
	Latest(ctx context.Context, threadID string) (core.CheckpointRecord, error)

	// History returns checkpoints for the thread, newest first, at most
	// limit entries (limit <= 0 means all).
	History(ctx context.Context, threadID string, limit int) ([]core.CheckpointRecord, error)

	// MarkThread overwrites the thread's lifecycle status without
	// writing a new snapshot. Marking an unknown thread is an error.
	MarkThread(ctx context.Context, threadID string, status core.ThreadStatus) error

	// IncompleteThreads returns ids of threads whose status is active
	// and whose last update is older than the cutoff, meaning a run was
	// interrupted before it finished and is not actively being served.
	// A zero olderThan returns every active thread.
	IncompleteThreads(ctx context.Context, olderThan time.Duration) ([]string, error)

	// ListThreads returns a summary row per known thread, most recently
	// updated first.
	ListThreads(ctx context.Context) ([]core.ThreadSummary, error)

	// DeleteThread removes a thread and all its checkpoints. Deleting an
	// unknown thread is a no-op.
	DeleteThread(ctx context.Context, threadID string) error

	// Vacuum compacts physical storage after deletes. A no-op for
	// stores without physical fragmentation.
	Vacuum(ctx context.Context) error

	// Close releases the store's resources.
	Close() error
}
