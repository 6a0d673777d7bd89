// Package workqueue serializes asynchronous backend completions back
// onto the data-loop goroutine. A node that issues a command whose
// backend response is async (set_param(Format), enum_params, ...)
// enqueues an Item keyed by the sequence id it expects back; Complete
// matches that sequence against outstanding items for the same owner
// and runs the callback exactly once.
//
// Grounded in the teacher's framesupplier mailbox (sync.Mutex +
// sync.Cond, internal/inbox.go) but changed from overwrite-on-publish
// to FIFO-per-owner: a work-queue entry gates a state transition, so
// dropping it (the teacher's "drop frames, never queue" policy) would
// silently wedge a node in a transitional state forever. Completions,
// unlike frames, must never be dropped — see DESIGN.md.
package workqueue

import (
	"sync"

	"github.com/google/uuid"
)

// Result is what a completed work item carries back to its callback.
type Result struct {
	OK      bool
	Err     error
	TraceID uuid.UUID
}

// Item is one outstanding async completion, keyed by (Owner,
// Sequence). Owner is an opaque uint32 so this package does not need
// to import gid or node; callers pass gid.NodeID values through as
// uint32(id).
type Item struct {
	Owner    uint32
	Sequence int32
	Callback func(Result)
	TraceID  uuid.UUID
}

// Queue is a FIFO of Items, searchable by (owner, sequence) for
// Complete and prunable by owner for Cancel.
type Queue struct {
	mu    sync.Mutex
	items []Item
}

// New creates an empty work queue.
func New() *Queue {
	return &Queue{}
}

// Enqueue appends an item awaiting completion.
func (q *Queue) Enqueue(item Item) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, item)
}

// Complete finds the first item for owner whose sequence equals seq,
// removes it, and invokes its callback with result OUTSIDE the lock
// (so the callback may itself call back into Queue without
// deadlocking). Entries may complete out of order across owners or
// even across sequences for the same owner, but are always matched by
// exact sequence; reports false if no matching item was found, which
// callers should treat as an unexpected completion (logged, not
// fatal) rather than an error, since a superseded transition's work
// item may already have been dropped by Cancel.
func (q *Queue) Complete(owner uint32, seq int32, result Result) bool {
	q.mu.Lock()
	var item Item
	found := false
	for i := range q.items {
		if q.items[i].Owner == owner && q.items[i].Sequence == seq {
			item = q.items[i]
			q.items = append(q.items[:i], q.items[i+1:]...)
			found = true
			break
		}
	}
	q.mu.Unlock()

	if !found {
		return false
	}
	if item.Callback != nil {
		item.Callback(result)
	}
	return true
}

// Cancel drops every outstanding item for owner without invoking its
// callback. Used when a newer state transition supersedes a pending
// one: the stale entry must not fire its callback against a state the
// node has already moved past.
func (q *Queue) Cancel(owner uint32) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	kept := q.items[:0]
	dropped := 0
	for _, it := range q.items {
		if it.Owner == owner {
			dropped++
			continue
		}
		kept = append(kept, it)
	}
	q.items = kept
	return dropped
}

// Len reports the number of outstanding items, for the
// graphcore_workqueue_depth metric.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Pending reports outstanding sequence ids for owner, for
// diagnostics.
func (q *Queue) Pending(owner uint32) []int32 {
	q.mu.Lock()
	defer q.mu.Unlock()
	var seqs []int32
	for _, it := range q.items {
		if it.Owner == owner {
			seqs = append(seqs, it.Sequence)
		}
	}
	return seqs
}
