// Package docqueue is the Document Queue (C5): a process-wide singleton
// guarding duplicate processing across the three ingestion paths. The
// gate (Add) must be taken before any expensive work begins.
package docqueue

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/nexusidp/document-processor/internal/logging"
	"github.com/nexusidp/document-processor/internal/model"
)

// Notifier publishes queue-state transitions to status subscribers.
// Wiring one is optional: a nil notifier simply skips publication.
type Notifier interface {
	Publish(ctx context.Context, channel, message string) error
}

// event is the wire shape published to the notifier's channel.
type event struct {
	DocID  string            `json:"doc_id"`
	Status model.QueueStatus `json:"status"`
}

// maxCompleted bounds the completed set; oldest entries are evicted
// FIFO once the cap is reached.
const maxCompleted = 10000

// Queue guards the processing map and completed set behind a single
// mutex, persisting the whole state to one JSON blob on every mutation.
type Queue struct {
	mu             sync.Mutex
	entries        map[string]*model.QueueEntry
	completed      map[string]struct{}
	completedOrder []string
	persistTo      string
	notifier       Notifier
	notifyChannel  string
	log            *logging.Logger
}

// snapshot is the on-disk shape.
type snapshot struct {
	Entries   map[string]*model.QueueEntry `json:"entries"`
	Completed []string                     `json:"completed"`
}

// New creates a Queue. persistPath may be empty to disable persistence
// (tests only); production callers always pass a path.
func New(persistPath string) *Queue {
	q := &Queue{
		entries:   make(map[string]*model.QueueEntry),
		completed: make(map[string]struct{}),
		persistTo: persistPath,
		log:       logging.NewLogger("docqueue"),
	}
	q.load()
	return q
}

// SetNotifier wires an optional pub/sub notifier; queue-state
// transitions are published best-effort (a publish failure is logged,
// never fails the mutation).
func (q *Queue) SetNotifier(n Notifier, channel string) {
	q.notifier = n
	q.notifyChannel = channel
}

// notify must not be called with mu held: it may block on network I/O.
func (q *Queue) notify(docID string, status model.QueueStatus) {
	if q.notifier == nil {
		return
	}
	data, err := json.Marshal(event{DocID: docID, Status: status})
	if err != nil {
		return
	}
	if err := q.notifier.Publish(context.Background(), q.notifyChannel, string(data)); err != nil {
		q.log.Warn("queue notification publish failed", "doc_id", docID, "error", err.Error())
	}
}

func (q *Queue) load() {
	if q.persistTo == "" {
		return
	}
	data, err := os.ReadFile(q.persistTo)
	if err != nil {
		return
	}
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		q.log.Error("corrupt queue snapshot, starting empty", "error", err.Error())
		return
	}
	if snap.Entries != nil {
		q.entries = snap.Entries
	}
	for _, id := range snap.Completed {
		q.completed[id] = struct{}{}
		q.completedOrder = append(q.completedOrder, id)
	}
}

// addCompleted must be called with mu held. Evicts the oldest completed
// id once the set exceeds maxCompleted.
func (q *Queue) addCompleted(docID string) {
	q.completed[docID] = struct{}{}
	q.completedOrder = append(q.completedOrder, docID)
	if len(q.completedOrder) > maxCompleted {
		oldest := q.completedOrder[0]
		q.completedOrder = q.completedOrder[1:]
		delete(q.completed, oldest)
	}
}

// persist must be called with mu held.
func (q *Queue) persist() {
	if q.persistTo == "" {
		return
	}
	snap := snapshot{Entries: q.entries, Completed: q.completedOrder}
	data, err := json.Marshal(snap)
	if err != nil {
		q.log.Error("failed to marshal queue snapshot", "error", err.Error())
		return
	}
	tmp := q.persistTo + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		q.log.Error("failed to write queue snapshot", "error", err.Error())
		return
	}
	if err := os.Rename(tmp, q.persistTo); err != nil {
		q.log.Error("failed to rename queue snapshot into place", "error", err.Error())
	}
}

// Add is the sole gate against duplicate processing. Returns false when
// docID is already present in either the processing map or the
// completed set; the caller must treat that as success-idempotent.
func (q *Queue) Add(docID, filename string, source model.Source) bool {
	var added bool
	defer func() {
		if added {
			q.notify(docID, model.QueueQueued)
		}
	}()

	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.entries[docID]; ok {
		return false
	}
	if _, ok := q.completed[docID]; ok {
		return false
	}
	q.entries[docID] = &model.QueueEntry{
		DocID:    docID,
		Filename: filename,
		Source:   source,
		Status:   model.QueueQueued,
		AddedAt:  time.Now(),
	}
	q.persist()
	added = true
	return true
}

// MarkProcessing transitions queued -> processing. Any other starting
// state is an illegal transition: a no-op with a warning.
func (q *Queue) MarkProcessing(docID string) {
	var changed bool
	defer func() {
		if changed {
			q.notify(docID, model.QueueProcessing)
		}
	}()

	q.mu.Lock()
	defer q.mu.Unlock()

	entry, ok := q.entries[docID]
	if !ok || entry.Status != model.QueueQueued {
		q.log.Warn("illegal transition to processing", "doc_id", docID)
		return
	}
	now := time.Now()
	entry.Status = model.QueueProcessing
	entry.StartedAt = &now
	q.persist()
	changed = true
}

// MarkCompleted transitions processing -> completed and moves the
// entry out of the processing map into the completed set.
func (q *Queue) MarkCompleted(docID string) {
	var changed bool
	defer func() {
		if changed {
			q.notify(docID, model.QueueCompleted)
		}
	}()

	q.mu.Lock()
	defer q.mu.Unlock()

	entry, ok := q.entries[docID]
	if !ok || entry.Status != model.QueueProcessing {
		q.log.Warn("illegal transition to completed", "doc_id", docID)
		return
	}
	now := time.Now()
	entry.Status = model.QueueCompleted
	entry.CompletedAt = &now
	delete(q.entries, docID)
	q.addCompleted(docID)
	q.persist()
	changed = true
}

// MarkFailed transitions processing -> failed, recording err. The entry
// stays in the processing map (not completed) so a retry can find it.
func (q *Queue) MarkFailed(docID, errMsg string) {
	var changed bool
	defer func() {
		if changed {
			q.notify(docID, model.QueueFailed)
		}
	}()

	q.mu.Lock()
	defer q.mu.Unlock()

	entry, ok := q.entries[docID]
	if !ok || entry.Status != model.QueueProcessing {
		q.log.Warn("illegal transition to failed", "doc_id", docID)
		return
	}
	entry.Status = model.QueueFailed
	entry.Error = errMsg
	q.persist()
	changed = true
}

// MarkQueued reverts processing -> queued, the path back for a
// cancelled or retryably-failed run: the entry keeps its place in the
// processing map (not completed) so it can be picked up again instead
// of being stuck in processing forever.
func (q *Queue) MarkQueued(docID string) {
	var changed bool
	defer func() {
		if changed {
			q.notify(docID, model.QueueQueued)
		}
	}()

	q.mu.Lock()
	defer q.mu.Unlock()

	entry, ok := q.entries[docID]
	if !ok || entry.Status != model.QueueProcessing {
		q.log.Warn("illegal transition to queued", "doc_id", docID)
		return
	}
	entry.Status = model.QueueQueued
	entry.StartedAt = nil
	q.persist()
	changed = true
}

// IsActive reports whether docID is queued or processing.
func (q *Queue) IsActive(docID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	entry, ok := q.entries[docID]
	if !ok {
		return false
	}
	return entry.Status == model.QueueQueued || entry.Status == model.QueueProcessing
}

// Status returns a copy of the current entry for docID, or nil.
func (q *Queue) Status(docID string) *model.QueueEntry {
	q.mu.Lock()
	defer q.mu.Unlock()

	entry, ok := q.entries[docID]
	if !ok {
		return nil
	}
	cp := *entry
	return &cp
}
