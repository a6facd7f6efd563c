package docqueue

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/nexusidp/document-processor/internal/model"
)

type recordingNotifier struct {
	mu       sync.Mutex
	channel  string
	messages []string
}

func (n *recordingNotifier) Publish(ctx context.Context, channel, message string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.channel = channel
	n.messages = append(n.messages, message)
	return nil
}

func TestAdd_RejectsDuplicate(t *testing.T) {
	q := New("")
	assert.True(t, q.Add("doc1", "a.pdf", model.SourceDirect))
	assert.False(t, q.Add("doc1", "a.pdf", model.SourceDirect))
}

func TestAdd_RejectsAlreadyCompleted(t *testing.T) {
	q := New("")
	q.Add("doc1", "a.pdf", model.SourceDirect)
	q.MarkProcessing("doc1")
	q.MarkCompleted("doc1")

	assert.False(t, q.Add("doc1", "a.pdf", model.SourceDirect))
	assert.False(t, q.IsActive("doc1"))
}

func TestMarkProcessing_IllegalTransitionIsNoOp(t *testing.T) {
	q := New("")
	q.MarkProcessing("missing")
	assert.Nil(t, q.Status("missing"))
}

func TestMarkFailed_KeepsEntryQueryable(t *testing.T) {
	q := New("")
	q.Add("doc1", "a.pdf", model.SourceDirect)
	q.MarkProcessing("doc1")
	q.MarkFailed("doc1", "boom")

	status := q.Status("doc1")
	assert.Equal(t, model.QueueFailed, status.Status)
	assert.Equal(t, "boom", status.Error)
}

func TestMarkQueued_RevertsProcessingEntryForRetry(t *testing.T) {
	q := New("")
	q.Add("doc1", "a.pdf", model.SourceDirect)
	q.MarkProcessing("doc1")
	q.MarkQueued("doc1")

	status := q.Status("doc1")
	assert.Equal(t, model.QueueQueued, status.Status)
	assert.Nil(t, status.StartedAt)
	assert.True(t, q.IsActive("doc1"))
}

func TestMarkQueued_IllegalTransitionIsNoOp(t *testing.T) {
	q := New("")
	q.Add("doc1", "a.pdf", model.SourceDirect)
	q.MarkQueued("doc1")

	assert.Equal(t, model.QueueQueued, q.Status("doc1").Status)
}

func TestIsActive_TrueWhileQueuedOrProcessing(t *testing.T) {
	q := New("")
	q.Add("doc1", "a.pdf", model.SourceDirect)
	assert.True(t, q.IsActive("doc1"))
	q.MarkProcessing("doc1")
	assert.True(t, q.IsActive("doc1"))
}

func TestNotify_PublishesEveryTransition(t *testing.T) {
	q := New("")
	n := &recordingNotifier{}
	q.SetNotifier(n, "queue.events")

	q.Add("doc1", "a.pdf", model.SourceDirect)
	q.MarkProcessing("doc1")
	q.MarkCompleted("doc1")

	n.mu.Lock()
	defer n.mu.Unlock()
	assert.Equal(t, "queue.events", n.channel)
	assert.Len(t, n.messages, 3)

	var ev event
	assert.NoError(t, json.Unmarshal([]byte(n.messages[0]), &ev))
	assert.Equal(t, "doc1", ev.DocID)
	assert.Equal(t, model.QueueQueued, ev.Status)
}

func TestNotify_SkippedWhenEntryUnchanged(t *testing.T) {
	q := New("")
	n := &recordingNotifier{}
	q.SetNotifier(n, "queue.events")

	q.MarkProcessing("missing")

	n.mu.Lock()
	defer n.mu.Unlock()
	assert.Empty(t, n.messages)
}
