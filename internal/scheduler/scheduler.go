// Package scheduler is the Background Scheduler (C9): a priority queue
// backed by a bounded worker pool that invokes the pipeline executor per
// document, and a thread-safe status map for live progress.
package scheduler

import (
	"container/heap"
	"context"
	"sync"

	"github.com/nexusidp/document-processor/internal/logging"
	"github.com/nexusidp/document-processor/internal/model"
)

// Status is the per-document state exposed to status endpoints.
type Status = model.SchedulerStatus

// Pipeline is the narrow interface the scheduler drives; implemented by
// internal/pipeline.Executor.
type Pipeline interface {
	Run(ctx context.Context, docID string) error
}

type job struct {
	docID    string
	priority model.Priority
	seq      int
}

type jobQueue []*job

func (q jobQueue) Len() int { return len(q) }
func (q jobQueue) Less(i, j int) bool {
	if q[i].priority != q[j].priority {
		return q[i].priority < q[j].priority
	}
	return q[i].seq < q[j].seq
}
func (q jobQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }
func (q *jobQueue) Push(x interface{}) {
	*q = append(*q, x.(*job))
}
func (q *jobQueue) Pop() interface{} {
	old := *q
	n := len(old)
	item := old[n-1]
	*q = old[:n-1]
	return item
}

// Scheduler owns the job heap, the status map, and the worker pool.
type Scheduler struct {
	mu       sync.Mutex
	queue    jobQueue
	notEmpty *sync.Cond
	seq      int
	draining bool

	statusMu sync.RWMutex
	status   map[string]*Status

	cache   *memPageCache
	pool    Pipeline
	workers int
	wg      sync.WaitGroup
	log     *logging.Logger
}

func New(workers int, pipeline Pipeline) *Scheduler {
	s := &Scheduler{
		status:  make(map[string]*Status),
		cache:   newMemPageCache(),
		pool:    pipeline,
		workers: workers,
		log:     logging.NewLogger("scheduler"),
	}
	s.notEmpty = sync.NewCond(&s.mu)
	return s
}

// SetPipeline wires the executor after construction, breaking the
// construction cycle between the scheduler (which the executor needs as
// its StatusSink) and the executor (which the scheduler needs as its
// Pipeline).
func (s *Scheduler) SetPipeline(pipeline Pipeline) {
	s.pool = pipeline
}

// Enqueue implements ingest.Scheduler.
func (s *Scheduler) Enqueue(ctx context.Context, docID string, priority model.Priority) error {
	s.mu.Lock()
	if s.draining {
		s.mu.Unlock()
		return errDraining
	}
	s.seq++
	heap.Push(&s.queue, &job{docID: docID, priority: priority, seq: s.seq})
	s.mu.Unlock()
	s.notEmpty.Signal()

	s.statusMu.Lock()
	s.status[docID] = &Status{Stage: model.StageIngested, Progress: 5}
	s.statusMu.Unlock()
	return nil
}

// Start launches the bounded worker pool. It blocks until ctx is
// cancelled and all in-flight workers have reached their next cancel
// checkpoint.
func (s *Scheduler) Start(ctx context.Context) {
	for i := 0; i < s.workers; i++ {
		s.wg.Add(1)
		go s.worker(ctx)
	}
	<-ctx.Done()
	s.shutdown()
	s.wg.Wait()
}

// shutdown refuses new enqueues and wakes blocked workers so they can
// observe ctx.Done and exit.
func (s *Scheduler) shutdown() {
	s.mu.Lock()
	s.draining = true
	s.mu.Unlock()
	s.notEmpty.Broadcast()
}

func (s *Scheduler) worker(ctx context.Context) {
	defer s.wg.Done()
	for {
		j, ok := s.dequeue(ctx)
		if !ok {
			return
		}
		s.UpdateStatus(j.docID, func(st *Status) { st.Stage = model.StageOCR })
		if err := s.pool.Run(ctx, j.docID); err != nil {
			s.UpdateStatus(j.docID, func(st *Status) {
				st.Stage = model.StageFailed
				st.Error = err.Error()
			})
			s.log.Error("pipeline run failed", "doc_id", j.docID, "error", err.Error())
		}
	}
}

// dequeue blocks until a job is available or the scheduler starts
// draining. Draining is set by shutdown(), which runs after ctx.Done()
// fires in Start() and broadcasts to wake any blocked worker.
func (s *Scheduler) dequeue(ctx context.Context) (*job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for s.queue.Len() == 0 {
		if s.draining {
			return nil, false
		}
		s.notEmpty.Wait()
	}
	j := heap.Pop(&s.queue).(*job)
	return j, true
}

// UpdateStatus applies fn to docID's status entry under lock.
func (s *Scheduler) UpdateStatus(docID string, fn func(*Status)) {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	st, ok := s.status[docID]
	if !ok {
		st = &Status{}
		s.status[docID] = st
	}
	fn(st)
}

// GetStatus returns a copy of docID's status, or nil.
func (s *Scheduler) GetStatus(docID string) *Status {
	s.statusMu.RLock()
	defer s.statusMu.RUnlock()
	st, ok := s.status[docID]
	if !ok {
		return nil
	}
	cp := *st
	return &cp
}

// PutPage stores a page extraction into the in-memory cache so pagestore
// priority-3 reads can be served while a stage is still writing.
func (s *Scheduler) PutPage(docID string, pageIndex int, pe model.PageExtraction) {
	s.cache.Put(docID, pageIndex, pe)
}

// GetPage implements pagestore.InMemoryCache.
func (s *Scheduler) GetPage(docID string, pageIndex int) (model.PageExtraction, bool) {
	return s.cache.Get(docID, pageIndex)
}

type errString string

func (e errString) Error() string { return string(e) }

const errDraining = errString("scheduler is draining, refusing new enqueues")
