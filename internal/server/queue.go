package server

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrQueueFull is returned by Enqueue when the queue is at capacity.
var ErrQueueFull = errors.New("ingestion queue is full")

// SubmapJob is one validated submap-ready notification awaiting
// processing.
type SubmapJob struct {
	ID          uuid.UUID
	RobotName   string
	MapPath     string
	EnqueueTime time.Time
}

// Queue is a bounded FIFO of submap jobs. Enqueue never blocks; Dequeue
// blocks until a job arrives or the queue is closed. A single worker
// dequeues, but any number of goroutines may enqueue.
type Queue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	jobs   []SubmapJob
	cap    int
	closed bool
}

// NewQueue creates a queue holding at most capacity jobs.
func NewQueue(capacity int) *Queue {
	q := &Queue{cap: capacity}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Enqueue appends a job. It returns ErrQueueFull at capacity and an
// error if the queue is closed.
func (q *Queue) Enqueue(job SubmapJob) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return errors.New("ingestion queue is closed")
	}
	if len(q.jobs) >= q.cap {
		return ErrQueueFull
	}
	q.jobs = append(q.jobs, job)
	q.cond.Signal()
	return nil
}

// Dequeue removes and returns the oldest job, blocking while the queue
// is empty. ok is false once the queue is closed and drained.
func (q *Queue) Dequeue() (SubmapJob, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.jobs) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.jobs) == 0 {
		return SubmapJob{}, false
	}
	job := q.jobs[0]
	q.jobs = q.jobs[1:]
	return job, true
}

// Close stops the queue. Jobs already queued can still be dequeued;
// blocked dequeuers are woken. Safe to call more than once.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.cond.Broadcast()
}

// Len returns the number of queued jobs.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}
