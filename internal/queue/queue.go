// Package queue implements the dispatcher's FIFO, single-worker job pile:
// at most one Job is ever running, and it is always the head of the pile.
// Design note "Event emitter → typed channels" is realized here as three
// lists of registered observer funcs (complete, error, finish), called
// directly in that order when a job ends, rather than a general-purpose
// dynamic event bus. Observers receive the job's error, not an Outcome.
package queue

import (
	"fmt"
	"sync"

	"github.com/labci/dispatcher/internal/logger"
)

// Outcome tags how a job finished.
type Outcome int

const (
	OutcomeComplete Outcome = iota
	OutcomeError
)

// ProcessFunc runs one job to completion, calling done exactly once when
// finished (successfully or not). Any panic or error it encounters must be
// funneled into done, never left to escape uncaught.
type ProcessFunc func(job *Job, done func(error))

// Queue is a FIFO pile processed one job at a time.
type Queue struct {
	log     logger.Logger
	process ProcessFunc

	mu   sync.Mutex
	pile []*Job

	onFinish   []func(err error, job *Job)
	onComplete []func(job *Job)
	onError    []func(err error, job *Job)
}

func New(l logger.Logger, process ProcessFunc) *Queue {
	return &Queue{log: l, process: process}
}

// OnFinish registers an observer invoked after a job's complete/error event,
// regardless of outcome.
func (q *Queue) OnFinish(fn func(err error, job *Job)) { q.onFinish = append(q.onFinish, fn) }

// OnComplete registers an observer invoked only on successful completion.
func (q *Queue) OnComplete(fn func(job *Job)) { q.onComplete = append(q.onComplete, fn) }

// OnError registers an observer invoked only on failed completion.
func (q *Queue) OnError(fn func(err error, job *Job)) { q.onError = append(q.onError, fn) }

// Pile returns a snapshot of the current pile, head first.
func (q *Queue) Pile() []*Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*Job, len(q.pile))
	copy(out, q.pile)
	return out
}

// Add appends a new job to the pile and kicks off processing if nothing is
// currently running. It always returns immediately: scheduling happens on a
// separate goroutine so the caller (typically an HTTP handler) never blocks
// on job execution.
func (q *Queue) Add(data Data) *Job {
	job := newJob(data)

	q.mu.Lock()
	q.pile = append(q.pile, job)
	size := len(q.pile)
	q.mu.Unlock()

	q.log.Info("Added job %s to pile (size now %d)", job.ID, size)

	go q.next()

	return job
}

// next starts the head job if the pile is non-empty and nothing is already
// running.
func (q *Queue) next() {
	q.mu.Lock()
	if len(q.pile) == 0 {
		q.mu.Unlock()
		return
	}
	head := q.pile[0]
	if head.Running() {
		q.mu.Unlock()
		return
	}
	head.setRunning(true)
	q.mu.Unlock()

	head.doneFn = func(err error) {
		q.finish(err, head)
	}

	go func() {
		defer q.recoverPanic(head)
		q.process(head, func(err error) {
			if doneErr := head.Done(err); doneErr != nil {
				q.log.Warn("%v", doneErr)
			}
		})
	}()
}

// recoverPanic funnels an uncaught panic from processFn into the job's done
// callback instead of crashing the process (design note / §7 PanicError).
func (q *Queue) recoverPanic(job *Job) {
	if r := recover(); r != nil {
		err := fmt.Errorf("panic while processing job %s: %v", job.ID, r)
		q.log.Error("%v", err)
		_ = job.Done(err)
	}
}

// finish is invoked exactly once per job, from within Job.Done, after
// running has already been cleared. It emits complete/error then finish,
// shifts the head off the pile, and starts the next job.
func (q *Queue) finish(err error, job *Job) {
	if err != nil {
		for _, fn := range q.onError {
			fn(err, job)
		}
	} else {
		for _, fn := range q.onComplete {
			fn(job)
		}
	}
	for _, fn := range q.onFinish {
		fn(err, job)
	}

	q.mu.Lock()
	if len(q.pile) > 0 && q.pile[0] == job {
		q.pile = q.pile[1:]
	}
	q.mu.Unlock()

	q.next()
}

// SiblingsSHA returns every other job in the pile sharing the given SHA,
// used by the short-circuit pre-check to mark later duplicates as
// non-forced.
func (q *Queue) SiblingsSHA(sha string, exclude *Job) []*Job {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []*Job
	for _, j := range q.pile {
		if j != exclude && j.Data.SHA == sha {
			out = append(out, j)
		}
	}
	return out
}
