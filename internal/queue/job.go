package queue

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/labci/dispatcher/internal/procexec"
	"github.com/labci/dispatcher/internal/record"
)

// Data is the payload carried by a Job: everything the routine executor and
// coverage reasoner need to process one check for one commit.
type Data struct {
	SHA      string
	Base     string
	Owner    string
	Repo     string
	Force    bool
	SkipPost bool
	Context  string
	Routine  []string

	Status      record.Status
	Description string
	Coverage    *float64
	Branch      string
}

// Job is a single unit of work on the queue's pile.
type Job struct {
	ID      string
	Created time.Time
	Data    Data

	mu      sync.Mutex
	running bool
	child   *procexec.Process

	doneOnce sync.Once
	doneFn   func(error)
}

func newJob(data Data) *Job {
	return &Job{ID: newID(), Created: time.Now(), Data: data}
}

// Running reports whether the job is the pile's currently-executing head.
func (j *Job) Running() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.running
}

func (j *Job) setRunning(v bool) {
	j.mu.Lock()
	j.running = v
	j.mu.Unlock()
}

// DataSnapshot returns a copy of the job's current data, safe to read
// without racing concurrent mutation from SetForce/MutateData.
func (j *Job) DataSnapshot() Data {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.Data
}

// SetForce updates Data.Force, used by the short-circuit pre-check to
// disarm sibling jobs sharing the same commit once one of them is about to
// write a record.
func (j *Job) SetForce(v bool) {
	j.mu.Lock()
	j.Data.Force = v
	j.mu.Unlock()
}

// MutateData applies fn to the job's data under lock. fn must not block or
// call back into the job.
func (j *Job) MutateData(fn func(*Data)) {
	j.mu.Lock()
	fn(&j.Data)
	j.mu.Unlock()
}

// BindChild attaches the external process backing this job so that it can
// later be interrupted by the job timer. It may be set only once while the
// job is running, and only after any previous child has exited.
func (j *Job) BindChild(p *procexec.Process) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if !j.running {
		return errors.New("cannot bind a child process to a job that is not running")
	}
	if j.child != nil {
		select {
		case <-j.child.Done():
			// previous child has exited, free to rebind
		default:
			return errors.New("a live child process is already bound to this job")
		}
	}
	j.child = p
	return nil
}

// Child returns the currently bound child process, or nil.
func (j *Job) Child() *procexec.Process {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.child
}

// Done invokes the job's one-shot completion callback. A second call is a
// programming error and returns it rather than panicking, matching the
// "done callback is a single-resolution contract" design note.
func (j *Job) Done(err error) error {
	called := false
	j.doneOnce.Do(func() {
		called = true
		j.setRunning(false)
		if j.doneFn != nil {
			j.doneFn(err)
		}
	})
	if !called {
		return fmt.Errorf("job %s: done() called more than once", j.ID)
	}
	return nil
}

func newID() string {
	// 16-digit numeric id: millisecond timestamp (13 digits) plus a 3-digit
	// random suffix, matching spec.md's "monotone-ish, unique within the
	// current pile" requirement without needing a central counter.
	n, _ := rand.Int(rand.Reader, big.NewInt(1000))
	return fmt.Sprintf("%013d%03d", time.Now().UnixMilli(), n.Int64())
}
