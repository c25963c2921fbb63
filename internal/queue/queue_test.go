package queue

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/labci/dispatcher/internal/logger"
)

func waitFor(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for job to finish")
	}
}

func TestAddProcessesJobsInFIFOOrder(t *testing.T) {
	var mu sync.Mutex
	var order []string

	q := New(logger.NewBuffer(), func(job *Job, done func(error)) {
		mu.Lock()
		order = append(order, job.Data.Context)
		mu.Unlock()
		done(nil)
	})

	done := make(chan struct{})
	var finished int
	q.OnFinish(func(err error, job *Job) {
		mu.Lock()
		finished++
		n := finished
		mu.Unlock()
		if n == 3 {
			close(done)
		}
	})

	q.Add(Data{Context: "first"})
	q.Add(Data{Context: "second"})
	q.Add(Data{Context: "third"})

	waitFor(t, done)

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 3 || order[0] != "first" || order[1] != "second" || order[2] != "third" {
		t.Fatalf("expected FIFO processing order, got %v", order)
	}
}

func TestAtMostOneJobRunningAtATime(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 2)

	q := New(logger.NewBuffer(), func(job *Job, done func(error)) {
		started <- struct{}{}
		<-release
		done(nil)
	})

	done := make(chan struct{})
	q.OnFinish(func(err error, job *Job) {
		close(done)
	})

	q.Add(Data{Context: "a"})
	q.Add(Data{Context: "b"})

	<-started
	// Give the second job a chance to (wrongly) start before the first
	// finishes; it must not, since only the pile head ever runs.
	select {
	case <-started:
		t.Fatal("second job started before the first finished")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	waitFor(t, done)
}

func TestOnCompleteFiresOnSuccessOnly(t *testing.T) {
	q := New(logger.NewBuffer(), func(job *Job, done func(error)) {
		done(nil)
	})

	completeCh := make(chan struct{})
	q.OnComplete(func(job *Job) { close(completeCh) })
	q.OnError(func(err error, job *Job) { t.Error("OnError should not fire for a successful job") })

	q.Add(Data{SHA: "abc"})
	waitFor(t, completeCh)
}

func TestOnErrorFiresOnFailureOnly(t *testing.T) {
	wantErr := errors.New("boom")
	q := New(logger.NewBuffer(), func(job *Job, done func(error)) {
		done(wantErr)
	})

	errCh := make(chan error, 1)
	q.OnError(func(err error, job *Job) { errCh <- err })
	q.OnComplete(func(job *Job) { t.Error("OnComplete should not fire for a failed job") })

	q.Add(Data{SHA: "abc"})

	select {
	case err := <-errCh:
		if err != wantErr {
			t.Fatalf("expected %v, got %v", wantErr, err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for OnError")
	}
}

func TestPanicInProcessFuncBecomesDoneError(t *testing.T) {
	q := New(logger.NewBuffer(), func(job *Job, done func(error)) {
		panic("processing exploded")
	})

	errCh := make(chan error, 1)
	q.OnError(func(err error, job *Job) { errCh <- err })

	q.Add(Data{SHA: "abc"})

	select {
	case err := <-errCh:
		if err == nil {
			t.Fatal("expected a non-nil error recovered from the panic")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the panic to surface as an error")
	}
}

func TestSiblingsSHAExcludesGivenJob(t *testing.T) {
	release := make(chan struct{})
	q := New(logger.NewBuffer(), func(job *Job, done func(error)) {
		<-release
		done(nil)
	})

	head := q.Add(Data{SHA: "shared"})
	other := q.Add(Data{SHA: "shared"})
	unrelated := q.Add(Data{SHA: "different"})

	sibs := q.SiblingsSHA("shared", head)
	if len(sibs) != 1 || sibs[0] != other {
		t.Fatalf("expected exactly the other same-SHA job, got %v", sibs)
	}
	for _, s := range sibs {
		if s == unrelated {
			t.Fatal("unrelated SHA leaked into siblings")
		}
	}

	close(release)
}
