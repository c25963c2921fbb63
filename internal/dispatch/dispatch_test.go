package dispatch

import (
	"context"
	"testing"

	"github.com/google/go-github/v68/github"

	"github.com/labci/dispatcher/internal/logger"
	"github.com/labci/dispatcher/internal/queue"
)

type fakeForge struct {
	statuses []string
	files    []string
	filesErr error
}

func (f *fakeForge) UpdateStatus(ctx context.Context, owner, repo, sha, status, description, checkContext, targetURL string, maxDescriptionLen int) error {
	f.statuses = append(f.statuses, checkContext+":"+status)
	return nil
}

func (f *fakeForge) ListPullRequestFiles(ctx context.Context, owner, repo string, number int) ([]string, error) {
	return f.files, f.filesErr
}

func (f *fakeForge) ListChangedFiles(ctx context.Context, owner, repo, before, after string) ([]string, error) {
	return f.files, f.filesErr
}

type fakeQueue struct {
	added []queue.Data
}

func (q *fakeQueue) Add(data queue.Data) *queue.Job {
	q.added = append(q.added, data)
	return nil
}

func newDispatcher(forge *fakeForge, q *fakeQueue, rule EventRule) *Dispatcher {
	return &Dispatcher{
		AppID:             "42",
		Owner:             "acme",
		Domain:            "acme-widget",
		MaxDescriptionLen: 140,
		Events:            map[string]EventRule{"push": rule},
		Forge:             forge,
		Queue:             q,
		Log:               logger.NewBuffer(),
	}
}

func samplePush() *github.PushEvent {
	return &github.PushEvent{
		Ref:        github.Ptr("refs/heads/main"),
		Before:     github.Ptr("beforesha"),
		After:      github.Ptr("headsha"),
		HeadCommit: &github.HeadCommit{ID: github.Ptr("headsha")},
		Repo: &github.PushEventRepository{
			Name:  github.Ptr("widget"),
			Owner: &github.User{Login: github.Ptr("acme")},
		},
		Installation: &github.Installation{ID: github.Ptr(int64(42))},
	}
}

func TestDispatchEnqueuesOneJobPerCheck(t *testing.T) {
	forge := &fakeForge{}
	q := &fakeQueue{}
	d := newDispatcher(forge, q, EventRule{Checks: []string{"coverage", "continuous-integration"}})

	if err := d.Dispatch(context.Background(), "push", samplePush()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(q.added) != 2 {
		t.Fatalf("expected 2 jobs, got %d", len(q.added))
	}
	if q.added[0].Force {
		t.Errorf("expected first check's job to have force=false")
	}
	if !q.added[1].Force {
		t.Errorf("expected last check's job to have force=true")
	}
	if len(forge.statuses) != 2 {
		t.Fatalf("expected 2 pending statuses posted, got %d", len(forge.statuses))
	}
}

func TestDispatchWrongInstallationRejected(t *testing.T) {
	forge := &fakeForge{}
	q := &fakeQueue{}
	d := newDispatcher(forge, q, EventRule{Checks: []string{"continuous-integration"}})
	d.AppID = "99"

	err := d.Dispatch(context.Background(), "push", samplePush())
	if err != ErrWrongInstallation {
		t.Fatalf("expected ErrWrongInstallation, got %v", err)
	}
	if len(q.added) != 0 {
		t.Fatalf("expected no jobs enqueued")
	}
}

func TestDispatchRefIgnored(t *testing.T) {
	forge := &fakeForge{}
	q := &fakeQueue{}
	d := newDispatcher(forge, q, EventRule{Checks: []string{"continuous-integration"}, RefIgnore: []string{"main"}})

	if err := d.Dispatch(context.Background(), "push", samplePush()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(q.added) != 0 {
		t.Fatalf("expected ref_ignore to suppress job, got %d jobs", len(q.added))
	}
}

func TestDispatchFilesIgnoredSuppressesJob(t *testing.T) {
	forge := &fakeForge{files: []string{"docs/readme.md"}}
	q := &fakeQueue{}
	d := newDispatcher(forge, q, EventRule{Checks: []string{"continuous-integration"}, FilesIgnore: []string{"docs/**"}})

	if err := d.Dispatch(context.Background(), "push", samplePush()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(q.added) != 0 {
		t.Fatalf("expected files_ignore to suppress job, got %d jobs", len(q.added))
	}
}

func TestDispatchFilesNotAllIgnoredStillRuns(t *testing.T) {
	forge := &fakeForge{files: []string{"docs/readme.md", "src/main.go"}}
	q := &fakeQueue{}
	d := newDispatcher(forge, q, EventRule{Checks: []string{"continuous-integration"}, FilesIgnore: []string{"docs/**"}})

	if err := d.Dispatch(context.Background(), "push", samplePush()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(q.added) != 1 {
		t.Fatalf("expected job to run since not all files are ignored, got %d jobs", len(q.added))
	}
}

func TestDispatchUnknownEventNoRule(t *testing.T) {
	forge := &fakeForge{}
	q := &fakeQueue{}
	d := newDispatcher(forge, q, EventRule{Checks: []string{"continuous-integration"}})
	d.Events = map[string]EventRule{} // no rule for "push"

	if err := d.Dispatch(context.Background(), "push", samplePush()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(q.added) != 0 {
		t.Fatalf("expected no job without a configured rule")
	}
}
