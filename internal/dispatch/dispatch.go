// Package dispatch turns a validated forge webhook delivery into queued
// jobs: it filters by ref/action/changed files, then for every configured
// check posts an initial pending status and adds a job to the queue.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/google/go-github/v68/github"

	"github.com/labci/dispatcher/internal/logger"
	"github.com/labci/dispatcher/internal/queue"
	"github.com/labci/dispatcher/internal/record"
)

// ErrWrongInstallation is returned when the webhook's installation id does
// not match the configured App.
var ErrWrongInstallation = errors.New("webhook installation id does not match configured app")

// ErrUnsupportedEvent is returned for any event type besides push and
// pull_request.
var ErrUnsupportedEvent = errors.New("unsupported webhook event type")

// ErrForkRejected is returned (and swallowed by the caller) when a
// pull_request event crosses repository ownership: forked-PR builds are not
// implemented.
var ErrForkRejected = errors.New("pull request from a fork is not supported")

// EventRule mirrors config.EventRule without importing the config package,
// keeping dispatch decoupled from how the settings were loaded.
type EventRule struct {
	Checks      []string
	Actions     []string
	RefIgnore   []string
	FilesIgnore []string
}

// Forge is the subset of *forge.Client the dispatcher needs.
type Forge interface {
	UpdateStatus(ctx context.Context, owner, repo, sha, status, description, checkContext, targetURL string, maxDescriptionLen int) error
	ListPullRequestFiles(ctx context.Context, owner, repo string, number int) ([]string, error)
	ListChangedFiles(ctx context.Context, owner, repo, before, after string) ([]string, error)
}

// Queue is the subset of *queue.Queue the dispatcher needs.
type Queue interface {
	Add(data queue.Data) *queue.Job
}

// Dispatcher routes webhook deliveries to jobs.
type Dispatcher struct {
	AppID             string
	Owner             string
	Domain            string
	MaxDescriptionLen int
	Events            map[string]EventRule

	Forge Forge
	Queue Queue
	Log   logger.Logger
}

type delivery struct {
	ref          string
	headSHA      string
	baseSHA      string
	repoOwner    string
	repoName     string
	prNumber     int
	isPR         bool
	before       string
	action       string
	installation int64
}

// Dispatch handles one parsed webhook event. eventType is the raw
// X-GitHub-Event header value; event is whatever github.ParseWebHook
// returned for it.
func (d *Dispatcher) Dispatch(ctx context.Context, eventType string, event any) error {
	del, err := extract(eventType, event)
	if err != nil {
		return err
	}

	if del.installation != 0 && fmt.Sprint(del.installation) != d.AppID {
		return ErrWrongInstallation
	}

	rule, ok := d.Events[eventType]
	if !ok {
		return nil
	}

	if refIgnored(del.ref, rule.RefIgnore) {
		return nil
	}

	if len(rule.Actions) > 0 && !contains(rule.Actions, del.action) {
		return nil
	}

	if len(rule.FilesIgnore) > 0 {
		ignored, err := d.allFilesIgnored(ctx, del, rule.FilesIgnore)
		if err != nil {
			d.Log.Warn("failed to list changed files for %s/%s@%s: %v", del.repoOwner, del.repoName, del.headSHA, err)
		} else if ignored {
			return nil
		}
	}

	for i, check := range rule.Checks {
		checkContext := fmt.Sprintf("%s/%s", check, d.Domain)
		description := descriptionFor(check)

		data := queue.Data{
			SHA:         del.headSHA,
			Base:        del.baseSHA,
			Owner:       del.repoOwner,
			Repo:        del.repoName,
			Force:       i == len(rule.Checks)-1,
			Context:     checkContext,
			Status:      record.StatusSuccess,
			Description: description,
		}

		if err := d.Forge.UpdateStatus(ctx, del.repoOwner, del.repoName, del.headSHA, "pending", description, checkContext, "", d.MaxDescriptionLen); err != nil {
			d.Log.Warn("failed to post pending status for %s@%s: %v", checkContext, del.headSHA, err)
			continue
		}

		d.Queue.Add(data)
	}

	return nil
}

func descriptionFor(check string) string {
	switch {
	case strings.HasPrefix(check, "coverage"):
		return "Checking coverage"
	case strings.HasPrefix(check, "continuous-integration"):
		return "Tests running"
	default:
		return "Check in progress"
	}
}

func refIgnored(ref string, ignore []string) bool {
	if ref == "" || len(ignore) == 0 {
		return false
	}
	parts := strings.Split(ref, "/")
	last := parts[len(parts)-1]
	return contains(ignore, last)
}

func contains(list []string, want string) bool {
	for _, v := range list {
		if v == want {
			return true
		}
	}
	return false
}

func (d *Dispatcher) allFilesIgnored(ctx context.Context, del delivery, globs []string) (bool, error) {
	var files []string
	var err error
	if del.isPR {
		files, err = d.Forge.ListPullRequestFiles(ctx, del.repoOwner, del.repoName, del.prNumber)
	} else {
		files, err = d.Forge.ListChangedFiles(ctx, del.repoOwner, del.repoName, del.before, del.headSHA)
	}
	if err != nil {
		return false, err
	}
	if len(files) == 0 {
		return false, nil
	}
	for _, f := range files {
		if !matchesAny(globs, f) {
			return false, nil
		}
	}
	return true, nil
}

func matchesAny(globs []string, name string) bool {
	for _, g := range globs {
		if ok, _ := doublestar.Match(g, name); ok {
			return true
		}
	}
	return false
}

func extract(eventType string, event any) (delivery, error) {
	switch eventType {
	case "pull_request":
		ev, ok := event.(*github.PullRequestEvent)
		if !ok {
			return delivery{}, fmt.Errorf("%w: expected *github.PullRequestEvent", ErrUnsupportedEvent)
		}
		pr := ev.GetPullRequest()
		head, base := pr.GetHead(), pr.GetBase()
		if head.GetRepo().GetOwner().GetLogin() != base.GetRepo().GetOwner().GetLogin() ||
			head.GetRepo().GetName() != base.GetRepo().GetName() {
			return delivery{}, ErrForkRejected
		}

		return delivery{
			ref:          head.GetRef(),
			headSHA:      head.GetSHA(),
			baseSHA:      base.GetSHA(),
			repoOwner:    base.GetRepo().GetOwner().GetLogin(),
			repoName:     base.GetRepo().GetName(),
			prNumber:     pr.GetNumber(),
			isPR:         true,
			action:       ev.GetAction(),
			installation: ev.GetInstallation().GetID(),
		}, nil

	case "push":
		ev, ok := event.(*github.PushEvent)
		if !ok {
			return delivery{}, fmt.Errorf("%w: expected *github.PushEvent", ErrUnsupportedEvent)
		}
		head := ev.GetHeadCommit().GetID()
		if head == "" {
			head = ev.GetAfter()
		}

		return delivery{
			ref:          ev.GetRef(),
			headSHA:      head,
			baseSHA:      ev.GetBefore(),
			before:       ev.GetBefore(),
			repoOwner:    ev.GetRepo().GetOwner().GetLogin(),
			repoName:     ev.GetRepo().GetName(),
			installation: ev.GetInstallation().GetID(),
		}, nil

	default:
		return delivery{}, ErrUnsupportedEvent
	}
}
