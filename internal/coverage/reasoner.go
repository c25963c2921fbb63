package coverage

import (
	"errors"
	"fmt"
	"math"

	"github.com/labci/dispatcher/internal/queue"
	"github.com/labci/dispatcher/internal/record"
)

// ErrMissingSHAs is returned by Compare when the job lacks a head or a base
// commit to compare (spec's ReferenceError).
var ErrMissingSHAs = errors.New("coverage comparison requires both a head and a base sha")

// Verdict is the outcome of comparing a head commit's coverage against its
// base. Deferred is true when the comparison could not be completed because
// one or both records were missing; in that case Status/Description are
// unset and the caller should skip posting anything for this job (the
// enqueued base/head jobs will eventually produce a record to re-compare
// against).
type Verdict struct {
	Status      record.Status
	Description string
	Deferred    bool
}

// Enqueuer is the subset of *queue.Queue the reasoner needs: it never
// touches the pile directly, only adds to it.
type Enqueuer interface {
	Add(data queue.Data) *queue.Job
}

// Loader is the subset of *record.Store the reasoner needs.
type Loader interface {
	LoadOne(id string) (record.Record, error)
}

// Compare implements compareCoverage: it requires both a head and a base
// SHA, loads their records, and either renders a verdict directly (when
// either run errored, or both have usable coverage) or enqueues jobs to
// produce the missing record(s) and defers judgement.
func Compare(loader Loader, enqueue Enqueuer, headSHA, baseSHA, owner, repo, context string, routine []string, strictCoverage bool) (Verdict, error) {
	if headSHA == "" || baseSHA == "" {
		return Verdict{}, ErrMissingSHAs
	}

	head, headErr := loader.LoadOne(headSHA)
	base, baseErr := loader.LoadOne(baseSHA)

	_, headMissing := headErr.(*record.NotFoundError)
	_, baseMissing := baseErr.(*record.NotFoundError)

	if headErr != nil && !headMissing {
		return Verdict{}, headErr
	}
	if baseErr != nil && !baseMissing {
		return Verdict{}, baseErr
	}

	if !headMissing && head.Status == record.StatusError {
		return Verdict{Status: record.StatusFailure, Description: "Failed to determine coverage as tests incomplete due to errors"}, nil
	}
	if !baseMissing && base.Status == record.StatusError {
		return Verdict{Status: record.StatusFailure, Description: "Failed to determine coverage as tests incomplete due to errors"}, nil
	}

	haveBoth := !headMissing && !baseMissing && head.Coverage != nil && base.Coverage != nil && *head.Coverage > 0 && *base.Coverage > 0
	if haveBoth {
		return compareRecords(head, base, strictCoverage), nil
	}

	enqueue.Add(queue.Data{SHA: baseSHA, Owner: owner, Repo: repo, Routine: routine, SkipPost: true, Force: false})
	enqueue.Add(queue.Data{SHA: headSHA, Owner: owner, Repo: repo, Routine: routine, Context: context, SkipPost: false, Force: false})

	return Verdict{Deferred: true}, nil
}

// compareRecords renders the pass/fail verdict once both records have usable
// coverage numbers.
func compareRecords(head, base record.Record, strictCoverage bool) Verdict {
	delta := round2(*head.Coverage - *base.Coverage)

	pass := delta >= 0
	if strictCoverage {
		pass = delta > 0
	}

	status := record.StatusFailure
	if pass {
		status = record.StatusSuccess
	}

	var desc string
	switch {
	case delta == 0:
		desc = fmt.Sprintf("Coverage remains at %.2f%%", *head.Coverage)
	default:
		direction := "increased"
		if delta < 0 {
			direction = "decreased"
		}
		qualifier := ""
		if math.Abs(delta) < 1 {
			qualifier = " slightly"
		}
		desc = fmt.Sprintf("Coverage %s%s from %.2f%% to %.2f%%", direction, qualifier, round2(*base.Coverage), round2(*head.Coverage))
	}

	return Verdict{Status: status, Description: desc}
}

func round2(f float64) float64 {
	return math.Round(f*100) / 100
}
