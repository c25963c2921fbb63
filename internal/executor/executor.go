// Package executor drives a job's routine scripts once the queue hands it
// over: the short-circuit pre-check that skips re-running tests for a
// commit already on record, the ordered script runner that spawns each
// configured routine step, and the stderr classifier that turns a failing
// script's output into a human description.
package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/labci/dispatcher/internal/coverage"
	"github.com/labci/dispatcher/internal/logger"
	"github.com/labci/dispatcher/internal/metrics"
	"github.com/labci/dispatcher/internal/procexec"
	"github.com/labci/dispatcher/internal/queue"
	"github.com/labci/dispatcher/internal/record"
)

// RoutineRule maps a context glob to the ordered scripts run for it.
// Matched in order; "*" is conventionally last and serves as the default.
type RoutineRule struct {
	Glob    string
	Scripts []string
}

// RepoResolver returns the local checkout path for a repo, handed to
// routine scripts as their second argument.
type RepoResolver func(owner, repo string) string

// Queue is the subset of *queue.Queue the executor needs.
type Queue interface {
	Add(data queue.Data) *queue.Job
	SiblingsSHA(sha string, exclude *queue.Job) []*queue.Job
}

// Config holds the executor's static settings, sourced from the process
// configuration.
type Config struct {
	DataPath          string
	Routines          []RoutineRule
	DefaultRoutine    []string
	Timeout           time.Duration
	MaxDescriptionLen int
	KillProcessTree   bool
	Submodules        []string
	StrictCoverage    bool
	RepoToken         string
	ServiceName       string
}

// Executor runs routines for jobs popped off the queue.
type Executor struct {
	cfg     Config
	store   *record.Store
	log     logger.Logger
	resolve RepoResolver
	q       Queue
	metrics *metrics.Collector
}

func New(cfg Config, store *record.Store, l logger.Logger, resolve RepoResolver) *Executor {
	return &Executor{cfg: cfg, store: store, log: l, resolve: resolve}
}

// SetQueue wires the queue back into the executor after construction,
// breaking the Queue-needs-Executor / Executor-needs-Queue cycle.
func (e *Executor) SetQueue(q Queue) { e.q = q }

// SetMetrics wires a metrics collector into the executor; every routine run
// then reports its wall-clock duration.
func (e *Executor) SetMetrics(m *metrics.Collector) { e.metrics = m }

// Process is the queue.ProcessFunc: short-circuit, then (if needed) the
// build routine.
func (e *Executor) Process(job *queue.Job, done func(error)) {
	data := job.DataSnapshot()

	if e.q != nil {
		for _, sib := range e.q.SiblingsSHA(data.SHA, job) {
			sib.SetForce(false)
		}
	}

	if !data.Force {
		if e.updateJobFromRecord(job) {
			done(nil)
			return
		}
	}

	e.buildRoutine(job, done)
}

// updateJobFromRecord copies status/description/coverage from the record
// store into the job, or, for a "coverage"-context job, hands off entirely
// to the coverage reasoner. Returns true when the job is fully resolved and
// no routine script needs to run.
func (e *Executor) updateJobFromRecord(job *queue.Job) bool {
	data := job.DataSnapshot()

	if strings.HasPrefix(data.Context, "coverage") {
		return e.resolveCoverageJob(job, data)
	}

	rec, err := e.store.LoadOne(data.SHA)
	if err != nil {
		return false
	}

	desc := rec.Description
	if !job.Created.IsZero() {
		mins := int(math.Round(time.Since(job.Created).Minutes()))
		desc = fmt.Sprintf("%s (took %d min)", desc, mins)
		desc = truncate(desc, e.cfg.MaxDescriptionLen)
	}

	cov := rec.Coverage
	if cov == nil {
		if p, err := coverage.ComputePercentFromXML(e.expectedXMLPath(data.SHA), data.Repo, e.cfg.Submodules); err == nil {
			cov = &p
		}
	}

	job.MutateData(func(d *queue.Data) {
		d.Status = rec.Status
		d.Description = desc
		d.Coverage = cov
	})
	return true
}

func (e *Executor) resolveCoverageJob(job *queue.Job, data queue.Data) bool {
	if e.q == nil {
		job.MutateData(func(d *queue.Data) {
			d.Status = record.StatusError
			d.Description = "coverage reasoner unavailable: queue not wired"
		})
		return true
	}

	v, err := coverage.Compare(e.store, e.q, data.SHA, data.Base, data.Owner, data.Repo, data.Context, data.Routine, e.cfg.StrictCoverage)
	if err != nil {
		job.MutateData(func(d *queue.Data) {
			d.Status = record.StatusError
			d.Description = err.Error()
		})
		return true
	}
	if v.Deferred {
		job.MutateData(func(d *queue.Data) { d.SkipPost = true })
		return true
	}

	job.MutateData(func(d *queue.Data) {
		d.Status = v.Status
		d.Description = v.Description
	})
	return true
}

// buildRoutine runs the job's configured script sequence in order, logging
// interleaved output to a per-commit file and harvesting the record the
// last script is expected to produce.
func (e *Executor) buildRoutine(job *queue.Job, done func(error)) {
	data := job.DataSnapshot()
	start := time.Now()

	jobLog := e.log
	if jobLog != nil {
		jobLog = jobLog.WithFields(
			logger.StringField("sha", shortSHA(data.SHA)),
			logger.StringField("context", data.Context),
		)
	}

	scripts := e.selectRoutine(data.Context)
	reportsDir := filepath.Join(e.cfg.DataPath, "reports", data.SHA)
	if err := os.MkdirAll(reportsDir, 0o755); err != nil {
		done(fmt.Errorf("creating reports directory: %w", err))
		return
	}

	logPath := filepath.Join(reportsDir, fmt.Sprintf("std_output-%s.log", shortSHA(data.SHA)))
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		done(fmt.Errorf("opening log file: %w", err))
		return
	}
	defer logFile.Close()
	defer func() { e.metrics.ObserveRoutineDuration(time.Since(start)) }()

	checkoutPath := ""
	if e.resolve != nil {
		checkoutPath = e.resolve(data.Owner, data.Repo)
	}

	for _, script := range scripts {
		var stderrCapture bytes.Buffer

		proc := procexec.New(procexec.Config{
			Path:            script,
			Args:            []string{data.SHA, checkoutPath, e.cfg.DataPath},
			Stdout:          logFile,
			Stderr:          io.MultiWriter(logFile, &stderrCapture),
			KillProcessTree: e.cfg.KillProcessTree,
		})

		if err := job.BindChild(proc); err != nil {
			done(err)
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), e.timeout())
		runErr := proc.Run(ctx)
		cancel()

		if ctx.Err() == context.DeadlineExceeded {
			mins := int(math.Round(e.timeout().Minutes()))
			desc := fmt.Sprintf("Tests stalled after ~%d min", mins)
			if jobLog != nil {
				jobLog.Error("Max test time exceeded after ~%d min", mins)
			}
			job.MutateData(func(d *queue.Data) { d.Status = record.StatusError; d.Description = desc })
			e.persistError(job, desc)
			done(errors.New("Job stalled"))
			return
		}

		if runErr != nil {
			var exitErr *exec.ExitError
			switch {
			case errors.As(runErr, &exitErr):
				desc, errMsg := classifyStderr(stderrCapture.String())
				desc = truncate(desc, e.cfg.MaxDescriptionLen)
				job.MutateData(func(d *queue.Data) { d.Status = record.StatusError; d.Description = desc })
				e.persistError(job, desc)
				done(errors.New(errMsg))
				return
			case errors.Is(runErr, exec.ErrNotFound) || errors.Is(runErr, os.ErrNotExist):
				done(fmt.Errorf("File %q not found", script))
				return
			default:
				done(fmt.Errorf("Failed to spawn: %v", runErr))
				return
			}
		}
	}

	rec, err := e.harvestRecord(reportsDir, data.SHA, data.Branch, checkoutPath, data.Repo)
	if err != nil {
		done(fmt.Errorf("harvesting test record: %w", err))
		return
	}
	if rec == nil {
		done(errors.New("test result not found"))
		return
	}
	if err := e.store.Save(*rec); err != nil {
		done(err)
		return
	}
	if !e.updateJobFromRecord(job) {
		done(errors.New("test result not found"))
		return
	}
	done(nil)
}

func (e *Executor) persistError(job *queue.Job, desc string) {
	data := job.DataSnapshot()
	rec := record.Record{Commit: data.SHA, Status: record.StatusError, Description: desc, Branch: data.Branch}
	if err := e.store.Save(rec); err != nil && e.log != nil {
		e.log.Warn("failed to persist error record for %s: %v", data.SHA, err)
	}
}

// harvestedRecord is the JSON shape a routine script is expected to leave
// behind in its reports directory once it completes successfully.
type harvestedRecord struct {
	Status      record.Status      `json:"status"`
	Description string             `json:"description"`
	Coverage    *float64           `json:"coverage"`
	Statistics  *record.Statistics `json:"statistics"`
	Results     any                `json:"results"`
}

func (e *Executor) harvestRecord(reportsDir, sha, branch, checkoutPath, repo string) (*record.Record, error) {
	path := filepath.Join(reportsDir, "record.json")
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var h harvestedRecord
	if err := json.Unmarshal(data, &h); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	if !h.Status.Valid() {
		return nil, fmt.Errorf("%s: invalid status %q", path, h.Status)
	}

	// A routine that leaves a Cobertura XML report instead of reporting its
	// own coverage figure gets parsed into a full Coveralls-shaped report;
	// only its percentage feeds the record, but the rest travels along as
	// Results for anything that wants the per-file detail.
	if h.Coverage == nil {
		if report, err := coverage.Parse(e.expectedXMLPath(sha), checkoutPath, sha, e.cfg.Submodules, repo, e.cfg.RepoToken, e.cfg.ServiceName); err == nil {
			h.Coverage = &report.Percent
			if h.Results == nil {
				h.Results = report
			}
		}
	}

	return &record.Record{
		Commit:      sha,
		Status:      h.Status,
		Description: h.Description,
		Coverage:    h.Coverage,
		Statistics:  h.Statistics,
		Results:     h.Results,
		Branch:      branch,
	}, nil
}

func (e *Executor) selectRoutine(context string) []string {
	for _, r := range e.cfg.Routines {
		if ok, _ := doublestar.Match(r.Glob, context); ok {
			return r.Scripts
		}
	}
	return e.cfg.DefaultRoutine
}

func (e *Executor) timeout() time.Duration {
	if e.cfg.Timeout > 0 {
		return e.cfg.Timeout
	}
	return 60 * time.Second
}

func (e *Executor) expectedXMLPath(sha string) string {
	return filepath.Join(e.cfg.DataPath, "reports", sha, "CoverageResults.xml")
}

func shortSHA(sha string) string {
	if len(sha) > 7 {
		return sha[:7]
	}
	return sha
}

func truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	return s[:max]
}

var (
	flake8RE    = regexp.MustCompile(`(?m)^[A-Za-z/\\._]+:\d+:\d+: [EWF]\d{3} .*$`)
	errorWordRE = regexp.MustCompile(`(?i)(Error:|^\w*Error\b)`)
)

// classifyStderr turns a failing script's captured stderr into a short
// description (for the record/status) and a longer error message (for the
// error returned to the queue).
func classifyStderr(stderr string) (description, errMessage string) {
	lines := strings.Split(strings.TrimRight(stderr, "\n"), "\n")

	var flakeLines []string
	for _, l := range lines {
		if flake8RE.MatchString(l) {
			flakeLines = append(flakeLines, l)
		}
	}
	if len(flakeLines) > 0 {
		return fmt.Sprintf("%d flake8 errors", len(flakeLines)), flakeLines[0]
	}

	var errLines []string
	for _, l := range lines {
		if errorWordRE.MatchString(l) {
			errLines = append(errLines, l)
		}
	}
	if len(errLines) > 0 {
		joined := strings.Join(errLines, "; ")
		return joined, joined
	}

	start := -1
	for i, l := range lines {
		if l != "" && !strings.HasPrefix(l, " ") && !strings.HasPrefix(l, "\t") {
			start = i
		}
	}
	if start == -1 {
		joined := strings.Join(lines, "; ")
		return joined, joined
	}
	joined := strings.Join(lines[start:], "; ")
	return joined, joined
}
